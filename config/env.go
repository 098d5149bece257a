package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/alexisbouchez/mailer"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MAILER_"

func (c *Config) applyEnv() error {
	s := &c.SMTP
	if v := getenv("HOSTNAME"); v != "" {
		s.Hostname = v
	}
	if err := envInt("PORT", &s.Port); err != nil {
		return err
	}
	if err := envBool("SSL", &s.SSL); err != nil {
		return err
	}
	if v := getenv("STARTTLS"); v != "" {
		s.StartTLS = v
	}
	if v := getenv("AUTH_METHODS"); v != "" {
		s.AuthMethods = mailer.SplitAuthMethods(v)
	}
	if v := getenv("LOGIN"); v != "" {
		s.Login = v
	}
	if v := getenv("USERNAME"); v != "" {
		s.Username = v
	}
	if v := getenv("PASSWORD"); v != "" {
		s.Password = v
	}
	if v := getenv("OWN_HOSTNAME"); v != "" {
		s.OwnHostname = v
	}
	if err := envInt("MAX_POOL_SIZE", &s.MaxPoolSize); err != nil {
		return err
	}
	if err := envBool("KEEP_ALIVE", &s.KeepAlive); err != nil {
		return err
	}
	if v := getenv("KEEP_ALIVE_TIMEOUT"); v != "" {
		s.KeepAliveTimeout = v
	}
	if v := getenv("CONNECT_TIMEOUT"); v != "" {
		s.ConnectTimeout = v
	}
	if err := envBool("DISABLE_ESMTP", &s.DisableESMTP); err != nil {
		return err
	}
	if err := envBool("ALLOW_RCPT_ERRORS", &s.AllowRcptErrors); err != nil {
		return err
	}
	if err := envBool("TRUST_ALL", &s.TrustAll); err != nil {
		return err
	}
	if v := getenv("KEY_STORE"); v != "" {
		s.KeyStore = v
	}
	if v := getenv("KEY_STORE_PASSWORD"); v != "" {
		s.KeyStorePassword = v
	}
	if err := envBool("PIPELINING", &s.Pipelining); err != nil {
		return err
	}

	if v := getenv("PROXY_LISTEN"); v != "" {
		c.Proxy.Listen = v
	}
	if v := getenv("PROXY_BUS_ADDRESS"); v != "" {
		c.Proxy.BusAddress = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	return envBool("METRICS_ENABLED", &c.Metrics.Enabled)
}

func getenv(name string) string {
	return os.Getenv(EnvPrefix + name)
}

func envInt(name string, dst *int) error {
	v := getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) error {
	v := getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
	}
	*dst = b
	return nil
}
