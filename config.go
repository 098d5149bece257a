package mailer

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/pkcs12"
	"lukechampine.com/blake3"
)

// StartTLSPolicy controls the in-band TLS upgrade.
type StartTLSPolicy string

const (
	StartTLSDisabled StartTLSPolicy = "disabled"
	StartTLSOptional StartTLSPolicy = "optional"
	StartTLSRequired StartTLSPolicy = "required"
)

// LoginPolicy controls whether the session authenticates.
type LoginPolicy string

const (
	// LoginNone authenticates when credentials are configured and the server
	// offers a usable mechanism, and silently skips AUTH otherwise.
	LoginNone     LoginPolicy = "none"
	LoginDisabled LoginPolicy = "disabled"
	LoginRequired LoginPolicy = "required"
	// LoginXOAUTH2 requires authentication with XOAUTH2; Password carries the
	// bearer token.
	LoginXOAUTH2 LoginPolicy = "xoauth2"
)

// Defaults applied by DefaultConfig.
const (
	DefaultHostname         = "localhost"
	DefaultPort             = 25
	DefaultMaxPoolSize      = 10
	DefaultKeepAliveTimeout = 300 * time.Second
	DefaultConnectTimeout   = 30 * time.Second
	DefaultUserAgent        = "mailer"
)

// Config holds connection and authentication parameters. A Config must not
// be modified after a client has been built from it; clients keep a copy.
type Config struct {
	Hostname         string         `json:"hostname" yaml:"hostname" toml:"hostname"`
	Port             int            `json:"port" yaml:"port" toml:"port"`
	SSL              bool           `json:"ssl" yaml:"ssl" toml:"ssl"`
	StartTLS         StartTLSPolicy `json:"starttls" yaml:"starttls" toml:"starttls"`
	AuthMethods      []string       `json:"authMethods,omitempty" yaml:"auth_methods" toml:"auth_methods"`
	Login            LoginPolicy    `json:"login" yaml:"login" toml:"login"`
	Username         string         `json:"username,omitempty" yaml:"username" toml:"username"`
	Password         string         `json:"-" yaml:"password" toml:"password"`
	OwnHostname      string         `json:"ownHostname,omitempty" yaml:"own_hostname" toml:"own_hostname"`
	MaxPoolSize      int            `json:"maxPoolSize" yaml:"max_pool_size" toml:"max_pool_size"`
	KeepAlive        bool           `json:"keepAlive" yaml:"keep_alive" toml:"keep_alive"`
	KeepAliveTimeout time.Duration  `json:"keepAliveTimeout" yaml:"-" toml:"-"`
	DisableESMTP     bool           `json:"disableEsmtp" yaml:"disable_esmtp" toml:"disable_esmtp"`
	AllowRcptErrors  bool           `json:"allowRcptErrors" yaml:"allow_rcpt_errors" toml:"allow_rcpt_errors"`
	TrustAll         bool           `json:"trustAll" yaml:"trust_all" toml:"trust_all"`
	KeyStore         string         `json:"keyStore,omitempty" yaml:"key_store" toml:"key_store"`
	KeyStorePassword string         `json:"-" yaml:"key_store_password" toml:"key_store_password"`
	UserAgent        string         `json:"userAgent,omitempty" yaml:"user_agent" toml:"user_agent"`
	Pipelining       bool           `json:"pipelining" yaml:"pipelining" toml:"pipelining"`
	ConnectTimeout   time.Duration  `json:"connectTimeout" yaml:"-" toml:"-"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	return Config{
		Hostname:         DefaultHostname,
		Port:             DefaultPort,
		StartTLS:         StartTLSOptional,
		Login:            LoginNone,
		MaxPoolSize:      DefaultMaxPoolSize,
		KeepAlive:        true,
		KeepAliveTimeout: DefaultKeepAliveTimeout,
		ConnectTimeout:   DefaultConnectTimeout,
		UserAgent:        DefaultUserAgent,
	}
}

// Addr returns "host:port".
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

// Validate checks the configuration and fills empty policy fields with
// their defaults. Every failure is a KindConfig *Error.
func (c *Config) Validate() error {
	if c.StartTLS == "" {
		c.StartTLS = StartTLSOptional
	}
	if c.Login == "" {
		c.Login = LoginNone
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}

	switch {
	case c.Hostname == "":
		return Errorf(KindConfig, "validate", "hostname is required")
	case c.Port < 1 || c.Port > 65535:
		return Errorf(KindConfig, "validate", "port %d out of range", c.Port)
	case c.MaxPoolSize < 1:
		return Errorf(KindConfig, "validate", "maxPoolSize must be at least 1, got %d", c.MaxPoolSize)
	case c.KeepAliveTimeout < 0:
		return Errorf(KindConfig, "validate", "keepAliveTimeout must not be negative")
	}

	switch c.StartTLS {
	case StartTLSDisabled, StartTLSOptional, StartTLSRequired:
	default:
		return Errorf(KindConfig, "validate", "unknown starttls policy %q", c.StartTLS)
	}
	switch c.Login {
	case LoginNone, LoginDisabled:
	case LoginRequired, LoginXOAUTH2:
		if c.Username == "" {
			return Errorf(KindConfig, "validate", "login is %s, but no username is configured", c.Login)
		}
	default:
		return Errorf(KindConfig, "validate", "unknown login policy %q", c.Login)
	}
	if c.KeyStore != "" {
		if _, err := c.rootCAs(); err != nil {
			return NewError(KindConfig, "key store", err)
		}
	}
	return nil
}

// LocalHostname returns the OS hostname, or DefaultHostname when it cannot
// be determined. It is the default EHLO argument and Message-ID domain.
func LocalHostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return DefaultHostname
}

// OwnHostnameOrDefault returns OwnHostname, falling back to LocalHostname.
func (c *Config) OwnHostnameOrDefault() string {
	if c.OwnHostname != "" {
		return c.OwnHostname
	}
	return LocalHostname()
}

// TLSConfig builds the client TLS configuration for implicit TLS and
// STARTTLS.
func (c *Config) TLSConfig() (*tls.Config, error) {
	tc := &tls.Config{
		ServerName:         c.Hostname,
		InsecureSkipVerify: c.TrustAll,
		MinVersion:         tls.VersionTLS12,
	}
	if c.KeyStore != "" {
		pool, err := c.rootCAs()
		if err != nil {
			return nil, NewError(KindConfig, "key store", err)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// rootCAs loads KeyStore as either a PKCS#12 bundle (.p12/.pfx) or a PEM
// file of certificates.
func (c *Config) rootCAs() (*x509.CertPool, error) {
	data, err := os.ReadFile(c.KeyStore)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()

	switch strings.ToLower(filepath.Ext(c.KeyStore)) {
	case ".p12", ".pfx":
		blocks, err := pkcs12.ToPEM(data, c.KeyStorePassword)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", c.KeyStore, err)
		}
		n := 0
		for _, b := range blocks {
			if b.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing certificate in %s: %w", c.KeyStore, err)
			}
			pool.AddCert(cert)
			n++
		}
		if n == 0 {
			return nil, fmt.Errorf("no certificates in %s", c.KeyStore)
		}
	default:
		if !pool.AppendCertsFromPEM(data) {
			if block, _ := pem.Decode(data); block == nil {
				return nil, fmt.Errorf("%s is not a PEM file", c.KeyStore)
			}
			return nil, fmt.Errorf("no certificates in %s", c.KeyStore)
		}
	}
	return pool, nil
}

// PoolKey identifies the set of configurations that may share one pool.
// Two configs with equal connection-affecting fields produce equal keys.
type PoolKey struct {
	Hostname         string
	Port             int
	SSL              bool
	StartTLS         StartTLSPolicy
	AuthMethods      string
	Login            LoginPolicy
	Username         string
	Password         string
	OwnHostname      string
	DisableESMTP     bool
	TrustAll         bool
	KeyStore         string
	KeyStorePassword string
}

// PoolKey derives the sharing key from c.
func (c *Config) PoolKey() PoolKey {
	methods := make([]string, 0, len(c.AuthMethods))
	for _, m := range c.AuthMethods {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			methods = append(methods, m)
		}
	}
	slices.Sort(methods)
	methods = slices.Compact(methods)

	startTLS, login := c.StartTLS, c.Login
	if startTLS == "" {
		startTLS = StartTLSOptional
	}
	if login == "" {
		login = LoginNone
	}
	return PoolKey{
		Hostname:         strings.ToLower(c.Hostname),
		Port:             c.Port,
		SSL:              c.SSL,
		StartTLS:         startTLS,
		AuthMethods:      strings.Join(methods, ","),
		Login:            login,
		Username:         c.Username,
		Password:         c.Password,
		OwnHostname:      c.OwnHostname,
		DisableESMTP:     c.DisableESMTP,
		TrustAll:         c.TrustAll,
		KeyStore:         c.KeyStore,
		KeyStorePassword: c.KeyStorePassword,
	}
}

// ID returns a short stable digest of the key, safe to log: it never
// exposes the password.
func (k PoolKey) ID() string {
	h := blake3.New(16, nil)
	fmt.Fprintf(h, "%s\x00%d\x00%t\x00%s\x00%s\x00%s\x00%s\x00%s\x00%s\x00%t\x00%t\x00%s\x00%s",
		k.Hostname, k.Port, k.SSL, k.StartTLS, k.AuthMethods, k.Login, k.Username, k.Password,
		k.OwnHostname, k.DisableESMTP, k.TrustAll, k.KeyStore, k.KeyStorePassword)
	return hex.EncodeToString(h.Sum(nil))
}

// SplitAuthMethods parses a comma- or space-separated mechanism list.
func SplitAuthMethods(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}
