package mailer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost", cfg.Hostname)
	assert.Equal(t, 25, cfg.Port)
	assert.Equal(t, StartTLSOptional, cfg.StartTLS)
	assert.Equal(t, LoginNone, cfg.Login)
	assert.Equal(t, 10, cfg.MaxPoolSize)
	assert.True(t, cfg.KeepAlive)
	assert.Equal(t, 300*time.Second, cfg.KeepAliveTimeout)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"empty hostname", func(c *Config) { c.Hostname = "" }, false},
		{"port zero", func(c *Config) { c.Port = 0 }, false},
		{"port too large", func(c *Config) { c.Port = 70000 }, false},
		{"pool size zero", func(c *Config) { c.MaxPoolSize = 0 }, false},
		{"negative keep alive timeout", func(c *Config) { c.KeepAliveTimeout = -time.Second }, false},
		{"unknown starttls", func(c *Config) { c.StartTLS = "sometimes" }, false},
		{"unknown login", func(c *Config) { c.Login = "maybe" }, false},
		{"required without username", func(c *Config) { c.Login = LoginRequired }, false},
		{"required with username", func(c *Config) { c.Login = LoginRequired; c.Username = "u" }, true},
		{"xoauth2 without username", func(c *Config) { c.Login = LoginXOAUTH2 }, false},
		{"missing key store", func(c *Config) { c.KeyStore = filepath.Join(t.TempDir(), "none.pem") }, false},
		{"empty policies get defaults", func(c *Config) { c.StartTLS = ""; c.Login = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func writeTestCertPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mail.example.com"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return path
}

func TestConfig_TLSConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hostname = "mail.example.com"
	cfg.TrustAll = true

	tc, err := cfg.TLSConfig()
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com", tc.ServerName)
	assert.True(t, tc.InsecureSkipVerify)
	assert.Nil(t, tc.RootCAs)

	cfg.KeyStore = writeTestCertPEM(t)
	tc, err = cfg.TLSConfig()
	require.NoError(t, err)
	assert.NotNil(t, tc.RootCAs)
}

func TestConfig_KeyStoreErrors(t *testing.T) {
	dir := t.TempDir()
	notPEM := filepath.Join(dir, "junk.pem")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a certificate"), 0o600))
	badP12 := filepath.Join(dir, "store.p12")
	require.NoError(t, os.WriteFile(badP12, []byte{0x30, 0x00}, 0o600))

	for _, path := range []string{notPEM, badP12} {
		cfg := DefaultConfig()
		cfg.KeyStore = path
		_, err := cfg.TLSConfig()
		assert.ErrorIs(t, err, ErrConfig, path)
	}
}

func TestConfig_PoolKey(t *testing.T) {
	a := DefaultConfig()
	a.Username, a.Password = "user", "secret"
	a.AuthMethods = []string{"plain", "CRAM-MD5"}

	b := a
	b.AuthMethods = []string{"cram-md5", "PLAIN"}
	b.MaxPoolSize = 3 // not connection-affecting
	b.Hostname = "LOCALHOST"

	assert.Equal(t, a.PoolKey(), b.PoolKey())
	assert.Equal(t, a.PoolKey().ID(), b.PoolKey().ID())

	c := a
	c.Password = "other"
	assert.NotEqual(t, a.PoolKey(), c.PoolKey())
	assert.NotEqual(t, a.PoolKey().ID(), c.PoolKey().ID())

	id := a.PoolKey().ID()
	assert.Len(t, id, 32)
	assert.NotContains(t, id, "secret")
}

func TestSplitAuthMethods(t *testing.T) {
	assert.Equal(t, []string{"PLAIN", "LOGIN", "CRAM-MD5"}, SplitAuthMethods("PLAIN, LOGIN CRAM-MD5"))
	assert.Empty(t, SplitAuthMethods(" , "))
}

func TestConfig_OwnHostnameOrDefault(t *testing.T) {
	assert.NotEmpty(t, LocalHostname())

	cfg := DefaultConfig()
	assert.Equal(t, LocalHostname(), cfg.OwnHostnameOrDefault())

	cfg.OwnHostname = "client.example.com"
	assert.Equal(t, "client.example.com", cfg.OwnHostnameOrDefault())
}
