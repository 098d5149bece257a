package auth

import (
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbouchez/mailer"
)

func TestNegotiator_Candidates(t *testing.T) {
	tests := []struct {
		name       string
		policy     mailer.LoginPolicy
		allowed    []string
		advertised string
		want       []string
	}{
		{
			name:       "preference order regardless of advertised order",
			advertised: "LOGIN PLAIN CRAM-MD5 XOAUTH2",
			want:       []string{"XOAUTH2", "CRAM-MD5", "PLAIN", "LOGIN"},
		},
		{
			name:       "allowed list filters",
			allowed:    []string{"plain", "login"},
			advertised: "LOGIN PLAIN CRAM-MD5",
			want:       []string{"PLAIN", "LOGIN"},
		},
		{
			name:       "unknown advertised mechanisms ignored",
			advertised: "GSSAPI NTLM PLAIN",
			want:       []string{"PLAIN"},
		},
		{
			name:       "xoauth2 policy restricts",
			policy:     mailer.LoginXOAUTH2,
			advertised: "PLAIN XOAUTH2",
			want:       []string{"XOAUTH2"},
		},
		{
			name:       "no intersection",
			allowed:    []string{"CRAM-SHA256"},
			advertised: "PLAIN LOGIN",
			want:       nil,
		},
		{
			name:       "lower case advertisement",
			advertised: "cram-sha1 digest-md5",
			want:       []string{"DIGEST-MD5", "CRAM-SHA1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNegotiator(tt.policy, tt.allowed, "user", "pass")
			assert.Equal(t, tt.want, n.Candidates(tt.advertised))
		})
	}
}

func TestNegotiator_Choose(t *testing.T) {
	tests := []struct {
		name       string
		policy     mailer.LoginPolicy
		username   string
		advertised string
		wantMech   string
		wantErr    string
	}{
		{name: "none without username skips", policy: mailer.LoginNone, advertised: "PLAIN"},
		{name: "none without advertisement skips", policy: mailer.LoginNone, username: "u"},
		{name: "none picks strongest", policy: mailer.LoginNone, username: "u", advertised: "PLAIN CRAM-SHA256", wantMech: "CRAM-SHA256"},
		{name: "disabled skips even with credentials", policy: mailer.LoginDisabled, username: "u", advertised: "PLAIN"},
		{name: "required without username", policy: mailer.LoginRequired, advertised: "PLAIN", wantErr: "login is required, but no credentials supplied"},
		{name: "required without mechanisms", policy: mailer.LoginRequired, username: "u", wantErr: "login is required, but no allowed AUTH methods available"},
		{name: "required picks", policy: mailer.LoginRequired, username: "u", advertised: "LOGIN", wantMech: "LOGIN"},
		{name: "xoauth2 not offered", policy: mailer.LoginXOAUTH2, username: "u", advertised: "PLAIN", wantErr: "no allowed AUTH methods"},
		{name: "xoauth2 offered", policy: mailer.LoginXOAUTH2, username: "u", advertised: "PLAIN XOAUTH2", wantMech: "XOAUTH2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNegotiator(tt.policy, nil, tt.username, "secret")
			c, err := n.Choose(tt.advertised, "mail.example.com")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, mailer.ErrAuth)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			if tt.wantMech == "" {
				assert.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			mech, _, err := c.Start()
			require.NoError(t, err)
			assert.Equal(t, tt.wantMech, mech)
		})
	}
}

func TestNewMechanism(t *testing.T) {
	for _, name := range Preference {
		c, err := NewMechanism(name, "mail.example.com", "u", "p")
		require.NoError(t, err, name)
		mech, _, err := c.Start()
		require.NoError(t, err)
		assert.Equal(t, name, mech)
		assert.True(t, Supported(name))
	}

	_, err := NewMechanism("NTLM", "", "u", "p")
	assert.Error(t, err)
	assert.False(t, Supported("NTLM"))
}

func TestPlainAndLogin(t *testing.T) {
	plain, err := NewMechanism("plain", "", "user", "pass")
	require.NoError(t, err)
	_, ir, err := plain.Start()
	require.NoError(t, err)
	assert.Equal(t, "\x00user\x00pass", string(ir))

	login, err := NewMechanism("LOGIN", "", "user", "pass")
	require.NoError(t, err)
	_, ir, err = login.Start()
	require.NoError(t, err)
	assert.Equal(t, "user", string(ir))
	resp, err := login.Next([]byte("Password:"))
	require.NoError(t, err)
	assert.Equal(t, "pass", string(resp))

	// The go-sasl PLAIN server accepts what the client sends.
	var gotUser, gotPass string
	srv := sasl.NewPlainServer(func(identity, username, password string) error {
		gotUser, gotPass = username, password
		return nil
	})
	_, ir, _ = plain.Start()
	_, done, err := srv.Next(ir)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "user", gotUser)
	assert.Equal(t, "pass", gotPass)
}
