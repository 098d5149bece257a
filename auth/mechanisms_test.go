package auth

import (
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCram(t *testing.T) {
	tests := []struct {
		mech, password, challenge, want string
	}{
		// RFC 2195 example.
		{CramMD5, "tanstaaftanstaaf", "<1896.697170952@postoffice.reston.mci.net>", "tim b913a602c7eda7a495b4e6e7334d3890"},
		{CramSHA1, "secret", "<123@example.com>", "tim ea95a6bd6f5f70718285333e7ac95c8f75aa8365"},
		{CramSHA256, "secret", "<123@example.com>", "tim d12989348c82bb65219dce635c9a7e4370b9b8a4b5f1d38749706b119f405cb1"},
	}
	for _, tt := range tests {
		t.Run(tt.mech, func(t *testing.T) {
			c := newCramClient(tt.mech, "tim", tt.password)
			mech, ir, err := c.Start()
			require.NoError(t, err)
			assert.Equal(t, tt.mech, mech)
			assert.Nil(t, ir)

			resp, err := c.Next([]byte(tt.challenge))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(resp))

			_, err = c.Next([]byte("again"))
			assert.ErrorIs(t, err, sasl.ErrUnexpectedServerChallenge)
		})
	}
}

func TestXOAuth2(t *testing.T) {
	c := newXOAuth2Client("someuser@example.com", "ya29.token")
	mech, ir, err := c.Start()
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, "user=someuser@example.com\x01auth=Bearer ya29.token\x01\x01", string(ir))

	resp, err := c.Next([]byte(`{"status":"401","schemes":"bearer","scope":"https://mail.google.com/"}`))
	require.NoError(t, err)
	assert.Empty(t, resp)
	assert.NotNil(t, resp)

	_, err = c.Next([]byte("not json"))
	assert.ErrorIs(t, err, sasl.ErrUnexpectedServerChallenge)
}

func TestDigestMD5_RFC2831(t *testing.T) {
	c := newDigestMD5Client("elwood.innosoft.com", "chris", "secret")
	c.service = "imap"
	c.cnonce = func() string { return "OA6MHXh6VqTrRk" }

	mech, ir, err := c.Start()
	require.NoError(t, err)
	assert.Equal(t, "DIGEST-MD5", mech)
	assert.Nil(t, ir)

	resp, err := c.Next([]byte(`realm="elwood.innosoft.com",nonce="OA6MG9tEQGm2hh",qop="auth",algorithm=md5-sess,charset=utf-8`))
	require.NoError(t, err)
	assert.Equal(t,
		`charset=utf-8,username="chris",realm="elwood.innosoft.com",nonce="OA6MG9tEQGm2hh",nc=00000001,`+
			`cnonce="OA6MHXh6VqTrRk",digest-uri="imap/elwood.innosoft.com",response=d388dad90d4bbd760a152321f2143af7,qop=auth`,
		string(resp))

	resp, err = c.Next([]byte("rspauth=ea40f60335c427b5527b84dbabcdfffd"))
	require.NoError(t, err)
	assert.Empty(t, resp)

	_, err = c.Next(nil)
	assert.Error(t, err)
}

func TestDigestMD5_BadServerProof(t *testing.T) {
	c := newDigestMD5Client("mail.example.com", "chris", "secret")
	_, err := c.Next([]byte(`realm="example.com",nonce="abc",qop="auth"`))
	require.NoError(t, err)

	_, err = c.Next([]byte("rspauth=00000000000000000000000000000000"))
	assert.Error(t, err)
}

func TestDigestMD5_ChallengeErrors(t *testing.T) {
	_, err := newDigestMD5Client("h", "u", "p").Next([]byte(`realm="r",qop="auth"`))
	assert.ErrorContains(t, err, "no nonce")

	_, err = newDigestMD5Client("h", "u", "p").Next([]byte(`nonce="n",qop="auth-conf"`))
	assert.ErrorContains(t, err, "does not offer auth")
}

func TestDigestMD5_RealmFromUsername(t *testing.T) {
	c := newDigestMD5Client("mail.example.com", "chris@example.org", "secret")
	c.cnonce = func() string { return "cn" }
	resp, err := c.Next([]byte(`nonce="n"`))
	require.NoError(t, err)
	assert.Contains(t, string(resp), `username="chris",realm="example.org"`)
	assert.Contains(t, string(resp), `digest-uri="smtp/mail.example.com"`)
}

func TestParseDigestChallenge(t *testing.T) {
	got := parseDigestChallenge(`realm="a\"b",nonce="x,y", qop="auth,auth-int",stale=false`)
	assert.Equal(t, map[string]string{
		"realm": `a"b`,
		"nonce": "x,y",
		"qop":   "auth,auth-int",
		"stale": "false",
	}, got)
}
