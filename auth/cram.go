package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/emersion/go-sasl"
)

// cramClient implements CRAM-MD5 (RFC 2195) and its SHA variants: the
// response is the username and the hex HMAC of the server challenge keyed
// with the password.
type cramClient struct {
	mech     string
	hash     func() hash.Hash
	username string
	password string
	done     bool
}

func newCramClient(mech, username, password string) *cramClient {
	c := &cramClient{mech: mech, username: username, password: password}
	switch mech {
	case CramSHA1:
		c.hash = sha1.New
	case CramSHA256:
		c.hash = sha256.New
	default:
		c.hash = md5.New
	}
	return c
}

func (c *cramClient) Start() (string, []byte, error) {
	return c.mech, nil, nil
}

func (c *cramClient) Next(challenge []byte) ([]byte, error) {
	if c.done {
		return nil, sasl.ErrUnexpectedServerChallenge
	}
	c.done = true
	mac := hmac.New(c.hash, []byte(c.password))
	mac.Write(challenge)
	return []byte(c.username + " " + hex.EncodeToString(mac.Sum(nil))), nil
}
