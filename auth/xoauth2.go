package auth

import (
	"encoding/json"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements Google's XOAUTH2 mechanism. The token is sent
// in the initial response. On failure the server sends a JSON error
// challenge, which must be answered with an empty response before it
// issues the final 535.
type xoauth2Client struct {
	username string
	token    string
}

func newXOAuth2Client(username, token string) *xoauth2Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return XOAUTH2, []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01"), nil
}

// xoauth2Error is the challenge sent on a rejected token.
type xoauth2Error struct {
	Status  string `json:"status"`
	Schemes string `json:"schemes"`
	Scope   string `json:"scope"`
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	var e xoauth2Error
	if err := json.Unmarshal(challenge, &e); err != nil || e.Status == "" {
		return nil, sasl.ErrUnexpectedServerChallenge
	}
	return []byte{}, nil
}
