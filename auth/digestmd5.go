package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

// digestMD5Client implements DIGEST-MD5 (RFC 2831) with qop=auth.
type digestMD5Client struct {
	host     string
	username string
	password string

	// service and cnonce are fixed by tests.
	service string
	cnonce  func() string

	step    int
	rspauth string
}

func newDigestMD5Client(host, username, password string) *digestMD5Client {
	return &digestMD5Client{
		host:     host,
		username: username,
		password: password,
		service:  "smtp",
		cnonce:   randomCnonce,
	}
}

func randomCnonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.RawStdEncoding.EncodeToString(b)
}

func (c *digestMD5Client) Start() (string, []byte, error) {
	return DigestMD5, nil, nil
}

func (c *digestMD5Client) Next(challenge []byte) ([]byte, error) {
	c.step++
	switch c.step {
	case 1:
		return c.respond(string(challenge))
	case 2:
		got, ok := strings.CutPrefix(string(challenge), "rspauth=")
		if !ok || got != c.rspauth {
			return nil, errors.New("auth: DIGEST-MD5 server response did not verify")
		}
		return []byte{}, nil
	}
	return nil, sasl.ErrUnexpectedServerChallenge
}

func (c *digestMD5Client) respond(challenge string) ([]byte, error) {
	fields := parseDigestChallenge(challenge)
	nonce := fields["nonce"]
	if nonce == "" {
		return nil, errors.New("auth: DIGEST-MD5 challenge has no nonce")
	}
	if qop, ok := fields["qop"]; ok && !containsToken(qop, "auth") {
		return nil, fmt.Errorf("auth: DIGEST-MD5 qop %q does not offer auth", qop)
	}

	user, realm := c.username, fields["realm"]
	if u, r, ok := strings.Cut(c.username, "@"); ok && realm == "" {
		user, realm = u, r
	}
	cnonce := c.cnonce()
	const nc = "00000001"
	uri := c.service + "/" + c.host

	response := digestResponse(user, realm, c.password, nonce, cnonce, nc, uri, "AUTHENTICATE")
	c.rspauth = digestResponse(user, realm, c.password, nonce, cnonce, nc, uri, "")

	var b strings.Builder
	if strings.EqualFold(fields["charset"], "utf-8") {
		b.WriteString("charset=utf-8,")
	}
	fmt.Fprintf(&b, "username=%s,realm=%s,nonce=%s,nc=%s,cnonce=%s,digest-uri=%s,response=%s,qop=auth",
		quote(user), quote(realm), quote(nonce), nc, quote(cnonce), quote(uri), response)
	return []byte(b.String()), nil
}

func digestResponse(user, realm, password, nonce, cnonce, nc, uri, method string) string {
	secret := md5.Sum([]byte(user + ":" + realm + ":" + password))
	a1 := string(secret[:]) + ":" + nonce + ":" + cnonce
	a2 := method + ":" + uri
	return md5Hex(md5Hex(a1) + ":" + nonce + ":" + nc + ":" + cnonce + ":auth:" + md5Hex(a2))
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
}

func containsToken(list, tok string) bool {
	for _, t := range strings.Split(list, ",") {
		if strings.EqualFold(strings.TrimSpace(t), tok) {
			return true
		}
	}
	return false
}

// parseDigestChallenge splits a comma-separated list of key=value pairs
// where values may be quoted strings with backslash escapes.
func parseDigestChallenge(s string) map[string]string {
	out := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t,")
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]

		var val strings.Builder
		if strings.HasPrefix(s, `"`) {
			i := 1
			for ; i < len(s) && s[i] != '"'; i++ {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				val.WriteByte(s[i])
			}
			s = s[min(i+1, len(s)):]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			val.WriteString(strings.TrimSpace(s[:end]))
			s = s[end:]
		}
		if _, dup := out[key]; !dup {
			out[key] = val.String()
		}
	}
	return out
}
