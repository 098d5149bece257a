package auth

import (
	"fmt"
	"slices"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/alexisbouchez/mailer"
)

// Mechanism names.
const (
	XOAUTH2    = "XOAUTH2"
	DigestMD5  = "DIGEST-MD5"
	CramSHA256 = "CRAM-SHA256"
	CramSHA1   = "CRAM-SHA1"
	CramMD5    = "CRAM-MD5"
	Plain      = sasl.Plain
	Login      = sasl.Login
)

// Preference lists every supported mechanism, strongest first.
var Preference = []string{XOAUTH2, DigestMD5, CramSHA256, CramSHA1, CramMD5, Plain, Login}

// Negotiator selects the mechanism for one session.
type Negotiator struct {
	policy   mailer.LoginPolicy
	allowed  map[string]bool // nil means every supported mechanism
	username string
	password string
}

// NewNegotiator returns a Negotiator for the given policy. An empty allowed
// list permits every supported mechanism.
func NewNegotiator(policy mailer.LoginPolicy, allowed []string, username, password string) *Negotiator {
	n := &Negotiator{policy: policy, username: username, password: password}
	if n.policy == "" {
		n.policy = mailer.LoginNone
	}
	if len(allowed) > 0 {
		n.allowed = make(map[string]bool, len(allowed))
		for _, m := range allowed {
			n.allowed[strings.ToUpper(strings.TrimSpace(m))] = true
		}
	}
	return n
}

// Candidates returns the mechanisms that are allowed, advertised and
// supported, in preference order. advertised is the AUTH parameter of the
// EHLO reply, e.g. "PLAIN LOGIN CRAM-MD5".
func (n *Negotiator) Candidates(advertised string) []string {
	offered := make(map[string]bool)
	for _, m := range strings.Fields(advertised) {
		offered[strings.ToUpper(m)] = true
	}

	var out []string
	for _, m := range Preference {
		if !offered[m] {
			continue
		}
		if n.allowed != nil && !n.allowed[m] {
			continue
		}
		if n.policy == mailer.LoginXOAUTH2 && m != XOAUTH2 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Choose applies the login policy. It returns the client to run, nil with
// a nil error when authentication should be skipped, or a KindAuth error
// when the policy demands authentication that cannot happen.
func (n *Negotiator) Choose(advertised, serverHost string) (sasl.Client, error) {
	if n.policy == mailer.LoginDisabled {
		return nil, nil
	}
	mandatory := n.policy == mailer.LoginRequired || n.policy == mailer.LoginXOAUTH2

	if n.username == "" {
		if mandatory {
			return nil, mailer.Errorf(mailer.KindAuth, "AUTH", "login is required, but no credentials supplied")
		}
		return nil, nil
	}

	candidates := n.Candidates(advertised)
	if len(candidates) == 0 {
		if mandatory {
			return nil, mailer.Errorf(mailer.KindAuth, "AUTH", "login is required, but no allowed AUTH methods available")
		}
		return nil, nil
	}

	c, err := NewMechanism(candidates[0], serverHost, n.username, n.password)
	if err != nil {
		return nil, mailer.NewError(mailer.KindAuth, "AUTH", err)
	}
	return c, nil
}

// NewMechanism builds the client for one mechanism. host is the server
// name used by DIGEST-MD5's digest-uri.
func NewMechanism(name, host, username, password string) (sasl.Client, error) {
	switch name = strings.ToUpper(name); name {
	case Plain:
		return sasl.NewPlainClient("", username, password), nil
	case Login:
		return sasl.NewLoginClient(username, password), nil
	case CramMD5, CramSHA1, CramSHA256:
		return newCramClient(name, username, password), nil
	case DigestMD5:
		return newDigestMD5Client(host, username, password), nil
	case XOAUTH2:
		return newXOAuth2Client(username, password), nil
	}
	return nil, fmt.Errorf("auth: unsupported mechanism %q", name)
}

// Supported reports whether name is a mechanism this package implements.
func Supported(name string) bool {
	return slices.Contains(Preference, strings.ToUpper(name))
}
