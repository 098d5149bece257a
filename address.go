package mailer

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"unicode/utf8"
)

// Address is a mailbox with an optional display name. It accepts the forms
// "user@example.com", "Name <user@example.com>" and
// "user@example.com (Name)".
type Address struct {
	Name  string
	Email string
}

// String formats the address for display: "Name <email>" or the bare email.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// ParseAddress parses one address in any of the accepted forms and checks
// the mailbox part.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, errors.New("mailer: empty address")
	}

	var a Address
	switch {
	case strings.HasSuffix(s, ">"):
		open := strings.LastIndexByte(s, '<')
		if open < 0 {
			return Address{}, fmt.Errorf("mailer: unbalanced angle brackets in %q", s)
		}
		a.Email = strings.TrimSpace(s[open+1 : len(s)-1])
		a.Name = unquoteName(strings.TrimSpace(s[:open]))
	case strings.HasSuffix(s, ")"):
		open := strings.IndexByte(s, '(')
		if open < 0 {
			return Address{}, fmt.Errorf("mailer: unbalanced parentheses in %q", s)
		}
		a.Email = strings.TrimSpace(s[:open])
		a.Name = strings.TrimSpace(s[open+1 : len(s)-1])
	default:
		a.Email = s
	}

	if _, err := ParseMailbox(a.Email); err != nil {
		return Address{}, fmt.Errorf("%w: %q", err, s)
	}
	return a, nil
}

// ParseAddressList parses every entry of list, failing on the first bad one.
func ParseAddressList(list []string) ([]Address, error) {
	out := make([]Address, 0, len(list))
	for _, s := range list {
		a, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func unquoteName(name string) string {
	if len(name) >= 2 && name[0] == '"' && name[len(name)-1] == '"' {
		name = name[1 : len(name)-1]
		name = strings.ReplaceAll(name, `\"`, `"`)
	}
	return name
}

// NeedsSMTPUTF8 reports whether the mailbox contains non-ASCII characters
// and therefore needs the SMTPUTF8 extension on the envelope.
func (m Mailbox) NeedsSMTPUTF8() bool {
	for i := 0; i < len(m.LocalPart); i++ {
		if m.LocalPart[i] >= utf8.RuneSelf {
			return true
		}
	}
	for i := 0; i < len(m.Domain); i++ {
		if m.Domain[i] >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

// Mailbox is an envelope address, local-part@domain (RFC 5321 §4.1.2).
type Mailbox struct {
	LocalPart string
	Domain    string
}

func (m Mailbox) String() string {
	if m.IsZero() {
		return ""
	}
	return m.LocalPart + "@" + m.Domain
}

// IsZero reports whether m is the null path.
func (m Mailbox) IsZero() bool {
	return m.LocalPart == "" && m.Domain == ""
}

// Path formats m for MAIL FROM or RCPT TO: "<local@domain>", or "<>" for
// the null path.
func (m Mailbox) Path() string {
	return "<" + m.String() + ">"
}

// ParsePath parses a MAIL FROM or RCPT TO argument with or without angle
// brackets. "<>" yields the zero Mailbox; callers decide whether the null
// path is acceptable.
func ParsePath(s string) (Mailbox, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		return Mailbox{}, nil
	}
	return ParseMailbox(s)
}

// ParseMailbox parses "local-part@domain" without angle brackets.
func ParseMailbox(s string) (Mailbox, error) {
	if s == "" {
		return Mailbox{}, errors.New("mailer: empty address")
	}
	// A quoted local-part may itself contain '@'.
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return Mailbox{}, errors.New("mailer: missing @ in address")
	}
	m := Mailbox{LocalPart: s[:at], Domain: s[at+1:]}
	if err := checkLocalPart(m.LocalPart); err != nil {
		return Mailbox{}, err
	}
	if err := checkDomain(m.Domain); err != nil {
		return Mailbox{}, err
	}
	return m, nil
}

const (
	maxLocalPart = 64  // RFC 5321 §4.5.3.1.1
	maxDomain    = 255 // RFC 5321 §4.5.3.1.2
	maxLabel     = 63
	atextSpecial = "!#$%&'*+-/=?^_`{|}~"
)

func checkLocalPart(local string) error {
	switch {
	case local == "":
		return errors.New("mailer: empty local-part")
	case len(local) > maxLocalPart:
		return errors.New("mailer: local-part too long")
	case len(local) >= 2 && local[0] == '"' && local[len(local)-1] == '"':
		return checkQuoted(local[1 : len(local)-1])
	}

	for _, atom := range strings.Split(local, ".") {
		if atom == "" {
			return errors.New("mailer: local-part has an empty dot-atom")
		}
		for _, r := range atom {
			if !isAtext(r) {
				return fmt.Errorf("mailer: invalid character %q in local-part", r)
			}
		}
	}
	return nil
}

func isAtext(r rune) bool {
	return r < utf8.RuneSelf && (isAlnum(byte(r)) || strings.ContainsRune(atextSpecial, r)) ||
		r >= utf8.RuneSelf && r != utf8.RuneError // RFC 6531 UTF8-non-ascii
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func checkQuoted(s string) error {
	escaped := false
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '"':
			return errors.New("mailer: unescaped quote in quoted local-part")
		}
	}
	if escaped {
		return errors.New("mailer: trailing backslash in quoted local-part")
	}
	return nil
}

func checkDomain(domain string) error {
	switch {
	case domain == "":
		return errors.New("mailer: empty domain")
	case len(domain) > maxDomain:
		return errors.New("mailer: domain too long")
	case domain[0] == '[':
		return checkAddressLiteral(domain)
	}

	for _, label := range strings.Split(domain, ".") {
		switch {
		case label == "":
			return errors.New("mailer: empty label in domain")
		case len(label) > maxLabel:
			return errors.New("mailer: domain label too long")
		case !utf8.ValidString(label):
			return errors.New("mailer: invalid UTF-8 in domain label")
		case label[0] == '-' || label[len(label)-1] == '-':
			return errors.New("mailer: domain label cannot start or end with hyphen")
		}
		for _, r := range label {
			if r < utf8.RuneSelf && !isAlnum(byte(r)) && r != '-' {
				return fmt.Errorf("mailer: invalid character %q in domain", r)
			}
		}
	}
	return nil
}

// checkAddressLiteral accepts "[192.0.2.1]" and "[IPv6:2001:db8::1]".
func checkAddressLiteral(domain string) error {
	if domain[len(domain)-1] != ']' {
		return errors.New("mailer: unclosed address literal")
	}
	lit := domain[1 : len(domain)-1]
	if v6, ok := strings.CutPrefix(lit, "IPv6:"); ok {
		if net.ParseIP(v6) == nil || !strings.Contains(v6, ":") {
			return fmt.Errorf("mailer: invalid IPv6 literal %q", domain)
		}
		return nil
	}
	if ip := net.ParseIP(lit); ip == nil || ip.To4() == nil {
		return fmt.Errorf("mailer: invalid address literal %q", domain)
	}
	return nil
}
