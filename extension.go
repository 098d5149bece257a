package mailer

import (
	"strconv"
	"strings"
)

// Extension is an SMTP service extension keyword (RFC 5321 §2.2).
type Extension string

// Extension keywords the session acts on.
const (
	ExtSTARTTLS            Extension = "STARTTLS"
	ExtAUTH                Extension = "AUTH"
	ExtSIZE                Extension = "SIZE"
	ExtPIPELINING          Extension = "PIPELINING"
	Ext8BITMIME            Extension = "8BITMIME"
	ExtENHANCEDSTATUSCODES Extension = "ENHANCEDSTATUSCODES"
	ExtSMTPUTF8            Extension = "SMTPUTF8"
)

// Extensions is the capability set advertised in an EHLO response, mapped
// from keyword to parameters (e.g. "AUTH" → "PLAIN LOGIN").
type Extensions map[Extension]string

// Has reports whether the extension set includes the given keyword.
func (e Extensions) Has(ext Extension) bool {
	_, ok := e[ext]
	return ok
}

// Param returns the parameter string for the given extension keyword.
func (e Extensions) Param(ext Extension) string {
	return e[ext]
}

// AuthMechanisms returns the upper-cased SASL mechanisms listed by AUTH.
func (e Extensions) AuthMechanisms() []string {
	return strings.Fields(strings.ToUpper(e[ExtAUTH]))
}

// MaxSize returns the SIZE limit (RFC 1870), or 0 when none is declared.
func (e Extensions) MaxSize() int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(e[ExtSIZE]), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ParseEHLOResponse parses the lines of a 250 EHLO reply. The first line is
// the server greeting and is skipped; every other line is "KEYWORD [params]".
// Some servers still send the pre-RFC "AUTH=PLAIN LOGIN" form, which is
// folded into AUTH.
func ParseEHLOResponse(lines []string) Extensions {
	exts := make(Extensions)
	for i, line := range lines {
		if i == 0 {
			continue
		}
		keyword, params, _ := strings.Cut(line, " ")
		keyword = strings.ToUpper(keyword)
		if rest, ok := strings.CutPrefix(keyword, "AUTH="); ok {
			keyword = string(ExtAUTH)
			params = strings.TrimSpace(rest + " " + params)
			if prev := exts[ExtAUTH]; prev != "" {
				params = prev + " " + params
			}
		}
		exts[Extension(keyword)] = params
	}
	return exts
}
