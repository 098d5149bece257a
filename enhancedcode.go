package mailer

import (
	"fmt"
	"strconv"
	"strings"
)

// EnhancedCode is an enhanced mail system status code (RFC 3463),
// class.subject.detail.
type EnhancedCode struct {
	Class   int
	Subject int
	Detail  int
}

// Enhanced status codes used in replies (RFC 3463, RFC 5248).
var (
	EnhancedCodeOK           = EnhancedCode{2, 0, 0}
	EnhancedCodeOtherAddress = EnhancedCode{2, 1, 0}
	EnhancedCodeDestValid    = EnhancedCode{2, 1, 5}

	EnhancedCodeBadDest         = EnhancedCode{5, 1, 1}
	EnhancedCodeBadDestSyntax   = EnhancedCode{5, 1, 3}
	EnhancedCodeBadSenderSyntax = EnhancedCode{5, 1, 7}
	EnhancedCodeMsgTooLarge     = EnhancedCode{5, 3, 4}

	EnhancedCodeOtherNetwork = EnhancedCode{4, 4, 0}

	EnhancedCodeInvalidCommand = EnhancedCode{5, 5, 1}
	EnhancedCodeSyntaxError    = EnhancedCode{5, 5, 2}
	EnhancedCodeInvalidParams  = EnhancedCode{5, 5, 4}

	EnhancedCodeAuthCredentials = EnhancedCode{5, 7, 8}
	EnhancedCodeEncryptRequired = EnhancedCode{5, 7, 11}
)

// String returns the code formatted as "X.Y.Z".
func (e EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", e.Class, e.Subject, e.Detail)
}

// IsZero reports whether the enhanced code is the zero value.
func (e EnhancedCode) IsZero() bool {
	return e.Class == 0 && e.Subject == 0 && e.Detail == 0
}

// ParseEnhancedCode splits a leading "X.Y.Z " status code off a reply line.
// If the line does not start with one, it returns the zero code and the
// line unchanged.
func ParseEnhancedCode(text string) (EnhancedCode, string) {
	code, rest, _ := strings.Cut(text, " ")

	segments := strings.Split(code, ".")
	if len(segments) != 3 {
		return EnhancedCode{}, text
	}
	var n [3]int
	for i, seg := range segments {
		v, err := strconv.Atoi(seg)
		if err != nil {
			return EnhancedCode{}, text
		}
		n[i] = v
	}
	if n[0] < 2 || n[0] > 5 {
		return EnhancedCode{}, text
	}
	return EnhancedCode{n[0], n[1], n[2]}, rest
}
