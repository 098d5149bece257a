package mailer

import (
	"errors"
	"fmt"
	"strings"
)

// SMTPError represents a server reply that ended a protocol step: the reply
// code, optional enhanced status code, and human-readable text.
type SMTPError struct {
	Code         ReplyCode
	EnhancedCode EnhancedCode
	Message      string
}

// Error implements the error interface.
func (e *SMTPError) Error() string {
	if !e.EnhancedCode.IsZero() {
		return fmt.Sprintf("smtp: %d %s %s", e.Code, e.EnhancedCode, e.Message)
	}
	return fmt.Sprintf("smtp: %d %s", e.Code, e.Message)
}

// Temporary reports whether the error represents a transient failure (4xx).
func (e *SMTPError) Temporary() bool {
	return e.Code.IsTransient()
}

// Kind classifies every failure reported by the client.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig is an invalid or unsatisfiable configuration, e.g. STARTTLS
	// required but not offered by the server.
	KindConfig
	// KindConnect is a transport failure: dial, TLS handshake, or a broken
	// connection.
	KindConnect
	// KindProtocol is an unexpected reply code or malformed server output.
	KindProtocol
	// KindAuth means no viable mechanism, or the server rejected the credentials.
	KindAuth
	// KindRecipient means recipients were rejected and partial delivery is not
	// allowed, or none were accepted.
	KindRecipient
	// KindTimeout is a protocol step that exceeded its deadline or was canceled.
	KindTimeout
	// KindPoolTimeout means waiting for a pooled session exceeded the deadline.
	KindPoolTimeout
	// KindPoolClosed is an operation attempted after shutdown.
	KindPoolClosed
	// KindInvalidMessage is a message that fails validation before any I/O.
	KindInvalidMessage
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	KindConfig:         "config",
	KindConnect:        "connect",
	KindProtocol:       "protocol",
	KindAuth:           "auth",
	KindRecipient:      "recipient",
	KindTimeout:        "timeout",
	KindPoolTimeout:    "pool_timeout",
	KindPoolClosed:     "pool_closed",
	KindInvalidMessage: "invalid_message",
}

// String returns the stable name of the kind, as used on the proxy wire and
// in metric labels.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String. Unknown names map to KindUnknown.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrConfig         = errors.New("mailer: configuration error")
	ErrConnect        = errors.New("mailer: connect error")
	ErrProtocol       = errors.New("mailer: protocol error")
	ErrAuth           = errors.New("mailer: authentication error")
	ErrRecipient      = errors.New("mailer: recipient error")
	ErrTimeout        = errors.New("mailer: timeout")
	ErrPoolTimeout    = errors.New("mailer: timed out waiting for a pooled session")
	ErrPoolClosed     = errors.New("mailer: pool closed")
	ErrInvalidMessage = errors.New("mailer: invalid message")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConfig:
		return ErrConfig
	case KindConnect:
		return ErrConnect
	case KindProtocol:
		return ErrProtocol
	case KindAuth:
		return ErrAuth
	case KindRecipient:
		return ErrRecipient
	case KindTimeout:
		return ErrTimeout
	case KindPoolTimeout:
		return ErrPoolTimeout
	case KindPoolClosed:
		return ErrPoolClosed
	case KindInvalidMessage:
		return ErrInvalidMessage
	}
	return nil
}

// Error is the single error type returned by send operations.
type Error struct {
	Kind Kind
	// Op names the step that failed, e.g. "dial", "STARTTLS", "RCPT TO".
	Op string
	// Recipients lists the rejected addresses for KindRecipient.
	Recipients []string
	// OutcomeUnknown is set when the send was interrupted after message
	// data started flowing; the server may or may not have accepted it.
	OutcomeUnknown bool
	Err            error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("mailer: ")
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" (")
		b.WriteString(e.Op)
		b.WriteString(")")
	}
	if len(e.Recipients) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Recipients, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.OutcomeUnknown {
		b.WriteString(" (delivery outcome unknown)")
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// NewError builds an *Error of the given kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error whose cause is a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
