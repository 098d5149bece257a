// Package encoder turns a mailer.Message into RFC 5322 / MIME bytes ready
// for the DATA command.
//
// [Render] is a pure function of the message, the date and the Message-ID:
// multipart boundaries are derived from a digest of those inputs, so equal
// inputs produce byte-identical output. [Encoder] supplies the date and a
// fresh Message-ID for each message.
package encoder

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alexisbouchez/mailer"
)

// Encoded is a rendered message.
type Encoded struct {
	Data []byte
	// MessageID is the Message-ID written to the header, with angle
	// brackets. A Message-ID custom header takes precedence over the
	// generated one.
	MessageID string
}

// Encoder renders messages with generated Date and Message-ID fields.
type Encoder struct {
	hostname  string
	userAgent string
	now       func() time.Time
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithClock sets the time source for the Date field.
func WithClock(now func() time.Time) Option {
	return func(e *Encoder) {
		e.now = now
	}
}

// New returns an Encoder that stamps Message-IDs with hostname and
// userAgent.
func New(hostname, userAgent string, opts ...Option) *Encoder {
	if hostname == "" {
		hostname = mailer.DefaultHostname
	}
	if userAgent == "" {
		userAgent = mailer.DefaultUserAgent
	}
	e := &Encoder{hostname: hostname, userAgent: userAgent, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewMessageID returns "<uuid.userAgent@hostname>".
func (e *Encoder) NewMessageID() string {
	return "<" + uuid.NewString() + "." + atextOnly(e.userAgent) + "@" + e.hostname + ">"
}

// Encode renders msg with the current time and a new Message-ID.
func (e *Encoder) Encode(msg *mailer.Message) (*Encoded, error) {
	id := e.NewMessageID()
	data, err := Render(msg, e.now(), id)
	if err != nil {
		return nil, err
	}
	if custom := msg.Headers.Get("Message-Id"); custom != "" {
		id = strings.TrimSpace(custom)
	}
	return &Encoded{Data: data, MessageID: id}, nil
}

// atextOnly drops characters that may not appear in the left side of a
// msg-id.
func atextOnly(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
			return r
		case strings.ContainsRune("!#$%&'*+-/=?^_`{|}~.", r):
			return r
		}
		return -1
	}, s)
}
