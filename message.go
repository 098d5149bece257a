package mailer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/textproto"
)

// HeaderField is one name/value pair of a Header.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Header is an ordered multimap of message header fields. Names are matched
// case-insensitively and insertion order is preserved.
type Header struct {
	fields []HeaderField
}

func headerKey(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Set replaces every field named name with a single one, kept at the
// position of the first occurrence.
func (h *Header) Set(name, value string) {
	key := headerKey(name)
	out := h.fields[:0]
	found := false
	for _, f := range h.fields {
		if headerKey(f.Name) != key {
			out = append(out, f)
			continue
		}
		if !found {
			out = append(out, HeaderField{Name: name, Value: value})
			found = true
		}
	}
	h.fields = out
	if !found {
		h.Add(name, value)
	}
}

// Get returns the first value of name, or "".
func (h *Header) Get(name string) string {
	key := headerKey(name)
	for _, f := range h.fields {
		if headerKey(f.Name) == key {
			return f.Value
		}
	}
	return ""
}

// Values returns every value of name in insertion order.
func (h *Header) Values(name string) []string {
	key := headerKey(name)
	var vals []string
	for _, f := range h.fields {
		if headerKey(f.Name) == key {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Has reports whether a field named name is present.
func (h *Header) Has(name string) bool {
	key := headerKey(name)
	for _, f := range h.fields {
		if headerKey(f.Name) == key {
			return true
		}
	}
	return false
}

// Del removes every field named name.
func (h *Header) Del(name string) {
	key := headerKey(name)
	out := h.fields[:0]
	for _, f := range h.fields {
		if headerKey(f.Name) != key {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Keys returns the distinct field names in order of first appearance,
// in canonical form.
func (h *Header) Keys() []string {
	seen := make(map[string]bool, len(h.fields))
	var keys []string
	for _, f := range h.fields {
		key := headerKey(f.Name)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}

// Len returns the number of fields, counting repeats.
func (h *Header) Len() int { return len(h.fields) }

// Fields returns a copy of all fields in insertion order.
func (h *Header) Fields() []HeaderField {
	out := make([]HeaderField, len(h.fields))
	copy(out, h.fields)
	return out
}

// MarshalJSON encodes the header as an ordered list of {name, value}.
func (h Header) MarshalJSON() ([]byte, error) {
	if h.fields == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h.fields)
}

// UnmarshalJSON decodes the list form written by MarshalJSON.
func (h *Header) UnmarshalJSON(data []byte) error {
	var fields []HeaderField
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	h.fields = fields
	return nil
}

// Attachment is a file carried in a message.
type Attachment struct {
	Data        []byte `json:"data"`
	ContentType string `json:"contentType,omitempty"`
	ContentID   string `json:"contentId,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Disposition string `json:"disposition,omitempty"`
	Headers     Header `json:"headers"`
}

// DefaultAttachmentContentType is used when Attachment.ContentType is empty.
const DefaultAttachmentContentType = "application/octet-stream"

// Message is a mail message as supplied by the caller.
type Message struct {
	From              string        `json:"from,omitempty"`
	To                []string      `json:"to,omitempty"`
	Cc                []string      `json:"cc,omitempty"`
	Bcc               []string      `json:"bcc,omitempty"`
	BounceAddress     string        `json:"bounceAddress,omitempty"`
	Subject           string        `json:"subject,omitempty"`
	Text              string        `json:"text,omitempty"`
	HTML              string        `json:"html,omitempty"`
	Attachments       []*Attachment `json:"attachments,omitempty"`
	InlineAttachments []*Attachment `json:"inlineAttachments,omitempty"`
	Headers           Header        `json:"headers"`
	// FixedHeaders writes exactly Headers at the top level and nothing else.
	FixedHeaders bool `json:"fixedHeaders,omitempty"`
}

// Validate checks the message before any I/O. Failures are
// KindInvalidMessage *Errors.
func (m *Message) Validate() error {
	if m.From == "" && m.BounceAddress == "" {
		return Errorf(KindInvalidMessage, "validate", "sender address is not present")
	}
	if len(m.To) == 0 && len(m.Cc) == 0 && len(m.Bcc) == 0 {
		return Errorf(KindInvalidMessage, "validate", "no recipient addresses are present")
	}
	if m.From != "" {
		if _, err := ParseAddress(m.From); err != nil {
			return NewError(KindInvalidMessage, "validate from", err)
		}
	}
	if m.BounceAddress != "" {
		if _, err := ParseAddress(m.BounceAddress); err != nil {
			return NewError(KindInvalidMessage, "validate bounce address", err)
		}
	}
	for _, list := range [][]string{m.To, m.Cc, m.Bcc} {
		if _, err := ParseAddressList(list); err != nil {
			return NewError(KindInvalidMessage, "validate recipients", err)
		}
	}
	for i, a := range m.Attachments {
		if a == nil || a.Data == nil {
			return Errorf(KindInvalidMessage, "validate attachments", "attachment %d has no data", i)
		}
	}
	for i, a := range m.InlineAttachments {
		if a == nil || a.Data == nil {
			return Errorf(KindInvalidMessage, "validate attachments", "inline attachment %d has no data", i)
		}
	}
	return nil
}

// Envelope returns the SMTP reverse path and the forward paths in To, Cc,
// Bcc order. The reverse path is BounceAddress when set, else From.
// Duplicate recipients are sent once.
func (m *Message) Envelope() (from string, rcpts []string, err error) {
	sender := m.BounceAddress
	if sender == "" {
		sender = m.From
	}
	if sender == "" {
		return "", nil, errors.New("mailer: sender address is not present")
	}
	addr, err := ParseAddress(sender)
	if err != nil {
		return "", nil, err
	}
	seen := make(map[string]bool)
	for _, list := range [][]string{m.To, m.Cc, m.Bcc} {
		addrs, err := ParseAddressList(list)
		if err != nil {
			return "", nil, err
		}
		for _, a := range addrs {
			if seen[a.Email] {
				continue
			}
			seen[a.Email] = true
			rcpts = append(rcpts, a.Email)
		}
	}
	if len(rcpts) == 0 {
		return "", nil, errors.New("mailer: no recipient addresses are present")
	}
	return addr.Email, rcpts, nil
}

// Result describes an accepted message.
type Result struct {
	// MessageID is the Message-ID as sent, with angle brackets.
	MessageID string `json:"messageID"`
	// Recipients are the envelope addresses the server accepted, in send
	// order.
	Recipients []string `json:"recipients"`
}

func (r *Result) String() string {
	return fmt.Sprintf("%s (%d recipients)", r.MessageID, len(r.Recipients))
}
