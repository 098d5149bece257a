package encoder

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"mime"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	gotextproto "github.com/emersion/go-message/textproto"
	"lukechampine.com/blake3"

	"github.com/alexisbouchez/mailer"
)

const maxQPFreeLine = 76

// field is one header field of an entity, in output order.
type field struct {
	name, value string
}

// entity is a MIME tree node. A node is a leaf when parts is nil.
type entity struct {
	mediaType string
	params    map[string]string
	cte       string
	extra     []field // after Content-Type and Content-Transfer-Encoding
	body      []byte
	parts     []*entity
}

// Render encodes msg. The Date and Message-ID fields take date and
// messageID, which may be given with or without angle brackets.
func Render(msg *mailer.Message, date time.Time, messageID string) ([]byte, error) {
	messageID = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(messageID), "<"), ">")

	root, err := build(msg)
	if err != nil {
		return nil, err
	}
	assignBoundaries(root, seed(msg, date, messageID), "0")

	body, err := renderBody(root)
	if err != nil {
		return nil, err
	}

	var h mail.Header
	custom := msg.Headers.Fields()
	for i := len(custom) - 1; i >= 0; i-- {
		h.Add(custom[i].Name, custom[i].Value)
	}
	if !msg.FixedHeaders {
		if err := addGenerated(&h, msg, root, date, messageID); err != nil {
			return nil, err
		}
	}

	var out bytes.Buffer
	if err := gotextproto.WriteHeader(&out, h.Header.Header); err != nil {
		return nil, fmt.Errorf("encoder: writing header: %w", err)
	}
	out.Write(body)
	return out.Bytes(), nil
}

// addGenerated adds the generated top-level fields. Fields are added in
// reverse output order because the header writer emits the most recently
// added field first. A generated field is skipped when the message carries
// a custom field of the same name.
func addGenerated(h *mail.Header, msg *mailer.Message, root *entity, date time.Time, messageID string) error {
	overridden := func(name string) bool { return msg.Headers.Has(name) }

	if !overridden("Content-Transfer-Encoding") && root.cte != "" {
		h.Add("Content-Transfer-Encoding", root.cte)
	}
	if !overridden("Content-Type") {
		h.Add("Content-Type", formatMediaType(root.mediaType, root.params))
	}
	for _, hf := range []struct {
		name string
		list []string
	}{{"Cc", msg.Cc}, {"To", msg.To}, {"From", nonEmpty(msg.From)}} {
		if len(hf.list) == 0 || overridden(hf.name) {
			continue
		}
		addrs, err := mailAddresses(hf.list)
		if err != nil {
			return mailer.NewError(mailer.KindInvalidMessage, "encode "+hf.name, err)
		}
		h.SetAddressList(hf.name, addrs)
	}
	if msg.Subject != "" && !overridden("Subject") {
		h.SetSubject(msg.Subject)
	}
	if !overridden("Date") {
		h.SetDate(date)
	}
	// Raw fields keep the conventional capitalization.
	if !overridden("Message-Id") {
		h.AddRaw([]byte("Message-ID: <" + messageID + ">\r\n"))
	}
	if !overridden("Mime-Version") {
		h.AddRaw([]byte("MIME-Version: 1.0\r\n"))
	}
	return nil
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func mailAddresses(list []string) ([]*mail.Address, error) {
	parsed, err := mailer.ParseAddressList(list)
	if err != nil {
		return nil, err
	}
	out := make([]*mail.Address, len(parsed))
	for i, a := range parsed {
		out[i] = &mail.Address{Name: a.Name, Address: a.Email}
	}
	return out, nil
}

// build lays out the MIME structure of msg.
func build(msg *mailer.Message) (*entity, error) {
	for _, list := range [][]*mailer.Attachment{msg.Attachments, msg.InlineAttachments} {
		for _, a := range list {
			if a == nil || a.Data == nil {
				return nil, mailer.Errorf(mailer.KindInvalidMessage, "encode", "attachment has no data")
			}
		}
	}

	var main *entity
	switch {
	case msg.Text != "" && msg.HTML != "":
		main = multipart("alternative", textPart("plain", msg.Text), htmlPart(msg))
	case msg.HTML != "":
		main = htmlPart(msg)
	case msg.Text != "":
		main = textPart("plain", msg.Text)
	}

	var extra []*entity
	if msg.HTML == "" {
		for _, a := range msg.InlineAttachments {
			extra = append(extra, attachmentPart(a, "inline"))
		}
	}
	for _, a := range msg.Attachments {
		extra = append(extra, attachmentPart(a, "attachment"))
	}

	switch {
	case len(extra) > 0 && main != nil:
		return multipart("mixed", append([]*entity{main}, extra...)...), nil
	case len(extra) > 0:
		return multipart("mixed", extra...), nil
	case main != nil:
		return main, nil
	}
	return textPart("plain", ""), nil
}

func htmlPart(msg *mailer.Message) *entity {
	html := textPart("html", msg.HTML)
	if len(msg.InlineAttachments) == 0 {
		return html
	}
	parts := []*entity{html}
	for _, a := range msg.InlineAttachments {
		parts = append(parts, attachmentPart(a, "inline"))
	}
	return multipart("related", parts...)
}

func multipart(subtype string, parts ...*entity) *entity {
	return &entity{
		mediaType: "multipart/" + subtype,
		params:    map[string]string{},
		parts:     parts,
	}
}

func textPart(subtype, text string) *entity {
	cte := "7bit"
	if needsQuotedPrintable(text) {
		cte = "quoted-printable"
	}
	return &entity{
		mediaType: "text/" + subtype,
		params:    map[string]string{"charset": "utf-8"},
		cte:       cte,
		body:      []byte(text),
	}
}

// needsQuotedPrintable reports whether text has 8-bit bytes, control
// characters other than CR, LF and TAB, or lines longer than 76
// characters.
func needsQuotedPrintable(text string) bool {
	lineLen := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '\n':
			lineLen = 0
			continue
		case c == '\r':
			continue
		case c >= 0x80, c < 0x20 && c != '\t', c == 0x7f:
			return true
		}
		lineLen++
		if lineLen > maxQPFreeLine {
			return true
		}
	}
	return false
}

func attachmentPart(a *mailer.Attachment, defaultDisposition string) *entity {
	mediaType, params := a.ContentType, map[string]string{}
	if mediaType == "" {
		mediaType = mailer.DefaultAttachmentContentType
	} else if mt, p, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType, params = mt, p
	}
	if a.Name != "" {
		params["name"] = a.Name
	}

	var generated []field
	var scratch message.Header
	if a.Description != "" {
		scratch.SetText("Content-Description", a.Description)
		generated = append(generated, field{"Content-Description", scratch.Get("Content-Description")})
	}
	disp := a.Disposition
	if disp == "" {
		disp = defaultDisposition
	}
	dispParams := map[string]string{}
	if a.Name != "" {
		dispParams["filename"] = a.Name
	}
	scratch.SetContentDisposition(disp, dispParams)
	generated = append(generated, field{"Content-Disposition", scratch.Get("Content-Disposition")})
	if a.ContentID != "" {
		id := a.ContentID
		if !strings.HasPrefix(id, "<") {
			id = "<" + id + ">"
		}
		generated = append(generated, field{"Content-Id", id})
	}

	e := &entity{
		mediaType: mediaType,
		params:    params,
		cte:       "base64",
		body:      a.Data,
	}

	// Custom attachment headers replace generated fields of the same name.
	customs := a.Headers.Fields()
	replaced := func(name string) bool { return a.Headers.Has(name) }
	for _, f := range generated {
		if !replaced(f.name) {
			e.extra = append(e.extra, f)
		}
	}
	if replaced("Content-Type") {
		e.mediaType, e.params = "", nil
	}
	if replaced("Content-Transfer-Encoding") {
		e.cte = a.Headers.Get("Content-Transfer-Encoding")
	}
	for _, f := range customs {
		key := textproto.CanonicalMIMEHeaderKey(f.Name)
		if key == "Content-Transfer-Encoding" {
			continue
		}
		e.extra = append(e.extra, field{f.Name, f.Value})
	}
	return e
}

// seed digests everything that shapes the rendered output.
func seed(msg *mailer.Message, date time.Time, messageID string) []byte {
	h := blake3.New(32, nil)
	write := func(s string) {
		fmt.Fprintf(h, "%d:%s;", len(s), s)
	}
	write(date.Format(time.RFC3339Nano))
	write(messageID)
	write(msg.Subject)
	write(msg.Text)
	write(msg.HTML)
	for _, list := range [][]*mailer.Attachment{msg.Attachments, msg.InlineAttachments} {
		write("|")
		for _, a := range list {
			if a == nil {
				continue
			}
			write(a.Name)
			write(a.ContentType)
			write(a.ContentID)
			h.Write(a.Data)
		}
	}
	for _, f := range msg.Headers.Fields() {
		write(f.Name)
		write(f.Value)
	}
	return h.Sum(nil)
}

// assignBoundaries gives every multipart node a boundary derived from the
// seed and its position in the tree.
func assignBoundaries(e *entity, seed []byte, path string) {
	if e.parts == nil {
		return
	}
	h := blake3.New(16, nil)
	h.Write(seed)
	h.Write([]byte(path))
	e.params["boundary"] = "=_" + hex.EncodeToString(h.Sum(nil))
	for i, p := range e.parts {
		assignBoundaries(p, seed, fmt.Sprintf("%s.%d", path, i))
	}
}

func formatMediaType(mediaType string, params map[string]string) string {
	var scratch message.Header
	scratch.SetContentType(mediaType, params)
	return scratch.Get("Content-Type")
}

// header returns the entity's own header fields in go-message's reverse
// insertion convention.
func (e *entity) header() message.Header {
	fields := make([]field, 0, 2+len(e.extra))
	if e.mediaType != "" {
		fields = append(fields, field{"Content-Type", formatMediaType(e.mediaType, e.params)})
	}
	if e.cte != "" && e.parts == nil {
		fields = append(fields, field{"Content-Transfer-Encoding", e.cte})
	}
	fields = append(fields, e.extra...)

	var h message.Header
	for i := len(fields) - 1; i >= 0; i-- {
		h.Add(fields[i].name, fields[i].value)
	}
	return h
}

// renderBody writes the entity through go-message, which applies the
// transfer encodings and boundaries, and returns everything after the
// entity's own header.
func renderBody(root *entity) ([]byte, error) {
	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, root.header())
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	if err := writeEntity(w, root); err != nil {
		return nil, err
	}

	out := buf.Bytes()
	end := bytes.Index(out, []byte("\r\n\r\n"))
	if end < 0 {
		return nil, fmt.Errorf("encoder: rendered entity has no header terminator")
	}
	return out[end+4:], nil
}

func writeEntity(w *message.Writer, e *entity) error {
	if e.parts == nil {
		if _, err := w.Write(e.body); err != nil {
			return fmt.Errorf("encoder: writing body: %w", err)
		}
		return w.Close()
	}
	for _, p := range e.parts {
		pw, err := w.CreatePart(p.header())
		if err != nil {
			return fmt.Errorf("encoder: creating part: %w", err)
		}
		if err := writeEntity(pw, p); err != nil {
			return err
		}
	}
	return w.Close()
}
