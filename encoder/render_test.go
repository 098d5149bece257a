package encoder

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbouchez/mailer"
)

var testDate = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

const testID = "<0000.mailer@mail.example.com>"

func render(t *testing.T, msg *mailer.Message) []byte {
	t.Helper()
	data, err := Render(msg, testDate, testID)
	require.NoError(t, err)
	return data
}

func parse(t *testing.T, data []byte) *message.Entity {
	t.Helper()
	e, err := message.Read(bytes.NewReader(data))
	require.NoError(t, err)
	return e
}

// headerNames lists the top-level field names in output order.
func headerNames(data []byte) []string {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			continue
		}
		name, _, _ := strings.Cut(line, ":")
		names = append(names, name)
	}
	return names
}

// structure describes the MIME tree, e.g. "multipart/mixed[text/plain,image/png]".
func structure(t *testing.T, e *message.Entity) string {
	t.Helper()
	mt, _, err := e.Header.ContentType()
	require.NoError(t, err)
	mr := e.MultipartReader()
	if mr == nil {
		io.Copy(io.Discard, e.Body)
		return mt
	}
	var parts []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		parts = append(parts, structure(t, p))
	}
	return mt + "[" + strings.Join(parts, ",") + "]"
}

func TestRender_TextOnly(t *testing.T) {
	msg := &mailer.Message{
		From:    "Sender <from@example.com>",
		To:      []string{"to@example.com"},
		Subject: "Hello",
		Text:    "Hi there.\nSecond line.\n",
	}
	want := "MIME-Version: 1.0\r\n" +
		"Message-ID: <0000.mailer@mail.example.com>\r\n" +
		"Date: Tue, 02 Jan 2024 03:04:05 +0000\r\n" +
		"Subject: Hello\r\n" +
		"From: \"Sender\" <from@example.com>\r\n" +
		"To: <to@example.com>\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: 7bit\r\n" +
		"\r\n" +
		"Hi there.\r\nSecond line.\r\n"
	assert.Equal(t, want, string(render(t, msg)))
}

func fullMessage() *mailer.Message {
	return &mailer.Message{
		From:    "from@example.com",
		To:      []string{"to@example.com"},
		Cc:      []string{"Copy <cc@example.com>"},
		Bcc:     []string{"hidden@example.com"},
		Subject: "Report",
		Text:    "see attached",
		HTML:    `<p>see <img src="cid:logo"></p>`,
		InlineAttachments: []*mailer.Attachment{
			{Data: []byte("\x89PNG..."), ContentType: "image/png", Name: "logo.png", ContentID: "logo"},
		},
		Attachments: []*mailer.Attachment{
			{Data: bytes.Repeat([]byte{0, 1, 2, 3}, 100), ContentType: "application/pdf", Name: "report.pdf", Description: "Q1 report"},
		},
	}
}

func TestRender_Deterministic(t *testing.T) {
	a := render(t, fullMessage())
	b := render(t, fullMessage())
	assert.Equal(t, a, b)

	later, err := Render(fullMessage(), testDate.Add(time.Second), testID)
	require.NoError(t, err)
	_, pa, _ := parse(t, a).Header.ContentType()
	_, pb, _ := parse(t, later).Header.ContentType()
	assert.NotEqual(t, pa["boundary"], pb["boundary"])
	assert.True(t, strings.HasPrefix(pa["boundary"], "=_"))
}

func TestRender_Structure(t *testing.T) {
	png := &mailer.Attachment{Data: []byte("png"), ContentType: "image/png", Name: "a.png", ContentID: "a"}
	pdf := &mailer.Attachment{Data: []byte("pdf"), ContentType: "application/pdf", Name: "r.pdf"}

	tests := []struct {
		name string
		msg  mailer.Message
		want string
	}{
		{"nothing", mailer.Message{}, "text/plain"},
		{"text", mailer.Message{Text: "t"}, "text/plain"},
		{"html", mailer.Message{HTML: "<b>h</b>"}, "text/html"},
		{"alternative", mailer.Message{Text: "t", HTML: "h"}, "multipart/alternative[text/plain,text/html]"},
		{"related", mailer.Message{HTML: "h", InlineAttachments: []*mailer.Attachment{png}}, "multipart/related[text/html,image/png]"},
		{"attachments only", mailer.Message{Attachments: []*mailer.Attachment{pdf}}, "multipart/mixed[application/pdf]"},
		{"text and attachment", mailer.Message{Text: "t", Attachments: []*mailer.Attachment{pdf}}, "multipart/mixed[text/plain,application/pdf]"},
		{"inline without html", mailer.Message{Text: "t", InlineAttachments: []*mailer.Attachment{png}}, "multipart/mixed[text/plain,image/png]"},
		{
			"everything",
			mailer.Message{Text: "t", HTML: "h", InlineAttachments: []*mailer.Attachment{png}, Attachments: []*mailer.Attachment{pdf}},
			"multipart/mixed[multipart/alternative[text/plain,multipart/related[text/html,image/png]],application/pdf]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.msg.From = "from@example.com"
			tt.msg.To = []string{"to@example.com"}
			assert.Equal(t, tt.want, structure(t, parse(t, render(t, &tt.msg))))
		})
	}
}

func TestRender_HeaderOrder(t *testing.T) {
	msg := fullMessage()
	msg.Headers.Add("X-Campaign", "spring")
	msg.Headers.Add("Reply-To", "replies@example.com")

	data := render(t, msg)
	assert.Equal(t, []string{
		"MIME-Version", "Message-ID", "Date", "Subject", "From", "To", "Cc",
		"Content-Type", "X-Campaign", "Reply-To",
	}, headerNames(data))
	assert.NotContains(t, string(data), "hidden@example.com")
}

func TestRender_CustomHeadersReplaceGenerated(t *testing.T) {
	msg := &mailer.Message{From: "from@example.com", To: []string{"to@example.com"}, Subject: "generated", Text: "x"}
	msg.Headers.Add("Subject", "custom")
	msg.Headers.Add("Message-ID", "<custom@example.com>")

	data := render(t, msg)
	e := parse(t, data)
	assert.Equal(t, []string{"custom"}, e.Header.Values("Subject"))
	assert.Equal(t, []string{"<custom@example.com>"}, e.Header.Values("Message-Id"))
	assert.Equal(t, []string{
		"MIME-Version", "Date", "From", "To", "Content-Type", "Content-Transfer-Encoding", "Subject", "Message-Id",
	}, headerNames(data))
}

func TestRender_FixedHeaders(t *testing.T) {
	msg := &mailer.Message{From: "from@example.com", To: []string{"to@example.com"}, Subject: "ignored", Text: "body", FixedHeaders: true}
	msg.Headers.Add("X-A", "1")
	msg.Headers.Add("Subject", "fixed")

	data := string(render(t, msg))
	assert.True(t, strings.HasPrefix(data, "X-A: 1\r\nSubject: fixed\r\n\r\n"), data)
	assert.True(t, strings.HasSuffix(data, "\r\n\r\nbody"), data)
}

func TestRender_TextEncoding(t *testing.T) {
	tests := []struct {
		name, text, cte string
	}{
		{"ascii", "plain ascii\n", "7bit"},
		{"utf8", "Grüße aus Köln\n", "quoted-printable"},
		{"long line", strings.Repeat("x", 77), "quoted-printable"},
		{"76 columns", strings.Repeat("x", 76) + "\r\n", "7bit"},
		{"control char", "bell\a", "quoted-printable"},
		{"tab", "a\tb", "7bit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := parse(t, render(t, &mailer.Message{From: "f@example.com", To: []string{"t@example.com"}, Text: tt.text}))
			assert.Equal(t, tt.cte, e.Header.Get("Content-Transfer-Encoding"))

			body, err := io.ReadAll(e.Body)
			require.NoError(t, err)
			want := strings.ReplaceAll(strings.ReplaceAll(tt.text, "\r\n", "\n"), "\n", "\r\n")
			assert.Equal(t, want, string(body))
		})
	}
}

func TestRender_NonASCIISubject(t *testing.T) {
	data := render(t, &mailer.Message{From: "f@example.com", To: []string{"t@example.com"}, Subject: "Grüße"})
	assert.Contains(t, string(data), "Subject: =?utf-8?q?Gr=C3=BC=C3=9Fe?=\r\n")

	h := mail.Header{Header: parse(t, data).Header}
	subject, err := h.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Grüße", subject)
}

func TestRender_Attachment(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 30)
	msg := &mailer.Message{
		From: "f@example.com",
		To:   []string{"t@example.com"},
		Text: "see attached",
		Attachments: []*mailer.Attachment{{
			Data:        data,
			ContentType: "text/csv",
			Name:        "numbers.csv",
			Description: "the numbers",
			ContentID:   "nums@example.com",
		}},
	}
	raw := render(t, msg)

	r, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	p, err := r.NextPart()
	require.NoError(t, err)
	_, ok := p.Header.(*mail.InlineHeader)
	assert.True(t, ok, "first part is the text body")
	io.Copy(io.Discard, p.Body)

	p, err = r.NextPart()
	require.NoError(t, err)
	ah, ok := p.Header.(*mail.AttachmentHeader)
	require.True(t, ok)
	filename, err := ah.Filename()
	require.NoError(t, err)
	assert.Equal(t, "numbers.csv", filename)

	mt, params, err := ah.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "text/csv", mt)
	assert.Equal(t, "numbers.csv", params["name"])
	assert.Equal(t, "base64", ah.Get("Content-Transfer-Encoding"))
	assert.Equal(t, "the numbers", ah.Get("Content-Description"))
	assert.Equal(t, "<nums@example.com>", ah.Get("Content-Id"))

	got, err := io.ReadAll(p.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	for _, line := range strings.Split(string(raw), "\r\n") {
		assert.LessOrEqual(t, len(line), 78, line)
	}
}

func TestRender_AttachmentCustomHeaders(t *testing.T) {
	a := &mailer.Attachment{Data: []byte("x"), Name: "x.bin"}
	a.Headers.Add("Content-Disposition", "inline")
	a.Headers.Add("X-Scan", "clean")

	e := parse(t, render(t, &mailer.Message{From: "f@example.com", To: []string{"t@example.com"}, Attachments: []*mailer.Attachment{a}}))
	p, err := e.MultipartReader().NextPart()
	require.NoError(t, err)

	assert.Equal(t, []string{"inline"}, p.Header.Values("Content-Disposition"))
	assert.Equal(t, "clean", p.Header.Get("X-Scan"))
	mt, _, err := p.Header.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", mt)
}

func TestRender_FoldsLongHeaders(t *testing.T) {
	var to []string
	for i := 0; i < 20; i++ {
		to = append(to, "recipient-number-"+strings.Repeat("x", i)+"@example.com")
	}
	data := string(render(t, &mailer.Message{From: "f@example.com", To: to, Text: "x"}))
	head, _, _ := strings.Cut(data, "\r\n\r\n")
	lines := strings.Split(head, "\r\n")
	assert.Greater(t, len(lines), 10)
	for _, line := range lines {
		assert.LessOrEqual(t, len(line), 998)
	}
}

func TestRender_MissingAttachmentData(t *testing.T) {
	_, err := Render(&mailer.Message{Attachments: []*mailer.Attachment{{Name: "empty"}}}, testDate, testID)
	assert.ErrorIs(t, err, mailer.ErrInvalidMessage)
}
