// Package textproto is the line-oriented SMTP wire layer shared by the
// client session and the test server: CRLF line I/O, multi-line replies,
// and dot-stuffed DATA streams.
package textproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/alexisbouchez/mailer"
)

// MaxCommandLineLen is the maximum length of an SMTP command line
// including CRLF (RFC 5321 §4.5.3.1.4).
const MaxCommandLineLen = 512

// MaxTextLineLen is the maximum length of a text line in the message body
// including CRLF (RFC 5322 §2.1.1).
const MaxTextLineLen = 1000

// MaxReplyLineLen bounds reply lines read from a server.
const MaxReplyLineLen = 2048

const bufSize = 4096

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Conn wraps a net.Conn with buffered reading and writing.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		conn: c,
		r:    bufio.NewReaderSize(c, bufSize),
		w:    bufio.NewWriterSize(c, bufSize),
	}
}

// ReplaceConn swaps the underlying connection after a TLS upgrade. Any
// buffered input is discarded.
func (c *Conn) ReplaceConn(nc net.Conn) {
	c.conn = nc
	c.r = bufio.NewReaderSize(nc, bufSize)
	c.w = bufio.NewWriterSize(nc, bufSize)
}

// NetConn returns the underlying net.Conn.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// SetDeadlineFromContext applies ctx's deadline to the connection, or
// clears the deadline when ctx has none.
func (c *Conn) SetDeadlineFromContext(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(dl)
	} else {
		c.conn.SetDeadline(time.Time{})
	}
}

// WatchContext applies ctx's deadline and arranges for pending I/O to fail
// as soon as ctx is canceled. The returned stop function must be called when
// the exchange is over; it reports whether the watcher had already fired,
// and in that case returns only once the watcher has finished, so a
// deadline set afterwards is not overwritten.
func (c *Conn) WatchContext(ctx context.Context) (stop func() bool) {
	c.SetDeadlineFromContext(ctx)
	nc := c.conn
	fired := make(chan struct{})
	cancel := context.AfterFunc(ctx, func() {
		defer close(fired)
		nc.SetDeadline(aLongTimeAgo)
	})
	return func() bool {
		if cancel() {
			return false
		}
		<-fired
		return true
	}
}

// ReadLine reads one CRLF-terminated line without the line ending. It
// fails when the line exceeds maxLen bytes including CRLF.
func (c *Conn) ReadLine(maxLen int) (string, error) {
	var line []byte
	for {
		chunk, isPrefix, err := c.r.ReadLine()
		line = append(line, chunk...)
		if err != nil {
			return "", err
		}
		if !isPrefix {
			break
		}
		if len(line) > maxLen {
			for isPrefix {
				_, isPrefix, err = c.r.ReadLine()
				if err != nil {
					break
				}
			}
			return "", fmt.Errorf("textproto: line too long (%d bytes, max %d)", len(line), maxLen)
		}
	}
	if len(line) > maxLen-2 {
		return "", fmt.Errorf("textproto: line too long (%d bytes, max %d)", len(line)+2, maxLen)
	}
	return string(line), nil
}

// Queue buffers a line without flushing. Used to pipeline commands.
func (c *Conn) Queue(line string) error {
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	_, err := c.w.WriteString("\r\n")
	return err
}

// Flush writes any queued lines.
func (c *Conn) Flush() error {
	return c.w.Flush()
}

// WriteLine writes a line followed by CRLF and flushes.
func (c *Conn) WriteLine(line string) error {
	if err := c.Queue(line); err != nil {
		return err
	}
	return c.w.Flush()
}

// WriteLines writes every line and flushes once.
func (c *Conn) WriteLines(lines ...string) error {
	for _, line := range lines {
		if err := c.Queue(line); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// Reply is a parsed SMTP reply (RFC 5321 §4.2).
type Reply struct {
	Code  int
	Lines []string // text of each line, without code and separator
}

// Text joins the reply lines with newlines.
func (r Reply) Text() string {
	return strings.Join(r.Lines, "\n")
}

// Error converts the reply to a *mailer.SMTPError, splitting off the
// enhanced status code of the first line when present.
func (r Reply) Error() *mailer.SMTPError {
	msg := r.Text()
	code, rest := mailer.ParseEnhancedCode(msg)
	if !code.IsZero() {
		msg = rest
	}
	return &mailer.SMTPError{
		Code:         mailer.ReplyCode(r.Code),
		EnhancedCode: code,
		Message:      msg,
	}
}

// ErrReplyTooShort is returned for a reply line shorter than its code.
var ErrReplyTooShort = errors.New("textproto: reply line too short")

// ReadReply reads a single- or multi-line reply. Every line of a
// multi-line reply must carry the same code.
func (c *Conn) ReadReply() (Reply, error) {
	var lines []string
	first := -1
	for {
		line, err := c.ReadLine(MaxReplyLineLen)
		if err != nil {
			return Reply{}, fmt.Errorf("textproto: reading reply: %w", err)
		}
		if len(line) < 3 {
			return Reply{}, ErrReplyTooShort
		}

		code, err := strconv.Atoi(line[:3])
		if err != nil || code < 100 || code > 599 {
			return Reply{}, fmt.Errorf("textproto: invalid reply code %q", line[:3])
		}
		if first == -1 {
			first = code
		} else if code != first {
			return Reply{}, fmt.Errorf("textproto: reply code changed from %d to %d mid-reply", first, code)
		}

		if len(line) == 3 {
			return Reply{Code: code, Lines: append(lines, "")}, nil
		}
		switch sep, text := line[3], line[4:]; sep {
		case '-':
			lines = append(lines, text)
		case ' ':
			return Reply{Code: code, Lines: append(lines, text)}, nil
		default:
			return Reply{}, fmt.Errorf("textproto: invalid reply separator %q", sep)
		}
	}
}

// WriteReply writes a single- or multi-line reply and flushes.
func (c *Conn) WriteReply(code int, lines ...string) error {
	if len(lines) == 0 {
		lines = []string{""}
	}
	for i, line := range lines {
		sep := ' '
		if i < len(lines)-1 {
			sep = '-'
		}
		if err := c.Queue(fmt.Sprintf("%d%c%s", code, sep, line)); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// Cmd sends one command line and reads the reply.
func (c *Conn) Cmd(format string, args ...any) (Reply, error) {
	if err := c.WriteLine(fmt.Sprintf(format, args...)); err != nil {
		return Reply{}, err
	}
	return c.ReadReply()
}

// DotReader returns a reader for a dot-stuffed DATA body. It removes the
// stuffing and reports io.EOF at the terminating "CRLF.CRLF".
func (c *Conn) DotReader() io.Reader {
	return newDotReader(c.r)
}

// DotWriter returns a writer that dot-stuffs the DATA body and normalizes
// bare LF to CRLF. Close writes the terminator and flushes.
func (c *Conn) DotWriter() io.WriteCloser {
	return newDotWriter(c.w)
}
