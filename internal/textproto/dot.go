package textproto

import (
	"bufio"
	"io"
)

// dotReader undoes dot-stuffing on an incoming DATA body and stops at the
// ".\r\n" line (RFC 5321 §4.5.2). A bare ".\n" also terminates.
type dotReader struct {
	r    *bufio.Reader
	line []byte // unread remainder of the current line
	done bool
	err  error // set when the input ended before the terminator
}

func newDotReader(r *bufio.Reader) *dotReader {
	return &dotReader{r: r}
}

func (d *dotReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(d.line) == 0 {
			if d.done {
				break
			}
			if n > 0 && d.r.Buffered() == 0 {
				// Return what we have rather than block on the next line.
				return n, nil
			}
			if err := d.next(); err != nil {
				if n > 0 {
					return n, nil
				}
				return 0, err
			}
			continue
		}
		c := copy(p[n:], d.line)
		d.line = d.line[c:]
		n += c
	}
	if n == 0 && d.done {
		if d.err != nil {
			return 0, d.err
		}
		return 0, io.EOF
	}
	return n, nil
}

// next loads the following line, destuffed, into d.line.
func (d *dotReader) next() error {
	line, err := d.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.done, d.err = true, err
		if len(line) == 0 {
			return err
		}
		d.line = line
		return nil
	}
	switch {
	case string(line) == ".\r\n" || string(line) == ".\n":
		d.done = true
	case line[0] == '.':
		d.line = line[1:]
	default:
		d.line = line
	}
	return nil
}

// dotWriter writes a DATA body: lines starting with "." get an extra dot,
// bare LF becomes CRLF, and Close writes the ".\r\n" terminator.
type dotWriter struct {
	w         *bufio.Writer
	beginLine bool
	prevCR    bool
	closed    bool
}

func newDotWriter(w *bufio.Writer) *dotWriter {
	return &dotWriter{w: w, beginLine: true}
}

func (d *dotWriter) Write(p []byte) (int, error) {
	if d.closed {
		return 0, io.ErrClosedPipe
	}

	for i, b := range p {
		if d.beginLine && b == '.' {
			if err := d.w.WriteByte('.'); err != nil {
				return i, err
			}
		}
		if b == '\n' && !d.prevCR {
			if err := d.w.WriteByte('\r'); err != nil {
				return i, err
			}
		}
		if err := d.w.WriteByte(b); err != nil {
			return i, err
		}
		d.prevCR = b == '\r'
		d.beginLine = b == '\n'
	}
	return len(p), nil
}

// Close terminates the body, first ending an unterminated last line.
func (d *dotWriter) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	if !d.beginLine {
		if d.prevCR {
			if err := d.w.WriteByte('\n'); err != nil {
				return err
			}
		} else if _, err := d.w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := d.w.WriteString(".\r\n"); err != nil {
		return err
	}
	return d.w.Flush()
}
