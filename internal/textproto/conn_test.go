package textproto

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbouchez/mailer"
)

// replyConn returns a Conn whose peer writes input and then closes.
func replyConn(t *testing.T, input string) *Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	go func() {
		client.Write([]byte(input))
		client.Close()
	}()
	return NewConn(server)
}

func TestReadLine(t *testing.T) {
	conn := replyConn(t, "EHLO example.com\r\nQUIT\r\n")

	line, err := conn.ReadLine(MaxCommandLineLen)
	require.NoError(t, err)
	assert.Equal(t, "EHLO example.com", line)

	line, err = conn.ReadLine(MaxCommandLineLen)
	require.NoError(t, err)
	assert.Equal(t, "QUIT", line)
}

func TestReadLine_TooLong(t *testing.T) {
	conn := replyConn(t, strings.Repeat("A", 600)+"\r\n")

	_, err := conn.ReadLine(MaxCommandLineLen)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line too long")
}

func TestWriteLine(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go NewConn(server).WriteLine("250 OK")

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "250 OK\r\n", string(buf[:n]))
}

func TestQueueFlush(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConn(server)
	go func() {
		conn.Queue("MAIL FROM:<a@example.com>")
		conn.Queue("RCPT TO:<b@example.com>")
		conn.Flush()
	}()

	got, err := io.ReadAll(io.LimitReader(client, int64(len("MAIL FROM:<a@example.com>\r\nRCPT TO:<b@example.com>\r\n"))))
	require.NoError(t, err)
	assert.Equal(t, "MAIL FROM:<a@example.com>\r\nRCPT TO:<b@example.com>\r\n", string(got))
}

func TestReadReply(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantCode  int
		wantLines []string
	}{
		{"single line", "250 OK\r\n", 250, []string{"OK"}},
		{"no text", "250\r\n", 250, []string{""}},
		{
			"multi line",
			"250-mail.example.com Hello\r\n250-SIZE 52428800\r\n250-PIPELINING\r\n250 STARTTLS\r\n",
			250,
			[]string{"mail.example.com Hello", "SIZE 52428800", "PIPELINING", "STARTTLS"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := replyConn(t, tt.input).ReadReply()
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, reply.Code)
			assert.Equal(t, tt.wantLines, reply.Lines)
		})
	}
}

func TestReadReply_Malformed(t *testing.T) {
	for _, input := range []string{
		"XYZ Bad\r\n",
		"25\r\n",
		"250?OK\r\n",
		"250-first\r\n354 second\r\n",
		"999 out of range\r\n",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := replyConn(t, input).ReadReply()
			assert.Error(t, err)
		})
	}
}

func TestReply_Error(t *testing.T) {
	r := Reply{Code: 550, Lines: []string{"5.1.1 User unknown"}}
	err := r.Error()
	assert.Equal(t, mailer.ReplyMailboxNotFound, err.Code)
	assert.Equal(t, mailer.EnhancedCodeBadDest, err.EnhancedCode)
	assert.Equal(t, "User unknown", err.Message)

	plain := Reply{Code: 421, Lines: []string{"closing", "try later"}}.Error()
	assert.True(t, plain.EnhancedCode.IsZero())
	assert.Equal(t, "closing\ntry later", plain.Message)
	assert.True(t, plain.Temporary())
}

func TestWriteReply(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go NewConn(server).WriteReply(250, "mail.example.com", "SIZE 1000", "OK")

	want := "250-mail.example.com\r\n250-SIZE 1000\r\n250 OK\r\n"
	got, err := io.ReadAll(io.LimitReader(client, int64(len(want))))
	require.NoError(t, err)
	assert.Equal(t, want, string(got))
}

func TestCmd(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sConn := NewConn(server)
	go func() {
		if line, _ := sConn.ReadLine(MaxCommandLineLen); line == "NOOP" {
			sConn.WriteReply(250, "OK")
		}
	}()

	reply, err := NewConn(client).Cmd("NOOP")
	require.NoError(t, err)
	assert.Equal(t, 250, reply.Code)
}

func TestWatchContext_CancelUnblocksRead(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConn(client)
	ctx, cancel := context.WithCancel(context.Background())
	stop := conn.WatchContext(ctx)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := conn.ReadReply()
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded))
	assert.True(t, stop())
}

func TestWatchContext_StopBeforeCancel(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := NewConn(client).WatchContext(ctx)
	assert.False(t, stop())
}

// slowDeadlineConn delays setting a past deadline and records the last
// deadline that was applied.
type slowDeadlineConn struct {
	net.Conn
	mu   sync.Mutex
	last time.Time
}

func (c *slowDeadlineConn) SetDeadline(t time.Time) error {
	if t.Equal(aLongTimeAgo) {
		time.Sleep(50 * time.Millisecond)
	}
	c.mu.Lock()
	c.last = t
	c.mu.Unlock()
	return nil
}

func (c *slowDeadlineConn) deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func TestWatchContext_StopWaitsForWatcher(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	nc := &slowDeadlineConn{Conn: client}
	conn := NewConn(nc)
	ctx, cancel := context.WithCancel(context.Background())
	stop := conn.WatchContext(ctx)

	cancel()
	// Give the watcher time to start its slow SetDeadline.
	time.Sleep(10 * time.Millisecond)
	require.True(t, stop())
	assert.True(t, nc.deadline().Equal(aLongTimeAgo))

	// The next exchange's deadline is not clobbered by the old watcher.
	conn.SetDeadlineFromContext(context.Background())
	time.Sleep(60 * time.Millisecond)
	assert.True(t, nc.deadline().IsZero())
}
