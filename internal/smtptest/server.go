// Package smtptest runs an in-process SMTP server for tests. The server
// advertises a configurable extension set, authenticates against a fixed
// user table, offers STARTTLS or implicit TLS with a throwaway self-signed
// certificate, and records every command and accepted message.
package smtptest

import (
	"crypto/tls"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbouchez/mailer"
)

// Greeting is the WithReply key that replaces the connection banner.
const Greeting = "GREETING"

// Message is a message accepted by the server.
type Message struct {
	From string
	To   []string
	Data []byte
}

type cannedReply struct {
	code int
	text string
}

// Server is a scriptable SMTP server listening on 127.0.0.1.
type Server struct {
	hostname    string
	maxSize     int64
	pipelining  bool
	smtputf8    bool
	mechanisms  []string
	users       map[string]string
	starttls    bool
	implicitTLS bool
	tlsConfig   *tls.Config
	rejectRcpt  map[string]bool
	replies     map[string]cannedReply
	dataReply   *cannedReply
	delays      map[string]time.Duration
	logger      *slog.Logger

	ln        net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	accepted int
	commands []string
	messages []Message
}

// Option configures a Server.
type Option func(*Server)

// WithHostname sets the name used in the banner and EHLO reply.
func WithHostname(name string) Option {
	return func(s *Server) { s.hostname = name }
}

// WithSize advertises SIZE n and rejects larger messages.
func WithSize(n int64) Option {
	return func(s *Server) { s.maxSize = n }
}

// WithoutPipelining stops advertising PIPELINING.
func WithoutPipelining() Option {
	return func(s *Server) { s.pipelining = false }
}

// WithSMTPUTF8 advertises SMTPUTF8.
func WithSMTPUTF8() Option {
	return func(s *Server) { s.smtputf8 = true }
}

// WithAuth advertises the given SASL mechanisms. Supported are PLAIN,
// LOGIN, CRAM-MD5, CRAM-SHA1, CRAM-SHA256 and XOAUTH2, where the bearer
// token is checked against the user's password.
func WithAuth(mechanisms ...string) Option {
	return func(s *Server) { s.mechanisms = append(s.mechanisms, mechanisms...) }
}

// WithUser adds a user to the credential table.
func WithUser(username, password string) Option {
	return func(s *Server) { s.users[username] = password }
}

// WithSTARTTLS advertises STARTTLS and upgrades with a self-signed
// certificate.
func WithSTARTTLS() Option {
	return func(s *Server) { s.starttls = true }
}

// WithImplicitTLS makes the listener speak TLS from the first byte.
func WithImplicitTLS() Option {
	return func(s *Server) { s.implicitTLS = true }
}

// WithRejectRcpt answers RCPT TO for the given addresses with 550.
func WithRejectRcpt(addrs ...string) Option {
	return func(s *Server) {
		for _, a := range addrs {
			s.rejectRcpt[strings.ToLower(a)] = true
		}
	}
}

// WithReply answers every occurrence of verb with a fixed reply instead of
// running the command. Use Greeting to replace the banner; a non-220
// banner closes the connection.
func WithReply(verb string, code int, text string) Option {
	return func(s *Server) { s.replies[strings.ToUpper(verb)] = cannedReply{code: code, text: text} }
}

// WithDataReply sets the reply sent after the message body is received.
// The message is not recorded.
func WithDataReply(code int, text string) Option {
	return func(s *Server) { s.dataReply = &cannedReply{code: code, text: text} }
}

// WithDelay holds the reply to verb for d. For DATA the delay applies to
// the final reply, after the body has been read.
func WithDelay(verb string, d time.Duration) Option {
	return func(s *Server) { s.delays[strings.ToUpper(verb)] = d }
}

// WithLogger sets the server's logger. By default logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Start launches a server and registers its shutdown with t.Cleanup.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		hostname:   "mx.test",
		pipelining: true,
		users:      make(map[string]string),
		rejectRcpt: make(map[string]bool),
		replies:    make(map[string]cannedReply),
		delays:     make(map[string]time.Duration),
		logger:     slog.New(slog.DiscardHandler),
		quit:       make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.starttls || s.implicitTLS {
		tc, err := selfSignedTLS(s.hostname)
		require.NoError(t, err)
		s.tlsConfig = tc
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	if s.implicitTLS {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serve() {
	defer s.wg.Done()
	s.logger.Info("smtp test server listening", "addr", s.ln.Addr())
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
			default:
				s.logger.Error("accept error", "err", err)
			}
			return
		}

		s.mu.Lock()
		s.conns[nc] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)
			s.mu.Lock()
			delete(s.conns, nc)
			s.mu.Unlock()
		}()
	}
}

// Close stops the listener, drops every connection and waits for the
// session goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.ln.Close()
		s.DropConnections()
		s.wg.Wait()
	})
}

// DropConnections closes every open client connection from the server
// side, as an idle-timeout on a real server would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nc := range s.conns {
		nc.Close()
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Port returns the listen port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Config returns a client configuration pointing at the server. TLS
// certificates are not verified, and keep-alive eviction is off.
func (s *Server) Config() mailer.Config {
	cfg := mailer.DefaultConfig()
	cfg.Hostname = "127.0.0.1"
	cfg.Port = s.Port()
	cfg.OwnHostname = "client.test"
	cfg.TrustAll = true
	cfg.SSL = s.implicitTLS
	cfg.KeepAliveTimeout = 0
	cfg.ConnectTimeout = 5 * time.Second
	return cfg
}

// Accepted returns how many connections the server has accepted.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Active returns how many connections are currently open.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Commands returns every command line received, in arrival order. SASL
// responses and message data are not included.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// CountCommand returns how many received commands start with verb.
func (s *Server) CountCommand(verb string) int {
	n := 0
	for _, c := range s.Commands() {
		if v, _ := parseCommand(c); v == strings.ToUpper(verb) {
			n++
		}
	}
	return n
}

// Messages returns the accepted messages.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Server) record(line string) {
	s.mu.Lock()
	s.commands = append(s.commands, line)
	s.mu.Unlock()
}

func (s *Server) deliver(m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
}

// pause waits out the configured delay for verb, or until shutdown.
func (s *Server) pause(verb string) {
	d, ok := s.delays[verb]
	if !ok {
		return
	}
	select {
	case <-time.After(d):
	case <-s.quit:
	}
}

func (s *Server) checkUser(username, password string) bool {
	want, ok := s.users[username]
	return ok && want == password
}
