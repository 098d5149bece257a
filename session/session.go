// Package session implements one SMTP client connection as a state
// machine: connect, greeting, EHLO/HELO, optional STARTTLS, optional AUTH,
// then any number of mail transactions until QUIT.
//
// A Session is not safe for concurrent use. The pool hands it to exactly
// one sender at a time.
package session

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/alexisbouchez/mailer"
	"github.com/alexisbouchez/mailer/auth"
	"github.com/alexisbouchez/mailer/internal/textproto"
)

// State is the protocol state of a Session.
type State int

const (
	StateConnecting State = iota
	StateGreeted
	StateCapabilitiesKnown
	StateTLSNegotiating
	StateAuthenticated
	StateReady
	StateSending
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateConnecting:        "connecting",
	StateGreeted:           "greeted",
	StateCapabilitiesKnown: "capabilities-known",
	StateTLSNegotiating:    "tls-negotiating",
	StateAuthenticated:     "authenticated",
	StateReady:             "ready",
	StateSending:           "sending",
	StateFailed:            "failed",
	StateClosed:            "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Envelope is the SMTP envelope of one transaction together with the
// sending client's recipient and pipelining policy. The policy travels with
// each send because pooled sessions are shared by clients whose configs
// differ in these fields.
type Envelope struct {
	From string
	To   []string

	AllowRcptErrors bool
	Pipelining      bool
}

// NeedsSMTPUTF8 reports whether any envelope address is non-ASCII.
func (e Envelope) NeedsSMTPUTF8() bool {
	for _, a := range append([]string{e.From}, e.To...) {
		for i := 0; i < len(a); i++ {
			if a[i] >= 0x80 {
				return true
			}
		}
	}
	return false
}

// Dialer opens the TCP connection. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Option configures Dial.
type Option func(*options)

type options struct {
	dialer    Dialer
	tlsConfig *tls.Config
	logger    *slog.Logger
}

// WithDialer sets the dialer used for the TCP connection.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTLSConfig overrides the TLS configuration derived from the Config,
// for both implicit TLS and STARTTLS.
func WithTLSConfig(c *tls.Config) Option {
	return func(o *options) { o.tlsConfig = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Session is an established SMTP client connection.
type Session struct {
	conn      *textproto.Conn
	cfg       mailer.Config
	ownName   string
	tlsConfig *tls.Config
	logger    *slog.Logger

	state         State
	greeting      string
	exts          mailer.Extensions
	tls           bool
	authenticated bool
	mechanism     string
}

// Dial connects to the server named by cfg and runs the session up to
// StateReady: greeting, EHLO (or HELO), STARTTLS per policy, and AUTH per
// policy. The whole sequence is bounded by cfg.ConnectTimeout. Failures are
// *mailer.Error values and leave no open connection behind.
func Dial(ctx context.Context, cfg *mailer.Config, opts ...Option) (*Session, error) {
	o := &options{
		dialer: &net.Dialer{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Session{
		cfg:       *cfg,
		ownName:   cfg.OwnHostnameOrDefault(),
		tlsConfig: o.tlsConfig,
		logger:    o.logger.With("host", cfg.Hostname),
		state:     StateConnecting,
	}
	if s.tlsConfig == nil {
		tc, err := cfg.TLSConfig()
		if err != nil {
			return nil, mailer.NewError(mailer.KindConfig, "tls config", err)
		}
		s.tlsConfig = tc
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	nc, err := o.dialer.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, s.fail(ctx, "dial", err)
	}
	if cfg.SSL {
		tc := tls.Client(nc, s.tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, s.fail(ctx, "tls handshake", err)
		}
		nc = tc
		s.tls = true
	}
	s.conn = textproto.NewConn(nc)

	stop := s.conn.WatchContext(ctx)
	err = s.open(ctx)
	stop()
	if err != nil {
		s.conn.Close()
		return nil, err
	}
	s.conn.SetDeadlineFromContext(context.Background())

	s.state = StateReady
	s.logger.Debug("smtp session ready", "tls", s.tls, "mechanism", s.mechanism)
	return s, nil
}

func (s *Session) open(ctx context.Context) error {
	greeting, err := s.conn.ReadReply()
	if err != nil {
		return s.fail(ctx, "greeting", err)
	}
	if !mailer.ReplyCode(greeting.Code).IsSuccess() {
		return s.rejected("greeting", greeting)
	}
	s.greeting = greeting.Text()
	s.state = StateGreeted

	if err := s.hello(ctx); err != nil {
		return err
	}
	if err := s.startTLS(ctx); err != nil {
		return err
	}
	return s.authenticate(ctx)
}

// hello sends EHLO, falling back to HELO when the server does not know it.
func (s *Session) hello(ctx context.Context) error {
	if !s.cfg.DisableESMTP {
		reply, err := s.conn.Cmd("EHLO %s", s.ownName)
		if err != nil {
			return s.fail(ctx, "EHLO", err)
		}
		if reply.Code == int(mailer.ReplyOK) {
			s.exts = mailer.ParseEHLOResponse(reply.Lines)
			s.state = StateCapabilitiesKnown
			return nil
		}
		if reply.Code != int(mailer.ReplySyntaxError) && reply.Code != int(mailer.ReplyCommandNotImpl) {
			return s.rejected("EHLO", reply)
		}
		s.logger.Debug("ehlo rejected, falling back to helo", "code", reply.Code)
	}

	reply, err := s.conn.Cmd("HELO %s", s.ownName)
	if err != nil {
		return s.fail(ctx, "HELO", err)
	}
	if reply.Code != int(mailer.ReplyOK) {
		return s.rejected("HELO", reply)
	}
	s.exts = mailer.Extensions{}
	s.state = StateCapabilitiesKnown
	return nil
}

// startTLS upgrades the connection per the STARTTLS policy (RFC 3207) and
// re-issues EHLO.
func (s *Session) startTLS(ctx context.Context) error {
	if s.tls || s.cfg.StartTLS == mailer.StartTLSDisabled {
		return nil
	}
	if !s.exts.Has(mailer.ExtSTARTTLS) {
		if s.cfg.StartTLS == mailer.StartTLSRequired {
			s.state = StateFailed
			return mailer.Errorf(mailer.KindConfig, "STARTTLS", "STARTTLS is required, but not offered by the server")
		}
		return nil
	}

	s.state = StateTLSNegotiating
	reply, err := s.conn.Cmd("STARTTLS")
	if err != nil {
		return s.fail(ctx, "STARTTLS", err)
	}
	if reply.Code != int(mailer.ReplyServiceReady) {
		return s.rejected("STARTTLS", reply)
	}

	tc := tls.Client(s.conn.NetConn(), s.tlsConfig)
	if err := tc.HandshakeContext(ctx); err != nil {
		return s.fail(ctx, "tls handshake", err)
	}
	s.conn.ReplaceConn(tc)
	s.tls = true
	s.logger.Debug("starttls established", "version", tls.VersionName(tc.ConnectionState().Version))

	return s.hello(ctx)
}

// authenticate runs at most one SASL exchange (RFC 4954), chosen by the
// login policy.
func (s *Session) authenticate(ctx context.Context) error {
	neg := auth.NewNegotiator(s.cfg.Login, s.cfg.AuthMethods, s.cfg.Username, s.cfg.Password)
	client, err := neg.Choose(strings.Join(s.exts.AuthMechanisms(), " "), s.cfg.Hostname)
	if err != nil {
		s.state = StateFailed
		return err
	}
	if client == nil {
		return nil
	}

	mech, ir, err := client.Start()
	if err != nil {
		s.state = StateFailed
		return mailer.NewError(mailer.KindAuth, "AUTH", err)
	}
	cmd := "AUTH " + mech
	if ir != nil {
		if len(ir) == 0 {
			cmd += " ="
		} else {
			cmd += " " + base64.StdEncoding.EncodeToString(ir)
		}
	}
	if err := s.conn.WriteLine(cmd); err != nil {
		return s.fail(ctx, "AUTH", err)
	}

	for {
		reply, err := s.conn.ReadReply()
		if err != nil {
			return s.fail(ctx, "AUTH", err)
		}
		switch reply.Code {
		case int(mailer.ReplyAuthOK):
			s.authenticated = true
			s.mechanism = mech
			s.state = StateAuthenticated
			s.logger.Debug("authenticated", "mechanism", mech)
			return nil
		case int(mailer.ReplyAuthContinue):
		default:
			s.state = StateFailed
			return mailer.NewError(mailer.KindAuth, "AUTH "+mech, reply.Error())
		}

		challenge, err := base64.StdEncoding.DecodeString(reply.Text())
		if err != nil {
			return s.abortAuth(ctx, mech, fmt.Errorf("decoding challenge: %w", err))
		}
		resp, err := client.Next(challenge)
		if err != nil {
			return s.abortAuth(ctx, mech, err)
		}
		if err := s.conn.WriteLine(base64.StdEncoding.EncodeToString(resp)); err != nil {
			return s.fail(ctx, "AUTH", err)
		}
	}
}

// abortAuth cancels the exchange with "*" and reports cause.
func (s *Session) abortAuth(ctx context.Context, mech string, cause error) error {
	if _, err := s.conn.Cmd("*"); err != nil {
		return s.fail(ctx, "AUTH", err)
	}
	s.state = StateFailed
	return mailer.NewError(mailer.KindAuth, "AUTH "+mech, cause)
}

// Send runs one mail transaction and returns the accepted recipients.
//
// Every recipient is tried. When some are rejected the send fails with a
// KindRecipient error listing them, unless env.AllowRcptErrors is set and
// at least one was accepted. Any error leaves the session Failed; it must then
// be closed.
func (s *Session) Send(ctx context.Context, env Envelope, data []byte) ([]string, error) {
	if s.state != StateReady {
		return nil, mailer.Errorf(mailer.KindProtocol, "send", "session is %s", s.state)
	}
	if len(env.To) == 0 {
		return nil, mailer.Errorf(mailer.KindRecipient, "RCPT TO", "no recipients")
	}
	if limit := s.exts.MaxSize(); limit > 0 && int64(len(data)) > limit {
		s.state = StateFailed
		return nil, mailer.Errorf(mailer.KindProtocol, "MAIL FROM",
			"message exceeds allowed size limit (%d > %d bytes)", len(data), limit)
	}

	s.state = StateSending
	stop := s.conn.WatchContext(ctx)
	defer stop()

	mailCmd := fmt.Sprintf("MAIL FROM:<%s>", env.From)
	if s.exts.Has(mailer.ExtSIZE) {
		mailCmd += fmt.Sprintf(" SIZE=%d", len(data))
	}
	if s.exts.Has(mailer.ExtSMTPUTF8) && env.NeedsSMTPUTF8() {
		mailCmd += " SMTPUTF8"
	}

	accepted, err := s.envelope(ctx, mailCmd, env)
	if err != nil {
		return nil, err
	}

	reply, err := s.conn.Cmd("DATA")
	if err != nil {
		return nil, s.fail(ctx, "DATA", err)
	}
	if reply.Code != int(mailer.ReplyStartMailInput) {
		return nil, s.rejected("DATA", reply)
	}

	w := s.conn.DotWriter()
	if _, err := w.Write(data); err != nil {
		return nil, s.failData(ctx, err, false)
	}
	if err := w.Close(); err != nil {
		return nil, s.failData(ctx, err, false)
	}
	reply, err = s.conn.ReadReply()
	if err != nil {
		return nil, s.failData(ctx, err, true)
	}
	if !mailer.ReplyCode(reply.Code).IsSuccess() {
		return nil, s.rejected("DATA", reply)
	}

	s.state = StateReady
	return accepted, nil
}

// envelope sends MAIL FROM and one RCPT TO per recipient. With PIPELINING
// enabled and advertised the commands go out in a single write and the
// replies are read in order.
func (s *Session) envelope(ctx context.Context, mailCmd string, env Envelope) ([]string, error) {
	rcpts := env.To
	pipeline := env.Pipelining && s.exts.Has(mailer.ExtPIPELINING)

	var mailReply textproto.Reply
	rcptReplies := make([]textproto.Reply, 0, len(rcpts))
	if pipeline {
		if err := s.conn.Queue(mailCmd); err != nil {
			return nil, s.fail(ctx, "MAIL FROM", err)
		}
		for _, rcpt := range rcpts {
			if err := s.conn.Queue("RCPT TO:<" + rcpt + ">"); err != nil {
				return nil, s.fail(ctx, "RCPT TO", err)
			}
		}
		if err := s.conn.Flush(); err != nil {
			return nil, s.fail(ctx, "MAIL FROM", err)
		}
		var err error
		if mailReply, err = s.conn.ReadReply(); err != nil {
			return nil, s.fail(ctx, "MAIL FROM", err)
		}
		for range rcpts {
			r, err := s.conn.ReadReply()
			if err != nil {
				return nil, s.fail(ctx, "RCPT TO", err)
			}
			rcptReplies = append(rcptReplies, r)
		}
	} else {
		var err error
		if mailReply, err = s.conn.Cmd("%s", mailCmd); err != nil {
			return nil, s.fail(ctx, "MAIL FROM", err)
		}
		if !mailer.ReplyCode(mailReply.Code).IsSuccess() {
			return nil, s.rejected("MAIL FROM", mailReply)
		}
		for _, rcpt := range rcpts {
			r, err := s.conn.Cmd("RCPT TO:<%s>", rcpt)
			if err != nil {
				return nil, s.fail(ctx, "RCPT TO", err)
			}
			rcptReplies = append(rcptReplies, r)
		}
	}
	if !mailer.ReplyCode(mailReply.Code).IsSuccess() {
		return nil, s.rejected("MAIL FROM", mailReply)
	}

	var accepted, rejected []string
	var firstRejection *mailer.SMTPError
	for i, r := range rcptReplies {
		if mailer.ReplyCode(r.Code).IsSuccess() {
			accepted = append(accepted, rcpts[i])
			continue
		}
		rejected = append(rejected, rcpts[i])
		if firstRejection == nil {
			firstRejection = r.Error()
		}
		s.logger.Debug("recipient rejected", "rcpt", rcpts[i], "code", r.Code)
	}
	if len(rejected) > 0 && (!env.AllowRcptErrors || len(accepted) == 0) {
		s.state = StateFailed
		return nil, &mailer.Error{
			Kind:       mailer.KindRecipient,
			Op:         "RCPT TO",
			Recipients: rejected,
			Err:        firstRejection,
		}
	}
	return accepted, nil
}

// Probe sends NOOP to check that an idle session is still usable.
func (s *Session) Probe(ctx context.Context) error {
	return s.simple(ctx, "NOOP")
}

// Reset sends RSET, aborting any transaction the server still holds.
func (s *Session) Reset(ctx context.Context) error {
	return s.simple(ctx, "RSET")
}

func (s *Session) simple(ctx context.Context, verb string) error {
	if s.state != StateReady {
		return mailer.Errorf(mailer.KindProtocol, verb, "session is %s", s.state)
	}
	stop := s.conn.WatchContext(ctx)
	defer stop()

	reply, err := s.conn.Cmd("%s", verb)
	if err != nil {
		return s.fail(ctx, verb, err)
	}
	if !mailer.ReplyCode(reply.Code).IsSuccess() {
		return s.rejected(verb, reply)
	}
	return nil
}

// Quit sends QUIT and closes the connection. The connection is closed even
// when QUIT fails.
func (s *Session) Quit(ctx context.Context) error {
	if s.state == StateClosed {
		return nil
	}
	stop := s.conn.WatchContext(ctx)
	_, err := s.conn.Cmd("QUIT")
	stop()
	s.state = StateClosed
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("session: quit: %w", err)
	}
	return nil
}

// Close closes the connection without QUIT.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	return s.conn.Close()
}

// State returns the current protocol state.
func (s *Session) State() State { return s.state }

// Extensions returns the extensions of the last EHLO reply; empty after
// HELO.
func (s *Session) Extensions() mailer.Extensions { return s.exts }

// Greeting returns the text of the server banner.
func (s *Session) Greeting() string { return s.greeting }

// IsTLS reports whether the connection is encrypted.
func (s *Session) IsTLS() bool { return s.tls }

// Authenticated reports whether AUTH succeeded.
func (s *Session) Authenticated() bool { return s.authenticated }

// Mechanism returns the SASL mechanism used, or "".
func (s *Session) Mechanism() string { return s.mechanism }

// fail marks the session Failed and classifies an I/O error of step op:
// canceled or expired contexts and network timeouts are KindTimeout,
// anything else KindConnect.
func (s *Session) fail(ctx context.Context, op string, err error) *mailer.Error {
	s.state = StateFailed

	var e *mailer.Error
	switch {
	case errors.As(err, &e):
	case ctx.Err() != nil:
		e = mailer.NewError(mailer.KindTimeout, op, fmt.Errorf("%w: %w", ctx.Err(), err))
	case isTimeout(err):
		if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		e = mailer.NewError(mailer.KindTimeout, op, err)
	default:
		e = mailer.NewError(mailer.KindConnect, op, err)
	}
	s.logger.Debug("smtp session failed", "state", s.state, "op", op, "err", e)
	return e
}

// failData is fail for errors after message data started to flow. A
// timeout, or any failure once the terminator is written, leaves the
// delivery outcome unknown.
func (s *Session) failData(ctx context.Context, err error, terminated bool) *mailer.Error {
	e := s.fail(ctx, "DATA", err)
	e.OutcomeUnknown = terminated || e.Kind == mailer.KindTimeout
	return e
}

// rejected marks the session Failed and wraps an unexpected reply.
func (s *Session) rejected(op string, reply textproto.Reply) *mailer.Error {
	s.state = StateFailed
	s.logger.Debug("unexpected reply", "op", op, "code", reply.Code)
	return mailer.NewError(mailer.KindProtocol, op, reply.Error())
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
