package smtptest

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/alexisbouchez/mailer"
	"github.com/alexisbouchez/mailer/internal/textproto"
)

type sessionState int

const (
	stateNew sessionState = iota
	stateGreeted
	stateMail
	stateRcpt
)

// session is one client connection.
type session struct {
	server *Server
	conn   *textproto.Conn
	state  sessionState

	tls           bool
	authenticated bool

	from string
	to   []string
}

var errAuthCanceled = errors.New("smtptest: authentication canceled")

func (s *Server) handleConn(nc net.Conn) {
	conn := textproto.NewConn(nc)
	defer conn.Close()

	_, isTLS := nc.(*tls.Conn)
	sess := &session{server: s, conn: conn, tls: isTLS}

	if r, ok := s.replies[Greeting]; ok {
		conn.WriteReply(r.code, r.text)
		if r.code != int(mailer.ReplyServiceReady) {
			return
		}
	} else if err := conn.WriteReply(int(mailer.ReplyServiceReady), s.hostname+" ESMTP ready"); err != nil {
		s.logger.Error("failed to send greeting", "err", err)
		return
	}

	for {
		conn.NetConn().SetReadDeadline(time.Now().Add(time.Minute))
		line, err := conn.ReadLine(textproto.MaxCommandLineLen)
		if err != nil {
			return
		}
		s.record(line)

		verb, args := parseCommand(line)
		if verb != "DATA" {
			s.pause(verb)
		}
		if r, ok := s.replies[verb]; ok {
			conn.WriteReply(r.code, r.text)
			if verb == "QUIT" {
				return
			}
			continue
		}

		switch verb {
		case "EHLO":
			sess.handleEHLO(args)
		case "HELO":
			sess.handleHELO(args)
		case "MAIL":
			sess.handleMAIL(args)
		case "RCPT":
			sess.handleRCPT(args)
		case "DATA":
			if err := sess.handleDATA(); err != nil {
				return
			}
		case "RSET":
			sess.resetTransaction()
			sess.reply(mailer.ReplyOK, mailer.EnhancedCodeOK, "Reset ok")
		case "NOOP":
			sess.reply(mailer.ReplyOK, mailer.EnhancedCodeOK, "OK")
		case "QUIT":
			sess.reply(mailer.ReplyServiceClosing, mailer.EnhancedCodeOK, s.hostname+" closing connection")
			return
		case "STARTTLS":
			sess.handleSTARTTLS()
		case "AUTH":
			if err := sess.handleAUTH(args); err != nil {
				return
			}
		default:
			sess.reply(mailer.ReplySyntaxError, mailer.EnhancedCodeInvalidCommand, "Command not recognized")
		}
	}
}

func parseCommand(line string) (verb string, args string) {
	verb, args, _ = strings.Cut(line, " ")
	verb = strings.ToUpper(verb)
	return
}

func (s *session) reply(code mailer.ReplyCode, enhanced mailer.EnhancedCode, msg string) {
	if !enhanced.IsZero() {
		msg = enhanced.String() + " " + msg
	}
	s.conn.WriteReply(int(code), msg)
}

func (s *session) handleEHLO(args string) {
	if args == "" {
		s.reply(mailer.ReplySyntaxParamError, mailer.EnhancedCodeSyntaxError, "EHLO requires a hostname")
		return
	}
	s.resetTransaction()
	s.state = stateGreeted

	srv := s.server
	lines := []string{fmt.Sprintf("%s Hello %s", srv.hostname, args)}
	if srv.maxSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", srv.maxSize))
	}
	if srv.pipelining {
		lines = append(lines, "PIPELINING")
	}
	lines = append(lines, "8BITMIME", "ENHANCEDSTATUSCODES")
	if srv.smtputf8 {
		lines = append(lines, "SMTPUTF8")
	}
	if srv.tlsConfig != nil && srv.starttls && !s.tls {
		lines = append(lines, "STARTTLS")
	}
	if len(srv.mechanisms) > 0 && !s.authenticated {
		lines = append(lines, "AUTH "+strings.Join(srv.mechanisms, " "))
	}
	s.conn.WriteReply(int(mailer.ReplyOK), lines...)
}

func (s *session) handleHELO(args string) {
	if args == "" {
		s.reply(mailer.ReplySyntaxParamError, mailer.EnhancedCodeSyntaxError, "HELO requires a hostname")
		return
	}
	s.resetTransaction()
	s.state = stateGreeted
	s.reply(mailer.ReplyOK, mailer.EnhancedCode{}, fmt.Sprintf("%s Hello %s", s.server.hostname, args))
}

func (s *session) handleMAIL(args string) {
	if s.state < stateGreeted {
		s.reply(mailer.ReplyBadSequence, mailer.EnhancedCodeInvalidCommand, "Send EHLO/HELO first")
		return
	}
	if s.state >= stateMail {
		s.reply(mailer.ReplyBadSequence, mailer.EnhancedCodeInvalidCommand, "MAIL already specified")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(args), "FROM:") {
		s.reply(mailer.ReplySyntaxParamError, mailer.EnhancedCodeSyntaxError, "Syntax: MAIL FROM:<address>")
		return
	}

	pathStr, params, _ := strings.Cut(strings.TrimSpace(args[5:]), " ")
	from, err := mailer.ParsePath(pathStr)
	if err != nil {
		s.reply(mailer.ReplySyntaxParamError, mailer.EnhancedCodeBadSenderSyntax, "Invalid sender address")
		return
	}
	for _, p := range strings.Fields(params) {
		k, v, _ := strings.Cut(p, "=")
		if strings.EqualFold(k, "SIZE") && s.server.maxSize > 0 {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > s.server.maxSize {
				s.reply(mailer.ReplyExceededStorage, mailer.EnhancedCodeMsgTooLarge, "Message size exceeds fixed limit")
				return
			}
		}
	}

	s.from = from.String()
	s.to = nil
	s.state = stateMail
	s.reply(mailer.ReplyOK, mailer.EnhancedCodeOtherAddress, "Originator ok")
}

func (s *session) handleRCPT(args string) {
	if s.state < stateMail {
		s.reply(mailer.ReplyBadSequence, mailer.EnhancedCodeInvalidCommand, "Send MAIL first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(args), "TO:") {
		s.reply(mailer.ReplySyntaxParamError, mailer.EnhancedCodeSyntaxError, "Syntax: RCPT TO:<address>")
		return
	}

	pathStr, _, _ := strings.Cut(strings.TrimSpace(args[3:]), " ")
	to, err := mailer.ParsePath(pathStr)
	if err != nil || to.IsZero() {
		s.reply(mailer.ReplySyntaxParamError, mailer.EnhancedCodeBadDestSyntax, "Invalid recipient address")
		return
	}
	addr := to.String()
	if s.server.rejectRcpt[strings.ToLower(addr)] {
		s.reply(mailer.ReplyMailboxNotFound, mailer.EnhancedCodeBadDest, "User unknown")
		return
	}

	s.to = append(s.to, addr)
	s.state = stateRcpt
	s.reply(mailer.ReplyOK, mailer.EnhancedCodeDestValid, "Recipient ok")
}

// handleDATA reads the body. A non-nil error means the connection broke.
func (s *session) handleDATA() error {
	if s.state < stateRcpt {
		s.reply(mailer.ReplyBadSequence, mailer.EnhancedCodeInvalidCommand, "Send RCPT first")
		return nil
	}
	s.reply(mailer.ReplyStartMailInput, mailer.EnhancedCode{}, "Start mail input; end with <CRLF>.<CRLF>")

	body, err := io.ReadAll(s.conn.DotReader())
	if err != nil {
		return err
	}
	s.server.pause("DATA")
	defer s.resetTransaction()

	if r := s.server.dataReply; r != nil {
		s.conn.WriteReply(r.code, r.text)
		return nil
	}
	if s.server.maxSize > 0 && int64(len(body)) > s.server.maxSize {
		s.reply(mailer.ReplyExceededStorage, mailer.EnhancedCodeMsgTooLarge, "Message size exceeds fixed limit")
		return nil
	}
	s.server.deliver(Message{From: s.from, To: s.to, Data: body})
	s.reply(mailer.ReplyOK, mailer.EnhancedCodeOK, "Message accepted")
	return nil
}

func (s *session) handleSTARTTLS() {
	if s.server.tlsConfig == nil || !s.server.starttls {
		s.reply(mailer.ReplyCommandNotImpl, mailer.EnhancedCodeInvalidCommand, "STARTTLS not available")
		return
	}
	if s.tls {
		s.reply(mailer.ReplyBadSequence, mailer.EnhancedCodeInvalidCommand, "Already running TLS")
		return
	}
	s.reply(mailer.ReplyServiceReady, mailer.EnhancedCode{}, "Ready to start TLS")

	tlsConn := tls.Server(s.conn.NetConn(), s.server.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.server.logger.Error("tls handshake failed", "err", err)
		return
	}
	s.conn.ReplaceConn(tlsConn)
	s.tls = true
	s.resetTransaction()
	s.state = stateNew
}

// handleAUTH runs one SASL exchange. A non-nil error means the connection
// broke.
func (s *session) handleAUTH(args string) error {
	if len(s.server.mechanisms) == 0 {
		s.reply(mailer.ReplyCommandNotImpl, mailer.EnhancedCodeInvalidCommand, "AUTH not available")
		return nil
	}
	if s.state < stateGreeted {
		s.reply(mailer.ReplyBadSequence, mailer.EnhancedCodeInvalidCommand, "Send EHLO/HELO first")
		return nil
	}
	if s.state >= stateMail || s.authenticated {
		s.reply(mailer.ReplyBadSequence, mailer.EnhancedCodeInvalidCommand, "AUTH not allowed now")
		return nil
	}

	mech, irArg, _ := strings.Cut(args, " ")
	mech = strings.ToUpper(mech)
	if !slices.Contains(s.server.mechanisms, mech) {
		s.reply(mailer.ReplyParamNotImpl, mailer.EnhancedCodeInvalidParams, "Unrecognized authentication mechanism")
		return nil
	}

	var ir []byte
	hasIR := irArg != ""
	if hasIR && irArg != "=" {
		var err error
		if ir, err = base64.StdEncoding.DecodeString(irArg); err != nil {
			s.reply(mailer.ReplySyntaxParamError, mailer.EnhancedCodeSyntaxError, "Invalid base64")
			return nil
		}
	}

	var ok bool
	var err error
	switch mech {
	case sasl.Plain:
		ok, err = s.authPLAIN(ir, hasIR)
	case sasl.Login:
		ok, err = s.authLOGIN(ir, hasIR)
	case "CRAM-MD5", "CRAM-SHA1", "CRAM-SHA256":
		ok, err = s.authCRAM(mech)
	case "XOAUTH2":
		ok, err = s.authXOAUTH2(ir, hasIR)
	default:
		s.reply(mailer.ReplyParamNotImpl, mailer.EnhancedCodeInvalidParams, "Unrecognized authentication mechanism")
		return nil
	}

	switch {
	case errors.Is(err, errAuthCanceled):
		s.reply(mailer.ReplySyntaxParamError, mailer.EnhancedCodeInvalidCommand, "Authentication cancelled")
		return nil
	case err != nil:
		var b64 base64.CorruptInputError
		if errors.As(err, &b64) {
			s.reply(mailer.ReplySyntaxParamError, mailer.EnhancedCodeSyntaxError, "Invalid base64")
			return nil
		}
		return err
	case !ok:
		s.reply(mailer.ReplyAuthFailed, mailer.EnhancedCodeAuthCredentials, "Authentication failed")
		return nil
	}
	s.authenticated = true
	s.reply(mailer.ReplyAuthOK, mailer.EnhancedCodeOK, "Authentication successful")
	return nil
}

// challenge sends a 334 continuation and decodes the client's answer.
func (s *session) challenge(data []byte) ([]byte, error) {
	if err := s.conn.WriteReply(int(mailer.ReplyAuthContinue), base64.StdEncoding.EncodeToString(data)); err != nil {
		return nil, err
	}
	line, err := s.conn.ReadLine(textproto.MaxCommandLineLen)
	if err != nil {
		return nil, err
	}
	if line == "*" {
		return nil, errAuthCanceled
	}
	return base64.StdEncoding.DecodeString(line)
}

func (s *session) authPLAIN(ir []byte, hasIR bool) (bool, error) {
	if !hasIR {
		var err error
		if ir, err = s.challenge(nil); err != nil {
			return false, err
		}
	}
	srv := sasl.NewPlainServer(func(identity, username, password string) error {
		if !s.server.checkUser(username, password) {
			return errors.New("invalid credentials")
		}
		return nil
	})
	_, done, err := srv.Next(ir)
	return err == nil && done, nil
}

func (s *session) authLOGIN(ir []byte, hasIR bool) (bool, error) {
	user := ir
	if !hasIR {
		var err error
		if user, err = s.challenge([]byte("Username:")); err != nil {
			return false, err
		}
	}
	pass, err := s.challenge([]byte("Password:"))
	if err != nil {
		return false, err
	}
	return s.server.checkUser(string(user), string(pass)), nil
}

func (s *session) authCRAM(mech string) (bool, error) {
	var h func() hash.Hash
	switch mech {
	case "CRAM-SHA1":
		h = sha1.New
	case "CRAM-SHA256":
		h = sha256.New
	default:
		h = md5.New
	}

	challenge := fmt.Sprintf("<%s.%d@%s>", rand.Text(), time.Now().Unix(), s.server.hostname)
	resp, err := s.challenge([]byte(challenge))
	if err != nil {
		return false, err
	}

	i := strings.LastIndexByte(string(resp), ' ')
	if i < 0 {
		return false, nil
	}
	username, digest := string(resp[:i]), string(resp[i+1:])
	password, known := s.server.users[username]
	if !known {
		return false, nil
	}
	mac := hmac.New(h, []byte(password))
	mac.Write([]byte(challenge))
	return hmac.Equal([]byte(digest), []byte(hex.EncodeToString(mac.Sum(nil)))), nil
}

// authXOAUTH2 checks the bearer token against the user's password. A bad
// token gets the JSON error challenge before the final 535.
func (s *session) authXOAUTH2(ir []byte, hasIR bool) (bool, error) {
	if !hasIR {
		var err error
		if ir, err = s.challenge(nil); err != nil {
			return false, err
		}
	}
	var user, token string
	for _, kv := range strings.Split(string(ir), "\x01") {
		if v, ok := strings.CutPrefix(kv, "user="); ok {
			user = v
		} else if v, ok := strings.CutPrefix(kv, "auth=Bearer "); ok {
			token = v
		}
	}
	if s.server.checkUser(user, token) {
		return true, nil
	}
	_, err := s.challenge([]byte(`{"status":"401","schemes":"bearer","scope":"https://mail.google.com/"}`))
	if err != nil && !errors.Is(err, errAuthCanceled) {
		return false, err
	}
	return false, nil
}

func (s *session) resetTransaction() {
	s.from = ""
	s.to = nil
	if s.state > stateGreeted {
		s.state = stateGreeted
	}
}
