package proxy

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexisbouchez/mailer"
)

// ActionSend is the only request action.
const ActionSend = "send"

// Request is the JSON body of a bus request.
type Request struct {
	Action  string          `json:"action"`
	Message *mailer.Message `json:"message"`
}

// Reply is the JSON body of a bus reply. Exactly one of the result fields
// and Error is set.
type Reply struct {
	MessageID  string      `json:"messageID,omitempty"`
	Recipients []string    `json:"recipients,omitempty"`
	Error      *ErrorReply `json:"error,omitempty"`
}

// ErrorReply describes a failed send.
type ErrorReply struct {
	Kind           string   `json:"kind"`
	Op             string   `json:"op,omitempty"`
	Message        string   `json:"message"`
	Recipients     []string `json:"recipients,omitempty"`
	OutcomeUnknown bool     `json:"outcomeUnknown,omitempty"`
	// Code and EnhancedCode carry the server reply that ended the send.
	Code         int    `json:"code,omitempty"`
	EnhancedCode string `json:"enhancedCode,omitempty"`
}

// EncodeRequest builds a send request for msg.
func EncodeRequest(msg *mailer.Message) ([]byte, error) {
	return json.Marshal(Request{Action: ActionSend, Message: msg})
}

// DecodeRequest parses a request body.
func DecodeRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("proxy: decode request: %w", err)
	}
	return &req, nil
}

// EncodeResult builds a success reply.
func EncodeResult(res *mailer.Result) ([]byte, error) {
	return json.Marshal(Reply{MessageID: res.MessageID, Recipients: res.Recipients})
}

// EncodeError builds a failure reply that keeps the kind, step, rejected
// recipients and server reply of err.
func EncodeError(err error) ([]byte, error) {
	return json.Marshal(Reply{Error: NewErrorReply(err)})
}

// NewErrorReply describes err for the wire.
func NewErrorReply(err error) *ErrorReply {
	r := &ErrorReply{Kind: mailer.KindUnknown.String(), Message: err.Error()}

	var me *mailer.Error
	if errors.As(err, &me) {
		r.Kind = me.Kind.String()
		r.Op = me.Op
		r.Recipients = me.Recipients
		r.OutcomeUnknown = me.OutcomeUnknown
		if me.Err != nil {
			r.Message = me.Err.Error()
		}
	}
	var se *mailer.SMTPError
	if errors.As(err, &se) {
		r.Code = int(se.Code)
		r.Message = se.Message
		if !se.EnhancedCode.IsZero() {
			r.EnhancedCode = se.EnhancedCode.String()
		}
	}
	return r
}

// Err rebuilds the *mailer.Error described by r.
func (r *ErrorReply) Err() *mailer.Error {
	var cause error = errors.New(r.Message)
	if r.Code != 0 {
		se := &mailer.SMTPError{Code: mailer.ReplyCode(r.Code), Message: r.Message}
		if r.EnhancedCode != "" {
			se.EnhancedCode, _ = mailer.ParseEnhancedCode(r.EnhancedCode)
		}
		cause = se
	}
	return &mailer.Error{
		Kind:           mailer.ParseKind(r.Kind),
		Op:             r.Op,
		Recipients:     r.Recipients,
		OutcomeUnknown: r.OutcomeUnknown,
		Err:            cause,
	}
}

// DecodeReply parses a reply body into a Result or the error it carries.
func DecodeReply(body []byte) (*mailer.Result, error) {
	var reply Reply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, mailer.NewError(mailer.KindProtocol, "proxy reply", err)
	}
	if reply.Error != nil {
		return nil, reply.Error.Err()
	}
	return &mailer.Result{MessageID: reply.MessageID, Recipients: reply.Recipients}, nil
}
