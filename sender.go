package mailer

import "context"

// Sender delivers messages. Both the direct client and the proxy client
// implement it.
type Sender interface {
	SendMail(ctx context.Context, msg *Message) (*Result, error)
	Close() error
}

// Lifecycle is implemented by components with an explicit start and stop.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Outcome is the single value delivered by an asynchronous send. Exactly
// one of Result and Err is set.
type Outcome struct {
	Result *Result
	Err    error
}
