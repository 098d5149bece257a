package mailer

// ReplyCode is a three-digit SMTP reply code (RFC 5321 §4.2).
type ReplyCode int

// Reply code classes (RFC 5321 §4.2.1).
const (
	ClassPositiveCompletion   = 2
	ClassPositiveIntermediate = 3
	ClassTransientNegative    = 4
	ClassPermanentNegative    = 5
)

// Reply codes the client reacts to, and the ones the test server emits.
const (
	ReplyServiceReady   ReplyCode = 220
	ReplyServiceClosing ReplyCode = 221
	ReplyAuthOK         ReplyCode = 235
	ReplyOK             ReplyCode = 250
	ReplyUserNotLocal   ReplyCode = 251

	ReplyAuthContinue   ReplyCode = 334
	ReplyStartMailInput ReplyCode = 354

	ReplyServiceNotAvailable ReplyCode = 421
	ReplyMailboxBusy         ReplyCode = 450
	ReplyLocalError          ReplyCode = 451
	ReplyInsufficientStorage ReplyCode = 452
	ReplyTempAuthFailure     ReplyCode = 454

	ReplySyntaxError        ReplyCode = 500
	ReplySyntaxParamError   ReplyCode = 501
	ReplyCommandNotImpl     ReplyCode = 502
	ReplyBadSequence        ReplyCode = 503
	ReplyParamNotImpl       ReplyCode = 504
	ReplyAuthRequired       ReplyCode = 530
	ReplyAuthFailed         ReplyCode = 535
	ReplyMailboxNotFound    ReplyCode = 550
	ReplyExceededStorage    ReplyCode = 552
	ReplyMailboxNameError   ReplyCode = 553
	ReplyTransactionFailed  ReplyCode = 554
	ReplyMailRcptParamError ReplyCode = 555
)

// Class returns the reply class (first digit): 2, 3, 4, or 5.
func (c ReplyCode) Class() int {
	return int(c) / 100
}

// IsSuccess reports whether the code is a positive completion (2xx).
func (c ReplyCode) IsSuccess() bool {
	return c.Class() == ClassPositiveCompletion
}

// IsPositive returns true for 2xx and 3xx reply codes.
func (c ReplyCode) IsPositive() bool {
	cl := c.Class()
	return cl == ClassPositiveCompletion || cl == ClassPositiveIntermediate
}

// IsTransient returns true for 4xx reply codes.
func (c ReplyCode) IsTransient() bool {
	return c.Class() == ClassTransientNegative
}

// IsPermanent returns true for 5xx reply codes.
func (c ReplyCode) IsPermanent() bool {
	return c.Class() == ClassPermanentNegative
}
