// Package mailer is a pooled SMTP client for sending mail from application
// code.
//
// This package holds the shared data model: [Config] and its [PoolKey],
// [Message], [Attachment], [Header] and [Result], plus the protocol types
// used on the wire (reply codes, enhanced status codes, [SMTPError],
// [Extensions]) and RFC 5321 address parsing.
//
// Sending is done by [github.com/alexisbouchez/mailer/mailclient], which
// composes messages with [github.com/alexisbouchez/mailer/encoder] and
// delivers them over sessions from [github.com/alexisbouchez/mailer/pool].
// [github.com/alexisbouchez/mailer/proxy] exposes the same [Sender] over a
// request/reply bus.
//
// # Errors
//
// Every failure returned by a send is an [*Error] with a [Kind]. Use
// errors.Is with the Err* sentinels, or [KindOf]:
//
//	res, err := client.SendMail(ctx, msg)
//	switch {
//	case errors.Is(err, mailer.ErrRecipient):
//		// inspect err.(*mailer.Error).Recipients
//	case errors.Is(err, mailer.ErrPoolTimeout):
//		// back off
//	}
//
// Server replies are carried as [*SMTPError] inside the error chain.
package mailer
