// Package auth picks and runs the SASL exchange for an SMTP session.
//
// A [Negotiator] applies the configured login policy to the mechanisms a
// server advertises and returns a single [sasl.Client] to run, or nil when
// the session should stay unauthenticated. Mechanisms are tried in a fixed
// preference order, strongest first; see [Preference].
//
// PLAIN and LOGIN come from go-sasl. CRAM-MD5, CRAM-SHA1, CRAM-SHA256,
// DIGEST-MD5 and XOAUTH2 are implemented here.
package auth
