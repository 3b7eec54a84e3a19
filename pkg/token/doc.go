// Package token signs small JSON payloads into compact, URL-safe tokens
// with an expiry.
//
// Format: base64url(envelope).base64url(signature), where the envelope is
// {"d": payload, "e": unix expiry} and the signature is HMAC-SHA256 of the
// envelope truncated to 16 bytes. Checkout tokens use it to carry the buyer
// through a payment provider without server-side state.
//
//	tok, err := token.Sign(Payload{UserID: id}, secret, time.Now().Add(2*time.Hour))
//	p, err := token.Verify[Payload](tok, secret, time.Now())
//
// Verify returns ErrInvalidToken for malformed input, ErrSignatureInvalid
// for a wrong signature and ErrExpired once the expiry passed.
package token
