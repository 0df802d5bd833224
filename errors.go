// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package intent

import "errors"

var (
	// ErrKeyFetch is returned when the coordinator public key is absent,
	// malformed, or unreachable. Recoverable by retry after backoff.
	ErrKeyFetch = errors.New("coordinator key fetch failed")

	// ErrEncryption is returned on a local cipher failure. Fatal to the
	// current submission, not to the process.
	ErrEncryption = errors.New("encryption failed")

	// ErrPrivacyPayload is returned when sensitive fields are missing or the
	// encryption provider failed; the submission is rejected before any
	// network call.
	ErrPrivacyPayload = errors.New("invalid privacy payload")

	// ErrInvalidSignature is returned when a detached signature does not
	// verify against the intent's canonical bytes and user key
	ErrInvalidSignature = errors.New("invalid intent signature")

	// ErrExpired is returned when an intent's expiry has passed
	ErrExpired = errors.New("intent expired")

	// ErrNonceReused is returned when an intent's nonce does not advance the
	// user's recorded nonce
	ErrNonceReused = errors.New("intent nonce reused")

	// ErrRateLimited is returned when a submitter exceeds the request budget
	ErrRateLimited = errors.New("request rate limit exceeded")

	// ErrInsufficientBalance is returned when the homomorphic sufficiency
	// check fails; the instruction aborts with no state change
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTransport is returned when a network call fails or times out after
	// bounded retries
	ErrTransport = errors.New("transport failure")

	// ErrChain is returned when the chain rejects a transaction; terminal
	// for that instruction
	ErrChain = errors.New("transaction rejected by chain")

	// ErrInvalidIntent is returned when an intent is structurally malformed
	ErrInvalidIntent = errors.New("invalid intent")
)

// Reason maps an error to the machine-readable rejection reason surfaced on
// the wire. Unknown errors map to "internal".
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSignature):
		return "InvalidSignature"
	case errors.Is(err, ErrExpired):
		return "Expired"
	case errors.Is(err, ErrNonceReused):
		return "NonceReused"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	case errors.Is(err, ErrInsufficientBalance):
		return "InsufficientBalance"
	case errors.Is(err, ErrPrivacyPayload):
		return "PrivacyPayload"
	case errors.Is(err, ErrKeyFetch):
		return "KeyFetch"
	case errors.Is(err, ErrEncryption):
		return "Encryption"
	case errors.Is(err, ErrTransport):
		return "Transport"
	case errors.Is(err, ErrChain):
		return "Chain"
	case errors.Is(err, ErrInvalidIntent):
		return "InvalidIntent"
	default:
		return "internal"
	}
}
