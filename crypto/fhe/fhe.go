// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fhe defines the homomorphic encryption capability consumed by the
// confidential vault. Balances and amounts are referenced through opaque
// handles; arithmetic and comparison operate on handles without decryption,
// and the comparison result is the only plaintext-derived output.
package fhe

import (
	"context"
	"errors"
)

const (
	// FormatEuint128 tags handles referencing an encrypted 128-bit unsigned integer
	FormatEuint128 = "euint128"

	// RefLen is the length of a handle reference
	RefLen = 16
)

var (
	// ErrInvalidHandle is returned when a handle is malformed or unknown
	ErrInvalidHandle = errors.New("invalid ciphertext handle")

	// ErrIncompatibleHandles is returned when handles can't be combined
	ErrIncompatibleHandles = errors.New("incompatible ciphertext handles")

	// ErrUnderflow is returned when a subtraction is attempted without a
	// prior sufficiency check
	ErrUnderflow = errors.New("encrypted subtraction underflow")
)

// Handle is an opaque reference to a value encrypted under the homomorphic
// scheme. It carries a format tag and the reference bytes; it never reveals
// the magnitude of the referenced value.
type Handle struct {
	Format     string `json:"format"     serialize:"true"`
	Ciphertext []byte `json:"ciphertext" serialize:"true"`
}

// Verify verifies the handle format
func (h Handle) Verify() error {
	if h.Format != FormatEuint128 {
		return ErrInvalidHandle
	}
	if len(h.Ciphertext) != RefLen {
		return ErrInvalidHandle
	}
	return nil
}

// Zero returns true if the handle is unset
func (h Handle) Zero() bool {
	return h.Format == "" && len(h.Ciphertext) == 0
}

// Scheme is the encrypted-arithmetic capability interface.
type Scheme interface {
	// Encrypt converts a public plaintext constant into a handle. The value
	// is not secret; it is lifted into the encrypted domain for uniform
	// arithmetic.
	Encrypt(ctx context.Context, value uint64) (Handle, error)

	// Ingest converts a client-produced ciphertext into a handle.
	Ingest(ctx context.Context, ciphertext []byte) (Handle, error)

	// Add performs homomorphic addition and returns a fresh handle.
	Add(ctx context.Context, a, b Handle) (Handle, error)

	// Sub performs homomorphic subtraction and returns a fresh handle.
	// Callers must establish a >= b via Ge first.
	Sub(ctx context.Context, a, b Handle) (Handle, error)

	// Ge evaluates a >= b. The boolean result is the only information
	// derived from the encrypted operands.
	Ge(ctx context.Context, a, b Handle) (bool, error)
}
