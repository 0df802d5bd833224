// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fhe

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

var _ Scheme = (*Coprocessor)(nil)

// Coprocessor is an in-process reference implementation of Scheme. Handle
// references are random and map to values held only by the coprocessor, so
// callers observe the same contract as a remote encrypted-compute service:
// handles are opaque, arithmetic returns fresh handles, and comparison yields
// a single boolean.
//
// It backs tests and development mode; deployments bind Scheme to a real
// encrypted-compute provider instead.
type Coprocessor struct {
	mu     sync.RWMutex
	values map[[RefLen]byte]*uint256.Int
}

// NewCoprocessor creates an empty coprocessor
func NewCoprocessor() *Coprocessor {
	return &Coprocessor{
		values: make(map[[RefLen]byte]*uint256.Int),
	}
}

func (c *Coprocessor) store(v *uint256.Int) (Handle, error) {
	var ref [RefLen]byte
	if _, err := rand.Read(ref[:]); err != nil {
		return Handle{}, fmt.Errorf("failed to generate handle reference: %w", err)
	}

	c.mu.Lock()
	c.values[ref] = v
	c.mu.Unlock()

	return Handle{
		Format:     FormatEuint128,
		Ciphertext: ref[:],
	}, nil
}

func (c *Coprocessor) lookup(h Handle) (*uint256.Int, error) {
	if err := h.Verify(); err != nil {
		return nil, err
	}

	var ref [RefLen]byte
	copy(ref[:], h.Ciphertext)

	c.mu.RLock()
	v, ok := c.values[ref]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown reference", ErrInvalidHandle)
	}
	return v, nil
}

// Encrypt lifts a public plaintext constant into a handle
func (c *Coprocessor) Encrypt(_ context.Context, value uint64) (Handle, error) {
	return c.store(uint256.NewInt(value))
}

// Ingest accepts a client ciphertext: a little-endian 128-bit value produced
// by the client-side encryption provider
func (c *Coprocessor) Ingest(_ context.Context, ciphertext []byte) (Handle, error) {
	if len(ciphertext) != RefLen {
		return Handle{}, fmt.Errorf("%w: ciphertext must be %d bytes, got %d", ErrInvalidHandle, RefLen, len(ciphertext))
	}

	be := make([]byte, RefLen)
	for i := 0; i < RefLen; i++ {
		be[i] = ciphertext[RefLen-1-i]
	}
	return c.store(new(uint256.Int).SetBytes(be))
}

// Add performs homomorphic addition
func (c *Coprocessor) Add(_ context.Context, a, b Handle) (Handle, error) {
	av, err := c.lookup(a)
	if err != nil {
		return Handle{}, err
	}
	bv, err := c.lookup(b)
	if err != nil {
		return Handle{}, err
	}
	return c.store(new(uint256.Int).Add(av, bv))
}

// Sub performs homomorphic subtraction; the caller must establish a >= b
// via Ge first
func (c *Coprocessor) Sub(_ context.Context, a, b Handle) (Handle, error) {
	av, err := c.lookup(a)
	if err != nil {
		return Handle{}, err
	}
	bv, err := c.lookup(b)
	if err != nil {
		return Handle{}, err
	}
	if av.Lt(bv) {
		return Handle{}, ErrUnderflow
	}
	return c.store(new(uint256.Int).Sub(av, bv))
}

// Ge evaluates a >= b
func (c *Coprocessor) Ge(_ context.Context, a, b Handle) (bool, error) {
	av, err := c.lookup(a)
	if err != nil {
		return false, err
	}
	bv, err := c.lookup(b)
	if err != nil {
		return false, err
	}
	return !av.Lt(bv), nil
}

// Reveal decrypts the value referenced by a handle. It exists for test
// harnesses asserting balance arithmetic and has no counterpart on the
// vault's code path.
func (c *Coprocessor) Reveal(h Handle) (*uint256.Int, error) {
	v, err := c.lookup(h)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(v), nil
}
