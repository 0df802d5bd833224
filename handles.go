// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package intent

import (
	"context"
	"fmt"
	"sort"

	"github.com/luxfi/intent/crypto/fhe"
)

// Provider converts plaintext sensitive values into ciphertext handles.
// Implementations call an external encryption provider; the coordinator
// client and a direct scheme binding both satisfy it.
type Provider interface {
	BuildHandles(ctx context.Context, values map[string]uint64) (map[string]fhe.Handle, error)
}

// Draft is an intent before its sensitive values have been converted to
// handles. It is the only place plaintext sensitive values exist and it is
// never serialized.
type Draft struct {
	Action     Action
	User       []byte
	Nonce      uint64
	IssuedAt   uint64
	ExpiresAt  uint64
	Values     map[string]uint64
	PublicMeta PublicMeta
}

// Builder turns drafts into intents whose sensitive fields are opaque
// ciphertext handles
type Builder struct {
	provider Provider
}

// NewBuilder creates a handle builder backed by the given provider
func NewBuilder(provider Provider) *Builder {
	return &Builder{provider: provider}
}

// Build converts a draft into an intent. All-or-nothing: a missing field set
// or any provider failure rejects the whole draft, and the resulting intent
// carries no plaintext sensitive values.
func (b *Builder) Build(ctx context.Context, d *Draft) (*Intent, error) {
	if len(d.Values) == 0 {
		return nil, fmt.Errorf("%w: no sensitive fields", ErrPrivacyPayload)
	}

	handles, err := b.provider.BuildHandles(ctx, d.Values)
	if err != nil {
		return nil, fmt.Errorf("%w: provider: %v", ErrPrivacyPayload, err)
	}

	names := make([]string, 0, len(d.Values))
	for name := range d.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]HandleField, 0, len(names))
	for _, name := range names {
		h, ok := handles[name]
		if !ok {
			return nil, fmt.Errorf("%w: provider returned no handle for %q", ErrPrivacyPayload, name)
		}
		if err := h.Verify(); err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrPrivacyPayload, name, err)
		}
		fields = append(fields, HandleField{Name: name, Handle: h})
	}

	it := &Intent{
		Action:          d.Action,
		User:            d.User,
		Nonce:           d.Nonce,
		IssuedAt:        d.IssuedAt,
		ExpiresAt:       d.ExpiresAt,
		SensitiveFields: fields,
		PublicMeta:      d.PublicMeta,
	}
	if err := it.Verify(); err != nil {
		return nil, err
	}
	return it, nil
}

var _ Provider = (*SchemeProvider)(nil)

// SchemeProvider binds the handle builder directly to an encryption scheme.
// Used in tests and development mode where the coprocessor runs in-process.
type SchemeProvider struct {
	Scheme fhe.Scheme
}

// BuildHandles lifts each value into the encrypted domain
func (p *SchemeProvider) BuildHandles(ctx context.Context, values map[string]uint64) (map[string]fhe.Handle, error) {
	handles := make(map[string]fhe.Handle, len(values))
	for name, value := range values {
		h, err := p.Scheme.Encrypt(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt field %q: %w", name, err)
		}
		handles[name] = h
	}
	return handles, nil
}
