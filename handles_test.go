// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luxfi/crypto/bls"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/intent/crypto/fhe"
)

type failingProvider struct {
	err error
	// drop names from the returned handle set
	drop string
}

func (p *failingProvider) BuildHandles(ctx context.Context, values map[string]uint64) (map[string]fhe.Handle, error) {
	if p.err != nil {
		return nil, p.err
	}
	cop := fhe.NewCoprocessor()
	handles := make(map[string]fhe.Handle, len(values))
	for name, value := range values {
		if name == p.drop {
			continue
		}
		h, err := cop.Encrypt(ctx, value)
		if err != nil {
			return nil, err
		}
		handles[name] = h
	}
	return handles, nil
}

func testDraft(t *testing.T) *Draft {
	t.Helper()
	sk, err := bls.NewSecretKey()
	require.NoError(t, err)

	now := uint64(time.Now().Unix())
	return &Draft{
		Action:    ActionExecuteSwap,
		User:      bls.PublicKeyToCompressedBytes(bls.PublicFromSecretKey(sk)),
		Nonce:     1,
		IssuedAt:  now,
		ExpiresAt: now + 300,
		Values: map[string]uint64{
			"amount":    1_000_000,
			"threshold": 900_000,
		},
	}
}

func TestBuilderBuild(t *testing.T) {
	builder := NewBuilder(&SchemeProvider{Scheme: fhe.NewCoprocessor()})

	it, err := builder.Build(context.Background(), testDraft(t))
	require.NoError(t, err)
	require.NoError(t, it.Verify())

	// Both fields present, in canonical order, as opaque handles.
	require.Len(t, it.SensitiveFields, 2)
	require.Equal(t, "amount", it.SensitiveFields[0].Name)
	require.Equal(t, "threshold", it.SensitiveFields[1].Name)
	for _, f := range it.SensitiveFields {
		require.NoError(t, f.Handle.Verify())
	}
}

func TestBuilderAllOrNothing(t *testing.T) {
	tests := []struct {
		name     string
		provider Provider
		draft    func(t *testing.T) *Draft
	}{
		{
			name:     "empty field set",
			provider: &SchemeProvider{Scheme: fhe.NewCoprocessor()},
			draft: func(t *testing.T) *Draft {
				d := testDraft(t)
				d.Values = nil
				return d
			},
		},
		{
			name:     "provider failure",
			provider: &failingProvider{err: errors.New("provider offline")},
			draft:    testDraft,
		},
		{
			name:     "partial handle set",
			provider: &failingProvider{drop: "threshold"},
			draft:    testDraft,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builder := NewBuilder(tt.provider)
			_, err := builder.Build(context.Background(), tt.draft(t))
			require.ErrorIs(t, err, ErrPrivacyPayload)
		})
	}
}
