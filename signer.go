// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package intent

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/luxfi/crypto/bls"
)

var (
	_ Signer = (*signer)(nil)

	ErrWrongUser = errors.New("intent user does not match signing key")
)

// Signer produces signed intents
type Signer interface {
	Sign(it *Intent) (*SignedIntent, error)
}

// NewSigner creates an intent signer for the given user key
func NewSigner(sk *bls.SecretKey) Signer {
	return &signer{
		sk:   sk,
		user: bls.PublicKeyToCompressedBytes(bls.PublicFromSecretKey(sk)),
	}
}

type signer struct {
	sk   *bls.SecretKey
	user []byte
}

func (s *signer) Sign(it *Intent) (*SignedIntent, error) {
	if !bytes.Equal(it.User, s.user) {
		return nil, ErrWrongUser
	}
	if err := it.Verify(); err != nil {
		return nil, err
	}

	sig, err := s.sk.Sign(it.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign intent: %w", err)
	}

	var sigBytes [bls.SignatureLen]byte
	copy(sigBytes[:], bls.SignatureToBytes(sig))
	return NewSignedIntent(it, sigBytes)
}
