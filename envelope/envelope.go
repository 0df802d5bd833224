// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package envelope implements hybrid transport encryption for intents: the
// intent bytes are sealed with a fresh AES-256-GCM key, and the key is
// wrapped with the coordinator's RSA public key. Only the plaintext is
// confidential; ciphertext, wrapped-key, and IV lengths travel in full.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/luxfi/intent"
	"github.com/luxfi/intent/keycache"
)

const (
	// AlgorithmAESGCM identifies the symmetric algorithm
	AlgorithmAESGCM = "A256GCM"

	// KeyWrapRSAOAEP identifies the key wrap algorithm
	KeyWrapRSAOAEP = "RSA-OAEP-256"

	// EncryptionTypeHybrid identifies the envelope construction
	EncryptionTypeHybrid = "hybrid"

	// KeySize is the AES-256 key size
	KeySize = 32

	// NonceSize is the 96-bit GCM nonce size
	NonceSize = 12
)

// Envelope is the transport form of an encrypted intent. Produced once per
// submission and never persisted beyond the transaction's lifetime.
type Envelope struct {
	Ciphertext         []byte `json:"ciphertext"`
	EncryptedKey       []byte `json:"encryptedKey"`
	EncryptedKeyFormat string `json:"encryptedKeyFormat"`
	IV                 []byte `json:"iv"`
	Algorithm          string `json:"algorithm"`
	EncryptionType     string `json:"encryptionType"`
	Timestamp          int64  `json:"timestamp"`
}

// Encryptor seals intent bytes for the coordinator
type Encryptor struct {
	keys *keycache.Cache
}

// NewEncryptor creates an encryptor using the given key cache
func NewEncryptor(keys *keycache.Cache) *Encryptor {
	return &Encryptor{keys: keys}
}

// Encrypt seals plaintext into an envelope. A fresh symmetric key and nonce
// are generated per call and never reused.
func (e *Encryptor) Encrypt(ctx context.Context, plaintext []byte) (*Envelope, error) {
	wrapKey, err := e.keys.Get(ctx)
	if err != nil {
		return nil, err
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: failed to generate symmetric key: %v", intent.ErrEncryption, err)
	}
	iv := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %v", intent.ErrEncryption, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", intent.ErrEncryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", intent.ErrEncryption, err)
	}

	ciphertext := gcm.Seal(nil, iv, plaintext, nil)

	encryptedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, wrapKey, key, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: key wrap: %v", intent.ErrEncryption, err)
	}

	return &Envelope{
		Ciphertext:         ciphertext,
		EncryptedKey:       encryptedKey,
		EncryptedKeyFormat: KeyWrapRSAOAEP,
		IV:                 iv,
		Algorithm:          AlgorithmAESGCM,
		EncryptionType:     EncryptionTypeHybrid,
		Timestamp:          time.Now().Unix(),
	}, nil
}

// Opener decrypts envelopes. It requires the coordinator's RSA private key,
// which the client never holds, so only the coordinator itself and test
// harnesses can construct one.
type Opener struct {
	sk *rsa.PrivateKey
}

// NewOpener creates an opener from the coordinator's private key
func NewOpener(sk *rsa.PrivateKey) *Opener {
	return &Opener{sk: sk}
}

// Open decrypts an envelope, refusing any envelope it cannot fully decrypt
// or whose declared algorithms do not match this construction.
func (o *Opener) Open(env *Envelope) ([]byte, error) {
	if env.Algorithm != AlgorithmAESGCM ||
		env.EncryptedKeyFormat != KeyWrapRSAOAEP ||
		env.EncryptionType != EncryptionTypeHybrid {
		return nil, fmt.Errorf("%w: unsupported envelope format", intent.ErrEncryption)
	}
	if len(env.IV) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", intent.ErrEncryption, len(env.IV))
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, o.sk, env.EncryptedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: key unwrap: %v", intent.ErrEncryption, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: unwrapped key has bad length %d", intent.ErrEncryption, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", intent.ErrEncryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", intent.ErrEncryption, err)
	}

	plaintext, err := gcm.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption and authentication failed: %v", intent.ErrEncryption, err)
	}
	return plaintext, nil
}
