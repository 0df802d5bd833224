// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package intent

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"

	"github.com/luxfi/intent/crypto/fhe"
)

const (
	CodecVersion  = 0
	MaxIntentSize = 64 * KiB
)

// Action is the operation a user authorizes with an intent
type Action uint8

const (
	ActionDeposit Action = iota + 1
	ActionWithdraw
	ActionExecuteSwap
)

// String implements fmt.Stringer
func (a Action) String() string {
	switch a {
	case ActionDeposit:
		return "Deposit"
	case ActionWithdraw:
		return "Withdraw"
	case ActionExecuteSwap:
		return "ExecuteSwap"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

func actionFromString(s string) (Action, error) {
	switch s {
	case "Deposit":
		return ActionDeposit, nil
	case "Withdraw":
		return ActionWithdraw, nil
	case "ExecuteSwap":
		return ActionExecuteSwap, nil
	default:
		return 0, fmt.Errorf("%w: unknown action %q", ErrInvalidIntent, s)
	}
}

// HandleField binds a sensitive field name to its ciphertext handle.
// Fields are kept sorted by name so the canonical encoding is stable.
type HandleField struct {
	Name   string     `serialize:"true"`
	Handle fhe.Handle `serialize:"true"`
}

// PublicMeta carries the plain fields needed for routing
type PublicMeta struct {
	ChainID          uint64 `serialize:"true" json:"chainId"`
	ProgramID        ids.ID `serialize:"true" json:"programId"`
	ExecutionAccount ids.ID `serialize:"true" json:"executionAccount"`
}

// Intent is a user-authorized description of a desired operation. Sensitive
// parameters are referenced only through ciphertext handles; the plaintext
// values never appear on this type. Immutable once signed; identified by the
// hash of its canonical bytes.
type Intent struct {
	Action          Action        `serialize:"true"`
	User            []byte        `serialize:"true"`
	Nonce           uint64        `serialize:"true"`
	IssuedAt        uint64        `serialize:"true"`
	ExpiresAt       uint64        `serialize:"true"`
	SensitiveFields []HandleField `serialize:"true"`
	PublicMeta      PublicMeta    `serialize:"true"`
}

// Verify verifies the intent structure
func (it *Intent) Verify() error {
	if it.Action < ActionDeposit || it.Action > ActionExecuteSwap {
		return fmt.Errorf("%w: bad action %d", ErrInvalidIntent, it.Action)
	}
	if len(it.User) != bls.PublicKeyLen {
		return fmt.Errorf("%w: user key must be %d bytes, got %d", ErrInvalidIntent, bls.PublicKeyLen, len(it.User))
	}
	if it.ExpiresAt <= it.IssuedAt {
		return fmt.Errorf("%w: expiry %d not after issuance %d", ErrInvalidIntent, it.ExpiresAt, it.IssuedAt)
	}
	for i, f := range it.SensitiveFields {
		if f.Name == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalidIntent)
		}
		if err := f.Handle.Verify(); err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidIntent, f.Name, err)
		}
		if i > 0 && it.SensitiveFields[i-1].Name >= f.Name {
			return fmt.Errorf("%w: sensitive fields not in canonical order", ErrInvalidIntent)
		}
	}
	b, err := Codec.Marshal(CodecVersion, it)
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}
	if len(b) > MaxIntentSize {
		return fmt.Errorf("%w: intent size %d exceeds maximum %d", ErrInvalidIntent, len(b), MaxIntentSize)
	}
	return nil
}

// Bytes returns the canonical byte representation of the intent
func (it *Intent) Bytes() []byte {
	b, _ := Codec.Marshal(CodecVersion, it)
	return b
}

// ID returns the hash of the canonical intent bytes
func (it *Intent) ID() ids.ID {
	return ids.ID(ComputeHash256Array(it.Bytes()))
}

// Handle returns the ciphertext handle for a sensitive field
func (it *Intent) Handle(name string) (fhe.Handle, bool) {
	for _, f := range it.SensitiveFields {
		if f.Name == name {
			return f.Handle, true
		}
	}
	return fhe.Handle{}, false
}

// ParseIntent parses an intent from canonical bytes
func ParseIntent(b []byte) (*Intent, error) {
	it := &Intent{}
	if _, err := Codec.Unmarshal(b, it); err != nil {
		return nil, fmt.Errorf("failed to unmarshal intent: %w", err)
	}
	if err := it.Verify(); err != nil {
		return nil, err
	}
	return it, nil
}

// SignedIntent is an intent plus a detached signature over its canonical
// bytes. Any mutation of the intent invalidates the signature.
type SignedIntent struct {
	Intent    *Intent                `serialize:"true"`
	Signature [bls.SignatureLen]byte `serialize:"true"`
}

// NewSignedIntent creates a signed intent and verifies it
func NewSignedIntent(it *Intent, signature [bls.SignatureLen]byte) (*SignedIntent, error) {
	si := &SignedIntent{
		Intent:    it,
		Signature: signature,
	}
	if err := si.Verify(); err != nil {
		return nil, err
	}
	return si, nil
}

// Verify verifies the intent structure and the detached signature against
// the public key embedded in the intent's user field
func (si *SignedIntent) Verify() error {
	if si.Intent == nil {
		return fmt.Errorf("%w: intent is nil", ErrInvalidIntent)
	}
	if err := si.Intent.Verify(); err != nil {
		return err
	}

	pk, err := bls.PublicKeyFromCompressedBytes(si.Intent.User)
	if err != nil {
		return fmt.Errorf("%w: bad user key: %v", ErrInvalidSignature, err)
	}
	sig, err := bls.SignatureFromBytes(si.Signature[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !bls.Verify(pk, sig, si.Intent.Bytes()) {
		return ErrInvalidSignature
	}
	return nil
}

// Bytes returns the byte representation of the signed intent
func (si *SignedIntent) Bytes() []byte {
	b, _ := Codec.Marshal(CodecVersion, si)
	return b
}

// ID returns the ID of the signed intent (hash of the unsigned intent)
func (si *SignedIntent) ID() ids.ID {
	return si.Intent.ID()
}

// ParseSignedIntent parses a signed intent from bytes and verifies it
func ParseSignedIntent(b []byte) (*SignedIntent, error) {
	si := &SignedIntent{}
	if _, err := Codec.Unmarshal(b, si); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signed intent: %w", err)
	}
	if err := si.Verify(); err != nil {
		return nil, err
	}
	return si, nil
}

// Equal returns true if two signed intents are equal
func (si *SignedIntent) Equal(other *SignedIntent) bool {
	if si == nil || other == nil {
		return si == other
	}
	if si.Signature != other.Signature {
		return false
	}
	return bytes.Equal(si.Intent.Bytes(), other.Intent.Bytes())
}

// intentJSON is the wire form of an intent
type intentJSON struct {
	Action          string                `json:"action"`
	User            string                `json:"user"`
	Nonce           uint64                `json:"nonce"`
	IssuedAt        uint64                `json:"issuedAt"`
	ExpiresAt       uint64                `json:"expiresAt"`
	SensitiveFields map[string]fhe.Handle `json:"sensitiveFields"`
	PublicMeta      PublicMeta            `json:"publicMeta"`
}

// MarshalJSON implements json.Marshaler
func (it *Intent) MarshalJSON() ([]byte, error) {
	fields := make(map[string]fhe.Handle, len(it.SensitiveFields))
	for _, f := range it.SensitiveFields {
		fields[f.Name] = f.Handle
	}
	return json.Marshal(intentJSON{
		Action:          it.Action.String(),
		User:            hex.EncodeToString(it.User),
		Nonce:           it.Nonce,
		IssuedAt:        it.IssuedAt,
		ExpiresAt:       it.ExpiresAt,
		SensitiveFields: fields,
		PublicMeta:      it.PublicMeta,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (it *Intent) UnmarshalJSON(b []byte) error {
	var w intentJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	action, err := actionFromString(w.Action)
	if err != nil {
		return err
	}
	user, err := hex.DecodeString(w.User)
	if err != nil {
		return fmt.Errorf("%w: bad user encoding: %v", ErrInvalidIntent, err)
	}

	names := make([]string, 0, len(w.SensitiveFields))
	for name := range w.SensitiveFields {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := make([]HandleField, 0, len(names))
	for _, name := range names {
		fields = append(fields, HandleField{Name: name, Handle: w.SensitiveFields[name]})
	}

	it.Action = action
	it.User = user
	it.Nonce = w.Nonce
	it.IssuedAt = w.IssuedAt
	it.ExpiresAt = w.ExpiresAt
	it.SensitiveFields = fields
	it.PublicMeta = w.PublicMeta
	return nil
}

// signedIntentJSON is the wire form of a signed submission: the intent fields
// plus a detached signature over the canonical bytes, excluding the
// signature itself
type signedIntentJSON struct {
	Intent    *Intent `json:"intent"`
	Signature string  `json:"signature"`
}

// MarshalJSON implements json.Marshaler
func (si *SignedIntent) MarshalJSON() ([]byte, error) {
	return json.Marshal(signedIntentJSON{
		Intent:    si.Intent,
		Signature: hex.EncodeToString(si.Signature[:]),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (si *SignedIntent) UnmarshalJSON(b []byte) error {
	var w signedIntentJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	sig, err := hex.DecodeString(w.Signature)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding: %v", ErrInvalidSignature, err)
	}
	if len(sig) != bls.SignatureLen {
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidSignature, bls.SignatureLen, len(sig))
	}
	si.Intent = w.Intent
	copy(si.Signature[:], sig)
	return nil
}
