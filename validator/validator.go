// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package validator implements the coordinator-side authorization pipeline
// for submitted intents, independent of transport.
package validator

import (
	"encoding/hex"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/luxfi/log"
	"golang.org/x/time/rate"

	"github.com/luxfi/intent"
)

// Stage identifies how far an intent progressed through the pipeline
type Stage uint8

const (
	StageReceived Stage = iota
	StageSignatureChecked
	StageExpiryChecked
	StageNonceChecked
	StageRateChecked
	StageAccepted
)

// String implements fmt.Stringer
func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageSignatureChecked:
		return "signature_checked"
	case StageExpiryChecked:
		return "expiry_checked"
	case StageNonceChecked:
		return "nonce_checked"
	case StageRateChecked:
		return "rate_checked"
	case StageAccepted:
		return "accepted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// NonceSource reports the last accepted nonce for a user. Nonce consumption
// is not performed here; it commits atomically with the balance effect in
// the vault.
type NonceSource interface {
	LastNonce(user []byte) (uint64, error)
}

// Config holds the validation bounds
type Config struct {
	// ClockSkew is the fixed tolerance applied to expiry checks. Expiry is
	// never silently extended beyond it.
	ClockSkew time.Duration

	// RateLimit is the per-user request budget within RateWindow
	RateLimit int

	// RateWindow is the sliding window for the request budget
	RateWindow time.Duration

	// LimiterCacheSize bounds the number of tracked submitters
	LimiterCacheSize int
}

// Validator verifies signature, expiry, nonce uniqueness, and request rate
// for submitted intents. The first failing stage short-circuits with a
// specific reason and no further side effects.
type Validator struct {
	log      log.Logger
	cfg      Config
	nonces   NonceSource
	limiters *lru.Cache[string, *rate.Limiter]

	now func() time.Time
}

// New creates a validator
func New(logger log.Logger, cfg Config, nonces NonceSource) (*Validator, error) {
	if cfg.RateLimit <= 0 || cfg.RateWindow <= 0 {
		return nil, fmt.Errorf("rate budget %d over window %s is not positive", cfg.RateLimit, cfg.RateWindow)
	}
	if cfg.LimiterCacheSize <= 0 {
		cfg.LimiterCacheSize = 1024
	}

	limiters, err := lru.New[string, *rate.Limiter](cfg.LimiterCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create limiter cache: %w", err)
	}

	return &Validator{
		log:      logger,
		cfg:      cfg,
		nonces:   nonces,
		limiters: limiters,
		now:      time.Now,
	}, nil
}

// Validate runs the pipeline. A nil return means Accepted; otherwise the
// returned stage names the first check that failed and the error carries the
// rejection reason.
func (v *Validator) Validate(si *intent.SignedIntent) (Stage, error) {
	if err := si.Verify(); err != nil {
		v.reject(si, StageReceived, err)
		return StageReceived, err
	}

	if err := v.checkExpiry(si.Intent); err != nil {
		v.reject(si, StageSignatureChecked, err)
		return StageSignatureChecked, err
	}

	if err := v.checkNonce(si.Intent); err != nil {
		v.reject(si, StageExpiryChecked, err)
		return StageExpiryChecked, err
	}

	if err := v.checkRate(si.Intent); err != nil {
		v.reject(si, StageNonceChecked, err)
		return StageNonceChecked, err
	}

	v.log.Debug("intent accepted",
		log.Stringer("intentID", si.ID()),
		log.Stringer("action", si.Intent.Action),
	)
	return StageAccepted, nil
}

func (v *Validator) checkExpiry(it *intent.Intent) error {
	expiry := time.Unix(int64(it.ExpiresAt), 0).Add(v.cfg.ClockSkew)
	if v.now().After(expiry) {
		return fmt.Errorf("%w: expired at %d", intent.ErrExpired, it.ExpiresAt)
	}
	return nil
}

func (v *Validator) checkNonce(it *intent.Intent) error {
	last, err := v.nonces.LastNonce(it.User)
	if err != nil {
		return fmt.Errorf("failed to read last nonce: %w", err)
	}
	if it.Nonce <= last {
		return fmt.Errorf("%w: nonce %d does not advance %d", intent.ErrNonceReused, it.Nonce, last)
	}
	return nil
}

func (v *Validator) checkRate(it *intent.Intent) error {
	user := hex.EncodeToString(it.User)

	limiter, ok := v.limiters.Get(user)
	if !ok {
		limiter = rate.NewLimiter(
			rate.Every(v.cfg.RateWindow/time.Duration(v.cfg.RateLimit)),
			v.cfg.RateLimit,
		)
		v.limiters.Add(user, limiter)
	}

	if !limiter.AllowN(v.now(), 1) {
		return fmt.Errorf("%w: budget %d per %s", intent.ErrRateLimited, v.cfg.RateLimit, v.cfg.RateWindow)
	}
	return nil
}

func (v *Validator) reject(si *intent.SignedIntent, reached Stage, err error) {
	v.log.Debug("intent rejected",
		log.Stringer("intentID", si.ID()),
		log.Stringer("stage", reached),
		log.Err(err),
	)
}
