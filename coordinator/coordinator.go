// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package coordinator drives accepted settlement intents through fund
// reservation, swap execution, and finalization or refund.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"

	"github.com/luxfi/intent"
	"github.com/luxfi/intent/crypto/fhe"
	"github.com/luxfi/intent/vault"
)

const settlePrefix = "settle/"

var (
	ErrInFlight  = errors.New("intent settlement already in flight")
	ErrNotFound  = errors.New("no settlement record for intent")
	ErrPermanent = errors.New("permanent swap failure")
)

// Status tracks a settlement through its lifecycle
type Status uint8

const (
	StatusReceived Status = iota
	StatusReserved
	StatusFinalized
	StatusFailed
)

// String implements fmt.Stringer
func (s Status) String() string {
	switch s {
	case StatusReceived:
		return "received"
	case StatusReserved:
		return "reserved"
	case StatusFinalized:
		return "finalized"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Record is the durable settlement state for one intent
type Record struct {
	IntentID        ids.ID     `serialize:"true"`
	User            []byte     `serialize:"true"`
	Action          uint8      `serialize:"true"`
	Nonce           uint64     `serialize:"true"`
	ExecutionBudget uint64     `serialize:"true"`
	Status          Status     `serialize:"true"`
	Reason          string     `serialize:"true"`
	Remaining       fhe.Handle `serialize:"true"`
	EngineRef       string     `serialize:"true"`
	Mock            bool       `serialize:"true"`
	UpdatedAt       uint64     `serialize:"true"`
}

// SwapResult reports a completed swap. Mock marks results produced by a
// stand-in engine so downstream consumers never mistake them for live fills.
type SwapResult struct {
	Ref  string
	Mock bool
}

// SwapEngine executes the public leg of a settlement. Implementations
// return an error wrapping ErrPermanent when retrying cannot help.
type SwapEngine interface {
	Swap(ctx context.Context, si *intent.SignedIntent, executionBudget uint64) (SwapResult, error)
}

// Config bounds settlement execution
type Config struct {
	// SwapTimeout caps the total time spent retrying a transient swap
	// failure before the reservation is refunded.
	SwapTimeout time.Duration
}

// Coordinator settles accepted intents exactly once per intent ID
type Coordinator struct {
	log    log.Logger
	cfg    Config
	db     *badger.DB
	vault  *vault.Vault
	engine SwapEngine

	lock     sync.Mutex
	inFlight set.Set[ids.ID]

	now func() time.Time
}

// New creates a coordinator
func New(logger log.Logger, cfg Config, db *badger.DB, v *vault.Vault, engine SwapEngine) *Coordinator {
	if cfg.SwapTimeout <= 0 {
		cfg.SwapTimeout = 10 * time.Second
	}
	return &Coordinator{
		log:      logger,
		cfg:      cfg,
		db:       db,
		vault:    v,
		engine:   engine,
		inFlight: set.NewSet[ids.ID](16),
		now:      time.Now,
	}
}

// Submit settles a validated intent. Resubmitting an intent ID whose
// settlement already reached a terminal state returns the recorded outcome
// without re-executing; a record left mid-settlement by an interrupted run
// is resumed from its recorded stage so reserved funds always reach a
// finalized or refunded outcome. A submission racing an in-flight
// settlement of the same intent fails with ErrInFlight.
func (c *Coordinator) Submit(ctx context.Context, si *intent.SignedIntent, executionBudget uint64) (*Record, error) {
	intentID := si.ID()

	c.lock.Lock()
	if c.inFlight.Contains(intentID) {
		c.lock.Unlock()
		return nil, ErrInFlight
	}
	rec, err := c.Status(intentID)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = nil
	case err != nil:
		c.lock.Unlock()
		return nil, err
	case rec.Status == StatusFinalized || rec.Status == StatusFailed:
		c.lock.Unlock()
		return rec, nil
	}
	c.inFlight.Add(intentID)
	c.lock.Unlock()

	defer func() {
		c.lock.Lock()
		c.inFlight.Remove(intentID)
		c.lock.Unlock()
	}()

	resumed := rec != nil
	if resumed {
		c.log.Info("resuming interrupted settlement",
			log.Stringer("intentID", intentID),
			log.Stringer("status", rec.Status),
		)
	} else {
		rec = &Record{
			IntentID:        intentID,
			User:            si.Intent.User,
			Action:          uint8(si.Intent.Action),
			Nonce:           si.Intent.Nonce,
			ExecutionBudget: executionBudget,
			Status:          StatusReceived,
		}
		if err := c.putRecord(rec); err != nil {
			return nil, err
		}
	}

	if rec.Status == StatusReceived {
		var remaining fhe.Handle
		reserved := false
		if resumed {
			// an interrupted run may have committed the reservation
			// without advancing the record; the consumed nonce says
			// which side of the vault commit it stopped on
			last, err := c.vault.LastNonce(si.Intent.User)
			if err != nil {
				return nil, err
			}
			if last >= si.Intent.Nonce {
				remaining, err = c.vault.Balance(si.Intent.User)
				if err != nil {
					return nil, err
				}
				reserved = true
			}
		}
		if !reserved {
			var err error
			remaining, err = c.vault.ExecuteWithIntent(ctx, si, rec.ExecutionBudget)
			if err != nil {
				return nil, c.reject(rec, err)
			}
		}
		rec.Status = StatusReserved
		rec.Remaining = remaining
		if err := c.putRecord(rec); err != nil {
			return nil, err
		}

		c.log.Debug("reserved settlement funds",
			log.Stringer("intentID", intentID),
			log.Stringer("status", rec.Status),
		)
	}

	result, err := c.swapWithRetries(ctx, si, rec.ExecutionBudget)
	if err != nil {
		if refundErr := c.vault.Refund(ctx, si.Intent.User, rec.ExecutionBudget); refundErr != nil {
			c.log.Error("failed to refund reserved funds",
				log.Stringer("intentID", intentID),
				log.Err(refundErr),
			)
			return nil, refundErr
		}
		return c.fail(rec, err)
	}

	rec.Status = StatusFinalized
	rec.EngineRef = result.Ref
	rec.Mock = result.Mock
	if err := c.putRecord(rec); err != nil {
		return nil, err
	}

	c.log.Info("settlement finalized",
		log.Stringer("intentID", intentID),
		log.Stringer("action", si.Intent.Action),
	)
	return rec, nil
}

// Status returns the recorded settlement state for an intent
func (c *Coordinator) Status(intentID ids.ID) (*Record, error) {
	var rec Record
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(settleKey(intentID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			_, err := intent.Codec.Unmarshal(val, &rec)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Coordinator) swapWithRetries(ctx context.Context, si *intent.SignedIntent, executionBudget uint64) (SwapResult, error) {
	var result SwapResult
	operation := func() error {
		res, err := c.engine.Swap(ctx, si, executionBudget)
		if err != nil {
			if errors.Is(err, ErrPermanent) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	if err := intent.WithRetriesTimeout(c.log, operation, c.cfg.SwapTimeout); err != nil {
		return SwapResult{}, err
	}
	return result, nil
}

// reject drops the provisional record for a reservation-stage rejection.
// Nothing was debited and the nonce is still free, so the same intent can
// be resubmitted once the cause is corrected.
func (c *Coordinator) reject(rec *Record, cause error) error {
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(settleKey(rec.IntentID))
	}); err != nil {
		c.log.Error("failed to drop rejected settlement record",
			log.Stringer("intentID", rec.IntentID),
			log.Err(err),
		)
		return err
	}
	c.log.Debug("settlement rejected",
		log.Stringer("intentID", rec.IntentID),
		log.Err(cause),
	)
	return cause
}

func (c *Coordinator) fail(rec *Record, cause error) (*Record, error) {
	rec.Status = StatusFailed
	rec.Reason = intent.Reason(cause)
	if err := c.putRecord(rec); err != nil {
		return nil, err
	}
	c.log.Debug("settlement failed",
		log.Stringer("intentID", rec.IntentID),
		log.Err(cause),
	)
	return rec, cause
}

func (c *Coordinator) putRecord(rec *Record) error {
	rec.UpdatedAt = uint64(c.now().Unix())
	b, err := intent.Codec.Marshal(intent.CodecVersion, rec)
	if err != nil {
		return fmt.Errorf("failed to encode settlement record: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(settleKey(rec.IntentID), b)
	})
}

func settleKey(intentID ids.ID) []byte {
	return []byte(settlePrefix + intentID.String())
}
