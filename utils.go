// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package intent

import (
	"crypto/sha256"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/luxfi/log"
)

// Constants
const (
	// KiB is 1024 bytes
	KiB = 1024
)

// AddUint64 adds two uint64 values and returns an error if overflow
func AddUint64(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, errors.New("addition would overflow")
	}
	return a + b, nil
}

// SubUint64 subtracts b from a and returns an error if underflow
func SubUint64(a, b uint64) (uint64, error) {
	if b > a {
		return 0, errors.New("subtraction would underflow")
	}
	return a - b, nil
}

// WithRetriesTimeout uses an exponential backoff to run the operation until
// it succeeds or the timeout limit has been reached.
func WithRetriesTimeout(
	logger log.Logger,
	operation backoff.Operation,
	timeout time.Duration,
) error {
	expBackOff := backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(timeout),
	)
	notify := func(err error, duration time.Duration) {
		logger.Warn("operation failed, retrying...")
	}
	return backoff.RetryNotify(operation, expBackOff, notify)
}

// ComputeHash256 computes SHA256 hash
func ComputeHash256(data []byte) []byte {
	hash := sha256.Sum256(data)
	return hash[:]
}

// ComputeHash256Array computes SHA256 hash as a fixed-size array
func ComputeHash256Array(data []byte) [32]byte {
	return sha256.Sum256(data)
}
