// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package keycache holds the coordinator's public encryption key with a TTL.
package keycache

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/luxfi/intent"
)

// MinKeyBits is the smallest acceptable coordinator key size
const MinKeyBits = 2048

const sfKey = "coordinator-public-key"

// FetchFunc retrieves the coordinator's current public key
type FetchFunc func(ctx context.Context) (*rsa.PublicKey, error)

type entry struct {
	key       *rsa.PublicKey
	fetchedAt time.Time
}

// Cache with TTL tracking and single-flight fetch. The entry is replaced on
// refresh, never mutated, so concurrent readers are safe.
type Cache struct {
	fetch   FetchFunc
	ttl     time.Duration
	lock    sync.RWMutex
	entry   *entry
	sfGroup singleflight.Group

	now func() time.Time
}

// New creates a key cache backed by fetchFunc
func New(fetch FetchFunc, ttl time.Duration) *Cache {
	return &Cache{
		fetch: fetch,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get returns the cached key if it is fresh, otherwise fetches a new one.
// Concurrent fetches are deduplicated; every waiter observes the same result.
func (c *Cache) Get(ctx context.Context) (*rsa.PublicKey, error) {
	c.lock.RLock()
	e := c.entry
	c.lock.RUnlock()
	if e != nil && c.now().Sub(e.fetchedAt) < c.ttl {
		return e.key, nil
	}

	v, err, _ := c.sfGroup.Do(sfKey, func() (interface{}, error) {
		key, fetchErr := c.fetch(ctx)
		if fetchErr != nil {
			return nil, fmt.Errorf("%w: %v", intent.ErrKeyFetch, fetchErr)
		}
		if key == nil || key.N == nil {
			return nil, fmt.Errorf("%w: remote key missing", intent.ErrKeyFetch)
		}
		if key.N.BitLen() < MinKeyBits {
			return nil, fmt.Errorf("%w: remote key too small (%d bits)", intent.ErrKeyFetch, key.N.BitLen())
		}

		c.lock.Lock()
		c.entry = &entry{
			key:       key,
			fetchedAt: c.now(),
		}
		c.lock.Unlock()

		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*rsa.PublicKey), nil
}

// Invalidate clears the cached entry so the next Get refetches. The entry is
// deleted rather than overwritten to prevent readers from observing a stale
// key while the fetch is in flight.
func (c *Cache) Invalidate() {
	c.lock.Lock()
	c.entry = nil
	c.lock.Unlock()
}
