// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keycache

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/intent"
)

func testKey(t *testing.T) *rsa.PublicKey {
	t.Helper()
	sk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &sk.PublicKey
}

func TestCacheGet(t *testing.T) {
	key := testKey(t)

	tests := []struct {
		name          string
		advance       time.Duration
		invalidate    bool
		expectedCount int32
	}{
		{
			name:          "fresh cache, fetch",
			expectedCount: 1,
		},
		{
			name:          "within ttl, no fetch",
			expectedCount: 1,
		},
		{
			name:          "ttl expired, fetch",
			advance:       2 * time.Second,
			expectedCount: 2,
		},
		{
			name:          "invalidated, fetch",
			invalidate:    true,
			expectedCount: 3,
		},
	}

	var fetchCount int32
	cache := New(func(context.Context) (*rsa.PublicKey, error) {
		atomic.AddInt32(&fetchCount, 1)
		return key, nil
	}, time.Second)

	now := time.Now()
	cache.now = func() time.Time { return now }

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			now = now.Add(tt.advance)
			if tt.invalidate {
				cache.Invalidate()
			}

			got, err := cache.Get(context.Background())
			require.NoError(err)
			require.Same(key, got)
			require.Equal(tt.expectedCount, atomic.LoadInt32(&fetchCount))
		})
	}
}

func TestCacheSingleFlight(t *testing.T) {
	require := require.New(t)
	key := testKey(t)

	var fetchCount int32
	release := make(chan struct{})
	cache := New(func(context.Context) (*rsa.PublicKey, error) {
		atomic.AddInt32(&fetchCount, 1)
		<-release
		return key, nil
	}, time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := cache.Get(context.Background())
			require.NoError(err)
			require.Same(key, got)
		}()
	}

	// Let the goroutines pile up on the miss before releasing the fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(int32(1), atomic.LoadInt32(&fetchCount))
}

func TestCacheFetchError(t *testing.T) {
	require := require.New(t)

	fetchErr := errors.New("connection refused")
	cache := New(func(context.Context) (*rsa.PublicKey, error) {
		return nil, fetchErr
	}, time.Minute)

	_, err := cache.Get(context.Background())
	require.ErrorIs(err, intent.ErrKeyFetch)

	// A failed fetch leaves no entry behind.
	cache.fetch = func(context.Context) (*rsa.PublicKey, error) {
		return testKey(t), nil
	}
	_, err = cache.Get(context.Background())
	require.NoError(err)
}

func TestCacheRejectsWeakKey(t *testing.T) {
	require := require.New(t)

	sk, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(err)

	cache := New(func(context.Context) (*rsa.PublicKey, error) {
		return &sk.PublicKey, nil
	}, time.Minute)

	_, err = cache.Get(context.Background())
	require.ErrorIs(err, intent.ErrKeyFetch)
}
