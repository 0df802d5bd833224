// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/intent"
	"github.com/luxfi/intent/api"
	"github.com/luxfi/intent/crypto/fhe"
	"github.com/luxfi/intent/envelope"
	"github.com/luxfi/intent/keycache"
)

func TestFetchPublicKeyBacksKeyCache(t *testing.T) {
	require := require.New(t)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)

	var fetches atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(api.PublicKeyPath, r.URL.Path)
		fetches.Add(1)

		der, err := x509.MarshalPKIXPublicKey(&rsaKey.PublicKey)
		require.NoError(err)
		resp := api.PublicKeyResponse{
			Success:   true,
			PublicKey: base64.StdEncoding.EncodeToString(der),
			Format:    envelope.KeyWrapRSAOAEP,
		}
		require.NoError(json.NewEncoder(w).Encode(resp))
	}))
	defer ts.Close()

	c := New(log.NoLog{}, ts.URL)
	cache := keycache.New(c.FetchPublicKey, time.Minute)

	first, err := cache.Get(context.Background())
	require.NoError(err)
	second, err := cache.Get(context.Background())
	require.NoError(err)
	require.Equal(first, second)
	require.Equal(int64(1), fetches.Load())
}

func TestBuildHandles(t *testing.T) {
	require := require.New(t)

	cop := fhe.NewCoprocessor()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(api.PrivacyHandlesPath, r.URL.Path)

		var req api.PrivacyHandlesRequest
		require.NoError(json.NewDecoder(r.Body).Decode(&req))

		handles := make(map[string]fhe.Handle, len(req.Values))
		for name, value := range req.Values {
			h, err := cop.Encrypt(r.Context(), value)
			require.NoError(err)
			handles[name] = h
		}
		require.NoError(json.NewEncoder(w).Encode(api.PrivacyHandlesResponse{
			Success: true,
			Handles: handles,
		}))
	}))
	defer ts.Close()

	c := New(log.NoLog{}, ts.URL)

	// the client satisfies the builder's provider contract end to end
	sk, err := bls.NewSecretKey()
	require.NoError(err)
	user := bls.PublicKeyToCompressedBytes(bls.PublicFromSecretKey(sk))

	now := time.Now()
	it, err := intent.NewBuilder(c).Build(context.Background(), &intent.Draft{
		Action:    intent.ActionExecuteSwap,
		User:      user,
		Nonce:     1,
		IssuedAt:  uint64(now.Unix()),
		ExpiresAt: uint64(now.Add(time.Minute).Unix()),
		Values:    map[string]uint64{"amount": 77},
	})
	require.NoError(err)

	handle, ok := it.Handle("amount")
	require.True(ok)
	value, err := cop.Reveal(handle)
	require.NoError(err)
	require.Equal(uint64(77), value.Uint64())
}

func TestSubmitSettlementSurfacesReason(t *testing.T) {
	require := require.New(t)

	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		require.NoError(json.NewEncoder(w).Encode(api.ErrorResponse{Error: "NonceReused"}))
	}))
	defer ts.Close()

	c := New(log.NoLog{}, ts.URL, WithRetryTimeout(2*time.Second))

	si := testSignedIntent(t)
	_, err := c.SubmitSettlement(context.Background(), si, 1)
	require.ErrorIs(err, intent.ErrNonceReused)

	// rejections are deterministic and must not be retried
	require.Equal(int64(1), calls.Load())
}

func TestTransportErrorsRetry(t *testing.T) {
	require := require.New(t)

	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			// drop the connection to simulate a transport failure
			hj, ok := w.(http.Hijacker)
			require.True(ok)
			conn, _, err := hj.Hijack()
			require.NoError(err)
			require.NoError(conn.Close())
			return
		}
		require.NoError(json.NewEncoder(w).Encode(api.SettlementResponse{
			Success: true,
			Status:  "finalized",
		}))
	}))
	defer ts.Close()

	c := New(log.NoLog{}, ts.URL, WithRetryTimeout(10*time.Second))

	resp, err := c.SubmitSettlement(context.Background(), testSignedIntent(t), 1)
	require.NoError(err)
	require.True(resp.Success)
	require.Equal(int64(3), calls.Load())
}

func testSignedIntent(t *testing.T) *intent.SignedIntent {
	t.Helper()

	sk, err := bls.NewSecretKey()
	require.NoError(t, err)

	cop := fhe.NewCoprocessor()
	amount, err := cop.Encrypt(context.Background(), 1)
	require.NoError(t, err)

	now := time.Now()
	it := &intent.Intent{
		Action:    intent.ActionExecuteSwap,
		User:      bls.PublicKeyToCompressedBytes(bls.PublicFromSecretKey(sk)),
		Nonce:     1,
		IssuedAt:  uint64(now.Unix()),
		ExpiresAt: uint64(now.Add(time.Minute).Unix()),
		SensitiveFields: []intent.HandleField{
			{Name: "amount", Handle: amount},
		},
	}
	si, err := intent.NewSigner(sk).Sign(it)
	require.NoError(t, err)
	return si
}
