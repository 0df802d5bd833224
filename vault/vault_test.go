// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vault

import (
	"context"
	"sync"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/intent"
	"github.com/luxfi/intent/crypto/fhe"
)

func newTestVault(t *testing.T) (*Vault, *fhe.Coprocessor) {
	t.Helper()

	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	cop := fhe.NewCoprocessor()
	return New(log.NoLog{}, db, cop), cop
}

func newTestUser(t *testing.T) (*bls.SecretKey, []byte) {
	t.Helper()
	sk, err := bls.NewSecretKey()
	require.NoError(t, err)
	return sk, bls.PublicKeyToCompressedBytes(bls.PublicFromSecretKey(sk))
}

func signedExecuteIntent(t *testing.T, sk *bls.SecretKey, user []byte, nonce uint64, cop *fhe.Coprocessor) *intent.SignedIntent {
	t.Helper()

	amount, err := cop.Encrypt(context.Background(), 1)
	require.NoError(t, err)

	now := time.Now()
	it := &intent.Intent{
		Action:    intent.ActionExecuteSwap,
		User:      user,
		Nonce:     nonce,
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

func TestInitializeOnce(t *testing.T) {
	require := require.New(t)
	v, _ := newTestVault(t)

	_, authority := newTestUser(t)
	_, execAccount := newTestUser(t)

	require.NoError(v.Initialize(authority, execAccount))

	// matching re-initialization succeeds so a restart can call it blindly
	require.NoError(v.Initialize(authority, execAccount))

	// a different authority cannot take over the executor record
	_, other := newTestUser(t)
	require.ErrorIs(v.Initialize(other, execAccount), ErrAlreadyInitialized)
	require.ErrorIs(v.Initialize(authority, other), ErrAlreadyInitialized)

	balance, err := v.VaultBalance()
	require.NoError(err)
	require.Zero(balance)
}

func TestDepositRequiresInitialize(t *testing.T) {
	require := require.New(t)
	v, _ := newTestVault(t)

	_, user := newTestUser(t)
	require.ErrorIs(v.Deposit(context.Background(), user, 100), ErrNotInitialized)
}

func TestBalanceConservation(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	v, cop := newTestVault(t)

	_, authority := newTestUser(t)
	_, execAccount := newTestUser(t)
	require.NoError(v.Initialize(authority, execAccount))

	_, user := newTestUser(t)

	// 1.0 + 0.5 - 0.3 in base units of 1e9
	require.NoError(v.Deposit(ctx, user, 1_000_000_000))
	require.NoError(v.Deposit(ctx, user, 500_000_000))
	require.NoError(v.Withdraw(ctx, user, 300_000_000))

	handle, err := v.Balance(user)
	require.NoError(err)
	value, err := cop.Reveal(handle)
	require.NoError(err)
	require.Equal(uint64(1_200_000_000), value.Uint64())

	vaultBalance, err := v.VaultBalance()
	require.NoError(err)
	require.Equal(uint64(1_200_000_000), vaultBalance)
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	v, cop := newTestVault(t)

	_, authority := newTestUser(t)
	_, execAccount := newTestUser(t)
	require.NoError(v.Initialize(authority, execAccount))

	_, user := newTestUser(t)
	require.NoError(v.Deposit(ctx, user, 1_000_000_000))

	err := v.Withdraw(ctx, user, 2_000_000_000)
	require.ErrorIs(err, intent.ErrInsufficientBalance)

	// the failed withdrawal must not change any state
	handle, err := v.Balance(user)
	require.NoError(err)
	value, err := cop.Reveal(handle)
	require.NoError(err)
	require.Equal(uint64(1_000_000_000), value.Uint64())

	vaultBalance, err := v.VaultBalance()
	require.NoError(err)
	require.Equal(uint64(1_000_000_000), vaultBalance)
}

func TestWithdrawWithoutDeposit(t *testing.T) {
	require := require.New(t)
	v, _ := newTestVault(t)

	_, authority := newTestUser(t)
	_, execAccount := newTestUser(t)
	require.NoError(v.Initialize(authority, execAccount))

	_, user := newTestUser(t)
	require.ErrorIs(v.Withdraw(context.Background(), user, 1), ErrNoDeposit)
}

func TestExecuteWithIntent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	v, cop := newTestVault(t)

	_, authority := newTestUser(t)
	_, execAccount := newTestUser(t)
	require.NoError(v.Initialize(authority, execAccount))

	sk, user := newTestUser(t)
	require.NoError(v.Deposit(ctx, user, 1_000_000_000))

	si := signedExecuteIntent(t, sk, user, 1, cop)
	remaining, err := v.ExecuteWithIntent(ctx, si, 400_000_000)
	require.NoError(err)

	value, err := cop.Reveal(remaining)
	require.NoError(err)
	require.Equal(uint64(600_000_000), value.Uint64())

	last, err := v.LastNonce(user)
	require.NoError(err)
	require.Equal(uint64(1), last)
}

func TestExecuteWithIntentNonceReplay(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	v, cop := newTestVault(t)

	_, authority := newTestUser(t)
	_, execAccount := newTestUser(t)
	require.NoError(v.Initialize(authority, execAccount))

	sk, user := newTestUser(t)
	require.NoError(v.Deposit(ctx, user, 1_000_000_000))

	si := signedExecuteIntent(t, sk, user, 1, cop)
	_, err := v.ExecuteWithIntent(ctx, si, 100_000_000)
	require.NoError(err)

	// replaying the same nonce fails and leaves the balance alone
	si2 := signedExecuteIntent(t, sk, user, 1, cop)
	_, err = v.ExecuteWithIntent(ctx, si2, 100_000_000)
	require.ErrorIs(err, intent.ErrNonceReused)

	handle, err := v.Balance(user)
	require.NoError(err)
	value, err := cop.Reveal(handle)
	require.NoError(err)
	require.Equal(uint64(900_000_000), value.Uint64())
}

func TestExecuteWithIntentInsufficientBudget(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	v, cop := newTestVault(t)

	_, authority := newTestUser(t)
	_, execAccount := newTestUser(t)
	require.NoError(v.Initialize(authority, execAccount))

	sk, user := newTestUser(t)
	require.NoError(v.Deposit(ctx, user, 100))

	si := signedExecuteIntent(t, sk, user, 1, cop)
	_, err := v.ExecuteWithIntent(ctx, si, 200)
	require.ErrorIs(err, intent.ErrInsufficientBalance)

	// the nonce is only consumed together with a balance effect
	last, err := v.LastNonce(user)
	require.NoError(err)
	require.Zero(last)
}

func TestExecuteWithIntentConcurrentSameNonce(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	v, cop := newTestVault(t)

	_, authority := newTestUser(t)
	_, execAccount := newTestUser(t)
	require.NoError(v.Initialize(authority, execAccount))

	sk, user := newTestUser(t)
	require.NoError(v.Deposit(ctx, user, 1_000_000_000))

	const racers = 4
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < racers; i++ {
		si := signedExecuteIntent(t, sk, user, 1, cop)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.ExecuteWithIntent(ctx, si, 100_000_000); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// exactly one submission wins the nonce
	require.Equal(1, succeeded)

	handle, err := v.Balance(user)
	require.NoError(err)
	value, err := cop.Reveal(handle)
	require.NoError(err)
	require.Equal(uint64(900_000_000), value.Uint64())
}

func TestRefund(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	v, cop := newTestVault(t)

	_, authority := newTestUser(t)
	_, execAccount := newTestUser(t)
	require.NoError(v.Initialize(authority, execAccount))

	sk, user := newTestUser(t)
	require.NoError(v.Deposit(ctx, user, 1_000_000_000))

	si := signedExecuteIntent(t, sk, user, 1, cop)
	_, err := v.ExecuteWithIntent(ctx, si, 400_000_000)
	require.NoError(err)

	require.NoError(v.Refund(ctx, user, 400_000_000))

	handle, err := v.Balance(user)
	require.NoError(err)
	value, err := cop.Reveal(handle)
	require.NoError(err)
	require.Equal(uint64(1_000_000_000), value.Uint64())

	// the consumed nonce stays consumed
	last, err := v.LastNonce(user)
	require.NoError(err)
	require.Equal(uint64(1), last)
}
