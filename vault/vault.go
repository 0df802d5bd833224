// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vault maintains the settlement chain state: the executor record,
// the plaintext liquidity vault, and per-user encrypted deposit balances.
// Every instruction applies inside a single transaction so nonce advancement
// and balance effects commit or fail together.
package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/log"

	"github.com/luxfi/intent"
	"github.com/luxfi/intent/crypto/fhe"
)

const (
	keyExecutor      = "executor"
	keyVault         = "vault"
	keyDepositPrefix = "deposit/"

	// conflictRetries bounds re-execution on transaction conflicts. With
	// serialized nonces only one of two racing submissions can win, so a
	// small bound suffices.
	conflictRetries = 8
)

var (
	ErrAlreadyInitialized = errors.New("vault already initialized")
	ErrNotInitialized     = errors.New("vault not initialized")
	ErrNoDeposit          = errors.New("no deposit account for user")
	ErrZeroAmount         = errors.New("amount must be positive")
)

// ExecutorState is the singleton coordinator record
type ExecutorState struct {
	Authority        []byte `serialize:"true"`
	ExecutionAccount []byte `serialize:"true"`
}

// VaultAccount holds the plaintext liquidity balance backing settlements
type VaultAccount struct {
	Balance uint64 `serialize:"true"`
}

// UserDepositAccount holds a user's encrypted balance. Balance is a
// ciphertext handle; the plaintext amount never appears in stored state.
type UserDepositAccount struct {
	Owner     []byte     `serialize:"true"`
	Balance   fhe.Handle `serialize:"true"`
	LastNonce uint64     `serialize:"true"`
}

// Vault applies settlement instructions against durable state
type Vault struct {
	log    log.Logger
	db     *badger.DB
	scheme fhe.Scheme
}

// New creates a vault over an open database
func New(logger log.Logger, db *badger.DB, scheme fhe.Scheme) *Vault {
	return &Vault{
		log:    logger,
		db:     db,
		scheme: scheme,
	}
}

// runTxn executes fn in a read-write transaction, retrying on commit
// conflicts. Badger detects write-write races at commit, which gives
// exactly-one-wins semantics for concurrent submissions touching the same
// deposit account.
func (v *Vault) runTxn(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = v.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getRecord[T any](txn *badger.Txn, key string, out *T) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		_, err := intent.Codec.Unmarshal(val, out)
		return err
	})
}

func setRecord[T any](txn *badger.Txn, key string, rec *T) error {
	b, err := intent.Codec.Marshal(intent.CodecVersion, rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", key, err)
	}
	return txn.Set([]byte(key), b)
}

func depositKey(user []byte) string {
	return keyDepositPrefix + string(user)
}

// Initialize creates the executor and vault records. Re-initializing with
// the same authority and execution account is a no-op so a restarting
// coordinator can call it unconditionally; mismatched parameters fail with
// ErrAlreadyInitialized and leave existing state untouched.
func (v *Vault) Initialize(authority, executionAccount []byte) error {
	return v.runTxn(func(txn *badger.Txn) error {
		var existing ExecutorState
		switch err := getRecord(txn, keyExecutor, &existing); {
		case err == nil:
			if bytes.Equal(existing.Authority, authority) &&
				bytes.Equal(existing.ExecutionAccount, executionAccount) {
				return nil
			}
			return ErrAlreadyInitialized
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		exec := &ExecutorState{
			Authority:        authority,
			ExecutionAccount: executionAccount,
		}
		if err := setRecord(txn, keyExecutor, exec); err != nil {
			return err
		}
		if err := setRecord(txn, keyVault, &VaultAccount{}); err != nil {
			return err
		}

		v.log.Info("vault initialized")
		return nil
	})
}

// Deposit moves amount into the user's encrypted balance and credits the
// plaintext vault. The deposit account is created on first use with the
// encrypted amount as its opening balance.
func (v *Vault) Deposit(ctx context.Context, user []byte, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	if len(user) != bls.PublicKeyLen {
		return fmt.Errorf("%w: user key is %d bytes", intent.ErrInvalidIntent, len(user))
	}

	encrypted, err := v.scheme.Encrypt(ctx, amount)
	if err != nil {
		return fmt.Errorf("failed to encrypt deposit amount: %w", err)
	}

	return v.runTxn(func(txn *badger.Txn) error {
		var vaultAcct VaultAccount
		if err := getRecord(txn, keyVault, &vaultAcct); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotInitialized
			}
			return err
		}

		var acct UserDepositAccount
		switch err := getRecord(txn, depositKey(user), &acct); {
		case errors.Is(err, badger.ErrKeyNotFound):
			acct = UserDepositAccount{
				Owner:   user,
				Balance: encrypted,
			}
		case err != nil:
			return err
		default:
			sum, err := v.scheme.Add(ctx, acct.Balance, encrypted)
			if err != nil {
				return fmt.Errorf("failed to add to encrypted balance: %w", err)
			}
			acct.Balance = sum
		}

		newBalance, err := intent.AddUint64(vaultAcct.Balance, amount)
		if err != nil {
			return err
		}
		vaultAcct.Balance = newBalance

		if err := setRecord(txn, depositKey(user), &acct); err != nil {
			return err
		}
		return setRecord(txn, keyVault, &vaultAcct)
	})
}

// Withdraw debits the user's encrypted balance and the plaintext vault.
// Insufficient balance fails the whole instruction; no state changes.
func (v *Vault) Withdraw(ctx context.Context, user []byte, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}

	encrypted, err := v.scheme.Encrypt(ctx, amount)
	if err != nil {
		return fmt.Errorf("failed to encrypt withdrawal amount: %w", err)
	}

	return v.runTxn(func(txn *badger.Txn) error {
		var acct UserDepositAccount
		if err := getRecord(txn, depositKey(user), &acct); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNoDeposit
			}
			return err
		}

		sufficient, err := v.scheme.Ge(ctx, acct.Balance, encrypted)
		if err != nil {
			return fmt.Errorf("failed to compare encrypted balance: %w", err)
		}
		if !sufficient {
			return fmt.Errorf("%w: withdrawal of %d", intent.ErrInsufficientBalance, amount)
		}

		remaining, err := v.scheme.Sub(ctx, acct.Balance, encrypted)
		if err != nil {
			return fmt.Errorf("failed to debit encrypted balance: %w", err)
		}
		acct.Balance = remaining

		var vaultAcct VaultAccount
		if err := getRecord(txn, keyVault, &vaultAcct); err != nil {
			return err
		}
		newBalance, err := intent.SubUint64(vaultAcct.Balance, amount)
		if err != nil {
			return err
		}
		vaultAcct.Balance = newBalance

		if err := setRecord(txn, depositKey(user), &acct); err != nil {
			return err
		}
		return setRecord(txn, keyVault, &vaultAcct)
	})
}

// ExecuteWithIntent reserves funds for a signed settlement intent. In one
// transaction it re-verifies the signature against the stored owner, checks
// the nonce advances, proves the encrypted balance covers the execution
// budget, debits it, advances the nonce, and credits the execution budget
// to the vault's reserved balance. The returned handle is the user's
// remaining encrypted balance.
func (v *Vault) ExecuteWithIntent(ctx context.Context, si *intent.SignedIntent, executionBudget uint64) (fhe.Handle, error) {
	if executionBudget == 0 {
		return fhe.Handle{}, ErrZeroAmount
	}
	if err := si.Verify(); err != nil {
		return fhe.Handle{}, err
	}

	encrypted, err := v.scheme.Encrypt(ctx, executionBudget)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("failed to encrypt execution budget: %w", err)
	}

	var remaining fhe.Handle
	err = v.runTxn(func(txn *badger.Txn) error {
		var acct UserDepositAccount
		if err := getRecord(txn, depositKey(si.Intent.User), &acct); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNoDeposit
			}
			return err
		}

		if !bytes.Equal(acct.Owner, si.Intent.User) {
			return fmt.Errorf("%w: intent user does not match deposit owner", intent.ErrInvalidSignature)
		}
		if si.Intent.Nonce <= acct.LastNonce {
			return fmt.Errorf("%w: nonce %d does not advance %d",
				intent.ErrNonceReused, si.Intent.Nonce, acct.LastNonce)
		}

		sufficient, err := v.scheme.Ge(ctx, acct.Balance, encrypted)
		if err != nil {
			return fmt.Errorf("failed to compare encrypted balance: %w", err)
		}
		if !sufficient {
			return fmt.Errorf("%w: execution budget %d", intent.ErrInsufficientBalance, executionBudget)
		}

		debited, err := v.scheme.Sub(ctx, acct.Balance, encrypted)
		if err != nil {
			return fmt.Errorf("failed to debit encrypted balance: %w", err)
		}
		acct.Balance = debited
		acct.LastNonce = si.Intent.Nonce
		remaining = debited

		var vaultAcct VaultAccount
		if err := getRecord(txn, keyVault, &vaultAcct); err != nil {
			return err
		}
		newBalance, err := intent.AddUint64(vaultAcct.Balance, executionBudget)
		if err != nil {
			return err
		}
		vaultAcct.Balance = newBalance

		if err := setRecord(txn, depositKey(si.Intent.User), &acct); err != nil {
			return err
		}
		return setRecord(txn, keyVault, &vaultAcct)
	})
	if err != nil {
		return fhe.Handle{}, err
	}

	v.log.Debug("reserved execution budget",
		log.Stringer("intentID", si.ID()),
		log.Uint64("nonce", si.Intent.Nonce),
	)
	return remaining, nil
}

// Refund returns a previously reserved execution budget to the user's
// encrypted balance after a failed settlement. The nonce is not rolled
// back; the intent stays consumed.
func (v *Vault) Refund(ctx context.Context, user []byte, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}

	encrypted, err := v.scheme.Encrypt(ctx, amount)
	if err != nil {
		return fmt.Errorf("failed to encrypt refund amount: %w", err)
	}

	return v.runTxn(func(txn *badger.Txn) error {
		var acct UserDepositAccount
		if err := getRecord(txn, depositKey(user), &acct); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNoDeposit
			}
			return err
		}

		restored, err := v.scheme.Add(ctx, acct.Balance, encrypted)
		if err != nil {
			return fmt.Errorf("failed to credit encrypted balance: %w", err)
		}
		acct.Balance = restored

		var vaultAcct VaultAccount
		if err := getRecord(txn, keyVault, &vaultAcct); err != nil {
			return err
		}
		newBalance, err := intent.SubUint64(vaultAcct.Balance, amount)
		if err != nil {
			return err
		}
		vaultAcct.Balance = newBalance

		if err := setRecord(txn, depositKey(user), &acct); err != nil {
			return err
		}
		return setRecord(txn, keyVault, &vaultAcct)
	})
}

// Balance returns the user's encrypted balance handle
func (v *Vault) Balance(user []byte) (fhe.Handle, error) {
	var acct UserDepositAccount
	err := v.db.View(func(txn *badger.Txn) error {
		return getRecord(txn, depositKey(user), &acct)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fhe.Handle{}, ErrNoDeposit
	}
	if err != nil {
		return fhe.Handle{}, err
	}
	return acct.Balance, nil
}

// VaultBalance returns the plaintext liquidity balance
func (v *Vault) VaultBalance() (uint64, error) {
	var acct VaultAccount
	err := v.db.View(func(txn *badger.Txn) error {
		return getRecord(txn, keyVault, &acct)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrNotInitialized
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// LastNonce implements validator.NonceSource. Users without a deposit
// account report nonce zero so any positive nonce is fresh.
func (v *Vault) LastNonce(user []byte) (uint64, error) {
	var acct UserDepositAccount
	err := v.db.View(func(txn *badger.Txn) error {
		return getRecord(txn, depositKey(user), &acct)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.LastNonce, nil
}
