// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/intent"
)

var _ SwapEngine = (*MockSwapEngine)(nil)

// MockSwapEngine simulates swap execution for development mode. Every
// result it produces carries Mock=true so records written against it are
// never mistaken for live settlements.
type MockSwapEngine struct {
	lock sync.Mutex

	// FailuresBeforeSuccess makes the first n calls fail with a transient
	// error. Zero means every call succeeds.
	FailuresBeforeSuccess int

	// PermanentFailure makes every call fail without retry.
	PermanentFailure bool

	calls int
}

// Swap implements SwapEngine
func (m *MockSwapEngine) Swap(_ context.Context, si *intent.SignedIntent, _ uint64) (SwapResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.calls++

	if m.PermanentFailure {
		return SwapResult{}, fmt.Errorf("%w: mock engine configured to fail", ErrPermanent)
	}
	if m.calls <= m.FailuresBeforeSuccess {
		return SwapResult{}, fmt.Errorf("%w: mock transient failure %d", intent.ErrChain, m.calls)
	}

	return SwapResult{
		Ref:  fmt.Sprintf("mock-%s", si.ID()),
		Mock: true,
	}, nil
}

// Calls returns how many times Swap was invoked
func (m *MockSwapEngine) Calls() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.calls
}
