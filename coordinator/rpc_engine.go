// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package coordinator

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/luxfi/intent"
)

var _ SwapEngine = (*RPCSwapEngine)(nil)

// RPCSwapEngine submits the public leg of a settlement to the execution
// chain over JSON-RPC. Transport failures are returned as-is so the
// coordinator retries them; an error reported by the chain is permanent.
type RPCSwapEngine struct {
	url  string
	http *http.Client
}

// NewRPCSwapEngine creates an engine against the chain RPC endpoint
func NewRPCSwapEngine(url string) *RPCSwapEngine {
	return &RPCSwapEngine{
		url:  url,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Swap implements SwapEngine
func (e *RPCSwapEngine) Swap(ctx context.Context, si *intent.SignedIntent, executionBudget uint64) (SwapResult, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "executor_executeWithIntent",
		Params:  []any{hex.EncodeToString(si.Bytes()), executionBudget},
	})
	if err != nil {
		return SwapResult{}, fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return SwapResult{}, fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return SwapResult{}, fmt.Errorf("%w: %w", intent.ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return SwapResult{}, fmt.Errorf("%w: %w", intent.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return SwapResult{}, fmt.Errorf("%w: rpc returned status %d", intent.ErrTransport, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return SwapResult{}, fmt.Errorf("%w: %w", intent.ErrTransport, err)
	}
	if rpcResp.Error != nil {
		return SwapResult{}, fmt.Errorf("%w: %w: chain rejected swap (%d): %s",
			ErrPermanent, intent.ErrChain, rpcResp.Error.Code, rpcResp.Error.Message)
	}

	return SwapResult{Ref: rpcResp.Result}, nil
}
