// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api exposes the coordinator HTTP surface.
package api

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/intent"
	"github.com/luxfi/intent/coordinator"
	"github.com/luxfi/intent/crypto/fhe"
	"github.com/luxfi/intent/envelope"
	"github.com/luxfi/intent/metrics"
	"github.com/luxfi/intent/validator"
	"github.com/luxfi/intent/vault"
)

const (
	PublicKeyPath      = "/v1/public-key"
	PrivacyHandlesPath = "/v1/privacy-handles"
	ApprovalPath       = "/v1/approval"
	SettlementPath     = "/v1/settlement"
	StatusPath         = "/v1/status"
	DepositPath        = "/v1/deposit"
	WithdrawPath       = "/v1/withdraw"

	defaultSubmitTimeout = 30 * time.Second
)

type PublicKeyResponse struct {
	Success bool `json:"success"`
	// base64-encoded PKIX DER
	PublicKey string `json:"publicKey"`
	Format    string `json:"format"`
}

type PrivacyHandlesRequest struct {
	Values map[string]uint64 `json:"values"`
}

type PrivacyHandlesResponse struct {
	Success bool                  `json:"success"`
	Handles map[string]fhe.Handle `json:"handles"`
}

type SettlementRequest struct {
	SignedIntent    json.RawMessage `json:"signedIntent"`
	ExecutionBudget uint64          `json:"executionBudget"`
}

type SettlementResponse struct {
	Success   bool   `json:"success"`
	IntentID  string `json:"intentId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	EngineRef string `json:"engineRef,omitempty"`
	Mock      bool   `json:"mock,omitempty"`
}

type FundingRequest struct {
	// hex-encoded BLS public key
	User   string `json:"user"`
	Amount uint64 `json:"amount"`
}

type FundingResponse struct {
	Success bool `json:"success"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Server wires the coordinator pipeline behind HTTP handlers. The RSA
// private key stays inside the server; clients only ever see the public
// half via PublicKeyPath.
type Server struct {
	log         log.Logger
	metrics     *metrics.SettlementMetrics
	sk          *rsa.PrivateKey
	opener      *envelope.Opener
	provider    intent.Provider
	vault       *vault.Vault
	validator   *validator.Validator
	coordinator *coordinator.Coordinator

	now func() time.Time
}

func NewServer(
	logger log.Logger,
	m *metrics.SettlementMetrics,
	sk *rsa.PrivateKey,
	provider intent.Provider,
	vlt *vault.Vault,
	v *validator.Validator,
	c *coordinator.Coordinator,
) *Server {
	return &Server{
		log:         logger,
		metrics:     m,
		sk:          sk,
		opener:      envelope.NewOpener(sk),
		provider:    provider,
		vault:       vlt,
		validator:   v,
		coordinator: c,
		now:         time.Now,
	}
}

// RegisterRoutes installs all handlers on the mux
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+PublicKeyPath, s.handlePublicKey)
	mux.HandleFunc("POST "+PrivacyHandlesPath, s.handlePrivacyHandles)
	mux.HandleFunc("POST "+ApprovalPath, s.handleApproval)
	mux.HandleFunc("POST "+SettlementPath, s.handleSettlement)
	mux.HandleFunc("GET "+StatusPath, s.handleStatus)
	mux.HandleFunc("POST "+DepositPath, s.handleDeposit)
	mux.HandleFunc("POST "+WithdrawPath, s.handleWithdraw)
}

func (s *Server) writeJSONError(w http.ResponseWriter, httpStatusCode int, errorMsg string) {
	resp, err := json.Marshal(ErrorResponse{Error: errorMsg})
	if err != nil {
		msg := "Error marshalling JSON error response"
		s.log.Error(msg, log.Err(err))
		resp = []byte(msg)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusCode)

	if _, err := w.Write(resp); err != nil {
		s.log.Error("Error writing error response", log.Err(err))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, body any) {
	resp, err := json.Marshal(body)
	if err != nil {
		msg := "Failed to marshal response"
		s.log.Error(msg, log.Err(err))
		s.writeJSONError(w, http.StatusInternalServerError, msg)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		s.log.Error("Error writing response", log.Err(err))
	}
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	der, err := x509.MarshalPKIXPublicKey(&s.sk.PublicKey)
	if err != nil {
		msg := "Failed to encode public key"
		s.log.Error(msg, log.Err(err))
		s.writeJSONError(w, http.StatusInternalServerError, msg)
		return
	}
	s.writeJSON(w, PublicKeyResponse{
		Success:   true,
		PublicKey: base64.StdEncoding.EncodeToString(der),
		Format:    envelope.KeyWrapRSAOAEP,
	})
}

func (s *Server) handlePrivacyHandles(w http.ResponseWriter, r *http.Request) {
	var req PrivacyHandlesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := "Could not decode request body"
		s.log.Warn(msg, log.Err(err))
		s.writeJSONError(w, http.StatusBadRequest, msg)
		return
	}
	if len(req.Values) == 0 {
		s.writeJSONError(w, http.StatusBadRequest, "Must provide at least one value")
		return
	}

	handles, err := s.provider.BuildHandles(r.Context(), req.Values)
	if err != nil {
		s.log.Warn("Failed to build privacy handles", log.Err(err))
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to build privacy handles")
		return
	}
	s.writeJSON(w, PrivacyHandlesResponse{
		Success: true,
		Handles: handles,
	})
}

// handleApproval accepts a hybrid-encrypted settlement request, opens it
// with the coordinator's private key, and settles the enclosed intent.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		msg := "Could not decode envelope"
		s.log.Warn(msg, log.Err(err))
		s.writeJSONError(w, http.StatusBadRequest, msg)
		return
	}

	plaintext, err := s.opener.Open(&env)
	if err != nil {
		msg := "Could not open envelope"
		s.log.Warn(msg, log.Err(err))
		s.writeJSONError(w, http.StatusBadRequest, msg)
		return
	}

	var req SettlementRequest
	if err := json.Unmarshal(plaintext, &req); err != nil {
		msg := "Could not decode settlement request"
		s.log.Warn(msg, log.Err(err))
		s.writeJSONError(w, http.StatusBadRequest, msg)
		return
	}
	s.settle(w, r, &req)
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := "Could not decode request body"
		s.log.Warn(msg, log.Err(err))
		s.writeJSONError(w, http.StatusBadRequest, msg)
		return
	}
	s.settle(w, r, &req)
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, req *SettlementRequest) {
	s.metrics.IntentRequestCount.Inc()
	startTime := s.now()
	defer func() {
		s.metrics.IntentLatencyMS.Set(float64(s.now().Sub(startTime).Milliseconds()))
	}()

	var si intent.SignedIntent
	if err := json.Unmarshal(req.SignedIntent, &si); err != nil {
		msg := "Could not decode signed intent"
		s.log.Warn(msg, log.Err(err))
		s.writeJSONError(w, http.StatusBadRequest, msg)
		return
	}
	if req.ExecutionBudget == 0 {
		s.writeJSONError(w, http.StatusBadRequest, "Execution budget must be positive")
		return
	}

	if _, err := s.validator.Validate(&si); err != nil {
		reason := intent.Reason(err)
		s.metrics.IntentRequestErrors.WithLabelValues(reason).Inc()
		s.writeJSONError(w, statusForReason(err), reason)
		return
	}

	// bound the submission by both the client connection and a hard cap
	ctx, cancel := context.WithTimeout(r.Context(), defaultSubmitTimeout)
	defer cancel()

	rec, err := s.coordinator.Submit(ctx, &si, req.ExecutionBudget)
	if err != nil {
		reason := intent.Reason(err)
		s.metrics.IntentRequestErrors.WithLabelValues(reason).Inc()
		s.metrics.SettlementsFailed.Inc()
		if rec != nil {
			// the intent was consumed; report the recorded outcome
			s.writeJSON(w, recordResponse(rec))
			return
		}
		s.writeJSONError(w, statusForReason(err), reason)
		return
	}

	s.metrics.SettlementsFinalized.Inc()
	s.writeJSON(w, recordResponse(rec))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleFunding(w, r, s.vault.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleFunding(w, r, s.vault.Withdraw)
}

// handleFunding applies a deposit or withdrawal instruction. These are
// operator-facing; the encrypted balance itself never leaves the vault.
func (s *Server) handleFunding(w http.ResponseWriter, r *http.Request, apply func(context.Context, []byte, uint64) error) {
	var req FundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := "Could not decode request body"
		s.log.Warn(msg, log.Err(err))
		s.writeJSONError(w, http.StatusBadRequest, msg)
		return
	}
	user, err := hex.DecodeString(req.User)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Could not decode user key")
		return
	}

	if err := apply(r.Context(), user, req.Amount); err != nil {
		s.log.Warn("Funding instruction failed", log.Err(err))
		s.writeJSONError(w, fundingStatus(err), err.Error())
		return
	}
	s.writeJSON(w, FundingResponse{Success: true})
}

func fundingStatus(err error) int {
	switch {
	case errors.Is(err, vault.ErrZeroAmount),
		errors.Is(err, intent.ErrInvalidIntent):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrNoDeposit):
		return http.StatusNotFound
	case errors.Is(err, intent.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("intent")
	if idStr == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Must provide intent query parameter")
		return
	}
	intentID, err := ids.FromString(idStr)
	if err != nil {
		msg := "Could not parse intent ID"
		s.log.Warn(msg, log.Err(err))
		s.writeJSONError(w, http.StatusBadRequest, msg)
		return
	}

	rec, err := s.coordinator.Status(intentID)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "No settlement record for intent")
			return
		}
		s.log.Error("Failed to read settlement record", log.Err(err))
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to read settlement record")
		return
	}
	s.writeJSON(w, recordResponse(rec))
}

func recordResponse(rec *coordinator.Record) SettlementResponse {
	return SettlementResponse{
		Success:   rec.Status == coordinator.StatusFinalized,
		IntentID:  rec.IntentID.String(),
		Status:    rec.Status.String(),
		Reason:    rec.Reason,
		EngineRef: rec.EngineRef,
		Mock:      rec.Mock,
	}
}

func statusForReason(err error) int {
	switch {
	case errors.Is(err, intent.ErrInvalidSignature),
		errors.Is(err, intent.ErrExpired),
		errors.Is(err, intent.ErrNonceReused),
		errors.Is(err, intent.ErrInvalidIntent),
		errors.Is(err, intent.ErrPrivacyPayload):
		return http.StatusBadRequest
	case errors.Is(err, intent.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, intent.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
