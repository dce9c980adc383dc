// Package api is the HTTP surface the ledger and governance use to drive
// the bridge.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"TrusteeBridge/internal/bridge"
	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/coordinator"
	"TrusteeBridge/internal/headers"
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/trustee"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 20 // 1 MB

	// maxEventWait bounds the long poll of GET /events.
	maxEventWait = 5 * time.Second

	// snapshotHeightHeader carries the tip height of GET /snapshot.
	snapshotHeightHeader = "X-Snapshot-Height"
)

// Backend is the bridge as seen by the API.
type Backend interface {
	RequestWithdrawal(outputs []btc.Output, fee int64) (uuid.UUID, error)
	Withdrawal(id uuid.UUID) (*coordinator.Withdrawal, bool)
	CancelWithdrawal(id uuid.UUID) error
	SubmitHeader(raw []byte) (*headers.Record, error)
	SubmitDeposit(p headers.InclusionProof) (btc.Classification, error)
	NotifyTrusteeSet(next *trustee.Set) error
	Acknowledge(id, signature []byte) error
	Events() *bridge.EventLog
	Status() bridge.Status
	Snapshot() ([]byte, uint64)
	BindAddress(addr, account string) (int, error)
	UnclaimedDeposits() []bridge.Unclaimed
}

// Server is the HTTP API server.
type Server struct {
	addr    string       // addr is the HTTP listen address
	backend Backend      // backend executes the requests
	server  *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, backend Backend) *Server {
	return &Server{
		addr:    addr,
		backend: backend,
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /withdrawals", s.handleRequestWithdrawal)
	mux.HandleFunc("GET /withdrawals/{id}", s.handleGetWithdrawal)
	mux.HandleFunc("DELETE /withdrawals/{id}", s.handleCancelWithdrawal)
	mux.HandleFunc("POST /headers", s.handleHeaders)
	mux.HandleFunc("POST /deposits", s.handleDeposit)
	mux.HandleFunc("GET /deposits/unclaimed", s.handleUnclaimed)
	mux.HandleFunc("POST /bindings", s.handleBind)
	mux.HandleFunc("POST /trustees", s.handleTrusteeSet)
	mux.HandleFunc("POST /trustees/ack", s.handleAck)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: maxEventWait + 5*time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleRequestWithdrawal handles POST /withdrawals.
func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if !readJSON(w, r, &req) {
		return
	}

	outputs, err := validateWithdrawal(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.backend.RequestWithdrawal(outputs, req.Fee)
	switch {
	case errors.Is(err, coordinator.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, WithdrawalAccepted{ID: id.String()})
}

// handleGetWithdrawal handles GET /withdrawals/{id}.
func (s *Server) handleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	wd, found := s.backend.Withdrawal(id)
	if !found {
		writeError(w, http.StatusNotFound, "withdrawal not found")
		return
	}

	writeJSON(w, http.StatusOK, withdrawalView(wd))
}

// handleCancelWithdrawal handles DELETE /withdrawals/{id}.
func (s *Server) handleCancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	err := s.backend.CancelWithdrawal(id)
	switch {
	case errors.Is(err, coordinator.ErrUnknownRequest):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, coordinator.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	wd, _ := s.backend.Withdrawal(id)
	if wd == nil {
		writeJSON(w, http.StatusAccepted, WithdrawalAccepted{ID: id.String()})
		return
	}

	writeJSON(w, http.StatusAccepted, withdrawalView(wd))
}

// handleHeaders handles POST /headers.
func (s *Server) handleHeaders(w http.ResponseWriter, r *http.Request) {
	var req HeadersRequest
	if !readJSON(w, r, &req) {
		return
	}

	raws, err := decodeHeaders(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var res HeadersResult
	for i, raw := range raws {
		_, err := s.backend.SubmitHeader(raw)
		reason := headers.RejectReason(err)

		switch {
		case err == nil:
			res.Accepted++
		case reason == headers.UnknownParent:
			res.Buffered++
		default:
			res.Rejected = append(res.Rejected, HeaderRejection{
				Index:  i,
				Reason: reason.String(),
				Error:  err.Error(),
			})
		}
	}

	res.Tip = s.backend.Status().TipHeight

	logger.Debug("headers submitted",
		"accepted", res.Accepted,
		"buffered", res.Buffered,
		"rejected", len(res.Rejected),
	)

	writeJSON(w, http.StatusOK, res)
}

// handleDeposit handles POST /deposits.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !readJSON(w, r, &req) {
		return
	}

	proof, err := decodeProof(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	class, err := s.backend.SubmitDeposit(proof)
	switch {
	case errors.Is(err, headers.ErrUnknownBlock):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, headers.ErrDuplicateDeposit):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, headers.ErrNotDeposit):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, headers.ErrFaulted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tx, err := btc.DeserializeTx(proof.Tx)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, DepositResult{
		TxID:      tx.TxHash().String(),
		Type:      class.Type.String(),
		Amount:    class.Amount,
		Recipient: class.Recipient,
		Referral:  class.Referral,
		Sender:    class.Sender,
	})
}

// handleUnclaimed handles GET /deposits/unclaimed.
func (s *Server) handleUnclaimed(w http.ResponseWriter, r *http.Request) {
	deposits := s.backend.UnclaimedDeposits()
	if deposits == nil {
		deposits = []bridge.Unclaimed{}
	}

	writeJSON(w, http.StatusOK, deposits)
}

// handleBind handles POST /bindings.
func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	var req BindingRequest
	if !readJSON(w, r, &req) {
		return
	}

	n, err := s.backend.BindAddress(req.Address, req.Account)
	switch {
	case errors.Is(err, bridge.ErrInvalidBinding):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, BindingResult{Credited: n})
}

// handleTrusteeSet handles POST /trustees.
func (s *Server) handleTrusteeSet(w http.ResponseWriter, r *http.Request) {
	var set trustee.Set
	if !readJSON(w, r, &set) {
		return
	}

	err := s.backend.NotifyTrusteeSet(&set)
	switch {
	case errors.Is(err, trustee.ErrRotationInFlight), errors.Is(err, trustee.ErrNoActiveSet):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, RotationAccepted{
		Epoch: set.Epoch,
		Stage: s.backend.Status().Rotation,
	})
}

// handleAck handles POST /trustees/ack.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if !readJSON(w, r, &req) {
		return
	}

	id, sig, err := decodeAck(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.backend.Acknowledge(id, sig)
	switch {
	case errors.Is(err, trustee.ErrNoRotation):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, trustee.ErrNotIncoming):
		writeError(w, http.StatusForbidden, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleEvents handles GET /events?since=N&wait=D. With wait set the
// request blocks until an event past since arrives or wait elapses.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since uint64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = n
	}

	var wait time.Duration
	if v := q.Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid wait")
			return
		}
		wait = min(d, maxEventWait)
	}

	log := s.backend.Events()
	events := log.Since(since)

	if len(events) == 0 && wait > 0 {
		ch, cancel := log.Subscribe(1)
		defer cancel()

		if events = log.Since(since); len(events) == 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()

			select {
			case <-ch:
			case <-timer.C:
			case <-r.Context().Done():
				return
			}
			events = log.Since(since)
		}
	}

	if events == nil {
		events = []bridge.Event{}
	}

	writeJSON(w, http.StatusOK, Events{Events: events, Last: log.Last()})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.backend.Status()
	if st.Fault != "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "faulted",
			"fault":  st.Fault,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleSnapshot handles GET /snapshot: the latest compressed header
// snapshot, its tip height in a header.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, height := s.backend.Snapshot()
	if data == nil {
		writeError(w, http.StatusNotFound, "no snapshot yet")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(snapshotHeightHeader, strconv.FormatUint(height, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// pathID parses the {id} path value.
func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return uuid.UUID{}, false
	}

	return id, true
}

// readJSON decodes a bounded JSON body into v.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return false
	}

	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return false
	}

	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return false
	}

	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorBody{Error: message})
}
