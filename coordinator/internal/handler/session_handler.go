// Package handler serves the coordinator's public HTTP API.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/ailightning/ailightning/coordinator/internal/errors"
	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/ailightning/ailightning/coordinator/internal/service"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Sessions is the orchestrator surface the session API drives.
type Sessions interface {
	CreateSession(ctx context.Context, req *service.CreateSessionRequest) (*model.Session, error)
	CheckPayment(ctx context.Context, sessionID string) (*model.Session, error)
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	StopSession(ctx context.Context, sessionID string) (*model.Session, error)
	Completion(ctx context.Context, sessionID string, req *nodeapi.CompletionRequest) (*nodeapi.CompletionResponse, error)
	CompletionStream(ctx context.Context, sessionID string, req *nodeapi.CompletionRequest, emit func(nodeapi.StreamChunk) error) error
	GetBalance(ctx context.Context, account string) (int64, error)
}

var _ Sessions = (*service.OrchestratorService)(nil)

// StopResponse is returned by the stop endpoint
type StopResponse struct {
	SessionID string         `json:"session_id"`
	Stopped   bool           `json:"stopped"`
	Session   *model.Session `json:"session,omitempty"`
}

// BalanceResponse is a user's internal balance
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// SessionHandler handles the session lifecycle endpoints
type SessionHandler struct {
	sessions       Sessions
	errorHandler   *apperrors.Handler
	requestTimeout time.Duration
	logger         *zap.Logger
}

// NewSessionHandler creates a new session handler. requestTimeout bounds a
// single completion.
func NewSessionHandler(sessions Sessions, errorHandler *apperrors.Handler, requestTimeout time.Duration, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessions:       sessions,
		errorHandler:   errorHandler,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// CreateSession handles POST /v1/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req service.CreateSessionRequest
	if err := nodeapi.Decode(r.Body, &req); err != nil {
		h.errorHandler.HandleError(w, r, apperrors.InvalidArgument(err.Error()))
		return
	}

	req.IdempotencyKey = r.Header.Get("Idempotency-Key")

	session, err := h.sessions.CreateSession(r.Context(), &req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// CheckPayment handles POST /v1/sessions/{session_id}/check-payment
func (h *SessionHandler) CheckPayment(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.CheckPayment(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// GetSession handles GET /v1/sessions/{session_id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.GetSession(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// StopSession handles POST /v1/sessions/{session_id}/stop. Stopping an
// unknown or finished session succeeds.
func (h *SessionHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	session, err := h.sessions.StopSession(r.Context(), sessionID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StopResponse{SessionID: sessionID, Stopped: true, Session: session})
}

// Completion handles POST /v1/sessions/{session_id}/completion. With
// "stream": true the answer is a text/event-stream of chunks.
func (h *SessionHandler) Completion(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	var req nodeapi.CompletionRequest
	if err := nodeapi.Decode(r.Body, &req); err != nil {
		h.errorHandler.HandleError(w, r, apperrors.InvalidArgument(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	if req.Stream {
		h.streamCompletion(ctx, w, r, sessionID, &req)
		return
	}

	resp, err := h.sessions.Completion(ctx, sessionID, &req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *SessionHandler) streamCompletion(ctx context.Context, w http.ResponseWriter, r *http.Request, sessionID string, req *nodeapi.CompletionRequest) {
	flusher, _ := w.(http.Flusher)
	started := false
	emit := func(chunk nodeapi.StreamChunk) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		return writeEvent(w, flusher, chunk)
	}

	err := h.sessions.CompletionStream(ctx, sessionID, req, emit)
	if err == nil {
		return
	}
	if !started {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	// headers are gone; the failure travels as a final error chunk
	h.logger.Warn("Completion stream failed", zap.String("session_id", sessionID), zap.Error(err))
	code, message := apperrors.Describe(err)
	writeEvent(w, flusher, nodeapi.StreamChunk{Error: &nodeapi.ErrorResponse{
		Code:    nodeapi.ErrorCode(code),
		Message: message,
	}})
}

// GetBalance handles GET /v1/users/{user_id}/balance
func (h *SessionHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	balance, err := h.sessions.GetBalance(r.Context(), userID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, chunk nodeapi.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
