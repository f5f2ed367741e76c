// Package handler serves the node control API the coordinator drives.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	nodeerrors "github.com/ailightning/ailightning/node/internal/errors"
	"github.com/ailightning/ailightning/node/internal/metrics"
	"github.com/ailightning/ailightning/node/internal/supervisor"
	"github.com/ailightning/ailightning/node/internal/util/workerpool"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/ailightning/ailightning/pkg/payment"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Sessions is the part of the supervisor the control API drives.
type Sessions interface {
	Start(ctx context.Context, sessionID, model string, contextSize int) (*supervisor.Process, error)
	Stop(sessionID string) error
	Status(sessionID string) (*nodeapi.SessionStatusResponse, error)
	Completion(ctx context.Context, sessionID string, req *nodeapi.CompletionRequest) (*nodeapi.CompletionResponse, error)
	CompletionStream(ctx context.Context, sessionID string, req *nodeapi.CompletionRequest, emit func(nodeapi.StreamChunk) error) error
	Load() int
}

// ControlHandler maps control operations to typed handlers.
type ControlHandler struct {
	sessions Sessions
	pool     *workerpool.WorkerPool
	gateway  payment.Gateway
	token    string
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewControlHandler(sessions Sessions, pool *workerpool.WorkerPool, gateway payment.Gateway, token string, m *metrics.Metrics, logger *zap.Logger) *ControlHandler {
	return &ControlHandler{
		sessions: sessions,
		pool:     pool,
		gateway:  gateway,
		token:    token,
		metrics:  m,
		logger:   logger,
	}
}

type route struct {
	name     string
	method   string
	path     string
	handle   http.HandlerFunc
	blocking bool
}

func (h *ControlHandler) routes() []route {
	return []route{
		{"start_session", http.MethodPost, "/v1/sessions", h.StartSession, true},
		{"stop_session", http.MethodDelete, "/v1/sessions/{session_id}", h.StopSession, false},
		{"session_status", http.MethodGet, "/v1/sessions/{session_id}", h.SessionStatus, false},
		{"completion", http.MethodPost, "/v1/sessions/{session_id}/completion", h.Completion, true},
		{"create_invoice", http.MethodPost, "/v1/invoices", h.CreateInvoice, false},
	}
}

// Router builds the control API. Blocking operations run on the worker
// pool; the request goroutine waits for them.
func (h *ControlHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	api.Use(h.recovery, h.authenticate)
	for _, rt := range h.routes() {
		api.Handle(rt.path, h.instrument(rt)).Methods(rt.method)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nodeerrors.WriteHTTP(w, nodeerrors.InvalidArgument("endpoint not found", nil))
	})
	return r
}

func (h *ControlHandler) instrument(rt route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		if !rt.blocking {
			rt.handle(sw, r)
		} else if err := h.pool.Do(r.Context(), rt.name, func(ctx context.Context) error {
			rt.handle(sw, r.WithContext(ctx))
			return nil
		}); err != nil {
			nodeerrors.WriteHTTP(sw, nodeerrors.InternalError("node is busy", err))
		}
		h.metrics.RecordControlRequest(rt.name, fmt.Sprint(sw.status))
	})
}

func (h *ControlHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
				nodeerrors.WriteHTTP(w, nodeerrors.Unauthorized("invalid control token"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *ControlHandler) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("Panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				nodeerrors.WriteHTTP(w, nodeerrors.InternalError("internal error", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// StartSession spawns the inference server for a paid session.
func (h *ControlHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req nodeapi.StartSessionRequest
	if err := nodeapi.Decode(r.Body, &req); err != nil {
		nodeerrors.WriteHTTP(w, nodeerrors.InvalidArgument(err.Error(), nil))
		return
	}

	proc, err := h.sessions.Start(r.Context(), req.SessionID, req.Model, req.Context)
	if err != nil {
		nodeerrors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, nodeapi.StartSessionResponse{Port: proc.Port, PID: proc.PID()})
}

// StopSession terminates a session's process; unknown sessions succeed.
func (h *ControlHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session_id"]
	if err := h.sessions.Stop(id); err != nil {
		nodeerrors.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ControlHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.sessions.Status(mux.Vars(r)["session_id"])
	if err != nil {
		nodeerrors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Completion proxies a generation. Streaming requests are answered as
// server-sent events once the first chunk is available; errors before that
// point are plain JSON errors.
func (h *ControlHandler) Completion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session_id"]
	var req nodeapi.CompletionRequest
	if err := nodeapi.Decode(r.Body, &req); err != nil {
		nodeerrors.WriteHTTP(w, nodeerrors.InvalidArgument(err.Error(), nil))
		return
	}

	if !req.Stream {
		resp, err := h.sessions.Completion(r.Context(), id, &req)
		if err != nil {
			nodeerrors.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		nodeerrors.WriteHTTP(w, nodeerrors.InternalError("streaming unsupported", nil))
		return
	}
	started := false
	err := h.sessions.CompletionStream(r.Context(), id, &req, func(chunk nodeapi.StreamChunk) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := writeEvent(w, chunk); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err == nil {
		return
	}
	if !started {
		nodeerrors.WriteHTTP(w, err)
		return
	}
	var ne *nodeerrors.NodeError
	if !errors.As(err, &ne) {
		ne = nodeerrors.InternalError("stream failed", err)
	}
	resp := ne.Response()
	writeEvent(w, nodeapi.StreamChunk{Error: &resp})
	flusher.Flush()
}

// CreateInvoice bills the platform for this node's payout share.
func (h *ControlHandler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req nodeapi.InvoiceRequest
	if err := nodeapi.Decode(r.Body, &req); err != nil {
		nodeerrors.WriteHTTP(w, nodeerrors.InvalidArgument(err.Error(), nil))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	inv, err := h.gateway.CreateInvoice(ctx, req.Amount, req.Memo)
	if err != nil {
		h.logger.Error("Failed to create payout invoice", zap.Int64("amount", req.Amount), zap.Error(err))
		nodeerrors.WriteHTTP(w, nodeerrors.InternalError("failed to create invoice", err))
		return
	}
	writeJSON(w, http.StatusCreated, nodeapi.InvoiceResponse{
		PaymentRequest: inv.PaymentRequest,
		Hash:           inv.Hash,
		Amount:         inv.Amount,
	})
}

func (h *ControlHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"load":   h.sessions.Load(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeEvent(w http.ResponseWriter, chunk nodeapi.StreamChunk) error {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", raw)
	return err
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
