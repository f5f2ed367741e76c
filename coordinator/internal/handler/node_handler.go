package handler

import (
	"context"
	"net/http"

	apperrors "github.com/ailightning/ailightning/coordinator/internal/errors"
	"github.com/ailightning/ailightning/coordinator/internal/service"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Registry is the node registry surface the node API drives.
type Registry interface {
	Register(ctx context.Context, req *nodeapi.RegisterRequest) (*nodeapi.RegisterResponse, error)
	Heartbeat(ctx context.Context, nodeID string, req *nodeapi.HeartbeatRequest) (*nodeapi.HeartbeatResponse, error)
	Unregister(ctx context.Context, nodeID string) error
	ListNodes(ctx context.Context) ([]service.NodeView, error)
}

var _ Registry = (*service.RegistryService)(nil)

// NodeListResponse lists registered nodes
type NodeListResponse struct {
	Nodes []service.NodeView `json:"nodes"`
	Count int                `json:"count"`
}

// NodeHandler handles node registration and heartbeats
type NodeHandler struct {
	registry     Registry
	errorHandler *apperrors.Handler
	logger       *zap.Logger
}

// NewNodeHandler creates a new node handler
func NewNodeHandler(registry Registry, errorHandler *apperrors.Handler, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{
		registry:     registry,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// Register handles POST /v1/nodes/register
func (h *NodeHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req nodeapi.RegisterRequest
	if err := nodeapi.Decode(r.Body, &req); err != nil {
		h.logger.Warn("Invalid register request", zap.Error(err))
		h.errorHandler.HandleError(w, r, apperrors.InvalidArgument(err.Error()))
		return
	}

	resp, err := h.registry.Register(r.Context(), &req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Heartbeat handles POST /v1/nodes/{node_id}/heartbeat. An unknown node gets
// a 404 and is expected to register again.
func (h *NodeHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req nodeapi.HeartbeatRequest
	if err := nodeapi.Decode(r.Body, &req); err != nil {
		h.errorHandler.HandleError(w, r, apperrors.InvalidArgument(err.Error()))
		return
	}

	resp, err := h.registry.Heartbeat(r.Context(), mux.Vars(r)["node_id"], &req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Unregister handles DELETE /v1/nodes/{node_id}
func (h *NodeHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Unregister(r.Context(), mux.Vars(r)["node_id"]); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListNodes handles GET /v1/nodes
func (h *NodeHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.registry.ListNodes(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NodeListResponse{Nodes: nodes, Count: len(nodes)})
}
