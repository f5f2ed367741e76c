package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/ailightning/ailightning/coordinator/internal/errors"
	"github.com/ailightning/ailightning/coordinator/internal/metrics"
	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/ailightning/ailightning/coordinator/internal/store"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RegistryService is the directory of compute nodes. Liveness is derived by
// readers from heartbeat age; nothing in the registry times nodes out.
type RegistryService struct {
	nodes             store.NodeStore
	sessions          store.SessionStore
	livenessTimeout   time.Duration
	heartbeatInterval time.Duration
	metrics           *metrics.Metrics
	logger            *zap.Logger
	now               func() time.Time
}

// NewRegistryService creates a new registry service
func NewRegistryService(
	nodes store.NodeStore,
	sessions store.SessionStore,
	livenessTimeout, heartbeatInterval time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RegistryService {
	return &RegistryService{
		nodes:             nodes,
		sessions:          sessions,
		livenessTimeout:   livenessTimeout,
		heartbeatInterval: heartbeatInterval,
		metrics:           m,
		logger:            logger,
		now:               time.Now,
	}
}

// NodeView is a node together with its derived liveness
type NodeView struct {
	*model.Node
	Live bool `json:"live"`
}

// Register writes a new node record under a fresh id
func (s *RegistryService) Register(ctx context.Context, req *nodeapi.RegisterRequest) (*nodeapi.RegisterResponse, error) {
	now := s.now()
	node := &model.Node{
		ID:            uuid.NewString(),
		OwnerID:       req.OwnerID,
		Address:       req.Address,
		Capabilities:  req.Capabilities,
		Status:        model.NodeOnline,
		LastHeartbeat: now,
		PayoutAddress: req.PayoutAddress,
		RegisteredAt:  now,
		ControlToken:  req.ControlToken,
	}
	if err := s.nodes.PutNode(ctx, node); err != nil {
		return nil, apperrors.Unavailable("registry store unavailable", err)
	}

	s.logger.Info("Node registered",
		zap.String("node_id", node.ID),
		zap.String("owner_id", node.OwnerID),
		zap.String("address", node.Address),
		zap.Int("models", len(node.Capabilities)))

	return &nodeapi.RegisterResponse{
		NodeID:            node.ID,
		HeartbeatInterval: int(s.heartbeatInterval / time.Second),
	}, nil
}

// Heartbeat refreshes the node's liveness and reconciles the sessions it
// reports against the authoritative store. Sessions the node runs but that
// are finished or unknown are returned for stopping.
// Sessions still awaiting activation are left alone.
func (s *RegistryService) Heartbeat(ctx context.Context, nodeID string, req *nodeapi.HeartbeatRequest) (*nodeapi.HeartbeatResponse, error) {
	if err := s.nodes.Touch(ctx, nodeID, s.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("node", nodeID)
		}
		return nil, apperrors.Unavailable("registry store unavailable", err)
	}

	resp := &nodeapi.HeartbeatResponse{StopSessions: []string{}}
	if len(req.Sessions) == 0 {
		return resp, nil
	}

	states, err := s.sessions.SessionStates(ctx, req.Sessions)
	if err != nil {
		// liveness was recorded; reconciliation waits for the next beat
		s.logger.Warn("Failed to reconcile node sessions", zap.String("node_id", nodeID), zap.Error(err))
		return resp, nil
	}
	for _, id := range req.Sessions {
		state, known := states[id]
		if known && !state.Terminal() {
			continue
		}
		resp.StopSessions = append(resp.StopSessions, id)
	}
	if len(resp.StopSessions) > 0 {
		s.logger.Info("Node runs sessions that are not active",
			zap.String("node_id", nodeID),
			zap.Strings("stop_sessions", resp.StopSessions))
	}
	return resp, nil
}

// SelectNode returns the live node serving model with the lowest load.
// Ties go to the first node encountered.
func (s *RegistryService) SelectNode(ctx context.Context, modelName string) (*model.Node, error) {
	ids, err := s.nodes.ListNodeIDs(ctx)
	if err != nil {
		return nil, apperrors.Unavailable("registry store unavailable", err)
	}

	now := s.now()
	var best *model.Node
	for _, id := range ids {
		node, err := s.nodes.GetNode(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, apperrors.Unavailable("registry store unavailable", err)
		}
		if !node.IsLive(now, s.livenessTimeout) || !node.Serves(modelName) {
			continue
		}
		if best == nil || node.Load < best.Load {
			best = node
		}
	}

	if best == nil {
		s.metrics.RecordSelection(modelName, "none")
		return nil, apperrors.NoNodeAvailable(modelName)
	}
	s.metrics.RecordSelection(modelName, "selected")
	return best, nil
}

// GetNode returns a node record regardless of liveness
func (s *RegistryService) GetNode(ctx context.Context, nodeID string) (*model.Node, error) {
	node, err := s.nodes.GetNode(ctx, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound("node", nodeID)
	}
	if err != nil {
		return nil, apperrors.Unavailable("registry store unavailable", err)
	}
	return node, nil
}

// IsLive reports whether node currently counts as reachable
func (s *RegistryService) IsLive(node *model.Node) bool {
	return node.IsLive(s.now(), s.livenessTimeout)
}

// ListNodes returns every known node with derived liveness
func (s *RegistryService) ListNodes(ctx context.Context) ([]NodeView, error) {
	ids, err := s.nodes.ListNodeIDs(ctx)
	if err != nil {
		return nil, apperrors.Unavailable("registry store unavailable", err)
	}

	now := s.now()
	views := make([]NodeView, 0, len(ids))
	live := 0
	for _, id := range ids {
		node, err := s.nodes.GetNode(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, apperrors.Unavailable("registry store unavailable", err)
		}
		v := NodeView{Node: node, Live: node.IsLive(now, s.livenessTimeout)}
		if v.Live {
			live++
		}
		views = append(views, v)
	}
	s.metrics.LiveNodes.Set(float64(live))
	return views, nil
}

// IncrementLoad atomically adjusts the node's session count
func (s *RegistryService) IncrementLoad(ctx context.Context, nodeID string, delta int64) error {
	if _, err := s.nodes.IncrLoad(ctx, nodeID, delta); err != nil {
		return fmt.Errorf("failed to adjust load of node %s: %w", nodeID, err)
	}
	return nil
}

// AddEarned adds a settled amount to the node's total
func (s *RegistryService) AddEarned(ctx context.Context, nodeID string, amount int64) error {
	if _, err := s.nodes.AddEarned(ctx, nodeID, amount); err != nil {
		return fmt.Errorf("failed to record earnings of node %s: %w", nodeID, err)
	}
	return nil
}

// Unregister removes the node
func (s *RegistryService) Unregister(ctx context.Context, nodeID string) error {
	if err := s.nodes.DeleteNode(ctx, nodeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("node", nodeID)
		}
		return apperrors.Unavailable("registry store unavailable", err)
	}
	s.logger.Info("Node unregistered", zap.String("node_id", nodeID))
	return nil
}
