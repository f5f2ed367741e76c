package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ailightning/ailightning/node/internal/metrics"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"go.uber.org/zap"
)

// LocalSessions is the node state a heartbeat reports.
type LocalSessions interface {
	Load() int
	Models() []string
	Sessions(liveOnly bool) []string
	Stop(sessionID string) error
}

// Heartbeater keeps this node registered and live. Failures never stop the
// loop; they are logged and retried on the next tick.
type Heartbeater struct {
	client   *CoordinatorClient
	sessions LocalSessions
	register *nodeapi.RegisterRequest
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu       sync.RWMutex
	nodeID   string
	stopping map[string]struct{}
	stops    sync.WaitGroup
}

func NewHeartbeater(client *CoordinatorClient, sessions LocalSessions, register *nodeapi.RegisterRequest, nodeID string, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Heartbeater {
	return &Heartbeater{
		client:   client,
		sessions: sessions,
		register: register,
		interval: interval,
		metrics:  m,
		logger:   logger,
		nodeID:   nodeID,
		stopping: make(map[string]struct{}),
	}
}

// NodeID returns the id currently assigned by the coordinator.
func (h *Heartbeater) NodeID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nodeID
}

// Run sends a heartbeat every interval until ctx is done.
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Beat(ctx)
		}
	}
}

// Beat sends one heartbeat and applies the coordinator's answer.
func (h *Heartbeater) Beat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()

	req := &nodeapi.HeartbeatRequest{
		Load:     h.sessions.Load(),
		Models:   h.sessions.Models(),
		Sessions: h.sessions.Sessions(true),
	}
	resp, err := h.client.Heartbeat(ctx, h.NodeID(), req)
	if errors.Is(err, ErrUnknownNode) {
		h.logger.Warn("Coordinator forgot this node, re-registering", zap.String("node_id", h.NodeID()))
		h.reregister(ctx)
		return
	}
	if err != nil {
		h.metrics.HeartbeatFailures.Inc()
		h.logger.Warn("Heartbeat failed", zap.String("node_id", h.NodeID()), zap.Error(err))
		return
	}

	for _, id := range resp.StopSessions {
		h.stopAsync(id)
	}
}

// stopAsync stops an orphaned session off the heartbeat loop. A session
// already being stopped is skipped when the coordinator repeats it.
func (h *Heartbeater) stopAsync(sessionID string) {
	h.mu.Lock()
	if _, ok := h.stopping[sessionID]; ok {
		h.mu.Unlock()
		return
	}
	h.stopping[sessionID] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("Stopping session the coordinator no longer considers active",
		zap.String("session_id", sessionID))
	h.stops.Add(1)
	go func() {
		defer h.stops.Done()
		defer func() {
			h.mu.Lock()
			delete(h.stopping, sessionID)
			h.mu.Unlock()
		}()
		if err := h.sessions.Stop(sessionID); err != nil {
			h.logger.Error("Failed to stop orphaned session", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
}

// Wait blocks until every orphan stop started by Beat has returned.
func (h *Heartbeater) Wait() {
	h.stops.Wait()
}

func (h *Heartbeater) reregister(ctx context.Context) {
	resp, err := h.client.Register(ctx, h.register)
	if err != nil {
		h.metrics.HeartbeatFailures.Inc()
		h.logger.Warn("Re-registration failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	h.nodeID = resp.NodeID
	h.mu.Unlock()
}
