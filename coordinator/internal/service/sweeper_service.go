package service

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/ailightning/ailightning/coordinator/internal/errors"
	"github.com/ailightning/ailightning/coordinator/internal/metrics"
	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/ailightning/ailightning/coordinator/internal/store"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
)

// SweeperService periodically expires unpaid sessions, ends sessions past
// their purchased time, force-ends sessions whose process or node is gone and
// finishes settlements an interrupted end left behind. Only the cluster
// leader sweeps.
type SweeperService struct {
	sessions     store.SessionStore
	orchestrator *OrchestratorService
	registry     *RegistryService
	nodeAPI      NodeAPI
	leadership   Leadership
	interval     time.Duration
	workers      int
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewSweeperService creates a new sweeper
func NewSweeperService(
	sessions store.SessionStore,
	orchestrator *OrchestratorService,
	registry *RegistryService,
	nodeAPI NodeAPI,
	leadership Leadership,
	interval time.Duration,
	workers int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SweeperService {
	if workers <= 0 {
		workers = 4
	}
	return &SweeperService{
		sessions:     sessions,
		orchestrator: orchestrator,
		registry:     registry,
		nodeAPI:      nodeAPI,
		leadership:   leadership,
		interval:     interval,
		workers:      workers,
		metrics:      m,
		logger:       logger,
	}
}

// Run sweeps every interval until ctx ends
func (s *SweeperService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Session sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Session sweeper stopped")
			return
		case <-ticker.C:
			if !s.leadership.IsLeader() {
				continue
			}
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass. Per-session failures are logged and do not stop the
// pass; only a failure to list sessions is returned.
func (s *SweeperService) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() { s.metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	pending, err := s.sessions.ListSessionsByState(ctx, model.SessionPendingPayment)
	if err != nil {
		return err
	}
	active, err := s.sessions.ListSessionsByState(ctx, model.SessionActive)
	if err != nil {
		return err
	}
	s.metrics.ActiveSessions.Set(float64(len(active)))
	unsettled, err := s.orchestrator.UnsettledSessions(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, session := range pending {
		if !s.orchestrator.PaymentOverdue(session) {
			continue
		}
		id := session.ID
		g.Go(func() error {
			out, err := s.orchestrator.ExpirePending(gctx, id)
			s.record(id, "expire_pending", out, err)
			return nil
		})
	}
	for _, session := range active {
		g.Go(func() error {
			s.checkActive(gctx, session)
			return nil
		})
	}
	for _, session := range unsettled {
		id := session.ID
		g.Go(func() error {
			_, err := s.orchestrator.ReconcileSettlement(gctx, id)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("Settlement reconciliation failed", zap.String("session_id", id), zap.Error(err))
				return nil
			}
			s.metrics.RecordSweepAction("settle_ended")
			return nil
		})
	}
	return g.Wait()
}

func (s *SweeperService) checkActive(ctx context.Context, session *model.Session) {
	if session.Expired(s.orchestrator.now()) {
		out, err := s.orchestrator.EndSession(ctx, session.ID, model.EndExpired)
		s.record(session.ID, "expire_active", out, err)
		return
	}

	node, err := s.registry.GetNode(ctx, session.NodeID)
	if apperrors.Is(err, apperrors.KindNotFound) || (err == nil && !s.registry.IsLive(node)) {
		out, err := s.orchestrator.EndSession(ctx, session.ID, model.EndNodeLost)
		s.record(session.ID, "node_lost", out, err)
		return
	}
	if err != nil {
		s.logger.Warn("Failed to read node during sweep", zap.String("node_id", session.NodeID), zap.Error(err))
		return
	}

	status, err := s.nodeAPI.SessionStatus(ctx, node, session.ID)
	if err != nil {
		if nodeapi.CodeOf(err) != nodeapi.CodeSessionNotFound {
			// transient; the node's liveness decides next time
			s.logger.Debug("Session status probe failed", zap.String("session_id", session.ID), zap.Error(err))
			return
		}
	} else if status.State != nodeapi.ProcessCrashed && status.State != nodeapi.ProcessStopped {
		return
	}

	out, err := s.orchestrator.EndSession(ctx, session.ID, model.EndCrashed)
	s.record(session.ID, "crashed", out, err)
}

func (s *SweeperService) record(sessionID, action string, out *model.Session, err error) {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warn("Sweep action failed",
			zap.String("session_id", sessionID),
			zap.String("action", action),
			zap.Error(err))
		return
	}
	if out != nil && out.State.Terminal() {
		s.metrics.RecordSweepAction(action)
	}
}
