package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ailightning/ailightning/coordinator/internal/client"
	apperrors "github.com/ailightning/ailightning/coordinator/internal/errors"
	"github.com/ailightning/ailightning/coordinator/internal/metrics"
	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/ailightning/ailightning/coordinator/internal/store"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/ailightning/ailightning/pkg/payment"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrchestratorConfig holds session lifecycle parameters
type OrchestratorConfig struct {
	PaymentWindow        time.Duration
	LockWait             time.Duration
	MinMinutes           int
	MaxMinutes           int
	SettlementStaleAfter time.Duration
}

// CreateSessionRequest asks for a session of Minutes on Model
type CreateSessionRequest struct {
	UserID  string `json:"user_id"`
	Model   string `json:"model"`
	Minutes int    `json:"minutes"`

	// IdempotencyKey comes from the Idempotency-Key header
	IdempotencyKey string `json:"-"`
}

func (r *CreateSessionRequest) Validate() error {
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if r.Model == "" {
		return errors.New("model is required")
	}
	if r.Minutes <= 0 {
		return errors.New("minutes must be positive")
	}
	return nil
}

// OrchestratorService drives the session state machine. Every transition of
// a session runs under that session's lock and is written with a
// conditional update, so concurrent start, stop and sweep calls cannot
// produce an inconsistent state.
type OrchestratorService struct {
	sessions    store.SessionStore
	registry    *RegistryService
	nodeAPI     NodeAPI
	gateway     payment.Gateway
	settlement  *SettlementService
	events      *EventService
	locker      store.Locker
	// nil disables Idempotency-Key handling
	idempotency *IdempotencyService
	cfg         OrchestratorConfig
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewOrchestratorService creates a new orchestrator
func NewOrchestratorService(
	sessions store.SessionStore,
	registry *RegistryService,
	nodeAPI NodeAPI,
	gateway payment.Gateway,
	settlement *SettlementService,
	events *EventService,
	locker store.Locker,
	idempotency *IdempotencyService,
	cfg OrchestratorConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *OrchestratorService {
	return &OrchestratorService{
		sessions:    sessions,
		registry:    registry,
		nodeAPI:     nodeAPI,
		gateway:     gateway,
		settlement:  settlement,
		events:      events,
		locker:      locker,
		idempotency: idempotency,
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateSession selects a node, issues an invoice for the session and stores
// it awaiting payment. A request repeating an earlier Idempotency-Key of the
// same user returns the session that request created.
func (o *OrchestratorService) CreateSession(ctx context.Context, req *CreateSessionRequest) (*model.Session, error) {
	if req.Minutes < o.cfg.MinMinutes || req.Minutes > o.cfg.MaxMinutes {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("minutes must be between %d and %d", o.cfg.MinMinutes, o.cfg.MaxMinutes))
	}

	id := uuid.NewString()
	if req.IdempotencyKey == "" || o.idempotency == nil {
		return o.createSession(ctx, req, id)
	}

	if err := o.idempotency.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	}
	existing, claimed, err := o.idempotency.Claim(ctx, req.UserID, req.IdempotencyKey, id)
	if err != nil {
		return nil, err
	}
	if !claimed {
		session, err := o.sessions.GetSession(ctx, existing)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.Conflict("a request with this idempotency key is in progress")
		}
		if err != nil {
			return nil, apperrors.Internal("failed to load session", err)
		}
		return session, nil
	}

	session, err := o.createSession(ctx, req, id)
	if err != nil {
		o.idempotency.Release(context.WithoutCancel(ctx), req.UserID, req.IdempotencyKey, id)
		return nil, err
	}
	return session, nil
}

func (o *OrchestratorService) createSession(ctx context.Context, req *CreateSessionRequest, id string) (*model.Session, error) {
	node, err := o.registry.SelectNode(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	capability, _ := node.Capability(req.Model)
	amount := int64(req.Minutes) * capability.PricePerMinute

	inv, err := o.gateway.CreateInvoice(ctx, amount, fmt.Sprintf("%d min of %s, session %s", req.Minutes, req.Model, id))
	if err != nil {
		o.logger.Warn("Failed to create invoice", zap.String("session_id", id), zap.Error(err))
		return nil, apperrors.Unavailable("payment daemon unavailable", err)
	}

	now := o.now()
	session := &model.Session{
		ID:             id,
		UserID:         req.UserID,
		NodeID:         node.ID,
		OwnerID:        node.OwnerID,
		Model:          req.Model,
		Context:        capability.Context,
		Minutes:        req.Minutes,
		PricePerMinute: capability.PricePerMinute,
		Amount:         amount,
		PaymentHash:    inv.Hash,
		PaymentRequest: inv.PaymentRequest,
		State:          model.SessionPendingPayment,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.sessions.CreateSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperrors.Conflict("payment hash already bound to a session")
		}
		return nil, apperrors.Internal("failed to persist session", err)
	}

	o.transitioned(ctx, session, "", "created")
	o.logger.Info("Session created",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID),
		zap.String("node_id", node.ID),
		zap.String("model", session.Model),
		zap.Int64("amount", amount))
	return session, nil
}

// GetSession returns a session
func (o *OrchestratorService) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound("session", sessionID)
	}
	if err != nil {
		return nil, apperrors.Internal("failed to read session", err)
	}
	return session, nil
}

// GetBalance returns the internal balance of an account
func (o *OrchestratorService) GetBalance(ctx context.Context, account string) (int64, error) {
	balance, err := o.sessions.GetBalance(ctx, account)
	if err != nil {
		return 0, apperrors.Internal("failed to read balance", err)
	}
	return balance, nil
}

// CheckPayment activates a pending session once its invoice is paid. An
// unpaid session is left untouched and a payment_pending error returned.
// If the node then fails to start the session it is refunded.
func (o *OrchestratorService) CheckPayment(ctx context.Context, sessionID string) (*model.Session, error) {
	var out *model.Session
	err := o.withSession(ctx, sessionID, func(ctx context.Context, session *model.Session) error {
		out = session
		if session.State != model.SessionPendingPayment {
			return nil
		}
		var err error
		out, err = o.activate(ctx, session)
		return err
	})
	return out, err
}

// activate runs steps 3 to 6 of the start protocol. The caller holds the
// session lock.
func (o *OrchestratorService) activate(ctx context.Context, session *model.Session) (*model.Session, error) {
	if !o.gateway.IsPaid(ctx, session.PaymentHash) {
		return session, apperrors.PaymentPending(session.ID)
	}

	// the payment is in; a client hanging up must not abandon the start
	ctx = context.WithoutCancel(ctx)

	node, err := o.registry.GetNode(ctx, session.NodeID)
	if err != nil {
		return o.refund(ctx, session, "node_gone", err)
	}

	resp, err := o.nodeAPI.StartSession(ctx, node, &nodeapi.StartSessionRequest{
		SessionID: session.ID,
		Model:     session.Model,
		Context:   session.Context,
	})
	if err != nil {
		return o.refund(ctx, session, "start_failed", err)
	}

	now := o.now()
	activated := *session
	activated.State = model.SessionActive
	activated.Port = resp.Port
	activated.StartedAt = now
	activated.ExpiresAt = now.Add(session.Duration())
	if err := o.sessions.UpdateSession(ctx, &activated, model.SessionPendingPayment); err != nil {
		o.logger.Error("Failed to activate session, stopping remote process",
			zap.String("session_id", session.ID), zap.Error(err))
		o.stopRemote(ctx, node, session.ID)
		return nil, apperrors.Internal("failed to activate session", err)
	}
	if err := o.registry.IncrementLoad(ctx, node.ID, 1); err != nil {
		o.logger.Warn("Failed to increment node load", zap.String("node_id", node.ID), zap.Error(err))
	}

	o.transitioned(ctx, &activated, model.SessionPendingPayment, "paid")
	o.logger.Info("Session active",
		zap.String("session_id", activated.ID),
		zap.String("node_id", node.ID),
		zap.Int("port", resp.Port),
		zap.Time("expires_at", activated.ExpiresAt))
	return &activated, nil
}

// refund moves a paid pending session to refunded and credits the user the
// full amount in the same write. Load is never incremented on this path.
// cause may be nil when the user cancelled.
func (o *OrchestratorService) refund(ctx context.Context, session *model.Session, reason string, cause error) (*model.Session, error) {
	o.logger.Warn("Refunding paid session",
		zap.String("session_id", session.ID),
		zap.String("node_id", session.NodeID),
		zap.String("reason", reason),
		zap.Error(cause))

	refunded := *session
	refunded.State = model.SessionRefunded
	refunded.EndedAt = o.now()
	if err := o.sessions.UpdateSession(ctx, &refunded, model.SessionPendingPayment,
		model.Credit{Account: session.UserID, Amount: session.Amount}); err != nil {
		return nil, apperrors.Internal("failed to refund session", err)
	}

	// the start may have succeeded on the node with the answer lost
	if node, err := o.registry.GetNode(ctx, session.NodeID); err == nil {
		o.stopRemote(ctx, node, session.ID)
	}

	o.metrics.RecordRefund(reason)
	o.transitioned(ctx, &refunded, model.SessionPendingPayment, reason)
	return &refunded, nil
}

// StopSession ends a session at the user's request. Stopping a finished or
// unknown session succeeds without changing anything. A pending session is
// refunded if it was paid and expired otherwise; it stays pending while the
// payment daemon cannot say which.
func (o *OrchestratorService) StopSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var out *model.Session
	err := o.withSession(ctx, sessionID, func(ctx context.Context, session *model.Session) error {
		out = session
		var err error
		switch session.State {
		case model.SessionActive:
			out, err = o.end(ctx, session, model.EndStopped)
		case model.SessionPendingPayment:
			var paid bool
			if paid, err = o.invoiceSettled(ctx, session); err != nil {
				return err
			}
			if paid {
				out, err = o.refund(ctx, session, "cancelled", nil)
			} else {
				out, err = o.expire(ctx, session, "cancelled")
			}
		}
		return err
	})
	if apperrors.Is(err, apperrors.KindNotFound) {
		return nil, nil
	}
	return out, err
}

// EndSession force-ends an active session for reason. Other states are left
// as they are.
func (o *OrchestratorService) EndSession(ctx context.Context, sessionID string, reason model.EndReason) (*model.Session, error) {
	var out *model.Session
	err := o.withSession(ctx, sessionID, func(ctx context.Context, session *model.Session) error {
		out = session
		if session.State != model.SessionActive {
			return nil
		}
		if reason == model.EndExpired && !session.Expired(o.now()) {
			return nil
		}
		var err error
		out, err = o.end(ctx, session, reason)
		return err
	})
	return out, err
}

// ExpirePending handles a pending session past its payment window. A late
// payment still goes through the normal start path.
func (o *OrchestratorService) ExpirePending(ctx context.Context, sessionID string) (*model.Session, error) {
	var out *model.Session
	err := o.withSession(ctx, sessionID, func(ctx context.Context, session *model.Session) error {
		out = session
		if !o.PaymentOverdue(session) {
			return nil
		}
		paid, err := o.invoiceSettled(ctx, session)
		if err != nil {
			return err
		}
		if paid {
			out, err = o.activate(ctx, session)
			return err
		}
		out, err = o.expire(ctx, session, "payment_window")
		return err
	})
	return out, err
}

// invoiceSettled asks the daemon for a definite answer before a pending
// session leaves pending for good. An unknown invoice counts as unpaid; any
// other failure keeps the session pending for the next sweep.
func (o *OrchestratorService) invoiceSettled(ctx context.Context, session *model.Session) (bool, error) {
	inv, err := o.gateway.CheckInvoice(ctx, session.PaymentHash)
	switch {
	case errors.Is(err, payment.ErrInvoiceNotFound):
		return false, nil
	case err != nil:
		o.logger.Warn("Invoice state unknown, leaving session pending",
			zap.String("session_id", session.ID),
			zap.Error(err))
		return false, apperrors.Unavailable("payment daemon unavailable", err)
	}
	return inv.Settled, nil
}

func (o *OrchestratorService) expire(ctx context.Context, session *model.Session, reason string) (*model.Session, error) {
	expired := *session
	expired.State = model.SessionExpired
	expired.EndedAt = o.now()
	if err := o.sessions.UpdateSession(ctx, &expired, model.SessionPendingPayment); err != nil {
		return nil, apperrors.Internal("failed to expire session", err)
	}
	o.transitioned(ctx, &expired, model.SessionPendingPayment, reason)
	return &expired, nil
}

// end stops the remote process, releases the node's load and settles. The
// full amount is billed for a normal end; a crash or lost node is billed
// pro-rata and the remainder refunded. The caller holds the session lock.
func (o *OrchestratorService) end(ctx context.Context, session *model.Session, reason model.EndReason) (*model.Session, error) {
	ctx = context.WithoutCancel(ctx)
	now := o.now()

	if node, err := o.registry.GetNode(ctx, session.NodeID); err == nil {
		o.stopRemote(ctx, node, session.ID)
	}

	ended := *session
	ended.State = model.SessionEnded
	ended.EndReason = reason
	ended.EndedAt = now
	billable := billableAmount(&ended)
	if err := o.sessions.UpdateSession(ctx, &ended, model.SessionActive); err != nil {
		return nil, apperrors.Internal("failed to end session", err)
	}
	if err := o.registry.IncrementLoad(ctx, session.NodeID, -1); err != nil {
		o.logger.Warn("Failed to decrement node load", zap.String("node_id", session.NodeID), zap.Error(err))
	}
	o.transitioned(ctx, &ended, model.SessionActive, string(reason))

	// A crash between the transition and the settlement is picked up by
	// ReconcileSettlement.
	if _, err := o.settlement.Settle(ctx, &ended, billable, session.Amount-billable); err != nil {
		return &ended, err
	}
	return &ended, nil
}

// billableAmount is the full amount for a normal end and the time actually
// served for a crash or lost node.
func billableAmount(ended *model.Session) int64 {
	if ended.EndReason.Abnormal() {
		return ended.Billable(ended.EndedAt)
	}
	return ended.Amount
}

// UnsettledSessions lists ended sessions whose settlement never started or
// has been pending longer than the configured bound.
func (o *OrchestratorService) UnsettledSessions(ctx context.Context) ([]*model.Session, error) {
	return o.sessions.ListUnsettledEnded(ctx, time.Now().Add(-o.cfg.SettlementStaleAfter))
}

// ReconcileSettlement finishes the settlement of an ended session. A missing
// row is settled as end would have; a row stuck in pending is closed as
// unsettled with the user's refund applied.
func (o *OrchestratorService) ReconcileSettlement(ctx context.Context, sessionID string) (*model.Settlement, error) {
	var out *model.Settlement
	err := o.withSession(ctx, sessionID, func(ctx context.Context, session *model.Session) error {
		if session.State != model.SessionEnded {
			return nil
		}
		ctx = context.WithoutCancel(ctx)
		st, err := o.sessions.GetSettlement(ctx, session.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			billable := billableAmount(session)
			o.logger.Warn("Ended session has no settlement, settling now",
				zap.String("session_id", session.ID),
				zap.Int64("billable", billable))
			out, err = o.settlement.Settle(ctx, session, billable, session.Amount-billable)
			return err
		case err != nil:
			return apperrors.Internal("failed to read settlement", err)
		}
		if st.Method != model.SettlementPending || !st.UpdatedAt.Before(time.Now().Add(-o.cfg.SettlementStaleAfter)) {
			out = st
			return nil
		}
		out, err = o.settlement.Abandon(ctx, session, st)
		return err
	})
	return out, err
}

// Completion proxies one generation to the session's node
func (o *OrchestratorService) Completion(ctx context.Context, sessionID string, req *nodeapi.CompletionRequest) (*nodeapi.CompletionResponse, error) {
	session, node, err := o.servingNode(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	resp, err := o.nodeAPI.Completion(ctx, node, session.ID, req)
	if err != nil {
		return nil, o.completionError(ctx, session, err)
	}
	return resp, nil
}

// CompletionStream proxies a streaming generation. emit receives partial
// chunks; the final chunk has Done set and is only delivered for a stream
// that completed.
func (o *OrchestratorService) CompletionStream(ctx context.Context, sessionID string, req *nodeapi.CompletionRequest, emit func(nodeapi.StreamChunk) error) error {
	session, node, err := o.servingNode(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := o.nodeAPI.CompletionStream(ctx, node, session.ID, req, emit); err != nil {
		return o.completionError(ctx, session, err)
	}
	return nil
}

func (o *OrchestratorService) servingNode(ctx context.Context, sessionID string) (*model.Session, *model.Node, error) {
	session, err := o.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.State != model.SessionActive {
		return nil, nil, apperrors.Conflict(fmt.Sprintf("session %s is %s", session.ID, session.State)).
			WithDetail("state", string(session.State))
	}
	if session.Expired(o.now()) {
		return nil, nil, apperrors.Conflict(fmt.Sprintf("session %s has expired", session.ID))
	}
	node, err := o.registry.GetNode(ctx, session.NodeID)
	if err != nil {
		return nil, nil, err
	}
	return session, node, nil
}

// completionError classifies a failed completion. A dead process ends the
// session with the crash policy.
func (o *OrchestratorService) completionError(ctx context.Context, session *model.Session, err error) error {
	switch nodeapi.CodeOf(err) {
	case nodeapi.CodeProcessTerminated, nodeapi.CodeSessionNotFound:
		o.logger.Warn("Inference process gone, ending session",
			zap.String("session_id", session.ID), zap.Error(err))
		if _, endErr := o.EndSession(context.WithoutCancel(ctx), session.ID, model.EndCrashed); endErr != nil {
			o.logger.Error("Failed to end crashed session", zap.String("session_id", session.ID), zap.Error(endErr))
		}
		return apperrors.Unavailable("inference process terminated", err).WithDetail("session_id", session.ID)
	case nodeapi.CodeTimeout:
		return apperrors.Unavailable("generation timed out", err)
	case nodeapi.CodeInvalidArgument:
		return apperrors.InvalidArgument(err.Error())
	}
	if errors.Is(err, client.ErrNodeUnreachable) || errors.Is(err, client.ErrStreamBroken) {
		return apperrors.Unavailable("node unreachable", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Unavailable("generation interrupted", err)
	}
	return apperrors.Internal("completion failed", err)
}

// withSession loads the session under its lock and runs fn
func (o *OrchestratorService) withSession(ctx context.Context, sessionID string, fn func(context.Context, *model.Session) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, o.cfg.LockWait)
	unlock, err := o.locker.Lock(lockCtx, sessionID)
	cancel()
	if err != nil {
		return apperrors.Unavailable("session is busy", err)
	}
	defer unlock()

	session, err := o.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return fn(ctx, session)
}

func (o *OrchestratorService) stopRemote(ctx context.Context, node *model.Node, sessionID string) {
	if err := o.nodeAPI.StopSession(ctx, node, sessionID); err != nil {
		o.logger.Warn("Failed to stop remote session",
			zap.String("session_id", sessionID),
			zap.String("node_id", node.ID),
			zap.Error(err))
	}
}

func (o *OrchestratorService) transitioned(ctx context.Context, session *model.Session, from model.SessionState, reason string) {
	o.metrics.RecordTransition(string(from), string(session.State))
	o.events.SessionTransition(ctx, session, from, reason)
	o.logger.Info("Session transition",
		zap.String("session_id", session.ID),
		zap.String("from", string(from)),
		zap.String("to", string(session.State)),
		zap.String("reason", reason))
}

// PaymentOverdue reports whether a pending session has outlived its payment
// window.
func (o *OrchestratorService) PaymentOverdue(session *model.Session) bool {
	return session.State == model.SessionPendingPayment && o.now().Sub(session.CreatedAt) >= o.cfg.PaymentWindow
}
