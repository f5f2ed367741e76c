package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	apperrors "github.com/ailightning/ailightning/coordinator/internal/errors"
	"github.com/ailightning/ailightning/coordinator/internal/metrics"
	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/ailightning/ailightning/coordinator/internal/store"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/ailightning/ailightning/pkg/payment"
	"go.uber.org/zap"
)

// SettlementConfig holds the payout policy
type SettlementConfig struct {
	PayoutRatio float64
	MinPayout   int64
}

// SettlementService pays node operators for finished sessions. Each session
// is settled at most once: the settlement row is claimed before any money
// moves, and exactly one of direct payout or balance credit is recorded.
type SettlementService struct {
	sessions store.SessionStore
	registry *RegistryService
	nodeAPI  NodeAPI
	gateway  payment.Gateway
	events   *EventService
	ratioBP  int64
	minimum  int64
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewSettlementService creates a new settlement service
func NewSettlementService(
	sessions store.SessionStore,
	registry *RegistryService,
	nodeAPI NodeAPI,
	gateway payment.Gateway,
	events *EventService,
	cfg SettlementConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SettlementService {
	return &SettlementService{
		sessions: sessions,
		registry: registry,
		nodeAPI:  nodeAPI,
		gateway:  gateway,
		events:   events,
		ratioBP:  int64(math.Round(cfg.PayoutRatio * 10000)),
		minimum:  cfg.MinPayout,
		metrics:  m,
		logger:   logger,
	}
}

// Share returns the node's cut of billable: the payout ratio, raised to the
// minimum payout but never above billable itself.
func (s *SettlementService) Share(billable int64) int64 {
	if billable <= 0 {
		return 0
	}
	share := billable * s.ratioBP / 10000
	if share < s.minimum {
		share = s.minimum
	}
	if share > billable {
		share = billable
	}
	return share
}

// Settle pays the node for billable and refunds refund to the user. Calling
// it again for the same session returns the recorded settlement and moves no
// money. An ambiguous payout is recorded as unsettled and returned as a
// settlement_failed error.
func (s *SettlementService) Settle(ctx context.Context, session *model.Session, billable, refund int64) (*model.Settlement, error) {
	now := time.Now()
	st := &model.Settlement{
		SessionID: session.ID,
		NodeID:    session.NodeID,
		OwnerID:   session.OwnerID,
		Billable:  billable,
		Share:     s.Share(billable),
		Refund:    refund,
		Method:    model.SettlementPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	claimed, err := s.sessions.BeginSettlement(ctx, st)
	if err != nil {
		return nil, apperrors.Internal("failed to record settlement", err)
	}
	if !claimed {
		s.logger.Info("Session already settled", zap.String("session_id", session.ID))
		existing, err := s.sessions.GetSettlement(ctx, session.ID)
		if err != nil {
			return nil, apperrors.Internal("failed to read settlement", err)
		}
		return existing, nil
	}

	credits := []model.Credit{{Account: session.UserID, Amount: refund}}

	if st.Share == 0 {
		st.Method = model.SettlementNone
		return s.finish(ctx, st, credits)
	}

	node, err := s.registry.GetNode(ctx, session.NodeID)
	if err != nil {
		s.logger.Warn("Node record unavailable for settlement, crediting balance",
			zap.String("session_id", session.ID),
			zap.String("node_id", session.NodeID),
			zap.Error(err))
	}

	if node != nil && node.PayoutAddress != "" {
		err := s.payDirect(ctx, node, st)
		switch {
		case err == nil:
			st.Method = model.SettlementDirect
			return s.finish(ctx, st, credits)
		case payment.IsAmbiguous(err):
			st.Method = model.SettlementUnsettled
			st.Error = err.Error()
			s.logger.Error("Direct payout outcome unknown, session needs reconciliation",
				zap.String("session_id", session.ID),
				zap.String("node_id", node.ID),
				zap.String("invoice_hash", st.InvoiceHash),
				zap.Int64("share", st.Share),
				zap.Error(err))
			if _, ferr := s.finish(ctx, st, credits); ferr != nil {
				return nil, ferr
			}
			return st, apperrors.SettlementFailed(session.ID, err)
		default:
			s.logger.Warn("Direct payout failed, crediting balance",
				zap.String("session_id", session.ID),
				zap.String("node_id", node.ID),
				zap.Error(err))
			st.Error = err.Error()
			st.InvoiceHash = ""
		}
	}

	st.Method = model.SettlementBalance
	credits = append(credits, model.Credit{Account: st.OwnerID, Amount: st.Share})
	return s.finish(ctx, st, credits)
}

// Abandon closes a settlement left pending by an interrupted Settle. Whether
// the node was paid is unknown, so the row becomes unsettled; the user's
// refund was never in doubt and is applied.
func (s *SettlementService) Abandon(ctx context.Context, session *model.Session, st *model.Settlement) (*model.Settlement, error) {
	closed := *st
	closed.Method = model.SettlementUnsettled
	closed.Error = "settlement interrupted before its outcome was recorded"
	s.logger.Error("Closing interrupted settlement, session needs reconciliation",
		zap.String("session_id", session.ID),
		zap.String("node_id", st.NodeID),
		zap.String("invoice_hash", st.InvoiceHash),
		zap.Int64("share", st.Share),
		zap.Time("pending_since", st.UpdatedAt))

	var credits []model.Credit
	if st.Refund > 0 {
		credits = append(credits, model.Credit{Account: session.UserID, Amount: st.Refund})
	}
	if _, err := s.finish(ctx, &closed, credits); err != nil {
		return nil, err
	}
	return &closed, apperrors.SettlementFailed(session.ID, errors.New(closed.Error))
}

// payDirect asks the node for an invoice of exactly st.Share, verifies it and
// pays it. Any failure before the payout request is sent is definite.
func (s *SettlementService) payDirect(ctx context.Context, node *model.Node, st *model.Settlement) error {
	inv, err := s.nodeAPI.CreateInvoice(ctx, node, &nodeapi.InvoiceRequest{
		Amount: st.Share,
		Memo:   fmt.Sprintf("payout for session %s", st.SessionID),
	})
	if err != nil {
		return fmt.Errorf("node invoice: %w", err)
	}
	if inv.PaymentRequest == "" {
		return errors.New("node returned an empty invoice")
	}

	decoded, err := s.gateway.DecodeInvoice(ctx, inv.PaymentRequest)
	if err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}
	if decoded.Amount != st.Share {
		return fmt.Errorf("%w: node billed %d, share is %d", payment.ErrAmountMismatch, decoded.Amount, st.Share)
	}
	// A payout address given as a node key pins the invoice destination.
	// Lightning addresses resolve elsewhere and are not compared.
	if payment.IsNodePubkey(node.PayoutAddress) && !strings.EqualFold(decoded.Destination, node.PayoutAddress) {
		return fmt.Errorf("%w: invoice pays %s, node declared %s",
			payment.ErrWrongDestination, decoded.Destination, node.PayoutAddress)
	}
	st.InvoiceHash = decoded.Hash

	start := time.Now()
	res, err := s.gateway.PayOut(ctx, inv.PaymentRequest)
	s.metrics.PayoutDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", payment.ErrRejected, res.Error)
	}
	st.Proof = res.Proof
	return nil
}

func (s *SettlementService) finish(ctx context.Context, st *model.Settlement, credits []model.Credit) (*model.Settlement, error) {
	st.UpdatedAt = time.Now()
	if err := s.sessions.FinishSettlement(ctx, st, credits...); err != nil {
		s.logger.Error("Failed to record settlement outcome, row left pending",
			zap.String("session_id", st.SessionID),
			zap.String("method", string(st.Method)),
			zap.Error(err))
		return nil, apperrors.Internal("failed to record settlement", err)
	}

	if st.Method == model.SettlementDirect || st.Method == model.SettlementBalance {
		if err := s.registry.AddEarned(ctx, st.NodeID, st.Share); err != nil {
			s.logger.Warn("Failed to update node earnings", zap.String("node_id", st.NodeID), zap.Error(err))
		}
	}

	s.metrics.RecordSettlement(string(st.Method), st.Share)
	s.events.Settlement(ctx, st)
	s.logger.Info("Session settled",
		zap.String("session_id", st.SessionID),
		zap.String("node_id", st.NodeID),
		zap.String("method", string(st.Method)),
		zap.Int64("billable", st.Billable),
		zap.Int64("share", st.Share),
		zap.Int64("refund", st.Refund))
	return st, nil
}
