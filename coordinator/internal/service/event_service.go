package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher delivers an event payload to a subject
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Close()
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, subject string, payload []byte) error { return nil }
func (NopPublisher) Close()                                                          {}

// NATSPublisher publishes events to a NATS server
type NATSPublisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATSPublisher connects to url and keeps reconnecting in the background
func NewNATSPublisher(url, name string, logger *zap.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc, logger: logger}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return p.nc.Publish(subject, payload)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// SessionEvent is published on every session transition
type SessionEvent struct {
	SessionID string             `json:"session_id"`
	UserID    string             `json:"user_id"`
	NodeID    string             `json:"node_id"`
	Model     string             `json:"model"`
	From      model.SessionState `json:"from"`
	To        model.SessionState `json:"to"`
	Reason    string             `json:"reason,omitempty"`
	At        time.Time          `json:"at"`
}

// EventService publishes lifecycle and settlement events. Failures are
// logged and never returned to callers.
type EventService struct {
	publisher Publisher
	prefix    string
	logger    *zap.Logger
}

func NewEventService(publisher Publisher, prefix string, logger *zap.Logger) *EventService {
	return &EventService{
		publisher: publisher,
		prefix:    prefix,
		logger:    logger,
	}
}

// SessionTransition publishes to <prefix>.session.<to>
func (s *EventService) SessionTransition(ctx context.Context, session *model.Session, from model.SessionState, reason string) {
	s.publish(ctx, fmt.Sprintf("%s.session.%s", s.prefix, session.State), SessionEvent{
		SessionID: session.ID,
		UserID:    session.UserID,
		NodeID:    session.NodeID,
		Model:     session.Model,
		From:      from,
		To:        session.State,
		Reason:    reason,
		At:        time.Now(),
	})
}

// Settlement publishes to <prefix>.settlement
func (s *EventService) Settlement(ctx context.Context, st *model.Settlement) {
	s.publish(ctx, s.prefix+".settlement", st)
}

func (s *EventService) publish(ctx context.Context, subject string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := s.publisher.Publish(ctx, subject, payload); err != nil {
		s.logger.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// Close flushes and closes the publisher
func (s *EventService) Close() {
	s.publisher.Close()
}
