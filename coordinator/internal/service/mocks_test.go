package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ailightning/ailightning/coordinator/internal/metrics"
	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/ailightning/ailightning/coordinator/internal/store"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/ailightning/ailightning/pkg/payment"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockNodeAPI is a mock implementation of NodeAPI
type MockNodeAPI struct {
	mock.Mock
}

func (m *MockNodeAPI) StartSession(ctx context.Context, node *model.Node, req *nodeapi.StartSessionRequest) (*nodeapi.StartSessionResponse, error) {
	args := m.Called(ctx, node, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*nodeapi.StartSessionResponse), args.Error(1)
}

func (m *MockNodeAPI) StopSession(ctx context.Context, node *model.Node, sessionID string) error {
	args := m.Called(ctx, node, sessionID)
	return args.Error(0)
}

func (m *MockNodeAPI) SessionStatus(ctx context.Context, node *model.Node, sessionID string) (*nodeapi.SessionStatusResponse, error) {
	args := m.Called(ctx, node, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*nodeapi.SessionStatusResponse), args.Error(1)
}

func (m *MockNodeAPI) Completion(ctx context.Context, node *model.Node, sessionID string, req *nodeapi.CompletionRequest) (*nodeapi.CompletionResponse, error) {
	args := m.Called(ctx, node, sessionID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*nodeapi.CompletionResponse), args.Error(1)
}

func (m *MockNodeAPI) CompletionStream(ctx context.Context, node *model.Node, sessionID string, req *nodeapi.CompletionRequest, emit func(nodeapi.StreamChunk) error) error {
	args := m.Called(ctx, node, sessionID, req, emit)
	return args.Error(0)
}

func (m *MockNodeAPI) CreateInvoice(ctx context.Context, node *model.Node, req *nodeapi.InvoiceRequest) (*nodeapi.InvoiceResponse, error) {
	args := m.Called(ctx, node, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*nodeapi.InvoiceResponse), args.Error(1)
}

// MockGateway wraps the simulated gateway; invoice state and PayOut can be
// scripted.
type MockGateway struct {
	*payment.SimulatedGateway
	mu       sync.Mutex
	paid     bool
	checkErr error
	payOut   func(ctx context.Context, pr string) (*payment.PayoutResult, error)
	payCalls int
}

func newMockGateway() *MockGateway {
	return &MockGateway{SimulatedGateway: payment.NewSimulatedGateway(), paid: true}
}

func (g *MockGateway) setPaid(paid bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paid = paid
}

func (g *MockGateway) IsPaid(ctx context.Context, hash string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paid
}

func (g *MockGateway) setCheckErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkErr = err
}

func (g *MockGateway) CheckInvoice(ctx context.Context, hash string) (*payment.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checkErr != nil {
		return nil, g.checkErr
	}
	return &payment.Invoice{Hash: hash, Settled: g.paid}, nil
}

func (g *MockGateway) PayOut(ctx context.Context, pr string) (*payment.PayoutResult, error) {
	g.mu.Lock()
	g.payCalls++
	fn := g.payOut
	g.mu.Unlock()
	if fn != nil {
		return fn(ctx, pr)
	}
	return g.SimulatedGateway.PayOut(ctx, pr)
}

// MockPublisher records published subjects
type MockPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *MockPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *MockPublisher) Close() {}

func (p *MockPublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

// fakeClock is shared by the services under test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	mr           *miniredis.Miniredis
	nodes        *store.RedisNodeStore
	sessions     *store.MemorySessionStore
	nodeAPI      *MockNodeAPI
	gateway      *MockGateway
	publisher    *MockPublisher
	clock        *fakeClock
	registry     *RegistryService
	settlement   *SettlementService
	orchestrator *OrchestratorService
	sweeper      *SweeperService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	logger := zap.NewNop()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	f := &fixture{
		mr:        mr,
		nodes:     store.NewRedisNodeStore(rc, "test", logger),
		sessions:  store.NewMemorySessionStore(),
		nodeAPI:   &MockNodeAPI{},
		gateway:   newMockGateway(),
		publisher: &MockPublisher{},
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	events := NewEventService(f.publisher, "test", logger)

	f.registry = NewRegistryService(f.nodes, f.sessions, 30*time.Second, 5*time.Second, m, logger)
	f.registry.now = f.clock.Now
	f.settlement = NewSettlementService(f.sessions, f.registry, f.nodeAPI, f.gateway, events,
		SettlementConfig{PayoutRatio: 0.7, MinPayout: 1}, m, logger)
	f.orchestrator = NewOrchestratorService(f.sessions, f.registry, f.nodeAPI, f.gateway, f.settlement, events,
		store.NewLocalLocker(), NewIdempotencyService(store.NewRedisIdempotencyStore(rc, "test"), time.Hour, logger),
		OrchestratorConfig{
			PaymentWindow: 15 * time.Minute,
			LockWait:      5 * time.Second,
			MinMinutes:    1,
			MaxMinutes:    120,
		}, m, logger)
	f.orchestrator.now = f.clock.Now
	f.sweeper = NewSweeperService(f.sessions, f.orchestrator, f.registry, f.nodeAPI, StandaloneLeadership{},
		time.Second, 4, m, logger)
	return f
}

// registerNode registers a node serving base at 1000 per minute
func (f *fixture) registerNode(t *testing.T, owner, payout string) *model.Node {
	t.Helper()
	resp, err := f.registry.Register(context.Background(), &nodeapi.RegisterRequest{
		OwnerID: owner,
		Address: "http://" + owner + ".example:7000",
		Capabilities: map[string]nodeapi.Capability{
			"base": {Path: "/models/base.gguf", Context: 2048, PricePerMinute: 1000},
		},
		PayoutAddress: payout,
	})
	require.NoError(t, err)
	node, err := f.registry.GetNode(context.Background(), resp.NodeID)
	require.NoError(t, err)
	return node
}

func (f *fixture) node(t *testing.T, id string) *model.Node {
	t.Helper()
	node, err := f.nodes.GetNode(context.Background(), id)
	require.NoError(t, err)
	return node
}

func (f *fixture) balance(t *testing.T, account string) int64 {
	t.Helper()
	b, err := f.sessions.GetBalance(context.Background(), account)
	require.NoError(t, err)
	return b
}

// activeSession creates and activates a 5 minute base session on node
func (f *fixture) activeSession(t *testing.T, user string) *model.Session {
	t.Helper()
	ctx := context.Background()
	f.nodeAPI.On("StartSession", mock.Anything, mock.Anything, mock.Anything).
		Return(&nodeapi.StartSessionResponse{Port: 11000, PID: 4242}, nil).Once()

	session, err := f.orchestrator.CreateSession(ctx, &CreateSessionRequest{UserID: user, Model: "base", Minutes: 5})
	require.NoError(t, err)
	session, err = f.orchestrator.CheckPayment(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionActive, session.State)
	return session
}

// allowStops accepts every remote stop call
func (f *fixture) allowStops() {
	f.nodeAPI.On("StopSession", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
}
