package handler

import (
	"context"
	"net/http"
	"time"

	apperrors "github.com/ailightning/ailightning/coordinator/internal/errors"
	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/ailightning/ailightning/coordinator/internal/service"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// MockSessions is a mock implementation of Sessions
type MockSessions struct {
	mock.Mock
}

func (m *MockSessions) CreateSession(ctx context.Context, req *service.CreateSessionRequest) (*model.Session, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *MockSessions) CheckPayment(ctx context.Context, sessionID string) (*model.Session, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *MockSessions) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *MockSessions) StopSession(ctx context.Context, sessionID string) (*model.Session, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *MockSessions) Completion(ctx context.Context, sessionID string, req *nodeapi.CompletionRequest) (*nodeapi.CompletionResponse, error) {
	args := m.Called(ctx, sessionID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*nodeapi.CompletionResponse), args.Error(1)
}

func (m *MockSessions) CompletionStream(ctx context.Context, sessionID string, req *nodeapi.CompletionRequest, emit func(nodeapi.StreamChunk) error) error {
	args := m.Called(ctx, sessionID, req, emit)
	return args.Error(0)
}

func (m *MockSessions) GetBalance(ctx context.Context, account string) (int64, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(int64), args.Error(1)
}

// MockRegistry is a mock implementation of Registry
type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) Register(ctx context.Context, req *nodeapi.RegisterRequest) (*nodeapi.RegisterResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*nodeapi.RegisterResponse), args.Error(1)
}

func (m *MockRegistry) Heartbeat(ctx context.Context, nodeID string, req *nodeapi.HeartbeatRequest) (*nodeapi.HeartbeatResponse, error) {
	args := m.Called(ctx, nodeID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*nodeapi.HeartbeatResponse), args.Error(1)
}

func (m *MockRegistry) Unregister(ctx context.Context, nodeID string) error {
	return m.Called(ctx, nodeID).Error(0)
}

func (m *MockRegistry) ListNodes(ctx context.Context) ([]service.NodeView, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]service.NodeView), args.Error(1)
}

// newTestRouter mounts the handlers the way the server does
func newTestRouter(sessions Sessions, registry Registry) *mux.Router {
	logger := zap.NewNop()
	eh := apperrors.NewHandler(logger)
	sh := NewSessionHandler(sessions, eh, time.Minute, logger)
	nh := NewNodeHandler(registry, eh, logger)
	ch := NewChatHandler(sessions, eh, time.Minute, logger)

	r := mux.NewRouter()
	r.HandleFunc("/v1/nodes/register", nh.Register).Methods(http.MethodPost)
	r.HandleFunc("/v1/nodes/{node_id}/heartbeat", nh.Heartbeat).Methods(http.MethodPost)
	r.HandleFunc("/v1/nodes/{node_id}", nh.Unregister).Methods(http.MethodDelete)
	r.HandleFunc("/v1/nodes", nh.ListNodes).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions", sh.CreateSession).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{session_id}/check-payment", sh.CheckPayment).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{session_id}", sh.GetSession).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{session_id}/completion", sh.Completion).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{session_id}/chat", ch.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{session_id}/stop", sh.StopSession).Methods(http.MethodPost)
	r.HandleFunc("/v1/users/{user_id}/balance", sh.GetBalance).Methods(http.MethodGet)
	return r
}
