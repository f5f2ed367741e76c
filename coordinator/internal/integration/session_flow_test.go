package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ailightning/ailightning/coordinator/internal/client"
	"github.com/ailightning/ailightning/coordinator/internal/config"
	"github.com/ailightning/ailightning/coordinator/internal/handler"
	"github.com/ailightning/ailightning/coordinator/internal/health"
	"github.com/ailightning/ailightning/coordinator/internal/metrics"
	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/ailightning/ailightning/coordinator/internal/server"
	"github.com/ailightning/ailightning/coordinator/internal/service"
	"github.com/ailightning/ailightning/coordinator/internal/store"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/ailightning/ailightning/pkg/payment"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const controlToken = "node-secret"

// fakeNode serves the node control API with in-memory process state.
type fakeNode struct {
	mu       sync.Mutex
	procs    map[string]nodeapi.ProcessState
	stops    []string
	invoiced int64
	gateway  *payment.SimulatedGateway
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	t.Helper()
	n := &fakeNode{procs: make(map[string]nodeapi.ProcessState), gateway: payment.NewSimulatedGateway()}

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Authorization") != "Bearer "+controlToken {
				writeNodeError(w, nodeapi.CodeUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.HandleFunc("/v1/sessions", n.start).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{id}", n.status).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{id}", n.stop).Methods(http.MethodDelete)
	r.HandleFunc("/v1/sessions/{id}/completion", n.completion).Methods(http.MethodPost)
	r.HandleFunc("/v1/invoices", n.invoice).Methods(http.MethodPost)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return n, srv
}

func writeNodeError(w http.ResponseWriter, code nodeapi.ErrorCode) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	json.NewEncoder(w).Encode(nodeapi.ErrorResponse{Code: code, Message: string(code)})
}

func writeNodeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (n *fakeNode) start(w http.ResponseWriter, r *http.Request) {
	var req nodeapi.StartSessionRequest
	if err := nodeapi.Decode(r.Body, &req); err != nil {
		writeNodeError(w, nodeapi.CodeInvalidArgument)
		return
	}
	n.mu.Lock()
	n.procs[req.SessionID] = nodeapi.ProcessReady
	n.mu.Unlock()
	writeNodeJSON(w, nodeapi.StartSessionResponse{Port: 11000, PID: 4242})
}

func (n *fakeNode) status(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n.mu.Lock()
	state, ok := n.procs[id]
	n.mu.Unlock()
	if !ok {
		writeNodeError(w, nodeapi.CodeSessionNotFound)
		return
	}
	writeNodeJSON(w, nodeapi.SessionStatusResponse{SessionID: id, Port: 11000, State: state})
}

func (n *fakeNode) stop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n.mu.Lock()
	delete(n.procs, id)
	n.stops = append(n.stops, id)
	n.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (n *fakeNode) completion(w http.ResponseWriter, r *http.Request) {
	var req nodeapi.CompletionRequest
	if err := nodeapi.Decode(r.Body, &req); err != nil {
		writeNodeError(w, nodeapi.CodeInvalidArgument)
		return
	}
	writeNodeJSON(w, nodeapi.CompletionResponse{Content: "echo: " + req.Prompt, TokensGenerated: 2, TokensEvaluated: 3})
}

func (n *fakeNode) invoice(w http.ResponseWriter, r *http.Request) {
	var req nodeapi.InvoiceRequest
	if err := nodeapi.Decode(r.Body, &req); err != nil {
		writeNodeError(w, nodeapi.CodeInvalidArgument)
		return
	}
	inv, err := n.gateway.CreateInvoice(r.Context(), req.Amount, req.Memo)
	if err != nil {
		writeNodeError(w, nodeapi.CodeInternal)
		return
	}
	n.mu.Lock()
	n.invoiced += req.Amount
	n.mu.Unlock()
	writeNodeJSON(w, nodeapi.InvoiceResponse{PaymentRequest: inv.PaymentRequest, Hash: inv.Hash, Amount: inv.Amount})
}

func (n *fakeNode) crash(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.procs[sessionID] = nodeapi.ProcessCrashed
}

func (n *fakeNode) stopped() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.stops...)
}

func (n *fakeNode) totalInvoiced() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.invoiced
}

type coordinator struct {
	handler  http.Handler
	sessions store.SessionStore
	sweeper  *service.SweeperService
}

// newCoordinator wires the coordinator the way the serve command does, with
// miniredis, the in-memory session store and the simulated gateway.
func newCoordinator(t *testing.T) *coordinator {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	cfg := config.DefaultConfig()
	cfg.RateLimiter.Enabled = false
	logger := zap.NewNop()
	m := metrics.NewMetrics(prometheus.NewRegistry())

	nodeStore := store.NewRedisNodeStore(rc, "it", logger)
	sessionStore := store.NewMemorySessionStore()
	gateway := payment.NewSimulatedGateway()
	nodeClient := client.NewNodeClient(client.Timeouts{
		Start:      5 * time.Second,
		Stop:       5 * time.Second,
		Status:     5 * time.Second,
		Completion: 5 * time.Second,
		Invoice:    5 * time.Second,
	}, m, logger)
	events := service.NewEventService(service.NopPublisher{}, "it", logger)

	registry := service.NewRegistryService(nodeStore, sessionStore,
		cfg.Registry.LivenessTimeout, cfg.Registry.HeartbeatInterval, m, logger)
	settlement := service.NewSettlementService(sessionStore, registry, nodeClient, gateway, events,
		service.SettlementConfig{PayoutRatio: 0.7, MinPayout: 1}, m, logger)
	orchestrator := service.NewOrchestratorService(sessionStore, registry, nodeClient, gateway, settlement, events,
		store.NewRedisLocker(rc, "it", time.Minute, logger),
		service.NewIdempotencyService(store.NewRedisIdempotencyStore(rc, "it"), time.Hour, logger),
		service.OrchestratorConfig{
			PaymentWindow: 15 * time.Minute,
			LockWait:      10 * time.Second,
			MinMinutes:    1,
			MaxMinutes:    120,
		}, m, logger)
	sweeper := service.NewSweeperService(sessionStore, orchestrator, registry, nodeClient,
		service.StandaloneLeadership{}, time.Second, 4, m, logger)

	hc := health.NewHealthChecker(logger)
	hc.Register("registry_store", nodeStore)
	hc.Register("session_store", sessionStore)
	hc.Register("payment", gateway)

	srv := server.NewServer(cfg, orchestrator, registry, hc, m, logger)
	return &coordinator{handler: srv.Handler(), sessions: sessionStore, sweeper: sweeper}
}

func (c *coordinator) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec.Code
}

func (c *coordinator) registerNode(t *testing.T, address string) string {
	t.Helper()
	var resp nodeapi.RegisterResponse
	code := c.do(t, http.MethodPost, "/v1/nodes/register", &nodeapi.RegisterRequest{
		OwnerID: "owner-1",
		Address: address,
		Capabilities: map[string]nodeapi.Capability{
			"base": {Path: "/models/base.gguf", Context: 2048, PricePerMinute: 1000},
		},
		PayoutAddress: "owner-1@ln.example",
		ControlToken:  controlToken,
	}, &resp)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, resp.NodeID)
	return resp.NodeID
}

func (c *coordinator) activeSession(t *testing.T) *model.Session {
	t.Helper()
	var session model.Session
	require.Equal(t, http.StatusCreated, c.do(t, http.MethodPost, "/v1/sessions",
		map[string]interface{}{"user_id": "alice", "model": "base", "minutes": 5}, &session))
	require.Equal(t, model.SessionPendingPayment, session.State)
	assert.Equal(t, int64(5000), session.Amount)

	require.Equal(t, http.StatusOK, c.do(t, http.MethodPost, "/v1/sessions/"+session.ID+"/check-payment", nil, &session))
	require.Equal(t, model.SessionActive, session.State)
	return &session
}

func (c *coordinator) balance(t *testing.T, user string) int64 {
	t.Helper()
	var resp handler.BalanceResponse
	require.Equal(t, http.StatusOK, c.do(t, http.MethodGet, "/v1/users/"+user+"/balance", nil, &resp))
	return resp.Balance
}

func TestSessionFlow_StartCompleteStop(t *testing.T) {
	node, nodeSrv := newFakeNode(t)
	c := newCoordinator(t)
	c.registerNode(t, nodeSrv.URL)

	session := c.activeSession(t)
	assert.Equal(t, 11000, session.Port)

	var completion nodeapi.CompletionResponse
	require.Equal(t, http.StatusOK, c.do(t, http.MethodPost, "/v1/sessions/"+session.ID+"/completion",
		&nodeapi.CompletionRequest{Prompt: "hi", MaxTokens: 8}, &completion))
	assert.Equal(t, "echo: hi", completion.Content)

	var stop handler.StopResponse
	require.Equal(t, http.StatusOK, c.do(t, http.MethodPost, "/v1/sessions/"+session.ID+"/stop", nil, &stop))
	assert.True(t, stop.Stopped)
	require.NotNil(t, stop.Session)
	assert.Equal(t, model.SessionEnded, stop.Session.State)
	assert.Equal(t, []string{session.ID}, node.stopped())

	// a user stop bills the purchase; the node is paid 70% directly
	assert.Equal(t, int64(0), c.balance(t, "alice"))
	assert.Equal(t, int64(3500), node.totalInvoiced())

	st, err := c.sessions.GetSettlement(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementDirect, st.Method)
	assert.Equal(t, int64(3500), st.Share)
}

func TestSessionFlow_CrashDetectedBySweep(t *testing.T) {
	node, nodeSrv := newFakeNode(t)
	c := newCoordinator(t)
	c.registerNode(t, nodeSrv.URL)

	session := c.activeSession(t)
	node.crash(session.ID)

	require.NoError(t, c.sweeper.Sweep(context.Background()))

	var out model.Session
	require.Equal(t, http.StatusOK, c.do(t, http.MethodGet, "/v1/sessions/"+session.ID, nil, &out))
	assert.Equal(t, model.SessionEnded, out.State)
	assert.Equal(t, model.EndCrashed, out.EndReason)
	assert.GreaterOrEqual(t, c.balance(t, "alice"), int64(4990))

	var completion nodeapi.CompletionResponse
	assert.Equal(t, http.StatusConflict, c.do(t, http.MethodPost, "/v1/sessions/"+session.ID+"/completion",
		&nodeapi.CompletionRequest{Prompt: "hi"}, &completion))
}

func TestSessionFlow_RetriedCreateReusesInvoice(t *testing.T) {
	_, nodeSrv := newFakeNode(t)
	c := newCoordinator(t)
	c.registerNode(t, nodeSrv.URL)

	create := func() model.Session {
		body, _ := json.Marshal(map[string]interface{}{"user_id": "alice", "model": "base", "minutes": 5})
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(body))
		req.Header.Set("Idempotency-Key", "checkout-42")
		rec := httptest.NewRecorder()
		c.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code)
		var s model.Session
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
		return s
	}

	first, second := create(), create()
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.PaymentRequest, second.PaymentRequest)
}

func TestSessionFlow_UnauthorizedNodeRefunds(t *testing.T) {
	_, nodeSrv := newFakeNode(t)
	c := newCoordinator(t)

	var resp nodeapi.RegisterResponse
	require.Equal(t, http.StatusCreated, c.do(t, http.MethodPost, "/v1/nodes/register", &nodeapi.RegisterRequest{
		OwnerID:      "owner-1",
		Address:      nodeSrv.URL,
		Capabilities: map[string]nodeapi.Capability{"base": {Context: 2048, PricePerMinute: 1000}},
		ControlToken: "wrong",
	}, &resp))

	var session model.Session
	require.Equal(t, http.StatusCreated, c.do(t, http.MethodPost, "/v1/sessions",
		map[string]interface{}{"user_id": "alice", "model": "base", "minutes": 5}, &session))
	require.Equal(t, http.StatusOK, c.do(t, http.MethodPost, "/v1/sessions/"+session.ID+"/check-payment", nil, &session))

	assert.Equal(t, model.SessionRefunded, session.State)
	assert.Equal(t, int64(5000), c.balance(t, "alice"))
}
