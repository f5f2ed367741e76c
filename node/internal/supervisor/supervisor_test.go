package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ailightning/ailightning/node/internal/config"
	nodeerrors "github.com/ailightning/ailightning/node/internal/errors"
	"github.com/ailightning/ailightning/node/internal/metrics"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testModels = map[string]config.ModelConfig{
	"base": {Path: "/models/base.gguf", Context: 2048, PricePerMinute: 1000, GPULayers: 20},
}

type memJournal struct {
	mu   sync.Mutex
	pids map[string]int
}

func (j *memJournal) Record(id string, pid int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pids[id] = pid
	return nil
}

func (j *memJournal) Remove(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.pids, id)
	return nil
}

func (j *memJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pids)
}

func newTestSupervisor(t *testing.T, mode string, portStart int) (*Supervisor, *memJournal) {
	t.Helper()
	j := &memJournal{pids: make(map[string]int)}
	s := New(Config{
		Binary:            "llama-server",
		PortRangeStart:    portStart,
		PortRangeEnd:      portStart + 20,
		ReadinessInterval: 50 * time.Millisecond,
		ReadinessAttempts: 100,
		StopGrace:         300 * time.Millisecond,
		CompletionTimeout: 5 * time.Second,
	}, testModels, metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop(),
		WithCommandFactory(helperCommand(mode)),
		WithJournal(j))
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s, j
}

func TestSupervisor_StartAndStop(t *testing.T) {
	s, j := newTestSupervisor(t, "ok", 31000)

	p, err := s.Start(context.Background(), "s1", "base", 0)
	require.NoError(t, err)
	assert.Equal(t, 31000, p.Port)
	assert.NotZero(t, p.PID())
	assert.Equal(t, nodeapi.ProcessReady, p.State())
	assert.True(t, s.IsHealthy("s1"))
	assert.Equal(t, 1, s.Load())
	assert.Equal(t, 1, j.len())

	st, err := s.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, "base", st.Model)
	assert.Equal(t, nodeapi.ProcessReady, st.State)

	require.NoError(t, s.Stop("s1"))
	assert.False(t, s.IsHealthy("s1"))
	assert.Equal(t, 0, s.Load())
	assert.Equal(t, 0, j.len())
	assert.Equal(t, nodeapi.ProcessStopped, p.State())

	// The port is free again.
	p2, err := s.Start(context.Background(), "s2", "base", 0)
	require.NoError(t, err)
	assert.Equal(t, 31000, p2.Port)
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	s, _ := newTestSupervisor(t, "ok", 31030)

	assert.NoError(t, s.Stop("never-started"))

	_, err := s.Start(context.Background(), "s1", "base", 0)
	require.NoError(t, err)
	assert.NoError(t, s.Stop("s1"))
	assert.NoError(t, s.Stop("s1"))
}

func TestSupervisor_UnknownModel(t *testing.T) {
	s, _ := newTestSupervisor(t, "ok", 31060)
	_, err := s.Start(context.Background(), "s1", "huge", 0)
	assert.Equal(t, nodeapi.CodeModelNotAvailable, nodeerrors.GetCode(err))
}

func TestSupervisor_DuplicateSession(t *testing.T) {
	s, _ := newTestSupervisor(t, "ok", 31090)
	_, err := s.Start(context.Background(), "s1", "base", 0)
	require.NoError(t, err)
	_, err = s.Start(context.Background(), "s1", "base", 0)
	assert.Equal(t, nodeapi.CodeSessionExists, nodeerrors.GetCode(err))
}

func TestSupervisor_ExitBeforeReadyCapturesOutput(t *testing.T) {
	s, j := newTestSupervisor(t, "crash", 31120)

	_, err := s.Start(context.Background(), "s1", "base", 0)
	require.Error(t, err)
	assert.Equal(t, nodeapi.CodeStartupFailed, nodeerrors.GetCode(err))

	var ne *nodeerrors.NodeError
	require.ErrorAs(t, err, &ne)
	assert.Contains(t, ne.Details["output"], "file is corrupt")

	assert.False(t, s.IsHealthy("s1"))
	assert.Equal(t, 0, s.ports.InUse())
	assert.Equal(t, 0, j.len())
}

func TestSupervisor_ReadinessBound(t *testing.T) {
	s, _ := newTestSupervisor(t, "never-ready", 31150)
	s.cfg.ReadinessAttempts = 5

	_, err := s.Start(context.Background(), "s1", "base", 0)
	require.Error(t, err)
	assert.Equal(t, nodeapi.CodeTimeout, nodeerrors.GetCode(err))
	assert.Empty(t, s.Sessions(false))
	assert.Equal(t, 0, s.ports.InUse())

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.ProcessTransitions.WithLabelValues(string(nodeapi.ProcessCrashed))))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.ProcessTransitions.WithLabelValues(string(nodeapi.ProcessStopped))))
}

func TestSupervisor_StopKillsAfterGrace(t *testing.T) {
	s, _ := newTestSupervisor(t, "ignore-term", 31180)

	p, err := s.Start(context.Background(), "s1", "base", 0)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Stop("s1"))
	assert.GreaterOrEqual(t, time.Since(start), s.cfg.StopGrace)
	assert.False(t, p.Running())
}

func TestSupervisor_CrashIsReported(t *testing.T) {
	s, _ := newTestSupervisor(t, "ok", 31210)

	p, err := s.Start(context.Background(), "s1", "base", 0)
	require.NoError(t, err)
	require.NoError(t, p.cmd.Process.Kill())

	require.Eventually(t, func() bool { return p.State() == nodeapi.ProcessCrashed }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, s.IsHealthy("s1"))

	st, err := s.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, nodeapi.ProcessCrashed, st.State)
	assert.Empty(t, s.Sessions(true))

	_, err = s.Completion(context.Background(), "s1", &nodeapi.CompletionRequest{Prompt: "hi"})
	assert.Equal(t, nodeapi.CodeProcessTerminated, nodeerrors.GetCode(err))
}

func TestPortAllocator_ConcurrentUnique(t *testing.T) {
	a := NewPortAllocator("127.0.0.1", 32000, 32099)

	const n = 40
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ports = make(map[int]int)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := a.Allocate()
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ports[port]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ports, n)
	for port, count := range ports {
		assert.Equal(t, 1, count, "port %d handed out twice", port)
	}
}

func TestPortAllocator_Exhausted(t *testing.T) {
	a := NewPortAllocator("127.0.0.1", 32200, 32201)
	_, err := a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	assert.Equal(t, nodeapi.CodeNoPortAvailable, nodeerrors.GetCode(err))

	a.Release(32200)
	port, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 32200, port)
}
