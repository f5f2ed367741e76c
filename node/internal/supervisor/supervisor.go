// Package supervisor owns the inference subprocesses of a node: one per
// active session, each on its own local port.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ailightning/ailightning/node/internal/config"
	nodeerrors "github.com/ailightning/ailightning/node/internal/errors"
	"github.com/ailightning/ailightning/node/internal/metrics"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	killWait   = 5 * time.Second
	exitSettle = 200 * time.Millisecond
)

// Config holds supervision parameters
type Config struct {
	Binary            string
	ExtraArgs         []string
	Host              string
	PortRangeStart    int
	PortRangeEnd      int
	ReadinessInterval time.Duration
	ReadinessAttempts int
	StopGrace         time.Duration
	CompletionTimeout time.Duration
}

// ConfigFrom converts the node's supervisor section
func ConfigFrom(c config.SupervisorConfig) Config {
	return Config{
		Binary:            c.Binary,
		ExtraArgs:         c.ExtraArgs,
		Host:              "127.0.0.1",
		PortRangeStart:    c.PortRangeStart,
		PortRangeEnd:      c.PortRangeEnd,
		ReadinessInterval: c.ReadinessInterval,
		ReadinessAttempts: c.ReadinessAttempts,
		StopGrace:         c.StopGrace,
		CompletionTimeout: c.CompletionTimeout,
	}
}

// Journal persists the pids of spawned processes so a restarted node can
// reap processes it lost track of.
type Journal interface {
	Record(sessionID string, pid int) error
	Remove(sessionID string) error
}

type nopJournal struct{}

func (nopJournal) Record(string, int) error { return nil }
func (nopJournal) Remove(string) error      { return nil }

// CommandFactory builds the command that runs an inference server
type CommandFactory func(binary string, args ...string) *exec.Cmd

// Option configures a Supervisor
type Option func(*Supervisor)

// WithCommandFactory replaces exec.Command
func WithCommandFactory(f CommandFactory) Option {
	return func(s *Supervisor) { s.newCommand = f }
}

// WithJournal records spawned pids in j
func WithJournal(j Journal) Option {
	return func(s *Supervisor) { s.journal = j }
}

// Supervisor manages inference subprocesses
type Supervisor struct {
	cfg        Config
	models     map[string]config.ModelConfig
	ports      *PortAllocator
	newCommand CommandFactory
	journal    Journal
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu      sync.Mutex
	procs   map[string]*Process
	pending map[string]struct{}
}

// New creates a supervisor for the given models
func New(cfg Config, models map[string]config.ModelConfig, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Supervisor {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	s := &Supervisor{
		cfg:        cfg,
		models:     models,
		ports:      NewPortAllocator(cfg.Host, cfg.PortRangeStart, cfg.PortRangeEnd),
		newCommand: exec.Command,
		journal:    nopJournal{},
		httpClient: &http.Client{},
		metrics:    m,
		logger:     logger,
		procs:      make(map[string]*Process),
		pending:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns an inference server for sessionID and blocks until it is
// ready, it exits, or the readiness bound runs out.
func (s *Supervisor) Start(ctx context.Context, sessionID, model string, contextSize int) (*Process, error) {
	mc, ok := s.models[model]
	if !ok {
		return nil, nodeerrors.ModelNotAvailable(model)
	}
	if contextSize <= 0 {
		contextSize = mc.Context
	}

	if err := s.claim(sessionID); err != nil {
		return nil, err
	}
	defer s.unclaim(sessionID)

	port, err := s.ports.Allocate()
	if err != nil {
		s.metrics.PortAllocFailures.Inc()
		s.logger.Error("No port available for inference server",
			zap.String("session_id", sessionID),
			zap.Int("port_range_start", s.cfg.PortRangeStart),
			zap.Int("port_range_end", s.cfg.PortRangeEnd))
		return nil, err
	}

	proc := newProcess(sessionID, model, port)
	s.mu.Lock()
	s.procs[sessionID] = proc
	s.mu.Unlock()
	s.metrics.RecordTransition("", string(nodeapi.ProcessStarting))

	args := []string{
		"-m", mc.Path,
		"--host", s.cfg.Host,
		"--port", strconv.Itoa(port),
		"-c", strconv.Itoa(contextSize),
	}
	if mc.GPULayers != 0 {
		args = append(args, "-ngl", strconv.Itoa(mc.GPULayers))
	}
	args = append(args, s.cfg.ExtraArgs...)

	cmd := s.newCommand(s.cfg.Binary, args...)
	cmd.Stdout = proc.output
	cmd.Stderr = proc.output
	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		close(proc.exited)
		s.transition(proc, nodeapi.ProcessCrashed)
		s.remove(proc)
		return nil, nodeerrors.StartupFailed("failed to spawn inference server", err).
			WithDetail("binary", s.cfg.Binary)
	}

	proc.mu.Lock()
	proc.cmd = cmd
	proc.pid = cmd.Process.Pid
	proc.mu.Unlock()

	if err := s.journal.Record(sessionID, cmd.Process.Pid); err != nil {
		s.logger.Warn("Failed to journal inference process",
			zap.String("session_id", sessionID),
			zap.Int("pid", cmd.Process.Pid),
			zap.Error(err))
	}
	go s.wait(proc)

	s.logger.Info("Inference server spawned",
		zap.String("session_id", sessionID),
		zap.String("model", model),
		zap.Int("port", port),
		zap.Int("pid", cmd.Process.Pid))

	if err := s.awaitReady(ctx, proc); err != nil {
		// A server that never became ready failed; the kill below is ours
		// but must not read as a clean stop.
		s.transition(proc, nodeapi.ProcessCrashed)
		s.terminate(proc)
		s.remove(proc)
		s.logger.Error("Inference server failed to become ready",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, err
	}

	if _, ok := s.transition(proc, nodeapi.ProcessReady); !ok {
		// Stopped or crashed between the last probe and now.
		s.remove(proc)
		return nil, nodeerrors.StartupFailed("inference server exited right after becoming ready", proc.exitError())
	}
	s.metrics.StartupDuration.Observe(time.Since(startedAt).Seconds())
	s.logger.Info("Inference server ready",
		zap.String("session_id", sessionID),
		zap.Duration("startup", time.Since(startedAt)))
	return proc, nil
}

func (s *Supervisor) claim(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.pending[sessionID]; busy {
		return nodeerrors.SessionExists(sessionID)
	}
	if p, ok := s.procs[sessionID]; ok {
		switch p.State() {
		case nodeapi.ProcessStarting, nodeapi.ProcessReady:
			return nodeerrors.SessionExists(sessionID)
		}
		// A dead handle left for status reporting is replaced.
		delete(s.procs, sessionID)
		s.metrics.RecordTransition(string(p.State()), "")
	}
	s.pending[sessionID] = struct{}{}
	return nil
}

func (s *Supervisor) unclaim(sessionID string) {
	s.mu.Lock()
	delete(s.pending, sessionID)
	s.mu.Unlock()
}

func (s *Supervisor) awaitReady(ctx context.Context, p *Process) error {
	ticker := time.NewTicker(s.cfg.ReadinessInterval)
	defer ticker.Stop()

	healthURL := "http://" + net.JoinHostPort(s.cfg.Host, strconv.Itoa(p.Port)) + "/health"
	for attempt := 1; attempt <= s.cfg.ReadinessAttempts; attempt++ {
		if s.probeReady(ctx, healthURL) {
			return nil
		}
		select {
		case <-p.exited:
			out := strings.TrimSpace(p.output.String())
			return nodeerrors.StartupFailed("inference server exited before becoming ready", p.exitError()).
				WithDetail("output", out)
		case <-ctx.Done():
			return nodeerrors.Timeout("start cancelled before readiness", ctx.Err())
		case <-ticker.C:
		}
	}
	return nodeerrors.Timeout(
		fmt.Sprintf("inference server not ready after %d attempts", s.cfg.ReadinessAttempts), nil)
}

func (s *Supervisor) probeReady(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadinessInterval)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// wait reaps the subprocess and records how it ended.
func (s *Supervisor) wait(p *Process) {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.exited)

	next := nodeapi.ProcessCrashed
	if p.isStopping() {
		next = nodeapi.ProcessStopped
	}
	if prev, ok := s.transition(p, next); ok && next == nodeapi.ProcessCrashed && prev == nodeapi.ProcessReady {
		s.logger.Error("Inference server crashed",
			zap.String("session_id", p.SessionID),
			zap.Int("pid", p.PID()),
			zap.String("output", p.output.String()),
			zap.Error(err))
	}
	s.release(p)
}

func (s *Supervisor) transition(p *Process, next nodeapi.ProcessState) (nodeapi.ProcessState, bool) {
	prev, ok := p.setState(next)
	if ok {
		s.metrics.RecordTransition(string(prev), string(next))
	}
	return prev, ok
}

// release frees the port and journal entry once per process.
func (s *Supervisor) release(p *Process) {
	p.cleanupOnce.Do(func() {
		s.ports.Release(p.Port)
		if err := s.journal.Remove(p.SessionID); err != nil {
			s.logger.Warn("Failed to remove journal entry",
				zap.String("session_id", p.SessionID),
				zap.Error(err))
		}
	})
}

func (s *Supervisor) remove(p *Process) {
	s.mu.Lock()
	if s.procs[p.SessionID] == p {
		delete(s.procs, p.SessionID)
		s.metrics.RecordTransition(string(p.State()), "")
	}
	s.mu.Unlock()
	s.release(p)
}

// terminate sends SIGTERM, waits out the grace period, then kills.
func (s *Supervisor) terminate(p *Process) {
	p.markStopping()
	if p.PID() == 0 {
		return
	}
	select {
	case <-p.exited:
		return
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("Failed to signal inference server",
			zap.String("session_id", p.SessionID),
			zap.Error(err))
	}
	select {
	case <-p.exited:
		return
	case <-time.After(s.cfg.StopGrace):
	}

	s.logger.Warn("Inference server ignored SIGTERM, killing",
		zap.String("session_id", p.SessionID),
		zap.Duration("grace", s.cfg.StopGrace))
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("Failed to kill inference server",
			zap.String("session_id", p.SessionID),
			zap.Error(err))
	}
	select {
	case <-p.exited:
	case <-time.After(killWait):
		s.logger.Error("Inference server still running after kill",
			zap.String("session_id", p.SessionID),
			zap.Int("pid", p.PID()))
	}
}

// Stop terminates the session's process. Stopping an unknown or already
// stopped session succeeds.
func (s *Supervisor) Stop(sessionID string) error {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.terminate(p)
	s.remove(p)
	s.logger.Info("Inference server stopped", zap.String("session_id", sessionID))
	return nil
}

// Shutdown stops every process concurrently.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, id := range s.Sessions(false) {
		g.Go(func() error { return s.Stop(id) })
	}
	return g.Wait()
}

// IsHealthy reports whether the session's process is still running.
func (s *Supervisor) IsHealthy(sessionID string) bool {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	s.mu.Unlock()
	return ok && p.Running()
}

// Status describes the session's process.
func (s *Supervisor) Status(sessionID string) (*nodeapi.SessionStatusResponse, error) {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, nodeerrors.SessionNotFound(sessionID)
	}
	return &nodeapi.SessionStatusResponse{
		SessionID:     p.SessionID,
		Port:          p.Port,
		Model:         p.Model,
		UptimeSeconds: time.Since(p.StartedAt).Seconds(),
		State:         p.State(),
	}, nil
}

// Sessions lists session ids with a process handle. With liveOnly set,
// crashed and stopped handles are skipped.
func (s *Supervisor) Sessions(liveOnly bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id, p := range s.procs {
		if liveOnly && !p.Running() {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Load is the number of running processes.
func (s *Supervisor) Load() int {
	return len(s.Sessions(true))
}

// Models lists the models this node can serve.
func (s *Supervisor) Models() []string {
	names := make([]string, 0, len(s.models))
	for name := range s.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
