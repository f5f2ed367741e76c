package supervisor

import (
	"os/exec"
	"sync"
	"time"

	"github.com/ailightning/ailightning/pkg/nodeapi"
)

// Process is the node-local handle of one inference subprocess.
type Process struct {
	SessionID string
	Model     string
	Port      int
	StartedAt time.Time

	cmd    *exec.Cmd
	output *tailBuffer
	exited chan struct{}

	mu       sync.Mutex
	state    nodeapi.ProcessState
	pid      int
	exitErr  error
	stopping bool

	cleanupOnce sync.Once
}

func newProcess(sessionID, model string, port int) *Process {
	return &Process{
		SessionID: sessionID,
		Model:     model,
		Port:      port,
		StartedAt: time.Now(),
		output:    newTailBuffer(8 << 10),
		exited:    make(chan struct{}),
		state:     nodeapi.ProcessStarting,
	}
}

// State returns the current health state.
func (p *Process) State() nodeapi.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PID returns the OS process id, zero before spawn.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Running reports whether the subprocess has not exited.
func (p *Process) Running() bool {
	select {
	case <-p.exited:
		return false
	default:
		return p.PID() != 0
	}
}

// Exited is closed once the subprocess has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// setState moves to next and returns the previous state. Terminal states
// are never left.
func (p *Process) setState(next nodeapi.ProcessState) (nodeapi.ProcessState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.state
	if prev == nodeapi.ProcessStopped || prev == nodeapi.ProcessCrashed || prev == next {
		return prev, false
	}
	p.state = next
	return prev, true
}

func (p *Process) markStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	already := p.stopping
	p.stopping = true
	return already
}

func (p *Process) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

func (p *Process) exitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
