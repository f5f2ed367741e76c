package supervisor

import (
	"fmt"
	"net"
	"sync"

	nodeerrors "github.com/ailightning/ailightning/node/internal/errors"
)

// PortAllocator hands out local ports for inference processes. A port stays
// reserved from allocation until Release, so two concurrent starts never get
// the same port even before either process has bound it.
type PortAllocator struct {
	mu       sync.Mutex
	host     string
	start    int
	end      int
	reserved map[int]struct{}
}

func NewPortAllocator(host string, start, end int) *PortAllocator {
	return &PortAllocator{
		host:     host,
		start:    start,
		end:      end,
		reserved: make(map[int]struct{}),
	}
}

// Allocate returns the first port in range that is neither reserved nor
// bound by another process. The probe listener is closed before returning;
// a process that loses the bind race afterwards fails its own startup.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.start; port <= a.end; port++ {
		if _, taken := a.reserved[port]; taken {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, nodeerrors.NoPortAvailable(a.start, a.end)
}

// Release returns a port to the pool. Releasing an unreserved port is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
}

// InUse returns the number of reserved ports.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reserved)
}

func (a *PortAllocator) probe(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(a.host, fmt.Sprint(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
