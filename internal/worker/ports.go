package worker

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrNoFreePort is returned when every port in the configured range is taken.
var ErrNoFreePort = errors.New("worker: no free port in range")

// PortPool leases debug ports so that no two live workers share one. A port
// is leased only if it is not already leased and can be bound on loopback.
type PortPool struct {
	mu     sync.Mutex
	leased map[int]struct{}
}

// NewPortPool returns an empty pool.
func NewPortPool() *PortPool {
	return &PortPool{leased: make(map[int]struct{})}
}

// defaultPorts serves workers started without a pool of their own.
var defaultPorts = NewPortPool()

// Acquire leases the first usable port in [min, max].
func (pp *PortPool) Acquire(min, max int) (int, error) {
	if max < min {
		max = min
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()
	for port := min; port <= max; port++ {
		if _, ok := pp.leased[port]; ok {
			continue
		}
		if !bindable(port) {
			continue
		}
		pp.leased[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("%w [%d-%d]", ErrNoFreePort, min, max)
}

// Release returns port to the pool. Releasing a port not leased is a no-op.
func (pp *PortPool) Release(port int) {
	pp.mu.Lock()
	delete(pp.leased, port)
	pp.mu.Unlock()
}

// Leased reports how many ports are currently out.
func (pp *PortPool) Leased() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.leased)
}

func bindable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
