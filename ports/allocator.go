// Package ports hands out listening ports for transfers from a configured
// inclusive range.
package ports

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrExhaustedRange is returned when every port in the range is leased.
	ErrExhaustedRange = errors.New("no free port in range")
	// ErrInvalidRange is returned for ranges that are empty or contain port 0.
	ErrInvalidRange = errors.New("invalid port range")
)

// Range is an inclusive range of TCP ports.
type Range struct {
	First uint16 `json:"first"`
	Last  uint16 `json:"last"`
}

// NewRange validates first and last and returns the range they describe.
func NewRange(first, last int) (Range, error) {
	if first < 1 || first > 65535 || last < 1 || last > 65535 {
		return Range{}, fmt.Errorf("%w: ports must be between 1 and 65535", ErrInvalidRange)
	}
	if last < first {
		return Range{}, fmt.Errorf("%w: `bind_port_last` must be greater than or equal to `bind_port_first`", ErrInvalidRange)
	}
	return Range{First: uint16(first), Last: uint16(last)}, nil
}

// Size returns the number of ports in the range.
func (r Range) Size() int {
	if r.First == 0 || r.Last < r.First {
		return 0
	}
	return int(r.Last) - int(r.First) + 1
}

// Contains reports whether port falls inside the range.
func (r Range) Contains(port uint16) bool {
	return r.Size() > 0 && port >= r.First && port <= r.Last
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// Allocator tracks which ports of a range are leased. It does not bind
// anything itself; callers bind after a successful Lease and must Release the
// port once they stop listening, including on failure.
type Allocator struct {
	rng    Range
	mu     sync.Mutex
	leases map[uint16]string
}

// NewAllocator creates an allocator over r.
func NewAllocator(r Range) *Allocator {
	return &Allocator{
		rng:    r,
		leases: make(map[uint16]string, r.Size()),
	}
}

// Range returns the range this allocator serves.
func (a *Allocator) Range() Range {
	return a.rng
}

// Lease reserves the lowest free port for owner.
func (a *Allocator) Lease(owner string) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rng.Size() == 0 {
		return 0, ErrExhaustedRange
	}

	for p := int(a.rng.First); p <= int(a.rng.Last); p++ {
		port := uint16(p)
		if _, taken := a.leases[port]; taken {
			continue
		}
		a.leases[port] = owner
		return port, nil
	}

	return 0, fmt.Errorf("%w %s", ErrExhaustedRange, a.rng)
}

// Release frees port. Releasing a port that is not leased is a no-op.
func (a *Allocator) Release(port uint16) {
	a.mu.Lock()
	delete(a.leases, port)
	a.mu.Unlock()
}

// Owner returns the owner of a leased port.
func (a *Allocator) Owner(port uint16) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.leases[port]
	return owner, ok
}

// Leased returns the number of ports currently leased.
func (a *Allocator) Leased() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leases)
}
