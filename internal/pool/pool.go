// Package pool implements the driver's connection pool: two
// ordered sets ("good" and "pessimized"), round-robin selection,
// pessimization with a 60s deadline, and locality-aware filtering.
package pool

import (
	"sync"
	"time"

	"github.com/nexusdb/nexus-go-sdk/internal/xconn"
	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
)

// PessimizationDuration is the fixed exclusion window after an endpoint
// fault.
const PessimizationDuration = 60 * time.Second

// AcquireOptions filters connection selection.
type AcquireOptions struct {
	PreferNodeID     uint32
	PreferLocations  []string
	// AllowFallback widens selection to the full set when a PreferLocations
	// filter produces an empty candidate set. The zero value (false) keeps
	// that filter strict; the pool's local-DC filter, used when
	// PreferLocations is empty, always falls back.
	AllowFallback bool
}

// Stats is a point-in-time snapshot of pool composition.
type Stats struct {
	Good       int
	Pessimized int
}

// Pool holds the good and pessimized connection sets.
type Pool struct {
	mu         sync.Mutex
	good       *orderedSet
	pessimized *orderedSet
	localDC    string
	chanOpts   xconn.ChannelOptions
	now        func() time.Time // overridable for tests
}

// New constructs an empty pool. localDC, if non-empty, is used to filter
// selection by default.
func New(localDC string, chanOpts xconn.ChannelOptions) *Pool {
	return &Pool{
		good:       newOrderedSet(),
		pessimized: newOrderedSet(),
		localDC:    localDC,
		chanOpts:   chanOpts,
		now:        time.Now,
	}
}

// Add creates a lazy connection for endpoint, replacing (and closing) any
// existing connection for the same node id.
func (p *Pool) Add(ep xproto.Endpoint) *xconn.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.good.remove(ep.NodeID); ok {
		old.Close()
	}
	if old, ok := p.pessimized.remove(ep.NodeID); ok {
		old.Close()
	}

	conn := xconn.New(ep, p.chanOpts)
	p.good.insertTail(ep.NodeID, conn)
	return conn
}

// unpessimizeExpired migrates connections whose deadline has elapsed back
// into the good set. Must be called with mu held.
func (p *Pool) unpessimizeExpired() {
	now := p.now()
	for _, conn := range p.pessimized.all() {
		if !conn.IsPessimized(now) {
			p.pessimized.remove(conn.Endpoint.NodeID)
			conn.ClearPessimization()
			p.good.insertTail(conn.Endpoint.NodeID, conn)
		}
	}
}

// Acquire selects a connection in order of preference: (1) exact node match
// among good; (2) round-robin good; (3) preferred match among pessimized;
// (4) round-robin pessimized; (5) fail.
func (p *Pool) Acquire(opts AcquireOptions) (*xconn.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.unpessimizeExpired()

	allowFallback := opts.AllowFallback
	locations := opts.PreferLocations
	if len(locations) == 0 && p.localDC != "" {
		locations = []string{p.localDC}
		allowFallback = true
	}

	if opts.PreferNodeID != 0 {
		if conn, ok := p.good.get(opts.PreferNodeID); ok {
			return conn, nil
		}
	}

	if conn := p.pickFiltered(p.good, locations, allowFallback); conn != nil {
		p.good.rotateToTail(conn.Endpoint.NodeID)
		return conn, nil
	}

	if opts.PreferNodeID != 0 {
		if conn, ok := p.pessimized.get(opts.PreferNodeID); ok {
			return conn, nil
		}
	}

	if conn := p.pickFiltered(p.pessimized, locations, allowFallback); conn != nil {
		p.pessimized.rotateToTail(conn.Endpoint.NodeID)
		return conn, nil
	}

	return nil, xerrors.ErrNoConnection
}

// pickFiltered returns the head of set restricted to locations; if that
// filtered view is empty and allowFallback is true, it widens
// to the full set's head.
func (p *Pool) pickFiltered(set *orderedSet, locations []string, allowFallback bool) *xconn.Connection {
	if len(locations) == 0 {
		conn, ok := set.front()
		if !ok {
			return nil
		}
		return conn
	}

	locSet := make(map[string]struct{}, len(locations))
	for _, l := range locations {
		locSet[l] = struct{}{}
	}

	for _, conn := range set.all() {
		if _, ok := locSet[conn.Endpoint.Location]; ok {
			return conn
		}
	}

	if allowFallback {
		conn, ok := set.front()
		if !ok {
			return nil
		}
		return conn
	}
	return nil
}

// Pessimize excludes conn from primary selection for PessimizationDuration
//. NotFound errors are excluded by callers (they are caller
// errors, not endpoint faults) — Pessimize itself is unconditional, the
// caller decides whether to invoke it.
func (p *Pool) Pessimize(conn *xconn.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := p.now().Add(PessimizationDuration)
	conn.Pessimize(deadline)

	if _, ok := p.good.remove(conn.Endpoint.NodeID); ok {
		p.pessimized.insertTail(conn.Endpoint.NodeID, conn)
	}
}

// Stats reports the current pool composition.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Good: p.good.len(), Pessimized: p.pessimized.len()}
}

// Close closes every connection's channel and clears both sets.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, conn := range p.good.all() {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, conn := range p.pessimized.all() {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.good = newOrderedSet()
	p.pessimized = newOrderedSet()
	return firstErr
}
