// Package proxypool manages a fixed list of credentialed egress proxies for
// the scrape collector, tracking health per spec §4.2 and §4.12's state
// machine.
package proxypool

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrNoHealthyProxy is returned by Lease when every proxy is FAILED even
// after a recovery pass.
var ErrNoHealthyProxy = errors.New("proxypool: no healthy proxy available")

// State is a proxy's lifecycle state, per spec §4.12.
type State string

const (
	StateTesting  State = "TESTING"
	StateHealthy  State = "HEALTHY"
	StateDegraded State = "DEGRADED"
	StateFailed   State = "FAILED"
)

// Endpoint is one proxy credential set.
type Endpoint struct {
	Host string
	Port int
	User string
	Pass string
}

type proxyRecord struct {
	endpoint        Endpoint
	state           State
	successCount    int
	failureCount    int
	consecutiveFail int
	ewmaRTT         time.Duration
	lastUsed        time.Time
}

// Handle is an opaque lease on a proxy, returned by Lease and passed back to
// Report.
type Handle struct {
	index    int
	Endpoint Endpoint
}

// Config tunes pool behavior (spec §6.7 proxy.* keys).
type Config struct {
	MaxFailures int // consecutive failures before FAILED
}

// Pool tracks the health of a fixed list of proxies. Safe for concurrent
// use; all mutation happens under a single mutex held only as long as
// needed (spec §5's "Proxy Pool state is protected by a single mutex").
type Pool struct {
	mu      sync.Mutex
	records []*proxyRecord
	cfg     Config
	rng     *rand.Rand
}

// New creates a pool seeded with the given endpoints, all starting in the
// TESTING state.
func New(endpoints []Endpoint, cfg Config) *Pool {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	records := make([]*proxyRecord, len(endpoints))
	for i, e := range endpoints {
		records[i] = &proxyRecord{endpoint: e, state: StateTesting}
	}
	return &Pool{
		records: records,
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
}

// Lease chooses among non-FAILED proxies, weighting by success ratio with
// ~30% uniform-random mixing. If the healthy set is empty it triggers
// Recover() once before failing.
func (p *Pool) Lease() (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.leaseLocked()
	if ok {
		return h, nil
	}

	p.recoverLocked()

	h, ok = p.leaseLocked()
	if !ok {
		return Handle{}, ErrNoHealthyProxy
	}
	return h, nil
}

func (p *Pool) leaseLocked() (Handle, bool) {
	candidates := make([]int, 0, len(p.records))
	for i, r := range p.records {
		if r.state != StateFailed {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return Handle{}, false
	}

	var idx int
	if p.rng.Float64() < 0.30 {
		idx = candidates[p.rng.IntN(len(candidates))]
	} else {
		idx = weightedPick(p.records, candidates, p.rng)
	}

	p.records[idx].lastUsed = time.Now()
	return Handle{index: idx, Endpoint: p.records[idx].endpoint}, true
}

func weightedPick(records []*proxyRecord, candidates []int, rng *rand.Rand) int {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, idx := range candidates {
		r := records[idx]
		total0 := r.successCount + r.failureCount
		ratio := 1.0
		if total0 > 0 {
			ratio = float64(r.successCount+1) / float64(total0+2) // Laplace-smoothed
		}
		weights[i] = ratio
		total += ratio
	}
	if total == 0 {
		return candidates[rng.IntN(len(candidates))]
	}
	pick := rng.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if pick <= acc {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// Report updates counters and transitions state per spec §4.12's state
// machine, given the outcome of using a leased proxy.
func (p *Pool) Report(h Handle, ok bool, rtt time.Duration, _ error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.index < 0 || h.index >= len(p.records) {
		return
	}
	r := p.records[h.index]

	r.ewmaRTT = ewma(r.ewmaRTT, rtt)

	if ok {
		r.successCount++
		r.consecutiveFail = 0
		if r.state != StateHealthy && r.successCount > r.failureCount {
			r.state = StateHealthy
		}
		return
	}

	r.failureCount++
	r.consecutiveFail++
	switch r.state {
	case StateHealthy:
		r.state = StateDegraded
	case StateTesting, StateDegraded:
		if r.consecutiveFail >= p.cfg.MaxFailures {
			r.state = StateFailed
		}
	}
}

func ewma(prev, sample time.Duration) time.Duration {
	if prev == 0 {
		return sample
	}
	const alpha = 0.3
	return time.Duration(alpha*float64(sample) + (1-alpha)*float64(prev))
}

// Recover moves all FAILED entries back to TESTING with failure counts
// reset. Called automatically by Lease when the healthy set is empty; also
// exposed for periodic health-check sweeps (spec §6.7
// proxy.health_check_interval_s).
func (p *Pool) Recover() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recoverLocked()
}

func (p *Pool) recoverLocked() {
	for _, r := range p.records {
		if r.state == StateFailed {
			r.state = StateTesting
			r.failureCount = 0
			r.consecutiveFail = 0
		}
	}
}

// Snapshot is a read-only view of one proxy's current stats, for metrics
// and diagnostics.
type Snapshot struct {
	Endpoint     Endpoint
	State        State
	SuccessCount int
	FailureCount int
	EWMARTT      time.Duration
	LastUsed     time.Time
}

// Snapshots returns the current state of every proxy in the pool.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, len(p.records))
	for i, r := range p.records {
		out[i] = Snapshot{
			Endpoint:     r.endpoint,
			State:        r.state,
			SuccessCount: r.successCount,
			FailureCount: r.failureCount,
			EWMARTT:      r.ewmaRTT,
			LastUsed:     r.lastUsed,
		}
	}
	return out
}

// CountByState returns the number of proxies currently in each state, for
// the metrics surface's proxy_state gauge.
func (p *Pool) CountByState() map[State]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[State]int{StateTesting: 0, StateHealthy: 0, StateDegraded: 0, StateFailed: 0}
	for _, r := range p.records {
		out[r.state]++
	}
	return out
}
