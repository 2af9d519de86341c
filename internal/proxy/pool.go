// Package proxy implements rotating selection of outbound egress endpoints
// with health tracking driven by observed fetch outcomes.
package proxy

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plusfeed/harvester/internal/metrics"
	"github.com/plusfeed/harvester/internal/pipeline"
)

// HealthState is the rotation eligibility of one endpoint.
type HealthState int

// Endpoint health states.
const (
	StateHealthy HealthState = iota
	StateSuspect
	StateDead
)

func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Config controls pool behavior.
type Config struct {
	Endpoints []pipeline.ProxyEndpoint
	// SuspectThreshold is the number of consecutive soft failures that
	// demote a healthy endpoint to suspect.
	SuspectThreshold int
	// DeadCooldown is how long a dead endpoint sits out before being
	// re-promoted to suspect for a probe.
	DeadCooldown time.Duration
}

const (
	defaultSuspectThreshold = 3
	defaultDeadCooldown     = 5 * time.Minute
)

type entry struct {
	endpoint        pipeline.ProxyEndpoint
	state           HealthState
	consecutiveSoft int
	deadSince       time.Time
}

// Pool rotates over configured endpoints. An empty pool is valid and
// always hands out the zero endpoint (direct connection mode).
type Pool struct {
	mu        sync.Mutex
	entries   []*entry
	next      int
	threshold int
	cooldown  time.Duration
	clock     pipeline.Clock
	logger    *zap.Logger
}

// New builds a Pool from cfg.
func New(cfg Config, clock pipeline.Clock, logger *zap.Logger) *Pool {
	threshold := cfg.SuspectThreshold
	if threshold <= 0 {
		threshold = defaultSuspectThreshold
	}
	cooldown := cfg.DeadCooldown
	if cooldown <= 0 {
		cooldown = defaultDeadCooldown
	}
	p := &Pool{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
		logger:    logger,
	}
	for _, ep := range cfg.Endpoints {
		if ep.IsZero() {
			continue
		}
		p.entries = append(p.entries, &entry{endpoint: ep})
	}
	p.publishStates()
	return p
}

// Acquire hands out the next endpoint, preferring healthy ones and falling
// back to suspect rather than stalling the pipeline. Dead endpoints whose
// cooldown has passed are re-promoted to suspect first so the pool
// self-heals.
func (p *Pool) Acquire() pipeline.ProxyEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return pipeline.ProxyEndpoint{}
	}

	now := p.clock.Now()
	for _, e := range p.entries {
		if e.state == StateDead && now.Sub(e.deadSince) >= p.cooldown {
			e.state = StateSuspect
			e.consecutiveSoft = 0
			p.logger.Info("proxy endpoint cooled down, probing again",
				zap.String("endpoint", e.endpoint.URL),
			)
		}
	}

	candidates := p.inState(StateHealthy)
	if len(candidates) == 0 {
		candidates = p.inState(StateSuspect)
	}
	p.publishStatesLocked()
	if len(candidates) == 0 {
		return pipeline.ProxyEndpoint{}
	}

	chosen := candidates[p.next%len(candidates)]
	p.next++
	return chosen.endpoint
}

// Report feeds an observed fetch outcome back into endpoint health.
func (p *Pool) Report(endpoint pipeline.ProxyEndpoint, outcome pipeline.ProxyOutcome) {
	if endpoint.IsZero() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.find(endpoint)
	if e == nil {
		return
	}

	switch outcome {
	case pipeline.ProxySuccess:
		e.consecutiveSoft = 0
		if e.state != StateHealthy {
			p.logger.Info("proxy endpoint recovered", zap.String("endpoint", e.endpoint.URL))
		}
		e.state = StateHealthy
	case pipeline.ProxySoftFailure:
		e.consecutiveSoft++
		if e.state == StateHealthy && e.consecutiveSoft >= p.threshold {
			e.state = StateSuspect
			p.logger.Warn("proxy endpoint marked suspect",
				zap.String("endpoint", e.endpoint.URL),
				zap.Int("consecutive_failures", e.consecutiveSoft),
			)
		}
	case pipeline.ProxyHardFailure:
		e.state = StateDead
		e.deadSince = p.clock.Now()
		e.consecutiveSoft = 0
		p.logger.Warn("proxy endpoint marked dead", zap.String("endpoint", e.endpoint.URL))
	}
	p.publishStatesLocked()
}

// States returns the endpoint count per health state.
func (p *Pool) States() map[HealthState]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[HealthState]int, 3)
	for _, e := range p.entries {
		out[e.state]++
	}
	return out
}

func (p *Pool) inState(state HealthState) []*entry {
	var out []*entry
	for _, e := range p.entries {
		if e.state == state {
			out = append(out, e)
		}
	}
	return out
}

func (p *Pool) find(endpoint pipeline.ProxyEndpoint) *entry {
	for _, e := range p.entries {
		if e.endpoint.URL == endpoint.URL {
			return e
		}
	}
	return nil
}

func (p *Pool) publishStates() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishStatesLocked()
}

func (p *Pool) publishStatesLocked() {
	counts := map[HealthState]int{StateHealthy: 0, StateSuspect: 0, StateDead: 0}
	for _, e := range p.entries {
		counts[e.state]++
	}
	for state, n := range counts {
		metrics.SetProxyState(state.String(), n)
	}
}
