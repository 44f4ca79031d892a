// Package coordinator implements the cross-kernel shared state of §4.6:
// a SharedBudgetPool that arbitrates effort/risk draws across member
// kernels, and a CascadeDetector that propagates preventive halts through
// a cascade group. Both are the only mutable state shared between
// kernels; each serializes access behind a single mutex, the same lock
// discipline internal/budget/token_bucket.go and internal/gossip/quorum.go
// use for their own shared counters.
package coordinator

import "sync"

// BudgetKind identifies which capacity a SharedBudgetPool draw is against.
type BudgetKind string

const (
	KindEffort BudgetKind = "effort"
	KindRisk   BudgetKind = "risk"
)

// SharedBudgetPool is a centralized ledger member kernels draw from before
// running their own per-step mechanics (§4.6). Grounded on
// internal/budget/token_bucket.go's Bucket: a mutex-guarded integer-like
// capacity with atomic consumed/refill counters for metrics, generalized
// here from a fixed per-state cost model to an arbitrary per-request
// amount across two named capacities instead of one.
type SharedBudgetPool struct {
	mu sync.Mutex

	capacity map[BudgetKind]float64

	consumedTotal map[BudgetKind]float64
	draws         map[string]map[BudgetKind]float64 // agent_id -> kind -> cumulative draw
}

// NewSharedBudgetPool creates a pool with the given starting capacities.
// A kind absent from capacities has no pool limit: Request always grants
// for it (mirrors token_bucket's "no cost defined for this state" case).
func NewSharedBudgetPool(capacities map[BudgetKind]float64) *SharedBudgetPool {
	capacity := make(map[BudgetKind]float64, len(capacities))
	for k, v := range capacities {
		capacity[k] = v
	}
	return &SharedBudgetPool{
		capacity:      capacity,
		consumedTotal: make(map[BudgetKind]float64),
		draws:         make(map[string]map[BudgetKind]float64),
	}
}

// Request atomically decrements capacity[kind] by amount if the pool holds
// at least that much, recording the draw under agent_id, and returns
// whether it was granted. A kind with no configured capacity is always
// granted without consuming anything.
func (p *SharedBudgetPool) Request(agentID string, kind BudgetKind, amount float64) (granted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, tracked := p.capacity[kind]
	if !tracked {
		return true
	}
	if current < amount {
		return false
	}

	p.capacity[kind] = current - amount
	p.consumedTotal[kind] += amount
	if p.draws[agentID] == nil {
		p.draws[agentID] = make(map[BudgetKind]float64)
	}
	p.draws[agentID][kind] += amount
	return true
}

// Remaining returns the current capacity left for kind. Returns
// (0, false) if kind has no configured capacity.
func (p *SharedBudgetPool) Remaining(kind BudgetKind) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.capacity[kind]
	return v, ok
}

// ConsumedTotal returns the lifetime amount drawn from kind across all
// agents.
func (p *SharedBudgetPool) ConsumedTotal(kind BudgetKind) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumedTotal[kind]
}

// ConsumedBy returns how much a single agent has drawn from kind so far.
func (p *SharedBudgetPool) ConsumedBy(agentID string, kind BudgetKind) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draws[agentID][kind]
}

// Replenish adds amount back to kind's capacity, for operator-driven pool
// top-ups between runs. Never called on the kernel's hot path.
func (p *SharedBudgetPool) Replenish(kind BudgetKind, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity[kind] += amount
}
