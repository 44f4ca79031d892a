package coordinator

import (
	"fmt"
	"sync"

	"github.com/runtime-governor/governor/internal/governor"
)

// CascadeDetector propagates preventive halts through a cascade group
// (§4.6). The neighbor graph is directed and potentially cyclic, stored as
// adjacency sets exactly as §9's design notes prescribe, with explicit
// visited marking during each propagation so traversal stays O(V+E) and
// idempotent — pattern grounded on internal/gossip/quorum.go's single
// RWMutex guarding a map of per-key state, adapted from TTL'd observation
// tracking to a static adjacency map plus halt bookkeeping.
type CascadeDetector struct {
	mu        sync.Mutex
	neighbors map[string]map[string]struct{}
	kernels   map[string]*governor.Kernel
	haltedBy  map[string]struct{} // agent_ids that have already received a cascade halt
}

// NewCascadeDetector creates an empty detector.
func NewCascadeDetector() *CascadeDetector {
	return &CascadeDetector{
		neighbors: make(map[string]map[string]struct{}),
		kernels:   make(map[string]*governor.Kernel),
		haltedBy:  make(map[string]struct{}),
	}
}

// RegisterKernel associates agentID with the kernel instance the detector
// should force into a halt when a cascade reaches it.
func (c *CascadeDetector) RegisterKernel(agentID string, k *governor.Kernel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kernels[agentID] = k
}

// Connect adds a directed edge from -> to: when from halts, to is a direct
// cascade neighbor.
func (c *CascadeDetector) Connect(from, to string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.neighbors[from] == nil {
		c.neighbors[from] = make(map[string]struct{})
	}
	c.neighbors[from][to] = struct{}{}
}

// Propagate announces that agentID halted with failure and pushes a
// preventive halt transitively to every reachable neighbor. Each agent is
// forced to halt at most once across the lifetime of the detector (P7:
// idempotent cascade containment) — a neighbor already marked halted, or
// already halted on its own kernel, is skipped without re-queuing its own
// neighbors twice.
func (c *CascadeDetector) Propagate(agentID string, failure governor.FailureKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	visited := map[string]struct{}{agentID: {}}
	queue := []struct {
		origin string
		target string
	}{}
	for n := range c.neighbors[agentID] {
		queue = append(queue, struct{ origin, target string }{agentID, n})
	}

	for len(queue) > 0 {
		edge := queue[0]
		queue = queue[1:]
		if _, seen := visited[edge.target]; seen {
			continue
		}
		visited[edge.target] = struct{}{}

		if _, already := c.haltedBy[edge.target]; !already {
			if k, ok := c.kernels[edge.target]; ok {
				k.ForceCascadeHalt(fmt.Sprintf("cascade from %s:%s", edge.origin, failure))
			}
			c.haltedBy[edge.target] = struct{}{}
		}

		for n := range c.neighbors[edge.target] {
			if _, seen := visited[n]; !seen {
				queue = append(queue, struct{ origin, target string }{edge.target, n})
			}
		}
	}
}

// Reset clears the halted-once bookkeeping for agentID, allowing it to
// participate in a future cascade after its kernel has been reset.
func (c *CascadeDetector) Reset(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.haltedBy, agentID)
}
