// core/trust/graph.go

// Directed, weighted trust relationships between participants
// Stored as an adjacency map keyed by (truster, trustee); cycles are
// allowed and only point lookups are needed, never traversal
// Read-mostly: trust changes do not retroactively affect in-flight
// recovery requests

package trust

import (
	"fmt"
	"sync"

	"github.com/aegis-labs/go-aegis/core/events"
	"github.com/aegis-labs/go-aegis/core/types"
	"github.com/aegis-labs/go-aegis/storage"
)

var (
	// ErrValidation is returned for malformed input
	ErrValidation = fmt.Errorf("validation error")

	// ErrSelfTrust is returned when a participant tries to trust itself
	ErrSelfTrust = fmt.Errorf("%w: participant cannot establish trust in itself", ErrValidation)
)

const (
	MinTrustLevel = 0
	MaxTrustLevel = 100
)

// Graph holds directed trust edges
type Graph struct {
	edges   map[string]map[string]int // truster -> trustee -> level
	sink    events.Sink
	persist *storage.StateStorage // nil for ephemeral graphs
	mu      sync.RWMutex
}

// NewGraph creates an empty trust graph; persist may be nil
func NewGraph(sink events.Sink, persist *storage.StateStorage) *Graph {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Graph{
		edges:   make(map[string]map[string]int),
		sink:    sink,
		persist: persist,
	}
}

// Load restores all trust edges from storage
func (g *Graph) Load() error {
	if g.persist == nil {
		return nil
	}

	edges, err := g.persist.GetAllTrustEdges()
	if err != nil {
		return fmt.Errorf("failed to load trust edges: %v", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, edge := range edges {
		if g.edges[edge.Truster] == nil {
			g.edges[edge.Truster] = make(map[string]int)
		}
		g.edges[edge.Truster][edge.Trustee] = edge.Level
	}
	return nil
}

// EstablishTrust upserts a directed trust edge with last-write-wins
// semantics; level is clamped to [0, 100]
func (g *Graph) EstablishTrust(truster, trustee string, level int) error {
	if truster == "" || trustee == "" {
		return fmt.Errorf("%w: truster and trustee addresses are required", ErrValidation)
	}
	if truster == trustee {
		return fmt.Errorf("%w: %s", ErrSelfTrust, truster)
	}

	if level < MinTrustLevel {
		level = MinTrustLevel
	}
	if level > MaxTrustLevel {
		level = MaxTrustLevel
	}

	g.mu.Lock()
	if g.edges[truster] == nil {
		g.edges[truster] = make(map[string]int)
	}
	g.edges[truster][trustee] = level
	g.mu.Unlock()

	if g.persist != nil {
		if err := g.persist.SaveTrustEdge(types.TrustEdge{
			Truster: truster,
			Trustee: trustee,
			Level:   level,
		}); err != nil {
			return fmt.Errorf("failed to persist trust edge: %v", err)
		}
	}

	g.sink.Publish(events.TrustEstablished, map[string]interface{}{
		"truster": truster,
		"trustee": trustee,
		"level":   level,
	})
	return nil
}

// GetTrustLevel returns the trust level of the ordered pair; absence of an
// edge is level 0, not an error
func (g *Graph) GetTrustLevel(truster, trustee string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if trustees, exists := g.edges[truster]; exists {
		return trustees[trustee]
	}
	return 0
}

// EdgeCount returns the number of stored edges
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	count := 0
	for _, trustees := range g.edges {
		count += len(trustees)
	}
	return count
}
