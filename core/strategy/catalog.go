// core/strategy/catalog.go

// Named recovery policies: timeout, quorum size, minimum reputation and
// multi-factor requirement
// The builtin set (Standard, Emergency, MultiFactor) is fixed; accounts
// may register custom variants under new ids. Registered strategies are
// immutable: an id can never be redefined, so a strategy referenced by an
// in-flight request cannot change under it.

package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aegis-labs/go-aegis/core/types"
)

// ErrUnknownStrategy is returned when resolving an absent strategy id
var ErrUnknownStrategy = fmt.Errorf("unknown recovery strategy")

// Builtin strategy ids
const (
	StandardID    = "standard"
	EmergencyID   = "emergency"
	MultiFactorID = "multifactor"
)

// Strategy is a recovery policy bundle
type Strategy struct {
	ID                    string        `json:"id"`
	Timeout               time.Duration `json:"timeout"`
	MinConfirmations      int           `json:"min_confirmations"`
	MinGuardianReputation int64         `json:"min_guardian_reputation"`
	RequiresMultiFactor   bool          `json:"requires_multi_factor"`
}

// Catalog holds the named strategies
type Catalog struct {
	strategies map[string]Strategy
	mu         sync.RWMutex
}

// NewCatalog creates a catalog with the builtin strategies
func NewCatalog() *Catalog {
	c := &Catalog{strategies: make(map[string]Strategy)}

	c.strategies[StandardID] = Strategy{
		ID:                    StandardID,
		Timeout:               7 * 24 * time.Hour,
		MinConfirmations:      3,
		MinGuardianReputation: 100,
	}
	c.strategies[EmergencyID] = Strategy{
		ID:                    EmergencyID,
		Timeout:               24 * time.Hour,
		MinConfirmations:      5,
		MinGuardianReputation: 500,
	}
	c.strategies[MultiFactorID] = Strategy{
		ID:                    MultiFactorID,
		Timeout:               3 * 24 * time.Hour,
		MinConfirmations:      2,
		MinGuardianReputation: 200,
		RequiresMultiFactor:   true,
	}

	return c
}

// Register adds a custom strategy; existing ids cannot be redefined
func (c *Catalog) Register(s Strategy) error {
	if s.ID == "" {
		return fmt.Errorf("strategy id is required")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("strategy timeout must be positive")
	}
	if s.MinConfirmations < 1 {
		return fmt.Errorf("strategy requires at least one confirmation")
	}
	if s.MinGuardianReputation < 0 {
		return fmt.Errorf("minimum guardian reputation cannot be negative")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.strategies[s.ID]; exists {
		return fmt.Errorf("strategy %s already registered", s.ID)
	}
	c.strategies[s.ID] = s
	return nil
}

// Get returns the strategy for the id
func (c *Catalog) Get(id string) (Strategy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, exists := c.strategies[id]
	if !exists {
		return Strategy{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	return s, nil
}

// Resolve merges the named strategy with the account's custom threshold
// override, if any
func (c *Catalog) Resolve(id string, accountConfig *types.AccountRecoveryConfig) (Strategy, error) {
	s, err := c.Get(id)
	if err != nil {
		return Strategy{}, err
	}

	if accountConfig != nil && accountConfig.CustomThreshold != nil {
		threshold := *accountConfig.CustomThreshold
		if threshold < 1 {
			return Strategy{}, fmt.Errorf("custom threshold must be at least 1, got %d", threshold)
		}
		s.MinConfirmations = threshold
	}

	return s, nil
}

// List returns all strategies sorted by id
func (c *Catalog) List() []Strategy {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Strategy, 0, len(c.strategies))
	for _, s := range c.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
