// core/reputation/engine.go

// Guardian reputation scoring with deterministic deltas
// Scores are floored at zero and every change is appended to an
// audit log; reads are pure and never trigger decay or any other
// side effect

package reputation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aegis-labs/go-aegis/core/events"
	"github.com/aegis-labs/go-aegis/core/state"
	"github.com/aegis-labs/go-aegis/core/types"
	"github.com/aegis-labs/go-aegis/storage"
)

// ErrConcurrencyExhausted is returned when commit retries run out
var ErrConcurrencyExhausted = fmt.Errorf("reputation update retries exhausted")

// Engine applies reputation deltas to guardians
type Engine struct {
	state   *state.RecoveryState
	sink    events.Sink
	persist *storage.StateStorage // nil for ephemeral logs

	maxRetries int

	log map[string][]types.ReputationEvent
	mu  sync.RWMutex
}

// NewEngine creates a reputation engine; persist may be nil
func NewEngine(st *state.RecoveryState, sink events.Sink, persist *storage.StateStorage, maxRetries int) *Engine {
	if sink == nil {
		sink = events.NopSink{}
	}
	if maxRetries < 1 {
		maxRetries = 5
	}
	return &Engine{
		state:      st,
		sink:       sink,
		persist:    persist,
		maxRetries: maxRetries,
		log:        make(map[string][]types.ReputationEvent),
	}
}

// Load restores the audit log from storage so History covers events
// recorded before a restart
func (e *Engine) Load() error {
	if e.persist == nil {
		return nil
	}

	persisted, err := e.persist.GetAllReputationEvents()
	if err != nil {
		return fmt.Errorf("failed to load reputation events: %v", err)
	}

	log := make(map[string][]types.ReputationEvent)
	for _, ev := range persisted {
		log[ev.Guardian] = append(log[ev.Guardian], ev)
	}

	e.mu.Lock()
	e.log = log
	e.mu.Unlock()
	return nil
}

// Apply adds delta to the guardian's reputation, flooring at zero, and
// appends an audit event. The update retries on version conflicts since
// the same guardian may be confirming unrelated recoveries concurrently.
func (e *Engine) Apply(guardianAddr string, delta int64, reason string, relatedRequestID string) (*types.Guardian, error) {
	var committed *types.Guardian

	for attempt := 0; attempt < e.maxRetries; attempt++ {
		g, err := e.state.GetGuardian(guardianAddr)
		if err != nil {
			return nil, err
		}

		g.Reputation += delta
		if g.Reputation < 0 {
			g.Reputation = 0
		}
		g.UpdatedAt = time.Now().Unix()

		committed, err = e.state.CommitGuardian(g)
		if err == nil {
			break
		}
		if !isConflict(err) {
			return nil, err
		}
		committed = nil
	}
	if committed == nil {
		return nil, fmt.Errorf("%w: guardian %s", ErrConcurrencyExhausted, guardianAddr)
	}

	ev := types.ReputationEvent{
		Guardian:         guardianAddr,
		Delta:            delta,
		Reason:           reason,
		Timestamp:        time.Now().Unix(),
		RelatedRequestID: relatedRequestID,
	}

	e.mu.Lock()
	e.log[guardianAddr] = append(e.log[guardianAddr], ev)
	e.mu.Unlock()

	if e.persist != nil {
		if err := e.persist.AppendReputationEvent(ev); err != nil {
			return nil, fmt.Errorf("failed to persist reputation event: %v", err)
		}
	}

	e.sink.Publish(events.ReputationUpdated, map[string]interface{}{
		"guardian":   guardianAddr,
		"delta":      delta,
		"reputation": committed.Reputation,
		"reason":     reason,
	})

	return committed, nil
}

// Score returns the guardian's current reputation
func (e *Engine) Score(guardianAddr string) (int64, error) {
	g, err := e.state.GetGuardian(guardianAddr)
	if err != nil {
		return 0, err
	}
	return g.Reputation, nil
}

// History returns a copy of the guardian's reputation event log
func (e *Engine) History(guardianAddr string) []types.ReputationEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	evs := e.log[guardianAddr]
	out := make([]types.ReputationEvent, len(evs))
	copy(out, evs)
	return out
}

func isConflict(err error) bool {
	return errors.Is(err, state.ErrVersionConflict)
}
