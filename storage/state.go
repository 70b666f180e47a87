// StateStorage persists the typed protocol records.
//
// It operates one level above the raw key-value store: records are JSON
// encoded under per-type key prefixes and reloaded in bulk at startup so
// the in-memory state can rebuild its indexes (pending request per account,
// version counters) before serving traffic.

package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aegis-labs/go-aegis/core/types"
)

// StateStorage handles protocol state persistence
type StateStorage struct {
	store Store

	// Per-guardian sequence for reputation event keys
	mu      sync.Mutex
	repSeqs map[string]uint64
}

// NewStateStorage creates a state storage handler on top of a Store
func NewStateStorage(store Store) *StateStorage {
	return &StateStorage{
		store:   store,
		repSeqs: make(map[string]uint64),
	}
}

// Guardian operations

func (ss *StateStorage) SaveGuardian(g *types.Guardian) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal guardian: %v", err)
	}
	return ss.store.Set(GuardianKey(g.Address), data)
}

func (ss *StateStorage) GetGuardian(address string) (*types.Guardian, error) {
	data, err := ss.store.Get(GuardianKey(address))
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}

	var g types.Guardian
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal guardian: %v", err)
	}
	return &g, nil
}

func (ss *StateStorage) GetAllGuardians() (map[string]*types.Guardian, error) {
	guardians := make(map[string]*types.Guardian)

	iter := ss.store.Iterator([]byte(GuardianPrefix))
	defer iter.Close()

	for iter.Next() {
		var g types.Guardian
		if err := json.Unmarshal(iter.Value(), &g); err != nil {
			continue // skip invalid records
		}
		guardians[g.Address] = &g
	}

	return guardians, nil
}

// Recovery request operations

func (ss *StateStorage) SaveRequest(r *types.RecoveryRequest) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal recovery request: %v", err)
	}
	return ss.store.Set(RequestKey(r.ID), data)
}

func (ss *StateStorage) GetRequest(id string) (*types.RecoveryRequest, error) {
	data, err := ss.store.Get(RequestKey(id))
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}

	var r types.RecoveryRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recovery request: %v", err)
	}
	return &r, nil
}

func (ss *StateStorage) GetAllRequests() (map[string]*types.RecoveryRequest, error) {
	requests := make(map[string]*types.RecoveryRequest)

	iter := ss.store.Iterator([]byte(RequestPrefix))
	defer iter.Close()

	for iter.Next() {
		var r types.RecoveryRequest
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue
		}
		requests[r.ID] = &r
	}

	return requests, nil
}

// Account config operations

func (ss *StateStorage) SaveAccountConfig(cfg *types.AccountRecoveryConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal account config: %v", err)
	}
	return ss.store.Set(AccountConfigKey(cfg.AccountAddress), data)
}

func (ss *StateStorage) GetAllAccountConfigs() (map[string]*types.AccountRecoveryConfig, error) {
	configs := make(map[string]*types.AccountRecoveryConfig)

	iter := ss.store.Iterator([]byte(AccountConfigPrefix))
	defer iter.Close()

	for iter.Next() {
		var cfg types.AccountRecoveryConfig
		if err := json.Unmarshal(iter.Value(), &cfg); err != nil {
			continue
		}
		configs[cfg.AccountAddress] = &cfg
	}

	return configs, nil
}

// Trust edge operations

func (ss *StateStorage) SaveTrustEdge(edge types.TrustEdge) error {
	data, err := json.Marshal(edge)
	if err != nil {
		return fmt.Errorf("failed to marshal trust edge: %v", err)
	}
	return ss.store.Set(TrustEdgeKey(edge.Truster, edge.Trustee), data)
}

func (ss *StateStorage) GetAllTrustEdges() ([]types.TrustEdge, error) {
	edges := make([]types.TrustEdge, 0)

	iter := ss.store.Iterator([]byte(TrustEdgePrefix))
	defer iter.Close()

	for iter.Next() {
		var edge types.TrustEdge
		if err := json.Unmarshal(iter.Value(), &edge); err != nil {
			continue
		}
		edges = append(edges, edge)
	}

	return edges, nil
}

// Reputation event log (append-only)

func (ss *StateStorage) AppendReputationEvent(ev types.ReputationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal reputation event: %v", err)
	}

	ss.mu.Lock()
	seq, known := ss.repSeqs[ev.Guardian]
	if !known {
		// First append for this guardian since process start; continue
		// the persisted log instead of overwriting it from seq 0
		seq = ss.countReputationEvents(ev.Guardian)
	}
	ss.repSeqs[ev.Guardian] = seq + 1
	ss.mu.Unlock()

	return ss.store.Set(ReputationEventKey(ev.Guardian, seq), data)
}

// countReputationEvents returns the number of persisted events for the
// guardian; sequences are dense from zero, so the count is the next seq
func (ss *StateStorage) countReputationEvents(guardian string) uint64 {
	iter := ss.store.Iterator([]byte(ReputationEventPrefix + guardian + ":"))
	defer iter.Close()

	count := uint64(0)
	for iter.Next() {
		count++
	}
	return count
}

func (ss *StateStorage) GetReputationEvents(guardian string) ([]types.ReputationEvent, error) {
	events := make([]types.ReputationEvent, 0)

	iter := ss.store.Iterator([]byte(ReputationEventPrefix + guardian + ":"))
	defer iter.Close()

	for iter.Next() {
		var ev types.ReputationEvent
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}

	return events, nil
}

// GetAllReputationEvents returns every persisted reputation event,
// ordered by guardian and then by sequence
func (ss *StateStorage) GetAllReputationEvents() ([]types.ReputationEvent, error) {
	events := make([]types.ReputationEvent, 0)

	iter := ss.store.Iterator([]byte(ReputationEventPrefix))
	defer iter.Close()

	for iter.Next() {
		var ev types.ReputationEvent
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}

	return events, nil
}

// State root operations

func (ss *StateStorage) SaveStateRoot(root string) error {
	return ss.store.Set(StateRootKey(), []byte(root))
}

func (ss *StateStorage) GetStateRoot() (string, error) {
	data, err := ss.store.Get(StateRootKey())
	if err != nil {
		if err == ErrKeyNotFound {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}
