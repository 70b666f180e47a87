// core/state/state.go

// RecoveryState is the single authoritative owner of shared mutable
// protocol state: guardians, recovery requests and account configs
// Mutations go through compare-and-commit keyed by (id, version); callers
// read a copy, compute the new record and commit only if the stored
// version still matches
// Maintains the one-pending-request-per-account index and a Blake2b state
// root over all records for audit and fast divergence checks

package state

import (
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/aegis-labs/go-aegis/core/types"
	"github.com/aegis-labs/go-aegis/storage"
)

var (
	// ErrGuardianNotFound is returned when no guardian exists for an address
	ErrGuardianNotFound = fmt.Errorf("guardian not found")

	// ErrGuardianExists is returned when enrolling an already-known address
	ErrGuardianExists = fmt.Errorf("guardian already exists")

	// ErrRequestNotFound is returned when no request exists for an id
	ErrRequestNotFound = fmt.Errorf("recovery request not found")

	// ErrVersionConflict is returned when a compare-and-commit loses a race
	ErrVersionConflict = fmt.Errorf("version conflict")

	// ErrPendingExists is returned when an account already has a pending request
	ErrPendingExists = fmt.Errorf("pending recovery request already exists for account")

	// ErrRequestTerminal is returned when committing over a request that
	// already reached a terminal state
	ErrRequestTerminal = fmt.Errorf("recovery request is in a terminal state")
)

// RecoveryState manages the global protocol state
type RecoveryState struct {
	guardians        map[string]*types.Guardian
	requests         map[string]*types.RecoveryRequest
	pendingByAccount map[string]string // account address -> pending request id
	configs          map[string]*types.AccountRecoveryConfig

	stateRoot string

	persist *storage.StateStorage // nil for ephemeral state

	mu sync.RWMutex
}

// New creates an empty recovery state; persist may be nil
func New(persist *storage.StateStorage) *RecoveryState {
	return &RecoveryState{
		guardians:        make(map[string]*types.Guardian),
		requests:         make(map[string]*types.RecoveryRequest),
		pendingByAccount: make(map[string]string),
		configs:          make(map[string]*types.AccountRecoveryConfig),
		persist:          persist,
	}
}

// Load restores all records from storage and rebuilds the pending index
func (rs *RecoveryState) Load() error {
	if rs.persist == nil {
		return nil
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	guardians, err := rs.persist.GetAllGuardians()
	if err != nil {
		return fmt.Errorf("failed to load guardians: %v", err)
	}
	rs.guardians = guardians

	requests, err := rs.persist.GetAllRequests()
	if err != nil {
		return fmt.Errorf("failed to load recovery requests: %v", err)
	}
	rs.requests = requests

	rs.pendingByAccount = make(map[string]string)
	for id, r := range requests {
		if r.Status == types.RequestPending {
			if other, exists := rs.pendingByAccount[r.AccountAddress]; exists {
				return fmt.Errorf("corrupt state: account %s has pending requests %s and %s",
					r.AccountAddress, other, id)
			}
			rs.pendingByAccount[r.AccountAddress] = id
		}
	}

	configs, err := rs.persist.GetAllAccountConfigs()
	if err != nil {
		return fmt.Errorf("failed to load account configs: %v", err)
	}
	rs.configs = configs

	rs.updateStateRoot()
	return nil
}

// Guardian operations

// GetGuardian returns a copy of the guardian record
func (rs *RecoveryState) GetGuardian(address string) (*types.Guardian, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	g, exists := rs.guardians[address]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrGuardianNotFound, address)
	}
	return g.Copy(), nil
}

// PutGuardian inserts a new guardian record
func (rs *RecoveryState) PutGuardian(g *types.Guardian) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if _, exists := rs.guardians[g.Address]; exists {
		return fmt.Errorf("%w: %s", ErrGuardianExists, g.Address)
	}

	stored := g.Copy()
	stored.Version = 0

	// Durable first: memory is only updated once the record is on disk
	if rs.persist != nil {
		if err := rs.persist.SaveGuardian(stored); err != nil {
			return fmt.Errorf("failed to persist guardian: %v", err)
		}
	}

	rs.guardians[g.Address] = stored
	rs.updateStateRoot()
	return nil
}

// CommitGuardian applies a mutated guardian copy if the stored version
// still matches; on success the version is incremented
func (rs *RecoveryState) CommitGuardian(g *types.Guardian) (*types.Guardian, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	stored, exists := rs.guardians[g.Address]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrGuardianNotFound, g.Address)
	}
	if stored.Version != g.Version {
		return nil, fmt.Errorf("%w: guardian %s version %d != %d",
			ErrVersionConflict, g.Address, g.Version, stored.Version)
	}

	next := g.Copy()
	next.Version++

	if rs.persist != nil {
		if err := rs.persist.SaveGuardian(next); err != nil {
			return nil, fmt.Errorf("failed to persist guardian: %v", err)
		}
	}

	rs.guardians[g.Address] = next
	rs.updateStateRoot()
	return next.Copy(), nil
}

// Guardians returns copies of all guardian records
func (rs *RecoveryState) Guardians() []*types.Guardian {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	out := make([]*types.Guardian, 0, len(rs.guardians))
	for _, g := range rs.guardians {
		out = append(out, g.Copy())
	}
	return out
}

// Request operations

// GetRequest returns a copy of the recovery request
func (rs *RecoveryState) GetRequest(id string) (*types.RecoveryRequest, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	r, exists := rs.requests[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return r.Copy(), nil
}

// PutRequest inserts a new pending request, enforcing the one-pending-
// request-per-account invariant atomically with the insert
func (rs *RecoveryState) PutRequest(r *types.RecoveryRequest) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if r.Status != types.RequestPending {
		return fmt.Errorf("new recovery request must be pending, got %s", r.Status)
	}
	if id, exists := rs.pendingByAccount[r.AccountAddress]; exists {
		return fmt.Errorf("%w: %s (request %s)", ErrPendingExists, r.AccountAddress, id)
	}
	if _, exists := rs.requests[r.ID]; exists {
		return fmt.Errorf("recovery request %s already exists", r.ID)
	}

	stored := r.Copy()
	stored.Version = 0

	if rs.persist != nil {
		if err := rs.persist.SaveRequest(stored); err != nil {
			return fmt.Errorf("failed to persist recovery request: %v", err)
		}
	}

	rs.requests[r.ID] = stored
	rs.pendingByAccount[r.AccountAddress] = r.ID
	rs.updateStateRoot()
	return nil
}

// CommitRequest applies a mutated request copy if the stored version still
// matches and the stored record is still mutable. Terminal states are
// immutable: a commit whose base already left Pending is rejected outright,
// so exactly one commit can move a request out of pending. The pending
// index entry is released in the same critical section.
func (rs *RecoveryState) CommitRequest(r *types.RecoveryRequest) (*types.RecoveryRequest, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	stored, exists := rs.requests[r.ID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, r.ID)
	}
	if stored.Status != types.RequestPending {
		return nil, fmt.Errorf("%w: request %s is %s", ErrRequestTerminal, r.ID, stored.Status)
	}
	if stored.Version != r.Version {
		return nil, fmt.Errorf("%w: request %s version %d != %d",
			ErrVersionConflict, r.ID, r.Version, stored.Version)
	}
	if r.Status == types.RequestPending {
		if id, held := rs.pendingByAccount[r.AccountAddress]; held && id != r.ID {
			return nil, fmt.Errorf("%w: %s (request %s)", ErrPendingExists, r.AccountAddress, id)
		}
	}

	next := r.Copy()
	next.Version++

	if rs.persist != nil {
		if err := rs.persist.SaveRequest(next); err != nil {
			return nil, fmt.Errorf("failed to persist recovery request: %v", err)
		}
	}

	rs.requests[r.ID] = next
	if next.Status == types.RequestPending {
		rs.pendingByAccount[next.AccountAddress] = next.ID
	} else if rs.pendingByAccount[next.AccountAddress] == next.ID {
		delete(rs.pendingByAccount, next.AccountAddress)
	}
	rs.updateStateRoot()
	return next.Copy(), nil
}

// ReopenRequest reverts an Executed reservation whose side effects
// failed. Only an Executed record can be reopened; the version must still
// match the reservation commit. If the account's pending slot is free the
// request returns to Pending. If another request claimed the slot while
// the reservation was held, the request is closed as Cancelled instead,
// keeping at most one pending request per account.
func (rs *RecoveryState) ReopenRequest(r *types.RecoveryRequest) (*types.RecoveryRequest, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	stored, exists := rs.requests[r.ID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, r.ID)
	}
	if stored.Status != types.RequestExecuted {
		return nil, fmt.Errorf("only an executed request can be reopened, request %s is %s",
			r.ID, stored.Status)
	}
	if stored.Version != r.Version {
		return nil, fmt.Errorf("%w: request %s version %d != %d",
			ErrVersionConflict, r.ID, r.Version, stored.Version)
	}

	next := r.Copy()
	next.Version++
	if id, held := rs.pendingByAccount[next.AccountAddress]; held && id != next.ID {
		next.Status = types.RequestCancelled
	} else {
		next.Status = types.RequestPending
	}

	if rs.persist != nil {
		if err := rs.persist.SaveRequest(next); err != nil {
			return nil, fmt.Errorf("failed to persist recovery request: %v", err)
		}
	}

	rs.requests[r.ID] = next
	if next.Status == types.RequestPending {
		rs.pendingByAccount[next.AccountAddress] = next.ID
	}
	rs.updateStateRoot()
	return next.Copy(), nil
}

// PendingRequestID returns the id of the account's pending request, if any
func (rs *RecoveryState) PendingRequestID(account string) (string, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	id, exists := rs.pendingByAccount[account]
	return id, exists
}

// PendingRequests returns copies of all pending requests
func (rs *RecoveryState) PendingRequests() []*types.RecoveryRequest {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	out := make([]*types.RecoveryRequest, 0, len(rs.pendingByAccount))
	for _, id := range rs.pendingByAccount {
		if r, exists := rs.requests[id]; exists {
			out = append(out, r.Copy())
		}
	}
	return out
}

// RequestCounts returns the number of requests per status
func (rs *RecoveryState) RequestCounts() map[types.RequestStatus]int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	counts := make(map[types.RequestStatus]int)
	for _, r := range rs.requests {
		counts[r.Status]++
	}
	return counts
}

// Account config operations

// GetAccountConfig returns a copy of the account's recovery config, or nil
// if the owner never configured one
func (rs *RecoveryState) GetAccountConfig(account string) *types.AccountRecoveryConfig {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	cfg, exists := rs.configs[account]
	if !exists {
		return nil
	}
	return cfg.Copy()
}

// PutAccountConfig upserts an account recovery config
func (rs *RecoveryState) PutAccountConfig(cfg *types.AccountRecoveryConfig) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	stored := cfg.Copy()

	if rs.persist != nil {
		if err := rs.persist.SaveAccountConfig(stored); err != nil {
			return fmt.Errorf("failed to persist account config: %v", err)
		}
	}

	rs.configs[cfg.AccountAddress] = stored
	return nil
}

// Aggregates

// TotalStaked returns the sum of all guardian stakes
func (rs *RecoveryState) TotalStaked() int64 {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	total := int64(0)
	for _, g := range rs.guardians {
		total += g.StakedAmount
	}
	return total
}

// GuardianCount returns total and active guardian counts
func (rs *RecoveryState) GuardianCount() (total int, active int) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	for _, g := range rs.guardians {
		total++
		if g.Status == types.GuardianActive {
			active++
		}
	}
	return total, active
}

// AverageReputation returns the mean reputation across all guardians
func (rs *RecoveryState) AverageReputation() float64 {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if len(rs.guardians) == 0 {
		return 0
	}
	total := int64(0)
	for _, g := range rs.guardians {
		total += g.Reputation
	}
	return float64(total) / float64(len(rs.guardians))
}

// GetStateRoot returns the current state root
func (rs *RecoveryState) GetStateRoot() string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	return rs.stateRoot
}

// updateStateRoot recomputes the Blake2b root over all records
// Caller must hold the write lock
func (rs *RecoveryState) updateStateRoot() {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return
	}

	gAddrs := make([]string, 0, len(rs.guardians))
	for addr := range rs.guardians {
		gAddrs = append(gAddrs, addr)
	}
	sort.Strings(gAddrs)
	for _, addr := range gAddrs {
		g := rs.guardians[addr]
		fmt.Fprintf(hasher, "g|%s|%d|%d|%s|%d\n",
			g.Address, g.StakedAmount, g.Reputation, g.Status, g.Version)
	}

	rIDs := make([]string, 0, len(rs.requests))
	for id := range rs.requests {
		rIDs = append(rIDs, id)
	}
	sort.Strings(rIDs)
	for _, id := range rIDs {
		r := rs.requests[id]
		fmt.Fprintf(hasher, "r|%s|%s|%s|%d|%d\n",
			r.ID, r.AccountAddress, r.Status, len(r.Confirmations), r.Version)
	}

	rs.stateRoot = hex.EncodeToString(hasher.Sum(nil))

	if rs.persist != nil {
		// Best-effort; the root is recomputed from records on reload
		_ = rs.persist.SaveStateRoot(rs.stateRoot)
	}
}
