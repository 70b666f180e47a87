// core/guardian/registry.go

// Guardian lifecycle management: enrollment, staking, activity status and
// slashing
// Custody of staked funds lives in the external StakeLedger; the registry
// moves funds there first and updates local bookkeeping only on success
// Stake invariant: an Active guardian always holds at least MinStake

package guardian

import (
	"errors"
	"fmt"
	"time"

	"github.com/aegis-labs/go-aegis/config"
	"github.com/aegis-labs/go-aegis/core/events"
	"github.com/aegis-labs/go-aegis/core/state"
	"github.com/aegis-labs/go-aegis/core/types"
)

var (
	// ErrInsufficientStake is returned when a stake is below the minimum
	ErrInsufficientStake = fmt.Errorf("stake below minimum")

	// ErrAlreadyEnrolled is returned when re-enrolling a known address
	ErrAlreadyEnrolled = fmt.Errorf("guardian already enrolled")

	// ErrValidation is returned for malformed input
	ErrValidation = fmt.Errorf("validation error")

	// ErrConcurrencyExhausted is returned when commit retries run out
	ErrConcurrencyExhausted = fmt.Errorf("guardian update retries exhausted")
)

// StakeLedger is the external custodian of staked funds
type StakeLedger interface {
	Deposit(guardian string, amount int64) error
	Withdraw(guardian string, amount int64) error
	Slash(guardian string, amount int64) error
}

// Registry manages guardian records
type Registry struct {
	cfg   *config.Config
	state *state.RecoveryState
	stake StakeLedger
	sink  events.Sink
}

// NewRegistry creates a guardian registry
func NewRegistry(cfg *config.Config, st *state.RecoveryState, stake StakeLedger, sink events.Sink) *Registry {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Registry{
		cfg:   cfg,
		state: st,
		stake: stake,
		sink:  sink,
	}
}

// Enroll registers a new guardian with the given stake
func (r *Registry) Enroll(address string, stakeAmount int64) (*types.Guardian, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: guardian address is required", ErrValidation)
	}
	if stakeAmount < r.cfg.Guardian.MinStake {
		return nil, fmt.Errorf("%w: %d < %d", ErrInsufficientStake,
			stakeAmount, r.cfg.Guardian.MinStake)
	}
	if _, err := r.state.GetGuardian(address); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyEnrolled, address)
	}

	// Move funds into custody before the record exists locally
	if err := r.stake.Deposit(address, stakeAmount); err != nil {
		return nil, fmt.Errorf("stake deposit failed: %v", err)
	}

	now := time.Now().Unix()
	g := &types.Guardian{
		Address:      address,
		StakedAmount: stakeAmount,
		Reputation:   0,
		Status:       types.GuardianActive,
		EnrolledAt:   now,
		UpdatedAt:    now,
	}

	if err := r.state.PutGuardian(g); err != nil {
		return nil, err
	}

	r.sink.Publish(events.GuardianEnrolled, map[string]interface{}{
		"guardian": address,
		"stake":    stakeAmount,
	})

	return r.state.GetGuardian(address)
}

// Slash reduces the guardian's stake by amount, floored at zero. The funds
// movement is delegated to the StakeLedger first; local bookkeeping is
// committed only on success. A guardian slashed below MinStake loses
// Active status.
func (r *Registry) Slash(address string, amount int64, reason string) (*types.Guardian, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: slash amount must be positive", ErrValidation)
	}

	current, err := r.state.GetGuardian(address)
	if err != nil {
		return nil, err
	}

	slashed := amount
	if slashed > current.StakedAmount {
		slashed = current.StakedAmount
	}
	if slashed > 0 {
		if err := r.stake.Slash(address, slashed); err != nil {
			return nil, fmt.Errorf("stake ledger slash failed: %v", err)
		}
	}

	committed, err := r.mutate(address, func(g *types.Guardian) error {
		g.StakedAmount -= slashed
		if g.StakedAmount < 0 {
			g.StakedAmount = 0
		}
		g.FailedRecoveries++
		if g.StakedAmount == 0 {
			g.Status = types.GuardianSlashed
		} else if g.StakedAmount < r.cfg.Guardian.MinStake {
			g.Status = types.GuardianInactive
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.sink.Publish(events.GuardianSlashed, map[string]interface{}{
		"guardian": address,
		"amount":   slashed,
		"reason":   reason,
		"stake":    committed.StakedAmount,
	})
	if committed.Status != types.GuardianActive {
		r.publishStatusChange(committed)
	}

	return committed, nil
}

// Deactivate marks a guardian inactive
func (r *Registry) Deactivate(address string) (*types.Guardian, error) {
	committed, err := r.mutate(address, func(g *types.Guardian) error {
		g.Status = types.GuardianInactive
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.publishStatusChange(committed)
	return committed, nil
}

// Reactivate restores Active status, guarded by the minimum-stake invariant
func (r *Registry) Reactivate(address string) (*types.Guardian, error) {
	committed, err := r.mutate(address, func(g *types.Guardian) error {
		if g.StakedAmount < r.cfg.Guardian.MinStake {
			return fmt.Errorf("%w: %d < %d", ErrInsufficientStake,
				g.StakedAmount, r.cfg.Guardian.MinStake)
		}
		g.Status = types.GuardianActive
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.publishStatusChange(committed)
	return committed, nil
}

// IncreaseStake tops up the guardian's stake through the ledger
func (r *Registry) IncreaseStake(address string, amount int64) (*types.Guardian, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: stake increase must be positive", ErrValidation)
	}
	if _, err := r.state.GetGuardian(address); err != nil {
		return nil, err
	}

	if err := r.stake.Deposit(address, amount); err != nil {
		return nil, fmt.Errorf("stake deposit failed: %v", err)
	}

	return r.mutate(address, func(g *types.Guardian) error {
		g.StakedAmount += amount
		return nil
	})
}

// Get returns a copy of the guardian record
func (r *Registry) Get(address string) (*types.Guardian, error) {
	return r.state.GetGuardian(address)
}

// IsEligible reports whether the guardian may confirm a request gated by
// the given minimum reputation. Evaluated at call time: a guardian slashed
// mid-request immediately loses eligibility.
func (r *Registry) IsEligible(address string, minReputation int64) (bool, error) {
	g, err := r.state.GetGuardian(address)
	if err != nil {
		return false, err
	}
	return g.Status == types.GuardianActive && g.Reputation >= minReputation, nil
}

// IsActive reports whether the guardian is currently active
func (r *Registry) IsActive(address string) bool {
	g, err := r.state.GetGuardian(address)
	if err != nil {
		return false
	}
	return g.Status == types.GuardianActive
}

// RegistryStats summarizes the guardian set
type RegistryStats struct {
	TotalGuardians    int     `json:"total_guardians"`
	ActiveGuardians   int     `json:"active_guardians"`
	TotalStaked       int64   `json:"total_staked"`
	AverageReputation float64 `json:"average_reputation"`
}

// Stats returns aggregate registry statistics
func (r *Registry) Stats() RegistryStats {
	total, active := r.state.GuardianCount()
	return RegistryStats{
		TotalGuardians:    total,
		ActiveGuardians:   active,
		TotalStaked:       r.state.TotalStaked(),
		AverageReputation: r.state.AverageReputation(),
	}
}

// mutate applies fn to a fresh copy of the guardian under compare-and-
// commit, retrying on version conflicts
func (r *Registry) mutate(address string, fn func(*types.Guardian) error) (*types.Guardian, error) {
	retries := r.cfg.Recovery.MaxCommitRetries
	if retries < 1 {
		retries = 5
	}

	for attempt := 0; attempt < retries; attempt++ {
		g, err := r.state.GetGuardian(address)
		if err != nil {
			return nil, err
		}
		if err := fn(g); err != nil {
			return nil, err
		}
		g.UpdatedAt = time.Now().Unix()

		committed, err := r.state.CommitGuardian(g)
		if err == nil {
			return committed, nil
		}
		if !errors.Is(err, state.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: guardian %s", ErrConcurrencyExhausted, address)
}

func (r *Registry) publishStatusChange(g *types.Guardian) {
	r.sink.Publish(events.GuardianStatusChanged, map[string]interface{}{
		"guardian": g.Address,
		"status":   string(g.Status),
	})
}
