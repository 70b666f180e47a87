// core/incentive/distributor.go

// Fee distribution among confirming guardians, proportional to each
// guardian's reputation at confirmation time
// Integer rounding remainder goes to the lowest-index confirmer so the
// split is total-conserving and reproducible; a split that cannot
// conserve the fee fails loudly instead of dropping units

package incentive

import (
	"errors"
	"fmt"
	"time"

	"github.com/aegis-labs/go-aegis/config"
	"github.com/aegis-labs/go-aegis/core/guardian"
	"github.com/aegis-labs/go-aegis/core/state"
	"github.com/aegis-labs/go-aegis/core/types"
)

// ErrDistribution is returned when a fee split cannot be applied
var ErrDistribution = fmt.Errorf("distribution error")

// Share is one guardian's cut of a recovery fee
type Share struct {
	Guardian   string `json:"guardian"`
	Amount     int64  `json:"amount"`
	Reputation int64  `json:"reputation"`
}

// DistributionResult records an applied fee split
type DistributionResult struct {
	Fee       int64   `json:"fee"`
	Shares    []Share `json:"shares"`
	Timestamp int64   `json:"timestamp"`
}

// Distributor splits recovery fees among confirmers
type Distributor struct {
	cfg   *config.Config
	state *state.RecoveryState
	stake guardian.StakeLedger
}

// NewDistributor creates a fee distributor
func NewDistributor(cfg *config.Config, st *state.RecoveryState, stake guardian.StakeLedger) *Distributor {
	return &Distributor{
		cfg:   cfg,
		state: st,
		stake: stake,
	}
}

// ComputeShares splits fee among the confirmers in proportion to their
// reputation; when every reputation is zero the split is equal. The
// remainder from integer division is credited to the lowest-index
// confirmer. Pure: no state is touched.
func ComputeShares(confirmers []*types.Guardian, fee int64) ([]Share, error) {
	if len(confirmers) == 0 {
		return nil, fmt.Errorf("%w: no confirmers", ErrDistribution)
	}
	if fee < 0 {
		return nil, fmt.Errorf("%w: negative fee %d", ErrDistribution, fee)
	}

	totalReputation := int64(0)
	for _, g := range confirmers {
		totalReputation += g.Reputation
	}

	shares := make([]Share, len(confirmers))
	distributed := int64(0)
	for i, g := range confirmers {
		var amount int64
		if totalReputation == 0 {
			amount = fee / int64(len(confirmers))
		} else {
			amount = fee * g.Reputation / totalReputation
		}
		shares[i] = Share{
			Guardian:   g.Address,
			Amount:     amount,
			Reputation: g.Reputation,
		}
		distributed += amount
	}

	remainder := fee - distributed
	if remainder < 0 || remainder > int64(len(confirmers)) {
		return nil, fmt.Errorf("%w: split of %d left remainder %d", ErrDistribution, fee, remainder)
	}
	shares[0].Amount += remainder

	total := int64(0)
	for _, s := range shares {
		total += s.Amount
	}
	if total != fee {
		return nil, fmt.Errorf("%w: split of %d distributed %d", ErrDistribution, fee, total)
	}

	return shares, nil
}

// Reward applies the fee split for the given confirmers: each share is
// deposited through the stake ledger and credited on the guardian record
// along with a successful-recovery mark
func (d *Distributor) Reward(confirmations []string, fee int64) (*DistributionResult, error) {
	if len(confirmations) == 0 {
		return nil, fmt.Errorf("%w: no confirming guardians", ErrDistribution)
	}

	confirmers := make([]*types.Guardian, 0, len(confirmations))
	for _, addr := range confirmations {
		g, err := d.state.GetGuardian(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDistribution, err)
		}
		confirmers = append(confirmers, g)
	}

	shares, err := ComputeShares(confirmers, fee)
	if err != nil {
		return nil, err
	}

	for _, share := range shares {
		if share.Amount > 0 {
			if err := d.stake.Deposit(share.Guardian, share.Amount); err != nil {
				return nil, fmt.Errorf("%w: deposit for %s failed: %v",
					ErrDistribution, share.Guardian, err)
			}
		}
		if err := d.credit(share); err != nil {
			return nil, err
		}
	}

	return &DistributionResult{
		Fee:       fee,
		Shares:    shares,
		Timestamp: time.Now().Unix(),
	}, nil
}

// credit records the payout on the guardian under compare-and-commit
func (d *Distributor) credit(share Share) error {
	retries := d.cfg.Recovery.MaxCommitRetries
	if retries < 1 {
		retries = 5
	}

	for attempt := 0; attempt < retries; attempt++ {
		g, err := d.state.GetGuardian(share.Guardian)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDistribution, err)
		}

		g.RewardsEarned += share.Amount
		g.SuccessfulRecoveries++
		g.UpdatedAt = time.Now().Unix()

		if _, err := d.state.CommitGuardian(g); err == nil {
			return nil
		} else if !errors.Is(err, state.ErrVersionConflict) {
			return fmt.Errorf("%w: %v", ErrDistribution, err)
		}
	}
	return fmt.Errorf("%w: credit retries exhausted for %s", ErrDistribution, share.Guardian)
}
