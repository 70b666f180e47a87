// core/recovery/coordinator.go

// Per-account recovery state machine: Pending -> {Executed, Cancelled,
// Expired}, all terminal
// Every transition goes through compare-and-commit on (requestId, version)
// with bounded retries, which yields at-most-one Execute per request even
// when concurrent confirmations cross the threshold together; the loser
// of a race observes RequestNotPending and returns the terminal state
// Collaborator calls (verifier, ownership ledger) happen outside any
// state lock: verify first, commit transactionally after

package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-labs/go-aegis/config"
	"github.com/aegis-labs/go-aegis/core/events"
	"github.com/aegis-labs/go-aegis/core/guardian"
	"github.com/aegis-labs/go-aegis/core/incentive"
	"github.com/aegis-labs/go-aegis/core/reputation"
	"github.com/aegis-labs/go-aegis/core/state"
	"github.com/aegis-labs/go-aegis/core/strategy"
	"github.com/aegis-labs/go-aegis/core/trust"
	"github.com/aegis-labs/go-aegis/core/types"
)

var (
	// ErrValidation is returned for malformed input
	ErrValidation = fmt.Errorf("validation error")

	// ErrUnauthorizedInitiator is returned when the caller may not initiate
	// or cancel a recovery for the account
	ErrUnauthorizedInitiator = fmt.Errorf("caller not authorized for this recovery")

	// ErrConflictingRecoveryInProgress is returned when the account already
	// has a pending recovery request
	ErrConflictingRecoveryInProgress = fmt.Errorf("recovery already in progress for account")

	// ErrAuthFactorVerificationFailed is returned when multi-factor proofs
	// do not verify
	ErrAuthFactorVerificationFailed = fmt.Errorf("auth factor verification failed")

	// ErrIneligibleGuardian is returned when a guardian may not confirm
	ErrIneligibleGuardian = fmt.Errorf("guardian not eligible to confirm")

	// ErrRequestNotPending is returned when the target request is terminal
	ErrRequestNotPending = fmt.Errorf("recovery request is not pending")

	// ErrExpiredRequest is returned when a confirmation arrives past the
	// deadline; the request is transitioned to Expired first
	ErrExpiredRequest = fmt.Errorf("recovery request has expired")

	// ErrThresholdNotMet is returned by an explicit Execute below quorum
	ErrThresholdNotMet = fmt.Errorf("confirmation threshold not met")

	// ErrConcurrencyExhausted is returned when commit retries run out
	ErrConcurrencyExhausted = fmt.Errorf("recovery commit retries exhausted")
)

// AuthFactorVerifier verifies multi-factor proofs; opaque to this core
type AuthFactorVerifier interface {
	Verify(ctx context.Context, accountAddress string, factors []types.AuthFactor) (bool, error)
}

// OwnershipLedger executes account ownership side effects
type OwnershipLedger interface {
	OwnerOf(ctx context.Context, account string) (string, error)
	TransferOwnership(ctx context.Context, account, newOwner string) error
	RevokeSessionKeys(ctx context.Context, account string) error
}

// Coordinator orchestrates the recovery state machine
type Coordinator struct {
	cfg         *config.Config
	state       *state.RecoveryState
	catalog     *strategy.Catalog
	registry    *guardian.Registry
	reputation  *reputation.Engine
	distributor *incentive.Distributor
	trust       *trust.Graph
	verifier    AuthFactorVerifier
	ledger      OwnershipLedger
	sink        events.Sink

	maxRetries int
	now        func() time.Time
}

// NewCoordinator creates a recovery coordinator
func NewCoordinator(
	cfg *config.Config,
	st *state.RecoveryState,
	catalog *strategy.Catalog,
	registry *guardian.Registry,
	rep *reputation.Engine,
	dist *incentive.Distributor,
	graph *trust.Graph,
	verifier AuthFactorVerifier,
	ledger OwnershipLedger,
	sink events.Sink,
) *Coordinator {
	if sink == nil {
		sink = events.NopSink{}
	}
	maxRetries := cfg.Recovery.MaxCommitRetries
	if maxRetries < 1 {
		maxRetries = 5
	}
	return &Coordinator{
		cfg:         cfg,
		state:       st,
		catalog:     catalog,
		registry:    registry,
		reputation:  rep,
		distributor: dist,
		trust:       graph,
		verifier:    verifier,
		ledger:      ledger,
		sink:        sink,
		maxRetries:  maxRetries,
		now:         time.Now,
	}
}

// Initiate opens a recovery request for the account
func (c *Coordinator) Initiate(ctx context.Context, accountAddress, newOwner, strategyID, initiator string, factors []types.AuthFactor) (*types.RecoveryRequest, error) {
	if accountAddress == "" || newOwner == "" || initiator == "" {
		return nil, fmt.Errorf("%w: account, new owner and initiator addresses are required", ErrValidation)
	}

	accountCfg := c.state.GetAccountConfig(accountAddress)

	if strategyID == "" {
		if accountCfg != nil && accountCfg.PreferredStrategyID != "" {
			strategyID = accountCfg.PreferredStrategyID
		} else {
			strategyID = strategy.StandardID
		}
	}

	strat, err := c.catalog.Resolve(strategyID, accountCfg)
	if err != nil {
		return nil, err
	}

	if id, exists := c.state.PendingRequestID(accountAddress); exists {
		return nil, fmt.Errorf("%w: %s (request %s)", ErrConflictingRecoveryInProgress, accountAddress, id)
	}

	owner, err := c.ledger.OwnerOf(ctx, accountAddress)
	if err != nil {
		return nil, fmt.Errorf("ownership lookup failed: %v", err)
	}
	if initiator != owner {
		if !c.registry.IsActive(initiator) {
			return nil, fmt.Errorf("%w: %s is neither account owner nor an active guardian",
				ErrUnauthorizedInitiator, initiator)
		}
		if accountCfg != nil && !accountCfg.AllowNetworkGuardians &&
			!c.trustedForAccount(accountCfg, owner, initiator) {
			return nil, fmt.Errorf("%w: %s is not a trusted guardian for %s",
				ErrUnauthorizedInitiator, initiator, accountAddress)
		}
	}

	// Verify multi-factor proofs before touching state; the verifier may
	// block on external I/O
	authVerified := false
	if strat.RequiresMultiFactor {
		ok, err := c.verifier.Verify(ctx, accountAddress, factors)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthFactorVerificationFailed, err)
		}
		if !ok {
			return nil, ErrAuthFactorVerificationFailed
		}
		authVerified = true
	}

	now := c.now()
	request := &types.RecoveryRequest{
		ID:                  uuid.NewString(),
		AccountAddress:      accountAddress,
		NewOwner:            newOwner,
		StrategyID:          strategyID,
		Initiator:           initiator,
		IsEmergency:         strategyID == strategy.EmergencyID,
		CreatedAt:           now.Unix(),
		ExpiresAt:           now.Add(strat.Timeout).Unix(),
		Confirmations:       make([]string, 0),
		Status:              types.RequestPending,
		AuthFactorsVerified: authVerified,
	}

	if err := c.state.PutRequest(request); err != nil {
		if errors.Is(err, state.ErrPendingExists) {
			return nil, fmt.Errorf("%w: %s", ErrConflictingRecoveryInProgress, accountAddress)
		}
		return nil, err
	}

	c.sink.Publish(events.RecoveryInitiated, map[string]interface{}{
		"request":   request.ID,
		"account":   accountAddress,
		"new_owner": newOwner,
		"strategy":  strategyID,
		"initiator": initiator,
		"emergency": request.IsEmergency,
	})

	return c.state.GetRequest(request.ID)
}

// Confirm records a guardian's confirmation. Confirming twice is a no-op.
// The confirmation that satisfies the quorum threshold transitions the
// request to Executed exactly once.
func (c *Coordinator) Confirm(ctx context.Context, requestID, guardianAddress string) (*types.RecoveryRequest, error) {
	if guardianAddress == "" {
		return nil, fmt.Errorf("%w: guardian address is required", ErrValidation)
	}

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		r, err := c.state.GetRequest(requestID)
		if err != nil {
			return nil, err
		}
		if r.Status != types.RequestPending {
			return r, fmt.Errorf("%w: request %s is %s", ErrRequestNotPending, requestID, r.Status)
		}

		// Hard deadline: expire first, then reject the confirmation
		if c.now().Unix() >= r.ExpiresAt {
			r.Status = types.RequestExpired
			committed, err := c.state.CommitRequest(r)
			if err != nil {
				if requestRaced(err) {
					continue
				}
				return nil, err
			}
			c.publishExpired(committed)
			return committed, fmt.Errorf("%w: %s", ErrExpiredRequest, requestID)
		}

		accountCfg := c.state.GetAccountConfig(r.AccountAddress)
		strat, err := c.catalog.Resolve(r.StrategyID, accountCfg)
		if err != nil {
			return nil, err
		}

		if accountCfg != nil && !accountCfg.AllowNetworkGuardians {
			owner, err := c.ledger.OwnerOf(ctx, r.AccountAddress)
			if err != nil {
				return nil, fmt.Errorf("ownership lookup failed: %v", err)
			}
			if !c.trustedForAccount(accountCfg, owner, guardianAddress) {
				return nil, fmt.Errorf("%w: %s is not a trusted guardian for %s",
					ErrIneligibleGuardian, guardianAddress, r.AccountAddress)
			}
		}
		eligible, err := c.registry.IsEligible(guardianAddress, strat.MinGuardianReputation)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIneligibleGuardian, err)
		}
		if !eligible {
			return nil, fmt.Errorf("%w: %s (requires active status and reputation >= %d)",
				ErrIneligibleGuardian, guardianAddress, strat.MinGuardianReputation)
		}

		if r.HasConfirmed(guardianAddress) {
			return r, nil
		}

		r.Confirmations = append(r.Confirmations, guardianAddress)

		if len(r.Confirmations) >= strat.MinConfirmations {
			// Reserve the execution by winning the commit race; exactly
			// one caller can move the request out of Pending
			r.Status = types.RequestExecuted
			committed, err := c.state.CommitRequest(r)
			if err != nil {
				if requestRaced(err) {
					continue
				}
				return nil, err
			}
			c.publishConfirmed(committed, guardianAddress)
			return c.finishExecution(ctx, committed, guardianAddress)
		}

		committed, err := c.state.CommitRequest(r)
		if err != nil {
			if requestRaced(err) {
				continue
			}
			return nil, err
		}
		c.publishConfirmed(committed, guardianAddress)
		return committed, nil
	}

	return nil, fmt.Errorf("%w: request %s", ErrConcurrencyExhausted, requestID)
}

// Execute transitions a pending request whose threshold is already met,
// for deployments where the final confirmation and the execution are
// driven separately
func (c *Coordinator) Execute(ctx context.Context, requestID string) (*types.RecoveryRequest, error) {
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		r, err := c.state.GetRequest(requestID)
		if err != nil {
			return nil, err
		}
		if r.Status != types.RequestPending {
			return r, fmt.Errorf("%w: request %s is %s", ErrRequestNotPending, requestID, r.Status)
		}

		accountCfg := c.state.GetAccountConfig(r.AccountAddress)
		strat, err := c.catalog.Resolve(r.StrategyID, accountCfg)
		if err != nil {
			return nil, err
		}
		if len(r.Confirmations) < strat.MinConfirmations {
			return nil, fmt.Errorf("%w: %d of %d confirmations",
				ErrThresholdNotMet, len(r.Confirmations), strat.MinConfirmations)
		}

		r.Status = types.RequestExecuted
		committed, err := c.state.CommitRequest(r)
		if err != nil {
			if requestRaced(err) {
				continue
			}
			return nil, err
		}
		return c.finishExecution(ctx, committed, "")
	}

	return nil, fmt.Errorf("%w: request %s", ErrConcurrencyExhausted, requestID)
}

// finishExecution runs the execution side effects after the Executed
// commit has been won. A side-effect failure rolls the state transition
// back (and compensates the ownership transfer) rather than leaving a
// request Executed without paid-out incentives.
func (c *Coordinator) finishExecution(ctx context.Context, r *types.RecoveryRequest, confirmer string) (*types.RecoveryRequest, error) {
	prevOwner, err := c.ledger.OwnerOf(ctx, r.AccountAddress)
	if err != nil {
		c.rollbackExecution(r, confirmer)
		return nil, fmt.Errorf("ownership lookup failed: %v", err)
	}

	if err := c.ledger.TransferOwnership(ctx, r.AccountAddress, r.NewOwner); err != nil {
		c.rollbackExecution(r, confirmer)
		return nil, fmt.Errorf("ownership transfer failed: %v", err)
	}
	if err := c.ledger.RevokeSessionKeys(ctx, r.AccountAddress); err != nil {
		c.compensateTransfer(ctx, r, prevOwner)
		c.rollbackExecution(r, confirmer)
		return nil, fmt.Errorf("session key revocation failed: %v", err)
	}

	if _, err := c.distributor.Reward(r.Confirmations, c.cfg.Incentive.RecoveryFee); err != nil {
		c.compensateTransfer(ctx, r, prevOwner)
		c.rollbackExecution(r, confirmer)
		return nil, err
	}

	for _, addr := range r.Confirmations {
		if _, err := c.reputation.Apply(addr, c.cfg.Recovery.ConfirmReward, "successful recovery", r.ID); err != nil {
			// Distribution already happened; reputation credit is
			// compensable and must not unwind the recovery
			continue
		}
	}

	c.sink.Publish(events.RecoveryExecuted, map[string]interface{}{
		"request":       r.ID,
		"account":       r.AccountAddress,
		"new_owner":     r.NewOwner,
		"confirmations": len(r.Confirmations),
	})

	return c.state.GetRequest(r.ID)
}

// rollbackExecution reverts a reserved Executed transition after a side
// effect failed, withdrawing the reserving guardian's confirmation so a
// later attempt re-crosses the threshold. Another Initiate may have
// claimed the account's pending slot during the side-effect window; in
// that case the reservation is closed as Cancelled rather than reopened,
// keeping at most one pending request per account.
func (c *Coordinator) rollbackExecution(r *types.RecoveryRequest, confirmer string) {
	cur := r.Copy()
	if confirmer != "" {
		kept := make([]string, 0, len(cur.Confirmations))
		for _, addr := range cur.Confirmations {
			if addr != confirmer {
				kept = append(kept, addr)
			}
		}
		cur.Confirmations = kept
	}

	resolved, err := c.state.ReopenRequest(cur)
	if err != nil {
		return
	}
	if resolved.Status == types.RequestCancelled {
		c.sink.Publish(events.RecoveryCancelled, map[string]interface{}{
			"request": resolved.ID,
			"account": resolved.AccountAddress,
			"reason":  "execution side effects failed",
		})
	}
}

// compensateTransfer undoes an ownership transfer whose transaction could
// not complete
func (c *Coordinator) compensateTransfer(ctx context.Context, r *types.RecoveryRequest, prevOwner string) {
	_ = c.ledger.TransferOwnership(ctx, r.AccountAddress, prevOwner)
}

// Cancel aborts a pending request. The account owner may cancel any
// request (dispute); the original initiator may cancel their own. An
// owner dispute of a guardian-initiated request penalizes the initiator.
func (c *Coordinator) Cancel(ctx context.Context, requestID, canceller string) error {
	if canceller == "" {
		return fmt.Errorf("%w: canceller address is required", ErrValidation)
	}

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		r, err := c.state.GetRequest(requestID)
		if err != nil {
			return err
		}
		if r.Status != types.RequestPending {
			return fmt.Errorf("%w: request %s is %s", ErrRequestNotPending, requestID, r.Status)
		}

		owner, err := c.ledger.OwnerOf(ctx, r.AccountAddress)
		if err != nil {
			return fmt.Errorf("ownership lookup failed: %v", err)
		}
		isOwner := canceller == owner
		if !isOwner && canceller != r.Initiator {
			return fmt.Errorf("%w: %s may not cancel request %s",
				ErrUnauthorizedInitiator, canceller, requestID)
		}

		r.Status = types.RequestCancelled
		committed, err := c.state.CommitRequest(r)
		if err != nil {
			if requestRaced(err) {
				continue
			}
			return err
		}

		c.sink.Publish(events.RecoveryCancelled, map[string]interface{}{
			"request":   committed.ID,
			"account":   committed.AccountAddress,
			"canceller": canceller,
			"disputed":  isOwner && committed.Initiator != owner,
		})

		// Owner dispute of a guardian-initiated request: the initiator is
		// treated as having made a malicious attempt
		if isOwner && committed.Initiator != owner {
			if _, err := c.reputation.Apply(committed.Initiator, -c.cfg.Recovery.DisputePenalty,
				"disputed recovery", committed.ID); err != nil {
				return fmt.Errorf("dispute reputation penalty failed: %v", err)
			}
			if _, err := c.registry.Slash(committed.Initiator, c.cfg.Guardian.SlashAmount,
				"disputed recovery"); err != nil {
				return fmt.Errorf("dispute slash failed: %v", err)
			}
		}

		return nil
	}

	return fmt.Errorf("%w: request %s", ErrConcurrencyExhausted, requestID)
}

// ExpireOverdue sweeps all pending requests past their deadline into
// Expired. Partial confirmers receive no reputation credit. Requests that
// lose their commit race were transitioned by someone else and are
// skipped.
func (c *Coordinator) ExpireOverdue(ctx context.Context) ([]*types.RecoveryRequest, error) {
	nowUnix := c.now().Unix()
	expired := make([]*types.RecoveryRequest, 0)

	for _, r := range c.state.PendingRequests() {
		if nowUnix < r.ExpiresAt {
			continue
		}

		r.Status = types.RequestExpired
		committed, err := c.state.CommitRequest(r)
		if err != nil {
			if requestRaced(err) || errors.Is(err, state.ErrRequestNotFound) {
				continue
			}
			return expired, err
		}

		c.publishExpired(committed)
		expired = append(expired, committed)
	}

	return expired, nil
}

// GetRequest returns a copy of the recovery request
func (c *Coordinator) GetRequest(requestID string) (*types.RecoveryRequest, error) {
	return c.state.GetRequest(requestID)
}

// requestRaced reports whether a request commit failed because another
// caller transitioned the record first; the caller re-reads and retries
func requestRaced(err error) bool {
	return errors.Is(err, state.ErrVersionConflict) || errors.Is(err, state.ErrRequestTerminal)
}

// trustedForAccount reports whether a guardian may act on a recovery
// restricted to the account's trusted set: either listed explicitly in
// the account config, or trusted by the owner through the trust graph at
// or above the configured level
func (c *Coordinator) trustedForAccount(accountCfg *types.AccountRecoveryConfig, owner, guardianAddr string) bool {
	if accountCfg.IsTrustedGuardian(guardianAddr) {
		return true
	}
	return c.trust.GetTrustLevel(owner, guardianAddr) >= c.cfg.Recovery.MinTrustLevel
}

func (c *Coordinator) publishConfirmed(r *types.RecoveryRequest, guardianAddress string) {
	c.sink.Publish(events.RecoveryConfirmed, map[string]interface{}{
		"request":       r.ID,
		"account":       r.AccountAddress,
		"guardian":      guardianAddress,
		"confirmations": len(r.Confirmations),
	})
}

func (c *Coordinator) publishExpired(r *types.RecoveryRequest) {
	c.sink.Publish(events.RecoveryExpired, map[string]interface{}{
		"request":       r.ID,
		"account":       r.AccountAddress,
		"confirmations": len(r.Confirmations),
	})
}
