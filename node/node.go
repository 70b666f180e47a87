// node/node.go

// Service wires the recovery core together for a single node:
// - Badger-backed persistence with crash recovery on start
// - Guardian registry, trust graph, strategy catalog
// - Recovery coordinator with a periodic expiry sweep
// - Rate-limited initiation
// Features:
// - Guardian enrollment, staking, slashing
// - Account recovery initiation, confirmation, cancellation
// - Network statistics and state root

package node

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegis-labs/go-aegis/config"
	"github.com/aegis-labs/go-aegis/core/events"
	"github.com/aegis-labs/go-aegis/core/guardian"
	"github.com/aegis-labs/go-aegis/core/incentive"
	"github.com/aegis-labs/go-aegis/core/recovery"
	"github.com/aegis-labs/go-aegis/core/reputation"
	"github.com/aegis-labs/go-aegis/core/state"
	"github.com/aegis-labs/go-aegis/core/strategy"
	"github.com/aegis-labs/go-aegis/core/trust"
	"github.com/aegis-labs/go-aegis/core/types"
	"github.com/aegis-labs/go-aegis/storage"
)

// ErrRateLimited is returned when recovery initiations exceed the
// configured rate
var ErrRateLimited = fmt.Errorf("recovery initiation rate limit exceeded")

// NetworkStats is an aggregate view over the node's recovery network
type NetworkStats struct {
	TotalGuardians       int     `json:"total_guardians"`
	ActiveGuardians      int     `json:"active_guardians"`
	TotalStaked          int64   `json:"total_staked"`
	AverageReputation    float64 `json:"average_reputation"`
	TrustEdges           int     `json:"trust_edges"`
	TotalRecoveries      int     `json:"total_recoveries"`
	PendingRecoveries    int     `json:"pending_recoveries"`
	SuccessfulRecoveries int     `json:"successful_recoveries"`
	SuccessRate          float64 `json:"success_rate"`
	StateRoot            string  `json:"state_root"`
}

// Service is a running recovery node
type Service struct {
	cfg     *config.Config
	store   *storage.BadgerStore
	persist *storage.StateStorage
	state   *state.RecoveryState

	catalog     *strategy.Catalog
	trust       *trust.Graph
	registry    *guardian.Registry
	reputation  *reputation.Engine
	distributor *incentive.Distributor
	coordinator *recovery.Coordinator

	sink    events.Sink
	limiter *rate.Limiter

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService opens storage at cfg.DataDir and assembles the recovery
// stack. The collaborators are pluggable; pass the in-memory
// implementations from this package for a self-contained node.
func NewService(
	cfg *config.Config,
	stake guardian.StakeLedger,
	ledger recovery.OwnershipLedger,
	verifier recovery.AuthFactorVerifier,
	sink events.Sink,
) (*Service, error) {
	if sink == nil {
		sink = events.LogSink{}
	}

	store, err := storage.NewBadgerStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %v", err)
	}

	persist := storage.NewStateStorage(store)
	st := state.New(persist)

	catalog := strategy.NewCatalog()
	graph := trust.NewGraph(sink, persist)
	rep := reputation.NewEngine(st, sink, persist, cfg.Recovery.MaxCommitRetries)
	registry := guardian.NewRegistry(cfg, st, stake, sink)
	dist := incentive.NewDistributor(cfg, st, stake)
	coord := recovery.NewCoordinator(cfg, st, catalog, registry, rep, dist, graph, verifier, ledger, sink)

	return &Service{
		cfg:         cfg,
		store:       store,
		persist:     persist,
		state:       st,
		catalog:     catalog,
		trust:       graph,
		registry:    registry,
		reputation:  rep,
		distributor: dist,
		coordinator: coord,
		sink:        sink,
		limiter:     rate.NewLimiter(rate.Limit(cfg.Recovery.InitiateRate), cfg.Recovery.InitiateBurst),
	}, nil
}

// Start loads persisted state and begins the expiry sweep
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("service already running")
	}

	if err := s.state.Load(); err != nil {
		return fmt.Errorf("failed to load state: %v", err)
	}
	if err := s.trust.Load(); err != nil {
		return fmt.Errorf("failed to load trust graph: %v", err)
	}
	if err := s.reputation.Load(); err != nil {
		return fmt.Errorf("failed to load reputation log: %v", err)
	}

	s.stopCh = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go s.sweepLoop()

	total, active := s.state.GuardianCount()
	log.Printf("Node %s started: %d guardians (%d active), state root %s",
		s.cfg.NodeID, total, active, s.state.GetStateRoot())
	return nil
}

// Stop halts the sweep and closes storage
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %v", err)
	}
	log.Printf("Node %s stopped", s.cfg.NodeID)
	return nil
}

// sweepLoop expires overdue recovery requests on a fixed interval
func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Recovery.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			expired, err := s.coordinator.ExpireOverdue(context.Background())
			if err != nil {
				log.Printf("Expiry sweep error: %v", err)
				continue
			}
			if len(expired) > 0 {
				log.Printf("Expiry sweep: %d requests expired", len(expired))
			}
		case <-s.stopCh:
			return
		}
	}
}

// EnrollGuardian stakes funds and registers a new guardian
func (s *Service) EnrollGuardian(address string, stakeAmount int64) (*types.Guardian, error) {
	return s.registry.Enroll(address, stakeAmount)
}

// SlashGuardian penalizes a guardian's stake
func (s *Service) SlashGuardian(address string, amount int64, reason string) (*types.Guardian, error) {
	return s.registry.Slash(address, amount, reason)
}

// DeactivateGuardian takes a guardian out of rotation
func (s *Service) DeactivateGuardian(address string) (*types.Guardian, error) {
	return s.registry.Deactivate(address)
}

// ReactivateGuardian returns an inactive guardian to rotation
func (s *Service) ReactivateGuardian(address string) (*types.Guardian, error) {
	return s.registry.Reactivate(address)
}

// IncreaseStake tops up a guardian's stake
func (s *Service) IncreaseStake(address string, amount int64) (*types.Guardian, error) {
	return s.registry.IncreaseStake(address, amount)
}

// EstablishTrust records a directed trust edge between guardians
func (s *Service) EstablishTrust(truster, trustee string, level int) error {
	return s.trust.EstablishTrust(truster, trustee, level)
}

// GetTrustLevel returns the trust level from truster to trustee
func (s *Service) GetTrustLevel(truster, trustee string) int {
	return s.trust.GetTrustLevel(truster, trustee)
}

// ConfigureAccountRecovery sets an account's recovery preferences
func (s *Service) ConfigureAccountRecovery(cfg *types.AccountRecoveryConfig) error {
	if cfg == nil || cfg.AccountAddress == "" {
		return fmt.Errorf("account address is required")
	}
	if cfg.PreferredStrategyID != "" {
		if _, err := s.catalog.Get(cfg.PreferredStrategyID); err != nil {
			return err
		}
	}
	if cfg.CustomThreshold != nil && *cfg.CustomThreshold < 1 {
		return fmt.Errorf("custom threshold must be at least 1")
	}
	return s.state.PutAccountConfig(cfg)
}

// AddTrustedGuardian appends a guardian to the account's trusted set
func (s *Service) AddTrustedGuardian(account, guardianAddr string) error {
	if guardianAddr == "" {
		return fmt.Errorf("guardian address is required")
	}
	cfg := s.state.GetAccountConfig(account)
	if cfg == nil {
		cfg = &types.AccountRecoveryConfig{
			AccountAddress:        account,
			AllowNetworkGuardians: true,
		}
	}
	for _, addr := range cfg.TrustedGuardians {
		if addr == guardianAddr {
			return nil
		}
	}
	cfg.TrustedGuardians = append(cfg.TrustedGuardians, guardianAddr)
	return s.state.PutAccountConfig(cfg)
}

// InitiateRecovery opens a recovery request, subject to the node's
// initiation rate limit
func (s *Service) InitiateRecovery(ctx context.Context, accountAddress, newOwner, strategyID, initiator string, factors []types.AuthFactor) (*types.RecoveryRequest, error) {
	if !s.limiter.Allow() {
		return nil, ErrRateLimited
	}
	return s.coordinator.Initiate(ctx, accountAddress, newOwner, strategyID, initiator, factors)
}

// ConfirmRecovery records a guardian confirmation
func (s *Service) ConfirmRecovery(ctx context.Context, requestID, guardianAddr string) (*types.RecoveryRequest, error) {
	return s.coordinator.Confirm(ctx, requestID, guardianAddr)
}

// CancelRecovery aborts a pending recovery request
func (s *Service) CancelRecovery(ctx context.Context, requestID, canceller string) error {
	return s.coordinator.Cancel(ctx, requestID, canceller)
}

// GetGuardianInfo returns a copy of the guardian record
func (s *Service) GetGuardianInfo(address string) (*types.Guardian, error) {
	return s.registry.Get(address)
}

// GetReputationHistory returns the guardian's reputation event log
func (s *Service) GetReputationHistory(address string) []types.ReputationEvent {
	return s.reputation.History(address)
}

// GetRecoveryInfo returns a copy of the recovery request
func (s *Service) GetRecoveryInfo(requestID string) (*types.RecoveryRequest, error) {
	return s.coordinator.GetRequest(requestID)
}

// GetAvailableStrategies lists registered recovery strategies
func (s *Service) GetAvailableStrategies() []strategy.Strategy {
	return s.catalog.List()
}

// RegisterStrategy adds a custom recovery strategy
func (s *Service) RegisterStrategy(strat strategy.Strategy) error {
	return s.catalog.Register(strat)
}

// GetNetworkStats aggregates guardian and recovery statistics
func (s *Service) GetNetworkStats() NetworkStats {
	total, active := s.state.GuardianCount()
	counts := s.state.RequestCounts()

	totalRecoveries := 0
	for _, n := range counts {
		totalRecoveries += n
	}
	executed := counts[types.RequestExecuted]
	finished := totalRecoveries - counts[types.RequestPending]

	successRate := 0.0
	if finished > 0 {
		successRate = float64(executed) / float64(finished)
	}

	return NetworkStats{
		TotalGuardians:       total,
		ActiveGuardians:      active,
		TotalStaked:          s.state.TotalStaked(),
		AverageReputation:    s.state.AverageReputation(),
		TrustEdges:           s.trust.EdgeCount(),
		TotalRecoveries:      totalRecoveries,
		PendingRecoveries:    counts[types.RequestPending],
		SuccessfulRecoveries: executed,
		SuccessRate:          successRate,
		StateRoot:            s.state.GetStateRoot(),
	}
}
