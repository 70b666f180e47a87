package recovery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

const (
	testAccount = "0xacc"
	testOwner   = "0xowner"
	testNew     = "0xnewowner"
)

// stubStake is a minimal in-memory stake ledger
type stubStake struct {
	mu       sync.Mutex
	balances map[string]int64
}

func (s *stubStake) Deposit(g string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[g] += amount
	return nil
}

func (s *stubStake) Withdraw(g string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[g] -= amount
	return nil
}

func (s *stubStake) Slash(g string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[g] -= amount
	return nil
}

// stubLedger is an in-memory ownership ledger with failure injection;
// onTransferFail runs outside the lock so it may call back into the
// coordinator
type stubLedger struct {
	mu             sync.Mutex
	owners         map[string]string
	sessionKeys    map[string][]string
	transfers      int
	failTransfer   bool
	failRevoke     bool
	onTransferFail func()
}

func newStubLedger() *stubLedger {
	return &stubLedger{
		owners:      map[string]string{testAccount: testOwner},
		sessionKeys: map[string][]string{testAccount: {"key-1", "key-2"}},
	}
}

func (l *stubLedger) OwnerOf(_ context.Context, account string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, exists := l.owners[account]
	if !exists {
		return "", fmt.Errorf("unknown account %s", account)
	}
	return owner, nil
}

func (l *stubLedger) TransferOwnership(_ context.Context, account, newOwner string) error {
	l.mu.Lock()
	fail := l.failTransfer
	hook := l.onTransferFail
	if !fail {
		l.owners[account] = newOwner
		l.transfers++
	}
	l.mu.Unlock()

	if fail {
		if hook != nil {
			hook()
		}
		return fmt.Errorf("transfer rejected")
	}
	return nil
}

func (l *stubLedger) RevokeSessionKeys(_ context.Context, account string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failRevoke {
		return fmt.Errorf("revocation rejected")
	}
	l.sessionKeys[account] = nil
	return nil
}

func (l *stubLedger) ownerOf(account string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owners[account]
}

func (l *stubLedger) transferCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfers
}

// stubVerifier returns a fixed verification result
type stubVerifier struct {
	ok  bool
	err error
}

func (v *stubVerifier) Verify(context.Context, string, []types.AuthFactor) (bool, error) {
	return v.ok, v.err
}

type fixture struct {
	cfg      *config.Config
	state    *state.RecoveryState
	catalog  *strategy.Catalog
	trust    *trust.Graph
	registry *guardian.Registry
	rep      *reputation.Engine
	stake    *stubStake
	ledger   *stubLedger
	verifier *stubVerifier
	sink     *events.MemorySink
	coord    *Coordinator
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg, err := config.Load()
	require.NoError(t, err)

	st := state.New(nil)
	sink := events.NewMemorySink()
	stake := &stubStake{balances: make(map[string]int64)}
	catalog := strategy.NewCatalog()
	graph := trust.NewGraph(sink, nil)
	registry := guardian.NewRegistry(cfg, st, stake, sink)
	rep := reputation.NewEngine(st, sink, nil, cfg.Recovery.MaxCommitRetries)
	dist := incentive.NewDistributor(cfg, st, stake)
	ledger := newStubLedger()
	verifier := &stubVerifier{ok: true}

	f := &fixture{
		cfg:      cfg,
		state:    st,
		catalog:  catalog,
		trust:    graph,
		registry: registry,
		rep:      rep,
		stake:    stake,
		ledger:   ledger,
		verifier: verifier,
		sink:     sink,
		clock:    time.Unix(1_700_000_000, 0),
	}
	f.coord = NewCoordinator(cfg, st, catalog, registry, rep, dist, graph, verifier, ledger, sink)
	f.coord.now = func() time.Time { return f.clock }
	return f
}

// enroll registers a guardian and raises its reputation to rep
func (f *fixture) enroll(t *testing.T, address string, rep int64) {
	t.Helper()
	_, err := f.registry.Enroll(address, 500)
	require.NoError(t, err)
	if rep > 0 {
		_, err = f.rep.Apply(address, rep, "bootstrap", "")
		require.NoError(t, err)
	}
}

func (f *fixture) initiate(t *testing.T) *types.RecoveryRequest {
	t.Helper()
	r, err := f.coord.Initiate(context.Background(), testAccount, testNew, strategy.StandardID, testOwner, nil)
	require.NoError(t, err)
	return r
}

func TestRecoverySuccess(t *testing.T) {
	f := newFixture(t)
	for _, g := range []string{"0xg1", "0xg2", "0xg3"} {
		f.enroll(t, g, 150)
	}

	r := f.initiate(t)
	require.Equal(t, types.RequestPending, r.Status)

	ctx := context.Background()

	r, err := f.coord.Confirm(ctx, r.ID, "0xg1")
	require.NoError(t, err)
	require.Equal(t, types.RequestPending, r.Status)

	r, err = f.coord.Confirm(ctx, r.ID, "0xg2")
	require.NoError(t, err)
	require.Equal(t, types.RequestPending, r.Status)
	require.Len(t, r.Confirmations, 2)

	// Third confirmation crosses the threshold
	r, err = f.coord.Confirm(ctx, r.ID, "0xg3")
	require.NoError(t, err)
	require.Equal(t, types.RequestExecuted, r.Status)

	require.Equal(t, testNew, f.ledger.ownerOf(testAccount))
	require.Empty(t, f.ledger.sessionKeys[testAccount], "session keys revoked on execution")

	for _, g := range []string{"0xg1", "0xg2", "0xg3"} {
		score, err := f.rep.Score(g)
		require.NoError(t, err)
		require.Equal(t, int64(200), score, "150 + 50 confirmation reward")
	}

	require.Len(t, f.sink.ByType(events.RecoveryExecuted), 1)
}

func TestConfirmIdempotent(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "0xg1", 150)
	r := f.initiate(t)

	ctx := context.Background()
	_, err := f.coord.Confirm(ctx, r.ID, "0xg1")
	require.NoError(t, err)

	r, err = f.coord.Confirm(ctx, r.ID, "0xg1")
	require.NoError(t, err)
	require.Len(t, r.Confirmations, 1, "double confirmation is a no-op")
}

func TestConfirmIneligible(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "0xlow", 50)
	r := f.initiate(t)

	_, err := f.coord.Confirm(context.Background(), r.ID, "0xlow")
	require.ErrorIs(t, err, ErrIneligibleGuardian)

	r, err = f.coord.GetRequest(r.ID)
	require.NoError(t, err)
	require.Empty(t, r.Confirmations)
}

func TestConfirmUnknownGuardian(t *testing.T) {
	f := newFixture(t)
	r := f.initiate(t)

	_, err := f.coord.Confirm(context.Background(), r.ID, "0xghost")
	require.ErrorIs(t, err, ErrIneligibleGuardian)
}

func TestConfirmTerminalRequest(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "0xg1", 150)
	r := f.initiate(t)

	require.NoError(t, f.coord.Cancel(context.Background(), r.ID, testOwner))

	_, err := f.coord.Confirm(context.Background(), r.ID, "0xg1")
	require.ErrorIs(t, err, ErrRequestNotPending)
}

func TestConfirmAfterDeadlineExpires(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "0xg1", 150)
	r := f.initiate(t)

	f.clock = f.clock.Add(7*24*time.Hour + time.Second)

	expired, err := f.coord.Confirm(context.Background(), r.ID, "0xg1")
	require.ErrorIs(t, err, ErrExpiredRequest)
	require.Equal(t, types.RequestExpired, expired.Status)
	require.Len(t, f.sink.ByType(events.RecoveryExpired), 1)
}

func TestExactlyOnceUnderConcurrentConfirms(t *testing.T) {
	f := newFixture(t)
	confirmers := []string{"0xg1", "0xg2", "0xg3", "0xg4", "0xg5", "0xg6"}
	for _, g := range confirmers {
		f.enroll(t, g, 150)
	}

	r := f.initiate(t)

	var wg sync.WaitGroup
	for _, g := range confirmers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			// Losers of the execution race see RequestNotPending
			_, _ = f.coord.Confirm(context.Background(), r.ID, addr)
		}(g)
	}
	wg.Wait()

	final, err := f.coord.GetRequest(r.ID)
	require.NoError(t, err)
	require.Equal(t, types.RequestExecuted, final.Status)
	require.Equal(t, 1, f.ledger.transferCount(), "ownership must transfer exactly once")
	require.Len(t, f.sink.ByType(events.RecoveryExecuted), 1)
}

func TestInitiateConflict(t *testing.T) {
	f := newFixture(t)
	f.initiate(t)

	_, err := f.coord.Initiate(context.Background(), testAccount, "0xother", strategy.StandardID, testOwner, nil)
	require.ErrorIs(t, err, ErrConflictingRecoveryInProgress)
}

func TestInitiateAfterTerminalAllowsNew(t *testing.T) {
	f := newFixture(t)
	r := f.initiate(t)
	require.NoError(t, f.coord.Cancel(context.Background(), r.ID, testOwner))

	_, err := f.coord.Initiate(context.Background(), testAccount, testNew, strategy.StandardID, testOwner, nil)
	require.NoError(t, err)
}

func TestInitiateUnauthorized(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Initiate(context.Background(), testAccount, testNew, strategy.StandardID, "0xstranger", nil)
	require.ErrorIs(t, err, ErrUnauthorizedInitiator)
}

func TestInitiateByActiveGuardian(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "0xg1", 150)

	r, err := f.coord.Initiate(context.Background(), testAccount, testNew, strategy.StandardID, "0xg1", nil)
	require.NoError(t, err)
	require.Equal(t, "0xg1", r.Initiator)
}

func TestInitiateUnknownStrategy(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Initiate(context.Background(), testAccount, testNew, "bogus", testOwner, nil)
	require.ErrorIs(t, err, strategy.ErrUnknownStrategy)
}

func TestInitiateMultiFactor(t *testing.T) {
	f := newFixture(t)
	factors := []types.AuthFactor{{Type: "totp", Proof: []byte("123456")}}

	f.verifier.ok = false
	_, err := f.coord.Initiate(context.Background(), testAccount, testNew, strategy.MultiFactorID, testOwner, factors)
	require.ErrorIs(t, err, ErrAuthFactorVerificationFailed)

	f.verifier.ok = true
	r, err := f.coord.Initiate(context.Background(), testAccount, testNew, strategy.MultiFactorID, testOwner, factors)
	require.NoError(t, err)
	require.True(t, r.AuthFactorsVerified)
}

func TestInitiateUsesPreferredStrategy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.PutAccountConfig(&types.AccountRecoveryConfig{
		AccountAddress:        testAccount,
		PreferredStrategyID:   strategy.EmergencyID,
		AllowNetworkGuardians: true,
	}))

	r, err := f.coord.Initiate(context.Background(), testAccount, testNew, "", testOwner, nil)
	require.NoError(t, err)
	require.Equal(t, strategy.EmergencyID, r.StrategyID)
	require.True(t, r.IsEmergency)
}

func TestTrustedGuardiansOnly(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "0xtrusted", 150)
	f.enroll(t, "0xoutsider", 150)

	require.NoError(t, f.state.PutAccountConfig(&types.AccountRecoveryConfig{
		AccountAddress:        testAccount,
		TrustedGuardians:      []string{"0xtrusted"},
		AllowNetworkGuardians: false,
	}))

	r := f.initiate(t)

	_, err := f.coord.Confirm(context.Background(), r.ID, "0xoutsider")
	require.ErrorIs(t, err, ErrIneligibleGuardian)

	got, err := f.coord.Confirm(context.Background(), r.ID, "0xtrusted")
	require.NoError(t, err)
	require.Len(t, got.Confirmations, 1)
}

func TestCustomThresholdOverride(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "0xg1", 150)
	threshold := 1
	require.NoError(t, f.state.PutAccountConfig(&types.AccountRecoveryConfig{
		AccountAddress:        testAccount,
		CustomThreshold:       &threshold,
		AllowNetworkGuardians: true,
	}))

	r := f.initiate(t)

	got, err := f.coord.Confirm(context.Background(), r.ID, "0xg1")
	require.NoError(t, err)
	require.Equal(t, types.RequestExecuted, got.Status, "a single confirmation satisfies the custom threshold")
}

func TestCancelByInitiator(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "0xg1", 150)

	r, err := f.coord.Initiate(context.Background(), testAccount, testNew, strategy.StandardID, "0xg1", nil)
	require.NoError(t, err)

	require.NoError(t, f.coord.Cancel(context.Background(), r.ID, "0xg1"))

	got, err := f.coord.GetRequest(r.ID)
	require.NoError(t, err)
	require.Equal(t, types.RequestCancelled, got.Status)

	// Self-cancellation is not a dispute
	score, err := f.rep.Score("0xg1")
	require.NoError(t, err)
	require.Equal(t, int64(150), score)
}

func TestCancelUnauthorized(t *testing.T) {
	f := newFixture(t)
	r := f.initiate(t)

	err := f.coord.Cancel(context.Background(), r.ID, "0xstranger")
	require.ErrorIs(t, err, ErrUnauthorizedInitiator)
}

func TestOwnerDisputeSlashesInitiator(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "0xg1", 150)

	r, err := f.coord.Initiate(context.Background(), testAccount, testNew, strategy.StandardID, "0xg1", nil)
	require.NoError(t, err)

	require.NoError(t, f.coord.Cancel(context.Background(), r.ID, testOwner))

	g, err := f.registry.Get("0xg1")
	require.NoError(t, err)
	require.Equal(t, int64(50), g.Reputation, "150 - 100 dispute penalty")
	require.Equal(t, int64(450), g.StakedAmount, "500 - 50 slash")
	require.Equal(t, types.GuardianActive, g.Status, "still above minimum stake")
}

func TestOwnerDisputeDeactivatesBelowMinStake(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Enroll("0xg1", 120)
	require.NoError(t, err)
	_, err = f.rep.Apply("0xg1", 150, "bootstrap", "")
	require.NoError(t, err)

	r, err := f.coord.Initiate(context.Background(), testAccount, testNew, strategy.StandardID, "0xg1", nil)
	require.NoError(t, err)

	require.NoError(t, f.coord.Cancel(context.Background(), r.ID, testOwner))

	g, err := f.registry.Get("0xg1")
	require.NoError(t, err)
	require.Equal(t, int64(70), g.StakedAmount)
	require.Equal(t, types.GuardianInactive, g.Status)
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	for _, g := range []string{"0xg1", "0xg2"} {
		f.enroll(t, g, 150)
	}

	r := f.initiate(t)
	ctx := context.Background()

	_, err := f.coord.Confirm(ctx, r.ID, "0xg1")
	require.NoError(t, err)
	_, err = f.coord.Confirm(ctx, r.ID, "0xg2")
	require.NoError(t, err)

	// Not yet due: sweep is a no-op
	expired, err := f.coord.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.Empty(t, expired)

	f.clock = f.clock.Add(7*24*time.Hour + time.Second)

	expired, err = f.coord.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, types.RequestExpired, expired[0].Status)

	// Partial confirmers get no reputation credit
	for _, g := range []string{"0xg1", "0xg2"} {
		score, err := f.rep.Score(g)
		require.NoError(t, err)
		require.Equal(t, int64(150), score)
	}
}

func TestExecutionRollbackOnTransferFailure(t *testing.T) {
	f := newFixture(t)
	for _, g := range []string{"0xg1", "0xg2", "0xg3"} {
		f.enroll(t, g, 150)
	}

	r := f.initiate(t)
	ctx := context.Background()

	_, err := f.coord.Confirm(ctx, r.ID, "0xg1")
	require.NoError(t, err)
	_, err = f.coord.Confirm(ctx, r.ID, "0xg2")
	require.NoError(t, err)

	f.ledger.failTransfer = true
	_, err = f.coord.Confirm(ctx, r.ID, "0xg3")
	require.Error(t, err)

	// The reservation is rolled back: still pending, the failed
	// confirmation withdrawn, ownership untouched
	got, err := f.coord.GetRequest(r.ID)
	require.NoError(t, err)
	require.Equal(t, types.RequestPending, got.Status)
	require.Len(t, got.Confirmations, 2)
	require.Equal(t, testOwner, f.ledger.ownerOf(testAccount))

	// Once the collaborator recovers, the retry executes
	f.ledger.failTransfer = false
	got, err = f.coord.Confirm(ctx, r.ID, "0xg3")
	require.NoError(t, err)
	require.Equal(t, types.RequestExecuted, got.Status)
	require.Equal(t, testNew, f.ledger.ownerOf(testAccount))
}

func TestRollbackWithConcurrentInitiateKeepsOnePending(t *testing.T) {
	f := newFixture(t)
	for _, g := range []string{"0xg1", "0xg2", "0xg3"} {
		f.enroll(t, g, 150)
	}

	r := f.initiate(t)
	ctx := context.Background()

	_, err := f.coord.Confirm(ctx, r.ID, "0xg1")
	require.NoError(t, err)
	_, err = f.coord.Confirm(ctx, r.ID, "0xg2")
	require.NoError(t, err)

	// While the failing transfer holds the Executed reservation, a new
	// request claims the account's pending slot
	var second *types.RecoveryRequest
	f.ledger.failTransfer = true
	f.ledger.onTransferFail = func() {
		second, err = f.coord.Initiate(ctx, testAccount, "0xelse", strategy.StandardID, testOwner, nil)
		require.NoError(t, err)
	}

	_, err = f.coord.Confirm(ctx, r.ID, "0xg3")
	require.Error(t, err)
	require.NotNil(t, second)

	// The rollback must not reopen the original: at most one pending
	// request per account
	original, err := f.coord.GetRequest(r.ID)
	require.NoError(t, err)
	require.Equal(t, types.RequestCancelled, original.Status)

	id, pending := f.state.PendingRequestID(testAccount)
	require.True(t, pending)
	require.Equal(t, second.ID, id)

	pendingCount := 0
	for _, req := range f.state.PendingRequests() {
		if req.AccountAddress == testAccount {
			pendingCount++
		}
	}
	require.Equal(t, 1, pendingCount)
}

func TestTrustEdgeAdmitsGuardianToRestrictedRecovery(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "0xvouched", 150)
	f.enroll(t, "0xweak", 150)

	require.NoError(t, f.state.PutAccountConfig(&types.AccountRecoveryConfig{
		AccountAddress:        testAccount,
		TrustedGuardians:      []string{},
		AllowNetworkGuardians: false,
	}))

	// Owner vouches for one guardian above the configured level, and for
	// the other below it
	require.NoError(t, f.trust.EstablishTrust(testOwner, "0xvouched", 80))
	require.NoError(t, f.trust.EstablishTrust(testOwner, "0xweak", 30))

	r := f.initiate(t)

	_, err := f.coord.Confirm(context.Background(), r.ID, "0xweak")
	require.ErrorIs(t, err, ErrIneligibleGuardian)

	got, err := f.coord.Confirm(context.Background(), r.ID, "0xvouched")
	require.NoError(t, err)
	require.Len(t, got.Confirmations, 1)
}

func TestExecuteExplicit(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "0xg1", 150)
	r := f.initiate(t)

	ctx := context.Background()
	_, err := f.coord.Execute(ctx, r.ID)
	require.ErrorIs(t, err, ErrThresholdNotMet)

	// Lower the threshold after a confirmation is already in place
	_, err = f.coord.Confirm(ctx, r.ID, "0xg1")
	require.NoError(t, err)
	threshold := 1
	require.NoError(t, f.state.PutAccountConfig(&types.AccountRecoveryConfig{
		AccountAddress:        testAccount,
		CustomThreshold:       &threshold,
		AllowNetworkGuardians: true,
	}))

	got, err := f.coord.Execute(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, types.RequestExecuted, got.Status)
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Initiate(context.Background(), "", testNew, strategy.StandardID, testOwner, nil)
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.coord.Initiate(context.Background(), testAccount, "", strategy.StandardID, testOwner, nil)
	require.ErrorIs(t, err, ErrValidation)
}
