package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-labs/go-aegis/core/types"
)

func newTestStorage(t *testing.T) *StateStorage {
	t.Helper()
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return NewStateStorage(store)
}

func TestGuardianPersistence(t *testing.T) {
	ss := newTestStorage(t)

	now := time.Now().Unix()
	g := &types.Guardian{
		Address:      "0xg1",
		StakedAmount: 500,
		Reputation:   150,
		Status:       types.GuardianActive,
		EnrolledAt:   now,
		UpdatedAt:    now,
		Version:      3,
	}
	require.NoError(t, ss.SaveGuardian(g))

	loaded, err := ss.GetGuardian("0xg1")
	require.NoError(t, err)
	require.Equal(t, g, loaded)

	missing, err := ss.GetGuardian("0xnobody")
	require.NoError(t, err)
	require.Nil(t, missing)

	all, err := ss.GetAllGuardians()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestRequestPersistence(t *testing.T) {
	ss := newTestStorage(t)

	now := time.Now().Unix()
	r := &types.RecoveryRequest{
		ID:             "req-1",
		AccountAddress: "0xacc",
		NewOwner:       "0xnew",
		StrategyID:     "standard",
		Initiator:      "0xowner",
		CreatedAt:      now,
		ExpiresAt:      now + 3600,
		Confirmations:  []string{"0xg1", "0xg2"},
		Status:         types.RequestPending,
		Version:        2,
	}
	require.NoError(t, ss.SaveRequest(r))

	loaded, err := ss.GetRequest("req-1")
	require.NoError(t, err)
	require.Equal(t, r, loaded)

	// Overwrite with a terminal status
	r.Status = types.RequestExecuted
	r.Version = 3
	require.NoError(t, ss.SaveRequest(r))

	loaded, err = ss.GetRequest("req-1")
	require.NoError(t, err)
	require.Equal(t, types.RequestExecuted, loaded.Status)
}

func TestTrustEdgePersistence(t *testing.T) {
	ss := newTestStorage(t)

	require.NoError(t, ss.SaveTrustEdge(types.TrustEdge{Truster: "0xa", Trustee: "0xb", Level: 80}))
	require.NoError(t, ss.SaveTrustEdge(types.TrustEdge{Truster: "0xa", Trustee: "0xb", Level: 90}))
	require.NoError(t, ss.SaveTrustEdge(types.TrustEdge{Truster: "0xb", Trustee: "0xa", Level: 40}))

	edges, err := ss.GetAllTrustEdges()
	require.NoError(t, err)
	require.Len(t, edges, 2, "re-saving the same edge overwrites")
}

func TestReputationEventLog(t *testing.T) {
	ss := newTestStorage(t)

	for i, delta := range []int64{50, -100, 50} {
		require.NoError(t, ss.AppendReputationEvent(types.ReputationEvent{
			Guardian:  "0xg1",
			Delta:     delta,
			Reason:    "successful recovery",
			Timestamp: time.Now().Unix() + int64(i),
		}))
	}
	require.NoError(t, ss.AppendReputationEvent(types.ReputationEvent{
		Guardian: "0xg2",
		Delta:    10,
	}))

	events, err := ss.GetReputationEvents("0xg1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, int64(50), events[0].Delta)
	require.Equal(t, int64(-100), events[1].Delta)
}

func TestReputationEventLogSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBadgerStore(dir)
	require.NoError(t, err)
	ss := NewStateStorage(store)

	for _, delta := range []int64{50, -100} {
		require.NoError(t, ss.AppendReputationEvent(types.ReputationEvent{
			Guardian: "0xg1",
			Delta:    delta,
		}))
	}
	require.NoError(t, store.Close())

	// Fresh process over the same data dir: new appends must continue
	// the log, not overwrite it from sequence zero
	store, err = NewBadgerStore(dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()
	ss = NewStateStorage(store)

	require.NoError(t, ss.AppendReputationEvent(types.ReputationEvent{
		Guardian: "0xg1",
		Delta:    25,
	}))

	events, err := ss.GetReputationEvents("0xg1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, int64(50), events[0].Delta)
	require.Equal(t, int64(-100), events[1].Delta)
	require.Equal(t, int64(25), events[2].Delta)
}

func TestGetAllReputationEvents(t *testing.T) {
	ss := newTestStorage(t)

	require.NoError(t, ss.AppendReputationEvent(types.ReputationEvent{Guardian: "0xg1", Delta: 50}))
	require.NoError(t, ss.AppendReputationEvent(types.ReputationEvent{Guardian: "0xg2", Delta: 10}))
	require.NoError(t, ss.AppendReputationEvent(types.ReputationEvent{Guardian: "0xg1", Delta: -20}))

	all, err := ss.GetAllReputationEvents()
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestStateRootRoundTrip(t *testing.T) {
	ss := newTestStorage(t)

	root, err := ss.GetStateRoot()
	require.NoError(t, err)
	require.Empty(t, root)

	require.NoError(t, ss.SaveStateRoot("abc123"))

	root, err = ss.GetStateRoot()
	require.NoError(t, err)
	require.Equal(t, "abc123", root)
}

func TestAccountConfigPersistence(t *testing.T) {
	ss := newTestStorage(t)

	threshold := 4
	cfg := &types.AccountRecoveryConfig{
		AccountAddress:        "0xacc",
		PreferredStrategyID:   "emergency",
		TrustedGuardians:      []string{"0xg1"},
		AllowNetworkGuardians: false,
		CustomThreshold:       &threshold,
	}
	require.NoError(t, ss.SaveAccountConfig(cfg))

	all, err := ss.GetAllAccountConfigs()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, cfg, all["0xacc"])
}
