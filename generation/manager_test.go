package generation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mtmcore/mtm"
	"mtmcore/persist"
	"mtmcore/wal"
)

func newTestManager(t *testing.T, me mtm.NodeID) *Manager {
	t.Helper()
	store := persist.Open(t.TempDir())
	log, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	m := New(me, store, log)
	require.NoError(t, m.Bootstrap())
	return m
}

func TestConsiderGenSwitchDonorGoesOnline(t *testing.T) {
	m := newTestManager(t, 1)
	gen := mtm.Generation{Num: 1, Members: mtm.MaskOf(1, 2, 3), Configured: mtm.MaskOf(1, 2, 3)}
	switched, err := m.ConsiderGenSwitch(gen, mtm.MaskOf(1, 2, 3))
	require.NoError(t, err)
	require.True(t, switched)
	require.Equal(t, mtm.StatusOnline, m.StatusInGen())
	require.Equal(t, ModeNormal, func() ReceiveMode { _, _, _, mode, _ := m.Snapshot(); return mode }())
}

func TestConsiderGenSwitchNonDonorRecovers(t *testing.T) {
	m := newTestManager(t, 3)
	gen := mtm.Generation{Num: 1, Members: mtm.MaskOf(1, 2, 3), Configured: mtm.MaskOf(1, 2, 3)}
	switched, err := m.ConsiderGenSwitch(gen, mtm.MaskOf(1, 2))
	require.NoError(t, err)
	require.True(t, switched)
	require.Equal(t, mtm.StatusRecovery, m.StatusInGen())
}

func TestConsiderGenSwitchNonMemberIsDead(t *testing.T) {
	m := newTestManager(t, 4)
	gen := mtm.Generation{Num: 1, Members: mtm.MaskOf(1, 2, 3), Configured: mtm.MaskOf(1, 2, 3, 4)}
	switched, err := m.ConsiderGenSwitch(gen, mtm.MaskOf(1, 2))
	require.NoError(t, err)
	require.True(t, switched)
	require.Equal(t, mtm.StatusDead, m.StatusInGen())
}

func TestConsiderGenSwitchIsIdempotentForOldOrEqualGen(t *testing.T) {
	m := newTestManager(t, 1)
	gen := mtm.Generation{Num: 5, Members: mtm.MaskOf(1, 2, 3), Configured: mtm.MaskOf(1, 2, 3)}
	switched, err := m.ConsiderGenSwitch(gen, mtm.MaskOf(1, 2, 3))
	require.NoError(t, err)
	require.True(t, switched)

	switched, err = m.ConsiderGenSwitch(gen, mtm.MaskOf(1, 2, 3))
	require.NoError(t, err)
	require.False(t, switched, "re-applying the same gen must be a no-op")

	older := mtm.Generation{Num: 3, Members: mtm.MaskOf(1, 2), Configured: mtm.MaskOf(1, 2, 3)}
	switched, err = m.ConsiderGenSwitch(older, mtm.MaskOf(1))
	require.NoError(t, err)
	require.False(t, switched)
}

func TestHandleParallelSafeRecoveryStreamNonMemberIsNoop(t *testing.T) {
	m := newTestManager(t, 3)
	gen := mtm.Generation{Num: 2, Members: mtm.MaskOf(1, 2), Configured: mtm.MaskOf(1, 2, 3)}
	_, err := m.ConsiderGenSwitch(gen, mtm.MaskOf(1, 2))
	require.NoError(t, err)
	require.Equal(t, mtm.StatusDead, m.StatusInGen()) // not a member yet

	// node 3 isn't a member here, so handle_parallel_safe should just be a
	// no-op re-entry into the already-DEAD classification.
	outcome, err := m.HandleParallelSafe(gen, mtm.MaskOf(1, 2), true)
	require.NoError(t, err)
	require.Equal(t, OutcomeNone, outcome)
}

func TestHandleParallelSafeNormalStreamWhileRecoveringRequestsReapply(t *testing.T) {
	m := newTestManager(t, 3)
	gen := mtm.Generation{Num: 2, Members: mtm.MaskOf(1, 2, 3), Configured: mtm.MaskOf(1, 2, 3)}
	_, err := m.ConsiderGenSwitch(gen, mtm.MaskOf(1, 2))
	require.NoError(t, err)
	require.Equal(t, mtm.StatusRecovery, m.StatusInGen())

	outcome, err := m.HandleParallelSafe(gen, mtm.MaskOf(1, 2), false)
	require.NoError(t, err)
	require.Equal(t, OutcomeReapplyInRecovery, outcome)
}

func TestPromiseVoteGrantsFreshProposal(t *testing.T) {
	m := newTestManager(t, 1)
	cur := mtm.Generation{Num: 1, Members: mtm.MaskOf(1, 2, 3), Configured: mtm.MaskOf(1, 2, 3)}
	_, err := m.ConsiderGenSwitch(cur, mtm.MaskOf(1, 2, 3))
	require.NoError(t, err)

	proposal := mtm.Generation{Num: 2, Members: mtm.MaskOf(1, 2, 3, 4), Configured: mtm.MaskOf(1, 2, 3)}
	// node 4 isn't in current members, so proposer adding only itself fails
	// — use a valid "proposer adds only itself" shape instead.
	proposal = mtm.Generation{Num: 2, Members: mtm.MaskOf(1, 2, 3), Configured: mtm.MaskOf(1, 2, 3)}
	ok, lastOnlineIn, _ := m.PromiseVote(proposal, 2)
	require.True(t, ok)
	require.Equal(t, uint64(1), lastOnlineIn)
}

func TestPromiseVoteRejectsStale(t *testing.T) {
	m := newTestManager(t, 1)
	cur := mtm.Generation{Num: 5, Members: mtm.MaskOf(1, 2, 3), Configured: mtm.MaskOf(1, 2, 3)}
	_, err := m.ConsiderGenSwitch(cur, mtm.MaskOf(1, 2, 3))
	require.NoError(t, err)

	stale := mtm.Generation{Num: 3, Members: mtm.MaskOf(1, 2), Configured: mtm.MaskOf(1, 2, 3)}
	ok, _, lastVoteNum := m.PromiseVote(stale, 2)
	require.False(t, ok)
	require.GreaterOrEqual(t, lastVoteNum, uint64(5))
}
