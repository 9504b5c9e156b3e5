package campaign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mtmcore/bus"
	"mtmcore/connectivity"
	"mtmcore/mtm"
	"mtmcore/referee"
)

func TestHandleVoteResponseClosesTourOnQuorum(t *testing.T) {
	mgr := newTestManager(t, 1)
	configured := mtm.MaskOf(1, 2, 3)
	gen := mtm.Generation{Num: 1, Members: configured, Configured: configured}
	_, err := mgr.ConsiderGenSwitch(gen, configured)
	require.NoError(t, err)

	tracker := connectivity.New(1)
	tr, err := bus.NewTransport(1, "127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer tr.Close()

	c := New(1, mgr, tracker, tr)

	proposal := mtm.Generation{Num: 2, Members: configured, Configured: configured}
	tour := newTourState(1, proposal, configured, 1, 2)
	c.tour = tour

	c.HandleVoteResponse(2, bus.VoteResponse{GenNum: 2, Ok: true, LastOnlineIn: 1})

	select {
	case <-tour.done:
	case <-time.After(time.Second):
		t.Fatal("tour never closed after reaching quorum")
	}
}

func TestHandleVoteResponseIgnoresStaleGenNum(t *testing.T) {
	mgr := newTestManager(t, 1)
	tracker := connectivity.New(1)
	tr, err := bus.NewTransport(1, "127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer tr.Close()

	c := New(1, mgr, tracker, tr)
	tour := newTourState(1, mtm.Generation{Num: 5}, mtm.MaskOf(1, 2, 3), 0, 2)
	c.tour = tour

	c.HandleVoteResponse(2, bus.VoteResponse{GenNum: 4, Ok: true})

	select {
	case <-tour.done:
		t.Fatal("tour closed on a response for a different generation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRefereeApprovesOnlyOnEvenSplitSidingWithOurClique(t *testing.T) {
	mgr := newTestManager(t, 1)
	configured := mtm.MaskOf(1, 2, 3, 4)
	gen := mtm.Generation{Num: 1, Members: configured, Configured: configured}
	_, err := mgr.ConsiderGenSwitch(gen, configured)
	require.NoError(t, err)

	tracker := connectivity.New(1)
	tr, err := bus.NewTransport(1, "127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer tr.Close()

	c := New(1, mgr, tracker, tr)
	require.False(t, c.refereeApproves(mtm.MaskOf(1, 2), mtm.MaskOf(1, 2)), "no referee wired yet")

	ref := referee.New(1, "", t.TempDir())
	require.NoError(t, ref.SeedCachedDecision(mtm.NodeID(1)))
	c.SetReferee(ref)

	require.True(t, c.refereeApproves(mtm.MaskOf(1, 2), mtm.MaskOf(1, 2)), "2 of 4 is an even split and the cached winner is on our side")
	require.False(t, c.refereeApproves(mtm.MaskOf(1, 2, 3), mtm.MaskOf(1, 2, 3)), "3 of 4 already has a majority, referee must not be consulted")
}
