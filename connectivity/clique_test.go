package connectivity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mtmcore/mtm"
)

func TestCliqueBidirectional(t *testing.T) {
	tr := New(1)
	tr.Heartbeat(1, PeerInfo{ConnectedMask: mtm.MaskOf(1, 2, 3)})
	tr.Heartbeat(2, PeerInfo{ConnectedMask: mtm.MaskOf(1, 2, 3)})
	tr.Heartbeat(3, PeerInfo{ConnectedMask: mtm.MaskOf(1, 3)}) // 3 doesn't see 2

	// 2-3 is reported only by 2 and is dropped; of the two remaining
	// maximum cliques {1,2} and {1,3}, the search finds {1,2} first.
	got := tr.Clique()
	require.Equal(t, mtm.MaskOf(1, 2), got)
}

func TestCliqueSingleNodeRewrittenToMe(t *testing.T) {
	tr := New(5)
	tr.Heartbeat(5, PeerInfo{ConnectedMask: mtm.MaskOf(5)})
	got := tr.Clique()
	require.Equal(t, mtm.Mask(5), got)
}

func TestCliqueFullMesh(t *testing.T) {
	tr := New(1)
	full := mtm.MaskOf(1, 2, 3, 4)
	for _, id := range []mtm.NodeID{1, 2, 3, 4} {
		tr.Heartbeat(id, PeerInfo{ConnectedMask: full})
	}
	got := tr.Clique()
	require.Equal(t, full, got)
}

func TestCliqueSplitBrain2v2(t *testing.T) {
	tr := New(1)
	tr.Heartbeat(1, PeerInfo{ConnectedMask: mtm.MaskOf(1, 2)})
	tr.Heartbeat(2, PeerInfo{ConnectedMask: mtm.MaskOf(1, 2)})
	tr.Heartbeat(3, PeerInfo{ConnectedMask: mtm.MaskOf(3, 4)})
	tr.Heartbeat(4, PeerInfo{ConnectedMask: mtm.MaskOf(3, 4)})

	got := tr.Clique()
	require.Equal(t, 2, got.Count())
	require.True(t, got.Has(1) || got.Has(3))
}

func TestConnectedMaskTracksBothDirections(t *testing.T) {
	tr := New(1)
	tr.ReceiverConnected(2)
	require.Equal(t, mtm.Mask(1), tr.ConnectedMask(), "recv-only should not count as connected")
	tr.SenderConnected(2)
	require.Equal(t, mtm.MaskOf(1, 2), tr.ConnectedMask())
	tr.SenderDisconnected(2)
	require.Equal(t, mtm.Mask(1), tr.ConnectedMask())
}
