package chainsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/types"
)

func testPeers(bests map[types.NodeID]int64) map[types.NodeID]*peerState {
	peers := map[types.NodeID]*peerState{}
	for id, best := range bests {
		peers[id] = &peerState{id: id, role: types.RoleFull, bestNumber: best}
	}
	return peers
}

func TestJustificationTrackerFanOut(t *testing.T) {
	now := time.Now()
	peers := testPeers(map[types.NodeID]int64{"a": 10, "b": 10, "c": 5})
	hash := types.Hash{1}

	jt := newJustificationTracker(10 * time.Second)
	jt.add(hash, 8, nil)

	r, ok := jt.next(peers["a"], now)
	require.True(t, ok)
	jt.sent(r, "a")
	_, ok = jt.next(peers["a"], now)
	assert.False(t, ok, "one request per peer at a time")

	_, ok = jt.next(peers["c"], now)
	assert.False(t, ok, "peer below the block")

	r, ok = jt.next(peers["b"], now)
	require.True(t, ok)
	jt.sent(r, "b")

	jt.failed(r, "a", peers, now)
	assert.True(t, r.exhaustedAt.IsZero())
	jt.failed(r, "b", peers, now)
	assert.False(t, r.exhaustedAt.IsZero())

	// never dropped, retried after the interval
	_, ok = jt.next(peers["a"], now.Add(time.Second))
	assert.False(t, ok)
	_, ok = jt.next(peers["a"], now.Add(11*time.Second))
	assert.True(t, ok)
	assert.Equal(t, 1, jt.len())

	// or as soon as the peer set changes
	jt.failed(r, "a", peers, now)
	jt.failed(r, "b", peers, now)
	_, ok = jt.next(peers["b"], now)
	require.False(t, ok)
	jt.peersChanged()
	_, ok = jt.next(peers["b"], now)
	assert.True(t, ok)
}

func TestJustificationTrackerSubset(t *testing.T) {
	now := time.Now()
	peers := testPeers(map[types.NodeID]int64{"a": 10, "b": 10})
	hash := types.Hash{2}

	jt := newJustificationTracker(time.Second)
	jt.add(hash, 3, []types.NodeID{"b"})

	_, ok := jt.next(peers["a"], now)
	assert.False(t, ok)
	_, ok = jt.next(peers["b"], now)
	assert.True(t, ok)

	delete(peers, "a")
	assert.Empty(t, jt.removePeer("a", peers))

	delete(peers, "b")
	abandoned := jt.removePeer("b", peers)
	require.Len(t, abandoned, 1)
	assert.Equal(t, hash, abandoned[0].hash)
	assert.Zero(t, jt.len())
}

func TestJustificationTrackerSiblings(t *testing.T) {
	chain := makeChain(testGenesis, 2, "")
	siblingA := makeChain(chain[1].Header, 1, "a")[0]
	siblingB := makeChain(chain[1].Header, 1, "b")[0]

	jt := newJustificationTracker(time.Second)
	jt.add(siblingA.Hash(), 3, nil)
	jt.add(siblingB.Hash(), 3, nil)
	require.Equal(t, 2, jt.len())

	jt.resolve(siblingA.Hash())
	assert.Nil(t, jt.get(siblingA.Hash()))
	assert.NotNil(t, jt.get(siblingB.Hash()))
}
