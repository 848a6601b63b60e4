package chainsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadQueueNeeded(t *testing.T) {
	q := newDownloadQueue(16, 100)

	start, count, ok := q.needed(0, 40, 0)
	require.True(t, ok)
	assert.EqualValues(t, 1, start)
	assert.Equal(t, 16, count)
	q.add(start, count, "a")

	// the next peer gets the next window of the shared range
	start, count, ok = q.needed(0, 40, 0)
	require.True(t, ok)
	assert.EqualValues(t, 17, start)
	assert.Equal(t, 16, count)
	q.add(start, count, "b")

	start, count, ok = q.needed(0, 40, 0)
	require.True(t, ok)
	assert.EqualValues(t, 33, start)
	assert.Equal(t, 8, count)

	// nothing left below the peer's best
	_, _, ok = q.needed(20, 32, 0)
	assert.False(t, ok)

	// never further ahead of the local best than allowed
	_, _, ok = q.needed(0, 500, -70)
	assert.False(t, ok)

	// releasing needs the owner
	q.release(1, "b")
	assert.Equal(t, 2, q.len())
	q.release(1, "a")
	assert.Equal(t, 1, q.len())

	// windows stop at the next assigned range
	q.add(5, 4, "c")
	start, count, ok = q.needed(0, 40, 0)
	require.True(t, ok)
	assert.EqualValues(t, 1, start)
	assert.Equal(t, 4, count)
}

func TestDownloadQueueDrain(t *testing.T) {
	chain := makeChain(testGenesis, 10, "")
	q := newDownloadQueue(4, 100)
	q.add(1, 4, "a")
	q.add(5, 4, "b")
	q.add(9, 2, "a")

	// out of order arrival is buffered
	q.complete(5, "b", chain[4:8])
	assert.Empty(t, q.drain(0, knownSet()))
	assert.Equal(t, 4, q.queuedBlocks())

	// a response from another peer is not accepted
	q.complete(1, "b", chain[0:4])
	assert.Empty(t, q.drain(0, knownSet()))

	q.complete(1, "a", chain[0:4])
	ready := q.drain(0, knownSet())
	require.Len(t, ready, 2)
	assert.EqualValues(t, 1, ready[0].start)
	assert.EqualValues(t, 5, ready[1].start)
	assert.Equal(t, 1, q.len())

	// a partial response covers the top of the window
	q.complete(9, "a", chain[9:10])
	start, count, ok := q.needed(8, 10, 8)
	require.True(t, ok)
	assert.EqualValues(t, 9, start)
	assert.Equal(t, 1, count)
}

func TestDownloadQueueWaitsForGap(t *testing.T) {
	chain := makeChain(testGenesis, 6, "")
	q := newDownloadQueue(4, 100)
	q.add(5, 2, "a")
	q.complete(5, "a", chain[4:6])

	assert.Empty(t, q.drain(2, knownSet(chain[:2]...)))
	assert.Equal(t, 1, q.len())

	// directly on top of the local best it is released and the import
	// reports the unknown parent
	ready := q.drain(4, knownSet(chain[:2]...))
	require.Len(t, ready, 1)
	assert.Zero(t, q.len())
}

func TestDownloadQueueRemovePeer(t *testing.T) {
	chain := makeChain(testGenesis, 8, "")
	q := newDownloadQueue(4, 100)
	q.add(1, 4, "a")
	q.add(5, 4, "b")
	q.complete(5, "b", chain[4:8])

	q.removePeer("b")
	assert.Equal(t, 1, q.len())
	assert.Zero(t, q.queuedBlocks())

	start, _, ok := q.needed(0, 8, 0)
	require.True(t, ok)
	assert.EqualValues(t, 5, start)
}
