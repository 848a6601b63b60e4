package chainsync

import (
	"sort"

	"github.com/tendermint/chainsync/types"
)

// blockRange is a window of block numbers assigned to one peer. blocks is
// nil while the request is in flight and holds the blocks in ascending
// order once they arrived.
type blockRange struct {
	start  int64
	count  int
	peer   types.NodeID
	blocks []*types.Block
}

func (r *blockRange) end() int64 {
	return r.start + int64(r.count) - 1
}

func (r *blockRange) downloaded() bool {
	return r.blocks != nil
}

// downloadQueue is the block buffer shared by all peers. Ranges never
// overlap, so peers whose chains share a prefix download it once.
type downloadQueue struct {
	ranges        map[int64]*blockRange
	maxPerRequest int
	maxAhead      int64
}

func newDownloadQueue(maxPerRequest int, maxAhead int64) *downloadQueue {
	return &downloadQueue{
		ranges:        map[int64]*blockRange{},
		maxPerRequest: maxPerRequest,
		maxAhead:      maxAhead,
	}
}

func (q *downloadQueue) sorted() []*blockRange {
	rs := make([]*blockRange, 0, len(q.ranges))
	for _, r := range q.ranges {
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].start < rs[j].start })
	return rs
}

// needed returns the lowest window of (common, best] that no range covers,
// bounded by the request size and by how far ahead of the local best block
// the queue may run.
func (q *downloadQueue) needed(common, best, localBest int64) (start int64, count int, ok bool) {
	to := best
	if limit := localBest + q.maxAhead; to > limit {
		to = limit
	}
	start = common + 1
	var next int64 = -1
	for _, r := range q.sorted() {
		if r.end() < start {
			continue
		}
		if r.start <= start {
			start = r.end() + 1
			continue
		}
		next = r.start
		break
	}
	if start > to {
		return 0, 0, false
	}
	end := to
	if next >= 0 && next-1 < end {
		end = next - 1
	}
	if limit := start + int64(q.maxPerRequest) - 1; end > limit {
		end = limit
	}
	return start, int(end - start + 1), true
}

func (q *downloadQueue) add(start int64, count int, peer types.NodeID) {
	q.ranges[start] = &blockRange{start: start, count: count, peer: peer}
}

// complete stores the ascending blocks peer sent for the range starting at
// start. A partial response covers the top of the window; the rest is
// released for any peer to request again.
func (q *downloadQueue) complete(start int64, peer types.NodeID, blocks []*types.Block) {
	r, ok := q.ranges[start]
	if !ok || r.peer != peer || r.downloaded() {
		return
	}
	delete(q.ranges, start)
	if len(blocks) == 0 {
		return
	}
	r.start = blocks[0].Number()
	r.count = len(blocks)
	r.blocks = blocks
	q.ranges[r.start] = r
}

// release forgets the range starting at start if it is assigned to peer.
func (q *downloadQueue) release(start int64, peer types.NodeID) {
	if r, ok := q.ranges[start]; ok && r.peer == peer {
		delete(q.ranges, start)
	}
}

// removePeer forgets every range assigned to peer.
func (q *downloadQueue) removePeer(peer types.NodeID) {
	for start, r := range q.ranges {
		if r.peer == peer {
			delete(q.ranges, start)
		}
	}
}

// drain removes and returns the downloaded ranges that can be imported now,
// in ascending order. Draining stops at the first range still in flight. A
// downloaded range is released when its first parent is known, when it
// follows a released range, or when it sits directly on the local best
// number: in that last case its parent is on another branch and the import
// reports it. Ranges above a gap wait for the gap to be filled.
func (q *downloadQueue) drain(localBest int64, known func(types.Hash) bool) []*blockRange {
	var (
		out      []*blockRange
		released = map[types.Hash]struct{}{}
		height   = localBest
	)
	for _, r := range q.sorted() {
		if !r.downloaded() {
			break
		}
		parent := r.blocks[0].Header.ParentHash
		_, linked := released[parent]
		if !linked && !known(parent) && r.start > height+1 {
			continue
		}
		delete(q.ranges, r.start)
		out = append(out, r)
		for _, b := range r.blocks {
			released[b.Hash()] = struct{}{}
		}
		if r.end() > height {
			height = r.end()
		}
	}
	return out
}

// queuedBlocks returns the number of downloaded blocks waiting for import.
func (q *downloadQueue) queuedBlocks() int {
	n := 0
	for _, r := range q.ranges {
		n += len(r.blocks)
	}
	return n
}

func (q *downloadQueue) len() int {
	return len(q.ranges)
}
