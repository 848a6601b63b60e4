package chainsync

import (
	"sort"

	"github.com/tendermint/chainsync/types"
)

// forkTarget is a block to retrieve outside of the best chain path, either
// requested explicitly or learned from an announcement. It is fetched by
// walking parent links down from the target until a known block is reached.
type forkTarget struct {
	hash     types.Hash
	number   int64
	peers    map[types.NodeID]struct{}
	explicit bool
	// the parent of the target was known when it was added
	single   bool
	inFlight types.NodeID

	// next block to request: the target itself, then the parent of the
	// lowest block fetched so far
	next       types.Hash
	nextNumber int64
	// fetched blocks not yet linked to a known block, descending
	fetched []*types.Block
}

func (t *forkTarget) hasPeer(id types.NodeID) bool {
	_, ok := t.peers[id]
	return ok
}

func (t *forkTarget) reset() {
	t.next = t.hash
	t.nextNumber = t.number
	t.fetched = nil
}

type forkTargets struct {
	targets     map[types.Hash]*forkTarget
	maxLookback int64
}

func newForkTargets(maxLookback int64) *forkTargets {
	return &forkTargets{
		targets:     map[types.Hash]*forkTarget{},
		maxLookback: maxLookback,
	}
}

// add registers a target or adds peers to an existing one.
func (f *forkTargets) add(hash types.Hash, number int64, peers []types.NodeID, explicit, single bool) *forkTarget {
	t, ok := f.targets[hash]
	if !ok {
		t = &forkTarget{
			hash:   hash,
			number: number,
			peers:  map[types.NodeID]struct{}{},
			single: single,
		}
		t.reset()
		f.targets[hash] = t
	}
	t.explicit = t.explicit || explicit
	for _, id := range peers {
		t.peers[id] = struct{}{}
	}
	return t
}

func (f *forkTargets) get(hash types.Hash) *forkTarget {
	return f.targets[hash]
}

func (f *forkTargets) remove(hash types.Hash) {
	delete(f.targets, hash)
}

// sorted returns the targets lowest number first.
func (f *forkTargets) sorted() []*forkTarget {
	ts := make([]*forkTarget, 0, len(f.targets))
	for _, t := range f.targets {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].number != ts[j].number {
			return ts[i].number < ts[j].number
		}
		return ts[i].hash.String() < ts[j].hash.String()
	})
	return ts
}

// next picks a target the peer can serve and returns the request window for
// it. Blocks at or below the finalized number are never requested.
func (f *forkTargets) next(peer types.NodeID, finalized int64, maxPerRequest int) (*forkTarget, int, bool) {
	for _, t := range f.sorted() {
		if t.inFlight != "" || !t.hasPeer(peer) {
			continue
		}
		count := t.nextNumber - finalized
		if t.single {
			count = 1
		}
		if count > int64(maxPerRequest) {
			count = int64(maxPerRequest)
		}
		if count <= 0 {
			continue
		}
		return t, int(count), true
	}
	return nil, 0, false
}

// removePeer drops the peer from every target and returns the targets left
// without any peer.
func (f *forkTargets) removePeer(peer types.NodeID) []*forkTarget {
	var orphaned []*forkTarget
	for hash, t := range f.targets {
		delete(t.peers, peer)
		if t.inFlight == peer {
			t.inFlight = ""
		}
		if len(t.peers) == 0 {
			orphaned = append(orphaned, t)
			delete(f.targets, hash)
		}
	}
	return orphaned
}

// link appends a descending response to the target. It returns the blocks
// to import in ascending order once a block with a known parent was found.
// Otherwise it remembers the blocks and moves the next request below them;
// exceeding the lookback limit returns errForkLookbackReached.
func (f *forkTargets) link(t *forkTarget, blocks []*types.Block, known func(types.Hash) bool) ([]*types.Block, error) {
	for i, b := range blocks {
		if known(b.Hash()) {
			// everything below is known as well
			return ascending(t.fetched, blocks[:i]), nil
		}
		if known(b.Header.ParentHash) {
			return ascending(t.fetched, blocks[:i+1]), nil
		}
	}
	t.fetched = append(t.fetched, blocks...)
	last := t.fetched[len(t.fetched)-1]
	if int64(len(t.fetched)) >= f.maxLookback {
		return nil, errForkLookbackReached
	}
	t.next = last.Header.ParentHash
	t.nextNumber = last.Number() - 1
	return nil, nil
}

// ascending concatenates descending block lists and reverses the result.
func ascending(lists ...[]*types.Block) []*types.Block {
	var n int
	for _, l := range lists {
		n += len(l)
	}
	out := make([]*types.Block, 0, n)
	for i := len(lists) - 1; i >= 0; i-- {
		for j := len(lists[i]) - 1; j >= 0; j-- {
			out = append(out, lists[i][j])
		}
	}
	return out
}

func (f *forkTargets) len() int {
	return len(f.targets)
}
