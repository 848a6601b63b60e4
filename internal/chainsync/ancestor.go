package chainsync

// ancestorSearch is a binary search for the highest block number at which
// the local chain and a peer's chain hold the same block.
//
// Every number in [0, lo] is assumed to match once lo is verified and every
// number above hi is known not to. A probe at n matches when the peer's
// block at n is known locally. Since a block is only stored after its
// parent, matching is monotone: if n matches, so does every number below n.
//
// The search starts with lo at genesis, which always matches. When the
// interval is deeper than the search depth, lo starts at the depth floor
// instead and is unverified: reaching it without a match means the chains
// have no common ancestor worth syncing from.
type ancestorSearch struct {
	lo, hi     int64
	loVerified bool
	// probe the top of the interval first
	shallow bool
	probes  int
	retries int
}

func newAncestorSearch(localBest, peerBest, maxDepth, shallowThreshold int64) ancestorSearch {
	hi := localBest
	if peerBest < hi {
		hi = peerBest
	}
	if hi < 0 {
		hi = 0
	}
	s := ancestorSearch{hi: hi, loVerified: true}
	if floor := hi - maxDepth; floor > 0 {
		s.lo = floor
		s.loVerified = false
	}
	gap := localBest - peerBest
	if gap < 0 {
		gap = -gap
	}
	s.shallow = gap <= shallowThreshold
	return s
}

// next returns the number to probe. When done is true the search concluded
// and n is the common ancestor.
func (s *ancestorSearch) next() (n int64, done bool) {
	if s.lo >= s.hi {
		return s.lo, s.loVerified
	}
	if s.shallow && s.probes == 0 {
		return s.hi, false
	}
	// upper middle, so that n > lo and every probe shrinks the interval
	return s.lo + (s.hi-s.lo+1)/2, false
}

// record applies the outcome of a probe at n. It returns false when the
// chains turned out to have nothing in common within the interval.
func (s *ancestorSearch) record(n int64, match bool) bool {
	s.probes++
	if match {
		s.lo = n
		s.loVerified = true
		return true
	}
	s.hi = n - 1
	return s.hi >= s.lo
}
