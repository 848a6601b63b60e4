package chainsync

import (
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// runSearch drives a search against a peer sharing every block up to fork.
func runSearch(t require.TestingT, s ancestorSearch, fork int64) (common int64, found bool, probes []int64) {
	for i := 0; i < 200; i++ {
		n, done := s.next()
		if done {
			return n, true, probes
		}
		probes = append(probes, n)
		if !s.record(n, n <= fork) {
			return 0, false, probes
		}
	}
	require.FailNow(t, "search did not terminate")
	return 0, false, nil
}

func TestAncestorSearch(t *testing.T) {
	testCases := []struct {
		name       string
		localBest  int64
		peerBest   int64
		fork       int64
		depth      int64
		wantCommon int64
		wantFound  bool
		wantFirst  int64
	}{
		{"genesis only", 0, 10, 0, 100, 0, true, -1},
		{"ancestor is genesis", 13, 100, 0, 4096, 0, true, 7},
		{"peer behind", 100, 20, 20, 4096, 20, true, 10},
		{"shallow fork probes lower best first", 40, 40, 30, 4096, 30, true, 40},
		{"backoff of one", 1, 2, 1, 4096, 1, true, 1},
		{"common hundred", 110, 200, 100, 4096, 100, true, 55},
		{"fork deeper than search depth", 100, 100, 10, 50, 0, false, 100},
		{"fork at depth floor", 100, 100, 50, 50, 50, true, 100},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := newAncestorSearch(tc.localBest, tc.peerBest, tc.depth, 32)
			common, found, probes := runSearch(t, s, tc.fork)
			require.Equal(t, tc.wantFound, found)
			if found {
				assert.Equal(t, tc.wantCommon, common)
			}
			if tc.wantFirst < 0 {
				assert.Empty(t, probes)
			} else {
				require.NotEmpty(t, probes)
				assert.Equal(t, tc.wantFirst, probes[0])
			}
		})
	}
}

func TestAncestorSearchProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		localBest := rapid.Int64Range(0, 5000).Draw(t, "localBest").(int64)
		peerBest := rapid.Int64Range(0, 5000).Draw(t, "peerBest").(int64)
		lower := localBest
		if peerBest < lower {
			lower = peerBest
		}
		fork := rapid.Int64Range(0, lower).Draw(t, "fork").(int64)
		depth := rapid.Int64Range(1, 6000).Draw(t, "depth").(int64)
		shallow := rapid.Int64Range(0, 64).Draw(t, "shallow").(int64)

		s := newAncestorSearch(localBest, peerBest, depth, shallow)
		width := uint64(s.hi - s.lo + 1)
		floor := s.lo

		common, found, probes := runSearch(t, s, fork)

		for _, n := range probes {
			if n < 0 || n > lower {
				t.Fatalf("probe %d outside [0, %d]", n, lower)
			}
		}
		if max := bits.Len64(width) + 2; len(probes) > max {
			t.Fatalf("%d probes for an interval of %d, want at most %d", len(probes), width, max)
		}
		if fork >= floor {
			if !found || common != fork {
				t.Fatalf("got common %d (found %v), want %d", common, found, fork)
			}
		} else if found {
			t.Fatalf("found common %d below the search floor %d", common, floor)
		}
	})
}
