package chainsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

var testGenesis = types.NewGenesis("chainsync_test")

func makeChain(parent *types.Header, n int, salt string) []*types.Block {
	blocks := make([]*types.Block, 0, n)
	for i := 0; i < n; i++ {
		h := &types.Header{Number: parent.Number + 1, ParentHash: parent.Hash()}
		if salt != "" {
			h.Extra = []byte(salt)
		}
		blocks = append(blocks, &types.Block{Header: h, Body: &types.Body{}})
		parent = h
	}
	return blocks
}

func descending(blocks []*types.Block) []*types.Block {
	out := make([]*types.Block, 0, len(blocks))
	for i := len(blocks) - 1; i >= 0; i-- {
		out = append(out, blocks[i])
	}
	return out
}

func knownSet(blocks ...*types.Block) func(types.Hash) bool {
	known := map[types.Hash]bool{testGenesis.Hash(): true}
	for _, b := range blocks {
		known[b.Hash()] = true
	}
	return func(h types.Hash) bool { return known[h] }
}

func newTestEngine(t *testing.T, role types.Role, opts ...store.Option) (*Engine, *store.BlockStore) {
	t.Helper()
	bs, err := store.NewBlockStore(dbm.NewMemDB(), testGenesis, role, opts...)
	require.NoError(t, err)

	cfg := config.TestSyncConfig()
	cfg.Role = role.String()
	e, err := NewEngine(cfg, bs, WithLogger(log.NewTestingLogger(t)))
	require.NoError(t, err)
	return e, bs
}

func importChain(t *testing.T, bs *store.BlockStore, blocks []*types.Block) {
	t.Helper()
	for _, b := range blocks {
		res, err := bs.ImportBlock(b)
		require.NoError(t, err)
		require.True(t, res.IsSuccess(), "block %v: %v", b, res)
	}
}

// messagesTo returns the messages of out addressed to peer, in order.
func messagesTo(out []p2p.Envelope, peer types.NodeID) []interface{} {
	var msgs []interface{}
	for _, env := range out {
		if env.To == peer {
			msgs = append(msgs, env.Message)
		}
	}
	return msgs
}

func tick(t *testing.T, e *Engine, now time.Time, events ...Event) []p2p.Envelope {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, e.Deliver(ev))
	}
	return e.Tick(now)
}
