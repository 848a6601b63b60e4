package chainsync

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// serveRequests hands msgs to remote as if sent by from and returns its
// answers as events for the local engine, sent by remoteID.
func serveRequests(t *testing.T, remote *Engine, now time.Time, from, remoteID types.NodeID, msgs []interface{}) []Event {
	t.Helper()
	for _, msg := range msgs {
		require.NoError(t, remote.Deliver(MessageReceived{From: from, Message: msg}))
	}
	var events []Event
	for _, msg := range messagesTo(remote.Tick(now), from) {
		events = append(events, MessageReceived{From: remoteID, Message: msg})
	}
	return events
}

func broadcasts(out []p2p.Envelope) []*BlockAnnounce {
	var announces []*BlockAnnounce
	for _, env := range out {
		if env.Broadcast {
			announces = append(announces, env.Message.(*BlockAnnounce))
		}
	}
	return announces
}

func peerInfo(t *testing.T, e *Engine, id types.NodeID) PeerInfo {
	t.Helper()
	for _, p := range e.Snapshot().Peers {
		if p.ID == id {
			return p
		}
	}
	require.FailNow(t, "peer not found", "peer %v", id)
	return PeerInfo{}
}

func TestEngineServe(t *testing.T) {
	e, bs := newTestEngine(t, types.RoleFull)
	chain := makeChain(testGenesis, 5, "")
	importChain(t, bs, chain)
	now := time.Now()

	out := tick(t, e, now,
		MessageReceived{From: "p", Message: &AncestorRequest{ID: 1, Number: 3}},
		MessageReceived{From: "p", Message: &AncestorRequest{ID: 2, Number: 9}},
		MessageReceived{From: "p", Message: &BlockRequest{
			ID: 3, From: types.BlockNumber(5), Direction: Descending, Max: 3,
			Fields: FieldHeader | FieldBody,
		}},
		MessageReceived{From: "p", Message: &BlockRequest{
			ID: 4, From: types.BlockNumber(2), Direction: Ascending, Max: 100,
			Fields: FieldHeader,
		}},
		MessageReceived{From: "p", Message: &JustificationRequest{ID: 5, Hash: chain[2].Hash(), Number: 3}},
	)
	msgs := messagesTo(out, "p")
	require.Len(t, msgs, 5)

	assert.Equal(t, &AncestorResponse{ID: 1, Number: 3, Hash: chain[2].Hash(), Found: true}, msgs[0])
	assert.Equal(t, &AncestorResponse{ID: 2, Number: 9}, msgs[1])

	desc := msgs[2].(*BlockResponse)
	require.Len(t, desc.Blocks, 3)
	for i, b := range desc.Blocks {
		assert.Equal(t, chain[4-i].Hash(), b.Hash())
		assert.NotNil(t, b.Body)
	}

	asc := msgs[3].(*BlockResponse)
	require.Len(t, asc.Blocks, 4)
	for i, b := range asc.Blocks {
		assert.Equal(t, chain[1+i].Hash(), b.Hash())
		assert.Nil(t, b.Body)
	}

	assert.Equal(t, &JustificationResponse{ID: 5, Hash: chain[2].Hash()}, msgs[4])

	// empty justifications are found as well
	require.NoError(t, bs.FinalizeBlock(types.BlockNumber(3), []byte{}, false))
	out = tick(t, e, now, MessageReceived{From: "p", Message: &JustificationRequest{ID: 6, Hash: chain[2].Hash(), Number: 3}})
	msgs = messagesTo(out, "p")
	require.Len(t, msgs, 1)
	resp := msgs[0].(*JustificationResponse)
	assert.True(t, resp.Found)
	assert.Empty(t, resp.Justification)

	// unknown blocks are answered with an empty response
	out = tick(t, e, now, MessageReceived{From: "p", Message: &BlockRequest{
		ID: 7, From: types.BlockHash(types.Hash{7}), Direction: Descending, Max: 3,
	}})
	assert.Equal(t, []interface{}{&BlockResponse{ID: 7}}, messagesTo(out, "p"))
}

func TestEngineQueueFull(t *testing.T) {
	bs, err := store.NewBlockStore(dbm.NewMemDB(), testGenesis, types.RoleFull)
	require.NoError(t, err)
	cfg := config.TestSyncConfig()
	cfg.EventQueueSize = 2
	e, err := NewEngine(cfg, bs, WithLogger(log.NewTestingLogger(t)))
	require.NoError(t, err)

	require.NoError(t, e.Deliver(PeerConnected{Peer: "a", Role: types.RoleFull, BestHash: testGenesis.Hash()}))
	require.NoError(t, e.RequestJustification(testGenesis.Hash(), 0))
	require.ErrorIs(t, e.Deliver(PeerDisconnected{Peer: "a"}), ErrQueueFull)
	require.ErrorIs(t, e.SetSyncForkRequest(nil, types.Hash{1}, 1), ErrQueueFull)
	assert.Equal(t, 2, e.QueuedEvents())

	e.Tick(time.Now())
	assert.Zero(t, e.QueuedEvents())
	assert.Len(t, e.Snapshot().Peers, 1)
	require.NoError(t, e.Deliver(PeerDisconnected{Peer: "a"}))
}

func TestEngineSyncFromPeer(t *testing.T) {
	chain := makeChain(testGenesis, 40, "")
	remote, remoteStore := newTestEngine(t, types.RoleFull)
	importChain(t, remoteStore, chain)

	e, bs := newTestEngine(t, types.RoleFull)
	now := time.Now()
	assert.Equal(t, StatusOffline, e.Status())

	out := tick(t, e, now, PeerConnected{Peer: "a", Role: types.RoleFull, BestHash: chain[39].Hash(), BestNumber: 40})
	msgs := messagesTo(out, "a")
	require.Len(t, msgs, 1)
	assert.Equal(t, &BlockRequest{
		ID:        1,
		From:      types.BlockNumber(16),
		Direction: Descending,
		Max:       16,
		Fields:    FieldHeader | FieldBody | FieldJustification,
	}, msgs[0])
	assert.Equal(t, StatusMajorSyncing, e.Status())
	assert.True(t, e.IsMajorSyncing())

	var last *BlockRequest
	for i := 0; i < 10 && len(msgs) > 0; i++ {
		last = msgs[len(msgs)-1].(*BlockRequest)
		out = tick(t, e, now, serveRequests(t, remote, now, "local", "a", msgs)...)
		msgs = messagesTo(out, "a")
	}
	require.Empty(t, msgs)

	// the window ending at the peer's best block is anchored by hash
	assert.Equal(t, types.BlockHash(chain[39].Hash()), last.From)
	assert.Equal(t, 8, last.Max)

	info := bs.Info()
	assert.EqualValues(t, 40, info.BestNumber)
	assert.Equal(t, chain[39].Hash(), info.BestHash)
	assert.Equal(t, StatusIdle, e.Status())

	snap := e.Snapshot()
	assert.Zero(t, snap.InFlight)
	assert.Zero(t, snap.QueuedRanges)
	assert.Zero(t, snap.QueuedBlocks)
	assert.EqualValues(t, 40, peerInfo(t, e, "a").CommonNumber)
	assert.Equal(t, "Idle", peerInfo(t, e, "a").State)

	// the new best block was announced
	announces := broadcasts(out)
	require.NotEmpty(t, announces)
	assert.Equal(t, chain[39].Hash(), announces[len(announces)-1].Header.Hash())
	assert.True(t, announces[len(announces)-1].IsBest)

	tick(t, e, now, PeerDisconnected{Peer: "a"})
	assert.True(t, e.IsOffline())
}

func TestEngineProbeTimeouts(t *testing.T) {
	e, bs := newTestEngine(t, types.RoleFull)
	importChain(t, bs, makeChain(testGenesis, 40, ""))
	now := time.Now()

	out := tick(t, e, now, PeerConnected{Peer: "a", Role: types.RoleFull, BestHash: types.Hash{9}, BestNumber: 100})
	for i := 0; i < 4; i++ {
		msgs := messagesTo(out, "a")
		require.Len(t, msgs, 1, "attempt %d", i)
		probe := msgs[0].(*AncestorRequest)
		assert.EqualValues(t, 20, probe.Number)
		assert.Equal(t, StatusMajorSyncing, e.Status())
		out = tick(t, e, now, RequestFailed{Peer: "a", ID: probe.ID})
	}

	// the search was abandoned, the peer is not excluded
	assert.Empty(t, messagesTo(out, "a"))
	pi := peerInfo(t, e, "a")
	assert.Equal(t, 4, pi.Strikes)
	assert.Equal(t, "Idle", pi.State)
	assert.Equal(t, StatusIdle, e.Status())

	// a new best block starts over
	out = tick(t, e, now, PeerConnected{Peer: "a", Role: types.RoleFull, BestHash: types.Hash{10}, BestNumber: 101})
	msgs := messagesTo(out, "a")
	require.Len(t, msgs, 1)
	assert.IsType(t, &AncestorRequest{}, msgs[0])
}

func TestEngineLateResponse(t *testing.T) {
	e, _ := newTestEngine(t, types.RoleFull)
	chain := makeChain(testGenesis, 40, "")
	now := time.Now()

	out := tick(t, e, now, PeerConnected{Peer: "a", Role: types.RoleFull, BestHash: chain[39].Hash(), BestNumber: 40})
	msgs := messagesTo(out, "a")
	require.Len(t, msgs, 1)
	req := msgs[0].(*BlockRequest)

	out = tick(t, e, now, MessageReceived{From: "a", Message: &BlockResponse{ID: req.ID + 10, Blocks: descending(chain[:16])}})
	assert.Empty(t, messagesTo(out, "a"))
	assert.Equal(t, 1, e.Snapshot().InFlight)
	assert.Zero(t, peerInfo(t, e, "a").Strikes)

	// a timeout hands the same window out again
	out = tick(t, e, now, RequestFailed{Peer: "a", ID: req.ID})
	msgs = messagesTo(out, "a")
	require.Len(t, msgs, 1)
	retry := msgs[0].(*BlockRequest)
	assert.NotEqual(t, req.ID, retry.ID)
	assert.Equal(t, req.From, retry.From)
	assert.Equal(t, 1, peerInfo(t, e, "a").Strikes)

	// and the answer to the timed out request is ignored
	out = tick(t, e, now, MessageReceived{From: "a", Message: &BlockResponse{ID: req.ID, Blocks: descending(chain[:16])}})
	assert.Empty(t, messagesTo(out, "a"))
	assert.Zero(t, e.Snapshot().Chain.BestNumber)
}

func TestEngineLightPeersNeverAsked(t *testing.T) {
	e, _ := newTestEngine(t, types.RoleFull)
	now := time.Now()

	require.NoError(t, e.RequestJustification(types.Hash{1}, 1))
	out := tick(t, e, now, PeerConnected{Peer: "l", Role: types.RoleLight, BestHash: types.Hash{2}, BestNumber: 50})
	assert.Empty(t, messagesTo(out, "l"))
	assert.Equal(t, StatusIdle, e.Status())

	out = tick(t, e, now, MessageReceived{From: "l", Message: &BlockAnnounce{
		Header: makeChain(testGenesis, 1, "l")[0].Header,
		IsBest: true,
	}})
	assert.Empty(t, messagesTo(out, "l"))
	assert.Zero(t, e.Snapshot().ForkTargets)
}

func TestEngineSiblingJustifications(t *testing.T) {
	e, bs := newTestEngine(t, types.RoleFull)
	common := makeChain(testGenesis, 2, "")
	siblingA := makeChain(common[1].Header, 1, "a")[0]
	siblingB := makeChain(common[1].Header, 1, "b")[0]
	importChain(t, bs, common)
	importChain(t, bs, []*types.Block{siblingA, siblingB})
	now := time.Now()

	require.NoError(t, e.RequestJustification(siblingA.Hash(), 3))
	require.NoError(t, e.RequestJustification(siblingB.Hash(), 3))
	out := tick(t, e, now, PeerConnected{Peer: "p", Role: types.RoleFull, BestHash: siblingA.Hash(), BestNumber: 3})

	for i := 0; i < 5; i++ {
		msgs := messagesTo(out, "p")
		if len(msgs) == 0 {
			break
		}
		require.Len(t, msgs, 1, "one request per peer")
		req := msgs[0].(*JustificationRequest)
		resp := &JustificationResponse{ID: req.ID, Hash: req.Hash}
		if req.Hash == siblingA.Hash() {
			resp.Justification, resp.Found = []byte("jA"), true
		}
		out = tick(t, e, now, MessageReceived{From: "p", Message: resp})
	}

	info := bs.Info()
	assert.Equal(t, siblingA.Hash(), info.FinalizedHash)
	assert.EqualValues(t, 3, info.FinalizedNumber)
	assert.Equal(t, 1, e.Snapshot().PendingJustifications)

	j, err := bs.Justification(types.BlockHash(siblingA.Hash()))
	require.NoError(t, err)
	assert.Equal(t, []byte("jA"), j)
}

func TestEngineAnnouncements(t *testing.T) {
	chain := makeChain(testGenesis, 1, "")

	t.Run("light engine imports the header", func(t *testing.T) {
		e, bs := newTestEngine(t, types.RoleLight)
		now := time.Now()
		tick(t, e, now, PeerConnected{Peer: "a", Role: types.RoleFull, BestHash: testGenesis.Hash()})

		header := *chain[0].Header
		out := tick(t, e, now, MessageReceived{From: "a", Message: &BlockAnnounce{Header: &header, IsBest: true}})
		assert.Empty(t, messagesTo(out, "a"))
		assert.Empty(t, broadcasts(out))
		assert.Equal(t, chain[0].Hash(), bs.Info().BestHash)
	})

	t.Run("full engine fetches the block", func(t *testing.T) {
		e, bs := newTestEngine(t, types.RoleFull)
		now := time.Now()
		tick(t, e, now, PeerConnected{Peer: "a", Role: types.RoleFull, BestHash: testGenesis.Hash()})

		announce := &BlockAnnounce{Header: chain[0].Header, IsBest: true}
		out := tick(t, e, now, MessageReceived{From: "a", Message: announce})
		msgs := messagesTo(out, "a")
		require.Len(t, msgs, 1)
		req := msgs[0].(*BlockRequest)
		assert.Equal(t, types.BlockHash(chain[0].Hash()), req.From)
		assert.Equal(t, 1, req.Max)
		assert.Equal(t, 1, e.Snapshot().ForkTargets)

		// repeated announcements are handled once
		out = tick(t, e, now, MessageReceived{From: "a", Message: announce})
		assert.Empty(t, messagesTo(out, "a"))

		tick(t, e, now, MessageReceived{From: "a", Message: &BlockResponse{ID: req.ID, Blocks: chain[:1]}})
		assert.Equal(t, chain[0].Hash(), bs.Info().BestHash)
		assert.Zero(t, e.Snapshot().ForkTargets)
	})

	t.Run("dropped targets are fetched again when announced again", func(t *testing.T) {
		imports := 0
		e, bs := newTestEngine(t, types.RoleFull, store.WithVerifier(store.VerifierFunc(func(*types.Block) types.ImportResult {
			imports++
			if imports == 1 {
				return types.ImportResultEquivocation
			}
			return types.ImportResultImported
		})))
		now := time.Now()
		connected := PeerConnected{Peer: "a", Role: types.RoleFull, BestHash: testGenesis.Hash()}
		announce := &BlockAnnounce{Header: chain[0].Header}
		requestFrom := func(out []p2p.Envelope) *BlockRequest {
			t.Helper()
			msgs := messagesTo(out, "a")
			require.Len(t, msgs, 1)
			return msgs[0].(*BlockRequest)
		}
		tick(t, e, now, connected)

		req := requestFrom(tick(t, e, now, MessageReceived{From: "a", Message: announce}))
		tick(t, e, now, MessageReceived{From: "a", Message: &BlockResponse{ID: req.ID, Blocks: chain[:1]}})
		assert.Zero(t, e.Snapshot().ForkTargets)
		assert.Equal(t, testGenesis.Hash(), bs.Info().BestHash)

		requestFrom(tick(t, e, now, MessageReceived{From: "a", Message: announce}))
		assert.Equal(t, 1, e.Snapshot().ForkTargets)

		// the target goes with the peer and comes back with its next announcement
		tick(t, e, now, PeerDisconnected{Peer: "a"})
		assert.Zero(t, e.Snapshot().ForkTargets)
		tick(t, e, now, connected)
		req = requestFrom(tick(t, e, now, MessageReceived{From: "a", Message: announce}))
		assert.Equal(t, types.BlockHash(chain[0].Hash()), req.From)

		tick(t, e, now, MessageReceived{From: "a", Message: &BlockResponse{ID: req.ID, Blocks: chain[:1]}})
		assert.Equal(t, chain[0].Hash(), bs.Info().BestHash)
	})
}

func TestEngineAnnounceBlock(t *testing.T) {
	e, bs := newTestEngine(t, types.RoleFull)
	chain := makeChain(testGenesis, 3, "")
	importChain(t, bs, chain)
	now := time.Now()
	tick(t, e, now)

	require.NoError(t, e.AnnounceBlock(chain[1].Hash(), []byte("data")))
	require.NoError(t, e.AnnounceBlock(chain[2].Hash(), nil))
	require.NoError(t, e.AnnounceBlock(types.Hash{1}, nil))
	out := tick(t, e, now, PeerConnected{Peer: "a", Role: types.RoleFull, BestHash: chain[2].Hash(), BestNumber: 3})

	announces := broadcasts(out)
	require.Len(t, announces, 2)
	assert.Equal(t, chain[1].Hash(), announces[0].Header.Hash())
	assert.False(t, announces[0].IsBest)
	assert.Equal(t, []byte("data"), announces[0].Data)
	assert.Equal(t, chain[2].Hash(), announces[1].Header.Hash())
	assert.True(t, announces[1].IsBest)

	light, lightStore := newTestEngine(t, types.RoleLight)
	for _, b := range chain {
		importChain(t, lightStore, []*types.Block{{Header: b.Header}})
	}
	tick(t, light, now)
	require.NoError(t, light.AnnounceBlock(chain[2].Hash(), nil))
	out = tick(t, light, now, PeerConnected{Peer: "a", Role: types.RoleFull, BestHash: chain[2].Hash(), BestNumber: 3})
	assert.Empty(t, broadcasts(out))
}

func TestEngineLogsNamedEnums(t *testing.T) {
	var buf bytes.Buffer
	logger, err := log.NewLogger(&buf, log.LogFormatJSON, log.LogLevelInfo)
	require.NoError(t, err)
	bs, err := store.NewBlockStore(dbm.NewMemDB(), testGenesis, types.RoleFull)
	require.NoError(t, err)
	e, err := NewEngine(config.TestSyncConfig(), bs, WithLogger(logger))
	require.NoError(t, err)

	tick(t, e, time.Now(), PeerConnected{Peer: "a", Role: types.RoleLight, BestHash: testGenesis.Hash()})
	out := buf.String()
	assert.Contains(t, out, `"role":"light"`)
	assert.Contains(t, out, `"status":"Idle"`)
}

func TestEngineBadBlock(t *testing.T) {
	chain := makeChain(testGenesis, 8, "")
	bad := chain[4].Hash()
	e, bs := newTestEngine(t, types.RoleFull, store.WithVerifier(store.VerifierFunc(func(b *types.Block) types.ImportResult {
		if b.Hash() == bad {
			return types.ImportResultKnownBad
		}
		return types.ImportResultImported
	})))
	now := time.Now()

	out := tick(t, e, now, PeerConnected{Peer: "a", Role: types.RoleFull, BestHash: chain[7].Hash(), BestNumber: 8})
	msgs := messagesTo(out, "a")
	require.Len(t, msgs, 1)
	req := msgs[0].(*BlockRequest)
	assert.Equal(t, types.BlockHash(chain[7].Hash()), req.From)
	assert.Equal(t, 8, req.Max)

	out = tick(t, e, now, MessageReceived{From: "a", Message: &BlockResponse{ID: req.ID, Blocks: descending(chain)}})
	assert.EqualValues(t, 4, bs.Info().BestNumber)
	assert.True(t, bs.IsBad(bad))
	assert.Equal(t, 1, peerInfo(t, e, "a").Strikes)

	// nothing above the bad block is asked for again, from any peer
	assert.Empty(t, messagesTo(out, "a"))
	assert.Equal(t, "Idle", peerInfo(t, e, "a").State)
	assert.Zero(t, e.Snapshot().QueuedRanges)

	out = tick(t, e, now.Add(time.Second), PeerConnected{Peer: "b", Role: types.RoleFull, BestHash: chain[7].Hash(), BestNumber: 8})
	assert.Empty(t, messagesTo(out, "a"))
	assert.Empty(t, messagesTo(out, "b"))
	out = tick(t, e, now.Add(2*time.Second))
	assert.Empty(t, out)
	assert.Equal(t, 1, peerInfo(t, e, "a").Strikes)
	assert.Zero(t, peerInfo(t, e, "b").Strikes)
	assert.EqualValues(t, 4, bs.Info().BestNumber)
}
