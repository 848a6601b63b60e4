package p2p_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

func requireUpdate(t *testing.T, tr *p2p.MemoryTransport, expect p2p.PeerUpdate) {
	t.Helper()
	timer := time.NewTimer(time.Second) // not time.After due to goroutine leaks
	defer timer.Stop()

	select {
	case pu := <-tr.PeerUpdates():
		require.Equal(t, expect, pu)
	case <-timer.C:
		require.Fail(t, "timed out waiting for peer update", "%v", expect)
	}
}

func requireReceive(t *testing.T, tr *p2p.MemoryTransport, expect p2p.Envelope) {
	t.Helper()
	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	select {
	case e := <-tr.Receive():
		require.Equal(t, expect, e)
	case <-timer.C:
		require.Fail(t, "timed out waiting for message", "%v", expect)
	}
}

func TestMemoryNetwork(t *testing.T) {
	network := p2p.NewMemoryNetwork(log.NewNopLogger(), 8)

	a, err := network.CreateTransport("a")
	require.NoError(t, err)
	b, err := network.CreateTransport("b")
	require.NoError(t, err)
	c, err := network.CreateTransport("c")
	require.NoError(t, err)

	_, err = network.CreateTransport("a")
	require.Error(t, err)
	require.Equal(t, []types.NodeID{"a", "b", "c"}, network.NodeIDs())

	require.ErrorIs(t, a.Send(p2p.Envelope{To: "b", Message: "hello"}), p2p.ErrNotConnected)

	require.NoError(t, network.Connect("a", "b"))
	require.NoError(t, network.Connect("a", "c"))
	requireUpdate(t, a, p2p.PeerUpdate{NodeID: "b", Status: p2p.PeerStatusUp})
	requireUpdate(t, b, p2p.PeerUpdate{NodeID: "a", Status: p2p.PeerStatusUp})
	requireUpdate(t, a, p2p.PeerUpdate{NodeID: "c", Status: p2p.PeerStatusUp})
	requireUpdate(t, c, p2p.PeerUpdate{NodeID: "a", Status: p2p.PeerStatusUp})
	require.Equal(t, []types.NodeID{"b", "c"}, a.Peers())

	require.NoError(t, a.Send(p2p.Envelope{To: "b", Message: "hello"}))
	requireReceive(t, b, p2p.Envelope{From: "a", Message: "hello"})

	require.NoError(t, a.Send(p2p.Envelope{Broadcast: true, Message: "all"}))
	requireReceive(t, b, p2p.Envelope{From: "a", Message: "all"})
	requireReceive(t, c, p2p.Envelope{From: "a", Message: "all"})

	network.RemoveTransport("b")
	requireUpdate(t, a, p2p.PeerUpdate{NodeID: "b", Status: p2p.PeerStatusDown})
	require.Equal(t, []types.NodeID{"c"}, a.Peers())
	require.ErrorIs(t, b.Send(p2p.Envelope{To: "a"}), p2p.ErrTransportClosed)
}

func TestMemoryTransportFullInbox(t *testing.T) {
	network := p2p.NewMemoryNetwork(log.NewNopLogger(), 1)
	a, err := network.CreateTransport("a")
	require.NoError(t, err)
	_, err = network.CreateTransport("b")
	require.NoError(t, err)
	require.NoError(t, network.Connect("a", "b"))

	require.NoError(t, a.Send(p2p.Envelope{To: "b", Message: 1}))
	err = a.Send(p2p.Envelope{To: "b", Message: 2})
	require.ErrorIs(t, err, p2p.ErrQueueFull)

	var peerErr p2p.PeerError
	require.ErrorAs(t, err, &peerErr)
	require.Equal(t, types.NodeID("b"), peerErr.NodeID)
}
