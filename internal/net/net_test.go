package net

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"P2PCanvas/internal/session"
	"P2PCanvas/internal/substrate"
	"P2PCanvas/internal/wire"
)

func randomID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func TestEntryAddrInfo(t *testing.T) {
	id := randomID(t)

	info, err := entryAddrInfo(&mdns.ServiceEntry{
		Name:       "board._p2pcanvas._tcp.local.",
		AddrV4:     net.IPv4(192, 168, 1, 20),
		Port:       4001,
		InfoFields: []string{"other=1", "id=" + id.String()},
	})
	require.NoError(t, err)
	assert.Equal(t, id, info.ID)
	require.Len(t, info.Addrs, 1)
	assert.Equal(t, "/ip4/192.168.1.20/tcp/4001", info.Addrs[0].String())
}

func TestEntryAddrInfo_Rejects(t *testing.T) {
	id := randomID(t)
	tests := []struct {
		name  string
		entry mdns.ServiceEntry
	}{
		{"no address", mdns.ServiceEntry{Port: 1, InfoFields: []string{"id=" + id.String()}}},
		{"no port", mdns.ServiceEntry{AddrV4: net.IPv4(10, 0, 0, 1), InfoFields: []string{"id=" + id.String()}}},
		{"no id", mdns.ServiceEntry{AddrV4: net.IPv4(10, 0, 0, 1), Port: 1}},
		{"bad id", mdns.ServiceEntry{AddrV4: net.IPv4(10, 0, 0, 1), Port: 1, InfoFields: []string{"id=nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := entryAddrInfo(&tt.entry)
			assert.Error(t, err)
		})
	}
}

func TestOutgoingIP(t *testing.T) {
	ip, err := OutgoingIP()
	require.NoError(t, err)
	assert.NotNil(t, ip.To4())
}

func newLoopbackNode(t *testing.T) *Node {
	t.Helper()
	n, err := NewNode(context.Background(), Options{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNode_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}
	a, b := newLoopbackNode(t), newLoopbackNode(t)

	var mu sync.Mutex
	var connected, disconnected []peer.ID
	a.OnPeerConnect(func(p peer.ID) {
		mu.Lock()
		defer mu.Unlock()
		connected = append(connected, p)
	})
	a.OnPeerDisconnect(func(p peer.ID) {
		mu.Lock()
		defer mu.Unlock()
		disconnected = append(disconnected, p)
	})

	port, err := b.TCPPort()
	require.NoError(t, err)
	assert.NotZero(t, port)

	require.NotEmpty(t, b.FullAddrs())
	require.NoError(t, a.Connect(context.Background(), b.FullAddrs()[0].String()))
	require.NoError(t, a.ConnectPeer(context.Background(), peer.AddrInfo{ID: a.ID()}), "self dial is a no-op")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(connected) > 0 && connected[0] == b.ID()
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(disconnected) > 0 && disconnected[0] == b.ID()
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, b.Publish(context.Background(), "t", nil), substrate.ErrNotStarted)
	_, err = b.Subscribe("t", func(substrate.Message) {})
	assert.ErrorIs(t, err, substrate.ErrNotStarted)
}

func TestNode_SessionsExchangeSegments(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}
	a, b := newLoopbackNode(t), newLoopbackNode(t)
	const topic = "test/canvas/1.0.0"

	sa := session.New(a, topic)
	sb := session.New(b, topic)
	require.True(t, sa.Joined())
	require.True(t, sb.Joined())

	got := make(chan session.DrawSegment, 64)
	sb.OnDraw(func(ds session.DrawSegment) {
		select {
		case got <- ds:
		default:
		}
	})

	require.NoError(t, a.Connect(context.Background(), b.FullAddrs()[0].String()))

	// GossipSub needs a moment to learn b's subscription; keep sending until
	// one lands.
	seg := wire.StrokeSegment{FromX: 1, FromY: 2, ToX: 3, ToY: 4, Color: "green", Width: 2}
	deadline := time.After(10 * time.Second)
	for {
		require.NoError(t, sa.SendStrokeSegment(context.Background(), seg))
		select {
		case ds := <-got:
			assert.Equal(t, a.ID(), ds.Peer)
			assert.Equal(t, int32(3), ds.To.X)
			assert.Equal(t, "green", ds.Color)
			return
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			t.Fatal("no segment delivered")
		}
	}
}
