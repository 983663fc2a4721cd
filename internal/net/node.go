// Package net runs the canvas on a libp2p host: GossipSub for topic
// broadcast, connection notifications for peer churn, and mDNS to find
// other boards on the local network.
package net

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"P2PCanvas/internal/substrate"
)

// DefaultListenAddrs listens on every IPv4 interface on a random TCP port.
var DefaultListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}

type Options struct {
	ListenAddrs []string
	Logger      *slog.Logger
}

// Node is a libp2p host with a GossipSub router. It implements
// substrate.Substrate.
type Node struct {
	host    host.Host
	ps      *pubsub.PubSub
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	log     *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic

	cbMu         sync.RWMutex
	onConnect    []func(peer.ID)
	onDisconnect []func(peer.ID)
}

var _ substrate.Substrate = (*Node)(nil)

// NewNode starts a libp2p host and joins it to GossipSub.
func NewNode(ctx context.Context, opts Options) (*Node, error) {
	if len(opts.ListenAddrs) == 0 {
		opts.ListenAddrs = DefaultListenAddrs
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(opts.ListenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	nctx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(nctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("start gossipsub: %w", err)
	}

	n := &Node{
		host:   h,
		ps:     ps,
		ctx:    nctx,
		cancel: cancel,
		log:    opts.Logger.With("component", "node", "self", h.ID()),
		topics: make(map[string]*pubsub.Topic),
	}
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    n.connected,
		DisconnectedF: n.disconnected,
	})
	n.started.Store(true)
	n.log.Info("node started", "addrs", h.Addrs())
	return n, nil
}

func (n *Node) ID() peer.ID           { return n.host.ID() }
func (n *Node) IsStarted() bool       { return n.started.Load() }
func (n *Node) Host() host.Host       { return n.host }
func (n *Node) Addrs() []ma.Multiaddr { return n.host.Addrs() }

// FullAddrs returns the listen addresses with the /p2p/<id> suffix peers
// need to dial this node.
func (n *Node) FullAddrs() []ma.Multiaddr {
	suffix, err := ma.NewMultiaddr("/p2p/" + n.host.ID().String())
	if err != nil {
		return nil
	}
	out := make([]ma.Multiaddr, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		out = append(out, a.Encapsulate(suffix))
	}
	return out
}

// TCPPort returns the first TCP port the host listens on.
func (n *Node) TCPPort() (int, error) {
	for _, a := range n.host.Addrs() {
		v, err := a.ValueForProtocol(ma.P_TCP)
		if err != nil {
			continue
		}
		return strconv.Atoi(v)
	}
	return 0, errors.New("node has no tcp listen address")
}

// Connect dials a peer given a full multiaddr ending in /p2p/<id>.
func (n *Node) Connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse multiaddr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("peer info from %q: %w", addr, err)
	}
	return n.ConnectPeer(ctx, *info)
}

func (n *Node) ConnectPeer(ctx context.Context, info peer.AddrInfo) error {
	if !n.IsStarted() {
		return substrate.ErrNotStarted
	}
	if info.ID == n.host.ID() {
		return nil
	}
	if n.host.Network().Connectedness(info.ID) == network.Connected {
		return nil
	}
	if err := n.host.Connect(ctx, info); err != nil {
		return fmt.Errorf("connect %s: %w", info.ID, err)
	}
	return nil
}

func (n *Node) topic(name string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %q: %w", name, err)
	}
	n.topics[name] = t
	return t, nil
}

func (n *Node) Subscribe(name string, h substrate.Handler) (substrate.Subscription, error) {
	if !n.IsStarted() {
		return nil, substrate.ErrNotStarted
	}
	t, err := n.topic(name)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", name, err)
	}

	ctx, cancel := context.WithCancel(n.ctx)
	s := &nodeSub{sub: sub, cancel: cancel}
	go n.readLoop(ctx, name, sub, h)
	return s, nil
}

// readLoop hands deliveries to h one at a time.
func (n *Node) readLoop(ctx context.Context, name string, sub *pubsub.Subscription, h substrate.Handler) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				n.log.Warn("subscription ended", "topic", name, "error", err)
			}
			return
		}
		h(substrate.Message{From: msg.GetFrom(), Data: msg.Data})
	}
}

func (n *Node) Publish(ctx context.Context, name string, data []byte) error {
	if !n.IsStarted() {
		return substrate.ErrNotStarted
	}
	t, err := n.topic(name)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// PeersOn returns the peers GossipSub knows to be subscribed to name.
func (n *Node) PeersOn(name string) []peer.ID {
	return n.ps.ListPeers(name)
}

func (n *Node) OnPeerConnect(fn func(peer.ID)) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	n.onConnect = append(n.onConnect, fn)
}

func (n *Node) OnPeerDisconnect(fn func(peer.ID)) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	n.onDisconnect = append(n.onDisconnect, fn)
}

func (n *Node) connected(_ network.Network, c network.Conn) {
	p := c.RemotePeer()
	n.log.Debug("connection opened", "peer", p, "addr", c.RemoteMultiaddr())

	n.cbMu.RLock()
	fns := slices.Clone(n.onConnect)
	n.cbMu.RUnlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (n *Node) disconnected(nw network.Network, c network.Conn) {
	p := c.RemotePeer()
	// A peer may hold several connections; it is gone only when the last closes.
	if nw.Connectedness(p) == network.Connected {
		return
	}
	n.log.Debug("connection closed", "peer", p)

	n.cbMu.RLock()
	fns := slices.Clone(n.onDisconnect)
	n.cbMu.RUnlock()
	for _, fn := range fns {
		fn(p)
	}
}

// Close leaves every topic and shuts the host down.
func (n *Node) Close() error {
	if !n.started.CompareAndSwap(true, false) {
		return nil
	}
	n.cancel()

	n.mu.Lock()
	for name, t := range n.topics {
		if err := t.Close(); err != nil {
			n.log.Debug("close topic", "topic", name, "error", err)
		}
	}
	n.topics = map[string]*pubsub.Topic{}
	n.mu.Unlock()

	return n.host.Close()
}

type nodeSub struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	once   sync.Once
}

func (s *nodeSub) Cancel() {
	s.once.Do(func() {
		s.sub.Cancel()
		s.cancel()
	})
}
