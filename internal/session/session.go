// Package session binds a canvas topic to the stroke codec and tracker.
//
// A Session publishes local stroke events, turns deliveries from other
// peers into DrawSegment events for the rendering layer, and follows peer
// connect/disconnect notifications so abandoned strokes do not linger.
package session

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"P2PCanvas/internal/metrics"
	"P2PCanvas/internal/state"
	"P2PCanvas/internal/substrate"
)

// DefaultTopic is the topic peers draw on unless configured otherwise.
const DefaultTopic = "osslab/demo/canvas/1.0.0"

// ErrNotStarted is returned by Join and Leave when the substrate is not running.
var ErrNotStarted = substrate.ErrNotStarted

// DrawSegment is emitted for every line a remote peer drew.
type DrawSegment struct {
	Peer peer.ID
	state.Segment
	// Color and Width are only set for self-contained segments.
	Color string
	Width int32
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

type Session struct {
	sub     substrate.Substrate
	topic   string
	self    peer.ID
	tracker *state.Tracker
	peers   mapset.Set[peer.ID]
	log     *slog.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex // guards subscription
	subscription substrate.Subscription
	joined       atomic.Bool

	// inbound serializes message handling and peer cleanup.
	inbound sync.Mutex

	lmu       sync.RWMutex
	listeners []listener
	nextID    int
}

type listener struct {
	id int
	fn func(DrawSegment)
}

// New creates a session on topic. Lifecycle callbacks are registered right
// away, and if the substrate is already running the session joins the topic.
func New(sub substrate.Substrate, topic string, opts ...Option) *Session {
	s := &Session{
		sub:   sub,
		topic: topic,
		self:  sub.ID(),
		peers: mapset.NewSet[peer.ID](),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	base := s.log
	s.log = base.With("component", "session", "topic", topic)
	s.tracker = state.NewTracker(s.self, base.With("topic", topic))

	sub.OnPeerConnect(s.peerConnected)
	sub.OnPeerDisconnect(s.peerDisconnected)

	if sub.IsStarted() {
		if err := s.Join(); err != nil {
			s.log.Error("auto join failed", "error", err)
		}
	}
	return s
}

func (s *Session) Topic() string           { return s.topic }
func (s *Session) Self() peer.ID           { return s.self }
func (s *Session) Joined() bool            { return s.joined.Load() }
func (s *Session) Tracker() *state.Tracker { return s.tracker }

// Join subscribes to the topic. Joining twice is a no-op.
func (s *Session) Join() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscription != nil {
		return nil
	}
	if !s.sub.IsStarted() {
		return ErrNotStarted
	}
	sub, err := s.sub.Subscribe(s.topic, s.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", s.topic, err)
	}
	s.subscription = sub
	s.joined.Store(true)
	s.log.Info("joined topic", "self", s.self)
	return nil
}

// Leave unsubscribes from the topic and forgets every open remote stroke.
// Leaving a session that is not joined is a no-op.
func (s *Session) Leave() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscription == nil {
		return nil
	}
	s.joined.Store(false)
	s.subscription.Cancel()
	s.subscription = nil

	s.inbound.Lock()
	s.tracker.Reset()
	s.inbound.Unlock()

	s.log.Info("left topic")
	if !s.sub.IsStarted() {
		return ErrNotStarted
	}
	return nil
}

// OnDraw registers fn for every DrawSegment. Listeners run on the delivery
// goroutine in registration order. The returned func removes fn.
func (s *Session) OnDraw(fn func(DrawSegment)) (remove func()) {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listener{id: id, fn: fn})

	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		s.listeners = slices.DeleteFunc(s.listeners, func(l listener) bool { return l.id == id })
	}
}

// ConnectedPeers returns the peers currently connected, sorted.
func (s *Session) ConnectedPeers() []peer.ID {
	ps := s.peers.ToSlice()
	slices.Sort(ps)
	return ps
}

func (s *Session) emit(ds DrawSegment) {
	s.lmu.RLock()
	ls := slices.Clone(s.listeners)
	s.lmu.RUnlock()

	s.metrics.SegmentEmitted()
	for _, l := range ls {
		s.call(l.fn, ds)
	}
}

func (s *Session) call(fn func(DrawSegment), ds DrawSegment) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("draw listener panicked", "peer", ds.Peer, "panic", r)
		}
	}()
	fn(ds)
}

func (s *Session) peerConnected(p peer.ID) {
	if p == s.self {
		return
	}
	if !s.peers.Add(p) {
		return
	}
	s.log.Info("peer connected", "peer", p)
	s.metrics.SetConnectedPeers(s.peers.Cardinality())
}

func (s *Session) peerDisconnected(p peer.ID) {
	s.inbound.Lock()
	defer s.inbound.Unlock()

	if s.peers.Contains(p) {
		s.peers.Remove(p)
		s.log.Info("peer disconnected", "peer", p)
		s.metrics.SetConnectedPeers(s.peers.Cardinality())
	}
	s.tracker.PeerDisconnected(p)
}
