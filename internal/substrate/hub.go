package substrate

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Hub is an in-process substrate. Endpoints created from the same hub see
// each other's publishes on shared topics, and Connect/Disconnect drive
// their lifecycle callbacks.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[peer.ID]*Endpoint
	log       *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		endpoints: make(map[peer.ID]*Endpoint),
		log:       logger.With("component", "hub"),
	}
}

// Endpoint returns the endpoint for id, creating it on first use.
// New endpoints are stopped.
func (h *Hub) Endpoint(id peer.ID) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ep, ok := h.endpoints[id]; ok {
		return ep
	}
	ep := &Endpoint{
		hub:  h,
		id:   id,
		subs: make(map[string]map[*hubSub]struct{}),
	}
	h.endpoints[id] = ep
	return ep
}

// Connect links two endpoints and notifies both sides.
func (h *Hub) Connect(a, b peer.ID) {
	ea, eb := h.Endpoint(a), h.Endpoint(b)
	ea.notify(true, b)
	eb.notify(true, a)
	h.log.Debug("connected", "a", a, "b", b)
}

// Disconnect unlinks two endpoints and notifies both sides.
func (h *Hub) Disconnect(a, b peer.ID) {
	ea, eb := h.Endpoint(a), h.Endpoint(b)
	ea.notify(false, b)
	eb.notify(false, a)
	h.log.Debug("disconnected", "a", a, "b", b)
}

func (h *Hub) broadcast(topic string, msg Message) int {
	h.mu.RLock()
	eps := make([]*Endpoint, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		eps = append(eps, ep)
	}
	h.mu.RUnlock()

	n := 0
	for _, ep := range eps {
		n += ep.deliver(topic, msg)
	}
	return n
}

// Endpoint is one peer attached to a Hub. It implements Substrate.
type Endpoint struct {
	hub     *Hub
	id      peer.ID
	started atomic.Bool

	mu           sync.Mutex
	subs         map[string]map[*hubSub]struct{}
	onConnect    []func(peer.ID)
	onDisconnect []func(peer.ID)
}

var _ Substrate = (*Endpoint)(nil)

func (e *Endpoint) ID() peer.ID     { return e.id }
func (e *Endpoint) IsStarted() bool { return e.started.Load() }

func (e *Endpoint) Start() { e.started.Store(true) }

// Stop marks the endpoint stopped and cancels all of its subscriptions.
func (e *Endpoint) Stop() {
	e.started.Store(false)

	e.mu.Lock()
	var all []*hubSub
	for _, set := range e.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	e.mu.Unlock()

	for _, s := range all {
		s.Cancel()
	}
}

func (e *Endpoint) Subscribe(topic string, h Handler) (Subscription, error) {
	if !e.IsStarted() {
		return nil, ErrNotStarted
	}
	s := &hubSub{
		ep:    e,
		topic: topic,
		h:     h,
		queue: make(chan Message, 64),
		done:  make(chan struct{}),
	}
	go s.run()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs[topic] == nil {
		e.subs[topic] = make(map[*hubSub]struct{})
	}
	e.subs[topic][s] = struct{}{}
	return s, nil
}

func (e *Endpoint) Publish(ctx context.Context, topic string, data []byte) error {
	if !e.IsStarted() {
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := Message{From: e.id, Data: append([]byte(nil), data...)}
	if n := e.hub.broadcast(topic, msg); n == 0 {
		e.hub.log.Debug("publish reached no subscribers", "topic", topic, "from", e.id)
	}
	return nil
}

func (e *Endpoint) OnPeerConnect(fn func(peer.ID)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConnect = append(e.onConnect, fn)
}

func (e *Endpoint) OnPeerDisconnect(fn func(peer.ID)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDisconnect = append(e.onDisconnect, fn)
}

func (e *Endpoint) notify(connected bool, remote peer.ID) {
	e.mu.Lock()
	fns := e.onDisconnect
	if connected {
		fns = e.onConnect
	}
	fns = slices.Clone(fns)
	e.mu.Unlock()

	for _, fn := range fns {
		fn(remote)
	}
}

func (e *Endpoint) deliver(topic string, msg Message) int {
	if !e.IsStarted() {
		return 0
	}
	e.mu.Lock()
	subs := make([]*hubSub, 0, len(e.subs[topic]))
	for s := range e.subs[topic] {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	n := 0
	for _, s := range subs {
		if s.enqueue(msg) {
			n++
		}
	}
	return n
}

// Subscribers returns the number of live subscriptions e holds on topic.
func (e *Endpoint) Subscribers(topic string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs[topic])
}

// hubSub delivers to its handler from one goroutine, in arrival order.
type hubSub struct {
	ep    *Endpoint
	topic string
	h     Handler
	queue chan Message
	done  chan struct{}
	once  sync.Once
}

func (s *hubSub) run() {
	for {
		select {
		case msg := <-s.queue:
			s.h(msg)
		case <-s.done:
			return
		}
	}
}

func (s *hubSub) enqueue(msg Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- msg:
		return true
	case <-s.done:
		return false
	default:
		// best effort, like the network it stands in for
		s.ep.hub.log.Warn("delivery queue full, dropping message",
			"peer", s.ep.id, "topic", s.topic, "from", msg.From)
		return false
	}
}

func (s *hubSub) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.ep.mu.Lock()
		delete(s.ep.subs[s.topic], s)
		s.ep.mu.Unlock()
	})
}
