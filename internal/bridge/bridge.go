// Package bridge connects browser canvases to a session over WebSocket.
//
// Browsers send their pen events as JSON; the bridge publishes them through
// the session and pushes every segment drawn by remote peers back down as a
// "draw" message. Strokes from one local browser are relayed to the other
// local browsers too, since the session does not echo our own messages.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"P2PCanvas/internal/session"
	"P2PCanvas/internal/state"
	"P2PCanvas/internal/wire"
)

const sendQueueLen = 256

// Canvas is the part of a session the bridge drives.
type Canvas interface {
	SendStrokeStart(ctx context.Context, x, y int32) error
	SendStrokeMove(ctx context.Context, x, y int32) error
	SendStrokeEnd(ctx context.Context) error
	SendStrokeSegment(ctx context.Context, seg wire.StrokeSegment) error
	OnDraw(fn func(session.DrawSegment)) (remove func())
}

type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(b *Bridge) { b.gatherer = g }
}

type Bridge struct {
	canvas   Canvas
	upgrader websocket.Upgrader
	log      *slog.Logger
	gatherer prometheus.Gatherer
	stopDraw func()

	// local tracks strokes of browsers attached to this bridge, keyed by
	// client id, so they can be relayed to each other.
	local *state.Tracker

	// Every browser publishes under the node's one peer id, so only one of
	// them (owner) may hold the open Start/Move/End stroke on the wire. The
	// others are published as segments. strokeMu orders all publishes.
	strokeMu sync.Mutex
	owner    *client

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func (c *client) peerID() peer.ID { return peer.ID("local:" + c.id) }

func New(canvas Canvas, opts ...Option) *Bridge {
	b := &Bridge{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		canvas:   canvas,
		log:      slog.Default(),
		gatherer: prometheus.DefaultGatherer,
		clients:  make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "bridge")
	b.local = state.NewTracker(peer.ID("bridge"), b.log)
	b.stopDraw = canvas.OnDraw(b.remoteDraw)
	return b
}

// Handler serves /ws, /healthz and /metrics.
func (b *Bridge) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", b.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(b.gatherer, promhttp.HandlerOpts{}))
	return r
}

// ClientCount returns the number of attached browsers.
func (b *Bridge) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close stops listening to the canvas and disconnects every browser.
func (b *Bridge) Close() {
	b.stopDraw()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		c.conn.Close()
	}
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueueLen),
	}
	b.add(c)
	defer b.remove(c)

	go b.writeLoop(c)

	// The request context ends with the handler; publishes must not.
	ctx := context.WithoutCancel(r.Context())
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Debug("client read ended", "client", c.id, "error", err)
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.log.Warn("ignoring bad client message", "client", c.id, "error", err)
			continue
		}
		b.apply(ctx, c, msg)
	}
}

func (b *Bridge) writeLoop(c *client) {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.log.Debug("client write failed", "client", c.id, "error", err)
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	c.conn.Close()
}

func (b *Bridge) add(c *client) {
	b.mu.Lock()
	b.clients[c] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	b.log.Info("client attached", "client", c.id, "clients", n)
}

func (b *Bridge) remove(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	close(c.send)
	n := len(b.clients)
	b.mu.Unlock()

	b.strokeMu.Lock()
	if b.owner == c {
		b.owner = nil
		if err := b.canvas.SendStrokeEnd(context.Background()); err != nil {
			b.log.Warn("stroke end not published", "client", c.id, "error", err)
		}
	}
	b.local.PeerDisconnected(c.peerID())
	b.strokeMu.Unlock()

	b.log.Info("client detached", "client", c.id, "clients", n)
}

// apply publishes one browser event and relays any resulting local segment.
func (b *Bridge) apply(ctx context.Context, c *client, msg ClientMessage) {
	b.strokeMu.Lock()
	defer b.strokeMu.Unlock()

	pt := state.Point{X: msg.X, Y: msg.Y}
	var err error
	switch msg.Type {
	case TypeStart:
		b.local.StrokeStart(c.peerID(), pt)
		if b.owner == nil || b.owner == c {
			b.owner = c
			err = b.canvas.SendStrokeStart(ctx, msg.X, msg.Y)
		}
	case TypeMove:
		seg, ok := b.local.StrokeMove(c.peerID(), pt)
		if ok {
			b.broadcast(DrawMessage{Type: TypeDraw, Peer: string(c.peerID()), From: seg.From, To: seg.To}, c)
		}
		switch {
		case b.owner == c:
			err = b.canvas.SendStrokeMove(ctx, msg.X, msg.Y)
		case ok:
			err = b.canvas.SendStrokeSegment(ctx, wire.StrokeSegment{
				FromX: seg.From.X,
				FromY: seg.From.Y,
				ToX:   seg.To.X,
				ToY:   seg.To.Y,
			})
		}
	case TypeEnd:
		b.local.StrokeEnd(c.peerID())
		if b.owner == c {
			b.owner = nil
			err = b.canvas.SendStrokeEnd(ctx)
		}
	case TypeSegment:
		b.broadcast(DrawMessage{
			Type:  TypeDraw,
			Peer:  string(c.peerID()),
			From:  msg.From,
			To:    msg.To,
			Color: msg.Color,
			Width: msg.Width,
		}, c)
		err = b.canvas.SendStrokeSegment(ctx, wire.StrokeSegment{
			FromX: msg.From.X,
			FromY: msg.From.Y,
			ToX:   msg.To.X,
			ToY:   msg.To.Y,
			Color: msg.Color,
			Width: msg.Width,
		})
	default:
		b.log.Warn("ignoring unknown client message", "client", c.id, "type", msg.Type)
		return
	}
	if err != nil {
		b.log.Warn("stroke not published", "client", c.id, "type", msg.Type, "error", err)
		b.sendTo(c, DrawMessage{Type: TypeError, Error: err.Error()})
	}
}

func (b *Bridge) remoteDraw(ds session.DrawSegment) {
	b.broadcast(DrawMessage{
		Type:  TypeDraw,
		Peer:  ds.Peer.String(),
		From:  ds.From,
		To:    ds.To,
		Color: ds.Color,
		Width: ds.Width,
	}, nil)
}

// broadcast queues msg for every client except skip.
func (b *Bridge) broadcast(msg DrawMessage, skip *client) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("marshal draw message", "error", err)
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		if c != skip {
			b.enqueue(c, data)
		}
	}
}

func (b *Bridge) sendTo(c *client, msg DrawMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.clients[c]; ok {
		b.enqueue(c, data)
	}
}

// enqueue must be called with b.mu held.
func (b *Bridge) enqueue(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		b.log.Warn("client too slow, dropping frame", "client", c.id)
	}
}
