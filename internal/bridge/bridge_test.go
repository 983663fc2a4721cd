package bridge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"P2PCanvas/internal/metrics"
	"P2PCanvas/internal/session"
	"P2PCanvas/internal/state"
	"P2PCanvas/internal/substrate"
	"P2PCanvas/internal/wire"
)

type fakeCanvas struct {
	mu       sync.Mutex
	sent     []string
	segments []wire.StrokeSegment
	err      error
	draw     func(session.DrawSegment)
}

func (f *fakeCanvas) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, name)
	return f.err
}

func (f *fakeCanvas) SendStrokeStart(_ context.Context, x, y int32) error {
	return f.record("start")
}

func (f *fakeCanvas) SendStrokeMove(_ context.Context, x, y int32) error {
	return f.record("move")
}

func (f *fakeCanvas) SendStrokeEnd(context.Context) error { return f.record("end") }

func (f *fakeCanvas) SendStrokeSegment(_ context.Context, seg wire.StrokeSegment) error {
	f.mu.Lock()
	f.segments = append(f.segments, seg)
	f.mu.Unlock()
	return f.record("segment")
}

func (f *fakeCanvas) OnDraw(fn func(session.DrawSegment)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draw = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.draw = nil
	}
}

func (f *fakeCanvas) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newServer(t *testing.T, c Canvas, opts ...Option) (*Bridge, *httptest.Server) {
	t.Helper()
	b := New(c, opts...)
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return b, srv
}

func dial(t *testing.T, b *Bridge, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	want := b.ClientCount() + 1
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return b.ClientCount() == want }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readDraw(t *testing.T, conn *websocket.Conn) DrawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg DrawMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestBridge_ForwardsClientEvents(t *testing.T) {
	fc := &fakeCanvas{}
	b, srv := newServer(t, fc)
	conn := dial(t, b, srv)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeStart, X: 1, Y: 2}))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeMove, X: 3, Y: 4}))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeEnd}))
	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type:  TypeSegment,
		From:  state.Point{X: 5, Y: 6},
		To:    state.Point{X: 7, Y: 8},
		Color: "red",
		Width: 3,
	}))

	require.Eventually(t, func() bool { return len(fc.calls()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"start", "move", "end", "segment"}, fc.calls())

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, wire.StrokeSegment{FromX: 5, FromY: 6, ToX: 7, ToY: 8, Color: "red", Width: 3}, fc.segments[0])
}

func TestBridge_IgnoresBadMessages(t *testing.T) {
	fc := &fakeCanvas{}
	b, srv := newServer(t, fc)
	conn := dial(t, b, srv)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeStart}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "erase"}))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeEnd}))

	require.Eventually(t, func() bool { return len(fc.calls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"start", "end"}, fc.calls())
	assert.Equal(t, 1, b.ClientCount())
}

func TestBridge_PushesRemoteDraws(t *testing.T) {
	fc := &fakeCanvas{}
	b, srv := newServer(t, fc)
	conn := dial(t, b, srv)

	fc.mu.Lock()
	draw := fc.draw
	fc.mu.Unlock()
	require.NotNil(t, draw)

	draw(session.DrawSegment{
		Peer:    peer.ID("remote"),
		Segment: state.Segment{From: state.Point{X: 1, Y: 1}, To: state.Point{X: 9, Y: 9}},
		Color:   "blue",
		Width:   2,
	})

	msg := readDraw(t, conn)
	assert.Equal(t, TypeDraw, msg.Type)
	assert.Equal(t, peer.ID("remote").String(), msg.Peer)
	assert.Equal(t, state.Point{X: 9, Y: 9}, msg.To)
	assert.Equal(t, "blue", msg.Color)
	assert.Equal(t, int32(2), msg.Width)
}

func TestBridge_RelaysBetweenLocalClients(t *testing.T) {
	fc := &fakeCanvas{}
	b, srv := newServer(t, fc)
	a := dial(t, b, srv)
	other := dial(t, b, srv)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeStart, X: 10, Y: 10}))
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeMove, X: 20, Y: 20}))

	msg := readDraw(t, other)
	assert.Equal(t, TypeDraw, msg.Type)
	assert.Equal(t, state.Point{X: 10, Y: 10}, msg.From)
	assert.Equal(t, state.Point{X: 20, Y: 20}, msg.To)

	// The sender draws its own stroke; nothing comes back to it.
	require.NoError(t, a.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := a.ReadMessage()
	assert.Error(t, err)
}

func waitCalls(t *testing.T, fc *fakeCanvas, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(fc.calls()) == n }, 2*time.Second, 5*time.Millisecond)
}

func TestBridge_SecondPenPublishesSegments(t *testing.T) {
	fc := &fakeCanvas{}
	b, srv := newServer(t, fc)
	first := dial(t, b, srv)
	second := dial(t, b, srv)

	require.NoError(t, first.WriteJSON(ClientMessage{Type: TypeStart, X: 0, Y: 0}))
	waitCalls(t, fc, 1)
	require.NoError(t, second.WriteJSON(ClientMessage{Type: TypeStart, X: 500, Y: 500}))
	require.Eventually(t, func() bool { return b.local.Len() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, fc.calls(), 1, "second pen does not open a wire stroke")

	require.NoError(t, second.WriteJSON(ClientMessage{Type: TypeMove, X: 501, Y: 501}))
	waitCalls(t, fc, 2)
	require.NoError(t, first.WriteJSON(ClientMessage{Type: TypeMove, X: 1, Y: 1}))
	waitCalls(t, fc, 3)
	require.NoError(t, first.WriteJSON(ClientMessage{Type: TypeEnd}))
	waitCalls(t, fc, 4)

	assert.Equal(t, []string{"start", "segment", "move", "end"}, fc.calls())
	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, wire.StrokeSegment{FromX: 500, FromY: 500, ToX: 501, ToY: 501}, fc.segments[0])
}

func TestBridge_OwnerDetachEndsStroke(t *testing.T) {
	fc := &fakeCanvas{}
	b, srv := newServer(t, fc)
	conn := dial(t, b, srv)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeStart, X: 3, Y: 3}))
	waitCalls(t, fc, 1)
	require.NoError(t, conn.Close())

	waitCalls(t, fc, 2)
	assert.Equal(t, []string{"start", "end"}, fc.calls())
}

func TestBridge_ReportsPublishErrors(t *testing.T) {
	fc := &fakeCanvas{err: errors.New("network down")}
	b, srv := newServer(t, fc)
	conn := dial(t, b, srv)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeStart}))
	msg := readDraw(t, conn)
	assert.Equal(t, TypeError, msg.Type)
	assert.Contains(t, msg.Error, "network down")
}

func TestBridge_ForgetsDetachedClient(t *testing.T) {
	fc := &fakeCanvas{}
	b, srv := newServer(t, fc)
	conn := dial(t, b, srv)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeStart, X: 1, Y: 1}))
	require.Eventually(t, func() bool { return b.local.Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.local.Len(), "only the seed entry remains")
}

func TestBridge_HTTPEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SegmentEmitted()
	_, srv := newServer(t, &fakeCanvas{}, WithGatherer(reg))

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "canvas_segments_emitted_total 1")
}

func TestBridge_OverHub(t *testing.T) {
	hub := substrate.NewHub(nil)
	ea, eb := hub.Endpoint("alice"), hub.Endpoint("bob")
	ea.Start()
	eb.Start()
	hub.Connect("alice", "bob")

	sa := session.New(ea, session.DefaultTopic)
	sb := session.New(eb, session.DefaultTopic)
	require.True(t, sa.Joined())
	require.True(t, sb.Joined())

	ba, srvA := newServer(t, sa)
	bb, srvB := newServer(t, sb)
	pen := dial(t, ba, srvA)
	screen := dial(t, bb, srvB)

	require.NoError(t, pen.WriteJSON(ClientMessage{Type: TypeStart, X: 0, Y: 0}))
	require.NoError(t, pen.WriteJSON(ClientMessage{Type: TypeMove, X: 5, Y: 5}))

	msg := readDraw(t, screen)
	assert.Equal(t, TypeDraw, msg.Type)
	assert.Equal(t, peer.ID("alice").String(), msg.Peer)
	assert.Equal(t, state.Point{X: 0, Y: 0}, msg.From)
	assert.Equal(t, state.Point{X: 5, Y: 5}, msg.To)
}

func TestBridge_ConcurrentPensOverHub(t *testing.T) {
	hub := substrate.NewHub(nil)
	ea, eb := hub.Endpoint("alice"), hub.Endpoint("bob")
	ea.Start()
	eb.Start()
	hub.Connect("alice", "bob")

	sa := session.New(ea, session.DefaultTopic)
	sb := session.New(eb, session.DefaultTopic)

	ba, srvA := newServer(t, sa)
	bb, srvB := newServer(t, sb)
	pen1 := dial(t, ba, srvA)
	pen2 := dial(t, ba, srvA)
	screen := dial(t, bb, srvB)

	require.NoError(t, pen1.WriteJSON(ClientMessage{Type: TypeStart, X: 0, Y: 0}))
	require.Eventually(t, func() bool {
		_, ok := sb.Tracker().Position("alice")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, pen2.WriteJSON(ClientMessage{Type: TypeStart, X: 500, Y: 500}))
	require.Eventually(t, func() bool { return ba.local.Len() == 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, pen1.WriteJSON(ClientMessage{Type: TypeMove, X: 1, Y: 1}))
	msg := readDraw(t, screen)
	assert.Equal(t, state.Point{X: 0, Y: 0}, msg.From)
	assert.Equal(t, state.Point{X: 1, Y: 1}, msg.To)

	require.NoError(t, pen2.WriteJSON(ClientMessage{Type: TypeMove, X: 501, Y: 501}))
	msg = readDraw(t, screen)
	assert.Equal(t, state.Point{X: 500, Y: 500}, msg.From)
	assert.Equal(t, state.Point{X: 501, Y: 501}, msg.To)

	pos, ok := sb.Tracker().Position("alice")
	require.True(t, ok)
	assert.Equal(t, state.Point{X: 1, Y: 1}, pos, "the second pen leaves the open stroke alone")
}
