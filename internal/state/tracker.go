package state

import (
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Tracker maps each peer to the last known pen position of its open stroke
// and turns absolute move updates into line segments.
//
// An entry exists for a peer only between its StrokeStart and its StrokeEnd
// (or disconnect). The local peer is seeded at Unset and never yields output.
type Tracker struct {
	mu      sync.Mutex
	self    peer.ID
	strokes map[peer.ID]PeerStrokeState
	log     *slog.Logger
}

// NewTracker creates a tracker with the local peer pre-seeded at Unset.
func NewTracker(self peer.ID, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		self: self,
		strokes: map[peer.ID]PeerStrokeState{
			self: {Last: Unset},
		},
		log: logger.With("component", "tracker"),
	}
}

// StrokeStart opens (or reopens) a stroke for p at pt.
func (t *Tracker) StrokeStart(p peer.ID, pt Point) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.strokes[p] = PeerStrokeState{Last: pt, Open: true}
	t.log.Debug("stroke started", "peer", p, "at", pt)
}

// StrokeMove advances p's open stroke to pt and returns the segment drawn.
// It reports false when p has no open stroke; the move is dropped and no
// entry is created.
func (t *Tracker) StrokeMove(p peer.ID, pt Point) (Segment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.strokes[p]
	if !ok || !st.Open {
		return Segment{}, false
	}
	t.strokes[p] = PeerStrokeState{Last: pt, Open: true}
	return Segment{From: st.Last, To: pt}, true
}

// StrokeEnd closes p's stroke. Calling it without an open stroke is a no-op.
func (t *Tracker) StrokeEnd(p peer.ID) {
	t.remove(p, "stroke ended")
}

// PeerDisconnected drops any state held for p.
func (t *Tracker) PeerDisconnected(p peer.ID) {
	t.remove(p, "peer state cleared")
}

func (t *Tracker) remove(p peer.ID, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.strokes[p]; !ok {
		return
	}
	delete(t.strokes, p)
	t.log.Debug(msg, "peer", p)
}

// Reset forgets every stroke and re-seeds the local peer.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.strokes)
	t.strokes[t.self] = PeerStrokeState{Last: Unset}
}

// Position returns the last known position of p's open stroke.
func (t *Tracker) Position(p peer.ID) (Point, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.strokes[p]
	if !ok || !st.Open {
		return Point{}, false
	}
	return st.Last, true
}

// Len returns the number of tracked entries, including the local seed if it
// is still present.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.strokes)
}

// Self returns the identity the tracker was seeded with.
func (t *Tracker) Self() peer.ID { return t.self }
