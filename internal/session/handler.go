package session

import (
	"P2PCanvas/internal/metrics"
	"P2PCanvas/internal/state"
	"P2PCanvas/internal/substrate"
	"P2PCanvas/internal/wire"
)

// handleMessage is the subscription handler. Bad input is logged and
// dropped; nothing here returns an error to the substrate.
func (s *Session) handleMessage(msg substrate.Message) {
	s.inbound.Lock()
	defer s.inbound.Unlock()

	if !s.joined.Load() {
		return
	}
	if msg.From == s.self {
		s.metrics.MessageReceived(metrics.ResultSelf)
		return
	}

	ev, err := wire.Decode(msg.Data)
	if err != nil {
		s.metrics.MessageReceived(metrics.ResultMalformed)
		s.log.Warn("dropping malformed message", "from", msg.From, "size", len(msg.Data), "error", err)
		return
	}
	s.metrics.MessageReceived(metrics.ResultOK)

	switch e := ev.(type) {
	case wire.StrokeStart:
		s.tracker.StrokeStart(msg.From, state.Point{X: e.X, Y: e.Y})
	case wire.StrokeEnd:
		s.tracker.StrokeEnd(msg.From)
	case wire.StrokeMove:
		seg, ok := s.tracker.StrokeMove(msg.From, state.Point{X: e.X, Y: e.Y})
		if !ok {
			// start lost or never sent
			return
		}
		s.emit(DrawSegment{Peer: msg.From, Segment: seg})
	case wire.StrokeSegment:
		s.emit(DrawSegment{
			Peer: msg.From,
			Segment: state.Segment{
				From: state.Point{X: e.FromX, Y: e.FromY},
				To:   state.Point{X: e.ToX, Y: e.ToY},
			},
			Color: e.Color,
			Width: e.Width,
		})
	}
}
