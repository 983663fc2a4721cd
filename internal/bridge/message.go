package bridge

import "P2PCanvas/internal/state"

// Message types exchanged with the browser.
const (
	TypeStart   = "start"
	TypeMove    = "move"
	TypeEnd     = "end"
	TypeSegment = "segment"
	TypeDraw    = "draw"
	TypeError   = "error"
)

// ClientMessage is a pen event sent by a browser. X and Y carry the point
// for start and move; From, To, Color and Width carry a segment.
type ClientMessage struct {
	Type  string      `json:"type"`
	X     int32       `json:"x"`
	Y     int32       `json:"y"`
	From  state.Point `json:"from"`
	To    state.Point `json:"to"`
	Color string      `json:"color,omitempty"`
	Width int32       `json:"width,omitempty"`
}

// DrawMessage tells a browser to draw a segment, or reports an error.
type DrawMessage struct {
	Type  string      `json:"type"`
	Peer  string      `json:"peer,omitempty"`
	From  state.Point `json:"from"`
	To    state.Point `json:"to"`
	Color string      `json:"color,omitempty"`
	Width int32       `json:"width,omitempty"`
	Error string      `json:"error,omitempty"`
}
