package state

import (
	"fmt"
	"math"
)

// Point is an absolute position in canvas pixel space.
type Point struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

// Unset is the position held by the pre-seeded local entry.
var Unset = Point{X: math.MinInt32, Y: math.MinInt32}

func (p Point) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Segment is one straight piece of a stroke.
type Segment struct {
	From Point
	To   Point
}

func (s Segment) String() string {
	return s.From.String() + "->" + s.To.String()
}

// PeerStrokeState is what the tracker remembers about a peer with an open stroke.
// Open is false only for the local seed, whose Last is Unset.
type PeerStrokeState struct {
	Last Point
	Open bool
}
