package wire

import "fmt"

// Tag is the variant discriminant carried in byte 0 of every message.
type Tag uint8

const (
	TagStart   Tag = 0
	TagEnd     Tag = 1
	TagMove    Tag = 2
	TagSegment Tag = 3
)

func (t Tag) String() string {
	switch t {
	case TagStart:
		return "Start"
	case TagEnd:
		return "End"
	case TagMove:
		return "Move"
	case TagSegment:
		return "Segment"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// Event is one stroke message. The concrete type is one of StrokeStart,
// StrokeEnd, StrokeMove or StrokeSegment.
type Event interface {
	Tag() Tag
	isEvent()
}

// StrokeStart is pen-down at an absolute position.
type StrokeStart struct {
	X, Y int32
}

// StrokeEnd is pen-up.
type StrokeEnd struct{}

// StrokeMove moves the pen of the sender's open stroke to an absolute position.
type StrokeMove struct {
	X, Y int32
}

// StrokeSegment is a self-contained line segment that needs no sender state.
type StrokeSegment struct {
	FromX, FromY int32
	ToX, ToY     int32
	Color        string
	Width        int32
}

func (StrokeStart) Tag() Tag   { return TagStart }
func (StrokeEnd) Tag() Tag     { return TagEnd }
func (StrokeMove) Tag() Tag    { return TagMove }
func (StrokeSegment) Tag() Tag { return TagSegment }

func (StrokeStart) isEvent()   {}
func (StrokeEnd) isEvent()     {}
func (StrokeMove) isEvent()    {}
func (StrokeSegment) isEvent() {}
