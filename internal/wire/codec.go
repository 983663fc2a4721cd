package wire

import (
	"errors"
	"fmt"
	"math"
)

// Size of each encoded variant, tag byte included. Segment adds len(Color).
const (
	startSize   = 1 + 4 + 4
	endSize     = 1
	moveSize    = 1 + 4 + 4
	segmentSize = 1 + 4*4 + 2 + 4

	// MaxColorLen is the longest color a Segment can carry.
	MaxColorLen = math.MaxUint16
)

var (
	// ErrMalformed is wrapped by every Decode failure.
	ErrMalformed = errors.New("wire: malformed message")
	// ErrInvalidEvent is returned by Encode for values that have no encoding.
	ErrInvalidEvent = errors.New("wire: invalid event")
)

// Encode returns the wire form of ev.
func Encode(ev Event) ([]byte, error) {
	return AppendEncode(nil, ev)
}

// AppendEncode appends the wire form of ev to buf.
func AppendEncode(buf []byte, ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case StrokeStart:
		buf = append(buf, byte(TagStart))
		buf = appendInt32(buf, e.X)
		return appendInt32(buf, e.Y), nil
	case StrokeEnd:
		return append(buf, byte(TagEnd)), nil
	case StrokeMove:
		buf = append(buf, byte(TagMove))
		buf = appendInt32(buf, e.X)
		return appendInt32(buf, e.Y), nil
	case StrokeSegment:
		if len(e.Color) > MaxColorLen {
			return buf, fmt.Errorf("%w: color is %d bytes, max %d", ErrInvalidEvent, len(e.Color), MaxColorLen)
		}
		if e.Width < 0 {
			return buf, fmt.Errorf("%w: negative width %d", ErrInvalidEvent, e.Width)
		}
		buf = append(buf, byte(TagSegment))
		buf = appendInt32(buf, e.FromX)
		buf = appendInt32(buf, e.FromY)
		buf = appendInt32(buf, e.ToX)
		buf = appendInt32(buf, e.ToY)
		buf = append(buf, byte(len(e.Color)>>8), byte(len(e.Color)))
		buf = append(buf, e.Color...)
		return appendInt32(buf, e.Width), nil
	case nil:
		return buf, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	default:
		return buf, fmt.Errorf("%w: unsupported type %T", ErrInvalidEvent, ev)
	}
}

// Decode parses one message. It never panics and never retains data.
func Decode(data []byte) (Event, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	d := decoder{buf: data, pos: 1}
	tag := Tag(data[0])

	var ev Event
	switch tag {
	case TagStart:
		x, y := d.int32(), d.int32()
		ev = StrokeStart{X: x, Y: y}
	case TagEnd:
		ev = StrokeEnd{}
	case TagMove:
		x, y := d.int32(), d.int32()
		ev = StrokeMove{X: x, Y: y}
	case TagSegment:
		seg := StrokeSegment{
			FromX: d.int32(),
			FromY: d.int32(),
			ToX:   d.int32(),
			ToY:   d.int32(),
		}
		seg.Color = d.string16()
		seg.Width = d.int32()
		if d.err == nil && seg.Width < 0 {
			return nil, fmt.Errorf("%w: negative width %d", ErrMalformed, seg.Width)
		}
		ev = seg
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformed, uint8(tag))
	}

	if d.err != nil {
		return nil, fmt.Errorf("%w: %s truncated at byte %d of %d", ErrMalformed, tag, d.pos, len(data))
	}
	if d.pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s", ErrMalformed, len(data)-d.pos, tag)
	}
	return ev, nil
}

func appendInt32(buf []byte, v int32) []byte {
	u := uint32(v)
	return append(buf, byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}

// decoder reads big-endian fields and latches the first short read.
type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf)-d.pos < n {
		d.err = errShort
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

var errShort = errors.New("short buffer")

func (d *decoder) int32() int32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return int32(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

func (d *decoder) string16() string {
	b := d.take(2)
	if b == nil {
		return ""
	}
	n := int(b[0])<<8 | int(b[1])
	s := d.take(n)
	if s == nil {
		return ""
	}
	return string(s)
}

// Size returns the encoded length of ev, or 0 if ev cannot be encoded.
func Size(ev Event) int {
	switch e := ev.(type) {
	case StrokeStart:
		return startSize
	case StrokeEnd:
		return endSize
	case StrokeMove:
		return moveSize
	case StrokeSegment:
		if len(e.Color) > MaxColorLen || e.Width < 0 {
			return 0
		}
		return segmentSize + len(e.Color)
	default:
		return 0
	}
}
