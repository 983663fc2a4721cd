// Package wire defines the binary schema of canvas stroke messages.
//
// Every message carries exactly one Event. Byte 0 is the variant tag; the
// remaining bytes are the fields of that variant, big-endian:
//
//	Start    tag=0  int32 x, int32 y
//	End      tag=1  (no payload)
//	Move     tag=2  int32 x, int32 y
//	Segment  tag=3  int32 fromX, fromY, toX, toY,
//	                uint16 color length, color bytes,
//	                int32 width
//
// Coordinates are 32-bit signed integers in canvas pixel space. An empty
// color and a zero width on a Segment mean "not specified".
//
// There is a single schema version. Unknown tags, truncated input and
// trailing bytes all fail with ErrMalformed; nothing is skipped.
package wire
