package session

import (
	"context"
	"fmt"

	"P2PCanvas/internal/wire"
)

// PublishError reports that the substrate did not accept a stroke message.
// The stroke frame is lost; callers may retry or carry on.
type PublishError struct {
	Topic string
	Event wire.Tag
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s on %q: %v", e.Event, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// SendStrokeStart announces pen-down at (x, y).
func (s *Session) SendStrokeStart(ctx context.Context, x, y int32) error {
	return s.publish(ctx, wire.StrokeStart{X: x, Y: y})
}

// SendStrokeEnd announces pen-up.
func (s *Session) SendStrokeEnd(ctx context.Context) error {
	return s.publish(ctx, wire.StrokeEnd{})
}

// SendStrokeMove moves the pen of the open stroke to (x, y).
func (s *Session) SendStrokeMove(ctx context.Context, x, y int32) error {
	return s.publish(ctx, wire.StrokeMove{X: x, Y: y})
}

// SendStrokeSegment publishes a self-contained segment.
func (s *Session) SendStrokeSegment(ctx context.Context, seg wire.StrokeSegment) error {
	return s.publish(ctx, seg)
}

func (s *Session) publish(ctx context.Context, ev wire.Event) error {
	data, err := wire.Encode(ev)
	if err != nil {
		return err
	}
	if err := s.sub.Publish(ctx, s.topic, data); err != nil {
		s.metrics.PublishFailed()
		s.log.Warn("publish failed", "event", ev.Tag(), "error", err)
		return &PublishError{Topic: s.topic, Event: ev.Tag(), Err: err}
	}
	return nil
}
