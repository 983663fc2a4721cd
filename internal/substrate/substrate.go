// Package substrate describes the peer-to-peer networking stack a canvas
// session runs on: topic pub/sub, connection lifecycle and local identity.
package substrate

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrNotStarted is returned when the substrate has not been started (or has
// been stopped).
var ErrNotStarted = errors.New("substrate not started")

// Message is one delivery on a topic.
type Message struct {
	From peer.ID
	Data []byte
}

// Handler receives topic deliveries. A substrate invokes the handler of one
// subscription from a single goroutine at a time.
type Handler func(Message)

// Subscription is an active topic registration.
type Subscription interface {
	// Cancel stops future deliveries. It is safe to call more than once.
	Cancel()
}

type PubSub interface {
	Subscribe(topic string, h Handler) (Subscription, error)
	Publish(ctx context.Context, topic string, data []byte) error
}

type Lifecycle interface {
	OnPeerConnect(fn func(peer.ID))
	OnPeerDisconnect(fn func(peer.ID))
}

// Substrate is everything a session needs from the network.
type Substrate interface {
	PubSub
	Lifecycle
	ID() peer.ID
	IsStarted() bool
}
