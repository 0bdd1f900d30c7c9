// Package engine describes the media engine capability the orchestrator
// drives: workers that host routers, routers that allocate transports, and
// transports that carry producers and consumers. The engine performs all
// RTP/ICE/DTLS processing; this package only fixes the narrow interface and
// the value types that cross it.
//
// Every method that reaches the engine may block and takes a context; callers
// bound those calls with a deadline.
package engine

//go:generate mockgen -source=engine.go -destination=enginemock/engine.go -package=enginemock

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed engine resource.
var ErrClosed = errors.New("engine: resource closed")

// ErrUnknownProducer is returned when a consume request references a
// producer the router does not host.
var ErrUnknownProducer = errors.New("engine: unknown producer")

// Engine launches workers.
type Engine interface {
	CreateWorker(ctx context.Context) (Worker, error)
}

// Worker is one engine instance capable of hosting routers.
type Worker interface {
	ID() string
	CreateRouter(ctx context.Context, codecs []Codec) (Router, error)
	Close() error
}

// Router is the per-room forwarding context.
type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	// CanConsume reports whether a peer with the given capabilities can
	// receive the producer's media.
	CanConsume(producerID string, caps RTPCapabilities) bool
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	Close() error
}

// Transport is a negotiated network path between one participant and one
// router.
type Transport interface {
	ID() string
	Parameters() TransportParameters
	SetMaxIncomingBitrate(ctx context.Context, bps int) error
	// Connect applies the peer's negotiation parameters. If the engine
	// answers, the answer is returned; otherwise the description is nil.
	Connect(ctx context.Context, params ConnectParams) (*SessionDescription, error)
	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions, paused bool) (Consumer, error)
	Close() error
}

// Producer is a published track on a send transport.
type Producer interface {
	ID() string
	Kind() MediaKind
	Paused() bool
	Pause() error
	Resume() error
	Close() error
}

// Consumer is a subscribed track on a receive transport.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	Parameters() ConsumerParameters
	Paused() bool
	Pause() error
	Resume() error
	Close() error
}
