// Package enginetest provides an in-memory media engine for tests. It keeps
// the resource graph and enforces closed-resource semantics without doing
// any media processing.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zsiec/sofa/internal/engine"
)

// Operation names passed to Hook.
const (
	OpCreateWorker    = "worker.create"
	OpCreateRouter    = "router.create"
	OpCreateTransport = "transport.create"
	OpSetBitrate      = "transport.bitrate"
	OpConnect         = "transport.connect"
	OpProduce         = "transport.produce"
	OpConsume         = "transport.consume"
	OpCloseRouter     = "router.close"
	OpCloseTransport  = "transport.close"
	OpCloseProducer   = "producer.close"
	OpCloseConsumer   = "consumer.close"
)

// Engine is a fake engine.Engine. Hook, when set, runs before every engine
// operation; a non-nil return fails the operation. Hooks may block on ctx.
type Engine struct {
	Hook func(ctx context.Context, op string) error

	seq atomic.Int64

	mu     sync.Mutex
	live   map[string]string // id -> kind
	closed map[string]bool
}

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{
		live:   make(map[string]string),
		closed: make(map[string]bool),
	}
}

func (e *Engine) hook(ctx context.Context, op string) error {
	if e.Hook == nil {
		return nil
	}
	return e.Hook(ctx, op)
}

func (e *Engine) hookNoCtx(op string) error {
	return e.hook(context.Background(), op)
}

func (e *Engine) newID(kind string) string {
	id := fmt.Sprintf("%s-%d", kind, e.seq.Add(1))
	e.mu.Lock()
	e.live[id] = kind
	e.mu.Unlock()
	return id
}

func (e *Engine) markClosed(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed[id] {
		return false
	}
	e.closed[id] = true
	delete(e.live, id)
	return true
}

// Closed reports whether the resource with id has been closed.
func (e *Engine) Closed(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed[id]
}

// Live returns the number of open resources of the given kind ("worker",
// "router", "transport", "producer", "consumer").
func (e *Engine) Live(kind string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, k := range e.live {
		if k == kind {
			n++
		}
	}
	return n
}

// CreateWorker implements engine.Engine.
func (e *Engine) CreateWorker(ctx context.Context) (engine.Worker, error) {
	if err := e.hook(ctx, OpCreateWorker); err != nil {
		return nil, err
	}
	return &Worker{eng: e, id: e.newID("worker")}, nil
}

// Worker is a fake engine.Worker.
type Worker struct {
	eng *Engine
	id  string
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) CreateRouter(ctx context.Context, codecs []engine.Codec) (engine.Router, error) {
	if err := w.eng.hook(ctx, OpCreateRouter); err != nil {
		return nil, err
	}
	return &Router{
		eng:       w.eng,
		id:        w.eng.newID("router"),
		Worker:    w,
		codecs:    codecs,
		producers: make(map[string]*Producer),
	}, nil
}

func (w *Worker) Close() error {
	w.eng.markClosed(w.id)
	return nil
}

// Router is a fake engine.Router.
type Router struct {
	eng    *Engine
	id     string
	Worker *Worker
	codecs []engine.Codec

	mu        sync.Mutex
	closed    bool
	producers map[string]*Producer
}

func (r *Router) ID() string { return r.id }

func (r *Router) RTPCapabilities() engine.RTPCapabilities {
	return engine.RTPCapabilities{Codecs: r.codecs}
}

func (r *Router) CanConsume(producerID string, caps engine.RTPCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok || p.isClosed() {
		return false
	}
	return caps.Supports(p.codec)
}

func (r *Router) CreateTransport(ctx context.Context, _ engine.TransportOptions) (engine.Transport, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, engine.ErrClosed
	}
	if err := r.eng.hook(ctx, OpCreateTransport); err != nil {
		return nil, err
	}
	return &Transport{eng: r.eng, id: r.eng.newID("transport"), router: r}, nil
}

func (r *Router) Close() error {
	if err := r.eng.hookNoCtx(OpCloseRouter); err != nil {
		return err
	}
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.eng.markClosed(r.id)
	return nil
}

func (r *Router) codecFor(kind engine.MediaKind) engine.Codec {
	for _, c := range r.codecs {
		if c.Kind == kind {
			return c
		}
	}
	return engine.Codec{Kind: kind}
}

// Transport is a fake engine.Transport.
type Transport struct {
	eng    *Engine
	id     string
	router *Router

	mu         sync.Mutex
	closed     bool
	connected  bool
	maxBitrate int
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Parameters() engine.TransportParameters {
	return engine.TransportParameters{ID: t.id}
}

// MaxIncomingBitrate returns the last bitrate set.
func (t *Transport) MaxIncomingBitrate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxBitrate
}

// Connected reports whether Connect succeeded.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) SetMaxIncomingBitrate(ctx context.Context, bps int) error {
	if t.isClosed() {
		return engine.ErrClosed
	}
	if err := t.eng.hook(ctx, OpSetBitrate); err != nil {
		return err
	}
	t.mu.Lock()
	t.maxBitrate = bps
	t.mu.Unlock()
	return nil
}

func (t *Transport) Connect(ctx context.Context, params engine.ConnectParams) (*engine.SessionDescription, error) {
	if t.isClosed() {
		return nil, engine.ErrClosed
	}
	if err := t.eng.hook(ctx, OpConnect); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	if params.Description.Type == "offer" {
		return &engine.SessionDescription{Type: "answer", SDP: "fake-answer"}, nil
	}
	return nil, nil
}

func (t *Transport) Produce(ctx context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	if t.isClosed() {
		return nil, engine.ErrClosed
	}
	if err := t.eng.hook(ctx, OpProduce); err != nil {
		return nil, err
	}
	p := &Producer{
		eng:   t.eng,
		id:    t.eng.newID("producer"),
		kind:  opts.Kind,
		codec: t.router.codecFor(opts.Kind),
	}
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts engine.ConsumerOptions, paused bool) (engine.Consumer, error) {
	if t.isClosed() {
		return nil, engine.ErrClosed
	}
	t.router.mu.Lock()
	p, ok := t.router.producers[opts.ProducerID]
	t.router.mu.Unlock()
	if !ok || p.isClosed() {
		return nil, engine.ErrUnknownProducer
	}
	if err := t.eng.hook(ctx, OpConsume); err != nil {
		return nil, err
	}
	c := &Consumer{
		eng:        t.eng,
		id:         t.eng.newID("consumer"),
		producerID: p.id,
		kind:       p.kind,
		codec:      p.codec,
	}
	c.paused.Store(paused)
	return c, nil
}

func (t *Transport) Close() error {
	if err := t.eng.hookNoCtx(OpCloseTransport); err != nil {
		return err
	}
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.eng.markClosed(t.id)
	return nil
}

// Producer is a fake engine.Producer.
type Producer struct {
	eng    *Engine
	id     string
	kind   engine.MediaKind
	codec  engine.Codec
	paused atomic.Bool
	closed atomic.Bool
}

func (p *Producer) ID() string              { return p.id }
func (p *Producer) Kind() engine.MediaKind  { return p.kind }
func (p *Producer) Paused() bool            { return p.paused.Load() }
func (p *Producer) isClosed() bool          { return p.closed.Load() }
func (p *Producer) Pause() error            { return p.setPaused(true) }
func (p *Producer) Resume() error           { return p.setPaused(false) }
func (p *Producer) setPaused(v bool) error {
	if p.isClosed() {
		return engine.ErrClosed
	}
	p.paused.Store(v)
	return nil
}

func (p *Producer) Close() error {
	if err := p.eng.hookNoCtx(OpCloseProducer); err != nil {
		return err
	}
	p.closed.Store(true)
	p.eng.markClosed(p.id)
	return nil
}

// Consumer is a fake engine.Consumer.
type Consumer struct {
	eng        *Engine
	id         string
	producerID string
	kind       engine.MediaKind
	codec      engine.Codec
	paused     atomic.Bool
	closed     atomic.Bool
}

func (c *Consumer) ID() string             { return c.id }
func (c *Consumer) ProducerID() string     { return c.producerID }
func (c *Consumer) Kind() engine.MediaKind { return c.kind }
func (c *Consumer) Paused() bool           { return c.paused.Load() }
func (c *Consumer) Pause() error           { return c.setPaused(true) }
func (c *Consumer) Resume() error          { return c.setPaused(false) }

func (c *Consumer) Parameters() engine.ConsumerParameters {
	return engine.ConsumerParameters{
		ID:         c.id,
		ProducerID: c.producerID,
		Kind:       c.kind,
		Codec:      c.codec,
	}
}

func (c *Consumer) setPaused(v bool) error {
	if c.closed.Load() {
		return engine.ErrClosed
	}
	c.paused.Store(v)
	return nil
}

func (c *Consumer) Close() error {
	if err := c.eng.hookNoCtx(OpCloseConsumer); err != nil {
		return err
	}
	c.closed.Store(true)
	c.eng.markClosed(c.id)
	return nil
}
