package pionengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/zsiec/sofa/internal/engine"
)

// Router holds a room's codec set and the producers published into it.
type Router struct {
	id     string
	worker *Worker
	codecs []engine.Codec
	log    *slog.Logger

	mu         sync.Mutex
	closed     bool
	producers  map[string]*Producer
	transports map[string]*Transport
}

func (r *Router) ID() string { return r.id }

func (r *Router) RTPCapabilities() engine.RTPCapabilities {
	return engine.RTPCapabilities{Codecs: r.codecs}
}

func (r *Router) CanConsume(producerID string, caps engine.RTPCapabilities) bool {
	p := r.producer(producerID)
	if p == nil {
		return false
	}
	return caps.Supports(p.codec)
}

func (r *Router) producer(id string) *Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[id]
}

func (r *Router) CreateTransport(ctx context.Context, opts engine.TransportOptions) (engine.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, engine.ErrClosed
	}

	eng := r.worker.eng
	se, err := eng.settings(opts)
	if err != nil {
		return nil, err
	}
	m, err := newMediaEngine(r.codecs)
	if err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: eng.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := newTransport(uuid.NewString(), r, pc, eng.cfg.ICEServers)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = pc.Close()
		return nil, engine.ErrClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

// Close closes every transport on the router, which in turn closes their
// producers and consumers.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	var errs []error
	for _, t := range transports {
		errs = append(errs, t.Close())
	}
	r.worker.forget(r.id)
	return errors.Join(errs...)
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}
