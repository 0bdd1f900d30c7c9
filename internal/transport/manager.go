// Package transport manages the per-participant send and recv transports
// and the producers and consumers created on them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/sofa/internal/engine"
	"github.com/zsiec/sofa/internal/failure"
	"github.com/zsiec/sofa/internal/track"
)

// Direction is the media direction of a transport from the participant's
// point of view.
type Direction string

// Transport directions.
const (
	Send Direction = "send"
	Recv Direction = "recv"
)

// ErrExists is wrapped by the admission failure returned when a transport
// for the same participant and direction exists or is being created.
var ErrExists = errors.New("transport already exists")

type key struct {
	participant string
	dir         Direction
}

// Entry is a registered transport.
type Entry struct {
	Transport     engine.Transport
	Direction     Direction
	ParticipantID string
	RoomID        string
	CreatedAt     time.Time
}

// Manager is the registry of transports keyed by participant and
// direction. Creation is claim-then-commit: the key is reserved before the
// engine is called and either committed or released afterwards, so two
// concurrent creates for one key never both reach the engine.
type Manager struct {
	log       *slog.Logger
	timeout   time.Duration
	producers *track.Producers
	consumers *track.Consumers

	mu      sync.Mutex
	entries map[key]*Entry
	pending map[key]struct{}
}

// NewManager creates a manager that registers producers and consumers in
// the given registries. Every engine call is bounded by timeout; zero
// means no bound beyond the caller's context.
func NewManager(producers *track.Producers, consumers *track.Consumers, timeout time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:       log.With("component", "transport-manager"),
		timeout:   timeout,
		producers: producers,
		consumers: consumers,
		entries:   make(map[key]*Entry),
		pending:   make(map[key]struct{}),
	}
}

func (m *Manager) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// Create allocates a transport on router for the participant and applies
// maxBitrate (bits per second, zero to skip). If the bitrate cannot be
// applied the transport is closed again and never registered.
func (m *Manager) Create(ctx context.Context, router engine.Router, dir Direction, participantID, roomID string, maxBitrate int) (*Entry, error) {
	if router == nil {
		return nil, failure.NotFound("router for room %q was not found", roomID)
	}
	k := key{participantID, dir}

	m.mu.Lock()
	_, exists := m.entries[k]
	_, inFlight := m.pending[k]
	if exists || inFlight {
		m.mu.Unlock()
		return nil, &failure.Error{Kind: failure.KindAdmission, Msg: fmt.Sprintf("%s transport already exists", dir), Err: ErrExists}
	}
	m.pending[k] = struct{}{}
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.pending, k)
		m.mu.Unlock()
	}

	cctx, cancel := m.bound(ctx)
	defer cancel()

	t, err := router.CreateTransport(cctx, engine.DefaultTransportOptions())
	if err != nil {
		release()
		return nil, failure.Engine("create transport", err)
	}
	if maxBitrate > 0 {
		if err := t.SetMaxIncomingBitrate(cctx, maxBitrate); err != nil {
			if cerr := t.Close(); cerr != nil {
				m.log.Warn("rollback close failed", "transport", t.ID(), "error", cerr)
			}
			release()
			return nil, failure.Engine("set max incoming bitrate", err)
		}
	}

	e := &Entry{
		Transport:     t,
		Direction:     dir,
		ParticipantID: participantID,
		RoomID:        roomID,
		CreatedAt:     time.Now(),
	}
	m.mu.Lock()
	delete(m.pending, k)
	m.entries[k] = e
	m.mu.Unlock()

	m.log.Info("transport created", "transport", t.ID(), "direction", dir, "participant", participantID, "room", roomID)
	return e, nil
}

// Get returns the registered transport for the key.
func (m *Manager) Get(dir Direction, participantID string) (*Entry, error) {
	m.mu.Lock()
	e, ok := m.entries[key{participantID, dir}]
	m.mu.Unlock()
	if !ok {
		return nil, failure.NotFound("%s transport was not found", dir)
	}
	return e, nil
}

// Connect forwards the participant's negotiation parameters to the engine.
func (m *Manager) Connect(ctx context.Context, dir Direction, participantID string, params engine.ConnectParams) (*engine.SessionDescription, error) {
	e, err := m.Get(dir, participantID)
	if err != nil {
		return nil, err
	}
	cctx, cancel := m.bound(ctx)
	defer cancel()
	answer, err := e.Transport.Connect(cctx, params)
	if err != nil {
		return nil, failure.Engine("connect transport", err)
	}
	return answer, nil
}

// Produce creates a producer on the participant's send transport and
// registers it under mediaType.
func (m *Manager) Produce(ctx context.Context, participantID, mediaType string, opts engine.ProducerOptions) (*track.Record[engine.Producer], error) {
	e, err := m.Get(Send, participantID)
	if err != nil {
		return nil, err
	}
	cctx, cancel := m.bound(ctx)
	defer cancel()
	p, err := e.Transport.Produce(cctx, opts)
	if err != nil {
		return nil, failure.Engine("produce", err)
	}
	var rec *track.Record[engine.Producer]
	ok := m.whileRegistered(Send, participantID, e, func() {
		rec = m.producers.Add(track.Record[engine.Producer]{
			Resource:      p,
			TransportID:   e.Transport.ID(),
			ParticipantID: participantID,
			RoomID:        e.RoomID,
			MediaType:     mediaType,
		})
	})
	if !ok {
		_ = p.Close()
		return nil, failure.NotFound("send transport was closed")
	}
	return rec, nil
}

// whileRegistered runs fn with the manager locked if e is still the
// registered transport for the key. A transport closed while an engine
// call was in flight must not gain new producers or consumers afterwards.
func (m *Manager) whileRegistered(dir Direction, participantID string, e *Entry, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[key{participantID, dir}] != e {
		return false
	}
	fn()
	return true
}

// Consume creates a paused consumer of opts.ProducerID on the
// participant's recv transport. The publisher side resumes it explicitly.
func (m *Manager) Consume(ctx context.Context, router engine.Router, participantID, roomID string, opts engine.ConsumerOptions) (*track.Record[engine.Consumer], error) {
	if router == nil {
		return nil, failure.NotFound("router for room %q was not found", roomID)
	}
	e, err := m.Get(Recv, participantID)
	if err != nil {
		return nil, err
	}
	if !router.CanConsume(opts.ProducerID, opts.RTPCapabilities) {
		return nil, failure.Admission("cannot consume producer %s", opts.ProducerID)
	}
	cctx, cancel := m.bound(ctx)
	defer cancel()
	c, err := e.Transport.Consume(cctx, opts, true)
	if err != nil {
		return nil, failure.Engine("consume", err)
	}
	var rec *track.Record[engine.Consumer]
	ok := m.whileRegistered(Recv, participantID, e, func() {
		rec = m.consumers.Add(track.Record[engine.Consumer]{
			Resource:      c,
			TransportID:   e.Transport.ID(),
			ParticipantID: participantID,
			RoomID:        roomID,
		})
	})
	if !ok {
		_ = c.Close()
		return nil, failure.NotFound("recv transport was closed")
	}
	// CloseProducer deregisters the producer before sweeping its consumers,
	// so a consumer added after the sweep sees the producer gone here.
	if !m.producers.Has(opts.ProducerID) {
		_, _ = m.consumers.Delete(rec.ID())
		return nil, failure.NotFound("producer with id %q was not found", opts.ProducerID)
	}
	return rec, nil
}

// ProducerClose reports what closing one producer released.
type ProducerClose struct {
	Producer  *track.Record[engine.Producer]
	Consumers []string
	Failed    map[string]error
}

// CloseProducer deregisters and closes a producer, then closes every
// consumer fed by it. The returned report is nil only when the producer
// was not registered; a non-nil error alongside a report means the
// producer's own engine close failed.
func (m *Manager) CloseProducer(producerID string) (*ProducerClose, error) {
	rec, err := m.producers.Delete(producerID)
	if rec == nil {
		return nil, err
	}
	pc := &ProducerClose{Producer: rec}
	pc.Consumers, pc.Failed = m.consumers.CloseByProducer(producerID)
	if err != nil {
		if pc.Failed == nil {
			pc.Failed = make(map[string]error)
		}
		pc.Failed[producerID] = err
	}
	return pc, err
}

// Teardown reports what closing one transport released. Every id listed in
// Producers and Consumers has been removed from its registry; Failed holds
// the ids whose engine close failed, keyed by id.
type Teardown struct {
	TransportID   string
	Direction     Direction
	ParticipantID string
	RoomID        string
	Producers     []*track.Record[engine.Producer]
	Consumers     []string
	Failed        map[string]error
}

func (t *Teardown) fail(id string, err error) {
	if t.Failed == nil {
		t.Failed = make(map[string]error)
	}
	t.Failed[id] = err
}

// Err joins every close failure in the report, ordered by id.
func (t *Teardown) Err() error {
	if len(t.Failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(t.Failed))
	for id := range t.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errs := make([]error, len(ids))
	for i, id := range ids {
		errs[i] = fmt.Errorf("%s: %w", id, t.Failed[id])
	}
	return errors.Join(errs...)
}

// Close closes every producer (send) or consumer (recv) owned by the
// transport, then the transport itself, and deregisters it. Closing a
// producer also closes the consumers fed by it. Individual failures are
// collected in the report instead of aborting the remaining closes.
func (m *Manager) Close(dir Direction, participantID string) (*Teardown, error) {
	k := key{participantID, dir}
	m.mu.Lock()
	e, ok := m.entries[k]
	if ok {
		delete(m.entries, k)
	}
	m.mu.Unlock()
	if !ok {
		return nil, failure.NotFound("%s transport was not found", dir)
	}

	td := &Teardown{
		TransportID:   e.Transport.ID(),
		Direction:     dir,
		ParticipantID: participantID,
		RoomID:        e.RoomID,
	}
	switch dir {
	case Send:
		for _, rec := range m.producers.ByTransport(td.TransportID) {
			pc, _ := m.CloseProducer(rec.ID())
			if pc == nil {
				continue
			}
			td.Producers = append(td.Producers, pc.Producer)
			td.Consumers = append(td.Consumers, pc.Consumers...)
			for id, err := range pc.Failed {
				td.fail(id, err)
			}
		}
	case Recv:
		for _, rec := range m.consumers.ByTransport(td.TransportID) {
			got, err := m.consumers.Delete(rec.ID())
			if got == nil {
				continue
			}
			if err != nil {
				td.fail(rec.ID(), err)
			}
			td.Consumers = append(td.Consumers, rec.ID())
		}
	}
	if err := e.Transport.Close(); err != nil {
		td.fail(td.TransportID, failure.Engine("close transport", err))
	}

	if err := td.Err(); err != nil {
		m.log.Warn("transport closed with failures", "transport", td.TransportID, "participant", participantID, "error", err)
	} else {
		m.log.Info("transport closed", "transport", td.TransportID, "direction", dir, "participant", participantID)
	}
	return td, nil
}

// CloseAll closes both of the participant's transports if present. It is
// best-effort: failures are logged and reported, never returned as an
// error, because it runs during disconnect teardown.
func (m *Manager) CloseAll(participantID string) []*Teardown {
	var out []*Teardown
	for _, dir := range []Direction{Send, Recv} {
		td, err := m.Close(dir, participantID)
		if err != nil {
			if !failure.Is(err, failure.KindNotFound) {
				m.log.Error("close transport", "direction", dir, "participant", participantID, "error", err)
			}
			continue
		}
		out = append(out, td)
	}
	return out
}

// Len returns the number of registered transports.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ByRoom returns the transports registered for a room.
func (m *Manager) ByRoom(roomID string) []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.RoomID == roomID {
			out = append(out, e)
		}
	}
	return out
}
