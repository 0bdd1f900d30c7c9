// Package track keeps the process-wide registries of producers and
// consumers. Each entry records which transport, participant and room own
// the engine resource so teardown can find everything a departing
// participant left behind.
package track

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/zsiec/sofa/internal/engine"
	"github.com/zsiec/sofa/internal/failure"
)

// resource is what producers and consumers have in common.
type resource interface {
	ID() string
	Paused() bool
	Pause() error
	Resume() error
	Close() error
}

// Record binds an engine resource to its owners. Records are immutable
// once added.
type Record[R resource] struct {
	Resource      R
	TransportID   string
	ParticipantID string
	RoomID        string
	// MediaType is the stream type the track was published as
	// (video, webcam, mic or audio). Empty for consumers.
	MediaType string
}

// ID returns the resource id.
func (r *Record[R]) ID() string { return r.Resource.ID() }

type registry[R resource] struct {
	kind string
	log  *slog.Logger

	mu    sync.RWMutex
	items map[string]*Record[R]
}

func newRegistry[R resource](kind string, log *slog.Logger) *registry[R] {
	if log == nil {
		log = slog.Default()
	}
	return &registry[R]{
		kind:  kind,
		log:   log.With("component", kind+"-registry"),
		items: make(map[string]*Record[R]),
	}
}

// Add registers rec under its resource id.
func (r *registry[R]) Add(rec Record[R]) *Record[R] {
	p := &rec
	r.mu.Lock()
	r.items[p.ID()] = p
	r.mu.Unlock()
	r.log.Debug(r.kind+" registered", "id", p.ID(), "participant", p.ParticipantID, "room", p.RoomID)
	return p
}

// Get returns the record for id or a NotFound failure.
func (r *registry[R]) Get(id string) (*Record[R], error) {
	r.mu.RLock()
	rec, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return nil, failure.NotFound("%s with id %q was not found", r.kind, id)
	}
	return rec, nil
}

// Has reports whether id is registered.
func (r *registry[R]) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.items[id]
	return ok
}

// Delete closes the engine resource and deregisters it. The record is
// removed even when the close fails, so no registry keeps referring to a
// resource the caller has given up on; the close failure is still returned.
func (r *registry[R]) Delete(id string) (*Record[R], error) {
	r.mu.Lock()
	rec, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil, failure.NotFound("%s with id %q was not found", r.kind, id)
	}

	if err := rec.Resource.Close(); err != nil {
		r.log.Warn(r.kind+" close failed", "id", id, "error", err)
		return rec, failure.Engine("close "+r.kind, err)
	}
	r.log.Debug(r.kind+" closed", "id", id)
	return rec, nil
}

// Pause stops forwarding without releasing the resource.
func (r *registry[R]) Pause(id string) error {
	rec, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := rec.Resource.Pause(); err != nil {
		return failure.Engine("pause "+r.kind, err)
	}
	return nil
}

// Resume restarts forwarding.
func (r *registry[R]) Resume(id string) error {
	rec, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := rec.Resource.Resume(); err != nil {
		return failure.Engine("resume "+r.kind, err)
	}
	return nil
}

// ByTransport returns the records owned by a transport, ordered by id.
func (r *registry[R]) ByTransport(transportID string) []*Record[R] {
	return r.filter(func(rec *Record[R]) bool { return rec.TransportID == transportID })
}

// ByParticipant returns the records owned by a participant, ordered by id.
func (r *registry[R]) ByParticipant(participantID string) []*Record[R] {
	return r.filter(func(rec *Record[R]) bool { return rec.ParticipantID == participantID })
}

// ByRoom returns the records in a room, ordered by id.
func (r *registry[R]) ByRoom(roomID string) []*Record[R] {
	return r.filter(func(rec *Record[R]) bool { return rec.RoomID == roomID })
}

// Len returns the number of registered records.
func (r *registry[R]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *registry[R]) filter(keep func(*Record[R]) bool) []*Record[R] {
	r.mu.RLock()
	var out []*Record[R]
	for _, rec := range r.items {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Producers is the registry of published tracks.
type Producers struct {
	*registry[engine.Producer]
}

// NewProducers creates an empty producer registry.
func NewProducers(log *slog.Logger) *Producers {
	return &Producers{registry: newRegistry[engine.Producer]("producer", log)}
}

// Consumers is the registry of subscribed tracks.
type Consumers struct {
	*registry[engine.Consumer]
}

// NewConsumers creates an empty consumer registry.
func NewConsumers(log *slog.Logger) *Consumers {
	return &Consumers{registry: newRegistry[engine.Consumer]("consumer", log)}
}

// ByProducer returns the consumers fed by producerID.
func (c *Consumers) ByProducer(producerID string) []*Record[engine.Consumer] {
	return c.filter(func(rec *Record[engine.Consumer]) bool {
		return rec.Resource.ProducerID() == producerID
	})
}

// CloseByProducer deletes every consumer fed by producerID. It returns the
// ids it removed and the close failures keyed by consumer id.
func (c *Consumers) CloseByProducer(producerID string) (closed []string, failed map[string]error) {
	for _, rec := range c.ByProducer(producerID) {
		got, err := c.Delete(rec.ID())
		if got == nil {
			// closed concurrently by its own request
			continue
		}
		if err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[rec.ID()] = err
		}
		closed = append(closed, rec.ID())
	}
	return closed, failed
}
