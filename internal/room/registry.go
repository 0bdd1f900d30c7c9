// Package room keeps one router per active room together with the room's
// participants and stream registry. A room's router is created on the
// first join and released when the last participant leaves.
package room

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zsiec/sofa/internal/engine"
	"github.com/zsiec/sofa/internal/failure"
)

// Workers hands out the worker a new room's router is placed on.
type Workers interface {
	Next() engine.Worker
}

// Registry maps room ids to rooms.
type Registry struct {
	log     *slog.Logger
	workers Workers
	codecs  []engine.Codec
	timeout time.Duration

	group singleflight.Group

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry creates an empty registry placing routers on workers. Router
// creation is bounded by timeout; zero means unbounded.
func NewRegistry(workers Workers, timeout time.Duration, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log.With("component", "room-registry"),
		workers: workers,
		codecs:  engine.DefaultCodecs(),
		timeout: timeout,
		rooms:   make(map[string]*Room),
	}
}

// Get returns the room with id, or nil.
func (r *Registry) Get(id string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[id]
}

// Lookup is Get with a NotFound failure for absent rooms.
func (r *Registry) Lookup(id string) (*Room, error) {
	if rm := r.Get(id); rm != nil {
		return rm, nil
	}
	return nil, failure.NotFound("No router or room found by room ID %s", id)
}

// GetOrCreate returns the room with id, creating it and its router on the
// next worker if it does not exist. Concurrent callers for the same id
// share a single router creation.
//
// The returned room may have been closed by the time the caller locks it;
// callers that want to join must check Closed and retry.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Room, error) {
	if rm := r.Get(id); rm != nil {
		return rm, nil
	}
	v, err, _ := r.group.Do(id, func() (any, error) {
		if rm := r.Get(id); rm != nil {
			return rm, nil
		}
		w := r.workers.Next()
		// Other callers may be waiting on this creation, so the first
		// caller going away must not abort it.
		cctx := context.WithoutCancel(ctx)
		if r.timeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(cctx, r.timeout)
			defer cancel()
		}
		router, err := w.CreateRouter(cctx, r.codecs)
		if err != nil {
			return nil, failure.Engine("create router", err)
		}
		rm := newRoom(id, router, w.ID())
		r.mu.Lock()
		r.rooms[id] = rm
		r.mu.Unlock()
		r.log.Info("room created", "room", id, "router", router.ID(), "worker", w.ID())
		return rm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

// Close releases the room's router and removes the room. It is a no-op if
// the room does not exist.
func (r *Registry) Close(id string) error {
	_, err := r.close(id, false)
	return err
}

// CloseIfEmpty closes the room only if it has no participants. It reports
// whether this call closed it.
func (r *Registry) CloseIfEmpty(id string) (bool, error) {
	return r.close(id, true)
}

func (r *Registry) close(id string, onlyEmpty bool) (bool, error) {
	r.mu.Lock()
	rm := r.rooms[id]
	if rm == nil {
		r.mu.Unlock()
		return false, nil
	}
	rm.Lock()
	if (onlyEmpty && rm.Len() > 0) || rm.closed {
		rm.Unlock()
		r.mu.Unlock()
		return false, nil
	}
	rm.closed = true
	delete(r.rooms, id)
	rm.Unlock()
	r.mu.Unlock()

	if err := rm.router.Close(); err != nil {
		r.log.Error("router close failed", "room", id, "router", rm.router.ID(), "error", err)
		return true, failure.Engine("close router", err)
	}
	r.log.Info("room closed", "room", id, "router", rm.router.ID())
	return true, nil
}

// RemoveStreamByProducerID removes the stream published by producerID
// from the room's registry.
func (r *Registry) RemoveStreamByProducerID(roomID, producerID string) error {
	rm, err := r.Lookup(roomID)
	if err != nil {
		return err
	}
	rm.Lock()
	defer rm.Unlock()
	return rm.RemoveStreamByProducerID(producerID)
}

// RemoveAllStreamsByParticipant removes every stream the participant
// publishes in the room.
func (r *Registry) RemoveAllStreamsByParticipant(roomID, participantID string) ([]string, error) {
	rm, err := r.Lookup(roomID)
	if err != nil {
		return nil, err
	}
	rm.Lock()
	defer rm.Unlock()
	return rm.RemoveAllStreamsByParticipant(participantID)
}

// List returns every open room ordered by id.
func (r *Registry) List() []*Room {
	r.mu.RLock()
	out := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of open rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// CloseAll closes every room. Used at shutdown.
func (r *Registry) CloseAll() {
	for _, rm := range r.List() {
		_ = r.Close(rm.ID())
	}
}
