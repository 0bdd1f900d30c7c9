package conference

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/sofa/internal/config"
	"github.com/zsiec/sofa/internal/engine"
	"github.com/zsiec/sofa/internal/engine/enginetest"
	"github.com/zsiec/sofa/internal/room"
	"github.com/zsiec/sofa/internal/track"
	"github.com/zsiec/sofa/internal/transport"
	"github.com/zsiec/sofa/internal/videometa"
	"github.com/zsiec/sofa/internal/worker"
)

type sent struct {
	Room, Except, Topic string
	Payload             any
}

// recorder is a Broadcaster that keeps every broadcast in order.
type recorder struct {
	mu      sync.Mutex
	members map[string]map[string]bool
	sent    []sent
}

func newRecorder() *recorder {
	return &recorder{members: make(map[string]map[string]bool)}
}

func (r *recorder) Join(sessionID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[roomID] == nil {
		r.members[roomID] = make(map[string]bool)
	}
	r.members[roomID][sessionID] = true
}

func (r *recorder) Leave(sessionID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[roomID], sessionID)
}

func (r *recorder) Broadcast(roomID, except, topic string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{roomID, except, topic, payload})
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.Topic
	}
	return out
}

func (r *recorder) mark() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recorder) since(mark int) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent[mark:]...)
}

func (r *recorder) count(topic string) int {
	n := 0
	for _, t := range r.topics() {
		if t == topic {
			n++
		}
	}
	return n
}

// resolver resolves every URL to a direct video unless fn is set.
type resolver struct {
	fn func(ctx context.Context, url string) (videometa.Video, error)
}

func (r *resolver) Resolve(ctx context.Context, url string) (videometa.Video, error) {
	if r.fn != nil {
		return r.fn(ctx, url)
	}
	return videometa.Video{VideoID: url, Type: videometa.TypeDirectURL}, nil
}

type env struct {
	svc        *Service
	eng        *enginetest.Engine
	rooms      *room.Registry
	transports *transport.Manager
	producers  *track.Producers
	consumers  *track.Consumers
	bc         *recorder
	resolver   *resolver
	clock      *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testLimits() config.RoomsConfig {
	return config.Default().Rooms
}

func newEnv(t *testing.T, limits config.RoomsConfig) *env {
	t.Helper()
	eng := enginetest.New()
	pool, err := worker.NewPool(context.Background(), eng, 2, nil)
	require.NoError(t, err)

	e := &env{
		eng:       eng,
		rooms:     room.NewRegistry(pool, time.Second, nil),
		producers: track.NewProducers(nil),
		consumers: track.NewConsumers(nil),
		bc:        newRecorder(),
		resolver:  &resolver{},
		clock:     &fakeClock{t: time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)},
	}
	e.transports = transport.NewManager(e.producers, e.consumers, time.Second, nil)
	e.svc = New(Deps{
		Rooms:       e.rooms,
		Transports:  e.transports,
		Producers:   e.producers,
		Consumers:   e.consumers,
		Resolver:    e.resolver,
		Broadcaster: e.bc,
		Limits:      limits,
		Now:         e.clock.now,
	})
	return e
}

func (e *env) join(t *testing.T, sessionID, roomID, username string) *JoinResponse {
	t.Helper()
	e.svc.Connect(sessionID)
	resp, err := e.svc.Join(context.Background(), sessionID, &JoinRequest{RoomID: roomID, Username: username})
	require.NoError(t, err)
	return resp
}

func (e *env) dispatch(t *testing.T, sessionID, event string, payload any) (any, error) {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.svc.Dispatch(context.Background(), sessionID, event, b)
}

func (e *env) transport(t *testing.T, sessionID, roomID, dir string) {
	t.Helper()
	_, err := e.svc.CreateTransport(context.Background(), sessionID, &TransportCreateRequest{Type: dir, RoomID: roomID})
	require.NoError(t, err)
}

func (e *env) produce(t *testing.T, sessionID, typ string) string {
	t.Helper()
	kind := engine.KindVideo
	if typ == room.TypeMic || typ == room.TypeAudio {
		kind = engine.KindAudio
	}
	resp, err := e.svc.Produce(context.Background(), sessionID, &ProduceRequest{
		ProducerOptions: &engine.ProducerOptions{Kind: kind},
		Type:            typ,
	})
	require.NoError(t, err)
	return resp.ID
}

func (e *env) consume(t *testing.T, sessionID, producerID string) string {
	t.Helper()
	resp, err := e.svc.Consume(context.Background(), sessionID, &ConsumeRequest{
		ConsumerOptions: &engine.ConsumerOptions{
			ProducerID:      producerID,
			RTPCapabilities: engine.RTPCapabilities{Codecs: engine.DefaultCodecs()},
		},
	})
	require.NoError(t, err)
	return resp.ConsumerOptions.ID
}

func ptr[T any](v T) *T { return &v }
