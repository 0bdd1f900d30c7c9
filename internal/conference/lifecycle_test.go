package conference

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/sofa/internal/engine"
	"github.com/zsiec/sofa/internal/failure"
	"github.com/zsiec/sofa/internal/room"
	"github.com/zsiec/sofa/internal/transport"
)

// checkReferences asserts that nothing in the room, the registries or the
// engine points at a resource that has been closed or deregistered.
func (e *env) checkReferences(t *testing.T, roomID string) {
	t.Helper()

	rm := e.rooms.Get(roomID)
	if rm == nil {
		require.Empty(t, e.producers.ByRoom(roomID), "producers outlived room")
		require.Empty(t, e.consumers.ByRoom(roomID), "consumers outlived room")
		require.Empty(t, e.transports.ByRoom(roomID), "transports outlived room")
		return
	}

	rm.Lock()
	defer rm.Unlock()
	require.Positive(t, rm.Len(), "empty room %s still has a router", roomID)
	require.False(t, e.eng.Closed(rm.Router().ID()), "open room has a closed router")

	for _, te := range e.transports.ByRoom(roomID) {
		require.False(t, e.eng.Closed(te.Transport.ID()), "transport %s closed but registered", te.Transport.ID())
		_, member := rm.Participant(te.ParticipantID)
		require.True(t, member, "transport %s owned by departed %s", te.Transport.ID(), te.ParticipantID)
	}

	for _, rec := range e.producers.ByRoom(roomID) {
		require.False(t, e.eng.Closed(rec.ID()), "producer %s closed but registered", rec.ID())
		te, err := e.transports.Get(transport.Send, rec.ParticipantID)
		require.NoError(t, err, "producer %s has no send transport", rec.ID())
		require.Equal(t, te.Transport.ID(), rec.TransportID)
	}

	for _, rec := range e.consumers.ByRoom(roomID) {
		require.False(t, e.eng.Closed(rec.ID()), "consumer %s closed but registered", rec.ID())
		require.True(t, e.producers.Has(rec.Resource.ProducerID()), "consumer %s fed by closed producer", rec.ID())
		te, err := e.transports.Get(transport.Recv, rec.ParticipantID)
		require.NoError(t, err, "consumer %s has no recv transport", rec.ID())
		require.Equal(t, te.Transport.ID(), rec.TransportID)
	}

	streams := rm.Streams()
	for _, list := range [][]*room.Stream{streams.Video, streams.Webcam, streams.Mic} {
		for _, st := range list {
			require.True(t, e.producers.Has(st.ProducerID), "stream references closed producer %s", st.ProducerID)
			_, member := rm.Participant(st.SocketID)
			require.True(t, member, "stream published by departed %s", st.SocketID)
			if st.Audio != nil {
				require.True(t, e.producers.Has(st.Audio.ProducerID), "stream audio references closed producer")
			}
		}
	}

	for id, p := range rm.Users() {
		for typ, pid := range p.ProducerIDs {
			if pid != "" {
				require.True(t, e.producers.Has(pid), "%s's %s producer %s is closed", id, typ, pid)
			}
		}
	}

	for _, ext := range streams.External {
		for _, id := range ext.Buffering() {
			_, member := rm.Participant(id)
			require.True(t, member, "departed %s still holds the buffering barrier", id)
		}
	}
}

func TestRandomLifecycleKeepsReferencesConsistent(t *testing.T) {
	t.Parallel()

	for seed := uint64(1); seed <= 4; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, testLimits())
			ctx := context.Background()
			rng := rand.New(rand.NewPCG(seed, 0))
			const roomID = "lobby"

			ids := []string{"p0", "p1", "p2", "p3"}
			joined := make(map[string]bool)
			pick := func() string { return ids[rng.IntN(len(ids))] }
			mediaTypes := []string{room.TypeVideo, room.TypeWebcam, room.TypeMic, room.TypeAudio}

			for step := range 400 {
				id := pick()
				var err error
				switch op := rng.IntN(9); {
				case !joined[id] || op == 0:
					if joined[id] {
						e.svc.Disconnect(ctx, id)
						joined[id] = false
						break
					}
					e.svc.Connect(id)
					_, err = e.svc.Join(ctx, id, &JoinRequest{RoomID: roomID, Username: id})
					joined[id] = err == nil
				case op <= 2:
					dir := "send"
					if rng.IntN(2) == 0 {
						dir = "recv"
					}
					_, err = e.svc.CreateTransport(ctx, id, &TransportCreateRequest{Type: dir, RoomID: roomID})
				case op <= 4:
					typ := mediaTypes[rng.IntN(len(mediaTypes))]
					kind := engine.KindVideo
					if typ == room.TypeMic || typ == room.TypeAudio {
						kind = engine.KindAudio
					}
					_, err = e.svc.Produce(ctx, id, &ProduceRequest{
						ProducerOptions: &engine.ProducerOptions{Kind: kind},
						Type:            typ,
					})
				case op == 5:
					prods := e.producers.ByRoom(roomID)
					if len(prods) == 0 {
						break
					}
					_, err = e.svc.Consume(ctx, id, &ConsumeRequest{ConsumerOptions: &engine.ConsumerOptions{
						ProducerID:      prods[rng.IntN(len(prods))].ID(),
						RTPCapabilities: engine.RTPCapabilities{Codecs: engine.DefaultCodecs()},
					}})
				case op == 6:
					prods := e.producers.ByRoom(roomID)
					if len(prods) == 0 {
						break
					}
					err = e.svc.CloseProducer(ctx, id, &ProducerCloseRequest{ProducerID: prods[rng.IntN(len(prods))].ID()})
				case op == 7:
					cons := e.consumers.ByParticipant(id)
					if len(cons) == 0 {
						break
					}
					err = e.svc.CloseConsumer(ctx, id, &ConsumerCloseRequest{ConsumerID: cons[rng.IntN(len(cons))].ID()})
				default:
					err = e.svc.CreateExternal(ctx, id, &ExternalCreateRequest{VideoURL: "https://example.com/v.mp4"})
				}
				if err != nil {
					require.NotEqual(t, failure.KindInternal, failure.KindOf(err), "step %d: %v", step, err)
					require.NotEqual(t, failure.KindEngine, failure.KindOf(err), "step %d: %v", step, err)
				}
				e.checkReferences(t, roomID)
			}

			for _, id := range ids {
				if joined[id] {
					e.svc.Disconnect(ctx, id)
				}
			}
			e.checkReferences(t, roomID)
			require.Nil(t, e.rooms.Get(roomID))
			for _, kind := range []string{"router", "transport", "producer", "consumer"} {
				require.Zero(t, e.eng.Live(kind), "live %s", kind)
			}
		})
	}
}
