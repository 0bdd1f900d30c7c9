package room

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/sofa/internal/engine"
	"github.com/zsiec/sofa/internal/engine/enginetest"
	"github.com/zsiec/sofa/internal/failure"
	"github.com/zsiec/sofa/internal/playback"
	"github.com/zsiec/sofa/internal/videometa"
)

type workers struct {
	list []engine.Worker
	n    atomic.Int64
}

func (w *workers) Next() engine.Worker {
	return w.list[int(w.n.Add(1)-1)%len(w.list)]
}

func newWorkers(t *testing.T, eng *enginetest.Engine, n int) *workers {
	t.Helper()
	w := &workers{}
	for range n {
		wk, err := eng.CreateWorker(context.Background())
		require.NoError(t, err)
		w.list = append(w.list, wk)
	}
	return w
}

func TestGetOrCreate(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	reg := NewRegistry(newWorkers(t, eng, 2), time.Second, nil)

	a, err := reg.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)
	again, err := reg.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)
	assert.Same(t, a, again)

	b, err := reg.GetOrCreate(context.Background(), "b")
	require.NoError(t, err)
	assert.NotEqual(t, a.WorkerID(), b.WorkerID(), "routers are spread round-robin")
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, 2, eng.Live("router"))
	assert.Equal(t, engine.DefaultCodecs(), a.Router().RTPCapabilities().Codecs)
}

func TestGetOrCreateConcurrentSharesRouter(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	release := make(chan struct{})
	var creates atomic.Int32
	eng.Hook = func(ctx context.Context, op string) error {
		if op == enginetest.OpCreateRouter {
			creates.Add(1)
			<-release
		}
		return nil
	}
	reg := NewRegistry(newWorkers(t, eng, 1), 0, nil)

	const callers = 8
	rooms := make([]*Room, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rm, err := reg.GetOrCreate(context.Background(), "shared")
			assert.NoError(t, err)
			rooms[i] = rm
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), creates.Load())
	for _, rm := range rooms {
		assert.Same(t, rooms[0], rm)
	}
}

func TestGetOrCreateSurvivesFirstCallerCancel(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	started := make(chan struct{})
	release := make(chan struct{})
	eng.Hook = func(ctx context.Context, op string) error {
		if op != enginetest.OpCreateRouter {
			return nil
		}
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	reg := NewRegistry(newWorkers(t, eng, 1), 5*time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := reg.GetOrCreate(ctx, "shared")
		first <- err
	}()
	<-started

	second := make(chan error, 1)
	go func() {
		_, err := reg.GetOrCreate(context.Background(), "shared")
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-second)
	require.NoError(t, <-first)
	assert.NotNil(t, reg.Get("shared"))
	assert.Equal(t, 1, eng.Live("router"))
}

func TestGetOrCreateTimesOut(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	eng.Hook = func(ctx context.Context, op string) error {
		if op == enginetest.OpCreateRouter {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	reg := NewRegistry(newWorkers(t, eng, 1), 20*time.Millisecond, nil)

	_, err := reg.GetOrCreate(context.Background(), "slow")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindEngine))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, reg.Get("slow"))
}

func TestGetOrCreateEngineFailure(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	eng.Hook = func(_ context.Context, op string) error {
		if op == enginetest.OpCreateRouter {
			return errors.New("worker died")
		}
		return nil
	}
	reg := NewRegistry(newWorkers(t, eng, 1), 0, nil)

	_, err := reg.GetOrCreate(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindEngine))
	assert.Nil(t, reg.Get("a"))
}

func TestCloseIfEmpty(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	reg := NewRegistry(newWorkers(t, eng, 1), 0, nil)
	rm, err := reg.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)

	rm.Lock()
	rm.AddParticipant("p1", "alice")
	rm.Unlock()

	closed, err := reg.CloseIfEmpty("a")
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, 1, eng.Live("router"))

	rm.Lock()
	rm.RemoveParticipant("p1")
	rm.Unlock()

	closed, err = reg.CloseIfEmpty("a")
	require.NoError(t, err)
	assert.True(t, closed)
	assert.True(t, eng.Closed(rm.Router().ID()))
	assert.Nil(t, reg.Get("a"))

	rm.Lock()
	assert.True(t, rm.Closed())
	rm.Unlock()

	closed, err = reg.CloseIfEmpty("a")
	require.NoError(t, err)
	assert.False(t, closed, "second close is a no-op")

	next, err := reg.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)
	assert.NotSame(t, rm, next, "a closed room is never handed out again")
}

func TestCloseAbsentIsNoop(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(newWorkers(t, enginetest.New(), 1), 0, nil)
	assert.NoError(t, reg.Close("nope"))
}

func TestCloseRouterFailure(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	reg := NewRegistry(newWorkers(t, eng, 1), 0, nil)
	_, err := reg.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)

	eng.Hook = func(_ context.Context, op string) error {
		if op == enginetest.OpCloseRouter {
			return errors.New("boom")
		}
		return nil
	}
	err = reg.Close("a")
	assert.True(t, failure.Is(err, failure.KindEngine))
	assert.Nil(t, reg.Get("a"), "room is removed even if the router close fails")
}

func TestProduceClaims(t *testing.T) {
	t.Parallel()

	rm := newRoom("r", nil, "w")
	rm.AddParticipant("p1", "alice")
	rm.AddParticipant("p2", "bob")

	require.NoError(t, rm.ClaimProduce("p1", TypeVideo, 1))
	err := rm.ClaimProduce("p1", TypeVideo, 1)
	assert.True(t, failure.Is(err, failure.KindAdmission), "claim in flight counts as producing")

	err = rm.ClaimProduce("p2", TypeVideo, 1)
	assert.True(t, failure.Is(err, failure.KindAdmission), "claimed slot counts toward the cap")

	rm.ReleaseProduce("p1", TypeVideo)
	require.NoError(t, rm.ClaimProduce("p2", TypeVideo, 1))

	_, ok := rm.CommitProduce("p2", TypeVideo, "prod-1", time.Now())
	require.True(t, ok)
	assert.Equal(t, 1, rm.Streams().Count(TypeVideo))
	err = rm.ClaimProduce("p2", TypeVideo, 5)
	assert.True(t, failure.Is(err, failure.KindAdmission))

	err = rm.ClaimProduce("ghost", TypeMic, 5)
	assert.True(t, failure.Is(err, failure.KindNotFound))
}

func TestCommitAfterLeave(t *testing.T) {
	t.Parallel()

	rm := newRoom("r", nil, "w")
	rm.AddParticipant("p1", "alice")
	require.NoError(t, rm.ClaimProduce("p1", TypeWebcam, 2))
	rm.RemoveParticipant("p1")

	_, ok := rm.CommitProduce("p1", TypeWebcam, "prod-1", time.Now())
	assert.False(t, ok)
	assert.Equal(t, 0, rm.Streams().Count(TypeWebcam))
}

func TestAudioAttachesToVideo(t *testing.T) {
	t.Parallel()

	rm := newRoom("r", nil, "w")
	rm.AddParticipant("p1", "alice")

	require.NoError(t, rm.ClaimProduce("p1", TypeAudio, 0))
	st, ok := rm.CommitProduce("p1", TypeAudio, "aud", time.Now())
	require.True(t, ok)
	assert.Nil(t, st, "audio is not published on its own")

	require.NoError(t, rm.ClaimProduce("p1", TypeVideo, 1))
	st, ok = rm.CommitProduce("p1", TypeVideo, "vid", time.Now())
	require.True(t, ok)
	require.NotNil(t, st.Audio)
	assert.Equal(t, "aud", st.Audio.ProducerID)

	require.NoError(t, rm.RemoveStreamByProducerID("aud"))
	assert.Nil(t, rm.Streams().Find(TypeVideo, "vid").Audio)
	typ, ok := rm.ClearProducer("p1", "aud")
	assert.True(t, ok)
	assert.Equal(t, TypeAudio, typ)
}

func TestRemoveStreams(t *testing.T) {
	t.Parallel()

	rm := newRoom("r", nil, "w")
	rm.AddParticipant("p1", "alice")
	rm.AddParticipant("p2", "bob")
	for _, c := range []struct{ p, typ, id string }{
		{"p1", TypeVideo, "v1"}, {"p1", TypeMic, "m1"}, {"p2", TypeMic, "m2"},
	} {
		require.NoError(t, rm.ClaimProduce(c.p, c.typ, 4))
		_, ok := rm.CommitProduce(c.p, c.typ, c.id, time.Now())
		require.True(t, ok)
	}

	require.NoError(t, rm.RemoveStreamByProducerID("m2"))
	assert.Nil(t, rm.Streams().Find(TypeMic, "m2"))
	assert.True(t, failure.Is(rm.RemoveStreamByProducerID("m2"), failure.KindNotFound))

	removed, err := rm.RemoveAllStreamsByParticipant("p1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v1", "m1"}, removed)
	assert.Zero(t, rm.Streams().Count(TypeVideo))
	assert.Zero(t, rm.Streams().Count(TypeMic))

	_, err = rm.RemoveAllStreamsByParticipant("p1")
	assert.True(t, failure.Is(err, failure.KindNotFound))
}

func TestRegistryStreamWrappers(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(newWorkers(t, enginetest.New(), 1), 0, nil)
	err := reg.RemoveStreamByProducerID("missing", "p")
	assert.True(t, failure.Is(err, failure.KindNotFound))
	_, err = reg.RemoveAllStreamsByParticipant("missing", "p")
	assert.True(t, failure.Is(err, failure.KindNotFound))
}

func TestExternalSlot(t *testing.T) {
	t.Parallel()

	rm := newRoom("r", nil, "w")
	require.NoError(t, rm.ClaimExternal())
	assert.True(t, failure.Is(rm.ClaimExternal(), failure.KindAdmission), "pending claim blocks a second player")

	s := playback.New("ext", playback.Entry{QueueID: "q", Video: videometa.Video{VideoID: "x"}}, nil, nil)
	rm.CommitExternal(s)
	assert.True(t, failure.Is(rm.ClaimExternal(), failure.KindAdmission))

	got, err := rm.External("ext")
	require.NoError(t, err)
	assert.Same(t, s, got)

	require.NoError(t, rm.RemoveExternal("ext"))
	assert.True(t, failure.Is(rm.RemoveExternal("ext"), failure.KindNotFound))
	require.NoError(t, rm.ClaimExternal())
	rm.ReleaseExternal()
	require.NoError(t, rm.ClaimExternal())
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()

	rm := newRoom("r", nil, "w")
	rm.AddParticipant("p1", "alice")
	require.NoError(t, rm.ClaimProduce("p1", TypeAudio, 0))
	rm.CommitProduce("p1", TypeAudio, "aud", time.Now())
	require.NoError(t, rm.ClaimProduce("p1", TypeVideo, 1))
	rm.CommitProduce("p1", TypeVideo, "vid", time.Now())
	rm.CommitExternal(playback.New("ext", playback.Entry{QueueID: "q"}, []string{"p1"}, nil))

	snap := rm.Snapshot()
	snap.Video[0].Audio.ProducerID = "changed"
	snap.Video[0].IsPaused = true
	assert.Equal(t, "aud", rm.Streams().Video[0].Audio.ProducerID)
	assert.False(t, rm.Streams().Video[0].IsPaused)
	require.Len(t, snap.External, 1)
	assert.True(t, snap.External[0].IsBuffering)

	users := rm.Users()
	users["p1"].ProducerIDs[TypeVideo] = "changed"
	p, _ := rm.Participant("p1")
	assert.Equal(t, "vid", p.ProducerIDs[TypeVideo])
}
