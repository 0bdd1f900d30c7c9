package conference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/sofa/internal/failure"
	"github.com/zsiec/sofa/internal/playback"
	"github.com/zsiec/sofa/internal/room"
)

// CreateExternal opens the room's external video player with req.VideoURL
// as its first video. The slot is claimed before the URL is resolved so a
// second create cannot slip in while the lookup is in flight. Every
// current participant must report ready before playback starts.
func (s *Service) CreateExternal(ctx context.Context, sessionID string, req *ExternalCreateRequest) error {
	sess, rm, err := s.member(sessionID)
	if err != nil {
		return err
	}
	rm.Lock()
	err = rm.ClaimExternal()
	rm.Unlock()
	if err != nil {
		return err
	}

	video, err := s.resolver.Resolve(ctx, req.VideoURL)

	rm.Lock()
	defer rm.Unlock()
	if err != nil {
		rm.ReleaseExternal()
		return err
	}
	if rm.Closed() {
		return failure.NotFound("No router or room found by room ID %s", rm.ID())
	}
	first := playback.Entry{QueueID: newID(), Video: video}
	stream := playback.New(newID(), first, rm.ParticipantIDs(), s.now)
	rm.CommitExternal(stream)

	s.bc.Broadcast(rm.ID(), "", "external/create", stream.CreatedSnapshot())
	s.action(rm.ID(), sess.Username+" added video player")
	s.log.Info("external player created", "room", rm.ID(), "stream", stream.ID(), "video", video.VideoID)
	return nil
}

// CloseExternal removes an external video player.
func (s *Service) CloseExternal(_ context.Context, sessionID string, req *ExternalCloseRequest) error {
	sess, rm, err := s.member(sessionID)
	if err != nil {
		return err
	}
	rm.Lock()
	defer rm.Unlock()
	if err := rm.RemoveExternal(req.ID); err != nil {
		return err
	}
	s.bc.Broadcast(rm.ID(), "", "external/close/"+req.ID, nil)
	s.action(rm.ID(), sess.Username+" removed video player")
	return nil
}

// withStream runs fn on the external player id with the room locked, then
// broadcasts the events fn produced followed by the action notice, if any.
func (s *Service) withStream(sessionID, id string, fn func(rm *room.Room, st *playback.Stream, username string) ([]playback.Event, string, error)) error {
	sess, rm, err := s.member(sessionID)
	if err != nil {
		return err
	}
	rm.Lock()
	defer rm.Unlock()
	st, err := rm.External(id)
	if err != nil {
		return err
	}
	events, notice, err := fn(rm, st, sess.Username)
	if err != nil {
		return err
	}
	s.emit(rm.ID(), events)
	if notice != "" {
		s.action(rm.ID(), notice)
	}
	return nil
}

// Play starts the shared clock.
func (s *Service) Play(_ context.Context, sessionID string, req *VideoRequest) error {
	return s.withStream(sessionID, req.ID, func(_ *room.Room, st *playback.Stream, user string) ([]playback.Event, string, error) {
		return st.Play(), user + " played the video", nil
	})
}

// Pause stops the shared clock.
func (s *Service) Pause(_ context.Context, sessionID string, req *VideoRequest) error {
	return s.withStream(sessionID, req.ID, func(_ *room.Room, st *playback.Stream, user string) ([]playback.Event, string, error) {
		return st.Pause(), user + " paused the video", nil
	})
}

// SetTime moves the shared clock to req.Time seconds.
func (s *Service) SetTime(_ context.Context, sessionID string, req *VideoTimeRequest) error {
	t := playback.Seconds(*req.Time)
	return s.withStream(sessionID, req.ID, func(_ *room.Room, st *playback.Stream, user string) ([]playback.Event, string, error) {
		return st.SetTime(t), fmt.Sprintf("%s changed video time to %s", user, clock(t)), nil
	})
}

// AddVideo resolves req.VideoURL and appends it to the player's queue.
func (s *Service) AddVideo(ctx context.Context, sessionID string, req *VideoAddRequest) error {
	err := s.withStream(sessionID, req.ID, func(_ *room.Room, st *playback.Stream, _ string) ([]playback.Event, string, error) {
		return nil, "", queueFull(st.CheckCapacity())
	})
	if err != nil {
		return err
	}

	video, err := s.resolver.Resolve(ctx, req.VideoURL)
	if err != nil {
		return err
	}
	entry := playback.Entry{QueueID: newID(), Video: video}
	return s.withStream(sessionID, req.ID, func(_ *room.Room, st *playback.Stream, user string) ([]playback.Event, string, error) {
		events, err := st.Enqueue(entry)
		if err != nil {
			return nil, "", queueFull(err)
		}
		return events, user + " added a video to the queue", nil
	})
}

// queueFull maps playback.ErrQueueFull onto the admission failure shown to
// clients. Other errors, and nil, pass through.
func queueFull(err error) error {
	if errors.Is(err, playback.ErrQueueFull) {
		return &failure.Error{
			Kind: failure.KindAdmission,
			Msg:  fmt.Sprintf("This video player already has the max videos in queue of %d", playback.MaxQueue),
			Err:  err,
		}
	}
	return err
}

// Skip removes a queued video. Skipping a video that is already gone
// succeeds and changes nothing.
func (s *Service) Skip(_ context.Context, sessionID string, req *VideoSkipRequest) error {
	return s.withStream(sessionID, req.ID, func(rm *room.Room, st *playback.Stream, user string) ([]playback.Event, string, error) {
		events := st.Skip(req.QueueID, rm.ParticipantIDs())
		if len(events) == 0 {
			return nil, "", nil
		}
		return events, user + " skipped a video", nil
	})
}

// Buffer records whether the caller's player is buffering.
func (s *Service) Buffer(_ context.Context, sessionID string, req *VideoBufferRequest) error {
	return s.withStream(sessionID, req.ID, func(_ *room.Room, st *playback.Stream, _ string) ([]playback.Event, string, error) {
		if *req.IsBuffering {
			return st.SignalBuffering(sessionID), "", nil
		}
		return st.SignalReady(sessionID), "", nil
	})
}

// clock renders d as HH:MM:SS, wrapping at a day.
func clock(d time.Duration) string {
	secs := int64(d/time.Second) % (24 * 3600)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}
