// Package playback implements the shared watch-party clock: a FIFO queue
// of videos, a play/pause state, an offset/epoch clock and a buffering
// barrier that holds playback until every viewer is ready.
//
// Every mutating method returns the room events it produced, in the order
// they must be broadcast. A Stream is not safe for concurrent use; the
// owning room serializes access.
package playback

import (
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/zsiec/sofa/internal/videometa"
)

// MaxQueue is the most videos a stream's queue may hold.
const MaxQueue = 100

// ErrQueueFull is returned by Enqueue when the queue holds MaxQueue videos.
var ErrQueueFull = errors.New("playback: queue is full")

// State is the play state. The numeric values are the wire encoding.
type State int

// Play states.
const (
	Playing State = 1
	Paused  State = 2
)

func (s State) String() string {
	if s == Playing {
		return "playing"
	}
	return "paused"
}

// Clock is the offset/epoch position: Value accrued before Stamp, plus the
// time since Stamp while playing. A zero Stamp means not accruing.
type Clock struct {
	Value time.Duration
	Stamp time.Time
}

// Accruing reports whether the clock advances with wall time.
func (c Clock) Accruing() bool { return !c.Stamp.IsZero() }

// Position is the clock's value at now.
func (c Clock) Position(now time.Time) time.Duration {
	if !c.Accruing() {
		return c.Value
	}
	return c.Value + now.Sub(c.Stamp)
}

// Entry is one queued video.
type Entry struct {
	QueueID string          `json:"queueId"`
	Video   videometa.Video `json:"video"`
}

// Event is a room broadcast produced by a state change.
type Event struct {
	Topic   string
	Payload any
}

// Broadcast payloads.
type (
	TimePayload struct {
		Time float64 `json:"time"`
	}
	BufferPayload struct {
		IsBuffering bool `json:"isBuffering"`
	}
	SkipPayload struct {
		QueueID string `json:"queueId"`
	}
	AddPayload Entry
)

// Stream is the external-video slot of a room.
type Stream struct {
	id        string
	startedAt time.Time
	state     State
	clock     Clock
	queue     []Entry
	buffering map[string]struct{}
	now       func() time.Time
}

// New creates a paused stream whose queue holds first. Every current
// participant starts in the buffering set so playback waits for all of
// them. A nil now uses time.Now.
func New(id string, first Entry, participants []string, now func() time.Time) *Stream {
	if now == nil {
		now = time.Now
	}
	s := &Stream{
		id:        id,
		startedAt: now(),
		state:     Paused,
		queue:     []Entry{first},
		now:       now,
	}
	s.resetBuffering(participants)
	return s
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// State returns the play state.
func (s *Stream) State() State { return s.state }

// Clock returns the raw clock.
func (s *Stream) Clock() Clock { return s.clock }

// Position returns the current playback position.
func (s *Stream) Position() time.Duration { return s.clock.Position(s.now()) }

// Queue returns a copy of the queue in play order.
func (s *Stream) Queue() []Entry { return slices.Clone(s.queue) }

// Buffering returns the participants the barrier is waiting on, sorted.
func (s *Stream) Buffering() []string {
	out := make([]string, 0, len(s.buffering))
	for id := range s.buffering {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsBuffering reports whether participantID is in the buffering set.
func (s *Stream) IsBuffering(participantID string) bool {
	_, ok := s.buffering[participantID]
	return ok
}

func (s *Stream) topic(op string) string {
	return "video/" + op + "/" + s.id
}

func (s *Stream) resetBuffering(participants []string) {
	s.buffering = make(map[string]struct{}, len(participants))
	for _, p := range participants {
		s.buffering[p] = struct{}{}
	}
}

// start begins accruing from now.
func (s *Stream) start() {
	s.state = Playing
	s.clock.Stamp = s.now()
}

// stop folds accrued time into the value and stops accruing.
func (s *Stream) stop() {
	if s.clock.Accruing() {
		s.clock.Value += s.now().Sub(s.clock.Stamp)
	}
	s.clock.Stamp = time.Time{}
	s.state = Paused
}

// Play starts accruing. Playing an already playing stream changes nothing
// but still produces the event.
func (s *Stream) Play() []Event {
	if s.state != Playing {
		s.start()
	}
	return []Event{{Topic: s.topic("play")}}
}

// Pause stops accruing, keeping the position reached.
func (s *Stream) Pause() []Event {
	if s.state != Paused {
		s.stop()
	}
	return []Event{{Topic: s.topic("pause")}}
}

// SetTime makes t the authoritative position without changing the play
// state. A paused stream stays not accruing.
func (s *Stream) SetTime(t time.Duration) []Event {
	s.clock.Value = t
	if s.state == Playing {
		s.clock.Stamp = s.now()
	} else {
		s.clock.Stamp = time.Time{}
	}
	return []Event{{Topic: s.topic("time"), Payload: TimePayload{Time: t.Seconds()}}}
}

// CheckCapacity reports ErrQueueFull when no more videos can be queued.
func (s *Stream) CheckCapacity() error {
	if len(s.queue) >= MaxQueue {
		return ErrQueueFull
	}
	return nil
}

// Enqueue appends a resolved video to the end of the queue.
func (s *Stream) Enqueue(e Entry) ([]Event, error) {
	if err := s.CheckCapacity(); err != nil {
		return nil, err
	}
	s.queue = append(s.queue, e)
	return []Event{{Topic: s.topic("add"), Payload: AddPayload(e)}}, nil
}

// Skip removes the entry with queueID. Skipping an entry that is no
// longer queued is a successful no-op. Skipping the head restarts the
// clock at zero and reopens the buffering barrier to participants, so
// every viewer resynchronizes on the new head.
func (s *Stream) Skip(queueID string, participants []string) []Event {
	i := slices.IndexFunc(s.queue, func(e Entry) bool { return e.QueueID == queueID })
	if i < 0 {
		return nil
	}
	s.queue = slices.Delete(s.queue, i, i+1)

	var events []Event
	if i == 0 {
		s.clock = Clock{Value: 0, Stamp: s.now()}
		s.state = Playing
		s.resetBuffering(participants)
		events = append(events, Event{Topic: s.topic("buffer"), Payload: BufferPayload{IsBuffering: true}})
	}
	return append(events, Event{Topic: s.topic("skip"), Payload: SkipPayload{QueueID: queueID}})
}

// SignalBuffering adds participantID to the barrier. The first member to
// close the barrier pauses playback. Repeated signals change nothing.
func (s *Stream) SignalBuffering(participantID string) []Event {
	if _, ok := s.buffering[participantID]; ok {
		return nil
	}
	s.buffering[participantID] = struct{}{}
	if len(s.buffering) != 1 {
		return nil
	}
	s.stop()
	return []Event{{Topic: s.topic("buffer"), Payload: BufferPayload{IsBuffering: true}}}
}

// SignalReady removes participantID from the barrier. When the barrier
// opens playback resumes. A participant that was not buffering changes
// nothing.
func (s *Stream) SignalReady(participantID string) []Event {
	if _, ok := s.buffering[participantID]; !ok {
		return nil
	}
	delete(s.buffering, participantID)
	if len(s.buffering) != 0 {
		return nil
	}
	s.start()
	return []Event{{Topic: s.topic("buffer"), Payload: BufferPayload{IsBuffering: false}}}
}

// ParticipantLeft purges a departing participant from the barrier. If it
// was the last member the barrier opens exactly as for SignalReady.
func (s *Stream) ParticipantLeft(participantID string) []Event {
	return s.SignalReady(participantID)
}

// Snapshot is the client view of a stream.
type Snapshot struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Queue       []Entry `json:"queue"`
	State       State   `json:"state"`
	StartedAt   float64 `json:"startedAt"`
	Time        float64 `json:"time"`
	IsBuffering bool    `json:"isBuffering"`
}

// Snapshot returns the view sent to a joining participant: the current
// position, with the joiner treated as buffering until it reports ready.
func (s *Stream) Snapshot() Snapshot {
	return Snapshot{
		ID:          s.id,
		Type:        "video",
		Queue:       s.Queue(),
		State:       s.state,
		StartedAt:   float64(s.startedAt.UnixMilli()) / 1000,
		Time:        s.Position().Seconds(),
		IsBuffering: true,
	}
}

// CreatedSnapshot is the view broadcast when the stream is created. The
// state is left unset so clients wait for the barrier to open.
func (s *Stream) CreatedSnapshot() Snapshot {
	snap := s.Snapshot()
	snap.State = -1
	snap.Time = 0
	return snap
}

// Seconds converts a wire time in seconds to a duration.
func Seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
