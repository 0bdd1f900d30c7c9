package room

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/sofa/internal/engine"
	"github.com/zsiec/sofa/internal/failure"
	"github.com/zsiec/sofa/internal/playback"
)

// Media stream types. Audio is never published as its own stream entry; it
// rides on the publisher's video entry.
const (
	TypeVideo  = "video"
	TypeWebcam = "webcam"
	TypeMic    = "mic"
	TypeAudio  = "audio"
)

// MediaTypes lists every type a participant may produce.
var MediaTypes = []string{TypeVideo, TypeWebcam, TypeMic, TypeAudio}

// AudioRef points a video stream at the publisher's desktop audio.
type AudioRef struct {
	ProducerID string `json:"producerId"`
}

// Stream is one published media stream.
type Stream struct {
	ProducerID string    `json:"producerId"`
	StartedAt  float64   `json:"startedAt"`
	IsPaused   bool      `json:"isPaused"`
	SocketID   string    `json:"socketId"`
	Audio      *AudioRef `json:"audio,omitempty"`
}

// Participant is a member of a room.
type Participant struct {
	Username string `json:"username"`
	// ProducerIDs maps each media type to the producer the participant
	// publishes it with, or "" when it does not.
	ProducerIDs map[string]string `json:"producerIds"`

	claims map[string]struct{}
}

func newParticipant(username string) *Participant {
	p := &Participant{
		Username:    username,
		ProducerIDs: make(map[string]string, len(MediaTypes)),
		claims:      make(map[string]struct{}),
	}
	for _, t := range MediaTypes {
		p.ProducerIDs[t] = ""
	}
	return p
}

func (p *Participant) clone() Participant {
	c := Participant{Username: p.Username, ProducerIDs: make(map[string]string, len(p.ProducerIDs))}
	for k, v := range p.ProducerIDs {
		c.ProducerIDs[k] = v
	}
	return c
}

// Streams is a room's stream registry: the published media streams by
// type and the external video players.
type Streams struct {
	Video    []*Stream
	Webcam   []*Stream
	Mic      []*Stream
	External []*playback.Stream
}

func (s *Streams) list(typ string) *[]*Stream {
	switch typ {
	case TypeVideo:
		return &s.Video
	case TypeWebcam:
		return &s.Webcam
	case TypeMic:
		return &s.Mic
	}
	return nil
}

// Count returns the number of streams of typ.
func (s *Streams) Count(typ string) int {
	if l := s.list(typ); l != nil {
		return len(*l)
	}
	return 0
}

// Find returns the stream of typ published by producerID.
func (s *Streams) Find(typ, producerID string) *Stream {
	l := s.list(typ)
	if l == nil {
		return nil
	}
	for _, st := range *l {
		if st.ProducerID == producerID {
			return st
		}
	}
	return nil
}

// Room is one conference. It owns a router for its whole life and is
// discarded once closed; a later join under the same id gets a new Room.
//
// Everything below the embedded mutex is guarded by it. Methods that do
// not say otherwise must be called with the room locked.
type Room struct {
	sync.Mutex

	id        string
	router    engine.Router
	workerID  string
	createdAt time.Time

	participants    map[string]*Participant
	streams         Streams
	externalPending bool
	closed          bool
}

func newRoom(id string, router engine.Router, workerID string) *Room {
	return &Room{
		id:           id,
		router:       router,
		workerID:     workerID,
		createdAt:    time.Now(),
		participants: make(map[string]*Participant),
	}
}

// ID returns the room id. Safe without the lock.
func (r *Room) ID() string { return r.id }

// Router returns the room's router. Safe without the lock.
func (r *Room) Router() engine.Router { return r.router }

// WorkerID returns the id of the worker hosting the router. Safe without
// the lock.
func (r *Room) WorkerID() string { return r.workerID }

// CreatedAt returns when the room was created. Safe without the lock.
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// Closed reports whether the room's router has been released. A closed
// room accepts no participants.
func (r *Room) Closed() bool { return r.closed }

// Len returns the number of participants.
func (r *Room) Len() int { return len(r.participants) }

// AddParticipant adds a participant with no producers.
func (r *Room) AddParticipant(id, username string) {
	r.participants[id] = newParticipant(username)
}

// RemoveParticipant removes a participant and reports whether it was a
// member.
func (r *Room) RemoveParticipant(id string) bool {
	if _, ok := r.participants[id]; !ok {
		return false
	}
	delete(r.participants, id)
	return true
}

// Participant returns the participant with id.
func (r *Room) Participant(id string) (*Participant, bool) {
	p, ok := r.participants[id]
	return p, ok
}

// ParticipantIDs returns the ids of every participant, sorted.
func (r *Room) ParticipantIDs() []string {
	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Users returns a copy of the participant map, keyed by participant id.
func (r *Room) Users() map[string]Participant {
	out := make(map[string]Participant, len(r.participants))
	for id, p := range r.participants {
		out[id] = p.clone()
	}
	return out
}

// Streams returns the stream registry.
func (r *Room) Streams() *Streams { return &r.streams }

// ClaimProduce reserves the participant's slot for typ before the engine
// is asked to produce. maxStreams caps the published streams of typ in
// the room, counting slots already claimed; audio is not capped since it
// is never published on its own.
func (r *Room) ClaimProduce(participantID, typ string, maxStreams int) error {
	p, ok := r.participants[participantID]
	if !ok {
		return failure.NotFound("participant %s is not in room %s", participantID, r.id)
	}
	if _, claimed := p.claims[typ]; claimed || p.ProducerIDs[typ] != "" {
		return failure.Admission("Already producing a %s stream", typ)
	}
	if typ != TypeAudio {
		n := r.streams.Count(typ)
		for _, other := range r.participants {
			if _, claimed := other.claims[typ]; claimed {
				n++
			}
		}
		if n >= maxStreams {
			return failure.Admission("Max %s streams reached in room %s of %d", typ, r.id, maxStreams)
		}
	}
	p.claims[typ] = struct{}{}
	return nil
}

// ReleaseProduce gives up a claim whose engine call failed.
func (r *Room) ReleaseProduce(participantID, typ string) {
	if p, ok := r.participants[participantID]; ok {
		delete(p.claims, typ)
	}
}

// CommitProduce records producerID as the participant's typ producer and,
// unless typ is audio, publishes a stream entry for it. A video stream
// picks up the participant's audio producer if there is one. It returns
// false if the participant left while the producer was being created.
func (r *Room) CommitProduce(participantID, typ, producerID string, now time.Time) (*Stream, bool) {
	p, ok := r.participants[participantID]
	if !ok {
		return nil, false
	}
	delete(p.claims, typ)
	p.ProducerIDs[typ] = producerID
	if typ == TypeAudio {
		return nil, true
	}
	st := &Stream{
		ProducerID: producerID,
		StartedAt:  float64(now.UnixMilli()) / 1000,
		SocketID:   participantID,
	}
	if audio := p.ProducerIDs[TypeAudio]; typ == TypeVideo && audio != "" {
		st.Audio = &AudioRef{ProducerID: audio}
	}
	l := r.streams.list(typ)
	*l = append(*l, st)
	return st, true
}

// ClearProducer blanks producerID from the participant's producer map and
// returns the type it was published as.
func (r *Room) ClearProducer(participantID, producerID string) (string, bool) {
	p, ok := r.participants[participantID]
	if !ok {
		return "", false
	}
	for typ, id := range p.ProducerIDs {
		if id == producerID {
			p.ProducerIDs[typ] = ""
			return typ, true
		}
	}
	return "", false
}

// RemoveStreamByProducerID splices the stream published by producerID out
// of the registry and detaches it wherever it is attached as audio.
func (r *Room) RemoveStreamByProducerID(producerID string) error {
	found := false
	for _, typ := range []string{TypeVideo, TypeWebcam, TypeMic} {
		l := r.streams.list(typ)
		*l = slices.DeleteFunc(*l, func(st *Stream) bool {
			if st.ProducerID == producerID {
				found = true
				return true
			}
			return false
		})
	}
	for _, st := range r.streams.Video {
		if st.Audio != nil && st.Audio.ProducerID == producerID {
			st.Audio = nil
			found = true
		}
	}
	if !found {
		return failure.NotFound("no stream found by producer id %s", producerID)
	}
	return nil
}

// RemoveAllStreamsByParticipant splices every stream the participant
// publishes out of the registry and returns the removed producer ids.
func (r *Room) RemoveAllStreamsByParticipant(participantID string) ([]string, error) {
	var removed []string
	for _, typ := range []string{TypeVideo, TypeWebcam, TypeMic} {
		l := r.streams.list(typ)
		*l = slices.DeleteFunc(*l, func(st *Stream) bool {
			if st.SocketID == participantID {
				removed = append(removed, st.ProducerID)
				return true
			}
			return false
		})
	}
	if len(removed) == 0 {
		return nil, failure.NotFound("no streams found for participant %s", participantID)
	}
	return removed, nil
}

// ClaimExternal reserves the room's single external player slot while its
// first video is resolved.
func (r *Room) ClaimExternal() error {
	if r.externalPending || len(r.streams.External) >= 1 {
		return failure.Admission("You have reached the max external streams of 1")
	}
	r.externalPending = true
	return nil
}

// ReleaseExternal gives up the external slot claim.
func (r *Room) ReleaseExternal() { r.externalPending = false }

// CommitExternal installs s in the claimed external slot.
func (r *Room) CommitExternal(s *playback.Stream) {
	r.externalPending = false
	r.streams.External = append(r.streams.External, s)
}

// External returns the external player with id.
func (r *Room) External(id string) (*playback.Stream, error) {
	for _, s := range r.streams.External {
		if s.ID() == id {
			return s, nil
		}
	}
	return nil, failure.NotFound("No stream found by id %s in room %s", id, r.id)
}

// RemoveExternal removes the external player with id.
func (r *Room) RemoveExternal(id string) error {
	i := slices.IndexFunc(r.streams.External, func(s *playback.Stream) bool { return s.ID() == id })
	if i < 0 {
		return failure.NotFound("No external stream found by ID %s", id)
	}
	r.streams.External = slices.Delete(r.streams.External, i, i+1)
	return nil
}

// StreamsSnapshot is the client view of a room's streams.
type StreamsSnapshot struct {
	Video    []Stream            `json:"video"`
	Webcam   []Stream            `json:"webcam"`
	Mic      []Stream            `json:"mic"`
	External []playback.Snapshot `json:"external"`
}

func copyStreams(in []*Stream) []Stream {
	out := make([]Stream, len(in))
	for i, st := range in {
		out[i] = *st
		if st.Audio != nil {
			a := *st.Audio
			out[i].Audio = &a
		}
	}
	return out
}

// Snapshot returns a deep copy of the stream registry in which every
// external player reports its current position.
func (r *Room) Snapshot() StreamsSnapshot {
	snap := StreamsSnapshot{
		Video:    copyStreams(r.streams.Video),
		Webcam:   copyStreams(r.streams.Webcam),
		Mic:      copyStreams(r.streams.Mic),
		External: make([]playback.Snapshot, len(r.streams.External)),
	}
	for i, s := range r.streams.External {
		snap.External[i] = s.Snapshot()
	}
	return snap
}
