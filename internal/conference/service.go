// Package conference orchestrates rooms: it applies every client request to
// the room, transport, track and playback state and emits the resulting
// room broadcasts.
//
// Engine calls never run under a room lock, so requests from other
// participants interleave with them; anything they create is claimed in
// the room first and committed or released afterwards. Broadcasts are
// emitted while the room lock is held, immediately after the mutation that
// produced them, so every participant observes a room's events in the
// order they were applied.
package conference

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/sofa/internal/config"
	"github.com/zsiec/sofa/internal/engine"
	"github.com/zsiec/sofa/internal/failure"
	"github.com/zsiec/sofa/internal/playback"
	"github.com/zsiec/sofa/internal/room"
	"github.com/zsiec/sofa/internal/track"
	"github.com/zsiec/sofa/internal/transport"
	"github.com/zsiec/sofa/internal/videometa"
)

// Broadcaster fans events out to the sessions in a room.
type Broadcaster interface {
	Join(sessionID, roomID string)
	Leave(sessionID, roomID string)
	// Broadcast delivers topic to every session in roomID except the
	// session except, if set. It must not block.
	Broadcast(roomID, except, topic string, payload any)
}

// Resolver turns a video URL into a queueable video.
type Resolver interface {
	Resolve(ctx context.Context, url string) (videometa.Video, error)
}

// Deps are the collaborators a Service drives.
type Deps struct {
	Rooms       *room.Registry
	Transports  *transport.Manager
	Producers   *track.Producers
	Consumers   *track.Consumers
	Resolver    Resolver
	Broadcaster Broadcaster
	Limits      config.RoomsConfig
	Logger      *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Session is a connected client.
type Session struct {
	ID       string
	RoomID   string
	Username string
	Key      string
}

// Service is the conference orchestrator.
type Service struct {
	log        *slog.Logger
	rooms      *room.Registry
	transports *transport.Manager
	producers  *track.Producers
	consumers  *track.Consumers
	resolver   Resolver
	bc         Broadcaster
	limits     config.RoomsConfig
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a service.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		log:        d.Logger.With("component", "conference"),
		rooms:      d.Rooms,
		transports: d.Transports,
		producers:  d.Producers,
		consumers:  d.Consumers,
		resolver:   d.Resolver,
		bc:         d.Broadcaster,
		limits:     d.Limits,
		now:        d.Now,
		sessions:   make(map[string]*Session),
	}
}

// Connect registers a new session.
func (s *Service) Connect(sessionID string) {
	s.mu.Lock()
	s.sessions[sessionID] = &Session{ID: sessionID}
	s.mu.Unlock()
	s.log.Debug("session connected", "session", sessionID)
}

// Session returns a copy of the session with id.
func (s *Service) Session(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Authorize checks a request's session id and key. Until the session has
// joined a room it has no key and any key is accepted.
func (s *Service) Authorize(sessionID, key string) error {
	if sessionID == "" {
		return failure.Unauthorized("No socket-id header in request")
	}
	sess, ok := s.Session(sessionID)
	if !ok {
		return failure.Unauthorized("No socket found by Socket ID: %s", sessionID)
	}
	if sess.Key == "" {
		return nil
	}
	if key == "" {
		return failure.Unauthorized("No user-key header on request")
	}
	if subtle.ConstantTimeCompare([]byte(sess.Key), []byte(key)) != 1 {
		return failure.Unauthorized("You're not authenticated for this route")
	}
	return nil
}

func newKey() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}

func newID() string {
	return uuid.NewString()
}

// member returns the caller's session and the room it has joined.
func (s *Service) member(sessionID string) (Session, *room.Room, error) {
	sess, ok := s.Session(sessionID)
	if !ok {
		return Session{}, nil, failure.Unauthorized("No socket found by Socket ID: %s", sessionID)
	}
	if sess.RoomID == "" {
		return sess, nil, failure.NotFound("You have not joined a room")
	}
	rm, err := s.rooms.Lookup(sess.RoomID)
	if err != nil {
		return sess, nil, err
	}
	return sess, rm, nil
}

// ChatMessage is the payload of chat/message.
type ChatMessage struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	SocketID string `json:"socketId,omitempty"`
}

// action broadcasts a lifecycle notice. The room must be locked.
func (s *Service) action(roomID, text string) {
	s.bc.Broadcast(roomID, "", "chat/message", ChatMessage{Type: "action", Text: text})
}

// users broadcasts the room's participant map. The room must be locked.
func (s *Service) users(rm *room.Room) {
	s.bc.Broadcast(rm.ID(), "", "chat/users", rm.Users())
}

// emit broadcasts playback events in order. The room must be locked.
func (s *Service) emit(roomID string, events []playback.Event) {
	for _, e := range events {
		s.bc.Broadcast(roomID, "", e.Topic, e.Payload)
	}
}

// RoomSettings are the limits reported to a joining participant.
type RoomSettings = config.RoomLimits

// RoomView is the room part of a join response.
type RoomView struct {
	Users    map[string]room.Participant `json:"users"`
	Settings RoomSettings                `json:"SETTINGS"`
}

// JoinResponse is returned to a participant that joined a room.
type JoinResponse struct {
	RouterRTPCapabilities engine.RTPCapabilities `json:"routerRtpCapabilities"`
	Streams               room.StreamsSnapshot   `json:"streams"`
	Room                  RoomView               `json:"room"`
	Key                   string                 `json:"key"`
}

// Join adds the session to a room, creating the room and its router if it
// is the first participant. A full room rejects the join without touching
// the room's state.
func (s *Service) Join(ctx context.Context, sessionID string, req *JoinRequest) (*JoinResponse, error) {
	sess, ok := s.Session(sessionID)
	if !ok {
		return nil, failure.Unauthorized("No socket found by Socket ID: %s", sessionID)
	}
	if sess.RoomID != "" {
		return nil, failure.Admission("Already in room %s", sess.RoomID)
	}
	limits := s.limits.For(req.RoomID)

	for {
		rm, err := s.rooms.GetOrCreate(ctx, req.RoomID)
		if err != nil {
			return nil, err
		}
		rm.Lock()
		if rm.Closed() {
			// the last participant left between lookup and lock
			rm.Unlock()
			continue
		}
		resp, err := s.joinLocked(rm, sessionID, req, limits)
		empty := rm.Len() == 0
		rm.Unlock()
		if err != nil && empty {
			if _, cerr := s.rooms.CloseIfEmpty(req.RoomID); cerr != nil {
				s.log.Warn("close unused room", "room", req.RoomID, "error", cerr)
			}
		}
		return resp, err
	}
}

func (s *Service) joinLocked(rm *room.Room, sessionID string, req *JoinRequest, limits config.RoomLimits) (*JoinResponse, error) {
	if rm.Len() >= limits.MaxUsers {
		return nil, failure.Admission("Max users of %d in room %s", limits.MaxUsers, req.RoomID)
	}

	key := newKey()
	var current string
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		if sess.RoomID == "" {
			sess.RoomID = req.RoomID
			sess.Username = req.Username
			sess.Key = key
		}
		current = sess.RoomID
	}
	s.mu.Unlock()
	if !ok {
		// disconnected while the room was being created
		return nil, failure.Unauthorized("No socket found by Socket ID: %s", sessionID)
	}
	if current != req.RoomID {
		return nil, failure.Admission("Already in room %s", current)
	}

	rm.AddParticipant(sessionID, req.Username)
	s.bc.Join(sessionID, req.RoomID)
	s.action(req.RoomID, req.Username+" joined the room")
	s.users(rm)
	s.log.Info("participant joined", "room", req.RoomID, "participant", sessionID, "username", req.Username)

	return &JoinResponse{
		RouterRTPCapabilities: rm.Router().RTPCapabilities(),
		Streams:               rm.Snapshot(),
		Room:                  RoomView{Users: rm.Users(), Settings: limits},
		Key:                   key,
	}, nil
}

// Disconnect tears down everything the session owns. It is best-effort:
// failures are logged, never returned, since nobody is left to report to.
//
// The room is updated first, under its lock: the participant and its
// published streams are removed, every external player stops waiting for
// it, and the room is told. Then its transports are closed, which closes
// its producers (and the consumers fed by them) and consumers. Finally the
// room's router is released if the room is now empty.
func (s *Service) Disconnect(ctx context.Context, sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	log := s.log.With("participant", sessionID, "room", sess.RoomID)

	if rm := s.rooms.Get(sess.RoomID); rm != nil {
		rm.Lock()
		if rm.RemoveParticipant(sessionID) {
			s.bc.Leave(sessionID, rm.ID())
			s.action(rm.ID(), sess.Username+" left the room")
			for _, rec := range s.producers.ByParticipant(sessionID) {
				s.bc.Broadcast(rm.ID(), "", "producer/close/"+rec.ID(), nil)
			}
			if _, err := rm.RemoveAllStreamsByParticipant(sessionID); err != nil && !failure.Is(err, failure.KindNotFound) {
				log.Warn("remove streams", "error", err)
			}
			for _, ext := range rm.Streams().External {
				s.emit(rm.ID(), ext.ParticipantLeft(sessionID))
			}
			s.users(rm)
		}
		rm.Unlock()
	}

	for _, td := range s.transports.CloseAll(sessionID) {
		if err := td.Err(); err != nil {
			log.Warn("teardown incomplete", "transport", td.TransportID, "error", err)
		}
	}

	if sess.RoomID != "" {
		closed, err := s.rooms.CloseIfEmpty(sess.RoomID)
		if err != nil {
			log.Error("close room", "error", err)
		} else if closed {
			log.Info("last participant left, room closed")
		}
	}
	log.Info("session disconnected")
}

// RoomInfo summarizes an open room.
type RoomInfo struct {
	ID           string         `json:"id"`
	Participants int            `json:"participants"`
	Streams      map[string]int `json:"streams"`
	Transports   int            `json:"transports"`
	Producers    int            `json:"producers"`
	Consumers    int            `json:"consumers"`
	Worker       string         `json:"worker"`
	Router       string         `json:"router"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Rooms lists the open rooms.
func (s *Service) Rooms() []RoomInfo {
	rooms := s.rooms.List()
	out := make([]RoomInfo, 0, len(rooms))
	for _, rm := range rooms {
		rm.Lock()
		info := RoomInfo{
			ID:           rm.ID(),
			Participants: rm.Len(),
			Streams: map[string]int{
				room.TypeVideo:  rm.Streams().Count(room.TypeVideo),
				room.TypeWebcam: rm.Streams().Count(room.TypeWebcam),
				room.TypeMic:    rm.Streams().Count(room.TypeMic),
				"external":      len(rm.Streams().External),
			},
			Worker:    rm.WorkerID(),
			Router:    rm.Router().ID(),
			CreatedAt: rm.CreatedAt(),
		}
		rm.Unlock()
		info.Transports = len(s.transports.ByRoom(info.ID))
		info.Producers = len(s.producers.ByRoom(info.ID))
		info.Consumers = len(s.consumers.ByRoom(info.ID))
		out = append(out, info)
	}
	return out
}
