package conference

import (
	"context"

	"github.com/zsiec/sofa/internal/engine"
	"github.com/zsiec/sofa/internal/failure"
	"github.com/zsiec/sofa/internal/room"
	"github.com/zsiec/sofa/internal/transport"
)

// TransportResponse carries what the client needs to set up its side of a
// new transport.
type TransportResponse struct {
	TransportOptions engine.TransportParameters `json:"transportOptions"`
}

// CreateTransport allocates the caller's send or recv transport on its
// room's router.
func (s *Service) CreateTransport(ctx context.Context, sessionID string, req *TransportCreateRequest) (*TransportResponse, error) {
	sess, rm, err := s.member(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.RoomID != req.RoomID {
		return nil, failure.NotFound("No router or room found by room ID %s", req.RoomID)
	}
	dir := transport.Direction(req.Type)
	bitrate := s.limits.For(rm.ID()).MaxIncomingBitrate()
	e, err := s.transports.Create(ctx, rm.Router(), dir, sessionID, rm.ID(), bitrate)
	if err != nil {
		return nil, err
	}

	// A participant that left while the engine call was in flight has
	// already run its teardown; the new transport would be orphaned.
	rm.Lock()
	_, present := rm.Participant(sessionID)
	rm.Unlock()
	if !present {
		if _, err := s.transports.Close(dir, sessionID); err != nil {
			s.log.Warn("close orphaned transport", "participant", sessionID, "error", err)
		}
		return nil, failure.NotFound("participant left room %s", rm.ID())
	}
	return &TransportResponse{TransportOptions: e.Transport.Parameters()}, nil
}

// ConnectResponse carries the engine's answer, if it produced one.
type ConnectResponse struct {
	Answer *engine.SessionDescription `json:"answer,omitempty"`
}

// ConnectTransport forwards the client's negotiation parameters.
func (s *Service) ConnectTransport(ctx context.Context, sessionID string, req *TransportConnectRequest) (*ConnectResponse, error) {
	if _, ok := s.Session(sessionID); !ok {
		return nil, failure.Unauthorized("No socket found by Socket ID: %s", sessionID)
	}
	answer, err := s.transports.Connect(ctx, transport.Direction(req.Type), sessionID, *req.TransportOptions)
	if err != nil {
		return nil, err
	}
	return &ConnectResponse{Answer: answer}, nil
}

// ProduceResponse carries the id of the new producer.
type ProduceResponse struct {
	ID string `json:"id"`
}

// Produce publishes a track of req.Type from the caller's send transport.
// The room's capture limits are checked and the caller's slot for the type
// is claimed before the engine is asked, so concurrent requests cannot
// exceed them.
func (s *Service) Produce(ctx context.Context, sessionID string, req *ProduceRequest) (*ProduceResponse, error) {
	_, rm, err := s.member(sessionID)
	if err != nil {
		return nil, err
	}
	capture := s.limits.For(rm.ID()).CaptureFor(req.Type)
	if !capture.Enabled {
		return nil, failure.Admission("You're not allowed to produce a %s stream in this room", req.Type)
	}

	rm.Lock()
	err = rm.ClaimProduce(sessionID, req.Type, capture.MaxStreams)
	rm.Unlock()
	if err != nil {
		return nil, err
	}

	rec, err := s.transports.Produce(ctx, sessionID, req.Type, *req.ProducerOptions)
	if err != nil {
		rm.Lock()
		rm.ReleaseProduce(sessionID, req.Type)
		rm.Unlock()
		return nil, err
	}

	rm.Lock()
	_, ok := rm.CommitProduce(sessionID, req.Type, rec.ID(), s.now())
	rm.Unlock()
	if !ok {
		if _, err := s.transports.CloseProducer(rec.ID()); err != nil {
			s.log.Warn("close orphaned producer", "producer", rec.ID(), "error", err)
		}
		return nil, failure.NotFound("participant left room %s", rm.ID())
	}
	s.log.Info("producer created", "room", rm.ID(), "participant", sessionID, "type", req.Type, "producer", rec.ID())
	return &ProduceResponse{ID: rec.ID()}, nil
}

// Produced announces the caller's stream of req.Type to the rest of the
// room once the client is ready for consumers.
func (s *Service) Produced(_ context.Context, sessionID string, req *ProducedRequest) error {
	_, rm, err := s.member(sessionID)
	if err != nil {
		return err
	}
	rm.Lock()
	defer rm.Unlock()
	p, ok := rm.Participant(sessionID)
	if !ok {
		return failure.NotFound("participant is not in room %s", rm.ID())
	}
	producerID := p.ProducerIDs[req.Type]
	st := rm.Streams().Find(req.Type, producerID)
	if st == nil {
		return failure.NotFound("No %s stream found by Producer ID %s", req.Type, producerID)
	}
	s.bc.Broadcast(rm.ID(), sessionID, "stream/"+req.Type, *st)
	s.users(rm)
	return nil
}

// ConsumeResponse carries the new consumer's parameters.
type ConsumeResponse struct {
	ConsumerOptions engine.ConsumerParameters `json:"consumerOptions"`
}

// Consume subscribes the caller's recv transport to a producer in its
// room. The consumer starts paused; the client resumes it once its side
// is ready.
func (s *Service) Consume(ctx context.Context, sessionID string, req *ConsumeRequest) (*ConsumeResponse, error) {
	_, rm, err := s.member(sessionID)
	if err != nil {
		return nil, err
	}
	prod, err := s.producers.Get(req.ConsumerOptions.ProducerID)
	if err != nil {
		return nil, err
	}
	if prod.RoomID != rm.ID() {
		return nil, failure.NotFound("producer with id %q was not found", req.ConsumerOptions.ProducerID)
	}
	rec, err := s.transports.Consume(ctx, rm.Router(), sessionID, rm.ID(), *req.ConsumerOptions)
	if err != nil {
		return nil, err
	}
	return &ConsumeResponse{ConsumerOptions: rec.Resource.Parameters()}, nil
}

// PauseProducer pauses or resumes one of the caller's room's producers.
func (s *Service) PauseProducer(_ context.Context, sessionID string, req *ProducerPauseRequest) error {
	_, rm, err := s.member(sessionID)
	if err != nil {
		return err
	}
	rec, err := s.producers.Get(req.ProducerID)
	if err != nil {
		return err
	}
	if rec.RoomID != rm.ID() {
		return failure.NotFound("No Producer found in Producers map by ID %s", req.ProducerID)
	}
	if req.State == "pause" {
		return s.producers.Pause(req.ProducerID)
	}
	return s.producers.Resume(req.ProducerID)
}

// CloseProducer closes a producer and every consumer fed by it, removes
// its stream from the room and tells the room.
func (s *Service) CloseProducer(_ context.Context, sessionID string, req *ProducerCloseRequest) error {
	_, rm, err := s.member(sessionID)
	if err != nil {
		return err
	}
	rec, err := s.producers.Get(req.ProducerID)
	if err != nil {
		return err
	}
	if rec.RoomID != rm.ID() {
		return failure.NotFound("No Producer found in Producers map by ID %s", req.ProducerID)
	}
	report, closeErr := s.transports.CloseProducer(req.ProducerID)
	if report == nil {
		// closed by a concurrent request
		return closeErr
	}
	for id, err := range report.Failed {
		if id != req.ProducerID {
			s.log.Warn("consumer close failed", "consumer", id, "producer", req.ProducerID, "error", err)
		}
	}

	rm.Lock()
	s.forgetProducer(rm, rec.ParticipantID, req.ProducerID)
	s.bc.Broadcast(rm.ID(), "", "producer/close/"+req.ProducerID, nil)
	s.users(rm)
	rm.Unlock()
	return closeErr
}

// forgetProducer drops every room reference to a closed producer. The room
// must be locked.
func (s *Service) forgetProducer(rm *room.Room, participantID, producerID string) {
	if err := rm.RemoveStreamByProducerID(producerID); err != nil && !failure.Is(err, failure.KindNotFound) {
		s.log.Warn("remove stream", "producer", producerID, "error", err)
	}
	rm.ClearProducer(participantID, producerID)
}

// MuteMic pauses or resumes a mic producer and records the mute on its
// stream.
func (s *Service) MuteMic(_ context.Context, sessionID string, req *MicMuteRequest) error {
	_, rm, err := s.member(sessionID)
	if err != nil {
		return err
	}
	if _, err := s.producers.Get(req.ProducerID); err != nil {
		return err
	}
	rm.Lock()
	defer rm.Unlock()
	st := rm.Streams().Find(room.TypeMic, req.ProducerID)
	if st == nil {
		return failure.NotFound("No stream found in mic streams array by Producer ID %s", req.ProducerID)
	}
	mute := *req.Mute
	if mute {
		err = s.producers.Pause(req.ProducerID)
	} else {
		err = s.producers.Resume(req.ProducerID)
	}
	if err != nil {
		return err
	}
	st.IsPaused = mute
	s.bc.Broadcast(rm.ID(), "", "mic/mute/"+req.ProducerID, mute)
	return nil
}

func (s *Service) ownConsumer(sessionID, consumerID string) error {
	if _, ok := s.Session(sessionID); !ok {
		return failure.Unauthorized("No socket found by Socket ID: %s", sessionID)
	}
	rec, err := s.consumers.Get(consumerID)
	if err != nil {
		return err
	}
	if rec.ParticipantID != sessionID {
		return failure.NotFound("No Consumer found in Consumers map by ID %s", consumerID)
	}
	return nil
}

// PauseConsumer pauses or resumes one of the caller's consumers.
func (s *Service) PauseConsumer(_ context.Context, sessionID string, req *ConsumerPauseRequest) error {
	if err := s.ownConsumer(sessionID, req.ConsumerID); err != nil {
		return err
	}
	if req.State == "pause" {
		return s.consumers.Pause(req.ConsumerID)
	}
	return s.consumers.Resume(req.ConsumerID)
}

// CloseConsumer closes one of the caller's consumers.
func (s *Service) CloseConsumer(_ context.Context, sessionID string, req *ConsumerCloseRequest) error {
	if err := s.ownConsumer(sessionID, req.ConsumerID); err != nil {
		return err
	}
	_, err := s.consumers.Delete(req.ConsumerID)
	return err
}
