package conference

import (
	"context"
	"sort"

	"github.com/zsiec/sofa/internal/engine"
	"github.com/zsiec/sofa/internal/failure"
	"github.com/zsiec/sofa/internal/schema"
)

// Request payloads, one per operation.
type (
	JoinRequest struct {
		RoomID   string `json:"roomId" validate:"required,max=64"`
		Username string `json:"username" validate:"required,max=16"`
	}
	TransportCreateRequest struct {
		Type   string `json:"type" validate:"required,oneof=send recv"`
		RoomID string `json:"roomId" validate:"required,max=64"`
	}
	TransportConnectRequest struct {
		Type             string                `json:"type" validate:"required,oneof=send recv"`
		TransportOptions *engine.ConnectParams `json:"transportOptions" validate:"required"`
	}
	ProduceRequest struct {
		ProducerOptions *engine.ProducerOptions `json:"producerOptions" validate:"required"`
		Type            string                  `json:"type" validate:"required,oneof=video webcam mic audio"`
	}
	ProducedRequest struct {
		Type string `json:"type" validate:"required,oneof=video webcam mic audio"`
	}
	ConsumeRequest struct {
		ConsumerOptions *engine.ConsumerOptions `json:"consumerOptions" validate:"required"`
	}
	ProducerPauseRequest struct {
		ProducerID string `json:"producerId" validate:"required"`
		State      string `json:"state" validate:"required,oneof=pause resume"`
	}
	ProducerCloseRequest struct {
		ProducerID string `json:"producerId" validate:"required"`
	}
	MicMuteRequest struct {
		ProducerID string `json:"producerId" validate:"required"`
		Mute       *bool  `json:"mute" validate:"required"`
	}
	ConsumerPauseRequest struct {
		ConsumerID string `json:"consumerId" validate:"required"`
		State      string `json:"state" validate:"required,oneof=pause resume"`
	}
	ConsumerCloseRequest struct {
		ConsumerID string `json:"consumerId" validate:"required"`
	}
	ExternalCreateRequest struct {
		VideoURL string `json:"videoUrl" validate:"required,max=2048"`
	}
	ExternalCloseRequest struct {
		ID string `json:"id" validate:"required"`
	}
	VideoRequest struct {
		ID string `json:"id" validate:"required"`
	}
	VideoTimeRequest struct {
		ID   string   `json:"id" validate:"required"`
		Time *float64 `json:"time" validate:"required,min=0"`
	}
	VideoAddRequest struct {
		ID       string `json:"id" validate:"required"`
		VideoURL string `json:"videoUrl" validate:"required,max=2048"`
	}
	VideoSkipRequest struct {
		ID      string `json:"id" validate:"required"`
		QueueID string `json:"queueId" validate:"required"`
	}
	VideoBufferRequest struct {
		ID          string `json:"id" validate:"required"`
		IsBuffering *bool  `json:"isBuffering" validate:"required"`
	}
	ChatMessageRequest struct {
		Text string `json:"text" validate:"required,max=256"`
	}
	ChatUsernameRequest struct {
		Username string `json:"username" validate:"required,max=16"`
	}
)

type handler func(s *Service, ctx context.Context, sessionID string, payload []byte) (any, error)

func handle[Req, Resp any](fn func(*Service, context.Context, string, *Req) (Resp, error)) handler {
	return func(s *Service, ctx context.Context, sessionID string, payload []byte) (any, error) {
		var req Req
		if err := schema.Decode(payload, &req); err != nil {
			return nil, err
		}
		resp, err := fn(s, ctx, sessionID, &req)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
}

func handleNoData[Req any](fn func(*Service, context.Context, string, *Req) error) handler {
	return func(s *Service, ctx context.Context, sessionID string, payload []byte) (any, error) {
		var req Req
		if err := schema.Decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, fn(s, ctx, sessionID, &req)
	}
}

var handlers = map[string]handler{
	"room/join":          handle((*Service).Join),
	"transport/create":   handle((*Service).CreateTransport),
	"transport/connect":  handle((*Service).ConnectTransport),
	"transport/produce":  handle((*Service).Produce),
	"transport/produced": handleNoData((*Service).Produced),
	"transport/consume":  handle((*Service).Consume),
	"producer/pause":     handleNoData((*Service).PauseProducer),
	"producer/close":     handleNoData((*Service).CloseProducer),
	"mic/mute":           handleNoData((*Service).MuteMic),
	"consumer/pause":     handleNoData((*Service).PauseConsumer),
	"consumer/close":     handleNoData((*Service).CloseConsumer),
	"external/create":    handleNoData((*Service).CreateExternal),
	"external/close":     handleNoData((*Service).CloseExternal),
	"video/play":         handleNoData((*Service).Play),
	"video/pause":        handleNoData((*Service).Pause),
	"video/time":         handleNoData((*Service).SetTime),
	"video/add":          handleNoData((*Service).AddVideo),
	"video/skip":         handleNoData((*Service).Skip),
	"video/buffer":       handleNoData((*Service).Buffer),
	"chat/message":       handleNoData((*Service).Message),
	"chat/username":      handleNoData((*Service).Rename),
}

// events lists every operation name Dispatch accepts, sorted.
func events() []string {
	out := make([]string, 0, len(handlers))
	for name := range handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch decodes and validates payload for the named operation and runs
// it on behalf of the session. The returned data is nil for operations
// that reply with no data.
func (s *Service) Dispatch(ctx context.Context, sessionID, event string, payload []byte) (any, error) {
	h, ok := handlers[event]
	if !ok {
		return nil, failure.NotFound("unknown operation %s", event)
	}
	return h(s, ctx, sessionID, payload)
}
