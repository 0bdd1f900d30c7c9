package pionengine

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/zsiec/sofa/internal/engine"
)

func codecType(kind engine.MediaKind) webrtc.RTPCodecType {
	if kind == engine.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func mediaKind(t webrtc.RTPCodecType) engine.MediaKind {
	if t == webrtc.RTPCodecTypeAudio {
		return engine.KindAudio
	}
	return engine.KindVideo
}

func codecParameters(c engine.Codec) webrtc.RTPCodecParameters {
	fb := make([]webrtc.RTCPFeedback, 0, len(c.RTCPFeedback))
	for _, f := range c.RTCPFeedback {
		fb = append(fb, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			RTCPFeedback: fb,
		},
		PayloadType: webrtc.PayloadType(c.PayloadType),
	}
}

// newMediaEngine registers exactly the router's codec set, so negotiation
// can never settle on a codec the room does not forward.
func newMediaEngine(codecs []engine.Codec) (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range codecs {
		if err := m.RegisterCodec(codecParameters(c), codecType(c.Kind)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	return m, nil
}

func codecFor(codecs []engine.Codec, kind engine.MediaKind) (engine.Codec, bool) {
	for _, c := range codecs {
		if c.Kind == kind {
			return c, true
		}
	}
	return engine.Codec{}, false
}
