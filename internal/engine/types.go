package engine

import "strings"

// MediaKind is the kind of a track.
type MediaKind string

// Media kinds.
const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// RTCPFeedback is one feedback mechanism a codec supports.
type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// Codec describes one codec profile a router accepts.
type Codec struct {
	Kind         MediaKind      `json:"kind"`
	MimeType     string         `json:"mimeType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	PayloadType  uint8          `json:"preferredPayloadType,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

// RTPCapabilities is the set of codecs a router or peer can handle.
type RTPCapabilities struct {
	Codecs []Codec `json:"codecs"`
}

// Supports reports whether caps lists a codec with the same mime type and
// clock rate as c. Mime types compare case-insensitively.
func (caps RTPCapabilities) Supports(c Codec) bool {
	for _, have := range caps.Codecs {
		if strings.EqualFold(have.MimeType, c.MimeType) && have.ClockRate == c.ClockRate {
			return true
		}
	}
	return false
}

// DefaultCodecs is the fixed codec set every router is created with: one
// audio profile and one video profile with the standard congestion-control
// feedback types.
func DefaultCodecs() []Codec {
	return []Codec{
		{
			Kind:        KindAudio,
			MimeType:    "audio/opus",
			ClockRate:   48000,
			Channels:    2,
			PayloadType: 111,
		},
		{
			Kind:        KindVideo,
			MimeType:    "video/VP8",
			ClockRate:   90000,
			PayloadType: 96,
			RTCPFeedback: []RTCPFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
				{Type: "ccm", Parameter: "fir"},
				{Type: "goog-remb"},
				{Type: "transport-cc"},
			},
		},
	}
}

// TransportOptions configures transport allocation.
type TransportOptions struct {
	ListenIP    string
	AnnouncedIP string
	EnableUDP   bool
	EnableTCP   bool
	PreferUDP   bool
}

// DefaultTransportOptions allows both UDP and TCP, prefers UDP and listens
// on the wildcard address.
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		ListenIP:  "0.0.0.0",
		EnableUDP: true,
		EnableTCP: true,
		PreferUDP: true,
	}
}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// TransportParameters is what a client needs to set up its side of a
// transport.
type TransportParameters struct {
	ID         string   `json:"id"`
	ICEServers []string `json:"iceServers,omitempty"`
}

// ConnectParams carries the peer's negotiation parameters.
type ConnectParams struct {
	Description SessionDescription `json:"description"`
}

// ProducerOptions identifies the incoming track to publish.
type ProducerOptions struct {
	Kind    MediaKind `json:"kind"`
	TrackID string    `json:"trackId,omitempty"`
}

// ConsumerOptions selects a producer and declares the consuming peer's
// capabilities.
type ConsumerOptions struct {
	ProducerID      string          `json:"producerId"`
	RTPCapabilities RTPCapabilities `json:"rtpCapabilities"`
}

// ConsumerParameters is returned to the consuming client. Offer is set when
// the engine needs the client to renegotiate to receive the track.
type ConsumerParameters struct {
	ID         string              `json:"id"`
	ProducerID string              `json:"producerId"`
	Kind       MediaKind           `json:"kind"`
	Codec      Codec               `json:"codec"`
	Offer      *SessionDescription `json:"offer,omitempty"`
}
