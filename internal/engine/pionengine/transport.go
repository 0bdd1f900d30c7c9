package pionengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/zsiec/sofa/internal/engine"
)

// rembInterval is how often the bitrate cap is re-announced to the sender.
const rembInterval = time.Second

type incomingTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

// Transport is one PeerConnection. A send transport collects the remote
// tracks the client publishes; Produce claims them one at a time. A recv
// transport gains one outgoing track per consumer.
type Transport struct {
	id         string
	router     *Router
	pc         *webrtc.PeerConnection
	iceServers []string
	log        *slog.Logger
	done       chan struct{}

	// negotiate serializes offer/answer exchanges on the PeerConnection.
	negotiate sync.Mutex

	mu         sync.Mutex
	closed     bool
	incoming   []incomingTrack
	arrived    chan struct{}
	ssrcs      []uint32
	maxBitrate int
	remb       bool
	producers  map[string]*Producer
	consumers  map[string]*Consumer
}

func newTransport(id string, r *Router, pc *webrtc.PeerConnection, iceServers []string) *Transport {
	t := &Transport{
		id:         id,
		router:     r,
		pc:         pc,
		iceServers: iceServers,
		log:        r.log.With("transport", id),
		done:       make(chan struct{}),
		arrived:    make(chan struct{}),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
	}
	pc.OnTrack(t.onTrack)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.Debug("connection state", "state", s.String())
	})
	return t
}

func (t *Transport) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.incoming = append(t.incoming, incomingTrack{track: track, receiver: receiver})
	t.ssrcs = append(t.ssrcs, uint32(track.SSRC()))
	close(t.arrived)
	t.arrived = make(chan struct{})
	t.log.Debug("remote track", "id", track.ID(), "kind", track.Kind().String(), "codec", track.Codec().MimeType)
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Parameters() engine.TransportParameters {
	return engine.TransportParameters{ID: t.id, ICEServers: t.iceServers}
}

// SetMaxIncomingBitrate caps what the remote sender may send by announcing
// a receiver-estimated maximum bitrate on every incoming stream.
func (t *Transport) SetMaxIncomingBitrate(ctx context.Context, bps int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bps <= 0 {
		return fmt.Errorf("invalid bitrate %d", bps)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return engine.ErrClosed
	}
	t.maxBitrate = bps
	if !t.remb {
		t.remb = true
		go t.enforceBitrate()
	}
	return nil
}

func (t *Transport) enforceBitrate() {
	ticker := time.NewTicker(rembInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.mu.Lock()
		bps := t.maxBitrate
		ssrcs := append([]uint32(nil), t.ssrcs...)
		t.mu.Unlock()
		if len(ssrcs) == 0 {
			continue
		}
		err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.ReceiverEstimatedMaximumBitrate{
			Bitrate: float32(bps),
			SSRCs:   ssrcs,
		}})
		if err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			t.log.Debug("REMB write failed", "error", err)
		}
	}
}

// Connect applies the remote description. An offer is answered once ICE
// gathering finishes so the answer carries every candidate.
func (t *Transport) Connect(ctx context.Context, params engine.ConnectParams) (*engine.SessionDescription, error) {
	typ := webrtc.NewSDPType(params.Description.Type)
	if typ == webrtc.SDPTypeUnknown {
		return nil, fmt.Errorf("unknown description type %q", params.Description.Type)
	}
	if t.isClosed() {
		return nil, engine.ErrClosed
	}

	t.negotiate.Lock()
	defer t.negotiate.Unlock()

	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: params.Description.SDP}); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	if typ != webrtc.SDPTypeOffer {
		return nil, nil
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	return t.setLocal(ctx, answer)
}

func (t *Transport) setLocal(ctx context.Context, desc webrtc.SessionDescription) (*engine.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, engine.ErrClosed
	}
	local := t.pc.LocalDescription()
	if local == nil {
		return nil, errors.New("no local description")
	}
	return &engine.SessionDescription{Type: local.Type.String(), SDP: local.SDP}, nil
}

// Produce waits for a remote track matching opts and starts forwarding it.
// With no TrackID the oldest unclaimed track of the requested kind is used.
func (t *Transport) Produce(ctx context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	codec, ok := codecFor(t.router.codecs, opts.Kind)
	if !ok {
		return nil, fmt.Errorf("no %s codec on router", opts.Kind)
	}
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, engine.ErrClosed
		}
		if in, ok := t.claim(opts); ok {
			p := newProducer(t, in, codec)
			t.producers[p.id] = p
			t.mu.Unlock()

			t.router.addProducer(p)
			go p.forward()
			return p, nil
		}
		wait := t.arrived
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, engine.ErrClosed
		}
	}
}

// claim removes and returns the first unclaimed track matching opts.
// Callers hold t.mu.
func (t *Transport) claim(opts engine.ProducerOptions) (incomingTrack, bool) {
	for i, in := range t.incoming {
		if mediaKind(in.track.Kind()) != opts.Kind {
			continue
		}
		if opts.TrackID != "" && in.track.ID() != opts.TrackID {
			continue
		}
		t.incoming = append(t.incoming[:i], t.incoming[i+1:]...)
		return in, true
	}
	return incomingTrack{}, false
}

// Consume adds an outgoing track fed by the producer and returns the offer
// the client must answer through Connect.
func (t *Transport) Consume(ctx context.Context, opts engine.ConsumerOptions, paused bool) (engine.Consumer, error) {
	p := t.router.producer(opts.ProducerID)
	if p == nil {
		return nil, engine.ErrUnknownProducer
	}
	if t.isClosed() {
		return nil, engine.ErrClosed
	}

	t.negotiate.Lock()
	defer t.negotiate.Unlock()

	c, err := newConsumer(t, p, paused)
	if err != nil {
		return nil, err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err == nil {
		c.offer, err = t.setLocal(ctx, offer)
	}
	if err != nil {
		_ = t.pc.RemoveTrack(c.sender)
		return nil, fmt.Errorf("renegotiate: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, engine.ErrClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	p.attach(c)
	go c.readRTCP()
	return c, nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close closes the transport's producers and consumers, then the
// PeerConnection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		errs = append(errs, c.Close())
	}
	for _, p := range producers {
		errs = append(errs, p.Close())
	}
	errs = append(errs, t.pc.Close())
	t.router.removeTransport(t.id)
	return errors.Join(errs...)
}

func (t *Transport) removeProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}
