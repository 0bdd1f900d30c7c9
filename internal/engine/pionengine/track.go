package pionengine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/zsiec/sofa/internal/engine"
)

// Producer forwards one remote track to every attached consumer.
type Producer struct {
	id        string
	kind      engine.MediaKind
	codec     engine.Codec
	transport *Transport
	track     *webrtc.TrackRemote
	receiver  *webrtc.RTPReceiver

	paused atomic.Bool
	closed atomic.Bool

	mu        sync.RWMutex
	consumers map[string]*Consumer
}

func newProducer(t *Transport, in incomingTrack, codec engine.Codec) *Producer {
	return &Producer{
		id:        uuid.NewString(),
		kind:      mediaKind(in.track.Kind()),
		codec:     codec,
		transport: t,
		track:     in.track,
		receiver:  in.receiver,
		consumers: make(map[string]*Consumer),
	}
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() engine.MediaKind { return p.kind }
func (p *Producer) Paused() bool           { return p.paused.Load() }

func (p *Producer) Pause() error {
	if p.closed.Load() {
		return engine.ErrClosed
	}
	p.paused.Store(true)
	return nil
}

// Resume restarts forwarding and asks the sender for a keyframe so that
// consumers do not wait for the next scheduled one.
func (p *Producer) Resume() error {
	if p.closed.Load() {
		return engine.ErrClosed
	}
	p.paused.Store(false)
	p.requestKeyframe()
	return nil
}

func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.transport.router.removeProducer(p.id)
	p.transport.removeProducer(p.id)
	if err := p.receiver.Stop(); err != nil {
		return fmt.Errorf("stop receiver: %w", err)
	}
	return nil
}

func (p *Producer) forward() {
	for {
		pkt, _, err := p.track.ReadRTP()
		if err != nil {
			return
		}
		if p.paused.Load() {
			continue
		}
		p.mu.RLock()
		for _, c := range p.consumers {
			c.write(pkt)
		}
		p.mu.RUnlock()
	}
}

func (p *Producer) requestKeyframe() {
	if p.kind != engine.KindVideo || p.closed.Load() {
		return
	}
	err := p.transport.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(p.track.SSRC())},
	})
	if err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		p.transport.log.Debug("PLI write failed", "producer", p.id, "error", err)
	}
}

func (p *Producer) attach(c *Consumer) {
	p.mu.Lock()
	p.consumers[c.id] = c
	p.mu.Unlock()
}

func (p *Producer) detach(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

// Consumer is an outgoing track on a recv transport fed by one producer.
type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	local     *webrtc.TrackLocalStaticRTP
	sender    *webrtc.RTPSender
	offer     *engine.SessionDescription

	paused atomic.Bool
	closed atomic.Bool
}

func newConsumer(t *Transport, p *Producer, paused bool) (*Consumer, error) {
	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(p.track.Codec().RTPCodecCapability, id, p.id)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	c := &Consumer{
		id:        id,
		producer:  p,
		transport: t,
		local:     local,
		sender:    sender,
	}
	c.paused.Store(paused)
	return c, nil
}

func (c *Consumer) ID() string             { return c.id }
func (c *Consumer) ProducerID() string     { return c.producer.id }
func (c *Consumer) Kind() engine.MediaKind { return c.producer.kind }
func (c *Consumer) Paused() bool           { return c.paused.Load() }

func (c *Consumer) Parameters() engine.ConsumerParameters {
	return engine.ConsumerParameters{
		ID:         c.id,
		ProducerID: c.producer.id,
		Kind:       c.producer.kind,
		Codec:      c.producer.codec,
		Offer:      c.offer,
	}
}

func (c *Consumer) Pause() error {
	if c.closed.Load() {
		return engine.ErrClosed
	}
	c.paused.Store(true)
	return nil
}

// Resume starts delivery and requests a keyframe from the publisher.
func (c *Consumer) Resume() error {
	if c.closed.Load() {
		return engine.ErrClosed
	}
	c.paused.Store(false)
	c.producer.requestKeyframe()
	return nil
}

func (c *Consumer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.producer.detach(c.id)
	c.transport.removeConsumer(c.id)
	err := c.transport.pc.RemoveTrack(c.sender)
	if err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return fmt.Errorf("remove track: %w", err)
	}
	return nil
}

func (c *Consumer) write(pkt *rtp.Packet) {
	if c.paused.Load() {
		return
	}
	// Writes fail until the client has answered; those packets are dropped.
	_ = c.local.WriteRTP(pkt)
}

// readRTCP relays keyframe requests from the subscriber to the publisher.
func (c *Consumer) readRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyframe()
			}
		}
	}
}
