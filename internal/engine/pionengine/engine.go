// Package pionengine implements the media engine capability on top of
// pion/webrtc. A worker is a shared ICE configuration, a router is a codec
// set plus the producers published into it, and every transport is one
// PeerConnection.
package pionengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/zsiec/sofa/internal/engine"
)

// Config controls ICE behaviour shared by every worker.
type Config struct {
	// MinPort and MaxPort bound the UDP ports used for ICE candidates.
	// Zero leaves the range to the operating system.
	MinPort, MaxPort uint16
	// TCPPort enables a single ICE-TCP listener shared by all transports.
	TCPPort int
	// AnnouncedIP replaces host candidate addresses for transports that do
	// not set their own, for servers behind 1:1 NAT.
	AnnouncedIP string
	// ICEServers are STUN/TURN URLs advertised to clients.
	ICEServers []string
	Logger     *slog.Logger
}

// Engine creates pion-backed workers.
type Engine struct {
	cfg     Config
	log     *slog.Logger
	loggers logging.LoggerFactory

	tcpListener net.Listener
	tcpMux      ice.TCPMux
}

// New validates cfg and opens the ICE-TCP listener when one is configured.
func New(cfg Config) (*Engine, error) {
	if cfg.MinPort > cfg.MaxPort {
		return nil, fmt.Errorf("invalid RTC port range %d-%d", cfg.MinPort, cfg.MaxPort)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:     cfg,
		log:     log.With("component", "engine"),
		loggers: newLoggerFactory(log.With("component", "pion")),
	}
	if cfg.TCPPort > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.TCPPort))
		if err != nil {
			return nil, fmt.Errorf("listen ICE-TCP: %w", err)
		}
		e.tcpListener = ln
		e.tcpMux = webrtc.NewICETCPMux(e.loggers.NewLogger("ice-tcp"), ln, 8)
		e.log.Info("ICE-TCP listening", "port", cfg.TCPPort)
	}
	return e, nil
}

// Close releases the shared ICE-TCP listener.
func (e *Engine) Close() error {
	if e.tcpMux != nil {
		return e.tcpMux.Close()
	}
	return nil
}

// CreateWorker implements engine.Engine.
func (e *Engine) CreateWorker(ctx context.Context) (engine.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &Worker{
		id:      uuid.NewString(),
		eng:     e,
		routers: make(map[string]*Router),
	}
	e.log.Debug("worker created", "worker", w.id)
	return w, nil
}

// settings builds the SettingEngine for one transport.
func (e *Engine) settings(opts engine.TransportOptions) (webrtc.SettingEngine, error) {
	se := webrtc.SettingEngine{LoggerFactory: e.loggers}
	if e.cfg.MaxPort > 0 {
		if err := se.SetEphemeralUDPPortRange(e.cfg.MinPort, e.cfg.MaxPort); err != nil {
			return se, fmt.Errorf("set port range: %w", err)
		}
	}

	var networks []webrtc.NetworkType
	if opts.EnableUDP {
		networks = append(networks, webrtc.NetworkTypeUDP4)
	}
	if opts.EnableTCP && e.tcpMux != nil {
		networks = append(networks, webrtc.NetworkTypeTCP4)
		se.SetICETCPMux(e.tcpMux)
	}
	if len(networks) == 0 {
		return se, errors.New("no network types enabled")
	}
	se.SetNetworkTypes(networks)

	announced := opts.AnnouncedIP
	if announced == "" {
		announced = e.cfg.AnnouncedIP
	}
	if announced != "" {
		se.SetNAT1To1IPs([]string{announced}, webrtc.ICECandidateTypeHost)
	}
	if ip := net.ParseIP(opts.ListenIP); ip != nil && !ip.IsUnspecified() {
		se.SetIPFilter(func(candidate net.IP) bool { return candidate.Equal(ip) })
	}
	return se, nil
}

func (e *Engine) iceServers() []webrtc.ICEServer {
	if len(e.cfg.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: e.cfg.ICEServers}}
}

// Worker groups the routers placed on it.
type Worker struct {
	id  string
	eng *Engine

	mu      sync.Mutex
	closed  bool
	routers map[string]*Router
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) CreateRouter(ctx context.Context, codecs []engine.Codec) (engine.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Fail fast on a codec set pion would reject at transport time.
	if _, err := newMediaEngine(codecs); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, engine.ErrClosed
	}
	r := &Router{
		id:         uuid.NewString(),
		worker:     w,
		codecs:     codecs,
		producers:  make(map[string]*Producer),
		transports: make(map[string]*Transport),
		log:        w.eng.log.With("worker", w.id),
	}
	w.routers[r.id] = r
	return r, nil
}

func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	var errs []error
	for _, r := range routers {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}

func (w *Worker) forget(routerID string) {
	w.mu.Lock()
	delete(w.routers, routerID)
	w.mu.Unlock()
}
