package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/sofa/internal/api"
	"github.com/zsiec/sofa/internal/certs"
	"github.com/zsiec/sofa/internal/conference"
	"github.com/zsiec/sofa/internal/config"
	"github.com/zsiec/sofa/internal/engine/pionengine"
	"github.com/zsiec/sofa/internal/hub"
	"github.com/zsiec/sofa/internal/room"
	"github.com/zsiec/sofa/internal/track"
	"github.com/zsiec/sofa/internal/transport"
	"github.com/zsiec/sofa/internal/videometa"
	"github.com/zsiec/sofa/internal/worker"
)

var version = "dev"

// CLI is the command line. Every override can also come from the
// environment.
type CLI struct {
	Config  string `help:"Path to a TOML config file." type:"path" env:"SOFA_CONFIG"`
	Version bool   `help:"Print the version and exit."`
	Debug   bool   `help:"Log at debug level." env:"DEBUG"`

	config.Overrides `embed:""`
}

func parserOptions() []kong.Option {
	return []kong.Option{
		kong.Name("sofa"),
		kong.Description("Conferencing and watch-party server."),
		kong.UsageOnError(),
	}
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, parserOptions()...)
	if cli.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(cli.Config, cli.Overrides)
	kctx.FatalIfErrorf(err)

	if err := run(cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	cert, err := certs.Resolve(cfg.Server.CertFile, cfg.Server.KeyFile, cfg.Engine.AnnouncedIP)
	if err != nil {
		return fmt.Errorf("certificate: %w", err)
	}
	slog.Info("certificate ready",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
		"self_signed", cert.SelfSigned,
	)

	eng, err := pionengine.New(pionengine.Config{
		MinPort:     cfg.Engine.RTCMinPort,
		MaxPort:     cfg.Engine.RTCMaxPort,
		TCPPort:     cfg.Engine.TCPPort,
		AnnouncedIP: cfg.Engine.AnnouncedIP,
		ICEServers:  cfg.Engine.ICEServers,
	})
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}
	defer eng.Close()

	size := cfg.Engine.Workers
	if size <= 0 || cfg.Engine.Dev {
		size = worker.PoolSize(cfg.Engine.Dev)
	}
	pool, err := worker.NewPool(ctx, eng, size, nil)
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	defer pool.Close()

	timeout := cfg.Engine.CallTimeout.Duration
	rooms := room.NewRegistry(pool, timeout, nil)
	defer rooms.CloseAll()

	producers, consumers := track.NewProducers(nil), track.NewConsumers(nil)
	sockets := hub.New(nil)
	svc := conference.New(conference.Deps{
		Rooms:       rooms,
		Transports:  transport.NewManager(producers, consumers, timeout, nil),
		Producers:   producers,
		Consumers:   consumers,
		Resolver:    videometa.NewResolver(videometa.Config{YouTubeAPIKey: cfg.YouTubeAPIKey}),
		Broadcaster: sockets,
		Limits:      cfg.Rooms,
	})
	sockets.SetService(svc)

	srv, err := api.NewServer(api.ServerConfig{
		Addr:    cfg.Server.Addr,
		WebDir:  cfg.Server.WebDir,
		Cert:    cert,
		Service: svc,
		Sockets: sockets,
	})
	if err != nil {
		return err
	}

	slog.Info("sofa starting",
		"version", version,
		"addr", cfg.Server.Addr,
		"workers", pool.Size(),
		"rtc_ports", fmt.Sprintf("%d-%d", cfg.Engine.RTCMinPort, cfg.Engine.RTCMaxPort),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		sockets.Close()
		slog.Info("sessions closed", "dropped_broadcasts", sockets.Dropped())
		return nil
	})
	return g.Wait()
}
