// Package broadcast wires the capture source, the connection multiplexing
// server and the health endpoint into one running process.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/deskcast/deskcast/internal/capture"
	"github.com/deskcast/deskcast/internal/config"
	"github.com/deskcast/deskcast/internal/engine"
	"github.com/deskcast/deskcast/internal/health"
	"github.com/deskcast/deskcast/internal/logging"
	"github.com/deskcast/deskcast/internal/metrics"
	"github.com/deskcast/deskcast/internal/server"
	"github.com/deskcast/deskcast/internal/token"
)

// Options override the components New builds from the configuration.
type Options struct {
	Logger *slog.Logger
	Source capture.Source

	// Registry receives the metrics. A new registry with Go and process
	// collectors is used when nil.
	Registry *prometheus.Registry
}

// Broadcaster runs the capture loop and the server ticks.
type Broadcaster struct {
	cfg          *config.Config
	logger       *slog.Logger
	registry     *prometheus.Registry
	source       capture.Source
	server       *server.Server
	healthServer *health.Server

	running     atomic.Bool
	startedAt   atomic.Int64 // unix nanoseconds
	lastFrameAt atomic.Int64 // unix nanoseconds, 0 before the first frame
}

// New builds every component and binds the UDP socket. Nothing runs until
// Run is called.
func New(cfg *config.Config, opts Options) (*Broadcaster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	eng, err := engine.New(cfg.EngineConfig())
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	tokens, err := token.New(cfg.TokenConfig())
	if err != nil {
		return nil, fmt.Errorf("retry tokens: %w", err)
	}

	source := opts.Source
	if source == nil {
		source, err = capture.New(cfg.CaptureConfig())
		if err != nil {
			return nil, fmt.Errorf("capture: %w", err)
		}
	}

	sock, err := server.ListenUDP(server.SocketConfig{
		Listen: cfg.Server.Listen,
		Buffer: cfg.Server.SocketBuffer,
		DSCP:   cfg.Server.DSCP,
	})
	if err != nil {
		source.Close()
		return nil, err
	}

	srv, err := server.New(cfg.ServerConfig(), eng, sock, server.Options{
		Tokens:  tokens,
		Metrics: metrics.NewMetricsWithRegistry(reg),
		Logger:  logger,
	})
	if err != nil {
		sock.Close()
		source.Close()
		return nil, err
	}

	b := &Broadcaster{
		cfg:      cfg,
		logger:   logger.With(slog.String(logging.KeyComponent, "broadcast")),
		registry: reg,
		source:   source,
		server:   srv,
	}

	if cfg.Health.Enabled {
		b.healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			StallAfter:   cfg.Health.StallAfter,
			Pprof:        cfg.Health.Pprof,
			Gatherer:     reg,
		}, b)
	}

	return b, nil
}

// Run ticks the server until ctx is cancelled or the socket fails, then
// shuts the server down. The health server, when enabled, runs alongside.
func (b *Broadcaster) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("broadcast already running")
	}
	started := time.Now()
	b.startedAt.Store(started.UnixNano())

	b.logger.Info("broadcast started",
		logging.KeyLocalAddr, b.server.LocalAddr().String(),
		logging.KeyPath, b.cfg.Stream.Path,
		logging.KeySource, b.cfg.Capture.Source,
		logging.KeyFPS, b.cfg.Capture.FPS)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.loop(ctx)
	})
	if b.healthServer != nil {
		g.Go(func() error {
			if err := b.healthServer.Run(ctx); err != nil {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
	}

	err := g.Wait()
	b.running.Store(false)

	errs := []error{err, b.server.Shutdown(), b.source.Close()}
	st := b.server.Stats()
	b.logger.Info("broadcast stopped",
		logging.KeyDuration, time.Since(started).Round(time.Millisecond),
		logging.KeyCreated, st.SessionsCreated,
		logging.Bytes("sent", st.BytesSent))
	return errors.Join(errs...)
}

// loop is the single goroutine that owns the socket and the sessions.
func (b *Broadcaster) loop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Capture.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			frame, err := b.source.Next(now)
			if err != nil {
				return fmt.Errorf("capture: %w", err)
			}
			if frame != nil {
				b.lastFrameAt.Store(now.UnixNano())
			}
			if err := b.server.Tick(frame); err != nil {
				return err
			}
		}
	}
}

// LocalAddr returns the bound UDP address.
func (b *Broadcaster) LocalAddr() netip.AddrPort {
	return b.server.LocalAddr()
}

// Registry returns the metrics registry.
func (b *Broadcaster) Registry() *prometheus.Registry {
	return b.registry
}

// IsRunning implements health.StatsProvider.
func (b *Broadcaster) IsRunning() bool {
	return b.running.Load()
}

// Stats implements health.StatsProvider.
func (b *Broadcaster) Stats() health.Stats {
	st := b.server.Stats()
	return health.Stats{
		ListenAddr:        b.server.LocalAddr().String(),
		Sessions:          st.Sessions,
		SessionsCreated:   st.SessionsCreated,
		RetriesSent:       st.RetriesSent,
		TokensRejected:    st.TokensRejected,
		DatagramsReceived: st.DatagramsReceived,
		DatagramsDropped:  st.DatagramsDropped,
		PacketsSent:       st.PacketsSent,
		BytesReceived:     st.BytesReceived,
		BytesSent:         st.BytesSent,
		FramesDelivered:   st.FramesDelivered,
		FramesDropped:     st.FramesDropped,
		LastFrame:         st.LastFrame,
		Ticks:             st.Ticks,
		StartedAt:         unixNano(b.startedAt.Load()),
		LastFrameAt:       unixNano(b.lastFrameAt.Load()),
	}
}

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

var _ health.StatsProvider = (*Broadcaster)(nil)
