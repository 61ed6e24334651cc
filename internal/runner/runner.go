// Package runner wires the caches, the gateway, the executor and the virtual
// users of one run, and tears them down afterwards.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/volley/internal/cache"
	"github.com/wesleyorama2/volley/internal/engine"
	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/output"
	"github.com/wesleyorama2/volley/internal/protocol"
	"github.com/wesleyorama2/volley/internal/scenario"
	"github.com/wesleyorama2/volley/internal/stats"
	"github.com/wesleyorama2/volley/internal/transport"
	"github.com/wesleyorama2/volley/internal/user"
)

// Load is the injection profile of a run: a closed population of users.
type Load struct {
	Users int
	// Iterations per user; 0 means loop until Duration elapses.
	Iterations int
	// Duration bounds the whole run; 0 means no bound.
	Duration time.Duration
	// RampUp spreads user starts evenly over this period.
	RampUp time.Duration
	// Pacing is the pause between two iterations of a user.
	Pacing time.Duration
	// GracefulStop is how long running users get to finish once the run ends.
	GracefulStop time.Duration
}

// Config is everything a run needs.
type Config struct {
	Name     string
	Protocol *protocol.Protocol
	Scenario *scenario.Scenario
	Load     Load

	// MetricsAddr serves Prometheus metrics while the run is going on.
	MetricsAddr string

	// Progress receives a status line every ProgressInterval when set.
	Progress         io.Writer
	ProgressInterval time.Duration
	ColorScheme      *output.ColorScheme

	// Sinks receive every statistics event in addition to the metrics engine.
	Sinks []stats.Sink

	Logger zerolog.Logger
	Clock  clock.Clock
}

// Result is the outcome of a run.
type Result struct {
	RunID    string
	Metrics  *metrics.Engine
	Snapshot *metrics.Snapshot
	Cache    cache.Stats
	// Incomplete is set when some users did not stop within the graceful
	// stop period.
	Incomplete bool
}

// Summary renders the end-of-run view.
func (r *Result) Summary(title string) *output.Summary {
	return output.NewSummary(title, r.Metrics)
}

func (c *Config) validate() error {
	if c.Protocol == nil {
		return errors.New("runner: protocol is required")
	}
	if c.Scenario == nil || len(c.Scenario.Steps) == 0 {
		return errors.New("runner: scenario has no steps")
	}
	if c.Load.Users < 1 {
		return fmt.Errorf("runner: users must be at least 1, got %d", c.Load.Users)
	}
	if c.Load.Iterations == 0 && c.Load.Duration == 0 {
		return errors.New("runner: either iterations or duration is required")
	}
	return nil
}

// Run executes cfg until every user is done, the duration elapses or ctx is
// cancelled.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := cfg.Logger
	load := cfg.Load
	if load.GracefulStop <= 0 {
		load.GracefulStop = 30 * time.Second
	}

	caches := NewCaches(cfg.Protocol)
	defer caches.Close()

	gw, err := transport.NewHTTPGateway(GatewayOptions(cfg.Protocol, caches, log))
	if err != nil {
		return nil, fmt.Errorf("creating gateway: %w", err)
	}
	defer gw.Close()

	mcfg := metrics.DefaultConfig()
	mcfg.Clock = clk
	engineMetrics := metrics.NewEngineWithConfig(mcfg)
	defer engineMetrics.Stop()
	collector := metrics.NewCollector()

	sink := append(stats.Fanout{engineMetrics, collector}, cfg.Sinks...)
	exec := engine.NewExecutor(cfg.Protocol, gw, sink,
		engine.WithClock(clk),
		engine.WithLogger(log),
	)

	sched := user.NewScheduler(cfg.Scenario, exec, user.Options{
		UserKey: cfg.Protocol.UserKey,
		OnExit: func(key string) {
			caches.EvictUser(key)
			gw.ReleaseUser(key)
		},
		Gauges: []user.Gauge{engineMetrics, collector},
		Clock:  clk,
		Logger: log,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if load.Duration > 0 {
		runCtx, cancel = clk.WithTimeout(runCtx, load.Duration)
		defer cancel()
	}

	log.Info().
		Str("run", exec.RunID()).
		Str("simulation", cfg.Name).
		Int("users", load.Users).
		Int("iterations", load.Iterations).
		Dur("duration", load.Duration).
		Msg("Run started")

	aux, auxCtx := errgroup.WithContext(runCtx)
	if cfg.MetricsAddr != "" {
		if err := serveMetrics(auxCtx, aux, cfg.MetricsAddr, collector, log); err != nil {
			return nil, err
		}
	}
	if cfg.Progress != nil {
		p := output.NewProgress(cfg.Progress, engineMetrics, cfg.ProgressInterval, clk, cfg.ColorScheme)
		aux.Go(func() error {
			p.Run(auxCtx)
			return nil
		})
	}

	users, usersCtx := errgroup.WithContext(runCtx)
	for i := 0; i < load.Users; i++ {
		delay := rampDelay(i, load.Users, load.RampUp)
		vu := sched.SpawnUser()
		users.Go(func() error {
			if delay > 0 {
				t := clk.Timer(delay)
				select {
				case <-usersCtx.Done():
					t.Stop()
					return nil
				case <-t.C:
				}
			}
			sched.RunUser(usersCtx, vu, load.Iterations, load.Pacing)
			return nil
		})
	}

	usersDone := make(chan struct{})
	go func() {
		_ = users.Wait()
		close(usersDone)
	}()

	incomplete := false
	select {
	case <-usersDone:
	case <-runCtx.Done():
		incomplete = !sched.Shutdown(load.GracefulStop)
		<-usersDone
	}

	cancel()
	if err := aux.Wait(); err != nil {
		log.Warn().Err(err).Msg("Auxiliary task failed")
	}

	res := &Result{
		RunID:      exec.RunID(),
		Metrics:    engineMetrics,
		Snapshot:   engineMetrics.Snapshot(),
		Cache:      caches.Stats(),
		Incomplete: incomplete,
	}
	log.Info().
		Str("run", res.RunID).
		Int64("requests", res.Snapshot.TotalRequests).
		Int64("ko", res.Snapshot.KORequests).
		Msg("Run finished")
	return res, nil
}

// rampDelay returns the start offset of the i-th of n users.
func rampDelay(i, n int, rampUp time.Duration) time.Duration {
	if rampUp <= 0 || n <= 1 {
		return 0
	}
	return time.Duration(int64(rampUp) * int64(i) / int64(n))
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, c *metrics.Collector, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	log.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
	return nil
}
