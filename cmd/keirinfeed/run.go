package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keirinlab/keirinfeed/internal/config"
	"github.com/keirinlab/keirinfeed/internal/domain"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/breaker"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/cache"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/db"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/httpclient"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/ratelimit"
	"github.com/keirinlab/keirinfeed/internal/metrics"
	"github.com/keirinlab/keirinfeed/internal/ops"
	"github.com/keirinlab/keirinfeed/internal/pipeline"
	"github.com/keirinlab/keirinfeed/internal/providers/winticket"
	"github.com/keirinlab/keirinfeed/internal/providers/yenjoy"
	"github.com/keirinlab/keirinfeed/internal/scheduler"
)

const dateLayout = "2006-01-02"

// run dispatches one mode. SIGINT/SIGTERM cancel the run context; stages
// honor the cancellation between items and return partial counts.
func run(parent context.Context, f *flags) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.maxWorkers > 0 {
		cfg.Performance.MaxWorkers = f.maxWorkers
	}

	metrics.Initialize()

	pool, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	gateway := db.NewGateway(pool, cfg.Database.QueryTimeout(), cfg.Performance.SaverBatchSize, metrics.Default)

	if f.mode == "setup" {
		return db.Setup(ctx, gateway)
	}

	coord := buildPipeline(cfg, gateway)

	switch f.mode {
	case "check_update":
		start, end := scheduler.CheckUpdateWindow(time.Now())
		return runWindow(ctx, coord, f, start, end)

	case "period":
		start, end, err := parseWindow(f.startDate, f.endDate)
		if err != nil {
			return err
		}
		return runWindow(ctx, coord, f, start, end)

	case "schedule":
		return runScheduler(ctx, cfg, gateway, coord)

	default:
		return fmt.Errorf("unknown mode %q", f.mode)
	}
}

// buildPipeline wires the shared pacing, breaker, provider and cache layers
// into the five-stage coordinator.
func buildPipeline(cfg config.Config, gateway *db.Gateway) *pipeline.Coordinator {
	pacer := ratelimit.NewPacer(map[ratelimit.Class]time.Duration{
		ratelimit.ClassWinticket:  secondsOf(cfg.Performance.RateLimitWinticket),
		ratelimit.ClassYenjoyHTML: secondsOf(cfg.Performance.RateLimitYenjoyHTML),
		ratelimit.ClassYenjoyAPI:  secondsOf(cfg.Performance.RateLimitYenjoyAPI),
	}, 0.1)

	deps := httpclient.Deps{
		Pacer:    pacer,
		Hosts:    ratelimit.NewHostLimiter(5, 2),
		Backoff:  ratelimit.NewBackoff(cfg.API.RetryDelay(), time.Minute),
		Breakers: breaker.NewManager(breaker.DefaultSettings()),
		Metrics:  metrics.Default,
	}

	wtConfig := httpclient.DefaultConfig(winticket.Host)
	wtConfig.MaxRetries = cfg.API.RetryCount
	wtConfig.BackoffBase = cfg.API.RetryDelaySec
	wtConfig.RequestTimeout = cfg.API.RequestTimeout()
	wtConfig.Headers = map[string]string{
		"Accept":  "application/json",
		"Referer": "https://www.winticket.jp/",
		"Origin":  "https://www.winticket.jp",
	}

	yjConfig := httpclient.DefaultConfig(yenjoy.Host)
	yjConfig.MaxRetries = cfg.API.RetryCount
	yjConfig.BackoffBase = cfg.API.RetryDelaySec
	yjConfig.RequestTimeout = cfg.API.RequestTimeout()
	yjConfig.Headers = map[string]string{
		"Accept":  "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Referer": "https://www.yen-joy.net/",
	}

	return pipeline.New(pipeline.Deps{
		Gateway:      gateway,
		Winticket:    winticket.New(httpclient.New(wtConfig, deps), ""),
		Yenjoy:       yenjoy.New(httpclient.New(yjConfig, deps), ""),
		Venues:       yenjoy.NewResolver(cfg.VenueOverrides),
		Cache:        cache.New(cfg.Redis),
		CacheTTL:     cfg.Redis.TTL(),
		Workers:      cfg.Performance.MaxWorkers,
		Step3Workers: cfg.Performance.Step3MaxWorkers,
		Metrics:      metrics.Default,
	})
}

// runWindow executes one window and maps the report to the exit code
// contract: any stage failure is a non-zero exit.
func runWindow(ctx context.Context, coord *pipeline.Coordinator, f *flags, start, end time.Time) error {
	steps := make([]domain.Step, 0, 5)
	for i, enabled := range f.steps {
		if enabled == 1 {
			steps = append(steps, domain.Step(i+1))
		}
	}

	report, err := coord.Run(ctx, pipeline.RunParams{
		Start:      start,
		End:        end,
		Steps:      steps,
		CupID:      f.cupID,
		Force:      f.force == 1,
		DryRun:     f.dryRun == 1,
		VenueCodes: f.venueCodes,
	})
	if err != nil {
		return err
	}

	for _, res := range report.Results {
		fmt.Printf("%s: ok=%v count=%d %s\n", res.Step, res.OK, res.Count, res.Message)
	}
	if !report.TotalOK() {
		return fmt.Errorf("run %s finished with failures", report.RunID)
	}
	return nil
}

// runScheduler stays resident: wall-clock triggers fire incremental runs
// until the process is signalled. The ops listener serves /health and
// /metrics when configured.
func runScheduler(ctx context.Context, cfg config.Config, gateway *db.Gateway, coord *pipeline.Coordinator) error {
	triggers, err := cfg.Schedule.Triggers()
	if err != nil {
		return err
	}
	if len(triggers) == 0 {
		return fmt.Errorf("schedule mode needs at least one trigger in schedule_list")
	}

	var opsServer *ops.Server
	if cfg.Ops.ListenAddr != "" {
		opsServer = ops.NewServer(cfg.Ops.ListenAddr, gateway, metrics.Default.Handler())
		go func() {
			if err := opsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ops listener failed")
			}
		}()
	}

	sched := scheduler.New(coord, triggers, metrics.Default)
	sched.Start(ctx)

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	sched.Stop()

	if opsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Ops listener shutdown failed")
		}
	}
	return nil
}

func parseWindow(startDate, endDate string) (time.Time, time.Time, error) {
	if startDate == "" || endDate == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("period mode needs --start-date and --end-date")
	}
	start, err := time.ParseInLocation(dateLayout, startDate, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --start-date: %w", err)
	}
	end, err := time.ParseInLocation(dateLayout, endDate, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --end-date: %w", err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--end-date %s precedes --start-date %s", endDate, startDate)
	}
	return start, end, nil
}

func secondsOf(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
