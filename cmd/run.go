package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/api"
	"github.com/pagesift/pagesift/internal/config"
	"github.com/pagesift/pagesift/internal/detect"
	"github.com/pagesift/pagesift/internal/fetch/asynchttp"
	"github.com/pagesift/pagesift/internal/fetch/browser"
	"github.com/pagesift/pagesift/internal/fetch/identity"
	"github.com/pagesift/pagesift/internal/fetch/plain"
	"github.com/pagesift/pagesift/internal/logging"
	"github.com/pagesift/pagesift/internal/manager"
	"github.com/pagesift/pagesift/internal/metrics"
	"github.com/pagesift/pagesift/internal/monitor"
	"github.com/pagesift/pagesift/internal/pipeline"
	"github.com/pagesift/pagesift/internal/queue/memory"
	"github.com/pagesift/pagesift/internal/robots"
	"github.com/pagesift/pagesift/internal/scrape"
	"github.com/pagesift/pagesift/internal/sink"
	"github.com/pagesift/pagesift/internal/store/postgres"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [url...]",
		Short: "Run a scrape session",
		Long: `Runs one scrape session over the seed URLs from the config file plus any
given as arguments. Without link forwarding the session ends when every
seed has been resolved; with it, the session runs until interrupted.`,
		RunE: runSession,
	}
	return cmd
}

// deferredGate breaks the construction cycle between the escalation engine
// and the manager that serves as its gate.
type deferredGate struct {
	mgr *manager.Manager
}

func (g *deferredGate) Checkpoint(ctx context.Context, next scrape.Tier) error {
	if g.mgr == nil {
		return nil
	}
	return g.mgr.Checkpoint(ctx, next)
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := cfg.Session.Name
	if session == "" {
		session = uuid.NewString()
	}

	seeds := append(append([]string(nil), cfg.Session.Seeds...), args...)
	if len(seeds) == 0 {
		return errors.New("no seed URLs: provide session.seeds in config or as arguments")
	}

	mon := monitor.New(monitor.Config{
		MaxMemoryPercent: cfg.Resources.MaxMemoryPercent,
		MaxTempC:         cfg.Resources.MaxTempC,
		ElevatedMargin:   cfg.Resources.ElevatedMargin,
		Interval:         time.Duration(cfg.Resources.SampleSecs) * time.Second,
	}, logger.Named("monitor"))
	go mon.Run(ctx)

	detector := detect.New(
		cfg.Detector.MinBodyBytes,
		cfg.Detector.ScriptDensityPct,
		cfg.Detector.BodyLengthThreshold,
	)
	var agents []string
	if cfg.Fetch.UserAgent != "" {
		agents = []string{cfg.Fetch.UserAgent}
	}
	rotator := identity.NewRotator(agents)
	limiter := identity.NewLimiter(identity.LimiterConfig{
		DefaultRPS:   cfg.Fetch.DomainRPS,
		DefaultBurst: cfg.Fetch.DomainBurst,
	})
	robotsPolicy := robots.NewEnforcer(cfg.Fetch.RespectRobots, rotator.UserAgent(), logger.Named("robots"))

	strategies := []scrape.Strategy{
		plain.New(plain.Config{
			Timeout: time.Duration(cfg.Fetch.PlainTimeoutSecs) * time.Second,
		}, rotator, limiter, robotsPolicy, detector, logger.Named("plain")),
		asynchttp.New(asynchttp.Config{
			Timeout: time.Duration(cfg.Fetch.AsyncTimeoutSecs) * time.Second,
		}, rotator, limiter, detector, logger.Named("async")),
	}
	if cfg.Browser.Enabled {
		br, berr := browser.New(browser.Config{
			MaxParallel:       cfg.Browser.MaxParallel,
			NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutSecs) * time.Second,
			SettleDelay:       time.Duration(cfg.Browser.SettleDelayMs) * time.Millisecond,
			GracePeriod:       time.Duration(cfg.Browser.GracePeriodSecs) * time.Second,
		}, rotator, limiter, detector, logger.Named("browser"))
		if berr != nil {
			return fmt.Errorf("init browser tier: %w", berr)
		}
		defer br.Close()
		strategies = append(strategies, br)
	}

	backoffBase, backoffMax := cfg.Backoff()
	gate := &deferredGate{}
	engine, err := scrape.NewEngine(strategies,
		scrape.NewRetryPolicy(cfg.Fetch.MaxRetries, backoffBase, backoffMax),
		gate, logger.Named("engine"))
	if err != nil {
		return err
	}

	dedup := scrape.NewDedupIndex()
	frontier := memory.New(cfg.Queue.Capacity, dedup)
	for _, seed := range seeds {
		if qerr := frontier.Enqueue(ctx, seed); qerr != nil {
			return fmt.Errorf("enqueue seed %q: %w", seed, qerr)
		}
	}
	if !cfg.Session.ForwardLinks {
		frontier.Close()
	}

	snk, archive, err := buildSink(ctx, cfg, session, logger)
	if err != nil {
		return err
	}
	if archive != nil {
		defer archive.Close()
	}

	pipe := pipeline.New(pipeline.Config{MinTextLen: cfg.Pipeline.MinTextLen}, dedup, logger.Named("pipeline"))

	mgr := manager.New(manager.Config{
		Session:        session,
		MaxWorkers:     cfg.Workers.Max,
		MinWorkers:     cfg.Workers.Min,
		CrashCap:       cfg.Workers.CrashCap,
		AdjustInterval: time.Duration(cfg.Workers.AdjustIntervalSecs) * time.Second,
		ForwardLinks:   cfg.Session.ForwardLinks,
	}, engine, pipe, frontier, snk, mon, logger.Named("manager"))
	gate.mgr = mgr

	var srv *http.Server
	if cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewServer(mgr, mon, logger.Named("api")).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status server started", zap.Int("port", cfg.Server.Port))
			if serr := srv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				logger.Error("status server error", zap.Error(serr))
			}
		}()
	}

	logger.Info("session starting",
		zap.String("session", session),
		zap.Int("seeds", len(seeds)),
		zap.Bool("forward_links", cfg.Session.ForwardLinks))

	summary, runErr := mgr.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("status server shutdown error", zap.Error(serr))
		}
	}

	if archive != nil {
		archiveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if aerr := archive.SaveSummary(archiveCtx, summary); aerr != nil {
			logger.Warn("archive summary failed", zap.Error(aerr))
		}
	}

	printSummary(summary)
	return runErr
}

// buildSink selects the document destination: the HTTP collection API when
// configured, otherwise in-memory; a Postgres archive tees in when a DSN is
// set.
func buildSink(ctx context.Context, cfg config.Config, session string, logger *zap.Logger) (scrape.Sink, *postgres.Archive, error) {
	var primary scrape.Sink
	if cfg.Sink.BaseURL != "" {
		httpSink, err := sink.NewHTTP(sink.Config{
			BaseURL:     cfg.Sink.BaseURL,
			Token:       cfg.Sink.Token,
			UserID:      cfg.Sink.UserID,
			Session:     session,
			Timeout:     time.Duration(cfg.Sink.TimeoutSecs) * time.Second,
			MaxAttempts: cfg.Sink.MaxAttempts,
		}, logger.Named("sink"))
		if err != nil {
			return nil, nil, err
		}
		if cerr := httpSink.CheckConnection(ctx); cerr != nil {
			return nil, nil, fmt.Errorf("sink connection check: %w", cerr)
		}
		primary = httpSink
	} else {
		logger.Warn("no sink configured, documents stay in memory")
		primary = sink.NewMemory()
	}

	if cfg.Archive.DSN == "" {
		return primary, nil, nil
	}
	archive, err := postgres.NewArchive(ctx, postgres.Config{DSN: cfg.Archive.DSN}, session)
	if err != nil {
		return nil, nil, fmt.Errorf("init archive: %w", err)
	}
	return sink.NewTee(primary, archive, logger.Named("tee")), archive, nil
}

func printSummary(summary scrape.Summary) {
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stdout, string(out))
}
