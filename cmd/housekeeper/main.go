package main

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/housekeeper/internal/api"
	"github.com/austindbirch/housekeeper/internal/auth"
	"github.com/austindbirch/housekeeper/internal/channel"
	"github.com/austindbirch/housekeeper/internal/cleanup"
	"github.com/austindbirch/housekeeper/internal/config"
	"github.com/austindbirch/housekeeper/internal/db"
	"github.com/austindbirch/housekeeper/internal/entity"
	"github.com/austindbirch/housekeeper/internal/health"
	"github.com/austindbirch/housekeeper/internal/housekeeper"
	"github.com/austindbirch/housekeeper/internal/logging"
	"github.com/austindbirch/housekeeper/internal/metrics"
	"github.com/austindbirch/housekeeper/internal/processor"
	"github.com/austindbirch/housekeeper/internal/store"
	"github.com/austindbirch/housekeeper/internal/store/memstore"
	"github.com/austindbirch/housekeeper/internal/store/postgres"
	"github.com/austindbirch/housekeeper/internal/tracing"
)

// entityTypes are the types with a deletion service in either backend
var entityTypes = []entity.Type{
	entity.Customer,
	entity.User,
	entity.Device,
	entity.Asset,
	entity.Dashboard,
	entity.RuleChain,
}

const backlogInterval = 15 * time.Second

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService(cfg.AppName)
	logger := logging.New(cfg.AppName)
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, cfg.AppName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("housekeeper stopped with error")
	}
	logger.Plain().Info("housekeeper stopped")
}

// backend is the store side of the wiring
type backend struct {
	stores      cleanup.Stores
	registry    *store.Registry
	deadLetters interface {
		processor.DeadLetterSink
		store.DeadLetterLister
	}
	checks []health.Check
	close  func()
}

func openBackend(ctx context.Context, cfg config.Config, logger *logging.Logger) (*backend, error) {
	if cfg.StoreBackend == "memory" {
		s := memstore.New()
		reg, err := s.Registry(entityTypes...)
		if err != nil {
			return nil, err
		}
		logger.Plain().Warn("using in-memory stores, data is lost on restart")
		return &backend{
			stores:      cleanup.Stores{Relations: s, Attributes: s, Timeseries: s, Events: s, Alarms: s},
			registry:    reg,
			deadLetters: memstore.NewDeadLetters(),
			close:       func() {},
		}, nil
	}

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if cfg.DB.Migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Plain().Info("database schema applied")
	}
	s := postgres.New(pool)
	reg, err := s.Registry(entityTypes...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &backend{
		stores:      cleanup.Stores{Relations: s, Attributes: s, Timeseries: s, Events: s, Alarms: s},
		registry:    reg,
		deadLetters: postgres.NewDeadLetters(pool),
		checks:      []health.Check{{Name: "database", Ping: pool.Ping}},
		close:       pool.Close,
	}, nil
}

// openChannel returns nil when the pipeline is disabled
func openChannel(cfg config.Config, logger *logging.Logger) (channel.Channel, *channel.NSQ, error) {
	if !cfg.Housekeeper.Enabled {
		return nil, nil, nil
	}
	if cfg.Housekeeper.Channel == "memory" {
		logger.Plain().Warn("using in-memory task channel, queued tasks are lost on restart")
		return channel.NewMemory(0), nil, nil
	}
	ch, err := channel.NewNSQ(channel.NSQOptions{
		NsqdTCPAddr:    cfg.NSQ.NsqdTCPAddr,
		LookupHTTPAddr: cfg.NSQ.LookupHTTPAddr,
		Topic:          cfg.NSQ.TasksTopic,
		Channel:        cfg.NSQ.WorkerChannel,
		MaxInFlight:    cfg.NSQ.MaxInFlight,
		MsgTimeout:     2 * cfg.Housekeeper.TouchInterval,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Consume(); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return ch, ch, nil
}

func processorOptions(cfg config.Housekeeper, sink processor.DeadLetterSink, logger *logging.Logger) processor.Options {
	timeouts := make(map[housekeeper.TaskType]time.Duration, len(cfg.TaskTimeouts))
	for tt, d := range cfg.TaskTimeouts {
		timeouts[housekeeper.TaskType(tt)] = d
	}
	return processor.Options{
		Workers:       cfg.Workers,
		BatchSize:     cfg.BatchSize,
		MaxAttempts:   cfg.MaxAttempts,
		Backoff:       processor.Backoff{Schedule: cfg.BackoffSchedule, JitterPct: cfg.JitterPercent},
		Timeout:       cfg.TaskTimeout,
		Timeouts:      timeouts,
		TouchInterval: cfg.TouchInterval,
		DeadLetters:   sink,
		Logger:        logger,
	}
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	ch, nsqCh, err := openChannel(cfg, logger)
	if err != nil {
		return err
	}

	// Dead letters always go to the log and the store; the NSQ topic is optional
	sinks := processor.MultiSink{processor.LogSink{Logger: logger}, be.deadLetters}
	if nsqCh != nil {
		be.checks = append(be.checks, health.Check{Name: "nsqd", Ping: func(context.Context) error { return nsqCh.Ping() }})
		if cfg.Housekeeper.PublishDLQ {
			sinks = append(sinks, nsqCh.DeadLetters(cfg.NSQ.DLQTopic))
		}
	}

	opts := cleanup.Options{
		Registry:            be.registry,
		SkipRelationCleanup: cfg.Housekeeper.SkipRelationCleanup,
		PageSize:            cfg.Housekeeper.EnumeratePageSize,
		Logger:              logger,
	}
	if ch != nil {
		opts.Submitter = ch
	}
	cleaner, err := cleanup.NewCleaner(be.stores, opts)
	if err != nil {
		return err
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg)

	var validator *auth.JWTValidator
	if cfg.Auth.Enabled {
		key, err := os.ReadFile(cfg.Auth.PublicKeyFile)
		if err != nil {
			return fmt.Errorf("read jwt public key: %w", err)
		}
		if validator, err = auth.NewJWTValidator(key, cfg.Auth.Issuer, cfg.Auth.Audience); err != nil {
			return err
		}
	}

	httpSrv := &http.Server{
		Addr: cfg.HTTPPort,
		Handler: api.New(api.Config{
			Housekeeper: cleaner,
			DeadLetters: be.deadLetters,
			Health:      health.HTTPHandler(cleaner.PipelineEnabled(), be.checks...),
			Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Auth:        validator,
			Logger:      logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("admin HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("Shutting down housekeeper")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	if ch != nil {
		p := processor.New(ch, cleaner.Handlers(), processorOptions(cfg.Housekeeper, sinks, logger))
		g.Go(func() error {
			// Run returns once in-flight handlers finished; the channel closes after
			defer ch.Close()
			return p.Run(gctx)
		})
		if nsqCh != nil && cfg.NSQ.NsqdHTTPAddr != "" {
			g.Go(func() error {
				monitorBacklog(gctx, cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.TasksTopic, backlogInterval, logger)
				return nil
			})
		}
	}

	logger.Plain().WithFields(map[string]any{
		"store":             cfg.StoreBackend,
		"pipeline":          cleaner.PipelineEnabled(),
		"channel":           cfg.Housekeeper.Channel,
		"workers":           cfg.Housekeeper.Workers,
		"max_attempts":      cfg.Housekeeper.MaxAttempts,
		"timeout_overrides": cfg.Housekeeper.TimeoutOverrides(),
	}).Info("housekeeper service started")

	return g.Wait()
}

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// monitorBacklog periodically copies channel depths of the task topic into gauges
func monitorBacklog(ctx context.Context, nsqdHTTPAddr, topic string, interval time.Duration, logger *logging.Logger) {
	httpClient := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := updateBacklog(ctx, httpClient, nsqdHTTPAddr, topic); err != nil {
				logger.Plain().WithError(err).Warn("Failed to update NSQ backlog")
			}
		}
	}
}

func updateBacklog(ctx context.Context, client *http.Client, nsqdHTTPAddr, topic string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHTTPAddr, topic), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsq stats returned status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}
	for _, t := range stats.Topics {
		if t.Name != topic {
			continue
		}
		for _, c := range t.Channels {
			metrics.UpdateNSQTopicDepth(t.Name, c.Name, c.Depth)
		}
	}
	return nil
}
