// Package bootstrap wires configuration, storage, backends and the HTTP surface into a
// running service.
package bootstrap

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/Popie52/batchqueue/internal/backend"
	"github.com/Popie52/batchqueue/internal/config"
	"github.com/Popie52/batchqueue/internal/core"
	"github.com/Popie52/batchqueue/internal/logstream"
	"github.com/Popie52/batchqueue/internal/metrics"
	"github.com/Popie52/batchqueue/internal/model"
	"github.com/Popie52/batchqueue/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Run serves until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Serve(ctx, cfg)
}

// Serve runs the service until ctx is cancelled or a component fails.
func Serve(ctx context.Context, cfg *config.Config) error {
	if err := configureLogging(cfg.LogLevel); err != nil {
		return err
	}

	m := metrics.New()
	clk := clock.RealClock{}

	// store

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := st.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "loading persisted jobs")
	}

	// runner

	output := log.StandardLogger().WriterLevel(log.InfoLevel)
	defer output.Close()
	runner, err := newRunner(cfg.Executor.Runner, output)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	registry := backend.NewRegistry(ctx, newFactory(ctx, cfg, components{
		clock:   clk,
		metrics: m,
		store:   st,
		runner:  runner,
		records: records,
	}), cfg.Backend.MaxBackends)
	if _, err := registry.Get(cfg.Region, cfg.Account); err != nil {
		return err
	}
	g.Go(registry.Wait)

	// retention

	g.Go(func() error {
		retain(ctx, registry, clk, cfg.Retention)
		return nil
	})

	// http

	a := &api{
		ctx:      ctx,
		registry: registry,
		region:   cfg.Region,
		account:  cfg.Account,
	}
	if cfg.HTTP.SubmitRateLimit > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.HTTP.SubmitRateLimit), cfg.HTTP.SubmitBurst)
	}
	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: newMux(a, m.Handler()),
	}
	g.Go(func() error {
		log.Infof("listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	// graceful http shutdown
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down http server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.WithFields(log.Fields{"region": cfg.Region, "account": cfg.Account}).Info("batch queue started")
	err = g.Wait()
	log.Info("bootstrap exiting")
	return err
}

func configureLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrap(err, "parsing log level")
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.JobStore, func(), error) {
	switch cfg.Kind {
	case config.StoreFile:
		log.Infof("persisting jobs to %s", cfg.Path)
		return store.NewFileJobStore(cfg.Path), func() {}, nil
	case config.StorePostgres:
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Migrate {
			if err := store.Migrate(db); err != nil {
				_ = db.Close()
				return nil, nil, err
			}
		}
		log.Info("persisting jobs to postgres")
		return store.NewPostgresJobStore(db), func() { _ = db.Close() }, nil
	default:
		return store.Nop{}, func() {}, nil
	}
}

func newRunner(kind string, output io.Writer) (core.Runner, error) {
	switch kind {
	case config.RunnerDocker:
		return core.NewDockerRunner()
	default:
		return &core.ExecRunner{Stdout: output, Stderr: output}, nil
	}
}

// components are shared by every backend the factory builds.
type components struct {
	clock   clock.Clock
	metrics metrics.MetricsFn
	store   store.JobStore
	runner  core.Runner
	records []model.JobDetail
}

// newFactory builds backends seeded from the configured catalog. Only the default
// (region, account) persists jobs and restores them on creation.
func newFactory(ctx context.Context, cfg *config.Config, c components) backend.Factory {
	return func(region, account string) (backend.Backend, error) {
		home := region == cfg.Region && account == cfg.Account

		var exec core.Executor
		switch cfg.Dispatch.Executor {
		case config.ExecutorInstant:
			exec = core.NewInstantExecutor(c.clock)
		default:
			exec = core.NewRealExecutor(c.clock, c.runner, c.metrics, core.RealExecutorConfig{
				Workers:    cfg.Executor.Workers,
				RetryDelay: cfg.Executor.RetryDelay,
			})
		}

		st := store.JobStore(store.Nop{})
		if home {
			st = c.store
		}

		batch, err := backend.NewBatch(backend.Config{
			Region:   region,
			Account:  account,
			Executor: exec,
			Store:    st,
			Metrics:  c.metrics,
			Dispatcher: core.DispatcherConfig{
				Interval: cfg.Dispatch.Interval,
				Clock:    c.clock,
				Namer:    logstream.Prefixed{Prefix: cfg.LogStream.Prefix},
			},
		})
		if err != nil {
			return nil, err
		}
		if err := batch.Catalog().Seed(cfg.QueueSpecs(), cfg.DefinitionSpecs()); err != nil {
			return nil, errors.Wrap(err, "seeding catalog")
		}
		if home && len(c.records) > 0 {
			batch.Restore(ctx, c.records)
		}

		if cfg.Backend.Simple {
			return backend.NewSimpleBackend(batch, c.clock), nil
		}
		return batch, nil
	}
}

// retain purges old terminal jobs from every backend until ctx is done. A zero max age
// keeps jobs forever.
func retain(ctx context.Context, registry *backend.Registry, clk clock.WithTicker, cfg config.RetentionConfig) {
	if cfg.MaxAge <= 0 {
		return
	}
	ticker := clk.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			purgeExpired(ctx, registry, clk.Now().Add(-cfg.MaxAge))
		}
	}
}

func purgeExpired(ctx context.Context, registry *backend.Registry, cutoff time.Time) int {
	total := 0
	registry.Each(func(_, _ string, b backend.Backend) {
		total += len(b.Purge(ctx, cutoff))
	})
	return total
}
