package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/replyctrl/internal/config"
	"github.com/l0p7/replyctrl/internal/lifecycle"
	"github.com/l0p7/replyctrl/internal/logging"
	"github.com/l0p7/replyctrl/internal/metrics"
	"github.com/l0p7/replyctrl/internal/processor"
	"github.com/l0p7/replyctrl/internal/runtime"
	"github.com/l0p7/replyctrl/internal/runtime/cache"
	"github.com/l0p7/replyctrl/internal/server"
	"github.com/l0p7/replyctrl/internal/taskqueue"
	"github.com/l0p7/replyctrl/internal/templates"
	"github.com/prometheus/client_golang/prometheus"
)

const shutdownTimeout = 5 * time.Second

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	WatchProcessors(ctx context.Context, cfg config.Config, onChange func(config.ProcessorBundle), onError func(error)) (configWatcher, error)
	WatchQueue(ctx context.Context, onChange func(config.QueueConfig), onError func(error)) (configWatcher, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) WatchProcessors(ctx context.Context, cfg config.Config, onChange func(config.ProcessorBundle), onError func(error)) (configWatcher, error) {
	return l.Loader.WatchProcessors(ctx, cfg, onChange, onError)
}

func (l fileLoader) WatchQueue(ctx context.Context, onChange func(config.QueueConfig), onError func(error)) (configWatcher, error) {
	return l.Loader.WatchQueue(ctx, onChange, onError)
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		if configFile == "" {
			return fileLoader{config.NewLoader(envPrefix)}
		}
		return fileLoader{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "REPLYCTRL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Printf("failed to configure logger: %v", err)
		logger = slog.Default()
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	renderer := templates.NewRenderer(buildSandbox(logger, cfg.Server.Templates))
	registry, err := processor.NewRegistryFromConfig(cfg.Processors, renderer)
	if err != nil {
		return fmt.Errorf("build processors: %w", err)
	}
	for _, skip := range cfg.SkippedDefinitions {
		logger.Warn("processor definition skipped",
			slog.String("name", skip.Name),
			slog.String("reason", skip.Reason),
			slog.Any("sources", skip.Sources))
	}

	cacheManager, err := buildCacheManager(ctx, logger.With(slog.String("agent", "cache_factory")), cfg.Cache, recorder)
	if err != nil {
		return fmt.Errorf("build cache: %w", err)
	}

	factory, err := taskqueue.FactoryFor(cfg.Queue)
	if err != nil {
		return fmt.Errorf("build task queue: %w", err)
	}
	queue := taskqueue.New(taskqueue.Options{Factory: factory, Logger: logger, Metrics: recorder})

	assister := runtime.NewAssister(runtime.Options{
		Cache: cacheManager,
		Transport: runtime.TransportOptions{
			Timeout:      time.Duration(cfg.Transport.TimeoutSeconds) * time.Second,
			MaxBodyBytes: cfg.Transport.MaxBodyBytes,
			UserAgent:    cfg.Transport.UserAgent,
		},
		Logger:  logger,
		Metrics: recorder,
	})

	controller := lifecycle.NewController(lifecycle.Options{
		Cache:         cacheManager,
		Queue:         queue,
		Assister:      assister,
		SweepInterval: time.Duration(cfg.Cache.SweepIntervalSeconds) * time.Second,
		Logger:        logger,
	})
	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("start lifecycle: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := controller.Shutdown(shutdownCtx); err != nil {
			logger.Error("lifecycle shutdown failed", slog.Any("error", err))
		}
	}()

	if cfg.Server.Processors.ProcessorsFile != "" || cfg.Server.Processors.ProcessorsFolder != "" {
		watcher, err := loader.WatchProcessors(ctx, cfg, func(bundle config.ProcessorBundle) {
			next, err := processor.NewRegistryFromConfig(bundle.Processors, renderer)
			if err != nil {
				logger.Error("processor reload rejected", slog.Any("error", err))
				return
			}
			registry.Replace(next)
			logger.Info("processors reloaded",
				slog.Int("count", next.Len()),
				slog.Any("sources", bundle.Sources))
		}, func(err error) {
			logger.Error("processors watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("processors watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	if configFile != "" {
		watcher, err := loader.WatchQueue(ctx, func(qc config.QueueConfig) {
			next, err := taskqueue.FactoryFor(qc)
			if err != nil {
				logger.Error("queue policy reload rejected", slog.Any("error", err))
				return
			}
			queue.Reconfigure(next)
			logger.Info("queue policy reloaded", slog.String("policy", qc.Policy))
		}, func(err error) {
			logger.Error("queue watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("queue watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler, err := server.NewHandler(server.HandlerOptions{
		Client:            lifecycle.NewClient(assister, queue, registry),
		Lifecycle:         controller,
		Cache:             cacheManager,
		Metrics:           recorder.Handler(),
		Logger:            logger,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Skipped:           cfg.SkippedDefinitions,
	})
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

func buildSandbox(logger *slog.Logger, cfg config.TemplatesConfig) *templates.Sandbox {
	folder := strings.TrimSpace(cfg.TemplatesFolder)
	if folder == "" {
		return nil
	}
	sandbox, err := templates.NewSandbox(folder, cfg.TemplatesAllowEnv, cfg.TemplatesAllowedEnv)
	if err != nil {
		logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		return nil
	}
	return sandbox
}

// buildCacheManager picks the storage backend. A backend that cannot be opened
// falls back to memory so the host keeps serving.
func buildCacheManager(ctx context.Context, logger *slog.Logger, cfg config.CacheConfig, recorder *metrics.Recorder) (*cache.Manager, error) {
	ttl := cache.TTLPolicy{
		Default:            time.Duration(cfg.TTLSeconds) * time.Second,
		Max:                time.Duration(cfg.MaxTTLSeconds) * time.Second,
		FollowCacheControl: cfg.FollowCacheControl,
	}
	backend, opener := cacheOpener(cfg)
	mgr, err := cache.NewManager(ctx, cache.ManagerOptions{
		Open:    opener,
		Backend: backend,
		TTL:     ttl,
		Logger:  logger,
		Metrics: recorder,
	})
	if err == nil {
		logger.Info("cache backend ready", slog.String("backend", backend), slog.Duration("ttl", ttl.Default))
		return mgr, nil
	}
	if backend == "memory" {
		return nil, err
	}
	logger.Error("cache backend initialization failed", slog.String("backend", backend), slog.Any("error", err))
	logger.Info("falling back to memory cache")
	return cache.NewManager(ctx, cache.ManagerOptions{
		Open:    func(context.Context) (cache.Store, error) { return cache.NewMemory(), nil },
		Backend: "memory",
		TTL:     ttl,
		Logger:  logger,
		Metrics: recorder,
	})
}

func cacheOpener(cfg config.CacheConfig) (string, cache.Opener) {
	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "filesystem":
		return "filesystem", func(context.Context) (cache.Store, error) {
			return cache.NewFilesystem(cache.FilesystemConfig{Dir: cfg.Dir})
		}
	case "badger":
		return "badger", func(context.Context) (cache.Store, error) {
			dir := strings.TrimSpace(cfg.Dir)
			if dir == "" {
				return cache.NewBadger(cache.BadgerConfig{InMemory: true})
			}
			return cache.NewBadger(cache.BadgerConfig{Dir: filepath.Join(dir, "badger")})
		}
	case "redis":
		return "redis", func(context.Context) (cache.Store, error) {
			return cache.NewRedis(cache.RedisConfig{
				Address:   cfg.Redis.Address,
				Username:  cfg.Redis.Username,
				Password:  cfg.Redis.Password,
				DB:        cfg.Redis.DB,
				Namespace: cfg.Redis.Namespace,
				TLS: cache.RedisTLSConfig{
					Enabled: cfg.Redis.TLS.Enabled,
					CAFile:  cfg.Redis.TLS.CAFile,
				},
			})
		}
	default:
		return "memory", func(context.Context) (cache.Store, error) { return cache.NewMemory(), nil }
	}
}
