package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration with env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator. Files are parsed as YAML, JSON or TOML
// by extension.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files lists the configuration files the loader reads.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if path != "" {
			out = append(out, path)
		}
	}
	return out
}

// envCanonical maps lower-cased env paths back to their camelCase keys.
var envCanonical = map[string]string{
	"server.logging.correlationheader":     "server.logging.correlationHeader",
	"server.templates.templatesfolder":     "server.templates.templatesFolder",
	"server.templates.templatesallowenv":   "server.templates.templatesAllowEnv",
	"server.templates.templatesallowedenv": "server.templates.templatesAllowedEnv",
	"server.processors.processorsfolder":   "server.processors.processorsFolder",
	"server.processors.processorsfile":     "server.processors.processorsFile",
	"cache.ttlseconds":                     "cache.ttlSeconds",
	"cache.maxttlseconds":                  "cache.maxTTLSeconds",
	"cache.followcachecontrol":             "cache.followCacheControl",
	"cache.sweepintervalseconds":           "cache.sweepIntervalSeconds",
	"cache.redis.tls.cafile":               "cache.redis.tls.caFile",
	"transport.timeoutseconds":             "transport.timeoutSeconds",
	"transport.maxbodybytes":               "transport.maxBodyBytes",
	"transport.useragent":                  "transport.userAgent",
	"queue.throttlemillis":                 "queue.throttleMillis",
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k, err := l.load(ctx)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineProcessors = cloneProcessorMap(cfg.Processors)

	bundle, err := BuildProcessorBundle(ctx, cfg.InlineProcessors, cfg.Server.Processors)
	if err != nil {
		return Config{}, err
	}
	cfg.Processors = bundle.Processors
	cfg.ProcessorSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// LoadQueue re-reads only the queue section. It is used by the queue watcher
// so a broken processor document elsewhere cannot block a policy change.
func (l *Loader) LoadQueue(ctx context.Context) (QueueConfig, error) {
	k, err := l.load(ctx)
	if err != nil {
		return QueueConfig{}, err
	}
	var queue QueueConfig
	if err := k.Unmarshal("queue", &queue); err != nil {
		return QueueConfig{}, fmt.Errorf("config: unmarshal queue: %w", err)
	}
	if err := queue.Validate(); err != nil {
		return QueueConfig{}, err
	}
	return queue, nil
}

func (l *Loader) load(ctx context.Context) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: file %s not found", path)
			}
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (REPLYCTRL_CACHE__BACKEND -> cache.backend).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := envCanonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return nil, fmt.Errorf("config: load env: %w", err)
		}
	}
	return k, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"templates": map[string]any{
				"templatesFolder":     cfg.Server.Templates.TemplatesFolder,
				"templatesAllowEnv":   cfg.Server.Templates.TemplatesAllowEnv,
				"templatesAllowedEnv": cfg.Server.Templates.TemplatesAllowedEnv,
			},
			"processors": map[string]any{
				"processorsFolder": cfg.Server.Processors.ProcessorsFolder,
				"processorsFile":   cfg.Server.Processors.ProcessorsFile,
			},
		},
		"cache": map[string]any{
			"backend":              cfg.Cache.Backend,
			"dir":                  cfg.Cache.Dir,
			"ttlSeconds":           cfg.Cache.TTLSeconds,
			"maxTTLSeconds":        cfg.Cache.MaxTTLSeconds,
			"followCacheControl":   cfg.Cache.FollowCacheControl,
			"sweepIntervalSeconds": cfg.Cache.SweepIntervalSeconds,
			"redis": map[string]any{
				"address":   cfg.Cache.Redis.Address,
				"username":  cfg.Cache.Redis.Username,
				"password":  cfg.Cache.Redis.Password,
				"db":        cfg.Cache.Redis.DB,
				"namespace": cfg.Cache.Redis.Namespace,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
		},
		"transport": map[string]any{
			"timeoutSeconds": cfg.Transport.TimeoutSeconds,
			"maxBodyBytes":   cfg.Transport.MaxBodyBytes,
			"userAgent":      cfg.Transport.UserAgent,
		},
		"queue": map[string]any{
			"policy":         cfg.Queue.Policy,
			"capacity":       cfg.Queue.Capacity,
			"ordering":       cfg.Queue.Ordering,
			"deduplicate":    cfg.Queue.Deduplicate,
			"throttleMillis": cfg.Queue.ThrottleMillis,
		},
	}
}
