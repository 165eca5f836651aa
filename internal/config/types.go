package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every option plus the processor definitions once they are
// loaded.
type Config struct {
	Server     ServerConfig               `koanf:"server"`
	Cache      CacheConfig                `koanf:"cache"`
	Transport  TransportConfig            `koanf:"transport"`
	Queue      QueueConfig                `koanf:"queue"`
	Processors map[string]ProcessorConfig `koanf:"processors"`

	InlineProcessors map[string]ProcessorConfig `koanf:"-"`

	// ProcessorSources records which files contributed processor definitions.
	ProcessorSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or invalid definitions the loader
	// disabled, so health checks can report them without re-parsing files.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the host surface knobs.
type ServerConfig struct {
	Listen     ListenConfig     `koanf:"listen"`
	Logging    LoggingConfig    `koanf:"logging"`
	Templates  TemplatesConfig  `koanf:"templates"`
	Processors ProcessorsSource `koanf:"processors"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// TemplatesConfig captures the template sandbox root used by urlTemplateFile.
type TemplatesConfig struct {
	TemplatesFolder     string   `koanf:"templatesFolder"`
	TemplatesAllowEnv   bool     `koanf:"templatesAllowEnv"`
	TemplatesAllowedEnv []string `koanf:"templatesAllowedEnv"`
}

// ProcessorsSource announces where extra processor documents live.
type ProcessorsSource struct {
	ProcessorsFolder string `koanf:"processorsFolder"`
	ProcessorsFile   string `koanf:"processorsFile"`
}

// CacheConfig selects the storage backend and the freshness policy.
type CacheConfig struct {
	Backend              string           `koanf:"backend"`
	Dir                  string           `koanf:"dir"`
	TTLSeconds           int              `koanf:"ttlSeconds"`
	MaxTTLSeconds        int              `koanf:"maxTTLSeconds"`
	FollowCacheControl   bool             `koanf:"followCacheControl"`
	SweepIntervalSeconds int              `koanf:"sweepIntervalSeconds"`
	Redis                RedisCacheConfig `koanf:"redis"`
}

type RedisCacheConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	Namespace string         `koanf:"namespace"`
	TLS       RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// TransportConfig bounds every upstream fetch.
type TransportConfig struct {
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
	MaxBodyBytes   int64  `koanf:"maxBodyBytes"`
	UserAgent      string `koanf:"userAgent"`
}

// QueueConfig picks the deferred task queue policy.
type QueueConfig struct {
	Policy         string `koanf:"policy"`
	Capacity       int    `koanf:"capacity"`
	Ordering       string `koanf:"ordering"`
	Deduplicate    bool   `koanf:"deduplicate"`
	ThrottleMillis int    `koanf:"throttleMillis"`
}

// ProcessorConfig declares one named processor.
type ProcessorConfig struct {
	Description     string            `koanf:"description"`
	Kind            string            `koanf:"kind"`
	Format          string            `koanf:"format"`
	URLTemplate     string            `koanf:"urlTemplate"`
	URLTemplateFile string            `koanf:"urlTemplateFile"`
	Method          string            `koanf:"method"`
	Headers         map[string]string `koanf:"headers"`
	Query           map[string]string `koanf:"query"`
	CachePolicy     string            `koanf:"cachePolicy"`
	TTL             string            `koanf:"ttl"`
	Assertions      []string          `koanf:"assertions"`
	Fields          map[string]string `koanf:"fields"`
	Formats         []string          `koanf:"formats"`
	MaxPixels       int               `koanf:"maxPixels"`
}

// TTLDuration parses TTL. Empty or invalid values yield zero, which defers to
// the cache default.
func (p ProcessorConfig) TTLDuration() time.Duration {
	if strings.TrimSpace(p.TTL) == "" {
		return 0
	}
	d, err := time.ParseDuration(strings.TrimSpace(p.TTL))
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// DefinitionSkip describes a definition the loader ignored because it violated
// invariants, for example a duplicate name across files.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Queue policy names.
const (
	QueuePolicyDefault   = "default"
	QueuePolicyThrottled = "throttled"
	QueuePolicyIdleOnly  = "idle-only"
)

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Processors.ProcessorsFolder != "" && c.Server.Processors.ProcessorsFile != "" {
		return errors.New("config: processorsFolder and processorsFile are mutually exclusive")
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	if c.Transport.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: transport.timeoutSeconds invalid: %d", c.Transport.TimeoutSeconds)
	}
	if c.Transport.MaxBodyBytes < 0 {
		return fmt.Errorf("config: transport.maxBodyBytes invalid: %d", c.Transport.MaxBodyBytes)
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	for name, proc := range c.Processors {
		if err := proc.validate(name); err != nil {
			return err
		}
	}
	return nil
}

func (c CacheConfig) validate() error {
	if c.TTLSeconds < 0 {
		return fmt.Errorf("config: cache.ttlSeconds invalid: %d", c.TTLSeconds)
	}
	if c.MaxTTLSeconds < 0 {
		return fmt.Errorf("config: cache.maxTTLSeconds invalid: %d", c.MaxTTLSeconds)
	}
	if c.SweepIntervalSeconds < 0 {
		return fmt.Errorf("config: cache.sweepIntervalSeconds invalid: %d", c.SweepIntervalSeconds)
	}
	switch strings.TrimSpace(strings.ToLower(c.Backend)) {
	case "", "memory":
	case "filesystem", "badger":
		if strings.TrimSpace(c.Dir) == "" {
			return fmt.Errorf("config: cache.dir required for %s backend", c.Backend)
		}
	case "redis":
		if strings.TrimSpace(c.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Backend)
	}
	return nil
}

// Validate checks the queue section on its own so reloads can reuse it.
func (q QueueConfig) Validate() error {
	switch strings.TrimSpace(strings.ToLower(q.Policy)) {
	case "", QueuePolicyDefault, QueuePolicyThrottled, QueuePolicyIdleOnly:
	default:
		return fmt.Errorf("config: queue.policy unsupported: %s", q.Policy)
	}
	switch strings.TrimSpace(strings.ToLower(q.Ordering)) {
	case "", "fifo", "priority":
	default:
		return fmt.Errorf("config: queue.ordering unsupported: %s", q.Ordering)
	}
	if q.Capacity < 0 {
		return fmt.Errorf("config: queue.capacity invalid: %d", q.Capacity)
	}
	if q.ThrottleMillis < 0 {
		return fmt.Errorf("config: queue.throttleMillis invalid: %d", q.ThrottleMillis)
	}
	return nil
}

func (p ProcessorConfig) validate(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("config: processor name required")
	}
	switch strings.TrimSpace(strings.ToLower(p.Kind)) {
	case "image":
	case "structured":
		switch strings.TrimSpace(strings.ToLower(p.Format)) {
		case "", "auto", "json", "yaml", "toml":
		default:
			return fmt.Errorf("config: processor %q format unsupported: %s", name, p.Format)
		}
	default:
		return fmt.Errorf("config: processor %q kind unsupported: %s", name, p.Kind)
	}
	if strings.TrimSpace(p.URLTemplate) == "" && strings.TrimSpace(p.URLTemplateFile) == "" {
		return fmt.Errorf("config: processor %q requires urlTemplate or urlTemplateFile", name)
	}
	switch strings.TrimSpace(strings.ToLower(p.CachePolicy)) {
	case "", "network-only", "cache-first", "cache-if-fresh":
	default:
		return fmt.Errorf("config: processor %q cachePolicy unsupported: %s", name, p.CachePolicy)
	}
	if ttl := strings.TrimSpace(p.TTL); ttl != "" {
		if d, err := time.ParseDuration(ttl); err != nil || d < 0 {
			return fmt.Errorf("config: processor %q ttl invalid: %s", name, p.TTL)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Cache: CacheConfig{
			Backend:              "memory",
			TTLSeconds:           300,
			MaxTTLSeconds:        86400,
			FollowCacheControl:   true,
			SweepIntervalSeconds: 600,
		},
		Transport: TransportConfig{
			TimeoutSeconds: 15,
			MaxBodyBytes:   8 << 20,
			UserAgent:      "replyctrl/1.0",
		},
		Queue: QueueConfig{
			Policy:         QueuePolicyDefault,
			Capacity:       256,
			Ordering:       "priority",
			Deduplicate:    true,
			ThrottleMillis: 250,
		},
	}
}
