package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Listen.Port = -1 }},
		{name: "conflicting processor sources", mutate: func(c *Config) {
			c.Server.Processors = ProcessorsSource{ProcessorsFile: "p.yaml", ProcessorsFolder: "./processors"}
		}},
		{name: "unknown cache backend", mutate: func(c *Config) { c.Cache.Backend = "memcached" }},
		{name: "filesystem without dir", mutate: func(c *Config) { c.Cache.Backend = "filesystem" }},
		{name: "badger without dir", mutate: func(c *Config) { c.Cache.Backend = "badger" }},
		{name: "redis without address", mutate: func(c *Config) { c.Cache.Backend = "redis" }},
		{name: "negative ttl", mutate: func(c *Config) { c.Cache.TTLSeconds = -1 }},
		{name: "negative sweep interval", mutate: func(c *Config) { c.Cache.SweepIntervalSeconds = -5 }},
		{name: "zero transport timeout", mutate: func(c *Config) { c.Transport.TimeoutSeconds = 0 }},
		{name: "unknown queue policy", mutate: func(c *Config) { c.Queue.Policy = "lifo" }},
		{name: "unknown queue ordering", mutate: func(c *Config) { c.Queue.Ordering = "random" }},
		{name: "negative queue capacity", mutate: func(c *Config) { c.Queue.Capacity = -1 }},
		{name: "processor without kind", mutate: func(c *Config) {
			c.Processors = map[string]ProcessorConfig{"icons": {URLTemplate: "https://x/{{ .identifier }}"}}
		}},
		{name: "processor without url", mutate: func(c *Config) {
			c.Processors = map[string]ProcessorConfig{"icons": {Kind: "image"}}
		}},
		{name: "processor bad format", mutate: func(c *Config) {
			c.Processors = map[string]ProcessorConfig{"doc": {Kind: "structured", Format: "xml", URLTemplate: "https://x"}}
		}},
		{name: "processor bad cache policy", mutate: func(c *Config) {
			c.Processors = map[string]ProcessorConfig{"icons": {Kind: "image", URLTemplate: "https://x", CachePolicy: "always"}}
		}},
		{name: "processor bad ttl", mutate: func(c *Config) {
			c.Processors = map[string]ProcessorConfig{"icons": {Kind: "image", URLTemplate: "https://x", TTL: "soon"}}
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			candidate := DefaultConfig()
			tc.mutate(&candidate)
			require.Error(t, candidate.Validate())
		})
	}

	t.Run("accepts complete processor", func(t *testing.T) {
		candidate := DefaultConfig()
		candidate.Cache.Backend = "badger"
		candidate.Cache.Dir = t.TempDir()
		candidate.Processors = map[string]ProcessorConfig{
			"forecast": {
				Kind:        "structured",
				Format:      "json",
				URLTemplate: "https://api.example.com/forecast/{{ .identifier }}",
				CachePolicy: "cache-if-fresh",
				TTL:         "10m",
				Assertions:  []string{"has(body.current)"},
			},
		}
		require.NoError(t, candidate.Validate())
	})
}

func TestProcessorTTLDuration(t *testing.T) {
	require.Equal(t, 10*time.Minute, ProcessorConfig{TTL: "10m"}.TTLDuration())
	require.Zero(t, ProcessorConfig{}.TTLDuration())
	require.Zero(t, ProcessorConfig{TTL: "bogus"}.TTLDuration())
	require.Zero(t, ProcessorConfig{TTL: "-1s"}.TTLDuration())
}

func TestNilConfigValidate(t *testing.T) {
	var cfg *Config
	require.Error(t, cfg.Validate())
}
