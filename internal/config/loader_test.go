package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, "memory", cfg.Cache.Backend)
				require.Equal(t, 300, cfg.Cache.TTLSeconds)
				require.Equal(t, QueuePolicyDefault, cfg.Queue.Policy)
				require.True(t, cfg.Queue.Deduplicate)
				require.Empty(t, cfg.Processors)
			},
		},
		{
			name: "merges yaml file overrides",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, t.TempDir(), "replyctrl.yaml", "server:\n  listen:\n    port: 9090\ncache:\n  ttlSeconds: 60\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, 60, cfg.Cache.TTLSeconds)
			},
		},
		{
			name: "reads json files",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, t.TempDir(), "replyctrl.json", `{"queue":{"policy":"idle-only","capacity":8}}`)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, QueuePolicyIdleOnly, cfg.Queue.Policy)
				require.Equal(t, 8, cfg.Queue.Capacity)
			},
		},
		{
			name: "reads toml files",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, t.TempDir(), "replyctrl.toml", "[transport]\ntimeoutSeconds = 3\nuserAgent = \"replyctrl-test\"\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 3, cfg.Transport.TimeoutSeconds)
				require.Equal(t, "replyctrl-test", cfg.Transport.UserAgent)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				path := writeFile(t, t.TempDir(), "replyctrl.yaml", "server:\n  listen:\n    port: 9090\n")
				t.Setenv("REPLYCTRL_SERVER__LISTEN__PORT", "9091")
				t.Setenv("REPLYCTRL_CACHE__TTLSECONDS", "42")
				t.Setenv("REPLYCTRL_QUEUE__THROTTLEMILLIS", "5")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
				require.Equal(t, 42, cfg.Cache.TTLSeconds)
				require.Equal(t, 5, cfg.Queue.ThrottleMillis)
			},
		},
		{
			name: "loads inline processors",
			setup: func(t *testing.T) []string {
				contents := "processors:\n  icons:\n    kind: image\n    urlTemplate: https://icons.example.com/{{ .identifier }}.png\n    cachePolicy: cache-first\n"
				return []string{writeFile(t, t.TempDir(), "replyctrl.yaml", contents)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Contains(t, cfg.Processors, "icons")
				require.Equal(t, "image", cfg.Processors["icons"].Kind)
				require.Contains(t, cfg.InlineProcessors, "icons")
			},
		},
		{
			name: "merges processors folder",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				folder := filepath.Join(dir, "processors")
				writeFile(t, folder, "forecast.yaml", "processors:\n  forecast:\n    kind: structured\n    format: json\n    urlTemplate: https://api/{{ .identifier }}\n")
				writeFile(t, folder, "notes.txt", "ignored")
				return []string{writeFile(t, dir, "replyctrl.yaml", "server:\n  processors:\n    processorsFolder: "+folder+"\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Contains(t, cfg.Processors, "forecast")
				require.Len(t, cfg.ProcessorSources, 1)
			},
		},
		{
			name: "missing file",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "absent.yaml")}
			},
			wantErr: true,
		},
		{
			name: "unsupported extension",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, t.TempDir(), "replyctrl.ini", "port=1")}
			},
			wantErr: true,
		},
		{
			name: "invalid values fail validation",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, t.TempDir(), "replyctrl.yaml", "cache:\n  backend: floppy\n")}
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			cfg, err := NewLoader("REPLYCTRL", files...).Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.assert(t, cfg)
		})
	}
}

func TestLoaderHonoursCancelledContext(t *testing.T) {
	path := writeFile(t, t.TempDir(), "replyctrl.yaml", "server:\n  listen:\n    port: 9090\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader("REPLYCTRL", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLoaderLoadQueue(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "replyctrl.yaml", "queue:\n  policy: throttled\n  throttleMillis: 50\n")
	loader := NewLoader("", path)

	queue, err := loader.LoadQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, QueuePolicyThrottled, queue.Policy)
	require.Equal(t, 50, queue.ThrottleMillis)
	require.Equal(t, 256, queue.Capacity, "defaults fill the untouched fields")

	writeFile(t, dir, "replyctrl.yaml", "queue:\n  policy: chaotic\n")
	_, err = loader.LoadQueue(context.Background())
	require.Error(t, err)
}

func TestLoaderFiles(t *testing.T) {
	loader := NewLoader("X", "", "a.yaml")
	require.Equal(t, []string{"a.yaml"}, loader.Files())
}

func TestExampleConfigLoads(t *testing.T) {
	path := filepath.Join("..", "..", "examples", "replyctrl.yaml")
	cfg, err := NewLoader("REPLYCTRL_EXAMPLE_TEST", path).Load(context.Background())
	require.NoError(t, err)

	require.Equal(t, "filesystem", cfg.Cache.Backend)
	require.Equal(t, QueuePolicyThrottled, cfg.Queue.Policy)
	require.Equal(t, 250, cfg.Queue.ThrottleMillis)
	require.Len(t, cfg.Processors, 2)
	require.Equal(t, "image", cfg.Processors["favicon"].Kind)
	require.Equal(t, "structured", cfg.Processors["release"].Kind)
	require.Len(t, cfg.Processors["release"].Assertions, 2)
	require.Empty(t, cfg.SkippedDefinitions)
}
