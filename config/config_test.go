package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/radar/errors"
	"github.com/c360/radar/resource"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, 90*time.Second, cfg.Client.DataTTL.Std())
	assert.Equal(t, "0.13.1", cfg.Client.MinDataStoreVersion)
	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
}

func TestDuration_Unmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{`"10s"`, 10 * time.Second, false},
		{`"14d"`, 14 * 24 * time.Hour, false},
		{`"1h30m"`, 90 * time.Minute, false},
		{`2000000000`, 2 * time.Second, false},
		{`null`, 0, false},
		{`"soon"`, 0, true},
		{`"xd"`, 0, true},
		{`true`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.in), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}

	out, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `"1m30s"`, string(out))
}

func TestLoad_JSONLayerMergesOverDefaults(t *testing.T) {
	path := writeFile(t, "radar.json", `{
		"server": {"port": 9000},
		"sentry": {"interval": "5s", "expiry": "15s"},
		"client": {"data_ttl": "2m"}
	}`)

	l := newTestLoader(nil)
	l.EnableValidation(true)
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "untouched keys keep defaults")
	assert.Equal(t, "/engine.io/", cfg.Server.Path)
	assert.Equal(t, 5*time.Second, cfg.Sentry.Interval.Std())
	assert.Equal(t, 15*time.Second, cfg.Sentry.Expiry.Std())
	assert.Equal(t, "sentry:/radar", cfg.Sentry.Channel)
	assert.Equal(t, 2*time.Minute, cfg.Client.DataTTL.Std())
	assert.Equal(t, "0.13.1", cfg.Client.MinDataStoreVersion)
}

func TestLoad_YAMLLayersInOrder(t *testing.T) {
	base := writeFile(t, "base.yaml", `
backend: nats
nats:
  urls: ["nats://a:4222", "nats://b:4222"]
  kv_bucket: presence
dispatch:
  workers: 4
  reap_interval: 1m
resources:
  - name: chat
    kind: message_list
    expression: "^message:/chat/"
    policy:
      max_length: 500
      max_persistence: 14d
`)
	override := writeFile(t, "override.yml", `
nats:
  urls: ["nats://c:4222"]
dispatch:
  retry_failed_subscribe: true
`)

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(override)
	l.EnableValidation(true)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, BackendNATS, cfg.Backend)
	assert.Equal(t, []string{"nats://c:4222"}, cfg.NATS.URLs, "lists are replaced")
	assert.Equal(t, "presence", cfg.NATS.KVBucket)
	assert.Equal(t, "radar", cfg.NATS.SubjectPrefix)
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.True(t, cfg.Dispatch.RetryFailedSubscribe)
	assert.Equal(t, time.Minute, cfg.Dispatch.ReapInterval.Std())

	require.Len(t, cfg.Resources, 1)
	assert.Equal(t, 500, cfg.Resources[0].Policy.MaxLength)
	assert.Equal(t, 14*24*time.Hour, cfg.Resources[0].Policy.MaxPersistence.Std())
}

func TestLoad_EnvOverrides(t *testing.T) {
	l := newTestLoader(map[string]string{
		"RADAR_BACKEND":          "nats",
		"RADAR_SERVER_PORT":      "8100",
		"RADAR_NATS_URLS":        "nats://x:1,nats://y:2",
		"RADAR_NATS_TOKEN":       "secret",
		"RADAR_SENTRY_HOST_PORT": "10.0.0.7:8100",
		"RADAR_DISPATCH_WORKERS": "3",
		"RADAR_METRICS_ENABLED":  "false",
	})
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, BackendNATS, cfg.Backend)
	assert.Equal(t, 8100, cfg.Server.Port)
	assert.Equal(t, []string{"nats://x:1", "nats://y:2"}, cfg.NATS.URLs)
	assert.Equal(t, "secret", cfg.NATS.Token)
	assert.Equal(t, "10.0.0.7:8100", cfg.Sentry.HostPort)
	assert.Equal(t, 3, cfg.Dispatch.Workers)
	assert.False(t, cfg.Metrics.Enabled)

	assert.NotContains(t, cfg.String(), "secret")
}

func TestLoad_BadEnvOverride(t *testing.T) {
	l := newTestLoader(map[string]string{
		"RADAR_SERVER_PORT":     "eighty",
		"RADAR_METRICS_ENABLED": "maybe",
	})
	_, err := l.Load()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Contains(t, err.Error(), "RADAR_SERVER_PORT")
	assert.Contains(t, err.Error(), "RADAR_METRICS_ENABLED")
}

func TestLoad_FileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := newTestLoader(nil).LoadFile(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})
	t.Run("wrong extension", func(t *testing.T) {
		path := writeFile(t, "radar.toml", `backend = "memory"`)
		_, err := newTestLoader(nil).LoadFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "only JSON or YAML")
	})
	t.Run("bad json", func(t *testing.T) {
		path := writeFile(t, "radar.json", `{"server": `)
		_, err := newTestLoader(nil).LoadFile(path)
		assert.Error(t, err)
	})
	t.Run("bad duration", func(t *testing.T) {
		path := writeFile(t, "radar.json", `{"sentry": {"interval": "often"}}`)
		_, err := newTestLoader(nil).LoadFile(path)
		assert.Error(t, err)
	})
	t.Run("relative traversal", func(t *testing.T) {
		_, err := newTestLoader(nil).LoadFile("../../etc/radar.json")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "path traversal")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Backend = "redis" }, "backend must be"},
		{"nats without urls", func(c *Config) { c.Backend = BackendNATS; c.NATS.URLs = nil }, "nats.urls"},
		{"kv history", func(c *Config) { c.Backend = BackendNATS; c.NATS.KVHistory = 0 }, "kv_history"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"path", func(c *Config) { c.Server.Path = "ws" }, "server.path"},
		{"message rate", func(c *Config) { c.Server.MessageRate = -1 }, "server.message_rate"},
		{"expiry", func(c *Config) { c.Sentry.Expiry = c.Sentry.Interval }, "sentry.expiry"},
		{"version", func(c *Config) { c.Client.MinDataStoreVersion = "latest" }, "min_datastore_version"},
		{"workers", func(c *Config) { c.Dispatch.Workers = 0 }, "dispatch.workers"},
		{"resource kind", func(c *Config) {
			c.Resources = []ResourceConfig{{Name: "x", Kind: "queue", Expression: "^x"}}
		}, "resources[0].kind"},
		{"resource expression", func(c *Config) {
			c.Resources = []ResourceConfig{{Name: "x", Kind: "status", Expression: "(["}}
		}, "resources[0].expression"},
		{"resource shadows sentry channel", func(c *Config) {
			c.Resources = []ResourceConfig{{Name: "all", Kind: "status", Expression: ".*"}}
		}, "matches sentry.channel"},
		{"duplicate resource", func(c *Config) {
			c.Resources = []ResourceConfig{
				{Name: "x", Kind: "status", Expression: "^a"},
				{Name: "x", Kind: "status", Expression: "^b"},
			}
		}, "duplicated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Dispatch.QueueSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "dispatch.queue_size")
}

func TestResourceTypes(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		types, err := Default().ResourceTypes()
		require.NoError(t, err)
		typ, ok := types.Match("status:/app/x")
		require.True(t, ok)
		assert.Equal(t, resource.KindStatus, typ.Kind)
	})

	t.Run("configured, first match wins", func(t *testing.T) {
		cfg := Default()
		cfg.Resources = []ResourceConfig{
			{Name: "chat", Kind: "message_list", Expression: "^message:/chat/",
				Policy: PolicyConfig{MaxLength: 50, MaxPersistence: Duration(time.Hour), AuthProvider: "account"}},
			{Name: "any", Kind: "message_list", Expression: "^message:/"},
		}
		types, err := cfg.ResourceTypes()
		require.NoError(t, err)

		typ, ok := types.Match("message:/chat/general")
		require.True(t, ok)
		assert.Equal(t, "chat", typ.Name)
		assert.Equal(t, 50, typ.Policy.MaxLength)
		assert.Equal(t, time.Hour, typ.Policy.MaxPersistence)
		assert.Equal(t, "account", typ.Policy.AuthProvider)

		typ, ok = types.Match("message:/other")
		require.True(t, ok)
		assert.Equal(t, "any", typ.Name)

		_, ok = types.Match("status:/x")
		assert.False(t, ok, "configured types replace the defaults")
	})

	t.Run("bad kind", func(t *testing.T) {
		cfg := Default()
		cfg.Resources = []ResourceConfig{{Name: "x", Kind: "queue", Expression: "^x"}}
		_, err := cfg.ResourceTypes()
		assert.Error(t, err)
	})
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.json")
	cfg := Default()
	cfg.Client.DataTTL = Duration(14 * 24 * time.Hour)
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := newTestLoader(nil).LoadFile(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("round trip mismatch (-saved +loaded):\n%s", diff)
	}
}

func TestClone_IsDeep(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()
	clone.NATS.URLs[0] = "nats://changed:4222"
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URLs[0])
}
