package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/c360/radar/errors"
	"github.com/c360/radar/resource"
)

// Backend names
const (
	BackendMemory = "memory" // single process, nothing shared
	BackendNATS   = "nats"   // core NATS pub/sub plus a JetStream KV bucket
)

// Config is the complete radar server configuration.
type Config struct {
	Backend   string           `json:"backend"`
	Server    ServerConfig     `json:"server"`
	NATS      NATSConfig       `json:"nats"`
	Sentry    SentryConfig     `json:"sentry"`
	Client    ClientConfig     `json:"client"`
	Dispatch  DispatchConfig   `json:"dispatch"`
	Metrics   MetricsConfig    `json:"metrics"`
	Resources []ResourceConfig `json:"resources,omitempty"`
}

// ServerConfig is the client-facing WebSocket listener.
type ServerConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Path            string   `json:"path"`
	ReadTimeout     Duration `json:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout"`
	PingInterval    Duration `json:"ping_interval"`
	MaxMessageBytes int64    `json:"max_message_bytes"`
	MessageRate     float64  `json:"message_rate,omitempty"`
	MessageBurst    int      `json:"message_burst,omitempty"`
	SendQueue       int      `json:"send_queue,omitempty"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// NATSConfig defines the NATS connection and the KV bucket holding
// resource state.
type NATSConfig struct {
	URLs          []string `json:"urls,omitempty"`
	Name          string   `json:"name,omitempty"`
	MaxReconnects int      `json:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait"`
	PingInterval  Duration `json:"ping_interval,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
	SubjectPrefix string   `json:"subject_prefix"`
	KVBucket      string   `json:"kv_bucket"`
	KVHistory     int      `json:"kv_history"`
	KVTTL         Duration `json:"kv_ttl,omitempty"`
}

// SentryConfig tunes the cluster heartbeat. An empty HostPort advertises
// the server address.
type SentryConfig struct {
	HostPort string   `json:"host_port,omitempty"`
	Channel  string   `json:"channel"`
	Interval Duration `json:"interval"`
	Expiry   Duration `json:"expiry"`
}

// ClientConfig governs per-connection client records.
type ClientConfig struct {
	DataTTL             Duration `json:"data_ttl"`
	MinDataStoreVersion string   `json:"min_datastore_version"`
}

// DispatchConfig sizes the dispatcher's background work.
type DispatchConfig struct {
	Workers              int      `json:"workers"`
	QueueSize            int      `json:"queue_size"`
	RetryFailedSubscribe bool     `json:"retry_failed_subscribe"`
	ReapInterval         Duration `json:"reap_interval,omitempty"`
	StopTimeout          Duration `json:"stop_timeout"`
}

// MetricsConfig exposes prometheus metrics. Port 0 serves them on the
// client listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path"`
}

// ResourceConfig declares one resource type. Order matters: the first
// expression matching a name wins.
type ResourceConfig struct {
	Name       string       `json:"name"`
	Kind       string       `json:"kind"`
	Expression string       `json:"expression"`
	Policy     PolicyConfig `json:"policy,omitempty"`
}

// PolicyConfig mirrors resource.Policy.
type PolicyConfig struct {
	MaxPersistence Duration `json:"max_persistence,omitempty"`
	MaxLength      int      `json:"max_length,omitempty"`
	AuthProvider   string   `json:"auth_provider,omitempty"`
}

// Duration is a time.Duration that reads "10s", "14d" or nanoseconds and
// writes the string form.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := parseDurationWithDays(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days := strings.TrimSuffix(s, "d")
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Backend: BackendMemory,
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			Path:            "/engine.io/",
			ReadTimeout:     Duration(60 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			PingInterval:    Duration(25 * time.Second),
			MaxMessageBytes: 1 << 20,
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "radar",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			SubjectPrefix: "radar",
			KVBucket:      "radar_resources",
			KVHistory:     1,
		},
		Sentry: SentryConfig{
			Channel:  "sentry:/radar",
			Interval: Duration(10 * time.Second),
			Expiry:   Duration(20 * time.Second),
		},
		Client: ClientConfig{
			DataTTL:             Duration(90 * time.Second),
			MinDataStoreVersion: "0.13.1",
		},
		Dispatch: DispatchConfig{
			Workers:     8,
			QueueSize:   4096,
			StopTimeout: Duration(5 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns a JSON representation with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{&masked.NATS.Password, &masked.NATS.Token} {
		if *s != "" {
			*s = "***"
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate reports every problem found, combined.
func (c *Config) Validate() error {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...))
	}

	switch c.Backend {
	case BackendMemory:
	case BackendNATS:
		if len(c.NATS.URLs) == 0 {
			fail("nats.urls is required for the nats backend")
		}
		if c.NATS.KVBucket == "" {
			fail("nats.kv_bucket is required for the nats backend")
		}
		if c.NATS.KVHistory < 1 || c.NATS.KVHistory > 64 {
			fail("nats.kv_history must be between 1 and 64, got %d", c.NATS.KVHistory)
		}
	default:
		fail("backend must be %q or %q, got %q", BackendMemory, BackendNATS, c.Backend)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		fail("server.port out of range: %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		fail("server.path must start with /, got %q", c.Server.Path)
	}
	if c.Server.SendQueue < 0 {
		fail("server.send_queue must not be negative")
	}
	if c.Server.MessageRate < 0 || c.Server.MessageBurst < 0 {
		fail("server.message_rate and server.message_burst must not be negative")
	}

	if c.Sentry.Channel == "" {
		fail("sentry.channel is required")
	}
	if c.Sentry.Interval <= 0 {
		fail("sentry.interval must be positive")
	}
	if c.Sentry.Expiry <= c.Sentry.Interval {
		fail("sentry.expiry (%s) must exceed sentry.interval (%s)",
			c.Sentry.Expiry.Std(), c.Sentry.Interval.Std())
	}

	if c.Client.DataTTL < 0 {
		fail("client.data_ttl must not be negative")
	}
	if v := c.Client.MinDataStoreVersion; v != "" && !semver.IsValid("v"+strings.TrimPrefix(v, "v")) {
		fail("client.min_datastore_version is not a semantic version: %q", v)
	}

	if c.Dispatch.Workers < 1 {
		fail("dispatch.workers must be at least 1")
	}
	if c.Dispatch.QueueSize < 1 {
		fail("dispatch.queue_size must be at least 1")
	}
	if c.Dispatch.ReapInterval < 0 {
		fail("dispatch.reap_interval must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Port != 0 && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		fail("metrics.port out of range: %d", c.Metrics.Port)
	}

	seen := make(map[string]bool)
	for i, rc := range c.Resources {
		if rc.Name == "" {
			fail("resources[%d].name is required", i)
		} else if seen[rc.Name] {
			fail("resources[%d].name %q is duplicated", i, rc.Name)
		}
		seen[rc.Name] = true
		if _, err := resource.ParseKind(rc.Kind); err != nil {
			fail("resources[%d].kind: %v", i, err)
		}
		if expr, err := regexp.Compile(rc.Expression); err != nil || rc.Expression == "" {
			fail("resources[%d].expression %q does not compile", i, rc.Expression)
		} else if c.Sentry.Channel != "" && expr.MatchString(c.Sentry.Channel) {
			fail("resources[%d].expression %q matches sentry.channel %q", i, rc.Expression, c.Sentry.Channel)
		}
		if rc.Policy.MaxLength < 0 || rc.Policy.MaxPersistence < 0 {
			fail("resources[%d].policy limits must not be negative", i)
		}
	}
	return errs
}

// ResourceTypes builds the type registry. Without configured resources the
// built-in presence, status and message types are used.
func (c *Config) ResourceTypes() (*resource.TypeRegistry, error) {
	if len(c.Resources) == 0 {
		return resource.NewTypeRegistry(resource.DefaultTypes()...)
	}

	types := make([]*resource.Type, 0, len(c.Resources))
	for _, rc := range c.Resources {
		kind, err := resource.ParseKind(rc.Kind)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "ResourceTypes", "parse kind of "+rc.Name)
		}
		expr, err := regexp.Compile(rc.Expression)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "ResourceTypes", "compile expression of "+rc.Name)
		}
		types = append(types, &resource.Type{
			Name:       rc.Name,
			Kind:       kind,
			Expression: expr,
			Policy: resource.Policy{
				MaxPersistence: rc.Policy.MaxPersistence.Std(),
				MaxLength:      rc.Policy.MaxLength,
				AuthProvider:   rc.Policy.AuthProvider,
			},
		})
	}
	return resource.NewTypeRegistry(types...)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader reading RADAR_* overrides.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "RADAR",
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges every layer over the defaults, applies environment
// overrides and validates when enabled.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "load "+path)
		}
		cfg, err = l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "apply environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "validate configuration")
		}
	}
	return cfg, nil
}

// loadRaw reads a JSON or YAML file, chosen by extension, as a map.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	return raw, nil
}

// mergeFromMap overrides only the fields present in override.
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking
// precedence. Lists are replaced, not merged.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var errs error
	get := func(name string) (string, bool) {
		key := l.envPrefix + "_" + name
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			return "", false
		}
		if err := validateEnvVar(key, val); err != nil {
			errs = multierr.Append(errs, err)
			return "", false
		}
		return val, true
	}
	atoi := func(name string, dst *int) {
		if val, ok := get(name); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	if val, ok := get("BACKEND"); ok {
		cfg.Backend = val
	}
	if val, ok := get("SERVER_HOST"); ok {
		cfg.Server.Host = val
	}
	atoi("SERVER_PORT", &cfg.Server.Port)
	if val, ok := get("SENTRY_HOST_PORT"); ok {
		cfg.Sentry.HostPort = val
	}

	if val, ok := get("NATS_URLS"); ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val, ok := get("NATS_USERNAME"); ok {
		cfg.NATS.Username = val
	}
	if val, ok := get("NATS_PASSWORD"); ok {
		cfg.NATS.Password = val
	}
	if val, ok := get("NATS_TOKEN"); ok {
		cfg.NATS.Token = val
	}

	atoi("DISPATCH_WORKERS", &cfg.Dispatch.Workers)
	atoi("METRICS_PORT", &cfg.Metrics.Port)
	if val, ok := get("METRICS_ENABLED"); ok {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s_METRICS_ENABLED: %w", l.envPrefix, err))
		} else {
			cfg.Metrics.Enabled = enabled
		}
	}
	return errs
}

// SaveToFile writes the configuration as indented JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}
