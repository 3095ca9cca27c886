package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	TraceStdout    bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Stability   StabilityConfig  `yaml:"stability"`
	Sessions    SessionsConfig   `yaml:"sessions"`
	Router      RouterConfig     `yaml:"router"`
	Node        NodeConfig       `yaml:"node"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	JetStream      bool     `yaml:"jetstream"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// OverlapBand mirrors stability.OverlapBand for YAML.
type OverlapBand struct {
	MaxLen    int     `yaml:"max_len"`
	Threshold float64 `yaml:"threshold"`
}

// StabilityConfig tunes the stability engines. The thresholds are empirical
// and exposed for tuning rather than fixed.
type StabilityConfig struct {
	Mode                string        `yaml:"mode"` // incremental, rewriting
	LockMarginMS        int           `yaml:"lock_margin_ms"`
	SoftLockMS          int           `yaml:"soft_lock_ms"`
	SoftLockProbability float64       `yaml:"soft_lock_probability"`
	OverlapBands        []OverlapBand `yaml:"overlap_bands"`
	OverlapFallback     float64       `yaml:"overlap_fallback"`
}

type SessionsConfig struct {
	IdleFinalizeMS  int `yaml:"idle_finalize_ms"`
	SweepIntervalMS int `yaml:"sweep_interval_ms"`
	MaxSessions     int `yaml:"max_sessions"`
}

type RouterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Subject string `yaml:"subject"`
	Target  string `yaml:"target"`
}

// NodeConfig identifies this runtime on the bus. An empty ID is replaced by a
// random one at startup.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	Role                string `yaml:"role"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-captions",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			JetStream:      true,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-captions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Stability: StabilityConfig{
			Mode:                "incremental",
			LockMarginMS:        100,
			SoftLockMS:          800,
			SoftLockProbability: 0.5,
			OverlapBands: []OverlapBand{
				{MaxLen: 3, Threshold: 0.20},
				{MaxLen: 5, Threshold: 0.30},
				{MaxLen: 7, Threshold: 0.40},
			},
			OverlapFallback: 0.50,
		},
		Sessions: SessionsConfig{
			IdleFinalizeMS:  1500,
			SweepIntervalMS: 250,
			MaxSessions:     256,
		},
		Router: RouterConfig{
			Enabled: true,
			Subject: "mt.commit",
			Target:  "default",
		},
		Node: NodeConfig{
			Role:                "captions",
			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideBool(&cfg.Bus.JetStream, "LOQA_BUS_JETSTREAM")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Stability.Mode, "LOQA_STABILITY_MODE")
	overrideInt(&cfg.Stability.LockMarginMS, "LOQA_STABILITY_LOCK_MARGIN_MS")
	overrideInt(&cfg.Stability.SoftLockMS, "LOQA_STABILITY_SOFT_LOCK_MS")
	overrideFloat(&cfg.Stability.SoftLockProbability, "LOQA_STABILITY_SOFT_LOCK_PROBABILITY")
	overrideFloat(&cfg.Stability.OverlapFallback, "LOQA_STABILITY_OVERLAP_FALLBACK")
	overrideInt(&cfg.Sessions.IdleFinalizeMS, "LOQA_SESSIONS_IDLE_FINALIZE_MS")
	overrideInt(&cfg.Sessions.SweepIntervalMS, "LOQA_SESSIONS_SWEEP_INTERVAL_MS")
	overrideInt(&cfg.Sessions.MaxSessions, "LOQA_SESSIONS_MAX_SESSIONS")
	overrideBool(&cfg.Router.Enabled, "LOQA_ROUTER_ENABLED")
	overrideString(&cfg.Router.Subject, "LOQA_ROUTER_SUBJECT")
	overrideString(&cfg.Router.Target, "LOQA_ROUTER_TARGET")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate checks cfg the same way Load does.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.JetStream && cfg.Bus.StoreDir == "" {
			return errors.New("bus.store_dir must not be empty when jetstream is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Stability.Mode {
	case "incremental", "rewriting":
	default:
		return errors.New("stability.mode must be one of incremental|rewriting")
	}
	if cfg.Stability.LockMarginMS < 0 {
		return errors.New("stability.lock_margin_ms must be >= 0")
	}
	if cfg.Stability.SoftLockMS <= 0 {
		return errors.New("stability.soft_lock_ms must be positive")
	}
	if cfg.Stability.SoftLockProbability < 0 || cfg.Stability.SoftLockProbability > 1 {
		return errors.New("stability.soft_lock_probability must be within [0,1]")
	}
	for i, band := range cfg.Stability.OverlapBands {
		if band.MaxLen <= 0 {
			return fmt.Errorf("stability.overlap_bands[%d].max_len must be positive", i)
		}
		if band.Threshold < 0 || band.Threshold >= 1 {
			return fmt.Errorf("stability.overlap_bands[%d].threshold must be within [0,1)", i)
		}
	}
	if cfg.Stability.OverlapFallback < 0 || cfg.Stability.OverlapFallback >= 1 {
		return errors.New("stability.overlap_fallback must be within [0,1)")
	}
	if cfg.Sessions.IdleFinalizeMS < 0 {
		return errors.New("sessions.idle_finalize_ms must be >= 0")
	}
	if cfg.Sessions.IdleFinalizeMS > 0 && cfg.Sessions.SweepIntervalMS <= 0 {
		return errors.New("sessions.sweep_interval_ms must be positive when idle finalization is enabled")
	}
	if cfg.Sessions.MaxSessions < 0 {
		return errors.New("sessions.max_sessions must be >= 0")
	}
	if cfg.Router.Enabled && strings.TrimSpace(cfg.Router.Subject) == "" {
		return errors.New("router.subject must not be empty when the router is enabled")
	}
	if cfg.Node.HeartbeatIntervalMS <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeoutMS <= cfg.Node.HeartbeatIntervalMS {
		return errors.New("node.heartbeat_timeout_ms must exceed node.heartbeat_interval_ms")
	}
	return nil
}
