package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// ChainRPCConfig maps a chain id to the RPC endpoint the EvmBackend forks
// from at plan creation.
type ChainRPCConfig struct {
	ChainID uint64 `json:"chain_id"`
	URL     string `json:"url"`
}

// BackendConfig holds EvmBackend fork settings.
type BackendConfig struct {
	ChainRPCs       []ChainRPCConfig `json:"chain_rpcs"`
	DefaultForkRPC  string           `json:"default_fork_rpc"`  // fallback for transactions with no explicit rpc_url
	ForkRetries     int              `json:"fork_retries"`      // default: 3
	ForkRetryDelay  time.Duration    `json:"fork_retry_delay"`  // default: 2s
	DeployerAddress string           `json:"deployer_address"`  // preseeded sender, default: anvil account 0
}

// CacheConfig holds ContractSourceCache tuning.
type CacheConfig struct {
	FailureExpiry time.Duration `json:"failure_expiry"` // how long a Failed entry is returned before re-fetch, default: 30s
}

// SynthesizerConfig holds CodeSynthesizer retry tuning.
type SynthesizerConfig struct {
	MaxAttempts int           `json:"max_attempts"` // default: 3
	RetryDelay  time.Duration `json:"retry_delay"`  // default: 8s, fixed (not exponential)
}

// SchedulerConfig holds PlanOrchestrator scheduling tuning.
type SchedulerConfig struct {
	SourceReadinessDeadline time.Duration `json:"source_readiness_deadline"` // default: 60s
	SourcePollInterval      time.Duration `json:"source_poll_interval"`      // default: 500ms
}

// SolcConfig holds the Solidity compiler wrapper's settings.
type SolcConfig struct {
	BinaryPath      string `json:"binary_path"`      // default: "solc"
	DefaultVersion  string `json:"default_version"`  // default: "^0.8.20"
}

// TestModeConfig holds the deterministic test-mode fast path.
type TestModeConfig struct {
	SkipExecution bool `json:"skip_execution"` // mirrors FORGE_TEST_SKIP_EXECUTION
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	LogLevel string `json:"log_level"`
	HTTPAddr string `json:"http_addr"` // empty disables the HTTP API
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`     // otlp-http, stdout
	Endpoint    string  `json:"endpoint"`     // localhost:4318
	ServiceName string  `json:"service_name"` // forge
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`
	Namespace        string    `json:"namespace"` // forge
	HistogramBuckets []float64 `json:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// ArtifactCaptureConfig holds generated-script capture settings.
type ArtifactCaptureConfig struct {
	Enabled    bool   `json:"enabled"`
	StorageDir string `json:"storage_dir"`
	MaxSize    int64  `json:"max_size"`    // bytes, 0 = unlimited
	RetentionS int    `json:"retention_s"` // seconds before an entry expires
}

// ObservabilityConfig groups all observability-related settings.
type ObservabilityConfig struct {
	Tracing         TracingConfig         `json:"tracing"`
	Metrics         MetricsConfig         `json:"metrics"`
	Logging         LoggingConfig         `json:"logging"`
	ArtifactCapture ArtifactCaptureConfig `json:"artifact_capture"`
}

// Config is the central configuration struct for the forge engine.
type Config struct {
	Backend       BackendConfig       `json:"backend"`
	Cache         CacheConfig         `json:"cache"`
	Synthesizer   SynthesizerConfig   `json:"synthesizer"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Solc          SolcConfig          `json:"solc"`
	TestMode      TestModeConfig      `json:"test_mode"`
	Daemon        DaemonConfig        `json:"daemon"`
	Observability ObservabilityConfig `json:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			ChainRPCs:       nil,
			DefaultForkRPC:  "",
			ForkRetries:     3,
			ForkRetryDelay:  2 * time.Second,
			DeployerAddress: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		},
		Cache: CacheConfig{
			FailureExpiry: 30 * time.Second,
		},
		Synthesizer: SynthesizerConfig{
			MaxAttempts: 3,
			RetryDelay:  8 * time.Second,
		},
		Scheduler: SchedulerConfig{
			SourceReadinessDeadline: 60 * time.Second,
			SourcePollInterval:      500 * time.Millisecond,
		},
		Solc: SolcConfig{
			BinaryPath:     "solc",
			DefaultVersion: "^0.8.20",
		},
		TestMode: TestModeConfig{
			SkipExecution: false,
		},
		Daemon: DaemonConfig{
			LogLevel: "info",
			HTTPAddr: ":8080",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "forge",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "forge",
				HistogramBuckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
			ArtifactCapture: ArtifactCaptureConfig{
				Enabled:    false,
				StorageDir: "./forge-artifacts",
				MaxSize:    1 << 20, // 1 MiB
				RetentionS: 86400,
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON file, layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies FORGE_*-prefixed environment variable overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("FORGE_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("FORGE_DEFAULT_FORK_RPC"); v != "" {
		cfg.Backend.DefaultForkRPC = v
	}
	if v := os.Getenv("AOMI_FORK_RPC"); v != "" && cfg.Backend.DefaultForkRPC == "" {
		cfg.Backend.DefaultForkRPC = v
	}
	if v := os.Getenv("FORGE_FORK_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backend.ForkRetries = n
		}
	}
	if v := os.Getenv("FORGE_FORK_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backend.ForkRetryDelay = d
		}
	}
	if v := os.Getenv("FORGE_DEPLOYER_ADDRESS"); v != "" {
		cfg.Backend.DeployerAddress = v
	}
	if v := os.Getenv("FORGE_CACHE_FAILURE_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.FailureExpiry = d
		}
	}
	if v := os.Getenv("FORGE_SYNTHESIZER_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Synthesizer.MaxAttempts = n
		}
	}
	if v := os.Getenv("FORGE_SYNTHESIZER_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Synthesizer.RetryDelay = d
		}
	}
	if v := os.Getenv("FORGE_SOURCE_READINESS_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.SourceReadinessDeadline = d
		}
	}
	if v := os.Getenv("FORGE_SOURCE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.SourcePollInterval = d
		}
	}
	if v := os.Getenv("FORGE_SOLC_BIN"); v != "" {
		cfg.Solc.BinaryPath = v
	}
	if v := os.Getenv("FORGE_SOLC_VERSION"); v != "" {
		cfg.Solc.DefaultVersion = v
	}
	// FORGE_TEST_SKIP_EXECUTION mirrors the original's presence-only flag:
	// any non-empty value (including "0") enables the fast path.
	if v := os.Getenv("FORGE_TEST_SKIP_EXECUTION"); v != "" {
		cfg.TestMode.SkipExecution = true
	}

	if v := os.Getenv("FORGE_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("FORGE_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("FORGE_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("FORGE_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("FORGE_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("FORGE_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("FORGE_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("FORGE_ARTIFACT_CAPTURE_ENABLED"); v != "" {
		cfg.Observability.ArtifactCapture.Enabled = parseBool(v)
	}
	if v := os.Getenv("FORGE_ARTIFACT_CAPTURE_DIR"); v != "" {
		cfg.Observability.ArtifactCapture.StorageDir = v
	}
}

// ChainRPC looks up the configured RPC URL for a chain id.
func (c *Config) ChainRPC(chainID uint64) (string, bool) {
	for _, cr := range c.Backend.ChainRPCs {
		if cr.ChainID == chainID {
			return cr.URL, true
		}
	}
	return "", false
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
