// Package config provides configuration loading for the quaestor daemon.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	// Listen address for the ops endpoint (default ":8090")
	ListenAddr string `yaml:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/quaestor")
	DataDir string `yaml:"data_dir"`

	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// Per-queue worker pools and retry policies.
	Queues QueuesConfig `yaml:"queues"`

	// Risk thresholds for approval routing.
	Risk RiskConfig `yaml:"risk"`

	// Approval lifecycle.
	Approvals ApprovalConfig `yaml:"approvals"`

	// Broadcast pipeline tuning.
	Broadcast BroadcastConfig `yaml:"broadcast"`

	// External push subscribers.
	Push PushConfig `yaml:"push"`

	// Supported chains. RPC endpoints may be overridden per chain via
	// QUAESTOR_CHAIN_RPC_<chain-id>.
	Chains []ChainConfig `yaml:"chains,omitempty"`

	// Signer key material (env preferred, never persisted back).
	Signer SignerConfig `yaml:"signer,omitempty"`

	// Outbound notification channels.
	Notify NotifyConfig `yaml:"notify,omitempty"`

	// Planner (prompt -> plan) provider.
	Planner PlannerConfig `yaml:"planner,omitempty"`

	// Per-user submission throttling.
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`

	// OTLP trace collector endpoint (empty disables tracing).
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// QueuesConfig tunes the four named queues.
type QueuesConfig struct {
	Plan         QueueConfig `yaml:"plan"`
	Transaction  QueueConfig `yaml:"transaction"`
	Simulation   QueueConfig `yaml:"simulation"`
	Notification QueueConfig `yaml:"notification"`
}

// QueueConfig tunes one queue's worker pool and retry policy.
// Duration fields are strings parsed with time.ParseDuration.
type QueueConfig struct {
	Concurrency   int    `yaml:"concurrency"`
	MaxAttempts   int    `yaml:"max_attempts"`
	Backoff       string `yaml:"backoff,omitempty"` // "exponential" or "fixed"
	BackoffBase   string `yaml:"backoff_base,omitempty"`
	KeepCompleted int    `yaml:"keep_completed"`
	KeepFailed    int    `yaml:"keep_failed"`
}

// RiskConfig holds the score thresholds that drive approval routing.
type RiskConfig struct {
	// ApprovalThreshold: score at/above which approval is required.
	ApprovalThreshold float64 `yaml:"approval_threshold"`
	// BlockThreshold: score at/above which risk is CRITICAL.
	BlockThreshold float64 `yaml:"block_threshold"`
	// MaxScore: score above which execution is blocked outright.
	MaxScore float64 `yaml:"max_score"`
}

// ApprovalConfig controls approval expiry.
type ApprovalConfig struct {
	TTL           string `yaml:"ttl"`            // e.g. "60m"
	SweepInterval string `yaml:"sweep_interval"` // e.g. "60s"
}

// BroadcastConfig tunes the transaction worker's network retry loop.
type BroadcastConfig struct {
	MaxAttempts     int    `yaml:"max_attempts"`
	BackoffBase     string `yaml:"backoff_base"`     // e.g. "2s"
	ReceiptInterval string `yaml:"receipt_interval"` // e.g. "3s"
	ReceiptTimeout  string `yaml:"receipt_timeout"`  // e.g. "2m"
}

// PushConfig tunes websocket subscriber liveness.
type PushConfig struct {
	PingInterval    string `yaml:"ping_interval"`    // e.g. "30s"
	LivenessTimeout string `yaml:"liveness_timeout"` // e.g. "60s"
	Buffer          int    `yaml:"buffer"`
}

// ChainConfig describes one supported chain endpoint.
type ChainConfig struct {
	ChainID int64  `yaml:"chain_id"`
	Name    string `yaml:"name,omitempty"`
	RPCURL  string `yaml:"rpc_url"`
}

// SignerConfig locates signing key material. KeyHex wins when both are set.
type SignerConfig struct {
	KeyHex             string `yaml:"key_hex,omitempty"`
	KeystorePath       string `yaml:"keystore_path,omitempty"`
	KeystorePassphrase string `yaml:"keystore_passphrase,omitempty"`
}

// NotifyConfig configures outbound notification channels.
type NotifyConfig struct {
	Email      EmailConfig `yaml:"email,omitempty"`
	WebhookURL string      `yaml:"webhook_url,omitempty"`
	PushURL    string      `yaml:"push_url,omitempty"`
	PushToken  string      `yaml:"push_token,omitempty"`
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	From     string `yaml:"from,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// PlannerConfig configures the prompt -> plan provider.
type PlannerConfig struct {
	Provider string `yaml:"provider,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	Model    string `yaml:"model,omitempty"`
}

// RateLimitConfig configures per-user submission throttling.
type RateLimitConfig struct {
	SubmitPerMinute int `yaml:"submit_per_minute"`
	SubmitBurst     int `yaml:"submit_burst"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8090",
		DataDir:    "/var/lib/quaestor",
		LogLevel:   "info",
		Queues: QueuesConfig{
			Plan:         QueueConfig{Concurrency: 3, MaxAttempts: 3, Backoff: "exponential", BackoffBase: "1s", KeepCompleted: 500, KeepFailed: 1000},
			Transaction:  QueueConfig{Concurrency: 5, MaxAttempts: 3, Backoff: "exponential", BackoffBase: "2s", KeepCompleted: 500, KeepFailed: 1000},
			Simulation:   QueueConfig{Concurrency: 10, MaxAttempts: 2, Backoff: "fixed", BackoffBase: "500ms", KeepCompleted: 500, KeepFailed: 1000},
			Notification: QueueConfig{Concurrency: 10, MaxAttempts: 3, Backoff: "exponential", BackoffBase: "1s", KeepCompleted: 500, KeepFailed: 1000},
		},
		Risk: RiskConfig{
			ApprovalThreshold: 0.5,
			BlockThreshold:    0.85,
			MaxScore:          0.95,
		},
		Approvals: ApprovalConfig{
			TTL:           "60m",
			SweepInterval: "60s",
		},
		Broadcast: BroadcastConfig{
			MaxAttempts:     3,
			BackoffBase:     "2s",
			ReceiptInterval: "3s",
			ReceiptTimeout:  "2m",
		},
		Push: PushConfig{
			PingInterval:    "30s",
			LivenessTimeout: "60s",
			Buffer:          64,
		},
		RateLimit: RateLimitConfig{
			SubmitPerMinute: 60,
			SubmitBurst:     20,
		},
	}
}

// Load reads configuration from a YAML file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("QUAESTOR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("QUAESTOR_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("QUAESTOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("QUAESTOR_SIGNER_KEY"); v != "" {
		cfg.Signer.KeyHex = v
	}
	if v := os.Getenv("QUAESTOR_KEYSTORE"); v != "" {
		cfg.Signer.KeystorePath = v
	}
	if v := os.Getenv("QUAESTOR_KEYSTORE_PASSPHRASE"); v != "" {
		cfg.Signer.KeystorePassphrase = v
	}
	if v := os.Getenv("QUAESTOR_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("QUAESTOR_LLM_PROVIDER"); v != "" {
		cfg.Planner.Provider = v
	}
	if v := os.Getenv("QUAESTOR_LLM_BASE_URL"); v != "" {
		cfg.Planner.BaseURL = v
	}
	if v := os.Getenv("QUAESTOR_LLM_API_KEY"); v != "" {
		cfg.Planner.APIKey = v
	}
	if v := os.Getenv("QUAESTOR_LLM_MODEL"); v != "" {
		cfg.Planner.Model = v
	}
	if v := os.Getenv("QUAESTOR_APPROVAL_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.ApprovalThreshold = f
		}
	}
	if v := os.Getenv("QUAESTOR_BLOCK_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.BlockThreshold = f
		}
	}
	if v := os.Getenv("QUAESTOR_MAX_RISK_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.MaxScore = f
		}
	}
	if v := os.Getenv("QUAESTOR_APPROVAL_TTL"); v != "" {
		cfg.Approvals.TTL = v
	}
	if v := os.Getenv("QUAESTOR_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.SubmitPerMinute = n
		}
	}
	applyQueueEnv("QUAESTOR_PLAN_CONCURRENCY", &cfg.Queues.Plan)
	applyQueueEnv("QUAESTOR_TRANSACTION_CONCURRENCY", &cfg.Queues.Transaction)
	applyQueueEnv("QUAESTOR_SIMULATION_CONCURRENCY", &cfg.Queues.Simulation)
	applyQueueEnv("QUAESTOR_NOTIFICATION_CONCURRENCY", &cfg.Queues.Notification)
	applyChainRPCEnv(&cfg)

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasPlanner returns true if a planner provider is configured.
func (c Config) HasPlanner() bool {
	return c.Planner.Provider != ""
}

// HasSigner returns true if signing key material is configured.
func (c Config) HasSigner() bool {
	return c.Signer.KeyHex != "" || c.Signer.KeystorePath != ""
}

// RPCOverride returns the configured RPC endpoint for a chain id, if any.
func (c Config) RPCOverride(chainID int64) (string, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == chainID && ch.RPCURL != "" {
			return ch.RPCURL, true
		}
	}
	return "", false
}

// Duration parses a config duration string, falling back to def when the
// value is empty or malformed.
func Duration(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func applyQueueEnv(key string, qc *QueueConfig) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			qc.Concurrency = n
		}
	}
}

// applyChainRPCEnv overlays QUAESTOR_CHAIN_RPC_<id> endpoints, adding chains
// that were not in the file.
func applyChainRPCEnv(cfg *Config) {
	const prefix = "QUAESTOR_CHAIN_RPC_"
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		id, err := strconv.ParseInt(kv[len(prefix):eq], 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		url := kv[eq+1:]
		if url == "" {
			continue
		}
		replaced := false
		for i := range cfg.Chains {
			if cfg.Chains[i].ChainID == id {
				cfg.Chains[i].RPCURL = url
				replaced = true
				break
			}
		}
		if !replaced {
			cfg.Chains = append(cfg.Chains, ChainConfig{ChainID: id, RPCURL: url})
		}
	}
}
