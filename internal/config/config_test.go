package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultQueues(t *testing.T) {
	cfg := Default()

	cases := []struct {
		name        string
		qc          QueueConfig
		concurrency int
		maxAttempts int
		backoff     string
		base        time.Duration
	}{
		{"plan", cfg.Queues.Plan, 3, 3, "exponential", time.Second},
		{"transaction", cfg.Queues.Transaction, 5, 3, "exponential", 2 * time.Second},
		{"simulation", cfg.Queues.Simulation, 10, 2, "fixed", 500 * time.Millisecond},
		{"notification", cfg.Queues.Notification, 10, 3, "exponential", time.Second},
	}
	for _, tc := range cases {
		if tc.qc.Concurrency != tc.concurrency {
			t.Errorf("%s concurrency = %d, want %d", tc.name, tc.qc.Concurrency, tc.concurrency)
		}
		if tc.qc.MaxAttempts != tc.maxAttempts {
			t.Errorf("%s max_attempts = %d, want %d", tc.name, tc.qc.MaxAttempts, tc.maxAttempts)
		}
		if tc.qc.Backoff != tc.backoff {
			t.Errorf("%s backoff = %q, want %q", tc.name, tc.qc.Backoff, tc.backoff)
		}
		if got := Duration(tc.qc.BackoffBase, 0); got != tc.base {
			t.Errorf("%s backoff_base = %v, want %v", tc.name, got, tc.base)
		}
	}

	if cfg.Risk.ApprovalThreshold != 0.5 || cfg.Risk.BlockThreshold != 0.85 || cfg.Risk.MaxScore != 0.95 {
		t.Errorf("unexpected risk defaults: %+v", cfg.Risk)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quaestor.yaml")
	body := `
listen_addr: ":7001"
data_dir: /tmp/quaestor-test
chains:
  - chain_id: 42220
    name: celo
    rpc_url: https://forno.celo.org
queues:
  transaction:
    concurrency: 2
    max_attempts: 4
    backoff: exponential
    backoff_base: 3s
    keep_completed: 10
    keep_failed: 10
`
	if err := os.WriteFile(path, []byte(body), 0640); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("QUAESTOR_LISTEN_ADDR", ":7002")
	t.Setenv("QUAESTOR_TRANSACTION_CONCURRENCY", "8")
	t.Setenv("QUAESTOR_CHAIN_RPC_42220", "https://rpc.example.org")
	t.Setenv("QUAESTOR_CHAIN_RPC_1", "https://mainnet.example.org")
	t.Setenv("QUAESTOR_MAX_RISK_SCORE", "0.9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":7002" {
		t.Errorf("env should win over file: listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.DataDir != "/tmp/quaestor-test" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Queues.Transaction.Concurrency != 8 {
		t.Errorf("transaction concurrency = %d, want 8", cfg.Queues.Transaction.Concurrency)
	}
	if cfg.Queues.Transaction.MaxAttempts != 4 {
		t.Errorf("transaction max_attempts = %d, want 4", cfg.Queues.Transaction.MaxAttempts)
	}
	if cfg.Risk.MaxScore != 0.9 {
		t.Errorf("max risk score = %v, want 0.9", cfg.Risk.MaxScore)
	}

	if url, ok := cfg.RPCOverride(42220); !ok || url != "https://rpc.example.org" {
		t.Errorf("chain 42220 rpc = %q, %v", url, ok)
	}
	if url, ok := cfg.RPCOverride(1); !ok || url != "https://mainnet.example.org" {
		t.Errorf("chain 1 should have been added from env, got %q, %v", url, ok)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestDurationFallback(t *testing.T) {
	if got := Duration("", 5*time.Second); got != 5*time.Second {
		t.Errorf("empty -> default, got %v", got)
	}
	if got := Duration("bogus", time.Minute); got != time.Minute {
		t.Errorf("malformed -> default, got %v", got)
	}
	if got := Duration("-3s", time.Minute); got != time.Minute {
		t.Errorf("non-positive -> default, got %v", got)
	}
	if got := Duration("90s", time.Minute); got != 90*time.Second {
		t.Errorf("parsed = %v, want 90s", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	cfg := Default()
	cfg.ListenAddr = ":9999"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ListenAddr != ":9999" {
		t.Errorf("round-trip listen_addr = %q", loaded.ListenAddr)
	}
	if loaded.Queues.Simulation.Concurrency != 10 {
		t.Errorf("round-trip simulation concurrency = %d", loaded.Queues.Simulation.Concurrency)
	}
}
