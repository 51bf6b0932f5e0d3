package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memeloop.json")
	content := `{
		"chain": {"agent_address": "0xa1", "safe_address": "0xaa"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address: %s", cfg.Server.Address)
	}
	if cfg.Chain.Default != "base" {
		t.Fatalf("unexpected default chain: %s", cfg.Chain.Default)
	}
	if cfg.Chain.DefinitionsPath != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("definitions path not anchored to config dir: %s", cfg.Chain.DefinitionsPath)
	}
	if cfg.Consensus.Driver != "local" || cfg.Consensus.Replicas != 1 {
		t.Fatalf("unexpected consensus defaults: %+v", cfg.Consensus)
	}
	if cfg.Storage.KVStore.Driver != "memory" || cfg.Storage.Journal.Driver != "memory" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("data dir not anchored to config dir: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memeloop.json")
	content := `{
		"server": {"address": ":9000"},
		"consensus": {"driver": "rabbitmq", "replicas": 4, "replica_id": "replica-2"},
		"storage": {"kv_store": {"driver": "redis", "addr": "localhost:6379"}}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("explicit address overridden: %s", cfg.Server.Address)
	}
	if cfg.Consensus.Driver != "rabbitmq" || cfg.Consensus.Replicas != 4 {
		t.Fatalf("explicit consensus overridden: %+v", cfg.Consensus)
	}
	if cfg.Consensus.RabbitMQ.Exchange != "memeloop.rounds" {
		t.Fatalf("exchange default missing: %s", cfg.Consensus.RabbitMQ.Exchange)
	}
	if cfg.Storage.KVStore.Driver != "redis" {
		t.Fatalf("explicit kv driver overridden: %s", cfg.Storage.KVStore.Driver)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
