package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LockPercent != 20 || cfg.PerKmRate != 12 || cfg.ArrivalRadiusM != 200 {
		t.Fatalf("unexpected ride defaults: %+v", cfg)
	}
	if cfg.NotifiedTTL != 24*time.Hour || cfg.DispatchMaxAttempts != 4 {
		t.Fatalf("unexpected dispatch defaults: %+v", cfg)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " a:9092 , ,b:9092")
	t.Setenv("PER_KM_RATE", "15.5")
	t.Setenv("CLAIM_TTL", "30m")
	t.Setenv("MIGRATE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("brokers not split: %v", cfg.KafkaBrokers)
	}
	if cfg.PerKmRate != 15.5 || cfg.ClaimTTL != 30*time.Minute || !cfg.RunMigrations {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestLoadCollectsErrors(t *testing.T) {
	t.Setenv("NEARBY_LIMIT", "zero")
	t.Setenv("FAST_TIER_TTL", "soon")
	t.Setenv("LOCK_PERCENT", "140")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"NEARBY_LIMIT", "FAST_TIER_TTL", "LOCK_PERCENT"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadFileFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("per_km_rate: 9\nhttp_addr: \":9090\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_ADDR", ":7070")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PerKmRate != 9 {
		t.Fatalf("file value not applied: %v", cfg.PerKmRate)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("env should win over file, got %s", cfg.HTTPAddr)
	}
}
