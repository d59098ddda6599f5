package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
environment:
  log_level: debug
matching:
  price_tolerance_percent: 0.02
  min_match_score: 0.9
ingestion:
  worker_pool_size: 3
  feed_timeout: 30s
feeds:
  internal:
    driver: postgres
    dsn: postgres://localhost/trades
    table: trades
  externals:
    - source: broker_a
      kind: csv
      path: /data/broker_a.csv
    - source: custodian
      kind: tagvalue
      path: /data/custodian.txt
      delimiter: ";"
storage:
  backend: memory
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Environment.LogLevel != "debug" {
		t.Errorf("log level = %s", cfg.Environment.LogLevel)
	}
	if cfg.Matching.PriceTolerancePercent != 0.02 {
		t.Errorf("price tolerance = %v", cfg.Matching.PriceTolerancePercent)
	}
	if cfg.Matching.MinMatchScore != 0.9 {
		t.Errorf("min match score = %v", cfg.Matching.MinMatchScore)
	}
	if len(cfg.Feeds.Externals) != 2 {
		t.Fatalf("externals = %d", len(cfg.Feeds.Externals))
	}
	if cfg.Feeds.Externals[1].Delimiter != ";" {
		t.Errorf("delimiter = %q", cfg.Feeds.Externals[1].Delimiter)
	}

	d, err := cfg.FeedTimeout()
	if err != nil {
		t.Fatalf("FeedTimeout: %v", err)
	}
	if d != 30*time.Second {
		t.Errorf("feed timeout = %s", d)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "storage:\n  backend: memory\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Environment.LogLevel != "info" {
		t.Errorf("default log level = %s", cfg.Environment.LogLevel)
	}
	if cfg.Matching.MinMatchScore != 0.85 {
		t.Errorf("default min match score = %v", cfg.Matching.MinMatchScore)
	}
	if cfg.Matching.PriceTolerancePercent != 0.01 {
		t.Errorf("default price tolerance = %v", cfg.Matching.PriceTolerancePercent)
	}
	if cfg.Ingestion.WorkerPoolSize != 5 {
		t.Errorf("default pool size = %d", cfg.Ingestion.WorkerPoolSize)
	}
	if cfg.Ingestion.LateBookingTimezone != "America/New_York" {
		t.Errorf("default timezone = %s", cfg.Ingestion.LateBookingTimezone)
	}

	d, err := cfg.FeedTimeout()
	if err != nil || d != 5*time.Minute {
		t.Errorf("default feed timeout = %s, %v", d, err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, `
matching:
  min_match_scoer: 0.9
storage:
  backend: memory
`))
	if err == nil {
		t.Fatal("a misspelled key must be rejected")
	}
	if !strings.Contains(err.Error(), "min_match_scoer") {
		t.Errorf("error does not name the offending key: %v", err)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("RECON_TEST_DSN", "postgres://secret@db/recon")
	cfg, err := Load(writeConfig(t, `
storage:
  backend: postgres
  dsn: ${RECON_TEST_DSN}
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DSN != "postgres://secret@db/recon" {
		t.Errorf("dsn = %q", cfg.Storage.DSN)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing config file must error")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad log level",
			yaml: "environment:\n  log_level: verbose\n",
			want: "log_level",
		},
		{
			name: "tolerance out of range",
			yaml: "matching:\n  price_tolerance_percent: 1.5\n",
			want: "price_tolerance_percent",
		},
		{
			name: "score above one",
			yaml: "matching:\n  min_match_score: 1.2\n",
			want: "min_match_score",
		},
		{
			name: "bad feed kind",
			yaml: "feeds:\n  externals:\n    - source: broker_a\n      kind: xml\n      path: /x\n",
			want: "kind",
		},
		{
			name: "duplicate feed source",
			yaml: "feeds:\n  externals:\n    - source: broker_a\n      kind: csv\n      path: /a\n    - source: broker_a\n      kind: csv\n      path: /b\n",
			want: "duplicate source",
		},
		{
			name: "feed without path",
			yaml: "feeds:\n  externals:\n    - source: broker_a\n      kind: csv\n",
			want: "path",
		},
		{
			name: "postgres without dsn",
			yaml: "storage:\n  backend: postgres\n",
			want: "storage.dsn",
		},
		{
			name: "unknown backend",
			yaml: "storage:\n  backend: redis\n",
			want: "backend",
		},
		{
			name: "bad feed timeout",
			yaml: "ingestion:\n  feed_timeout: soon\n",
			want: "feed_timeout",
		},
		{
			name: "negative feed timeout",
			yaml: "ingestion:\n  feed_timeout: -5s\n",
			want: "feed_timeout",
		},
		{
			name: "bad timezone",
			yaml: "ingestion:\n  late_booking_timezone: Mars/Olympus\n",
			want: "late_booking_timezone",
		},
	}

	for _, tc := range cases {
		_, err := Load(writeConfig(t, tc.yaml))
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}
