package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petrelhq/petrel/internal/home"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("http addr = %q", cfg.HTTPAddr)
	}
	if cfg.MaxIterations != 20 || cfg.SubagentMaxIterations != 10 || cfg.MaxCorrections != 2 {
		t.Fatalf("loop defaults = %d/%d/%d", cfg.MaxIterations, cfg.SubagentMaxIterations, cfg.MaxCorrections)
	}
	if cfg.CheckpointInterval != 5 || cfg.KeepTail != 8 || cfg.TokenThreshold != 60000 {
		t.Fatalf("checkpoint defaults = %d/%d/%d", cfg.CheckpointInterval, cfg.KeepTail, cfg.TokenThreshold)
	}
	if cfg.SubagentCapacity != 4 || cfg.SubagentWait != 2*time.Second {
		t.Fatalf("subagent defaults = %d/%s", cfg.SubagentCapacity, cfg.SubagentWait)
	}
	if cfg.DataDir != home.DataDir() {
		t.Fatalf("data dir = %q, want %q", cfg.DataDir, home.DataDir())
	}
	if cfg.DBPath != filepath.Join(cfg.DataDir, "petrel.db") {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PETREL_MAX_ITERATIONS", "7")
	t.Setenv("PETREL_TOOL_TIMEOUT", "90s")
	t.Setenv("PETREL_MAX_COST_PER_SESSION", "1.25")
	t.Setenv("PETREL_DATA_DIR", "/tmp/petrel-test")

	cfg := Load()
	if cfg.MaxIterations != 7 {
		t.Fatalf("max iterations = %d", cfg.MaxIterations)
	}
	if cfg.ToolTimeout != 90*time.Second {
		t.Fatalf("tool timeout = %s", cfg.ToolTimeout)
	}
	if cfg.MaxCostPerSession != 1.25 {
		t.Fatalf("max cost = %f", cfg.MaxCostPerSession)
	}
	if cfg.DBPath != filepath.Join("/tmp/petrel-test", "petrel.db") {
		t.Fatalf("db path does not follow data dir: %q", cfg.DBPath)
	}
}

func TestMalformedEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("PETREL_MAX_ITERATIONS", "lots")
	t.Setenv("PETREL_CACHE_TTL", "soon")

	cfg := Load()
	if cfg.MaxIterations != 20 {
		t.Fatalf("max iterations = %d", cfg.MaxIterations)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Fatalf("cache ttl = %s", cfg.CacheTTL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := Load()
	cases := []func(Config) Config{
		func(c Config) Config { c.MaxIterations = 0; return c },
		func(c Config) Config { c.MaxCorrections = 0; return c },
		func(c Config) Config { c.CheckpointInterval = 0; return c },
		func(c Config) Config { c.KeepTail = 0; return c },
		func(c Config) Config { c.SubagentCapacity = 0; return c },
	}
	for i, mutate := range cases {
		if err := mutate(base).Validate(); err == nil {
			t.Fatalf("case %d should fail validation", i)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := `# comment
export PETREL_TEST_A="quoted value"
PETREL_TEST_B=plain
PETREL_TEST_C='single'
not a pair
=nokey
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// Process env wins over the file.
	t.Setenv("PETREL_TEST_B", "from-process")
	os.Unsetenv("PETREL_TEST_A")
	os.Unsetenv("PETREL_TEST_C")
	t.Cleanup(func() {
		os.Unsetenv("PETREL_TEST_A")
		os.Unsetenv("PETREL_TEST_C")
	})

	loadDotEnv(path)

	if got := os.Getenv("PETREL_TEST_A"); got != "quoted value" {
		t.Fatalf("A = %q", got)
	}
	if got := os.Getenv("PETREL_TEST_B"); got != "from-process" {
		t.Fatalf("B = %q", got)
	}
	if got := os.Getenv("PETREL_TEST_C"); got != "single" {
		t.Fatalf("C = %q", got)
	}

	// Missing file is silently ignored.
	loadDotEnv(filepath.Join(dir, "missing.env"))
}
