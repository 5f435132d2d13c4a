package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/petrelhq/petrel/internal/home"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string
	WebDir   string

	LLMProvider  string
	LLMModel     string
	LLMAPIKey    string
	RestartToken string

	MaxIterations         int
	SubagentMaxIterations int
	MaxCorrections        int

	CheckpointInterval int
	TokenThreshold     int
	KeepTail           int
	PressureGentleAt   int
	PressureFirmAt     int
	PressureUrgentAt   int

	SubagentCapacity int
	SubagentWait     time.Duration

	ToolTimeout    time.Duration
	TruncateLimit  int
	CacheCapacity  int
	CacheTTL       time.Duration

	MaxTokensPerSession int
	MaxCostPerSession   float64
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("PETREL_DATA_DIR", home.DataDir())
	return Config{
		HTTPAddr: getEnv("PETREL_HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnv("PETREL_DB_PATH", filepath.Join(dataDir, "petrel.db")),
		WebDir:   getEnv("PETREL_WEB_DIR", "web"),

		LLMProvider:  getEnv("PETREL_LLM_PROVIDER", "openai-responses"),
		LLMModel:     getEnv("PETREL_LLM_MODEL", ""),
		LLMAPIKey:    getEnv("PETREL_LLM_API_KEY", ""),
		RestartToken: getEnv("PETREL_RESTART_TOKEN", ""),

		MaxIterations:         getEnvInt("PETREL_MAX_ITERATIONS", 20),
		SubagentMaxIterations: getEnvInt("PETREL_SUBAGENT_MAX_ITERATIONS", 10),
		MaxCorrections:        getEnvInt("PETREL_MAX_CORRECTIONS", 2),

		CheckpointInterval: getEnvInt("PETREL_CHECKPOINT_INTERVAL", 5),
		TokenThreshold:     getEnvInt("PETREL_TOKEN_THRESHOLD", 60000),
		KeepTail:           getEnvInt("PETREL_KEEP_TAIL", 8),
		PressureGentleAt:   getEnvInt("PETREL_PRESSURE_GENTLE_AT", 10),
		PressureFirmAt:     getEnvInt("PETREL_PRESSURE_FIRM_AT", 20),
		PressureUrgentAt:   getEnvInt("PETREL_PRESSURE_URGENT_AT", 30),

		SubagentCapacity: getEnvInt("PETREL_SUBAGENT_CAPACITY", 4),
		SubagentWait:     getEnvDuration("PETREL_SUBAGENT_WAIT", 2*time.Second),

		ToolTimeout:   getEnvDuration("PETREL_TOOL_TIMEOUT", 30*time.Second),
		TruncateLimit: getEnvInt("PETREL_TRUNCATE_LIMIT", 4000),
		CacheCapacity: getEnvInt("PETREL_CACHE_CAPACITY", 128),
		CacheTTL:      getEnvDuration("PETREL_CACHE_TTL", 5*time.Minute),

		MaxTokensPerSession: getEnvInt("PETREL_MAX_TOKENS_PER_SESSION", 0),
		MaxCostPerSession:   getEnvFloat("PETREL_MAX_COST_PER_SESSION", 0),
	}
}

func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("PETREL_MAX_ITERATIONS must be > 0")
	}
	if c.MaxCorrections <= 0 {
		return fmt.Errorf("PETREL_MAX_CORRECTIONS must be > 0")
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("PETREL_CHECKPOINT_INTERVAL must be > 0")
	}
	if c.KeepTail <= 0 {
		return fmt.Errorf("PETREL_KEEP_TAIL must be > 0")
	}
	if c.SubagentCapacity <= 0 {
		return fmt.Errorf("PETREL_SUBAGENT_CAPACITY must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
