package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration in layers:
//  1. built-in defaults
//  2. .env file, if present (values already set in the environment win)
//  3. YAML file (explicit path, VERDICT_CONFIG, ./config.yaml)
//  4. VERDICT_* environment variables
//  5. validation
func LoadConfig(configPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	if path := discoverConfigFile(configPath); path != "" {
		if err := loadYAMLFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	normalizeLanguages(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

func loadDotEnv() error {
	path := os.Getenv("VERDICT_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("VERDICT_CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

// loadYAMLFile overlays the file onto cfg. Language entries present in the
// file replace the defaults field by field, see normalizeLanguages.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	defaults := cfg.Languages
	cfg.Languages = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}

	merged := make(map[string]LanguageProfile, len(defaults))
	for id, p := range defaults {
		merged[id] = p
	}
	for id, p := range cfg.Languages {
		merged[id] = mergeProfile(defaults[id], p)
	}
	cfg.Languages = merged
	return nil
}

func mergeProfile(base, override LanguageProfile) LanguageProfile {
	out := base
	out.Disabled = override.Disabled
	if override.Image != "" {
		out.Image = override.Image
	}
	if override.WallMultiplier > 0 {
		out.WallMultiplier = override.WallMultiplier
	}
	if override.CPUMultiplier > 0 {
		out.CPUMultiplier = override.CPUMultiplier
	}
	if override.MemoryMultiplier > 0 {
		out.MemoryMultiplier = override.MemoryMultiplier
	}
	if override.LimitAddressSpace != nil {
		out.LimitAddressSpace = override.LimitAddressSpace
	}
	return out
}

func normalizeLanguages(cfg *Config) {
	for id, p := range cfg.Languages {
		if p.WallMultiplier <= 0 {
			p.WallMultiplier = 1
		}
		if p.CPUMultiplier <= 0 {
			p.CPUMultiplier = 1
		}
		if p.MemoryMultiplier <= 0 {
			p.MemoryMultiplier = 1
		}
		cfg.Languages[id] = p
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("VERDICT_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("VERDICT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("VERDICT_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("VERDICT_SANDBOX_BACKEND"); v != "" {
		cfg.Sandbox.Backend = v
	}
	if v := os.Getenv("VERDICT_WORK_ROOT"); v != "" {
		cfg.Sandbox.WorkRoot = v
	}

	if err := envInt("VERDICT_WORKERS", &cfg.Scheduler.Workers); err != nil {
		return err
	}
	if err := envInt("VERDICT_QUEUE_SIZE", &cfg.Scheduler.QueueSize); err != nil {
		return err
	}
	if err := envDuration("VERDICT_WALL_CLOCK", &cfg.Limits.WallClock); err != nil {
		return err
	}
	if err := envDuration("VERDICT_CPU_TIME", &cfg.Limits.CPUTime); err != nil {
		return err
	}
	if err := envInt64("VERDICT_MEMORY_BYTES", &cfg.Limits.MemoryBytes); err != nil {
		return err
	}
	if err := envBool("VERDICT_ISOLATE_NETWORK", &cfg.Sandbox.IsolateNetwork); err != nil {
		return err
	}
	if err := envBool("VERDICT_ISOLATE_FILESYSTEM", &cfg.Sandbox.IsolateFilesystem); err != nil {
		return err
	}
	if err := envBool("VERDICT_ALLOW_UNISOLATED", &cfg.Sandbox.AllowUnisolated); err != nil {
		return err
	}
	if err := envBool("VERDICT_RATE_LIMIT", &cfg.RateLimit.Enabled); err != nil {
		return err
	}

	if err := envBool("VERDICT_DB_ENABLED", &cfg.Db.Enabled); err != nil {
		return err
	}
	if v := os.Getenv("VERDICT_DB_HOST"); v != "" {
		cfg.Db.Host = v
	}
	if err := envInt("VERDICT_DB_PORT", &cfg.Db.Port); err != nil {
		return err
	}
	if v := os.Getenv("VERDICT_DB_USER"); v != "" {
		cfg.Db.User = v
	}
	if v := os.Getenv("VERDICT_DB_PASSWORD"); v != "" {
		cfg.Db.Password = v
	}
	if v := os.Getenv("VERDICT_DB_NAME"); v != "" {
		cfg.Db.Name = v
	}
	if v := os.Getenv("VERDICT_DB_SSLMODE"); v != "" {
		cfg.Db.SSLMode = v
	}

	// VERDICT_LANGUAGES restricts the enabled set, e.g. "python,javascript".
	if v := os.Getenv("VERDICT_LANGUAGES"); v != "" {
		enabled := make(map[string]bool)
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				enabled[id] = true
			}
		}
		for id, p := range cfg.Languages {
			p.Disabled = !enabled[id]
			cfg.Languages[id] = p
		}
	}

	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
