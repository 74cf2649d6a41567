package config

import (
	"os"
	"time"
)

type Config struct {
	Server    ServerConfig               `yaml:"server"`
	Log       LogConfig                  `yaml:"log"`
	Scheduler SchedulerConfig            `yaml:"scheduler"`
	Limits    LimitsConfig               `yaml:"limits"`
	Sandbox   SandboxConfig              `yaml:"sandbox"`
	RateLimit RateLimitConfig            `yaml:"rate_limit"`
	Db        DbConfig                   `yaml:"db"`
	Languages map[string]LanguageProfile `yaml:"languages"`
}

type ServerConfig struct {
	Port         string `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
	IdleTimeout  int    `yaml:"idle_timeout"`  // seconds
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type SchedulerConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	ResultTTL time.Duration `yaml:"result_ttl"`
}

// LimitsConfig holds the per-job ceilings before language multipliers apply.
type LimitsConfig struct {
	WallClock       time.Duration `yaml:"wall_clock"`
	CPUTime         time.Duration `yaml:"cpu_time"`
	MemoryBytes     int64         `yaml:"memory_bytes"`
	FileSizeBytes   int64         `yaml:"file_size_bytes"`
	MaxProcesses    int           `yaml:"max_processes"`
	OpenFiles       int           `yaml:"open_files"`
	OutputBytes     int           `yaml:"output_bytes"`
	DiagnosticBytes int           `yaml:"diagnostic_bytes"`
	MaxCodeBytes    int           `yaml:"max_code_bytes"`
	MaxTests        int           `yaml:"max_tests"`
}

type SandboxConfig struct {
	Backend        string `yaml:"backend"` // process or docker
	WorkRoot       string `yaml:"work_root"`
	IsolateNetwork bool   `yaml:"isolate_network"`
	// IsolateFilesystem runs process jobs in their own mount and pid
	// namespaces with a private root: read-only host paths, the workspace
	// and a private /tmp.
	IsolateFilesystem bool     `yaml:"isolate_filesystem"`
	ReadOnlyPaths     []string `yaml:"readonly_paths"`
	TmpSizeBytes      int64    `yaml:"tmp_size_bytes"`
	// AllowUnisolated lets jobs run without namespaces when the host
	// refuses them. Off by default: such jobs fail instead.
	AllowUnisolated bool   `yaml:"allow_unisolated"`
	RunAsUID        int    `yaml:"run_as_uid"` // -1 keeps the service uid
	RunAsGID        int    `yaml:"run_as_gid"`
	DockerUser      string `yaml:"docker_user"`
	PidsLimit       int64  `yaml:"pids_limit"`
}

type RateLimitConfig struct {
	Enabled    bool          `yaml:"enabled"`
	GlobalRPS  float64       `yaml:"global_rps"`
	PerIPRPS   float64       `yaml:"per_ip_rps"`
	PerIPBurst int           `yaml:"per_ip_burst"`
	IdleEvict  time.Duration `yaml:"idle_evict"`
}

type DbConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// LanguageProfile is the data-driven policy for one supported language.
// Zero multipliers mean 1.
type LanguageProfile struct {
	Disabled          bool    `yaml:"disabled"`
	Image             string  `yaml:"image"`
	WallMultiplier    float64 `yaml:"wall_multiplier"`
	CPUMultiplier     float64 `yaml:"cpu_multiplier"`
	MemoryMultiplier  float64 `yaml:"memory_multiplier"`
	LimitAddressSpace *bool   `yaml:"limit_address_space"`
}

// AddressSpaceLimited reports whether RLIMIT_AS should be applied.
func (p LanguageProfile) AddressSpaceLimited() bool {
	return p.LimitAddressSpace == nil || *p.LimitAddressSpace
}

func boolPtr(b bool) *bool { return &b }

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  15,
			WriteTimeout: 120,
			IdleTimeout:  60,
			MaxBodyBytes: 1 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Scheduler: SchedulerConfig{
			Workers:   5,
			QueueSize: 100,
			ResultTTL: 10 * time.Minute,
		},
		Limits: LimitsConfig{
			WallClock:       5 * time.Second,
			CPUTime:         3 * time.Second,
			MemoryBytes:     256 << 20,
			FileSizeBytes:   8 << 20,
			MaxProcesses:    64,
			OpenFiles:       64,
			OutputBytes:     64 << 10,
			DiagnosticBytes: 4 << 10,
			MaxCodeBytes:    64 << 10,
			MaxTests:        100,
		},
		Sandbox: SandboxConfig{
			Backend:           "process",
			WorkRoot:          os.TempDir(),
			IsolateNetwork:    true,
			IsolateFilesystem: true,
			ReadOnlyPaths:     DefaultReadOnlyPaths(),
			TmpSizeBytes:      64 << 20,
			RunAsUID:          -1,
			RunAsGID:          -1,
			DockerUser:        "nobody",
			PidsLimit:         64,
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			GlobalRPS:  100,
			PerIPRPS:   10,
			PerIPBurst: 20,
			IdleEvict:  5 * time.Minute,
		},
		Db: DbConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    5432,
			User:    "verdict",
			Name:    "verdict",
			SSLMode: "disable",
		},
		Languages: DefaultLanguages(),
	}
}

// DefaultReadOnlyPaths are the host directories an isolated job can read:
// toolchains, shared libraries and /etc. Missing entries are skipped.
func DefaultReadOnlyPaths() []string {
	return []string{"/usr", "/bin", "/sbin", "/lib", "/lib32", "/lib64", "/libx32", "/etc", "/opt"}
}

// DefaultLanguages returns the built-in language profiles. Compiled languages
// get a longer wall-clock budget to cover the compile step.
func DefaultLanguages() map[string]LanguageProfile {
	return map[string]LanguageProfile{
		"python": {
			Image:            "python:3.12-slim",
			WallMultiplier:   1,
			CPUMultiplier:    1,
			MemoryMultiplier: 1,
		},
		"javascript": {
			Image:             "node:20-slim",
			WallMultiplier:    1.5,
			CPUMultiplier:     1.5,
			MemoryMultiplier:  1,
			LimitAddressSpace: boolPtr(false),
		},
		"cpp": {
			Image:            "gcc:13",
			WallMultiplier:   4,
			CPUMultiplier:    4,
			MemoryMultiplier: 2,
		},
		"go": {
			Image:             "golang:1.23",
			WallMultiplier:    6,
			CPUMultiplier:     6,
			MemoryMultiplier:  4,
			LimitAddressSpace: boolPtr(false),
		},
	}
}

// EnabledLanguages returns the ids of languages that are not disabled.
func (c *Config) EnabledLanguages() []string {
	ids := make([]string, 0, len(c.Languages))
	for id, p := range c.Languages {
		if !p.Disabled {
			ids = append(ids, id)
		}
	}
	return ids
}
