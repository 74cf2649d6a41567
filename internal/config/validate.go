package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if p, err := strconv.Atoi(c.Server.Port); err != nil || p <= 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be a valid TCP port, got %q", c.Server.Port))
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be \"console\" or \"json\", got %q", c.Log.Format))
	}

	if c.Scheduler.Workers <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.workers must be > 0, got %d", c.Scheduler.Workers))
	}
	if c.Scheduler.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("scheduler.queue_size must be >= 0, got %d", c.Scheduler.QueueSize))
	}
	if c.Scheduler.ResultTTL <= 0 {
		errs = append(errs, errors.New("scheduler.result_ttl must be > 0"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be > 0"))
	}

	if c.Limits.WallClock <= 0 {
		errs = append(errs, errors.New("limits.wall_clock is mandatory and must be > 0"))
	}
	if c.Limits.CPUTime <= 0 {
		errs = append(errs, errors.New("limits.cpu_time must be > 0"))
	}
	if c.Limits.MemoryBytes < 16<<20 {
		errs = append(errs, fmt.Errorf("limits.memory_bytes must be at least 16MiB, got %d", c.Limits.MemoryBytes))
	}
	if c.Limits.OutputBytes <= 0 {
		errs = append(errs, errors.New("limits.output_bytes must be > 0"))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.GlobalRPS <= 0 || c.RateLimit.PerIPRPS <= 0 || c.RateLimit.PerIPBurst <= 0 {
			errs = append(errs, errors.New("rate_limit rates and burst must be > 0 when enabled"))
		}
		if c.RateLimit.IdleEvict <= 0 {
			errs = append(errs, errors.New("rate_limit.idle_evict must be > 0 when enabled"))
		}
	}

	switch c.Sandbox.Backend {
	case "process", "docker":
	default:
		errs = append(errs, fmt.Errorf("sandbox.backend must be \"process\" or \"docker\", got %q", c.Sandbox.Backend))
	}
	if c.Sandbox.WorkRoot == "" {
		errs = append(errs, errors.New("sandbox.work_root is required"))
	}
	if c.Sandbox.Backend == "process" && !c.Sandbox.IsolateFilesystem && !c.Sandbox.AllowUnisolated {
		errs = append(errs, errors.New("sandbox.isolate_filesystem is required for the process backend unless sandbox.allow_unisolated is set"))
	}
	for _, p := range c.Sandbox.ReadOnlyPaths {
		if !filepath.IsAbs(p) || filepath.Clean(p) == "/" {
			errs = append(errs, fmt.Errorf("sandbox.readonly_paths: %q must be an absolute path below /", p))
			continue
		}
		// Every job would see the other jobs' workspaces through the bind.
		if rel, err := filepath.Rel(p, c.Sandbox.WorkRoot); c.Sandbox.IsolateFilesystem && err == nil && rel != ".." && !strings.HasPrefix(rel, "../") {
			errs = append(errs, fmt.Errorf("sandbox.work_root %q must not lie under read-only path %q", c.Sandbox.WorkRoot, p))
		}
	}
	if c.Sandbox.IsolateFilesystem && c.Sandbox.TmpSizeBytes <= 0 {
		errs = append(errs, errors.New("sandbox.tmp_size_bytes must be > 0 when isolate_filesystem is set"))
	}

	if c.Db.Enabled && (c.Db.Host == "" || c.Db.Name == "") {
		errs = append(errs, errors.New("db.host and db.name are required when db.enabled is true"))
	}

	known := DefaultLanguages()
	enabled := 0
	for id, p := range c.Languages {
		if _, ok := known[id]; !ok {
			errs = append(errs, fmt.Errorf("languages.%s has no adapter", id))
			continue
		}
		if p.Disabled {
			continue
		}
		enabled++
		if c.Sandbox.Backend == "docker" && p.Image == "" {
			errs = append(errs, fmt.Errorf("languages.%s.image is required for the docker backend", id))
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("at least one language must be enabled"))
	}

	return errors.Join(errs...)
}
