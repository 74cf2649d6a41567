//go:build !linux

package sandbox

import (
	"context"
	"errors"

	"github.com/itstheanurag/verdict/internal/config"
	"github.com/rs/zerolog"
)

// InitCommand is only meaningful on Linux.
const InitCommand = "__verdict_sandbox_init"

// MaybeRunInit is a no-op outside Linux.
func MaybeRunInit() {}

// ProcessSandbox is unavailable outside Linux; use the docker backend.
type ProcessSandbox struct {
	Executable string
}

func NewProcessSandbox(config.SandboxConfig, *zerolog.Logger) (*ProcessSandbox, error) {
	return nil, errors.New("process sandbox requires linux")
}

func (s *ProcessSandbox) Run(context.Context, *Job) (*RawResult, error) {
	return nil, ErrSpawn
}

func (s *ProcessSandbox) Prepare(context.Context, []string) error { return nil }

func (s *ProcessSandbox) Close() error { return nil }
