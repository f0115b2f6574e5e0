// Package dumper binds the pg_dump and pg_dumpall tools as streaming dump sources.
package dumper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fgeck/gopgbackup/internal/models"
	"github.com/rs/zerolog"
)

// Tool names.
const (
	PgDump    = "pg_dump"
	PgDumpall = "pg_dumpall"
)

const waitDelay = 10 * time.Second

// Service defines the interface for dump operations. Streams returned by
// Dump and DumpRoles report the tool's exit status from Close.
type Service interface {
	CheckTools() error
	Dump(ctx context.Context, target models.ConnectionTarget, env []string, database string, opts models.DumpOptions) (io.ReadCloser, error)
	DumpRoles(ctx context.Context, target models.ConnectionTarget, env []string, opts models.RoleDumpOptions) (io.ReadCloser, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	LookPath(name string) (string, error)
	Start(ctx context.Context, env []string, name string, args ...string) (io.ReadCloser, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// LookPath resolves name in PATH.
func (e *DefaultExecutor) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Start runs name and returns its stdout. Closing the stream waits for the
// process; stderr is included in the error when it exits non-zero.
func (e *DefaultExecutor) Start(ctx context.Context, env []string, name string, args ...string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = waitDelay

	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	return &processStream{name: name, cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type processStream struct {
	name   string
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	eof    bool
	once   sync.Once
	err    error
}

func (p *processStream) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if errors.Is(err, io.EOF) {
		p.eof = true
	}
	return n, err
}

func (p *processStream) Close() error {
	p.once.Do(func() {
		// A consumer that gave up early would leave the tool blocked on a full pipe.
		if !p.eof && p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}

		if err := p.cmd.Wait(); err != nil {
			msg := strings.TrimSpace(p.stderr.String())
			if msg != "" {
				p.err = fmt.Errorf("%s failed: %w: %s", p.name, err, msg)
			} else {
				p.err = fmt.Errorf("%s failed: %w", p.name, err)
			}
		}
	})
	return p.err
}

// Impl implements the dumper Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new dumper service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithExecutor creates a new dumper service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
	}
}

// CheckTools verifies pg_dump and pg_dumpall are installed.
func (s *Impl) CheckTools() error {
	for _, tool := range []string{PgDump, PgDumpall} {
		path, err := s.executor.LookPath(tool)
		if err != nil {
			return fmt.Errorf("%s not found in PATH: %w", tool, err)
		}
		s.logger.Debug().Str("tool", tool).Str("path", path).Msg("found dump tool")
	}
	return nil
}

func connArgs(target models.ConnectionTarget) []string {
	// -w: never prompt, the password comes from PGPASSFILE.
	return []string{
		"-h", target.Host,
		"-p", strconv.Itoa(target.Port),
		"-U", target.Username,
		"-w",
	}
}

// Dump starts pg_dump for database in plain SQL format.
func (s *Impl) Dump(ctx context.Context, target models.ConnectionTarget, env []string, database string, opts models.DumpOptions) (io.ReadCloser, error) {
	args := connArgs(target)
	if opts.Create {
		args = append(args, "--create")
	}
	if opts.Clean {
		args = append(args, "--clean")
	}
	if opts.NoOwner {
		args = append(args, "--no-owner")
	}
	args = append(args, database)

	s.logger.Debug().Str("database", database).Strs("args", args).Msg("running pg_dump")

	return s.executor.Start(ctx, env, PgDump, args...)
}

// DumpRoles starts pg_dumpall for roles and their memberships only.
func (s *Impl) DumpRoles(ctx context.Context, target models.ConnectionTarget, env []string, opts models.RoleDumpOptions) (io.ReadCloser, error) {
	args := connArgs(target)
	if target.MaintenanceDB != "" {
		args = append(args, "-l", target.MaintenanceDB)
	}
	args = append(args, "--roles-only")
	if opts.NoRolePasswords {
		// Reads pg_roles instead of pg_authid, so restricted servers still work.
		args = append(args, "--no-role-passwords")
	}

	s.logger.Debug().Strs("args", args).Msg("running pg_dumpall")

	return s.executor.Start(ctx, env, PgDumpall, args...)
}
