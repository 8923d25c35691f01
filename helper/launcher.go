package helper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"inscribe/logging"
	"inscribe/progress"
)

const DefaultHelperPath = "/usr/local/bin/inscribe-helper"

// Elevation names the privilege path a helper was started through.
type Elevation string

const (
	ElevationSudo   Elevation = "sudo"
	ElevationPkexec Elevation = "pkexec"
)

var restrictedEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"LC_ALL=C",
}

type Config struct {
	HelperPath string
	SudoPath   string
	PkexecPath string
}

// Launcher starts the privileged helper. It tries non-interactive sudo first
// and falls back to pkexec only when sudo cannot be started at all.
type Launcher struct {
	helperPath string
	sudoPath   string
	pkexecPath string
	slot       *Slot
}

func NewLauncher(cfg Config, slot *Slot) *Launcher {
	l := &Launcher{
		helperPath: cfg.HelperPath,
		sudoPath:   cfg.SudoPath,
		pkexecPath: cfg.PkexecPath,
		slot:       slot,
	}
	if l.helperPath == "" {
		l.helperPath = DefaultHelperPath
	}
	if l.sudoPath == "" {
		l.sudoPath = "sudo"
	}
	if l.pkexecPath == "" {
		l.pkexecPath = "pkexec"
	}
	return l
}

func (l *Launcher) HelperPath() string { return l.helperPath }

// Process is a running helper. Its standard output is discarded; Stderr
// carries the progress stream and is owned by the caller.
type Process struct {
	Pid    int
	Path   Elevation
	Args   []string
	Stderr io.ReadCloser

	cmd *exec.Cmd
}

// Wait blocks until the helper exits and returns its exit status. A helper
// killed by a signal reports -1.
func (p *Process) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (l *Launcher) command(elevation Elevation, args []string) *exec.Cmd {
	var cmd *exec.Cmd
	switch elevation {
	case ElevationSudo:
		cmd = exec.Command(l.sudoPath, append([]string{"-n", l.helperPath}, args...)...)
	default:
		cmd = exec.Command(l.pkexecPath, append([]string{l.helperPath}, args...)...)
	}
	cmd.Env = restrictedEnv
	return cmd
}

// Spawn starts the helper with args and records its PID in the slot.
func (l *Launcher) Spawn(ctx context.Context, args ...string) (*Process, error) {
	logger := logging.GetLogger(ctx).WithFields(logrus.Fields{
		"helper": l.helperPath,
		"args":   strings.Join(args, " "),
	})

	proc, sudoErr := l.start(ElevationSudo, args)
	if sudoErr == nil {
		logger.WithField("pid", proc.Pid).Debug("helper started via sudo")
		return proc, nil
	}
	logger.WithError(sudoErr).Warn("sudo unavailable, falling back to pkexec")

	proc, pkexecErr := l.start(ElevationPkexec, args)
	if pkexecErr != nil {
		return nil, &SpawnError{Sudo: sudoErr, Pkexec: pkexecErr}
	}
	logger.WithField("pid", proc.Pid).Debug("helper started via pkexec")
	return proc, nil
}

func (l *Launcher) start(elevation Elevation, args []string) (*Process, error) {
	cmd := l.command(elevation, args)

	// The read end stays with the caller so Wait never races the reader for
	// the final lines.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	w.Close()

	if l.slot != nil {
		l.slot.SetPID(cmd.Process.Pid)
	}
	return &Process{
		Pid:    cmd.Process.Pid,
		Path:   elevation,
		Args:   args,
		Stderr: r,
		cmd:    cmd,
	}, nil
}

// Result is the outcome of a short helper invocation.
type Result struct {
	ExitCode  int
	Elevation Elevation
	Output    []string
}

func (r *Result) OK() bool { return r.ExitCode == 0 }

// Run executes a short-lived helper verb to completion, collecting its
// diagnostic output. A non-zero exit is reported in Result, not as an error.
func (l *Launcher) Run(ctx context.Context, args ...string) (*Result, error) {
	proc, err := l.Spawn(ctx, args...)
	if err != nil {
		return nil, err
	}

	tail := progress.NewTail(progress.DefaultTailSize)
	dec := progress.NewDecoder(proc.Stderr)
	for line := range dec.Lines() {
		tail.Push(line)
	}
	proc.Stderr.Close()

	code, err := proc.Wait()
	if l.slot != nil {
		l.slot.ClearPID()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to wait for helper: %w", err)
	}

	res := &Result{ExitCode: code, Elevation: proc.Path, Output: tail.Lines()}
	if elevErr := ClassifyExit(proc.Path, code, res.Output); elevErr != nil {
		return res, elevErr
	}
	return res, nil
}

// Elevate asks pkexec to authorize a no-op so that a later helper run does
// not have to prompt.
func (l *Launcher) Elevate(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, l.pkexecPath, "true")
	cmd.Env = restrictedEnv
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		reason := strings.TrimSpace(string(out))
		if reason == "" {
			reason = "authorization was not granted"
		}
		return &ElevationError{Elevation: ElevationPkexec, ExitCode: exitErr.ExitCode(), Reason: reason}
	}
	return fmt.Errorf("failed to run %s: %w", l.pkexecPath, err)
}
