// Package supervisor spawns and tears down the external agent CLI process.
//
// One Process owns one child: stdin/stdout are handed to the protocol
// client, stderr is captured in a memory-bounded ring buffer so error
// surfaces can quote the agent's last words without risking OOM on noisy
// agents.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	bridgeerrors "github.com/agentbridge/agentbridge/internal/common/errors"
	"github.com/agentbridge/agentbridge/internal/common/logger"
)

const defaultStderrMaxBytes = 256 * 1024

// SpawnRequest describes the agent process to start.
type SpawnRequest struct {
	// Executable is a name resolved on PATH or an absolute path.
	Executable string

	// Args is the agent's argv after the executable.
	Args []string

	// WorkingDir is the process working directory. Empty inherits ours.
	WorkingDir string

	// Env is merged over the parent environment.
	Env map[string]string

	// StderrMaxBytes caps the stderr ring buffer. Zero uses the default.
	StderrMaxBytes int64

	// ShutdownGrace bounds how long Stop waits after SIGTERM before
	// escalating to SIGKILL.
	ShutdownGrace time.Duration
}

// Process is a running agent child process.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	cmd    *exec.Cmd
	stderr *stderrBuffer
	grace  time.Duration
	logger *logger.Logger

	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	waitErr error
}

// stderrBuffer is a memory-bounded FIFO of stderr lines. Oldest lines are
// evicted once the byte cap is exceeded.
type stderrBuffer struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	lines    []string
}

func newStderrBuffer(maxBytes int64) *stderrBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultStderrMaxBytes
	}
	return &stderrBuffer{maxBytes: maxBytes}
}

func (b *stderrBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, line)
	b.size += int64(len(line))
	for b.size > b.maxBytes && len(b.lines) > 0 {
		b.size -= int64(len(b.lines[0]))
		b.lines = b.lines[1:]
	}
}

func (b *stderrBuffer) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// Spawn resolves the executable, starts the child in its own process
// group, and wires up the stdio pipes. A missing executable surfaces as
// ProcessNotFound with an install hint.
func Spawn(ctx context.Context, req SpawnRequest, log *logger.Logger) (*Process, error) {
	path, err := exec.LookPath(req.Executable)
	if err != nil {
		return nil, bridgeerrors.ProcessNotFound(req.Executable, err)
	}

	cmd := exec.CommandContext(ctx, path, req.Args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = mergeEnv(req.Env)
	// New process group so Stop can kill the whole subprocess tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stderr: %w", err)
	}

	grace := req.ShutdownGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}

	p := &Process{
		Stdin:  stdin,
		Stdout: stdout,
		cmd:    cmd,
		stderr: newStderrBuffer(req.StderrMaxBytes),
		grace:  grace,
		logger: log.WithFields(
			zap.String("component", "supervisor"),
			zap.String("executable", path)),
		done: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, bridgeerrors.ProcessCrashed("agent process failed to start", err)
	}

	p.logger.Info("agent process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("working_dir", req.WorkingDir))

	go p.readStderr(stderr)
	go p.wait()

	return p, nil
}

// RecentStderr returns the buffered stderr lines, oldest first.
func (p *Process) RecentStderr() []string {
	return p.stderr.snapshot()
}

// Done is closed once the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Running reports whether the child is still alive.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Err returns the classified exit error, or nil for a clean exit or a
// still-running process.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Stop terminates the child: SIGTERM to the process group, then SIGKILL
// after the grace period. Returns once the child has exited or the
// context is cancelled.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		if p.cmd.Process == nil {
			return
		}

		pgid, pgErr := syscall.Getpgid(p.cmd.Process.Pid)
		terminate := func(sig syscall.Signal) {
			if pgErr == nil {
				_ = syscall.Kill(-pgid, sig)
			} else {
				_ = p.cmd.Process.Signal(sig)
			}
		}

		terminate(syscall.SIGTERM)

		select {
		case <-p.done:
			return
		case <-ctx.Done():
		case <-time.After(p.grace):
			p.logger.Warn("agent process ignored SIGTERM, escalating",
				zap.Duration("grace", p.grace))
		}
		terminate(syscall.SIGKILL)
	})

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) readStderr(r io.ReadCloser) {
	defer r.Close()
	buf := make([]byte, 4096)
	var partial string
	for {
		n, err := r.Read(buf)
		if n > 0 {
			partial += string(buf[:n])
			for {
				idx := strings.IndexByte(partial, '\n')
				if idx < 0 {
					break
				}
				line := strings.TrimRight(partial[:idx], "\r")
				partial = partial[idx+1:]
				if line != "" {
					p.stderr.append(line)
					p.logger.Debug("agent stderr", zap.String("line", line))
				}
			}
		}
		if err != nil {
			if partial != "" {
				p.stderr.append(partial)
			}
			return
		}
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	if err != nil {
		stderrLines := p.stderr.snapshot()
		msg := "agent process exited unexpectedly"
		if len(stderrLines) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, stderrLines[len(stderrLines)-1])
		}
		p.waitErr = bridgeerrors.ProcessCrashed(msg, err)
	}
	p.mu.Unlock()

	p.logger.Info("agent process exited", zap.Error(err))
	close(p.done)
}

// mergeEnv merges custom variables over the parent environment.
func mergeEnv(env map[string]string) []string {
	if len(env) == 0 {
		return os.Environ()
	}

	base := make(map[string]string, len(env)+64)
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}
	for k, v := range env {
		base[k] = v
	}

	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}
