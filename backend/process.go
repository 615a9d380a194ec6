package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrNotStarted is returned when a Process is used before Start succeeds.
var ErrNotStarted = errors.New("backend process not started")

// Process supervises the backend engine subprocess.
type Process struct {
	log      *slog.Logger
	linkOpts []LinkOption

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	link   *Link

	done     chan struct{}
	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// ProcessOption configures a Process.
type ProcessOption func(*Process)

// WithProcessLogger sets the logger used for lifecycle events and stderr.
func WithProcessLogger(l *slog.Logger) ProcessOption {
	return func(p *Process) {
		if l != nil {
			p.log = l
		}
	}
}

// WithProcessLinkOptions forwards options to the Link bound to the pipes.
func WithProcessLinkOptions(opts ...LinkOption) ProcessOption {
	return func(p *Process) { p.linkOpts = append(p.linkOpts, opts...) }
}

// Start spawns command with args. The child inherits the current environment
// plus env, which holds KEY=VALUE entries. Its stderr is logged line by line
// and never interpreted.
func Start(ctx context.Context, command string, args []string, env []string, opts ...ProcessOption) (*Process, error) {
	p := &Process{
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		done:     make(chan struct{}),
		exitCode: -1,
	}
	for _, opt := range opts {
		opt(p)
	}

	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// stdout is an os.Pipe rather than StdoutPipe so that Wait does not close
	// it while records are still being read.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("start backend %q: %w", command, err)
	}
	_ = stdoutW.Close()

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.link = NewLink(stdin, stdout, append([]LinkOption{WithLinkLogger(p.log)}, p.linkOpts...)...)

	p.log.InfoContext(ctx, "backend.start",
		slog.String("command", command),
		slog.Any("args", args),
		slog.Int("pid", cmd.Process.Pid),
	)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		p.drainStderr(ctx, stderr)
	}()

	go func() {
		// Wait closes the pipes, so stderr must be drained first.
		<-stderrDone
		err := cmd.Wait()

		code := exitStatus(cmd.ProcessState)
		p.mu.Lock()
		p.exitCode = code
		p.waitErr = err
		p.mu.Unlock()

		p.log.Info("backend.exit", slog.Int("code", code))
		close(p.done)
	}()

	return p, nil
}

// exitStatus reports ps as a shell would. A missing state, such as after a
// failed wait, reports -1.
func exitStatus(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

func (p *Process) drainStderr(ctx context.Context, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		p.log.WarnContext(ctx, "backend.stderr", slog.String("line", sc.Text()))
	}
	if err := sc.Err(); err != nil {
		p.log.WarnContext(ctx, "backend.stderr.fail", slog.String("err", err.Error()))
		_, _ = io.Copy(io.Discard, r)
	}
}

// Link returns the Link bound to the process's stdin and stdout.
func (p *Process) Link() *Link { return p.link }

// Pid returns the operating system process ID.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits and returns its exit code. A process
// killed by a signal reports 128 plus the signal number, as shells do.
func (p *Process) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.waitErr
}

// Stop closes the backend's stdin and waits up to timeout for it to exit. A
// process still running is then sent SIGTERM, and killed if it survives a
// second timeout. The stdout reader is closed once the process is gone, which
// unblocks a pending Link.Run.
func (p *Process) Stop(timeout time.Duration) error {
	if p.cmd == nil {
		return ErrNotStarted
	}
	defer func() { _ = p.stdout.Close() }()

	_ = p.stdin.Close()
	if p.waitFor(timeout) {
		return nil
	}

	p.log.Warn("backend.stop.term", slog.Duration("timeout", timeout))
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal backend: %w", err)
	}
	if p.waitFor(timeout) {
		return nil
	}

	p.log.Warn("backend.stop.kill")
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill backend: %w", err)
	}
	<-p.done
	return nil
}

func (p *Process) waitFor(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}
