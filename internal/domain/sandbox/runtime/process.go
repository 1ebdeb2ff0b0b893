package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// maxOutputBytes caps captured stdout/stderr per command (10 MB).
const maxOutputBytes = 10 * 1024 * 1024

// ProcessRuntime runs each sandbox as a host process group rooted in its
// workspace directory. It is the default runtime: cheap, no daemon
// dependency, and sufficient isolation for trusted templates.
type ProcessRuntime struct{}

// NewProcessRuntime creates a process-based runtime.
func NewProcessRuntime() *ProcessRuntime {
	return &ProcessRuntime{}
}

// Start launches the dev server in its own process group. Output goes to
// DevServerLog inside the workspace so it survives the process and can be
// tailed over the API.
func (r *ProcessRuntime) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty dev server command")
	}

	logPath := filepath.Join(spec.Workspace, DevServerLog)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dev server log: %w", err)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Workspace
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start dev server: %w", err)
	}

	h := &processHandle{
		workspace: spec.Workspace,
		cmd:       cmd,
		logFile:   logFile,
		done:      make(chan struct{}),
	}

	// Reap the dev server when it exits on its own.
	go func() {
		cmd.Wait()
		close(h.done)
	}()

	return h, nil
}

type processHandle struct {
	workspace string
	cmd       *exec.Cmd
	logFile   *os.File

	done     chan struct{}
	stopOnce sync.Once
}

// Exec runs command under /bin/sh in the workspace. The command gets its own
// process group so a timeout can kill the whole tree, not just the shell.
func (h *processHandle) Exec(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = h.workspace
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newCappedBuffer(maxOutputBytes)
	stderr := newCappedBuffer(maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return ExecResult{}, fmt.Errorf("start command: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-waitCh:
	case <-timer.C:
		timedOut = true
		killGroup(cmd)
		<-waitCh
	case <-ctx.Done():
		killGroup(cmd)
		<-waitCh
		return ExecResult{}, ctx.Err()
	}

	res := ExecResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		TimedOut: timedOut,
	}
	return res, nil
}

// Stop terminates the dev server: SIGTERM to the group, SIGKILL if it
// lingers. Safe to call multiple times.
func (h *processHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		if pgid, err := syscall.Getpgid(h.cmd.Process.Pid); err == nil {
			syscall.Kill(-pgid, syscall.SIGTERM)
		}

		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			killGroup(h.cmd)
			<-h.done
		case <-ctx.Done():
			killGroup(h.cmd)
		}

		h.logFile.Close()
	})
	return nil
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	cmd.Process.Kill()
}

// cappedBuffer keeps the first n bytes and silently drops the rest, so a
// runaway command cannot exhaust memory through its output.
type cappedBuffer struct {
	buf []byte
	cap int
}

func newCappedBuffer(n int) *cappedBuffer {
	return &cappedBuffer{cap: n}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if remaining := b.cap - len(b.buf); remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte { return b.buf }
