// Package runtime isolates the execution backend behind a narrow interface.
// The lifecycle manager only knows how to start a dev server, execute shell
// commands, and stop the environment; whether that happens in a host process
// group or a container is a deployment choice.
package runtime

import (
	"context"
	"time"
)

// DevServerLog is the file inside the workspace that captures the embedded
// dev server's combined output.
const DevServerLog = ".devserver.log"

// StartSpec describes the environment a sandbox needs.
type StartSpec struct {
	ID        string
	Workspace string   // host directory holding the materialized template
	Command   []string // dev server argv, run from the workspace root
	Env       []string // KEY=VALUE pairs appended to the base environment
	Port      int      // loopback port the dev server must listen on
	Image     string   // container image (docker runtime only)
}

// ExecResult is the raw outcome of a command execution.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
}

// Handle controls one started sandbox environment.
type Handle interface {
	// Exec runs a shell command inside the environment with a hard wall-clock
	// timeout. Timeouts terminate the underlying process, not just the wait.
	Exec(ctx context.Context, command string, timeout time.Duration) (ExecResult, error)

	// Stop tears the environment down. Idempotent.
	Stop(ctx context.Context) error
}

// Runtime starts sandbox environments.
type Runtime interface {
	Start(ctx context.Context, spec StartSpec) (Handle, error)
}
