package sandbox

import (
	"time"
)

// Status is the lifecycle state of a sandbox instance.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusReady        Status = "ready"
	StatusBusy         Status = "busy"
	StatusError        Status = "error"
	StatusDestroyed    Status = "destroyed"
)

// Routable reports whether the proxy may forward traffic to an instance in
// this state.
func (s Status) Routable() bool {
	return s == StatusReady || s == StatusBusy
}

// Instance is the registry view of one live sandbox. Fields are plain values;
// the registry hands out copies, so readers never observe partial writes.
type Instance struct {
	ID             string    `json:"id"`
	Template       string    `json:"template"`
	Status         Status    `json:"status"`
	Port           int       `json:"port"`
	Workspace      string    `json:"workspace"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Error          string    `json:"error,omitempty"`
}

// PendingMedia is a binary payload queued for a sandbox that does not exist
// yet. Ownership transfers to the manager at enqueue time; each entry is
// written exactly once, right after the sandbox becomes ready.
type PendingMedia struct {
	Name string
	Path string // destination relative to the sandbox media dir; defaults to Name
	Data []byte
	Kind string // "image", "video", "audio", ...
}

// CreateOptions control sandbox creation.
type CreateOptions struct {
	// ID is caller-chosen; generated when empty.
	ID string
	// Env is merged into the dev server environment.
	Env map[string]string
	// Media is written into the template's media dir once the sandbox is ready.
	Media []PendingMedia
}

// CommandResult is the outcome of a command run inside a sandbox. A non-zero
// exit is not an error: callers inspect Success.
type CommandResult struct {
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"-"`
}
