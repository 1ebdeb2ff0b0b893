package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/framewright/backend/internal/domain/sandbox/runtime"
	"github.com/framewright/backend/internal/infrastructure/config"
	"github.com/framewright/backend/internal/infrastructure/logging"
	"github.com/framewright/backend/internal/infrastructure/monitoring"
	"github.com/framewright/backend/internal/shared/errors"
	"github.com/framewright/backend/internal/shared/paths"
)

// Manager owns sandbox creation, mutation, and destruction. It is the only
// writer of the shared registry; everything else reads.
type Manager struct {
	cfg      config.SandboxConfig
	registry *Registry
	runtime  runtime.Runtime
	ports    *PortAllocator
	logger   *logging.Logger
	metrics  *monitoring.Metrics

	mu      sync.Mutex
	handles map[string]runtime.Handle

	pendingMu sync.Mutex
	pending   map[string][]PendingMedia

	// probe checks whether the dev server answers on a port. Swappable in
	// tests.
	probe func(ctx context.Context, port int) bool
}

// NewManager creates a lifecycle manager over the given runtime and registry.
func NewManager(cfg config.SandboxConfig, rt runtime.Runtime, registry *Registry, logger *logging.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		runtime:  rt,
		ports:    NewPortAllocator(cfg.PortMin, cfg.PortMax),
		logger:   logger,
		handles:  make(map[string]runtime.Handle),
		pending:  make(map[string][]PendingMedia),
		probe:    httpProbe,
	}
}

// WithMetrics adds metrics tracking to the manager.
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Get returns the instance with the given ID.
func (m *Manager) Get(id string) (Instance, bool) {
	return m.registry.Get(id)
}

// List returns all live instances.
func (m *Manager) List() []Instance {
	return m.registry.List()
}

// Touch refreshes the instance's activity timestamp. Called on every
// successful command, file, and proxy operation; drives idle eviction.
func (m *Manager) Touch(id string) {
	m.registry.Update(id, func(inst *Instance) {
		inst.LastActivityAt = time.Now()
	})
}

// QueueMedia enqueues binary payloads for a sandbox. If the sandbox is
// already live they are written immediately; otherwise they are held and
// consumed exactly once when the sandbox becomes ready.
func (m *Manager) QueueMedia(id string, entries ...PendingMedia) error {
	if inst, ok := m.registry.Get(id); ok && inst.Status.Routable() {
		tpl, err := LoadTemplate(m.cfg.TemplateRoot, inst.Template)
		if err != nil {
			return err
		}
		return m.writeMedia(inst, tpl, entries)
	}

	m.pendingMu.Lock()
	m.pending[id] = append(m.pending[id], entries...)
	m.pendingMu.Unlock()
	return nil
}

// Create provisions a sandbox from the named template: allocates a loopback
// port, materializes the template into a fresh workspace, starts the embedded
// dev server, and waits for it to answer. On provisioning failure the
// instance is retained in the error state for diagnostics; the caller gets a
// ProvisionFailed error either way.
func (m *Manager) Create(ctx context.Context, template string, opts CreateOptions) (Instance, error) {
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}

	if _, exists := m.registry.Get(id); exists {
		return Instance{}, errors.ProvisionFailedf("sandbox %q already exists", id)
	}

	tpl, err := LoadTemplate(m.cfg.TemplateRoot, template)
	if err != nil {
		return Instance{}, errors.ProvisionFailedf("load template: %v", err)
	}

	port, err := m.ports.Acquire()
	if err != nil {
		if m.metrics != nil {
			m.metrics.ProvisionErrors.Inc()
		}
		return Instance{}, errors.ProvisionFailedf("allocate port: %v", err)
	}

	now := time.Now()
	inst := Instance{
		ID:             id,
		Template:       template,
		Status:         StatusProvisioning,
		Port:           port,
		Workspace:      filepath.Join(m.cfg.WorkRoot, id),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	m.registry.Upsert(inst)

	if err := tpl.Materialize(inst.Workspace); err != nil {
		return m.failProvision(inst, fmt.Errorf("materialize template: %w", err))
	}

	env := []string{fmt.Sprintf("%s=%d", tpl.PortEnv, port)}
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	handle, err := m.runtime.Start(ctx, runtime.StartSpec{
		ID:        id,
		Workspace: inst.Workspace,
		Command:   tpl.DevCommand,
		Env:       env,
		Port:      port,
		Image:     tpl.Image,
	})
	if err != nil {
		return m.failProvision(inst, fmt.Errorf("start dev server: %w", err))
	}

	m.mu.Lock()
	_, registered := m.registry.Get(id)
	if registered {
		m.handles[id] = handle
	}
	m.mu.Unlock()
	if !registered {
		// Destroyed while the dev server was starting. The destroyer
		// already released the port and removed the workspace.
		handle.Stop(ctx)
		return Instance{}, errors.NotFoundf("sandbox %s", id)
	}

	if err := m.waitReady(ctx, port); err != nil {
		return m.failProvision(inst, err)
	}

	// Consume queued media after readiness, before the caller sees the
	// instance.
	media := opts.Media
	m.pendingMu.Lock()
	media = append(media, m.pending[id]...)
	delete(m.pending, id)
	m.pendingMu.Unlock()

	// Transition to ready only if a concurrent destroy has not removed the
	// entry; writing the instance back unconditionally would resurrect it.
	alive := m.registry.Update(id, func(in *Instance) {
		in.Status = StatusReady
		in.LastActivityAt = time.Now()
		inst = *in
	})
	if !alive {
		return Instance{}, errors.NotFoundf("sandbox %s", id)
	}

	if len(media) > 0 {
		if err := m.writeMedia(inst, tpl, media); err != nil {
			return m.failProvision(inst, fmt.Errorf("write pending media: %w", err))
		}
	}

	if m.metrics != nil {
		m.metrics.SandboxesCreated.Inc()
		m.metrics.SandboxesActive.Set(float64(m.registry.Len()))
	}
	m.logger.Info("sandbox ready",
		zap.String("id", id),
		zap.String("template", template),
		zap.Int("port", port),
	)

	return inst, nil
}

// failProvision marks the instance as errored, keeps it registered for
// diagnostics, and returns a ProvisionFailed error. If a concurrent destroy
// already removed the entry it stays removed.
func (m *Manager) failProvision(inst Instance, cause error) (Instance, error) {
	inst.Status = StatusError
	inst.Error = cause.Error()
	m.registry.Update(inst.ID, func(in *Instance) {
		in.Status = StatusError
		in.Error = inst.Error
	})

	if m.metrics != nil {
		m.metrics.ProvisionErrors.Inc()
	}
	m.logger.Error("sandbox provision failed",
		zap.String("id", inst.ID),
		zap.Error(cause),
	)

	return inst, errors.ProvisionFailedf("sandbox %s: %v", inst.ID, cause)
}

// waitReady polls the dev server until it answers or the bounded wait runs
// out. Any HTTP response counts; the race being papered over is the gap
// between process start and port bind.
func (m *Manager) waitReady(ctx context.Context, port int) error {
	if m.probe(ctx, port) {
		return nil
	}

	deadline := time.NewTimer(m.cfg.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("dev server not ready after %s", m.cfg.ReadyTimeout)
		case <-ticker.C:
			if m.probe(ctx, port) {
				return nil
			}
		}
	}
}

func httpProbe(ctx context.Context, port int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/", port), nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (m *Manager) writeMedia(inst Instance, tpl *Template, entries []PendingMedia) error {
	for _, entry := range entries {
		rel := entry.Path
		if rel == "" {
			rel = entry.Name
		}
		dst, err := paths.Resolve(inst.Workspace, filepath.Join(tpl.MediaDir, rel))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, entry.Data, 0o644); err != nil {
			return err
		}
	}
	m.Touch(inst.ID)
	return nil
}

// RunCommand executes a shell command inside the sandbox with a hard
// wall-clock timeout. Non-zero exits and wall-clock timeouts come back as
// data, not errors; an unknown or destroyed sandbox is a NotFound error, and
// a request context that expires mid-command is a CommandTimeout error.
func (m *Manager) RunCommand(ctx context.Context, id, command string, timeout time.Duration) (CommandResult, error) {
	_, handle, err := m.liveHandle(id)
	if err != nil {
		return CommandResult{}, err
	}
	if timeout <= 0 {
		timeout = m.cfg.CommandTimeout
	}

	m.registry.Update(id, func(in *Instance) { in.Status = StatusBusy })

	start := time.Now()
	raw, execErr := handle.Exec(ctx, command, timeout)
	elapsed := time.Since(start)

	// Busy is transient; the instance goes back to ready even on failure.
	// A destroy that landed mid-command removed the entry, and it must not
	// come back as a routable zombie, so the transition is conditional.
	m.registry.Update(id, func(in *Instance) {
		in.Status = StatusReady
		in.LastActivityAt = time.Now()
	})

	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) {
			return CommandResult{}, errors.CommandTimeoutf("sandbox %s command", id)
		}
		return CommandResult{}, execErr
	}

	res := CommandResult{
		Success:  !raw.TimedOut && raw.ExitCode == 0,
		ExitCode: raw.ExitCode,
		Stdout:   string(raw.Stdout),
		Stderr:   string(raw.Stderr),
		TimedOut: raw.TimedOut,
		Duration: elapsed,
	}

	if m.metrics != nil {
		status := "ok"
		switch {
		case raw.TimedOut:
			status = "timeout"
		case raw.ExitCode != 0:
			status = "failed"
		}
		m.metrics.RecordCommand(status, elapsed)
	}

	return res, nil
}

// WriteFile writes text content at path, relative to the sandbox root.
func (m *Manager) WriteFile(id, path, content string) error {
	return m.WriteBinary(id, path, []byte(content))
}

// WriteBinary writes bytes at path, relative to the sandbox root. Paths that
// escape the root are rejected.
func (m *Manager) WriteBinary(id, path string, data []byte) error {
	inst, _, err := m.liveHandle(id)
	if err != nil {
		return err
	}

	dst, err := paths.Resolve(inst.Workspace, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return err
	}

	m.Touch(id)
	return nil
}

// ReadFile reads the file at path, relative to the sandbox root.
func (m *Manager) ReadFile(id, path string) ([]byte, error) {
	inst, _, err := m.liveHandle(id)
	if err != nil {
		return nil, err
	}

	src, err := paths.Resolve(inst.Workspace, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("file %q in sandbox %s", path, id)
		}
		return nil, err
	}

	m.Touch(id)
	return data, nil
}

// TailDevServerLog returns up to maxBytes from the end of the embedded dev
// server's log.
func (m *Manager) TailDevServerLog(id string, maxBytes int64) ([]byte, error) {
	inst, ok := m.registry.Get(id)
	if !ok || inst.Status == StatusDestroyed {
		return nil, errors.NotFoundf("sandbox %s", id)
	}

	f, err := os.Open(filepath.Join(inst.Workspace, runtime.DevServerLog))
	if err != nil {
		if os.IsNotExist(err) {
			return []byte{}, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > maxBytes {
		if _, err := f.Seek(-maxBytes, io.SeekEnd); err != nil {
			return nil, err
		}
	}
	return io.ReadAll(f)
}

// Destroy tears the sandbox down: stops the dev server, releases the port,
// removes the workspace, and drops the registry entry. Idempotent by design;
// cleanup paths race (explicit destroy, idle reaper, shutdown) and none of
// them should fail because another got there first.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, known := m.registry.Get(id)
	handle := m.handles[id]
	delete(m.handles, id)
	if known {
		m.registry.Remove(id)
	}
	m.mu.Unlock()

	if !known {
		return nil
	}

	if handle != nil {
		if err := handle.Stop(ctx); err != nil {
			m.logger.Warn("sandbox stop failed", zap.String("id", id), zap.Error(err))
		}
	}
	m.ports.Release(inst.Port)
	if inst.Workspace != "" {
		if err := os.RemoveAll(inst.Workspace); err != nil {
			m.logger.Warn("workspace cleanup failed", zap.String("id", id), zap.Error(err))
		}
	}

	m.pendingMu.Lock()
	delete(m.pending, id)
	m.pendingMu.Unlock()

	if m.metrics != nil {
		m.metrics.SandboxesActive.Set(float64(m.registry.Len()))
	}
	m.logger.Info("sandbox destroyed", zap.String("id", id))

	return nil
}

// Close destroys every live sandbox. Used on shutdown.
func (m *Manager) Close(ctx context.Context) {
	for _, inst := range m.registry.List() {
		m.Destroy(ctx, inst.ID)
	}
}

// liveHandle resolves id to its instance and runtime handle, rejecting
// unknown, destroyed, and not-yet-ready sandboxes.
func (m *Manager) liveHandle(id string) (Instance, runtime.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.registry.Get(id)
	if !ok || inst.Status == StatusDestroyed {
		return Instance{}, nil, errors.NotFoundf("sandbox %s", id)
	}
	if !inst.Status.Routable() {
		return Instance{}, nil, errors.NotReadyf("sandbox %s is %s", id, inst.Status)
	}

	handle, ok := m.handles[id]
	if !ok {
		return Instance{}, nil, errors.NotFoundf("sandbox %s has no runtime", id)
	}
	return inst, handle, nil
}
