package finalize

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framewright/backend/internal/domain/sandbox"
	"github.com/framewright/backend/internal/domain/snapshot"
	"github.com/framewright/backend/internal/infrastructure/logging"
)

const renderManifest = `name: motion
dev_command: ["npm", "run", "dev"]
render_command: "npx remotion render {composition} {output} --quality={quality} --resolution={resolution}"
default_composition: Main
`

type fakeSandboxes struct {
	inst    sandbox.Instance
	lastCmd string
	run     func(workspace, command string) (sandbox.CommandResult, error)
}

func (f *fakeSandboxes) Get(id string) (sandbox.Instance, bool) {
	if id != f.inst.ID {
		return sandbox.Instance{}, false
	}
	return f.inst, true
}

func (f *fakeSandboxes) RunCommand(ctx context.Context, id, command string, timeout time.Duration) (sandbox.CommandResult, error) {
	f.lastCmd = command
	return f.run(f.inst.Workspace, command)
}

func newFixture(t *testing.T) (*fakeSandboxes, *snapshot.Store, *Finalizer) {
	t.Helper()

	templateRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(templateRoot, "motion"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(templateRoot, "motion", sandbox.ManifestName),
		[]byte(renderManifest), 0o644,
	))

	sbx := &fakeSandboxes{inst: sandbox.Instance{
		ID:        "sbx_1",
		Template:  "motion",
		Status:    sandbox.StatusReady,
		Workspace: t.TempDir(),
	}}

	store, err := snapshot.NewStore(t.TempDir(), logging.NewNop())
	require.NoError(t, err)

	return sbx, store, New(templateRoot, sbx, store, logging.NewNop())
}

func TestFinalRender(t *testing.T) {
	sbx, store, fin := newFixture(t)

	payload := []byte("rendered at full quality")
	sbx.run = func(workspace, command string) (sandbox.CommandResult, error) {
		out := filepath.Join(workspace, "out", "final.mp4")
		require.NoError(t, os.MkdirAll(filepath.Dir(out), 0o755))
		require.NoError(t, os.WriteFile(out, payload, 0o644))
		return sandbox.CommandResult{Success: true}, nil
	}

	res, err := fin.Finalize(context.Background(), Request{
		SandboxID: "sbx_1",
		EntityID:  "scene-1",
		Quality:   "max",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinalRender, res.Outcome)
	assert.Empty(t, res.Warning)
	assert.Equal(t, int64(len(payload)), res.Record.SizeBytes)

	assert.Contains(t, sbx.lastCmd, "render Main")
	assert.Contains(t, sbx.lastCmd, "--quality=max")
	assert.Contains(t, sbx.lastCmd, "--resolution=1920x1080")
	assert.NotContains(t, sbx.lastCmd, "{")

	_, ok, err := store.GetMetadata("scene-1", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRenderFailureFallsBackToPreviewURL(t *testing.T) {
	sbx, _, fin := newFixture(t)

	preview := []byte("preview-quality bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(preview)
	}))
	defer srv.Close()

	sbx.run = func(workspace, command string) (sandbox.CommandResult, error) {
		return sandbox.CommandResult{Success: false, ExitCode: 1, Stderr: "out of memory"}, nil
	}

	res, err := fin.Finalize(context.Background(), Request{
		SandboxID:  "sbx_1",
		EntityID:   "scene-2",
		PreviewURL: srv.URL + "/preview.mp4",
	})
	require.NoError(t, err, "render failure must not fail the export")
	assert.Equal(t, OutcomePreviewPromoted, res.Outcome)
	assert.Contains(t, res.Warning, "out of memory")
	assert.Equal(t, int64(len(preview)), res.Record.SizeBytes)
}

func TestRenderFailureFallsBackToStoredPreview(t *testing.T) {
	sbx, store, fin := newFixture(t)

	_, err := store.Save("scene-3", "preview", snapshot.Source{Data: []byte("stored preview")})
	require.NoError(t, err)

	sbx.run = func(workspace, command string) (sandbox.CommandResult, error) {
		return sandbox.CommandResult{Success: false, ExitCode: 2, Stderr: "codec error"}, nil
	}

	res, err := fin.Finalize(context.Background(), Request{SandboxID: "sbx_1", EntityID: "scene-3"})
	require.NoError(t, err)
	assert.Equal(t, OutcomePreviewPromoted, res.Outcome)
	assert.Contains(t, res.Warning, "codec error")

	got, ok, err := store.GetMetadata("scene-3", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(len("stored preview")), got.SizeBytes)
}

func TestNoSandboxRelabelsPreview(t *testing.T) {
	_, store, fin := newFixture(t)

	_, err := store.Save("scene-4", "preview", snapshot.Source{Data: []byte("only a preview")})
	require.NoError(t, err)

	res, err := fin.Finalize(context.Background(), Request{EntityID: "scene-4"})
	require.NoError(t, err)
	assert.Equal(t, OutcomePreviewPromoted, res.Outcome)
	assert.Empty(t, res.Warning)
}

func TestUnknownSandboxStillFallsBack(t *testing.T) {
	_, store, fin := newFixture(t)

	_, err := store.Save("scene-5", "preview", snapshot.Source{Data: []byte("preview")})
	require.NoError(t, err)

	res, err := fin.Finalize(context.Background(), Request{SandboxID: "sbx_gone", EntityID: "scene-5"})
	require.NoError(t, err)
	assert.Equal(t, OutcomePreviewPromoted, res.Outcome)
	assert.NotEmpty(t, res.Warning)
}

func TestNothingToPromote(t *testing.T) {
	_, _, fin := newFixture(t)

	_, err := fin.Finalize(context.Background(), Request{EntityID: "scene-6"})
	assert.Error(t, err)

	_, err = fin.Finalize(context.Background(), Request{})
	assert.Error(t, err)
}
