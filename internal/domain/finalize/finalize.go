// Package finalize turns a working sandbox into a durable artifact. It runs
// the template's high-quality render command and promotes the output to the
// snapshot store; when that render cannot happen or fails, it falls back to
// promoting whatever preview artifact already exists. The fallback chain is
// policy: a degraded export beats a failed user-visible action.
package finalize

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/framewright/backend/internal/domain/sandbox"
	"github.com/framewright/backend/internal/domain/snapshot"
	"github.com/framewright/backend/internal/infrastructure/logging"
	"github.com/framewright/backend/internal/shared/errors"
)

const (
	// renderTimeout is deliberately generous: final renders run at full
	// quality and may take minutes where previews take seconds.
	renderTimeout = 10 * time.Minute

	// previewVersion is the snapshot slot where preview artifacts live;
	// the fallback path promotes it to "current".
	previewVersion = "preview"

	// renderOutput is the workspace-relative path handed to the render
	// command through its {output} placeholder.
	renderOutput = "out/final.mp4"

	fetchTimeout = 30 * time.Second
)

// Outcome says which branch of the fallback chain produced the result.
type Outcome string

const (
	OutcomeFinalRender     Outcome = "final_render"
	OutcomePreviewPromoted Outcome = "preview_promoted"
)

// Sandboxes is the slice of the lifecycle manager the finalizer needs.
type Sandboxes interface {
	Get(id string) (sandbox.Instance, bool)
	RunCommand(ctx context.Context, id, command string, timeout time.Duration) (sandbox.CommandResult, error)
}

// Snapshots is the slice of the snapshot store the finalizer needs.
type Snapshots interface {
	Save(entityID, versionID string, src snapshot.Source) (snapshot.Record, error)
	Promote(entityID, fromVersion, toVersion string) (snapshot.Record, error)
}

// Request names what to finalize. SandboxID and PreviewURL are both
// optional, but at least one source of an artifact must exist somewhere.
type Request struct {
	SandboxID  string `json:"sandbox_id"`
	EntityID   string `json:"entity_id"`
	PreviewURL string `json:"preview_url"`

	Composition string `json:"composition"`
	Quality     string `json:"quality"`
	Resolution  string `json:"resolution"`
}

// Result reports which branch ran and the durable record it produced.
// Warning carries the render failure when the preview fallback was taken.
type Result struct {
	Outcome Outcome         `json:"outcome"`
	Record  snapshot.Record `json:"record"`
	Warning string          `json:"warning,omitempty"`
}

// Finalizer coordinates the render-then-promote flow.
type Finalizer struct {
	templateRoot string
	sandboxes    Sandboxes
	snapshots    Snapshots
	http         *resty.Client
	logger       *logging.Logger
}

func New(templateRoot string, sandboxes Sandboxes, snapshots Snapshots, logger *logging.Logger) *Finalizer {
	return &Finalizer{
		templateRoot: templateRoot,
		sandboxes:    sandboxes,
		snapshots:    snapshots,
		http:         resty.New().SetTimeout(fetchTimeout),
		logger:       logger,
	}
}

// Finalize runs the fallback chain: final render inside the sandbox when one
// is given, otherwise (or on render failure) promotion of the preview
// artifact. Only when neither branch can produce an artifact does it fail.
func (f *Finalizer) Finalize(ctx context.Context, req Request) (Result, error) {
	entity := req.EntityID
	if entity == "" {
		entity = req.SandboxID
	}
	if entity == "" {
		return Result{}, fmt.Errorf("finalize needs a sandbox or an entity to attach the artifact to")
	}

	var warning string
	if req.SandboxID != "" {
		rec, err := f.renderFinal(ctx, req, entity)
		if err == nil {
			return Result{Outcome: OutcomeFinalRender, Record: rec}, nil
		}
		warning = err.Error()
		f.logger.Warn("final render failed, falling back to preview",
			zap.String("sandbox", req.SandboxID),
			zap.String("entity", entity),
			zap.Error(err),
		)
	}

	rec, err := f.promotePreview(ctx, req, entity)
	if err != nil {
		if warning != "" {
			return Result{}, fmt.Errorf("%s (render also failed: %s)", err, warning)
		}
		return Result{}, err
	}
	return Result{Outcome: OutcomePreviewPromoted, Record: rec, Warning: warning}, nil
}

func (f *Finalizer) renderFinal(ctx context.Context, req Request, entity string) (snapshot.Record, error) {
	inst, ok := f.sandboxes.Get(req.SandboxID)
	if !ok {
		return snapshot.Record{}, errors.NotFoundf("sandbox %s", req.SandboxID)
	}

	tpl, err := sandbox.LoadTemplate(f.templateRoot, inst.Template)
	if err != nil {
		return snapshot.Record{}, err
	}
	if tpl.RenderCommand == "" {
		return snapshot.Record{}, fmt.Errorf("template %q has no render command", inst.Template)
	}

	command := expandRender(tpl, req)
	res, err := f.sandboxes.RunCommand(ctx, req.SandboxID, command, renderTimeout)
	if err != nil {
		return snapshot.Record{}, err
	}
	if !res.Success {
		return snapshot.Record{}, fmt.Errorf("render exited %d: %s", res.ExitCode, tail(res.Stderr, 300))
	}

	return f.snapshots.Save(entity, "", snapshot.Source{
		Path: filepath.Join(inst.Workspace, renderOutput),
	})
}

func (f *Finalizer) promotePreview(ctx context.Context, req Request, entity string) (snapshot.Record, error) {
	if req.PreviewURL != "" {
		resp, err := f.http.R().SetContext(ctx).Get(req.PreviewURL)
		if err != nil {
			return snapshot.Record{}, errors.UpstreamUnreachablef("fetch preview artifact: %v", err)
		}
		if !resp.IsSuccess() {
			return snapshot.Record{}, fmt.Errorf("fetch preview artifact: upstream returned %d", resp.StatusCode())
		}
		return f.snapshots.Save(entity, "", snapshot.Source{Data: resp.Body()})
	}

	rec, err := f.snapshots.Promote(entity, previewVersion, "")
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return snapshot.Record{}, errors.NotFoundf("no preview artifact to promote for %s", entity)
		}
		return snapshot.Record{}, err
	}
	return rec, nil
}

func expandRender(tpl *sandbox.Template, req Request) string {
	composition := req.Composition
	if composition == "" {
		composition = tpl.DefaultComposition
	}
	if composition == "" {
		composition = "Main"
	}
	quality := req.Quality
	if quality == "" {
		quality = "high"
	}
	resolution := req.Resolution
	if resolution == "" {
		resolution = "1920x1080"
	}

	return strings.NewReplacer(
		"{composition}", composition,
		"{output}", renderOutput,
		"{quality}", quality,
		"{resolution}", resolution,
	).Replace(tpl.RenderCommand)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
