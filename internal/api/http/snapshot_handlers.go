package http

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/framewright/backend/internal/domain/finalize"
	"github.com/framewright/backend/internal/domain/snapshot"
	"github.com/framewright/backend/internal/shared/paths"
)

// GetSnapshot handles GET /snapshots/:entityId?versionId=. Absence is not an
// error; the caller asks "does this exist" before deciding to regenerate.
func (h *Handlers) GetSnapshot(c *gin.Context) {
	rec, ok, err := h.snapshots.GetMetadata(c.Param("entityId"), c.Query("versionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"exists": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": true, "metadata": rec})
}

// DeleteSnapshot handles DELETE /snapshots/:entityId?versionId=. Omitting
// versionId deletes every version for the entity.
func (h *Handlers) DeleteSnapshot(c *gin.Context) {
	if err := h.snapshots.Delete(c.Param("entityId"), c.Query("versionId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SaveSnapshotRequest persists part of a live sandbox. Path is relative to
// the sandbox root; empty means the whole working tree.
type SaveSnapshotRequest struct {
	SandboxID string   `json:"sandbox_id" binding:"required"`
	VersionID string   `json:"version_id"`
	Path      string   `json:"path"`
	Excludes  []string `json:"excludes"`
}

// SaveSnapshot handles POST /snapshots/:entityId.
func (h *Handlers) SaveSnapshot(c *gin.Context) {
	var req SaveSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid snapshot request: " + err.Error()})
		return
	}

	inst, ok := h.manager.Get(req.SandboxID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "sandbox not found"})
		return
	}

	source := inst.Workspace
	if req.Path != "" {
		resolved, err := paths.Resolve(inst.Workspace, req.Path)
		if err != nil {
			h.respondError(c, err)
			return
		}
		source = resolved
	} else if len(req.Excludes) == 0 {
		// Whole-tree snapshots skip the dependency cache unless told
		// otherwise; it is reproducible and dwarfs the sources.
		req.Excludes = []string{"node_modules", filepath.Join("node_modules", "**")}
	}

	rec, err := h.snapshots.Save(c.Param("entityId"), req.VersionID, snapshot.Source{
		Path:     source,
		Excludes: req.Excludes,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.manager.Touch(req.SandboxID)
	c.JSON(http.StatusCreated, rec)
}

// Finalize handles POST /finalize: final render when a sandbox is given,
// preview promotion otherwise.
func (h *Handlers) Finalize(c *gin.Context) {
	var req finalize.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid finalize request: " + err.Error()})
		return
	}

	result, err := h.finalizer.Finalize(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
