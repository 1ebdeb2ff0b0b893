package http

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/framewright/backend/internal/domain/sandbox"
)

// CreateSandboxRequest asks the lifecycle manager for a new sandbox.
type CreateSandboxRequest struct {
	Template string            `json:"template" binding:"required"`
	ID       string            `json:"id"`
	Env      map[string]string `json:"env"`
	Media    []MediaEntry      `json:"media"`
}

// MediaEntry is a caller-supplied binary payload written into the sandbox's
// media directory once it is ready. Data is base64.
type MediaEntry struct {
	Name string `json:"name" binding:"required"`
	Path string `json:"path"`
	Data string `json:"data" binding:"required"`
	Kind string `json:"kind"`
}

// CreateSandbox handles POST /sandboxes.
func (h *Handlers) CreateSandbox(c *gin.Context) {
	var req CreateSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid create request: " + err.Error()})
		return
	}

	media := make([]sandbox.PendingMedia, 0, len(req.Media))
	for _, m := range req.Media {
		data, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "media " + m.Name + " is not valid base64"})
			return
		}
		media = append(media, sandbox.PendingMedia{
			Name: m.Name,
			Path: m.Path,
			Data: data,
			Kind: m.Kind,
		})
	}

	inst, err := h.manager.Create(c.Request.Context(), req.Template, sandbox.CreateOptions{
		ID:    req.ID,
		Env:   req.Env,
		Media: media,
	})
	if err != nil {
		h.logger.Error("sandbox create failed",
			zap.String("template", req.Template),
			zap.Error(err),
		)
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, inst)
}

// ListSandboxes handles GET /sandboxes.
func (h *Handlers) ListSandboxes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sandboxes": h.manager.List()})
}

// GetSandbox handles GET /sandboxes/:id.
func (h *Handlers) GetSandbox(c *gin.Context) {
	inst, ok := h.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "sandbox not found"})
		return
	}
	c.JSON(http.StatusOK, inst)
}

// DestroySandbox handles DELETE /sandboxes/:id. Destroying an unknown or
// already-destroyed sandbox succeeds.
func (h *Handlers) DestroySandbox(c *gin.Context) {
	if err := h.manager.Destroy(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RunCommandRequest executes a shell command inside a sandbox.
type RunCommandRequest struct {
	Command        string `json:"command" binding:"required"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RunCommand handles POST /sandboxes/:id/commands. A non-zero exit is a 200
// with success=false; the caller inspects the result, not the status code.
func (h *Handlers) RunCommand(c *gin.Context) {
	var req RunCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command request: " + err.Error()})
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	result, err := h.manager.RunCommand(c.Request.Context(), c.Param("id"), req.Command, timeout)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// WriteFileRequest writes one file. Content carries UTF-8 text; Data carries
// base64 binary. Exactly one should be set.
type WriteFileRequest struct {
	Path    string `json:"path" binding:"required"`
	Content string `json:"content"`
	Data    string `json:"data"`
}

// WriteFile handles POST /sandboxes/:id/files.
func (h *Handlers) WriteFile(c *gin.Context) {
	var req WriteFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid write request: " + err.Error()})
		return
	}

	id := c.Param("id")
	var err error
	if req.Data != "" {
		var data []byte
		data, err = base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "data is not valid base64"})
			return
		}
		err = h.manager.WriteBinary(id, req.Path, data)
	} else {
		err = h.manager.WriteFile(id, req.Path, req.Content)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "path": req.Path})
}

// ReadFile handles GET /sandboxes/:id/files?path=. The body is returned
// base64 so binary assets survive the trip.
func (h *Handlers) ReadFile(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter is required"})
		return
	}

	data, err := h.manager.ReadFile(c.Param("id"), path)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path": path,
		"data": base64.StdEncoding.EncodeToString(data),
		"size": len(data),
	})
}

// DevServerLogs handles GET /sandboxes/:id/logs, returning the tail of the
// embedded dev server's log as plain text.
func (h *Handlers) DevServerLogs(c *gin.Context) {
	const defaultTail = 64 * 1024

	tail := int64(defaultTail)
	if v := c.Query("tail_bytes"); v != "" {
		if n, err := parseTail(v); err == nil {
			tail = n
		}
	}

	data, err := h.manager.TailDevServerLog(c.Param("id"), tail)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

func parseTail(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("tail_bytes must be positive")
	}
	return n, nil
}
