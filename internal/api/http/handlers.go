// Package http exposes the sandbox subsystem to the orchestration layer and
// the browser: lifecycle, command and file operations, snapshots, and the
// finalize hook.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/framewright/backend/internal/domain/finalize"
	"github.com/framewright/backend/internal/domain/sandbox"
	"github.com/framewright/backend/internal/domain/snapshot"
	"github.com/framewright/backend/internal/infrastructure/logging"
	"github.com/framewright/backend/internal/shared/errors"
)

// Handlers contains all HTTP handlers.
type Handlers struct {
	manager   *sandbox.Manager
	snapshots *snapshot.Store
	finalizer *finalize.Finalizer
	logger    *logging.Logger
}

// NewHandlers creates a new handler set.
func NewHandlers(
	manager *sandbox.Manager,
	snapshots *snapshot.Store,
	finalizer *finalize.Finalizer,
	logger *logging.Logger,
) *Handlers {
	return &Handlers{
		manager:   manager,
		snapshots: snapshots,
		finalizer: finalizer,
		logger:    logger,
	}
}

// Root handles the service banner.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "framewright-sandbox",
	})
}

// Health handles the health check.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"sandboxes": len(h.manager.List()),
	})
}

// respondError maps a classified error onto the wire.
func (h *Handlers) respondError(c *gin.Context, err error) {
	c.JSON(errors.HTTPStatus(err), gin.H{"error": err.Error()})
}
