package snapshot

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/framewright/backend/internal/domain/sandbox"
	"github.com/framewright/backend/internal/infrastructure/logging"
	"github.com/framewright/backend/internal/shared/id"
)

// checkpointExcludes keeps reproducible bulk out of periodic archives.
var checkpointExcludes = []string{
	"node_modules", "node_modules/**",
	".git", ".git/**",
	"out", "out/**",
}

// Workspaces is the slice of the lifecycle manager the checkpointer needs.
type Workspaces interface {
	List() []sandbox.Instance
}

// Checkpointer periodically archives the working tree of every routable
// sandbox, so a crashed or reaped sandbox can be reconstructed from its
// latest checkpoint. Versions are ULIDs; pruning the oldest is a string
// sort, not a timestamp comparison.
type Checkpointer struct {
	store      *Store
	workspaces Workspaces
	interval   time.Duration
	keep       int
	logger     *logging.Logger
}

func NewCheckpointer(store *Store, workspaces Workspaces, interval time.Duration, keep int, logger *logging.Logger) *Checkpointer {
	return &Checkpointer{
		store:      store,
		workspaces: workspaces,
		interval:   interval,
		keep:       keep,
		logger:     logger,
	}
}

// Run checkpoints on every tick until ctx is cancelled.
func (c *Checkpointer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckpointAll()
		}
	}
}

// CheckpointAll archives each routable sandbox once. Failures are logged and
// skipped; a sandbox mid-destroy losing its workspace during the walk is
// routine, not a fault.
func (c *Checkpointer) CheckpointAll() {
	for _, inst := range c.workspaces.List() {
		if !inst.Status.Routable() {
			continue
		}

		version := string(id.NewVersionID())
		rec, err := c.store.Save(inst.ID, version, Source{
			Path:     inst.Workspace,
			Excludes: checkpointExcludes,
		})
		if err != nil {
			c.logger.Warn("checkpoint failed",
				zap.String("sandbox", inst.ID),
				zap.Error(err),
			)
			continue
		}
		c.logger.Debug("checkpoint saved",
			zap.String("sandbox", inst.ID),
			zap.String("version", version),
			zap.Int64("bytes", rec.SizeBytes),
		)

		c.prune(inst.ID)
	}
}

// prune drops the oldest checkpoints beyond the retention limit. Only
// ver_-prefixed versions are candidates; explicit versions and the current
// slot are never touched.
func (c *Checkpointer) prune(entityID string) {
	versions, err := c.store.Versions(entityID)
	if err != nil {
		return
	}

	var checkpoints []string
	for _, v := range versions {
		if strings.HasPrefix(v, id.VersionPrefix+"_") {
			checkpoints = append(checkpoints, v)
		}
	}

	for len(checkpoints) > c.keep {
		oldest := checkpoints[0]
		checkpoints = checkpoints[1:]
		if err := c.store.Delete(entityID, oldest); err != nil {
			c.logger.Warn("checkpoint prune failed",
				zap.String("entity", entityID),
				zap.String("version", oldest),
				zap.Error(err),
			)
		}
	}
}
