// Package snapshot persists generated artifacts and working trees to durable
// storage, keyed by logical entity rather than sandbox ID, so records outlive
// the sandboxes that produced them.
package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/framewright/backend/internal/infrastructure/logging"
	"github.com/framewright/backend/internal/infrastructure/monitoring"
	"github.com/framewright/backend/internal/shared/errors"
)

// currentVersion is the reserved version name used when the caller omits a
// version ID. At most one "current" record exists per entity; saving again
// overwrites it. Explicit versions are append-only.
const currentVersion = "current"

// Record is the durable metadata for one saved snapshot.
type Record struct {
	EntityID    string    `json:"entity_id"`
	VersionID   string    `json:"version_id"`
	SizeBytes   int64     `json:"size_bytes"`
	StorageKey  string    `json:"storage_key"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// Source is what gets persisted: a path (file or directory) or a raw buffer.
// Exactly one field is set.
type Source struct {
	Path string
	Data []byte

	// Excludes apply when Path is a directory.
	Excludes []string
}

// Store writes snapshots under a root directory. Metadata lives in a JSON
// sidecar next to each payload; the filesystem is the index.
type Store struct {
	root    string
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu sync.Mutex
}

// NewStore creates the store, ensuring the root directory exists.
func NewStore(root string, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// WithMetrics adds metrics tracking to the store.
func (s *Store) WithMetrics(metrics *monitoring.Metrics) *Store {
	s.metrics = metrics
	return s
}

// Save persists src for (entityID, versionID) and returns the record. An
// empty versionID targets the entity's single "current" slot. The payload is
// copied, so the originating sandbox can die immediately after.
func (s *Store) Save(entityID, versionID string, src Source) (Record, error) {
	if err := validateKey(entityID); err != nil {
		return Record{}, err
	}
	version := versionID
	if version == "" {
		version = currentVersion
	} else if err := validateKey(version); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entityDir := filepath.Join(s.root, entityID)
	if err := os.MkdirAll(entityDir, 0o755); err != nil {
		return Record{}, err
	}

	var (
		storageKey string
		size       int64
		err        error
	)
	switch {
	case src.Path != "":
		storageKey, size, err = s.saveFromPath(entityDir, entityID, version, src)
	case src.Data != nil:
		storageKey, size, err = s.saveFromBuffer(entityDir, entityID, version, src.Data)
	default:
		return Record{}, fmt.Errorf("snapshot source is empty")
	}
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		EntityID:    entityID,
		VersionID:   version,
		SizeBytes:   size,
		StorageKey:  storageKey,
		ContentType: detectContentType(filepath.Join(s.root, storageKey)),
		CreatedAt:   time.Now(),
	}

	if err := s.writeSidecar(entityDir, version, rec); err != nil {
		return Record{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordSnapshot(size)
	}
	s.logger.Info("snapshot saved",
		zap.String("entity", entityID),
		zap.String("version", version),
		zap.Int64("bytes", size),
	)

	return rec, nil
}

// GetMetadata returns the record for (entityID, versionID). An empty
// versionID reads the "current" slot. Absence is not an error; callers ask
// "does this exist" before deciding whether to regenerate.
func (s *Store) GetMetadata(entityID, versionID string) (Record, bool, error) {
	if err := validateKey(entityID); err != nil {
		return Record{}, false, err
	}
	version := versionID
	if version == "" {
		version = currentVersion
	} else if err := validateKey(version); err != nil {
		return Record{}, false, err
	}

	raw, err := os.ReadFile(filepath.Join(s.root, entityID, version+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}

	var rec Record
	if err := sonic.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("corrupt snapshot metadata: %w", err)
	}
	return rec, true, nil
}

// Versions lists the stored version IDs for an entity, lexicographically
// sorted. ULID-based version IDs therefore come back in creation order.
func (s *Store) Versions(entityID string) ([]string, error) {
	if err := validateKey(entityID); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.root, entityID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".json.tmp") {
			out = append(out, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Promote copies an existing version's payload and metadata into another
// version slot for the same entity. The destination is a fully independent
// record; deleting the source afterwards does not affect it. An empty
// toVersion targets the "current" slot.
func (s *Store) Promote(entityID, fromVersion, toVersion string) (Record, error) {
	src, ok, err := s.GetMetadata(entityID, fromVersion)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, errors.NotFoundf("snapshot %s/%s", entityID, fromVersion)
	}

	version := toVersion
	if version == "" {
		version = currentVersion
	} else if err := validateKey(version); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ext := filepath.Ext(src.StorageKey)
	if strings.HasSuffix(src.StorageKey, ".tar.gz") {
		ext = ".tar.gz"
	}
	key := filepath.Join(entityID, version+ext)
	size, err := copyPayload(filepath.Join(s.root, src.StorageKey), filepath.Join(s.root, key))
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		EntityID:    entityID,
		VersionID:   version,
		SizeBytes:   size,
		StorageKey:  key,
		ContentType: src.ContentType,
		CreatedAt:   time.Now(),
	}
	if err := s.writeSidecar(filepath.Join(s.root, entityID), version, rec); err != nil {
		return Record{}, err
	}

	s.logger.Info("snapshot promoted",
		zap.String("entity", entityID),
		zap.String("from", src.VersionID),
		zap.String("to", version),
	)
	return rec, nil
}

// Delete removes (entityID, versionID). An empty versionID is a deliberate
// bulk delete of every version for the entity, not default-to-current.
// Deleting what does not exist is a no-op.
func (s *Store) Delete(entityID, versionID string) error {
	if err := validateKey(entityID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entityDir := filepath.Join(s.root, entityID)
	if versionID == "" {
		return os.RemoveAll(entityDir)
	}
	if err := validateKey(versionID); err != nil {
		return err
	}

	rec, ok, err := s.GetMetadata(entityID, versionID)
	if err != nil {
		return err
	}
	if ok {
		os.Remove(filepath.Join(s.root, rec.StorageKey))
	}
	if err := os.Remove(filepath.Join(entityDir, versionID+".json")); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) saveFromPath(entityDir, entityID, version string, src Source) (string, int64, error) {
	info, err := os.Stat(src.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, errors.NotFoundf("snapshot source %q", src.Path)
		}
		return "", 0, err
	}

	if info.IsDir() {
		key := filepath.Join(entityID, version+".tar.gz")
		size, err := archiveDir(filepath.Join(s.root, key), src.Path, src.Excludes)
		return key, size, err
	}

	ext := filepath.Ext(src.Path)
	if ext == "" {
		ext = ".bin"
	}
	key := filepath.Join(entityID, version+ext)
	size, err := copyPayload(src.Path, filepath.Join(s.root, key))
	return key, size, err
}

func (s *Store) saveFromBuffer(entityDir, entityID, version string, data []byte) (string, int64, error) {
	ext := mimetype.Detect(data).Extension()
	if ext == "" {
		ext = ".bin"
	}
	key := filepath.Join(entityID, version+ext)
	if err := os.WriteFile(filepath.Join(s.root, key), data, 0o644); err != nil {
		return "", 0, err
	}
	return key, int64(len(data)), nil
}

// writeSidecar writes metadata atomically: tmp file then rename, so a reader
// never sees a half-written record.
func (s *Store) writeSidecar(entityDir, version string, rec Record) error {
	raw, err := sonic.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	tmp := filepath.Join(entityDir, version+".json.tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(entityDir, version+".json"))
}

func copyPayload(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return 0, err
	}
	return n, out.Close()
}

func detectContentType(path string) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

// validateKey rejects entity/version identifiers that could escape the
// snapshot root.
func validateKey(key string) error {
	if key == "" || key == "." || key == ".." {
		return errors.ErrPathTraversal
	}
	if strings.ContainsAny(key, "/\\") {
		return errors.ErrPathTraversal
	}
	return nil
}
