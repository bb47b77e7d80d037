package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

// BlobStore is the object-storage surface the snapshot store and archiver
// need. *Reader and *Writer together satisfy it; see Join.
type BlobStore interface {
	domain.BlobWriter
	domain.BlobReader
	domain.BlobDeleter
}

type joined struct {
	*Writer
	*Reader
}

// Join combines a Writer and Reader over the same bucket into a BlobStore.
func Join(w *Writer, r *Reader) BlobStore {
	return joined{Writer: w, Reader: r}
}

const (
	snapshotContentType = "application/json"
	latestName          = "latest.json"
)

// SnapshotStore implements domain.SnapshotStore on object storage. Each
// Save writes a timestamped copy under prefix, then overwrites
// prefix/latest.json, which Load reads. Only the newest retain copies are
// kept.
type SnapshotStore struct {
	blobs  BlobStore
	prefix string
	retain int
}

// NewSnapshotStore creates a SnapshotStore. An empty prefix uses
// "snapshots"; retain <= 0 keeps every copy.
func NewSnapshotStore(blobs BlobStore, prefix string, retain int) *SnapshotStore {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "snapshots"
	}
	return &SnapshotStore{blobs: blobs, prefix: prefix, retain: retain}
}

func (s *SnapshotStore) latestKey() string { return s.prefix + "/" + latestName }

func (s *SnapshotStore) copyKey(snap domain.EngineSnapshot) string {
	// Fixed-width UTC timestamps sort lexicographically.
	return s.prefix + "/" + snap.TakenAt.UTC().Format("20060102T150405.000000000Z") + ".json"
}

// Save persists snap.
func (s *SnapshotStore) Save(ctx context.Context, snap domain.EngineSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("s3blob: marshal snapshot: %w", err)
	}
	if err := s.blobs.Put(ctx, s.copyKey(snap), bytes.NewReader(data), snapshotContentType); err != nil {
		return fmt.Errorf("s3blob: save snapshot: %w", err)
	}
	if err := s.blobs.Put(ctx, s.latestKey(), bytes.NewReader(data), snapshotContentType); err != nil {
		return fmt.Errorf("s3blob: save latest snapshot: %w", err)
	}
	if s.retain > 0 {
		if err := s.prune(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *SnapshotStore) prune(ctx context.Context) error {
	infos, err := s.blobs.List(ctx, s.prefix+"/")
	if err != nil {
		return fmt.Errorf("s3blob: list snapshots: %w", err)
	}
	var copies []string
	for _, info := range infos {
		if !strings.HasSuffix(info.Path, "/"+latestName) && strings.HasSuffix(info.Path, ".json") {
			copies = append(copies, info.Path)
		}
	}
	if len(copies) <= s.retain {
		return nil
	}
	sort.Strings(copies)
	for _, key := range copies[:len(copies)-s.retain] {
		if err := s.blobs.Delete(ctx, key); err != nil {
			return fmt.Errorf("s3blob: prune snapshot: %w", err)
		}
	}
	return nil
}

// Load reads the latest snapshot. It returns domain.ErrNotFound when none
// has been saved.
func (s *SnapshotStore) Load(ctx context.Context) (domain.EngineSnapshot, error) {
	body, err := s.blobs.Get(ctx, s.latestKey())
	if errors.Is(err, domain.ErrNotFound) {
		return domain.EngineSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.EngineSnapshot{}, fmt.Errorf("s3blob: load snapshot: %w", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return domain.EngineSnapshot{}, fmt.Errorf("s3blob: read snapshot: %w", err)
	}
	var snap domain.EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.EngineSnapshot{}, fmt.Errorf("s3blob: unmarshal snapshot: %w", err)
	}
	return snap, nil
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)
