// Package snapshot dumps the live result sets of a cache to disk and
// schedules periodic snapshots with their manifest.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"pricescout/internal/cache"
	"pricescout/internal/model"
)

// FileName is the snapshot body inside <baseDir>/<snapshotID>/.
const FileName = "cache.json"

// ErrNotFound is returned by ReadSnapshot for a missing snapshot.
var ErrNotFound = errors.New("snapshot not found")

type Snapshotter interface {
	WriteSnapshot(ctx context.Context, snapshotID string, st cache.Store) (int, error)
}

type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

func (f *FilesystemSnapshotter) BaseDir() string { return f.baseDir }

// NewID returns a sortable snapshot id: UTC timestamp plus a random suffix.
func NewID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// WriteSnapshot writes every live set of st and returns how many were written.
// The file is renamed into place so readers never see a partial snapshot.
func (f *FilesystemSnapshotter) WriteSnapshot(ctx context.Context, snapshotID string, st cache.Store) (int, error) {
	dir := filepath.Join(f.baseDir, snapshotID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("mkdir: %w", err)
	}
	var sets []model.SearchResultSet
	if err := st.Range(ctx, func(s model.SearchResultSet) error {
		sets = append(sets, s)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("range cache: %w", err)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].Query < sets[j].Query })

	file := filepath.Join(dir, FileName)
	tmp := file + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sets); err != nil {
		out.Close()
		return 0, fmt.Errorf("encode: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		return 0, fmt.Errorf("rename: %w", err)
	}
	return len(sets), nil
}

// ReadSnapshot loads the sets stored under snapshotID.
func (f *FilesystemSnapshotter) ReadSnapshot(snapshotID string) ([]model.SearchResultSet, error) {
	path := filepath.Join(f.baseDir, snapshotID, FileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var sets []model.SearchResultSet
	if err := json.Unmarshal(data, &sets); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return sets, nil
}

// Prune removes all but the newest keep snapshot directories (by id order).
func (f *FilesystemSnapshotter) Prune(keep int) (int, error) {
	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("list snapshots: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	if keep < 1 {
		keep = 1
	}
	if len(ids) <= keep {
		return 0, nil
	}
	sort.Strings(ids)
	removed := 0
	for _, id := range ids[:len(ids)-keep] {
		if err := os.RemoveAll(filepath.Join(f.baseDir, id)); err != nil {
			return removed, fmt.Errorf("remove %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}
