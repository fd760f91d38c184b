// Copyright 2026 The tiermux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package snapshot implements timestamped backups of the adaptive tier's
// live tool directory with retention-based eviction. Every restore first
// takes a safety snapshot of the current state, so a bad rollback can
// itself be rolled back.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/tiermux/tiermux/internal/task"
	"github.com/tiermux/tiermux/internal/util"
)

const (
	// metaFileName is the sidecar written inside every snapshot directory.
	metaFileName = ".meta.json"

	// DepsDirName is the dependency-cache directory preserved across
	// restores and never copied out of a snapshot.
	DepsDirName = "deps"

	// toolFileExt is the extension counted as a tool file.
	toolFileExt = ".lua"
)

// ErrNotFound is returned when a snapshot id does not exist.
var ErrNotFound = errors.New("snapshot not found")

// Manager owns the snapshot root for one live directory.
type Manager struct {
	liveDir   string
	root      string
	retention int
}

// NewManager creates a manager snapshotting liveDir under root, keeping at
// most retention snapshots.
func NewManager(liveDir, root string, retention int) *Manager {
	if retention <= 0 {
		retention = 5
	}
	return &Manager{
		liveDir:   liveDir,
		root:      root,
		retention: retention,
	}
}

// Create copies the live directory into a new snapshot named
// "<name>-<unix-ms>", writes its metadata sidecar, and evicts snapshots
// beyond the retention count (oldest first). Pre-rollback creates skip
// eviction: the safety snapshot taken inside Restore must never delete
// the restore target, which is the oldest snapshot in the worst case.
// The returned metadata is immutable once written.
func (m *Manager) Create(name string, trigger task.SnapshotTrigger) (*task.SnapshotMeta, error) {
	createdAt := time.Now()
	id := fmt.Sprintf("%s-%d", name, createdAt.UnixMilli())
	dest := filepath.Join(m.root, id)

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot root: %w", err)
	}

	if err := util.CopyDir(m.liveDir, dest); err != nil {
		// A half-written snapshot must not be listed later.
		_ = os.RemoveAll(dest)
		return nil, fmt.Errorf("failed to copy live directory: %w", err)
	}

	toolCount, err := util.CountFilesWithExt(dest, toolFileExt)
	if err != nil {
		_ = os.RemoveAll(dest)
		return nil, fmt.Errorf("failed to count tool files: %w", err)
	}

	size, err := util.DirSize(dest)
	if err != nil {
		_ = os.RemoveAll(dest)
		return nil, fmt.Errorf("failed to size snapshot: %w", err)
	}

	meta := &task.SnapshotMeta{
		ID:        id,
		Name:      name,
		CreatedAt: createdAt,
		Size:      size,
		ToolCount: toolCount,
		Trigger:   trigger,
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.RemoveAll(dest)
		return nil, fmt.Errorf("failed to encode snapshot metadata: %w", err)
	}
	if err = util.SecureWrite(filepath.Join(dest, metaFileName), data, 0o644); err != nil {
		_ = os.RemoveAll(dest)
		return nil, fmt.Errorf("failed to write snapshot metadata: %w", err)
	}

	log.Infof("snapshot %s created (%d tools, %d bytes, trigger=%s)", id, toolCount, size, trigger)

	if trigger != task.TriggerPreRollback {
		m.evict()
	}
	return meta, nil
}

// List returns metadata for every snapshot under the root, newest first.
// Unreadable or corrupt sidecars are skipped silently.
func (m *Manager) List() []*task.SnapshotMeta {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil
	}

	metas := make([]*task.SnapshotMeta, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.root, entry.Name(), metaFileName))
		if err != nil {
			continue
		}
		var meta task.SnapshotMeta
		if err = json.Unmarshal(data, &meta); err != nil || meta.ID == "" {
			continue
		}
		metas = append(metas, &meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas
}

// Restore replaces the live directory's contents with the chosen
// snapshot's. An empty id restores the most recent snapshot.
//
// A fresh "pre-restore" safety snapshot (trigger pre-rollback) is always
// taken before anything is mutated. The dependency-cache directory in the
// live dir is preserved, and the snapshot's own dependency cache and
// metadata sidecar are not copied out.
func (m *Manager) Restore(id string) (*task.SnapshotMeta, error) {
	var target *task.SnapshotMeta
	for _, meta := range m.List() {
		if id == "" || meta.ID == id {
			target = meta
			break
		}
	}
	if target == nil {
		if id == "" {
			return nil, fmt.Errorf("no snapshots available to restore")
		}
		return nil, fmt.Errorf("restore %s: %w", id, ErrNotFound)
	}

	if _, err := m.Create("pre-restore", task.TriggerPreRollback); err != nil {
		return nil, fmt.Errorf("failed to take pre-restore snapshot: %w", err)
	}

	if err := util.ClearDir(m.liveDir, DepsDirName); err != nil {
		return nil, fmt.Errorf("failed to clear live directory: %w", err)
	}

	src := filepath.Join(m.root, target.ID)
	if err := util.CopyDir(src, m.liveDir, DepsDirName, metaFileName); err != nil {
		return nil, fmt.Errorf("failed to copy snapshot %s into live directory: %w", target.ID, err)
	}

	log.Infof("restored snapshot %s into %s", target.ID, m.liveDir)
	return target, nil
}

// Delete removes the snapshot with the exact given id.
func (m *Manager) Delete(id string) error {
	dir := filepath.Join(m.root, id)
	if _, err := os.Stat(filepath.Join(dir, metaFileName)); err != nil {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", id, err)
	}
	log.Infof("snapshot %s deleted", id)
	return nil
}

// evict removes the oldest snapshots beyond the retention count.
func (m *Manager) evict() {
	metas := m.List()
	if len(metas) <= m.retention {
		return
	}

	for _, meta := range metas[m.retention:] {
		if err := os.RemoveAll(filepath.Join(m.root, meta.ID)); err != nil {
			log.Warnf("failed to evict snapshot %s: %v", meta.ID, err)
			continue
		}
		log.Debugf("snapshot %s evicted by retention", meta.ID)
	}
}
