package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tiermux/tiermux/internal/task"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestManager(t *testing.T, retention int) (*Manager, string) {
	t.Helper()
	base := t.TempDir()
	live := filepath.Join(base, "tools")
	require.NoError(t, os.MkdirAll(live, 0o755))
	return NewManager(live, filepath.Join(base, "snapshots"), retention), live
}

func TestCreateRecordsToolCountAndTrigger(t *testing.T) {
	mgr, live := newTestManager(t, 5)

	writeFile(t, filepath.Join(live, "scrape.lua"), "handler = function(args) return 1 end")
	writeFile(t, filepath.Join(live, "notes.txt"), "not a tool")
	writeFile(t, filepath.Join(live, "deps", "cache.bin"), "blob")

	meta, err := mgr.Create("manual", task.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, "manual", meta.Name)
	require.Equal(t, task.TriggerManual, meta.Trigger)
	require.Equal(t, 1, meta.ToolCount, "only .lua files count as tools")
	require.Greater(t, meta.Size, int64(0))

	listed := mgr.List()
	require.Len(t, listed, 1)
	require.Equal(t, meta.ID, listed[0].ID)
}

func TestListNewestFirstSkipsCorrupt(t *testing.T) {
	mgr, live := newTestManager(t, 5)
	writeFile(t, filepath.Join(live, "a.lua"), "handler = function(args) end")

	first, err := mgr.Create("one", task.TriggerManual)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := mgr.Create("two", task.TriggerManual)
	require.NoError(t, err)

	// A directory without a readable sidecar must not appear in listings.
	junk := filepath.Join(mgr.root, "junk-123")
	require.NoError(t, os.MkdirAll(junk, 0o755))
	writeFile(t, filepath.Join(junk, metaFileName), "{broken")

	listed := mgr.List()
	require.Len(t, listed, 2)
	require.Equal(t, second.ID, listed[0].ID)
	require.Equal(t, first.ID, listed[1].ID)
}

func TestRetentionEvictsOldest(t *testing.T) {
	mgr, live := newTestManager(t, 2)
	writeFile(t, filepath.Join(live, "a.lua"), "handler = function(args) end")

	oldest, err := mgr.Create("first", task.TriggerAuto)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = mgr.Create("second", task.TriggerAuto)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = mgr.Create("third", task.TriggerAuto)
	require.NoError(t, err)

	listed := mgr.List()
	require.Len(t, listed, 2)
	for _, meta := range listed {
		require.NotEqual(t, oldest.ID, meta.ID, "oldest snapshot should have been evicted")
	}
	_, statErr := os.Stat(filepath.Join(mgr.root, oldest.ID))
	require.True(t, os.IsNotExist(statErr))
}

func TestRestoreRoundTrip(t *testing.T) {
	mgr, live := newTestManager(t, 10)

	writeFile(t, filepath.Join(live, "scrape.lua"), "original")
	writeFile(t, filepath.Join(live, "deps", "cache.bin"), "keep me")

	snap, err := mgr.Create("base", task.TriggerManual)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	// Mutate the live directory after the snapshot.
	require.NoError(t, os.Remove(filepath.Join(live, "scrape.lua")))
	writeFile(t, filepath.Join(live, "rogue.lua"), "introduced later")

	restored, err := mgr.Restore(snap.ID)
	require.NoError(t, err)
	require.Equal(t, snap.ID, restored.ID)

	data, err := os.ReadFile(filepath.Join(live, "scrape.lua"))
	require.NoError(t, err)
	require.Equal(t, "original", string(data))

	_, err = os.Stat(filepath.Join(live, "rogue.lua"))
	require.True(t, os.IsNotExist(err), "post-snapshot files must be cleared on restore")

	// The dependency cache survives the restore untouched.
	deps, err := os.ReadFile(filepath.Join(live, "deps", "cache.bin"))
	require.NoError(t, err)
	require.Equal(t, "keep me", string(deps))

	// The metadata sidecar stays inside the snapshot.
	_, err = os.Stat(filepath.Join(live, metaFileName))
	require.True(t, os.IsNotExist(err))
}

func TestRestoreTakesSafetySnapshotFirst(t *testing.T) {
	mgr, live := newTestManager(t, 10)
	writeFile(t, filepath.Join(live, "a.lua"), "v1")

	snap, err := mgr.Create("base", task.TriggerManual)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	writeFile(t, filepath.Join(live, "a.lua"), "v2")
	_, err = mgr.Restore(snap.ID)
	require.NoError(t, err)

	listed := mgr.List()
	require.Len(t, listed, 2)
	require.Equal(t, task.TriggerPreRollback, listed[0].Trigger)
	require.Equal(t, "pre-restore", listed[0].Name)

	// The safety snapshot captured the pre-restore state, so the rollback
	// itself can be rolled back.
	saved, err := os.ReadFile(filepath.Join(mgr.root, listed[0].ID, "a.lua"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(saved))
}

func TestRestoreEmptyIDPicksNewest(t *testing.T) {
	mgr, live := newTestManager(t, 10)
	writeFile(t, filepath.Join(live, "a.lua"), "v1")
	_, err := mgr.Create("first", task.TriggerManual)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	writeFile(t, filepath.Join(live, "a.lua"), "v2")
	newest, err := mgr.Create("second", task.TriggerManual)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	writeFile(t, filepath.Join(live, "a.lua"), "v3")
	restored, err := mgr.Restore("")
	require.NoError(t, err)
	require.Equal(t, newest.ID, restored.ID)

	data, err := os.ReadFile(filepath.Join(live, "a.lua"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(data))
}

func TestRestoreOldestAtRetentionLimit(t *testing.T) {
	mgr, live := newTestManager(t, 2)

	writeFile(t, filepath.Join(live, "a.lua"), "v1")
	oldest, err := mgr.Create("first", task.TriggerManual)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	writeFile(t, filepath.Join(live, "a.lua"), "v2")
	_, err = mgr.Create("second", task.TriggerManual)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	// The safety snapshot taken during restore pushes the count past the
	// retention limit; it must not evict the restore target out from
	// under the copy.
	writeFile(t, filepath.Join(live, "a.lua"), "v3")
	restored, err := mgr.Restore(oldest.ID)
	require.NoError(t, err)
	require.Equal(t, oldest.ID, restored.ID)

	data, err := os.ReadFile(filepath.Join(live, "a.lua"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(data))

	_, err = os.Stat(filepath.Join(mgr.root, oldest.ID, "a.lua"))
	require.NoError(t, err, "the restored snapshot must survive its own restore")
}

func TestRestoreUnknownID(t *testing.T) {
	mgr, live := newTestManager(t, 10)
	writeFile(t, filepath.Join(live, "a.lua"), "v1")
	_, err := mgr.Create("base", task.TriggerManual)
	require.NoError(t, err)

	_, err = mgr.Restore("no-such-snapshot")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRestoreWithNoSnapshots(t *testing.T) {
	mgr, _ := newTestManager(t, 10)
	_, err := mgr.Restore("")
	require.Error(t, err)
}

func TestDeleteUnknownID(t *testing.T) {
	mgr, _ := newTestManager(t, 10)
	err := mgr.Delete("missing-42")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesSnapshot(t *testing.T) {
	mgr, live := newTestManager(t, 10)
	writeFile(t, filepath.Join(live, "a.lua"), "v1")

	snap, err := mgr.Create("base", task.TriggerManual)
	require.NoError(t, err)

	require.NoError(t, mgr.Delete(snap.ID))
	require.Empty(t, mgr.List())
}
