package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/evanschultz/tandem/internal/domain"
	"github.com/evanschultz/tandem/internal/history"
)

func newEntity(t *testing.T, id string, kind domain.Kind, now time.Time) domain.Entity {
	t.Helper()
	e, err := domain.NewEntity(domain.Draft{Kind: kind, UserID: "u1", Title: "Title " + id}, id, now)
	if err != nil {
		t.Fatalf("NewEntity() error = %v", err)
	}
	return e
}

func TestRepository_RecordsRoundTripAndSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "tandem.db")
	repo, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	task := newEntity(t, "m1", domain.KindMatrixTask, now)
	task.Matrix.CaptureItemID = "c1"
	synced := now.Add(time.Minute)
	rec := domain.Record{
		Entity: task,
		Meta: domain.SyncMetadata{
			DeviceID:        "d1",
			LocalRevision:   3,
			SyncedRevision:  2,
			LastSyncedAt:    &synced,
			RemoteUpdatedAt: &synced,
		},
	}
	if err := repo.SaveRecord(ctx, "matrix_tasks", rec); err != nil {
		t.Fatalf("SaveRecord() error = %v", err)
	}
	tomb := newEntity(t, "m2", domain.KindMatrixTask, now.Add(time.Second))
	deleted := now.Add(2 * time.Second)
	tomb.DeletedAt = &deleted
	tomb.UpdatedAt = deleted
	if err := repo.SaveRecord(ctx, "matrix_tasks", domain.Record{Entity: tomb, Meta: domain.SyncMetadata{LocalRevision: 2}}); err != nil {
		t.Fatalf("SaveRecord() tombstone error = %v", err)
	}
	if err := repo.SaveRecord(ctx, "goals", domain.Record{Entity: newEntity(t, "g1", domain.KindGoal, now)}); err != nil {
		t.Fatalf("SaveRecord() goal error = %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	repo, err = Open(dbPath)
	if err != nil {
		t.Fatalf("Open() reopen error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	recs, err := repo.LoadRecords(ctx, "matrix_tasks")
	if err != nil {
		t.Fatalf("LoadRecords() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 matrix records, got %d", len(recs))
	}
	got := recs[0]
	if got.Entity.ID != "m1" || got.Entity.Matrix == nil || got.Entity.Matrix.CaptureItemID != "c1" {
		t.Fatalf("unexpected entity %#v", got.Entity)
	}
	if got.Meta.LocalRevision != 3 || got.Meta.SyncedRevision != 2 || !got.Meta.Dirty() {
		t.Fatalf("unexpected metadata %#v", got.Meta)
	}
	if got.Meta.RemoteUpdatedAt == nil || !got.Meta.RemoteUpdatedAt.Equal(synced) {
		t.Fatalf("unexpected remote updatedAt %v", got.Meta.RemoteUpdatedAt)
	}
	if !recs[1].Entity.Deleted() || !recs[1].Entity.DeletedAt.Equal(deleted) {
		t.Fatalf("expected tombstone to round-trip, got %#v", recs[1].Entity)
	}

	if err := repo.DeleteRecord(ctx, "matrix_tasks", "m2"); err != nil {
		t.Fatalf("DeleteRecord() error = %v", err)
	}
	recs, err = repo.LoadRecords(ctx, "matrix_tasks")
	if err != nil {
		t.Fatalf("LoadRecords() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record after delete, got %d", len(recs))
	}
}

func TestRepository_HistorySequenceListAndPurge(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	base := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	task := newEntity(t, "m1", domain.KindMatrixTask, base)
	done := task.Clone()
	done.Status = domain.StatusCompleted

	inputs := []domain.HistoryEntry{
		{ID: "h1", EntityType: domain.KindMatrixTask, EntityID: "m1", Action: domain.ActionCreate, Next: task.Ptr(), CanUndo: true, CreatedAt: base},
		{ID: "h2", EntityType: domain.KindMatrixTask, EntityID: "m1", Action: domain.ActionComplete, Previous: task.Ptr(), Next: done.Ptr(), CanUndo: true, CreatedAt: base.Add(time.Second)},
		{ID: "h3", EntityType: domain.KindGoal, EntityID: "g1", Action: domain.ActionDelete, CanUndo: true, CreatedAt: base.Add(500 * time.Millisecond)},
	}
	var lastSeq int64
	for _, in := range inputs {
		stored, err := repo.AppendHistory(ctx, in)
		if err != nil {
			t.Fatalf("AppendHistory(%s) error = %v", in.ID, err)
		}
		if stored.Seq <= lastSeq {
			t.Fatalf("expected increasing seq, got %d after %d", stored.Seq, lastSeq)
		}
		lastSeq = stored.Seq
	}

	entries, err := repo.ListHistory(ctx, history.Filter{EntityID: "m1"})
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "h2" || entries[1].ID != "h1" {
		t.Fatalf("expected newest-first m1 entries, got %#v", entries)
	}
	if entries[0].Previous == nil || entries[0].Next == nil || entries[0].Next.Status != domain.StatusCompleted {
		t.Fatalf("expected state snapshots to round-trip, got %#v", entries[0])
	}
	if entries[1].Previous != nil {
		t.Fatalf("expected nil previous for create, got %#v", entries[1].Previous)
	}

	limited, err := repo.ListHistory(ctx, history.Filter{Limit: 1})
	if err != nil {
		t.Fatalf("ListHistory() limit error = %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "h3" {
		t.Fatalf("expected latest entry h3, got %#v", limited)
	}

	undone := base.Add(time.Minute)
	entry := entries[0]
	entry.CanUndo = false
	entry.UndoneAt = &undone
	if err := repo.UpdateHistory(ctx, entry); err != nil {
		t.Fatalf("UpdateHistory() error = %v", err)
	}
	loaded, err := repo.GetHistory(ctx, "h2")
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if loaded.CanUndo || !loaded.Undone() {
		t.Fatalf("expected h2 undone, got %#v", loaded)
	}
	if err := repo.UpdateHistory(ctx, domain.HistoryEntry{ID: "missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("UpdateHistory() missing error = %v, want ErrNotFound", err)
	}
	if _, err := repo.GetHistory(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetHistory() missing error = %v, want ErrNotFound", err)
	}

	n, err := repo.PurgeHistory(ctx, base.Add(750*time.Millisecond))
	if err != nil {
		t.Fatalf("PurgeHistory() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 purged entries, got %d", n)
	}
	rest, err := repo.ListHistory(ctx, history.Filter{})
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "h2" {
		t.Fatalf("expected only h2 to survive purge, got %#v", rest)
	}
}

func TestRepository_ConflictsFilterPendingOldestFirst(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	local := newEntity(t, "m1", domain.KindMatrixTask, now)
	remote := local.Clone()
	remote.Status = domain.StatusCompleted
	mk := func(id string, at time.Time) domain.SyncConflict {
		return domain.SyncConflict{
			ID:         id,
			Collection: "matrix_tasks",
			EntityID:   "m1",
			Local:      local,
			Remote:     remote,
			Fields:     []string{"status"},
			Resolution: domain.ResolutionUnresolved,
			DetectedAt: at,
		}
	}
	for _, c := range []domain.SyncConflict{mk("x2", now.Add(time.Second)), mk("x1", now)} {
		if err := repo.SaveConflict(ctx, c); err != nil {
			t.Fatalf("SaveConflict() error = %v", err)
		}
	}
	pending, err := repo.ListConflicts(ctx, "matrix_tasks", true)
	if err != nil {
		t.Fatalf("ListConflicts() error = %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "x1" {
		t.Fatalf("expected oldest conflict first, got %#v", pending)
	}
	if len(pending[0].Fields) != 1 || pending[0].Remote.Status != domain.StatusCompleted {
		t.Fatalf("unexpected conflict payload %#v", pending[0])
	}

	resolved := mk("x1", now)
	resolvedAt := now.Add(time.Minute)
	resolved.Resolution = domain.ResolutionKeptLocal
	resolved.ResolvedAt = &resolvedAt
	if err := repo.SaveConflict(ctx, resolved); err != nil {
		t.Fatalf("SaveConflict() resolve error = %v", err)
	}
	pending, err = repo.ListConflicts(ctx, "matrix_tasks", true)
	if err != nil {
		t.Fatalf("ListConflicts() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "x2" {
		t.Fatalf("expected only x2 pending, got %#v", pending)
	}
	all, err := repo.ListConflicts(ctx, "matrix_tasks", false)
	if err != nil {
		t.Fatalf("ListConflicts() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 conflicts overall, got %d", len(all))
	}
	got, err := repo.GetConflict(ctx, "x1")
	if err != nil {
		t.Fatalf("GetConflict() error = %v", err)
	}
	if got.Pending() || got.ResolvedAt == nil {
		t.Fatalf("expected x1 resolved, got %#v", got)
	}
	if _, err := repo.GetConflict(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetConflict() missing error = %v, want ErrNotFound", err)
	}
	other, err := repo.ListConflicts(ctx, "goals", false)
	if err != nil {
		t.Fatalf("ListConflicts() error = %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no goal conflicts, got %d", len(other))
	}
}
