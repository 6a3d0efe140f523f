package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evanschultz/tandem/internal/adapters/remote/memdoc"
	"github.com/evanschultz/tandem/internal/adapters/storage/sqlite"
	"github.com/evanschultz/tandem/internal/app"
	"github.com/evanschultz/tandem/internal/domain"
	"github.com/evanschultz/tandem/internal/history"
	"github.com/evanschultz/tandem/internal/remote"
	"github.com/evanschultz/tandem/internal/syncer"
)

// newAdapter builds one adapter over an in-memory sqlite-backed service.
func newAdapter(t *testing.T, docs remote.DocumentStore, userID string) *AppServiceAdapter {
	t.Helper()
	repo, err := sqlite.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	cfg := app.Config{
		Repo:       repo,
		DeviceID:   "dev-1",
		UndoWindow: time.Hour,
		Backoff:    syncer.Backoff{Initial: time.Millisecond, Max: 10 * time.Millisecond},
	}
	if docs != nil {
		cfg.Remote = docs
	}
	svc, err := app.NewService(cfg)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if err := svc.Init(context.Background(), userID); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(svc.Teardown)
	return NewAppServiceAdapter(svc).WithAckTimeout(5 * time.Second)
}

// TestAppServiceAdapterMutationsAndUndo verifies create/complete/undo flow through transport contracts.
func TestAppServiceAdapterMutationsAndUndo(t *testing.T) {
	ctx := context.Background()
	adapter := newAdapter(t, nil, "")

	created, err := adapter.CreateEntity(ctx, CreateEntityRequest{
		Kind:   "matrix",
		Title:  "Pay rent",
		Matrix: &domain.MatrixTask{Quadrant: domain.QuadrantDo},
	})
	if err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	if created.Entity.Kind != domain.KindMatrixTask || created.HistoryID == "" {
		t.Fatalf("unexpected create result %#v", created)
	}
	if created.RemoteState != RemotePending {
		t.Fatalf("remote_state = %q, want %q", created.RemoteState, RemotePending)
	}

	done, err := adapter.SetCompletion(ctx, SetCompletionRequest{Kind: "matrix_task", ID: created.Entity.ID, Wait: true})
	if err != nil {
		t.Fatalf("SetCompletion() error = %v", err)
	}
	if !done.Entity.Completed() {
		t.Fatalf("expected completed entity, got %#v", done.Entity)
	}
	if done.RemoteState != RemoteLocalOnly {
		t.Fatalf("remote_state = %q, want %q", done.RemoteState, RemoteLocalOnly)
	}

	undos, err := adapter.VisibleUndos(ctx)
	if err != nil {
		t.Fatalf("VisibleUndos() error = %v", err)
	}
	if len(undos) != 2 || undos[1].EntryID != done.HistoryID {
		t.Fatalf("expected completion offered last, got %#v", undos)
	}
	if _, err := adapter.Undo(ctx, done.HistoryID); err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	got, err := adapter.GetEntity(ctx, "matrix", created.Entity.ID)
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if got.Completed() {
		t.Fatalf("expected undo to restore pending status, got %q", got.Status)
	}
	if _, err := adapter.Undo(ctx, done.HistoryID); !errors.Is(err, ErrConflict) || !errors.Is(err, history.ErrAlreadyUndone) {
		t.Fatalf("Undo() repeat error = %v, want ErrConflict wrapping ErrAlreadyUndone", err)
	}

	entries, err := adapter.ListHistory(ctx, ListHistoryRequest{EntityID: created.Entity.ID})
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(entries))
	}
}

// TestAppServiceAdapterMapsErrors verifies app/domain failures map to transport sentinels.
func TestAppServiceAdapterMapsErrors(t *testing.T) {
	ctx := context.Background()
	adapter := newAdapter(t, nil, "")

	if _, err := adapter.ListEntities(ctx, "board"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("ListEntities() error = %v, want ErrInvalidRequest", err)
	}
	if _, err := adapter.CreateEntity(ctx, CreateEntityRequest{Kind: "goal", Title: "  "}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("CreateEntity() error = %v, want ErrInvalidRequest", err)
	}
	if _, err := adapter.GetEntity(ctx, "goal", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetEntity() error = %v, want ErrNotFound", err)
	}
	if _, err := adapter.Undo(ctx, " "); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Undo() error = %v, want ErrInvalidRequest", err)
	}
	if _, err := adapter.ResolveConflict(ctx, ResolveConflictRequest{ID: "c1", Choice: "both"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("ResolveConflict() error = %v, want ErrInvalidRequest", err)
	}
	if _, err := adapter.Sync(ctx, SyncRequest{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Sync() error = %v, want ErrUnavailable", err)
	}
	if _, err := adapter.PurgeHistory(ctx, PurgeHistoryRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("PurgeHistory() error = %v, want ErrInvalidRequest", err)
	}

	var zero *AppServiceAdapter
	if _, err := zero.SyncStatus(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("SyncStatus() on nil adapter error = %v, want ErrUnavailable", err)
	}
}

// TestAppServiceAdapterWaitsForRemoteAck verifies wait=true reports a confirmed push.
func TestAppServiceAdapterWaitsForRemoteAck(t *testing.T) {
	ctx := context.Background()
	docs := memdoc.New(nil)
	adapter := newAdapter(t, docs, "u1")

	out, err := adapter.CreateEntity(ctx, CreateEntityRequest{Kind: "goal", Title: "Run 5k", Wait: true})
	if err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	if out.RemoteState != RemoteConfirmed {
		t.Fatalf("remote_state = %q (%s), want confirmed", out.RemoteState, out.RemoteError)
	}
	if _, ok := docs.Get(domain.KindGoal.Collection(), out.Entity.ID); !ok {
		t.Fatalf("expected goal %s on the remote", out.Entity.ID)
	}

	status, err := adapter.Sync(ctx, SyncRequest{Force: true})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if status.Pending != 0 || status.Message != "All changes synced" {
		t.Fatalf("unexpected status %#v", status)
	}

	docs.SetOffline(true)
	if _, err := adapter.Sync(ctx, SyncRequest{Force: true}); !errors.Is(err, ErrOffline) {
		t.Fatalf("Sync() offline error = %v, want ErrOffline", err)
	}
}

// TestAppServiceAdapterSnapshotRoundTrip verifies export/import through the adapter.
func TestAppServiceAdapterSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newAdapter(t, nil, "")
	if _, err := src.CreateEntity(ctx, CreateEntityRequest{Kind: "capture", Title: "Buy milk"}); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	snap, err := src.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("ExportSnapshot() error = %v", err)
	}

	dst := newAdapter(t, nil, "")
	res, err := dst.ImportSnapshot(ctx, snap)
	if err != nil {
		t.Fatalf("ImportSnapshot() error = %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("expected one created entity, got %#v", res)
	}
	if _, err := dst.ImportSnapshot(ctx, app.Snapshot{Version: "v0"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("ImportSnapshot() error = %v, want ErrInvalidRequest", err)
	}
}
