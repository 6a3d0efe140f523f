package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/evanschultz/tandem/internal/domain"
)

// fakeRepo provides an in-memory Repository with failure injection.
type fakeRepo struct {
	mu      sync.Mutex
	records map[string]map[string]domain.Record
	failErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: map[string]map[string]domain.Record{}}
}

func (f *fakeRepo) LoadRecords(_ context.Context, collection string) ([]domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Record, 0)
	for _, rec := range f.records[collection] {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeRepo) SaveRecord(_ context.Context, collection string, rec domain.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	if f.records[collection] == nil {
		f.records[collection] = map[string]domain.Record{}
	}
	f.records[collection][rec.Entity.ID] = rec
	return nil
}

func (f *fakeRepo) DeleteRecord(_ context.Context, collection string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	delete(f.records[collection], id)
	return nil
}

// stepClock returns a clock frozen at start that only moves when told to.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, kind domain.Kind) (*Store, *fakeRepo, *stepClock) {
	t.Helper()
	repo := newFakeRepo()
	clock := &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	n := 0
	s, err := New(repo, Config{
		Kind:     kind,
		DeviceID: "dev-a",
		IDGen: func() string {
			n++
			return fmt.Sprintf("%s-%d", kind, n)
		},
		Clock: clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, repo, clock
}

func TestCreateUpdatePersistAndBumpRevision(t *testing.T) {
	ctx := context.Background()
	s, repo, clock := newTestStore(t, domain.KindMatrixTask)

	created, err := s.Create(ctx, domain.Draft{Title: "Plan week"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.Kind != domain.KindMatrixTask || created.ID == "" {
		t.Fatalf("unexpected created entity %#v", created)
	}
	meta, _ := s.Metadata(created.ID)
	if meta.LocalRevision != 1 || meta.Confirmed() || !meta.Dirty() {
		t.Fatalf("unexpected metadata after create %#v", meta)
	}

	clock.Advance(time.Minute)
	title := "Plan the week"
	updated, err := s.Update(ctx, created.ID, domain.Patch{Title: &title})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Title != title || !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatalf("unexpected updated entity %#v", updated)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) || updated.ID != created.ID {
		t.Fatal("id and createdAt must not change on update")
	}
	meta, _ = s.Metadata(created.ID)
	if meta.LocalRevision != 2 {
		t.Fatalf("LocalRevision = %d, want 2", meta.LocalRevision)
	}
	if got := repo.records[s.Collection()][created.ID].Entity.Title; got != title {
		t.Fatalf("persisted title = %q, want %q", got, title)
	}
}

func TestUpdatedAtStrictlyIncreasesWithFrozenClock(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, domain.KindGoal)
	e, err := s.Create(ctx, domain.Draft{Title: "Run 10k"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	last := e.UpdatedAt
	for i := 0; i < 5; i++ {
		next, err := s.Update(ctx, e.ID, domain.Patch{Goal: &domain.Goal{Progress: i * 10}})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if !next.UpdatedAt.After(last) {
			t.Fatalf("updatedAt did not increase: %v -> %v", last, next.UpdatedAt)
		}
		last = next.UpdatedAt
	}
}

func TestMalformedWritesLeaveStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, domain.KindCaptureItem)
	if _, err := s.Create(ctx, domain.Draft{Title: " "}); !domain.IsValidationError(err) {
		t.Fatalf("Create() error = %v, want ValidationError", err)
	}
	if got := len(s.GetAll()); got != 0 {
		t.Fatalf("GetAll() len = %d, want 0", got)
	}

	e, err := s.Create(ctx, domain.Draft{Title: "Call bank"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	bad := domain.Status("done")
	if _, err := s.Update(ctx, e.ID, domain.Patch{Status: &bad}); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("Update() error = %v, want ErrInvalidStatus", err)
	}
	got, _ := s.Get(e.ID)
	if got.Status != domain.StatusPending || !got.UpdatedAt.Equal(e.UpdatedAt) {
		t.Fatalf("entity changed after rejected update %#v", got)
	}
	if _, err := s.Update(ctx, "missing", domain.Patch{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryFailureLeavesMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t, domain.KindMatrixTask)
	e, err := s.Create(ctx, domain.Draft{Title: "Pay rent"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	repo.failErr = errors.New("disk full")
	if _, err := s.Update(ctx, e.ID, domain.StatusPatch(domain.StatusCompleted)); err == nil {
		t.Fatal("expected repository error")
	}
	got, _ := s.Get(e.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("status = %q, want pending", got.Status)
	}
}

func TestSubscribeDeliversInMutationOrderAndUnsubscribes(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, domain.KindMatrixTask)

	var first, second []domain.ChangeOperation
	unsubFirst := s.Subscribe(func(ev domain.ChangeEvent) { first = append(first, ev.Operation) })
	s.Subscribe(func(ev domain.ChangeEvent) { second = append(second, ev.Operation) })

	e, _ := s.Create(ctx, domain.Draft{Title: "A"})
	if _, err := s.Update(ctx, e.ID, domain.StatusPatch(domain.StatusCompleted)); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	unsubFirst()
	unsubFirst()
	if ok, err := s.Remove(ctx, e.ID); err != nil || !ok {
		t.Fatalf("Remove() = %t, %v", ok, err)
	}

	wantFirst := []domain.ChangeOperation{domain.ChangeOperationCreate, domain.ChangeOperationUpdate}
	wantSecond := append(wantFirst, domain.ChangeOperationRemove)
	if fmt.Sprint(first) != fmt.Sprint(wantFirst) {
		t.Fatalf("first listener = %v, want %v", first, wantFirst)
	}
	if fmt.Sprint(second) != fmt.Sprint(wantSecond) {
		t.Fatalf("second listener = %v, want %v", second, wantSecond)
	}
}

func TestNestedMutationsFromListenerKeepOrder(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, domain.KindMatrixTask)

	var seqs []uint64
	s.Subscribe(func(ev domain.ChangeEvent) {
		seqs = append(seqs, ev.Seq)
		if ev.Operation == domain.ChangeOperationCreate {
			if _, err := s.Update(ctx, ev.Entity.ID, domain.StatusPatch(domain.StatusInProgress)); err != nil {
				t.Errorf("nested Update() error = %v", err)
			}
		}
	})
	if _, err := s.Create(ctx, domain.Draft{Title: "A"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("delivered seqs = %v, want [1 2]", seqs)
	}
}

func TestRemoveTombstonesUntilConfirmed(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t, domain.KindMatrixTask)
	e, _ := s.Create(ctx, domain.Draft{Title: "A"})

	if ok, _ := s.Remove(ctx, e.ID); !ok {
		t.Fatal("Remove() = false, want true")
	}
	if ok, _ := s.Remove(ctx, e.ID); ok {
		t.Fatal("second Remove() = true, want false")
	}
	if _, ok := s.Get(e.ID); ok {
		t.Fatal("removed entity still visible")
	}
	rec, ok := s.Record(e.ID)
	if !ok || !rec.Entity.Deleted() {
		t.Fatalf("tombstone missing %#v", rec)
	}
	if ok, err := s.MarkSynced(ctx, e.ID, rec.Meta.LocalRevision, time.Now()); err != nil || !ok {
		t.Fatalf("MarkSynced() = %t, %v", ok, err)
	}
	if _, ok := s.Record(e.ID); ok {
		t.Fatal("confirmed tombstone not purged")
	}
	if _, ok := repo.records[s.Collection()][e.ID]; ok {
		t.Fatal("confirmed tombstone still persisted")
	}
}

func TestSoftDeleteKindsKeepConfirmedTombstone(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []domain.Kind{domain.KindCaptureItem, domain.KindFocusSession, domain.KindGoal} {
		t.Run(string(kind), func(t *testing.T) {
			s, repo, _ := newTestStore(t, kind)
			e, err := s.Create(ctx, domain.Draft{Title: "Keep for audit"})
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if ok, _ := s.Remove(ctx, e.ID); !ok {
				t.Fatal("Remove() = false, want true")
			}
			rec, _ := s.Record(e.ID)
			if ok, err := s.MarkSynced(ctx, e.ID, rec.Meta.LocalRevision, time.Now()); err != nil || !ok {
				t.Fatalf("MarkSynced() = %t, %v", ok, err)
			}
			rec, ok := s.Record(e.ID)
			if !ok || !rec.Entity.Deleted() || rec.Meta.Dirty() {
				t.Fatalf("expected confirmed tombstone to stay, got %#v ok=%t", rec, ok)
			}
			if stored, ok := repo.records[s.Collection()][e.ID]; !ok || !stored.Entity.Deleted() {
				t.Fatal("confirmed tombstone not persisted")
			}
			if _, ok := s.Get(e.ID); ok {
				t.Fatal("tombstoned entity still visible")
			}
		})
	}
}

func TestMarkSyncedDiscardsStaleRevision(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, domain.KindGoal)
	e, _ := s.Create(ctx, domain.Draft{Title: "Ship"})
	if _, err := s.Update(ctx, e.ID, domain.Patch{Goal: &domain.Goal{Progress: 40}}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if ok, _ := s.MarkSynced(ctx, e.ID, 1, time.Now()); ok {
		t.Fatal("stale confirmation accepted")
	}
	meta, _ := s.Metadata(e.ID)
	if !meta.Dirty() {
		t.Fatal("entity must stay dirty after stale confirmation")
	}
	if ok, _ := s.MarkSynced(ctx, e.ID, 2, time.Now()); !ok {
		t.Fatal("current confirmation rejected")
	}
	meta, _ = s.Metadata(e.ID)
	if meta.Dirty() || !meta.Confirmed() {
		t.Fatalf("unexpected metadata %#v", meta)
	}
}

func TestApplyRemoteRequiresStrictlyNewer(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t, domain.KindCaptureItem)
	e, _ := s.Create(ctx, domain.Draft{Title: "Inbox zero"})
	server := clock.Now().Add(time.Second)
	if _, err := s.MarkSynced(ctx, e.ID, 1, server); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}

	same := e.Clone()
	same.Title = "same stamp"
	same.UpdatedAt = server
	if ok, _ := s.ApplyRemote(ctx, same, ApplyOptions{}); ok {
		t.Fatal("equal timestamp accepted without resolution")
	}

	newer := e.Clone()
	newer.Title = "from phone"
	newer.UpdatedAt = server.Add(time.Second)
	var origins []domain.ChangeOrigin
	s.Subscribe(func(ev domain.ChangeEvent) { origins = append(origins, ev.Origin) })
	if ok, err := s.ApplyRemote(ctx, newer, ApplyOptions{}); err != nil || !ok {
		t.Fatalf("ApplyRemote() = %t, %v", ok, err)
	}
	got, _ := s.Get(e.ID)
	if got.Title != "from phone" {
		t.Fatalf("title = %q, want remote", got.Title)
	}
	meta, _ := s.Metadata(e.ID)
	if meta.Dirty() || !meta.RemoteUpdatedAt.Equal(newer.UpdatedAt) {
		t.Fatalf("unexpected metadata %#v", meta)
	}
	if len(origins) != 1 || origins[0] != domain.OriginRemote {
		t.Fatalf("origins = %v, want [remote]", origins)
	}
}

func TestApplyRemoteTombstoneHardDeletesMatrix(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t, domain.KindMatrixTask)
	e, _ := s.Create(ctx, domain.Draft{Title: "A"})
	gone := e.Clone()
	ts := clock.Now().Add(time.Minute)
	gone.UpdatedAt = ts
	gone.DeletedAt = &ts
	if ok, err := s.ApplyRemote(ctx, gone, ApplyOptions{}); err != nil || !ok {
		t.Fatalf("ApplyRemote() = %t, %v", ok, err)
	}
	if _, ok := s.Record(e.ID); ok {
		t.Fatal("matrix tombstone must hard delete")
	}
}

func TestRestoreRevivesRemovedEntity(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, domain.KindMatrixTask)
	e, _ := s.Create(ctx, domain.Draft{Title: "A"})
	if _, err := s.Remove(ctx, e.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	restored, err := s.Restore(ctx, e)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored.Deleted() || restored.Title != "A" || !restored.CreatedAt.Equal(e.CreatedAt) {
		t.Fatalf("unexpected restored entity %#v", restored)
	}
	if _, ok := s.Get(e.ID); !ok {
		t.Fatal("restored entity not visible")
	}
}

func TestLoadHydratesFromRepository(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t, domain.KindGoal)
	e, _ := s.Create(ctx, domain.Draft{Title: "Ship"})

	other, err := New(repo, Config{Kind: domain.KindGoal, IDGen: func() string { return "x" }})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := other.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got, ok := other.Get(e.ID); !ok || got.Title != "Ship" {
		t.Fatalf("Load() did not hydrate %#v", got)
	}
}

func TestAcknowledgeRemoteKeepsLocalContentDirty(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t, domain.KindMatrixTask)
	e, _ := s.Create(ctx, domain.Draft{Title: "A"})
	remoteTS := clock.Now().Add(time.Hour)
	if err := s.AcknowledgeRemote(ctx, e.ID, remoteTS); err != nil {
		t.Fatalf("AcknowledgeRemote() error = %v", err)
	}
	meta, _ := s.Metadata(e.ID)
	if !meta.Dirty() || meta.RemoteChanged(remoteTS) {
		t.Fatalf("unexpected metadata %#v", meta)
	}
	if err := s.AcknowledgeRemote(ctx, "missing", remoteTS); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("AcknowledgeRemote(missing) error = %v", err)
	}
}

func TestApplyRemoteIfRevisionLosesToLocalEdit(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t, domain.KindGoal)
	e, _ := s.Create(ctx, domain.Draft{Title: "Run"})
	decidedAt, _ := s.Metadata(e.ID)

	title := "Run 5k"
	if _, err := s.Update(ctx, e.ID, domain.Patch{Title: &title}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	clock.Advance(time.Minute)
	incoming := e.Clone()
	incoming.Title = "Walk"
	incoming.UpdatedAt = clock.Now()
	_, err := s.ApplyRemote(ctx, incoming, ApplyOptions{Resolved: true, IfRevision: decidedAt.LocalRevision})
	if !errors.Is(err, ErrRevisionChanged) {
		t.Fatalf("ApplyRemote() error = %v, want ErrRevisionChanged", err)
	}
	if got, _ := s.Get(e.ID); got.Title != title {
		t.Fatalf("title = %q, local edit must survive", got.Title)
	}
}

func TestClaimAssignsOwnerToUnownedRecords(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, domain.KindCaptureItem)
	mine, _ := s.Create(ctx, domain.Draft{Title: "Owned", UserID: "u1"})
	loose, _ := s.Create(ctx, domain.Draft{Title: "Offline note"})
	before, _ := s.Metadata(loose.ID)

	n, err := s.Claim(ctx, "u1")
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Claim() = %d, want 1", n)
	}
	got, _ := s.Get(loose.ID)
	after, _ := s.Metadata(loose.ID)
	if got.UserID != "u1" || after.LocalRevision != before.LocalRevision+1 {
		t.Fatalf("unexpected claimed record %#v %#v", got, after)
	}
	if meta, _ := s.Metadata(mine.ID); meta.LocalRevision != 1 {
		t.Fatalf("owned record was rewritten %#v", meta)
	}
}
