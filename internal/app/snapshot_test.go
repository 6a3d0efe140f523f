package app

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/evanschultz/tandem/internal/domain"
)

func TestSnapshotExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestService(t, newFakeRepo(), nil)
	task, capture := linkedPair(t, src)
	if _, err := src.CreateEntity(ctx, domain.Draft{Kind: domain.KindGoal, Title: "Read 12 books", Goal: &domain.Goal{Progress: 25}}); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}

	snap, err := src.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("ExportSnapshot() error = %v", err)
	}
	if snap.Version != SnapshotVersion || len(snap.Entities) != 3 {
		t.Fatalf("unexpected snapshot %#v", snap)
	}
	if snap.Entities[0].Kind != domain.KindMatrixTask || snap.Entities[1].Kind != domain.KindCaptureItem {
		t.Fatalf("expected entities ordered by kind, got %s then %s", snap.Entities[0].Kind, snap.Entities[1].Kind)
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var decoded Snapshot
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}

	dst := newTestService(t, newFakeRepo(), nil)
	res, err := dst.ImportSnapshot(ctx, decoded)
	if err != nil {
		t.Fatalf("ImportSnapshot() error = %v", err)
	}
	if res.Created != 3 || res.Updated != 0 {
		t.Fatalf("unexpected import result %#v", res)
	}
	got := mustGet(t, dst, domain.KindMatrixTask, task.ID)
	if got.Matrix.CaptureItemID != capture.ID {
		t.Fatalf("expected link to survive import, got %#v", got.Matrix)
	}

	res, err = dst.ImportSnapshot(ctx, decoded)
	if err != nil {
		t.Fatalf("ImportSnapshot() repeat error = %v", err)
	}
	if res.Unchanged != 3 || res.Created != 0 || res.Updated != 0 {
		t.Fatalf("expected repeat import to be a no-op, got %#v", res)
	}

	decoded.Entities[0].Title = "Call the bank today"
	res, err = dst.ImportSnapshot(ctx, decoded)
	if err != nil {
		t.Fatalf("ImportSnapshot() edit error = %v", err)
	}
	if res.Updated != 1 {
		t.Fatalf("expected one updated entity, got %#v", res)
	}
	if got := mustGet(t, dst, domain.KindMatrixTask, task.ID); got.Title != "Call the bank today" {
		t.Fatalf("unexpected imported title %q", got.Title)
	}
}

func TestSnapshotValidateRejectsBadInput(t *testing.T) {
	snap := Snapshot{Version: "other"}
	if err := snap.Validate(); err == nil || !strings.Contains(err.Error(), "version") {
		t.Fatalf("Validate() error = %v, want version error", err)
	}

	e, err := domain.NewEntity(domain.Draft{Kind: domain.KindGoal, Title: "x"}, "g1", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewEntity() error = %v", err)
	}
	bad := e.Clone()
	bad.ID = "g2"
	bad.Title = ""
	snap = Snapshot{Version: SnapshotVersion, Entities: []domain.Entity{e, e, bad}}
	err = snap.Validate()
	if err == nil {
		t.Fatal("expected Validate() to fail")
	}
	if !strings.Contains(err.Error(), "duplicate id g1") || !domain.IsValidationError(err) {
		t.Fatalf("expected duplicate and validation errors, got %v", err)
	}

	svc := newTestService(t, newFakeRepo(), nil)
	if _, err := svc.ImportSnapshot(context.Background(), snap); err == nil {
		t.Fatal("expected ImportSnapshot() to reject an invalid snapshot")
	}
	list, err := svc.ListEntities(domain.KindGoal)
	if err != nil {
		t.Fatalf("ListEntities() error = %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected nothing imported, got %d", len(list))
	}
}
