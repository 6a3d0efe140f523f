package domain

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func TestNewEntityDefaultsPayloadForKind(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		kind  Kind
		check func(Entity) bool
	}{
		{KindMatrixTask, func(e Entity) bool { return e.Matrix != nil && e.Matrix.Quadrant == QuadrantDo }},
		{KindCaptureItem, func(e Entity) bool { return e.Capture != nil && e.Capture.List == ListInbox }},
		{KindFocusSession, func(e Entity) bool { return e.Session != nil && e.Session.PlannedMinutes == 25 }},
		{KindGoal, func(e Entity) bool { return e.Goal != nil && e.Goal.Progress == 0 }},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			e, err := NewEntity(Draft{Kind: tc.kind, Title: "  Write report "}, "e1", now)
			if err != nil {
				t.Fatalf("NewEntity() error = %v", err)
			}
			if e.Title != "Write report" {
				t.Fatalf("title = %q, want trimmed", e.Title)
			}
			if e.Status != StatusPending {
				t.Fatalf("status = %q, want pending", e.Status)
			}
			if !e.CreatedAt.Equal(now) || !e.UpdatedAt.Equal(now) {
				t.Fatalf("unexpected timestamps %v %v", e.CreatedAt, e.UpdatedAt)
			}
			if !tc.check(e) {
				t.Fatalf("payload not defaulted: %#v", e)
			}
		})
	}
}

func TestNewEntityRejectsMalformedDrafts(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		id    string
		draft Draft
		want  error
	}{
		{"missing id", "", Draft{Kind: KindGoal, Title: "x"}, ErrInvalidID},
		{"missing title", "g1", Draft{Kind: KindGoal, Title: "  "}, ErrInvalidTitle},
		{"unknown kind", "g1", Draft{Kind: "board", Title: "x"}, ErrInvalidPayload},
		{"bad status", "g1", Draft{Kind: KindGoal, Title: "x", Status: "done"}, ErrInvalidStatus},
		{"mismatched payload", "g1", Draft{Kind: KindGoal, Title: "x", Matrix: &MatrixTask{Quadrant: QuadrantDo}}, ErrInvalidPayload},
		{"bad progress", "g1", Draft{Kind: KindGoal, Title: "x", Goal: &Goal{Progress: 140}}, ErrInvalidProgress},
		{"self link", "m1", Draft{Kind: KindMatrixTask, Title: "x", Matrix: &MatrixTask{Quadrant: QuadrantDo, CaptureItemID: "m1"}}, ErrInvalidLink},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEntity(tc.draft, tc.id, now)
			if !errors.Is(err, tc.want) {
				t.Fatalf("NewEntity() error = %v, want %v", err, tc.want)
			}
			if !IsValidationError(err) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestApplyPatchKeepsTimestampsAndRejectsForeignPayload(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e, err := NewEntity(Draft{Kind: KindCaptureItem, Title: "Call bank"}, "c1", now)
	if err != nil {
		t.Fatalf("NewEntity() error = %v", err)
	}
	title := "Call the bank"
	next, err := e.Apply(Patch{Title: &title, Status: ptrStatus(StatusCompleted)})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if next.Title != title || next.Status != StatusCompleted {
		t.Fatalf("unexpected patched entity %#v", next)
	}
	if !next.UpdatedAt.Equal(e.UpdatedAt) {
		t.Fatal("Apply must not touch timestamps")
	}
	if e.Status != StatusPending {
		t.Fatal("Apply must not mutate the receiver")
	}
	if _, err := e.Apply(Patch{Goal: &Goal{Progress: 10}}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("Apply() foreign payload error = %v, want ErrInvalidPayload", err)
	}
}

func TestDiffFieldsReportsContentOnly(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a, _ := NewEntity(Draft{Kind: KindMatrixTask, Title: "Plan"}, "m1", now)
	b := a.Clone()
	b.UpdatedAt = now.Add(time.Hour)
	if diff := DiffFields(a, b); len(diff) != 0 {
		t.Fatalf("timestamps must not count as content, got %v", diff)
	}
	b.Status = StatusCompleted
	b.Matrix.Quadrant = QuadrantSchedule
	got := DiffFields(a, b)
	want := []string{"matrix.quadrant", FieldStatus}
	if !slices.Equal(got, want) {
		t.Fatalf("DiffFields() = %v, want %v", got, want)
	}
}

func TestLinkedIDDispatchesOnKind(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m, _ := NewEntity(Draft{Kind: KindMatrixTask, Title: "Plan", Matrix: &MatrixTask{Quadrant: QuadrantDo, CaptureItemID: "c1"}}, "m1", now)
	c, _ := NewEntity(Draft{Kind: KindCaptureItem, Title: "Plan", Capture: &CaptureItem{List: ListNext, MatrixTaskID: "m1"}}, "c1", now)
	g, _ := NewEntity(Draft{Kind: KindGoal, Title: "Ship"}, "g1", now)
	if m.LinkedID() != "c1" || c.LinkedID() != "m1" || g.LinkedID() != "" {
		t.Fatalf("unexpected linked ids %q %q %q", m.LinkedID(), c.LinkedID(), g.LinkedID())
	}
	if kind, ok := m.LinkedKind(); !ok || kind != KindCaptureItem {
		t.Fatalf("LinkedKind() = %q, %t", kind, ok)
	}
}

func TestParseKindAcceptsAliases(t *testing.T) {
	for raw, want := range map[string]Kind{"gtd": KindCaptureItem, "Matrix": KindMatrixTask, "pomodoro": KindFocusSession, "goal": KindGoal} {
		got, err := ParseKind(raw)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParseKind("board"); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("ParseKind(board) error = %v", err)
	}
}

func ptrStatus(s Status) *Status {
	return &s
}
