package domain

import (
	"slices"
	"strconv"
	"time"
)

// Field names reported by DiffFields.
const (
	FieldTitle   = "title"
	FieldStatus  = "status"
	FieldNotes   = "notes"
	FieldDeleted = "deleted"
	FieldUserID  = "userId"
)

// DiffFields returns the sorted names of content fields that differ between a
// and b. Identity and timestamps are not content.
func DiffFields(a, b Entity) []string {
	left := fieldValues(a)
	right := fieldValues(b)
	out := make([]string, 0)
	for name, lv := range left {
		if rv, ok := right[name]; !ok || rv != lv {
			out = append(out, name)
		}
	}
	for name := range right {
		if _, ok := left[name]; !ok {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// SameContent reports whether a and b carry identical content fields.
func SameContent(a, b Entity) bool {
	return len(DiffFields(a, b)) == 0
}

// fieldValues flattens an entity into comparable field values, dispatching on kind.
func fieldValues(e Entity) map[string]string {
	out := map[string]string{
		"kind":       string(e.Kind),
		FieldUserID:  e.UserID,
		FieldTitle:   e.Title,
		FieldStatus:  string(e.Status),
		FieldNotes:   e.Notes,
		FieldDeleted: strconv.FormatBool(e.DeletedAt != nil),
	}
	switch e.Kind {
	case KindMatrixTask:
		if m := e.Matrix; m != nil {
			out["matrix.quadrant"] = string(m.Quadrant)
			out["matrix.gtdItemId"] = m.CaptureItemID
			out["matrix.dueAt"] = timeValue(m.DueAt)
		}
	case KindCaptureItem:
		if c := e.Capture; c != nil {
			out["capture.list"] = string(c.List)
			out["capture.context"] = c.Context
			out["capture.matrixTaskId"] = c.MatrixTaskID
		}
	case KindFocusSession:
		if s := e.Session; s != nil {
			out["session.taskId"] = s.TaskID
			out["session.plannedMinutes"] = strconv.Itoa(s.PlannedMinutes)
			out["session.startedAt"] = timeValue(s.StartedAt)
			out["session.endedAt"] = timeValue(s.EndedAt)
		}
	case KindGoal:
		if g := e.Goal; g != nil {
			out["goal.targetDate"] = timeValue(g.TargetDate)
			out["goal.progress"] = strconv.Itoa(g.Progress)
		}
	}
	return out
}

func timeValue(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
