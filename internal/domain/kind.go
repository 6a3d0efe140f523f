package domain

import (
	"fmt"
	"strings"
)

// Kind is the discriminant of the Entity tagged variant.
type Kind string

// Kind values. Each kind lives in its own collection.
const (
	KindMatrixTask   Kind = "matrix_task"
	KindCaptureItem  Kind = "capture_item"
	KindFocusSession Kind = "focus_session"
	KindGoal         Kind = "goal"
)

// validKinds stores all supported kinds in canonical order.
var validKinds = []Kind{
	KindMatrixTask,
	KindCaptureItem,
	KindFocusSession,
	KindGoal,
}

// Kinds returns every supported kind in canonical order.
func Kinds() []Kind {
	return append([]Kind(nil), validKinds...)
}

// ParseKind normalizes raw input into a supported kind.
func ParseKind(raw string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	switch normalized {
	case "matrix", "matrix_task", "eisenhower":
		return KindMatrixTask, nil
	case "capture", "capture_item", "gtd":
		return KindCaptureItem, nil
	case "session", "focus_session", "pomodoro":
		return KindFocusSession, nil
	case "goal":
		return KindGoal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
	}
}

// Collection returns the collection name that stores entities of this kind.
func (k Kind) Collection() string {
	switch k {
	case KindMatrixTask:
		return "matrix_tasks"
	case KindCaptureItem:
		return "capture_items"
	case KindFocusSession:
		return "focus_sessions"
	case KindGoal:
		return "goals"
	default:
		return ""
	}
}

// KindForCollection maps a collection name back to its kind.
func KindForCollection(collection string) (Kind, bool) {
	for _, kind := range validKinds {
		if kind.Collection() == collection {
			return kind, true
		}
	}
	return "", false
}

// IsTaskLike reports whether the kind participates in cross-feature completion sync.
func (k Kind) IsTaskLike() bool {
	switch k {
	case KindMatrixTask, KindCaptureItem:
		return true
	default:
		return false
	}
}

// HardDeletes reports whether removal physically deletes records of this kind.
// Board-style working lists hard delete; everything else soft deletes via status.
func (k Kind) HardDeletes() bool {
	return k == KindMatrixTask
}

// Label returns a short human-readable name.
func (k Kind) Label() string {
	switch k {
	case KindMatrixTask:
		return "matrix task"
	case KindCaptureItem:
		return "capture item"
	case KindFocusSession:
		return "focus session"
	case KindGoal:
		return "goal"
	default:
		return string(k)
	}
}
