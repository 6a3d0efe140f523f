package domain

import "time"

// ActionKind classifies a recorded reversible operation.
type ActionKind string

// ActionKind values.
const (
	ActionCreate       ActionKind = "create"
	ActionUpdate       ActionKind = "update"
	ActionDelete       ActionKind = "delete"
	ActionComplete     ActionKind = "complete"
	ActionUncomplete   ActionKind = "uncomplete"
	ActionStatusChange ActionKind = "status-change"
)

// IsValidActionKind reports whether the action kind is supported.
func IsValidActionKind(a ActionKind) bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionComplete, ActionUncomplete, ActionStatusChange:
		return true
	default:
		return false
	}
}

// HistoryEntry is one append-only action-history row. Previous is nil for
// creates; Next is nil for hard deletes.
type HistoryEntry struct {
	ID          string     `json:"id"`
	Seq         int64      `json:"seq"`
	EntityType  Kind       `json:"entityType"`
	EntityID    string     `json:"entityId"`
	Action      ActionKind `json:"action"`
	Previous    *Entity    `json:"previousState,omitempty"`
	Next        *Entity    `json:"newState,omitempty"`
	Description string     `json:"description"`
	CanUndo     bool       `json:"canUndo"`
	CreatedAt   time.Time  `json:"createdAt"`
	UndoneAt    *time.Time `json:"undoneAt,omitempty"`
}

// Undone reports whether the entry reached its terminal undone state.
func (h HistoryEntry) Undone() bool {
	return h.UndoneAt != nil
}
