package domain

import (
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle status shared by every entity kind.
type Status string

// Status values.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var validStatuses = []Status{StatusPending, StatusInProgress, StatusCompleted, StatusCancelled}

// IsValidStatus reports whether the status is supported.
func IsValidStatus(s Status) bool {
	return slices.Contains(validStatuses, s)
}

// Quadrant places a matrix task on the urgent/important grid.
type Quadrant string

// Quadrant values.
const (
	QuadrantDo       Quadrant = "do"
	QuadrantSchedule Quadrant = "schedule"
	QuadrantDelegate Quadrant = "delegate"
	QuadrantDrop     Quadrant = "eliminate"
)

var validQuadrants = []Quadrant{QuadrantDo, QuadrantSchedule, QuadrantDelegate, QuadrantDrop}

// List is the capture/organize list a capture item sits in.
type List string

// List values.
const (
	ListInbox   List = "inbox"
	ListNext    List = "next"
	ListWaiting List = "waiting"
	ListSomeday List = "someday"
)

var validLists = []List{ListInbox, ListNext, ListWaiting, ListSomeday}

// MatrixTask is the priority-matrix payload.
type MatrixTask struct {
	Quadrant      Quadrant   `json:"quadrant"`
	CaptureItemID string     `json:"gtdItemId,omitempty"`
	DueAt         *time.Time `json:"dueAt,omitempty"`
}

// CaptureItem is the capture/organize payload.
type CaptureItem struct {
	List         List   `json:"list"`
	Context      string `json:"context,omitempty"`
	MatrixTaskID string `json:"matrixTaskId,omitempty"`
}

// FocusSession is a timed work session, optionally bound to a task.
type FocusSession struct {
	TaskID         string     `json:"taskId,omitempty"`
	PlannedMinutes int        `json:"plannedMinutes"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// Goal is a longer-running objective with a progress percentage.
type Goal struct {
	TargetDate *time.Time `json:"targetDate,omitempty"`
	Progress   int        `json:"progress"`
}

// Entity is a persisted domain record. Kind selects which payload is set; exactly
// one payload pointer is non-nil and it matches Kind.
type Entity struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	UserID    string        `json:"userId,omitempty"`
	Title     string        `json:"title"`
	Status    Status        `json:"status"`
	Notes     string        `json:"notes,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	DeletedAt *time.Time    `json:"deletedAt,omitempty"`
	Matrix    *MatrixTask   `json:"matrix,omitempty"`
	Capture   *CaptureItem  `json:"capture,omitempty"`
	Session   *FocusSession `json:"session,omitempty"`
	Goal      *Goal         `json:"goal,omitempty"`
}

// Draft holds caller-supplied values for a new entity.
type Draft struct {
	Kind    Kind
	UserID  string
	Title   string
	Status  Status
	Notes   string
	Matrix  *MatrixTask
	Capture *CaptureItem
	Session *FocusSession
	Goal    *Goal
}

// NewEntity validates a draft and stamps identity and timestamps.
func NewEntity(d Draft, id string, now time.Time) (Entity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Entity{}, invalid("id", ErrInvalidID)
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
	ts := now.UTC()
	e := Entity{
		ID:        id,
		Kind:      d.Kind,
		UserID:    strings.TrimSpace(d.UserID),
		Title:     strings.TrimSpace(d.Title),
		Status:    d.Status,
		Notes:     strings.TrimSpace(d.Notes),
		CreatedAt: ts,
		UpdatedAt: ts,
		Matrix:    cloneMatrix(d.Matrix),
		Capture:   cloneCapture(d.Capture),
		Session:   cloneSession(d.Session),
		Goal:      cloneGoal(d.Goal),
	}
	e.defaultPayload()
	if err := e.Validate(); err != nil {
		return Entity{}, err
	}
	return e, nil
}

// defaultPayload allocates an empty payload for the entity kind when none was given.
func (e *Entity) defaultPayload() {
	switch e.Kind {
	case KindMatrixTask:
		if e.Matrix == nil {
			e.Matrix = &MatrixTask{}
		}
		if e.Matrix.Quadrant == "" {
			e.Matrix.Quadrant = QuadrantDo
		}
	case KindCaptureItem:
		if e.Capture == nil {
			e.Capture = &CaptureItem{}
		}
		if e.Capture.List == "" {
			e.Capture.List = ListInbox
		}
	case KindFocusSession:
		if e.Session == nil {
			e.Session = &FocusSession{PlannedMinutes: 25}
		}
	case KindGoal:
		if e.Goal == nil {
			e.Goal = &Goal{}
		}
	}
}

// Validate checks required fields and that the payload matches the kind.
func (e Entity) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return invalid("id", ErrInvalidID)
	}
	if strings.TrimSpace(e.Title) == "" {
		return invalid("title", ErrInvalidTitle)
	}
	if !IsValidStatus(e.Status) {
		return invalid("status", ErrInvalidStatus)
	}
	set := 0
	for _, present := range []bool{e.Matrix != nil, e.Capture != nil, e.Session != nil, e.Goal != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return invalid("payload", ErrInvalidPayload)
	}
	switch e.Kind {
	case KindMatrixTask:
		if e.Matrix == nil {
			return invalid("matrix", ErrInvalidPayload)
		}
		if !slices.Contains(validQuadrants, e.Matrix.Quadrant) {
			return invalid("matrix.quadrant", ErrInvalidQuadrant)
		}
		if e.Matrix.CaptureItemID == e.ID {
			return invalid("matrix.gtdItemId", ErrInvalidLink)
		}
	case KindCaptureItem:
		if e.Capture == nil {
			return invalid("capture", ErrInvalidPayload)
		}
		if !slices.Contains(validLists, e.Capture.List) {
			return invalid("capture.list", ErrInvalidList)
		}
		if e.Capture.MatrixTaskID == e.ID {
			return invalid("capture.matrixTaskId", ErrInvalidLink)
		}
	case KindFocusSession:
		if e.Session == nil {
			return invalid("session", ErrInvalidPayload)
		}
		if e.Session.PlannedMinutes <= 0 {
			return invalid("session.plannedMinutes", ErrInvalidDuration)
		}
		if e.Session.StartedAt != nil && e.Session.EndedAt != nil && e.Session.EndedAt.Before(*e.Session.StartedAt) {
			return invalid("session.endedAt", ErrInvalidDuration)
		}
	case KindGoal:
		if e.Goal == nil {
			return invalid("goal", ErrInvalidPayload)
		}
		if e.Goal.Progress < 0 || e.Goal.Progress > 100 {
			return invalid("goal.progress", ErrInvalidProgress)
		}
	default:
		return invalid("kind", ErrInvalidKind)
	}
	return nil
}

// LinkedID returns the foreign id of the directly linked entity in another feature.
func (e Entity) LinkedID() string {
	switch e.Kind {
	case KindMatrixTask:
		if e.Matrix != nil {
			return e.Matrix.CaptureItemID
		}
	case KindCaptureItem:
		if e.Capture != nil {
			return e.Capture.MatrixTaskID
		}
	case KindFocusSession, KindGoal:
	}
	return ""
}

// LinkedKind returns the kind a LinkedID refers to.
func (e Entity) LinkedKind() (Kind, bool) {
	switch e.Kind {
	case KindMatrixTask:
		return KindCaptureItem, true
	case KindCaptureItem:
		return KindMatrixTask, true
	case KindFocusSession, KindGoal:
		return "", false
	default:
		return "", false
	}
}

// Completed reports whether the entity is in the completed status.
func (e Entity) Completed() bool {
	return e.Status == StatusCompleted
}

// Deleted reports whether the entity carries a deletion tombstone.
func (e Entity) Deleted() bool {
	return e.DeletedAt != nil
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	out := e
	out.DeletedAt = copyTime(e.DeletedAt)
	out.Matrix = cloneMatrix(e.Matrix)
	out.Capture = cloneCapture(e.Capture)
	out.Session = cloneSession(e.Session)
	out.Goal = cloneGoal(e.Goal)
	return out
}

// Ptr returns a pointer to a deep copy, for history snapshots.
func (e Entity) Ptr() *Entity {
	c := e.Clone()
	return &c
}

func cloneMatrix(in *MatrixTask) *MatrixTask {
	if in == nil {
		return nil
	}
	out := *in
	out.CaptureItemID = strings.TrimSpace(out.CaptureItemID)
	out.DueAt = copyTime(in.DueAt)
	return &out
}

func cloneCapture(in *CaptureItem) *CaptureItem {
	if in == nil {
		return nil
	}
	out := *in
	out.MatrixTaskID = strings.TrimSpace(out.MatrixTaskID)
	return &out
}

func cloneSession(in *FocusSession) *FocusSession {
	if in == nil {
		return nil
	}
	out := *in
	out.StartedAt = copyTime(in.StartedAt)
	out.EndedAt = copyTime(in.EndedAt)
	return &out
}

func cloneGoal(in *Goal) *Goal {
	if in == nil {
		return nil
	}
	out := *in
	out.TargetDate = copyTime(in.TargetDate)
	return &out
}

func copyTime(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	ts := in.UTC()
	return &ts
}
