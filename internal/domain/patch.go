package domain

import "strings"

// Patch holds a partial update. Nil fields are left unchanged; payload pointers
// replace the whole payload and must match the entity kind.
type Patch struct {
	Title   *string       `json:"title,omitempty"`
	Status  *Status       `json:"status,omitempty"`
	Notes   *string       `json:"notes,omitempty"`
	Matrix  *MatrixTask   `json:"matrix,omitempty"`
	Capture *CaptureItem  `json:"capture,omitempty"`
	Session *FocusSession `json:"session,omitempty"`
	Goal    *Goal         `json:"goal,omitempty"`
}

// StatusPatch builds a patch that only changes the status.
func StatusPatch(s Status) Patch {
	return Patch{Status: &s}
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Status == nil && p.Notes == nil &&
		p.Matrix == nil && p.Capture == nil && p.Session == nil && p.Goal == nil
}

// Apply merges the patch into a copy of e and validates the result. Timestamps
// are owned by the store and left untouched.
func (e Entity) Apply(p Patch) (Entity, error) {
	out := e.Clone()
	if p.Title != nil {
		out.Title = strings.TrimSpace(*p.Title)
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Notes != nil {
		out.Notes = strings.TrimSpace(*p.Notes)
	}
	if p.Matrix != nil {
		if out.Kind != KindMatrixTask {
			return Entity{}, invalid("matrix", ErrInvalidPayload)
		}
		out.Matrix = cloneMatrix(p.Matrix)
	}
	if p.Capture != nil {
		if out.Kind != KindCaptureItem {
			return Entity{}, invalid("capture", ErrInvalidPayload)
		}
		out.Capture = cloneCapture(p.Capture)
	}
	if p.Session != nil {
		if out.Kind != KindFocusSession {
			return Entity{}, invalid("session", ErrInvalidPayload)
		}
		out.Session = cloneSession(p.Session)
	}
	if p.Goal != nil {
		if out.Kind != KindGoal {
			return Entity{}, invalid("goal", ErrInvalidPayload)
		}
		out.Goal = cloneGoal(p.Goal)
	}
	if err := out.Validate(); err != nil {
		return Entity{}, err
	}
	return out, nil
}

// PatchFrom builds the patch that turns any entity of the same kind into snapshot.
// It is used to restore a prior state through the store's update contract.
func PatchFrom(snapshot Entity) Patch {
	title := snapshot.Title
	status := snapshot.Status
	notes := snapshot.Notes
	c := snapshot.Clone()
	return Patch{
		Title:   &title,
		Status:  &status,
		Notes:   &notes,
		Matrix:  c.Matrix,
		Capture: c.Capture,
		Session: c.Session,
		Goal:    c.Goal,
	}
}
