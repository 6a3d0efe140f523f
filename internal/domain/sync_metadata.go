package domain

import "time"

// SyncMetadata is the per-entity, per-device sync bookkeeping held next to each local record.
type SyncMetadata struct {
	DeviceID string `json:"deviceId"`
	// LocalRevision increases with every local mutation.
	LocalRevision uint64 `json:"localRevision"`
	// SyncedRevision is the local revision last confirmed by the remote.
	SyncedRevision uint64     `json:"syncedRevision"`
	LastSyncedAt   *time.Time `json:"lastSyncedAt,omitempty"`
	// RemoteUpdatedAt is the server-stamped updatedAt at the last confirmed sync point.
	RemoteUpdatedAt *time.Time `json:"remoteUpdatedAt,omitempty"`
}

// Dirty reports whether local changes exist past the last confirmed sync point.
func (m SyncMetadata) Dirty() bool {
	return m.LocalRevision > m.SyncedRevision
}

// Confirmed reports whether the record was ever confirmed by the remote.
func (m SyncMetadata) Confirmed() bool {
	return m.LastSyncedAt != nil
}

// RemoteChanged reports whether a remote version stamped at remoteUpdatedAt is
// newer than the last confirmed sync point.
func (m SyncMetadata) RemoteChanged(remoteUpdatedAt time.Time) bool {
	if m.RemoteUpdatedAt == nil {
		return true
	}
	return remoteUpdatedAt.After(*m.RemoteUpdatedAt)
}

// Record pairs an entity with its sync metadata as persisted locally.
type Record struct {
	Entity Entity
	Meta   SyncMetadata
}
