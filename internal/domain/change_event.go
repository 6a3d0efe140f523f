package domain

// ChangeOperation describes one local store mutation.
type ChangeOperation string

// ChangeOperation values delivered to store subscribers.
const (
	ChangeOperationCreate  ChangeOperation = "create"
	ChangeOperationUpdate  ChangeOperation = "update"
	ChangeOperationRemove  ChangeOperation = "remove"
	ChangeOperationRestore ChangeOperation = "restore"
	ChangeOperationPurge   ChangeOperation = "purge"
)

// ChangeOrigin tells subscribers who caused a mutation.
type ChangeOrigin string

// ChangeOrigin values.
const (
	// OriginLocal marks user edits and cross-feature propagation writes.
	OriginLocal ChangeOrigin = "local"
	// OriginRemote marks remote-wins reconciliation writes.
	OriginRemote ChangeOrigin = "remote"
	// OriginSync marks bookkeeping writes such as push confirmations.
	OriginSync ChangeOrigin = "sync"
)

// ChangeEvent is one entry of a store's ordered change feed.
type ChangeEvent struct {
	Seq        uint64
	Collection string
	Operation  ChangeOperation
	Origin     ChangeOrigin
	Entity     Entity
	Previous   *Entity
	Revision   uint64
}
