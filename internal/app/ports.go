package app

import (
	"github.com/evanschultz/tandem/internal/history"
	"github.com/evanschultz/tandem/internal/store"
	"github.com/evanschultz/tandem/internal/syncer"
)

// Repository is the local persistence port: entity records of every
// collection, the action history, and sync conflicts.
type Repository interface {
	store.Repository
	history.Repository
	syncer.ConflictRepository
}
