package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Unit operations
	SaveUnit(unit *Unit) error
	GetUnit(id string) (*Unit, error)
	DeleteUnit(id string) error
	ListUnits() ([]*Unit, error)

	// UpdateUnit atomically reads, modifies, and saves a unit in a single
	// transaction. Returns ErrNotFound if the unit does not exist.
	UpdateUnit(id string, fn func(unit *Unit) error) error

	// Close the store
	Close() error
}
