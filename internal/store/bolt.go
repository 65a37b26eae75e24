package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketUnits = []byte("units")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketUnits)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveUnit(unit *Unit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putUnit(tx, unit)
	})
}

func putUnit(tx *bolt.Tx, unit *Unit) error {
	b := tx.Bucket(bucketUnits)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucketUnits)
	}
	// Serialize via internal storage struct to persist the token.
	data, err := json.Marshal(toStorage(unit))
	if err != nil {
		return err
	}
	return b.Put([]byte(unit.ID), data)
}

func getUnit(tx *bolt.Tx, id string) (*Unit, error) {
	b := tx.Bucket(bucketUnits)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", bucketUnits)
	}
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("unit %s: %w", id, ErrNotFound)
	}
	var st unitStorage
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	unit := fromStorage(st)
	return &unit, nil
}

func (s *BoltStore) GetUnit(id string) (*Unit, error) {
	var unit *Unit
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		unit, err = getUnit(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

func (s *BoltStore) DeleteUnit(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketUnits)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListUnits() ([]*Unit, error) {
	var units []*Unit
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		if b == nil {
			return nil // no bucket = no units
		}
		units = make([]*Unit, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var st unitStorage
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			unit := fromStorage(st)
			units = append(units, &unit)
			return nil
		})
	})
	return units, err
}

func (s *BoltStore) UpdateUnit(id string, fn func(unit *Unit) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		unit, err := getUnit(tx, id)
		if err != nil {
			return err
		}
		if err := fn(unit); err != nil {
			return err
		}
		return putUnit(tx, unit)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
