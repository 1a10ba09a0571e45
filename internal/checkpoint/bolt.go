// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var boltCheckpointBucket = []byte("sync_checkpoints")

// BoltStore is an embedded checkpoint store for single-node deployments. A
// bbolt update transaction gives the read-modify-write isolation the Store
// contract requires.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the checkpoint bucket in db.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltCheckpointBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create checkpoint bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Create implements Store.
func (s *BoltStore) Create(_ context.Context, windowStart, windowEnd time.Time, totalEstimate int) (uuid.UUID, error) {
	cp := Checkpoint{
		ID:            uuid.New(),
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
		State:         StatePending,
		TotalEstimate: totalEstimate,
		UpdatedAt:     time.Now(),
	}
	if err := s.put(cp); err != nil {
		return uuid.Nil, err
	}
	return cp.ID, nil
}

// Advance implements Store.
func (s *BoltStore) Advance(_ context.Context, id uuid.UUID, cursor string, processedDelta int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltCheckpointBucket)
		cp, err := decode(b.Get([]byte(id.String())))
		if err != nil {
			return fmt.Errorf("advance checkpoint %s: %w", id, err)
		}
		cp.Cursor = cursor
		cp.State = StateInProgress
		cp.Processed += processedDelta
		cp.UpdatedAt = time.Now()
		return putInTx(b, *cp)
	})
}

// Complete implements Store.
func (s *BoltStore) Complete(_ context.Context, id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltCheckpointBucket)
		cp, err := decode(b.Get([]byte(id.String())))
		if err != nil {
			return fmt.Errorf("complete checkpoint %s: %w", id, err)
		}
		cp.State = StateCompleted
		cp.UpdatedAt = time.Now()
		return putInTx(b, *cp)
	})
}

// LoadResumable implements Store.
func (s *BoltStore) LoadResumable(_ context.Context) (*Checkpoint, error) {
	var found *Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltCheckpointBucket).ForEach(func(_, v []byte) error {
			cp, err := decode(v)
			if err != nil {
				return err
			}
			if !cp.Resumable() {
				return nil
			}
			if found == nil || cp.UpdatedAt.Before(found.UpdatedAt) {
				found = cp
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load resumable checkpoint: %w", err)
	}
	return found, nil
}

// Delete implements Store.
func (s *BoltStore) Delete(_ context.Context, id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltCheckpointBucket)
		key := []byte(id.String())
		if b.Get(key) == nil {
			return ErrNotFound
		}
		return b.Delete(key)
	})
}

// List implements Store.
func (s *BoltStore) List(_ context.Context) ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltCheckpointBucket).ForEach(func(_, v []byte) error {
			cp, err := decode(v)
			if err != nil {
				return err
			}
			out = append(out, *cp)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *BoltStore) put(cp Checkpoint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putInTx(tx.Bucket(boltCheckpointBucket), cp)
	})
}

func putInTx(b *bolt.Bucket, cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return b.Put([]byte(cp.ID.String()), raw)
}

func decode(raw []byte) (*Checkpoint, error) {
	if raw == nil {
		return nil, ErrNotFound
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
