// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltLockBucket = []byte("entity_locks")

// BoltStore is an embedded Store for single-node deployments. bbolt
// serializes writers, which gives us the atomic set-if-absent semantics the
// Manager needs.
type BoltStore struct {
	db *bolt.DB
}

type boltLockRecord struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewBoltStore opens (or creates) the lock bucket in db.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltLockBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create lock bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// SetIfAbsent implements Store.
func (s *BoltStore) SetIfAbsent(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltLockBucket)
		if raw := b.Get([]byte(key)); raw != nil {
			var rec boltLockRecord
			if err := json.Unmarshal(raw, &rec); err == nil && rec.ExpiresAt.After(time.Now()) {
				return nil // held by an unexpired token
			}
		}
		raw, err := json.Marshal(boltLockRecord{Token: token, ExpiresAt: time.Now().Add(ttl)})
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key), raw); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("bolt lock acquire: %w", err)
	}
	return acquired, nil
}

// DeleteIfMatch implements Store.
func (s *BoltStore) DeleteIfMatch(_ context.Context, key, token string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltLockBucket)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var rec boltLockRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.Token != token {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("bolt lock release: %w", err)
	}
	return nil
}
