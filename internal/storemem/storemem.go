// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package storemem is an in-memory LocalStore used by tests and local
// development. Transactions stage writes on a deep copy and swap it in on
// success, so a failed unit leaves the store byte-for-byte unchanged. This is
// the same all-or-nothing contract the Postgres implementation gets from pgx
// transactions. FailOn hooks let tests inject failures between apply steps.
package storemem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/retailbridge/channelsync/channelsync"
)

// Store implements channelsync.LocalStore in memory.
type Store struct {
	mu         sync.Mutex
	nextID     int64
	nextLineID int64
	orders     map[int64]*channelsync.LocalOrder
	inventory  map[string]channelsync.InventoryLevel

	// BatchQueries counts BatchExists calls so tests can assert the
	// one-query-per-batch contract.
	BatchQueries atomic.Int64

	// FailOn, when set, is consulted before every transactional operation
	// with the operation name ("upsert_header", "update_lines",
	// "insert_lines", "delete_lines"). A non-nil return aborts the
	// transaction.
	FailOn func(op string) error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:     1,
		nextLineID: 1,
		orders:     map[int64]*channelsync.LocalOrder{},
		inventory:  map[string]channelsync.InventoryLevel{},
	}
}

// SetInventory seeds a local inventory level.
func (s *Store) SetInventory(sku string, available int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inventory[sku] = channelsync.InventoryLevel{SKU: sku, Available: available, UpdatedAt: time.Now()}
}

// Orders returns a deep copy of all orders, sorted by local ID.
func (s *Store) Orders() []channelsync.LocalOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]channelsync.LocalOrder, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Header.LocalID < out[j].Header.LocalID })
	return out
}

// WithTx implements channelsync.LocalStore.
func (s *Store) WithTx(_ context.Context, fn func(tx channelsync.StoreTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := &memTx{store: s, orders: make(map[int64]*channelsync.LocalOrder, len(s.orders))}
	staged.nextID = s.nextID
	staged.nextLineID = s.nextLineID
	for id, o := range s.orders {
		staged.orders[id] = cloneOrder(o)
	}

	if err := fn(staged); err != nil {
		return err // staged copy discarded
	}

	s.orders = staged.orders
	s.nextID = staged.nextID
	s.nextLineID = staged.nextLineID
	return nil
}

// BatchExists implements channelsync.LocalStore with a single scan, the
// in-memory analog of one batched query. On duplicate external refs the
// lowest local ID wins; residue predating the dedup safeguard is tolerated
// read-only.
func (s *Store) BatchExists(_ context.Context, externalRefs []string) (map[string]channelsync.Existing, error) {
	s.BatchQueries.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(externalRefs))
	for _, ref := range externalRefs {
		want[ref] = true
	}
	out := map[string]channelsync.Existing{}
	for id, o := range s.orders {
		if o.Header.ExternalRef == nil || !want[*o.Header.ExternalRef] {
			continue
		}
		ref := *o.Header.ExternalRef
		if prev, dup := out[ref]; !dup || id < prev.LocalID {
			out[ref] = channelsync.Existing{
				LocalID:          id,
				Status:           o.Header.Status,
				ChannelUpdatedAt: o.Header.ChannelUpdatedAt,
			}
		}
	}
	return out, nil
}

// GetOrder implements channelsync.LocalStore.
func (s *Store) GetOrder(_ context.Context, localID int64) (*channelsync.LocalOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[localID]
	if !ok {
		return nil, fmt.Errorf("order %d not found", localID)
	}
	return cloneOrder(o), nil
}

// ListInventoryLevels implements channelsync.LocalStore.
func (s *Store) ListInventoryLevels(_ context.Context, skus []string) ([]channelsync.InventoryLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []channelsync.InventoryLevel
	for _, sku := range skus {
		if lv, ok := s.inventory[sku]; ok {
			out = append(out, lv)
		}
	}
	return out, nil
}

type memTx struct {
	store      *Store
	orders     map[int64]*channelsync.LocalOrder
	nextID     int64
	nextLineID int64
}

func (t *memTx) failOn(op string) error {
	if t.store.FailOn != nil {
		return t.store.FailOn(op)
	}
	return nil
}

func (t *memTx) GetOrder(_ context.Context, localID int64) (*channelsync.LocalOrder, error) {
	o, ok := t.orders[localID]
	if !ok {
		return nil, fmt.Errorf("order %d not found", localID)
	}
	return cloneOrder(o), nil
}

func (t *memTx) UpsertHeader(_ context.Context, hdr channelsync.OrderHeader, changes map[string]any) (int64, error) {
	if err := t.failOn("upsert_header"); err != nil {
		return 0, err
	}
	if hdr.LocalID == 0 {
		id := t.nextID
		t.nextID++
		t.orders[id] = &channelsync.LocalOrder{Header: channelsync.OrderHeader{
			LocalID:          id,
			ExternalRef:      hdr.ExternalRef,
			Status:           hdr.Status,
			ChannelUpdatedAt: hdr.ChannelUpdatedAt,
		}}
		return id, nil
	}
	o, ok := t.orders[hdr.LocalID]
	if !ok {
		return 0, fmt.Errorf("order %d not found", hdr.LocalID)
	}
	o.Header.ChannelUpdatedAt = hdr.ChannelUpdatedAt
	if status, ok := changes["status"].(string); ok {
		o.Header.Status = status
	}
	return hdr.LocalID, nil
}

func (t *memTx) UpdateLines(_ context.Context, updates []channelsync.LineUpdate) error {
	if err := t.failOn("update_lines"); err != nil {
		return err
	}
	for _, u := range updates {
		if !t.updateLine(u) {
			return fmt.Errorf("line %d not found", u.Line.LocalLineID)
		}
	}
	return nil
}

func (t *memTx) updateLine(u channelsync.LineUpdate) bool {
	for _, o := range t.orders {
		for i := range o.Lines {
			if o.Lines[i].LocalLineID == u.Line.LocalLineID {
				o.Lines[i].Quantity = u.Quantity
				o.Lines[i].Price = u.Price
				return true
			}
		}
	}
	return false
}

func (t *memTx) InsertLines(_ context.Context, localID int64, lines []channelsync.LineCreate) error {
	if err := t.failOn("insert_lines"); err != nil {
		return err
	}
	o, ok := t.orders[localID]
	if !ok {
		return fmt.Errorf("order %d not found", localID)
	}
	for _, lc := range lines {
		id := t.nextLineID
		t.nextLineID++
		o.Lines = append(o.Lines, channelsync.OrderLine{
			LocalLineID: id,
			SKU:         lc.SKU,
			Quantity:    lc.Quantity,
			Price:       lc.Price,
			Synthetic:   lc.Synthetic,
		})
	}
	return nil
}

func (t *memTx) DeleteLines(_ context.Context, lineIDs []int64) error {
	if err := t.failOn("delete_lines"); err != nil {
		return err
	}
	doomed := make(map[int64]bool, len(lineIDs))
	for _, id := range lineIDs {
		doomed[id] = true
	}
	for _, o := range t.orders {
		kept := o.Lines[:0]
		for _, ln := range o.Lines {
			if !doomed[ln.LocalLineID] {
				kept = append(kept, ln)
			}
		}
		o.Lines = kept
	}
	return nil
}

func cloneOrder(o *channelsync.LocalOrder) *channelsync.LocalOrder {
	c := &channelsync.LocalOrder{Header: o.Header}
	if o.Header.ExternalRef != nil {
		ref := *o.Header.ExternalRef
		c.Header.ExternalRef = &ref
	}
	c.Lines = append([]channelsync.OrderLine(nil), o.Lines...)
	return c
}
