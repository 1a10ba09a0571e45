// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package channelsync

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Local Store row models. Owned and mutated exclusively by the Apply Engine.
// Reconciliation never physically deletes an order; cancellation is a status
// transition.

// OrderHeader is the header row of a local order.
type OrderHeader struct {
	LocalID          int64
	ExternalRef      *string // unique when non-nil; nil until linked
	Status           string
	ChannelUpdatedAt time.Time
}

// OrderLine is a line-item row owned by an order header.
type OrderLine struct {
	LocalLineID int64
	SKU         string
	Quantity    int
	Price       decimal.Decimal
	Synthetic   bool
}

// LocalOrder is a header plus its owned lines.
type LocalOrder struct {
	Header OrderHeader
	Lines  []OrderLine
}

// Existing is the resolver's classification of one external ID.
type Existing struct {
	LocalID          int64
	Status           string
	ChannelUpdatedAt time.Time
}

// StoreTx is the transactional scope of the Local Store. Every method runs
// inside the surrounding WithTx unit; any error rolls the whole unit back.
type StoreTx interface {
	// GetOrder loads a header and its lines for update.
	GetOrder(ctx context.Context, localID int64) (*LocalOrder, error)

	// UpsertHeader inserts a new header (LocalID zero) or applies header
	// changes to an existing one, returning the local ID.
	UpsertHeader(ctx context.Context, hdr OrderHeader, changes map[string]any) (int64, error)

	// UpdateLines applies quantity/price changes to existing lines.
	UpdateLines(ctx context.Context, updates []LineUpdate) error

	// InsertLines creates new lines under the given header.
	InsertLines(ctx context.Context, localID int64, lines []LineCreate) error

	// DeleteLines removes the given lines. The planner guarantees synthetic
	// lines never appear here.
	DeleteLines(ctx context.Context, lineIDs []int64) error
}

// LocalStore is the authoritative transactional store being reconciled.
// Implementations must make WithTx all-or-nothing: if fn returns an error the
// store is byte-for-byte unchanged.
type LocalStore interface {
	WithTx(ctx context.Context, fn func(tx StoreTx) error) error

	// BatchExists classifies external refs as absent/present using one
	// batched query. One query per batch is a hard contract, not an
	// optimization detail.
	BatchExists(ctx context.Context, externalRefs []string) (map[string]Existing, error)

	// GetOrder loads a header and its lines outside a transaction, for
	// planning. The entity lock guards against concurrent apply.
	GetOrder(ctx context.Context, localID int64) (*LocalOrder, error)

	// ListInventoryLevels returns local on-hand truth for the reverse
	// synchronizer.
	ListInventoryLevels(ctx context.Context, skus []string) ([]InventoryLevel, error)
}

// CatalogResolver classifies SKUs as known/unknown in the local catalog. The
// taxonomy/field-mapping logic behind it is a black box.
type CatalogResolver interface {
	ResolveSKUs(ctx context.Context, skus []string) (map[string]bool, error)
}
