// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package channelsync

import (
	"time"

	"github.com/shopspring/decimal"
)

// Remote-side models. These are produced fresh on every discovery page and
// never mutated; they flow downward through the pipeline by value.

// ChannelLineItem is a single line of an order as reported by the Remote Source.
type ChannelLineItem struct {
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// ChannelOrder is an order as reported by the Remote Source.
type ChannelOrder struct {
	ExternalID        string            `json:"external_id"`
	UpdatedAt         time.Time         `json:"updated_at"`
	FinancialStatus   string            `json:"financial_status"`
	FulfillmentStatus string            `json:"fulfillment_status"`
	CancelledAt       *time.Time        `json:"cancelled_at,omitempty"`
	LineItems         []ChannelLineItem `json:"line_items"`
	ShippingAmount    decimal.Decimal   `json:"shipping_amount"`
}

// Cancelled reports whether the order has been cancelled on the channel.
func (o *ChannelOrder) Cancelled() bool {
	return o.CancelledAt != nil || o.FinancialStatus == "voided" || o.FinancialStatus == "refunded"
}

// ChannelVariant is a product variant as reported by the Remote Source, used
// by the reverse synchronizer.
type ChannelVariant struct {
	ExternalID     string    `json:"external_id"`
	SKU            string    `json:"sku"`
	OnHand         int       `json:"on_hand"`
	Incoming       int       `json:"incoming"`
	SiblingCount   int       `json:"sibling_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Tags           []string  `json:"tags,omitempty"`
}

// HasTag reports whether the variant already carries the given tag marker.
func (v *ChannelVariant) HasTag(tag string) bool {
	for _, t := range v.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// InventoryLevel is the Local Store's on-hand truth for one SKU.
type InventoryLevel struct {
	SKU       string    `json:"sku"`
	Available int       `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LineCreate describes a line item the apply engine must insert. Synthetic
// lines (e.g. a shipping charge) are system-generated from an aggregate remote
// field rather than present as a remote line item.
type LineCreate struct {
	SKU       string
	Quantity  int
	Price     decimal.Decimal
	Synthetic bool
}

// LineUpdate pairs an existing local line with its new quantity and price.
type LineUpdate struct {
	Line     OrderLine
	Quantity int
	Price    decimal.Decimal
}

// LineDiff is the line-item-level part of a Plan.
type LineDiff struct {
	ToCreate []LineCreate
	ToUpdate []LineUpdate
	ToDelete []OrderLine
}

// Empty reports whether the diff contains no work.
func (d *LineDiff) Empty() bool {
	return len(d.ToCreate) == 0 && len(d.ToUpdate) == 0 && len(d.ToDelete) == 0
}

// Plan is the typed reconciliation decision for one entity. It exists only
// within one reconciliation pass and is never persisted.
type Plan struct {
	Action           Action
	ExternalID       string
	LocalID          int64 // zero for creates
	HeaderChanges    map[string]any
	Diff             LineDiff
	ChannelUpdatedAt time.Time
	Warnings         []string
	SkipReason       string
	// ErrorReason marks a Skip that must be recorded as an error (e.g. a
	// Create whose line items were all dropped).
	ErrorReason string
}

// Window is a modification-time discovery window.
type Window struct {
	Start time.Time
	End   time.Time
}

// OrdersPage is one page of discovered channel orders plus its opaque cursor.
type OrdersPage struct {
	Orders     []ChannelOrder `json:"orders"`
	NextCursor string         `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

// RunOptions controls a single reconciliation run.
type RunOptions struct {
	Window    Window
	BatchSize int
	MaxPages  int
	// DryRun executes Discovery+Resolve+Plan but skips Apply entirely, with
	// zero side effects: no locks, no checkpoint writes.
	DryRun bool
	// Resume picks up the last non-completed checkpoint instead of starting
	// a fresh window.
	Resume bool
}
