// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package channelsync

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Planner computes a typed reconciliation action and line-item diff for one
// entity. PlanOrder is a pure function of its inputs; all side effects
// (catalog resolution, store reads) happen before it is called.
type Planner struct {
	// ShippingSKU identifies the synthetic shipping line in the Local Store.
	ShippingSKU string
	// ShippingTaxRate is the tax rate for the shipping category, e.g. 0.13.
	ShippingTaxRate decimal.Decimal
	// KnownSKU reports whether a SKU resolves in the local catalog. Nil means
	// every SKU is considered known.
	KnownSKU func(sku string) bool
}

var one = decimal.NewFromInt(1)

// shippingInclusive re-derives the tax-inclusive shipping amount through the
// pre-tax discrimination so that downstream tax aggregation can treat every
// line as tax-inclusive at its stated quantity. The round trip must preserve
// the channel amount (11300 at 13% stays 11300.00).
func (p *Planner) shippingInclusive(amount decimal.Decimal) decimal.Decimal {
	divisor := one.Add(p.ShippingTaxRate)
	preTax := amount.Div(divisor).Round(2)
	return preTax.Mul(divisor).Round(2)
}

// PlanOrder applies the reconciliation decision table:
//
//	active    + absent  -> Create
//	active    + present -> Update
//	cancelled + present -> Cancel (status transition only)
//	cancelled + absent  -> Skip (never materialize a cancelled entity)
func (p *Planner) PlanOrder(remote ChannelOrder, local *LocalOrder) Plan {
	plan := Plan{
		ExternalID:       remote.ExternalID,
		ChannelUpdatedAt: remote.UpdatedAt,
	}

	if remote.Cancelled() {
		if local == nil {
			plan.Action = ActionSkip
			plan.SkipReason = ReasonCancelledAbsent
			return plan
		}
		plan.Action = ActionCancel
		plan.LocalID = local.Header.LocalID
		plan.HeaderChanges = map[string]any{"status": StatusCancelled}
		return plan
	}

	if local == nil {
		plan.Action = ActionCreate
		plan.Diff = p.diffLines(remote, nil, &plan)
		if len(plan.Diff.ToCreate) == 0 || allSynthetic(plan.Diff.ToCreate) {
			// Never create an empty-bodied entity.
			plan.Action = ActionSkip
			plan.SkipReason = ReasonAllLinesDropped
			plan.ErrorReason = ReasonAllLinesDropped
			plan.Diff = LineDiff{}
		}
		return plan
	}

	plan.Action = ActionUpdate
	plan.LocalID = local.Header.LocalID
	plan.HeaderChanges = map[string]any{}
	if local.Header.Status == StatusCancelled {
		// A previously cancelled local order that is active again remotely
		// transitions back to open.
		plan.HeaderChanges["status"] = StatusOpen
	}
	plan.Diff = p.diffLines(remote, local.Lines, &plan)
	return plan
}

func allSynthetic(creates []LineCreate) bool {
	for _, c := range creates {
		if !c.Synthetic {
			return false
		}
	}
	return true
}

// diffLines matches remote line items to local lines by SKU. Remote lines
// with quantity <= 0 are excluded entirely (defensive filter against
// malformed upstream data). Lines referencing an unresolvable SKU are dropped
// with a recorded warning. Synthetic local lines are never deleted: when
// their triggering amount drops to zero they are planned as a zero-out update
// so the money-bearing row stays auditable.
func (p *Planner) diffLines(remote ChannelOrder, local []OrderLine, plan *Plan) LineDiff {
	var diff LineDiff

	localBySKU := make(map[string]OrderLine, len(local))
	var syntheticShipping *OrderLine
	for i, ln := range local {
		if ln.Synthetic {
			if ln.SKU == p.ShippingSKU && syntheticShipping == nil {
				syntheticShipping = &local[i]
			}
			continue
		}
		if _, dup := localBySKU[ln.SKU]; !dup {
			localBySKU[ln.SKU] = ln
		}
	}

	seen := make(map[string]bool, len(remote.LineItems))
	for _, item := range remote.LineItems {
		if item.Quantity <= 0 {
			continue
		}
		if seen[item.SKU] {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("duplicate remote line for sku %s ignored", item.SKU))
			continue
		}
		seen[item.SKU] = true

		if p.KnownSKU != nil && !p.KnownSKU(item.SKU) {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("%s: sku %s", ReasonUnknownSKU, item.SKU))
			continue
		}

		existing, ok := localBySKU[item.SKU]
		if !ok {
			diff.ToCreate = append(diff.ToCreate, LineCreate{
				SKU:      item.SKU,
				Quantity: item.Quantity,
				Price:    item.UnitPrice,
			})
			continue
		}
		if existing.Quantity != item.Quantity || !existing.Price.Equal(item.UnitPrice) {
			diff.ToUpdate = append(diff.ToUpdate, LineUpdate{
				Line:     existing,
				Quantity: item.Quantity,
				Price:    item.UnitPrice,
			})
		}
	}

	// Orphan non-synthetic lines: present locally, absent remotely.
	for _, ln := range local {
		if ln.Synthetic {
			continue
		}
		if !seen[ln.SKU] {
			diff.ToDelete = append(diff.ToDelete, ln)
		}
	}

	p.diffShipping(remote, syntheticShipping, &diff)
	return diff
}

// diffShipping plans the synthetic shipping line. A line is created only when
// the triggering amount is strictly positive; an existing line whose amount
// drops to zero/absent is zeroed out, never deleted.
func (p *Planner) diffShipping(remote ChannelOrder, existing *OrderLine, diff *LineDiff) {
	if remote.ShippingAmount.IsPositive() {
		inclusive := p.shippingInclusive(remote.ShippingAmount)
		if existing == nil {
			diff.ToCreate = append(diff.ToCreate, LineCreate{
				SKU:       p.ShippingSKU,
				Quantity:  1,
				Price:     inclusive,
				Synthetic: true,
			})
			return
		}
		if existing.Quantity != 1 || !existing.Price.Equal(inclusive) {
			diff.ToUpdate = append(diff.ToUpdate, LineUpdate{
				Line:     *existing,
				Quantity: 1,
				Price:    inclusive,
			})
		}
		return
	}

	if existing != nil && (existing.Quantity != 0 || !existing.Price.IsZero()) {
		diff.ToUpdate = append(diff.ToUpdate, LineUpdate{
			Line:     *existing,
			Quantity: 0,
			Price:    decimal.Zero,
		})
	}
}
