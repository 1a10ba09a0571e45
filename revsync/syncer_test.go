// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package revsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/retailbridge/channelsync/channelsync"
	"github.com/retailbridge/channelsync/internal/storemem"
)

type tagCall struct {
	ids []string
	tag string
}

// fakeRemote records inventory mutations and lets tests fail specific calls.
type fakeRemote struct {
	variants []channelsync.ChannelVariant

	bulkCalls   [][]InventoryUpdate
	bulkErr     error
	adjustCalls []InventoryUpdate
	adjustErr   error
	removeCalls []string
	removeFail  string // external ID whose removal fails
	tagCalls    []tagCall
	tagErr      error
}

func (f *fakeRemote) FetchVariantsPage(_ context.Context, _, cursor string, _ int) (*VariantsPage, error) {
	if cursor != "" {
		return &VariantsPage{}, nil
	}
	return &VariantsPage{Variants: f.variants, NextCursor: "end"}, nil
}

func (f *fakeRemote) BulkAdjustInventory(_ context.Context, updates []InventoryUpdate) error {
	if f.bulkErr != nil {
		return f.bulkErr
	}
	f.bulkCalls = append(f.bulkCalls, append([]InventoryUpdate(nil), updates...))
	return nil
}

func (f *fakeRemote) AdjustInventory(_ context.Context, update InventoryUpdate) error {
	if f.adjustErr != nil {
		return f.adjustErr
	}
	f.adjustCalls = append(f.adjustCalls, update)
	return nil
}

func (f *fakeRemote) RemoveVariant(_ context.Context, externalID string) error {
	if externalID == f.removeFail {
		return errors.New("remove rejected")
	}
	f.removeCalls = append(f.removeCalls, externalID)
	return nil
}

func (f *fakeRemote) TagVariants(_ context.Context, externalIDs []string, tag string) error {
	if f.tagErr != nil {
		return f.tagErr
	}
	f.tagCalls = append(f.tagCalls, tagCall{ids: append([]string(nil), externalIDs...), tag: tag})
	return nil
}

func fastRetry() channelsync.RetryPolicy {
	return channelsync.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func variant(externalID, sku string, onHand int) channelsync.ChannelVariant {
	return channelsync.ChannelVariant{
		ExternalID:     externalID,
		SKU:            sku,
		OnHand:         onHand,
		SiblingCount:   3,
		LastActivityAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestSyncer(remote *fakeRemote, store *storemem.Store) *Syncer {
	return &Syncer{
		Store:  store,
		Remote: remote,
		Retry:  fastRetry(),
	}
}

func TestRunPushesDivergentLevelsInOneBulkCall(t *testing.T) {
	store := storemem.New()
	store.SetInventory("SKU-A", 10)
	store.SetInventory("SKU-B", 4)
	store.SetInventory("SKU-C", 7)

	remote := &fakeRemote{variants: []channelsync.ChannelVariant{
		variant("v-1", "SKU-A", 3), // divergent
		variant("v-2", "SKU-B", 4), // in sync
		variant("v-3", "SKU-C", 1), // divergent
	}}
	s := newTestSyncer(remote, store)

	stats, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.TotalSeen)
	require.Equal(t, int64(2), stats.Updated)
	require.Equal(t, int64(1), stats.Skipped)

	require.Len(t, remote.bulkCalls, 1, "page mutations go through one bulk call")
	require.Equal(t, []InventoryUpdate{
		{ExternalID: "v-1", SKU: "SKU-A", NewQuantity: 10, PrevQuantity: 3},
		{ExternalID: "v-3", SKU: "SKU-C", NewQuantity: 7, PrevQuantity: 1},
	}, remote.bulkCalls[0])

	require.Len(t, remote.tagCalls, 1)
	require.Contains(t, remote.tagCalls[0].tag, "chansync-cycle-")
	require.ElementsMatch(t, []string{"v-1", "v-2", "v-3"}, remote.tagCalls[0].ids)
	require.Equal(t, PhaseDone, s.Phase())
}

func TestUntrackedSKUSkipped(t *testing.T) {
	store := storemem.New()
	remote := &fakeRemote{variants: []channelsync.ChannelVariant{
		variant("v-1", "SKU-UNKNOWN", 3),
	}}
	s := newTestSyncer(remote, store)

	stats, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Skipped)
	require.Empty(t, remote.bulkCalls)
}

func TestZeroStockRemoval(t *testing.T) {
	store := storemem.New()
	store.SetInventory("SKU-A", 0)
	remote := &fakeRemote{variants: []channelsync.ChannelVariant{
		variant("v-1", "SKU-A", 5),
	}}
	s := newTestSyncer(remote, store)
	s.RemoveZeroStock = true

	stats, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Cancelled)
	require.Equal(t, []string{"v-1"}, remote.removeCalls)
	require.Empty(t, remote.tagCalls, "a removed variant must not be tagged")
}

func TestMarkingExcludesRemovedVariants(t *testing.T) {
	store := storemem.New()
	store.SetInventory("SKU-A", 10)
	store.SetInventory("SKU-B", 0)

	remote := &fakeRemote{variants: []channelsync.ChannelVariant{
		variant("v-1", "SKU-A", 3),
		variant("v-2", "SKU-B", 2),
	}}
	s := newTestSyncer(remote, store)
	s.RemoveZeroStock = true

	stats, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"v-2"}, remote.removeCalls)
	require.Equal(t, int64(1), stats.Updated)

	require.Len(t, remote.tagCalls, 1)
	require.Equal(t, []string{"v-1"}, remote.tagCalls[0].ids,
		"marking must only cover variants that still exist remotely")
}

func TestZeroStockWithoutRemovalUpdatesToZero(t *testing.T) {
	store := storemem.New()
	store.SetInventory("SKU-A", 0)
	remote := &fakeRemote{variants: []channelsync.ChannelVariant{
		variant("v-1", "SKU-A", 5),
	}}
	s := newTestSyncer(remote, store)

	stats, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Updated)
	require.Empty(t, remote.removeCalls)
	require.Len(t, remote.bulkCalls, 1)
	require.Equal(t, 0, remote.bulkCalls[0][0].NewQuantity)
}

func TestSafetyVetoes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(*channelsync.ChannelVariant)
		safety SafetyConfig
		reason string
	}{
		{
			name:   "incoming stock",
			mutate: func(v *channelsync.ChannelVariant) { v.Incoming = 8 },
			reason: channelsync.ReasonIncomingStock,
		},
		{
			name:   "last variant of product",
			mutate: func(v *channelsync.ChannelVariant) { v.SiblingCount = 1 },
			reason: channelsync.ReasonLastVariant,
		},
		{
			name:   "recent activity",
			mutate: func(v *channelsync.ChannelVariant) { v.LastActivityAt = now.Add(-time.Hour) },
			safety: SafetyConfig{ActivityHorizon: 72 * time.Hour},
			reason: channelsync.ReasonRecentActivity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storemem.New()
			store.SetInventory("SKU-A", 0)
			v := variant("v-1", "SKU-A", 5)
			tt.mutate(&v)
			remote := &fakeRemote{variants: []channelsync.ChannelVariant{v}}

			s := newTestSyncer(remote, store)
			s.RemoveZeroStock = true
			s.Safety = tt.safety
			s.Safety.Now = func() time.Time { return now }

			stats, err := s.Run(context.Background(), Options{})
			require.NoError(t, err)
			require.Empty(t, remote.removeCalls, "vetoed removal must not reach the remote")
			require.Equal(t, int64(1), stats.Skipped)
			require.Len(t, stats.Records, 1)
			require.Equal(t, "validation", stats.Records[0].Class)
			require.Equal(t, tt.reason, stats.Records[0].Reason)
		})
	}
}

func TestLastVariantRemovalOptIn(t *testing.T) {
	store := storemem.New()
	store.SetInventory("SKU-A", 0)
	v := variant("v-1", "SKU-A", 5)
	v.SiblingCount = 1
	remote := &fakeRemote{variants: []channelsync.ChannelVariant{v}}

	s := newTestSyncer(remote, store)
	s.RemoveZeroStock = true
	s.Safety.AllowLastVariantRemoval = true

	stats, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"v-1"}, remote.removeCalls)
	require.Equal(t, int64(1), stats.Cancelled)
}

func TestRemovalFailureCompensatesAppliedUpdatesInReverseOrder(t *testing.T) {
	store := storemem.New()
	store.SetInventory("SKU-A", 10)
	store.SetInventory("SKU-B", 20)
	store.SetInventory("SKU-C", 0)

	remote := &fakeRemote{
		variants: []channelsync.ChannelVariant{
			variant("v-1", "SKU-A", 3),
			variant("v-2", "SKU-B", 6),
			variant("v-3", "SKU-C", 2),
		},
		removeFail: "v-3",
	}
	s := newTestSyncer(remote, store)
	s.RemoveZeroStock = true

	stats, err := s.Run(context.Background(), Options{})
	require.NoError(t, err, "a compensated page failure is not fatal")
	require.Equal(t, PhaseFailed, s.Phase())

	// Both applied updates reverted, most recent first.
	require.Equal(t, []InventoryUpdate{
		{ExternalID: "v-2", SKU: "SKU-B", NewQuantity: 6, PrevQuantity: 20},
		{ExternalID: "v-1", SKU: "SKU-A", NewQuantity: 3, PrevQuantity: 10},
	}, remote.adjustCalls)

	// The reverted updates are reported as compensated, not as successes.
	require.Equal(t, int64(0), stats.Updated)
	require.Equal(t, int64(3), stats.Errors)
	var revertedIDs []string
	for _, rec := range stats.Records {
		if rec.Reason == channelsync.ReasonUpdateReverted {
			revertedIDs = append(revertedIDs, rec.EntityID)
		}
	}
	require.ElementsMatch(t, []string{"v-1", "v-2"}, revertedIDs)

	require.Empty(t, remote.tagCalls, "a failed page must not be marked processed")
}

func TestCompensationFailureEscalates(t *testing.T) {
	store := storemem.New()
	store.SetInventory("SKU-A", 10)
	store.SetInventory("SKU-B", 0)

	remote := &fakeRemote{
		variants: []channelsync.ChannelVariant{
			variant("v-1", "SKU-A", 3),
			variant("v-2", "SKU-B", 2),
		},
		removeFail: "v-2",
		adjustErr:  errors.New("remote down"),
	}
	s := newTestSyncer(remote, store)
	s.RemoveZeroStock = true

	stats, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)

	var compRecords []channelsync.EntityError
	for _, rec := range stats.Records {
		if rec.Class == "compensation" {
			compRecords = append(compRecords, rec)
		}
	}
	require.Len(t, compRecords, 1, "failed compensation is its own escalation class")
	require.Equal(t, "v-1", compRecords[0].EntityID)
	require.Equal(t, channelsync.ReasonCompensationFail, compRecords[0].Reason)
	require.Equal(t, int64(0), stats.Updated)
}

func TestMarkingFailureCompensatesAppliedUpdates(t *testing.T) {
	store := storemem.New()
	store.SetInventory("SKU-A", 10)

	remote := &fakeRemote{
		variants: []channelsync.ChannelVariant{variant("v-1", "SKU-A", 3)},
		tagErr:   errors.New("tagging unavailable"),
	}
	s := newTestSyncer(remote, store)

	stats, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, PhaseFailed, s.Phase())
	require.Equal(t, []InventoryUpdate{
		{ExternalID: "v-1", SKU: "SKU-A", NewQuantity: 3, PrevQuantity: 10},
	}, remote.adjustCalls, "unmarkable page must be rolled back or it would be reprocessed")

	require.Equal(t, int64(0), stats.Updated, "a rolled-back update is not a success")
	require.Equal(t, int64(1), stats.Errors)
	require.Len(t, stats.Records, 1)
	require.Equal(t, channelsync.ReasonUpdateReverted, stats.Records[0].Reason)
}

func TestDryRunTouchesNothingRemote(t *testing.T) {
	store := storemem.New()
	store.SetInventory("SKU-A", 10)
	store.SetInventory("SKU-B", 0)

	remote := &fakeRemote{variants: []channelsync.ChannelVariant{
		variant("v-1", "SKU-A", 3),
		variant("v-2", "SKU-B", 2),
	}}
	s := newTestSyncer(remote, store)
	s.RemoveZeroStock = true

	stats, err := s.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Updated)
	require.Equal(t, int64(1), stats.Cancelled)
	require.Empty(t, remote.bulkCalls)
	require.Empty(t, remote.removeCalls)
	require.Empty(t, remote.tagCalls)
}
