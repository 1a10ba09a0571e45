// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package revsync

import (
	"time"

	"github.com/retailbridge/channelsync/channelsync"
)

// SafetyConfig gates destructive remote operations. On any veto the action is
// downgraded to Skip, never forced.
type SafetyConfig struct {
	// AllowLastVariantRemoval permits removing the last remaining variant of
	// its parent product. Off by default.
	AllowLastVariantRemoval bool

	// ActivityHorizon vetoes removal of variants with transactional activity
	// more recent than this. Zero disables the check.
	ActivityHorizon time.Duration

	// now is overridable in tests.
	Now func() time.Time
}

func (c SafetyConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// vetoRemoval returns the veto reason and true when a destructive removal
// must be downgraded to Skip.
func (s *Syncer) vetoRemoval(v channelsync.ChannelVariant) (string, bool) {
	if v.Incoming > 0 {
		return channelsync.ReasonIncomingStock, true
	}
	if v.SiblingCount <= 1 && !s.Safety.AllowLastVariantRemoval {
		return channelsync.ReasonLastVariant, true
	}
	if s.Safety.ActivityHorizon > 0 && s.Safety.now().Sub(v.LastActivityAt) < s.Safety.ActivityHorizon {
		return channelsync.ReasonRecentActivity, true
	}
	return "", false
}
