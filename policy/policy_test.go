// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changkun/monsched/policy"
)

func TestStaticLookup(t *testing.T) {
	tbl := policy.DefaultTable()
	tbl.Marketplaces["eBay"] = policy.Marketplace{MaxConcurrencyGlobal: 4, MinSpacingMs: 250}
	s, err := policy.NewStatic(tbl)
	require.NoError(t, err)
	ctx := context.Background()

	pro, err := s.Tier(ctx, "PRO")
	require.NoError(t, err)
	assert.Equal(t, 3, pro.MaxConcurrencyUser)

	unknown, err := s.Tier(ctx, "enterprise")
	require.NoError(t, err)
	assert.Equal(t, tbl.Tiers[policy.DefaultTier], unknown)

	ebay, err := s.Marketplace(ctx, "ebay")
	require.NoError(t, err)
	assert.Equal(t, 250, ebay.MinSpacingMs)

	other, err := s.Marketplace(ctx, "etsy")
	require.NoError(t, err)
	assert.Equal(t, tbl.Marketplaces[policy.DefaultMarketplace], other)

	assert.Equal(t, policy.DefaultBoostIntervalSec, s.BoostIntervalSec())
}

func TestTableValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*policy.Table)
	}{
		{"missing default tier", func(tb *policy.Table) { delete(tb.Tiers, policy.DefaultTier) }},
		{"missing default marketplace", func(tb *policy.Table) { delete(tb.Marketplaces, policy.DefaultMarketplace) }},
		{"zero tier concurrency", func(tb *policy.Table) { tb.Tiers["pro"] = policy.Tier{DefaultIntervalSec: 60} }},
		{"zero tier interval", func(tb *policy.Table) { tb.Tiers["pro"] = policy.Tier{MaxConcurrencyUser: 1} }},
		{"zero marketplace cap", func(tb *policy.Table) { tb.Marketplaces["x"] = policy.Marketplace{MinSpacingMs: 1} }},
		{"zero spacing", func(tb *policy.Table) { tb.Marketplaces["x"] = policy.Marketplace{MaxConcurrencyGlobal: 1} }},
		{"zero boost", func(tb *policy.Table) { tb.BoostIntervalSec = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := policy.DefaultTable()
			tt.mutate(&tbl)
			assert.Error(t, tbl.Validate())
		})
	}
	assert.NoError(t, policy.DefaultTable().Validate())
}

func TestStaticReplaceKeepsTableOnError(t *testing.T) {
	s, err := policy.NewStatic(policy.DefaultTable())
	require.NoError(t, err)

	bad := policy.DefaultTable()
	bad.BoostIntervalSec = -1
	assert.Error(t, s.Replace(bad))
	assert.Equal(t, policy.DefaultBoostIntervalSec, s.BoostIntervalSec())

	good := policy.DefaultTable()
	good.BoostIntervalSec = 1800
	require.NoError(t, s.Replace(good))
	assert.Equal(t, 1800, s.BoostIntervalSec())
}
