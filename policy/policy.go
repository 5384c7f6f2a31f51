// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package policy maps tier and marketplace names to the limits the
// scheduler enforces.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// DefaultTier is used for monitors without a tier and for unknown tiers.
const DefaultTier = "free"

// DefaultMarketplace is the fallback for marketplaces without their own limits.
const DefaultMarketplace = "default"

// DefaultBoostIntervalSec is the boost refresh interval when none is configured.
const DefaultBoostIntervalSec = 300

// Tier limits of a billing plan.
type Tier struct {
	MaxConcurrencyUser int `mapstructure:"max_concurrency_user" json:"maxConcurrencyUser"`
	DefaultIntervalSec int `mapstructure:"default_interval_sec" json:"defaultIntervalSec"`
}

// Marketplace limits shared by all users.
type Marketplace struct {
	MaxConcurrencyGlobal int `mapstructure:"max_concurrency_global" json:"maxConcurrencyGlobal"`
	MinSpacingMs         int `mapstructure:"min_spacing_ms" json:"minSpacingMs"`
}

// Source resolves limits by name.
type Source interface {
	Tier(ctx context.Context, name string) (Tier, error)
	Marketplace(ctx context.Context, name string) (Marketplace, error)
	BoostIntervalSec() int
}

// Table is a complete set of limits.
type Table struct {
	Tiers            map[string]Tier        `mapstructure:"tiers"`
	Marketplaces     map[string]Marketplace `mapstructure:"marketplaces"`
	BoostIntervalSec int                    `mapstructure:"boost_interval_sec"`
}

// DefaultTable holds the limits used when nothing is configured.
func DefaultTable() Table {
	return Table{
		Tiers: map[string]Tier{
			"free":     {MaxConcurrencyUser: 1, DefaultIntervalSec: 3600},
			"pro":      {MaxConcurrencyUser: 3, DefaultIntervalSec: 900},
			"business": {MaxConcurrencyUser: 10, DefaultIntervalSec: 300},
		},
		Marketplaces: map[string]Marketplace{
			DefaultMarketplace: {MaxConcurrencyGlobal: 20, MinSpacingMs: 1000},
		},
		BoostIntervalSec: DefaultBoostIntervalSec,
	}
}

// Validate rejects limits the admission gate can not work with.
func (t Table) Validate() error {
	if _, ok := t.Tiers[DefaultTier]; !ok {
		return fmt.Errorf("policy: tier %q must be defined", DefaultTier)
	}
	if _, ok := t.Marketplaces[DefaultMarketplace]; !ok {
		return fmt.Errorf("policy: marketplace %q must be defined", DefaultMarketplace)
	}
	for name, tier := range t.Tiers {
		if tier.MaxConcurrencyUser <= 0 {
			return fmt.Errorf("policy: tier %q: max_concurrency_user must be > 0", name)
		}
		if tier.DefaultIntervalSec <= 0 {
			return fmt.Errorf("policy: tier %q: default_interval_sec must be > 0", name)
		}
	}
	for name, mp := range t.Marketplaces {
		if mp.MaxConcurrencyGlobal <= 0 {
			return fmt.Errorf("policy: marketplace %q: max_concurrency_global must be > 0", name)
		}
		if mp.MinSpacingMs <= 0 {
			return fmt.Errorf("policy: marketplace %q: min_spacing_ms must be > 0", name)
		}
	}
	if t.BoostIntervalSec <= 0 {
		return fmt.Errorf("policy: boost_interval_sec must be > 0")
	}
	return nil
}

// Static serves a Table from memory. The table can be swapped at runtime.
type Static struct {
	mu    sync.RWMutex
	table Table
}

// NewStatic validates and serves t.
func NewStatic(t Table) (*Static, error) {
	t = normalize(t)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Static{table: t}, nil
}

// Replace swaps the served table after validating it. An invalid table
// leaves the current one in place.
func (s *Static) Replace(t Table) error {
	t = normalize(t)
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.table = t
	s.mu.Unlock()
	return nil
}

// normalize lower-cases names, viper already does so for keys it reads.
func normalize(t Table) Table {
	out := Table{
		Tiers:            make(map[string]Tier, len(t.Tiers)),
		Marketplaces:     make(map[string]Marketplace, len(t.Marketplaces)),
		BoostIntervalSec: t.BoostIntervalSec,
	}
	for k, v := range t.Tiers {
		out.Tiers[strings.ToLower(k)] = v
	}
	for k, v := range t.Marketplaces {
		out.Marketplaces[strings.ToLower(k)] = v
	}
	return out
}

// Tier implements Source. Unknown tiers resolve to DefaultTier.
func (s *Static) Tier(_ context.Context, name string) (Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.table.Tiers[strings.ToLower(name)]; ok {
		return t, nil
	}
	return s.table.Tiers[DefaultTier], nil
}

// Marketplace implements Source. Unknown marketplaces resolve to
// DefaultMarketplace.
func (s *Static) Marketplace(_ context.Context, name string) (Marketplace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.table.Marketplaces[strings.ToLower(name)]; ok {
		return m, nil
	}
	return s.table.Marketplaces[DefaultMarketplace], nil
}

// BoostIntervalSec implements Source.
func (s *Static) BoostIntervalSec() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.BoostIntervalSec
}
