/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package tenant provides the multi-tenant plan model. Each tenant has a
// tier; the tier decides the default task priority and multiplies the
// per-action rate limiter capacities.
package tenant

import (
	"strings"
	"sync"

	"github.com/velocityhq/velocity/internal/model"
)

// Tier is a tenant plan.
type Tier string

const (
	TierStarter Tier = "starter"
	TierGrowth  Tier = "growth"
	TierScale   Tier = "scale"
)

// DefaultPriority maps a tier to the priority assigned to its scheduled
// tasks when no rule override applies.
func (t Tier) DefaultPriority() int {
	switch t {
	case TierScale:
		return model.PriorityHigh
	case TierGrowth:
		return model.PriorityDefault
	default:
		return model.PriorityLow
	}
}

// CapacityMultiplier scales per-action rate limiter capacity.
func (t Tier) CapacityMultiplier() float64 {
	switch t {
	case TierScale:
		return 2.0
	case TierGrowth:
		return 1.5
	default:
		return 1.0
	}
}

// ParseTier normalizes a tier name, defaulting unknown values to starter.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierGrowth:
		return TierGrowth
	case TierScale:
		return TierScale
	default:
		return TierStarter
	}
}

// Registry resolves tenant ids to tiers. Tenants never registered resolve
// to starter.
type Registry struct {
	mu    sync.RWMutex
	tiers map[string]Tier
}

// NewRegistry creates an empty tier registry.
func NewRegistry() *Registry {
	return &Registry{tiers: make(map[string]Tier)}
}

// Set records a tenant's tier.
func (r *Registry) Set(tenantID string, tier Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers[tenantID] = tier
}

// Resolve returns the tenant's tier.
func (r *Registry) Resolve(tenantID string) Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tier, ok := r.tiers[tenantID]; ok {
		return tier
	}
	return TierStarter
}

// Snapshot returns a copy of all registered tenants.
func (r *Registry) Snapshot() map[string]Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Tier, len(r.tiers))
	for k, v := range r.tiers {
		out[k] = v
	}
	return out
}
