/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package ratelimit enforces per-tenant, per-action token buckets.
//
// Every (tenant, action) pair owns one bucket. The action catalog fixes the
// base capacity per window; the tenant's tier multiplies the capacity.
// A request that finds the bucket empty fails with fault.ErrRateLimited and
// a retry-after hint so the caller can requeue with not_before.
package ratelimit

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/tenant"
)

// ActionLimit is the base capacity of one action within a window.
type ActionLimit struct {
	Capacity int
	Window   time.Duration
}

// Config is the action catalog. Keys are action names; "probe.<kind>"
// entries configure per-cloud collection budgets.
type Config struct {
	Actions map[string]ActionLimit
}

// DefaultConfig returns the production action catalog.
func DefaultConfig() Config {
	return Config{Actions: map[string]ActionLimit{
		"login":       {Capacity: 5, Window: 5 * time.Minute},
		"api_call":    {Capacity: 1000, Window: time.Hour},
		"agent_start": {Capacity: 50, Window: time.Hour},
	}}
}

// Limiter hands out tokens from tier-scaled buckets.
type Limiter struct {
	cfg   Config
	tiers *tenant.Registry

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a limiter over the given catalog and tier registry.
func New(cfg Config, tiers *tenant.Registry) *Limiter {
	if cfg.Actions == nil {
		cfg = DefaultConfig()
	}
	return &Limiter{
		cfg:     cfg,
		tiers:   tiers,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow consumes one token from the (tenantID, action) bucket. When the
// bucket is empty it returns the wait until the next token together with
// fault.ErrRateLimited. Unknown actions are unlimited.
func (l *Limiter) Allow(tenantID, action string) (time.Duration, error) {
	limit, ok := l.lookup(action)
	if !ok {
		return 0, nil
	}

	capacity := limit.Capacity
	if l.tiers != nil {
		mult := l.tiers.Resolve(tenantID).CapacityMultiplier()
		capacity = int(math.Floor(float64(limit.Capacity) * mult))
	}
	if capacity < 1 {
		capacity = 1
	}

	bucket := l.bucket(tenantID, action, capacity, limit.Window)
	res := bucket.ReserveN(time.Now(), 1)
	if !res.OK() {
		return limit.Window, fmt.Errorf("action %s: %w", action, fault.ErrRateLimited)
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return delay, fmt.Errorf("action %s: retry in %s: %w", action, delay.Round(time.Millisecond), fault.ErrRateLimited)
	}
	return 0, nil
}

func (l *Limiter) lookup(action string) (ActionLimit, bool) {
	if limit, ok := l.cfg.Actions[action]; ok {
		return limit, true
	}
	// probe.<kind> falls back to a generic probe budget when configured.
	if strings.HasPrefix(action, "probe.") {
		if limit, ok := l.cfg.Actions["probe.*"]; ok {
			return limit, true
		}
	}
	return ActionLimit{}, false
}

func (l *Limiter) bucket(tenantID, action string, capacity int, window time.Duration) *rate.Limiter {
	key := tenantID + "/" + action
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	perSecond := float64(capacity) / window.Seconds()
	b := rate.NewLimiter(rate.Limit(perSecond), capacity)
	l.buckets[key] = b
	return b
}
