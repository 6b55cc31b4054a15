/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package ratelimit throttles submission paths per subject (user or agent).
// Each subject gets an independent token bucket; buckets idle past the
// eviction window are pruned so the map does not grow with subject churn.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures per-subject throttling.
type Config struct {
	// PerMinute is the sustained rate of allowed submissions per subject.
	PerMinute int

	// Burst is the bucket depth per subject.
	Burst int

	// EntryTTL evicts buckets untouched for this long. Zero uses the default.
	EntryTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PerMinute: 60,
		Burst:     20,
		EntryTTL:  10 * time.Minute,
	}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a set of per-subject token buckets.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

// NewLimiter creates a limiter. Zero-valued config fields fall back to
// defaults.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = def.PerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = def.EntryTTL
	}
	return &Limiter{
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// Allow reports whether one more submission by subject is permitted now.
// An empty subject shares the anonymous bucket.
func (l *Limiter) Allow(subject string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.entries[subject]
	if !ok {
		e = &entry{
			limiter: rate.NewLimiter(rate.Limit(float64(l.cfg.PerMinute)/60.0), l.cfg.Burst),
		}
		l.entries[subject] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

// Prune evicts buckets idle past EntryTTL and returns the eviction count.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.cfg.EntryTTL)
	n := 0
	for subject, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, subject)
			n++
		}
	}
	return n
}

// Subjects returns the number of live buckets.
func (l *Limiter) Subjects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
