/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package ratelimit

import (
	"testing"
	"time"
)

func TestBurstThenThrottle(t *testing.T) {
	l := NewLimiter(Config{PerMinute: 60, Burst: 3})

	for i := 0; i < 3; i++ {
		if !l.Allow("user-1") {
			t.Fatalf("submission %d within burst was refused", i)
		}
	}
	if l.Allow("user-1") {
		t.Fatal("submission past burst was allowed")
	}
}

func TestSubjectsAreIndependent(t *testing.T) {
	l := NewLimiter(Config{PerMinute: 60, Burst: 1})

	if !l.Allow("user-1") {
		t.Fatal("first submission refused")
	}
	if l.Allow("user-1") {
		t.Fatal("user-1 past burst was allowed")
	}
	if !l.Allow("user-2") {
		t.Fatal("user-2's independent bucket was refused")
	}
}

func TestPruneEvictsIdleBuckets(t *testing.T) {
	l := NewLimiter(Config{PerMinute: 60, Burst: 1, EntryTTL: 20 * time.Millisecond})

	l.Allow("user-1")
	l.Allow("user-2")
	if got := l.Subjects(); got != 2 {
		t.Fatalf("subjects = %d, want 2", got)
	}

	time.Sleep(40 * time.Millisecond)
	l.Allow("user-2") // keeps this bucket fresh

	if n := l.Prune(); n != 1 {
		t.Fatalf("pruned %d buckets, want 1", n)
	}
	if got := l.Subjects(); got != 1 {
		t.Fatalf("subjects after prune = %d, want 1", got)
	}
}

func TestDefaultsApplied(t *testing.T) {
	l := NewLimiter(Config{})
	if l.cfg.PerMinute != 60 || l.cfg.Burst != 20 {
		t.Fatalf("defaults not applied: %+v", l.cfg)
	}
}
