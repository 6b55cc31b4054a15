/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package notify delivers outbound notifications over pluggable channels:
// in-app inbox, email, webhook, and push gateway. Per-channel failures are
// tolerated; a dispatch succeeds when at least one channel delivered.
package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/quaestorhq/quaestor/internal/audit"
	"github.com/quaestorhq/quaestor/internal/metrics"
)

// Notification is one outbound message. Channels names the requested
// delivery channels; Recipient is the email address for the email channel.
type Notification struct {
	Event     string         `json:"event,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	UserID    string         `json:"user_id,omitempty"`
	Recipient string         `json:"recipient,omitempty"`
	Channels  []string       `json:"channels,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Channel delivers one notification to one destination kind.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Result reports one dispatch: which channels delivered and the per-channel
// errors for those that did not.
type Result struct {
	Delivered []string
	Errors    map[string]error
}

// Ok reports whether at least one channel delivered.
func (r Result) Ok() bool {
	return len(r.Delivered) > 0
}

// Router fans a notification out to its requested channels.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Channel
	auditLog *audit.Log
	logger   *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(auditLog *audit.Log, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		channels: make(map[string]Channel),
		auditLog: auditLog,
		logger:   logger.Named("notify"),
	}
}

// Register adds a channel, replacing any previous one with the same name.
func (r *Router) Register(c Channel) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.Name()] = c
}

// Channels lists the registered channel names.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	return out
}

// Dispatch sends n to every requested channel. An empty channel set means
// every registered channel. Unknown channel names count as failures.
func (r *Router) Dispatch(ctx context.Context, n Notification) Result {
	requested := n.Channels
	if len(requested) == 0 {
		requested = r.Channels()
	}

	res := Result{Errors: make(map[string]error)}
	for _, name := range requested {
		r.mu.RLock()
		ch := r.channels[name]
		r.mu.RUnlock()
		if ch == nil {
			res.Errors[name] = fmt.Errorf("unknown channel %q", name)
			metrics.RecordNotification(name, "unknown")
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			res.Errors[name] = err
			metrics.RecordNotification(name, "failed")
			r.logger.Warn("channel delivery failed",
				zap.String("channel", name),
				zap.String("title", n.Title),
				zap.Error(err))
			continue
		}
		res.Delivered = append(res.Delivered, name)
		metrics.RecordNotification(name, "delivered")
	}

	r.record(n, res)
	return res
}

func (r *Router) record(n Notification, res Result) {
	if r.auditLog == nil {
		return
	}
	code := audit.CodeNotifySent
	if !res.Ok() {
		code = audit.CodeNotifyFailed
	}
	meta := map[string]any{"delivered": res.Delivered}
	if len(res.Errors) > 0 {
		errs := make(map[string]string, len(res.Errors))
		for name, err := range res.Errors {
			errs[name] = err.Error()
		}
		meta["errors"] = errs
	}
	r.auditLog.Record(audit.Entry{
		EventCode:    code,
		Action:       "dispatch",
		ResourceType: "notification",
		ResourceID:   n.Title,
		Actor:        n.UserID,
		Success:      res.Ok(),
		Metadata:     meta,
	})
}
