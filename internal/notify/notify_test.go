/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/quaestorhq/quaestor/internal/audit"
	"github.com/quaestorhq/quaestor/internal/events"
)

type fakeChannel struct {
	name  string
	calls int
	err   error
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Send(ctx context.Context, n Notification) error {
	f.calls++
	return f.err
}

func TestWebhookChannelSend(t *testing.T) {
	var received Notification
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL)
	err := ch.Send(context.Background(), Notification{
		Event:    "transaction:failed",
		Severity: "warning",
		Title:    "Broadcast failed",
		Message:  "nonce conflict exhausted retries",
		UserID:   "user-1",
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if received.Title != "Broadcast failed" || received.UserID != "user-1" {
		t.Errorf("webhook body = %+v", received)
	}
}

func TestWebhookChannelSendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL)
	if err := ch.Send(context.Background(), Notification{Title: "x"}); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestPushChannelAuthHeader(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(204)
	}))
	defer server.Close()

	ch := NewPushChannel(server.URL, "secret-token")
	if err := ch.Send(context.Background(), Notification{Title: "hi"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if auth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestDispatchPartialFailure(t *testing.T) {
	router := NewRouter(audit.NewLog(10), nil)
	good := &fakeChannel{name: "webhook"}
	bad := &fakeChannel{name: "email", err: fmt.Errorf("smtp down")}
	router.Register(good)
	router.Register(bad)

	res := router.Dispatch(context.Background(), Notification{
		Title:    "Plan completed",
		Channels: []string{"webhook", "email"},
	})
	if !res.Ok() {
		t.Fatal("dispatch with one delivered channel should succeed")
	}
	if len(res.Delivered) != 1 || res.Delivered[0] != "webhook" {
		t.Fatalf("delivered = %v", res.Delivered)
	}
	if res.Errors["email"] == nil {
		t.Fatal("expected email error recorded")
	}
}

func TestDispatchAllFailed(t *testing.T) {
	router := NewRouter(audit.NewLog(10), nil)
	router.Register(&fakeChannel{name: "email", err: fmt.Errorf("smtp down")})

	res := router.Dispatch(context.Background(), Notification{
		Title:    "alert",
		Channels: []string{"email", "missing"},
	})
	if res.Ok() {
		t.Fatal("dispatch with zero delivered channels should fail")
	}
	if res.Errors["missing"] == nil {
		t.Fatal("unknown channel should be reported as an error")
	}
}

func TestInAppChannel(t *testing.T) {
	bus := events.NewBus(8)
	alerts := 0
	bus.On(string(events.SystemAlert), func(evt events.Event) { alerts++ })

	ch, err := NewInAppChannel(filepath.Join(t.TempDir(), "inbox.db"), bus)
	if err != nil {
		t.Fatalf("open inbox: %v", err)
	}
	defer ch.Close()

	err = ch.Send(context.Background(), Notification{
		UserID:   "user-1",
		Severity: "info",
		Title:    "Transaction confirmed",
		Message:  "0xabc confirmed in block 100",
		Metadata: map[string]any{"hash": "0xabc"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	entries, err := ch.List("user-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Title != "Transaction confirmed" || entries[0].Read {
		t.Fatalf("entries = %+v", entries)
	}
	if alerts != 1 {
		t.Fatalf("system:alert published %d times, want 1", alerts)
	}

	if err := ch.MarkRead(entries[0].ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	n, err := ch.Unread("user-1")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if n != 0 {
		t.Fatalf("unread = %d, want 0", n)
	}
}
