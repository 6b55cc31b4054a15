/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/quaestorhq/quaestor/internal/config"
)

const httpTimeout = 10 * time.Second

// --- Email ---

// EmailChannel delivers over SMTP.
type EmailChannel struct {
	cfg config.EmailConfig
}

// NewEmailChannel creates the SMTP channel.
func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, n Notification) error {
	if c.cfg.Host == "" {
		return fmt.Errorf("email channel not configured")
	}
	if n.Recipient == "" {
		return fmt.Errorf("no recipient address")
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", n.Recipient)
	fmt.Fprintf(&msg, "Subject: %s\r\n", n.Title)
	msg.WriteString("\r\n")
	msg.WriteString(n.Message)
	msg.WriteString("\r\n")

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, c.cfg.From, []string{n.Recipient}, []byte(msg.String())); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// --- Webhook ---

// WebhookChannel POSTs the notification as JSON to a fixed URL.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates the webhook channel.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: httpTimeout},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, n Notification) error {
	if c.url == "" {
		return fmt.Errorf("webhook channel not configured")
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// --- Push gateway ---

// PushChannel POSTs to an external push gateway with a bearer token.
type PushChannel struct {
	url    string
	token  string
	client *http.Client
}

// NewPushChannel creates the push gateway channel.
func NewPushChannel(url, token string) *PushChannel {
	return &PushChannel{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: httpTimeout},
	}
}

func (c *PushChannel) Name() string { return "push" }

func (c *PushChannel) Send(ctx context.Context, n Notification) error {
	if c.url == "" {
		return fmt.Errorf("push channel not configured")
	}
	body, err := json.Marshal(map[string]any{
		"user_id":  n.UserID,
		"title":    n.Title,
		"message":  n.Message,
		"severity": n.Severity,
	})
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post push gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push gateway returned %s", resp.Status)
	}
	return nil
}
