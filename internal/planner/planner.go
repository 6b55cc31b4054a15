// Package planner turns a natural-language intent into an executable step
// plan. It wraps any OpenAI-compatible chat completion endpoint (OpenAI,
// Anthropic via proxy, Ollama) and insists on a strict JSON plan document,
// validated against the same DAG rules the plan worker enforces.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quaestorhq/quaestor/internal/store"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const systemPrompt = `You are a blockchain transaction planner. Reply with a single JSON object and nothing else:
{"description": "<one line>", "steps": [{"id": "<unique-slug>", "chain_id": <int>, "to": "<0x-address>", "value": "<decimal wei, optional>", "contract": "<0x-address, optional>", "function": "<signature, optional>", "params": <json, optional>, "depends_on": ["<step-id>", ...], "risk_score": <0..1>}]}
Rules: step ids are unique; depends_on references earlier-defined ids only; no cycles; every step names a chain_id and a to or contract address. Do not wrap the JSON in markdown fences.`

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProviderConfig holds connection details for a completion endpoint.
type ProviderConfig struct {
	Name    string `json:"name" yaml:"name"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model   string `json:"model" yaml:"model"`
}

// Request is one planning ask.
type Request struct {
	Prompt  string `json:"prompt"`
	UserID  string `json:"user_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// Provider produces a validated, unpersisted plan from a prompt.
type Provider interface {
	Name() string
	Plan(ctx context.Context, req Request) (*store.Plan, error)
}

// planDoc is the JSON document the model must emit.
type planDoc struct {
	Description string       `json:"description"`
	Steps       []store.Step `json:"steps"`
}

// OpenAIProvider implements Provider over any OpenAI-compatible API.
type OpenAIProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIProvider{
		config: cfg,
		client: &http.Client{Timeout: 120 * time.Second},
		logger: logger.Named("planner"),
	}
}

func (p *OpenAIProvider) Name() string { return p.config.Name }

// Plan asks the model for a plan document. One corrective retry: if the
// first reply fails to parse or validate, the error is fed back and the
// model gets a second try.
func (p *OpenAIProvider) Plan(ctx context.Context, req Request) (*store.Plan, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("empty prompt")
	}

	messages := []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: req.Prompt},
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		content, err := p.complete(ctx, messages)
		if err != nil {
			return nil, err
		}

		plan, err := p.parse(content, req)
		if err == nil {
			return plan, nil
		}
		lastErr = err
		p.logger.Warn("model produced an invalid plan",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		messages = append(messages,
			Message{Role: RoleAssistant, Content: content},
			Message{Role: RoleUser, Content: fmt.Sprintf("That plan is invalid: %v. Reply again with only the corrected JSON object.", err)},
		)
	}
	return nil, fmt.Errorf("invalid plan after retry: %w", lastErr)
}

func (p *OpenAIProvider) complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":       p.config.Model,
		"messages":    messages,
		"temperature": 0,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := p.config.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(respBody))
	}

	var oaiResp openAIResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return oaiResp.Choices[0].Message.Content, nil
}

// parse extracts and validates the plan document from model output.
func (p *OpenAIProvider) parse(content string, req Request) (*store.Plan, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}

	var doc planDoc
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode plan document: %w", err)
	}
	for i := range doc.Steps {
		doc.Steps[i].Index = i
	}
	if err := store.ValidatePlanSteps(doc.Steps); err != nil {
		return nil, err
	}

	chains := map[int64]struct{}{}
	for _, s := range doc.Steps {
		chains[s.ChainID] = struct{}{}
	}
	return &store.Plan{
		UserID:      req.UserID,
		AgentID:     req.AgentID,
		Description: doc.Description,
		CrossChain:  len(chains) > 1,
		Steps:       doc.Steps,
		Status:      store.PlanPending,
	}, nil
}

// extractJSON isolates the outermost JSON object. Models wrap output in
// markdown fences despite instructions, so fences are tolerated.
func extractJSON(content string) (string, error) {
	s := strings.TrimSpace(content)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in model output")
	}
	return s[start : end+1], nil
}

// openAIResponse is the raw API response format.
type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}
