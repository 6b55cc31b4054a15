package mcpserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quaestorhq/quaestor/internal/audit"
	"github.com/quaestorhq/quaestor/internal/planner"
	"github.com/quaestorhq/quaestor/internal/store"
	"github.com/quaestorhq/quaestor/internal/workers"
)

type submitTransactionInput struct {
	ChainID   int64   `json:"chain_id" jsonschema:"target chain id"`
	From      string  `json:"from,omitempty" jsonschema:"optional sender address, defaults to the signer account"`
	To        string  `json:"to" jsonschema:"recipient or contract address"`
	Value     string  `json:"value,omitempty" jsonschema:"amount in the chain's smallest unit, decimal string"`
	Data      string  `json:"data,omitempty" jsonschema:"optional call data as 0x-prefixed hex"`
	GasLimit  uint64  `json:"gas_limit,omitempty" jsonschema:"optional gas limit, 0 estimates"`
	RiskScore float64 `json:"risk_score" jsonschema:"risk score 0..1 from the caller's assessment"`
	UserID    string  `json:"user_id,omitempty" jsonschema:"acting user id"`
	AgentID   string  `json:"agent_id,omitempty" jsonschema:"acting agent id"`
	Simulate  bool    `json:"simulate,omitempty" jsonschema:"simulate before broadcast"`
	Memo      string  `json:"memo,omitempty" jsonschema:"free-form note"`
}

type submitPlanInput struct {
	Description string       `json:"description,omitempty" jsonschema:"one-line plan description"`
	UserID      string       `json:"user_id,omitempty" jsonschema:"acting user id"`
	AgentID     string       `json:"agent_id,omitempty" jsonschema:"acting agent id"`
	Steps       []store.Step `json:"steps" jsonschema:"ordered plan steps with dependency ids"`
}

type generatePlanInput struct {
	Prompt  string `json:"prompt" jsonschema:"natural language description of the desired outcome"`
	UserID  string `json:"user_id,omitempty" jsonschema:"acting user id"`
	AgentID string `json:"agent_id,omitempty" jsonschema:"acting agent id"`
	Submit  bool   `json:"submit,omitempty" jsonschema:"submit the generated plan for execution"`
}

type transactionStatusInput struct {
	TransactionID string `json:"transaction_id" jsonschema:"transaction identifier"`
}

type decideApprovalInput struct {
	ApprovalID string `json:"approval_id" jsonschema:"approval request identifier"`
	Decision   string `json:"decision" jsonschema:"approve or reject"`
	Resolver   string `json:"resolver" jsonschema:"who is deciding"`
	Reason     string `json:"reason,omitempty" jsonschema:"resolution note; required for reject"`
}

type searchAuditInput struct {
	EventType  string `json:"event_type,omitempty" jsonschema:"category filter: transaction, approval, plan, queue, notify"`
	EventCode  string `json:"event_code,omitempty" jsonschema:"exact code filter, e.g. transaction.confirmed"`
	ResourceID string `json:"resource_id,omitempty" jsonschema:"resource id filter"`
	Actor      string `json:"actor,omitempty" jsonschema:"actor filter"`
	Since      string `json:"since,omitempty" jsonschema:"optional RFC3339 timestamp filter"`
	Limit      int    `json:"limit,omitempty" jsonschema:"optional limit (default 50)"`
}

type emptyInput struct{}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "quaestor_submit_transaction",
		Description: "Submit a transaction for risk scoring, optional approval, and broadcast",
	}, s.handleSubmitTransaction)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "quaestor_submit_plan",
		Description: "Submit a multi-step plan (dependency DAG) for execution",
	}, s.handleSubmitPlan)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "quaestor_generate_plan",
		Description: "Generate a plan from a natural-language prompt, optionally submitting it",
	}, s.handleGeneratePlan)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "quaestor_transaction_status",
		Description: "Get the full record of a transaction, including pipeline status and receipt",
	}, s.handleTransactionStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "quaestor_list_approvals",
		Description: "List pending approval requests",
	}, s.handleListApprovals)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "quaestor_decide_approval",
		Description: "Approve or reject a pending approval request",
	}, s.handleDecideApproval)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "quaestor_queue_stats",
		Description: "Get per-queue job counts",
	}, s.handleQueueStats)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "quaestor_search_audit",
		Description: "Search the audit trail",
	}, s.handleSearchAudit)
}

func (s *MCPServer) handleSubmitTransaction(_ context.Context, _ *mcp.CallToolRequest, input submitTransactionInput) (*mcp.CallToolResult, any, error) {
	if s.submitter == nil {
		return nil, nil, fmt.Errorf("submitter unavailable")
	}

	data, err := decodeHex(input.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid data field: %w", err)
	}

	tx, err := s.submitter.SubmitTransaction(workers.SubmitRequest{
		ChainID:   input.ChainID,
		From:      strings.TrimSpace(input.From),
		To:        strings.TrimSpace(input.To),
		Value:     strings.TrimSpace(input.Value),
		Data:      data,
		GasLimit:  input.GasLimit,
		UserID:    input.UserID,
		AgentID:   input.AgentID,
		RiskScore: input.RiskScore,
		Simulate:  input.Simulate,
		Memo:      input.Memo,
	})
	if err != nil {
		if errors.Is(err, workers.ErrBlocked) || errors.Is(err, workers.ErrRateLimited) {
			return textToolResult(fmt.Sprintf("submission refused: %v", err)), nil, nil
		}
		return nil, nil, err
	}
	return jsonToolResult(tx)
}

func (s *MCPServer) handleSubmitPlan(_ context.Context, _ *mcp.CallToolRequest, input submitPlanInput) (*mcp.CallToolResult, any, error) {
	if s.submitter == nil {
		return nil, nil, fmt.Errorf("submitter unavailable")
	}
	if len(input.Steps) == 0 {
		return nil, nil, fmt.Errorf("steps are required")
	}

	plan, err := s.submitter.SubmitPlan(workers.PlanRequest{
		UserID:      input.UserID,
		AgentID:     input.AgentID,
		Description: input.Description,
		Steps:       input.Steps,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(plan)
}

func (s *MCPServer) handleGeneratePlan(ctx context.Context, _ *mcp.CallToolRequest, input generatePlanInput) (*mcp.CallToolResult, any, error) {
	if s.planner == nil {
		return nil, nil, fmt.Errorf("no planner provider configured")
	}
	prompt := strings.TrimSpace(input.Prompt)
	if prompt == "" {
		return nil, nil, fmt.Errorf("prompt is required")
	}

	plan, err := s.planner.Plan(ctx, planner.Request{
		Prompt:  prompt,
		UserID:  input.UserID,
		AgentID: input.AgentID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("plan generation failed: %w", err)
	}

	if !input.Submit {
		return jsonToolResult(plan)
	}
	if s.submitter == nil {
		return nil, nil, fmt.Errorf("submitter unavailable")
	}
	submitted, err := s.submitter.SubmitPlan(workers.PlanRequest{
		UserID:      plan.UserID,
		AgentID:     plan.AgentID,
		Description: plan.Description,
		CrossChain:  plan.CrossChain,
		Steps:       plan.Steps,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(submitted)
}

func (s *MCPServer) handleTransactionStatus(_ context.Context, _ *mcp.CallToolRequest, input transactionStatusInput) (*mcp.CallToolResult, any, error) {
	if s.txs == nil {
		return nil, nil, fmt.Errorf("transaction store unavailable")
	}
	id := strings.TrimSpace(input.TransactionID)
	if id == "" {
		return nil, nil, fmt.Errorf("transaction_id is required")
	}

	tx, err := s.txs.GetTransaction(id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil, fmt.Errorf("transaction not found: %s", id)
		}
		return nil, nil, err
	}
	return jsonToolResult(tx)
}

func (s *MCPServer) handleListApprovals(_ context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	if s.approvals == nil {
		return nil, nil, fmt.Errorf("approval machine unavailable")
	}
	pending, err := s.approvals.ListPending()
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(pending)
}

func (s *MCPServer) handleDecideApproval(_ context.Context, _ *mcp.CallToolRequest, input decideApprovalInput) (*mcp.CallToolResult, any, error) {
	if s.approvals == nil {
		return nil, nil, fmt.Errorf("approval machine unavailable")
	}
	id := strings.TrimSpace(input.ApprovalID)
	if id == "" {
		return nil, nil, fmt.Errorf("approval_id is required")
	}
	resolver := strings.TrimSpace(input.Resolver)
	if resolver == "" {
		return nil, nil, fmt.Errorf("resolver is required")
	}

	switch strings.ToLower(strings.TrimSpace(input.Decision)) {
	case "approve":
		a, err := s.approvals.Approve(id, resolver, input.Reason)
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(a)
	case "reject":
		a, err := s.approvals.Reject(id, resolver, input.Reason)
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(a)
	default:
		return nil, nil, fmt.Errorf("invalid decision %q: expected approve or reject", input.Decision)
	}
}

func (s *MCPServer) handleQueueStats(_ context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	if s.coordinator == nil {
		return nil, nil, fmt.Errorf("coordinator unavailable")
	}
	stats, err := s.coordinator.Stats()
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(stats)
}

func (s *MCPServer) handleSearchAudit(_ context.Context, _ *mcp.CallToolRequest, input searchAuditInput) (*mcp.CallToolResult, any, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}

	filter := audit.Filter{
		EventType:  strings.TrimSpace(input.EventType),
		EventCode:  strings.TrimSpace(input.EventCode),
		ResourceID: strings.TrimSpace(input.ResourceID),
		Actor:      strings.TrimSpace(input.Actor),
		Limit:      limit,
	}
	if sinceRaw := strings.TrimSpace(input.Since); sinceRaw != "" {
		since, err := time.Parse(time.RFC3339, sinceRaw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid since timestamp (expected RFC3339): %w", err)
		}
		filter.Since = since
	}

	// Prefer the durable store; fall back to the in-memory ring.
	if s.auditStore != nil {
		entries, err := s.auditStore.Query(filter)
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(entries)
	}
	if s.auditLog == nil {
		return nil, nil, fmt.Errorf("audit log unavailable")
	}
	return jsonToolResult(s.auditLog.Query(filter))
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
