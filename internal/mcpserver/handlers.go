package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *FraudClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *FraudClient) *Handlers {
	return &Handlers{client: client}
}

// scored mirrors one item of the scoring response.
type scored struct {
	UserEmail string  `json:"user_email"`
	RiskScore float64 `json:"risk_score"`
	Decision  string  `json:"decision"`
}

// HandleScoreUser scores a single user.
func (h *Handlers) HandleScoreUser(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	email := strings.TrimSpace(req.GetString("email", ""))
	if email == "" {
		return mcp.NewToolResultError("email is required"), nil
	}

	raw, err := h.client.ScoreUser(ctx, email)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return mcp.NewToolResultText(fmt.Sprintf("No activity found for %s; nothing to score.", email)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to score user: %v", err)), nil
	}

	var s scored
	if err := json.Unmarshal(raw, &s); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse score: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("User: %s\nRisk score: %.4f\nDecision: %s\n%s",
		s.UserEmail, s.RiskScore, s.Decision, advice(s.Decision))), nil
}

// HandleRunBatchScoring triggers a batch run and summarizes the result.
func (h *Handlers) HandleRunBatchScoring(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	decisions := req.GetStringSlice("decisions", nil)
	for i, d := range decisions {
		decisions[i] = strings.ToUpper(strings.TrimSpace(d))
	}
	activeDays := req.GetInt("active_days", 0)
	featureDays := req.GetInt("feature_days", 0)
	if activeDays < 0 || featureDays < 0 {
		return mcp.NewToolResultError("active_days and feature_days must be positive"), nil
	}

	raw, err := h.client.RunBatch(ctx, decisions, activeDays, featureDays)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Batch scoring failed: %v", err)), nil
	}

	text, err := formatBatch(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse batch result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleFraudHealth reports worker health.
func (h *Handlers) HandleFraudHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, _, err := h.client.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check health: %v", err)), nil
	}

	text, err := formatHealth(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse health: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePredictionHistory lists stored predictions for a user.
func (h *Handlers) HandlePredictionHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	email := strings.TrimSpace(req.GetString("email", ""))
	if email == "" {
		return mcp.NewToolResultError("email is required"), nil
	}

	raw, err := h.client.PredictionHistory(ctx, email, req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func advice(d string) string {
	switch d {
	case "BLOCK":
		return "Recommended action: block the account."
	case "REVIEW":
		return "Recommended action: send to manual review."
	default:
		return "Recommended action: none."
	}
}

func formatBatch(raw json.RawMessage) (string, error) {
	var items []scored
	if err := json.Unmarshal(raw, &items); err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "Batch finished: no users matched.", nil
	}

	counts := map[string]int{}
	for _, s := range items {
		counts[s.Decision]++
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].RiskScore > items[j].RiskScore })

	var sb strings.Builder
	fmt.Fprintf(&sb, "Batch finished: %d user(s) returned (BLOCK %d, REVIEW %d, ALLOW %d).\n\n",
		len(items), counts["BLOCK"], counts["REVIEW"], counts["ALLOW"])
	const shown = 25
	for i, s := range items {
		if i == shown {
			fmt.Fprintf(&sb, "... and %d more\n", len(items)-shown)
			break
		}
		fmt.Fprintf(&sb, "%d. %s  %.4f  %s\n", i+1, s.UserEmail, s.RiskScore, s.Decision)
	}
	return sb.String(), nil
}

func formatHealth(raw json.RawMessage) (string, error) {
	var resp struct {
		Status  string `json:"status"`
		Workers map[string]struct {
			Status  string `json:"status"`
			Circuit string `json:"circuit"`
			Error   string `json:"error"`
		} `json:"workers"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	names := make([]string, 0, len(resp.Workers))
	for name := range resp.Workers {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Overall: %s\n", resp.Status)
	for _, name := range names {
		w := resp.Workers[name]
		fmt.Fprintf(&sb, "  %s: %s (circuit %s)", name, w.Status, w.Circuit)
		if w.Error != "" {
			fmt.Fprintf(&sb, " - %s", w.Error)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		UserEmail   string `json:"user_email"`
		Predictions []struct {
			scored
			WorkerMode string `json:"worker_mode"`
			CreatedAt  string `json:"created_at"`
		} `json:"predictions"`
		HasMore bool `json:"has_more"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Predictions) == 0 {
		return fmt.Sprintf("No predictions recorded for %s.", resp.UserEmail), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d prediction(s) for %s:\n\n", len(resp.Predictions), resp.UserEmail)
	for _, p := range resp.Predictions {
		fmt.Fprintf(&sb, "  %s  %.4f  %-6s  (%s)\n", p.CreatedAt, p.RiskScore, p.Decision, p.WorkerMode)
	}
	if resp.HasMore {
		sb.WriteString("\nOlder predictions exist; raise limit to see more.\n")
	}
	return sb.String(), nil
}
