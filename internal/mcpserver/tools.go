package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the fraud scoring MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolScoreUser = mcp.NewTool("score_user",
	mcp.WithDescription(
		"Score one user for fraud risk in real time. "+
			"Returns a risk score between 0 and 1 and a decision: ALLOW, REVIEW (manual review) or BLOCK."),
	mcp.WithString("email",
		mcp.Required(),
		mcp.Description("The user's email address")),
)

var ToolRunBatchScoring = mcp.NewTool("run_batch_scoring",
	mcp.WithDescription(
		"Score every recently active user in one batch run. This can take several minutes. "+
			"Use the decision filter to return only risky users; every user is still recorded."),
	mcp.WithArray("decisions",
		mcp.Description("Only return users with these decisions, e.g. [\"REVIEW\", \"BLOCK\"]. Omit for all."),
		mcp.WithStringEnumItems([]string{"ALLOW", "REVIEW", "BLOCK"})),
	mcp.WithNumber("active_days",
		mcp.Description("Users active in the last N days are scored (server default 7)")),
	mcp.WithNumber("feature_days",
		mcp.Description("History window in days used to build features (server default 90)")),
)

var ToolFraudHealth = mcp.NewTool("fraud_health",
	mcp.WithDescription(
		"Check whether the realtime and batch scoring workers are up, "+
			"including their circuit breaker state and model self-test."),
)

var ToolPredictionHistory = mcp.NewTool("prediction_history",
	mcp.WithDescription(
		"List past fraud predictions recorded for a user, newest first."),
	mcp.WithString("email",
		mcp.Required(),
		mcp.Description("The user's email address")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of predictions to return (default 50)")),
)
