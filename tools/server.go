package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"briefgate/auth"
)

// ServerName is reported to clients during initialization.
const ServerName = "briefgate"

type handlers struct {
	svc    BriefingService
	logger *slog.Logger
}

// NewServer builds the tool protocol server over svc.
func NewServer(svc BriefingService, version string, logger *slog.Logger) *server.MCPServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := server.NewMCPServer(ServerName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	h := &handlers{svc: svc, logger: logger}

	s.AddTool(mcp.NewTool("whoami",
		mcp.WithDescription("Show the authenticated user's profile"),
	), h.whoami)

	s.AddTool(mcp.NewTool("list_briefings",
		mcp.WithDescription("List the briefings the user tracks"),
	), h.listBriefings)

	s.AddTool(mcp.NewTool("create_briefing",
		mcp.WithDescription("Start tracking a new briefing topic"),
		mcp.WithString("topic", mcp.Required(), mcp.Description("Topic to track")),
		mcp.WithString("description", mcp.Description("What the user wants to learn about the topic")),
	), h.createBriefing)

	s.AddTool(mcp.NewTool("update_briefing",
		mcp.WithDescription("Change a briefing's topic, description or active flag"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Briefing id")),
		mcp.WithString("topic", mcp.Description("New topic")),
		mcp.WithString("description", mcp.Description("New description")),
		mcp.WithBoolean("active", mcp.Description("Whether the briefing is active")),
	), h.updateBriefing)

	s.AddTool(mcp.NewTool("recommend_sources",
		mcp.WithDescription("Recommend curated sources for a topic"),
		mcp.WithString("topic", mcp.Required(), mcp.Description("Topic to find sources for")),
	), h.recommendSources)

	return s
}

func (h *handlers) whoami(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("not authenticated"), nil
	}
	return jsonResult(map[string]string{"id": p.ID, "email": p.Email, "name": p.Name, "tier": p.Tier})
}

func (h *handlers) listBriefings(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("not authenticated"), nil
	}
	list, err := h.svc.ListBriefings(ctx, p.ID)
	if err != nil {
		return h.failure("list_briefings", p, err), nil
	}
	return jsonResult(list)
}

func (h *handlers) createBriefing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("not authenticated"), nil
	}
	topic, err := request.RequireString("topic")
	if err != nil || topic == "" {
		return mcp.NewToolResultError("topic argument is required"), nil
	}
	b, err := h.svc.CreateBriefing(ctx, p.ID, topic, request.GetString("description", ""))
	if err != nil {
		return h.failure("create_briefing", p, err), nil
	}
	return jsonResult(b)
}

func (h *handlers) updateBriefing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("not authenticated"), nil
	}
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id argument is required"), nil
	}
	var update BriefingUpdate
	args := request.GetArguments()
	if v, ok := args["topic"].(string); ok {
		update.Topic = &v
	}
	if v, ok := args["description"].(string); ok {
		update.Description = &v
	}
	if v, ok := args["active"].(bool); ok {
		update.Active = &v
	}
	b, err := h.svc.UpdateBriefing(ctx, p.ID, id, update)
	if err != nil {
		return h.failure("update_briefing", p, err), nil
	}
	return jsonResult(b)
}

func (h *handlers) recommendSources(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("not authenticated"), nil
	}
	topic, err := request.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError("topic argument is required"), nil
	}
	sources, err := h.svc.RecommendSources(ctx, topic)
	if err != nil {
		return h.failure("recommend_sources", p, err), nil
	}
	return jsonResult(sources)
}

// failure maps business errors onto tool errors. Unexpected errors are
// logged and reported generically.
func (h *handlers) failure(tool string, p auth.Principal, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, ErrNotFound):
		return mcp.NewToolResultError("briefing not found")
	case errors.Is(err, ErrForbidden), auth.IsKind(err, auth.KindAuthorization):
		h.logger.Warn("tool access denied", "tool", tool, "principal_id", p.ID)
		return mcp.NewToolResultError("access denied")
	}
	h.logger.Error("tool failed", "tool", tool, "principal_id", p.ID, "error", err)
	return mcp.NewToolResultError("internal error")
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
