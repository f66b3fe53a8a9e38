package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefgate/auth"
)

type toolResult struct {
	Result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
}

func call(t *testing.T, s *server.MCPServer, ctx context.Context, tool string, args map[string]any) (string, bool) {
	t.Helper()
	params, err := json.Marshal(map[string]any{"name": tool, "arguments": args})
	require.NoError(t, err)
	msg := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":%s}`, params)

	raw, err := json.Marshal(s.HandleMessage(ctx, json.RawMessage(msg)))
	require.NoError(t, err)
	var res toolResult
	require.NoError(t, json.Unmarshal(raw, &res))
	require.NotEmpty(t, res.Result.Content, string(raw))
	return res.Result.Content[0].Text, res.Result.IsError
}

func TestBriefingTools(t *testing.T) {
	s := NewServer(NewMemoryBriefings(DefaultCatalog), "test", nil)
	alice := auth.WithPrincipal(context.Background(), auth.Principal{ID: "alice", Tier: "free"})
	bob := auth.WithPrincipal(context.Background(), auth.Principal{ID: "bob"})

	text, isErr := call(t, s, alice, "create_briefing", map[string]any{"topic": "ai", "description": "weekly"})
	require.False(t, isErr, text)
	var created Briefing
	require.NoError(t, json.Unmarshal([]byte(text), &created))
	assert.Equal(t, "alice", created.OwnerID)
	assert.True(t, created.Active)

	text, isErr = call(t, s, alice, "list_briefings", nil)
	require.False(t, isErr)
	var list []Briefing
	require.NoError(t, json.Unmarshal([]byte(text), &list))
	assert.Len(t, list, 1)

	text, isErr = call(t, s, bob, "list_briefings", nil)
	require.False(t, isErr)
	assert.Equal(t, "[]", text)

	text, isErr = call(t, s, bob, "update_briefing", map[string]any{"id": created.ID, "active": false})
	assert.True(t, isErr)
	assert.Equal(t, "access denied", text)

	text, isErr = call(t, s, alice, "update_briefing", map[string]any{"id": created.ID, "active": false})
	require.False(t, isErr, text)
	var updated Briefing
	require.NoError(t, json.Unmarshal([]byte(text), &updated))
	assert.False(t, updated.Active)
	assert.Equal(t, "ai", updated.Topic)

	text, isErr = call(t, s, alice, "update_briefing", map[string]any{"id": "missing"})
	assert.True(t, isErr)
	assert.Equal(t, "briefing not found", text)
}

func TestRecommendSources(t *testing.T) {
	s := NewServer(NewMemoryBriefings(DefaultCatalog), "test", nil)
	ctx := auth.WithPrincipal(context.Background(), auth.Principal{ID: "alice"})

	text, isErr := call(t, s, ctx, "recommend_sources", map[string]any{"topic": "Technology"})
	require.False(t, isErr)
	var sources []Source
	require.NoError(t, json.Unmarshal([]byte(text), &sources))
	assert.Len(t, sources, 3)

	_, isErr = call(t, s, ctx, "recommend_sources", map[string]any{})
	assert.True(t, isErr)
}

func TestToolsRequirePrincipal(t *testing.T) {
	s := NewServer(NewMemoryBriefings(nil), "test", nil)
	text, isErr := call(t, s, context.Background(), "whoami", nil)
	assert.True(t, isErr)
	assert.Equal(t, "not authenticated", text)

	ctx := auth.WithPrincipal(context.Background(), auth.Principal{ID: "alice", Email: "a@example.com", Tier: "pro"})
	text, isErr = call(t, s, ctx, "whoami", nil)
	require.False(t, isErr)
	assert.JSONEq(t, `{"id":"alice","email":"a@example.com","name":"","tier":"pro"}`, text)
}
