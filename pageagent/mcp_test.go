package pageagent_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/snippetify/snipd/bus"
	"github.com/snippetify/snipd/pageagent"
)

var testMCPImpl = &mcp.Implementation{Name: "snipd-test", Version: "0.1.0"}

func mcpSession(t *testing.T, b *bus.MemoryBus) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	pageagent.RegisterMCP(srv, b, b)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) *mcp.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return result
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if err := result.GetError(); err != nil {
		t.Fatalf("tool error: %v", err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	return tc.Text
}

func TestMCPSnippetsCount(t *testing.T) {
	_, _, b, _ := attached(t, twoBlockPage)
	session := mcpSession(t, b)

	text := toolText(t, callTool(t, session, "snippets_count", map[string]any{"tab": 1}))
	if text != `{"count":2}` {
		t.Fatalf("text = %s", text)
	}
}

func TestMCPSnippetsCountActiveTab(t *testing.T) {
	_, _, b, _ := attached(t, twoBlockPage)
	b.SetActiveTab(1)
	session := mcpSession(t, b)

	text := toolText(t, callTool(t, session, "snippets_count", map[string]any{}))
	if text != `{"count":2}` {
		t.Fatalf("text = %s", text)
	}
}

func TestMCPSnippetsCountNoActiveTab(t *testing.T) {
	_, _, b, _ := attached(t, twoBlockPage)
	session := mcpSession(t, b)

	result := callTool(t, session, "snippets_count", map[string]any{})
	if result.GetError() == nil {
		t.Fatal("expected error without an active tab")
	}
}

func TestMCPFoundSnippets(t *testing.T) {
	_, _, b, _ := attached(t, twoBlockPage)
	session := mcpSession(t, b)

	text := toolText(t, callTool(t, session, "found_snippets", map[string]any{"tab": 1}))

	var resp struct {
		Snippets []struct {
			UID  string `json:"uid"`
			Code string `json:"code"`
		} `json:"snippets"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Snippets) != 2 || resp.Snippets[0].UID != "0" {
		t.Fatalf("snippets = %+v", resp.Snippets)
	}
}

func TestMCPGoToSnippet(t *testing.T) {
	_, surface, b, _ := attached(t, twoBlockPage)
	session := mcpSession(t, b)

	toolText(t, callTool(t, session, "go_to_snippet", map[string]any{"tab": 1, "uid": 1}))

	waitFor(t, "scroll not recorded", func() bool {
		s := surface.snapshot()
		return len(s.scrolled) == 1 && s.scrolled[0] == 1
	})
}
