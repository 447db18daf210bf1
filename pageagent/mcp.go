package pageagent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/snippetify/snipd/bus"
	"github.com/snippetify/snipd/kit"
)

// queryTimeout bounds one tool call's round trip to a page agent.
const queryTimeout = 5 * time.Second

// ErrNoActiveTab is returned when a tool call omits the tab and the host
// has no active one.
var ErrNoActiveTab = errors.New("pageagent: no active tab")

// RegisterMCP registers the page-query tools on an MCP server. Queries go
// through the bus, so callers observe exactly what any other context would.
func RegisterMCP(srv *mcp.Server, b bus.Bus, tabs bus.Tabs) {
	registerCountTool(srv, b, tabs)
	registerListTool(srv, b, tabs)
	registerGoToTool(srv, b, tabs)
}

type tabReq struct {
	Tab *int `json:"tab"`
}

func (r *tabReq) resolve(tabs bus.Tabs) (bus.TabID, error) {
	if r.Tab != nil {
		return bus.TabID(*r.Tab), nil
	}
	tab, ok := tabs.ActiveTab()
	if !ok {
		return 0, ErrNoActiveTab
	}
	return tab, nil
}

var tabProperty = map[string]any{
	"type":        "integer",
	"description": "Tab id to query; defaults to the active tab",
}

func registerCountTool(srv *mcp.Server, b bus.Bus, tabs bus.Tabs) {
	tool := &mcp.Tool{
		Name:        "snippets_count",
		Description: "Count the candidate code blocks on a tab's current page.",
		InputSchema: kit.InputSchema(map[string]any{"tab": tabProperty}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*tabReq)
		tab, err := r.resolve(tabs)
		if err != nil {
			return nil, err
		}
		return queryPage(ctx, b, tab, bus.TypeSnippetsCount)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeTabReq)
}

func registerListTool(srv *mcp.Server, b bus.Bus, tabs bus.Tabs) {
	tool := &mcp.Tool{
		Name:        "found_snippets",
		Description: "Extract the full snippets from a tab's current page.",
		InputSchema: kit.InputSchema(map[string]any{"tab": tabProperty}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*tabReq)
		tab, err := r.resolve(tabs)
		if err != nil {
			return nil, err
		}
		return queryPage(ctx, b, tab, bus.TypeFoundSnippets)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeTabReq)
}

type goToReq struct {
	tabReq
	UID int `json:"uid"`
}

func registerGoToTool(srv *mcp.Server, b bus.Bus, tabs bus.Tabs) {
	tool := &mcp.Tool{
		Name:        "go_to_snippet",
		Description: "Scroll a tab's page to the code block with the given uid.",
		InputSchema: kit.InputSchema(map[string]any{
			"tab": tabProperty,
			"uid": map[string]any{"type": "integer", "description": "Positional uid of the block"},
		}, []string{"uid"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*goToReq)
		tab, err := r.resolve(tabs)
		if err != nil {
			return nil, err
		}
		env, err := bus.NewEnvelope(bus.TargetPage, bus.TypeGoToSnippet, map[string]int{"uid": r.UID})
		if err != nil {
			return nil, err
		}
		if err := b.Send(ctx, tab, env); err != nil {
			return nil, err
		}
		return map[string]string{"status": "sent"}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r goToReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func decodeTabReq(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r tabReq
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &r}, nil
}

// queryPage round-trips one request to a tab's agent and returns the raw
// JSON answer.
func queryPage(ctx context.Context, b bus.Bus, tab bus.TabID, typ string) (json.RawMessage, error) {
	env, err := bus.NewEnvelope(bus.TargetPage, typ, nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return b.Request(ctx, tab, env)
}
