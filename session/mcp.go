package session

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/snippetify/snipd/api"
	"github.com/snippetify/snipd/kit"
)

// RegisterMCP registers session tools on an MCP server.
func (c *Coordinator) RegisterMCP(srv *mcp.Server) {
	c.registerUserTool(srv)
}

type userResp struct {
	LoggedIn bool      `json:"logged_in"`
	User     *api.User `json:"user,omitempty"`
}

func (c *Coordinator) registerUserTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "session_user",
		Description: "Return the current session state: whether a user is logged in and the cached user record.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		user, ok := c.User()
		return &userResp{LoggedIn: ok, User: user}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: json.RawMessage(req.Params.Arguments)}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
