package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// MCPBackend is a tool backend reached over the Model Context Protocol.
type MCPBackend struct {
	endpoint string
	session  *mcp.ClientSession
}

// NewMCPBackend connects to the MCP tool server at backend.url.
func NewMCPBackend(ctx context.Context) (*MCPBackend, error) {
	endpoint := viper.GetString("backend.url")
	connectTimeout := time.Duration(viper.GetInt("backend.connect_timeout")) * time.Second

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "periscan", Version: "1.0.0"}, nil)
	session, err := client.Connect(connectCtx, &mcp.SSEClientTransport{Endpoint: endpoint}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to tool server %s: %w", endpoint, err)
	}

	log.Info().Str("endpoint", endpoint).Msg("Connected to tool server")
	return &MCPBackend{endpoint: endpoint, session: session}, nil
}

// IsAvailable pings the tool server.
func (b *MCPBackend) IsAvailable(ctx context.Context) bool {
	if b.session == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.session.Ping(pingCtx, nil); err != nil {
		log.Warn().Err(err).Str("endpoint", b.endpoint).Msg("Tool server ping failed")
		return false
	}
	return true
}

// CallTool invokes one named tool and decodes its first text content block.
func (b *MCPBackend) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return ToolResult{}, fmt.Errorf("marshal %s args: %w", name, err)
	}

	result, err := b.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: json.RawMessage(payload)})
	if err != nil {
		return ToolResult{}, fmt.Errorf("call %s: %w", name, err)
	}

	text := extractText(result)
	if result.IsError {
		return ToolResult{Raw: text}, fmt.Errorf("call %s: tool error: %s", name, text)
	}
	return ParseToolResult(text), nil
}

// Close terminates the MCP session.
func (b *MCPBackend) Close() error {
	if b.session == nil {
		return nil
	}
	return b.session.Close()
}

func extractText(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	if tc, ok := result.Content[0].(*mcp.TextContent); ok {
		return tc.Text
	}
	return fmt.Sprintf("%T", result.Content[0])
}
