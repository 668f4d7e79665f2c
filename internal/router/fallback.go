package router

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// FallbackTools is the documented tool catalog served when the default
// worker cannot answer tools/list. It lets clients render a tool picker and
// start the authorization flow before any worker is healthy.
func FallbackTools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "send_message",
			Description: "Send a message to a user or group chat",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"receive_id": map[string]interface{}{
						"type":        "string",
						"description": "Identifier of the receiving user or chat",
					},
					"content": map[string]interface{}{
						"type":        "string",
						"description": "Message content",
					},
				},
				Required: []string{"receive_id", "content"},
			},
		},
		{
			Name:        "list_chats",
			Description: "List the chats the authenticated user belongs to",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"page_size": map[string]interface{}{
						"type":        "number",
						"description": "Number of chats per page",
					},
				},
			},
		},
		{
			Name:        "search_contacts",
			Description: "Search the directory for users by name or email",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Search query",
					},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "get_user_info",
			Description: "Fetch profile information for the authenticated user",
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: map[string]interface{}{},
			},
		},
	}
}

// FallbackCapabilities is the fixed initialize result served when the
// default worker cannot answer.
func FallbackCapabilities() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{
				"listChanged": false,
			},
		},
		"serverInfo": map[string]interface{}{
			"name":    "mcpgate",
			"version": "fallback",
		},
	}
}
