package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"

	nerrors "neko/internal/errors"
	"neko/internal/toolregistry"
)

// Caller is the part of Client a tool needs.
type Caller interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error)
}

// Tool exposes one MCP server tool through the registry under
// mcp__<server>__<tool>.
type Tool struct {
	server string
	client Caller
	schema ToolSchema
}

// NewTool adapts schema from server into a registry tool.
func NewTool(server string, client Caller, schema ToolSchema) *Tool {
	return &Tool{server: server, client: client, schema: schema}
}

func (t *Tool) Definition() toolregistry.Definition {
	desc := strings.TrimSpace(t.schema.Description)
	if desc == "" {
		desc = "MCP tool"
	}
	return toolregistry.Definition{
		Name:        toolregistry.MCPToolName(t.server, t.schema.Name),
		Description: fmt.Sprintf("[MCP:%s] %s", t.server, desc),
		Parameters:  convertInputSchema(t.schema.InputSchema),
		Source:      "mcp:" + t.server,
	}
}

func (t *Tool) Execute(ctx context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	result, err := t.client.CallTool(ctx, t.schema.Name, call.Arguments)
	if err != nil {
		return nil, err
	}
	content := formatContent(result.Content)
	if result.IsError {
		if content == "" {
			content = "tool reported an error"
		}
		return nil, nerrors.New(nerrors.KindExecutionError, t.schema.Name, "%s", content)
	}
	return &toolregistry.Result{
		CallID:   call.ID,
		Content:  content,
		Metadata: map[string]any{"mcp_server": t.server, "tool_name": t.schema.Name},
	}, nil
}

func convertInputSchema(input map[string]any) toolregistry.ParameterSchema {
	schema := toolregistry.ParameterSchema{
		Type:       "object",
		Properties: make(map[string]toolregistry.Property),
	}
	if props, ok := input["properties"].(map[string]any); ok {
		for name, raw := range props {
			if prop, ok := raw.(map[string]any); ok {
				schema.Properties[name] = convertProperty(prop)
			}
		}
	}
	if required, ok := input["required"].([]any); ok {
		for _, r := range required {
			if name, ok := r.(string); ok {
				schema.Required = append(schema.Required, name)
			}
		}
	}
	sort.Strings(schema.Required)
	return schema
}

func convertProperty(prop map[string]any) toolregistry.Property {
	var p toolregistry.Property
	switch typ := prop["type"].(type) {
	case string:
		p.Type = typ
	case []any:
		// ["string", "null"] style unions: keep the first non-null type.
		for _, v := range typ {
			if s, ok := v.(string); ok && s != "null" {
				p.Type = s
				break
			}
		}
	}
	p.Description, _ = prop["description"].(string)
	if enum, ok := prop["enum"].([]any); ok {
		p.Enum = enum
	}
	if items, ok := prop["items"].(map[string]any); ok {
		item := convertProperty(items)
		p.Items = &item
	}
	return p
}

func formatContent(blocks []ContentBlock) string {
	var parts []string
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "image", "audio":
			parts = append(parts, fmt.Sprintf("[%s: %s]", block.Type, firstNonEmpty(block.MimeType, "unknown")))
		case "resource", "resource_link":
			parts = append(parts, fmt.Sprintf("[resource: %s]", firstNonEmpty(block.URI, block.Text)))
		default:
			parts = append(parts, fmt.Sprintf("[%s]", block.Type))
		}
	}
	return strings.Join(parts, "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
