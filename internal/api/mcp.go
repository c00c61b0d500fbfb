package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/slashprofile/internal/profile"
	"github.com/kalambet/slashprofile/internal/slashtags"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Profile *slashtags.Client
	Version string
}

// NewMCPServer creates an MCP server exposing the profile as tools and
// resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"slashprofile",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("slashprofile publishes a small public profile (name, bio, image, links) and resolves the profiles of other drives by slash: URL."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("read_profile",
			mcp.WithDescription("Read a profile. Without url, reads the local profile."),
			mcp.WithString("url", mcp.Description("slash: URL of another drive, e.g. slash:<key>")),
		),
		mcpReadProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("update_profile",
			mcp.WithDescription("Replace the local profile. The document is validated against the profile schema first."),
			mcp.WithString("profile", mcp.Description(`Profile JSON, e.g. {"name":"Alice","links":[{"title":"site","url":"https://example.com"}]}`), mcp.Required()),
		),
		mcpUpdateProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_profile",
			mcp.WithDescription("Delete the local profile."),
		),
		mcpDeleteProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("validate_profile",
			mcp.WithDescription("Check a profile document against the schema without storing it."),
			mcp.WithString("profile", mcp.Description("Profile JSON to check"), mcp.Required()),
		),
		mcpValidateProfile(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"slash://profile",
			"Profile",
			mcp.WithResourceDescription("Current local profile as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProfile(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"slash://profile/schema",
			"Profile Schema",
			mcp.WithResourceDescription("JSON schema every profile must satisfy"),
			mcp.WithMIMEType("application/schema+json"),
		),
		mcpResourceSchema,
	)

	return s
}

func mcpReadProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url := req.GetString("url", "")

		var (
			p   *profile.Profile
			err error
		)
		if url == "" {
			p, err = deps.Profile.Read(ctx)
		} else {
			p, err = deps.Profile.ReadURL(ctx, url)
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read profile: %v", err)), nil
		}
		if p == nil {
			return mcpText("null"), nil
		}

		b, err := json.Marshal(p)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal profile: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpUpdateProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		doc, err := req.RequireString("profile")
		if err != nil {
			return mcpError("profile is required"), nil
		}

		if err := deps.Profile.Update(ctx, json.RawMessage(doc)); err != nil {
			if errors.Is(err, profile.ErrInvalidProfile) {
				return mcpError(err.Error()), nil
			}
			return mcpError(fmt.Sprintf("failed to update profile: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Updated profile at %s", deps.Profile.URL())), nil
	}
}

func mcpDeleteProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := deps.Profile.Delete(ctx); err != nil {
			return mcpError(fmt.Sprintf("failed to delete profile: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted profile at %s", deps.Profile.URL())), nil
	}
}

func mcpValidateProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		doc, err := req.RequireString("profile")
		if err != nil {
			return mcpError("profile is required"), nil
		}

		if err := deps.Profile.Validate(json.RawMessage(doc)); err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText("Profile is valid"), nil
	}
}

func mcpResourceProfile(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		p, err := deps.Profile.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get profile: %w", err)
		}

		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal profile: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceSchema(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	b, err := profile.SchemaJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/schema+json",
			Text:     string(b),
		},
	}, nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
