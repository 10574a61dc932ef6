package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stephen-kim/cinepyle/internal/orchestrator"
)

// NewMCPServer creates an MCP server exposing the chat core and the
// strategy audit as tools.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"cinepyle",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("cinepyle books Korean cinema tickets through a conversation. Send the user's words with send_message and relay the replies."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send one user message to a booking conversation and return the replies, including progress queued since the last call."),
			mcp.WithString("conversation_id", mcp.Description("Stable id of the conversation"), mcp.Required()),
			mcp.WithString("text", mcp.Description("The user's message. Empty polls for queued progress.")),
			mcp.WithNumber("lat", mcp.Description("Latitude of a shared location")),
			mcp.WithNumber("lng", mcp.Description("Longitude of a shared location")),
		),
		mcpSendMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("list_strategies",
			mcp.WithDescription("List stored extraction strategy versions with their success and failure counts."),
			mcp.WithString("site", mcp.Description("Only this chain (cgv, lotte, megabox, cineq)")),
			mcp.WithBoolean("stale", mcp.Description("Only retired versions")),
		),
		mcpListStrategies(deps),
	)

	s.AddTool(
		mcp.NewTool("search_theaters",
			mcp.WithDescription("Search the local theater directory by name or region."),
			mcp.WithString("query", mcp.Description("Name or region fragment"), mcp.Required()),
			mcp.WithString("chain", mcp.Description("Optional chain filter")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 15)")),
		),
		mcpSearchTheaters(deps),
	)

	return s
}

func mcpSendMessage(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("conversation_id")
		if err != nil || strings.TrimSpace(id) == "" {
			return mcpError("conversation_id is required"), nil
		}

		in := orchestrator.Inbound{Text: req.GetString("text", "")}
		args := req.GetArguments()
		_, hasLat := args["lat"]
		_, hasLng := args["lng"]
		if hasLat && hasLng {
			in.Location = &orchestrator.Location{Lat: req.GetFloat("lat", 0), Lng: req.GetFloat("lng", 0)}
		}

		var replies []orchestrator.Outbound
		if strings.TrimSpace(in.Text) != "" || in.Location != nil {
			replies, err = deps.Conversations.HandleMessage(ctx, id, in)
			if err != nil {
				return mcpError(fmt.Sprintf("message not handled: %v", err)), nil
			}
		}
		replies = append(deps.Outbox.Drain(id), replies...)

		if len(replies) == 0 {
			return mcpText("(no reply)"), nil
		}
		return &mcp.CallToolResult{Content: mcpContents(replies)}, nil
	}
}

func mcpContents(msgs []orchestrator.Outbound) []mcp.Content {
	var out []mcp.Content
	for _, m := range msgs {
		if len(m.Image) > 0 {
			out = append(out, mcp.NewImageContent(base64.StdEncoding.EncodeToString(m.Image), "image/png"))
			if m.Caption != "" {
				out = append(out, mcp.NewTextContent(m.Caption))
			}
			continue
		}
		out = append(out, mcp.NewTextContent(m.Text))
	}
	return out
}

func mcpListStrategies(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := listStrategies(ctx, deps, req.GetBool("stale", false))
		if err != nil {
			return mcpError(fmt.Sprintf("listing strategies failed: %v", err)), nil
		}

		views := strategyViews(list, false)
		if site := req.GetString("site", ""); site != "" {
			filtered := views[:0]
			for _, v := range views {
				if v.Site == site {
					filtered = append(filtered, v)
				}
			}
			views = filtered
		}

		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal strategies: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchTheaters(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", defaultTheaterHits)
		if limit <= 0 {
			limit = defaultTheaterHits
		}
		limit = min(limit, maxTheaterHits)

		hits, err := deps.Theaters.SearchTheaters(ctx, req.GetString("chain", ""), query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal theaters: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
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
