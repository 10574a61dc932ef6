package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stephen-kim/cinepyle/internal/orchestrator"
	"github.com/stephen-kim/cinepyle/internal/storage"
)

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(newTestDeps().Deps, "test")
	if s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_SendMessage(t *testing.T) {
	deps := newTestDeps()
	deps.outbox.Notify("c1", orchestrator.Outbound{Text: "로그인 중이에요."})
	handler := mcpSendMessage(deps.Deps)

	result, err := handler(context.Background(), makeCallToolRequest("send_message", map[string]any{
		"conversation_id": "c1",
		"text":            "CGV 용산",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var texts []string
	for _, c := range result.Content {
		texts = append(texts, c.(mcp.TextContent).Text)
	}
	if diff := cmp.Diff([]string{"로그인 중이에요.", "echo: CGV 용산"}, texts); diff != "" {
		t.Errorf("contents mismatch (-want +got):\n%s", diff)
	}
}

func TestMCPTool_SendMessage_Location(t *testing.T) {
	deps := newTestDeps()
	handler := mcpSendMessage(deps.Deps)

	_, err := handler(context.Background(), makeCallToolRequest("send_message", map[string]any{
		"conversation_id": "c1",
		"lat":             37.51,
		"lng":             127.06,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in := deps.conv.inbound(t)
	if len(in) != 1 || in[0].Location == nil {
		t.Fatalf("inbound = %+v, want one message with a location", in)
	}
	if in[0].Location.Lng != 127.06 {
		t.Errorf("Lng = %v, want 127.06", in[0].Location.Lng)
	}
}

func TestMCPTool_SendMessage_PollOnly(t *testing.T) {
	deps := newTestDeps()
	png := []byte("png-bytes")
	deps.outbox.Notify("c1", orchestrator.Outbound{Image: png, Caption: "보안 문자"})
	handler := mcpSendMessage(deps.Deps)

	result, err := handler(context.Background(), makeCallToolRequest("send_message", map[string]any{
		"conversation_id": "c1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := deps.conv.inbound(t); len(got) != 0 {
		t.Errorf("empty poll reached the conversation: %+v", got)
	}
	if len(result.Content) != 2 {
		t.Fatalf("got %d contents, want image + caption", len(result.Content))
	}
	img, ok := result.Content[0].(mcp.ImageContent)
	if !ok {
		t.Fatalf("first content = %T, want ImageContent", result.Content[0])
	}
	if img.Data != base64.StdEncoding.EncodeToString(png) || img.MIMEType != "image/png" {
		t.Errorf("image = %+v", img)
	}
	if caption := result.Content[1].(mcp.TextContent).Text; caption != "보안 문자" {
		t.Errorf("caption = %q", caption)
	}

	again, _ := handler(context.Background(), makeCallToolRequest("send_message", map[string]any{
		"conversation_id": "c1",
	}))
	if toolText(t, again) != "(no reply)" {
		t.Errorf("second poll = %q, want (no reply)", toolText(t, again))
	}
}

func TestMCPTool_SendMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		err  error
		want string
	}{
		{"missing id", map[string]any{"text": "안녕"}, nil, "conversation_id is required"},
		{"blank id", map[string]any{"conversation_id": " ", "text": "안녕"}, nil, "conversation_id is required"},
		{"unhandled", map[string]any{"conversation_id": "c1", "text": "안녕"}, errors.New("context canceled"), "message not handled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newTestDeps()
			deps.conv.err = tt.err
			result, err := mcpSendMessage(deps.Deps)(context.Background(), makeCallToolRequest("send_message", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Fatal("expected IsError result")
			}
			if got := toolText(t, result); !strings.Contains(got, tt.want) {
				t.Errorf("text = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestMCPTool_ListStrategies(t *testing.T) {
	deps := newTestDeps()
	handler := mcpListStrategies(deps.Deps)

	tests := []struct {
		name string
		args map[string]any
		want int
	}{
		{"all", map[string]any{}, 3},
		{"stale", map[string]any{"stale": true}, 1},
		{"site", map[string]any{"site": "cgv"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("list_strategies", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.IsError {
				t.Fatalf("unexpected tool error: %s", toolText(t, result))
			}
			var views []StrategyView
			if err := json.Unmarshal([]byte(toolText(t, result)), &views); err != nil {
				t.Fatalf("parsing result: %v", err)
			}
			if len(views) != tt.want {
				t.Errorf("got %d strategies, want %d", len(views), tt.want)
			}
			for _, v := range views {
				if v.Body != "" {
					t.Errorf("%s/%s v%d leaked its body", v.Site, v.Task, v.Version)
				}
			}
		})
	}
}

func TestMCPTool_ListStrategies_Error(t *testing.T) {
	deps := newTestDeps()
	deps.Strategies = &fakeStrategies{err: errors.New("disk I/O error")}

	result, err := mcpListStrategies(deps.Deps)(context.Background(), makeCallToolRequest("list_strategies", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError result")
	}
}

func TestMCPTool_SearchTheaters(t *testing.T) {
	deps := newTestDeps()
	handler := mcpSearchTheaters(deps.Deps)

	result, err := handler(context.Background(), makeCallToolRequest("search_theaters", map[string]any{
		"query": "CGV",
		"limit": 1,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var hits []storage.Theater
	if err := json.Unmarshal([]byte(toolText(t, result)), &hits); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	want := []storage.Theater{{Chain: "cgv", ID: "0013", Name: "CGV용산아이파크몰", Region: "서울"}}
	if diff := cmp.Diff(want, hits); diff != "" {
		t.Errorf("hits mismatch (-want +got):\n%s", diff)
	}
}

func TestMCPTool_SearchTheaters_Misses(t *testing.T) {
	deps := newTestDeps()
	handler := mcpSearchTheaters(deps.Deps)

	tests := []struct {
		name    string
		args    map[string]any
		isError bool
		text    string
	}{
		{"no match", map[string]any{"query": "부산"}, false, "[]"},
		{"missing query", map[string]any{}, true, "query is required"},
		{"store error", map[string]any{"query": "boom"}, true, "search failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("search_theaters", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.IsError != tt.isError {
				t.Fatalf("IsError = %v, want %v", result.IsError, tt.isError)
			}
			if got := toolText(t, result); !strings.Contains(got, tt.text) {
				t.Errorf("text = %q, want it to contain %q", got, tt.text)
			}
		})
	}
}
