package api

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stephen-kim/cinepyle/internal/healing"
	"github.com/stephen-kim/cinepyle/internal/orchestrator"
	"github.com/stephen-kim/cinepyle/internal/slots"
	"github.com/stephen-kim/cinepyle/internal/storage"
)

const testToken = "test-token"

// fakeConversations echoes messages and records what it received.
type fakeConversations struct {
	mu       sync.Mutex
	received []orchestrator.Inbound
	state    slots.State
	err      error
}

func (f *fakeConversations) HandleMessage(ctx context.Context, id string, in orchestrator.Inbound) ([]orchestrator.Outbound, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, in)
	if in.Text == "" {
		return nil, nil
	}
	return []orchestrator.Outbound{{Text: "echo: " + in.Text}}, nil
}

func (f *fakeConversations) State(id string) (slots.State, bool) {
	if f.state == "" {
		return slots.Collecting, false
	}
	return f.state, true
}

func (f *fakeConversations) inbound(t *testing.T) []orchestrator.Inbound {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.Inbound(nil), f.received...)
}

type fakeStrategies struct {
	list []healing.Strategy
	err  error
}

func (f *fakeStrategies) List(ctx context.Context) ([]healing.Strategy, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]healing.Strategy(nil), f.list...), nil
}

func (f *fakeStrategies) Stale(ctx context.Context) ([]healing.Strategy, error) {
	all, err := f.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []healing.Strategy
	for _, st := range all {
		if st.Stale {
			out = append(out, st)
		}
	}
	return out, nil
}

type fakeTheaters struct {
	theaters []storage.Theater
}

func (f *fakeTheaters) SearchTheaters(ctx context.Context, chain, query string, limit int) ([]storage.Theater, error) {
	if query == "boom" {
		return nil, errors.New("database is locked")
	}
	var out []storage.Theater
	for _, th := range f.theaters {
		if (chain == "" || th.Chain == chain) && strings.Contains(th.Name, query) {
			out = append(out, th)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

var created = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testStrategies() *fakeStrategies {
	return &fakeStrategies{list: []healing.Strategy{
		{Site: "cgv", Task: "showtime-list", Version: 1, Source: "llm", Body: "return [];", SuccessCount: 1, FailureCount: 4, CreatedAt: created, Stale: true},
		{Site: "cgv", Task: "showtime-list", Version: 2, Source: "llm", Body: "return [1];", SuccessCount: 7, CreatedAt: created, LastValidatedAt: created.Add(time.Hour)},
		{Site: "lotte", Task: "seat-list", Version: 1, Source: "llm", Body: "return [];", CreatedAt: created},
	}}
}

func testTheaters() *fakeTheaters {
	return &fakeTheaters{theaters: []storage.Theater{
		{Chain: "cgv", ID: "0013", Name: "CGV용산아이파크몰", Region: "서울"},
		{Chain: "cgv", ID: "0056", Name: "CGV강남", Region: "서울"},
		{Chain: "megabox", ID: "1372", Name: "메가박스 코엑스", Region: "서울"},
	}}
}

type testDeps struct {
	Deps
	conv   *fakeConversations
	outbox *orchestrator.Outbox
}

func newTestDeps() testDeps {
	conv := &fakeConversations{}
	outbox := orchestrator.NewOutbox(0)
	return testDeps{
		Deps: Deps{
			Conversations: conv,
			Outbox:        outbox,
			Strategies:    testStrategies(),
			Theaters:      testTheaters(),
		},
		conv:   conv,
		outbox: outbox,
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}
