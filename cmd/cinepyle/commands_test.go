package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/stephen-kim/cinepyle/internal/api"
	"github.com/stephen-kim/cinepyle/internal/orchestrator"
	"github.com/stephen-kim/cinepyle/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

// newTestServer answers "METHOD /path" keys with canned JSON. A key may
// map to several bodies, served in order with the last one repeated.
func newTestServer(t *testing.T, responses map[string][]string) *testServer {
	t.Helper()
	ts := &testServer{}
	served := map[string]int{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if bodies, ok := responses[key]; ok && len(bodies) > 0 {
			i := min(served[key], len(bodies)-1)
			served[key]++
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(bodies[i]))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) recorded() []recordedRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]recordedRequest(nil), ts.requests...)
}

// syncBuffer is a bytes.Buffer safe for the chat printer and the test to
// share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func withoutColor(t *testing.T) {
	t.Helper()
	old := noColor
	noColor = true
	t.Cleanup(func() { noColor = old })
}

var ctx = context.Background()

func TestChat_SendsMessagesAndPrintsReplies(t *testing.T) {
	withoutColor(t)
	ts := newTestServer(t, map[string][]string{
		"POST /v1/conversations/c1/messages": {
			`{"state":"collecting","replies":[{"text":"어느 극장에서 볼까요?"}],"pending":[{"text":"이전 알림"}]}`,
			`{"state":"collecting","replies":[{"text":"위치를 확인했어요."}]}`,
		},
	})

	in := strings.NewReader("CGV 인터스텔라\n\n/id\n/loc 37.5, 127.03\n/loc north\n/quit\n이건 보내지 않아요\n")
	var out syncBuffer
	err := runChat(ctx, ts.client(), chatOptions{conversationID: "c1", imageDir: t.TempDir()}, in, &out)
	if err != nil {
		t.Fatalf("runChat: %v", err)
	}

	got := ts.recorded()
	if len(got) != 2 {
		t.Fatalf("expected 2 requests, got %d: %+v", len(got), got)
	}
	for _, r := range got {
		if r.Auth != "Bearer test-token" {
			t.Errorf("auth = %q, want Bearer test-token", r.Auth)
		}
	}

	var first orchestrator.Inbound
	if err := json.Unmarshal([]byte(got[0].Body), &first); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if first.Text != "CGV 인터스텔라" || first.Location != nil {
		t.Errorf("first message = %+v", first)
	}
	var second orchestrator.Inbound
	if err := json.Unmarshal([]byte(got[1].Body), &second); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if second.Location == nil || second.Location.Lat != 37.5 || second.Location.Lng != 127.03 || second.Text != "" {
		t.Errorf("second message = %+v", second)
	}

	text := out.String()
	for _, want := range []string{
		"conversation c1",
		"cinepyle> 이전 알림\ncinepyle> 어느 극장에서 볼까요?",
		"\nc1\n",
		"cinepyle> 위치를 확인했어요.",
		"usage: /loc <lat> <lng>",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestChat_SavesImages(t *testing.T) {
	withoutColor(t)
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}
	reply, _ := json.Marshal(api.MessageResponse{
		State:   "booking",
		Replies: []orchestrator.Outbound{{Image: png, Caption: "보안 문자를 입력해 주세요"}},
	})
	ts := newTestServer(t, map[string][]string{
		"POST /v1/conversations/abcdefghijk/messages": {string(reply)},
	})

	dir := t.TempDir()
	var out syncBuffer
	err := runChat(ctx, ts.client(), chatOptions{conversationID: "abcdefghijk", imageDir: dir}, strings.NewReader("네\n"), &out)
	if err != nil {
		t.Fatalf("runChat: %v", err)
	}

	path := filepath.Join(dir, "cinepyle-abcdefgh-1.png")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("image not saved: %v", err)
	}
	if !bytes.Equal(data, png) {
		t.Errorf("saved bytes = %v, want %v", data, png)
	}
	if !strings.Contains(out.String(), "[image: "+path+"] 보안 문자를 입력해 주세요") {
		t.Errorf("output = %q", out.String())
	}
}

func TestChat_ReportsServerErrors(t *testing.T) {
	withoutColor(t)
	ts := newTestServer(t, map[string][]string{})

	var out syncBuffer
	if err := runChat(ctx, ts.client(), chatOptions{conversationID: "c1"}, strings.NewReader("안녕\n"), &out); err != nil {
		t.Fatalf("runChat: %v", err)
	}
	if !strings.Contains(out.String(), "server returned 404: not found") {
		t.Errorf("output = %q, want the server error", out.String())
	}
}

func TestChat_PollsOutbox(t *testing.T) {
	withoutColor(t)
	ts := newTestServer(t, map[string][]string{
		"GET /v1/conversations/c1/outbox": {
			`{"state":"booking","messages":[{"text":"좌석을 고르고 있어요."}]}`,
			`{"state":"booking","messages":[]}`,
		},
	})

	pr, pw := io.Pipe()
	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- runChat(ctx, ts.client(), chatOptions{conversationID: "c1", poll: 10 * time.Millisecond}, pr, &out)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "좌석을 고르고 있어요.") {
		if time.Now().After(deadline) {
			t.Fatalf("progress never printed; output = %q", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	pw.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runChat: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runChat did not return after input closed")
	}
	if n := strings.Count(out.String(), "좌석을 고르고 있어요."); n != 1 {
		t.Errorf("progress printed %d times, want 1", n)
	}
}

func TestChat_ContextCancelled(t *testing.T) {
	ts := newTestServer(t, map[string][]string{})
	pr, pw := io.Pipe()
	defer pw.Close()

	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- runChat(cctx, ts.client(), chatOptions{conversationID: "c1", poll: time.Hour}, pr, &syncBuffer{})
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runChat: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runChat did not return after cancel")
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in      string
		want    *orchestrator.Location
		wantErr bool
	}{
		{"37.5 127.03", &orchestrator.Location{Lat: 37.5, Lng: 127.03}, false},
		{"37.5,127.03", &orchestrator.Location{Lat: 37.5, Lng: 127.03}, false},
		{"", nil, true},
		{"37.5", nil, true},
		{"north 127", nil, true},
		{"91 127", nil, true},
		{"37.5 181", nil, true},
	}
	for _, tt := range tests {
		got, err := parseLocation(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLocation(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("parseLocation(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestParseTheaters(t *testing.T) {
	want := []storage.Theater{
		{Chain: "cgv", ID: "0013", Name: "CGV용산아이파크몰", Region: "서울", Lat: 37.5298, Lng: 126.9648},
		{Chain: "megabox", ID: "1372", Name: "메가박스 코엑스"},
	}

	tests := []struct {
		name string
		data string
	}{
		{"theaters key", `
theaters:
  - chain: CGV
    id: "0013"
    name: CGV용산아이파크몰
    region: 서울
    lat: 37.5298
    lng: 126.9648
  - chain: megabox
    id: "1372"
    name: 메가박스 코엑스
`},
		{"top-level list", `
- chain: cgv
  id: "0013"
  name: CGV용산아이파크몰
  region: 서울
  lat: 37.5298
  lng: 126.9648
- chain: megabox
  id: "1372"
  name: 메가박스 코엑스
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTheaters([]byte(tt.data))
			if err != nil {
				t.Fatalf("parseTheaters: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseTheaters_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"empty", "", "lists no theaters"},
		{"no entries", "theaters: []\n", "lists no theaters"},
		{"missing name", "theaters:\n  - chain: cgv\n    id: \"0013\"\n", "chain, id and name are required"},
		{"not yaml", "theaters: [", "parsing theater file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseTheaters([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestStrategiesPath(t *testing.T) {
	tests := []struct {
		site  string
		stale bool
		want  string
	}{
		{"", false, "/v1/strategies"},
		{"", true, "/v1/strategies?stale=true"},
		{"cgv", true, "/v1/strategies?site=cgv&stale=true"},
	}
	for _, tt := range tests {
		if got := strategiesPath(tt.site, tt.stale); got != tt.want {
			t.Errorf("strategiesPath(%q, %v) = %q, want %q", tt.site, tt.stale, got, tt.want)
		}
	}
}

func TestWriteStrategies(t *testing.T) {
	withoutColor(t)
	validated := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	writeStrategies(&buf, []api.StrategyView{
		{Site: "cgv", Task: "showtime-list", Version: 3, Source: "llm", SuccessCount: 12, FailureCount: 1, LastValidatedAt: &validated},
		{Site: "lotte", Task: "seat-list", Version: 1, Source: "llm", FailureCount: 4, Stale: true},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "SITE") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "v3") || !strings.HasSuffix(lines[1], "active") {
		t.Errorf("row 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "-") || !strings.HasSuffix(lines[2], "stale") {
		t.Errorf("row 2 = %q", lines[2])
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string][]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string][]string{
		"GET /health": {`{"status":"ok"}`},
	})

	client := ts.client()
	client.token = "my-secret-token"

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	got := ts.recorded()
	if len(got) != 1 {
		t.Fatalf("expected 1 request, got %d", len(got))
	}
	if got[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", got[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"invalid or missing bearer token","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "bad-token", httpClient: ts.Client()}
	resp, err := client.get(ctx, "/v1/strategies")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if want := "server returned 401: invalid or missing bearer token"; err.Error() != want {
		t.Errorf("error = %q, want %q", err, want)
	}
}

func TestRootCommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"start", "stop", "status", "chat", "strategies", "theaters", "config"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("rootCmd is missing %q (have %v)", want, names)
		}
	}
}

func TestTheatersImport_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"theaters", "import"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing file argument")
	}
	if !strings.Contains(err.Error(), "accepts 1 arg") {
		t.Errorf("error = %q, want it to mention the argument count", err.Error())
	}
}
