//go:build integration

package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
)

const formHTML = `<!doctype html>
<html><head><title>start</title></head>
<body>
<form onsubmit="return false">
  <input id="name" value="placeholder">
  <button id="go" type="button" onclick="document.title = 'hello ' + document.getElementById('name').value">go</button>
</form>
</body></html>`

// setupIntegrationPage opens a real Chrome page on a local test site. It
// uses CINEPYLE_CHROME_URL when set and a local Chrome otherwise.
func setupIntegrationPage(t *testing.T) (Page, string) {
	t.Helper()

	remote := os.Getenv("CINEPYLE_CHROME_URL")
	if remote == "" {
		if _, ok := launcher.LookPath(); !ok {
			t.Skip("Chrome is not installed, skipping integration test")
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, formHTML)
	}))
	t.Cleanup(srv.Close)

	m := NewManager(ManagerConfig{RemoteURL: remote, Headless: true})
	t.Cleanup(func() { m.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	page, err := m.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	t.Cleanup(func() { page.Close() })

	if err := page.Navigate(ctx, srv.URL); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	return page, srv.URL
}

func TestRodPage_Eval(t *testing.T) {
	page, _ := setupIntegrationPage(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"expression", "1 + 1", "2"},
		{"trailing semicolon", "document.title;", `"start"`},
		{"iife", "(() => { return {chain: 'cgv', seats: 2}; })()", `{"chain":"cgv","seats":2}`},
		{"promise", "new Promise(r => setTimeout(() => r('done'), 10))", `"done"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := page.Eval(ctx, tt.script)
			if err != nil {
				t.Fatalf("Eval: %v", err)
			}
			var got, want any
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("result %s is not JSON: %v", raw, err)
			}
			json.Unmarshal([]byte(tt.want), &want)
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Errorf("Eval(%q) = %s, want %s", tt.script, raw, tt.want)
			}
		})
	}
}

func TestRodPage_EvalThrowIsScriptError(t *testing.T) {
	page, _ := setupIntegrationPage(t)

	_, err := page.Eval(context.Background(), "(() => { throw new Error('seat map missing'); })()")
	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v (%T), want *ScriptError", err, err)
	}
	if !strings.Contains(se.Error(), "seat map missing") {
		t.Errorf("ScriptError = %q, want the thrown message", se.Error())
	}
}

func TestRodPage_EvalHonorsContext(t *testing.T) {
	page, _ := setupIntegrationPage(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := page.Eval(ctx, "new Promise(() => {})")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("pending promise error = %v, want context.DeadlineExceeded", err)
	}
	var se *ScriptError
	if errors.As(err, &se) {
		t.Errorf("deadline reported as a script failure: %v", err)
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if _, err := page.Eval(cancelled, "1"); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled context error = %v, want context.Canceled", err)
	}
}

func TestRodPage_EvalOnClosedPage(t *testing.T) {
	page, _ := setupIntegrationPage(t)
	if err := page.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := page.Eval(ctx, "1"); err == nil {
		t.Error("Eval on a closed page succeeded, want an error")
	}
}

func TestRodPage_FormInteraction(t *testing.T) {
	page, url := setupIntegrationPage(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if !strings.HasPrefix(page.URL(), url) {
		t.Errorf("URL() = %q, want prefix %q", page.URL(), url)
	}

	if err := page.Input(ctx, "#name", "cinepyle"); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if err := page.Click(ctx, "#go"); err != nil {
		t.Fatalf("Click: %v", err)
	}
	raw, err := page.Eval(ctx, "document.title")
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if string(raw) != `"hello cinepyle"` {
		t.Errorf("title = %s, want the input to replace the placeholder", raw)
	}

	html, err := page.HTML(ctx)
	if err != nil {
		t.Fatalf("HTML: %v", err)
	}
	if !strings.Contains(html, `id="go"`) {
		t.Errorf("HTML missing the button:\n%s", html)
	}

	png := []byte("\x89PNG")
	shot, err := page.Screenshot(ctx)
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if !bytes.HasPrefix(shot, png) {
		t.Errorf("Screenshot is not a PNG (%d bytes)", len(shot))
	}
	el, err := page.ElementScreenshot(ctx, "#go")
	if err != nil {
		t.Fatalf("ElementScreenshot: %v", err)
	}
	if !bytes.HasPrefix(el, png) {
		t.Errorf("ElementScreenshot is not a PNG (%d bytes)", len(el))
	}
}

func TestRodPage_MissingSelectorIsBounded(t *testing.T) {
	page, _ := setupIntegrationPage(t)
	page = WithStepTimeout(page, 300*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- page.Click(context.Background(), "#no-such-button") }()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("error = %v, want context.DeadlineExceeded", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("click on a missing selector did not return")
	}
}
