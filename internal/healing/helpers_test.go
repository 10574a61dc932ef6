package healing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stephen-kim/cinepyle/internal/browser"
	"github.com/stephen-kim/cinepyle/internal/llm"
	"github.com/stephen-kim/cinepyle/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakePage answers Eval by looking up the trimmed script. Unknown scripts
// return null.
type fakePage struct {
	mu      sync.Mutex
	html    string
	results map[string]string
	errs    map[string]error
	evals   []string
}

func newFakePage(results map[string]string) *fakePage {
	return &fakePage{
		html:    `<html><body><div class="schedule"><span>인터스텔라</span><button>19:00</button></div></body></html>`,
		results: results,
		errs:    map[string]error{},
	}
}

func (p *fakePage) Navigate(context.Context, string) error { return nil }

func (p *fakePage) Eval(ctx context.Context, script string) (json.RawMessage, error) {
	key := strings.TrimSpace(script)
	p.mu.Lock()
	p.evals = append(p.evals, key)
	err := p.errs[key]
	res, ok := p.results[key]
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(res), nil
}

func (p *fakePage) evaluated(script string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.evals {
		if s == script {
			n++
		}
	}
	return n
}

func (p *fakePage) HTML(context.Context) (string, error)                      { return p.html, nil }
func (p *fakePage) Screenshot(context.Context) ([]byte, error)                { return nil, nil }
func (p *fakePage) ElementScreenshot(context.Context, string) ([]byte, error) { return nil, nil }
func (p *fakePage) Click(context.Context, string) error                       { return nil }
func (p *fakePage) Input(context.Context, string, string) error               { return nil }
func (p *fakePage) URL() string                                               { return "https://example.test/" }
func (p *fakePage) Close() error                                              { return nil }

var _ browser.Page = (*fakePage)(nil)

// fakeCompleter returns scripted replies in order and records prompts.
type fakeCompleter struct {
	mu      sync.Mutex
	replies []string
	err     error
	delay   time.Duration
	prompts []string
}

func (c *fakeCompleter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, req.Messages[len(req.Messages)-1].Content)
	if c.err != nil {
		return llm.Response{}, c.err
	}
	if len(c.replies) == 0 {
		return llm.Response{}, errors.New("no scripted reply")
	}
	reply := c.replies[0]
	if len(c.replies) > 1 {
		c.replies = c.replies[1:]
	}
	return llm.Response{Text: reply, Provider: "fake"}, nil
}

func (c *fakeCompleter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

const testRegistryYAML = `site: testsite
tasks:
  date-list:
    url: https://example.test/schedule?theater={theater}
    description: dates
    shape: {kind: list, fields: [date]}
    body: HARD_DATES
  showtime-list:
    url: https://example.test/schedule?theater={theater}
    description: showtimes
    shape: {kind: list, fields: [movie, time], allow_empty: true}
    reference: date-list
    example: '[{"movie": "인터스텔라", "time": "19:00"}]'
    body: HARD_SHOWTIMES
  movie-title:
    description: title
    shape: {kind: string}
`

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(fstest.MapFS{
		"testsite.yaml": &fstest.MapFile{Data: []byte(testRegistryYAML)},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func testTask(t *testing.T, r *Registry, name string) Task {
	t.Helper()
	task, err := r.Task("testsite", name, map[string]string{"theater": "0013"})
	if err != nil {
		t.Fatalf("Task(%s): %v", name, err)
	}
	return task
}

// fakeClock is a settable clock for cooldown tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const threeShowtimes = `[{"movie":"인터스텔라","time":"19:00"},{"movie":"인터스텔라","time":"21:30"},{"movie":"듄: 파트2","time":"20:10"}]`
