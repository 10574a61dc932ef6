package booking

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stephen-kim/cinepyle/internal/browser"
	"github.com/stephen-kim/cinepyle/internal/healing"
	"github.com/stephen-kim/cinepyle/internal/slots"
)

// fakePage simulates a chain site. A click leaves the login page unless a
// CAPTCHA answer is expected and the typed one differs.
type fakePage struct {
	mu          sync.Mutex
	url         string
	navigations []string
	inputs      map[string]string
	clicks      []string
	evals       int
	closed      int

	captchaShown  bool
	captchaAnswer string
	inputErr      error
	shotErr       error
	// inputBlocks makes Input wait for its context, like a rod element
	// lookup for a selector the page no longer has.
	inputBlocks bool
}

func newFakePage() *fakePage {
	return &fakePage{url: "about:blank", inputs: make(map[string]string)}
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	p.navigations = append(p.navigations, url)
	p.url = url
	return nil
}

func (p *fakePage) Eval(ctx context.Context, script string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.evals++
	if strings.Contains(script, "!== null") {
		shown := p.captchaShown && strings.Contains(script, "captcha")
		return json.RawMessage(map[bool]string{true: "true", false: "false"}[shown]), nil
	}
	return json.RawMessage("true"), nil
}

func (p *fakePage) HTML(context.Context) (string, error) { return "<html></html>", nil }

func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	if p.shotErr != nil {
		return nil, p.shotErr
	}
	return []byte("png"), nil
}

func (p *fakePage) ElementScreenshot(context.Context, string) ([]byte, error) {
	return []byte("captcha-png"), nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks = append(p.clicks, selector)
	if p.captchaAnswer != "" && p.typedCaptcha() != p.captchaAnswer {
		return nil
	}
	p.url = "https://example.test/main"
	return nil
}

func (p *fakePage) typedCaptcha() string {
	for sel, v := range p.inputs {
		if strings.Contains(sel, "captcha") {
			return v
		}
	}
	return ""
}

func (p *fakePage) Input(ctx context.Context, selector, text string) error {
	if p.inputBlocks {
		<-ctx.Done()
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inputErr != nil {
		return p.inputErr
	}
	p.inputs[selector] = text
	return nil
}

func (p *fakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

type pageOpener struct {
	page *fakePage
}

func (o pageOpener) NewPage(context.Context) (browser.Page, error) { return o.page, nil }

// fakeExtractor returns canned results by task name. A missing result is
// an ExtractionFailed.
type fakeExtractor struct {
	mu      sync.Mutex
	results map[string]string
	tasks   []healing.Task
	before  func(name string)
}

func (f *fakeExtractor) Extract(ctx context.Context, page browser.Page, task healing.Task) (healing.Outcome, error) {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	hook := f.before
	raw, ok := f.results[task.Name]
	f.mu.Unlock()

	if hook != nil {
		hook(task.Name)
	}
	if err := ctx.Err(); err != nil {
		return healing.Outcome{}, err
	}
	if !ok {
		return healing.Outcome{}, &healing.ExtractionFailed{Site: task.Site, Task: task.Name, Tiers: []healing.TierResult{
			{Tier: healing.TierCached, Status: healing.StatusMiss},
		}}
	}
	return healing.Outcome{Tier: healing.TierHardcoded, Raw: json.RawMessage(raw)}, nil
}

func happyResults() map[string]string {
	return map[string]string{
		"date-list":       `[{"date":"2026-03-20","label":"20 금"}]`,
		"showtime-list":   `[{"movie":"인터스텔라","time":"19:00","screen":"3관","seats_left":54},{"movie":"인터스텔라","time":"21:30"}]`,
		"seat-list":       `[{"seat":"F6"},{"seat":"F7"},{"seat":"F8"}]`,
		"payment-methods": `[{"name":"신용카드"},{"name":"카카오페이"}]`,
	}
}

type fakeSolver struct {
	answers []string
	calls   int
}

func (s *fakeSolver) Solve(ctx context.Context, image []byte) (string, error) {
	i := s.calls
	if i >= len(s.answers) {
		i = len(s.answers) - 1
	}
	s.calls++
	return s.answers[i], nil
}

type fakeHuman struct {
	answer string
	asked  int
}

func (h *fakeHuman) AskCaptcha(ctx context.Context, image []byte, attempt int) (string, error) {
	h.asked++
	return h.answer, nil
}

func testCatalog(t *testing.T) *healing.Registry {
	t.Helper()
	reg, err := healing.LoadRegistry()
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	return reg
}

func confirmedMachine(t *testing.T, chain, theaterID string) *slots.Machine {
	t.Helper()
	m := slots.New(slots.Options{})
	var p slots.Patch
	p.Set(slots.SlotChain, chain, "", true)
	p.Set(slots.SlotTheater, "테스트극장", theaterID, true)
	p.Set(slots.SlotMovie, "인터스텔라", "", true)
	p.Set(slots.SlotTime, "19:00", "", true)
	p.Set(slots.SlotDate, "2026-03-20", "", true)
	if _, err := m.Apply(p); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := m.Affirm(); err != nil {
		t.Fatalf("Affirm: %v", err)
	}
	return m
}

func testPool(page *fakePage) *browser.Pool {
	return browser.NewPool(pageOpener{page: page}, browser.PoolOptions{Size: 1, AcquireTimeout: 50 * time.Millisecond})
}
