package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stephen-kim/cinepyle/internal/booking"
	"github.com/stephen-kim/cinepyle/internal/browser"
	"github.com/stephen-kim/cinepyle/internal/config"
	"github.com/stephen-kim/cinepyle/internal/intent"
	"github.com/stephen-kim/cinepyle/internal/llm"
	"github.com/stephen-kim/cinepyle/internal/storage"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Saturday 2026-03-14, noon in Seoul.
func newClock() *mockClock {
	return &mockClock{now: time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)}
}

type stubPage struct{}

func (stubPage) Navigate(context.Context, string) error { return nil }
func (stubPage) Eval(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage("true"), nil
}
func (stubPage) HTML(context.Context) (string, error)                      { return "", nil }
func (stubPage) Screenshot(context.Context) ([]byte, error)                { return []byte("png"), nil }
func (stubPage) ElementScreenshot(context.Context, string) ([]byte, error) { return []byte("img"), nil }
func (stubPage) Click(context.Context, string) error                       { return nil }
func (stubPage) Input(context.Context, string, string) error               { return nil }
func (stubPage) URL() string                                               { return "https://example.test/checkout" }
func (stubPage) Close() error                                              { return nil }

type stubOpener struct{}

func (stubOpener) NewPage(context.Context) (browser.Page, error) { return stubPage{}, nil }

func newPool(size int) *browser.Pool {
	return browser.NewPool(stubOpener{}, browser.PoolOptions{Size: size, AcquireTimeout: 50 * time.Millisecond})
}

// fakeAdapter scripts a chain site.
type fakeAdapter struct {
	chain string

	challenge   bool
	answer      string
	blockLogin  bool
	showtimes   []booking.Showtime
	listErr     error
	listDelay   time.Duration
	openErr     error
	checkoutErr error

	mu          sync.Mutex
	inflight    int
	maxInflight int
}

func (f *fakeAdapter) Chain() string { return f.chain }

func (f *fakeAdapter) Login(ctx context.Context, page browser.Page, creds config.Credentials) (*booking.Challenge, error) {
	if f.blockLogin {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.challenge {
		return &booking.Challenge{Image: []byte("captcha")}, nil
	}
	return nil, nil
}

func (f *fakeAdapter) SubmitCaptcha(ctx context.Context, page browser.Page, answer string) (bool, error) {
	return answer == f.answer, nil
}

func (f *fakeAdapter) ListShowtimes(ctx context.Context, page browser.Page, theaterID, date string) ([]booking.Showtime, error) {
	f.mu.Lock()
	f.inflight++
	f.maxInflight = max(f.maxInflight, f.inflight)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if f.listDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.listDelay):
		}
	}
	return f.showtimes, f.listErr
}

func (f *fakeAdapter) OpenShowtime(ctx context.Context, page browser.Page, req booking.ShowtimeRequest) error {
	return f.openErr
}

func (f *fakeAdapter) SelectSeats(ctx context.Context, page browser.Page, count int) ([]string, error) {
	return []string{"F7"}, nil
}

func (f *fakeAdapter) Checkout(ctx context.Context, page browser.Page, method string) (booking.Confirmation, error) {
	if f.checkoutErr != nil {
		return booking.Confirmation{}, f.checkoutErr
	}
	return booking.Confirmation{Chain: f.chain, Method: "신용카드", Screenshot: []byte("png")}, nil
}

// recorder is a Notifier that signals each message.
type recorder struct {
	mu   sync.Mutex
	msgs []Outbound
	ch   chan Outbound
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Outbound, 64)}
}

func (r *recorder) Notify(id string, msgs ...Outbound) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msgs...)
	r.mu.Unlock()
	for _, m := range msgs {
		r.ch <- m
	}
}

// next waits for a message matching ok.
func (r *recorder) next(t *testing.T, ok func(Outbound) bool) Outbound {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-r.ch:
			if ok(m) {
				return m
			}
		case <-timeout:
			t.Fatal("timed out waiting for notification")
			return Outbound{}
		}
	}
}

// mockCompleter replays scripted responses; the last one repeats.
type mockCompleter struct {
	mu        sync.Mutex
	responses []llm.Response
	requests  []llm.Request
}

func (m *mockCompleter) Available() bool { return true }

func (m *mockCompleter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	m.requests = append(m.requests, req)
	i := min(len(m.requests)-1, len(m.responses)-1)
	return m.responses[i], nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.UpsertTheaters([]storage.Theater{
		{Chain: "cgv", ID: "0013", Name: "CGV용산아이파크몰", Region: "서울"},
		{Chain: "megabox", ID: "1372", Name: "메가박스 코엑스", Region: "서울"},
	}); err != nil {
		t.Fatalf("UpsertTheaters: %v", err)
	}
	return s
}

type fixture struct {
	o       *Orchestrator
	adapter *fakeAdapter
	pool    *browser.Pool
	notes   *recorder
	clock   *mockClock
}

type fixtureOptions struct {
	completer intent.Completer
	preferred []config.PreferredTheater
	poolSize  int
}

func newFixture(t *testing.T, adapter *fakeAdapter, fo fixtureOptions) *fixture {
	t.Helper()
	dir := NewStoreDirectory(openTestStore(t))
	clock := newClock()
	if fo.poolSize == 0 {
		fo.poolSize = 2
	}
	pool := newPool(fo.poolSize)
	notes := newRecorder()

	o := New(Deps{
		Extractor: intent.NewExtractor(fo.completer, intent.NewKeyword(dir), intent.Options{}),
		Directory: dir,
		Adapters:  booking.NewRegistry(adapter),
		Pool:      pool,
		Notifier:  notes,
	}, Options{
		Preferred: fo.preferred,
		Clock:     clock,
	})
	t.Cleanup(o.Close)
	return &fixture{o: o, adapter: adapter, pool: pool, notes: notes, clock: clock}
}

func (f *fixture) send(t *testing.T, id, msg string) []Outbound {
	t.Helper()
	out, err := f.o.HandleMessage(context.Background(), id, Inbound{Text: msg})
	if err != nil {
		t.Fatalf("HandleMessage(%q): %v", msg, err)
	}
	return out
}

func (f *fixture) state(t *testing.T, id string) string {
	t.Helper()
	st, ok := f.o.State(id)
	if !ok {
		return "unknown"
	}
	return string(st)
}

// active returns the conversation's running session.
func (f *fixture) active(t *testing.T, id string) *activeSession {
	t.Helper()
	c := f.o.conversation(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		t.Fatal("no active session")
	}
	return c.active
}

func waitDone(t *testing.T, a *activeSession) {
	t.Helper()
	select {
	case <-a.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func joined(out []Outbound) string {
	var s string
	for _, o := range out {
		s += o.Text + o.Caption + "\n"
	}
	return s
}
