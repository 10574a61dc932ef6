package browser

import (
	"context"
	"encoding/json"
	"time"
)

// WithStepTimeout bounds every call on p except Navigate, which callers
// bound with their own navigation deadline. Rod element lookups retry for
// as long as their context lives, so an unbounded Click on a selector that
// no longer exists would hold the page forever. A non-positive d returns p.
func WithStepTimeout(p Page, d time.Duration) Page {
	if d <= 0 || p == nil {
		return p
	}
	if tp, ok := p.(*timedPage); ok {
		p = tp.Page
	}
	return &timedPage{Page: p, timeout: d}
}

type timedPage struct {
	Page
	timeout time.Duration
}

func (p *timedPage) Eval(ctx context.Context, script string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.Page.Eval(ctx, script)
}

func (p *timedPage) HTML(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.Page.HTML(ctx)
}

func (p *timedPage) Screenshot(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.Page.Screenshot(ctx)
}

func (p *timedPage) ElementScreenshot(ctx context.Context, selector string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.Page.ElementScreenshot(ctx, selector)
}

func (p *timedPage) Click(ctx context.Context, selector string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.Page.Click(ctx, selector)
}

func (p *timedPage) Input(ctx context.Context, selector, text string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.Page.Input(ctx, selector, text)
}
