package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Page is the automation port the rest of the system drives. Scripts passed
// to Eval run inside the page's JavaScript context only.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// Eval runs a script expression (typically an IIFE) and returns its
	// JSON-encoded value. A thrown exception is returned as *ScriptError.
	Eval(ctx context.Context, script string) (json.RawMessage, error)
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	ElementScreenshot(ctx context.Context, selector string) ([]byte, error)
	Click(ctx context.Context, selector string) error
	Input(ctx context.Context, selector, text string) error
	URL() string
	Close() error
}

// ScriptError reports an exception raised by a page script.
type ScriptError struct {
	Err error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("page script failed: %v", e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// rodPage adapts a Rod page to Page.
type rodPage struct {
	page *rod.Page
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	if err := p.page.Context(ctx).Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := p.page.Context(ctx).WaitLoad(); err != nil {
		return fmt.Errorf("browser: wait load %s: %w", url, err)
	}
	return nil
}

func (p *rodPage) Eval(ctx context.Context, script string) (raw json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ScriptError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	script = strings.TrimRight(strings.TrimSpace(script), ";")
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           "() => (" + script + ")",
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ScriptError{Err: err}
	}
	if res == nil {
		return json.RawMessage("null"), nil
	}
	b, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("browser: encoding script result: %w", err)
	}
	return b, nil
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	res, err := p.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	return res.Value.Str(), nil
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	b, err := p.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return b, nil
}

func (p *rodPage) ElementScreenshot(ctx context.Context, selector string) ([]byte, error) {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: find %s: %w", selector, err)
	}
	b, err := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot %s: %w", selector, err)
	}
	return b, nil
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("browser: find %s: %w", selector, err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Input(ctx context.Context, selector, text string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("browser: find %s: %w", selector, err)
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("browser: clear %s: %w", selector, err)
	}
	return el.Input(text)
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil || info == nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Close() error {
	return p.page.Close()
}
