// Package browser owns the headless Chrome process and hands out pages from
// a size-bounded pool.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/stephen-kim/cinepyle/internal/logging"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	defaultLocale   = "ko-KR"
	defaultTimezone = "Asia/Seoul"
)

// ManagerConfig configures the Chrome process.
type ManagerConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty launches a local Chrome via launcher.
	RemoteURL string
	Headless  bool
	UserAgent string
	Logger    *slog.Logger
}

func (c *ManagerConfig) defaults() {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Logger == nil {
		c.Logger = logging.New("browser")
	}
}

// Manager lazily launches one shared Chrome and opens stealth pages on it.
// It implements Opener.
type Manager struct {
	cfg     ManagerConfig
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager creates a Manager. Chrome starts on the first NewPage call.
func NewManager(cfg ManagerConfig) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// NewPage opens a fresh page with stealth patches, the Korean locale, the
// Seoul timezone and a desktop viewport.
func (m *Manager) NewPage(ctx context.Context) (Page, error) {
	b, err := m.ensure()
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create page: %w", err)
	}
	if err := m.emulate(page.Context(ctx)); err != nil {
		page.Close()
		return nil, err
	}
	return &rodPage{page: page}, nil
}

func (m *Manager) emulate(page *rod.Page) error {
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width: 1280, Height: 720, DeviceScaleFactor: 1,
	}).Call(page); err != nil {
		return fmt.Errorf("browser: set viewport: %w", err)
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      m.cfg.UserAgent,
		AcceptLanguage: "ko-KR,ko;q=0.9,en;q=0.8",
		Platform:       "MacIntel",
	}); err != nil {
		return fmt.Errorf("browser: set user agent: %w", err)
	}
	if err := (proto.EmulationSetTimezoneOverride{TimezoneID: defaultTimezone}).Call(page); err != nil {
		m.cfg.Logger.Warn("browser: timezone override failed", "error", err)
	}
	if err := (proto.EmulationSetLocaleOverride{Locale: defaultLocale}).Call(page); err != nil {
		m.cfg.Logger.Warn("browser: locale override failed", "error", err)
	}
	return nil
}

// ensure returns the connected browser, relaunching it if the previous
// process went away.
func (m *Manager) ensure() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return m.browser, nil
		}
		m.cfg.Logger.Warn("browser: connection lost, relaunching")
		m.cleanup()
	}

	b, err := m.launch()
	if err != nil {
		return nil, err
	}
	m.browser = b
	return b, nil
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger

	wsURL := m.cfg.RemoteURL
	if wsURL != "" {
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(m.cfg.Headless).
			Set("disable-blink-features", "AutomationControlled").
			Set("no-sandbox").
			Set("disable-dev-shm-usage").
			Set("disable-gpu")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "headless", m.cfg.Headless)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

// Close shuts down Chrome.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}
