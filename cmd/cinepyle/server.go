package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/stephen-kim/cinepyle/internal/api"
	"github.com/stephen-kim/cinepyle/internal/booking"
	"github.com/stephen-kim/cinepyle/internal/browser"
	"github.com/stephen-kim/cinepyle/internal/captcha"
	"github.com/stephen-kim/cinepyle/internal/config"
	"github.com/stephen-kim/cinepyle/internal/healing"
	"github.com/stephen-kim/cinepyle/internal/intent"
	"github.com/stephen-kim/cinepyle/internal/llm"
	"github.com/stephen-kim/cinepyle/internal/logging"
	"github.com/stephen-kim/cinepyle/internal/orchestrator"
	"github.com/stephen-kim/cinepyle/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the cinepyle server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running cinepyle server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cinepyle system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "cinepyle.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func apiToken(cfg config.Config) (string, error) {
	if cfg.Server.APIToken != "" {
		return cfg.Server.APIToken, nil
	}
	return config.GetAPIToken(config.NewKeychain())
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "cinepyle version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	logger := logging.New("server")

	token, err := apiToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logger.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("cinepyle is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("cinepyle is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	// A storage that cannot open or migrate is fatal.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Extraction engine.
	catalog, err := healing.LoadRegistry()
	if err != nil {
		return fmt.Errorf("loading strategy catalog: %w", err)
	}
	strategies := healing.NewStore(store, healing.StoreOptions{
		StaleWindow:    cfg.Healing.StaleWindow,
		StaleThreshold: cfg.Healing.StaleThreshold,
	})
	router := llm.FromConfig(cfg.LLM, nil)
	if router.Available() {
		logger.Info("LLM providers configured", "providers", strings.Join(router.Names(), ","))
	} else {
		logger.Warn("no LLM provider configured; using keyword slot filling and built-in strategies only")
	}
	engine := healing.NewEngine(strategies, catalog, router, healing.Options{
		RetryBudget:      cfg.Healing.RetryBudget,
		Cooldown:         config.Duration("healing.cooldown", cfg.Healing.Cooldown, 10*time.Minute),
		StepTimeout:      config.Duration("browser.step_timeout", cfg.Browser.StepTimeout, 15*time.Second),
		LLMTimeout:       config.Duration("llm.timeout", cfg.LLM.Timeout, 30*time.Second),
		SnapshotMaxChars: cfg.Healing.SnapshotMaxChars,
	})

	// Browser pool.
	chrome := browser.NewManager(browser.ManagerConfig{
		RemoteURL: cfg.Browser.RemoteURL,
		Headless:  cfg.Browser.Headless,
	})
	defer chrome.Close()
	pool := browser.NewPool(chrome, browser.PoolOptions{
		Size:           cfg.Browser.PoolSize,
		AcquireTimeout: config.Duration("browser.acquire_timeout", cfg.Browser.AcquireTimeout, 10*time.Second),
	})

	// Conversation core.
	directory := orchestrator.NewStoreDirectory(store)
	extractor := intent.NewExtractor(router, intent.NewKeyword(directory), intent.Options{
		MaxToolRounds: cfg.Booking.MaxToolRounds,
		Logger:        logging.New("intent"),
	})
	var vision captcha.Solver
	if router.Available() {
		vision = captcha.NewVisionSolver(router, config.Duration("llm.timeout", cfg.LLM.Timeout, 30*time.Second), logging.New("captcha"))
	}
	adapters := booking.DefaultRegistry(engine, catalog, booking.SiteOptions{
		NavTimeout: config.Duration("browser.nav_timeout", cfg.Browser.NavTimeout, 30*time.Second),
		Settle:     500 * time.Millisecond,
	})
	outbox := orchestrator.NewOutbox(0)
	orch := orchestrator.New(orchestrator.Deps{
		Extractor: extractor,
		Directory: directory,
		Adapters:  adapters,
		Pool:      pool,
		Vision:    vision,
		Notifier:  outbox,
	}, orchestrator.Options{
		SessionTimeout:     config.Duration("booking.session_timeout", cfg.Booking.SessionTimeout, 5*time.Minute),
		CaptchaMaxAttempts: cfg.Booking.CaptchaMaxAttempts,
		SeatCount:          cfg.Booking.SeatCount,
		PaymentMethod:      cfg.Booking.PaymentMethod,
		StepTimeout:        config.Duration("browser.step_timeout", cfg.Browser.StepTimeout, 15*time.Second),
		Credentials:        cfg.Chains,
		Preferred:          cfg.Preferences.PreferredTheaters(),
	})
	defer orch.Close()

	sweeper := orchestrator.NewSweeper(orch, orchestrator.SweeperOptions{})
	go sweeper.Run(ctx)

	// Transports.
	deps := api.Deps{
		Conversations: orch,
		Outbox:        outbox,
		Strategies:    strategies,
		Theaters:      directory,
	}
	var mcpHandler http.Handler
	if cfg.Server.MCPEnabled {
		mcpHandler = server.NewStreamableHTTPServer(api.NewMCPServer(deps, version))
		logger.Info("MCP server mounted", "path", "/mcp")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(deps, token, mcpHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "cinepyle listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("cinepyle is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop cinepyle (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to cinepyle (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		running = true
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	providers := cfg.LLM.PriorityList()
	router := llm.FromConfig(cfg.LLM, nil)
	printStatus("LLM providers", "%s (configured: %s)", strings.Join(providers, " > "), orNone(router.Names()))
	printStatus("Browser", "pool of %d, %s", cfg.Browser.PoolSize, browserMode(cfg.Browser))
	for _, chain := range []string{"cgv", "lotte", "megabox", "cineq"} {
		login := "guest"
		if !cfg.Chains.For(chain).Empty() {
			login = "logged in"
		}
		printStatus("  "+chain, "%s", login)
	}

	if running {
		if token, err := apiToken(cfg); err == nil {
			c := &apiClient{baseURL: serverURL, token: token, httpClient: client}
			if resp, err := c.get(context.Background(), "/v1/strategies?stale=true"); err == nil {
				var stale []api.StrategyView
				if decodeJSON(resp, &stale) == nil {
					printStatus("Stale strategies", "%d", len(stale))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func orNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

func browserMode(b config.BrowserConfig) string {
	switch {
	case b.RemoteURL != "":
		return "remote " + b.RemoteURL
	case b.Headless:
		return "headless"
	default:
		return "headed"
	}
}
