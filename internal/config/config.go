package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Log         LogConfig
	LLM         LLMConfig
	Browser     BrowserConfig
	Healing     HealingConfig
	Booking     BookingConfig
	Chains      ChainsConfig
	Preferences PreferencesConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
	APIToken   string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

// LLMConfig configures the interchangeable LLM providers. Priority is a
// comma-separated list of provider names tried in order.
type LLMConfig struct {
	Priority string
	Timeout  string

	OpenRouterAPIKey      string
	OpenRouterModel       string
	OpenRouterVisionModel string

	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIVisionModel string

	OllamaBaseURL     string
	OllamaModel       string
	OllamaVisionModel string
}

type BrowserConfig struct {
	PoolSize       int
	AcquireTimeout string
	NavTimeout     string
	StepTimeout    string
	RemoteURL      string
	Headless       bool
}

type HealingConfig struct {
	RetryBudget      int
	StaleThreshold   float64
	StaleWindow      int
	Cooldown         string
	SnapshotMaxChars int
}

type BookingConfig struct {
	SessionTimeout     string
	CaptchaMaxAttempts int
	MaxToolRounds      int
	SeatCount          int
	PaymentMethod      string
}

// Credentials are the login details for one chain's member site.
type Credentials struct {
	ID       string
	Password string
}

// Empty reports whether no login is configured.
func (c Credentials) Empty() bool {
	return c.ID == "" || c.Password == ""
}

type ChainsConfig struct {
	CGV     Credentials
	Lotte   Credentials
	Megabox Credentials
	CineQ   Credentials
}

// For returns the credentials configured for the given chain key.
func (c ChainsConfig) For(chain string) Credentials {
	switch chain {
	case "cgv":
		return c.CGV
	case "lotte":
		return c.Lotte
	case "megabox":
		return c.Megabox
	case "cineq":
		return c.CineQ
	}
	return Credentials{}
}

type PreferencesConfig struct {
	// Theaters is a comma-separated list of chain:theater_id:name entries.
	Theaters string
}

// PreferredTheater is one parsed entry of PreferencesConfig.Theaters.
type PreferredTheater struct {
	Chain string
	ID    string
	Name  string
}

// PreferredTheaters parses the configured preferred theaters, skipping
// malformed entries.
func (p PreferencesConfig) PreferredTheaters() []PreferredTheater {
	var out []PreferredTheater
	for _, entry := range strings.Split(p.Theaters, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring malformed preferred theater %q (want chain:id[:name]).\n", entry)
			continue
		}
		pt := PreferredTheater{Chain: strings.ToLower(parts[0]), ID: parts[1]}
		if len(parts) == 3 {
			pt.Name = parts[2]
		}
		out = append(out, pt)
	}
	return out
}

// PriorityList returns the provider names in configured order.
func (l LLMConfig) PriorityList() []string {
	var out []string
	for _, p := range strings.Split(l.Priority, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Duration parses a duration-valued config string. Bad or non-positive
// values fall back with a warning.
func Duration(key, raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		fmt.Fprintf(os.Stderr, "[WARN] invalid duration for %s=%q. Using default %s.\n", key, raw, fallback)
		return fallback
	}
	return d
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:       4100,
			MCPEnabled: true,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		LLM: LLMConfig{
			Priority:              "openrouter,openai,ollama",
			Timeout:               "30s",
			OpenRouterModel:       "anthropic/claude-3.5-haiku",
			OpenRouterVisionModel: "openai/gpt-4o-mini",
			OpenAIModel:           "gpt-4o-mini",
			OpenAIVisionModel:     "gpt-4o-mini",
			OllamaModel:           "qwen2.5:7b",
			OllamaVisionModel:     "llava",
		},
		Browser: BrowserConfig{
			PoolSize:       3,
			AcquireTimeout: "10s",
			NavTimeout:     "30s",
			StepTimeout:    "15s",
			Headless:       true,
		},
		Healing: HealingConfig{
			RetryBudget:      2,
			StaleThreshold:   0.5,
			StaleWindow:      5,
			Cooldown:         "10m",
			SnapshotMaxChars: 30000,
		},
		Booking: BookingConfig{
			SessionTimeout:     "5m",
			CaptchaMaxAttempts: 3,
			MaxToolRounds:      5,
			SeatCount:          1,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.cinepyle.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/cinepyle/config.json
// and secrets come from environment variables or the secrets file.
//
// Environment variables (CINEPYLE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const keychainService = "cinepyle"

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)
	normalize(&cfg)

	return cfg, nil
}

// applySecrets fills secret keys still empty after env overrides from the
// platform secret store.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if v, _ := s.extract(*cfg).(string); v != "" {
			continue
		}
		if val, err := kc.Get(keychainService, s.key); err == nil && val != "" {
			s.apply(cfg, val)
		}
	}
}

func normalize(cfg *Config) {
	d := defaults()
	if cfg.Browser.PoolSize < 1 {
		fmt.Fprintf(os.Stderr, "[WARN] browser.pool_size must be >= 1, got %d. Using default value.\n", cfg.Browser.PoolSize)
		cfg.Browser.PoolSize = d.Browser.PoolSize
	}
	if cfg.Healing.RetryBudget < 0 {
		cfg.Healing.RetryBudget = d.Healing.RetryBudget
	}
	if cfg.Healing.StaleThreshold <= 0 || cfg.Healing.StaleThreshold > 1 {
		fmt.Fprintf(os.Stderr, "[WARN] healing.stale_threshold must be in (0,1], got %v. Using default value.\n", cfg.Healing.StaleThreshold)
		cfg.Healing.StaleThreshold = d.Healing.StaleThreshold
	}
	if cfg.Healing.StaleWindow < 1 {
		cfg.Healing.StaleWindow = d.Healing.StaleWindow
	}
	if cfg.Booking.CaptchaMaxAttempts < 1 {
		cfg.Booking.CaptchaMaxAttempts = d.Booking.CaptchaMaxAttempts
	}
	if cfg.Booking.MaxToolRounds < 1 {
		cfg.Booking.MaxToolRounds = d.Booking.MaxToolRounds
	}
	if cfg.Booking.SeatCount < 1 {
		cfg.Booking.SeatCount = d.Booking.SeatCount
	}
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainReader) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
