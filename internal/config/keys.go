package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CINEPYLE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "CINEPYLE_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "server.api_token", typ: kString, env: "CINEPYLE_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CINEPYLE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CINEPYLE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "CINEPYLE_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "llm.priority", typ: kString, env: "CINEPYLE_LLM_PRIORITY",
		apply:   func(cfg *Config, v any) { cfg.LLM.Priority = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Priority },
	},
	{
		key: "llm.timeout", typ: kString, env: "CINEPYLE_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.openrouter_api_key", typ: kString, env: "CINEPYLE_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OpenRouterAPIKey },
	},
	{
		key: "llm.openrouter_model", typ: kString, env: "CINEPYLE_OPENROUTER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.OpenRouterModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OpenRouterModel },
	},
	{
		key: "llm.openrouter_vision_model", typ: kString, env: "CINEPYLE_OPENROUTER_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.OpenRouterVisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OpenRouterVisionModel },
	},
	{
		key: "llm.openai_api_key", typ: kString, env: "CINEPYLE_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OpenAIAPIKey },
	},
	{
		key: "llm.openai_model", typ: kString, env: "CINEPYLE_OPENAI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.OpenAIModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OpenAIModel },
	},
	{
		key: "llm.openai_vision_model", typ: kString, env: "CINEPYLE_OPENAI_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.OpenAIVisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OpenAIVisionModel },
	},
	{
		key: "llm.ollama_base_url", typ: kString, env: "CINEPYLE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OllamaBaseURL },
	},
	{
		key: "llm.ollama_model", typ: kString, env: "CINEPYLE_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.OllamaModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OllamaModel },
	},
	{
		key: "llm.ollama_vision_model", typ: kString, env: "CINEPYLE_OLLAMA_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.OllamaVisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OllamaVisionModel },
	},
	{
		key: "browser.pool_size", typ: kInt, env: "CINEPYLE_BROWSER_POOL_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Browser.PoolSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Browser.PoolSize },
	},
	{
		key: "browser.acquire_timeout", typ: kString, env: "CINEPYLE_BROWSER_ACQUIRE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Browser.AcquireTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.AcquireTimeout },
	},
	{
		key: "browser.nav_timeout", typ: kString, env: "CINEPYLE_BROWSER_NAV_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Browser.NavTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.NavTimeout },
	},
	{
		key: "browser.step_timeout", typ: kString, env: "CINEPYLE_BROWSER_STEP_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Browser.StepTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.StepTimeout },
	},
	{
		key: "browser.remote_url", typ: kString, env: "CINEPYLE_BROWSER_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Browser.RemoteURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.RemoteURL },
	},
	{
		key: "browser.headless", typ: kBool, env: "CINEPYLE_BROWSER_HEADLESS",
		apply:   func(cfg *Config, v any) { cfg.Browser.Headless = v.(bool) },
		extract: func(cfg Config) any { return cfg.Browser.Headless },
	},
	{
		key: "healing.retry_budget", typ: kInt, env: "CINEPYLE_HEALING_RETRY_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Healing.RetryBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Healing.RetryBudget },
	},
	{
		key: "healing.stale_threshold", typ: kFloat, env: "CINEPYLE_HEALING_STALE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Healing.StaleThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Healing.StaleThreshold },
	},
	{
		key: "healing.stale_window", typ: kInt, env: "CINEPYLE_HEALING_STALE_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Healing.StaleWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Healing.StaleWindow },
	},
	{
		key: "healing.cooldown", typ: kString, env: "CINEPYLE_HEALING_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Healing.Cooldown = v.(string) },
		extract: func(cfg Config) any { return cfg.Healing.Cooldown },
	},
	{
		key: "healing.snapshot_max_chars", typ: kInt, env: "CINEPYLE_HEALING_SNAPSHOT_MAX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Healing.SnapshotMaxChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Healing.SnapshotMaxChars },
	},
	{
		key: "booking.session_timeout", typ: kString, env: "CINEPYLE_BOOKING_SESSION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Booking.SessionTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Booking.SessionTimeout },
	},
	{
		key: "booking.captcha_max_attempts", typ: kInt, env: "CINEPYLE_BOOKING_CAPTCHA_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Booking.CaptchaMaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Booking.CaptchaMaxAttempts },
	},
	{
		key: "booking.max_tool_rounds", typ: kInt, env: "CINEPYLE_BOOKING_MAX_TOOL_ROUNDS",
		apply:   func(cfg *Config, v any) { cfg.Booking.MaxToolRounds = v.(int) },
		extract: func(cfg Config) any { return cfg.Booking.MaxToolRounds },
	},
	{
		key: "booking.seat_count", typ: kInt, env: "CINEPYLE_BOOKING_SEAT_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Booking.SeatCount = v.(int) },
		extract: func(cfg Config) any { return cfg.Booking.SeatCount },
	},
	{
		key: "booking.payment_method", typ: kString, env: "CINEPYLE_BOOKING_PAYMENT_METHOD",
		apply:   func(cfg *Config, v any) { cfg.Booking.PaymentMethod = v.(string) },
		extract: func(cfg Config) any { return cfg.Booking.PaymentMethod },
	},
	{
		key: "chains.cgv.id", typ: kString, env: "CINEPYLE_CGV_ID",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Chains.CGV.ID = v.(string) },
		extract: func(cfg Config) any { return cfg.Chains.CGV.ID },
	},
	{
		key: "chains.cgv.password", typ: kString, env: "CINEPYLE_CGV_PASSWORD",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Chains.CGV.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Chains.CGV.Password },
	},
	{
		key: "chains.lotte.id", typ: kString, env: "CINEPYLE_LOTTE_ID",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Chains.Lotte.ID = v.(string) },
		extract: func(cfg Config) any { return cfg.Chains.Lotte.ID },
	},
	{
		key: "chains.lotte.password", typ: kString, env: "CINEPYLE_LOTTE_PASSWORD",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Chains.Lotte.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Chains.Lotte.Password },
	},
	{
		key: "chains.megabox.id", typ: kString, env: "CINEPYLE_MEGABOX_ID",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Chains.Megabox.ID = v.(string) },
		extract: func(cfg Config) any { return cfg.Chains.Megabox.ID },
	},
	{
		key: "chains.megabox.password", typ: kString, env: "CINEPYLE_MEGABOX_PASSWORD",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Chains.Megabox.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Chains.Megabox.Password },
	},
	{
		key: "chains.cineq.id", typ: kString, env: "CINEPYLE_CINEQ_ID",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Chains.CineQ.ID = v.(string) },
		extract: func(cfg Config) any { return cfg.Chains.CineQ.ID },
	},
	{
		key: "chains.cineq.password", typ: kString, env: "CINEPYLE_CINEQ_PASSWORD",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Chains.CineQ.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Chains.CineQ.Password },
	},
	{
		key: "preferences.theaters", typ: kString, env: "CINEPYLE_PREFERRED_THEATERS",
		apply:   func(cfg *Config, v any) { cfg.Preferences.Theaters = v.(string) },
		extract: func(cfg Config) any { return cfg.Preferences.Theaters },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
