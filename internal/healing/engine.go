package healing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stephen-kim/cinepyle/internal/browser"
	"github.com/stephen-kim/cinepyle/internal/htmltrim"
	"github.com/stephen-kim/cinepyle/internal/llm"
	"github.com/stephen-kim/cinepyle/internal/logging"
	"github.com/stephen-kim/cinepyle/internal/storage"
)

// Options configures an Engine. Zero durations and sizes take the defaults.
type Options struct {
	// RetryBudget is how many extra generation attempts follow a rejected one.
	RetryBudget      int
	Cooldown         time.Duration
	StepTimeout      time.Duration
	LLMTimeout       time.Duration
	SnapshotMaxChars int
	Logger           *slog.Logger
	// Now is the clock for cooldowns.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.RetryBudget < 0 {
		o.RetryBudget = 0
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 10 * time.Minute
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 15 * time.Second
	}
	if o.LLMTimeout <= 0 {
		o.LLMTimeout = 30 * time.Second
	}
	if o.SnapshotMaxChars <= 0 {
		o.SnapshotMaxChars = htmltrim.DefaultMaxChars
	}
	if o.Logger == nil {
		o.Logger = logging.New("healing")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine runs extraction tasks through the cached, hardcoded and generated
// tiers and stops at the first result that validates.
type Engine struct {
	store    *Store
	registry *Registry
	llm      Completer
	opts     Options
	logger   *slog.Logger

	group singleflight.Group

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// NewEngine creates an Engine. completer may be nil, in which case the
// generated tier is always skipped.
func NewEngine(store *Store, registry *Registry, completer Completer, opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		store:     store,
		registry:  registry,
		llm:       completer,
		opts:      opts,
		logger:    opts.Logger,
		cooldowns: make(map[string]time.Time),
	}
}

// Registry returns the task catalog.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Extract runs task against page, which must already show task.URL.
// When every tier fails the error is *ExtractionFailed.
func (e *Engine) Extract(ctx context.Context, page browser.Page, task Task) (Outcome, error) {
	var tiers []TierResult
	var lastBody string

	// Tier 1: cached.
	cached, err := e.store.Get(ctx, task.Site, task.Name)
	switch {
	case err == nil:
		lastBody = cached.Body
		out, mismatch := e.run(ctx, page, task, TierCached, cached.Body)
		e.record(ctx, task, cached.Version, TierCached, mismatch)
		if mismatch == nil {
			out.Version = cached.Version
			out.Tiers = append(tiers, TierResult{Tier: TierCached, Status: StatusOK})
			return out, nil
		}
		tiers = append(tiers, failedTier(TierCached, mismatch))
	case errors.Is(err, storage.ErrNotFound):
		tiers = append(tiers, TierResult{Tier: TierCached, Status: StatusMiss})
	default:
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		e.logger.Warn("reading cached strategy", "site", task.Site, "task", task.Name, "error", err)
		tiers = append(tiers, TierResult{Tier: TierCached, Status: StatusError, Reason: err.Error()})
	}

	// Tier 2: hardcoded.
	if body, ok := e.registry.Body(task.Site, task.Name); ok {
		if lastBody == "" {
			lastBody = body
		}
		out, mismatch := e.run(ctx, page, task, TierHardcoded, body)
		e.record(ctx, task, 0, TierHardcoded, mismatch)
		if mismatch == nil {
			out.Tiers = append(tiers, TierResult{Tier: TierHardcoded, Status: StatusOK})
			return out, nil
		}
		tiers = append(tiers, failedTier(TierHardcoded, mismatch))
	} else {
		tiers = append(tiers, TierResult{Tier: TierHardcoded, Status: StatusMiss})
	}

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	// Tier 3: generated.
	switch {
	case !e.canGenerate():
		tiers = append(tiers, TierResult{Tier: TierGenerated, Status: StatusSkippedNoProvider})
	case e.onCooldown(task.Key()):
		tiers = append(tiers, TierResult{Tier: TierGenerated, Status: StatusSkippedCooldown})
	default:
		out, result := e.generated(ctx, page, task, lastBody)
		if result.Status == StatusOK {
			out.Tiers = append(tiers, result)
			return out, nil
		}
		tiers = append(tiers, result)
	}

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	return Outcome{}, &ExtractionFailed{Site: task.Site, Task: task.Name, Tiers: tiers}
}

// generation is what the singleflight leader hands to every caller.
type generation struct {
	strategy Strategy
	outcome  Outcome
}

func (e *Engine) generated(ctx context.Context, page browser.Page, task Task, failedBody string) (Outcome, TierResult) {
	leader := false
	v, err, _ := e.group.Do(task.Key(), func() (any, error) {
		leader = true
		return e.generate(ctx, page, task, failedBody)
	})
	if err != nil {
		var mismatch *ValidationMismatch
		if errors.As(err, &mismatch) {
			return Outcome{}, failedTier(TierGenerated, mismatch)
		}
		return Outcome{}, TierResult{Tier: TierGenerated, Status: string(FailGeneration), Reason: err.Error()}
	}

	gen := v.(generation)
	if leader {
		return gen.outcome, TierResult{Tier: TierGenerated, Status: StatusOK}
	}

	// A shared strategy still has to validate against this caller's page.
	out, mismatch := e.run(ctx, page, task, TierGenerated, gen.strategy.Body)
	if gen.strategy.Version > 0 {
		e.record(ctx, task, gen.strategy.Version, TierGenerated, mismatch)
	}
	if mismatch != nil {
		return Outcome{}, failedTier(TierGenerated, mismatch)
	}
	out.Version = gen.strategy.Version
	return out, TierResult{Tier: TierGenerated, Status: StatusOK}
}

// generate asks the LLM for a new script, retrying with feedback, and
// persists the first one that validates. A failed round starts the
// cooldown for the key. A script that validates but cannot be stored is
// still served, with version 0.
func (e *Engine) generate(ctx context.Context, page browser.Page, task Task, failedBody string) (generation, error) {
	raw, err := page.HTML(ctx)
	if err != nil {
		e.setCooldown(task.Key())
		return generation{}, fmt.Errorf("snapshotting page: %w", err)
	}
	trimmed, err := htmltrim.Trim(raw, e.opts.SnapshotMaxChars)
	if err != nil {
		e.setCooldown(task.Key())
		return generation{}, fmt.Errorf("trimming page: %w", err)
	}

	var prev *attempt
	for i := 0; i <= e.opts.RetryBudget; i++ {
		body, err := e.ask(ctx, task, trimmed, failedBody, prev)
		if err != nil {
			e.setCooldown(task.Key())
			return generation{}, err
		}

		out, mismatch := e.run(ctx, page, task, TierGenerated, body)
		if mismatch != nil {
			e.logger.Info("generated strategy rejected", "site", task.Site, "task", task.Name,
				"attempt", i+1, "kind", mismatch.Kind, "reason", mismatch.Reason)
			prev = &attempt{body: body, mismatch: mismatch}
			continue
		}

		st, err := e.store.Put(ctx, task.Site, task.Name, SourceGenerated, body)
		if err != nil {
			// The data already validated. Serve it and regenerate next time.
			e.logger.Warn("persisting generated strategy failed", "site", task.Site, "task", task.Name,
				"attempt", i+1, "error", err)
			return generation{strategy: Strategy{Site: task.Site, Task: task.Name,
				Source: string(SourceGenerated), Body: body}, outcome: out}, nil
		}
		e.record(ctx, task, st.Version, TierGenerated, nil)
		st.SuccessCount++
		out.Version = st.Version
		return generation{strategy: st, outcome: out}, nil
	}

	e.setCooldown(task.Key())
	e.logger.Warn("strategy generation exhausted", "site", task.Site, "task", task.Name,
		"attempts", e.opts.RetryBudget+1, "cooldown", e.opts.Cooldown)
	return generation{}, prev.mismatch
}

func (e *Engine) ask(ctx context.Context, task Task, trimmedHTML, failedBody string, prev *attempt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.LLMTimeout)
	defer cancel()

	resp, err := e.llm.Complete(ctx, llm.Text(generationSystemPrompt,
		buildGenerationPrompt(task, trimmedHTML, failedBody, prev)))
	if err != nil {
		return "", fmt.Errorf("generating strategy for %s: %w", task.Key(), err)
	}
	body := stripFences(resp.Text)
	if body == "" {
		return "", fmt.Errorf("generating strategy for %s: empty response from %s", task.Key(), resp.Provider)
	}
	e.logger.Debug("strategy generated", "site", task.Site, "task", task.Name,
		"provider", resp.Provider, "chars", len(body))
	return body, nil
}

// run evaluates body on page under the step timeout and validates the
// result against the task shape.
func (e *Engine) run(ctx context.Context, page browser.Page, task Task, tier Tier, body string) (Outcome, *ValidationMismatch) {
	stepCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
	raw, err := page.Eval(stepCtx, body)
	cancel()
	if err != nil {
		kind := FailScript
		if errors.Is(err, context.DeadlineExceeded) {
			kind = FailTimeout
		}
		return Outcome{}, e.reject(task, &ValidationMismatch{Tier: tier, Kind: kind, Reason: err.Error()})
	}

	value, err := task.Shape.Validate(raw)
	if err != nil {
		var mismatch *ValidationMismatch
		if !errors.As(err, &mismatch) {
			mismatch = &ValidationMismatch{Kind: FailShape, Reason: err.Error()}
		}
		mismatch.Tier = tier
		return Outcome{}, e.reject(task, mismatch)
	}

	out := Outcome{Tier: tier, Raw: raw, Value: value}
	if out.Empty() && task.Reference != "" && !e.referencePopulated(ctx, page, task) {
		return Outcome{}, e.reject(task, &ValidationMismatch{
			Tier: tier, Kind: FailEmpty, Output: string(raw),
			Reason: fmt.Sprintf("empty result and reference task %s is not populated", task.Reference),
		})
	}
	return out, nil
}

// referencePopulated runs the reference task on the same page and reports
// whether it produced a non-empty result.
func (e *Engine) referencePopulated(ctx context.Context, page browser.Page, task Task) bool {
	ref, err := e.registry.Task(task.Site, task.Reference, task.Params)
	if err != nil {
		e.logger.Warn("resolving reference task", "site", task.Site, "task", task.Name, "error", err)
		return false
	}
	ref.Shape.AllowEmpty = false
	ref.Reference = ""
	out, err := e.Extract(ctx, page, ref)
	return err == nil && !out.Empty()
}

func (e *Engine) reject(task Task, m *ValidationMismatch) *ValidationMismatch {
	e.logger.Warn("strategy output rejected", "site", task.Site, "task", task.Name,
		"tier", m.Tier, "kind", m.Kind, "reason", m.Reason, "output", truncate(m.Output, maxMismatchOutput))
	return m
}

func (e *Engine) record(ctx context.Context, task Task, version int, tier Tier, mismatch *ValidationMismatch) {
	o := storage.Outcome{
		Site:    task.Site,
		Task:    task.Name,
		Version: version,
		Tier:    string(tier),
		Success: mismatch == nil,
	}
	if mismatch != nil {
		o.Detail = mismatch.Error()
	}
	if err := e.store.RecordOutcome(ctx, o); err != nil {
		e.logger.Warn("recording outcome", "site", task.Site, "task", task.Name, "version", version, "error", err)
	}
}

func (e *Engine) canGenerate() bool {
	if e.llm == nil {
		return false
	}
	if a, ok := e.llm.(interface{ Available() bool }); ok {
		return a.Available()
	}
	return true
}

func (e *Engine) onCooldown(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.cooldowns[key]
	if !ok {
		return false
	}
	if e.opts.Now().Before(until) {
		return true
	}
	delete(e.cooldowns, key)
	return false
}

func (e *Engine) setCooldown(key string) {
	e.mu.Lock()
	e.cooldowns[key] = e.opts.Now().Add(e.opts.Cooldown)
	e.mu.Unlock()
}

func failedTier(tier Tier, m *ValidationMismatch) TierResult {
	return TierResult{Tier: tier, Status: string(m.Kind), Reason: m.Reason}
}
