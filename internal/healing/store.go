package healing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stephen-kim/cinepyle/internal/logging"
	"github.com/stephen-kim/cinepyle/internal/storage"
)

// StrategyRepo is the persistence surface the Store needs.
// Implemented by *storage.Store.
type StrategyRepo interface {
	InsertStrategy(st storage.Strategy) (storage.Strategy, error)
	LatestStrategy(site, task string) (storage.Strategy, error)
	ListStrategies() ([]storage.Strategy, error)
	MarkStale(site, task string, version int) error
	RecordOutcome(o storage.Outcome) error
	RecentOutcomes(site, task string, version, limit int) ([]storage.Outcome, error)
}

// StoreOptions configures the staleness policy.
type StoreOptions struct {
	// StaleWindow is how many recent outcomes are considered.
	StaleWindow int
	// StaleThreshold is the failure rate above which a version goes stale.
	StaleThreshold float64
	Logger         *slog.Logger
}

// Store applies the strategy lifecycle on top of the repository: versions
// are appended, outcomes are audited, and failing versions are retired as
// stale. Nothing is ever deleted.
type Store struct {
	repo      StrategyRepo
	window    int
	threshold float64
	logger    *slog.Logger
}

func NewStore(repo StrategyRepo, opts StoreOptions) *Store {
	if opts.StaleWindow <= 0 {
		opts.StaleWindow = 5
	}
	if opts.StaleThreshold <= 0 || opts.StaleThreshold > 1 {
		opts.StaleThreshold = 0.5
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("strategies")
	}
	return &Store{
		repo:      repo,
		window:    opts.StaleWindow,
		threshold: opts.StaleThreshold,
		logger:    opts.Logger,
	}
}

// Get returns the latest non-stale version or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, site, task string) (Strategy, error) {
	if err := ctx.Err(); err != nil {
		return Strategy{}, err
	}
	return s.repo.LatestStrategy(site, task)
}

// Put stores body as the next version for (site, task). Only generated
// strategies are persisted.
func (s *Store) Put(ctx context.Context, site, task string, source Source, body string) (Strategy, error) {
	if err := ctx.Err(); err != nil {
		return Strategy{}, err
	}
	if source != SourceGenerated {
		return Strategy{}, fmt.Errorf("refusing to persist %s strategy for %s/%s", source, site, task)
	}
	st, err := s.repo.InsertStrategy(storage.Strategy{
		Site:   site,
		Task:   task,
		Source: string(source),
		Body:   body,
	})
	if err != nil {
		return Strategy{}, fmt.Errorf("storing strategy %s/%s: %w", site, task, err)
	}
	s.logger.Info("strategy stored", "site", site, "task", task, "version", st.Version)
	return st, nil
}

// RecordOutcome appends o to the audit table. For stored versions it bumps
// the counters and retires the version once its recent failure rate is too
// high. Version 0 is the built-in strategy.
func (s *Store) RecordOutcome(ctx context.Context, o storage.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if err := s.repo.RecordOutcome(o); err != nil {
		return fmt.Errorf("recording outcome for %s/%s v%d: %w", o.Site, o.Task, o.Version, err)
	}
	if o.Success || o.Version == 0 {
		return nil
	}
	return s.checkStale(o.Site, o.Task, o.Version)
}

func (s *Store) checkStale(site, task string, version int) error {
	recent, err := s.repo.RecentOutcomes(site, task, version, s.window)
	if err != nil {
		return fmt.Errorf("reading recent outcomes: %w", err)
	}
	if len(recent) < min(s.window, 3) {
		return nil
	}

	var failures int
	for _, o := range recent {
		if !o.Success {
			failures++
		}
	}
	rate := float64(failures) / float64(len(recent))
	if rate <= s.threshold {
		return nil
	}

	if err := s.repo.MarkStale(site, task, version); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("marking %s/%s v%d stale: %w", site, task, version, err)
	}
	s.logger.Warn("strategy marked stale", "site", site, "task", task, "version", version,
		"failure_rate", rate, "window", len(recent))
	return nil
}

// List returns every stored version.
func (s *Store) List(ctx context.Context) ([]Strategy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.repo.ListStrategies()
}

// Stale returns the versions that have been retired.
func (s *Store) Stale(ctx context.Context) ([]Strategy, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Strategy
	for _, st := range all {
		if st.Stale {
			out = append(out, st)
		}
	}
	return out, nil
}
