package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/stephen-kim/cinepyle/internal/logging"
	"github.com/stephen-kim/cinepyle/internal/slots"
)

// Expirer cancels idle conversations. Implemented by *Orchestrator.
type Expirer interface {
	ExpireIdle(now time.Time) int
}

// SweeperOptions configures a Sweeper. Interval defaults to 30s.
type SweeperOptions struct {
	Interval time.Duration
	Clock    slots.Clock
	Logger   *slog.Logger
}

// Sweeper periodically expires idle conversations.
type Sweeper struct {
	target Expirer
	poll   time.Duration
	clock  slots.Clock
	logger *slog.Logger
}

func NewSweeper(target Expirer, opts SweeperOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("sweeper")
	}
	return &Sweeper{
		target: target,
		poll:   opts.Interval,
		clock:  opts.Clock,
		logger: opts.Logger,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.poll):
		}
	}
}

// RunOnce performs a single sweep and returns how many conversations
// expired.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	n := s.target.ExpireIdle(s.clock.Now())
	if n > 0 {
		s.logger.Info("expired idle conversations", "count", n)
	}
	return n
}
