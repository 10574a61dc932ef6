package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stephen-kim/cinepyle/internal/logging"
)

// ErrResourceExhausted is returned when no page frees up within the acquire
// timeout.
var ErrResourceExhausted = errors.New("no browser page available")

// Opener creates pages. Implemented by Manager.
type Opener interface {
	NewPage(ctx context.Context) (Page, error)
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	Size           int
	AcquireTimeout time.Duration
	Logger         *slog.Logger
}

// Pool bounds the number of concurrently open pages. Acquire blocks until a
// slot frees up, the context ends, or the acquire timeout elapses.
type Pool struct {
	opener  Opener
	sem     chan struct{}
	timeout time.Duration
	logger  *slog.Logger

	acquired atomic.Int64
	released atomic.Int64
}

// NewPool creates a Pool. Size defaults to 3 and AcquireTimeout to 10s.
func NewPool(opener Opener, opts PoolOptions) *Pool {
	if opts.Size <= 0 {
		opts.Size = 3
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("pool")
	}
	return &Pool{
		opener:  opener,
		sem:     make(chan struct{}, opts.Size),
		timeout: opts.AcquireTimeout,
		logger:  opts.Logger,
	}
}

// Acquire leases a fresh page. The caller must Release the lease.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		p.logger.Warn("page acquire timed out", "waited", p.timeout, "size", cap(p.sem))
		return nil, fmt.Errorf("%w after %s", ErrResourceExhausted, p.timeout)
	}

	page, err := p.opener.NewPage(ctx)
	if err != nil {
		<-p.sem
		return nil, fmt.Errorf("opening page: %w", err)
	}

	p.acquired.Add(1)
	return &Lease{page: page, pool: p}, nil
}

// Stats reports lease counters.
type Stats struct {
	Size     int
	InUse    int
	Acquired int64
	Released int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Size:     cap(p.sem),
		InUse:    len(p.sem),
		Acquired: p.acquired.Load(),
		Released: p.released.Load(),
	}
}

// Lease is one checked-out page.
type Lease struct {
	page Page
	pool *Pool
	once sync.Once
}

// Page returns the leased page.
func (l *Lease) Page() Page {
	return l.page
}

// Release closes the page and returns its slot. Calls after the first are
// no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		if err := l.page.Close(); err != nil {
			l.pool.logger.Warn("closing page", "error", err)
		}
		l.pool.released.Add(1)
		<-l.pool.sem
	})
}
