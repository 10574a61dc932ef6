package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stephen-kim/cinepyle/internal/browser"
	"github.com/stephen-kim/cinepyle/internal/captcha"
	"github.com/stephen-kim/cinepyle/internal/config"
	"github.com/stephen-kim/cinepyle/internal/healing"
	"github.com/stephen-kim/cinepyle/internal/logging"
	"github.com/stephen-kim/cinepyle/internal/slots"
)

// Status is a session's progress.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusAwaitingCaptcha Status = "awaiting_captcha"
	StatusSucceeded       Status = "succeeded"
	StatusRejected        Status = "rejected"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Failure reasons recorded on the slot machine.
const (
	ReasonResourceExhausted   = "resource_exhausted"
	ReasonExtractionFailed    = "extraction_failed"
	ReasonLoginFailed         = "login_failed"
	ReasonCredentialsRequired = "credentials_required"
	ReasonSiteError           = "site_error"
	ReasonStepTimeout         = "step_timeout"
)

const defaultStepTimeout = 15 * time.Second

// AuditEntry records one attempted step.
type AuditEntry struct {
	Step     string
	Detail   string
	At       time.Time
	Duration time.Duration
	Err      string
}

// Leaser hands out pages. Implemented by *browser.Pool.
type Leaser interface {
	Acquire(ctx context.Context) (*browser.Lease, error)
}

// HumanSolver asks the user to read a CAPTCHA.
type HumanSolver interface {
	AskCaptcha(ctx context.Context, image []byte, attempt int) (string, error)
}

// Update is a progress message for the user.
type Update struct {
	Text  string
	Image []byte
}

// SessionConfig wires a Session.
type SessionConfig struct {
	Adapter     Adapter
	Pool        Leaser
	Machine     *slots.Machine
	Credentials config.Credentials
	// Vision reads the first CAPTCHA attempt; Human takes over after a
	// miss. Either may be nil.
	Vision        captcha.Solver
	Human         HumanSolver
	SeatCount     int
	PaymentMethod string
	// StepTimeout bounds each page call other than navigation.
	StepTimeout time.Duration
	Progress    func(Update)
	Logger      *slog.Logger
}

// Session drives one booking attempt for a confirmed machine. It owns one
// leased page for its lifetime and releases it exactly once.
type Session struct {
	id  string
	cfg SessionConfig

	logger *slog.Logger

	// pageMu serializes page operations.
	pageMu sync.Mutex
	page   browser.Page

	mu     sync.Mutex
	status Status
	audit  []AuditEntry
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.SeatCount < 1 {
		cfg.SeatCount = 1
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("booking")
	}
	id := uuid.NewString()
	return &Session{
		id:     id,
		cfg:    cfg,
		logger: cfg.Logger.With("session", id, "chain", cfg.Adapter.Chain()),
		status: StatusPending,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Audit returns a copy of the steps attempted so far.
func (s *Session) Audit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) record(step, detail string, start time.Time, err error) {
	e := AuditEntry{Step: step, Detail: detail, At: start, Duration: time.Since(start)}
	if err != nil {
		e.Err = err.Error()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
}

func (s *Session) progress(text string, image []byte) {
	if s.cfg.Progress != nil {
		s.cfg.Progress(Update{Text: text, Image: image})
	}
}

// step runs fn on the session page. The context is checked first, so a
// cancelled session stops at the next step boundary.
func (s *Session) step(ctx context.Context, name string, fn func(ctx context.Context, page browser.Page) (string, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	s.pageMu.Lock()
	detail, err := fn(ctx, s.page)
	s.pageMu.Unlock()
	s.record(name, detail, start, err)
	if err != nil {
		s.logger.Warn("booking step failed", "step", name, "error", err)
	} else {
		s.logger.Info("booking step done", "step", name, "detail", detail)
	}
	return err
}

// Run executes login, the CAPTCHA loop, showtime, seats and checkout, and
// moves the machine to its outcome state.
func (s *Session) Run(ctx context.Context) (conf Confirmation, err error) {
	s.setStatus(StatusRunning)
	defer func() { s.finish(ctx, err) }()

	if err := ctx.Err(); err != nil {
		return conf, err
	}
	start := time.Now()
	lease, err := s.cfg.Pool.Acquire(ctx)
	s.record("acquire", "", start, err)
	if err != nil {
		return conf, err
	}
	defer func() {
		s.pageMu.Lock()
		s.page = nil
		s.pageMu.Unlock()
		lease.Release()
	}()
	s.pageMu.Lock()
	s.page = browser.WithStepTimeout(lease.Page(), s.cfg.StepTimeout)
	s.pageMu.Unlock()

	snap := s.cfg.Machine.Snapshot()
	req := ShowtimeRequest{
		TheaterID:  snap.TheaterID,
		Movie:      snap.Movie,
		MovieID:    snap.MovieID,
		Date:       snap.Date,
		Time:       snap.Time,
		ScreenType: snap.ScreenType,
	}

	var challenge *Challenge
	s.progress(fmt.Sprintf("%s 로그인 중입니다...", slots.ChainName(s.cfg.Adapter.Chain())), nil)
	if err := s.step(ctx, "login", func(ctx context.Context, page browser.Page) (string, error) {
		ch, err := s.cfg.Adapter.Login(ctx, page, s.cfg.Credentials)
		challenge = ch
		if ch != nil {
			return "captcha required", err
		}
		return "", err
	}); err != nil {
		return conf, err
	}

	if challenge != nil {
		if err := s.solveCaptcha(ctx, challenge); err != nil {
			return conf, err
		}
	}

	s.progress(fmt.Sprintf("%s %s %s 회차를 여는 중입니다...", snap.TheaterName, snap.Movie, snap.Time), nil)
	if err := s.step(ctx, "showtime", func(ctx context.Context, page browser.Page) (string, error) {
		return req.Date + " " + req.Time, s.cfg.Adapter.OpenShowtime(ctx, page, req)
	}); err != nil {
		return conf, err
	}

	var seats []string
	if err := s.step(ctx, "seats", func(ctx context.Context, page browser.Page) (string, error) {
		var err error
		seats, err = s.cfg.Adapter.SelectSeats(ctx, page, s.cfg.SeatCount)
		return fmt.Sprint(seats), err
	}); err != nil {
		return conf, err
	}

	if err := s.step(ctx, "checkout", func(ctx context.Context, page browser.Page) (string, error) {
		var err error
		conf, err = s.cfg.Adapter.Checkout(ctx, page, s.cfg.PaymentMethod)
		return conf.Method, err
	}); err != nil {
		return conf, err
	}
	conf.Seats = seats
	return conf, nil
}

// solveCaptcha loops until the site accepts an answer or the machine's
// attempt bound is hit.
func (s *Session) solveCaptcha(ctx context.Context, ch *Challenge) error {
	if err := s.cfg.Machine.RequireCaptcha(); err != nil {
		return err
	}
	s.setStatus(StatusAwaitingCaptcha)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ch.Attempts++
		answer, source := s.answer(ctx, ch)

		accepted := false
		err := s.step(ctx, "captcha", func(ctx context.Context, page browser.Page) (string, error) {
			detail := fmt.Sprintf("attempt %d via %s", ch.Attempts, source)
			if !ch.Accepts(answer) {
				return detail + ": malformed answer", nil
			}
			ok, err := s.cfg.Adapter.SubmitCaptcha(ctx, page, answer)
			accepted = ok
			return detail, err
		})
		if err != nil {
			return err
		}

		if accepted {
			if err := s.cfg.Machine.CaptchaAccepted(); err != nil {
				return err
			}
			s.setStatus(StatusRunning)
			return nil
		}

		exhausted, err := s.cfg.Machine.CaptchaRejected()
		if err != nil {
			return err
		}
		if exhausted {
			return fmt.Errorf("%w after %d attempts", ErrCaptchaUnsolved, ch.Attempts)
		}
		if ch.Selector != "" {
			s.pageMu.Lock()
			img, err := s.page.ElementScreenshot(ctx, ch.Selector)
			s.pageMu.Unlock()
			if err == nil {
				ch.Image = img
			}
		}
	}
}

// answer asks vision on the first attempt and the human afterwards, or
// whichever is configured.
func (s *Session) answer(ctx context.Context, ch *Challenge) (answer, source string) {
	useVision := s.cfg.Vision != nil && (ch.Attempts == 1 || s.cfg.Human == nil)
	if useVision {
		a, err := s.cfg.Vision.Solve(ctx, ch.Image)
		if err == nil {
			return a, "vision"
		}
		s.logger.Warn("vision captcha failed", "attempt", ch.Attempts, "error", err)
	}
	if s.cfg.Human != nil {
		s.progress("보안 문자를 입력해 주세요.", ch.Image)
		a, err := s.cfg.Human.AskCaptcha(ctx, ch.Image, ch.Attempts)
		if err != nil {
			s.logger.Warn("human captcha failed", "attempt", ch.Attempts, "error", err)
			return "", "human"
		}
		return captcha.Clean(a), "human"
	}
	return "", "none"
}

// Screenshot captures the session page while a booking is running.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()
	if s.page == nil {
		return nil, errors.New("booking: session has no page")
	}
	return s.page.Screenshot(ctx)
}

// finish maps the run's error to a machine transition.
func (s *Session) finish(ctx context.Context, err error) {
	m := s.cfg.Machine
	switch {
	case err == nil:
		if terr := m.Succeed(); terr != nil {
			s.logger.Warn("marking booking succeeded", "error", terr)
		}
		s.setStatus(StatusSucceeded)
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		_ = m.Cancel()
		s.setStatus(StatusCancelled)
	default:
		if rej, ok := isRejected(err); ok {
			if terr := m.Reject(rej.Slot, rej.Reason); terr != nil {
				s.logger.Warn("rejecting slot", "slot", rej.Slot, "error", terr)
			}
			s.setStatus(StatusRejected)
			return
		}
		if !errors.Is(err, ErrCaptchaUnsolved) {
			if terr := m.Fail(FailureReason(err)); terr != nil {
				s.logger.Warn("marking booking failed", "error", terr)
			}
		}
		s.setStatus(StatusFailed)
	}
}

// FailureReason classifies a session error.
func FailureReason(err error) string {
	var ef *healing.ExtractionFailed
	switch {
	case errors.Is(err, browser.ErrResourceExhausted):
		return ReasonResourceExhausted
	case errors.As(err, &ef):
		return ReasonExtractionFailed
	case errors.Is(err, ErrCaptchaUnsolved):
		return slots.ReasonCaptchaUnsolved
	case errors.Is(err, ErrCredentialsRequired):
		return ReasonCredentialsRequired
	case errors.Is(err, ErrLoginFailed):
		return ReasonLoginFailed
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonStepTimeout
	}
	return ReasonSiteError
}
