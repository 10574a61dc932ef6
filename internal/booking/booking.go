// Package booking drives a chain's member site from login to the checkout
// handoff.
package booking

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/stephen-kim/cinepyle/internal/browser"
	"github.com/stephen-kim/cinepyle/internal/config"
	"github.com/stephen-kim/cinepyle/internal/healing"
	"github.com/stephen-kim/cinepyle/internal/slots"
)

var (
	// ErrCaptchaUnsolved is returned once the CAPTCHA attempt bound is hit.
	ErrCaptchaUnsolved = errors.New("booking: captcha unsolved")
	// ErrLoginFailed is returned when the site did not accept the login.
	ErrLoginFailed = errors.New("booking: login failed")
	// ErrCredentialsRequired is returned by chains without guest booking
	// when no login is configured.
	ErrCredentialsRequired = errors.New("booking: credentials required")
	// ErrUnsupportedChain is returned by Registry.For.
	ErrUnsupportedChain = errors.New("booking: unsupported chain")
)

// SiteRejectedError reports that the site refused one slot's value, for
// example a sold-out showtime.
type SiteRejectedError struct {
	Slot   slots.Slot
	Reason string
}

func (e *SiteRejectedError) Error() string {
	return fmt.Sprintf("site rejected %s: %s", e.Slot, e.Reason)
}

func rejected(slot slots.Slot, format string, args ...any) *SiteRejectedError {
	return &SiteRejectedError{Slot: slot, Reason: fmt.Sprintf(format, args...)}
}

// Challenge is a CAPTCHA the site showed during login.
type Challenge struct {
	Image []byte
	// Format is the expected answer shape.
	Format *regexp.Regexp
	// Selector locates the image for refreshing after a wrong answer.
	Selector string
	Attempts int
}

// Accepts reports whether answer has the expected shape.
func (c *Challenge) Accepts(answer string) bool {
	if c.Format == nil {
		return answer != ""
	}
	return c.Format.MatchString(answer)
}

// ShowtimeRequest is the showing to open, taken from a confirmed slot
// snapshot.
type ShowtimeRequest struct {
	TheaterID  string
	Movie      string
	MovieID    string
	Date       string
	Time       string
	ScreenType string
}

// Showtime is one screening as read from a schedule page.
type Showtime struct {
	Movie     string `json:"movie"`
	MovieCode string `json:"movie_code,omitempty"`
	Time      string `json:"time"`
	Screen    string `json:"screen,omitempty"`
	SeatsLeft *int   `json:"seats_left,omitempty"`
}

// Confirmation is what the user needs to finish payment.
type Confirmation struct {
	Chain         string
	Seats         []string
	Method        string
	Methods       []string
	URL           string
	BookingNumber string
	Screenshot    []byte
}

// Adapter drives one chain's site. Every method operates on a page the
// caller leased and owns.
type Adapter interface {
	Chain() string
	Login(ctx context.Context, page browser.Page, creds config.Credentials) (*Challenge, error)
	SubmitCaptcha(ctx context.Context, page browser.Page, answer string) (bool, error)
	// ListShowtimes reads a theater's schedule for date without opening a
	// showing. An empty date is today.
	ListShowtimes(ctx context.Context, page browser.Page, theaterID, date string) ([]Showtime, error)
	OpenShowtime(ctx context.Context, page browser.Page, req ShowtimeRequest) error
	SelectSeats(ctx context.Context, page browser.Page, count int) ([]string, error)
	Checkout(ctx context.Context, page browser.Page, method string) (Confirmation, error)
}

// Extractor reads structured data from a page. Implemented by
// *healing.Engine.
type Extractor interface {
	Extract(ctx context.Context, page browser.Page, task healing.Task) (healing.Outcome, error)
}

// TaskCatalog builds extraction tasks. Implemented by *healing.Registry.
type TaskCatalog interface {
	Task(site, name string, params map[string]string) (healing.Task, error)
}

// Registry maps chain keys to adapters.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Chain()] = a
	}
	return r
}

// DefaultRegistry wires the four supported chains.
func DefaultRegistry(ex Extractor, tasks TaskCatalog, opts SiteOptions) *Registry {
	return NewRegistry(
		NewCGV(ex, tasks, opts),
		NewLotte(ex, tasks, opts),
		NewMegabox(ex, tasks, opts),
		NewCineQ(ex, tasks, opts),
	)
}

// For returns the adapter for chain.
func (r *Registry) For(chain string) (Adapter, error) {
	a, ok := r.adapters[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChain, chain)
	}
	return a, nil
}

// Chains lists the registered chain keys, sorted.
func (r *Registry) Chains() []string {
	out := make([]string, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
