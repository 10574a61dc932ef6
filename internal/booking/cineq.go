package booking

import (
	"context"
	"fmt"

	"github.com/stephen-kim/cinepyle/internal/browser"
	"github.com/stephen-kim/cinepyle/internal/config"
)

// CineQ allows guest booking: without credentials, or when the login form
// is missing, the flow continues as a guest.
type CineQ struct {
	*site
}

func NewCineQ(ex Extractor, tasks TaskCatalog, opts SiteOptions) *CineQ {
	return &CineQ{site: newSite("cineq", "https://www.cineq.co.kr/Member/Login", selectors{
		loginID:     `#UserID, input[name="UserID"], input[type="text"]`,
		loginPW:     `#Password, input[type="password"]`,
		loginButton: `.btn-login, button[type="submit"], input[type="submit"]`,
		dates:       `.date-list a, [data-playdate], .day-list li a`,
		movieGroups: `.movie-list > li, .movie-item, [data-movie-code]`,
		times:       `.time-list a, [data-start-time], .time a`,
		seats:       `[data-seat], .seat-map a, .seat button`,
		next:        `.btn-next, #btnNext, button`,
		payMethods:  `.pay-list li, [class*="payment"] button, .pay-method a`,
		agree:       `input[type="checkbox"][name*="agree"], .agree input`,
	}, ex, tasks, opts)}
}

func (q *CineQ) Login(ctx context.Context, page browser.Page, creds config.Credentials) (*Challenge, error) {
	if creds.Empty() {
		q.logger.Info("no credentials, booking as guest")
		return nil, nil
	}
	if err := q.fillLogin(ctx, page, creds); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.logger.Warn("login form not found, booking as guest", "error", err)
		return nil, nil
	}
	ok, err := q.submitLogin(ctx, page)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: cineq", ErrLoginFailed)
	}
	return nil, nil
}

func (q *CineQ) SubmitCaptcha(ctx context.Context, page browser.Page, answer string) (bool, error) {
	return q.noCaptcha(ctx, page, answer)
}

func (q *CineQ) ListShowtimes(ctx context.Context, page browser.Page, theaterID, date string) ([]Showtime, error) {
	return q.schedule(ctx, page, map[string]string{"theater": theaterID, "date": date}, date, true)
}

func (q *CineQ) OpenShowtime(ctx context.Context, page browser.Page, req ShowtimeRequest) error {
	return q.openSchedule(ctx, page, map[string]string{"theater": req.TheaterID, "date": req.Date}, req, true)
}

func (q *CineQ) SelectSeats(ctx context.Context, page browser.Page, count int) ([]string, error) {
	return q.selectSeats(ctx, page, count)
}

func (q *CineQ) Checkout(ctx context.Context, page browser.Page, method string) (Confirmation, error) {
	return q.checkout(ctx, page, method)
}
