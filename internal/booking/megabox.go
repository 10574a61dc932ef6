package booking

import (
	"context"
	"time"

	"github.com/stephen-kim/cinepyle/internal/browser"
	"github.com/stephen-kim/cinepyle/internal/config"
	"github.com/stephen-kim/cinepyle/internal/slots"
)

// Megabox takes the branch (brchNo) and play date (playDe) in the booking
// URL, so no date needs picking on the page.
type Megabox struct {
	*site
	now func() string
}

func NewMegabox(ex Extractor, tasks TaskCatalog, opts SiteOptions) *Megabox {
	return &Megabox{
		site: newSite("megabox", "https://www.megabox.co.kr/member/login", selectors{
			loginID:     `#ibxLoginId, input[name="loginId"]`,
			loginPW:     `#ibxLoginPwd, input[type="password"]`,
			loginButton: `#btnLogin, button[type="submit"]`,
			movieGroups: `.movie-list li, [data-movie-no], .theater-list-box`,
			times:       `.time-list a, [data-play-start-time], .btn-time`,
			seats:       `[data-seat-no], .seat-condition a, .seat-list button`,
			next:        `#btnPay, .btn-next, button`,
			payMethods:  `.pay-choice li, [class*="payment"] button, .pay-list a`,
			agree:       `input[type="checkbox"][id*="agree"], .agree-area input`,
		}, ex, tasks, opts),
		now: nowInSeoul,
	}
}

func (m *Megabox) Login(ctx context.Context, page browser.Page, creds config.Credentials) (*Challenge, error) {
	return m.memberLogin(ctx, page, creds)
}

func (m *Megabox) SubmitCaptcha(ctx context.Context, page browser.Page, answer string) (bool, error) {
	return m.noCaptcha(ctx, page, answer)
}

func (m *Megabox) ListShowtimes(ctx context.Context, page browser.Page, theaterID, date string) ([]Showtime, error) {
	return m.schedule(ctx, page, m.params(theaterID, date), date, false)
}

func (m *Megabox) OpenShowtime(ctx context.Context, page browser.Page, req ShowtimeRequest) error {
	return m.openSchedule(ctx, page, m.params(req.TheaterID, req.Date), req, false)
}

func (m *Megabox) params(theaterID, date string) map[string]string {
	if date == "" {
		date = m.now()
	}
	return map[string]string{"theater": theaterID, "date": date}
}

func (m *Megabox) SelectSeats(ctx context.Context, page browser.Page, count int) ([]string, error) {
	return m.selectSeats(ctx, page, count)
}

func (m *Megabox) Checkout(ctx context.Context, page browser.Page, method string) (Confirmation, error) {
	return m.checkout(ctx, page, method)
}

func nowInSeoul() string {
	return time.Now().In(slots.Seoul).Format("2006-01-02")
}
