package booking

import (
	"context"
	"strings"

	"github.com/stephen-kim/cinepyle/internal/browser"
	"github.com/stephen-kim/cinepyle/internal/config"
)

// defaultDivision is Lotte's regular-cinema division code.
const defaultDivision = "1"

// Lotte keys its ticketing page by cinemaID and divisionCode. Directory
// IDs may come in the site's "division|detail|cinema" form.
type Lotte struct {
	*site
}

func NewLotte(ex Extractor, tasks TaskCatalog, opts SiteOptions) *Lotte {
	return &Lotte{site: newSite("lotte", "https://www.lottecinema.co.kr/NLCHS/member/login", selectors{
		loginID:     `#txtLoginID, input[name="userId"]`,
		loginPW:     `#txtLoginPW, input[type="password"]`,
		loginButton: `.btn_login, button[type="submit"]`,
		dates:       `.date_list li a, [data-play-dt], .owl-item a`,
		movieGroups: `.movie_list > li, .lst_movie > li, [data-movie-code]`,
		times:       `.time_list a, .lst_time a, [data-start-time]`,
		seats:       `[data-seat-name], .seat_area a, #divSeatMap a`,
		next:        `.btn_next, #btnSeatComplete, button`,
		payMethods:  `.pay_list li, .payment_method a, [class*="pay"] button`,
		agree:       `input[type="checkbox"][id*="agree"], .chk_agree input`,
	}, ex, tasks, opts)}
}

// lotteParams splits a directory ID into cinemaID and divisionCode.
func lotteParams(id string) map[string]string {
	division := defaultDivision
	if parts := strings.Split(id, "|"); len(parts) == 3 {
		division = parts[0]
	}
	return map[string]string{"theater": id, "division": division}
}

func (l *Lotte) Login(ctx context.Context, page browser.Page, creds config.Credentials) (*Challenge, error) {
	return l.memberLogin(ctx, page, creds)
}

func (l *Lotte) SubmitCaptcha(ctx context.Context, page browser.Page, answer string) (bool, error) {
	return l.noCaptcha(ctx, page, answer)
}

func (l *Lotte) ListShowtimes(ctx context.Context, page browser.Page, theaterID, date string) ([]Showtime, error) {
	params := lotteParams(theaterID)
	params["date"] = date
	return l.schedule(ctx, page, params, date, true)
}

func (l *Lotte) OpenShowtime(ctx context.Context, page browser.Page, req ShowtimeRequest) error {
	params := lotteParams(req.TheaterID)
	params["date"] = req.Date
	return l.openSchedule(ctx, page, params, req, true)
}

func (l *Lotte) SelectSeats(ctx context.Context, page browser.Page, count int) ([]string, error) {
	return l.selectSeats(ctx, page, count)
}

func (l *Lotte) Checkout(ctx context.Context, page browser.Page, method string) (Confirmation, error) {
	return l.checkout(ctx, page, method)
}
