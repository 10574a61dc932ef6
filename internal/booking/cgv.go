package booking

import (
	"context"
	"fmt"
	"regexp"

	"github.com/stephen-kim/cinepyle/internal/browser"
	"github.com/stephen-kim/cinepyle/internal/config"
)

const cgvBaseURL = "https://www.cgv.co.kr"

var cgvCaptchaFormat = regexp.MustCompile(`^[A-Za-z0-9]{4,8}$`)

// CGV requires member login and shows a CAPTCHA on the login form. Its
// schedule page is keyed by theaterCode and the date is picked on the
// page.
type CGV struct {
	*site
}

func NewCGV(ex Extractor, tasks TaskCatalog, opts SiteOptions) *CGV {
	return &CGV{site: newSite("cgv", cgvBaseURL+"/cnm/mbrAss/loginInput", selectors{
		loginID:      `input[name="userId"], #txtLoginID, input[id*="id" i][type="text"]`,
		loginPW:      `input[name="userPwd"], #txtLoginPW, input[type="password"]`,
		loginButton:  `.btn-login, button[type="submit"]`,
		captchaImage: `img[src*="captcha"], img[id*="captcha" i], img[alt*="보안"], [class*="captcha"] img`,
		captchaInput: `input[name*="captcha"], input[id*="captcha" i], input[placeholder*="보안"], input[placeholder*="문자"]`,
		dates:        `.date-list li a, [data-play-ymd], .day a`,
		movieGroups:  `[class*="movie-list"] > li, [data-movie-code], .movie-item`,
		times:        `[class*="time"] a, [data-start-time], .showtime-item`,
		seats:        `[data-seat-nm], .seat, [class*="seat-wrap"] a`,
		next:         `button.btn-next, .btn-seat-complete, button`,
		payMethods:   `.pay-type li, [class*="payment"] button, .pay-method-list a`,
		agree:        `input[type="checkbox"][name*="agree"], .agree-wrap input`,
	}, ex, tasks, opts)}
}

func (c *CGV) Login(ctx context.Context, page browser.Page, creds config.Credentials) (*Challenge, error) {
	if creds.Empty() {
		return nil, fmt.Errorf("%w for cgv", ErrCredentialsRequired)
	}
	if err := c.fillLogin(ctx, page, creds); err != nil {
		return nil, err
	}
	if c.exists(ctx, page, c.sel.captchaImage) {
		img, err := page.ElementScreenshot(ctx, c.sel.captchaImage)
		if err != nil {
			return nil, fmt.Errorf("cgv captcha screenshot: %w", err)
		}
		c.logger.Info("login captcha shown", "bytes", len(img))
		return &Challenge{Image: img, Format: cgvCaptchaFormat, Selector: c.sel.captchaImage}, nil
	}
	ok, err := c.submitLogin(ctx, page)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: cgv", ErrLoginFailed)
	}
	return nil, nil
}

func (c *CGV) SubmitCaptcha(ctx context.Context, page browser.Page, answer string) (bool, error) {
	if err := page.Input(ctx, c.sel.captchaInput, answer); err != nil {
		return false, fmt.Errorf("cgv captcha input: %w", err)
	}
	return c.submitLogin(ctx, page)
}

func (c *CGV) ListShowtimes(ctx context.Context, page browser.Page, theaterID, date string) ([]Showtime, error) {
	return c.schedule(ctx, page, map[string]string{"theater": theaterID, "date": date}, date, true)
}

func (c *CGV) OpenShowtime(ctx context.Context, page browser.Page, req ShowtimeRequest) error {
	return c.openSchedule(ctx, page, map[string]string{"theater": req.TheaterID, "date": req.Date}, req, true)
}

func (c *CGV) SelectSeats(ctx context.Context, page browser.Page, count int) ([]string, error) {
	return c.selectSeats(ctx, page, count)
}

func (c *CGV) Checkout(ctx context.Context, page browser.Page, method string) (Confirmation, error) {
	return c.checkout(ctx, page, method)
}
