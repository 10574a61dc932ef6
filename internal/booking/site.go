package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stephen-kim/cinepyle/internal/browser"
	"github.com/stephen-kim/cinepyle/internal/config"
	"github.com/stephen-kim/cinepyle/internal/logging"
	"github.com/stephen-kim/cinepyle/internal/slots"
)

// fallbackPaymentMethods is offered when the checkout page lists none.
var fallbackPaymentMethods = []string{"신용카드", "카카오페이", "네이버페이", "PAYCO"}

// SiteOptions configures every chain adapter.
type SiteOptions struct {
	NavTimeout time.Duration
	// Settle is how long to wait after a click that triggers navigation or
	// a client-side render.
	Settle time.Duration
	Logger *slog.Logger
}

func (o *SiteOptions) setDefaults() {
	if o.NavTimeout <= 0 {
		o.NavTimeout = 30 * time.Second
	}
	if o.Settle < 0 {
		o.Settle = 0
	}
	if o.Logger == nil {
		o.Logger = logging.New("booking")
	}
}

// selectors are the CSS selectors a chain's pages use. Comma lists are
// tried as one selector group.
type selectors struct {
	loginID      string
	loginPW      string
	loginButton  string
	captchaImage string
	captchaInput string
	dates        string
	movieGroups  string
	times        string
	seats        string
	next         string
	payMethods   string
	agree        string
	payButton    string
}

// site is the flow shared by the chain adapters. Chains differ in their
// URLs, selectors and which steps they take.
type site struct {
	key      string
	loginURL string
	sel      selectors

	ex     Extractor
	tasks  TaskCatalog
	opts   SiteOptions
	logger *slog.Logger
}

func newSite(key, loginURL string, sel selectors, ex Extractor, tasks TaskCatalog, opts SiteOptions) *site {
	opts.setDefaults()
	return &site{
		key:      key,
		loginURL: loginURL,
		sel:      sel,
		ex:       ex,
		tasks:    tasks,
		opts:     opts,
		logger:   opts.Logger.With("chain", key),
	}
}

func (s *site) Chain() string { return s.key }

func (s *site) navigate(ctx context.Context, page browser.Page, url string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.NavTimeout)
	defer cancel()
	return page.Navigate(ctx, url)
}

func (s *site) settle(ctx context.Context) error {
	if s.opts.Settle == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.opts.Settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// evalBool runs a script that returns a boolean.
func (s *site) evalBool(ctx context.Context, page browser.Page, script string) (bool, error) {
	raw, err := page.Eval(ctx, script)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return false, fmt.Errorf("decoding script result %s: %w", raw, err)
	}
	return ok, nil
}

func (s *site) exists(ctx context.Context, page browser.Page, selector string) bool {
	ok, err := s.evalBool(ctx, page, existsScript(selector))
	if err != nil {
		s.logger.Debug("selector check failed", "selector", selector, "error", err)
		return false
	}
	return ok
}

// clickMatching clicks the first element under selector whose text or an
// attribute value contains one of needles. No needles matches any element.
func (s *site) clickMatching(ctx context.Context, page browser.Page, selector string, needles ...string) (bool, error) {
	return s.evalBool(ctx, page, clickScript(selector, needles))
}

// fillLogin opens the login page and types the credentials.
func (s *site) fillLogin(ctx context.Context, page browser.Page, creds config.Credentials) error {
	if err := s.navigate(ctx, page, s.loginURL); err != nil {
		return err
	}
	if err := page.Input(ctx, s.sel.loginID, creds.ID); err != nil {
		return fmt.Errorf("%s login form: %w", s.key, err)
	}
	if err := page.Input(ctx, s.sel.loginPW, creds.Password); err != nil {
		return fmt.Errorf("%s login form: %w", s.key, err)
	}
	return nil
}

// submitLogin presses the login button and reports whether the site left
// the login page.
func (s *site) submitLogin(ctx context.Context, page browser.Page) (bool, error) {
	if err := page.Click(ctx, s.sel.loginButton); err != nil {
		if ok, ferr := s.evalBool(ctx, page, submitFormScript(s.sel.loginPW)); ferr != nil || !ok {
			return false, fmt.Errorf("%s login submit: %w", s.key, err)
		}
	}
	if err := s.settle(ctx); err != nil {
		return false, err
	}
	return !strings.Contains(strings.ToLower(page.URL()), "login"), nil
}

// memberLogin is the login for chains without a CAPTCHA.
func (s *site) memberLogin(ctx context.Context, page browser.Page, creds config.Credentials) (*Challenge, error) {
	if creds.Empty() {
		return nil, fmt.Errorf("%w for %s", ErrCredentialsRequired, s.key)
	}
	if err := s.fillLogin(ctx, page, creds); err != nil {
		return nil, err
	}
	ok, err := s.submitLogin(ctx, page)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLoginFailed, s.key)
	}
	return nil, nil
}

func (s *site) noCaptcha(context.Context, browser.Page, string) (bool, error) {
	return false, fmt.Errorf("%s shows no captcha", s.key)
}

// extract runs a catalog task against the page and decodes its value.
func (s *site) extract(ctx context.Context, page browser.Page, name string, params map[string]string, v any) error {
	task, err := s.tasks.Task(s.key, name, params)
	if err != nil {
		return err
	}
	out, err := s.ex.Extract(ctx, page, task)
	if err != nil {
		return err
	}
	return out.Decode(v)
}

// schedule loads the schedule page and returns its showings, picking the
// date on the page when the URL does not carry it.
func (s *site) schedule(ctx context.Context, page browser.Page, params map[string]string, date string, pickDate bool) ([]Showtime, error) {
	task, err := s.tasks.Task(s.key, "showtime-list", params)
	if err != nil {
		return nil, err
	}
	if err := s.navigate(ctx, page, task.URL); err != nil {
		return nil, err
	}

	if pickDate && date != "" {
		var dates []struct {
			Date string `json:"date"`
		}
		if err := s.extract(ctx, page, "date-list", params, &dates); err != nil {
			return nil, err
		}
		offered := false
		for _, d := range dates {
			if d.Date == date {
				offered = true
				break
			}
		}
		if !offered {
			return nil, rejected(slots.SlotDate, "%s에는 예매할 수 없습니다", date)
		}
		compact := strings.ReplaceAll(date, "-", "")
		if _, err := s.clickMatching(ctx, page, s.sel.dates, compact, date); err != nil {
			return nil, fmt.Errorf("%s date click: %w", s.key, err)
		}
		if err := s.settle(ctx); err != nil {
			return nil, err
		}
	}

	var list []Showtime
	if err := s.extract(ctx, page, "showtime-list", params, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// openSchedule clicks the requested showing on the schedule page.
func (s *site) openSchedule(ctx context.Context, page browser.Page, params map[string]string, req ShowtimeRequest, pickDate bool) error {
	list, err := s.schedule(ctx, page, params, req.Date, pickDate)
	if err != nil {
		return err
	}
	show, rej := matchShowtime(list, req)
	if rej != nil {
		return rej
	}

	ok, err := s.evalBool(ctx, page, clickShowtimeScript(s.sel.movieGroups, s.sel.times, show.Movie, show.Time))
	if err != nil {
		return fmt.Errorf("%s showtime click: %w", s.key, err)
	}
	if !ok {
		return rejected(slots.SlotTime, "%s %s 회차를 선택할 수 없습니다", show.Movie, show.Time)
	}
	s.logger.Info("showtime opened", "movie", show.Movie, "time", show.Time, "screen", show.Screen)
	return s.settle(ctx)
}

// selectSeats picks count adjacent free seats from the middle of the map.
func (s *site) selectSeats(ctx context.Context, page browser.Page, count int) ([]string, error) {
	if count < 1 {
		count = 1
	}
	var free []struct {
		Seat string `json:"seat"`
	}
	if err := s.extract(ctx, page, "seat-list", nil, &free); err != nil {
		return nil, err
	}
	names := make([]string, len(free))
	for i, f := range free {
		names[i] = f.Seat
	}
	picked := pickSeats(names, count)
	if picked == nil {
		return nil, rejected(slots.SlotTime, "남은 좌석이 %d석뿐입니다", len(names))
	}

	for _, seat := range picked {
		ok, err := s.clickMatching(ctx, page, s.sel.seats, seat)
		if err != nil {
			return nil, fmt.Errorf("%s seat %s: %w", s.key, seat, err)
		}
		if !ok {
			return nil, rejected(slots.SlotTime, "좌석 %s을 선택할 수 없습니다", seat)
		}
	}
	if _, err := s.clickMatching(ctx, page, s.sel.next, "선택완료", "다음", "결제"); err != nil {
		return nil, fmt.Errorf("%s seat confirm: %w", s.key, err)
	}
	if err := s.settle(ctx); err != nil {
		return nil, err
	}
	return picked, nil
}

// checkout chooses a payment method and stops before the payment
// provider's own flow.
func (s *site) checkout(ctx context.Context, page browser.Page, method string) (Confirmation, error) {
	conf := Confirmation{Chain: s.key}

	var listed []struct {
		Name string `json:"name"`
	}
	if err := s.extract(ctx, page, "payment-methods", nil, &listed); err != nil {
		if ctx.Err() != nil {
			return conf, ctx.Err()
		}
		s.logger.Warn("payment methods not found, using defaults", "error", err)
	}
	for _, m := range listed {
		conf.Methods = append(conf.Methods, m.Name)
	}
	if len(conf.Methods) == 0 {
		conf.Methods = append([]string(nil), fallbackPaymentMethods...)
	}

	conf.Method = conf.Methods[0]
	if method != "" {
		for _, m := range conf.Methods {
			if strings.Contains(m, method) {
				conf.Method = m
				break
			}
		}
	}
	if _, err := s.clickMatching(ctx, page, s.sel.payMethods, conf.Method); err != nil {
		return conf, fmt.Errorf("%s payment method: %w", s.key, err)
	}
	if s.sel.agree != "" {
		if _, err := page.Eval(ctx, checkAllScript(s.sel.agree)); err != nil {
			s.logger.Warn("agreement checkboxes", "error", err)
		}
	}

	// Some members pay with a stored method; the site then completes
	// without a provider hand-off.
	if s.exists(ctx, page, bookingDoneSelector) {
		var number string
		if err := s.extract(ctx, page, "booking-number", nil, &number); err == nil {
			conf.BookingNumber = number
		}
	}

	conf.URL = page.URL()
	shot, err := page.Screenshot(ctx)
	if err != nil {
		return conf, fmt.Errorf("%s checkout screenshot: %w", s.key, err)
	}
	conf.Screenshot = shot
	return conf, nil
}

// bookingDoneSelector matches the completion banner every chain shows.
const bookingDoneSelector = `[class*="complete"], [class*="finish"], #reserveComplete`

func normalizeTitle(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

func matchShowtime(list []Showtime, req ShowtimeRequest) (Showtime, *SiteRejectedError) {
	if len(list) == 0 {
		return Showtime{}, rejected(slots.SlotDate, "%s에 상영 예정인 영화가 없습니다", dateOrToday(req.Date))
	}

	want := normalizeTitle(req.Movie)
	var byMovie []Showtime
	for _, s := range list {
		title := normalizeTitle(s.Movie)
		switch {
		case req.MovieID != "" && s.MovieCode == req.MovieID:
		case want != "" && (strings.Contains(title, want) || strings.Contains(want, title)):
		default:
			continue
		}
		byMovie = append(byMovie, s)
	}
	if len(byMovie) == 0 {
		return Showtime{}, rejected(slots.SlotMovie, "%s 상영 정보를 찾을 수 없습니다", req.Movie)
	}

	if req.ScreenType != "" {
		st := strings.ToLower(req.ScreenType)
		var typed []Showtime
		for _, s := range byMovie {
			if strings.Contains(strings.ToLower(s.Screen), st) {
				typed = append(typed, s)
			}
		}
		if len(typed) == 0 {
			return Showtime{}, rejected(slots.SlotScreenType, "%s 상영관에서는 %s을 상영하지 않습니다", req.ScreenType, req.Movie)
		}
		byMovie = typed
	}

	var times []string
	for _, s := range byMovie {
		if s.Time == req.Time {
			if s.SeatsLeft != nil && *s.SeatsLeft == 0 {
				return Showtime{}, rejected(slots.SlotTime, "%s 회차는 매진입니다", s.Time)
			}
			return s, nil
		}
		times = append(times, s.Time)
	}
	return Showtime{}, rejected(slots.SlotTime, "%s 회차가 없습니다 (가능한 시간: %s)", req.Time, strings.Join(times, ", "))
}

func dateOrToday(d string) string {
	if d == "" {
		return "오늘"
	}
	return d
}

// pickSeats returns count consecutive entries centred in free, or nil if
// there are not enough.
func pickSeats(free []string, count int) []string {
	if len(free) < count {
		return nil
	}
	start := (len(free) - count) / 2
	return append([]string(nil), free[start:start+count]...)
}

// jsString encodes s as a JavaScript string literal.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

func jsStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return `[]`
	}
	return string(b)
}

func existsScript(selector string) string {
	return fmt.Sprintf(`(() => document.querySelector(%s) !== null)()`, jsString(selector))
}

func clickScript(selector string, needles []string) string {
	return fmt.Sprintf(`(() => {
  const needles = %s;
  for (const el of document.querySelectorAll(%s)) {
    const text = (el.innerText || '').replace(/\s+/g, ' ');
    const attrs = Array.from(el.attributes || []).map(a => a.value);
    if (needles.length === 0 || needles.some(n => text.includes(n) || attrs.includes(n))) {
      el.click();
      return true;
    }
  }
  return false;
})()`, jsStrings(needles), jsString(selector))
}

func clickShowtimeScript(groups, times, movie, hhmm string) string {
	return fmt.Sprintf(`(() => {
  const movie = %s.replace(/\s+/g, '');
  const hhmm = %s;
  for (const g of document.querySelectorAll(%s)) {
    if (!(g.innerText || '').replace(/\s+/g, '').includes(movie)) continue;
    for (const t of g.querySelectorAll(%s)) {
      const m = (t.innerText || '').match(/(\d{1,2}):(\d{2})/);
      const start = t.getAttribute('data-start-time') || (m ? m[0].padStart(5, '0') : '');
      if (start === hhmm) { t.click(); return true; }
    }
  }
  return false;
})()`, jsString(movie), jsString(hhmm), jsString(groups), jsString(times))
}

func submitFormScript(field string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el || !el.form) return false;
  el.form.submit();
  return true;
})()`, jsString(field))
}

func checkAllScript(selector string) string {
	return fmt.Sprintf(`(() => {
  let n = 0;
  for (const cb of document.querySelectorAll(%s)) {
    if (!cb.checked) { cb.click(); n++; }
  }
  return n;
})()`, jsString(selector))
}

// isRejected reports whether err is a *SiteRejectedError.
func isRejected(err error) (*SiteRejectedError, bool) {
	var rej *SiteRejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
