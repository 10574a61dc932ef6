package intent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/stephen-kim/cinepyle/internal/slots"
	"github.com/stephen-kim/cinepyle/internal/storage"
)

// TheaterFinder looks theaters up by name fragment.
type TheaterFinder interface {
	SearchTheaters(ctx context.Context, chain, query string, limit int) ([]storage.Theater, error)
}

var chainKeywords = []struct {
	chain string
	words []string
}{
	{"cgv", []string{"cgv", "씨지브이"}},
	{"lotte", []string{"롯데시네마", "롯데", "lotte"}},
	{"megabox", []string{"메가박스", "megabox"}},
	{"cineq", []string{"씨네큐", "씨네q", "cineq"}},
}

var (
	cancelWords   = []string{"취소", "cancel", "/cancel"}
	affirmWords   = []string{"네", "예", "응", "좋아", "yes", "ok", "확인", "예매해", "그래", "ㅇㅇ"}
	denyWords     = []string{"아니", "아니오", "아뇨", "싫어", "no", "ㄴㄴ"}
	bookingWords  = []string{"예매", "예약", "티켓", "표 사", "표 끊", "booking", "book"}
	showtimeWords = []string{"상영시간", "시간표", "몇시", "뭐해", "뭐하", "상영 중"}
	// correctionWords mark a message that replaces a value already given.
	correctionWords = []string{"바꿔", "바꾸", "변경", "말고", "대신", "정정", "instead", "change"}
	// replacedMarkers split "A 말고 B": only B is read.
	replacedMarkers = []string{"말고", "대신"}

	// fillerWords are dropped before the remaining tokens become the movie.
	fillerWords = []string{
		"예매", "예약", "해줘", "해주세요", "할래", "하고", "싶어", "보고", "보러", "영화",
		"티켓", "좀", "으로", "로", "에서", "오늘", "내일", "모레", "book", "booking",
	}
	particles = []string{"에서", "으로", "로", "를", "을", "은", "는", "이", "가", "도", "쯤"}
)

// normalize lowercases and trims punctuation from the ends of text.
func normalize(text string) string {
	return strings.TrimFunc(strings.ToLower(strings.TrimSpace(text)), func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// IsCancel reports whether the message asks to cancel.
func IsCancel(text string) bool {
	return containsAny(strings.ToLower(text), cancelWords)
}

// IsBookingIntent reports whether the message asks to book or look up
// showtimes.
func IsBookingIntent(text string) bool {
	t := strings.ToLower(text)
	return containsAny(t, bookingWords) || containsAny(t, showtimeWords)
}

// IsAffirm reports whether a short reply agrees.
func IsAffirm(text string) bool {
	return shortReplyMatches(text, affirmWords) && !IsCorrection(text)
}

// IsDeny reports whether a short reply declines. "아니, 8시로 바꿔줘"
// is a correction, not a denial.
func IsDeny(text string) bool {
	return shortReplyMatches(text, denyWords) && !IsCorrection(text)
}

// IsCorrection reports whether text replaces a value given earlier.
func IsCorrection(text string) bool {
	return containsAny(strings.ToLower(text), correctionWords)
}

// replacement returns the part of text after the last "말고" or "대신".
func replacement(text string) (string, bool) {
	cut := -1
	for _, m := range replacedMarkers {
		if i := strings.LastIndex(text, m); i >= 0 && i+len(m) > cut {
			cut = i + len(m)
		}
	}
	if cut < 0 {
		return text, false
	}
	return text[cut:], true
}

// shortReplyMatches checks the first word of a reply of at most three
// words, ignoring a polite 요/줘 ending.
func shortReplyMatches(text string, words []string) bool {
	fields := strings.Fields(normalize(text))
	if len(fields) == 0 || len(fields) > 3 {
		return false
	}
	first := strings.TrimFunc(fields[0], unicode.IsPunct)
	for _, suffix := range []string{"요", "줘"} {
		if trimmed := strings.TrimSuffix(first, suffix); trimmed != "" {
			first = trimmed
		}
	}
	for _, w := range words {
		if first == w {
			return true
		}
	}
	return false
}

// ChainOf finds a chain mention and returns its key and the matched text.
func ChainOf(text string) (chain, matched string) {
	lower := strings.ToLower(text)
	for _, ck := range chainKeywords {
		for _, w := range ck.words {
			if strings.Contains(lower, w) {
				return ck.chain, w
			}
		}
	}
	return "", ""
}

var (
	clockRe    = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	ampmRe     = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
	koreanRe   = regexp.MustCompile(`(오전|오후|저녁|밤|아침|낮)?\s*(\d{1,2})\s*시\s*(?:(\d{1,2})\s*분|(반))?`)
	isoDateRe  = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	slashRe    = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})\b`)
	monthDayRe = regexp.MustCompile(`(\d{1,2})\s*월\s*(\d{1,2})\s*일`)
	weekdayRe  = regexp.MustCompile(`(이번\s*주|다음\s*주|담주)?\s*(월|화|수|목|금|토|일)요일`)
)

// ParseTime finds a showtime in text and returns it as HH:MM along with
// the matched span. Bare Korean hours 1 through 9 are read as evening
// showtimes.
func ParseTime(text string) (hhmm, matched string, ok bool) {
	if m := ampmRe.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		mins := atoiDefault(m[2], 0)
		switch strings.ToLower(m[3]) {
		case "pm":
			if h < 12 {
				h += 12
			}
		case "am":
			if h == 12 {
				h = 0
			}
		}
		if hhmm, ok := clock(h, mins); ok {
			return hhmm, m[0], true
		}
	}
	if m := clockRe.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		if hhmm, ok := clock(h, mins); ok {
			return hhmm, m[0], true
		}
	}
	if m := koreanRe.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[2])
		mins := atoiDefault(m[3], 0)
		if m[4] == "반" {
			mins = 30
		}
		switch m[1] {
		case "오후", "저녁", "밤", "낮":
			if h < 12 {
				h += 12
			}
		case "오전", "아침":
			if h == 12 {
				h = 0
			}
		default:
			if h >= 1 && h <= 9 {
				h += 12
			}
		}
		if hhmm, ok := clock(h, mins); ok {
			return hhmm, strings.TrimSpace(m[0]), true
		}
	}
	return "", "", false
}

func clock(h, m int) (string, bool) {
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", h, m), true
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

var weekdays = map[string]time.Weekday{
	"일": time.Sunday, "월": time.Monday, "화": time.Tuesday, "수": time.Wednesday,
	"목": time.Thursday, "금": time.Friday, "토": time.Saturday,
}

// ParseDate finds a date in text relative to now (interpreted in
// Asia/Seoul) and returns it as YYYY-MM-DD.
func ParseDate(text string, now time.Time) (date, matched string, ok bool) {
	today := now.In(slots.Seoul)
	today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, slots.Seoul)
	format := func(t time.Time) string { return t.Format("2006-01-02") }

	if m := isoDateRe.FindStringSubmatch(text); m != nil {
		if d, ok := civil(atoiDefault(m[1], 0), atoiDefault(m[2], 0), atoiDefault(m[3], 0)); ok {
			return format(d), m[0], true
		}
	}
	if m := monthDayRe.FindStringSubmatch(text); m != nil {
		if d, ok := civil(today.Year(), atoiDefault(m[1], 0), atoiDefault(m[2], 0)); ok {
			return format(d), m[0], true
		}
	}
	if m := slashRe.FindStringSubmatch(text); m != nil {
		if d, ok := civil(today.Year(), atoiDefault(m[1], 0), atoiDefault(m[2], 0)); ok {
			return format(d), m[0], true
		}
	}
	if m := weekdayRe.FindStringSubmatch(text); m != nil {
		want := weekdays[m[2]]
		var d time.Time
		if strings.HasPrefix(m[1], "다음") || m[1] == "담주" {
			// Monday-based weeks.
			offset := (int(today.Weekday()) + 6) % 7
			nextMonday := today.AddDate(0, 0, 7-offset)
			d = nextMonday.AddDate(0, 0, (int(want)+6)%7)
		} else {
			d = today.AddDate(0, 0, (int(want)-int(today.Weekday())+7)%7)
		}
		return format(d), strings.TrimSpace(m[0]), true
	}
	for _, rel := range []struct {
		word string
		days int
	}{{"모레", 2}, {"내일", 1}, {"오늘", 0}} {
		if strings.Contains(text, rel.word) {
			return format(today.AddDate(0, 0, rel.days)), rel.word, true
		}
	}
	return "", "", false
}

// civil builds a date and rejects overflowing values such as 2/30.
func civil(y, m, d int) (time.Time, bool) {
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, slots.Seoul)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

// Keyword fills slots from chain, time and date patterns without an LLM.
// Leftover words are tried as theater names against the finder; what
// remains after that becomes the movie.
type Keyword struct {
	theaters TheaterFinder
}

// NewKeyword creates a keyword extractor. theaters may be nil.
func NewKeyword(theaters TheaterFinder) *Keyword {
	return &Keyword{theaters: theaters}
}

// Extract reads one message. Cancel, affirm and deny replies map to
// actions and fill nothing.
func (k *Keyword) Extract(ctx context.Context, turn Turn) Result {
	text := turn.Text
	res := Result{Source: SourceKeyword, Booking: IsBookingIntent(text)}
	switch {
	case IsCancel(text):
		res.Action = ActionCancel
		return res
	case IsAffirm(text):
		res.Action = ActionAffirm
		return res
	case IsDeny(text):
		res.Action = ActionDeny
		return res
	}

	correction := IsCorrection(text)
	if after, ok := replacement(text); ok && strings.TrimSpace(after) != "" {
		text = after
	}

	rest := " " + text + " "
	chain, chainText := ChainOf(text)
	if chain != "" {
		res.Patch.Set(slots.SlotChain, chain, "", true)
		rest = removeFold(rest, chainText)
	}
	if hhmm, span, ok := ParseTime(rest); ok {
		res.Patch.Set(slots.SlotTime, hhmm, "", true)
		rest = strings.Replace(rest, span, " ", 1)
	}
	if date, span, ok := ParseDate(rest, turn.Now); ok {
		res.Patch.Set(slots.SlotDate, date, "", true)
		rest = strings.Replace(rest, span, " ", 1)
	}
	for _, st := range []string{"IMAX", "4DX", "SCREENX", "돌비", "DOLBY", "아이맥스"} {
		if idx := strings.Index(strings.ToUpper(rest), st); idx >= 0 {
			res.Patch.Set(slots.SlotScreenType, screenType(st), "", true)
			rest = removeFold(rest, st)
			break
		}
	}

	words := contentWords(rest)
	if len(words) > 0 && k.theaters != nil {
		for i, w := range words {
			found, err := k.theaters.SearchTheaters(ctx, chain, w, 2)
			if err != nil || len(found) == 0 {
				continue
			}
			th := found[0]
			res.Patch.Set(slots.SlotTheater, th.Name, th.ID, true)
			if chain == "" {
				res.Patch.Set(slots.SlotChain, th.Chain, "", false)
			}
			words = append(words[:i:i], words[i+1:]...)
			break
		}
	}
	if len(words) > 0 && (res.Booking || !res.Patch.Empty() || turn.awaits(slots.SlotMovie)) {
		res.Patch.Set(slots.SlotMovie, strings.Join(words, " "), "", true)
	}
	if !res.Patch.Empty() {
		res.Booking = true
		res.Patch.Correction = correction
	}
	return res
}

func screenType(token string) string {
	switch token {
	case "아이맥스":
		return "IMAX"
	case "돌비", "DOLBY":
		return "DOLBY"
	}
	return token
}

// removeFold deletes the first case-insensitive occurrence of sub.
func removeFold(s, sub string) string {
	idx := strings.Index(strings.ToLower(s), strings.ToLower(sub))
	if idx < 0 {
		return s
	}
	return s[:idx] + " " + s[idx+len(sub):]
}

// contentWords splits what is left of a message into candidate names,
// dropping filler and trailing particles.
func contentWords(s string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '-' && r != ':')
	}) {
		w := f
		for _, p := range particles {
			if trimmed := strings.TrimSuffix(w, p); trimmed != w && len([]rune(trimmed)) >= 2 {
				w = trimmed
				break
			}
		}
		if isFiller(w) || isFiller(f) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func isFiller(w string) bool {
	lw := strings.ToLower(w)
	for _, f := range fillerWords {
		if lw == f {
			return true
		}
	}
	for _, f := range []string{"예매", "해줘", "보고싶", "싶어", "바꿔", "바꾸", "변경", "말고", "대신"} {
		if strings.HasPrefix(lw, f) || strings.HasSuffix(lw, f) {
			return true
		}
	}
	return false
}
