package intent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/stephen-kim/cinepyle/internal/slots"
	"github.com/stephen-kim/cinepyle/internal/storage"
)

// Saturday, 2026-03-14 12:00 in Seoul.
var testNow = time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)

// mockFinder matches queries against a fixed theater list.
type mockFinder struct {
	theaters []storage.Theater
	queries  []string
}

func (m *mockFinder) SearchTheaters(ctx context.Context, chain, query string, limit int) ([]storage.Theater, error) {
	m.queries = append(m.queries, query)
	var out []storage.Theater
	for _, th := range m.theaters {
		if (chain == "" || th.Chain == chain) && strings.Contains(th.Name, query) {
			out = append(out, th)
		}
	}
	return out, nil
}

func yongsan() *mockFinder {
	return &mockFinder{theaters: []storage.Theater{
		{Chain: "cgv", ID: "0013", Name: "CGV용산아이파크몰"},
		{Chain: "megabox", ID: "1372", Name: "메가박스 코엑스"},
	}}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"19:00", "19:00"},
		{"7pm", "19:00"},
		{"10:30am", "10:30"},
		{"12am", "00:00"},
		{"저녁 7시", "19:00"},
		{"오후 7시 30분", "19:30"},
		{"7시 반", "19:30"},
		{"오전 10시", "10:00"},
		{"밤 11시", "23:00"},
		{"12시", "12:00"},
		{"9:05", "09:05"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, _, ok := ParseTime(tt.in)
			if !ok || got != tt.want {
				t.Errorf("ParseTime(%q) = %q, %v; want %q", tt.in, got, ok, tt.want)
			}
		})
	}

	if _, _, ok := ParseTime("몇시에 해?"); ok {
		t.Error("ParseTime matched text without a time")
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"오늘", "2026-03-14"},
		{"내일 저녁", "2026-03-15"},
		{"모레", "2026-03-16"},
		{"2026-04-01", "2026-04-01"},
		{"3/20", "2026-03-20"},
		{"4월 5일", "2026-04-05"},
		{"토요일", "2026-03-14"},
		{"이번 주 금요일", "2026-03-20"},
		{"다음 주 화요일", "2026-03-17"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, _, ok := ParseDate(tt.in, testNow)
			if !ok || got != tt.want {
				t.Errorf("ParseDate(%q) = %q, %v; want %q", tt.in, got, ok, tt.want)
			}
		})
	}

	if _, _, ok := ParseDate("2/30", testNow); ok {
		t.Error("ParseDate accepted 2/30")
	}
}

func TestReplyClassification(t *testing.T) {
	for _, s := range []string{"네", "네 좋아요", "좋아요", "예매해줘", "OK!", "확인"} {
		if !IsAffirm(s) {
			t.Errorf("IsAffirm(%q) = false", s)
		}
	}
	for _, s := range []string{"예매", "네 그런데 시간을 바꿔 주세요", "아니요"} {
		if IsAffirm(s) {
			t.Errorf("IsAffirm(%q) = true", s)
		}
	}
	for _, s := range []string{"아니요", "아니", "no"} {
		if !IsDeny(s) {
			t.Errorf("IsDeny(%q) = false", s)
		}
	}
	for _, s := range []string{"아니 8시로 바꿔줘", "아니 메가박스로 변경"} {
		if IsDeny(s) {
			t.Errorf("IsDeny(%q) = true, want a correction", s)
		}
	}
	if IsAffirm("네 8시로 바꿔줘") {
		t.Error(`IsAffirm("네 8시로 바꿔줘") = true, want a correction`)
	}
	for _, s := range []string{"취소해줘", "/cancel", "예매 취소할래"} {
		if !IsCancel(s) {
			t.Errorf("IsCancel(%q) = false", s)
		}
	}
	if !IsBookingIntent("내일 영화 예매하고 싶어") || IsBookingIntent("안녕") {
		t.Error("IsBookingIntent misclassified")
	}
}

func TestChainOf(t *testing.T) {
	tests := []struct{ in, want string }{
		{"CGV 강남", "cgv"},
		{"롯데시네마 월드타워", "lotte"},
		{"롯데에서", "lotte"},
		{"메가박스 코엑스", "megabox"},
		{"씨네Q 신도림", "cineq"},
		{"영화 보고싶어", ""},
	}
	for _, tt := range tests {
		if got, _ := ChainOf(tt.in); got != tt.want {
			t.Errorf("ChainOf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKeywordFillsAllRequiredInOneTurn(t *testing.T) {
	finder := yongsan()
	k := NewKeyword(finder)

	res := k.Extract(context.Background(), Turn{Text: "CGV 용산 인터스텔라 7pm", Now: testNow})
	if res.Source != SourceKeyword || !res.Booking {
		t.Errorf("Source=%q Booking=%v", res.Source, res.Booking)
	}
	want := map[slots.Slot]slots.Fill{
		slots.SlotChain:   {Text: "cgv", Confirmed: true},
		slots.SlotTheater: {Text: "CGV용산아이파크몰", ID: "0013", Confirmed: true},
		slots.SlotMovie:   {Text: "인터스텔라", Confirmed: true},
		slots.SlotTime:    {Text: "19:00", Confirmed: true},
	}
	if diff := cmp.Diff(want, res.Patch.Fills); diff != "" {
		t.Fatalf("Patch mismatch (-want +got):\n%s", diff)
	}

	m := slots.New(slots.Options{})
	if _, err := m.Apply(res.Patch); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if m.State() != slots.Confirming {
		t.Errorf("State() = %s, want confirming", m.State())
	}
}

func TestKeywordInfersChainFromTheater(t *testing.T) {
	k := NewKeyword(yongsan())
	res := k.Extract(context.Background(), Turn{Text: "코엑스에서 내일 저녁 7시 듄 예매", Now: testNow})

	if got := res.Patch.Fills[slots.SlotChain]; got.Text != "megabox" || got.Confirmed {
		t.Errorf("chain fill = %+v, want pending megabox", got)
	}
	if got := res.Patch.Fills[slots.SlotDate].Text; got != "2026-03-15" {
		t.Errorf("date = %q", got)
	}
	if got := res.Patch.Fills[slots.SlotMovie].Text; got != "듄" {
		t.Errorf("movie = %q, want 듄", got)
	}
}

func TestKeywordActions(t *testing.T) {
	k := NewKeyword(nil)
	tests := []struct {
		in   string
		want Action
	}{
		{"네", ActionAffirm},
		{"아니요", ActionDeny},
		{"그냥 취소", ActionCancel},
	}
	for _, tt := range tests {
		res := k.Extract(context.Background(), Turn{Text: tt.in, Now: testNow})
		if res.Action != tt.want {
			t.Errorf("Extract(%q).Action = %s, want %s", tt.in, res.Action, tt.want)
		}
		if !res.Patch.Empty() {
			t.Errorf("Extract(%q) filled slots: %+v", tt.in, res.Patch.Fills)
		}
	}
}

func TestKeywordBareMovieWhenAsked(t *testing.T) {
	k := NewKeyword(nil)

	res := k.Extract(context.Background(), Turn{Text: "인터스텔라", Now: testNow})
	if !res.Patch.Empty() {
		t.Errorf("filled without context: %+v", res.Patch.Fills)
	}

	res = k.Extract(context.Background(), Turn{Text: "인터스텔라", Now: testNow, Missing: []slots.Slot{slots.SlotMovie}})
	if got := res.Patch.Fills[slots.SlotMovie].Text; got != "인터스텔라" {
		t.Errorf("movie = %q, want 인터스텔라", got)
	}
}

func TestKeywordCorrections(t *testing.T) {
	k := NewKeyword(yongsan())
	tests := []struct {
		in   string
		want map[slots.Slot]slots.Fill
	}{
		{"8시로 바꿔줘", map[slots.Slot]slots.Fill{
			slots.SlotTime: {Text: "20:00", Confirmed: true},
		}},
		{"7시 말고 9시 30분으로", map[slots.Slot]slots.Fill{
			slots.SlotTime: {Text: "21:30", Confirmed: true},
		}},
		{"CGV 말고 메가박스로 바꿔줘", map[slots.Slot]slots.Fill{
			slots.SlotChain: {Text: "megabox", Confirmed: true},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			res := k.Extract(context.Background(), Turn{Text: tt.in, Now: testNow})
			if !res.Patch.Correction {
				t.Error("Correction = false, want true")
			}
			if diff := cmp.Diff(tt.want, res.Patch.Fills); diff != "" {
				t.Errorf("Patch mismatch (-want +got):\n%s", diff)
			}
		})
	}

	res := k.Extract(context.Background(), Turn{Text: "CGV 용산 인터스텔라 7pm", Now: testNow})
	if res.Patch.Correction {
		t.Error("first mention marked as a correction")
	}
}
