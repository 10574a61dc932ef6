package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stephen-kim/cinepyle/internal/slots"
)

func TestSweeper_ExpiresIdleConversations(t *testing.T) {
	f := newFixture(t, &fakeAdapter{chain: "cgv"}, fixtureOptions{})
	f.send(t, "idle", "CGV 예매")
	f.send(t, "active", "CGV 예매")

	s := NewSweeper(f.o, SweeperOptions{Clock: f.clock})
	if n := s.RunOnce(context.Background()); n != 0 {
		t.Fatalf("RunOnce = %d before the timeout, want 0", n)
	}

	f.clock.Advance(4 * time.Minute)
	f.send(t, "active", "안녕")
	f.clock.Advance(2 * time.Minute)

	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce = %d, want 1", n)
	}
	msg := f.notes.next(t, func(o Outbound) bool { return strings.Contains(o.Text, "응답이 없어") })
	if msg.Text == "" {
		t.Error("expected an expiry notice")
	}
	if _, ok := f.o.State("idle"); ok {
		t.Error("expired conversation should be dropped")
	}
	if st, _ := f.o.State("active"); st != slots.Collecting {
		t.Errorf("active conversation state = %s, want collecting", st)
	}
}

func TestSweeper_ExpiryCancelsRunningSession(t *testing.T) {
	f := newFixture(t, &fakeAdapter{chain: "cgv", blockLogin: true}, fixtureOptions{})
	f.send(t, "c1", "CGV 용산 인터스텔라 7pm")
	f.send(t, "c1", "네")
	a := f.active(t, "c1")

	f.clock.Advance(6 * time.Minute)
	if n := NewSweeper(f.o, SweeperOptions{Clock: f.clock}).RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce = %d, want 1", n)
	}
	waitDone(t, a)
	if st := f.pool.Stats(); st.Acquired != st.Released {
		t.Errorf("pool stats = %+v, want page released", st)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, &fakeAdapter{chain: "cgv"}, fixtureOptions{})
	s := NewSweeper(f.o, SweeperOptions{Interval: time.Millisecond, Clock: f.clock})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOutbox(t *testing.T) {
	b := NewOutbox(2)
	b.Notify("c1", Outbound{Text: "a"}, Outbound{Text: "b"})
	b.Notify("c1", Outbound{Text: "c"})
	b.Notify("c2", Outbound{Text: "x"})

	got := b.Drain("c1")
	if len(got) != 2 || got[0].Text != "b" || got[1].Text != "c" {
		t.Errorf("Drain(c1) = %+v, want the newest two", got)
	}
	if got := b.Drain("c1"); len(got) != 0 {
		t.Errorf("second Drain = %+v, want empty", got)
	}
	if got := b.Drain("c2"); len(got) != 1 {
		t.Errorf("Drain(c2) = %+v", got)
	}
}
