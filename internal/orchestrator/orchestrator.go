// Package orchestrator runs booking conversations: it feeds each message
// through intent extraction, applies the result to the conversation's slot
// machine, answers lookups, and starts a booking session on confirmation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/stephen-kim/cinepyle/internal/booking"
	"github.com/stephen-kim/cinepyle/internal/captcha"
	"github.com/stephen-kim/cinepyle/internal/config"
	"github.com/stephen-kim/cinepyle/internal/intent"
	"github.com/stephen-kim/cinepyle/internal/llm"
	"github.com/stephen-kim/cinepyle/internal/logging"
	"github.com/stephen-kim/cinepyle/internal/slots"
	"github.com/stephen-kim/cinepyle/internal/storage"
)

const defaultHistory = 10

// Location is a position the user shared.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Inbound is one user message.
type Inbound struct {
	Text     string    `json:"text"`
	Location *Location `json:"location,omitempty"`
}

// Outbound is one reply: text, or an image with a caption.
type Outbound struct {
	Text    string `json:"text,omitempty"`
	Image   []byte `json:"image,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// Notifier delivers messages produced after HandleMessage returned, such
// as booking progress and outcomes.
type Notifier interface {
	Notify(conversationID string, msgs ...Outbound)
}

// TheaterDirectory looks theaters up by name.
type TheaterDirectory interface {
	SearchTheaters(ctx context.Context, chain, query string, limit int) ([]storage.Theater, error)
}

// NearbyFinder finds theaters around a position.
type NearbyFinder interface {
	FindNearby(ctx context.Context, lat, lng float64, count int) ([]storage.Theater, error)
}

// Extractor interprets a message. Implemented by *intent.Extractor.
type Extractor interface {
	Extract(ctx context.Context, turn intent.Turn, runner intent.ToolRunner) (intent.Result, error)
}

// Adapters resolves a chain's booking adapter. Implemented by
// *booking.Registry.
type Adapters interface {
	For(chain string) (booking.Adapter, error)
}

// Options configures an Orchestrator.
type Options struct {
	SessionTimeout     time.Duration
	CaptchaMaxAttempts int
	SeatCount          int
	PaymentMethod      string
	// StepTimeout bounds each non-navigation page call in bookings and
	// showtime lookups.
	StepTimeout time.Duration
	// HistoryLimit caps the messages kept per conversation.
	HistoryLimit int
	Credentials  config.ChainsConfig
	Preferred    []config.PreferredTheater
	Clock        slots.Clock
	Logger       *slog.Logger
}

// Deps are the Orchestrator's collaborators. Nearby and Vision may be nil.
type Deps struct {
	Extractor Extractor
	Directory TheaterDirectory
	Nearby    NearbyFinder
	Adapters  Adapters
	Pool      booking.Leaser
	Vision    captcha.Solver
	Notifier  Notifier
}

// Orchestrator holds one state per conversation. It is safe for
// concurrent use; messages for one conversation are handled in order.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	convs map[string]*conversation
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 5 * time.Minute
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistory
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 15 * time.Second
	}
	if opts.SeatCount < 1 {
		opts.SeatCount = 1
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("orchestrator")
	}
	if deps.Notifier == nil {
		deps.Notifier = discard{}
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: opts.Logger,
		convs:  make(map[string]*conversation),
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type discard struct{}

func (discard) Notify(string, ...Outbound) {}

// conversation is the per-conversation state. mu is held for the whole
// of a HandleMessage call.
type conversation struct {
	id       string
	mu       sync.Mutex
	machine  *slots.Machine
	history  []llm.Message
	location *Location
	lastSeen time.Time
	active   *activeSession
}

type activeSession struct {
	session *booking.Session
	// machine is the one the session drives. A cancel replaces the
	// conversation's machine while the session winds down.
	machine *slots.Machine
	cancel  context.CancelFunc
	human   *humanChannel
	done    chan struct{}
}

func (o *Orchestrator) conversation(id string) *conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.convs[id]
	if !ok {
		c = &conversation{id: id}
		o.convs[id] = c
	}
	return c
}

func (o *Orchestrator) newMachine() *slots.Machine {
	return slots.New(slots.Options{
		SessionTimeout:     o.opts.SessionTimeout,
		CaptchaMaxAttempts: o.opts.CaptchaMaxAttempts,
		Clock:              o.opts.Clock,
	})
}

func (c *conversation) remember(limit int, msgs ...llm.Message) {
	c.history = append(c.history, msgs...)
	if n := len(c.history); n > limit {
		c.history = append([]llm.Message(nil), c.history[n-limit:]...)
	}
}

func text(s string) []Outbound {
	return []Outbound{{Text: s}}
}

// State reports a conversation's machine state, or false if the
// conversation is unknown.
func (o *Orchestrator) State(conversationID string) (slots.State, bool) {
	o.mu.Lock()
	c, ok := o.convs[conversationID]
	o.mu.Unlock()
	if !ok {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine == nil {
		return slots.Collecting, true
	}
	return c.machine.State(), true
}

// HandleMessage processes one inbound message and returns the immediate
// replies. The error is non-nil only when ctx ends first.
func (o *Orchestrator) HandleMessage(ctx context.Context, conversationID string, in Inbound) ([]Outbound, error) {
	c := o.conversation(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := o.opts.Clock.Now()
	c.lastSeen = now
	if in.Location != nil {
		c.location = in.Location
	}
	if c.machine == nil || c.machine.State().Terminal() {
		c.machine = o.newMachine()
		c.history = nil
	}
	m := c.machine
	m.Touch()
	msg := strings.TrimSpace(in.Text)

	if intent.IsCancel(msg) {
		return o.cancel(c), nil
	}

	state := m.State()
	if state == slots.AwaitingCaptcha && c.active != nil && c.active.human.waiting() {
		c.active.human.answer(msg)
		return text("보안 문자를 확인하고 있어요..."), nil
	}
	if state.Busy() {
		return text("예매가 이미 진행 중입니다. 그만하려면 '취소'라고 입력해 주세요."), nil
	}
	if msg == "" {
		if in.Location != nil {
			return text("위치를 받았어요. 근처 영화관을 찾아 드릴까요?"), nil
		}
		return nil, nil
	}
	if state == slots.Confirming {
		switch {
		case intent.IsAffirm(msg):
			return o.start(c), nil
		case intent.IsDeny(msg):
			return o.deny(c), nil
		}
	}

	turn := intent.Turn{
		Text:        msg,
		History:     append([]llm.Message(nil), c.history...),
		State:       m.Describe(),
		Missing:     m.MissingRequired(),
		Now:         now,
		HasLocation: c.location != nil && o.deps.Nearby != nil,
	}
	res, err := o.deps.Extractor.Extract(ctx, turn, &toolRunner{o: o, conv: c})
	if err != nil {
		return nil, err
	}
	o.logger.Debug("message interpreted", "conversation", c.id, "source", res.Source,
		"action", res.Action, "slots", len(res.Patch.Fills), "rounds", res.Rounds)

	out := o.react(c, res)
	c.remember(o.opts.HistoryLimit, llm.Message{Role: llm.RoleUser, Content: msg})
	for _, r := range out {
		if r.Text != "" {
			c.remember(o.opts.HistoryLimit, llm.Message{Role: llm.RoleAssistant, Content: r.Text})
		}
	}
	return out, nil
}

// react applies an extraction result to the machine and builds the reply.
func (o *Orchestrator) react(c *conversation, res intent.Result) []Outbound {
	m := c.machine
	switch res.Action {
	case intent.ActionCancel:
		return o.cancel(c)
	case intent.ActionDeny:
		if m.State() == slots.Confirming {
			return o.deny(c)
		}
	}

	var held []slots.Slot
	if !res.Patch.Empty() {
		o.withPreferences(m, &res.Patch)
		if !res.Patch.Correction {
			held = m.Conflicts(res.Patch)
		}
		if _, err := m.Apply(res.Patch); err != nil {
			o.logger.Info("patch rejected", "conversation", c.id, "error", err)
			return text(fmt.Sprintf("입력을 이해하지 못했어요 (%v). 다시 알려 주세요.", err))
		}
	}
	reply := func(s string) []Outbound {
		if len(held) > 0 {
			s = heldNotice(held) + "\n" + s
		}
		return text(s)
	}

	if res.Action == intent.ActionAffirm {
		if m.State() == slots.Confirming && len(held) == 0 {
			return o.start(c)
		}
		if res.Reply == "" && m.State() != slots.Confirming {
			return reply(m.Question())
		}
	}

	if res.Reply != "" {
		return reply(res.Reply)
	}
	switch {
	case m.State() == slots.Confirming:
		return reply(m.Summary())
	case res.Booking || !res.Patch.Empty():
		return reply(m.Question())
	}
	return text("영화 예매를 도와드릴게요. 어느 극장에서 어떤 영화를 보고 싶으세요?")
}

// heldNotice tells the user which confirmed values a message left alone.
func heldNotice(held []slots.Slot) string {
	names := make([]string, len(held))
	for i, s := range held {
		names[i] = s.Label()
	}
	return fmt.Sprintf("이미 정한 %s은(는) 그대로 두었어요. 바꾸시려면 \"%s 바꿔줘\"처럼 말씀해 주세요.",
		strings.Join(names, ", "), correctionExamples[held[0]])
}

var correctionExamples = map[slots.Slot]string{
	slots.SlotChain:      "메가박스로",
	slots.SlotTheater:    "코엑스로",
	slots.SlotMovie:      "듄으로",
	slots.SlotDate:       "내일로",
	slots.SlotTime:       "8시로",
	slots.SlotScreenType: "IMAX로",
}

// withPreferences fills the theater as pending from the first preferred
// theater of the chosen chain when the user has not named one or has just
// switched chains.
func (o *Orchestrator) withPreferences(m *slots.Machine, p *slots.Patch) {
	if _, named := p.Fills[slots.SlotTheater]; named {
		return
	}
	chain := m.Get(slots.SlotChain).Text
	switched := false
	if f, ok := p.Fills[slots.SlotChain]; ok {
		next := strings.ToLower(strings.TrimSpace(f.Text))
		switched = chain != "" && next != chain && p.Correction
		chain = next
	}
	// A corrected chain drops the old chain's theater.
	if m.Get(slots.SlotTheater).Status != slots.Unset && !switched {
		return
	}
	if chain == "" {
		return
	}
	for _, pt := range o.opts.Preferred {
		if pt.Chain != chain {
			continue
		}
		name := pt.Name
		if name == "" {
			name = pt.ID
		}
		p.Set(slots.SlotTheater, name, pt.ID, false)
		return
	}
}

func (o *Orchestrator) deny(c *conversation) []Outbound {
	if err := c.machine.Deny(); err != nil {
		o.logger.Warn("deny", "conversation", c.id, "error", err)
	}
	return text("예매를 진행하지 않을게요. 다른 예매가 필요하면 말씀해 주세요.")
}

// cancel ends the conversation's booking and tears down a running session.
func (o *Orchestrator) cancel(c *conversation) []Outbound {
	if c.active != nil {
		c.active.cancel()
	}
	if !c.machine.State().Terminal() {
		if err := c.machine.Cancel(); err != nil {
			o.logger.Warn("cancel", "conversation", c.id, "error", err)
		}
	}
	c.history = nil
	return text("예매를 취소했어요.")
}

// start moves the machine to Executing and runs the booking in the
// background. Progress and the outcome go through the Notifier.
func (o *Orchestrator) start(c *conversation) []Outbound {
	m := c.machine
	if err := m.Affirm(); err != nil {
		o.logger.Warn("affirm", "conversation", c.id, "error", err)
		return text(m.Question())
	}
	snap := m.Snapshot()
	adapter, err := o.deps.Adapters.For(snap.Chain)
	if err != nil {
		_ = m.Fail(booking.ReasonSiteError)
		return text(fmt.Sprintf("%s 예매는 아직 지원하지 않아요.", slots.ChainName(snap.Chain)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	human := newHumanChannel(o.opts.SessionTimeout)
	id := c.id
	sess := booking.NewSession(booking.SessionConfig{
		Adapter:       adapter,
		Pool:          o.deps.Pool,
		Machine:       m,
		Credentials:   o.opts.Credentials.For(snap.Chain),
		Vision:        o.deps.Vision,
		Human:         human,
		SeatCount:     o.opts.SeatCount,
		PaymentMethod: o.opts.PaymentMethod,
		StepTimeout:   o.opts.StepTimeout,
		Progress: func(u booking.Update) {
			if len(u.Image) > 0 {
				o.deps.Notifier.Notify(id, Outbound{Image: u.Image, Caption: u.Text})
				return
			}
			o.deps.Notifier.Notify(id, Outbound{Text: u.Text})
		},
		Logger: o.logger.With("conversation", id),
	})
	active := &activeSession{session: sess, machine: m, cancel: cancel, human: human, done: make(chan struct{})}
	c.active = active

	o.logger.Info("booking started", "conversation", id, "session", sess.ID(), "chain", snap.Chain)
	go o.run(ctx, c, active)

	return text(fmt.Sprintf("%s %s %s 예매를 시작합니다. 진행 상황을 알려 드릴게요.",
		slots.ChainName(snap.Chain), snap.TheaterName, snap.Time))
}

func (o *Orchestrator) run(ctx context.Context, c *conversation, a *activeSession) {
	defer close(a.done)
	defer a.cancel()

	conf, err := a.session.Run(ctx)
	msgs := outcome(a.machine, conf, err)
	if len(msgs) > 0 {
		o.deps.Notifier.Notify(c.id, msgs...)
	}
	o.logger.Info("booking finished", "conversation", c.id, "session", a.session.ID(),
		"status", a.session.Status(), "error", err)

	c.mu.Lock()
	if c.active == a {
		c.active = nil
	}
	c.mu.Unlock()
}

// outcome renders the result of a finished session.
func outcome(m *slots.Machine, conf booking.Confirmation, err error) []Outbound {
	if err == nil {
		var b strings.Builder
		b.WriteString("결제 직전 단계까지 진행했어요.")
		if len(conf.Seats) > 0 {
			fmt.Fprintf(&b, " 좌석: %s.", strings.Join(conf.Seats, ", "))
		}
		if conf.Method != "" {
			fmt.Fprintf(&b, " 결제 수단: %s.", conf.Method)
		}
		if conf.BookingNumber != "" {
			fmt.Fprintf(&b, " 예매번호: %s.", conf.BookingNumber)
		} else {
			b.WriteString(" 화면에서 결제를 마무리해 주세요.")
		}
		if len(conf.Screenshot) > 0 {
			return []Outbound{{Image: conf.Screenshot, Caption: b.String()}}
		}
		return text(b.String())
	}

	var rej *booking.SiteRejectedError
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.As(err, &rej):
		return text(fmt.Sprintf("%s. %s", rej.Reason, m.Question()))
	case errors.Is(err, booking.ErrCaptchaUnsolved):
		return text("보안 문자를 풀지 못했어요. 사이트에서 직접 예매를 마무리하시거나 새로 예매를 요청해 주세요.")
	}
	return text(failureText(err))
}

// failureText is the Korean reply for an error that ends a lookup or a
// booking.
func failureText(err error) string {
	switch booking.FailureReason(err) {
	case booking.ReasonResourceExhausted:
		return "지금 처리 중인 요청이 많아요. 잠시 후 다시 시도해 주세요."
	case booking.ReasonExtractionFailed:
		return "지금은 상영시간을 불러올 수 없어요. 잠시 후 다시 시도해 주세요."
	case booking.ReasonCredentialsRequired:
		return "이 영화관의 로그인 정보가 설정되어 있지 않아요. 설정 후 다시 시도해 주세요."
	case booking.ReasonLoginFailed:
		return "로그인에 실패했어요. 계정 정보를 확인해 주세요."
	case booking.ReasonStepTimeout:
		return "사이트가 응답하지 않아 진행을 멈췄어요. 잠시 후 다시 시도해 주세요."
	}
	return "예매 중 사이트에서 문제가 발생했어요. 잠시 후 다시 시도해 주세요."
}

// ExpireIdle cancels conversations idle for the session timeout and drops
// finished ones. It returns how many bookings it cancelled.
func (o *Orchestrator) ExpireIdle(now time.Time) int {
	o.mu.Lock()
	convs := make([]*conversation, 0, len(o.convs))
	for _, c := range o.convs {
		convs = append(convs, c)
	}
	o.mu.Unlock()

	expired := 0
	for _, c := range convs {
		c.mu.Lock()
		if c.machine != nil && c.machine.Expire(now) {
			expired++
			if c.active != nil {
				c.active.cancel()
			}
			o.logger.Info("conversation expired", "conversation", c.id)
			o.deps.Notifier.Notify(c.id, Outbound{Text: "한동안 응답이 없어 예매를 취소했어요."})
		}
		drop := c.active == nil && now.Sub(c.lastSeen) >= o.opts.SessionTimeout &&
			(c.machine == nil || c.machine.State().Terminal())
		c.mu.Unlock()

		if drop {
			o.mu.Lock()
			if o.convs[c.id] == c {
				delete(o.convs, c.id)
			}
			o.mu.Unlock()
		}
	}
	return expired
}

// Close cancels every running booking and waits for them to stop.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	var running []*activeSession
	for _, c := range o.convs {
		c.mu.Lock()
		if c.active != nil {
			running = append(running, c.active)
		}
		c.mu.Unlock()
	}
	o.mu.Unlock()

	for _, a := range running {
		a.cancel()
		<-a.done
	}
}
