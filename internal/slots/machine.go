package slots

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// State is the machine's position in the booking conversation.
type State string

const (
	Collecting      State = "collecting"
	Confirming      State = "confirming"
	Executing       State = "executing"
	AwaitingCaptcha State = "awaiting_captcha"
	Succeeded       State = "succeeded"
	Failed          State = "failed"
	Cancelled       State = "cancelled"
)

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Busy reports whether a booking is running.
func (s State) Busy() bool {
	return s == Executing || s == AwaitingCaptcha
}

var (
	// ErrInvalidTransition is returned when an operation does not apply
	// to the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrBookingInProgress is returned by Apply while a booking runs.
	ErrBookingInProgress = errors.New("booking in progress")
)

// ReasonCaptchaUnsolved is the failure reason after too many rejected
// CAPTCHA answers.
const ReasonCaptchaUnsolved = "captcha_unsolved"

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Seoul is the zone booking dates are interpreted in.
var Seoul = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}()

// Options configures a Machine.
type Options struct {
	SessionTimeout     time.Duration
	CaptchaMaxAttempts int
	Clock              Clock
}

// Machine tracks one booking conversation. It is safe for concurrent use.
type Machine struct {
	mu sync.Mutex

	state           State
	values          map[Slot]Value
	captchaAttempts int
	failReason      string

	timeout      time.Duration
	maxCaptcha   int
	clock        Clock
	lastActivity time.Time
}

// New creates a Machine in Collecting with every slot unset.
func New(opts Options) *Machine {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 5 * time.Minute
	}
	if opts.CaptchaMaxAttempts <= 0 {
		opts.CaptchaMaxAttempts = 3
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	return &Machine{
		state:        Collecting,
		values:       make(map[Slot]Value),
		timeout:      opts.SessionTimeout,
		maxCaptcha:   opts.CaptchaMaxAttempts,
		clock:        opts.Clock,
		lastActivity: opts.Clock.Now(),
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Get returns a slot's value.
func (m *Machine) Get(slot Slot) Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[slot]
}

// CaptchaAttempts returns how many CAPTCHA answers were rejected.
func (m *Machine) CaptchaAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captchaAttempts
}

// FailReason returns why the machine failed, if it did.
func (m *Machine) FailReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failReason
}

func (m *Machine) touch() {
	m.lastActivity = m.clock.Now()
}

func (m *Machine) invalid(op string) error {
	return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, op, m.state)
}

// Apply merges a patch and returns the slots whose value changed. It moves
// to Confirming once every required slot is set, and back to Collecting
// when a slot changes during confirmation. Nothing is applied if any fill
// is invalid.
func (m *Machine) Apply(p Patch) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state.Busy():
		return nil, ErrBookingInProgress
	case m.state.Terminal():
		return nil, m.invalid("apply")
	}

	fills := make(map[Slot]Fill, len(p.Fills))
	for slot, f := range p.Fills {
		nf, err := validate(slot, f)
		if err != nil {
			return nil, err
		}
		fills[slot] = nf
	}

	m.touch()

	prevChain := m.values[SlotChain]
	var changed []Slot
	for _, slot := range All {
		f, ok := fills[slot]
		if !ok {
			continue
		}
		cur := m.values[slot]
		status := Pending
		if f.Confirmed {
			status = Confirmed
		}
		same := cur.Status != Unset && cur.Text == f.Text && cur.ID == f.ID

		switch {
		case same:
			if status > cur.Status {
				cur.Status = status
				m.values[slot] = cur
			}
		case cur.Status == Confirmed && !p.Correction:
			// A confirmed value only yields to an explicit correction.
		default:
			m.values[slot] = Value{Text: f.Text, ID: f.ID, Status: status}
			changed = append(changed, slot)
		}
	}

	// A theater and a movie code belong to one chain's site.
	if prevChain.Status != Unset && slices.Contains(changed, SlotChain) {
		th, named := fills[SlotTheater]
		cur := m.values[SlotTheater]
		kept := named && cur.Text == th.Text && cur.ID == th.ID
		if cur.Status != Unset && !kept {
			delete(m.values, SlotTheater)
			changed = append(changed, SlotTheater)
		}
		if mv := m.values[SlotMovie]; mv.ID != "" {
			if f, named := fills[SlotMovie]; !named || f.ID == "" {
				mv.ID = ""
				m.values[SlotMovie] = mv
			}
		}
	}

	if m.state == Confirming && len(changed) > 0 {
		m.state = Collecting
	}
	if m.state == Collecting && len(m.missingLocked()) == 0 {
		m.state = Confirming
	}
	return changed, nil
}

// Conflicts lists the confirmed slots that an explicit fill in p would
// replace with a different value.
func (m *Machine) Conflicts(p Patch) []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Slot
	for _, slot := range All {
		f, ok := p.Fills[slot]
		if !ok || !f.Confirmed {
			continue
		}
		nf, err := validate(slot, f)
		if err != nil {
			continue
		}
		cur := m.values[slot]
		if cur.Status == Confirmed && (cur.Text != nf.Text || cur.ID != nf.ID) {
			out = append(out, slot)
		}
	}
	return out
}

// Clear unsets a slot. A booking cannot be confirming without it, so the
// machine returns to Collecting when a required slot is cleared.
func (m *Machine) Clear(slot Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Busy() || m.state.Terminal() {
		return m.invalid("clear")
	}
	delete(m.values, slot)
	if m.state == Confirming && len(m.missingLocked()) > 0 {
		m.state = Collecting
	}
	m.touch()
	return nil
}

// Affirm starts the booking: Confirming to Executing. Pending values
// become confirmed and an unset date defaults to today in Asia/Seoul.
func (m *Machine) Affirm() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Confirming {
		return m.invalid("affirm")
	}
	if missing := m.missingLocked(); len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrInvalidTransition, missing)
	}
	for slot, v := range m.values {
		if v.Status == Pending {
			v.Status = Confirmed
			m.values[slot] = v
		}
	}
	if m.values[SlotDate].Status == Unset {
		today := m.clock.Now().In(Seoul).Format("2006-01-02")
		m.values[SlotDate] = Value{Text: today, Status: Confirmed}
	}
	m.state = Executing
	m.touch()
	return nil
}

// Deny declines the confirmation: Confirming to Cancelled.
func (m *Machine) Deny() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Confirming {
		return m.invalid("deny")
	}
	m.state = Cancelled
	m.touch()
	return nil
}

// Cancel ends any non-terminal session.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return m.invalid("cancel")
	}
	m.state = Cancelled
	m.touch()
	return nil
}

// Touch records activity without changing state.
func (m *Machine) Touch() {
	m.mu.Lock()
	m.touch()
	m.mu.Unlock()
}

// Expire cancels the session if it has been idle for the session timeout
// and reports whether it did.
func (m *Machine) Expire(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() || now.Sub(m.lastActivity) < m.timeout {
		return false
	}
	m.state = Cancelled
	return true
}

// RequireCaptcha pauses the booking for a CAPTCHA: Executing to
// AwaitingCaptcha.
func (m *Machine) RequireCaptcha() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Executing {
		return m.invalid("require captcha")
	}
	m.state = AwaitingCaptcha
	m.touch()
	return nil
}

// CaptchaAccepted resumes the booking.
func (m *Machine) CaptchaAccepted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != AwaitingCaptcha {
		return m.invalid("captcha accepted")
	}
	m.state = Executing
	m.touch()
	return nil
}

// CaptchaRejected counts a wrong answer. At the attempt bound the machine
// fails with ReasonCaptchaUnsolved and exhausted is true.
func (m *Machine) CaptchaRejected() (exhausted bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != AwaitingCaptcha {
		return false, m.invalid("captcha rejected")
	}
	m.captchaAttempts++
	m.touch()
	if m.captchaAttempts >= m.maxCaptcha {
		m.captchaAttempts = m.maxCaptcha
		m.state = Failed
		m.failReason = ReasonCaptchaUnsolved
		return true, nil
	}
	return false, nil
}

// Succeed completes the booking.
func (m *Machine) Succeed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Executing {
		return m.invalid("succeed")
	}
	m.state = Succeeded
	m.touch()
	return nil
}

// Fail ends a running booking with a reason.
func (m *Machine) Fail(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Busy() {
		return m.invalid("fail")
	}
	m.state = Failed
	m.failReason = reason
	m.touch()
	return nil
}

// Reject handles a site refusing a slot value: the slot is cleared and
// the machine returns to Collecting.
func (m *Machine) Reject(slot Slot, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() || m.state == Collecting {
		return m.invalid("reject")
	}
	delete(m.values, slot)
	m.state = Collecting
	m.failReason = reason
	m.touch()
	return nil
}

// MissingRequired lists the required slots still unset.
func (m *Machine) MissingRequired() []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.missingLocked()
}

func (m *Machine) missingLocked() []Slot {
	var out []Slot
	for _, s := range Required {
		if m.values[s].Status == Unset {
			out = append(out, s)
		}
	}
	return out
}

var questions = map[Slot]string{
	SlotChain:   "어느 영화관 체인으로 예매할까요? (CGV, 롯데시네마, 메가박스, 씨네Q)",
	SlotTheater: "어느 극장에서 보실 건가요?",
	SlotMovie:   "어떤 영화를 보실 건가요?",
	SlotTime:    "몇 시 상영으로 예매할까요?",
}

// Question asks for the first missing required slot, or returns "" when
// nothing is missing.
func (m *Machine) Question() string {
	missing := m.MissingRequired()
	if len(missing) == 0 {
		return ""
	}
	return questions[missing[0]]
}

// Slots returns a copy of the current values.
func (m *Machine) Slots() Slots {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(Slots, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// Snapshot freezes the current values for a booking attempt.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Chain:       m.values[SlotChain].Text,
		TheaterID:   m.values[SlotTheater].ID,
		TheaterName: m.values[SlotTheater].Text,
		Movie:       m.values[SlotMovie].Text,
		MovieID:     m.values[SlotMovie].ID,
		Date:        m.values[SlotDate].Text,
		Time:        m.values[SlotTime].Text,
		ScreenType:  m.values[SlotScreenType].Text,
	}
}

// Summary renders the Korean confirmation text.
func (m *Machine) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	b.WriteString("예매 정보를 확인해 주세요.\n")
	for _, slot := range All {
		v := m.values[slot]
		if v.Status == Unset {
			if slot == SlotDate {
				fmt.Fprintf(&b, "- %s: %s (오늘)\n", slot.Label(), m.clock.Now().In(Seoul).Format("2006-01-02"))
			}
			continue
		}
		text := v.Text
		if slot == SlotChain {
			text = ChainName(text)
		}
		if text == "" {
			text = v.ID
		}
		fmt.Fprintf(&b, "- %s: %s\n", slot.Label(), text)
	}
	b.WriteString("이대로 예매할까요? (네/아니오)")
	return b.String()
}

// Describe renders the collected values for an LLM system prompt.
func (m *Machine) Describe() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var parts []string
	for _, slot := range All {
		v := m.values[slot]
		if v.Status == Unset {
			continue
		}
		text := v.Text
		if slot == SlotChain {
			text = ChainName(text)
		}
		line := fmt.Sprintf("- %s: %s", slot.Label(), text)
		if v.ID != "" {
			line += fmt.Sprintf(" (ID: %s)", v.ID)
		}
		if v.Status == Pending {
			line += " [추정]"
		}
		parts = append(parts, line)
	}
	if len(parts) == 0 {
		return "아직 수집된 예매 정보가 없습니다."
	}
	return fmt.Sprintf("현재 수집된 정보 (상태: %s):\n%s", m.state, strings.Join(parts, "\n"))
}
