// Package slots is the booking slot-filling state machine.
package slots

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Slot names one piece of booking information.
type Slot string

const (
	SlotChain      Slot = "chain"
	SlotTheater    Slot = "theater"
	SlotMovie      Slot = "movie"
	SlotDate       Slot = "date"
	SlotTime       Slot = "time"
	SlotScreenType Slot = "screen_type"
)

// All lists every slot in display order.
var All = []Slot{SlotChain, SlotTheater, SlotMovie, SlotDate, SlotTime, SlotScreenType}

// Required are the slots that must be set before a booking can run.
var Required = []Slot{SlotChain, SlotTheater, SlotMovie, SlotTime}

var labels = map[Slot]string{
	SlotChain:      "체인",
	SlotTheater:    "극장",
	SlotMovie:      "영화",
	SlotDate:       "날짜",
	SlotTime:       "시간",
	SlotScreenType: "상영관",
}

// Label returns the Korean name of the slot.
func (s Slot) Label() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return string(s)
}

// ParseSlot maps a slot name to a Slot. "screen-type" is accepted too.
func ParseSlot(name string) (Slot, bool) {
	name = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for _, s := range All {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}

// Status is how settled a slot value is.
type Status int

const (
	Unset Status = iota
	Pending
	Confirmed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	}
	return "unset"
}

// Value is one slot's content. ID carries a site identifier where one
// exists, such as the theater code.
type Value struct {
	Text   string
	ID     string
	Status Status
}

// Slots is one conversation's slot values. Absent slots are unset.
type Slots map[Slot]Value

// Fill is one proposed slot value. Explicit user mentions are Confirmed;
// values inferred from preferences or context are not.
type Fill struct {
	Text      string
	ID        string
	Confirmed bool
}

// Patch is a set of proposed slot values. Correction permits overwriting
// values the user already confirmed.
type Patch struct {
	Fills      map[Slot]Fill
	Correction bool
}

// Set adds a fill to the patch.
func (p *Patch) Set(slot Slot, text, id string, confirmed bool) {
	if p.Fills == nil {
		p.Fills = make(map[Slot]Fill)
	}
	p.Fills[slot] = Fill{Text: text, ID: id, Confirmed: confirmed}
}

// Empty reports whether the patch proposes nothing.
func (p Patch) Empty() bool {
	return len(p.Fills) == 0
}

// Chains are the supported chain keys.
var Chains = []string{"cgv", "lotte", "megabox", "cineq"}

var chainNames = map[string]string{
	"cgv":     "CGV",
	"lotte":   "롯데시네마",
	"megabox": "메가박스",
	"cineq":   "씨네Q",
}

// ChainName returns the display name of a chain key.
func ChainName(chain string) string {
	if n, ok := chainNames[chain]; ok {
		return n
	}
	return chain
}

var (
	dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
)

// validate normalizes a fill for its slot.
func validate(slot Slot, f Fill) (Fill, error) {
	f.Text = strings.TrimSpace(f.Text)
	f.ID = strings.TrimSpace(f.ID)
	if f.Text == "" && f.ID == "" {
		return f, fmt.Errorf("%s: empty value", slot)
	}
	switch slot {
	case SlotChain:
		key := strings.ToLower(f.Text)
		if _, ok := chainNames[key]; !ok {
			return f, fmt.Errorf("chain: unsupported chain %q", f.Text)
		}
		f.Text = key
	case SlotDate:
		if !dateRe.MatchString(f.Text) {
			return f, fmt.Errorf("date: want YYYY-MM-DD, got %q", f.Text)
		}
		if _, err := time.Parse("2006-01-02", f.Text); err != nil {
			return f, fmt.Errorf("date: %w", err)
		}
	case SlotTime:
		if len(f.Text) == 4 && f.Text[1] == ':' {
			f.Text = "0" + f.Text
		}
		if !timeRe.MatchString(f.Text) {
			return f, fmt.Errorf("time: want HH:MM, got %q", f.Text)
		}
	}
	return f, nil
}

// Snapshot is a frozen copy of the slot values for one booking attempt.
type Snapshot struct {
	Chain       string
	TheaterID   string
	TheaterName string
	Movie       string
	MovieID     string
	Date        string
	Time        string
	ScreenType  string
}
