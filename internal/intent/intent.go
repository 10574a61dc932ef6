// Package intent turns a chat message into slot values and booking actions,
// through LLM tool calling or a keyword fallback.
package intent

import (
	"time"

	"github.com/stephen-kim/cinepyle/internal/llm"
	"github.com/stephen-kim/cinepyle/internal/slots"
)

// Action is a conversation-level decision taken from a message.
type Action int

const (
	ActionNone Action = iota
	ActionAffirm
	ActionDeny
	ActionCancel
)

func (a Action) String() string {
	switch a {
	case ActionAffirm:
		return "affirm"
	case ActionDeny:
		return "deny"
	case ActionCancel:
		return "cancel"
	}
	return "none"
}

const (
	SourceLLM     = "llm"
	SourceKeyword = "keyword"
)

// Turn is one inbound message with the context extraction needs.
type Turn struct {
	Text string
	// History is the recent conversation, oldest first.
	History []llm.Message
	// State describes the collected slots for the system prompt.
	State string
	// Missing lists the required slots still unset.
	Missing []slots.Slot
	Now     time.Time
	// HasLocation reports whether the user shared a position.
	HasLocation bool
}

func (t Turn) awaits(slot slots.Slot) bool {
	return len(t.Missing) > 0 && t.Missing[0] == slot
}

// Result is what a message asked for.
type Result struct {
	Patch  slots.Patch
	Action Action
	// Reply is text the model wants shown to the user.
	Reply string
	// Source is SourceLLM or SourceKeyword.
	Source string
	// Booking reports whether the message expressed booking intent.
	Booking bool
	// Rounds counts LLM tool rounds used.
	Rounds int
}
