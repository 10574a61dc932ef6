// Package llm is the tool-calling port to chat-completion providers.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrProviderUnavailable is returned when no configured provider could
// answer a request.
var ErrProviderUnavailable = errors.New("no LLM provider available")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat turn. Images are raw PNG/JPEG bytes and are only sent
// on vision requests.
type Message struct {
	Role       string
	Content    string
	Images     [][]byte
	ToolCalls  []ToolCall
	ToolCallID string
}

// Tool describes a function the model may call. Parameters is a JSON schema
// object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a function invocation requested by the model. Arguments is the
// raw JSON object text.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type Request struct {
	System   string
	Messages []Message
	Tools    []Tool
	// Vision selects the provider's vision model.
	Vision bool
}

type Response struct {
	Text      string
	ToolCalls []ToolCall
	// Provider names the provider that produced the response.
	Provider string
}

// Provider is one chat-completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

// Text is a convenience for a single-turn prompt.
func Text(system, user string) Request {
	return Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: user}},
	}
}
