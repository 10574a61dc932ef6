// Package healing locates data on theater-chain pages that change their
// markup without notice. Each extraction tries a cached strategy, then the
// built-in one, then asks an LLM to write a new one.
package healing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stephen-kim/cinepyle/internal/storage"
)

// Kind is the expected JSON type of an extraction result.
type Kind string

const (
	KindString Kind = "string"
	KindFloat  Kind = "float"
	KindList   Kind = "list"
	KindObject Kind = "object"
	KindBool   Kind = "bool"
)

// Shape describes what a valid result looks like.
type Shape struct {
	Kind Kind `yaml:"kind"`
	// Min and Max bound float results as Min < v <= Max. Both zero means
	// the default (0, 10].
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
	// MinItems is the minimum list length. Zero means 1.
	MinItems int `yaml:"min_items"`
	// Fields must be present and non-empty on every list element, or on
	// the object itself.
	Fields []string `yaml:"fields"`
	// AllowEmpty accepts an empty list when the task's reference task is
	// populated on the same page.
	AllowEmpty bool `yaml:"allow_empty"`
}

// Task is one immutable extraction request.
type Task struct {
	Site        string
	Name        string
	Params      map[string]string
	URL         string
	Description string
	Shape       Shape
	Example     string
	Hint        string
	// Reference names another task on the same site whose non-empty result
	// proves the page rendered.
	Reference string
}

// Key returns the strategy key "site/name".
func (t Task) Key() string {
	return t.Site + "/" + t.Name
}

// Source is where a strategy body came from.
type Source string

const (
	SourceCached    Source = "cached"
	SourceHardcoded Source = "hardcoded"
	SourceGenerated Source = "generated"
)

// Strategy is one stored version of a page script for a (site, task) key.
type Strategy = storage.Strategy

// Tier identifies a step of the fallback chain.
type Tier string

const (
	TierCached    Tier = "cached"
	TierHardcoded Tier = "hardcoded"
	TierGenerated Tier = "generated"
)

// FailureKind classifies a failed tier.
type FailureKind string

const (
	FailEmpty      FailureKind = "empty"
	FailScript     FailureKind = "script_error"
	FailShape      FailureKind = "shape_mismatch"
	FailTimeout    FailureKind = "timeout"
	FailGeneration FailureKind = "generation_error"
)

// Tier statuses that are not a success or a failure kind.
const (
	StatusOK                = "ok"
	StatusMiss              = "miss"
	StatusError             = "error"
	StatusSkippedCooldown   = "skipped:cooldown"
	StatusSkippedNoProvider = "skipped:no_provider"
)

// TierResult records what happened on one tier.
type TierResult struct {
	Tier   Tier   `json:"tier"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (r TierResult) String() string {
	return string(r.Tier) + "=" + r.Status
}

// Outcome is a validated extraction result.
type Outcome struct {
	Tier    Tier
	Version int
	Raw     json.RawMessage
	Value   any
	Tiers   []TierResult
}

// Decode unmarshals the raw result into v.
func (o Outcome) Decode(v any) error {
	if err := json.Unmarshal(o.Raw, v); err != nil {
		return fmt.Errorf("decoding %s result: %w", o.Tier, err)
	}
	return nil
}

// Empty reports whether the result is an empty list.
func (o Outcome) Empty() bool {
	list, ok := o.Value.([]any)
	return ok && len(list) == 0
}

// ExtractionFailed is returned when every tier failed or was skipped.
type ExtractionFailed struct {
	Site  string
	Task  string
	Tiers []TierResult
}

func (e *ExtractionFailed) Error() string {
	parts := make([]string, len(e.Tiers))
	for i, t := range e.Tiers {
		parts[i] = t.String()
	}
	return fmt.Sprintf("extraction failed for %s/%s: %s", e.Site, e.Task, strings.Join(parts, ", "))
}

// maxMismatchOutput bounds the output carried by ValidationMismatch.
const maxMismatchOutput = 500

// ValidationMismatch reports a tier whose output did not fit the shape.
type ValidationMismatch struct {
	Tier   Tier
	Kind   FailureKind
	Output string
	Reason string
}

func (e *ValidationMismatch) Error() string {
	if e.Tier == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s tier %s: %s", e.Tier, e.Kind, e.Reason)
}

func newMismatch(kind FailureKind, output []byte, format string, args ...any) *ValidationMismatch {
	return &ValidationMismatch{
		Kind:   kind,
		Output: truncate(string(output), maxMismatchOutput),
		Reason: fmt.Sprintf(format, args...),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary.
	for n > 0 && (s[n]&0xC0) == 0x80 {
		n--
	}
	return s[:n]
}
