package healing

import (
	"context"
	"fmt"
	"strings"

	"github.com/stephen-kim/cinepyle/internal/llm"
)

// Completer is the LLM surface used to write new strategies.
// Implemented by *llm.Router.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

const generationSystemPrompt = `You are an expert web scraper. Given an HTML page and a description of what data to extract, you write JavaScript that extracts the data when evaluated in the page.

Rules:
1. Return ONLY the JavaScript code. No markdown fences, no explanation.
2. The code must be a single IIFE: (() => { ... })()
3. Return null if the data cannot be found.
4. Do not use fetch() or any async operations.
5. The code runs in the browser with access to document and window.
6. Be resilient: use multiple fallback strategies within the code.
7. Prefer semantic selectors (aria-label, role, text content, tag names) over class names, since class names change frequently on Korean sites.
8. When searching text content, consider both Korean (한국어) and English.`

// attempt is a rejected generation fed back into the next prompt.
type attempt struct {
	body     string
	mismatch *ValidationMismatch
}

func buildGenerationPrompt(task Task, trimmedHTML, failedBody string, prev *attempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Description)
	if task.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", task.URL)
	}
	fmt.Fprintf(&b, "Expected result type: %s\n", describeShape(task.Shape))
	if task.Example != "" {
		fmt.Fprintf(&b, "Example valid result: %s\n", task.Example)
	}
	if task.Hint != "" {
		fmt.Fprintf(&b, "Validation: %s\n", task.Hint)
	}

	if failedBody != "" {
		b.WriteString("\nThe following JS code USED TO WORK but no longer does. ")
		b.WriteString("The site likely changed its structure. Generate a new approach:\n")
		fmt.Fprintf(&b, "```\n%s\n```\n", strings.TrimSpace(failedBody))
	}

	if prev != nil {
		b.WriteString("\nYour previous attempt was rejected.\n")
		fmt.Fprintf(&b, "Reason: %s\n", prev.mismatch.Error())
		if prev.mismatch.Output != "" {
			fmt.Fprintf(&b, "It returned: %s\n", prev.mismatch.Output)
		}
		fmt.Fprintf(&b, "Code:\n```\n%s\n```\n", strings.TrimSpace(prev.body))
	}

	fmt.Fprintf(&b, "\nHere is the current HTML of the page:\n\n%s", trimmedHTML)
	return b.String()
}

func describeShape(s Shape) string {
	switch s.Kind {
	case KindList:
		desc := "array"
		if len(s.Fields) > 0 {
			desc += " of objects with non-empty " + strings.Join(s.Fields, ", ")
		}
		if s.AllowEmpty {
			desc += " (may be empty when nothing is listed)"
		}
		return desc
	case KindObject:
		if len(s.Fields) > 0 {
			return "object with non-empty " + strings.Join(s.Fields, ", ")
		}
		return "object"
	case KindFloat:
		lo, hi := s.Min, s.Max
		if lo == 0 && hi == 0 {
			hi = 10
		}
		return fmt.Sprintf("number greater than %v and at most %v", lo, hi)
	case KindString:
		return "plain text string (no HTML)"
	case KindBool:
		return "boolean"
	}
	return string(s.Kind)
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	end := len(lines)
	if end > 1 && strings.HasPrefix(strings.TrimSpace(lines[end-1]), "```") {
		end--
	}
	return strings.TrimSpace(strings.Join(lines[1:end], "\n"))
}
