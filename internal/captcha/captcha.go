// Package captcha reads CAPTCHA images with a vision model.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/tidwall/gjson"

	"github.com/stephen-kim/cinepyle/internal/llm"
)

// ErrNoAnswer is returned when the solver produced no usable text.
var ErrNoAnswer = errors.New("captcha: no answer")

const prompt = "이미지에 보이는 CAPTCHA 문자를 정확히 읽어줘. " +
	"영문 대소문자와 숫자만 포함되어 있어. " +
	"다른 설명 없이 CAPTCHA 텍스트만 출력해."

const defaultTimeout = 30 * time.Second

// Solver turns a CAPTCHA image into its text.
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Completer is the vision surface. Implemented by *llm.Router.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

// VisionSolver asks a vision-capable model to read the image.
type VisionSolver struct {
	llm     Completer
	timeout time.Duration
	logger  *slog.Logger
}

// NewVisionSolver creates a solver. A zero timeout means 30s.
func NewVisionSolver(c Completer, timeout time.Duration, logger *slog.Logger) *VisionSolver {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VisionSolver{llm: c, timeout: timeout, logger: logger}
}

func (s *VisionSolver) Solve(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("%w: empty image", ErrNoAnswer)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.llm.Complete(ctx, llm.Request{
		Vision:   true,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt, Images: [][]byte{image}}},
	})
	if err != nil {
		return "", fmt.Errorf("captcha vision: %w", err)
	}

	answer := Clean(resp.Text)
	s.logger.Info("captcha read", "provider", resp.Provider, "bytes", len(image), "length", len(answer))
	if answer == "" {
		return "", fmt.Errorf("%w: model returned %q", ErrNoAnswer, truncate(resp.Text, 40))
	}
	return answer, nil
}

// Clean extracts the answer from model output: a JSON object's "text" or
// "answer" field if present, then surrounding quotes and everything that
// is not an ASCII letter or digit are dropped.
func Clean(raw string) string {
	raw = strings.TrimSpace(raw)
	if gjson.Valid(raw) {
		for _, key := range []string{"text", "answer", "captcha"} {
			if v := gjson.Get(raw, key); v.Exists() {
				raw = v.String()
				break
			}
		}
	}
	raw = strings.Trim(raw, "'\"` ")

	var b strings.Builder
	for _, r := range raw {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
