package captcha

import (
	"context"
	"errors"
	"testing"

	"github.com/stephen-kim/cinepyle/internal/llm"
)

type mockCompleter struct {
	text string
	err  error
	got  llm.Request
}

func (m *mockCompleter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	m.got = req
	return llm.Response{Text: m.text, Provider: "mock"}, m.err
}

func TestClean(t *testing.T) {
	tests := []struct{ in, want string }{
		{"aB3x9", "aB3x9"},
		{`  "Xk82P"  `, "Xk82P"},
		{"'7H2Q'", "7H2Q"},
		{"답: AB 12", "AB12"},
		{`{"text":"q9Z1"}`, "q9Z1"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Clean(tt.in); got != tt.want {
			t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestVisionSolver(t *testing.T) {
	m := &mockCompleter{text: `"Xk82P"`}
	s := NewVisionSolver(m, 0, nil)

	got, err := s.Solve(context.Background(), []byte{0x89, 'P', 'N', 'G'})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if got != "Xk82P" {
		t.Errorf("Solve() = %q, want Xk82P", got)
	}
	if !m.got.Vision || len(m.got.Messages) != 1 || len(m.got.Messages[0].Images) != 1 {
		t.Errorf("request = %+v, want one vision message with an image", m.got)
	}
}

func TestVisionSolver_NoAnswer(t *testing.T) {
	s := NewVisionSolver(&mockCompleter{text: "읽을 수 없습니다."}, 0, nil)
	if _, err := s.Solve(context.Background(), []byte{1}); !errors.Is(err, ErrNoAnswer) {
		t.Errorf("err = %v, want ErrNoAnswer", err)
	}
	if _, err := s.Solve(context.Background(), nil); !errors.Is(err, ErrNoAnswer) {
		t.Errorf("empty image: err = %v, want ErrNoAnswer", err)
	}
}

func TestVisionSolver_ProviderError(t *testing.T) {
	s := NewVisionSolver(&mockCompleter{err: llm.ErrProviderUnavailable}, 0, nil)
	if _, err := s.Solve(context.Background(), []byte{1}); !errors.Is(err, llm.ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
}
