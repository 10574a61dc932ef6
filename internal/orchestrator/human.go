package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errNoCaptchaAnswer = errors.New("no captcha answer from user")

// humanChannel hands a CAPTCHA answer typed in the conversation to the
// waiting booking session.
type humanChannel struct {
	timeout time.Duration
	answers chan string

	mu      sync.Mutex
	pending bool
}

func newHumanChannel(timeout time.Duration) *humanChannel {
	return &humanChannel{timeout: timeout, answers: make(chan string, 1)}
}

func (h *humanChannel) waiting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending
}

func (h *humanChannel) answer(s string) {
	select {
	case h.answers <- s:
	default:
	}
}

// AskCaptcha waits for the next answer. The image has already been sent
// to the user as session progress.
func (h *humanChannel) AskCaptcha(ctx context.Context, image []byte, attempt int) (string, error) {
	h.mu.Lock()
	h.pending = true
	select {
	case <-h.answers:
	default:
	}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.pending = false
		h.mu.Unlock()
	}()

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", errNoCaptchaAnswer
	case a := <-h.answers:
		return a, nil
	}
}
