package orchestrator

import "sync"

const defaultOutboxLimit = 50

// Outbox is a Notifier that queues messages per conversation until a
// client drains them. The oldest messages are dropped past the limit.
type Outbox struct {
	mu     sync.Mutex
	limit  int
	queues map[string][]Outbound
}

func NewOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = defaultOutboxLimit
	}
	return &Outbox{limit: limit, queues: make(map[string][]Outbound)}
}

func (b *Outbox) Notify(conversationID string, msgs ...Outbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := append(b.queues[conversationID], msgs...)
	if len(q) > b.limit {
		q = append([]Outbound(nil), q[len(q)-b.limit:]...)
	}
	b.queues[conversationID] = q
}

// Drain returns and clears the queued messages.
func (b *Outbox) Drain(conversationID string) []Outbound {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[conversationID]
	delete(b.queues, conversationID)
	return q
}
