package dialogue

import "sync"

// inbox is an unbounded FIFO. put never blocks; notify is signalled after
// every put and holds at most one pending wake-up.
type inbox struct {
	mu     sync.Mutex
	items  []any
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (b *inbox) put(m any) {
	b.mu.Lock()
	b.items = append(b.items, m)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued so far.
func (b *inbox) take() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}
