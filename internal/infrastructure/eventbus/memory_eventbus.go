package eventbus

import (
	"context"
	"sync"

	orderapp "github.com/lllypuk/orderledger/internal/application/order"
)

// MemoryEventBus delivers notices synchronously inside one process.
// Used when the API and the projection worker share a binary and by tests.
type MemoryEventBus struct {
	mu       sync.RWMutex
	handlers []NoticeHandler
}

// NewMemoryEventBus creates an in-process notice bus.
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{}
}

// Subscribe registers a notice handler.
func (b *MemoryEventBus) Subscribe(handler NoticeHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// NotifyAppended calls every handler and returns the first error.
func (b *MemoryEventBus) NotifyAppended(ctx context.Context, notice orderapp.AppendNotice) error {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	var firstErr error
	for _, h := range handlers {
		if err := h(ctx, notice); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Trigger returns a handler that performs a non-blocking send on ch.
// A full channel already carries a pending wake-up, so extra notices coalesce.
func Trigger(ch chan<- struct{}) NoticeHandler {
	return func(context.Context, orderapp.AppendNotice) error {
		select {
		case ch <- struct{}{}:
		default:
		}
		return nil
	}
}

var _ orderapp.Notifier = (*MemoryEventBus)(nil)
