package cache

import (
	"sync"

	"github.com/oclonee/omnichanel-clinic/internal/types"
)

// InboundBuffer is the unbounded holding area for normalized inbound messages
type InboundBuffer struct {
	messages []types.InboundMessage
	mu       sync.Mutex
}

// NewInboundBuffer creates a new inbound buffer
func NewInboundBuffer() *InboundBuffer {
	return &InboundBuffer{
		messages: make([]types.InboundMessage, 0, 64),
	}
}

// Add appends a message
func (b *InboundBuffer) Add(msg types.InboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
}

// Drain returns all buffered messages in arrival order and empties the buffer
func (b *InboundBuffer) Drain() []types.InboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.messages) == 0 {
		return nil
	}
	batch := b.messages
	b.messages = make([]types.InboundMessage, 0, 64)
	return batch
}

// Size returns the number of buffered messages
func (b *InboundBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}
