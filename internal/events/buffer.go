package events

import (
	"errors"
	"sync"
)

// defaultBufferLimit bounds the events waiting for a slow writer.
const defaultBufferLimit = 10000

var ErrBufferFull = errors.New("event buffer full")

type message struct {
	Kind    string
	Subject string
	Data    []byte
}

// buffer is a bounded FIFO of pending messages.
type buffer struct {
	lock    sync.Mutex
	pending []*message
	limit   int
}

func newBuffer(limit int) *buffer {
	return &buffer{limit: limit}
}

func (b *buffer) PushBack(msg *message) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.limit > 0 && len(b.pending) >= b.limit {
		return ErrBufferFull
	}
	b.pending = append(b.pending, msg)
	return nil
}

// Pop returns the oldest message, nil when empty.
func (b *buffer) Pop() *message {
	b.lock.Lock()
	defer b.lock.Unlock()

	if len(b.pending) == 0 {
		return nil
	}
	msg := b.pending[0]
	b.pending[0] = nil
	b.pending = b.pending[1:]
	if len(b.pending) == 0 {
		// release the backing array once drained
		b.pending = nil
	}
	return msg
}

func (b *buffer) Size() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.pending)
}
