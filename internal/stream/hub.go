package stream

import (
	"context"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/carbontrack/docpipeline/internal/events"
)

// Hub is an events.Writer that wakes stream subscribers when a document they
// watch changes. It only signals; subscribers re-read the store.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan struct{}
}

var _ events.Writer = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subs: map[string]map[int]chan struct{}{}}
}

func (h *Hub) Write(_ context.Context, _ string, e cloudevents.Event) error {
	if e.Type() != events.DocumentMessageKind || e.Subject() == "" {
		return nil
	}
	h.Notify(e.Subject())
	return nil
}

func (h *Hub) Close(_ context.Context) error {
	return nil
}

// Notify wakes every subscriber watching documentID. A subscriber that has
// not consumed its previous wake-up keeps a single pending one.
func (h *Hub) Notify(documentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[documentID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch registers interest in ids. The returned function must be called to
// unregister.
func (h *Hub) Watch(ids []string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	for _, doc := range ids {
		if h.subs[doc] == nil {
			h.subs[doc] = map[int]chan struct{}{}
		}
		h.subs[doc][id] = ch
	}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, doc := range ids {
			delete(h.subs[doc], id)
			if len(h.subs[doc]) == 0 {
				delete(h.subs, doc)
			}
		}
	}
}
