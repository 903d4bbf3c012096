package queue

import (
	"context"

	"github.com/carbontrack/docpipeline/internal/events"
)

// Publisher receives document change notifications.
type Publisher interface {
	PublishDocument(ctx context.Context, e events.DocumentEvent) error
}

type Option func(m *Manager)

func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithOwner sets the lease owner name written on claimed jobs.
func WithOwner(owner string) Option {
	return func(m *Manager) {
		m.owner = owner
	}
}

func WithHandler(h Handler) Option {
	return func(m *Manager) {
		m.handler = h
	}
}
