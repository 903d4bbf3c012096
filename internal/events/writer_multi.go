package events

import (
	"context"
	"errors"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// MultiWriter fans every event out to all writers. A failing writer does not
// stop delivery to the others.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

func (m *MultiWriter) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Write(ctx, topic, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiWriter) Close(ctx context.Context) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
