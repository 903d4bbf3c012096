package events

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DocumentMessageKind string = "docpipeline.events.document"
	JobMessageKind      string = "docpipeline.events.job"
	defaultTopic        string = "docpipeline.events"
	defaultSource       string = "docpipeline"
)

// Writer is the interface to be implemented by the underlying writer.
type Writer interface {
	Write(ctx context.Context, topic string, e cloudevents.Event) error
	Close(ctx context.Context) error
}

// EventProducer is a wrapper around a Writer with the buffer.
// Callers never block on the writer: events are queued and sent by a single
// goroutine in submission order.
type EventProducer struct {
	buffer           *buffer
	startConsumingCh chan struct{}
	doneCh           chan struct{}
	stoppedCh        chan struct{}
	writer           Writer
	topic            string
	source           string
}

func NewEventProducer(w Writer, opts ...ProducerOptions) *EventProducer {
	ep := &EventProducer{
		buffer:           newBuffer(defaultBufferLimit),
		startConsumingCh: make(chan struct{}, 1),
		doneCh:           make(chan struct{}),
		stoppedCh:        make(chan struct{}),
		writer:           w,
		topic:            defaultTopic,
		source:           defaultSource,
	}

	for _, o := range opts {
		o(ep)
	}

	go ep.run()
	return ep
}

func (ep *EventProducer) Write(ctx context.Context, kind string, body io.Reader) error {
	return ep.write(kind, "", body)
}

// Publish encodes v as JSON and queues it. subject is set as the event
// subject so subscribers can route without decoding the payload.
func (ep *EventProducer) Publish(ctx context.Context, kind, subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ep.write(kind, subject, bytes.NewReader(b))
}

// PublishDocument is a shorthand for document status events.
func (ep *EventProducer) PublishDocument(ctx context.Context, e DocumentEvent) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return ep.Publish(ctx, DocumentMessageKind, e.DocumentID, e)
}

func (ep *EventProducer) write(kind, subject string, body io.Reader) error {
	d, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	if err := ep.buffer.PushBack(&message{
		Kind:    kind,
		Subject: subject,
		Data:    d,
	}); err != nil {
		return err
	}

	// unblock the consumer; a pending signal is enough
	select {
	case ep.startConsumingCh <- struct{}{}:
	default:
	}

	return nil
}

func (ep *EventProducer) Close() error {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(closeCtx)
	g.Go(func() error {
		close(ep.doneCh)
		select {
		case <-ep.stoppedCh:
		case <-ctx.Done():
		}
		return ep.writer.Close(ctx)
	})
	if err := g.Wait(); err != nil {
		zap.S().Errorf("event producer closed with error: %s", err)
		return err
	}

	zap.S().Named("event producer").Info("event producer closed")

	return nil
}

func (ep *EventProducer) run() {
	defer close(ep.stoppedCh)

	for {
		msg := ep.buffer.Pop()
		if msg == nil {
			select {
			case <-ep.startConsumingCh:
				continue
			case <-ep.doneCh:
				return
			}
		}

		e := cloudevents.NewEvent()
		e.SetID(uuid.NewString())
		e.SetSource(ep.source)
		e.SetType(msg.Kind)
		e.SetTime(time.Now().UTC())
		if msg.Subject != "" {
			e.SetSubject(msg.Subject)
		}
		_ = e.SetData(*cloudevents.StringOfApplicationJSON(), msg.Data)

		if err := ep.writer.Write(context.TODO(), ep.topic, e); err != nil {
			zap.S().Named("event producer").Errorw("failed to send message", "error", err, "type", msg.Kind)
		}
	}
}
