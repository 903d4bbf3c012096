// Package stream pushes document status changes to clients watching a set of
// documents until every one of them reaches a terminal status.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"

	"github.com/carbontrack/docpipeline/internal/config"
	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/carbontrack/docpipeline/pkg/log"
	"github.com/carbontrack/docpipeline/pkg/metrics"
)

var (
	ErrNoDocuments  = errors.New("no documents to watch")
	ErrEmptyRequest = errors.New("either document ids or a batch token is required")
)

// LifetimeExceeded is the error event text sent before a stream is closed
// for reaching its maximum lifetime. Clients are expected to reconnect.
const LifetimeExceeded = "maximum connection lifetime reached, reconnect"

const maxWatched = 500

type Request struct {
	IDs        []uuid.UUID
	BatchToken string
}

type Service struct {
	store  store.Store
	hub    *Hub
	cfg    config.StreamConfig
	logger *log.StructuredLogger
	log    *zap.SugaredLogger
}

// NewService creates the service. hub may be nil, in which case changes are
// only seen on ticks.
func NewService(s store.Store, hub *Hub, cfg *config.StreamConfig) *Service {
	c := *cfg
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 10 * time.Minute
	}
	if c.PollRetry <= 0 {
		c.PollRetry = 3 * time.Second
	}
	return &Service{
		store:  s,
		hub:    hub,
		cfg:    c,
		logger: log.NewDebugLogger("stream_service"),
		log:    zap.S().Named("stream"),
	}
}

// RetryAfter is the interval polling clients should wait between fetches.
func (s *Service) RetryAfter() time.Duration {
	return s.cfg.PollRetry
}

// Snapshot returns the current status of the watched documents. Unknown ids
// are dropped; a request resolving to no document fails with ErrNoDocuments.
func (s *Service) Snapshot(ctx context.Context, req Request) ([]Status, error) {
	ids, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

// Subscribe emits a snapshot right away, then update events for changed
// documents until all are terminal. The channel is closed after a done or an
// error event, or when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, req Request) (<-chan Event, error) {
	tracer := s.logger.WithContext(ctx).Operation("subscribe").
		WithInt("ids", len(req.IDs)).
		WithString("batch", req.BatchToken).
		Build()

	ids, err := s.resolve(ctx, req)
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}
	snapshot, err := s.load(ctx, ids)
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}

	tracer.Success().WithInt("watched", len(ids)).Log()

	out := make(chan Event, 1)
	go s.watch(ctx, ids, snapshot, out)
	return out, nil
}

func (s *Service) watch(ctx context.Context, ids []uuid.UUID, snapshot []Status, out chan<- Event) {
	metrics.StreamSubscribed()
	defer metrics.StreamUnsubscribed()
	defer close(out)

	send := func(e Event) bool {
		e.At = time.Now().UTC()
		select {
		case out <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(Event{Type: EventSnapshot, Documents: snapshot}) {
		return
	}
	if allTerminal(snapshot) {
		send(Event{Type: EventDone})
		return
	}

	last := make(map[string]Status, len(snapshot))
	for _, st := range snapshot {
		last[st.ID] = st
	}

	var wake <-chan struct{}
	if s.hub != nil {
		keys := make([]string, 0, len(ids))
		for _, id := range ids {
			keys = append(keys, id.String())
		}
		ch, unwatch := s.hub.Watch(keys)
		defer unwatch()
		wake = ch
	}

	ticker := jitterbug.New(s.cfg.TickInterval, &jitterbug.Norm{Stdev: s.cfg.TickInterval / 10})
	defer ticker.Stop()
	lifetime := time.NewTimer(s.cfg.MaxLifetime)
	defer lifetime.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lifetime.C:
			send(Event{Type: EventError, Error: LifetimeExceeded})
			return
		case <-ticker.C:
		case <-wake:
		}

		current, err := s.load(ctx, ids)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warnw("failed to load watched documents", "error", err)
			send(Event{Type: EventError, Error: "failed to load document status"})
			return
		}

		var changed []Status
		for _, st := range current {
			if prev, ok := last[st.ID]; !ok || st.changed(prev) {
				changed = append(changed, st)
				last[st.ID] = st
			}
		}
		if len(changed) > 0 && !send(Event{Type: EventUpdate, Documents: changed}) {
			return
		}
		if allTerminal(current) {
			send(Event{Type: EventDone})
			return
		}
	}
}

func (s *Service) resolve(ctx context.Context, req Request) ([]uuid.UUID, error) {
	if len(req.IDs) == 0 && req.BatchToken == "" {
		return nil, ErrEmptyRequest
	}

	seen := map[uuid.UUID]struct{}{}
	var ids []uuid.UUID
	add := func(docs model.DocumentList) {
		for _, d := range docs {
			if _, ok := seen[d.ID]; ok {
				continue
			}
			seen[d.ID] = struct{}{}
			ids = append(ids, d.ID)
		}
	}

	if len(req.IDs) > 0 {
		docs, err := s.store.Document().List(ctx, store.NewDocumentQueryFilter().ByIDs(req.IDs))
		if err != nil {
			return nil, fmt.Errorf("resolve documents: %w", err)
		}
		add(docs)
	}
	if req.BatchToken != "" {
		docs, err := s.store.Document().List(ctx, store.NewDocumentQueryFilter().ByBatchID(req.BatchToken))
		if err != nil {
			return nil, fmt.Errorf("resolve batch %q: %w", req.BatchToken, err)
		}
		add(docs)
	}

	if len(ids) == 0 {
		return nil, ErrNoDocuments
	}
	if len(ids) > maxWatched {
		ids = ids[:maxWatched]
	}
	return ids, nil
}

// load returns the statuses of ids in their original order. Documents
// deleted while watched drop out of the set.
func (s *Service) load(ctx context.Context, ids []uuid.UUID) ([]Status, error) {
	docs, err := s.store.Document().List(ctx, store.NewDocumentQueryFilter().ByIDs(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]model.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	statuses := make([]Status, 0, len(ids))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			statuses = append(statuses, NewStatus(d))
		}
	}
	return statuses, nil
}

func allTerminal(statuses []Status) bool {
	for _, st := range statuses {
		if !st.Terminal() {
			return false
		}
	}
	return true
}
