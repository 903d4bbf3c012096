package stream_test

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/carbontrack/docpipeline/internal/config"
	"github.com/carbontrack/docpipeline/internal/events"
	st "github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/carbontrack/docpipeline/internal/stream"
)

var _ = Describe("status stream", Ordered, func() {
	var (
		store  st.Store
		gormDB *gorm.DB
		hub    *stream.Hub
		svc    *stream.Service
	)

	BeforeAll(func() {
		db, err := st.InitDB(config.NewDefault())
		Expect(err).To(BeNil())
		gormDB = db
		store = st.NewStore(db)
		Expect(store.InitialMigration(context.TODO())).To(Succeed())
	})

	AfterAll(func() {
		store.Close()
	})

	BeforeEach(func() {
		hub = stream.NewHub()
		svc = stream.NewService(store, hub, &config.StreamConfig{
			TickInterval: 50 * time.Millisecond,
			MaxLifetime:  10 * time.Second,
			PollRetry:    time.Second,
		})
	})

	AfterEach(func() {
		gormDB.Exec("DELETE FROM documents;")
	})

	create := func(batch string, status model.DocumentStatus) *model.Document {
		doc, err := store.Document().Create(context.TODO(), model.Document{
			OwnerID:    "owner",
			BatchID:    &batch,
			Filename:   "invoice.pdf",
			StorageKey: "owner/invoice.pdf",
			Category:   model.CategoryEnergy,
			Status:     status,
		})
		Expect(err).To(BeNil())
		return doc
	}

	set := func(id uuid.UUID, updates map[string]any) {
		Expect(store.Document().Update(context.TODO(), st.NewDocumentQueryFilter().ByID(id), updates)).To(Succeed())
		hub.Notify(id.String())
	}

	next := func(ch <-chan stream.Event) stream.Event {
		var e stream.Event
		Eventually(ch, 5*time.Second).Should(Receive(&e))
		return e
	}

	It("follows a batch of three documents until all are terminal", func() {
		docs := []*model.Document{
			create("batch-1", model.StatusProcessing),
			create("batch-1", model.StatusProcessing),
			create("batch-1", model.StatusUploaded),
		}
		create("batch-2", model.StatusProcessing)

		ctx, cancel := context.WithCancel(context.TODO())
		defer cancel()
		ch, err := svc.Subscribe(ctx, stream.Request{BatchToken: "batch-1"})
		Expect(err).To(BeNil())

		snapshot := next(ch)
		Expect(snapshot.Type).To(Equal(stream.EventSnapshot))
		Expect(snapshot.Documents).To(HaveLen(3))

		set(docs[0].ID, map[string]any{"processing_progress": 55, "processing_stage": model.StageLocalOcr})
		update := next(ch)
		Expect(update.Type).To(Equal(stream.EventUpdate))
		Expect(update.Documents).To(HaveLen(1))
		Expect(update.Documents[0].ID).To(Equal(docs[0].ID.String()))
		Expect(update.Documents[0].Progress).To(Equal(55))
		Expect(update.Documents[0].Stage).To(Equal(model.StageLocalOcr))

		// nothing changed: no event on the following ticks
		Consistently(ch, 200*time.Millisecond).ShouldNot(Receive())

		set(docs[0].ID, map[string]any{"status": model.StatusProcessed, "processing_progress": 100})
		set(docs[1].ID, map[string]any{"status": model.StatusFailed, "processing_message": "corrupted file"})
		set(docs[2].ID, map[string]any{"status": model.StatusProcessed, "processing_progress": 100})

		terminal := map[string]string{}
		var last stream.Event
		for i := 0; i < 5 && last.Type != stream.EventDone; i++ {
			last = next(ch)
			for _, d := range last.Documents {
				terminal[d.ID] = d.Status
			}
		}
		Expect(last.Type).To(Equal(stream.EventDone))

		Expect(terminal).To(HaveKeyWithValue(docs[0].ID.String(), string(model.StatusProcessed)))
		Expect(terminal).To(HaveKeyWithValue(docs[1].ID.String(), string(model.StatusFailed)))
		Expect(terminal).To(HaveKeyWithValue(docs[2].ID.String(), string(model.StatusProcessed)))
		Eventually(ch).Should(BeClosed())
	})

	It("finishes right after the snapshot when everything is terminal", func() {
		doc := create("batch-3", model.StatusProcessed)

		ch, err := svc.Subscribe(context.TODO(), stream.Request{IDs: []uuid.UUID{doc.ID}})
		Expect(err).To(BeNil())

		Expect(next(ch).Type).To(Equal(stream.EventSnapshot))
		Expect(next(ch).Type).To(Equal(stream.EventDone))
		Eventually(ch).Should(BeClosed())
	})

	It("drops unknown documents and rejects a set with none left", func() {
		doc := create("batch-4", model.StatusUploaded)

		statuses, err := svc.Snapshot(context.TODO(), stream.Request{IDs: []uuid.UUID{doc.ID, uuid.New()}})
		Expect(err).To(BeNil())
		Expect(statuses).To(HaveLen(1))
		Expect(statuses[0].ID).To(Equal(doc.ID.String()))

		_, err = svc.Subscribe(context.TODO(), stream.Request{IDs: []uuid.UUID{uuid.New()}})
		Expect(err).To(MatchError(stream.ErrNoDocuments))

		_, err = svc.Subscribe(context.TODO(), stream.Request{})
		Expect(err).To(MatchError(stream.ErrEmptyRequest))
	})

	It("closes the channel when the client goes away", func() {
		doc := create("batch-5", model.StatusProcessing)

		ctx, cancel := context.WithCancel(context.TODO())
		ch, err := svc.Subscribe(ctx, stream.Request{IDs: []uuid.UUID{doc.ID}})
		Expect(err).To(BeNil())
		Expect(next(ch).Type).To(Equal(stream.EventSnapshot))

		cancel()
		Eventually(ch, 5*time.Second).Should(BeClosed())
	})

	It("asks the client to reconnect after the maximum lifetime", func() {
		svc = stream.NewService(store, hub, &config.StreamConfig{
			TickInterval: 50 * time.Millisecond,
			MaxLifetime:  200 * time.Millisecond,
		})
		doc := create("batch-6", model.StatusProcessing)

		ch, err := svc.Subscribe(context.TODO(), stream.Request{IDs: []uuid.UUID{doc.ID}})
		Expect(err).To(BeNil())
		Expect(next(ch).Type).To(Equal(stream.EventSnapshot))

		e := next(ch)
		Expect(e.Type).To(Equal(stream.EventError))
		Expect(e.Error).To(ContainSubstring("reconnect"))
		Eventually(ch).Should(BeClosed())
	})
})

var _ = Describe("hub", func() {
	It("wakes only the watchers of the changed document", func() {
		hub := stream.NewHub()
		a, unwatchA := hub.Watch([]string{"doc-a"})
		b, unwatchB := hub.Watch([]string{"doc-b"})
		defer unwatchB()

		e := cloudevents.NewEvent()
		e.SetType(events.DocumentMessageKind)
		e.SetSubject("doc-a")
		Expect(hub.Write(context.TODO(), "docpipeline.events", e)).To(Succeed())

		Expect(a).To(Receive())
		Expect(b).ToNot(Receive())

		unwatchA()
		hub.Notify("doc-a")
		Expect(a).ToNot(Receive())
	})

	It("ignores other event types", func() {
		hub := stream.NewHub()
		ch, unwatch := hub.Watch([]string{"doc-a"})
		defer unwatch()

		e := cloudevents.NewEvent()
		e.SetType(events.JobMessageKind)
		e.SetSubject("doc-a")
		Expect(hub.Write(context.TODO(), "docpipeline.events", e)).To(Succeed())
		Expect(ch).ToNot(Receive())
	})
})
