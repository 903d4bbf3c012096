package queue_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/carbontrack/docpipeline/internal/config"
	"github.com/carbontrack/docpipeline/internal/events"
	"github.com/carbontrack/docpipeline/internal/lifecycle"
	"github.com/carbontrack/docpipeline/internal/queue"
	st "github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

func newTestStore() (st.Store, *gorm.DB) {
	db, err := st.InitDB(config.NewDefault())
	Expect(err).To(BeNil())

	s := st.NewStore(db)
	Expect(s.InitialMigration(context.TODO())).To(Succeed())
	return s, db
}

func createDocument(s st.Store, status model.DocumentStatus) *model.Document {
	doc, err := s.Document().Create(context.TODO(), model.Document{
		OwnerID:    "owner",
		Filename:   "waybill.pdf",
		StorageKey: "owner/waybill.pdf",
		Category:   model.CategoryTransport,
		Status:     status,
	})
	Expect(err).To(BeNil())
	return doc
}

func getDocument(s st.Store, id uuid.UUID) *model.Document {
	doc, err := s.Document().Get(context.TODO(), id)
	Expect(err).To(BeNil())
	return doc
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DocumentEvent
}

func (r *recordingPublisher) PublishDocument(_ context.Context, e events.DocumentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var _ = Describe("queue manager", Ordered, func() {
	var (
		store     st.Store
		gormDB    *gorm.DB
		manager   *queue.Manager
		publisher *recordingPublisher
	)

	BeforeAll(func() {
		store, gormDB = newTestStore()
	})

	AfterAll(func() {
		store.Close()
	})

	BeforeEach(func() {
		publisher = &recordingPublisher{}
		manager = queue.NewManager(store, config.NewDefault().Queue, queue.WithPublisher(publisher))
		Expect(manager.Open(context.TODO())).To(Succeed())
	})

	AfterEach(func() {
		Expect(manager.Close(context.TODO())).To(Succeed())
		gormDB.Exec("DELETE FROM documents;")
		gormDB.Exec("DELETE FROM jobs;")
		gormDB.Exec("DELETE FROM queue_settings;")
	})

	Context("enqueue", func() {
		It("creates a job owning the document", func() {
			doc := createDocument(store, model.StatusUploaded)

			jobID, err := manager.Enqueue(context.TODO(), doc.ID)
			Expect(err).To(BeNil())

			job, err := store.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobCreated))
			Expect(job.DocumentID).To(Equal(doc.ID))
			Expect(job.MaxAttempts).To(Equal(3))

			doc = getDocument(store, doc.ID)
			Expect(doc.JobID).ToNot(BeNil())
			Expect(*doc.JobID).To(Equal(jobID))
			Expect(doc.QueueStatus).To(Equal("created"))
			Expect(doc.ProcessingStage).To(Equal(model.StageQueued))
			Expect(publisher.Len()).To(Equal(1))
		})

		It("refuses a second live job", func() {
			doc := createDocument(store, model.StatusUploaded)

			first, err := manager.Enqueue(context.TODO(), doc.ID)
			Expect(err).To(BeNil())

			_, err = manager.Enqueue(context.TODO(), doc.ID)
			var alreadyQueued *queue.ErrAlreadyQueued
			Expect(errors.As(err, &alreadyQueued)).To(BeTrue())

			Expect(*getDocument(store, doc.ID).JobID).To(Equal(first))
		})

		It("lets exactly one of many concurrent enqueues win", func() {
			doc := createDocument(store, model.StatusUploaded)

			const callers = 10
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				won      []uuid.UUID
				rejected int
			)
			wg.Add(callers)
			for i := 0; i < callers; i++ {
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					id, err := manager.Enqueue(context.TODO(), doc.ID)
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						won = append(won, id)
						return
					}
					var alreadyQueued *queue.ErrAlreadyQueued
					Expect(errors.As(err, &alreadyQueued)).To(BeTrue())
					rejected++
				}()
			}
			wg.Wait()

			Expect(won).To(HaveLen(1))
			Expect(rejected).To(Equal(callers - 1))

			jobs, err := store.Job().List(context.TODO(), st.NewJobQueryFilter().ByDocumentID(doc.ID), nil)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(*getDocument(store, doc.ID).JobID).To(Equal(won[0]))
		})

		It("reports unknown documents", func() {
			_, err := manager.Enqueue(context.TODO(), uuid.New())
			var notFound *queue.ErrDocumentNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})

		It("refuses documents that cannot enter processing", func() {
			doc := createDocument(store, model.StatusQuarantine)

			_, err := manager.Enqueue(context.TODO(), doc.ID)
			var invalid *lifecycle.ErrInvalidTransition
			Expect(errors.As(err, &invalid)).To(BeTrue())

			count, err := store.Job().List(context.TODO(), st.NewJobQueryFilter().ByDocumentID(doc.ID), nil)
			Expect(err).To(BeNil())
			Expect(count).To(BeEmpty())
		})
	})

	Context("cancel", func() {
		It("is idempotent", func() {
			doc := createDocument(store, model.StatusUploaded)
			jobID, err := manager.Enqueue(context.TODO(), doc.ID)
			Expect(err).To(BeNil())

			n, err := manager.Cancel(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(n).To(Equal(1))

			n, err = manager.Cancel(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(n).To(Equal(0))

			job, err := store.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobCancelled))
			Expect(job.FinishedAt).ToNot(BeNil())

			doc = getDocument(store, doc.ID)
			Expect(doc.JobID).To(BeNil())
			Expect(doc.Status).To(Equal(model.StatusUploaded))
			Expect(doc.QueueStatus).To(Equal("cancelled"))
			Expect(doc.ProcessingStage).To(Equal(model.StageCancelled))
			Expect(doc.ProcessingProgress).To(Equal(0))
		})

		It("resets a processing document to uploaded", func() {
			doc := createDocument(store, model.StatusUploaded)
			jobID, err := manager.Enqueue(context.TODO(), doc.ID)
			Expect(err).To(BeNil())
			Expect(gormDB.Exec("UPDATE documents SET status = 'PROCESSING', processing_progress = 55 WHERE id = ?", doc.ID).Error).To(BeNil())

			_, err = store.Job().ClaimNext(context.TODO(), "other-worker", time.Now().Add(time.Minute))
			Expect(err).To(BeNil())

			n, err := manager.Cancel(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(n).To(Equal(1))

			doc = getDocument(store, doc.ID)
			Expect(doc.Status).To(Equal(model.StatusUploaded))
			Expect(doc.ProcessingProgress).To(Equal(0))
		})

		It("keeps a processed document processed", func() {
			doc, err := store.Document().Create(context.TODO(), model.Document{
				OwnerID:            "owner",
				Filename:           "waybill.pdf",
				StorageKey:         "owner/waybill.pdf",
				Category:           model.CategoryTransport,
				Status:             model.StatusProcessed,
				ProcessingProgress: 100,
				ProcessingStage:    model.StageCompleted,
				ProcessingMessage:  "extracted via parser",
			})
			Expect(err).To(BeNil())
			jobID, err := manager.Enqueue(context.TODO(), doc.ID)
			Expect(err).To(BeNil())

			_, err = manager.Cancel(context.TODO(), jobID)
			Expect(err).To(BeNil())

			doc = getDocument(store, doc.ID)
			Expect(doc.Status).To(Equal(model.StatusProcessed))
			Expect(doc.ProcessingProgress).To(Equal(100))
			Expect(doc.ProcessingStage).To(Equal(model.StageCompleted))
			Expect(doc.ProcessingMessage).To(Equal("extracted via parser"))
			Expect(doc.JobID).To(BeNil())
			Expect(doc.QueueStatus).To(Equal(string(model.JobCancelled)))
		})

		It("reports unknown jobs", func() {
			_, err := manager.Cancel(context.TODO(), uuid.New())
			var notFound *queue.ErrJobNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})

		It("cancels by document", func() {
			doc := createDocument(store, model.StatusUploaded)
			_, err := manager.Enqueue(context.TODO(), doc.ID)
			Expect(err).To(BeNil())

			n, err := manager.CancelByDocument(context.TODO(), doc.ID)
			Expect(err).To(BeNil())
			Expect(n).To(Equal(1))

			n, err = manager.CancelByDocument(context.TODO(), doc.ID)
			Expect(err).To(BeNil())
			Expect(n).To(Equal(0))

			_, err = manager.CancelByDocument(context.TODO(), uuid.New())
			var notFound *queue.ErrDocumentNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})
	})

	Context("retry", func() {
		It("only retries failed jobs", func() {
			doc := createDocument(store, model.StatusUploaded)
			jobID, err := manager.Enqueue(context.TODO(), doc.ID)
			Expect(err).To(BeNil())

			_, err = manager.Retry(context.TODO(), jobID)
			var invalid *queue.ErrInvalidState
			Expect(errors.As(err, &invalid)).To(BeTrue())

			_, err = manager.Cancel(context.TODO(), jobID)
			Expect(err).To(BeNil())
			_, err = manager.Retry(context.TODO(), jobID)
			Expect(errors.As(err, &invalid)).To(BeTrue())
		})

		It("enqueues a new job for a failed one", func() {
			doc := createDocument(store, model.StatusFailed)
			failed, err := store.Job().Create(context.TODO(), model.Job{DocumentID: doc.ID, State: model.JobFailed, Attempt: 1, MaxAttempts: 3})
			Expect(err).To(BeNil())

			newID, err := manager.Retry(context.TODO(), failed.ID)
			Expect(err).To(BeNil())
			Expect(newID).ToNot(Equal(failed.ID))

			job, err := store.Job().Get(context.TODO(), newID)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobCreated))
			Expect(job.Attempt).To(Equal(0))
			Expect(job.RetriedFrom).ToNot(BeNil())
			Expect(*job.RetriedFrom).To(Equal(failed.ID))

			doc = getDocument(store, doc.ID)
			Expect(doc.RetryCount).To(Equal(1))
			Expect(*doc.JobID).To(Equal(newID))
		})

		It("reports unknown jobs", func() {
			_, err := manager.Retry(context.TODO(), uuid.New())
			var notFound *queue.ErrJobNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})
	})

	Context("status", func() {
		It("returns the job with its document progress", func() {
			doc := createDocument(store, model.StatusUploaded)
			jobID, err := manager.Enqueue(context.TODO(), doc.ID)
			Expect(err).To(BeNil())

			status, err := manager.GetStatus(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(status.State).To(Equal(model.JobCreated))
			Expect(status.DocumentStatus).To(Equal(model.StatusUploaded))
			Expect(status.Stage).To(Equal(model.StageQueued))

			_, err = manager.GetStatus(context.TODO(), uuid.New())
			var notFound *queue.ErrJobNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})

		It("lists bounded snapshots", func() {
			for i := 0; i < 3; i++ {
				doc := createDocument(store, model.StatusUploaded)
				_, err := manager.Enqueue(context.TODO(), doc.ID)
				Expect(err).To(BeNil())
			}
			failedDoc := createDocument(store, model.StatusFailed)
			_, err := store.Job().Create(context.TODO(), model.Job{DocumentID: failedDoc.ID, State: model.JobFailed, MaxAttempts: 3})
			Expect(err).To(BeNil())

			active, err := manager.ListActive(context.TODO(), 2)
			Expect(err).To(BeNil())
			Expect(active).To(HaveLen(2))

			active, err = manager.ListActive(context.TODO(), 0)
			Expect(err).To(BeNil())
			Expect(active).To(HaveLen(3))

			failed, err := manager.ListFailed(context.TODO(), 10000)
			Expect(err).To(BeNil())
			Expect(failed).To(HaveLen(1))
		})
	})

	Context("pause", func() {
		It("is idempotent and persisted", func() {
			Expect(manager.PauseAll(context.TODO())).To(Succeed())
			Expect(manager.PauseAll(context.TODO())).To(Succeed())

			paused, err := manager.IsPaused(context.TODO())
			Expect(err).To(BeNil())
			Expect(paused).To(BeTrue())

			other := queue.NewManager(store, config.NewDefault().Queue)
			paused, err = other.IsPaused(context.TODO())
			Expect(err).To(BeNil())
			Expect(paused).To(BeTrue())

			Expect(manager.ResumeAll(context.TODO())).To(Succeed())
			Expect(manager.ResumeAll(context.TODO())).To(Succeed())
			paused, err = manager.IsPaused(context.TODO())
			Expect(err).To(BeNil())
			Expect(paused).To(BeFalse())
		})
	})

	Context("reaper", func() {
		It("requeues an expired lease with attempts left", func() {
			doc := createDocument(store, model.StatusUploaded)
			jobID, err := manager.Enqueue(context.TODO(), doc.ID)
			Expect(err).To(BeNil())

			claimed, err := store.Job().ClaimNext(context.TODO(), "dead-worker", time.Now().Add(-time.Second))
			Expect(err).To(BeNil())
			Expect(claimed.ID).To(Equal(jobID))

			n, err := manager.Reap(context.TODO(), time.Now())
			Expect(err).To(BeNil())
			Expect(n).To(Equal(1))

			job, err := store.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobCreated))
			Expect(job.LeaseOwner).To(BeEmpty())
			Expect(*getDocument(store, doc.ID).JobID).To(Equal(jobID))
		})

		It("fails a job out of attempts", func() {
			doc := createDocument(store, model.StatusUploaded)
			jobID, err := manager.Enqueue(context.TODO(), doc.ID)
			Expect(err).To(BeNil())
			Expect(gormDB.Exec("UPDATE jobs SET max_attempts = 1 WHERE id = ?", jobID).Error).To(BeNil())

			_, err = store.Job().ClaimNext(context.TODO(), "dead-worker", time.Now().Add(-time.Second))
			Expect(err).To(BeNil())

			n, err := manager.Reap(context.TODO(), time.Now())
			Expect(err).To(BeNil())
			Expect(n).To(Equal(1))

			job, err := store.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobFailed))
			Expect(job.ErrorType).To(Equal(queue.ErrorTypeJobTimeout))

			doc = getDocument(store, doc.ID)
			Expect(doc.Status).To(Equal(model.StatusFailed))
			Expect(doc.JobID).To(BeNil())
			Expect(doc.ProcessingMessage).To(ContainSubstring("timed out"))
		})

		It("leaves live leases alone", func() {
			doc := createDocument(store, model.StatusUploaded)
			_, err := manager.Enqueue(context.TODO(), doc.ID)
			Expect(err).To(BeNil())
			_, err = store.Job().ClaimNext(context.TODO(), "busy-worker", time.Now().Add(time.Hour))
			Expect(err).To(BeNil())

			n, err := manager.Reap(context.TODO(), time.Now())
			Expect(err).To(BeNil())
			Expect(n).To(Equal(0))
		})
	})
})
