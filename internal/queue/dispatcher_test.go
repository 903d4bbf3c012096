package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/carbontrack/docpipeline/internal/config"
	"github.com/carbontrack/docpipeline/internal/queue"
	st "github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

var _ = Describe("dispatcher", Ordered, func() {
	var (
		store   st.Store
		gormDB  *gorm.DB
		manager *queue.Manager
	)

	BeforeAll(func() {
		store, gormDB = newTestStore()
	})

	AfterAll(func() {
		store.Close()
	})

	AfterEach(func() {
		if manager != nil {
			Expect(manager.Close(context.TODO())).To(Succeed())
		}
		gormDB.Exec("DELETE FROM documents;")
		gormDB.Exec("DELETE FROM jobs;")
		gormDB.Exec("DELETE FROM queue_settings;")
	})

	jobState := func(id uuid.UUID) func() model.JobState {
		return func() model.JobState {
			job, err := store.Job().Get(context.TODO(), id)
			if err != nil {
				return ""
			}
			return job.State
		}
	}

	open := func(h queue.Handler) {
		manager = queue.NewManager(store, config.NewDefault().Queue, queue.WithHandler(h))
		Expect(manager.Open(context.TODO())).To(Succeed())
	}

	It("completes a job and commits the document write", func() {
		handler := queue.HandlerFunc(func(ctx context.Context, task queue.Task) queue.Outcome {
			return queue.Outcome{Commit: func(ctx context.Context) error {
				return store.Document().Update(ctx, st.NewDocumentQueryFilter().ByID(task.Job.DocumentID).OwnedBy(task.Job.ID),
					map[string]any{"job_id": nil, "queue_status": "completed", "processing_progress": 100})
			}}
		})
		open(handler)

		doc := createDocument(store, model.StatusUploaded)
		jobID, err := manager.Enqueue(context.TODO(), doc.ID)
		Expect(err).To(BeNil())

		Eventually(jobState(jobID), 5*time.Second, 20*time.Millisecond).Should(Equal(model.JobCompleted))

		job, err := store.Job().Get(context.TODO(), jobID)
		Expect(err).To(BeNil())
		Expect(job.Attempt).To(Equal(1))
		Expect(job.FinishedAt).ToNot(BeNil())

		doc = getDocument(store, doc.ID)
		Expect(doc.JobID).To(BeNil())
		Expect(doc.ProcessingProgress).To(Equal(100))
	})

	It("records handler failures", func() {
		open(queue.HandlerFunc(func(ctx context.Context, task queue.Task) queue.Outcome {
			return queue.Outcome{Err: errors.New("corrupted file"), ErrorType: "corrupted_file"}
		}))

		doc := createDocument(store, model.StatusUploaded)
		jobID, err := manager.Enqueue(context.TODO(), doc.ID)
		Expect(err).To(BeNil())

		Eventually(jobState(jobID), 5*time.Second, 20*time.Millisecond).Should(Equal(model.JobFailed))
		job, err := store.Job().Get(context.TODO(), jobID)
		Expect(err).To(BeNil())
		Expect(job.ErrorType).To(Equal("corrupted_file"))
		Expect(job.LastError).To(Equal("corrupted file"))

		doc = getDocument(store, doc.ID)
		Expect(doc.JobID).To(BeNil())
		Expect(doc.QueueStatus).To(Equal(string(model.JobFailed)))
	})

	It("turns a panicking handler into a failed job", func() {
		open(queue.HandlerFunc(func(ctx context.Context, task queue.Task) queue.Outcome {
			panic("boom")
		}))

		doc := createDocument(store, model.StatusUploaded)
		jobID, err := manager.Enqueue(context.TODO(), doc.ID)
		Expect(err).To(BeNil())

		Eventually(jobState(jobID), 5*time.Second, 20*time.Millisecond).Should(Equal(model.JobFailed))
	})

	It("keeps jobs created while paused and dispatches them on resume", func() {
		var handled atomic.Int32
		open(queue.HandlerFunc(func(ctx context.Context, task queue.Task) queue.Outcome {
			handled.Add(1)
			return queue.Outcome{}
		}))
		Expect(manager.PauseAll(context.TODO())).To(Succeed())

		doc := createDocument(store, model.StatusUploaded)
		jobID, err := manager.Enqueue(context.TODO(), doc.ID)
		Expect(err).To(BeNil())

		Consistently(jobState(jobID), 300*time.Millisecond, 20*time.Millisecond).Should(Equal(model.JobCreated))
		Expect(handled.Load()).To(BeZero())

		Expect(manager.ResumeAll(context.TODO())).To(Succeed())
		Eventually(jobState(jobID), 5*time.Second, 20*time.Millisecond).Should(Equal(model.JobCompleted))
		Expect(handled.Load()).To(Equal(int32(1)))
	})

	It("discards the result of a job cancelled while running", func() {
		started := make(chan struct{})
		var committed atomic.Bool
		open(queue.HandlerFunc(func(ctx context.Context, task queue.Task) queue.Outcome {
			close(started)
			deadline := time.Now().Add(5 * time.Second)
			for !task.Cancelled() && time.Now().Before(deadline) {
				time.Sleep(20 * time.Millisecond)
			}
			return queue.Outcome{Commit: func(ctx context.Context) error {
				committed.Store(true)
				return nil
			}}
		}))

		doc := createDocument(store, model.StatusUploaded)
		jobID, err := manager.Enqueue(context.TODO(), doc.ID)
		Expect(err).To(BeNil())

		Eventually(started, 5*time.Second).Should(BeClosed())
		n, err := manager.Cancel(context.TODO(), jobID)
		Expect(err).To(BeNil())
		Expect(n).To(Equal(1))

		Consistently(jobState(jobID), 300*time.Millisecond, 20*time.Millisecond).Should(Equal(model.JobCancelled))
		Expect(committed.Load()).To(BeFalse())
		Expect(getDocument(store, doc.ID).Status).To(Equal(model.StatusUploaded))
	})

	It("waits for the in-flight job on close", func() {
		release := make(chan struct{})
		started := make(chan struct{})
		open(queue.HandlerFunc(func(ctx context.Context, task queue.Task) queue.Outcome {
			close(started)
			<-release
			return queue.Outcome{}
		}))

		doc := createDocument(store, model.StatusUploaded)
		jobID, err := manager.Enqueue(context.TODO(), doc.ID)
		Expect(err).To(BeNil())
		Eventually(started, 5*time.Second).Should(BeClosed())

		closed := make(chan error, 1)
		go func() { closed <- manager.Close(context.TODO()) }()
		Consistently(closed, 100*time.Millisecond).ShouldNot(Receive())

		close(release)
		Eventually(closed, 5*time.Second).Should(Receive(BeNil()))
		Expect(jobState(jobID)()).To(Equal(model.JobCompleted))
		manager = nil
	})
})
