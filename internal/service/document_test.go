package service_test

import (
	"context"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/carbontrack/docpipeline/internal/config"
	"github.com/carbontrack/docpipeline/internal/filestore"
	"github.com/carbontrack/docpipeline/internal/lifecycle"
	"github.com/carbontrack/docpipeline/internal/queue"
	"github.com/carbontrack/docpipeline/internal/service"
	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/store/model"
)

var _ = Describe("document service", Ordered, func() {
	var (
		s       store.Store
		gormdb  *gorm.DB
		files   filestore.FileStore
		manager *queue.Manager
		srv     *service.DocumentService
	)

	BeforeAll(func() {
		db, err := store.InitDB(config.NewDefault())
		Expect(err).To(BeNil())
		s = store.NewStore(db)
		gormdb = db
		Expect(s.InitialMigration(context.TODO())).To(Succeed())
	})

	AfterAll(func() {
		s.Close()
	})

	BeforeEach(func() {
		var err error
		files, err = filestore.NewLocal(GinkgoT().TempDir())
		Expect(err).To(BeNil())

		// no handler: jobs stay created
		manager = queue.NewManager(s, config.NewDefault().Queue)
		Expect(manager.Open(context.TODO())).To(Succeed())
		srv = service.NewDocumentService(s, files, manager, service.WithMaxFileSize(64))
	})

	AfterEach(func() {
		Expect(manager.Close(context.TODO())).To(Succeed())
		gormdb.Exec("DELETE FROM documents;")
		gormdb.Exec("DELETE FROM jobs;")
		gormdb.Exec("DELETE FROM queue_settings;")
	})

	register := func(content string, enqueue bool) *model.Document {
		doc, _, err := srv.Register(context.TODO(), service.RegisterRequest{
			OwnerID:   "owner-1",
			BatchID:   "batch-1",
			Filename:  "../../fuel.csv",
			MediaType: "text/csv",
			Category:  model.CategoryTransport,
			Size:      int64(len(content)),
			Content:   strings.NewReader(content),
			Enqueue:   enqueue,
		})
		Expect(err).To(BeNil())
		return doc
	}

	Context("register", func() {
		It("stores the file and enqueues the document", func() {
			doc, jobID, err := srv.Register(context.TODO(), service.RegisterRequest{
				OwnerID:   "owner-1",
				Filename:  "fuel.csv",
				MediaType: "text/csv",
				Category:  model.CategoryTransport,
				Size:      7,
				Content:   strings.NewReader("a,b\n1,2"),
				Enqueue:   true,
			})
			Expect(err).To(BeNil())
			Expect(jobID).ToNot(BeNil())
			Expect(doc.Status).To(Equal(model.StatusUploaded))
			Expect(doc.JobID).ToNot(BeNil())
			Expect(*doc.JobID).To(Equal(*jobID))
			Expect(doc.SizeBytes).To(Equal(int64(7)))

			data, err := files.Get(context.TODO(), doc.StorageKey)
			Expect(err).To(BeNil())
			Expect(string(data)).To(Equal("a,b\n1,2"))
		})

		It("keeps the stored name inside the owner directory", func() {
			doc := register("a,b\n1,2", false)
			Expect(doc.StorageKey).To(HavePrefix("owner-1/" + doc.ID.String() + "/"))
			Expect(doc.StorageKey).To(HaveSuffix("/fuel.csv"))
			Expect(doc.JobID).To(BeNil())
			Expect(*doc.BatchID).To(Equal("batch-1"))
		})

		It("rejects files over the limit", func() {
			_, _, err := srv.Register(context.TODO(), service.RegisterRequest{
				OwnerID:  "owner-1",
				Filename: "big.csv",
				Category: model.CategoryTransport,
				Size:     10,
				Content:  strings.NewReader(strings.Repeat("x", 100)),
			})
			Expect(err).ToNot(BeNil())
			_, ok := err.(*service.ErrFileTooLarge)
			Expect(ok).To(BeTrue())

			var count int64
			gormdb.Model(&model.Document{}).Count(&count)
			Expect(count).To(BeZero())
		})

		It("rejects unknown categories", func() {
			_, _, err := srv.Register(context.TODO(), service.RegisterRequest{
				OwnerID:  "owner-1",
				Filename: "x.csv",
				Category: model.Category("mystery"),
				Content:  strings.NewReader("a"),
			})
			_, ok := err.(*service.ErrInvalidUpload)
			Expect(ok).To(BeTrue())
		})
	})

	Context("operator actions", func() {
		It("quarantines a queued document and cancels its job", func() {
			doc := register("a,b\n1,2", true)
			Expect(doc.JobID).ToNot(BeNil())
			jobID := *doc.JobID

			doc, err := srv.Quarantine(context.TODO(), doc.ID, "suspicious upload")
			Expect(err).To(BeNil())
			Expect(doc.Status).To(Equal(model.StatusQuarantine))
			Expect(doc.ProcessingMessage).To(Equal("suspicious upload"))
			Expect(doc.JobID).To(BeNil())

			job, err := s.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobCancelled))

			doc, err = srv.Release(context.TODO(), doc.ID)
			Expect(err).To(BeNil())
			Expect(doc.Status).To(Equal(model.StatusUploaded))
		})

		It("rejects quarantining a processed document without touching its job", func() {
			doc := register("a,b\n1,2", false)
			Expect(gormdb.Exec("UPDATE documents SET status = ?, processing_progress = 100, processing_stage = ? WHERE id = ?",
				model.StatusProcessed, model.StageCompleted, doc.ID).Error).To(BeNil())
			jobID, err := manager.Enqueue(context.TODO(), doc.ID)
			Expect(err).To(BeNil())

			_, err = srv.Quarantine(context.TODO(), doc.ID, "suspicious upload")
			Expect(err).ToNot(BeNil())
			_, ok := err.(*lifecycle.ErrInvalidTransition)
			Expect(ok).To(BeTrue())

			job, err := s.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobCreated))

			doc, err = srv.Get(context.TODO(), doc.ID)
			Expect(err).To(BeNil())
			Expect(doc.Status).To(Equal(model.StatusProcessed))
			Expect(doc.ProcessingProgress).To(Equal(100))
			Expect(doc.ProcessingStage).To(Equal(model.StageCompleted))
			Expect(doc.JobID).ToNot(BeNil())
			Expect(*doc.JobID).To(Equal(jobID))
		})

		It("refuses to release a document that is not quarantined", func() {
			doc := register("a,b\n1,2", false)
			_, err := srv.Release(context.TODO(), doc.ID)
			Expect(err).ToNot(BeNil())
			_, ok := err.(*lifecycle.ErrInvalidTransition)
			Expect(ok).To(BeTrue())

			doc, err = srv.Get(context.TODO(), doc.ID)
			Expect(err).To(BeNil())
			Expect(doc.Status).To(Equal(model.StatusUploaded))
		})

		It("cancels jobs before deleting a document", func() {
			doc := register("a,b\n1,2", true)
			jobID := *doc.JobID

			Expect(srv.Delete(context.TODO(), doc.ID)).To(Succeed())

			_, err := srv.Get(context.TODO(), doc.ID)
			_, ok := err.(*service.ErrResourceNotFound)
			Expect(ok).To(BeTrue())

			job, err := s.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobCancelled))

			_, err = files.Get(context.TODO(), doc.StorageKey)
			Expect(err).To(MatchError(filestore.ErrNotFound))
		})

		It("lists a batch", func() {
			register("a,b\n1,2", false)
			register("c,d\n3,4", false)

			docs, err := srv.ListBatch(context.TODO(), "batch-1")
			Expect(err).To(BeNil())
			Expect(docs).To(HaveLen(2))
		})
	})
})
