package pipeline_test

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/carbontrack/docpipeline/internal/config"
	"github.com/carbontrack/docpipeline/internal/filestore"
	"github.com/carbontrack/docpipeline/internal/ocr"
	"github.com/carbontrack/docpipeline/internal/pipeline"
	"github.com/carbontrack/docpipeline/internal/queue"
	st "github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

const transportCSV = "date,vehicle,distance_km,fuel_liters\n2024-01-05,truck-1,120,30\n2024-01-06,truck-2,80,21\n"

type extractorFunc func(ctx context.Context, in ocr.Input) *ocr.Result

func (f extractorFunc) Process(ctx context.Context, in ocr.Input) *ocr.Result {
	return f(ctx, in)
}

var _ = Describe("processor", Ordered, func() {
	var (
		store   st.Store
		gormDB  *gorm.DB
		files   filestore.FileStore
		manager *queue.Manager
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
		var err error
		files, err = filestore.NewLocal(GinkgoT().TempDir())
		Expect(err).To(BeNil())
	})

	AfterEach(func() {
		if manager != nil {
			Expect(manager.Close(context.TODO())).To(Succeed())
			manager = nil
		}
		gormDB.Exec("DELETE FROM documents;")
		gormDB.Exec("DELETE FROM jobs;")
		gormDB.Exec("DELETE FROM queue_settings;")
	})

	upload := func(filename, mediaType string, data []byte) *model.Document {
		key := "owner/" + uuid.NewString() + "/" + filename
		if data != nil {
			Expect(files.Put(context.TODO(), key, bytes.NewReader(data), int64(len(data)), mediaType)).To(Succeed())
		}
		doc, err := store.Document().Create(context.TODO(), model.Document{
			OwnerID:    "owner",
			Filename:   filename,
			StorageKey: key,
			SizeBytes:  int64(len(data)),
			MediaType:  mediaType,
			Category:   model.CategoryTransport,
			Status:     model.StatusUploaded,
		})
		Expect(err).To(BeNil())
		return doc
	}

	start := func(extractor pipeline.Extractor) {
		cfg := config.NewDefault()
		manager = queue.NewManager(store, cfg.Queue,
			queue.WithHandler(pipeline.NewProcessor(store, files, extractor)))
		Expect(manager.Open(context.TODO())).To(Succeed())
	}

	status := func(id uuid.UUID) func() model.DocumentStatus {
		return func() model.DocumentStatus {
			doc, err := store.Document().Get(context.TODO(), id)
			if err != nil {
				return ""
			}
			if doc.JobID != nil {
				return model.StatusProcessing
			}
			return doc.Status
		}
	}

	It("processes a spreadsheet through the structural parser", func() {
		start(pipeline.NewOrchestrator(config.NewDefault().Ocr))

		doc := upload("fuel.csv", "text/csv", []byte(transportCSV))
		jobID, err := manager.Enqueue(context.TODO(), doc.ID)
		Expect(err).To(BeNil())

		Eventually(status(doc.ID), 5*time.Second, 20*time.Millisecond).Should(Equal(model.StatusProcessed))

		doc, err = store.Document().Get(context.TODO(), doc.ID)
		Expect(err).To(BeNil())
		Expect(doc.ProcessingProgress).To(Equal(100))
		Expect(doc.ProcessingStage).To(Equal(model.StageCompleted))
		Expect(doc.QueueStatus).To(Equal(string(model.JobCompleted)))
		Expect(doc.ProcessingStartedAt).ToNot(BeNil())
		Expect(doc.ProcessingCompletedAt).ToNot(BeNil())
		Expect(doc.OcrResult).ToNot(BeNil())
		Expect(doc.OcrResult.Data.Method).To(Equal("parser:csv"))
		Expect(doc.OcrResult.Data.Confidence).To(BeNumerically(">", 0.85))
		Expect(doc.OcrResult.Data.Text).To(ContainSubstring("truck-1"))

		job, err := store.Job().Get(context.TODO(), jobID)
		Expect(err).To(BeNil())
		Expect(job.State).To(Equal(model.JobCompleted))
	})

	It("fails a corrupted pdf and lets it be retried", func() {
		start(pipeline.NewOrchestrator(config.NewDefault().Ocr))

		doc := upload("broken.pdf", "application/pdf", []byte("%PDF-1.4\nthis is not a pdf body"))
		jobID, err := manager.Enqueue(context.TODO(), doc.ID)
		Expect(err).To(BeNil())

		Eventually(status(doc.ID), 5*time.Second, 20*time.Millisecond).Should(Equal(model.StatusFailed))

		doc, err = store.Document().Get(context.TODO(), doc.ID)
		Expect(err).To(BeNil())
		Expect(doc.ProcessingMessage).To(Equal("corrupted file"))
		Expect(doc.ErrorType).To(Equal(string(ocr.CorruptedFile)))
		Expect(doc.ProcessingProgress).To(BeZero())
		Expect(doc.OcrResult).ToNot(BeNil())
		Expect(doc.OcrResult.Data.Confidence).To(BeZero())

		job, err := store.Job().Get(context.TODO(), jobID)
		Expect(err).To(BeNil())
		Expect(job.State).To(Equal(model.JobFailed))
		Expect(job.ErrorType).To(Equal(string(ocr.CorruptedFile)))

		retryID, err := manager.Retry(context.TODO(), jobID)
		Expect(err).To(BeNil())
		Expect(retryID).ToNot(Equal(jobID))

		Eventually(func() model.JobState {
			j, err := store.Job().Get(context.TODO(), retryID)
			if err != nil {
				return ""
			}
			return j.State
		}, 5*time.Second, 20*time.Millisecond).Should(Equal(model.JobFailed))

		doc, err = store.Document().Get(context.TODO(), doc.ID)
		Expect(err).To(BeNil())
		Expect(doc.RetryCount).To(Equal(1))
		Expect(doc.Status).To(Equal(model.StatusFailed))
	})

	It("fails a document whose file is gone", func() {
		var called atomic.Bool
		start(extractorFunc(func(ctx context.Context, in ocr.Input) *ocr.Result {
			called.Store(true)
			return &ocr.Result{}
		}))

		doc := upload("missing.csv", "text/csv", nil)
		_, err := manager.Enqueue(context.TODO(), doc.ID)
		Expect(err).To(BeNil())

		Eventually(status(doc.ID), 5*time.Second, 20*time.Millisecond).Should(Equal(model.StatusFailed))

		doc, err = store.Document().Get(context.TODO(), doc.ID)
		Expect(err).To(BeNil())
		Expect(doc.ErrorType).To(Equal(pipeline.ErrorTypeFileUnavailable))
		Expect(doc.ProcessingMessage).To(Equal("stored file missing"))
		Expect(called.Load()).To(BeFalse())
	})

	Context("when the document cannot be started", func() {
		var called atomic.Bool

		prepare := func(mutate string) (*model.Document, uuid.UUID) {
			called.Store(false)
			start(extractorFunc(func(ctx context.Context, in ocr.Input) *ocr.Result {
				called.Store(true)
				return &ocr.Result{}
			}))
			Expect(manager.PauseAll(context.TODO())).To(Succeed())

			doc := upload("held.csv", "text/csv", []byte(transportCSV))
			jobID, err := manager.Enqueue(context.TODO(), doc.ID)
			Expect(err).To(BeNil())
			Expect(gormDB.Exec(mutate, doc.ID).Error).To(BeNil())

			Expect(manager.ResumeAll(context.TODO())).To(Succeed())
			return doc, jobID
		}

		jobOf := func(id uuid.UUID) func() model.JobState {
			return func() model.JobState {
				j, err := store.Job().Get(context.TODO(), id)
				if err != nil {
					return ""
				}
				return j.State
			}
		}

		It("fails the job as internal when the status no longer allows processing", func() {
			doc, jobID := prepare("UPDATE documents SET status = 'QUARANTINE' WHERE id = ?")

			Eventually(jobOf(jobID), 5*time.Second, 20*time.Millisecond).Should(Equal(model.JobFailed))

			job, err := store.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.ErrorType).To(Equal(queue.ErrorTypeInternal))

			doc, err = store.Document().Get(context.TODO(), doc.ID)
			Expect(err).To(BeNil())
			Expect(doc.Status).To(Equal(model.StatusQuarantine))
			Expect(doc.JobID).To(BeNil())
			Expect(called.Load()).To(BeFalse())
		})

		It("fails the job as stale when the document lost its owner", func() {
			doc, jobID := prepare("UPDATE documents SET job_id = NULL WHERE id = ?")

			Eventually(jobOf(jobID), 5*time.Second, 20*time.Millisecond).Should(Equal(model.JobFailed))

			job, err := store.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.ErrorType).To(Equal(pipeline.ErrorTypeStale))

			doc, err = store.Document().Get(context.TODO(), doc.ID)
			Expect(err).To(BeNil())
			Expect(doc.Status).To(Equal(model.StatusUploaded))
			Expect(called.Load()).To(BeFalse())
		})
	})

	It("reports progress while the chain runs", func() {
		var seen atomic.Int32
		start(extractorFunc(func(ctx context.Context, in ocr.Input) *ocr.Result {
			in.Observer(model.StageParsing, ocr.ProgressParsing)
			in.Observer(model.StageLocalOcr, ocr.ProgressLocalOcr)
			// going backwards is ignored
			in.Observer(model.StageCloudOcr, ocr.ProgressCloudOcr)
			seen.Store(1)
			return &ocr.Result{Text: "distance 120 km", Confidence: 0.8, Method: "tesseract", Fields: map[string]string{}}
		}))

		doc := upload("scan.csv", "text/csv", []byte(transportCSV))
		_, err := manager.Enqueue(context.TODO(), doc.ID)
		Expect(err).To(BeNil())

		Eventually(status(doc.ID), 5*time.Second, 20*time.Millisecond).Should(Equal(model.StatusProcessed))
		Expect(seen.Load()).To(Equal(int32(1)))

		doc, err = store.Document().Get(context.TODO(), doc.ID)
		Expect(err).To(BeNil())
		Expect(doc.ProcessingMessage).To(ContainSubstring("tesseract"))
		Expect(doc.OcrResult.Data.Method).To(Equal("tesseract"))
	})

	It("leaves a cancelled document alone", func() {
		started := make(chan struct{})
		start(extractorFunc(func(ctx context.Context, in ocr.Input) *ocr.Result {
			close(started)
			deadline := time.Now().Add(5 * time.Second)
			for !in.Cancelled() && time.Now().Before(deadline) {
				time.Sleep(20 * time.Millisecond)
			}
			return &ocr.Result{Cancelled: in.Cancelled()}
		}))

		doc := upload("slow.csv", "text/csv", []byte(transportCSV))
		jobID, err := manager.Enqueue(context.TODO(), doc.ID)
		Expect(err).To(BeNil())

		Eventually(started, 5*time.Second).Should(BeClosed())
		_, err = manager.Cancel(context.TODO(), jobID)
		Expect(err).To(BeNil())

		Eventually(func() model.JobState {
			j, err := store.Job().Get(context.TODO(), jobID)
			if err != nil {
				return ""
			}
			return j.State
		}, 5*time.Second, 20*time.Millisecond).Should(Equal(model.JobCancelled))

		Consistently(func() model.DocumentStatus {
			d, err := store.Document().Get(context.TODO(), doc.ID)
			if err != nil {
				return ""
			}
			return d.Status
		}, 300*time.Millisecond, 20*time.Millisecond).Should(Equal(model.StatusUploaded))
	})
})
