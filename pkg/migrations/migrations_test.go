package migrations_test

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/carbontrack/docpipeline/internal/config"
	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/carbontrack/docpipeline/pkg/migrations"
)

var _ = Describe("migrations", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
	)

	BeforeAll(func() {
		db, err := store.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db
	})

	AfterAll(func() {
		s.Close()
	})

	AfterEach(func() {
		gormdb.Exec("DROP TABLE IF EXISTS documents;")
		gormdb.Exec("DROP TABLE IF EXISTS jobs;")
		gormdb.Exec("DROP TABLE IF EXISTS queue_settings;")
		gormdb.Exec("DROP TABLE IF EXISTS goose_db_version;")
	})

	tableExists := func(name string) bool {
		var count int64
		tx := gormdb.Raw("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&count)
		Expect(tx.Error).To(BeNil())
		return count == 1
	}

	It("fails to migrate the db -- migration folder does not exist", func() {
		err := migrations.MigrateStore(gormdb, "some folder", nil)
		Expect(err).NotTo(BeNil())
	})

	It("fails to migrate the db -- migration folder is a file", func() {
		f := path.Join(GinkgoT().TempDir(), "file.sql")
		Expect(os.WriteFile(f, []byte("-- nothing"), 0o600)).To(Succeed())

		err := migrations.MigrateStore(gormdb, f, nil)
		Expect(err).To(MatchError(ContainSubstring("is not a folder")))
	})

	It("successfully migrates the db with the embedded migrations", func() {
		Expect(migrations.MigrateStore(gormdb, "", nil)).To(Succeed())

		for _, table := range []string{"documents", "jobs", "queue_settings"} {
			Expect(tableExists(table)).To(BeTrue(), table)
		}

		version, err := migrations.Version(gormdb)
		Expect(err).To(BeNil())
		Expect(version).To(Equal(int64(20250601000003)))

		// running twice is a no-op
		Expect(migrations.MigrateStore(gormdb, "", nil)).To(Succeed())
	})

	It("produces a schema the store can use", func() {
		Expect(migrations.MigrateStore(gormdb, "", nil)).To(Succeed())

		paused, err := s.QueueSetting().Get(context.TODO(), model.DefaultQueueName)
		Expect(err).To(BeNil())
		Expect(paused.Paused).To(BeFalse())

		doc, err := s.Document().Create(context.TODO(), model.Document{
			OwnerID:    "owner",
			Filename:   "bill.pdf",
			StorageKey: "owner/bill.pdf",
			Category:   model.CategoryEnergy,
		})
		Expect(err).To(BeNil())

		got, err := s.Document().Get(context.TODO(), doc.ID)
		Expect(err).To(BeNil())
		Expect(got.Status).To(Equal(model.StatusUploaded))
		Expect(got.CreatedAt).To(BeTemporally("~", time.Now(), time.Minute))

		_, err = s.Job().Create(context.TODO(), model.Job{
			ID:          uuid.New(),
			DocumentID:  doc.ID,
			Kind:        model.JobKindOcrProcessing,
			State:       model.JobCreated,
			MaxAttempts: 3,
			EnqueuedAt:  time.Now().UTC(),
		})
		Expect(err).To(BeNil())
	})
})
