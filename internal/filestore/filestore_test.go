package filestore_test

import (
	"context"
	"strings"

	"github.com/carbontrack/docpipeline/internal/config"
	"github.com/carbontrack/docpipeline/internal/filestore"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("local file store", func() {
	var fs filestore.FileStore

	BeforeEach(func() {
		var err error
		fs, err = filestore.New(&config.StorageConfig{Type: "local", LocalPath: GinkgoT().TempDir()})
		Expect(err).To(BeNil())
		Expect(fs.Type()).To(Equal("local"))
	})

	It("round trips a file", func() {
		err := fs.Put(context.TODO(), "owner/doc.csv", strings.NewReader("a,b\n1,2\n"), 8, "text/csv")
		Expect(err).To(BeNil())

		b, err := fs.Get(context.TODO(), "owner/doc.csv")
		Expect(err).To(BeNil())
		Expect(string(b)).To(Equal("a,b\n1,2\n"))
	})

	It("reports missing keys", func() {
		_, err := fs.Get(context.TODO(), "nope")
		Expect(err).To(MatchError(filestore.ErrNotFound))
	})

	It("deletes idempotently", func() {
		Expect(fs.Put(context.TODO(), "k", strings.NewReader("x"), 1, "")).To(BeNil())
		Expect(fs.Delete(context.TODO(), "k")).To(BeNil())
		Expect(fs.Delete(context.TODO(), "k")).To(BeNil())

		_, err := fs.Get(context.TODO(), "k")
		Expect(err).To(MatchError(filestore.ErrNotFound))
	})

	It("refuses keys escaping the root", func() {
		err := fs.Put(context.TODO(), "../escape", strings.NewReader("x"), 1, "")
		Expect(err).ToNot(BeNil())
	})
})

var _ = Describe("file store factory", func() {
	It("rejects unknown types", func() {
		_, err := filestore.New(&config.StorageConfig{Type: "ftp"})
		Expect(err).ToNot(BeNil())
	})

	It("needs a bucket for s3", func() {
		_, err := filestore.New(&config.StorageConfig{Type: "s3", Endpoint: "localhost:9000"})
		Expect(err).ToNot(BeNil())
	})
})
