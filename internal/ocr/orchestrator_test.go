package ocr_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/carbontrack/docpipeline/internal/ocr"
	"github.com/carbontrack/docpipeline/internal/parser"
	"github.com/carbontrack/docpipeline/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeProvider struct {
	name       string
	kind       model.StepKind
	mediaTypes []string
	text       string
	confidence float64
	err        error
	delay      time.Duration
	calls      atomic.Int32
}

func (f *fakeProvider) Name() string         { return f.name }
func (f *fakeProvider) Kind() model.StepKind { return f.kind }

func (f *fakeProvider) Supports(mediaType string) bool {
	if len(f.mediaTypes) == 0 {
		return true
	}
	for _, mt := range f.mediaTypes {
		if strings.HasPrefix(mediaType, mt) {
			return true
		}
	}
	return false
}

func (f *fakeProvider) Attempt(ctx context.Context, doc ocr.Document) (*ocr.Extraction, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ocr.NewErrTimeout(ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &ocr.Extraction{Text: f.text, Confidence: f.confidence, Pages: 1}, nil
}

type fakePost struct {
	fields     map[string]string
	confidence float64
	err        error
	calls      atomic.Int32
}

func (f *fakePost) Name() string { return "llm" }

func (f *fakePost) Reconcile(ctx context.Context, req ocr.PostProcessRequest) (*ocr.PostProcessResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &ocr.PostProcessResult{Fields: f.fields, Confidence: f.confidence}, nil
}

var pngBytes = []byte("\x89PNG\r\n\x1a\n fake image")

var _ = Describe("orchestrator", func() {
	var (
		cloud *fakeProvider
		local *fakeProvider
	)

	BeforeEach(func() {
		cloud = &fakeProvider{name: "vision", kind: model.StepCloudOcr, mediaTypes: []string{"image/", "application/pdf"}}
		local = &fakeProvider{name: "tesseract", kind: model.StepLocalOcr, mediaTypes: []string{"image/", "application/pdf"}}
	})

	newOrchestrator := func(post ocr.PostProcessor, opts ...ocr.Option) *ocr.Orchestrator {
		return ocr.NewOrchestrator(parser.NewRegistry(), []ocr.Provider{cloud, local}, post, opts...)
	}

	Context("structural parse", func() {
		It("never calls ocr providers for parseable text", func() {
			res := newOrchestrator(nil).Process(context.TODO(), ocr.Input{
				Bytes:     []byte("Electricity bill 2024-01-31\nConsumption 420 kWh\n"),
				MediaType: "text/plain",
				Category:  model.CategoryEnergy,
			})

			Expect(res.Failed()).To(BeFalse())
			Expect(cloud.calls.Load()).To(BeZero())
			Expect(local.calls.Load()).To(BeZero())
			Expect(res.Steps).To(HaveLen(1))
			Expect(res.Steps[0].Kind).To(Equal(model.StepStructural))
			Expect(res.Steps[0].Used).To(BeTrue())
			Expect(res.Fields).To(HaveKeyWithValue("consumption_kwh", "420"))
			Expect(res.Confidence).To(BeNumerically("~", 0.95, 0.001))
		})

		It("keeps a weak parse when every ocr level is down", func() {
			cloud.mediaTypes = nil
			cloud.err = ocr.NewErrUnavailable(errors.New("503"))
			local.mediaTypes = nil
			local.err = ocr.NewErrUnavailable(errors.New("engine missing"))

			res := newOrchestrator(nil).Process(context.TODO(), ocr.Input{
				Bytes:     []byte("only one line"),
				MediaType: "text/csv",
				Category:  model.CategoryOther,
			})

			Expect(res.Failed()).To(BeFalse())
			Expect(res.Method).To(Equal("parser:csv"))
			Expect(res.Confidence).To(BeNumerically("~", 0.6, 0.001))
			Expect(res.Steps).To(HaveLen(3))
		})
	})

	Context("escalation", func() {
		It("falls back to the local engine when the primary provider times out", func() {
			cloud.delay = 5 * time.Second
			local.text = "waybill 2024-02-02 truck diesel 120 km"
			local.confidence = 0.8

			begin := time.Now()
			res := newOrchestrator(nil, ocr.WithProviderTimeout(50*time.Millisecond)).Process(context.TODO(), ocr.Input{
				Bytes:     pngBytes,
				MediaType: "image/png",
				Category:  model.CategoryTransport,
			})

			Expect(time.Since(begin)).To(BeNumerically("<", time.Second))
			Expect(res.Failed()).To(BeFalse())
			Expect(res.Steps).To(HaveLen(2))
			Expect(res.Steps[0].Provider).To(Equal("vision"))
			Expect(res.Steps[0].ErrorKind).To(Equal(ocr.ProviderTimeout))
			Expect(res.Steps[0].Used).To(BeFalse())
			Expect(res.Steps[1].Provider).To(Equal("tesseract"))
			Expect(res.Steps[1].Used).To(BeTrue())
			Expect(res.Method).To(Equal("tesseract"))
		})

		It("escalates when the primary confidence is below threshold", func() {
			cloud.text, cloud.confidence = "blurry", 0.5
			local.text, local.confidence = "sharp", 0.8

			res := newOrchestrator(nil).Process(context.TODO(), ocr.Input{Bytes: pngBytes, MediaType: "image/png", Category: model.CategoryOther})

			Expect(res.Text).To(Equal("sharp"))
			Expect(local.calls.Load()).To(Equal(int32(1)))
		})

		It("stops at the first confident provider", func() {
			cloud.text, cloud.confidence = "clear", 0.9

			res := newOrchestrator(nil).Process(context.TODO(), ocr.Input{Bytes: pngBytes, MediaType: "image/png", Category: model.CategoryOther})

			Expect(res.Method).To(Equal("vision"))
			Expect(local.calls.Load()).To(BeZero())
		})

		It("keeps the earlier provider on a confidence tie", func() {
			cloud.text, cloud.confidence = "cloud text", 0.5
			local.text, local.confidence = "local text", 0.5

			res := newOrchestrator(nil).Process(context.TODO(), ocr.Input{Bytes: pngBytes, MediaType: "image/png", Category: model.CategoryOther})

			Expect(res.Text).To(Equal("cloud text"))
			Expect(res.Steps).To(HaveLen(2))
			Expect(cloud.calls.Load()).To(Equal(int32(1)))
		})
	})

	Context("confidence aggregation", func() {
		It("reports the minimum of the used steps", func() {
			cloud.text, cloud.confidence = "Truck waybill", 0.9
			post := &fakePost{fields: map[string]string{"fuel_type": "diesel"}, confidence: 0.4}

			res := newOrchestrator(post).Process(context.TODO(), ocr.Input{Bytes: pngBytes, MediaType: "image/png", Category: model.CategoryTransport})

			Expect(post.calls.Load()).To(Equal(int32(1)))
			Expect(res.UsedSteps()).To(HaveLen(2))
			Expect(res.Confidence).To(BeNumerically("~", 0.4, 0.0001))
			Expect(res.Fields).To(HaveKeyWithValue("fuel_type", "diesel"))
			Expect(res.Fields).To(HaveKeyWithValue("vehicle_type", "truck"))
			Expect(res.Method).To(Equal("vision+llm"))
		})

		It("skips post-processing when the fields are complete", func() {
			cloud.text, cloud.confidence = "Truck, Diesel, 2024-01-01, 80 km", 0.9
			post := &fakePost{confidence: 0.4}

			res := newOrchestrator(post).Process(context.TODO(), ocr.Input{Bytes: pngBytes, MediaType: "image/png", Category: model.CategoryTransport})

			Expect(post.calls.Load()).To(BeZero())
			Expect(res.Confidence).To(BeNumerically("~", 0.9, 0.0001))
		})

		It("keeps the ocr result when post-processing fails", func() {
			cloud.text, cloud.confidence = "Truck", 0.9
			post := &fakePost{err: ocr.NewErrUnavailable(errors.New("quota"))}

			res := newOrchestrator(post).Process(context.TODO(), ocr.Input{Bytes: pngBytes, MediaType: "image/png", Category: model.CategoryTransport})

			Expect(res.Failed()).To(BeFalse())
			Expect(res.Confidence).To(BeNumerically("~", 0.9, 0.0001))
			Expect(res.Steps[len(res.Steps)-1].ErrorKind).To(Equal(ocr.ProviderUnavailable))
		})
	})

	Context("exhaustion", func() {
		It("classifies a corrupted pdf", func() {
			cloud.err = ocr.NewErrUnavailable(errors.New("connection refused"))
			local.err = ocr.NewErrCorrupted(errors.New("pdftoppm: syntax error"))

			res := newOrchestrator(nil).Process(context.TODO(), ocr.Input{
				Bytes:     []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog"),
				MediaType: "application/pdf",
				Category:  model.CategoryTransport,
			})

			Expect(res.Failed()).To(BeTrue())
			Expect(res.ErrorKind).To(Equal(ocr.CorruptedFile))
			Expect(res.Message).To(Equal("corrupted file"))
			Expect(res.Confidence).To(BeZero())
			Expect(res.Fields).To(BeEmpty())
			Expect(res.Steps).To(HaveLen(3))
		})

		It("classifies a provider outage", func() {
			cloud.err = ocr.NewErrUnavailable(errors.New("401"))
			local.err = errors.New("tesseract not installed")

			res := newOrchestrator(nil).Process(context.TODO(), ocr.Input{Bytes: pngBytes, MediaType: "image/png", Category: model.CategoryOther})

			Expect(res.ErrorKind).To(Equal(ocr.ProviderUnavailable))
			Expect(res.Message).To(ContainSubstring("provider outage"))
		})

		It("classifies unknown formats as unsupported", func() {
			res := newOrchestrator(nil).Process(context.TODO(), ocr.Input{Bytes: []byte("MZ\x90\x00"), MediaType: "application/x-msdownload", Category: model.CategoryOther})

			Expect(res.ErrorKind).To(Equal(ocr.UnsupportedFormat))
			Expect(cloud.calls.Load()).To(BeZero())
		})

		It("enforces the size limit before any level", func() {
			res := newOrchestrator(nil, ocr.WithMaxFileSize(4)).Process(context.TODO(), ocr.Input{Bytes: pngBytes, MediaType: "image/png"})

			Expect(res.ErrorKind).To(Equal(ocr.FileTooLarge))
			Expect(res.Steps).To(BeEmpty())
			Expect(cloud.calls.Load()).To(BeZero())
		})

		It("reports a chain that produced no text at all", func() {
			cloud.text = ""
			local.text = ""

			res := newOrchestrator(nil).Process(context.TODO(), ocr.Input{Bytes: pngBytes, MediaType: "image/png"})

			Expect(res.ErrorKind).To(Equal(ocr.ExhaustedFallbackChain))
		})
	})

	Context("cancellation", func() {
		It("stops between levels", func() {
			cloud.text, cloud.confidence = "low", 0.2
			local.text, local.confidence = "high", 0.9

			var stages []string
			res := newOrchestrator(nil).Process(context.TODO(), ocr.Input{
				Bytes:     pngBytes,
				MediaType: "image/png",
				Cancelled: func() bool { return cloud.calls.Load() > 0 },
				Observer:  func(stage string, _ int) { stages = append(stages, stage) },
			})

			Expect(res.Cancelled).To(BeTrue())
			Expect(local.calls.Load()).To(BeZero())
			Expect(stages).To(Equal([]string{model.StageParsing, model.StageCloudOcr}))
		})
	})
})
