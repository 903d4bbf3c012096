package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/carbontrack/docpipeline/internal/ocr"
	"github.com/carbontrack/docpipeline/internal/ocr/provider/llm"
	"github.com/carbontrack/docpipeline/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func chatAnswer(content string) []byte {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
	})
	return b
}

var _ = Describe("llm post processor", Ordered, func() {
	var (
		server  *httptest.Server
		handler http.HandlerFunc
		request map[string]any
		path    string
		auth    string
	)

	BeforeAll(func() {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path, auth = r.URL.Path, r.Header.Get("Authorization")
			request = map[string]any{}
			_ = json.NewDecoder(r.Body).Decode(&request)
			handler(w, r)
		}))
	})

	AfterAll(func() {
		server.Close()
	})

	req := ocr.PostProcessRequest{
		Category: model.CategoryTransport,
		Text:     "Truck diesel 120 km on 2024-03-01",
		Fields:   map[string]string{"date": "2024-03-01"},
		Missing:  []string{"vehicle_type", "fuel_type", "distance_km"},
	}

	It("returns the validated fields and confidence", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(chatAnswer(`{"fields":{"vehicle_type":"truck","fuel_type":"diesel","distance_km":"120"},"confidence":0.82}`))
		}

		res, err := llm.New(server.URL, "secret", llm.WithModel("test-model")).Reconcile(context.TODO(), req)
		Expect(err).To(BeNil())
		Expect(res.Fields).To(HaveKeyWithValue("vehicle_type", "truck"))
		Expect(res.Fields).To(HaveKeyWithValue("distance_km", "120"))
		Expect(res.Confidence).To(Equal(0.82))

		Expect(path).To(Equal("/chat/completions"))
		Expect(auth).To(Equal("Bearer secret"))
		Expect(request["model"]).To(Equal("test-model"))
		Expect(request["response_format"]).To(Equal(map[string]any{"type": "json_object"}))
	})

	It("sanitizes unknown keys, nulls and numbers", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(chatAnswer(`{"fields":{"vehicle_type":"van","distance_km":88.5,"fuel_type":null,"colour":"red"}}`))
		}

		res, err := llm.New(server.URL, "secret").Reconcile(context.TODO(), req)
		Expect(err).To(BeNil())
		Expect(res.Fields).To(Equal(map[string]string{"vehicle_type": "van", "distance_km": "88.5"}))
		Expect(res.Confidence).To(Equal(0.6))
	})

	It("clamps an out of range confidence", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(chatAnswer(`{"fields":{"vehicle_type":"van"},"confidence":7}`))
		}

		res, err := llm.New(server.URL, "secret").Reconcile(context.TODO(), req)
		Expect(err).To(BeNil())
		Expect(res.Confidence).To(Equal(1.0))
	})

	It("fails on a non json answer", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(chatAnswer(`I could not read the document`))
		}

		_, err := llm.New(server.URL, "secret").Reconcile(context.TODO(), req)
		Expect(err).ToNot(BeNil())
	})

	It("classifies server errors as unavailable", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}

		_, err := llm.New(server.URL, "secret").Reconcile(context.TODO(), req)
		Expect(ocr.KindOf(err)).To(Equal(ocr.ProviderUnavailable))
	})
})
