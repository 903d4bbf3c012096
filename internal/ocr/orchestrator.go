// Package ocr runs the extraction escalation chain: structural parsing,
// then OCR providers in declared order, then generative post-processing of
// the structured fields.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/carbontrack/docpipeline/internal/extraction"
	"github.com/carbontrack/docpipeline/internal/parser"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/carbontrack/docpipeline/pkg/metrics"
	"go.uber.org/zap"
)

// Input is one document to process.
type Input struct {
	Bytes     []byte
	MediaType string
	Filename  string
	Category  model.Category
	// Cancelled is consulted between levels. An in-flight provider call is
	// never interrupted by it.
	Cancelled func() bool
	// Observer is told about every level entered.
	Observer func(stage string, progress int)
}

// Progress reported on entering each level.
const (
	ProgressParsing        = 10
	ProgressCloudOcr       = 30
	ProgressLocalOcr       = 55
	ProgressPostProcessing = 80
)

type Orchestrator struct {
	opts      options
	parsers   *parser.Registry
	providers []Provider
	post      PostProcessor
	log       *zap.SugaredLogger
}

// NewOrchestrator builds the chain. Providers are tried in the given order,
// cheapest first; post may be nil.
func NewOrchestrator(parsers *parser.Registry, providers []Provider, post PostProcessor, opts ...Option) *Orchestrator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if parsers == nil {
		parsers = parser.NewRegistry()
	}
	return &Orchestrator{
		opts:      o,
		parsers:   parsers,
		providers: providers,
		post:      post,
		log:       zap.S().Named("ocr"),
	}
}

type candidate struct {
	step       int
	text       string
	confidence float64
	ocr        bool
}

// Process never returns an error for an expected failure: the result carries
// a zero confidence and the classified kind instead.
func (o *Orchestrator) Process(ctx context.Context, in Input) *Result {
	start := time.Now()
	res := &Result{Fields: map[string]string{}}
	defer func() {
		res.Duration = time.Since(start)
	}()

	if o.opts.maxFileSize > 0 && int64(len(in.Bytes)) > o.opts.maxFileSize {
		return o.fail(res, FileTooLarge, fmt.Sprintf("%d bytes exceeds the %d bytes limit", len(in.Bytes), o.opts.maxFileSize))
	}
	if len(in.Bytes) == 0 {
		return o.fail(res, CorruptedFile, "empty file")
	}

	mediaType := parser.ResolveMediaType(in.MediaType, in.Filename, in.Bytes)
	res.MediaType = mediaType

	var (
		best     *candidate
		failures []ErrorKind
	)

	// level 1: structural parse
	o.observe(in, model.StageParsing, ProgressParsing)
	if c, kind := o.parse(ctx, res, mediaType, in.Bytes); c != nil {
		best = c
	} else if kind != "" {
		failures = append(failures, kind)
	}

	// levels 2..n: ocr providers
	if best == nil || best.confidence < o.opts.structuralThreshold {
		doc := Document{Bytes: in.Bytes, MediaType: mediaType, Filename: in.Filename, Category: in.Category}
		for _, p := range o.providers {
			if best != nil && best.ocr && best.confidence >= o.opts.confidenceThreshold {
				break
			}
			if cancelled(in) {
				res.Cancelled = true
				return res
			}
			if ctx.Err() != nil {
				failures = append(failures, ProviderTimeout)
				break
			}
			if !p.Supports(mediaType) {
				failures = append(failures, UnsupportedFormat)
				continue
			}

			o.observe(in, stageFor(p.Kind()), progressFor(p.Kind()))
			c, kind := o.attempt(ctx, res, p, doc)
			if kind != "" {
				failures = append(failures, kind)
				continue
			}
			// ties keep the earlier, cheaper candidate
			if c != nil && (best == nil || c.confidence > best.confidence) {
				best = c
			}
		}
	}

	if best == nil {
		return o.fail(res, classify(failures), "")
	}

	res.Steps[best.step].Used = true
	res.Text = best.text
	res.Method = res.Steps[best.step].Provider
	overall := best.confidence

	ex := extraction.Extract(in.Category, best.text)
	res.Fields = ex.Fields
	res.Completeness = ex.Completeness

	// last level: reconcile structured fields, only ever on top of text
	if o.post != nil && (ex.Completeness < o.opts.completenessThreshold || best.confidence < o.opts.confidenceThreshold) {
		if cancelled(in) {
			res.Cancelled = true
			return res
		}
		o.observe(in, model.StagePostProcessing, ProgressPostProcessing)
		if pr, ok := o.postProcess(ctx, res, in.Category, best.text, ex); ok {
			res.Fields = extraction.Merge(res.Fields, pr.Fields)
			res.Completeness = extraction.Score(in.Category, res.Fields)
			res.Method = res.Method + "+" + o.post.Name()
			overall = math.Min(overall, pr.Confidence)
		}
	}

	res.Confidence = overall
	return res
}

func (o *Orchestrator) parse(ctx context.Context, res *Result, mediaType string, data []byte) (*candidate, ErrorKind) {
	p, err := o.parsers.Lookup(mediaType)
	if err != nil {
		if errors.Is(err, parser.ErrNeedsOcr) {
			return nil, ""
		}
		o.record(res, Step{Kind: model.StepStructural, Provider: "parser", ErrorKind: UnsupportedFormat, Err: err.Error()})
		return nil, UnsupportedFormat
	}

	begin := time.Now()
	pr, err := p.Parse(ctx, data)
	step := Step{Kind: model.StepStructural, Provider: "parser:" + p.Name(), Latency: time.Since(begin)}

	switch {
	case err == nil:
		step.Confidence = pr.Confidence
		idx := o.record(res, step)
		return &candidate{step: idx, text: pr.Text, confidence: pr.Confidence}, ""
	case errors.Is(err, parser.ErrNeedsOcr):
		step.Err = err.Error()
		o.record(res, step)
		return nil, ""
	case parser.IsCorrupted(err):
		step.ErrorKind, step.Err = CorruptedFile, err.Error()
	case parser.IsUnsupported(err):
		step.ErrorKind, step.Err = UnsupportedFormat, err.Error()
	default:
		step.ErrorKind, step.Err = CorruptedFile, err.Error()
	}
	o.record(res, step)
	return nil, step.ErrorKind
}

func (o *Orchestrator) attempt(ctx context.Context, res *Result, p Provider, doc Document) (*candidate, ErrorKind) {
	timeout := o.opts.providerTimeout
	if tp, ok := p.(timeoutProvider); ok && tp.Timeout() > 0 {
		timeout = tp.Timeout()
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	begin := time.Now()
	ext, err := p.Attempt(actx, doc)
	step := Step{Kind: p.Kind(), Provider: p.Name(), Latency: time.Since(begin)}

	if err != nil {
		step.ErrorKind = KindOf(err)
		if errors.Is(err, context.DeadlineExceeded) {
			step.ErrorKind = ProviderTimeout
		}
		step.Err = err.Error()
		o.record(res, step)
		return nil, step.ErrorKind
	}

	step.Confidence = clamp(ext.Confidence)
	idx := o.record(res, step)
	if ext.Text == "" {
		return nil, ""
	}
	return &candidate{step: idx, text: ext.Text, confidence: step.Confidence, ocr: true}, ""
}

func (o *Orchestrator) postProcess(ctx context.Context, res *Result, category model.Category, text string, ex extraction.Result) (*PostProcessResult, bool) {
	timeout := o.opts.providerTimeout
	if tp, ok := o.post.(timeoutProvider); ok && tp.Timeout() > 0 {
		timeout = tp.Timeout()
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	begin := time.Now()
	pr, err := o.post.Reconcile(actx, PostProcessRequest{Category: category, Text: text, Fields: ex.Fields, Missing: ex.Missing})
	step := Step{Kind: model.StepPostProcessing, Provider: o.post.Name(), Latency: time.Since(begin)}
	if err != nil {
		step.ErrorKind = KindOf(err)
		if errors.Is(err, context.DeadlineExceeded) {
			step.ErrorKind = ProviderTimeout
		}
		step.Err = err.Error()
		o.record(res, step)
		return nil, false
	}

	step.Confidence = clamp(pr.Confidence)
	step.Used = true
	o.record(res, step)
	pr.Confidence = step.Confidence
	return pr, true
}

func (o *Orchestrator) record(res *Result, step Step) int {
	outcome := "ok"
	if step.ErrorKind != "" {
		outcome = string(step.ErrorKind)
	} else if step.Err != "" {
		outcome = "needs_ocr"
	}
	metrics.ObserveOcrStep(string(step.Kind), step.Provider, outcome, step.Latency)
	o.log.Debugw("extraction step", "kind", step.Kind, "provider", step.Provider, "confidence", step.Confidence,
		"latency", step.Latency, "outcome", outcome)

	res.Steps = append(res.Steps, step)
	return len(res.Steps) - 1
}

func (o *Orchestrator) fail(res *Result, kind ErrorKind, detail string) *Result {
	res.ErrorKind = kind
	res.Confidence = 0
	res.Fields = map[string]string{}
	res.Text = ""
	res.Message = kind.Message()
	if detail != "" {
		res.Message = fmt.Sprintf("%s: %s", res.Message, detail)
	}
	return res
}

func (o *Orchestrator) observe(in Input, stage string, progress int) {
	if in.Observer != nil {
		in.Observer(stage, progress)
	}
}

// classify picks the reported cause of an exhausted chain.
func classify(failures []ErrorKind) ErrorKind {
	for _, k := range exhaustionPriority {
		for _, f := range failures {
			if f == k {
				return k
			}
		}
	}
	return ExhaustedFallbackChain
}

func cancelled(in Input) bool {
	return in.Cancelled != nil && in.Cancelled()
}

func stageFor(kind model.StepKind) string {
	switch kind {
	case model.StepCloudOcr:
		return model.StageCloudOcr
	case model.StepLocalOcr:
		return model.StageLocalOcr
	case model.StepPostProcessing:
		return model.StagePostProcessing
	case model.StepStructural:
		return model.StageParsing
	}
	return string(kind)
}

func progressFor(kind model.StepKind) int {
	switch kind {
	case model.StepCloudOcr:
		return ProgressCloudOcr
	case model.StepLocalOcr:
		return ProgressLocalOcr
	case model.StepPostProcessing:
		return ProgressPostProcessing
	case model.StepStructural:
		return ProgressParsing
	}
	return ProgressCloudOcr
}

func clamp(c float64) float64 {
	return math.Max(0, math.Min(1, c))
}
