package ocr

import (
	"time"

	"github.com/carbontrack/docpipeline/internal/store/model"
)

type Step struct {
	Kind       model.StepKind
	Provider   string
	Confidence float64
	Latency    time.Duration
	ErrorKind  ErrorKind
	Err        string
	Used       bool
}

func (s Step) Failed() bool {
	return s.ErrorKind != ""
}

type Result struct {
	Steps        []Step
	Text         string
	Fields       map[string]string
	Confidence   float64
	Completeness float64
	Method       string
	MediaType    string
	Duration     time.Duration
	// ErrorKind is set when no usable text was produced.
	ErrorKind ErrorKind
	Message   string
	// Cancelled reports the run stopped between levels on request.
	Cancelled bool
}

func (r *Result) Failed() bool {
	return r.ErrorKind != ""
}

// UsedSteps returns the steps the final confidence is made of.
func (r *Result) UsedSteps() []Step {
	var used []Step
	for _, s := range r.Steps {
		if s.Used {
			used = append(used, s)
		}
	}
	return used
}

// ToModel converts the result into the payload stored on the document.
func (r *Result) ToModel() model.OcrResult {
	steps := make([]model.OcrStep, 0, len(r.Steps))
	for _, s := range r.Steps {
		steps = append(steps, model.OcrStep{
			Kind:       s.Kind,
			Provider:   s.Provider,
			Confidence: s.Confidence,
			LatencyMs:  s.Latency.Milliseconds(),
			ErrorKind:  string(s.ErrorKind),
			Error:      s.Err,
			Used:       s.Used,
		})
	}
	return model.OcrResult{
		Steps:        steps,
		Fields:       r.Fields,
		Text:         r.Text,
		Confidence:   r.Confidence,
		Completeness: r.Completeness,
		Method:       r.Method,
		DurationMs:   r.Duration.Milliseconds(),
		ErrorType:    string(r.ErrorKind),
		Message:      r.Message,
	}
}
