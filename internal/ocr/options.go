package ocr

import "time"

type options struct {
	maxFileSize           int64
	structuralThreshold   float64
	confidenceThreshold   float64
	completenessThreshold float64
	providerTimeout       time.Duration
}

func defaultOptions() options {
	return options{
		maxFileSize:           25 << 20,
		structuralThreshold:   0.85,
		confidenceThreshold:   0.75,
		completenessThreshold: 0.6,
		providerTimeout:       30 * time.Second,
	}
}

type Option func(*options)

func WithMaxFileSize(size int64) Option {
	return func(o *options) {
		o.maxFileSize = size
	}
}

// WithStructuralThreshold sets the parser confidence above which OCR is skipped.
func WithStructuralThreshold(t float64) Option {
	return func(o *options) {
		o.structuralThreshold = t
	}
}

// WithConfidenceThreshold sets the OCR confidence ending the escalation.
func WithConfidenceThreshold(t float64) Option {
	return func(o *options) {
		o.confidenceThreshold = t
	}
}

// WithCompletenessThreshold sets the field completeness under which the
// post-processor runs.
func WithCompletenessThreshold(t float64) Option {
	return func(o *options) {
		o.completenessThreshold = t
	}
}

func WithProviderTimeout(d time.Duration) Option {
	return func(o *options) {
		o.providerTimeout = d
	}
}
