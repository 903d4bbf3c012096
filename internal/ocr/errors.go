package ocr

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an extraction step or a whole run failed.
type ErrorKind string

const (
	ProviderUnavailable    ErrorKind = "provider_unavailable"
	ProviderTimeout        ErrorKind = "provider_timeout"
	UnsupportedFormat      ErrorKind = "unsupported_format"
	FileTooLarge           ErrorKind = "file_too_large"
	CorruptedFile          ErrorKind = "corrupted_file"
	ExhaustedFallbackChain ErrorKind = "exhausted_fallback_chain"
)

// Message is the human readable text surfaced on a failed document.
func (k ErrorKind) Message() string {
	switch k {
	case CorruptedFile:
		return "corrupted file"
	case UnsupportedFormat:
		return "unsupported format"
	case FileTooLarge:
		return "file too large"
	case ProviderUnavailable:
		return "provider outage, retry later"
	case ProviderTimeout:
		return "processing timed out, retry later"
	case ExhaustedFallbackChain:
		return "no usable text found"
	}
	return string(k)
}

// exhaustionPriority orders failure kinds when a run produced no text. The
// most specific cause about the file itself wins over transient causes.
var exhaustionPriority = []ErrorKind{
	FileTooLarge,
	CorruptedFile,
	UnsupportedFormat,
	ProviderTimeout,
	ProviderUnavailable,
}

// ProviderError is returned by providers to classify a failed attempt.
type ProviderError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func NewErrUnavailable(err error) *ProviderError {
	return &ProviderError{Kind: ProviderUnavailable, Err: err}
}

func NewErrTimeout(err error) *ProviderError {
	return &ProviderError{Kind: ProviderTimeout, Err: err}
}

func NewErrCorrupted(err error) *ProviderError {
	return &ProviderError{Kind: CorruptedFile, Err: err}
}

func NewErrUnsupported(err error) *ProviderError {
	return &ProviderError{Kind: UnsupportedFormat, Err: err}
}

// KindOf returns the classification of err. Unclassified errors count as an
// unavailable provider.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ProviderUnavailable
}
