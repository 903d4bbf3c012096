package parser

import (
	"errors"
	"fmt"
)

// ErrNeedsOcr signals a well-formed file without an extractable text layer.
var ErrNeedsOcr = errors.New("no text layer, ocr required")

type ErrCorrupted struct {
	error
}

func NewErrCorrupted(format string, err error) *ErrCorrupted {
	return &ErrCorrupted{fmt.Errorf("%s file is corrupted: %w", format, err)}
}

type ErrUnsupported struct {
	error
}

func NewErrUnsupported(mediaType string) *ErrUnsupported {
	return &ErrUnsupported{fmt.Errorf("unsupported media type %q", mediaType)}
}

func IsCorrupted(err error) bool {
	var e *ErrCorrupted
	return errors.As(err, &e)
}

func IsUnsupported(err error) bool {
	var e *ErrUnsupported
	return errors.As(err, &e)
}
