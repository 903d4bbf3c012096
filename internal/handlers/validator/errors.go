package validator

import (
	"fmt"
)

type ErrInvalidField struct {
	error
}

func NewErrInvalidField(field, format string, args ...any) *ErrInvalidField {
	return &ErrInvalidField{fmt.Errorf("invalid %s: %s", field, fmt.Sprintf(format, args...))}
}
