package lifecycle

import (
	"fmt"

	"github.com/carbontrack/docpipeline/internal/store/model"
)

type ErrInvalidTransition struct {
	error
}

func NewErrInvalidTransition(from, to model.DocumentStatus) *ErrInvalidTransition {
	allowed := Targets(from)
	if len(allowed) == 0 {
		return &ErrInvalidTransition{fmt.Errorf("invalid transition from %s to %s", from, to)}
	}
	return &ErrInvalidTransition{fmt.Errorf("invalid transition from %s to %s, allowed: %v", from, to, allowed)}
}

type ErrInvalidChange struct {
	error
}

func NewErrInvalidChange(to model.DocumentStatus, message string) *ErrInvalidChange {
	return &ErrInvalidChange{fmt.Errorf("entering %s: %s", to, message)}
}
