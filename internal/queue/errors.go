package queue

import (
	"fmt"

	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/google/uuid"
)

type ErrAlreadyQueued struct {
	error
}

func NewErrAlreadyQueued(documentID, jobID uuid.UUID) *ErrAlreadyQueued {
	return &ErrAlreadyQueued{fmt.Errorf("document %s already has live job %s", documentID, jobID)}
}

type ErrInvalidState struct {
	error
}

func NewErrInvalidState(jobID uuid.UUID, state model.JobState, op string) *ErrInvalidState {
	return &ErrInvalidState{fmt.Errorf("cannot %s job %s in state %s", op, jobID, state)}
}

type ErrJobNotFound struct {
	error
}

func NewErrJobNotFound(id uuid.UUID) *ErrJobNotFound {
	return &ErrJobNotFound{fmt.Errorf("job %s not found", id)}
}

type ErrDocumentNotFound struct {
	error
}

func NewErrDocumentNotFound(id uuid.UUID) *ErrDocumentNotFound {
	return &ErrDocumentNotFound{fmt.Errorf("document %s not found", id)}
}
