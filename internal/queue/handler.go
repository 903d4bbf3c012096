package queue

import (
	"context"

	"github.com/carbontrack/docpipeline/internal/store/model"
)

// Task is a claimed job handed to a Handler.
type Task struct {
	Job model.Job
	// Cancelled reports whether the job was cancelled since it was claimed.
	// It reads the store and is meant to be polled between expensive steps.
	Cancelled func() bool
}

// Outcome is what a Handler reports back to the dispatcher.
type Outcome struct {
	// Err marks the job failed. ErrorType classifies it.
	Err       error
	ErrorType string
	// Commit writes the document side of the outcome. It runs inside the
	// transaction that moves the job to its terminal state and is skipped
	// when the job is no longer active. A store.ErrStaleWrite from Commit is
	// tolerated.
	Commit func(ctx context.Context) error
}

type Handler interface {
	Handle(ctx context.Context, task Task) Outcome
}

type HandlerFunc func(ctx context.Context, task Task) Outcome

func (f HandlerFunc) Handle(ctx context.Context, task Task) Outcome {
	return f(ctx, task)
}
