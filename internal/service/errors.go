package service

import (
	"fmt"

	"github.com/google/uuid"
)

type ErrResourceNotFound struct {
	error
}

func NewErrResourceNotFound(id uuid.UUID, resourceType string) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("%s %s not found", resourceType, id)}
}

func NewErrDocumentNotFound(id uuid.UUID) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "document")
}

type ErrFileTooLarge struct {
	error
}

func NewErrFileTooLarge(size, limit int64) *ErrFileTooLarge {
	return &ErrFileTooLarge{fmt.Errorf("file of %d bytes exceeds the %d bytes limit", size, limit)}
}

type ErrInvalidUpload struct {
	error
}

func NewErrInvalidUpload(message string) *ErrInvalidUpload {
	return &ErrInvalidUpload{fmt.Errorf("invalid upload: %s", message)}
}
