package task

import "errors"

var (
	ErrUnknownKind   = errors.New("unknown task kind")
	ErrInvalidParams = errors.New("invalid task params")
)
