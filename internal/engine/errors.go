package engine

import "errors"

var (
	ErrAlreadyRunning = errors.New("account is already running")
	ErrNotRunning     = errors.New("account is not running")
	ErrNotPaused      = errors.New("account is not paused")
	ErrTaskMismatch   = errors.New("task belongs to another account")
	ErrNoSession      = errors.New("account has no live session")
	ErrShuttingDown   = errors.New("manager is shutting down")
)
