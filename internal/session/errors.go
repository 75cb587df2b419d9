package session

import "errors"

// Sentinel errors for the registry contract. Callers match with
// errors.Is; the HTTP layer maps them to status codes.
var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
	ErrNotRunning    = errors.New("session not running")
	ErrInvalidInput  = errors.New("invalid input")
)
