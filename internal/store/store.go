// Package store is the durable-persistence sink for session records
// and captured output. Everything here is best-effort: the live
// terminal path never waits on it and never fails because of it.
package store

import (
	"context"
	"time"
)

// Record is the durable snapshot of a session at creation time.
type Record struct {
	Name      string
	Cwd       string
	Cols      int
	Rows      int
	Source    string
	CreatedAt time.Time
}

// Sink is the narrow write contract the registry persists through.
type Sink interface {
	CreateSessionRecord(ctx context.Context, rec Record) error
	UpdateSessionStatus(ctx context.Context, name, status, activity string) error
	// AppendOutput may buffer; Close flushes anything pending.
	AppendOutput(ctx context.Context, name string, chunk []byte) error
	DeleteSessionRecord(ctx context.Context, name string) error
	Close() error
}

// Nop discards everything. Used when the bridge runs without a
// database and as a base for test fakes.
type Nop struct{}

func (Nop) CreateSessionRecord(context.Context, Record) error { return nil }
func (Nop) UpdateSessionStatus(context.Context, string, string, string) error {
	return nil
}
func (Nop) AppendOutput(context.Context, string, []byte) error { return nil }
func (Nop) DeleteSessionRecord(context.Context, string) error  { return nil }
func (Nop) Close() error                                       { return nil }
