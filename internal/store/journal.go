package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a journal row does not exist.
var ErrNotFound = errors.New("not found")

// Journal records runtime outcomes for later inspection.
type Journal interface {
	RecordAction(ctx context.Context, rec ActionRecord) error
	RecordMode(ctx context.Context, rec ModeRecord) error
	RecordTranscript(ctx context.Context, rec TranscriptRecord) error

	// Recent returns the newest entries of kind ("" for all), newest first.
	Recent(ctx context.Context, kind string, limit int) ([]Entry, error)
	// Get returns a single entry by ID.
	Get(ctx context.Context, id string) (*Entry, error)
	// Prune deletes entries created before cutoff and returns the count.
	Prune(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Nop is a Journal that drops everything.
type Nop struct{}

func (Nop) RecordAction(context.Context, ActionRecord) error         { return nil }
func (Nop) RecordMode(context.Context, ModeRecord) error             { return nil }
func (Nop) RecordTranscript(context.Context, TranscriptRecord) error { return nil }
func (Nop) Recent(context.Context, string, int) ([]Entry, error)     { return nil, nil }
func (Nop) Get(context.Context, string) (*Entry, error)              { return nil, ErrNotFound }
func (Nop) Prune(context.Context, time.Time) (int64, error)          { return 0, nil }
func (Nop) Close() error                                             { return nil }
