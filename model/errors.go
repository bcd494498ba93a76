package model

import "fmt"

// TranslationError is returned when a filter looks pushable but cannot be
// expressed in LogQL. The filter is then left to the engine.
type TranslationError struct {
	Filter string
	Err    error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translate %s: %v", e.Filter, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// ExecutionError is returned when a page request fails. Batches yielded
// before the failure stay valid.
type ExecutionError struct {
	Query       string
	Page        int
	RowsYielded int64
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("query %s: page %d (after %d rows): %v", e.Query, e.Page, e.RowsYielded, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// DecodeError is returned when a page body cannot be decoded. No rows of
// that page are yielded.
type DecodeError struct {
	Page int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode page %d: %v", e.Page, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IngestionError is returned when Loki rejects a push. Stream holds the
// label set Loki complained about, if it named one.
type IngestionError struct {
	Stream string
	Status int
	Err    error
}

func (e *IngestionError) Error() string {
	if e.Stream != "" {
		return fmt.Sprintf("push stream %s: %v", e.Stream, e.Err)
	}
	return fmt.Sprintf("push: %v", e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }
