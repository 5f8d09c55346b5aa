// Package store defines storage interfaces for backtest results and cached
// price bars.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"backtester/internal/domain"
)

// ErrNotFound is returned when a result or a cached series does not exist.
var ErrNotFound = errors.New("not found")

// Collection names a family of stored results.
type Collection string

const (
	Results    Collection = "results"
	Optimized  Collection = "optimized"
	Indicators Collection = "indicators"
)

// ResultStore reads and writes named result blobs. A result is a set of
// top-level JSON fields stored under one id.
type ResultStore interface {
	// GetResult returns every field stored under id, or ErrNotFound.
	GetResult(ctx context.Context, c Collection, id string) (map[string]json.RawMessage, error)

	// SetResultField writes one field of the result id, creating the result
	// if needed. value is encoded as JSON.
	SetResultField(ctx context.Context, c Collection, id, field string, value any) error

	// Delete removes the result id and all of its fields.
	Delete(ctx context.Context, c Collection, id string) error

	// List returns the ids in a collection, oldest first.
	List(ctx context.Context, c Collection) ([]string, error)
}

// BarCache keeps downloaded price bars on local disk.
type BarCache interface {
	// ReadBars returns the cached bars of symbol, oldest first, or ErrNotFound.
	ReadBars(ctx context.Context, symbol string, tf domain.Timeframe) ([]domain.Bar, error)

	// WriteBars merges bars into the cache of symbol.
	WriteBars(ctx context.Context, symbol string, tf domain.Timeframe, bars []domain.Bar) error

	// Remove drops the cache of symbol. Removing a missing cache is not an
	// error.
	Remove(symbol string, tf domain.Timeframe) error
}

// Load reads the result id and decodes its fields into v, which must be a
// pointer to a struct whose JSON field names match the stored fields.
func Load(ctx context.Context, s ResultStore, c Collection, id string, v any) error {
	fields, err := s.GetResult(ctx, c, id)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", c, id, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", c, id, err)
	}
	return nil
}

// Field decodes a single field of the result id into v. A missing result or
// field yields ErrNotFound.
func Field(ctx context.Context, s ResultStore, c Collection, id, field string, v any) error {
	fields, err := s.GetResult(ctx, c, id)
	if err != nil {
		return err
	}
	raw, ok := fields[field]
	if !ok {
		return fmt.Errorf("%s/%s field %s: %w", c, id, field, ErrNotFound)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s/%s field %s: %w", c, id, field, err)
	}
	return nil
}
