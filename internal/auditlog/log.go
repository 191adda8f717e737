// Package auditlog replicates assessment payloads to a content-addressed,
// append-only log that outlives the relational store.
//
// Refs are computed by ir.AssessmentRef. Appending an existing ref with the
// same payload is a no-op, so replays from the outbox are safe.
package auditlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by Read for an unknown ref.
var ErrNotFound = errors.New("audit ref not found")

// ErrConflict is returned when a ref already holds a different payload.
var ErrConflict = errors.New("audit ref holds a different payload")

// Log is an append-only, content-addressed store.
type Log interface {
	Append(ctx context.Context, ref string, payload []byte) error
	Read(ctx context.Context, ref string) ([]byte, error)
	Name() string
}

// Memory is an in-process Log for tests and scenario runs.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
	order   []string
}

// NewMemory returns an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{entries: map[string][]byte{}}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Append(_ context.Context, ref string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[ref]; ok {
		if string(existing) != string(payload) {
			return fmt.Errorf("%s: %w", ref, ErrConflict)
		}
		return nil
	}
	m.entries[ref] = append([]byte(nil), payload...)
	m.order = append(m.order, ref)
	return nil
}

func (m *Memory) Read(_ context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.entries[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return append([]byte(nil), p...), nil
}

// Refs returns appended refs in order.
func (m *Memory) Refs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Noop discards every append. Used when audit.backend is "none".
type Noop struct{}

func (Noop) Name() string { return "none" }

func (Noop) Append(context.Context, string, []byte) error { return nil }

func (Noop) Read(_ context.Context, ref string) ([]byte, error) {
	return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
}
