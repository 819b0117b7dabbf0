package events

import (
	"context"
	"time"
)

// PoolEventKind names a pool lifecycle transition.
type PoolEventKind string

const (
	PoolDumped    PoolEventKind = "dumped"
	PoolRecovered PoolEventKind = "recovered"
	PoolReset     PoolEventKind = "reset"
	PoolFailed    PoolEventKind = "failed"
)

// Publisher is implemented by downstream fan-out mechanisms.
type Publisher interface {
	PublishPoolEvent(ctx context.Context, event PoolEvent) error
}

// PoolEvent is emitted when a pool is persisted, restored or cleared.
type PoolEvent struct {
	Pool      string        `json:"pool"`
	Kind      PoolEventKind `json:"kind"`
	Size      int           `json:"size"`
	Sequences int           `json:"sequences"`
	Result    string        `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NoopPublisher drops every event; useful for tests.
type NoopPublisher struct{}

// PublishPoolEvent satisfies Publisher.
func (NoopPublisher) PublishPoolEvent(context.Context, PoolEvent) error { return nil }
