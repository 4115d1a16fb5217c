package observe

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogRecord is one retained log line.
type LogRecord struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Attrs   []string  `json:"attrs,omitempty"`
}

// logRing is a fixed-capacity record ring shared by a LogBuffer and its
// derived handlers.
type logRing struct {
	mu      sync.Mutex
	records []LogRecord
	next    int
	full    bool
}

func (r *logRing) add(rec slog.Record) {
	entry := LogRecord{Time: rec.Time, Level: rec.Level.String(), Message: rec.Message}
	rec.Attrs(func(attr slog.Attr) bool {
		entry.Attrs = append(entry.Attrs, attr.String())
		return true
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[r.next] = entry
	r.next++
	if r.next == len(r.records) {
		r.next = 0
		r.full = true
	}
}

func (r *logRing) snapshot() []LogRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]LogRecord(nil), r.records[:r.next]...)
	}
	out := make([]LogRecord, 0, len(r.records))
	out = append(out, r.records[r.next:]...)
	out = append(out, r.records[:r.next]...)
	return out
}

// LogBuffer is a slog.Handler that forwards records to an inner handler while
// retaining the most recent ones for the admin log endpoint. Handlers derived
// via WithAttrs or WithGroup keep feeding the same ring.
type LogBuffer struct {
	inner slog.Handler
	ring  *logRing
}

var _ slog.Handler = (*LogBuffer)(nil)

// NewLogBuffer wraps inner, retaining the last capacity records.
func NewLogBuffer(inner slog.Handler, capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &LogBuffer{inner: inner, ring: &logRing{records: make([]LogRecord, capacity)}}
}

// Enabled implements slog.Handler.
func (b *LogBuffer) Enabled(ctx context.Context, level slog.Level) bool {
	return b.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (b *LogBuffer) Handle(ctx context.Context, rec slog.Record) error {
	b.ring.add(rec)
	return b.inner.Handle(ctx, rec)
}

// WithAttrs implements slog.Handler.
func (b *LogBuffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogBuffer{inner: b.inner.WithAttrs(attrs), ring: b.ring}
}

// WithGroup implements slog.Handler.
func (b *LogBuffer) WithGroup(name string) slog.Handler {
	return &LogBuffer{inner: b.inner.WithGroup(name), ring: b.ring}
}

// Records returns the retained records, oldest first.
func (b *LogBuffer) Records() []LogRecord {
	return b.ring.snapshot()
}
