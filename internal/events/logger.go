package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Logger is an append-only event sink. Implementations must be safe for
// concurrent use; the runner shares one logger across all provider calls in
// a run.
type Logger interface {
	Emit(r Record)
}

// Closer is implemented by sinks that hold resources.
type Closer interface {
	Close() error
}

// JSONLLogger writes one JSON object per line to a file. A single lock
// serializes write+flush so records never interleave.
type JSONLLogger struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
}

// NewJSONLLogger opens (appending) the JSONL file at path, creating parent
// directories as needed.
func NewJSONLLogger(path string) (*JSONLLogger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create metrics dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metrics file: %w", err)
	}
	return &JSONLLogger{f: f, buf: bufio.NewWriter(f)}, nil
}

func (l *JSONLLogger) Emit(r Record) {
	stamp(r)
	data, err := json.Marshal(r)
	if err != nil {
		slog.Warn("event marshal failed", slog.String("event", r.EventType()), slog.String("error", err.Error()))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.buf.Write(data)
	_ = l.buf.WriteByte('\n')
	_ = l.buf.Flush()
}

func (l *JSONLLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.buf.Flush()
	return l.f.Close()
}

// Composite fans out every record to all children in order.
type Composite struct {
	sinks []Logger
}

// NewComposite builds a fan-out logger; nil children are dropped.
func NewComposite(sinks ...Logger) *Composite {
	c := &Composite{}
	for _, s := range sinks {
		if s != nil {
			c.sinks = append(c.sinks, s)
		}
	}
	return c
}

func (c *Composite) Emit(r Record) {
	stamp(r)
	for _, s := range c.sinks {
		s.Emit(r)
	}
}

// Close closes every child that implements Closer, returning the first
// error encountered.
func (c *Composite) Close() error {
	var first error
	for _, s := range c.sinks {
		if cl, ok := s.(Closer); ok {
			if err := cl.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// Emit is a nil-safe helper: it stamps and forwards r when l is non-nil.
func Emit(l Logger, r Record) {
	if l == nil {
		return
	}
	l.Emit(r)
}
