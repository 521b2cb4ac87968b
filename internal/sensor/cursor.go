package sensor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/buoy-retriever/retriever-go/internal/repo"
)

// Cursor is the high-water mark of source modification times a sensor has
// already examined. It only moves forward.
type Cursor struct {
	mu    sync.Mutex
	since time.Time
	set   bool
}

func NewCursor() *Cursor {
	return &Cursor{}
}

// Since returns the cursor position; false means unset and scan everything.
func (c *Cursor) Since() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.since, c.set
}

// Advance moves the cursor to t when t is later than the current position.
func (c *Cursor) Advance(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set && !t.After(c.since) {
		return false
	}
	c.since = t.UTC()
	c.set = true
	return true
}

// Encode returns the persisted form, RFC 3339 with nanoseconds, or "" when unset.
func (c *Cursor) Encode() string {
	since, ok := c.Since()
	if !ok {
		return ""
	}
	return since.Format(time.RFC3339Nano)
}

func DecodeCursor(value string) (*Cursor, error) {
	c := NewCursor()
	value = strings.TrimSpace(value)
	if value == "" {
		return c, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("decode cursor %q: %w", value, err)
	}
	c.Advance(t)
	return c, nil
}

func LoadCursor(ctx context.Context, store repo.CursorStore, sensor string) (*Cursor, error) {
	value, ok, err := store.Load(ctx, sensor)
	if err != nil {
		return nil, fmt.Errorf("load cursor %s: %w", sensor, err)
	}
	if !ok {
		return NewCursor(), nil
	}
	return DecodeCursor(value)
}

func SaveCursor(ctx context.Context, store repo.CursorStore, sensor string, c *Cursor) error {
	value := c.Encode()
	if value == "" {
		return nil
	}
	if err := store.Save(ctx, sensor, value); err != nil {
		return fmt.Errorf("save cursor %s: %w", sensor, err)
	}
	return nil
}
