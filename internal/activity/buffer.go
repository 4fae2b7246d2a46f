// Package activity stages classified requests in a bounded write-ahead buffer
// and drains that buffer into the activity database.
package activity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/Wikid82/shadowguard/internal/models"
)

// DefaultCapacity is the number of most recent entries the buffer retains. It
// is also the upper bound for any configured capacity.
const DefaultCapacity = 1000

// ErrCorruptBuffer is returned when the buffer file is not a JSON array.
var ErrCorruptBuffer = errors.New("activity buffer is corrupt")

// Buffer is a JSON array file holding the most recent entries, oldest first.
// The file is rewritten as a whole, so every operation holds one mutex.
type Buffer struct {
	path     string
	capacity int

	mu sync.Mutex
}

// NewBuffer creates a Buffer backed by path.
func NewBuffer(path string, capacity int) *Buffer {
	if capacity <= 0 || capacity > DefaultCapacity {
		capacity = DefaultCapacity
	}
	return &Buffer{path: path, capacity: capacity}
}

// Path returns the backing file.
func (b *Buffer) Path() string { return b.path }

// Append adds entries and evicts the oldest beyond capacity. A corrupt file
// is replaced; the returned error then wraps ErrCorruptBuffer but the entries
// have still been written.
func (b *Buffer) Append(entries ...models.ActivityEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	raws, readErr := b.readLocked()
	if readErr != nil && !errors.Is(readErr, ErrCorruptBuffer) {
		return readErr
	}

	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode activity entry: %w", err)
		}
		raws = append(raws, raw)
	}
	if over := len(raws) - b.capacity; over > 0 {
		raws = raws[over:]
	}

	if err := b.writeLocked(raws); err != nil {
		return err
	}
	return readErr
}

// Read returns the raw buffered entries, oldest first.
func (b *Buffer) Read() ([]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked()
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() (int, error) {
	raws, err := b.Read()
	return len(raws), err
}

// Remove deletes the given entries, previously returned by Read. Entries
// appended since that Read are kept.
func (b *Buffer) Remove(consumed []json.RawMessage) error {
	if len(consumed) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pending := make(map[string]int, len(consumed))
	for _, raw := range consumed {
		pending[compactKey(raw)]++
	}

	raws, err := b.readLocked()
	if err != nil {
		return err
	}
	kept := raws[:0]
	for _, raw := range raws {
		key := compactKey(raw)
		if pending[key] > 0 {
			pending[key]--
			continue
		}
		kept = append(kept, raw)
	}
	return b.writeLocked(kept)
}

func (b *Buffer) readLocked() ([]json.RawMessage, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read activity buffer: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBuffer, err)
	}
	return raws, nil
}

// writeLocked replaces the file atomically so readers never see a partial array.
func (b *Buffer) writeLocked(raws []json.RawMessage) error {
	if raws == nil {
		raws = []json.RawMessage{}
	}
	data, err := json.Marshal(raws)
	if err != nil {
		return fmt.Errorf("encode activity buffer: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create activity buffer directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".activity-*.json")
	if err != nil {
		return fmt.Errorf("create activity buffer temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write activity buffer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close activity buffer: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod activity buffer: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("replace activity buffer: %w", err)
	}
	return nil
}

func compactKey(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
