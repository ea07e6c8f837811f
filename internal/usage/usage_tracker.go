// Package usage aggregates token usage reported by provider calls and
// persists the totals as JSON.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"conclave/internal/logging"
	"conclave/internal/pipeline"
)

// DefaultSaveDelay is the debounce window between a Track and the autosave.
const DefaultSaveDelay = 5 * time.Second

const unknown = "unknown"

// Tracker aggregates usage and saves it to filePath after a debounce.
// An empty filePath keeps everything in memory.
type Tracker struct {
	mu        sync.Mutex
	data      UsageData
	filePath  string
	saveDelay time.Duration
	dirty     bool
	timer     *time.Timer
	closed    bool
}

var _ pipeline.UsageSink = (*Tracker)(nil)

// NewTracker loads filePath if it exists. A corrupt file is logged and
// replaced by empty totals on the next save.
func NewTracker(filePath string, saveDelay time.Duration) (*Tracker, error) {
	if saveDelay <= 0 {
		saveDelay = DefaultSaveDelay
	}
	if filePath != "" {
		if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create usage dir: %w", err)
		}
	}

	t := &Tracker{
		filePath:  filePath,
		saveDelay: saveDelay,
		data:      UsageData{Version: "1.0", Aggregate: newAggregate()},
	}
	if err := t.Load(); err != nil {
		logging.Get(logging.CategoryUsage).Warn("Ignoring unreadable usage file %s: %v", filePath, err)
	}
	return t, nil
}

// Load reads the usage data from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.filePath == "" {
		return nil
	}

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var loaded UsageData
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	loaded.Aggregate.fill()
	t.data = loaded
	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	t.dirty = false
	if t.filePath == "" {
		return nil
	}
	t.data.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

// Track records one successful provider attempt.
func (t *Tracker) Track(e pipeline.UsageEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	in, out := e.Usage.PromptTokens, e.Usage.CompletionTokens
	agg := &t.data.Aggregate
	agg.Total.Add(in, out)
	agg.Calls++
	addToMap(agg.ByProvider, orUnknown(e.Provider), in, out)
	addToMap(agg.ByModel, orUnknown(e.Provider)+"/"+orUnknown(e.Model), in, out)
	addToMap(agg.ByRole, orUnknown(e.Role), in, out)
	if e.ConversationID != "" {
		addToMap(agg.ByConversation, e.ConversationID, in, out)
	}

	if t.dirty || t.closed {
		return
	}
	t.dirty = true
	t.timer = time.AfterFunc(t.saveDelay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.dirty {
			return
		}
		if err := t.saveLocked(); err != nil {
			logging.Get(logging.CategoryUsage).Error("Failed to save usage: %v", err)
		}
	})
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByProvider = copyTokenCountsMap(stats.ByProvider)
	stats.ByModel = copyTokenCountsMap(stats.ByModel)
	stats.ByRole = copyTokenCountsMap(stats.ByRole)
	stats.ByConversation = copyTokenCountsMap(stats.ByConversation)
	return stats
}

// Close cancels a pending autosave and writes pending changes.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	if !t.dirty {
		return nil
	}
	if err := t.saveLocked(); err != nil {
		return err
	}
	logging.Usage("Usage saved: %d calls, %d tokens", t.data.Aggregate.Calls, t.data.Aggregate.Total.Total)
	return nil
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int) {
	entry := m[key]
	entry.Add(input, output)
	m[key] = entry
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}
