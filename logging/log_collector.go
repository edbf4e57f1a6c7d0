package logging

import (
	"sync"
	"time"
)

// DefaultMaxEntries bounds the entries kept per activity.
const DefaultMaxEntries = 500

// LogEntry is one captured log record.
type LogEntry struct {
	Time       time.Time      `json:"time"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// LogCollector keeps the most recent log entries of each running activity.
// Entries are only kept for activities between Open and Remove.
type LogCollector struct {
	maxEntries int

	mu   sync.RWMutex
	logs map[string][]LogEntry // activity id -> entries, oldest first
}

// NewLogCollector creates a LogCollector keeping at most maxEntries per
// activity. Zero or less means DefaultMaxEntries.
func NewLogCollector(maxEntries int) *LogCollector {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &LogCollector{
		maxEntries: maxEntries,
		logs:       make(map[string][]LogEntry),
	}
}

// Open starts collecting entries for the activity.
func (c *LogCollector) Open(activityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.logs[activityID]; !ok {
		c.logs[activityID] = []LogEntry{}
	}
}

// Add appends an entry for the activity, dropping its oldest entry when full.
// Entries for activities that are not open are discarded.
func (c *LogCollector) Add(activityID string, entry LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logs, ok := c.logs[activityID]
	if !ok {
		return
	}
	if len(logs) >= c.maxEntries {
		logs = append(logs[:0], logs[len(logs)-c.maxEntries+1:]...)
	}
	c.logs[activityID] = append(logs, entry)
}

// Logs returns a copy of the entries of the activity. ok is false if the
// activity is not open.
func (c *LogCollector) Logs(activityID string) (logs []LogEntry, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stored, ok := c.logs[activityID]
	if !ok {
		return nil, false
	}
	logs = make([]LogEntry, len(stored))
	copy(logs, stored)
	return logs, true
}

// Remove drops the entries of a finished activity.
func (c *LogCollector) Remove(activityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.logs, activityID)
}

// Len returns the number of open activities.
func (c *LogCollector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.logs)
}
