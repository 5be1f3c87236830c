// Package journal keeps the bounded in-memory log of a scanner.
package journal

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level of a journal entry.
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
	LevelAlert   Level = "ALERT"
	LevelSuccess Level = "SUCCESS"
	LevelTrade   Level = "TRADE"
)

// DefaultCapacity is the number of entries kept per scanner.
const DefaultCapacity = 1000

// Entry is one journal line.
type Entry struct {
	Time    time.Time      `json:"timestamp"`
	Level   Level          `json:"level"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Price   float64        `json:"price,omitempty"`
}

// Sink accepts log lines from components that must not depend on the scanner.
type Sink interface {
	Log(level Level, msg string, details map[string]any)
}

// Journal is a ring buffer of entries, mirrored to zerolog.
type Journal struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	sealed   bool
	price    float64
	logger   zerolog.Logger
	now      func() time.Time
	onAppend func(Entry)
}

// New returns a journal with the given capacity (DefaultCapacity when <= 0).
func New(capacity int, logger zerolog.Logger) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{
		entries: make([]Entry, capacity),
		logger:  logger,
		now:     time.Now,
	}
}

// OnAppend registers a callback run for every stored entry.
func (j *Journal) OnAppend(fn func(Entry)) {
	j.mu.Lock()
	j.onAppend = fn
	j.mu.Unlock()
}

// SetPrice records the last known price stamped on later entries.
func (j *Journal) SetPrice(p float64) {
	j.mu.Lock()
	j.price = p
	j.mu.Unlock()
}

// Log implements Sink.
func (j *Journal) Log(level Level, msg string, details map[string]any) {
	j.mu.Lock()
	if j.sealed {
		j.mu.Unlock()
		return
	}
	e := j.appendLocked(level, msg, details)
	cb := j.onAppend
	j.mu.Unlock()

	j.mirror(e)
	if cb != nil {
		cb(e)
	}
}

// Seal stores a final entry and drops every later one.
func (j *Journal) Seal(level Level, msg string) {
	j.mu.Lock()
	if j.sealed {
		j.mu.Unlock()
		return
	}
	e := j.appendLocked(level, msg, nil)
	j.sealed = true
	cb := j.onAppend
	j.mu.Unlock()

	j.mirror(e)
	if cb != nil {
		cb(e)
	}
}

// Reopen accepts entries again after a Seal.
func (j *Journal) Reopen() {
	j.mu.Lock()
	j.sealed = false
	j.mu.Unlock()
}

func (j *Journal) appendLocked(level Level, msg string, details map[string]any) Entry {
	e := Entry{Time: j.now().UTC(), Level: level, Message: msg, Details: details, Price: j.price}
	j.entries[j.next] = e
	j.next = (j.next + 1) % len(j.entries)
	if j.next == 0 {
		j.full = true
	}
	return e
}

func (j *Journal) mirror(e Entry) {
	var ev *zerolog.Event
	switch e.Level {
	case LevelError:
		ev = j.logger.Error()
	case LevelWarning, LevelAlert:
		ev = j.logger.Warn()
	default:
		ev = j.logger.Info()
	}
	ev.Str("level_tag", string(e.Level))
	if len(e.Details) > 0 {
		ev = ev.Fields(e.Details)
	}
	ev.Msg(e.Message)
}

// Len returns the number of stored entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.full {
		return len(j.entries)
	}
	return j.next
}

// Snapshot returns up to limit most recent entries, oldest first. limit <= 0 returns all.
func (j *Journal) Snapshot(limit int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var ordered []Entry
	if j.full {
		ordered = make([]Entry, 0, len(j.entries))
		ordered = append(ordered, j.entries[j.next:]...)
		ordered = append(ordered, j.entries[:j.next]...)
	} else {
		ordered = make([]Entry, j.next)
		copy(ordered, j.entries[:j.next])
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Log(Level, string, map[string]any) {}
