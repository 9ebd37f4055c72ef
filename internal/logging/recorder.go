package logging

import (
	"fmt"
	"sync"
)

// Entry is a single line captured by a Recorder.
type Entry struct {
	Level   string
	Message string
}

// Recorder keeps formatted log lines in memory. Tests use it to assert on
// what a component reported.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) add(level, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: fmt.Sprintf(format, args...)})
}

func (r *Recorder) Debug(format string, args ...any) { r.add("debug", format, args...) }
func (r *Recorder) Info(format string, args ...any)  { r.add("info", format, args...) }
func (r *Recorder) Warn(format string, args ...any)  { r.add("warn", format, args...) }
func (r *Recorder) Error(format string, args ...any) { r.add("error", format, args...) }

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns how many entries were recorded at level.
func (r *Recorder) Count(level string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}
