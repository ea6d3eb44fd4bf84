package logbuf

import (
	"strings"
	"sync"
)

const DefaultLines = 1000

// Ring keeps the last N log lines.
type Ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultLines
	}
	return &Ring{lines: make([]string, size)}
}

// Write stores each non-empty line of p.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimRight(line, "\r ")
		if line == "" {
			continue
		}
		r.lines[r.next] = line
		r.next++
		if r.next == len(r.lines) {
			r.next = 0
			r.full = true
		}
	}
	return len(p), nil
}

// Lines returns up to limit of the newest lines, oldest first. limit <= 0
// returns everything held.
func (r *Ring) Lines(limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.lines)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]string, 0, limit)
	start := r.next - limit
	for i := 0; i < limit; i++ {
		idx := (start + i + len(r.lines)) % len(r.lines)
		out = append(out, r.lines[idx])
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.next
}
