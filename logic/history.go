package logic

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type RotationTrigger string

const (
	TriggerManual    RotationTrigger = "manual"
	TriggerAuto      RotationTrigger = "auto"
	TriggerReconcile RotationTrigger = "reconcile"
)

type RotationEvent struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Protocol  Protocol        `json:"protocol"`
	OldProxy  string          `json:"old_proxy,omitempty"`
	NewProxy  string          `json:"new_proxy"`
	Trigger   RotationTrigger `json:"trigger"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
}

// HistorySink persists rotation events outside the process.
type HistorySink interface {
	AppendRotation(ctx context.Context, ev RotationEvent) error
	// LoadRotations returns up to limit of the newest events, oldest first.
	LoadRotations(ctx context.Context, limit int) ([]RotationEvent, error)
}

// History is the append-only rotation log.
type History struct {
	mu     sync.RWMutex
	events []RotationEvent
	seq    uint64

	sink HistorySink
	log  zerolog.Logger
}

func NewHistory(sink HistorySink, log zerolog.Logger) *History {
	return &History{sink: sink, log: log}
}

// Load seeds the log from the sink. It must run before the first Append.
func (h *History) Load(ctx context.Context, limit int) error {
	if h.sink == nil {
		return nil
	}
	evs, err := h.sink.LoadRotations(ctx, limit)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events[:0], evs...)
	for _, ev := range evs {
		h.seq = max(h.seq, ev.Seq)
	}
	return nil
}

// Append stamps ev with the next sequence number and stores it.
func (h *History) Append(ev RotationEvent) RotationEvent {
	h.mu.Lock()
	h.seq++
	ev.Seq = h.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	h.events = append(h.events, ev)
	h.mu.Unlock()

	if h.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.sink.AppendRotation(ctx, ev); err != nil {
			h.log.Warn().Err(err).Uint64("seq", ev.Seq).Msg("persist rotation event")
		}
	}
	return ev
}

// List returns up to limit events, newest first. limit <= 0 means all.
func (h *History) List(limit int) []RotationEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]RotationEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.events[i])
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}
