package logic

import (
	"context"
	"sync"
	"time"
)

func validatedRecord(p Protocol, addr string, ping int64, speed float64, anon Anonymity) ProxyRecord {
	rec := newCandidate(p, addr, "test")
	rec.PingMS = &ping
	rec.SpeedKbps = &speed
	rec.Anonymity = anon
	rec.LastValidatedAt = time.Now()
	rec.Score = Score(rec)
	return rec
}

// fakeProber answers from a table keyed by address. Unknown addresses
// succeed with a fixed result.
type fakeProber struct {
	mu      sync.Mutex
	results map[string]ProbeResult
	errs    map[string]error
	calls   map[string]int

	// block, when set, makes every probe wait for ctx.
	block   bool
	started chan struct{}
	// gates holds probes of an address until the channel is closed.
	gates map[string]chan struct{}
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		results: map[string]ProbeResult{},
		errs:    map[string]error{},
		calls:   map[string]int{},
		started: make(chan struct{}, 1024),
		gates:   map[string]chan struct{}{},
	}
}

func (f *fakeProber) Probe(ctx context.Context, rec ProxyRecord) (ProbeResult, error) {
	f.mu.Lock()
	f.calls[rec.Address]++
	res, ok := f.results[rec.Address]
	err := f.errs[rec.Address]
	block := f.block
	gate := f.gates[rec.Address]
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}
	if block {
		<-ctx.Done()
		return ProbeResult{}, ClassifyDialError(ctx.Err())
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ProbeResult{}, ClassifyDialError(ctx.Err())
		}
	}
	if err != nil {
		return ProbeResult{}, err
	}
	if !ok {
		res = ProbeResult{PingMS: 100, SpeedKbps: 512, Anonymity: AnonymityElite}
	}
	return res, nil
}

// fakeRetargeter records retargets in memory.
type fakeRetargeter struct {
	mu      sync.Mutex
	current map[Protocol]ProxyRecord
	running map[Protocol]bool
	fail    error
	stops   int
}

func newFakeRetargeter() *fakeRetargeter {
	return &fakeRetargeter{current: map[Protocol]ProxyRecord{}, running: map[Protocol]bool{}}
}

func (f *fakeRetargeter) Retarget(p Protocol, rec ProxyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.current[p] = rec
	return nil
}

func (f *fakeRetargeter) Current(p Protocol) (ProxyRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.current[p]
	return rec, ok
}

func (f *fakeRetargeter) Running(p Protocol) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[p]
}

func (f *fakeRetargeter) Stop(p Protocol) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[p] {
		return ErrNotRunning
	}
	f.running[p] = false
	f.stops++
	return nil
}

// memorySink is a HistorySink kept in a slice.
type memorySink struct {
	mu     sync.Mutex
	events []RotationEvent
}

func (m *memorySink) AppendRotation(_ context.Context, ev RotationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memorySink) LoadRotations(_ context.Context, limit int) ([]RotationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	return append([]RotationEvent(nil), m.events[n-limit:]...), nil
}
