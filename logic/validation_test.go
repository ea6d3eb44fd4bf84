package logic

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(s *ProxyStore, p Prober, concurrency int) *Validator {
	return NewValidator(s, p, ValidatorConfig{Concurrency: concurrency, Timeout: 2 * time.Second, MaxFailures: 3}, zerolog.Nop())
}

func TestValidator_WritesResults(t *testing.T) {
	s := NewProxyStore()
	s.AddCandidate(newCandidate(ProtocolHTTP, "1.1.1.1:80", ""))
	s.AddCandidate(newCandidate(ProtocolSOCKS5, "2.2.2.2:1080", ""))
	s.AddCandidate(newCandidate(ProtocolHTTP, "3.3.3.3:80", ""))

	p := newFakeProber()
	p.results["1.1.1.1:80"] = ProbeResult{PingMS: 200, SpeedKbps: 900, Anonymity: AnonymityAnonymous}
	p.errs["3.3.3.3:80"] = fmt.Errorf("%w: refused", ErrProbeConnect)

	v := newTestValidator(s, p, 2)
	sum, err := v.Validate(context.Background(), s.List(""), nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 3, Tested: 3, Succeeded: 2, Failed: 1}, sum)

	ok, err := s.Get(ProtocolHTTP, "1.1.1.1:80")
	require.NoError(t, err)
	require.True(t, ok.Validated())
	assert.EqualValues(t, 200, *ok.PingMS)
	assert.Equal(t, AnonymityAnonymous, ok.Anonymity)
	assert.False(t, ok.LastValidatedAt.IsZero())
	assert.Greater(t, ok.Score, MinScore)

	bad, err := s.Get(ProtocolHTTP, "3.3.3.3:80")
	require.NoError(t, err)
	assert.False(t, bad.Validated())
	assert.Equal(t, 1, bad.ConsecutiveFailures)
	assert.Equal(t, MinScore, bad.Score)
}

func TestValidator_ScoreIsReproducible(t *testing.T) {
	s := NewProxyStore()
	for i := range 20 {
		s.AddCandidate(newCandidate(ProtocolHTTP, fmt.Sprintf("10.0.0.%d:80", i+1), ""))
	}
	p := newFakeProber()
	for i := range 20 {
		p.results[fmt.Sprintf("10.0.0.%d:80", i+1)] = ProbeResult{
			PingMS:    int64(37 * (i + 1)),
			SpeedKbps: float64(113 * (i + 1)),
			Anonymity: []Anonymity{AnonymityElite, AnonymityAnonymous, AnonymityTransparent, AnonymityUnknown}[i%4],
		}
	}
	_, err := newTestValidator(s, p, 8).Validate(context.Background(), s.List(""), nil)
	require.NoError(t, err)

	for _, rec := range s.List("") {
		assert.Equal(t, Score(rec), rec.Score, rec.Address)
	}
}

func TestValidator_RepeatedTimeoutsExclude(t *testing.T) {
	s := NewProxyStore()
	s.Upsert(validatedRecord(ProtocolHTTP, "9.9.9.9:80", 100, 100, AnonymityElite))

	p := newFakeProber()
	p.errs["9.9.9.9:80"] = fmt.Errorf("%w: i/o timeout", ErrProbeTimeout)
	v := newTestValidator(s, p, 1)
	ranker := &Ranker{Store: s, MaxFailures: v.MaxFailures()}

	for i := 1; i <= 3; i++ {
		sum, err := v.Validate(context.Background(), s.List(""), nil)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Timeouts)

		rec, err := s.Get(ProtocolHTTP, "9.9.9.9:80")
		require.NoError(t, err)
		assert.Equal(t, i, rec.ConsecutiveFailures)
	}

	assert.Empty(t, ranker.Rank(ProtocolHTTP, SortByScore, true))
	assert.Empty(t, ranker.Eligible(ProtocolHTTP))
	_, err := s.Get(ProtocolHTTP, "9.9.9.9:80")
	assert.NoError(t, err, "excluded records stay in the store")
}

func TestValidator_SuccessResetsFailures(t *testing.T) {
	s := NewProxyStore()
	rec := newCandidate(ProtocolHTTP, "1.1.1.1:80", "")
	rec.ConsecutiveFailures = 2
	s.Upsert(rec)

	_, err := newTestValidator(s, newFakeProber(), 1).Validate(context.Background(), s.List(""), nil)
	require.NoError(t, err)
	got, _ := s.Get(ProtocolHTTP, "1.1.1.1:80")
	assert.Zero(t, got.ConsecutiveFailures)
	assert.True(t, got.Validated())
}

func TestValidator_ProgressMonotonic(t *testing.T) {
	s := NewProxyStore()
	for i := range 30 {
		s.AddCandidate(newCandidate(ProtocolHTTP, fmt.Sprintf("10.0.1.%d:80", i+1), ""))
	}
	var (
		mu   sync.Mutex
		seen []float64
	)
	_, err := newTestValidator(s, newFakeProber(), 5).Validate(context.Background(), s.List(""), func(pct float64) {
		mu.Lock()
		seen = append(seen, pct)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Len(t, seen, 30)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	assert.InDelta(t, 100, seen[len(seen)-1], 0.0001)
}

func TestValidator_EmptyInput(t *testing.T) {
	var last float64
	sum, err := newTestValidator(NewProxyStore(), newFakeProber(), 4).Validate(context.Background(), nil, func(pct float64) { last = pct })
	require.NoError(t, err)
	assert.Zero(t, sum.Total)
	assert.Equal(t, 100.0, last)
}

func TestValidator_CancelDiscardsResults(t *testing.T) {
	s := NewProxyStore()
	for i := range 10 {
		s.AddCandidate(newCandidate(ProtocolHTTP, fmt.Sprintf("10.0.2.%d:80", i+1), ""))
	}
	p := newFakeProber()
	p.block = true

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := newTestValidator(s, p, 3).Validate(ctx, s.List(""), nil)
		errCh <- err
	}()

	select {
	case <-p.started:
	case <-time.After(2 * time.Second):
		t.Fatal("no probe started")
	}
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("validate did not return after cancel")
	}

	for _, rec := range s.List("") {
		assert.Zero(t, rec.ConsecutiveFailures, rec.Address)
		assert.True(t, rec.LastValidatedAt.IsZero(), rec.Address)
	}
}

func TestValidator_ClearDuringProbeDropsWriteBack(t *testing.T) {
	s := NewProxyStore()
	s.AddCandidate(newCandidate(ProtocolHTTP, "1.1.1.1:80", ""))
	p := &clearingProber{store: s}

	sum, err := newTestValidator(s, p, 1).Validate(context.Background(), s.List(""), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, s.Len())
}

// clearingProber empties the store mid-probe.
type clearingProber struct{ store *ProxyStore }

func (c *clearingProber) Probe(context.Context, ProxyRecord) (ProbeResult, error) {
	c.store.RemoveAll()
	return ProbeResult{PingMS: 1, SpeedKbps: 1, Anonymity: AnonymityElite}, nil
}
