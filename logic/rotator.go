package logic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Retargeter is the forwarding side of a rotation: it owns the current
// upstream and the listener of each protocol.
type Retargeter interface {
	Retarget(protocol Protocol, rec ProxyRecord) error
	Current(protocol Protocol) (ProxyRecord, bool)
	Running(protocol Protocol) bool
	Stop(protocol Protocol) error
}

// MinAutoInterval bounds how often the auto-rotation timer may fire.
const MinAutoInterval = time.Second

type AutoRotation struct {
	Protocol        Protocol   `json:"protocol"`
	Enabled         bool       `json:"enabled"`
	IntervalSeconds int        `json:"interval_seconds,omitempty"`
	NextAt          *time.Time `json:"next_at,omitempty"`
}

type autoTimer struct {
	interval time.Duration
	next     atomic.Int64 // unix nanos of the next tick
	cancel   context.CancelFunc
	done     chan struct{}
}

// RotationController picks upstreams from the ranked pool and hands them to
// the Retargeter, recording every attempt in History.
type RotationController struct {
	ranker  *Ranker
	target  Retargeter
	history *History
	log     zerolog.Logger

	rotMu sync.Mutex

	autoMu sync.Mutex
	auto   map[Protocol]*autoTimer
}

func NewRotationController(ranker *Ranker, target Retargeter, history *History, log zerolog.Logger) *RotationController {
	return &RotationController{
		ranker:  ranker,
		target:  target,
		history: history,
		log:     log,
		auto:    make(map[Protocol]*autoTimer, len(Protocols)),
	}
}

func (c *RotationController) History() *History {
	return c.history
}

// Rotate moves protocol to the eligible record ranked right after the
// current upstream, wrapping around.
func (c *RotationController) Rotate(ctx context.Context, protocol Protocol) (ProxyRecord, error) {
	return c.rotate(ctx, protocol, TriggerManual)
}

func (c *RotationController) rotate(ctx context.Context, protocol Protocol, trigger RotationTrigger) (ProxyRecord, error) {
	if !protocol.Valid() {
		return ProxyRecord{}, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, protocol)
	}
	if err := ctx.Err(); err != nil {
		return ProxyRecord{}, err
	}

	c.rotMu.Lock()
	defer c.rotMu.Unlock()

	eligible := c.ranker.Eligible(protocol)
	if len(eligible) == 0 {
		return ProxyRecord{}, fmt.Errorf("%s: %w", protocol, ErrNoEligibleProxy)
	}
	cur, hasCur := c.target.Current(protocol)
	next := pickNext(eligible, cur, hasCur)

	ev := RotationEvent{Protocol: protocol, NewProxy: next.String(), Trigger: trigger}
	if hasCur {
		ev.OldProxy = cur.String()
	}
	if err := c.target.Retarget(protocol, next); err != nil {
		if !errors.Is(err, ErrRetargetFailure) {
			err = fmt.Errorf("%w: %w", ErrRetargetFailure, err)
		}
		ev.Error = err.Error()
		ev = c.history.Append(ev)
		c.log.Warn().Err(err).
			Str("protocol", string(protocol)).
			Str("trigger", string(trigger)).
			Str("to", ev.NewProxy).
			Uint64("seq", ev.Seq).
			Msg("rotation rejected, upstream unchanged")
		return ProxyRecord{}, err
	}
	ev.Success = true
	ev = c.history.Append(ev)
	c.log.Info().
		Str("protocol", string(protocol)).
		Str("trigger", string(trigger)).
		Str("from", ev.OldProxy).
		Str("to", ev.NewProxy).
		Float64("score", next.Score).
		Msg("rotated upstream")
	return next, nil
}

func pickNext(eligible []ProxyRecord, cur ProxyRecord, hasCur bool) ProxyRecord {
	if hasCur {
		for i, rec := range eligible {
			if rec.Key() == cur.Key() {
				return eligible[(i+1)%len(eligible)]
			}
		}
	}
	return eligible[0]
}

// SetAutoRotation turns the rotation timer of protocol on or off. Enabling
// an already enabled timer replaces it.
func (c *RotationController) SetAutoRotation(protocol Protocol, enabled bool, interval time.Duration) error {
	if !protocol.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedProtocol, protocol)
	}
	if enabled && interval < MinAutoInterval {
		return fmt.Errorf("auto rotation interval %s is below %s", interval, MinAutoInterval)
	}

	c.autoMu.Lock()
	defer c.autoMu.Unlock()

	if t, ok := c.auto[protocol]; ok {
		t.cancel()
		<-t.done
		delete(c.auto, protocol)
	}
	if !enabled {
		c.log.Info().Str("protocol", string(protocol)).Msg("auto rotation disabled")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &autoTimer{
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	t.next.Store(time.Now().Add(interval).UnixNano())
	c.auto[protocol] = t
	go c.autoLoop(ctx, protocol, t)
	c.log.Info().Str("protocol", string(protocol)).Dur("interval", interval).Msg("auto rotation enabled")
	return nil
}

func (c *RotationController) autoLoop(ctx context.Context, protocol Protocol, t *autoTimer) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.next.Store(now.Add(t.interval).UnixNano())
			if _, err := c.rotate(ctx, protocol, TriggerAuto); err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Str("protocol", string(protocol)).Msg("auto rotation")
			}
		}
	}
}

func (c *RotationController) AutoRotation(protocol Protocol) AutoRotation {
	c.autoMu.Lock()
	defer c.autoMu.Unlock()
	st := AutoRotation{Protocol: protocol}
	if t, ok := c.auto[protocol]; ok {
		next := time.Unix(0, t.next.Load())
		st.Enabled = true
		st.IntervalSeconds = int(t.interval / time.Second)
		st.NextAt = &next
	}
	return st
}

// Reconcile moves every protocol off an upstream that is no longer
// eligible. With nothing eligible left the protocol's service is stopped.
func (c *RotationController) Reconcile(ctx context.Context) {
	for _, p := range Protocols {
		c.reconcile(ctx, p)
	}
}

// ReconcileKey reconciles k's protocol when k is its current upstream.
func (c *RotationController) ReconcileKey(ctx context.Context, k Key) {
	cur, ok := c.target.Current(k.Protocol)
	if !ok || cur.Key() != k {
		return
	}
	c.reconcile(ctx, k.Protocol)
}

func (c *RotationController) reconcile(ctx context.Context, p Protocol) {
	cur, ok := c.target.Current(p)
	if !ok || c.ranker.StillEligible(cur) {
		return
	}
	_, err := c.rotate(ctx, p, TriggerReconcile)
	if err == nil || !c.target.Running(p) {
		return
	}
	if serr := c.target.Stop(p); serr != nil && !errors.Is(serr, ErrNotRunning) {
		c.log.Error().Err(serr).Str("protocol", string(p)).Msg("stop service after losing upstream")
		return
	}
	c.log.Warn().Err(err).Str("protocol", string(p)).Str("upstream", cur.String()).
		Msg("upstream no longer eligible, service stopped")
}

// Close stops every auto-rotation timer.
func (c *RotationController) Close() {
	c.autoMu.Lock()
	defer c.autoMu.Unlock()
	for p, t := range c.auto {
		t.cancel()
		<-t.done
		delete(c.auto, p)
	}
}
