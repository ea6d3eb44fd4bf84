package logic

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Pool ties the store to the fetch and validate jobs and keeps the
// rotation side in step with what those jobs change.
type Pool struct {
	Store     *ProxyStore
	Ranker    *Ranker
	Validator *Validator
	Fetcher   Fetcher
	Tasks     *TaskRegistry
	Rotator   *RotationController

	// AutoValidate starts a validation pass after each successful fetch.
	AutoValidate bool

	Log zerolog.Logger
}

func (p *Pool) TriggerFetch() (TriggerResult, Task) {
	return p.Tasks.Trigger(TaskFetch, p.fetch)
}

func (p *Pool) TriggerValidate() (TriggerResult, Task) {
	return p.Tasks.Trigger(TaskValidate, p.validate)
}

func (p *Pool) Trigger(kind TaskKind) (TriggerResult, Task) {
	if kind == TaskValidate {
		return p.TriggerValidate()
	}
	return p.TriggerFetch()
}

// Schedule triggers kind every interval until ctx is done. A tick that
// finds the task still running is skipped.
func (p *Pool) Schedule(ctx context.Context, kind TaskKind, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if res, t := p.Trigger(kind); res == TriggerAlreadyRunning {
				p.Log.Debug().Str("task", string(kind)).Str("id", t.ID).Msg("scheduled run skipped, task still running")
			}
		}
	}
}

func (p *Pool) fetch(ctx context.Context, report func(float64)) error {
	if p.Fetcher == nil {
		return errors.New("no fetcher configured")
	}
	recs, err := p.Fetcher.Fetch(ctx, report)
	if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
		return ErrCancelled
	}
	if len(recs) == 0 {
		if err == nil {
			err = errors.New("fetch returned no proxies")
		}
		return err
	}
	if err != nil {
		p.Log.Warn().Err(err).Msg("some proxy sources failed")
	}

	added := 0
	for _, rec := range recs {
		if p.Store.AddCandidate(rec) {
			added++
		}
	}
	p.Log.Info().Int("fetched", len(recs)).Int("new", added).Int("pool", p.Store.Len()).Msg("fetch finished")

	if p.AutoValidate {
		if res, _ := p.TriggerValidate(); res == TriggerAlreadyRunning {
			p.Log.Info().Msg("validation already running, not starting another")
		}
	}
	return nil
}

// validate moves a protocol off its upstream as soon as that upstream's
// probe fails, then reconciles everything once the pass ends.
func (p *Pool) validate(ctx context.Context, report func(float64)) error {
	var onResult ResultFunc
	if p.Rotator != nil {
		onResult = func(k Key, probeErr error) {
			if probeErr != nil {
				p.Rotator.ReconcileKey(context.WithoutCancel(ctx), k)
			}
		}
	}
	_, err := p.Validator.ValidateWith(ctx, p.Store.List(""), report, onResult)
	if p.Rotator != nil {
		p.Rotator.Reconcile(context.WithoutCancel(ctx))
	}
	return err
}

// Clear drops every record and moves the forwarding side off them.
func (p *Pool) Clear(ctx context.Context) int {
	n := p.Store.RemoveAll()
	p.Log.Info().Int("removed", n).Msg("proxy pool cleared")
	if p.Rotator != nil {
		p.Rotator.Reconcile(ctx)
	}
	return n
}

// PoolSummary is a point-in-time view of the pool for status endpoints.
type PoolSummary struct {
	Counts   map[Protocol]PoolCounts `json:"counts"`
	Fetch    Task                    `json:"fetch"`
	Validate Task                    `json:"validate"`
}

func (p *Pool) Summary() PoolSummary {
	return PoolSummary{
		Counts:   p.Store.Counts(p.Ranker.MaxFailures),
		Fetch:    p.Tasks.Status(TaskFetch),
		Validate: p.Tasks.Status(TaskValidate),
	}
}
