package logic

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type ValidatorConfig struct {
	Concurrency int
	Timeout     time.Duration
	MaxFailures int
}

func (c *ValidatorConfig) ApplyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
}

// Summary counts what one validation pass did.
type Summary struct {
	Total     int `json:"total"`
	Tested    int `json:"tested"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Timeouts  int `json:"timeouts"`
	Skipped   int `json:"skipped"`
}

// Validator probes candidates with a bounded worker pool and writes the
// results back into the store.
type Validator struct {
	store  *ProxyStore
	prober Prober
	cfg    ValidatorConfig
	log    zerolog.Logger
}

func NewValidator(store *ProxyStore, prober Prober, cfg ValidatorConfig, log zerolog.Logger) *Validator {
	cfg.ApplyDefaults()
	return &Validator{store: store, prober: prober, cfg: cfg, log: log}
}

func (v *Validator) MaxFailures() int {
	return v.cfg.MaxFailures
}

type probeOutcome struct {
	key   Key
	res   ProbeResult
	err   error
	at    time.Time
	epoch uint64
}

// ResultFunc is called once a probe result has been written to the store.
// probeErr is the probe's error, nil on success.
type ResultFunc func(k Key, probeErr error)

// Validate probes every candidate and updates its record. Per-proxy
// failures only change that record; progress receives completed/total*100
// after each probe. When ctx is cancelled no new probes start, results of
// probes still in flight are dropped and ErrCancelled is returned.
func (v *Validator) Validate(ctx context.Context, candidates []ProxyRecord, progress func(pct float64)) (Summary, error) {
	return v.ValidateWith(ctx, candidates, progress, nil)
}

// ValidateWith is Validate with onResult called from the result loop after
// every applied probe.
func (v *Validator) ValidateWith(ctx context.Context, candidates []ProxyRecord, progress func(pct float64), onResult ResultFunc) (Summary, error) {
	sum := Summary{Total: len(candidates)}
	if progress == nil {
		progress = func(float64) {}
	}
	if len(candidates) == 0 {
		progress(100)
		return sum, nil
	}

	concurrency := min(v.cfg.Concurrency, len(candidates))
	epoch := v.store.Epoch()

	workCh := make(chan ProxyRecord)
	resCh := make(chan probeOutcome, concurrency)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for rec := range workCh {
				if ctx.Err() != nil {
					return
				}
				pctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
				res, err := v.prober.Probe(pctx, rec)
				cancel()
				out := probeOutcome{key: rec.Key(), res: res, err: err, at: time.Now(), epoch: epoch}
				select {
				case resCh <- out:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(workCh)
		for _, rec := range candidates {
			select {
			case <-ctx.Done():
				return
			case workCh <- rec:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resCh)
	}()

	done := 0
	for out := range resCh {
		if ctx.Err() != nil {
			// Drain so workers can exit; cancelled results are not applied.
			continue
		}
		done++
		sum.Tested++
		applyErr := v.apply(out)
		switch {
		case applyErr != nil:
			sum.Skipped++
		case out.err == nil:
			sum.Succeeded++
		default:
			sum.Failed++
			if errors.Is(out.err, ErrProbeTimeout) {
				sum.Timeouts++
			}
		}
		if applyErr == nil && onResult != nil {
			onResult(out.key, out.err)
		}
		progress(float64(done) / float64(len(candidates)) * 100)
	}

	if ctx.Err() != nil {
		v.log.Info().Int("tested", sum.Tested).Int("total", sum.Total).Msg("validation cancelled")
		return sum, ErrCancelled
	}
	v.log.Info().
		Int("total", sum.Total).
		Int("ok", sum.Succeeded).
		Int("failed", sum.Failed).
		Int("timeouts", sum.Timeouts).
		Msg("validation finished")
	return sum, nil
}

func (v *Validator) apply(out probeOutcome) error {
	err := v.store.Update(out.key, out.epoch, func(r *ProxyRecord) {
		r.LastValidatedAt = out.at
		if out.err != nil {
			r.ConsecutiveFailures++
			r.PingMS = nil
			r.SpeedKbps = nil
		} else {
			ping, speed := out.res.PingMS, out.res.SpeedKbps
			r.ConsecutiveFailures = 0
			r.PingMS = &ping
			r.SpeedKbps = &speed
			r.Anonymity = out.res.Anonymity
			if r.Anonymity == "" {
				r.Anonymity = AnonymityUnknown
			}
		}
		r.Score = Score(*r)
	})
	if err != nil {
		v.log.Debug().Err(err).Str("proxy", out.key.String()).Msg("probe result dropped")
		return err
	}
	if out.err != nil {
		v.log.Debug().Err(out.err).Str("proxy", out.key.String()).Msg("probe failed")
	}
	return nil
}
