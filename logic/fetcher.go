package logic

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Fetcher acquires candidate proxies from somewhere outside the process.
type Fetcher interface {
	Fetch(ctx context.Context, progress func(pct float64)) ([]ProxyRecord, error)
}

// SourceFetcher downloads text proxy lists and merges them with a static
// list from the configuration.
type SourceFetcher struct {
	Sources Sources
	Static  []string
	Timeout time.Duration
	Client  *http.Client
}

const fetchParallelism = 4

// Fetch returns every distinct proxy found. When only some sources fail,
// the proxies from the rest are returned together with the joined errors.
func (f *SourceFetcher) Fetch(ctx context.Context, progress func(pct float64)) ([]ProxyRecord, error) {
	if progress == nil {
		progress = func(float64) {}
	}
	static := ParseProxySpecs(f.Static, "auto")
	for i := range static {
		static[i].Source = "static"
	}
	if len(f.Sources) == 0 {
		if len(static) == 0 {
			return nil, errors.New("no sources")
		}
		progress(100)
		return MergeDedup(static), nil
	}

	var (
		mu      sync.Mutex
		errs    []error
		done    int
		results = make([][]ProxyRecord, len(f.Sources))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallelism)
	for i, src := range f.Sources {
		g.Go(func() error {
			recs, err := f.fetchOne(gctx, src)
			mu.Lock()
			defer mu.Unlock()
			done++
			progress(float64(done) / float64(len(f.Sources)) * 100)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", src.URL, err))
				return nil
			}
			results[i] = recs
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}

	all := MergeDedup(append([][]ProxyRecord{static}, results...)...)
	if len(all) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, errors.New("empty proxy list")
	}
	return all, errors.Join(errs...)
}

func (f *SourceFetcher) fetchOne(ctx context.Context, src ProxySource) ([]ProxyRecord, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	return parseList(bufio.NewScanner(resp.Body), src)
}

func parseList(sc *bufio.Scanner, src ProxySource) ([]ProxyRecord, error) {
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	out := make([]ProxyRecord, 0, 1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rec, ok := ParseProxySpec(line, src.Protocol); ok {
			rec.Source = src.URL
			out = append(out, rec)
			continue
		}
		for _, rec := range ExtractProxies(line, src.Protocol) {
			rec.Source = src.URL
			out = append(out, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MergeDedup concatenates lists keeping the first record per key.
func MergeDedup(lists ...[]ProxyRecord) []ProxyRecord {
	out := make([]ProxyRecord, 0, 1024)
	seen := make(map[Key]struct{}, 4096)
	for _, list := range lists {
		for _, rec := range list {
			if rec.Address == "" || !rec.Protocol.Valid() {
				continue
			}
			if _, ok := seen[rec.Key()]; ok {
				continue
			}
			seen[rec.Key()] = struct{}{}
			out = append(out, rec)
		}
	}
	return out
}

// StaticFetcher returns a fixed list. Handy for tests and offline setups.
type StaticFetcher []ProxyRecord

func (s StaticFetcher) Fetch(_ context.Context, progress func(pct float64)) ([]ProxyRecord, error) {
	if progress != nil {
		progress(100)
	}
	return MergeDedup(s), nil
}
