package logic

import (
	"math"
	"sort"
	"strings"
)

// MinScore is given to every record without a successful probe.
const MinScore = 0.0

const (
	pingWeight  = 50.0
	speedWeight = 30.0

	// Ping (ms) and speed (kbps) at which each part reaches half its weight.
	pingPivot  = 1000.0
	speedPivot = 1024.0
)

var anonymityBonus = map[Anonymity]float64{
	AnonymityElite:       20,
	AnonymityAnonymous:   10,
	AnonymityUnknown:     5,
	AnonymityTransparent: 0,
}

// Score maps a record's probe metrics to a ranking score. It only reads
// ping, speed, anonymity and consecutive failures, so recomputing it from a
// stored record reproduces the stored score.
func Score(r ProxyRecord) float64 {
	if !r.Validated() {
		return MinScore
	}
	ping := math.Max(float64(*r.PingMS), 0)
	speed := *r.SpeedKbps
	if math.IsNaN(speed) || speed < 0 {
		speed = 0
	}
	if math.IsInf(speed, 1) {
		speed = math.MaxFloat64
	}

	s := pingWeight * pingPivot / (pingPivot + ping)
	s += speedWeight * speed / (speed + speedPivot)
	s += anonymityBonus[r.Anonymity]
	if r.ConsecutiveFailures > 0 {
		s /= float64(1 + r.ConsecutiveFailures)
	}
	return math.Round(s*100) / 100
}

type SortKey string

const (
	SortByScore         SortKey = "score"
	SortByPing          SortKey = "ping"
	SortBySpeed         SortKey = "speed"
	SortByAddress       SortKey = "address"
	SortByLastValidated SortKey = "last_validated"
)

func ParseSortKey(s string) SortKey {
	switch SortKey(strings.ToLower(strings.TrimSpace(s))) {
	case SortByPing, "delay", "latency":
		return SortByPing
	case SortBySpeed:
		return SortBySpeed
	case SortByAddress, "proxy":
		return SortByAddress
	case SortByLastValidated:
		return SortByLastValidated
	default:
		return SortByScore
	}
}

// Rank sorts records in place by key. The sort is stable, so records that
// compare equal keep their incoming (insertion) order whichever direction is
// requested. Records missing the sorted metric always go last.
func Rank(records []ProxyRecord, key SortKey, reverse bool) []ProxyRecord {
	cmp := compareFor(key)
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		aMissing, bMissing := missingMetric(a, key), missingMetric(b, key)
		if aMissing || bMissing {
			return !aMissing && bMissing
		}
		c := cmp(a, b)
		if reverse {
			return c > 0
		}
		return c < 0
	})
	return records
}

func missingMetric(r ProxyRecord, key SortKey) bool {
	switch key {
	case SortByScore:
		return !r.Validated()
	case SortByPing:
		return r.PingMS == nil
	case SortBySpeed:
		return r.SpeedKbps == nil
	case SortByLastValidated:
		return r.LastValidatedAt.IsZero()
	}
	return false
}

func compareFor(key SortKey) func(a, b ProxyRecord) int {
	switch key {
	case SortByPing:
		return func(a, b ProxyRecord) int { return cmpInt64(*a.PingMS, *b.PingMS) }
	case SortBySpeed:
		return func(a, b ProxyRecord) int { return cmpFloat(*a.SpeedKbps, *b.SpeedKbps) }
	case SortByAddress:
		return func(a, b ProxyRecord) int { return strings.Compare(a.Address, b.Address) }
	case SortByLastValidated:
		return func(a, b ProxyRecord) int { return a.LastValidatedAt.Compare(b.LastValidatedAt) }
	default:
		return func(a, b ProxyRecord) int { return cmpFloat(a.Score, b.Score) }
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Ranker ranks the store's records, leaving out those that failed too often.
type Ranker struct {
	Store       *ProxyStore
	MaxFailures int
}

func (r *Ranker) Rank(protocol Protocol, key SortKey, reverse bool) []ProxyRecord {
	all := r.Store.List(protocol)
	out := all[:0]
	for _, rec := range all {
		if rec.Excluded(r.MaxFailures) {
			continue
		}
		out = append(out, rec)
	}
	return Rank(out, key, reverse)
}

// Eligible returns the records that can be rotated into, best first.
func (r *Ranker) Eligible(protocol Protocol) []ProxyRecord {
	ranked := r.Rank(protocol, SortByScore, true)
	out := ranked[:0]
	for _, rec := range ranked {
		if rec.Validated() {
			out = append(out, rec)
		}
	}
	return out
}

// IsEligible reports whether rec is validated and not excluded.
func (r *Ranker) IsEligible(rec ProxyRecord) bool {
	return rec.Eligible(r.MaxFailures)
}

// StillEligible re-reads rec from the store and reports whether it can still
// serve as an upstream.
func (r *Ranker) StillEligible(rec ProxyRecord) bool {
	fresh, err := r.Store.Get(rec.Protocol, rec.Address)
	return err == nil && r.IsEligible(fresh)
}
