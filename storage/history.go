package storage

import (
	"context"
	"fmt"
	"slices"
	"time"

	. "github.com/go-jet/jet/v2/sqlite"

	"rotating-proxy/logic"
)

// HistoryStore is the SQLite HistorySink.
type HistoryStore struct {
	db *DB
}

func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (s *HistoryStore) AppendRotation(ctx context.Context, ev logic.RotationEvent) error {
	var success int64
	if ev.Success {
		success = 1
	}
	t := RotationEvents
	stmt := t.INSERT(
		t.Seq, t.Ts, t.Protocol, t.OldProxy, t.NewProxy, t.Trigger, t.Success, t.Error,
	).VALUES(
		int64(ev.Seq),
		ev.Timestamp.UnixMilli(),
		string(ev.Protocol),
		ev.OldProxy,
		ev.NewProxy,
		string(ev.Trigger),
		success,
		ev.Error,
	)
	if _, err := stmt.ExecContext(ctx, s.db); err != nil {
		return fmt.Errorf("insert rotation event %d: %w", ev.Seq, err)
	}
	return nil
}

// LoadRotations returns the newest limit events, oldest first. limit <= 0
// loads everything.
func (s *HistoryStore) LoadRotations(ctx context.Context, limit int) ([]logic.RotationEvent, error) {
	t := RotationEvents
	stmt := SELECT(t.AllColumns).FROM(t).ORDER_BY(t.Seq.DESC())
	if limit > 0 {
		stmt = stmt.LIMIT(int64(limit))
	}

	var rows []rotationEventRow
	if err := stmt.QueryContext(ctx, s.db, &rows); err != nil {
		return nil, fmt.Errorf("load rotation events: %w", err)
	}
	out := make([]logic.RotationEvent, 0, len(rows))
	for _, r := range slices.Backward(rows) {
		out = append(out, logic.RotationEvent{
			Seq:       uint64(r.Seq),
			Timestamp: time.UnixMilli(r.Ts),
			Protocol:  logic.Protocol(r.Protocol),
			OldProxy:  r.OldProxy,
			NewProxy:  r.NewProxy,
			Trigger:   logic.RotationTrigger(r.Trigger),
			Success:   r.Success != 0,
			Error:     r.Error,
		})
	}
	return out, nil
}

// Count returns how many events are stored.
func (s *HistoryStore) Count(ctx context.Context) (int, error) {
	query, args := SELECT(COUNT(STAR)).FROM(RotationEvents).Sql()
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rotation events: %w", err)
	}
	return n, nil
}
