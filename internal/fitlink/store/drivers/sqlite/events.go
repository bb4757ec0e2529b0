package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aussiebroadwan/fitlink/internal/fitlink/store"
	"github.com/aussiebroadwan/fitlink/pkg/idx"
)

const (
	insertEventSQL = `
INSERT INTO token_events (id, profile, kind, access_fingerprint, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?)`

	selectEventsSQL = `
SELECT id, profile, kind, access_fingerprint, expires_at, created_at
FROM token_events
WHERE profile = ?
ORDER BY id DESC
LIMIT ?`

	deleteEventsBeforeSQL = `DELETE FROM token_events WHERE profile = ? AND created_at < ?`
)

func insertEvent(ctx context.Context, tx *sql.Tx, ev store.Event) error {
	var expiresAt int64
	if !ev.ExpiresAt.IsZero() {
		expiresAt = ev.ExpiresAt.Unix()
	}
	_, err := tx.ExecContext(ctx, insertEventSQL,
		ev.ID.String(),
		ev.Profile,
		string(ev.Kind),
		ev.AccessFingerprint,
		expiresAt,
		ev.CreatedAt.UnixMilli(),
	)
	return err
}

// Events returns the most recent events of the profile, newest first.
func (s *Store) Events(ctx context.Context, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, selectEventsSQL, s.profile, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Event
	for rows.Next() {
		var (
			id, kind           string
			ev                 store.Event
			expiresAt, created int64
		)
		if err := rows.Scan(&id, &ev.Profile, &kind, &ev.AccessFingerprint, &expiresAt, &created); err != nil {
			return nil, err
		}
		if ev.ID, err = idx.Parse(id); err != nil {
			return nil, fmt.Errorf("token event %q: %w", id, err)
		}
		ev.Kind = store.EventKind(kind)
		if expiresAt != 0 {
			ev.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		}
		ev.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneEvents deletes the profile's events created before the cutoff.
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, deleteEventsBeforeSQL, s.profile, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
