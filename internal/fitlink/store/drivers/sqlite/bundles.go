package sqlite

import (
	"context"
	"database/sql"

	"github.com/aussiebroadwan/fitlink/internal/fitlink/store"
	"github.com/aussiebroadwan/fitlink/pkg/connect"
	"github.com/aussiebroadwan/fitlink/pkg/cryptox"
)

const (
	upsertBundleSQL = `
INSERT INTO token_bundles (profile, bundle, sealed, expires_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (profile) DO UPDATE SET
    bundle = excluded.bundle,
    sealed = excluded.sealed,
    expires_at = excluded.expires_at,
    updated_at = excluded.updated_at`

	selectBundleSQL = `SELECT bundle FROM token_bundles WHERE profile = ?`

	deleteBundleSQL = `DELETE FROM token_bundles WHERE profile = ?`

	selectProfilesSQL = `SELECT profile FROM token_bundles ORDER BY profile`
)

// Save replaces the profile's bundle and records the change.
func (s *Store) Save(ctx context.Context, b connect.TokenBundle) error {
	data, err := store.EncodeBundle(b, s.sealer)
	if err != nil {
		return err
	}
	now := s.now()

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertBundleSQL,
			s.profile,
			data,
			boolToInt(cryptox.IsSealed(data)),
			b.Bearer.ExpiresAt,
			now.UnixMilli(),
		); err != nil {
			return err
		}
		return insertEvent(ctx, tx, store.NewEvent(s.profile, store.EventSaved, &b, now))
	})
}

// Load returns the profile's bundle or store.ErrNotFound.
func (s *Store) Load(ctx context.Context) (*connect.TokenBundle, error) {
	var data []byte
	if err := s.db.QueryRowContext(ctx, selectBundleSQL, s.profile).Scan(&data); err != nil {
		return nil, mapNotFound(err)
	}
	return store.DecodeBundle(data, s.sealer)
}

// Clear removes the profile's bundle. Clearing an empty profile records
// nothing.
func (s *Store) Clear(ctx context.Context) error {
	now := s.now()

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, deleteBundleSQL, s.profile)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		return insertEvent(ctx, tx, store.NewEvent(s.profile, store.EventCleared, nil, now))
	})
}

// Profiles lists every profile holding a bundle.
func (s *Store) Profiles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, selectProfilesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
