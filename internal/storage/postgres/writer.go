package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/groups/internal/domain"
)

const groupColumns = "id, name, tags, key, key_digest, creator_id, active_user_count, created_at, last_active_at"

// Insert counts and inserts under a transaction-scoped advisory lock keyed by
// creator, so concurrent creations from one creator serialize.
func (db *DB) Insert(ctx context.Context, room domain.Room, maxPerCreator int) (domain.Room, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return domain.Room{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", room.CreatorID); err != nil {
		return domain.Room{}, fmt.Errorf("creator lock: %w", err)
	}
	var n int
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM groups WHERE creator_id = $1", room.CreatorID).Scan(&n); err != nil {
		return domain.Room{}, fmt.Errorf("count: %w", err)
	}
	if n >= maxPerCreator {
		return domain.Room{}, domain.ErrQuotaExceeded
	}

	tags := room.Tags
	if tags == nil {
		tags = []string{}
	}
	row := tx.QueryRow(ctx, `
INSERT INTO groups (`+groupColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+groupColumns,
		room.ID, room.Name, tags, room.PublicKey, room.KeyDigest, room.CreatorID,
		room.ActiveUserCount, room.CreatedAt, room.LastActiveAt)
	stored, err := scanRoom(row)
	if err != nil {
		return domain.Room{}, fmt.Errorf("insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Room{}, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

func (db *DB) Delete(ctx context.Context, id string) (bool, error) {
	ct, err := db.Pool.Exec(ctx, "DELETE FROM groups WHERE id = $1", id)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (db *DB) AdjustPresence(ctx context.Context, id string, delta int, at time.Time) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, `
UPDATE groups
SET active_user_count = GREATEST(active_user_count + $2, 0),
    last_active_at = GREATEST(last_active_at, $3)
WHERE id = $1
RETURNING active_user_count`, id, delta, at).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	return n, err
}

func (db *DB) Touch(ctx context.Context, id string, at time.Time) (time.Time, error) {
	var last time.Time
	err := db.Pool.QueryRow(ctx, `
UPDATE groups SET last_active_at = GREATEST(last_active_at, $2)
WHERE id = $1
RETURNING last_active_at`, id, at).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, domain.ErrNotFound
	}
	return last, err
}

func (db *DB) DeleteEmpty(ctx context.Context) ([]string, error) {
	return db.deleteReturning(ctx, "DELETE FROM groups WHERE active_user_count <= 0 RETURNING id")
}

func (db *DB) DeleteInactive(ctx context.Context, cutoff time.Time) ([]string, error) {
	return db.deleteReturning(ctx,
		"DELETE FROM groups WHERE active_user_count = $1 AND last_active_at < $2 RETURNING id",
		domain.AbandonedPresenceMax, cutoff)
}

func (db *DB) deleteReturning(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect ids: %w", err)
	}
	return ids, nil
}
