package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"example.com/groups/internal/domain"
)

func scanRoom(row pgx.Row) (domain.Room, error) {
	var r domain.Room
	err := row.Scan(&r.ID, &r.Name, &r.Tags, &r.PublicKey, &r.KeyDigest, &r.CreatorID,
		&r.ActiveUserCount, &r.CreatedAt, &r.LastActiveAt)
	if err != nil {
		return domain.Room{}, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastActiveAt = r.LastActiveAt.UTC()
	return r, nil
}

func (db *DB) Get(ctx context.Context, id string) (domain.Room, error) {
	r, err := scanRoom(db.Pool.QueryRow(ctx, "SELECT "+groupColumns+" FROM groups WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Room{}, domain.ErrNotFound
	}
	return r, err
}

func (db *DB) ListByCreator(ctx context.Context, creatorID string, limit int) ([]domain.Room, error) {
	rows, err := db.Pool.Query(ctx, `
SELECT `+groupColumns+`
FROM groups
WHERE creator_id = $1
ORDER BY created_at DESC, id
LIMIT $2`, creatorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Room{}
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) CountByCreator(ctx context.Context, creatorID string) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM groups WHERE creator_id = $1", creatorID).Scan(&n)
	return n, err
}

func (db *DB) GetKey(ctx context.Context, id string) ([]byte, string, error) {
	var key []byte
	var digest string
	err := db.Pool.QueryRow(ctx, "SELECT key, key_digest FROM groups WHERE id = $1", id).Scan(&key, &digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", domain.ErrNotFound
	}
	return key, digest, err
}
