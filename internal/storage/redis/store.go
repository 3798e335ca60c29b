// Package redis is a GroupStore on Redis. Each room is a hash; a per-creator
// sorted set (scored by creation time) backs quota counting and listing, and a
// global set enumerates rooms for the sweep. Every multi-key mutation runs as a
// Lua script so it is atomic on the server.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"example.com/groups/internal/domain"
)

const allGroupsKey = "groups:all"

func groupKey(id string) string { return "group:" + id }

func creatorKey(creatorID string) string { return "groups:creator:" + creatorID }

const (
	fieldName        = "name"
	fieldTags        = "tags"
	fieldKey         = "key"
	fieldKeyDigest   = "key_digest"
	fieldCreatorID   = "creator_id"
	fieldActiveUsers = "active_user_count"
	fieldCreatedAt   = "created_at"
	fieldLastActive  = "last_active_at"
)

var insertScript = goredis.NewScript(`
if redis.call('ZCARD', KEYS[2]) >= tonumber(ARGV[1]) then return 0 end
if redis.call('EXISTS', KEYS[1]) == 1 then return -1 end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
return 1
`)

var adjustScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local n = redis.call('HINCRBY', KEYS[1], 'active_user_count', ARGV[1])
if n < 0 then
  redis.call('HSET', KEYS[1], 'active_user_count', 0)
  n = 0
end
local last = tonumber(redis.call('HGET', KEYS[1], 'last_active_at'))
if tonumber(ARGV[2]) > last then
  redis.call('HSET', KEYS[1], 'last_active_at', ARGV[2])
end
return n
`)

var touchScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local last = tonumber(redis.call('HGET', KEYS[1], 'last_active_at'))
local at = tonumber(ARGV[1])
if at > last then
  redis.call('HSET', KEYS[1], 'last_active_at', ARGV[1])
  last = at
end
return last
`)

// deleteScript removes a room if it still matches mode at execution time.
var deleteScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[3], ARGV[1])
  return 0
end
local mode = ARGV[2]
if mode ~= 'any' then
  local n = tonumber(redis.call('HGET', KEYS[1], 'active_user_count'))
  if mode == 'empty' then
    if n > 0 then return 0 end
  elseif mode == 'inactive' then
    local last = tonumber(redis.call('HGET', KEYS[1], 'last_active_at'))
    if n ~= 1 or last >= tonumber(ARGV[3]) then return 0 end
  else
    return redis.error_reply('unknown delete mode')
  end
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
return 1
`)

const (
	modeAny      = "any"
	modeEmpty    = "empty"
	modeInactive = "inactive"
)

type Store struct {
	client *goredis.Client
}

// Connect parses redisURL and verifies the connection.
func Connect(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: client}, nil
}

// New wraps an existing client.
func New(client *goredis.Client) *Store { return &Store{client: client} }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Insert(ctx context.Context, room domain.Room, maxPerCreator int) (domain.Room, error) {
	room.CreatedAt = toMillis(room.CreatedAt)
	room.LastActiveAt = toMillis(room.LastActiveAt)
	if room.Tags == nil {
		room.Tags = []string{}
	}
	tags, err := json.Marshal(room.Tags)
	if err != nil {
		return domain.Room{}, fmt.Errorf("encode tags: %w", err)
	}

	created := strconv.FormatInt(room.CreatedAt.UnixMilli(), 10)
	args := []any{
		maxPerCreator, room.ID, created,
		fieldName, room.Name,
		fieldTags, string(tags),
		fieldKey, room.PublicKey,
		fieldKeyDigest, room.KeyDigest,
		fieldCreatorID, room.CreatorID,
		fieldActiveUsers, room.ActiveUserCount,
		fieldCreatedAt, created,
		fieldLastActive, strconv.FormatInt(room.LastActiveAt.UnixMilli(), 10),
	}
	keys := []string{groupKey(room.ID), creatorKey(room.CreatorID), allGroupsKey}
	res, err := insertScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return domain.Room{}, fmt.Errorf("insert script: %w", err)
	}
	switch res {
	case 0:
		return domain.Room{}, domain.ErrQuotaExceeded
	case -1:
		return domain.Room{}, fmt.Errorf("insert: group id %s already exists", room.ID)
	}
	return room, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Room, error) {
	fields, err := s.client.HGetAll(ctx, groupKey(id)).Result()
	if err != nil {
		return domain.Room{}, err
	}
	if len(fields) == 0 {
		return domain.Room{}, domain.ErrNotFound
	}
	return decodeRoom(id, fields)
}

func (s *Store) ListByCreator(ctx context.Context, creatorID string, limit int) ([]domain.Room, error) {
	ids, err := s.client.ZRevRange(ctx, creatorKey(creatorID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, groupKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pipeline: %w", err)
	}
	out := make([]domain.Room, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// deleted between the range and the fetch
			continue
		}
		r, err := decodeRoom(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) CountByCreator(ctx context.Context, creatorID string) (int, error) {
	n, err := s.client.ZCard(ctx, creatorKey(creatorID)).Result()
	return int(n), err
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	return s.deleteIf(ctx, id, modeAny, 0)
}

func (s *Store) deleteIf(ctx context.Context, id, mode string, cutoffMillis int64) (bool, error) {
	creatorID, err := s.client.HGet(ctx, groupKey(id), fieldCreatorID).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	keys := []string{groupKey(id), creatorKey(creatorID), allGroupsKey}
	n, err := deleteScript.Run(ctx, s.client, keys, id, mode, cutoffMillis).Int()
	if err != nil {
		return false, fmt.Errorf("delete script: %w", err)
	}
	return n == 1, nil
}

func (s *Store) AdjustPresence(ctx context.Context, id string, delta int, at time.Time) (int, error) {
	n, err := adjustScript.Run(ctx, s.client, []string{groupKey(id)}, delta, toMillis(at).UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("presence script: %w", err)
	}
	if n < 0 {
		return 0, domain.ErrNotFound
	}
	return n, nil
}

func (s *Store) Touch(ctx context.Context, id string, at time.Time) (time.Time, error) {
	ms, err := touchScript.Run(ctx, s.client, []string{groupKey(id)}, toMillis(at).UnixMilli()).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("touch script: %w", err)
	}
	if ms < 0 {
		return time.Time{}, domain.ErrNotFound
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *Store) GetKey(ctx context.Context, id string) ([]byte, string, error) {
	vals, err := s.client.HMGet(ctx, groupKey(id), fieldKey, fieldKeyDigest).Result()
	if err != nil {
		return nil, "", err
	}
	if vals[0] == nil && vals[1] == nil {
		return nil, "", domain.ErrNotFound
	}
	key, _ := vals[0].(string)
	digest, _ := vals[1].(string)
	return []byte(key), digest, nil
}

func (s *Store) DeleteEmpty(ctx context.Context) ([]string, error) {
	return s.sweep(ctx, modeEmpty, 0)
}

func (s *Store) DeleteInactive(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.sweep(ctx, modeInactive, toMillis(cutoff).UnixMilli())
}

// sweep walks the room set one SSCAN page at a time. Each page costs one
// pipelined read to prefilter and one pipelined batch of delete scripts, which
// re-check the predicate atomically. Rooms deleted before an error are still
// reported.
func (s *Store) sweep(ctx context.Context, mode string, cutoffMillis int64) ([]string, error) {
	deleted := []string{}
	var cursor uint64
	for {
		ids, next, err := s.client.SScan(ctx, allGroupsKey, cursor, "", sweepPageSize).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan groups: %w", err)
		}
		removed, err := s.sweepPage(ctx, ids, mode, cutoffMillis)
		deleted = append(deleted, removed...)
		if err != nil {
			return deleted, err
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

const sweepPageSize = 200

func (s *Store) sweepPage(ctx context.Context, ids []string, mode string, cutoffMillis int64) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	reads := make([]*goredis.SliceCmd, len(ids))
	if _, err := s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, id := range ids {
			reads[i] = p.HMGet(ctx, groupKey(id), fieldActiveUsers, fieldLastActive, fieldCreatorID)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sweep read: %w", err)
	}

	var dangling []any
	type candidate struct{ id, creatorID string }
	var candidates []candidate
	for i, cmd := range reads {
		vals := cmd.Val()
		if len(vals) < 3 || vals[0] == nil {
			// deleted since the scan cursor passed it
			dangling = append(dangling, ids[i])
			continue
		}
		countStr, _ := vals[0].(string)
		lastStr, _ := vals[1].(string)
		creatorID, _ := vals[2].(string)
		count, _ := strconv.Atoi(countStr)
		last, _ := strconv.ParseInt(lastStr, 10, 64)
		if matches(mode, count, last, cutoffMillis) {
			candidates = append(candidates, candidate{ids[i], creatorID})
		}
	}
	if len(dangling) > 0 {
		if err := s.client.SRem(ctx, allGroupsKey, dangling...).Err(); err != nil {
			return nil, fmt.Errorf("drop dangling ids: %w", err)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	dels := make([]*goredis.Cmd, len(candidates))
	_, err := s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, c := range candidates {
			keys := []string{groupKey(c.id), creatorKey(c.creatorID), allGroupsKey}
			dels[i] = deleteScript.Eval(ctx, p, keys, c.id, mode, cutoffMillis)
		}
		return nil
	})
	var removed []string
	for i, cmd := range dels {
		if n, cerr := cmd.Int(); cerr == nil && n == 1 {
			removed = append(removed, candidates[i].id)
		}
	}
	if err != nil {
		return removed, fmt.Errorf("delete script: %w", err)
	}
	return removed, nil
}

func matches(mode string, count int, lastMillis, cutoffMillis int64) bool {
	switch mode {
	case modeEmpty:
		return count <= 0
	case modeInactive:
		return count == domain.AbandonedPresenceMax && lastMillis < cutoffMillis
	}
	return false
}

func decodeRoom(id string, f map[string]string) (domain.Room, error) {
	r := domain.Room{
		ID:        id,
		Name:      f[fieldName],
		PublicKey: []byte(f[fieldKey]),
		KeyDigest: f[fieldKeyDigest],
		CreatorID: f[fieldCreatorID],
	}
	if err := json.Unmarshal([]byte(f[fieldTags]), &r.Tags); err != nil {
		return domain.Room{}, fmt.Errorf("decode tags of %s: %w", id, err)
	}
	var err error
	if r.ActiveUserCount, err = strconv.Atoi(f[fieldActiveUsers]); err != nil {
		return domain.Room{}, fmt.Errorf("decode count of %s: %w", id, err)
	}
	created, err := strconv.ParseInt(f[fieldCreatedAt], 10, 64)
	if err != nil {
		return domain.Room{}, fmt.Errorf("decode created_at of %s: %w", id, err)
	}
	last, err := strconv.ParseInt(f[fieldLastActive], 10, 64)
	if err != nil {
		return domain.Room{}, fmt.Errorf("decode last_active_at of %s: %w", id, err)
	}
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.LastActiveAt = time.UnixMilli(last).UTC()
	return r, nil
}

func toMillis(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }
