package sessions

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "personalagent:session-owner:"

// claimScript makes Claim atomic across concurrent connections: it
// either sets the key if absent, confirms an existing value matches
// deviceID, or reports a conflict — all inside one Redis-side
// evaluation, the same guarantee MemoryStore gets for free from its
// mutex.
const claimScript = `
local current = redis.call("GET", KEYS[1])
if current == false then
  redis.call("SET", KEYS[1], ARGV[1])
  return 1
end
if current == ARGV[1] then
  return 1
end
return 0
`

// RedisStore is grounded on ssrok's internal/session/redis_store.go:
// same client construction and go-redis/v9 usage, reduced to the single
// ownership mapping this registry needs (no per-session TTL — a claimed
// session lives until Release, not until it expires).
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
	log    *slog.Logger
	script *redis.Script
}

// NewRedisStore dials host:port and pings it before returning.
func NewRedisStore(host, port, username, password string, log *slog.Logger) (*RedisStore, error) {
	if log == nil {
		log = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     host + ":" + port,
		Username: username,
		Password: password,
		DB:       0,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{
		client: client,
		ctx:    ctx,
		log:    log,
		script: redis.NewScript(claimScript),
	}, nil
}

func (st *RedisStore) Claim(sessionID, deviceID string) error {
	key := redisKeyPrefix + sessionID
	ok, err := st.script.Run(st.ctx, st.client, []string{key}, deviceID).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrClaimedByOther
	}
	return nil
}

func (st *RedisStore) Owner(sessionID string) (string, bool) {
	val, err := st.client.Get(st.ctx, redisKeyPrefix+sessionID).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (st *RedisStore) Release(sessionID string) {
	if err := st.client.Del(st.ctx, redisKeyPrefix+sessionID).Err(); err != nil {
		st.log.Warn("release session failed", "session_id", sessionID, "error", err)
	}
}

func (st *RedisStore) SessionsOwnedBy(deviceID string) []string {
	var out []string
	iter := st.client.Scan(st.ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(st.ctx) {
		key := iter.Val()
		owner, err := st.client.Get(st.ctx, key).Result()
		if err != nil {
			continue
		}
		if owner == deviceID {
			out = append(out, key[len(redisKeyPrefix):])
		}
	}
	if err := iter.Err(); err != nil {
		st.log.Warn("scan for owned sessions failed", "error", err)
	}
	return out
}

func (st *RedisStore) Close() error {
	return st.client.Close()
}
