package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/playcore/internal/session"
)

// DefaultKeyPrefix namespaces registry keys.
const DefaultKeyPrefix = "playcore"

var registerScript = redis.NewScript(`
	local key = KEYS[1]
	local active_key = KEYS[2]
	local data = ARGV[1]
	local ttl = tonumber(ARGV[2])
	local id = ARGV[3]
	local ok = redis.call('SET', key, data, 'PX', ttl, 'NX')
	if not ok then
		return 0
	end
	redis.call('SADD', active_key, id)
	return 1
`)

var listScript = redis.NewScript(`
	local active_key = KEYS[1]
	local prefix = ARGV[1]
	local active = redis.call('SMEMBERS', active_key)
	local result = {}
	local expired = {}

	for i, id in ipairs(active) do
		local entry = redis.call('GET', prefix .. id)
		if entry then
			table.insert(result, entry)
		else
			table.insert(expired, id)
		end
	end

	for i, id in ipairs(expired) do
		redis.call('SREM', active_key, id)
	end

	return result
`)

// RedisRegistry implements Registry on Redis. Each session is a JSON value
// under <prefix>:sessions:<id> with a TTL; <prefix>:sessions:active indexes
// them.
type RedisRegistry struct {
	client *redis.Client
	logger *logrus.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry creates a Redis-backed registry.
func NewRedisRegistry(client *redis.Client, logger *logrus.Logger, keyPrefix string, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisRegistry{
		client: client,
		logger: logger,
		prefix: keyPrefix + ":sessions:",
		ttl:    ttl,
	}
}

func (r *RedisRegistry) key(id string) string {
	return r.prefix + id
}

func (r *RedisRegistry) activeKey() string {
	return r.prefix + "active"
}

// Register adds a session. Re-registering a session this instance already
// owns keeps its creation time and refreshes the TTL.
func (r *RedisRegistry) Register(ctx context.Context, entry *Entry) error {
	key := r.key(entry.ID)
	existing, err := r.get(ctx, key)
	switch {
	case err == nil:
		if existing.Instance != entry.Instance {
			return fmt.Errorf("%w: %s is owned by %s", ErrSessionExists, entry.ID, existing.Instance)
		}
		entry.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrSessionNotFound):
		entry.CreatedAt = time.Now()
	default:
		return fmt.Errorf("failed to check existing session: %w", err)
	}
	entry.LastHeartbeat = time.Now()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if existing != nil {
		if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		if err := r.client.SAdd(ctx, r.activeKey(), entry.ID).Err(); err != nil {
			return fmt.Errorf("failed to index session: %w", err)
		}
		r.logger.WithField("session_id", entry.ID).Debug("Session re-registered")
		return nil
	}

	added, err := registerScript.Run(ctx, r.client,
		[]string{key, r.activeKey()},
		data, r.ttl.Milliseconds(), entry.ID).Int()
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}
	if added == 0 {
		return fmt.Errorf("%w: %s", ErrSessionExists, entry.ID)
	}

	r.logger.WithFields(logrus.Fields{
		"session_id": entry.ID,
		"instance":   entry.Instance,
		"dynamic":    entry.Snapshot.Dynamic,
	}).Info("Session registered")
	return nil
}

// Unregister removes a session from the registry.
func (r *RedisRegistry) Unregister(ctx context.Context, id string) error {
	deleted, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to unregister session: %w", err)
	}
	if err := r.client.SRem(ctx, r.activeKey(), id).Err(); err != nil {
		r.logger.Warnf("Failed to remove session %s from active set: %v", id, err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	r.logger.WithField("session_id", id).Info("Session unregistered")
	return nil
}

// Get retrieves a session by id.
func (r *RedisRegistry) Get(ctx context.Context, id string) (*Entry, error) {
	return r.get(ctx, r.key(id))
}

func (r *RedisRegistry) get(ctx context.Context, key string) (*Entry, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key[len(r.prefix):])
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &entry, nil
}

// List returns every live session and drops expired ids from the index.
func (r *RedisRegistry) List(ctx context.Context) ([]*Entry, error) {
	res, err := listScript.Run(ctx, r.client, []string{r.activeKey()}, r.prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type from script")
	}

	entries := make([]*Entry, 0, len(values))
	for _, val := range values {
		data, ok := val.(string)
		if !ok {
			r.logger.Warn("Invalid data type in result")
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			r.logger.WithError(err).Warn("Failed to unmarshal session")
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Heartbeat replaces the stored snapshot and extends the TTL. The update is
// an optimistic transaction on the session key.
func (r *RedisRegistry) Heartbeat(ctx context.Context, id string, snap session.Snapshot) error {
	key := r.key(id)
	update := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		if err != nil {
			return err
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		entry.Snapshot = snap
		entry.Status = StatusOf(snap)
		entry.LastHeartbeat = time.Now()

		updated, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, r.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := r.client.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			return fmt.Errorf("failed to update heartbeat: %w", err)
		}
		return err
	}
	return fmt.Errorf("failed to update heartbeat: %w", redis.TxFailedErr)
}

// Close closes the Redis client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
