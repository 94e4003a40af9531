package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"

	"chatstate/internal/models"
	"chatstate/internal/redis"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "chatstate:"

// saveScript writes the snapshot only when it is not older than the stored one.
var saveScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'snapshot', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`)

// Redis keeps each session in a hash and tracks ids in a set. Every write is
// announced on a pub/sub channel so other instances can reload.
type Redis struct {
	client *redis.Client
	prefix string
	// instance tags published invalidations so a watcher skips its own.
	instance string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix, instance: uuid.NewString()}
}

func (r *Redis) channel() string {
	return r.prefix + "invalidate"
}

func (r *Redis) sessionKey(id string) string {
	return fmt.Sprintf("%ssession:%s", r.prefix, id)
}

func (r *Redis) indexKey() string {
	return r.prefix + "sessions"
}

func (r *Redis) globalKey() string {
	return r.prefix + "global"
}

func (r *Redis) Load(ctx context.Context, id string) (*models.StoredSession, error) {
	raw, err := r.client.HGet(ctx, r.sessionKey(id), "snapshot")
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return decodeSnapshot([]byte(raw))
}

func (r *Redis) Save(ctx context.Context, s *models.StoredSession) error {
	data, err := encodeSnapshot(s)
	if err != nil {
		return err
	}
	keys := []string{r.sessionKey(s.ID), r.indexKey()}
	res, err := r.client.RunScript(ctx, saveScript, keys, s.Seq, string(data), s.ID)
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	if n, ok := res.(int64); ok && n == 1 {
		r.publish(ctx, Invalidation{Scope: ScopeSession, SessionID: s.ID})
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, id string) error {
	if err := r.client.RemoveMember(ctx, r.sessionKey(id), r.indexKey(), id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	r.publish(ctx, Invalidation{Scope: ScopeRemoved, SessionID: id})
	return nil
}

func (r *Redis) ListIDs(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Redis) LoadGlobal(ctx context.Context) (json.RawMessage, error) {
	raw, err := r.client.Get(ctx, r.globalKey())
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load global settings: %w", err)
	}
	return json.RawMessage(raw), nil
}

func (r *Redis) SaveGlobal(ctx context.Context, raw json.RawMessage) error {
	if err := r.client.Set(ctx, r.globalKey(), string(raw)); err != nil {
		return fmt.Errorf("save global settings: %w", err)
	}
	r.publish(ctx, Invalidation{Scope: ScopeGlobal})
	return nil
}

// publish broadcasts inv. The write already succeeded, so failures are only logged.
func (r *Redis) publish(ctx context.Context, inv Invalidation) {
	inv.Source = r.instance
	payload, err := json.Marshal(inv)
	if err != nil {
		log.Printf("redis invalidation marshal failed: %v", err)
		return
	}
	if err := r.client.Publish(ctx, r.channel(), payload); err != nil {
		log.Printf("redis publish invalidation failed: %v", err)
	}
}

// Watch subscribes to invalidations from other instances.
func (r *Redis) Watch(ctx context.Context, fn func(Invalidation)) error {
	pubsub, err := r.client.Subscribe(ctx, r.channel())
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel(), err)
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv Invalidation
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					log.Printf("redis invalidation decode failed: %v", err)
					continue
				}
				if inv.Source == r.instance {
					continue
				}
				fn(inv)
			}
		}
	}()
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
