package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/campustrack/internal/presence"
)

const defaultRedisPrefix = "presence:"

// RedisStore keeps one hash per driver. Field values are JSON encoded so
// nested position objects from older writers survive the round trip. Active
// documents are indexed in a set maintained in the same transaction as the
// hash write, and every write is announced on a pub/sub channel.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore constructs a Redis-backed store. An empty prefix selects the
// default key namespace.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) docKey(id string) string { return r.prefix + "driver:" + id }
func (r *RedisStore) allKey() string          { return r.prefix + "drivers" }
func (r *RedisStore) activeKey() string       { return r.prefix + "active" }
func (r *RedisStore) channel() string         { return r.prefix + "changes" }

// Merge writes the given fields and updates the active index.
func (r *RedisStore) Merge(ctx context.Context, id string, data map[string]any) error {
	if r == nil || r.client == nil {
		return errors.New("redis store not configured")
	}
	if id == "" {
		return errors.New("document id is required")
	}
	values := make([]any, 0, len(data)*2)
	for k, v := range data {
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode field %s: %w", k, err)
		}
		values = append(values, k, string(encoded))
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(values) > 0 {
			pipe.HSet(ctx, r.docKey(id), values...)
		}
		pipe.SAdd(ctx, r.allKey(), id)
		if active, ok := data[presence.FieldIsActive].(bool); ok {
			if active {
				pipe.SAdd(ctx, r.activeKey(), id)
			} else {
				pipe.SRem(ctx, r.activeKey(), id)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis merge %s: %w", id, err)
	}
	if err := r.client.Publish(ctx, r.channel(), id).Err(); err != nil {
		return fmt.Errorf("redis publish change: %w", err)
	}
	return nil
}

// Get reads a single document.
func (r *RedisStore) Get(ctx context.Context, id string) (presence.Document, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.docKey(id)).Result()
	if err != nil {
		return presence.Document{}, false, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return presence.Document{}, false, nil
	}
	return presence.Document{ID: id, Data: decodeFields(fields)}, true, nil
}

// All returns every known document ordered by id.
func (r *RedisStore) All(ctx context.Context) ([]presence.Document, error) {
	return r.load(ctx, r.allKey())
}

// QueryActive returns documents in the active index ordered by id.
func (r *RedisStore) QueryActive(ctx context.Context) ([]presence.Document, error) {
	return r.load(ctx, r.activeKey())
}

func (r *RedisStore) load(ctx context.Context, indexKey string) ([]presence.Document, error) {
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(ids) == 0 {
		return []presence.Document{}, nil
	}
	sort.Strings(ids)
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.docKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis load documents: %w", err)
	}
	docs := make([]presence.Document, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		docs = append(docs, presence.Document{ID: ids[i], Data: decodeFields(fields)})
	}
	return docs, nil
}

// Watch subscribes to the change channel.
func (r *RedisStore) Watch(ctx context.Context) (presence.ChangeStream, error) {
	sub := r.client.Subscribe(ctx, r.channel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	s := &redisStream{
		sub:     sub,
		changes: make(chan struct{}, 1),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
	go s.pump(ctx)
	return s, nil
}

func decodeFields(fields map[string]string) map[string]any {
	data := make(map[string]any, len(fields))
	for k, raw := range fields {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			// Written by a client that stored plain strings.
			v = raw
		}
		data[k] = v
	}
	return data
}

type redisStream struct {
	sub     *redis.PubSub
	changes chan struct{}
	errs    chan error
	closed  chan struct{}
	once    sync.Once
}

func (s *redisStream) pump(ctx context.Context) {
	defer close(s.changes)
	msgs := s.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.closed:
			return
		case _, ok := <-msgs:
			if !ok {
				select {
				case <-s.closed:
				default:
					s.errs <- errors.New("redis change subscription closed")
				}
				return
			}
			select {
			case s.changes <- struct{}{}:
			default:
			}
		}
	}
}

func (s *redisStream) Changes() <-chan struct{} { return s.changes }

func (s *redisStream) Errors() <-chan error { return s.errs }

func (s *redisStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.sub.Close()
	})
	return err
}
