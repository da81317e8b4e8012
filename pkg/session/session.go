package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hwwallet/pkg/models"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Store persists the send form draft of an account.
type Store interface {
	LoadDraft(ctx context.Context, key string) (models.SendFormState, bool, error)
	SaveDraft(ctx context.Context, key string, state models.SendFormState) error
	ClearDraft(ctx context.Context, key string) error
}

// DraftKey names the draft slot of an account.
func DraftKey(acc models.Account) string {
	return fmt.Sprintf("draft:%s:%s:%d", acc.DeviceState, acc.Network, acc.Index)
}

// MemoryStore keeps drafts in process memory. Entries expire after ttl.
type MemoryStore struct {
	c   *gocache.Cache
	ttl time.Duration
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	cleanup := ttl
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &MemoryStore{c: gocache.New(ttl, cleanup), ttl: ttl}
}

func (m *MemoryStore) LoadDraft(_ context.Context, key string) (models.SendFormState, bool, error) {
	val, found := m.c.Get(key)
	if !found {
		return models.SendFormState{}, false, nil
	}
	st, ok := val.(models.SendFormState)
	if !ok {
		return models.SendFormState{}, false, errors.Errorf("unexpected draft type %T", val)
	}
	return st.Clone(), true, nil
}

func (m *MemoryStore) SaveDraft(_ context.Context, key string, state models.SendFormState) error {
	m.c.Set(key, state.Clone(), gocache.DefaultExpiration)
	return nil
}

func (m *MemoryStore) ClearDraft(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

// RedisStore keeps drafts as JSON values in Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) LoadDraft(ctx context.Context, key string) (models.SendFormState, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return models.SendFormState{}, false, nil
	}
	if err != nil {
		return models.SendFormState{}, false, errors.Wrap(err, "load draft")
	}
	var st models.SendFormState
	if err := json.Unmarshal([]byte(val), &st); err != nil {
		return models.SendFormState{}, false, errors.Wrap(err, "decode draft")
	}
	return st, true, nil
}

func (r *RedisStore) SaveDraft(ctx context.Context, key string, state models.SendFormState) error {
	val, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encode draft")
	}
	return errors.Wrap(r.client.Set(ctx, key, val, r.ttl).Err(), "save draft")
}

func (r *RedisStore) ClearDraft(ctx context.Context, key string) error {
	return errors.Wrap(r.client.Del(ctx, key).Err(), "clear draft")
}
