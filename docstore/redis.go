package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/commercelab/spikes"
)

// RedisStore keeps materialized documents as JSON values keyed by
// "{prefix}{aggregate_id}". Documents never expire; deletes are explicit.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore builds a RedisStore over the given client. keyPrefix
// namespaces the documents (e.g. "doc:product:").
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisStore) key(id string) string {
	return s.keyPrefix + id
}

// Get fetches the document; found=false when the key is absent.
func (s *RedisStore) Get(ctx context.Context, id string) (bool, spikes.Document, error) {
	var doc spikes.Document
	payload, err := s.client.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return false, doc, nil
	}
	if err != nil {
		return false, doc, spikes.MarkTransient(fmt.Errorf("reading document %s: %w", id, err))
	}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return false, doc, fmt.Errorf("unmarshaling document %s: %w", id, err)
	}
	return true, doc, nil
}

// Upsert writes the document, fully replacing any prior value.
func (s *RedisStore) Upsert(ctx context.Context, doc spikes.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document %s: %w", doc.ID, err)
	}
	if err := s.client.Set(ctx, s.key(doc.ID), payload, 0).Err(); err != nil {
		return spikes.MarkTransient(fmt.Errorf("writing document %s: %w", doc.ID, err))
	}
	return nil
}

// Delete removes the document; deleting an absent key is a no-op.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return spikes.MarkTransient(fmt.Errorf("deleting document %s: %w", id, err))
	}
	return nil
}
