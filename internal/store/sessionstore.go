package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/rekod/model"
)

// SessionRecordStore keeps records inside the submitting user's session
// instead of a shared table. Rows live in a Redis hash per session and
// entity and expire with the session TTL. The key format is
// "rekod:sess:{sessionId}:{entityId}", with one hash field per selector.
type SessionRecordStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// sessionRow is the stored value for one session-backed record.
type sessionRow struct {
	Fields  map[string]any `json:"fields"`
	Version int64          `json:"version"`
}

// NewSessionRecordStore creates a Redis-backed session record store.
func NewSessionRecordStore(client redis.Cmdable, ttl time.Duration) *SessionRecordStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionRecordStore{client: client, ttl: ttl}
}

// Get loads a session-backed row by selector.
func (s *SessionRecordStore) Get(ctx context.Context, def *model.EntityDefinition, selector string) (*model.Record, error) {
	key, err := s.key(ctx, def.ID)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.HGet(ctx, key, selector).Bytes()
	if err == redis.Nil {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("%s record %q not found in session", def.ID, selector),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget %q: %w", key, err)
	}

	var row sessionRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("unmarshal session record %q: %w", selector, err)
	}

	rec := model.NewRecord(def.ID, selector, row.Fields)
	rec.Version = row.Version
	return rec, nil
}

// Update persists the record back into the session hash with optimistic
// locking and refreshes the session TTL.
func (s *SessionRecordStore) Update(ctx context.Context, def *model.EntityDefinition, rec *model.Record) error {
	key, err := s.key(ctx, def.ID)
	if err != nil {
		return err
	}

	stored, err := s.Get(ctx, def, rec.Selector)
	if err != nil {
		return err
	}
	if stored.Version != rec.Version {
		return NewUserError("CONCURRENT_EDIT",
			fmt.Sprintf("%s record %q was modified in another window", def.ID, rec.Selector),
		)
	}

	merged := stored.Snapshot()
	for k, v := range scalarFields(rec) {
		merged[k] = v
	}

	row := sessionRow{Fields: merged, Version: rec.Version + 1}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal session record %q: %w", rec.Selector, err)
	}

	if err := s.client.HSet(ctx, key, rec.Selector, data).Err(); err != nil {
		return fmt.Errorf("redis hset %q: %w", key, err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %q: %w", key, err)
	}

	rec.Version = row.Version
	return nil
}

// Seed inserts a session-backed row directly. For tests and for flows that
// stage a row before the edit form is first rendered.
func (s *SessionRecordStore) Seed(ctx context.Context, entityID, selector string, fields map[string]any) error {
	key, err := s.key(ctx, entityID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(sessionRow{Fields: fields, Version: 1})
	if err != nil {
		return fmt.Errorf("marshal session record %q: %w", selector, err)
	}
	if err := s.client.HSet(ctx, key, selector, data).Err(); err != nil {
		return fmt.Errorf("redis hset %q: %w", key, err)
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

// Ping verifies Redis is reachable.
func (s *SessionRecordStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// key builds the session hash key from the request context. Session-backed
// rows are unreachable without an authenticated session.
func (s *SessionRecordStore) key(ctx context.Context, entityID string) (string, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil || rctx.SessionID == "" {
		return "", model.NewUnauthorizedError("session store requires a session")
	}
	return fmt.Sprintf("rekod:sess:%s:%s", rctx.SessionID, entityID), nil
}
