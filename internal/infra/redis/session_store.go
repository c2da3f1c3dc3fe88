package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"liveroom/internal/domain"
)

// SessionStore persists room progress in Redis.
//
//	RPUSH room:{roomID}:events  <score event json>
//	HSET  room:{roomID}:scores  {participantID} {totalScore}
//	SET   room:{roomID}:snapshot <snapshot json>
//
// Every key carries the retention TTL, refreshed on each write.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// StoredEvent is the list entry written per accepted answer.
type StoredEvent struct {
	ParticipantID string            `json:"participantId"`
	Event         domain.ScoreEvent `json:"event"`
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

func (s *SessionStore) AppendScoreEvent(ctx context.Context, roomID, participantID string, event domain.ScoreEvent) error {
	raw, err := json.Marshal(StoredEvent{ParticipantID: participantID, Event: event})
	if err != nil {
		return fmt.Errorf("encode score event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, eventsKey(roomID), raw)
	pipe.HSet(ctx, scoresKey(roomID), participantID, event.TotalScore)
	if s.ttl > 0 {
		pipe.Expire(ctx, eventsKey(roomID), s.ttl)
		pipe.Expire(ctx, scoresKey(roomID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append score event: %w", err)
	}
	return nil
}

func (s *SessionStore) SnapshotRoom(ctx context.Context, roomID string, snapshot domain.RoomSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, snapshotKey(roomID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Events reads back the score events of a room in order.
func (s *SessionStore) Events(ctx context.Context, roomID string) ([]StoredEvent, error) {
	items, err := s.client.LRange(ctx, eventsKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read score events: %w", err)
	}
	out := make([]StoredEvent, 0, len(items))
	for _, item := range items {
		var ev StoredEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode score event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Snapshot reads the latest snapshot of a room.
func (s *SessionStore) Snapshot(ctx context.Context, roomID string) (domain.RoomSnapshot, bool, error) {
	raw, err := s.client.Get(ctx, snapshotKey(roomID)).Bytes()
	if isMiss(err) {
		return domain.RoomSnapshot{}, false, nil
	}
	if err != nil {
		return domain.RoomSnapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	var snap domain.RoomSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.RoomSnapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

func eventsKey(roomID string) string   { return "room:" + roomID + ":events" }
func scoresKey(roomID string) string   { return "room:" + roomID + ":scores" }
func snapshotKey(roomID string) string { return "room:" + roomID + ":snapshot" }

// isMiss reports whether err is a plain key miss.
func isMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}
