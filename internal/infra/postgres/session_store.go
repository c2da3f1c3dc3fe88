package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"liveroom/internal/domain"
)

// SessionStore writes score events and room snapshots to Postgres. Both writes are idempotent so
// retried jobs never duplicate rows.
type SessionStore struct {
	pool *pgxpool.Pool
}

func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

func (s *SessionStore) AppendScoreEvent(ctx context.Context, roomID, participantID string, ev domain.ScoreEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO score_events
			(room_id, participant_id, question_index, question_id, is_correct, points_awarded, time_used_ms, total_score, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (room_id, participant_id, question_index) DO NOTHING`,
		roomID, participantID, ev.QuestionIndex, ev.QuestionID, ev.IsCorrect, ev.PointsAwarded, ev.TimeUsedMs, ev.TotalScore, ev.SubmittedAt)
	if err != nil {
		return fmt.Errorf("insert score event: %w", err)
	}
	return nil
}

// SnapshotRoom upserts the latest snapshot; an older snapshot never overwrites a newer one.
func (s *SessionStore) SnapshotRoom(ctx context.Context, roomID string, snap domain.RoomSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO room_snapshots (room_id, join_code, status, data, taken_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id) DO UPDATE
			SET join_code = EXCLUDED.join_code, status = EXCLUDED.status, data = EXCLUDED.data, taken_at = EXCLUDED.taken_at
			WHERE room_snapshots.taken_at <= EXCLUDED.taken_at`,
		roomID, snap.Room.JoinCode, string(snap.Room.Status), raw, snap.TakenAt)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// ScoreEvents returns a room's events ordered by submission.
func (s *SessionStore) ScoreEvents(ctx context.Context, roomID string) ([]domain.ScoreEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT question_index, question_id, is_correct, points_awarded, time_used_ms, total_score, submitted_at
		FROM score_events WHERE room_id = $1 ORDER BY submitted_at, id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query score events: %w", err)
	}
	defer rows.Close()

	var out []domain.ScoreEvent
	for rows.Next() {
		var ev domain.ScoreEvent
		if err := rows.Scan(&ev.QuestionIndex, &ev.QuestionID, &ev.IsCorrect, &ev.PointsAwarded, &ev.TimeUsedMs, &ev.TotalScore, &ev.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan score event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Snapshot loads the stored snapshot of a room.
func (s *SessionStore) Snapshot(ctx context.Context, roomID string) (domain.RoomSnapshot, error) {
	var raw []byte
	if err := s.pool.QueryRow(ctx, `SELECT data FROM room_snapshots WHERE room_id = $1`, roomID).Scan(&raw); err != nil {
		return domain.RoomSnapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	var snap domain.RoomSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.RoomSnapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}
