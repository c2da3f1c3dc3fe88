package memory

import (
	"context"
	"sync"

	"liveroom/internal/domain"
)

// SessionStore keeps score events and the latest snapshot per room in process memory. It is the
// persistence gateway when no external store is configured.
type SessionStore struct {
	mu        sync.RWMutex
	events    map[string][]RecordedEvent
	snapshots map[string]domain.RoomSnapshot
}

// RecordedEvent is a score event with the participant it belongs to.
type RecordedEvent struct {
	ParticipantID string
	Event         domain.ScoreEvent
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		events:    make(map[string][]RecordedEvent),
		snapshots: make(map[string]domain.RoomSnapshot),
	}
}

func (s *SessionStore) AppendScoreEvent(_ context.Context, roomID, participantID string, event domain.ScoreEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[roomID] = append(s.events[roomID], RecordedEvent{ParticipantID: participantID, Event: event})
	return nil
}

// SnapshotRoom keeps the newest snapshot; an older one arriving late is ignored.
func (s *SessionStore) SnapshotRoom(_ context.Context, roomID string, snapshot domain.RoomSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.snapshots[roomID]; ok && prev.TakenAt.After(snapshot.TakenAt) {
		return nil
	}
	s.snapshots[roomID] = snapshot
	return nil
}

// Events returns the score events recorded for a room in arrival order.
func (s *SessionStore) Events(roomID string) []RecordedEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RecordedEvent(nil), s.events[roomID]...)
}

// Snapshot returns the latest snapshot of a room.
func (s *SessionStore) Snapshot(roomID string) (domain.RoomSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[roomID]
	return snap, ok
}
