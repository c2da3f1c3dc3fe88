package app

import (
	"context"

	"liveroom/internal/domain"
)

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// IdentityClaim is what a connection presents when joining.
type IdentityClaim struct {
	Token       string
	DisplayName string
}

// Identity is the resolved role and stable id of a caller. Token is set when the gateway minted a
// fresh identity the caller must present to reconnect as the same participant.
type Identity struct {
	Role     domain.Role
	StableID string
	Token    string
}

// IdentityGateway resolves a join claim to a controller or participant identity.
type IdentityGateway interface {
	ResolveIdentity(ctx context.Context, claim IdentityClaim) (Identity, error)
}

// PersistenceGateway is the durable store for score events and room snapshots.
type PersistenceGateway interface {
	AppendScoreEvent(ctx context.Context, roomID, participantID string, event domain.ScoreEvent) error
	SnapshotRoom(ctx context.Context, roomID string, snapshot domain.RoomSnapshot) error
}

// Recorder is the fire-and-forget side of persistence used by rooms. Calls must not block.
type Recorder interface {
	RecordScore(roomID, participantID string, event domain.ScoreEvent)
	RecordSnapshot(roomID string, snapshot domain.RoomSnapshot)
}
