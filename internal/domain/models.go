package domain

import "time"

// RoomKind selects the flavour of session a room runs.
type RoomKind string

const (
	KindGame      RoomKind = "game"
	KindClassroom RoomKind = "classroom"
)

// RoomStatus is the coarse lifecycle state of a room.
type RoomStatus string

const (
	StatusWaiting  RoomStatus = "waiting"
	StatusActive   RoomStatus = "active"
	StatusFinished RoomStatus = "finished"
)

// Mode is what the room is currently showing participants.
type Mode string

const (
	ModeLobby        Mode = "lobby"
	ModeQuestion     Mode = "question"
	ModePresentation Mode = "presentation"
	ModeDiscussion   Mode = "discussion"
	ModeBreak        Mode = "break"
	ModeResults      Mode = "results"
)

// Settable reports whether a controller may switch a classroom into m directly.
func (m Mode) Settable() bool {
	switch m {
	case ModePresentation, ModeDiscussion, ModeBreak:
		return true
	}
	return false
}

// ConnectionState tracks whether a participant currently has a live connection.
type ConnectionState string

const (
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
)

// Role of a bound identity inside a room.
type Role string

const (
	RoleController  Role = "controller"
	RoleParticipant Role = "participant"
)

// Room is the persistent-facing description of a session. The live aggregate lives in app.RoomState.
type Room struct {
	ID           string     `json:"id"`
	JoinCode     string     `json:"joinCode"`
	ControllerID string     `json:"controllerId"`
	Kind         RoomKind   `json:"kind"`
	Title        string     `json:"title,omitempty"`
	Mode         Mode       `json:"mode"`
	Status       RoomStatus `json:"status"`
	Locked       bool       `json:"locked"`
	LateJoin     bool       `json:"lateJoin"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// RoomConfig is what a controller supplies when creating a room.
type RoomConfig struct {
	Kind      RoomKind   `json:"kind"`
	Title     string     `json:"title"`
	QuizID    string     `json:"quizId,omitempty"`
	Questions []Question `json:"questions,omitempty"`
	LateJoin  *bool      `json:"lateJoin,omitempty"`
}

// Participant represents a non-controller actor and their accumulated score.
type Participant struct {
	ID              string          `json:"id"`
	RoomID          string          `json:"roomId"`
	DisplayName     string          `json:"displayName"`
	Score           int             `json:"score"`
	CorrectCount    int             `json:"correctCount"`
	ConnectionState ConnectionState `json:"connectionState"`
	JoinedAt        time.Time       `json:"joinedAt"`
}

// QuestionType selects how an answer is compared against the correct answer spec.
type QuestionType string

const (
	QuestionSingle QuestionType = "single"
	QuestionMulti  QuestionType = "multi"
	QuestionText   QuestionType = "text"
)

// Option represents a possible answer for a choice question.
type Option struct {
	ID      string `json:"id" yaml:"id"`
	Text    string `json:"text" yaml:"text"`
	Correct bool   `json:"correct" yaml:"correct"`
}

// Question is one prompt of a quiz. For choice questions the correct answer spec is the set of
// options flagged Correct; for text questions it is Accepted.
type Question struct {
	ID               string       `json:"id" yaml:"id"`
	Type             QuestionType `json:"type" yaml:"type"`
	Prompt           string       `json:"prompt" yaml:"prompt"`
	Options          []Option     `json:"options,omitempty" yaml:"options,omitempty"`
	Accepted         []string     `json:"accepted,omitempty" yaml:"accepted,omitempty"`
	TimeLimitSeconds int          `json:"timeLimitSeconds" yaml:"timeLimitSeconds"`
	Points           int          `json:"points" yaml:"points"` // overrides the scoring baseline if > 0
}

// CorrectOptionIDs returns the ids of options flagged correct.
func (q Question) CorrectOptionIDs() []string {
	ids := make([]string, 0, 1)
	for _, opt := range q.Options {
		if opt.Correct {
			ids = append(ids, opt.ID)
		}
	}
	return ids
}

// Quiz is a collection of questions.
type Quiz struct {
	ID        string     `json:"id" yaml:"id"`
	Title     string     `json:"title,omitempty" yaml:"title,omitempty"`
	Questions []Question `json:"questions" yaml:"questions"`
}

// AnswerPayload is what a participant sends for a question.
type AnswerPayload struct {
	OptionID  string   `json:"optionId,omitempty"`
	OptionIDs []string `json:"optionIds,omitempty"`
	Text      string   `json:"text,omitempty"`
}

// AnswerSubmission is an accepted, frozen answer record.
type AnswerSubmission struct {
	ParticipantID string        `json:"participantId"`
	QuestionIndex int           `json:"questionIndex"`
	SubmittedAt   time.Time     `json:"submittedAt"`
	Payload       AnswerPayload `json:"payload"`
	TimeUsedMs    int64         `json:"timeUsedMs"`
	IsCorrect     bool          `json:"isCorrect"`
	PointsAwarded int           `json:"pointsAwarded"`
}

// ScoreEvent is appended to the Persistence Gateway for every accepted submission.
type ScoreEvent struct {
	QuestionIndex int       `json:"questionIndex"`
	QuestionID    string    `json:"questionId"`
	IsCorrect     bool      `json:"isCorrect"`
	PointsAwarded int       `json:"pointsAwarded"`
	TimeUsedMs    int64     `json:"timeUsedMs"`
	TotalScore    int       `json:"totalScore"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// RankingEntry is one row of a leaderboard.
type RankingEntry struct {
	Rank          int    `json:"rank"`
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Score         int    `json:"score"`
	CorrectCount  int    `json:"correctCount"`
}

// RoomSnapshot is the durable view of a room written to the Persistence Gateway.
type RoomSnapshot struct {
	Room          Room               `json:"room"`
	QuestionIndex int                `json:"questionIndex"`
	QuestionCount int                `json:"questionCount"`
	Participants  []Participant      `json:"participants"`
	Submissions   []AnswerSubmission `json:"submissions"`
	Ranking       []RankingEntry     `json:"ranking"`
	TakenAt       time.Time          `json:"takenAt"`
}

// TimerKind distinguishes what a timer drives.
type TimerKind string

const (
	TimerQuestion  TimerKind = "question"
	TimerCountdown TimerKind = "countdown"
	TimerStopwatch TimerKind = "stopwatch"
)

// Counts reports whether the timer has a duration and completes on its own.
func (k TimerKind) Counts() bool {
	return k == TimerQuestion || k == TimerCountdown
}

// TimerStatus is the state of a timer.
type TimerStatus string

const (
	TimerStopped   TimerStatus = "stopped"
	TimerRunning   TimerStatus = "running"
	TimerPaused    TimerStatus = "paused"
	TimerCompleted TimerStatus = "completed"
)

// Timer is a room-scoped countdown or stopwatch.
type Timer struct {
	ID                  string      `json:"id"`
	RoomID              string      `json:"roomId"`
	Kind                TimerKind   `json:"kind"`
	DurationMs          int64       `json:"durationMs,omitempty"`
	ElapsedMs           int64       `json:"elapsedMs"`
	Status              TimerStatus `json:"status"`
	WarningThresholdsMs []int64     `json:"warningThresholdsMs,omitempty"`
}

// RemainingMs returns the time left on a counting timer, never negative.
func (t Timer) RemainingMs() int64 {
	if !t.Kind.Counts() {
		return 0
	}
	if rem := t.DurationMs - t.ElapsedMs; rem > 0 {
		return rem
	}
	return 0
}
