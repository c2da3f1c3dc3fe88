package protocol

import (
	"time"

	"liveroom/internal/domain"
)

// ErrorData is the payload of an error message.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JoinSuccess confirms a binding to the joining connection.
type JoinSuccess struct {
	RoomID        string      `json:"roomId"`
	Code          string      `json:"code"`
	Role          domain.Role `json:"role"`
	ParticipantID string      `json:"participantId,omitempty"`
	RejoinToken   string      `json:"rejoinToken,omitempty"`
}

// ParticipantView is a roster row.
type ParticipantView struct {
	ID              string                 `json:"id"`
	DisplayName     string                 `json:"displayName"`
	Score           int                    `json:"score"`
	CorrectCount    int                    `json:"correctCount"`
	ConnectionState domain.ConnectionState `json:"connectionState"`
	JoinedAt        time.Time              `json:"joinedAt"`
}

// TimerView is the client-facing state of a timer.
type TimerView struct {
	TimerID     string             `json:"timerId"`
	Kind        domain.TimerKind   `json:"kind"`
	Status      domain.TimerStatus `json:"status"`
	ElapsedMs   int64              `json:"elapsedMs"`
	DurationMs  int64              `json:"durationMs,omitempty"`
	RemainingMs *int64             `json:"remainingMs,omitempty"`
	WarningMs   int64              `json:"warningMs,omitempty"`
}

// RoomState is broadcast as room_state_update and returned by get_status.
type RoomState struct {
	RoomID              string            `json:"roomId"`
	Code                string            `json:"code"`
	Kind                domain.RoomKind   `json:"kind"`
	Title               string            `json:"title,omitempty"`
	Status              domain.RoomStatus `json:"status"`
	Mode                domain.Mode       `json:"mode"`
	Locked              bool              `json:"locked"`
	LateJoin            bool              `json:"lateJoin"`
	QuestionIndex       int               `json:"questionIndex"`
	QuestionCount       int               `json:"questionCount"`
	ControllerConnected bool              `json:"controllerConnected"`
	Participants        []ParticipantView `json:"participants"`
	Timers              []TimerView       `json:"timers,omitempty"`
}

// Status answers get_status: the room view plus the active question, if any.
type Status struct {
	Room     RoomState    `json:"room"`
	Question *NewQuestion `json:"question,omitempty"`
}

// OptionView is an option without its correctness flag.
type OptionView struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// NewQuestion announces the active question. The correct answer spec is never included.
type NewQuestion struct {
	Index            int                 `json:"index"`
	Total            int                 `json:"total"`
	Type             domain.QuestionType `json:"type"`
	Prompt           string              `json:"prompt"`
	Options          []OptionView        `json:"options,omitempty"`
	TimeLimitSeconds int                 `json:"timeLimitSeconds"`
	Deadline         *time.Time          `json:"deadline,omitempty"`
	TimerID          string              `json:"timerId,omitempty"`
}

// AnswerResult is sent only to the submitting participant.
type AnswerResult struct {
	QuestionIndex int  `json:"questionIndex"`
	Correct       bool `json:"correct"`
	Awarded       int  `json:"awarded"`
	TotalScore    int  `json:"totalScore"`
	CorrectCount  int  `json:"correctCount"`
}

// GameFinished carries the final ranking.
type GameFinished struct {
	Ranking    []domain.RankingEntry `json:"ranking"`
	FinishedAt time.Time             `json:"finishedAt"`
}

// Results answers get_results.
type Results struct {
	Status  domain.RoomStatus     `json:"status"`
	Final   bool                  `json:"final"`
	Ranking []domain.RankingEntry `json:"ranking"`
}

// Announcement is a controller broadcast.
type Announcement struct {
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// Kicked tells a participant they were removed.
type Kicked struct {
	Reason string `json:"reason"`
}

// NewQuestionView builds the participant-safe view of q.
func NewQuestionView(index, total int, q domain.Question, deadline *time.Time, timerID string) NewQuestion {
	opts := make([]OptionView, 0, len(q.Options))
	for _, o := range q.Options {
		opts = append(opts, OptionView{ID: o.ID, Text: o.Text})
	}
	return NewQuestion{
		Index:            index,
		Total:            total,
		Type:             q.Type,
		Prompt:           q.Prompt,
		Options:          opts,
		TimeLimitSeconds: q.TimeLimitSeconds,
		Deadline:         deadline,
		TimerID:          timerID,
	}
}

// NewTimerView converts a timer into its wire view.
func NewTimerView(t domain.Timer) TimerView {
	v := TimerView{
		TimerID:    t.ID,
		Kind:       t.Kind,
		Status:     t.Status,
		ElapsedMs:  t.ElapsedMs,
		DurationMs: t.DurationMs,
	}
	if t.Kind.Counts() {
		rem := t.RemainingMs()
		v.RemainingMs = &rem
	}
	return v
}

// NewError builds an error frame for a connection with the given role.
func NewError(err error, role domain.Role) Outbound {
	e := domain.AsError(err)
	return Outbound{Type: TypeError, Data: ErrorData{Code: e.Code, Message: e.MessageFor(role)}}
}
