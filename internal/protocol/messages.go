package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	"liveroom/internal/domain"
)

// Client to server message types.
const (
	TypeJoin           = "join"
	TypeStart          = "start"
	TypeAnswer         = "answer"
	TypeAdvance        = "advance_question"
	TypeGetStatus      = "get_status"
	TypeGetResults     = "get_results"
	TypeUpdateSettings = "update_settings"
	TypeKick           = "kick"
	TypeEndSession     = "end_session"
	TypeSetMode        = "set_mode"
	TypeAnnounce       = "announce"
	TypeLock           = "lock"
	TypeUnlock         = "unlock"
	TypeTimerStart     = "timer_start"
	TypeTimerPause     = "timer_pause"
	TypeTimerStop      = "timer_stop"
)

// Server to client message types.
const (
	TypeJoinSuccess     = "join_success"
	TypeError           = "error"
	TypeRoomStateUpdate = "room_state_update"
	TypeNewQuestion     = "new_question"
	TypeAnswerResult    = "answer_result"
	TypeTimerUpdate     = "timer_update"
	TypeGameFinished    = "game_finished"
	TypeAnnouncement    = "announcement"
	TypeKicked          = "kicked"
	TypeStatus          = "status"
	TypeResults         = "results"
)

const (
	maxDisplayName  = 40
	maxAnnouncement = 2000
	maxTitle        = 120
)

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound is a server message ready to be encoded.
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Inbound is implemented by every client message variant.
type Inbound interface {
	MessageType() string
}

type (
	Join struct {
		Code        string `json:"code"`
		DisplayName string `json:"displayName"`
		Token       string `json:"token,omitempty"`
	}
	Start      struct{}
	Advance    struct{}
	GetStatus  struct{}
	GetResults struct{}
	EndSession struct{}
	Lock       struct{}
	Unlock     struct{}

	Answer struct {
		QuestionIndex *int                 `json:"questionIndex,omitempty"`
		Payload       domain.AnswerPayload `json:"payload"`
		TimeUsedMs    int64                `json:"timeUsedMs"`
	}
	UpdateSettings struct {
		LateJoin *bool   `json:"lateJoin,omitempty"`
		Title    *string `json:"title,omitempty"`
	}
	Kick struct {
		ParticipantID string `json:"participantId"`
	}
	SetMode struct {
		Mode domain.Mode `json:"mode"`
	}
	Announce struct {
		Text           string   `json:"text"`
		ParticipantIDs []string `json:"participantIds,omitempty"`
	}
	TimerStart struct {
		TimerID             string           `json:"timerId,omitempty"`
		Kind                domain.TimerKind `json:"kind,omitempty"`
		DurationMs          int64            `json:"durationMs,omitempty"`
		WarningThresholdsMs []int64          `json:"warningThresholdsMs,omitempty"`
	}
	TimerPause struct {
		TimerID string `json:"timerId"`
	}
	TimerStop struct {
		TimerID string `json:"timerId"`
	}
)

func (Join) MessageType() string           { return TypeJoin }
func (Start) MessageType() string          { return TypeStart }
func (Answer) MessageType() string         { return TypeAnswer }
func (Advance) MessageType() string        { return TypeAdvance }
func (GetStatus) MessageType() string      { return TypeGetStatus }
func (GetResults) MessageType() string     { return TypeGetResults }
func (UpdateSettings) MessageType() string { return TypeUpdateSettings }
func (Kick) MessageType() string           { return TypeKick }
func (EndSession) MessageType() string     { return TypeEndSession }
func (SetMode) MessageType() string        { return TypeSetMode }
func (Announce) MessageType() string       { return TypeAnnounce }
func (Lock) MessageType() string           { return TypeLock }
func (Unlock) MessageType() string         { return TypeUnlock }
func (TimerStart) MessageType() string     { return TypeTimerStart }
func (TimerPause) MessageType() string     { return TypeTimerPause }
func (TimerStop) MessageType() string      { return TypeTimerStop }

// Decode parses a raw frame into one of the closed set of inbound variants and validates it. The
// returned value is always a pointer (*Join, *Answer, ...). Anything that does not match a known type
// and schema is rejected here, before it reaches a room.
func Decode(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, domain.Validation("message is not a valid JSON envelope")
	}

	var msg Inbound
	switch env.Type {
	case TypeJoin:
		msg = &Join{}
	case TypeStart:
		msg = &Start{}
	case TypeAnswer:
		msg = &Answer{}
	case TypeAdvance:
		msg = &Advance{}
	case TypeGetStatus:
		msg = &GetStatus{}
	case TypeGetResults:
		msg = &GetResults{}
	case TypeUpdateSettings:
		msg = &UpdateSettings{}
	case TypeKick:
		msg = &Kick{}
	case TypeEndSession:
		msg = &EndSession{}
	case TypeSetMode:
		msg = &SetMode{}
	case TypeAnnounce:
		msg = &Announce{}
	case TypeLock:
		msg = &Lock{}
	case TypeUnlock:
		msg = &Unlock{}
	case TypeTimerStart:
		msg = &TimerStart{}
	case TypeTimerPause:
		msg = &TimerPause{}
	case TypeTimerStop:
		msg = &TimerStop{}
	default:
		return nil, domain.ErrUnknownMessageType
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		dec := json.NewDecoder(bytes.NewReader(env.Data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(msg); err != nil {
			return nil, domain.Validation("invalid " + env.Type + " payload")
		}
	}

	if v, ok := msg.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (m *Join) validate() error {
	m.Code = strings.TrimSpace(m.Code)
	m.DisplayName = strings.TrimSpace(m.DisplayName)
	if m.Code == "" {
		return domain.Validation("join requires a room code")
	}
	if len([]rune(m.DisplayName)) > maxDisplayName {
		return domain.Validation("display name is too long")
	}
	return nil
}

func (m *Answer) validate() error {
	if m.TimeUsedMs < 0 {
		return domain.Validation("timeUsedMs must not be negative")
	}
	p := m.Payload
	if p.OptionID == "" && len(p.OptionIDs) == 0 && strings.TrimSpace(p.Text) == "" {
		return domain.Validation("answer payload is empty")
	}
	return nil
}

func (m *UpdateSettings) validate() error {
	if m.LateJoin == nil && m.Title == nil {
		return domain.Validation("update_settings needs at least one setting")
	}
	if m.Title != nil && len([]rune(*m.Title)) > maxTitle {
		return domain.Validation("title is too long")
	}
	return nil
}

func (m *Kick) validate() error {
	if m.ParticipantID == "" {
		return domain.Validation("kick requires participantId")
	}
	return nil
}

func (m *SetMode) validate() error {
	if !m.Mode.Settable() {
		return domain.Validation("mode must be one of presentation, discussion, break")
	}
	return nil
}

func (m *Announce) validate() error {
	m.Text = strings.TrimSpace(m.Text)
	if m.Text == "" {
		return domain.Validation("announcement text is empty")
	}
	if len([]rune(m.Text)) > maxAnnouncement {
		return domain.Validation("announcement is too long")
	}
	return nil
}

func (m *TimerStart) validate() error {
	if m.TimerID != "" {
		return nil
	}
	switch m.Kind {
	case domain.TimerCountdown:
		if m.DurationMs <= 0 {
			return domain.Validation("countdown timers need a positive durationMs")
		}
	case domain.TimerStopwatch:
		if m.DurationMs != 0 {
			return domain.Validation("stopwatch timers take no duration")
		}
	default:
		return domain.Validation("timer kind must be countdown or stopwatch")
	}
	for _, th := range m.WarningThresholdsMs {
		if th <= 0 {
			return domain.Validation("warning thresholds must be positive")
		}
	}
	return nil
}

func (m *TimerPause) validate() error {
	if m.TimerID == "" {
		return domain.Validation("timer_pause requires timerId")
	}
	return nil
}

func (m *TimerStop) validate() error {
	if m.TimerID == "" {
		return domain.Validation("timer_stop requires timerId")
	}
	return nil
}
