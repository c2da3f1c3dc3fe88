package app

import (
	"crypto/rand"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"liveroom/internal/domain"
)

const (
	defaultCodeLength  = 6
	defaultCodeRetries = 64
)

// RoomSettings is the validated input to CreateRoom.
type RoomSettings struct {
	Kind      domain.RoomKind
	Title     string
	Questions []domain.Question
	LateJoin  bool
}

type participantState struct {
	domain.Participant
	connID string // current connection binding, empty when disconnected
}

type submissionKey struct {
	participantID string
	questionIndex int
}

// RoomState is the authoritative in-memory aggregate of one room. It is only touched from the
// room's actor goroutine; the Store lock guards status and the code/id maps.
type RoomState struct {
	room      domain.Room
	questions []domain.Question

	questionIndex   int  // -1 until the first question activates
	questionClosed  bool // set when the controller leaves question mode
	questionTimerID string
	deadline        *time.Time

	participants map[string]*participantState
	kicked       map[string]struct{}
	submissions  []domain.AnswerSubmission
	answered     map[submissionKey]struct{}
	timers       []string

	controllerConnID string
	controllerLeft   time.Time
}

func newRoomState(room domain.Room, questions []domain.Question) *RoomState {
	return &RoomState{
		room:          room,
		questions:     questions,
		questionIndex: -1,
		participants:  make(map[string]*participantState),
		kicked:        make(map[string]struct{}),
		answered:      make(map[submissionKey]struct{}),
	}
}

// ID returns the room id, which never changes.
func (r *RoomState) ID() string { return r.room.ID }

// Room returns a copy of the room record.
func (r *RoomState) Room() domain.Room { return r.room }

// Participant returns a copy of a roster entry.
func (r *RoomState) Participant(id string) (domain.Participant, bool) {
	p, ok := r.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return p.Participant, true
}

// AddParticipant inserts a new roster entry.
func (r *RoomState) AddParticipant(p domain.Participant) {
	r.participants[p.ID] = &participantState{Participant: p}
}

// UpdateParticipant applies fn to a roster entry in place.
func (r *RoomState) UpdateParticipant(id string, fn func(*domain.Participant)) bool {
	p, ok := r.participants[id]
	if !ok {
		return false
	}
	fn(&p.Participant)
	return true
}

// RemoveParticipant drops a roster entry. Only a controller kick removes participants; disconnects
// never do. Accepted submissions stay in the log.
func (r *RoomState) RemoveParticipant(id string) bool {
	if _, ok := r.participants[id]; !ok {
		return false
	}
	delete(r.participants, id)
	r.kicked[id] = struct{}{}
	return true
}

// Participants returns the roster ordered by join time.
func (r *RoomState) Participants() []domain.Participant {
	list := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		list = append(list, p.Participant)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].JoinedAt.Before(list[j].JoinedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// ConnectedCount returns how many participants are connected.
func (r *RoomState) ConnectedCount() int {
	n := 0
	for _, p := range r.participants {
		if p.ConnectionState == domain.Connected {
			n++
		}
	}
	return n
}

// ActiveQuestion returns the current question if one is active.
func (r *RoomState) ActiveQuestion() (domain.Question, int, bool) {
	if r.room.Status != domain.StatusActive || r.questionClosed || r.questionIndex < 0 || r.questionIndex >= len(r.questions) {
		return domain.Question{}, -1, false
	}
	return r.questions[r.questionIndex], r.questionIndex, true
}

// HasAnswered reports whether a participant already has an accepted submission for idx.
func (r *RoomState) HasAnswered(participantID string, idx int) bool {
	_, ok := r.answered[submissionKey{participantID, idx}]
	return ok
}

// RecordSubmission appends an accepted submission and credits the participant in one step.
func (r *RoomState) RecordSubmission(sub domain.AnswerSubmission) (domain.Participant, error) {
	key := submissionKey{sub.ParticipantID, sub.QuestionIndex}
	if _, dup := r.answered[key]; dup {
		return domain.Participant{}, domain.ErrDuplicateSubmission
	}
	p, ok := r.participants[sub.ParticipantID]
	if !ok {
		return domain.Participant{}, domain.ErrNotParticipant
	}
	r.answered[key] = struct{}{}
	r.submissions = append(r.submissions, sub)
	p.Score += sub.PointsAwarded
	if sub.IsCorrect {
		p.CorrectCount++
	}
	return p.Participant, nil
}

// Submissions returns a copy of the accepted submission log.
func (r *RoomState) Submissions() []domain.AnswerSubmission {
	return append([]domain.AnswerSubmission(nil), r.submissions...)
}

// Ranking computes the leaderboard.
func (r *RoomState) Ranking() []domain.RankingEntry {
	return Rank(r.Participants())
}

// Snapshot builds the durable view of the room.
func (r *RoomState) Snapshot(now time.Time) domain.RoomSnapshot {
	return domain.RoomSnapshot{
		Room:          r.room,
		QuestionIndex: r.questionIndex,
		QuestionCount: len(r.questions),
		Participants:  r.Participants(),
		Submissions:   r.Submissions(),
		Ranking:       r.Ranking(),
		TakenAt:       now,
	}
}

// Store is the process-wide registry of rooms, addressable by id and join code. It is created at
// process start; entries are inserted by CreateRoom and removed by Remove when a finished room's
// grace period lapses.
type Store struct {
	mu          sync.RWMutex
	byID        map[string]*RoomState
	byCode      map[string]*RoomState // latest room per code, finished rooms included until replaced
	activeCodes map[string]string     // code -> room id, non-finished rooms only

	codeLength int
	retries    int
	newCode    func(length int) string
	now        func() time.Time
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithCodeGenerator replaces the random join code source.
func WithCodeGenerator(gen func(length int) string) StoreOption {
	return func(s *Store) { s.newCode = gen }
}

// WithCodeLength sets join code length and retry ceiling.
func WithCodeLength(length, retries int) StoreOption {
	return func(s *Store) {
		if length > 0 {
			s.codeLength = length
		}
		if retries > 0 {
			s.retries = retries
		}
	}
}

// WithStoreClock is for deterministic timestamps in tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		byID:        make(map[string]*RoomState),
		byCode:      make(map[string]*RoomState),
		activeCodes: make(map[string]string),
		codeLength:  defaultCodeLength,
		retries:     defaultCodeRetries,
		newCode:     randomDigits,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRoom allocates a join code unique among active rooms and inserts a waiting room.
func (s *Store) CreateRoom(controllerID string, settings RoomSettings) (*RoomState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Codes still held by a finished room in its grace period are only taken over when no free
	// code turns up within the retry budget.
	code, recycled := "", ""
	for i := 0; i < s.retries; i++ {
		candidate := s.newCode(s.codeLength)
		if _, taken := s.activeCodes[candidate]; taken {
			continue
		}
		if _, held := s.byCode[candidate]; held {
			if recycled == "" {
				recycled = candidate
			}
			continue
		}
		code = candidate
		break
	}
	if code == "" {
		code = recycled
	}
	if code == "" {
		return nil, domain.ErrCodeSpaceExhausted
	}

	room := domain.Room{
		ID:           uuid.NewString(),
		JoinCode:     code,
		ControllerID: controllerID,
		Kind:         settings.Kind,
		Title:        settings.Title,
		Mode:         domain.ModeLobby,
		Status:       domain.StatusWaiting,
		LateJoin:     settings.LateJoin,
		CreatedAt:    s.now(),
	}
	state := newRoomState(room, settings.Questions)
	s.byID[room.ID] = state
	s.byCode[code] = state
	s.activeCodes[code] = room.ID
	return state, nil
}

// GetByCode returns the room currently holding code.
func (s *Store) GetByCode(code string) (*RoomState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byCode[code]
	return r, ok
}

// GetByID returns a room by id.
func (s *Store) GetByID(id string) (*RoomState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	return r, ok
}

// TransitionStatus enforces waiting -> active -> finished. Finishing releases the join code for
// reuse by new rooms.
func (s *Store) TransitionStatus(roomID string, next domain.RoomStatus) (domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.byID[roomID]
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	room := &state.room
	if !validTransition(room.Status, next) {
		return *room, domain.ErrInvalidTransition
	}

	now := s.now()
	room.Status = next
	switch next {
	case domain.StatusActive:
		room.StartedAt = &now
	case domain.StatusFinished:
		room.FinishedAt = &now
		room.Mode = domain.ModeResults
		if s.activeCodes[room.JoinCode] == roomID {
			delete(s.activeCodes, room.JoinCode)
		}
	}
	return *room, nil
}

func validTransition(from, to domain.RoomStatus) bool {
	switch from {
	case domain.StatusWaiting:
		return to == domain.StatusActive
	case domain.StatusActive:
		return to == domain.StatusFinished
	}
	return false
}

// Remove evicts a room and frees its code.
func (s *Store) Remove(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.byID[roomID]
	if !ok {
		return
	}
	delete(s.byID, roomID)
	code := state.room.JoinCode
	if s.byCode[code] == state {
		delete(s.byCode, code)
	}
	if s.activeCodes[code] == roomID {
		delete(s.activeCodes, code)
	}
}

// Len reports how many rooms are resident.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func randomDigits(length int) string {
	const digits = "0123456789"
	b := make([]byte, length)
	max := big.NewInt(int64(len(digits)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = digits[n.Int64()]
	}
	return string(b)
}
