package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"liveroom/internal/domain"
	"liveroom/internal/protocol"
)

// roomActor serialises every mutation of one RoomState onto a single goroutine.
type roomActor struct {
	c     *Coordinator
	state *RoomState
	id    string
	code  string
	log   *slog.Logger

	inbox    chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newRoomActor(c *Coordinator, state *RoomState) *roomActor {
	return &roomActor{
		c:     c,
		state: state,
		id:    state.room.ID,
		code:  state.room.JoinCode,
		log:   c.log.With(slog.String("room", state.room.ID), slog.String("code", state.room.JoinCode)),
		inbox: make(chan func(), c.cfg.InboxSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (a *roomActor) run() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.inbox:
			a.exec(fn)
		case <-a.stop:
			return
		}
	}
}

func (a *roomActor) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("room handler panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// do runs fn on the room goroutine and waits for it. ctx only bounds the wait for inbox space.
func (a *roomActor) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case a.inbox <- task:
	case <-a.stop:
		return domain.ErrRoomNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-a.done:
		select {
		case <-finished:
			return nil
		default:
			return domain.ErrRoomNotFound
		}
	}
}

// post queues fn without waiting. It is safe to call from the room goroutine itself.
func (a *roomActor) post(fn func()) {
	select {
	case a.inbox <- fn:
		return
	case <-a.stop:
		return
	default:
	}
	go func() {
		select {
		case a.inbox <- fn:
		case <-a.stop:
		}
	}()
}

func (a *roomActor) shutdown() {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
}

func (a *roomActor) send(conn Conn, msgType string, data any) {
	_ = a.c.dispatcher.SendToConnection(conn, protocol.Outbound{Type: msgType, Data: data})
}

func (a *roomActor) broadcast(msgType string, data any) {
	a.c.dispatcher.BroadcastToRoom(a.id, protocol.Outbound{Type: msgType, Data: data})
}

func (a *roomActor) broadcastState() {
	a.broadcast(protocol.TypeRoomStateUpdate, a.view())
}

func (a *roomActor) reply(conn Conn, role domain.Role, err error) error {
	if err != nil {
		a.log.Debug("request rejected", slog.String("conn", conn.ID()), slog.String("code", domain.AsError(err).Code))
		_ = a.c.dispatcher.SendToConnection(conn, protocol.NewError(err, role))
	}
	return err
}

func (a *roomActor) handleJoin(conn Conn, id Identity, m *protocol.Join) error {
	if _, bound := a.c.registry.Lookup(conn); bound {
		return a.reply(conn, id.Role, domain.ErrAlreadyJoined)
	}
	var err error
	switch id.Role {
	case domain.RoleController:
		err = a.joinController(conn, id)
	default:
		err = a.joinParticipant(conn, id, m)
	}
	return a.reply(conn, id.Role, err)
}

func (a *roomActor) joinController(conn Conn, id Identity) error {
	s := a.state
	if id.StableID != s.room.ControllerID {
		return domain.ErrNotController
	}
	if s.controllerConnID != "" && a.connBound(s.controllerConnID) {
		return domain.ErrDuplicateController
	}
	if err := a.c.registry.Bind(conn, Binding{RoomID: a.id, Role: domain.RoleController, IdentityID: id.StableID}); err != nil {
		return err
	}
	s.controllerConnID = conn.ID()
	s.controllerLeft = time.Time{}

	a.send(conn, protocol.TypeJoinSuccess, protocol.JoinSuccess{RoomID: a.id, Code: a.code, Role: domain.RoleController})
	a.send(conn, protocol.TypeStatus, a.status())
	a.broadcastState()
	a.log.Info("controller joined", slog.String("conn", conn.ID()))
	return nil
}

func (a *roomActor) joinParticipant(conn Conn, id Identity, m *protocol.Join) error {
	s := a.state
	if s.room.Status == domain.StatusFinished {
		return domain.ErrRoomClosed
	}
	if _, kicked := s.kicked[id.StableID]; kicked {
		return domain.ErrKicked
	}
	p, existing := s.participants[id.StableID]
	if !existing {
		if s.room.Status == domain.StatusActive && !s.room.LateJoin {
			return domain.ErrLateJoinDisabled
		}
		if m.DisplayName == "" {
			return domain.Validation("displayName is required")
		}
	}

	// a reconnect replaces whatever connection the participant had before
	if existing && p.connID != "" {
		for _, old := range a.c.registry.ParticipantConnections(a.id, []string{id.StableID}) {
			if old == conn {
				continue
			}
			a.c.registry.Unbind(old)
			_ = old.Close()
		}
	}
	if err := a.c.registry.Bind(conn, Binding{RoomID: a.id, Role: domain.RoleParticipant, IdentityID: id.StableID}); err != nil {
		return err
	}

	if !existing {
		s.AddParticipant(domain.Participant{
			ID:          id.StableID,
			RoomID:      a.id,
			DisplayName: m.DisplayName,
			JoinedAt:    a.c.now(),
		})
		p = s.participants[id.StableID]
	}
	s.UpdateParticipant(id.StableID, func(dp *domain.Participant) {
		if m.DisplayName != "" {
			dp.DisplayName = m.DisplayName
		}
		dp.ConnectionState = domain.Connected
	})
	p.connID = conn.ID()

	a.send(conn, protocol.TypeJoinSuccess, protocol.JoinSuccess{
		RoomID:        a.id,
		Code:          a.code,
		Role:          domain.RoleParticipant,
		ParticipantID: id.StableID,
		RejoinToken:   id.Token,
	})
	if q := a.currentQuestion(); q != nil && !s.HasAnswered(id.StableID, q.Index) {
		a.send(conn, protocol.TypeNewQuestion, *q)
	}
	a.broadcastState()
	a.log.Info("participant joined",
		slog.String("participant", id.StableID),
		slog.Bool("reconnect", existing),
		slog.Int("connected", s.ConnectedCount()),
	)
	return nil
}

func (a *roomActor) connBound(connID string) bool {
	for _, c := range a.c.registry.RoomConnections(a.id) {
		if c.ID() == connID {
			return true
		}
	}
	return false
}

// disconnected marks the identity bound to conn as gone. Events for a connection that has already
// been replaced are ignored.
func (a *roomActor) disconnected(conn Conn, b Binding) {
	s := a.state
	switch b.Role {
	case domain.RoleController:
		if s.controllerConnID != conn.ID() {
			return
		}
		s.controllerConnID = ""
		s.controllerLeft = a.c.now()
		a.log.Info("controller disconnected")
	default:
		p, ok := s.participants[b.IdentityID]
		if !ok || p.connID != conn.ID() {
			return
		}
		p.connID = ""
		s.UpdateParticipant(b.IdentityID, func(dp *domain.Participant) { dp.ConnectionState = domain.Disconnected })
		a.log.Info("participant disconnected", slog.String("participant", b.IdentityID))
	}
	a.broadcastState()
}

// handle runs one message from a bound connection.
func (a *roomActor) handle(conn Conn, b Binding, msg protocol.Inbound) error {
	if cur, ok := a.c.registry.Lookup(conn); !ok || cur != b {
		return a.reply(conn, b.Role, domain.ErrNotJoined)
	}
	return a.reply(conn, b.Role, a.route(conn, b, msg))
}

func (a *roomActor) route(conn Conn, b Binding, msg protocol.Inbound) error {
	switch msg.(type) {
	case *protocol.GetStatus:
		a.send(conn, protocol.TypeStatus, a.status())
		return nil
	case *protocol.GetResults:
		a.send(conn, protocol.TypeResults, a.results())
		return nil
	case *protocol.Join:
		return domain.ErrAlreadyJoined
	}

	if a.state.room.Status == domain.StatusFinished {
		return domain.ErrRoomFinished
	}

	switch m := msg.(type) {
	case *protocol.Answer:
		if b.Role != domain.RoleParticipant {
			return domain.ErrNotParticipant
		}
		return a.answer(conn, b.IdentityID, m)
	}

	if b.Role != domain.RoleController {
		return domain.ErrNotController
	}
	switch m := msg.(type) {
	case *protocol.Start:
		return a.start()
	case *protocol.Advance:
		return a.advance()
	case *protocol.UpdateSettings:
		return a.updateSettings(m)
	case *protocol.Kick:
		return a.kick(m.ParticipantID)
	case *protocol.EndSession:
		if a.state.room.Status != domain.StatusActive {
			return domain.ErrInvalidTransition
		}
		return a.finish("ended by controller")
	}

	if err := a.requireClassroom(); err != nil {
		return err
	}
	switch m := msg.(type) {
	case *protocol.SetMode:
		a.closeQuestion()
		a.state.room.Mode = m.Mode
		a.broadcastState()
	case *protocol.Announce:
		a.announce(conn, m)
	case *protocol.Lock:
		a.setLocked(true)
	case *protocol.Unlock:
		a.setLocked(false)
	case *protocol.TimerStart:
		return a.timerStart(m)
	case *protocol.TimerPause:
		return a.timerControl(m.TimerID, a.c.timers.Pause)
	case *protocol.TimerStop:
		return a.timerControl(m.TimerID, a.c.timers.Stop)
	default:
		return domain.ErrUnknownMessageType
	}
	return nil
}

func (a *roomActor) requireClassroom() error {
	if a.state.room.Kind != domain.KindClassroom {
		return domain.ErrUnsupportedAction
	}
	if a.state.room.Status != domain.StatusActive {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (a *roomActor) start() error {
	s := a.state
	if s.room.Status != domain.StatusWaiting {
		return domain.ErrAlreadyStarted
	}
	if _, err := a.c.store.TransitionStatus(a.id, domain.StatusActive); err != nil {
		return err
	}
	a.log.Info("room started", slog.Int("participants", len(s.participants)))

	if s.room.Kind == domain.KindGame {
		a.activateQuestion(0)
		a.broadcastState()
		a.broadcastQuestion()
	} else {
		s.room.Mode = domain.ModePresentation
		a.broadcastState()
	}
	a.snapshot()
	return nil
}

// advance moves to the next question, finishing the room after the last one.
func (a *roomActor) advance() error {
	s := a.state
	if s.room.Status != domain.StatusActive {
		return domain.ErrInvalidTransition
	}
	next := s.questionIndex + 1
	if next >= len(s.questions) {
		return a.finish("questions exhausted")
	}
	a.activateQuestion(next)
	a.broadcastState()
	a.broadcastQuestion()
	return nil
}

func (a *roomActor) activateQuestion(idx int) {
	s := a.state
	if s.questionTimerID != "" {
		a.c.timers.Remove(s.questionTimerID)
		s.questionTimerID = ""
	}
	s.questionIndex = idx
	s.questionClosed = false
	s.room.Mode = domain.ModeQuestion
	s.deadline = nil

	q := s.questions[idx]
	if q.TimeLimitSeconds > 0 {
		limitMs := int64(q.TimeLimitSeconds) * 1000
		id := a.c.timers.Create(a.id, domain.TimerQuestion, limitMs, a.c.cfg.QuestionWarningsMs)
		if _, err := a.c.timers.Start(id); err == nil {
			s.questionTimerID = id
			deadline := a.c.now().Add(time.Duration(limitMs) * time.Millisecond)
			s.deadline = &deadline
		}
	}
	a.log.Debug("question activated", slog.Int("index", idx), slog.Int("limit_s", q.TimeLimitSeconds))
}

// closeQuestion stops accepting answers for the current question and drops its timer, so leaving
// question mode never auto-advances. The next advance moves past it as usual.
func (a *roomActor) closeQuestion() {
	s := a.state
	if s.questionTimerID != "" {
		a.c.timers.Remove(s.questionTimerID)
		s.questionTimerID = ""
	}
	s.deadline = nil
	if s.questionIndex >= 0 && !s.questionClosed {
		s.questionClosed = true
		a.log.Debug("question closed", slog.Int("index", s.questionIndex))
	}
}

func (a *roomActor) broadcastQuestion() {
	if q := a.currentQuestion(); q != nil {
		a.broadcast(protocol.TypeNewQuestion, *q)
	}
}

func (a *roomActor) currentQuestion() *protocol.NewQuestion {
	s := a.state
	q, idx, ok := s.ActiveQuestion()
	if !ok {
		return nil
	}
	view := protocol.NewQuestionView(idx, len(s.questions), q, s.deadline, s.questionTimerID)
	return &view
}

func (a *roomActor) finish(reason string) error {
	s := a.state
	a.c.timers.StopRoom(a.id)
	room, err := a.c.store.TransitionStatus(a.id, domain.StatusFinished)
	if err != nil {
		return err
	}
	s.deadline = nil

	a.broadcastState()
	a.broadcast(protocol.TypeGameFinished, protocol.GameFinished{Ranking: s.Ranking(), FinishedAt: *room.FinishedAt})
	a.snapshot()
	a.log.Info("room finished", slog.String("reason", reason), slog.Int("participants", len(s.participants)))
	return nil
}

func (a *roomActor) answer(conn Conn, participantID string, m *protocol.Answer) error {
	s := a.state
	q, idx, ok := s.ActiveQuestion()
	if !ok {
		return domain.ErrNoActiveQuestion
	}
	if m.QuestionIndex != nil && *m.QuestionIndex != idx {
		// the question it was meant for has already closed
		return domain.ErrNoActiveQuestion
	}
	if s.room.Locked {
		return domain.ErrRoomLocked
	}
	if s.HasAnswered(participantID, idx) {
		return domain.ErrDuplicateSubmission
	}

	timeUsed := m.TimeUsedMs
	if limit := int64(q.TimeLimitSeconds) * 1000; limit > 0 && timeUsed > limit {
		timeUsed = limit
	}
	correct, points := a.c.cfg.Scoring.Score(q, m.Payload, timeUsed)
	now := a.c.now()
	p, err := s.RecordSubmission(domain.AnswerSubmission{
		ParticipantID: participantID,
		QuestionIndex: idx,
		SubmittedAt:   now,
		Payload:       m.Payload,
		TimeUsedMs:    timeUsed,
		IsCorrect:     correct,
		PointsAwarded: points,
	})
	if err != nil {
		return err
	}

	a.send(conn, protocol.TypeAnswerResult, protocol.AnswerResult{
		QuestionIndex: idx,
		Correct:       correct,
		Awarded:       points,
		TotalScore:    p.Score,
		CorrectCount:  p.CorrectCount,
	})
	a.broadcastState()
	a.c.recorder.RecordScore(a.id, participantID, domain.ScoreEvent{
		QuestionIndex: idx,
		QuestionID:    q.ID,
		IsCorrect:     correct,
		PointsAwarded: points,
		TimeUsedMs:    timeUsed,
		TotalScore:    p.Score,
		SubmittedAt:   now,
	})
	return nil
}

func (a *roomActor) updateSettings(m *protocol.UpdateSettings) error {
	s := a.state
	if s.room.Status != domain.StatusWaiting {
		return domain.ErrInvalidTransition
	}
	if m.LateJoin != nil {
		s.room.LateJoin = *m.LateJoin
	}
	if m.Title != nil {
		s.room.Title = *m.Title
	}
	a.broadcastState()
	return nil
}

func (a *roomActor) kick(participantID string) error {
	s := a.state
	if !s.RemoveParticipant(participantID) {
		return domain.ErrParticipantNotFound
	}
	for _, conn := range a.c.registry.ParticipantConnections(a.id, []string{participantID}) {
		a.send(conn, protocol.TypeKicked, protocol.Kicked{Reason: "removed by the host"})
		a.c.registry.Unbind(conn)
		_ = conn.Close()
	}
	a.broadcastState()
	a.log.Info("participant kicked", slog.String("participant", participantID))
	return nil
}

func (a *roomActor) announce(conn Conn, m *protocol.Announce) {
	msg := protocol.Outbound{Type: protocol.TypeAnnouncement, Data: protocol.Announcement{Text: m.Text, SentAt: a.c.now()}}
	if len(m.ParticipantIDs) == 0 {
		a.c.dispatcher.BroadcastToRoom(a.id, msg)
		return
	}
	a.c.dispatcher.BroadcastToParticipants(a.id, m.ParticipantIDs, msg)
	_ = a.c.dispatcher.SendToConnection(conn, msg)
}

func (a *roomActor) setLocked(locked bool) {
	a.state.room.Locked = locked
	a.broadcastState()
}

func (a *roomActor) timerStart(m *protocol.TimerStart) error {
	s := a.state
	id := m.TimerID
	if id == "" {
		id = a.c.timers.Create(a.id, m.Kind, m.DurationMs, m.WarningThresholdsMs)
		s.timers = append(s.timers, id)
	} else if !a.ownsTimer(id) {
		return domain.ErrTimerNotFound
	}
	t, err := a.c.timers.Start(id)
	if err != nil {
		return err
	}
	a.broadcast(protocol.TypeTimerUpdate, protocol.NewTimerView(t))
	return nil
}

func (a *roomActor) timerControl(id string, op func(string) (domain.Timer, error)) error {
	if !a.ownsTimer(id) {
		return domain.ErrTimerNotFound
	}
	t, err := op(id)
	if err != nil {
		return err
	}
	a.broadcast(protocol.TypeTimerUpdate, protocol.NewTimerView(t))
	return nil
}

func (a *roomActor) ownsTimer(id string) bool {
	for _, t := range a.state.timers {
		if t == id {
			return true
		}
	}
	return false
}

// timerEvent forwards a tick to clients; expiry of the current question timer auto-advances.
// Events from timers the room no longer tracks are stale and dropped.
func (a *roomActor) timerEvent(ev TimerEvent) {
	s := a.state
	if s.room.Status != domain.StatusActive {
		return
	}
	isQuestion := ev.TimerID == s.questionTimerID
	if !isQuestion && !a.ownsTimer(ev.TimerID) {
		return
	}
	view := protocol.NewTimerView(ev.Timer)
	if ev.Kind == TimerWarning {
		view.WarningMs = ev.ThresholdMs
	}
	a.broadcast(protocol.TypeTimerUpdate, view)

	if ev.Kind == TimerExpired && isQuestion {
		a.log.Debug("question timer expired", slog.Int("index", s.questionIndex))
		if err := a.advance(); err != nil {
			a.log.Warn("auto advance failed", slog.Any("err", err))
		}
	}
}

// sweep reports whether the room should be evicted.
func (a *roomActor) sweep(now time.Time) bool {
	s := a.state
	grace := a.c.cfg.FinishedGrace
	abandon := a.c.cfg.AbandonAfter

	switch s.room.Status {
	case domain.StatusFinished:
		return s.room.FinishedAt != nil && now.Sub(*s.room.FinishedAt) >= grace && a.c.registry.Count(a.id) == 0
	default:
		if abandon <= 0 || s.controllerConnID != "" || now.Sub(s.controllerLeft) < abandon {
			return false
		}
		if s.room.Status == domain.StatusWaiting {
			a.log.Info("evicting abandoned waiting room")
			return true
		}
		if err := a.finish("controller abandoned"); err != nil {
			a.log.Warn("finish abandoned room failed", slog.Any("err", err))
		}
		return false
	}
}

func (a *roomActor) snapshot() {
	a.c.recorder.RecordSnapshot(a.id, a.state.Snapshot(a.c.now()))
}

func (a *roomActor) view() protocol.RoomState {
	s := a.state
	participants := s.Participants()
	views := make([]protocol.ParticipantView, 0, len(participants))
	for _, p := range participants {
		views = append(views, protocol.ParticipantView{
			ID:              p.ID,
			DisplayName:     p.DisplayName,
			Score:           p.Score,
			CorrectCount:    p.CorrectCount,
			ConnectionState: p.ConnectionState,
			JoinedAt:        p.JoinedAt,
		})
	}

	var timers []protocol.TimerView
	ids := s.timers
	if s.questionTimerID != "" {
		ids = append([]string{s.questionTimerID}, ids...)
	}
	for _, id := range ids {
		if t, ok := a.c.timers.Get(id); ok {
			timers = append(timers, protocol.NewTimerView(t))
		}
	}

	return protocol.RoomState{
		RoomID:              a.id,
		Code:                a.code,
		Kind:                s.room.Kind,
		Title:               s.room.Title,
		Status:              s.room.Status,
		Mode:                s.room.Mode,
		Locked:              s.room.Locked,
		LateJoin:            s.room.LateJoin,
		QuestionIndex:       s.questionIndex,
		QuestionCount:       len(s.questions),
		ControllerConnected: s.controllerConnID != "",
		Participants:        views,
		Timers:              timers,
	}
}

func (a *roomActor) status() protocol.Status {
	return protocol.Status{Room: a.view(), Question: a.currentQuestion()}
}

func (a *roomActor) results() protocol.Results {
	return protocol.Results{
		Status:  a.state.room.Status,
		Final:   a.state.room.Status == domain.StatusFinished,
		Ranking: a.state.Ranking(),
	}
}
