package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"liveroom/internal/domain"
	"liveroom/internal/protocol"
)

type harness struct {
	t     *testing.T
	c     *Coordinator
	rec   *memRecorder
	clock *fakeClock
	room  domain.Room
}

func sampleQuestions() []domain.Question {
	return []domain.Question{
		{
			ID:     "q1",
			Type:   domain.QuestionSingle,
			Prompt: "2 + 2?",
			Options: []domain.Option{
				{ID: "a", Text: "4", Correct: true},
				{ID: "b", Text: "5"},
			},
			TimeLimitSeconds: 10,
		},
		{
			ID:       "q2",
			Type:     domain.QuestionText,
			Prompt:   "Capital of France?",
			Accepted: []string{"Paris"},
		},
	}
}

func newHarness(t *testing.T, cfg Config, rc domain.RoomConfig) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}
	rec := &memRecorder{}
	c := NewCoordinator(cfg, Deps{
		Identity: tokenIdentity{},
		Recorder: rec,
		Now:      clock.Now,
	})
	t.Cleanup(func() {
		for _, a := range c.actorList() {
			a.shutdown()
		}
	})
	room, err := c.CreateRoom(context.Background(), "host", rc)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return &harness{t: t, c: c, rec: rec, clock: clock, room: room}
}

func (h *harness) send(conn Conn, msg protocol.Inbound) error {
	return h.c.Dispatch(context.Background(), conn, msg)
}

func (h *harness) mustSend(conn Conn, msg protocol.Inbound) {
	h.t.Helper()
	if err := h.send(conn, msg); err != nil {
		h.t.Fatalf("%s %s: %v", conn.ID(), msg.MessageType(), err)
	}
}

func (h *harness) join(connID, token, name string) *fakeConn {
	h.t.Helper()
	conn := newFakeConn(connID)
	h.c.Connect(conn)
	h.mustSend(conn, &protocol.Join{Code: h.room.JoinCode, DisplayName: name, Token: token})
	return conn
}

// inRoom runs fn on the room goroutine; fn must only copy state out, never call t.Fatal.
func (h *harness) inRoom(fn func(s *RoomState)) {
	h.t.Helper()
	a, ok := h.c.actor(h.room.ID)
	if !ok {
		h.t.Fatalf("room actor missing")
	}
	if err := a.do(context.Background(), func() { fn(a.state) }); err != nil {
		h.t.Fatalf("room do: %v", err)
	}
}

func answerOption(idx int, option string, timeUsed int64) *protocol.Answer {
	return &protocol.Answer{QuestionIndex: &idx, Payload: domain.AnswerPayload{OptionID: option}, TimeUsedMs: timeUsed}
}

func TestGameHappyPath(t *testing.T) {
	h := newHarness(t, Config{}, domain.RoomConfig{Kind: domain.KindGame, Title: "Friday quiz", Questions: sampleQuestions()})
	host := h.join("c-host", "controller:host", "")
	alice := h.join("c-alice", "participant:alice", "Alice")

	success := alice.last(t, protocol.TypeJoinSuccess).Data.(protocol.JoinSuccess)
	if success.ParticipantID != "alice" || success.Role != domain.RoleParticipant {
		t.Fatalf("unexpected join success %+v", success)
	}

	alice.reset()
	h.mustSend(host, &protocol.Start{})
	if got := alice.types(); len(got) != 2 || got[0] != protocol.TypeRoomStateUpdate || got[1] != protocol.TypeNewQuestion {
		t.Fatalf("expected state update then question, got %v", got)
	}
	q := alice.last(t, protocol.TypeNewQuestion).Data.(protocol.NewQuestion)
	if q.Index != 0 || q.Total != 2 || q.Deadline == nil || q.TimerID == "" {
		t.Fatalf("unexpected question view %+v", q)
	}

	alice.reset()
	h.mustSend(alice, answerOption(0, "a", 2500))
	if got := alice.types(); len(got) != 2 || got[0] != protocol.TypeAnswerResult || got[1] != protocol.TypeRoomStateUpdate {
		t.Fatalf("expected answer result then state update, got %v", got)
	}
	res := alice.last(t, protocol.TypeAnswerResult).Data.(protocol.AnswerResult)
	if !res.Correct || res.Awarded != 900 || res.TotalScore != 900 {
		t.Fatalf("unexpected answer result %+v", res)
	}
	if len(host.all(protocol.TypeAnswerResult)) != 0 {
		t.Fatalf("answer_result must only reach the submitter")
	}

	h.mustSend(host, &protocol.Advance{})
	q = alice.last(t, protocol.TypeNewQuestion).Data.(protocol.NewQuestion)
	if q.Index != 1 || q.Deadline != nil {
		t.Fatalf("expected untimed second question, got %+v", q)
	}
	h.mustSend(alice, &protocol.Answer{Payload: domain.AnswerPayload{Text: "  paris "}})

	h.mustSend(host, &protocol.Advance{})
	finished := alice.last(t, protocol.TypeGameFinished).Data.(protocol.GameFinished)
	if len(finished.Ranking) != 1 || finished.Ranking[0].Score != 1900 || finished.Ranking[0].CorrectCount != 2 {
		t.Fatalf("unexpected final ranking %+v", finished.Ranking)
	}

	h.mustSend(host, &protocol.GetResults{})
	results := host.last(t, protocol.TypeResults).Data.(protocol.Results)
	if !results.Final || results.Status != domain.StatusFinished {
		t.Fatalf("expected final results, got %+v", results)
	}

	scores, snapshots := h.rec.counts()
	if scores != 2 || snapshots < 2 {
		t.Fatalf("expected 2 score events and start/finish snapshots, got %d/%d", scores, snapshots)
	}
}

func TestRejectedRequests(t *testing.T) {
	h := newHarness(t, Config{}, domain.RoomConfig{Kind: domain.KindGame, Questions: sampleQuestions()})
	host := h.join("c-host", "controller:host", "")
	alice := h.join("c-alice", "participant:alice", "Alice")

	stranger := newFakeConn("c-stranger")
	h.c.Connect(stranger)

	cases := []struct {
		name string
		conn *fakeConn
		msg  protocol.Inbound
		want error
	}{
		{"unbound connection", stranger, &protocol.Start{}, domain.ErrNotJoined},
		{"answer before start", alice, answerOption(0, "a", 0), domain.ErrNoActiveQuestion},
		{"participant starts", alice, &protocol.Start{}, domain.ErrNotController},
		{"advance while waiting", host, &protocol.Advance{}, domain.ErrInvalidTransition},
		{"join twice", alice, &protocol.Join{Code: h.room.JoinCode, Token: "participant:alice"}, domain.ErrAlreadyJoined},
		{"classroom action in game", host, &protocol.Lock{}, domain.ErrUnsupportedAction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.send(tc.conn, tc.msg)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			frame := tc.conn.last(t, protocol.TypeError).Data.(protocol.ErrorData)
			if frame.Code != domain.AsError(tc.want).Code {
				t.Fatalf("error frame code %q, want %q", frame.Code, domain.AsError(tc.want).Code)
			}
		})
	}

	h.mustSend(host, &protocol.Start{})
	if err := h.send(host, answerOption(0, "a", 0)); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("controller answering should fail, got %v", err)
	}
	if err := h.send(host, &protocol.Start{}); !errors.Is(err, domain.ErrAlreadyStarted) {
		t.Fatalf("expected AlreadyStarted, got %v", err)
	}
	h.mustSend(alice, answerOption(0, "b", 0))
	if err := h.send(alice, answerOption(0, "a", 0)); !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected DuplicateSubmission, got %v", err)
	}
	if err := h.send(alice, answerOption(1, "a", 0)); !errors.Is(err, domain.ErrNoActiveQuestion) {
		t.Fatalf("answer for a different question index should be rejected, got %v", err)
	}

	h.mustSend(host, &protocol.EndSession{})
	if err := h.send(host, &protocol.Advance{}); !errors.Is(err, domain.ErrRoomFinished) {
		t.Fatalf("expected RoomFinished, got %v", err)
	}
	h.mustSend(alice, &protocol.GetStatus{})

	late := newFakeConn("c-late")
	h.c.Connect(late)
	if err := h.send(late, &protocol.Join{Code: h.room.JoinCode, DisplayName: "Late"}); !errors.Is(err, domain.ErrRoomClosed) {
		t.Fatalf("joining a finished room should fail, got %v", err)
	}
	if err := h.send(newFakeConn("c-unknown"), &protocol.Join{Code: "no-such-code", Token: "controller:host"}); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected RoomNotFound for an unknown code, got %v", err)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	h := newHarness(t, Config{}, domain.RoomConfig{Questions: sampleQuestions()})
	alice := h.join("c-alice", "participant:alice", "Alice")

	err := h.c.HandleFrame(context.Background(), alice, []byte(`{"type":"answer","data":{"bogus":1}}`))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := h.c.HandleFrame(context.Background(), alice, []byte(`{"type":"teleport"}`)); !errors.Is(err, domain.ErrUnknownMessageType) {
		t.Fatalf("expected UnknownMessageType, got %v", err)
	}
	if err := h.c.HandleFrame(context.Background(), alice, []byte(`{"type":"get_status"}`)); err != nil {
		t.Fatalf("connection should stay usable: %v", err)
	}
	alice.last(t, protocol.TypeStatus)
}

func TestQuestionTimerExpiryAdvances(t *testing.T) {
	qs := sampleQuestions()
	qs[0].TimeLimitSeconds = 2
	qs[1].TimeLimitSeconds = 1
	h := newHarness(t, Config{TickInterval: time.Second}, domain.RoomConfig{Questions: qs})
	host := h.join("c-host", "controller:host", "")
	alice := h.join("c-alice", "participant:alice", "Alice")
	h.mustSend(host, &protocol.Start{})

	ctx := context.Background()
	h.c.Tick(ctx)
	if q := alice.last(t, protocol.TypeNewQuestion).Data.(protocol.NewQuestion); q.Index != 0 {
		t.Fatalf("question should not advance after one tick")
	}
	h.c.Tick(ctx)
	if q := alice.last(t, protocol.TypeNewQuestion).Data.(protocol.NewQuestion); q.Index != 1 {
		t.Fatalf("expected auto advance to question 1, got %d", q.Index)
	}

	// a late answer for the expired question is not credited
	if err := h.send(alice, answerOption(0, "a", 100)); !errors.Is(err, domain.ErrNoActiveQuestion) {
		t.Fatalf("expected NoActiveQuestion after expiry, got %v", err)
	}

	h.c.Tick(ctx)
	alice.last(t, protocol.TypeGameFinished)
	h.c.Tick(ctx)
	if n := len(alice.all(protocol.TypeGameFinished)); n != 1 {
		t.Fatalf("game_finished must be sent once, got %d", n)
	}
	updates := alice.all(protocol.TypeTimerUpdate)
	if len(updates) == 0 {
		t.Fatalf("expected timer updates")
	}
}

func TestAnswerTimeIsClampedToLimit(t *testing.T) {
	h := newHarness(t, Config{}, domain.RoomConfig{Questions: sampleQuestions()})
	host := h.join("c-host", "controller:host", "")
	alice := h.join("c-alice", "participant:alice", "Alice")
	h.mustSend(host, &protocol.Start{})
	h.mustSend(alice, answerOption(0, "a", 60_000))
	res := alice.last(t, protocol.TypeAnswerResult).Data.(protocol.AnswerResult)
	// 10s limit: 1000 - 10*50
	if res.Awarded != 500 {
		t.Fatalf("expected clamped award 500, got %d", res.Awarded)
	}
}

func TestDisconnectKeepsParticipant(t *testing.T) {
	h := newHarness(t, Config{}, domain.RoomConfig{Questions: sampleQuestions()})
	host := h.join("c-host", "controller:host", "")
	alice := h.join("c-alice", "participant:alice", "Alice")
	h.mustSend(host, &protocol.Start{})
	h.mustSend(alice, answerOption(0, "a", 0))

	h.c.Disconnect(alice)
	h.mustSend(host, &protocol.GetStatus{})
	st := host.last(t, protocol.TypeStatus).Data.(protocol.Status)
	if len(st.Room.Participants) != 1 {
		t.Fatalf("participant must survive a disconnect")
	}
	p := st.Room.Participants[0]
	if p.ConnectionState != domain.Disconnected || p.Score != 1000 {
		t.Fatalf("unexpected participant after disconnect %+v", p)
	}

	again := h.join("c-alice-2", "participant:alice", "")
	if got := again.last(t, protocol.TypeJoinSuccess).Data.(protocol.JoinSuccess); got.ParticipantID != "alice" {
		t.Fatalf("reconnect should resume the same participant, got %+v", got)
	}
	if len(again.all(protocol.TypeNewQuestion)) != 0 {
		t.Fatalf("an answered question should not be re-sent on reconnect")
	}
	h.mustSend(host, &protocol.GetStatus{})
	st = host.last(t, protocol.TypeStatus).Data.(protocol.Status)
	if st.Room.Participants[0].ConnectionState != domain.Connected || st.Room.Participants[0].DisplayName != "Alice" {
		t.Fatalf("reconnected participant should be connected, got %+v", st.Room.Participants[0])
	}

	h.join("c-alice-3", "participant:alice", "Alicia")
	h.mustSend(host, &protocol.GetStatus{})
	st = host.last(t, protocol.TypeStatus).Data.(protocol.Status)
	if p := st.Room.Participants[0]; p.DisplayName != "Alicia" || p.Score != 1000 {
		t.Fatalf("rejoin should rename without touching the score, got %+v", p)
	}
}

func TestReconnectReplacesOldConnection(t *testing.T) {
	h := newHarness(t, Config{}, domain.RoomConfig{Questions: sampleQuestions()})
	host := h.join("c-host", "controller:host", "")
	first := h.join("c-alice-1", "participant:alice", "Alice")
	second := h.join("c-alice-2", "participant:alice", "")
	if !first.isClosed() {
		t.Fatalf("old connection should be closed on reconnect")
	}
	h.mustSend(host, &protocol.GetStatus{})
	st := host.last(t, protocol.TypeStatus).Data.(protocol.Status)
	if st.Room.Participants[0].ConnectionState != domain.Connected {
		t.Fatalf("replacement connection must stay connected")
	}
	h.mustSend(second, &protocol.GetStatus{})
}

func TestLateJoin(t *testing.T) {
	h := newHarness(t, Config{}, domain.RoomConfig{Questions: sampleQuestions(), LateJoin: boolPtr(false)})
	host := h.join("c-host", "controller:host", "")
	alice := h.join("c-alice", "participant:alice", "Alice")
	h.mustSend(host, &protocol.Start{})

	late := newFakeConn("c-bob")
	h.c.Connect(late)
	if err := h.send(late, &protocol.Join{Code: h.room.JoinCode, DisplayName: "Bob", Token: "participant:bob"}); !errors.Is(err, domain.ErrLateJoinDisabled) {
		t.Fatalf("expected LateJoinDisabled, got %v", err)
	}
	h.c.Disconnect(alice)
	back := h.join("c-alice-2", "participant:alice", "")
	if q := back.last(t, protocol.TypeNewQuestion).Data.(protocol.NewQuestion); q.Index != 0 {
		t.Fatalf("reconnecting participant should get the open question")
	}
}

func TestLateJoinAllowedByDefault(t *testing.T) {
	h := newHarness(t, Config{LateJoin: true}, domain.RoomConfig{Questions: sampleQuestions()})
	host := h.join("c-host", "controller:host", "")
	h.mustSend(host, &protocol.Start{})
	anon := h.join("c-anon", "", "Guest")
	success := anon.last(t, protocol.TypeJoinSuccess).Data.(protocol.JoinSuccess)
	if success.RejoinToken == "" || success.ParticipantID == "" {
		t.Fatalf("anonymous join should return a rejoin token, got %+v", success)
	}
	anon.last(t, protocol.TypeNewQuestion)
}

func TestControllerBinding(t *testing.T) {
	h := newHarness(t, Config{}, domain.RoomConfig{Questions: sampleQuestions()})
	host := h.join("c-host", "controller:host", "")
	host.last(t, protocol.TypeStatus)

	other := newFakeConn("c-other")
	h.c.Connect(other)
	if err := h.send(other, &protocol.Join{Code: h.room.JoinCode, Token: "controller:mallory"}); !errors.Is(err, domain.ErrNotController) {
		t.Fatalf("expected NotController, got %v", err)
	}
	second := newFakeConn("c-host-2")
	h.c.Connect(second)
	if err := h.send(second, &protocol.Join{Code: h.room.JoinCode, Token: "controller:host"}); !errors.Is(err, domain.ErrDuplicateController) {
		t.Fatalf("expected DuplicateController, got %v", err)
	}
	h.c.Disconnect(host)
	h.mustSend(second, &protocol.Join{Code: h.room.JoinCode, Token: "controller:host"})
}

func TestStaleConnectionIsMarkedDisconnected(t *testing.T) {
	h := newHarness(t, Config{}, domain.RoomConfig{Questions: sampleQuestions()})
	host := h.join("c-host", "controller:host", "")
	alice := h.join("c-alice", "participant:alice", "Alice")
	bob := h.join("c-bob", "participant:bob", "Bob")

	alice.setFail(true)
	h.mustSend(host, &protocol.Start{})
	bob.last(t, protocol.TypeNewQuestion)

	h.mustSend(host, &protocol.GetStatus{})
	st := host.last(t, protocol.TypeStatus).Data.(protocol.Status)
	for _, p := range st.Room.Participants {
		want := domain.Connected
		if p.ID == "alice" {
			want = domain.Disconnected
		}
		if p.ConnectionState != want {
			t.Fatalf("%s: expected %s, got %s", p.ID, want, p.ConnectionState)
		}
	}
	if !alice.isClosed() {
		t.Fatalf("stale connection should be closed")
	}
}

func TestConcurrentAnswersAndAdvance(t *testing.T) {
	h := newHarness(t, Config{}, domain.RoomConfig{Questions: sampleQuestions()})
	host := h.join("c-host", "controller:host", "")
	const n = 20
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = h.join(fmt.Sprintf("c-%02d", i), fmt.Sprintf("participant:p%02d", i), fmt.Sprintf("P%02d", i))
	}
	h.mustSend(host, &protocol.Start{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for _, c := range conns {
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			if err := h.send(c, answerOption(0, "a", 0)); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrNoActiveQuestion) {
				t.Errorf("%s: unexpected error %v", c.ID(), err)
			}
		}(c)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := h.send(host, &protocol.Advance{}); err != nil {
			t.Errorf("advance: %v", err)
		}
	}()
	wg.Wait()

	var subs []domain.AnswerSubmission
	var roster []domain.Participant
	h.inRoom(func(s *RoomState) {
		subs = s.Submissions()
		roster = s.Participants()
	})
	if len(subs) != accepted {
		t.Fatalf("accepted %d answers but logged %d", accepted, len(subs))
	}
	total := 0
	for _, sub := range subs {
		if sub.QuestionIndex != 0 {
			t.Fatalf("answer credited to question %d", sub.QuestionIndex)
		}
		total += sub.PointsAwarded
	}
	score := 0
	for _, p := range roster {
		score += p.Score
	}
	if score != total {
		t.Fatalf("scores %d do not match submissions %d", score, total)
	}
}

func TestClassroomSession(t *testing.T) {
	h := newHarness(t, Config{TickInterval: time.Second}, domain.RoomConfig{Kind: domain.KindClassroom, Title: "Biology", Questions: sampleQuestions()[:1]})
	host := h.join("c-host", "controller:host", "")
	alice := h.join("c-alice", "participant:alice", "Alice")
	bob := h.join("c-bob", "participant:bob", "Bob")

	if err := h.send(host, &protocol.SetMode{Mode: domain.ModeDiscussion}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("classroom actions need an active session, got %v", err)
	}
	h.mustSend(host, &protocol.Start{})
	if st := alice.last(t, protocol.TypeRoomStateUpdate).Data.(protocol.RoomState); st.Mode != domain.ModePresentation {
		t.Fatalf("classroom should start presenting, got %s", st.Mode)
	}
	h.mustSend(host, &protocol.SetMode{Mode: domain.ModeDiscussion})
	if st := bob.last(t, protocol.TypeRoomStateUpdate).Data.(protocol.RoomState); st.Mode != domain.ModeDiscussion {
		t.Fatalf("expected discussion mode, got %s", st.Mode)
	}

	h.mustSend(host, &protocol.Announce{Text: "Bob, stay after class", ParticipantIDs: []string{"bob"}})
	if len(alice.all(protocol.TypeAnnouncement)) != 0 || len(bob.all(protocol.TypeAnnouncement)) != 1 {
		t.Fatalf("targeted announcement went to the wrong participants")
	}
	h.mustSend(host, &protocol.Announce{Text: "Break time"})
	if len(alice.all(protocol.TypeAnnouncement)) != 1 {
		t.Fatalf("room announcement should reach everyone")
	}

	h.mustSend(host, &protocol.Advance{})
	h.mustSend(host, &protocol.Lock{})
	if err := h.send(alice, answerOption(0, "a", 0)); !errors.Is(err, domain.ErrRoomLocked) {
		t.Fatalf("expected RoomLocked, got %v", err)
	}
	h.mustSend(host, &protocol.Unlock{})
	h.mustSend(alice, answerOption(0, "a", 0))

	h.mustSend(host, &protocol.TimerStart{Kind: domain.TimerCountdown, DurationMs: 2000})
	started := bob.last(t, protocol.TypeTimerUpdate).Data.(protocol.TimerView)
	if started.Status != domain.TimerRunning || started.TimerID == "" {
		t.Fatalf("unexpected timer view %+v", started)
	}
	h.mustSend(host, &protocol.TimerPause{TimerID: started.TimerID})
	h.c.Tick(context.Background())
	if err := h.send(host, &protocol.TimerPause{TimerID: "missing"}); !errors.Is(err, domain.ErrTimerNotFound) {
		t.Fatalf("expected TimerNotFound, got %v", err)
	}
	h.mustSend(host, &protocol.TimerStart{TimerID: started.TimerID})

	h.mustSend(host, &protocol.EndSession{})
	finished := bob.last(t, protocol.TypeGameFinished).Data.(protocol.GameFinished)
	if len(finished.Ranking) != 2 || finished.Ranking[0].ParticipantID != "alice" {
		t.Fatalf("unexpected classroom ranking %+v", finished.Ranking)
	}
}

func TestLeavingQuestionModeClosesQuestion(t *testing.T) {
	quick := sampleQuestions()[0]
	quick.TimeLimitSeconds = 2
	second := quick
	second.ID = "q1b"
	h := newHarness(t, Config{TickInterval: time.Second}, domain.RoomConfig{Kind: domain.KindClassroom, Questions: []domain.Question{quick, second}})
	host := h.join("c-host", "controller:host", "")
	alice := h.join("c-alice", "participant:alice", "Alice")

	h.mustSend(host, &protocol.Start{})
	h.mustSend(host, &protocol.Advance{})
	h.mustSend(host, &protocol.SetMode{Mode: domain.ModeBreak})
	if err := h.send(alice, answerOption(0, "a", 0)); !errors.Is(err, domain.ErrNoActiveQuestion) {
		t.Fatalf("answers during a break should be rejected, got %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.c.Tick(ctx)
	}
	h.mustSend(host, &protocol.GetStatus{})
	st := host.last(t, protocol.TypeStatus).Data.(protocol.Status)
	if st.Room.Mode != domain.ModeBreak || st.Room.QuestionIndex != 0 || st.Question != nil {
		t.Fatalf("closed question must not auto-advance, got mode=%s index=%d question=%v", st.Room.Mode, st.Room.QuestionIndex, st.Question)
	}
	for _, tv := range st.Room.Timers {
		if tv.Kind == domain.TimerQuestion {
			t.Fatalf("question timer should be gone, got %+v", tv)
		}
	}

	h.mustSend(host, &protocol.Advance{})
	q := alice.last(t, protocol.TypeNewQuestion).Data.(protocol.NewQuestion)
	if q.Index != 1 {
		t.Fatalf("advance should open the next question, got %d", q.Index)
	}
	h.mustSend(alice, answerOption(1, "a", 0))
}

func TestCountdownTimerCompletes(t *testing.T) {
	h := newHarness(t, Config{TickInterval: time.Second}, domain.RoomConfig{Kind: domain.KindClassroom})
	host := h.join("c-host", "controller:host", "")
	alice := h.join("c-alice", "participant:alice", "Alice")
	h.mustSend(host, &protocol.Start{})
	h.mustSend(host, &protocol.TimerStart{Kind: domain.TimerCountdown, DurationMs: 2000, WarningThresholdsMs: []int64{1000}})

	ctx := context.Background()
	h.c.Tick(ctx)
	h.c.Tick(ctx)
	h.c.Tick(ctx)

	var warned, completed int
	for _, f := range alice.all(protocol.TypeTimerUpdate) {
		v := f.Data.(protocol.TimerView)
		if v.WarningMs == 1000 {
			warned++
		}
		if v.Status == domain.TimerCompleted {
			completed++
		}
	}
	if warned != 1 || completed != 1 {
		t.Fatalf("expected one warning and one completion, got %d/%d", warned, completed)
	}
	h.mustSend(host, &protocol.GetStatus{})
	if st := host.last(t, protocol.TypeStatus).Data.(protocol.Status); st.Room.Status != domain.StatusActive {
		t.Fatalf("classroom timers must not finish the session")
	}
}

func TestKickedParticipantCannotRejoin(t *testing.T) {
	h := newHarness(t, Config{}, domain.RoomConfig{Questions: sampleQuestions()})
	host := h.join("c-host", "controller:host", "")
	alice := h.join("c-alice", "participant:alice", "Alice")

	h.mustSend(host, &protocol.Kick{ParticipantID: "alice"})
	alice.last(t, protocol.TypeKicked)
	if !alice.isClosed() {
		t.Fatalf("kicked connection should be closed")
	}
	st := host.last(t, protocol.TypeRoomStateUpdate).Data.(protocol.RoomState)
	if len(st.Participants) != 0 {
		t.Fatalf("kicked participant should leave the roster")
	}

	back := newFakeConn("c-alice-2")
	h.c.Connect(back)
	if err := h.send(back, &protocol.Join{Code: h.room.JoinCode, Token: "participant:alice", DisplayName: "Alice"}); !errors.Is(err, domain.ErrKicked) {
		t.Fatalf("expected ParticipantKicked, got %v", err)
	}
	if err := h.send(host, &protocol.Kick{ParticipantID: "alice"}); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected ParticipantNotFound, got %v", err)
	}
}

func TestUpdateSettingsOnlyWhileWaiting(t *testing.T) {
	h := newHarness(t, Config{}, domain.RoomConfig{Questions: sampleQuestions()})
	host := h.join("c-host", "controller:host", "")
	title := "Renamed"
	h.mustSend(host, &protocol.UpdateSettings{Title: &title, LateJoin: boolPtr(true)})
	st := host.last(t, protocol.TypeRoomStateUpdate).Data.(protocol.RoomState)
	if st.Title != "Renamed" || !st.LateJoin {
		t.Fatalf("settings not applied: %+v", st)
	}
	h.mustSend(host, &protocol.Start{})
	if err := h.send(host, &protocol.UpdateSettings{Title: &title}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
}

func TestSweepEvictsFinishedRoomAfterGrace(t *testing.T) {
	h := newHarness(t, Config{FinishedGrace: 5 * time.Minute}, domain.RoomConfig{Questions: sampleQuestions()})
	host := h.join("c-host", "controller:host", "")
	h.mustSend(host, &protocol.Start{})
	h.mustSend(host, &protocol.EndSession{})

	ctx := context.Background()
	h.clock.Advance(10 * time.Minute)
	h.c.Sweep(ctx)
	if _, ok := h.c.store.GetByID(h.room.ID); !ok {
		t.Fatalf("room with a live connection must not be evicted")
	}

	h.c.Disconnect(host)
	h.c.Sweep(ctx)
	if _, ok := h.c.store.GetByID(h.room.ID); ok {
		t.Fatalf("finished idle room should be evicted")
	}
	if _, err := h.c.Summary(ctx, h.room.JoinCode); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected RoomNotFound after eviction, got %v", err)
	}
}

func TestZeroGraceEvictsFinishedRoomAtNextSweep(t *testing.T) {
	h := newHarness(t, Config{}, domain.RoomConfig{Questions: sampleQuestions()})
	host := h.join("c-host", "controller:host", "")
	h.mustSend(host, &protocol.Start{})
	h.mustSend(host, &protocol.EndSession{})
	h.c.Disconnect(host)

	h.c.Sweep(context.Background())
	if _, ok := h.c.store.GetByID(h.room.ID); ok {
		t.Fatalf("finished idle room should be evicted without a grace period")
	}
}

func TestSweepFinishesAbandonedRoom(t *testing.T) {
	h := newHarness(t, Config{AbandonAfter: 10 * time.Minute}, domain.RoomConfig{Questions: sampleQuestions()})
	host := h.join("c-host", "controller:host", "")
	alice := h.join("c-alice", "participant:alice", "Alice")
	h.mustSend(host, &protocol.Start{})
	h.c.Disconnect(host)

	ctx := context.Background()
	h.clock.Advance(5 * time.Minute)
	h.c.Sweep(ctx)
	if len(alice.all(protocol.TypeGameFinished)) != 0 {
		t.Fatalf("room finished before the abandon window")
	}
	h.clock.Advance(6 * time.Minute)
	h.c.Sweep(ctx)
	alice.last(t, protocol.TypeGameFinished)
}

func TestSweepEvictsAbandonedWaitingRoom(t *testing.T) {
	h := newHarness(t, Config{AbandonAfter: time.Minute}, domain.RoomConfig{Questions: sampleQuestions()})
	alice := h.join("c-alice", "participant:alice", "Alice")
	h.clock.Advance(2 * time.Minute)
	h.c.Sweep(context.Background())

	frame := alice.last(t, protocol.TypeError).Data.(protocol.ErrorData)
	if frame.Code != domain.ErrRoomClosed.Code || !alice.isClosed() {
		t.Fatalf("participants of an evicted room should be told and disconnected, got %+v", frame)
	}
	if h.c.store.Len() != 0 {
		t.Fatalf("abandoned waiting room should be evicted")
	}
}

func TestCreateRoomValidation(t *testing.T) {
	c := NewCoordinator(Config{}, Deps{Identity: tokenIdentity{}})
	t.Cleanup(func() {
		for _, a := range c.actorList() {
			a.shutdown()
		}
	})
	ctx := context.Background()

	cases := []struct {
		name string
		cfg  domain.RoomConfig
	}{
		{"game without questions", domain.RoomConfig{Kind: domain.KindGame}},
		{"unknown kind", domain.RoomConfig{Kind: "party", Questions: sampleQuestions()}},
		{"single with two correct", domain.RoomConfig{Questions: []domain.Question{{
			Type: domain.QuestionSingle, Prompt: "?", Options: []domain.Option{{ID: "a", Correct: true}, {ID: "b", Correct: true}},
		}}}},
		{"duplicate option ids", domain.RoomConfig{Questions: []domain.Question{{
			Type: domain.QuestionMulti, Prompt: "?", Options: []domain.Option{{ID: "a", Correct: true}, {ID: "a"}},
		}}}},
		{"text without accepted", domain.RoomConfig{Questions: []domain.Question{{Type: domain.QuestionText, Prompt: "?"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.CreateRoom(ctx, "host", tc.cfg); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if _, err := c.CreateRoom(ctx, "", domain.RoomConfig{Questions: sampleQuestions()}); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected Unauthenticated without controller, got %v", err)
	}
	if _, err := c.CreateRoom(ctx, "host", domain.RoomConfig{Kind: domain.KindClassroom}); err != nil {
		t.Fatalf("classroom rooms may start without questions: %v", err)
	}
}

type staticQuizzes map[string]domain.Quiz

func (s staticQuizzes) GetQuiz(_ context.Context, id string) (domain.Quiz, error) {
	q, ok := s[id]
	if !ok {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	return q, nil
}

func TestCreateRoomFromQuiz(t *testing.T) {
	c := NewCoordinator(Config{}, Deps{
		Identity: tokenIdentity{},
		Quizzes:  staticQuizzes{"geo": {ID: "geo", Title: "Geography", Questions: sampleQuestions()}},
	})
	ctx := context.Background()
	room, err := c.CreateRoom(ctx, "host", domain.RoomConfig{QuizID: "geo"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if room.Title != "Geography" || len(room.JoinCode) != 6 {
		t.Fatalf("unexpected room %+v", room)
	}
	view, err := c.Summary(ctx, room.JoinCode)
	if err != nil || view.QuestionCount != 2 || view.Status != domain.StatusWaiting {
		t.Fatalf("unexpected summary %+v err=%v", view, err)
	}
	if _, err := c.CreateRoom(ctx, "host", domain.RoomConfig{QuizID: "missing"}); !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected QuizNotFound, got %v", err)
	}
	for _, a := range c.actorList() {
		a.shutdown()
	}
}

func boolPtr(v bool) *bool { return &v }
