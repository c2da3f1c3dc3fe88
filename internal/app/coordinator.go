package app

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"liveroom/internal/domain"
	"liveroom/internal/protocol"
)

// Config is the runtime tuning of the coordinator.
type Config struct {
	TickInterval       time.Duration
	InboxSize          int
	LateJoin           bool // default for rooms that don't choose
	FinishedGrace      time.Duration // 0 evicts an idle finished room at the next sweep
	AbandonAfter       time.Duration // 0 disables abandonment
	SweepInterval      time.Duration
	SnapshotInterval   time.Duration
	QuestionWarningsMs []int64
	Scoring            ScoringConfig
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.FinishedGrace < 0 {
		c.FinishedGrace = 0
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.Scoring == (ScoringConfig{}) {
		c.Scoring = DefaultScoring
	}
	return c
}

// Deps are the collaborators of a Coordinator. Nil fields get in-process defaults.
type Deps struct {
	Store    *Store
	Registry *Registry
	Timers   *TimerEngine
	Identity IdentityGateway
	Quizzes  QuizRepository
	Recorder Recorder
	Log      *slog.Logger
	Now      func() time.Time
}

// Coordinator owns every live room. Each room runs on its own goroutine and all of its mutations go
// through that goroutine's inbox, so messages, timer events and disconnects for one room are
// handled strictly one at a time while different rooms proceed in parallel.
type Coordinator struct {
	cfg        Config
	store      *Store
	registry   *Registry
	dispatcher *Dispatcher
	timers     *TimerEngine
	identity   IdentityGateway
	quizzes    QuizRepository
	recorder   Recorder
	log        *slog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	actors map[string]*roomActor
}

func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	cfg = cfg.withDefaults()
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Store == nil {
		deps.Store = NewStore(WithStoreClock(deps.Now))
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Timers == nil {
		deps.Timers = NewTimerEngine(cfg.TickInterval.Milliseconds())
	}
	if deps.Recorder == nil {
		deps.Recorder = discardRecorder{}
	}
	c := &Coordinator{
		cfg:        cfg,
		store:      deps.Store,
		registry:   deps.Registry,
		dispatcher: NewDispatcher(deps.Registry, deps.Log),
		timers:     deps.Timers,
		identity:   deps.Identity,
		quizzes:    deps.Quizzes,
		recorder:   deps.Recorder,
		log:        deps.Log,
		now:        deps.Now,
		actors:     make(map[string]*roomActor),
	}
	c.registry.OnUnbind(c.onUnbind)
	return c
}

type discardRecorder struct{}

func (discardRecorder) RecordScore(string, string, domain.ScoreEvent) {}
func (discardRecorder) RecordSnapshot(string, domain.RoomSnapshot)    {}

// CreateRoom validates the room config, loads quiz content when a quiz id is given, allocates a
// join code and starts the room goroutine.
func (c *Coordinator) CreateRoom(ctx context.Context, controllerID string, cfg domain.RoomConfig) (domain.Room, error) {
	if controllerID == "" {
		return domain.Room{}, domain.ErrUnauthenticated
	}
	kind := cfg.Kind
	if kind == "" {
		kind = domain.KindGame
	}
	if kind != domain.KindGame && kind != domain.KindClassroom {
		return domain.Room{}, domain.Validation("kind must be game or classroom")
	}

	title := strings.TrimSpace(cfg.Title)
	questions := cfg.Questions
	if cfg.QuizID != "" {
		if c.quizzes == nil {
			return domain.Room{}, domain.ErrQuizNotFound
		}
		quiz, err := c.quizzes.GetQuiz(ctx, cfg.QuizID)
		if err != nil {
			return domain.Room{}, err
		}
		questions = quiz.Questions
		if title == "" {
			title = quiz.Title
		}
	}
	if err := ValidateQuestions(kind, questions); err != nil {
		return domain.Room{}, err
	}

	lateJoin := c.cfg.LateJoin
	if cfg.LateJoin != nil {
		lateJoin = *cfg.LateJoin
	}
	state, err := c.store.CreateRoom(controllerID, RoomSettings{
		Kind:      kind,
		Title:     title,
		Questions: questions,
		LateJoin:  lateJoin,
	})
	if err != nil {
		c.log.Warn("create room failed", slog.Any("err", err))
		return domain.Room{}, err
	}
	state.controllerLeft = state.room.CreatedAt
	room := state.room

	a := newRoomActor(c, state)
	c.mu.Lock()
	c.actors[room.ID] = a
	c.mu.Unlock()
	go a.run()

	c.log.Info("room created",
		slog.String("room", room.ID),
		slog.String("code", room.JoinCode),
		slog.String("kind", string(room.Kind)),
		slog.Int("questions", len(questions)),
	)
	return room, nil
}

// ValidateQuestions rejects question lists a room cannot run.
func ValidateQuestions(kind domain.RoomKind, questions []domain.Question) error {
	if kind == domain.KindGame && len(questions) == 0 {
		return domain.Validation("a game room needs at least one question")
	}
	for i, q := range questions {
		if strings.TrimSpace(q.Prompt) == "" {
			return domain.Validation("question prompt is required")
		}
		if q.TimeLimitSeconds < 0 || q.Points < 0 {
			return domain.Validation("timeLimitSeconds and points must not be negative")
		}
		switch q.Type {
		case domain.QuestionSingle, domain.QuestionMulti:
			seen := make(map[string]struct{}, len(q.Options))
			for _, o := range q.Options {
				if o.ID == "" {
					return domain.Validation("option id is required")
				}
				if _, dup := seen[o.ID]; dup {
					return domain.Validation("option ids must be unique within a question")
				}
				seen[o.ID] = struct{}{}
			}
			correct := len(q.CorrectOptionIDs())
			if correct == 0 {
				return domain.Validation("a choice question needs a correct option")
			}
			if q.Type == domain.QuestionSingle && correct != 1 {
				return domain.Validation("a single choice question needs exactly one correct option")
			}
		case domain.QuestionText:
			if len(q.Accepted) == 0 {
				return domain.Validation("a text question needs at least one accepted answer")
			}
		default:
			return domain.Validation("unknown question type at index " + strconv.Itoa(i))
		}
	}
	return nil
}

// Summary returns the current view of the room holding code.
func (c *Coordinator) Summary(ctx context.Context, code string) (protocol.RoomState, error) {
	state, ok := c.store.GetByCode(code)
	if !ok {
		return protocol.RoomState{}, domain.ErrRoomNotFound
	}
	a, ok := c.actor(state.ID())
	if !ok {
		return protocol.RoomState{}, domain.ErrRoomNotFound
	}
	var view protocol.RoomState
	if err := a.do(ctx, func() { view = a.view() }); err != nil {
		return protocol.RoomState{}, err
	}
	return view, nil
}

// Connect registers a freshly opened transport connection.
func (c *Coordinator) Connect(conn Conn) {
	c.registry.Open(conn)
}

// HandleFrame decodes one inbound frame and dispatches it. Decode failures are answered with an
// error frame and never terminate the connection.
func (c *Coordinator) HandleFrame(ctx context.Context, conn Conn, raw []byte) error {
	c.registry.Touch(conn)
	msg, err := protocol.Decode(raw)
	if err != nil {
		role := domain.RoleParticipant
		if b, ok := c.registry.Lookup(conn); ok {
			role = b.Role
		}
		return c.reject(conn, role, err)
	}
	return c.Dispatch(ctx, conn, msg)
}

// Dispatch routes a decoded message to the room the connection is bound to and waits until the
// room has processed it. The returned error has already been sent to the connection.
func (c *Coordinator) Dispatch(ctx context.Context, conn Conn, msg protocol.Inbound) error {
	if join, ok := msg.(*protocol.Join); ok {
		return c.join(ctx, conn, join)
	}
	b, ok := c.registry.Lookup(conn)
	if !ok {
		return c.reject(conn, domain.RoleParticipant, domain.ErrNotJoined)
	}
	a, ok := c.actor(b.RoomID)
	if !ok {
		return c.reject(conn, b.Role, domain.ErrRoomNotFound)
	}
	var handled error
	if err := a.do(ctx, func() { handled = a.handle(conn, b, msg) }); err != nil {
		return c.reject(conn, b.Role, err)
	}
	return handled
}

func (c *Coordinator) join(ctx context.Context, conn Conn, m *protocol.Join) error {
	if _, bound := c.registry.Lookup(conn); bound {
		return c.reject(conn, domain.RoleParticipant, domain.ErrAlreadyJoined)
	}
	if c.identity == nil {
		return c.reject(conn, domain.RoleParticipant, domain.ErrUnauthenticated)
	}
	id, err := c.identity.ResolveIdentity(ctx, IdentityClaim{Token: m.Token, DisplayName: m.DisplayName})
	if err != nil {
		c.log.Debug("identity rejected", slog.String("conn", conn.ID()), slog.Any("err", err))
		return c.reject(conn, domain.RoleParticipant, domain.ErrUnauthenticated)
	}
	state, ok := c.store.GetByCode(m.Code)
	if !ok {
		return c.reject(conn, id.Role, domain.ErrRoomNotFound)
	}
	a, ok := c.actor(state.ID())
	if !ok {
		return c.reject(conn, id.Role, domain.ErrRoomNotFound)
	}
	var handled error
	if err := a.do(ctx, func() { handled = a.handleJoin(conn, id, m) }); err != nil {
		return c.reject(conn, id.Role, err)
	}
	return handled
}

// Disconnect is called by the transport when a connection closes.
func (c *Coordinator) Disconnect(conn Conn) {
	c.registry.Close(conn)
}

// onUnbind runs for every unbind, including ones triggered from inside a room goroutine by a failed
// send, so it only posts to the inbox and never waits.
func (c *Coordinator) onUnbind(conn Conn, b Binding) {
	a, ok := c.actor(b.RoomID)
	if !ok {
		return
	}
	a.post(func() { a.disconnected(conn, b) })
}

func (c *Coordinator) reject(conn Conn, role domain.Role, err error) error {
	_ = c.dispatcher.SendToConnection(conn, protocol.NewError(err, role))
	return err
}

func (c *Coordinator) actor(roomID string) (*roomActor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.actors[roomID]
	return a, ok
}

func (c *Coordinator) actorList() []*roomActor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := make([]*roomActor, 0, len(c.actors))
	for _, a := range c.actors {
		list = append(list, a)
	}
	return list
}

// Run drives timers, the idle-room sweeper and periodic snapshots until ctx is cancelled, then
// snapshots and stops every room.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		every(ctx, c.cfg.TickInterval, func() { c.Tick(ctx) })
		return nil
	})
	g.Go(func() error {
		every(ctx, c.cfg.SweepInterval, func() { c.Sweep(ctx) })
		return nil
	})
	if c.cfg.SnapshotInterval > 0 {
		g.Go(func() error {
			every(ctx, c.cfg.SnapshotInterval, c.SnapshotActive)
			return nil
		})
	}
	err := g.Wait()
	c.shutdown()
	return err
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// Tick advances all timers one step and delivers the resulting events to their rooms. It returns
// once every room has handled its events.
func (c *Coordinator) Tick(ctx context.Context) {
	events := c.timers.Tick()
	if len(events) == 0 {
		return
	}
	byRoom := make(map[string][]TimerEvent)
	for _, ev := range events {
		byRoom[ev.RoomID] = append(byRoom[ev.RoomID], ev)
	}
	var wg sync.WaitGroup
	for roomID, evs := range byRoom {
		a, ok := c.actor(roomID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(a *roomActor, evs []TimerEvent) {
			defer wg.Done()
			_ = a.do(ctx, func() {
				for _, ev := range evs {
					a.timerEvent(ev)
				}
			})
		}(a, evs)
	}
	wg.Wait()
}

// Sweep finishes or evicts idle rooms: finished rooms with no connections once the grace period
// lapses, and rooms whose controller has been gone longer than AbandonAfter.
func (c *Coordinator) Sweep(ctx context.Context) {
	now := c.now()
	for _, a := range c.actorList() {
		evict := false
		if err := a.do(ctx, func() { evict = a.sweep(now) }); err != nil {
			continue
		}
		if evict {
			c.evict(a)
		}
	}
}

// SnapshotActive queues a snapshot of every active room.
func (c *Coordinator) SnapshotActive() {
	for _, a := range c.actorList() {
		a := a
		a.post(func() {
			if a.state.room.Status == domain.StatusActive {
				a.snapshot()
			}
		})
	}
}

func (c *Coordinator) evict(a *roomActor) {
	c.mu.Lock()
	delete(c.actors, a.id)
	c.mu.Unlock()
	a.shutdown()

	for _, conn := range c.registry.RoomConnections(a.id) {
		role := domain.RoleParticipant
		if b, ok := c.registry.Lookup(conn); ok {
			role = b.Role
		}
		_ = conn.Send(protocol.NewError(domain.ErrRoomClosed, role))
		c.registry.Unbind(conn)
		_ = conn.Close()
	}
	c.timers.RemoveRoom(a.id)
	c.store.Remove(a.id)
	c.log.Info("room evicted", slog.String("room", a.id), slog.String("code", a.code))
}

func (c *Coordinator) shutdown() {
	for _, a := range c.actorList() {
		_ = a.do(context.Background(), func() {
			if a.state.room.Status != domain.StatusFinished {
				a.snapshot()
			}
		})
		a.shutdown()
	}
	c.log.Info("coordinator stopped", slog.Int("rooms", c.store.Len()))
}

// Stats summarises live state for health output.
func (c *Coordinator) Stats() map[string]int {
	stats := c.registry.Stats()
	stats["resident_rooms"] = c.store.Len()
	stats["timers"] = c.timers.Len()
	return stats
}
