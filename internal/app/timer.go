package app

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"liveroom/internal/domain"
)

// TimerEventKind identifies what happened to a timer during a tick.
type TimerEventKind string

const (
	TimerTicked  TimerEventKind = "tick"
	TimerWarning TimerEventKind = "warning"
	TimerExpired TimerEventKind = "expired"
)

// TimerEvent is emitted by Tick and routed to the owning room.
type TimerEvent struct {
	Kind        TimerEventKind
	TimerID     string
	RoomID      string
	ThresholdMs int64
	Timer       domain.Timer
}

type timerEntry struct {
	timer   domain.Timer
	warned  map[int64]bool
	expired bool // one-shot; TimerExpired is emitted at most once
}

// TimerEngine holds every room's timers and advances running ones on a fixed step per Tick.
type TimerEngine struct {
	mu     sync.Mutex
	stepMs int64
	timers map[string]*timerEntry
	newID  func() string
}

// NewTimerEngine builds an engine that adds stepMs to each running timer per Tick.
func NewTimerEngine(stepMs int64) *TimerEngine {
	if stepMs <= 0 {
		stepMs = 1000
	}
	return &TimerEngine{
		stepMs: stepMs,
		timers: make(map[string]*timerEntry),
		newID:  func() string { return uuid.NewString() },
	}
}

// Create registers a stopped timer. durationMs is ignored for stopwatches.
func (e *TimerEngine) Create(roomID string, kind domain.TimerKind, durationMs int64, warningsMs []int64) string {
	if !kind.Counts() {
		durationMs = 0
		warningsMs = nil
	}
	thresholds := append([]int64(nil), warningsMs...)
	sort.Slice(thresholds, func(i, j int) bool { return thresholds[i] > thresholds[j] })

	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.newID()
	e.timers[id] = &timerEntry{
		timer: domain.Timer{
			ID:                  id,
			RoomID:              roomID,
			Kind:                kind,
			DurationMs:          durationMs,
			Status:              domain.TimerStopped,
			WarningThresholdsMs: thresholds,
		},
		warned: make(map[int64]bool, len(thresholds)),
	}
	return id
}

// Start runs a stopped or paused timer. A paused timer resumes from its elapsed time.
func (e *TimerEngine) Start(id string) (domain.Timer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.timers[id]
	if !ok {
		return domain.Timer{}, domain.ErrTimerNotFound
	}
	switch entry.timer.Status {
	case domain.TimerRunning:
	case domain.TimerStopped, domain.TimerPaused:
		entry.timer.Status = domain.TimerRunning
	default:
		return entry.timer, domain.ErrInvalidTransition
	}
	return entry.timer, nil
}

// Pause freezes a running timer without resetting its elapsed time.
func (e *TimerEngine) Pause(id string) (domain.Timer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.timers[id]
	if !ok {
		return domain.Timer{}, domain.ErrTimerNotFound
	}
	if entry.timer.Status != domain.TimerRunning {
		return entry.timer, domain.ErrInvalidTransition
	}
	entry.timer.Status = domain.TimerPaused
	return entry.timer, nil
}

// Stop halts a timer; it keeps its elapsed time for reporting and can be started again from there.
func (e *TimerEngine) Stop(id string) (domain.Timer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.timers[id]
	if !ok {
		return domain.Timer{}, domain.ErrTimerNotFound
	}
	if entry.timer.Status != domain.TimerCompleted {
		entry.timer.Status = domain.TimerStopped
	}
	return entry.timer, nil
}

// Get returns a copy of the timer.
func (e *TimerEngine) Get(id string) (domain.Timer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.timers[id]
	if !ok {
		return domain.Timer{}, false
	}
	return entry.timer, true
}

// Remove forgets a timer.
func (e *TimerEngine) Remove(id string) {
	e.mu.Lock()
	delete(e.timers, id)
	e.mu.Unlock()
}

// StopRoom stops every timer of a room, used when the room finishes.
func (e *TimerEngine) StopRoom(roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.timers {
		if entry.timer.RoomID == roomID && entry.timer.Status != domain.TimerCompleted {
			entry.timer.Status = domain.TimerStopped
		}
	}
}

// RemoveRoom forgets every timer of a room.
func (e *TimerEngine) RemoveRoom(roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, entry := range e.timers {
		if entry.timer.RoomID == roomID {
			delete(e.timers, id)
		}
	}
}

// Len reports how many timers are registered.
func (e *TimerEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Tick advances every running timer by one step and returns the resulting events.
// Completed timers are never advanced again, so repeated ticks after expiry emit nothing more.
func (e *TimerEngine) Tick() []TimerEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []TimerEvent
	for id, entry := range e.timers {
		t := &entry.timer
		if t.Status != domain.TimerRunning {
			continue
		}
		t.ElapsedMs += e.stepMs

		if t.Kind.Counts() {
			remaining := t.DurationMs - t.ElapsedMs
			for _, th := range t.WarningThresholdsMs {
				if remaining <= th && remaining > 0 && !entry.warned[th] {
					entry.warned[th] = true
					events = append(events, TimerEvent{Kind: TimerWarning, TimerID: id, RoomID: t.RoomID, ThresholdMs: th, Timer: *t})
				}
			}
			if t.ElapsedMs >= t.DurationMs {
				t.ElapsedMs = t.DurationMs
				t.Status = domain.TimerCompleted
				if !entry.expired {
					entry.expired = true
					events = append(events, TimerEvent{Kind: TimerExpired, TimerID: id, RoomID: t.RoomID, Timer: *t})
				}
				continue
			}
		}
		events = append(events, TimerEvent{Kind: TimerTicked, TimerID: id, RoomID: t.RoomID, Timer: *t})
	}

	// map iteration is random; keep per-room delivery deterministic
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].RoomID != events[j].RoomID {
			return events[i].RoomID < events[j].RoomID
		}
		return events[i].TimerID < events[j].TimerID
	})
	return events
}
