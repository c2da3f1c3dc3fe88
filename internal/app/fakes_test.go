package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"liveroom/internal/domain"
	"liveroom/internal/protocol"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames []protocol.Outbound
	fail   bool
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg protocol.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return domain.ErrSendFailed
	}
	c.frames = append(c.frames, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) setFail(v bool) {
	c.mu.Lock()
	c.fail = v
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Type)
	}
	return out
}

func (c *fakeConn) all(msgType string) []protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Outbound
	for _, f := range c.frames {
		if f.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) last(t *testing.T, msgType string) protocol.Outbound {
	t.Helper()
	frames := c.all(msgType)
	if len(frames) == 0 {
		t.Fatalf("%s: no %s frame, got %v", c.id, msgType, c.types())
	}
	return frames[len(frames)-1]
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// tokenIdentity understands "controller:<id>" and "participant:<id>" tokens and mints a
// participant identity for an empty token.
type tokenIdentity struct{}

func (tokenIdentity) ResolveIdentity(_ context.Context, claim IdentityClaim) (Identity, error) {
	switch {
	case claim.Token == "":
		id := uuid.NewString()
		return Identity{Role: domain.RoleParticipant, StableID: id, Token: "participant:" + id}, nil
	case strings.HasPrefix(claim.Token, "controller:"):
		return Identity{Role: domain.RoleController, StableID: strings.TrimPrefix(claim.Token, "controller:")}, nil
	case strings.HasPrefix(claim.Token, "participant:"):
		return Identity{Role: domain.RoleParticipant, StableID: strings.TrimPrefix(claim.Token, "participant:")}, nil
	}
	return Identity{}, domain.ErrUnauthenticated
}

type memRecorder struct {
	mu        sync.Mutex
	scores    []domain.ScoreEvent
	snapshots []domain.RoomSnapshot
}

func (r *memRecorder) RecordScore(_, _ string, ev domain.ScoreEvent) {
	r.mu.Lock()
	r.scores = append(r.scores, ev)
	r.mu.Unlock()
}

func (r *memRecorder) RecordSnapshot(_ string, snap domain.RoomSnapshot) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, snap)
	r.mu.Unlock()
}

func (r *memRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scores), len(r.snapshots)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
