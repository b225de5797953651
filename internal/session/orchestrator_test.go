package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/fleet"
	"github.com/HerbHall/fleethub/internal/testutil"
	"github.com/HerbHall/fleethub/pkg/models"
)

type fixture struct {
	orch     *Orchestrator
	registry *fleet.Registry
	bus      *testutil.MockBus
	clock    *testutil.Clock
	online   *testutil.Outbound
	offline  *testutil.Outbound
}

// newFixture registers d1 (online) and d2 (offline).
func newFixture(t *testing.T, grace time.Duration) *fixture {
	t.Helper()
	clock := testutil.NewClock()
	reg := fleet.NewRegistry(zap.NewNop(), fleet.WithClock(clock.Now))
	bus := testutil.NewMockBus()

	online, offline := testutil.NewOutbound(), testutil.NewOutbound()
	reg.Upsert("d1", models.DeviceMetadata{}, online, "")
	reg.Upsert("d2", models.DeviceMetadata{}, offline, "")
	reg.MarkOffline("d2", offline)

	tokens, err := NewTokenIssuer([]byte("test-secret"), grace, clock.Now)
	require.NoError(t, err)

	return &fixture{
		orch:     NewOrchestrator(reg, bus, tokens, clock.Now, zap.NewNop()),
		registry: reg,
		bus:      bus,
		clock:    clock,
		online:   online,
		offline:  offline,
	}
}

func TestCreate_SendsStartToOnlineNodesOnly(t *testing.T) {
	f := newFixture(t, 0)

	s, err := f.orch.Create(context.Background(), Spec{
		Name:     "kitchen run",
		Nodes:    []string{"d1", "d2", "d1", " "},
		Sensors:  []string{"camera", "pzem"},
		Duration: 60,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.NotEmpty(t, s.Token)
	assert.Equal(t, []string{"d1", "d2"}, s.Nodes)
	assert.Equal(t, models.SessionStatusActive, s.Status)
	assert.Equal(t, f.clock.Now(), s.StartTime)
	assert.Nil(t, s.EndTime)

	msgs := f.online.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "session_start", msgs[0]["type"])
	assert.Equal(t, s.ID, msgs[0]["sessionId"])
	assert.Equal(t, s.Token, msgs[0]["sessionToken"])
	assert.Equal(t, float64(60), msgs[0]["duration"])
	assert.Empty(t, f.offline.Frames())

	events := f.bus.EventsFor(TopicSessionCreated)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Payload.(Event).Delivered)

	got, ok := f.orch.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.Token, got.Token)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, 0)

	tests := []struct {
		name string
		spec Spec
	}{
		{"missing name", Spec{Nodes: []string{"d1"}}},
		{"blank name", Spec{Name: "  ", Nodes: []string{"d1"}}},
		{"no nodes", Spec{Name: "x"}},
		{"blank nodes", Spec{Name: "x", Nodes: []string{"", " "}}},
		{"negative duration", Spec{Name: "x", Nodes: []string{"d1"}, Duration: -1}},
		{"duration past the cap", Spec{Name: "x", Nodes: []string{"d1"}, Duration: MaxDuration + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Create(context.Background(), tt.spec)
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
	assert.Empty(t, f.orch.List())
}

func TestCreate_AllNodesOfflineStillCreates(t *testing.T) {
	f := newFixture(t, 0)
	s, err := f.orch.Create(context.Background(), Spec{Name: "x", Nodes: []string{"d2", "ghost"}})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, s.Status)
	assert.Equal(t, 0, f.bus.EventsFor(TopicSessionCreated)[0].Payload.(Event).Delivered)
}

func TestStop_IsIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	s, err := f.orch.Create(context.Background(), Spec{Name: "x", Nodes: []string{"d1"}})
	require.NoError(t, err)
	f.online.Reset()

	f.clock.Advance(time.Minute)
	stopped, err := f.orch.Stop(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotNil(t, stopped.EndTime)
	assert.Equal(t, f.clock.Now(), *stopped.EndTime)
	assert.Equal(t, models.SessionStatusStopped, stopped.Status)
	assert.Equal(t, []string{"session_stop"}, f.online.Types())

	f.clock.Advance(time.Minute)
	again, err := f.orch.Stop(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, *stopped.EndTime, *again.EndTime, "endTime is set once")
	assert.Len(t, f.online.Frames(), 1, "second stop sends nothing")
	assert.Len(t, f.bus.EventsFor(TopicSessionStopped), 1)
}

func TestStart(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.orch.Start(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	s, err := f.orch.Create(ctx, Spec{Name: "x", Nodes: []string{"d1"}})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	restarted, err := f.orch.Start(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), restarted.StartTime)
	assert.Equal(t, models.SessionStatusActive, restarted.Status)
	assert.Equal(t, []string{"session_start", "session_start"}, f.online.Types())

	_, err = f.orch.Stop(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.orch.Start(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionStopped)
}

func TestStop_NotFound(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.orch.Stop(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListAndCounts(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	a, err := f.orch.Create(ctx, Spec{Name: "a", Nodes: []string{"d1"}})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	b, err := f.orch.Create(ctx, Spec{Name: "b", Nodes: []string{"d1"}})
	require.NoError(t, err)
	_, err = f.orch.Stop(ctx, a.ID)
	require.NoError(t, err)

	list := f.orch.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	total, active := f.orch.Counts()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, active)
}

func TestSessionFor(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	s, err := f.orch.Create(ctx, Spec{Name: "x", Nodes: []string{"d1"}, Duration: 60})
	require.NoError(t, err)

	sid, ok := f.orch.SessionFor(s.Token, "d1")
	assert.True(t, ok)
	assert.Equal(t, s.ID, sid)

	_, ok = f.orch.SessionFor(s.Token, "d2")
	assert.False(t, ok, "token names only its nodes")

	_, ok = f.orch.SessionFor("garbage", "d1")
	assert.False(t, ok)

	f.clock.Advance(61 * time.Second)
	_, ok = f.orch.SessionFor(s.Token, "d1")
	assert.False(t, ok, "token expires after the session duration")
}

func TestSessionFor_LongestSessionTokenIsValid(t *testing.T) {
	f := newFixture(t, 0)
	s, err := f.orch.Create(context.Background(), Spec{Name: "x", Nodes: []string{"d1"}, Duration: MaxDuration})
	require.NoError(t, err)

	_, ok := f.orch.SessionFor(s.Token, "d1")
	assert.True(t, ok)

	f.clock.Advance(MaxDuration*time.Second - time.Hour)
	_, ok = f.orch.SessionFor(s.Token, "d1")
	assert.True(t, ok)
}

func TestSessionFor_StoppedSession(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	s, err := f.orch.Create(ctx, Spec{Name: "x", Nodes: []string{"d1"}})
	require.NoError(t, err)
	_, err = f.orch.Stop(ctx, s.ID)
	require.NoError(t, err)

	_, ok := f.orch.SessionFor(s.Token, "d1")
	assert.False(t, ok)
}

func TestVerifyToken(t *testing.T) {
	f := newFixture(t, time.Minute)
	s, err := f.orch.Create(context.Background(), Spec{Name: "grace", Nodes: []string{"d1", "d2"}, Duration: 10})
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	claims, err := f.orch.VerifyToken(s.Token)
	require.NoError(t, err, "grace period keeps the token valid")
	assert.Equal(t, s.ID, claims.SessionID)
	assert.Equal(t, "grace", claims.Subject)
	assert.ElementsMatch(t, []string{"d1", "d2"}, []string(claims.Audience))

	other, err := NewTokenIssuer([]byte("other-secret"), 0, f.clock.Now)
	require.NoError(t, err)
	_, err = other.Verify(s.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
