package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/telescope/internal/rooms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// flakyRooms wraps the memory provider with injectable failures.
type flakyRooms struct {
	*rooms.Memory
	createErr error
	fetchErr  error
	hang      bool
	completed []string
}

func (f *flakyRooms) CreateRoom(ctx context.Context, name string) (*rooms.Room, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.Memory.CreateRoom(ctx, name)
}

func (f *flakyRooms) FetchRoom(ctx context.Context, id string) (*rooms.Room, error) {
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.Memory.FetchRoom(ctx, id)
}

func (f *flakyRooms) CompleteRoom(ctx context.Context, id string) error {
	f.completed = append(f.completed, id)
	return f.Memory.CompleteRoom(ctx, id)
}

func newTestCalls(t *testing.T) (*CallManager, *flakyRooms, *MemDB, *Integration) {
	db := NewMemoryDB()
	ctx := context.Background()
	dev, err := db.UpsertDeveloper(ctx, &Developer{GithubID: "1", Email: "d@example.com", Username: "d", Name: "D"})
	require.NoError(t, err)
	in := &Integration{ID: "bot-aaaaaa", Name: "Bot", OwnerID: dev.ID}
	require.NoError(t, db.CreateIntegration(ctx, in))
	provider := &flakyRooms{Memory: rooms.NewMemory("secret", time.Hour)}
	return NewCallManager(db, provider, 50*time.Millisecond, zaptest.NewLogger(t)), provider, db, in
}

func TestCallManagerCreate(t *testing.T) {
	m, provider, db, in := newTestCalls(t)
	ctx := context.Background()

	call, err := m.Create(ctx, in, CallInput{FromID: "alice", ToID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, in.ID, call.IntegrationID)
	assert.NotEmpty(t, call.RoomID)
	assert.JSONEq(t, `{}`, string(call.IntegrationData))

	room, err := provider.FetchRoom(ctx, call.RoomID)
	require.NoError(t, err)
	assert.Equal(t, call.ID, room.Name)

	stored, err := db.GetCall(ctx, call.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, call.RoomID, stored.RoomID)
}

func TestCallManagerCreateRoomFailure(t *testing.T) {
	m, provider, db, in := newTestCalls(t)
	provider.createErr = &rooms.UpstreamError{Op: "create room", Status: 500}

	_, err := m.Create(context.Background(), in, CallInput{FromID: "alice", ToID: "bob"})
	require.Error(t, err)
	assert.True(t, isKind(err, UpstreamError))
	assert.Empty(t, db.calls, "no call without a room")
}

func TestCallManagerCreateRejectsPastExpiry(t *testing.T) {
	m, _, _, in := newTestCalls(t)
	past := time.Now().Add(-time.Minute)
	_, err := m.Create(context.Background(), in, CallInput{FromID: "a", ToID: "b", ExpiresAt: &past})
	assert.True(t, isKind(err, ValidationError))
}

func TestCallManagerGetSelfHeals(t *testing.T) {
	for name, breakRoom := range map[string]func(*flakyRooms, *Call){
		"room dropped":   func(p *flakyRooms, c *Call) { p.Drop(c.RoomID) },
		"provider error": func(p *flakyRooms, c *Call) { p.fetchErr = errors.New("boom") },
		"timeout":        func(p *flakyRooms, c *Call) { p.hang = true },
	} {
		t.Run(name, func(t *testing.T) {
			m, provider, db, in := newTestCalls(t)
			ctx := context.Background()
			call, err := m.Create(ctx, in, CallInput{FromID: "alice", ToID: "bob"})
			require.NoError(t, err)

			var deleted []string
			m.OnDelete(func(_ context.Context, id string) { deleted = append(deleted, id) })

			_, err = m.Get(ctx, call.ID)
			require.NoError(t, err)

			breakRoom(provider, call)
			_, err = m.Get(ctx, call.ID)
			assert.True(t, isKind(err, NotFoundError))

			stored, err := db.GetCall(ctx, call.ID)
			require.NoError(t, err)
			assert.Nil(t, stored)
			assert.Equal(t, []string{call.ID}, deleted)

			// never resurfaces
			provider.fetchErr, provider.hang = nil, false
			_, err = m.Get(ctx, call.ID)
			assert.True(t, isKind(err, NotFoundError))
		})
	}
}

func TestCallManagerGetExpired(t *testing.T) {
	m, _, db, in := newTestCalls(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)
	call, err := m.Create(ctx, in, CallInput{FromID: "a", ToID: "b", ExpiresAt: &expires})
	require.NoError(t, err)

	m.now = func() time.Time { return expires.Add(time.Second) }
	_, err = m.Get(ctx, call.ID)
	assert.True(t, isKind(err, NotFoundError))

	stored, err := db.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCallManagerDelete(t *testing.T) {
	m, provider, db, in := newTestCalls(t)
	ctx := context.Background()
	call, err := m.Create(ctx, in, CallInput{FromID: "a", ToID: "b"})
	require.NoError(t, err)

	var deleted []string
	m.OnDelete(func(_ context.Context, id string) { deleted = append(deleted, id) })

	require.NoError(t, m.Delete(ctx, call))
	assert.Equal(t, []string{call.ID}, deleted)
	assert.Equal(t, []string{call.RoomID}, provider.completed)

	stored, err := db.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}
