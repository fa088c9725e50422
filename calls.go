package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/example/telescope/internal/rooms"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallInput is what an integration supplies when creating a call.
type CallInput struct {
	FromID    string
	ToID      string
	Data      json.RawMessage
	ExpiresAt *time.Time
}

// CallManager owns Call records and keeps them consistent with their rooms.
// A call whose room cannot be confirmed is deleted on read.
type CallManager struct {
	db       DB
	rooms    rooms.Provider
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time
	onDelete []func(ctx context.Context, callID string)
}

func NewCallManager(db DB, provider rooms.Provider, timeout time.Duration, log *zap.Logger) *CallManager {
	return &CallManager{db: db, rooms: provider, timeout: timeout, log: log, now: time.Now}
}

// OnDelete registers fn to run after a call is removed for any reason.
func (m *CallManager) OnDelete(fn func(ctx context.Context, callID string)) {
	m.onDelete = append(m.onDelete, fn)
}

// Create opens a room and then persists the call bound to integration.
func (m *CallManager) Create(ctx context.Context, integration *Integration, in CallInput) (*Call, error) {
	if in.ExpiresAt != nil && !in.ExpiresAt.After(m.now()) {
		return nil, errInvalid("Invalid body", "expiresAt must be in the future")
	}
	data := in.Data
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}

	call := &Call{
		ID:              uuid.NewString(),
		FromID:          in.FromID,
		ToID:            in.ToID,
		IntegrationID:   integration.ID,
		IntegrationData: data,
		ExpiresAt:       in.ExpiresAt,
		CreatedAt:       m.now().UTC(),
	}

	rctx, cancel := context.WithTimeout(ctx, m.timeout)
	room, err := m.rooms.CreateRoom(rctx, call.ID)
	cancel()
	if err != nil {
		return nil, errUpstream(err)
	}
	call.RoomID = room.ID

	if err := m.db.CreateCall(ctx, call); err != nil {
		m.completeRoom(ctx, call)
		return nil, err
	}
	m.log.Info("call created",
		zap.String("call", call.ID),
		zap.String("integration", integration.ID),
		zap.String("room", call.RoomID))
	return call, nil
}

// Get returns the call if it exists, has not expired and its room is still live.
func (m *CallManager) Get(ctx context.Context, id string) (*Call, error) {
	call, err := m.db.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}
	if call == nil {
		return nil, errNotFound("Call not found")
	}
	if call.Expired(m.now()) {
		m.remove(ctx, call, "expired")
		return nil, errNotFound("Call not found")
	}
	if _, err := m.Room(ctx, call); err != nil {
		return nil, err
	}
	return call, nil
}

// Room fetches the call's room. Any provider failure, including a timeout,
// removes the call and reports it as not found.
func (m *CallManager) Room(ctx context.Context, call *Call) (*rooms.Room, error) {
	rctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	room, err := m.rooms.FetchRoom(rctx, call.RoomID)
	if err != nil {
		reason := "room gone"
		if !errors.Is(err, rooms.ErrRoomNotFound) {
			reason = "room unreachable"
		}
		m.log.Warn("reconciling call", zap.String("call", call.ID), zap.String("reason", reason), zap.Error(err))
		m.remove(ctx, call, reason)
		return nil, errNotFound("Call not found")
	}
	return room, nil
}

// Delete removes the call and asks the provider to end its room. Room teardown
// is best effort.
func (m *CallManager) Delete(ctx context.Context, call *Call) error {
	if err := m.db.DeleteCall(ctx, call.ID); err != nil {
		return err
	}
	m.afterDelete(ctx, call.ID)
	m.completeRoom(ctx, call)
	return nil
}

// DeleteForIntegration runs Delete for every call integrationID owns, so
// tokens and rooms are released before the rows cascade away.
func (m *CallManager) DeleteForIntegration(ctx context.Context, integrationID string) error {
	calls, err := m.db.ListCalls(ctx, integrationID)
	if err != nil {
		return err
	}
	for _, call := range calls {
		if err := m.Delete(ctx, call); err != nil {
			return err
		}
	}
	return nil
}

func (m *CallManager) remove(ctx context.Context, call *Call, reason string) {
	if err := m.db.DeleteCall(ctx, call.ID); err != nil {
		m.log.Error("deleting stale call", zap.String("call", call.ID), zap.Error(err))
		return
	}
	m.log.Info("call removed", zap.String("call", call.ID), zap.String("reason", reason))
	m.afterDelete(ctx, call.ID)
}

func (m *CallManager) afterDelete(ctx context.Context, callID string) {
	for _, fn := range m.onDelete {
		fn(ctx, callID)
	}
}

func (m *CallManager) completeRoom(ctx context.Context, call *Call) {
	rctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.rooms.CompleteRoom(rctx, call.RoomID); err != nil {
		m.log.Warn("completing room", zap.String("call", call.ID), zap.String("room", call.RoomID), zap.Error(err))
	}
}
