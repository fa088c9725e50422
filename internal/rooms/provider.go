// Package rooms adapts external video-room providers. The service only
// creates, inspects and completes rooms, and mints grants for participants.
package rooms

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRoomNotFound means the room does not exist or is no longer live.
	ErrRoomNotFound = errors.New("rooms: room not found")
	// ErrRoomFull is returned by providers that enforce membership themselves.
	ErrRoomFull = errors.New("rooms: room is full")
)

// Room is the provider's view of a room at the moment it was fetched.
type Room struct {
	ID           string
	Name         string
	Status       string
	Participants int
}

// Provider is implemented by Twilio and by the in-process Memory provider.
type Provider interface {
	CreateRoom(ctx context.Context, name string) (*Room, error)
	// FetchRoom returns ErrRoomNotFound for missing or finished rooms.
	FetchRoom(ctx context.Context, id string) (*Room, error)
	// CompleteRoom ends a room. Completing a room that is already gone is not an error.
	CompleteRoom(ctx context.Context, id string) error
	// Grant mints a signed credential admitting identity to the room.
	Grant(identity, roomID string) (string, error)
}

// UpstreamError carries a non-success answer from the provider API.
type UpstreamError struct {
	Op      string
	Status  int
	Code    int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: provider returned %d (code %d): %s", e.Op, e.Status, e.Code, e.Message)
}
