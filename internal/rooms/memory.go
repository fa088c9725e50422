package rooms

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Memory is an in-process provider for development and tests. Grants are
// JWTs signed with the configured secret; Join stands in for a media client
// connecting to a room. A member holds their slot until their grant expires.
type Memory struct {
	mu     sync.Mutex
	rooms  map[string]*memoryRoom
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type memoryRoom struct {
	name      string
	completed bool
	// identity -> slot expiry
	members map[string]time.Time
}

func (r *memoryRoom) prune(now time.Time) {
	for identity, until := range r.members {
		if !now.Before(until) {
			delete(r.members, identity)
		}
	}
}

func NewMemory(secret string, grantTTL time.Duration) *Memory {
	if grantTTL == 0 {
		grantTTL = time.Hour
	}
	return &Memory{rooms: map[string]*memoryRoom{}, secret: []byte(secret), ttl: grantTTL, now: time.Now}
}

func (m *Memory) CreateRoom(ctx context.Context, name string) (*Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "RM" + uuid.NewString()
	m.rooms[id] = &memoryRoom{name: name, members: map[string]time.Time{}}
	return &Room{ID: id, Name: name, Status: statusInProgress}, nil
}

func (m *Memory) FetchRoom(ctx context.Context, id string) (*Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok || r.completed {
		return nil, ErrRoomNotFound
	}
	r.prune(m.now())
	return &Room{ID: id, Name: r.name, Status: statusInProgress, Participants: len(r.members)}, nil
}

func (m *Memory) CompleteRoom(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[id]; ok {
		r.completed = true
		r.members = map[string]time.Time{}
	}
	return nil
}

func (m *Memory) Grant(identity, roomID string) (string, error) {
	now := m.now()
	claims := jwt.MapClaims{
		"sub":  identity,
		"room": roomID,
		"iat":  now.Unix(),
		"exp":  now.Add(m.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Join connects identity to the room for the lifetime of a grant, refusing
// a third member. Joining again renews the slot.
func (m *Memory) Join(roomID, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok || r.completed {
		return ErrRoomNotFound
	}
	now := m.now()
	r.prune(now)
	if _, ok := r.members[identity]; !ok && len(r.members) >= 2 {
		return ErrRoomFull
	}
	r.members[identity] = now.Add(m.ttl)
	return nil
}

// Drop forgets a room entirely, as if the provider had expired it.
func (m *Memory) Drop(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
}
