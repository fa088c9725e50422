package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/example/telescope/internal/ephemeral"
	"github.com/example/telescope/internal/rooms"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	roomCapacity    = 2
	defaultNickname = "Anonymous"
)

// joiner is implemented by providers that track membership in process.
type joiner interface {
	Join(roomID, identity string) error
}

// Broker issues one-time join tokens for calls and exchanges them for grants.
//
// Tokens live in the call-auth keyspace as one hash per call, field
// sha256(token), value the participant data. A hash inherits the call's
// expiry and is dropped with the call.
type Broker struct {
	calls         *CallManager
	rooms         rooms.Provider
	tokens        ephemeral.Keyspace
	identities    ephemeral.Keyspace
	appURL        string
	defaultAvatar string
	log           *zap.Logger
}

func NewBroker(calls *CallManager, provider rooms.Provider, tokens, identities ephemeral.Keyspace, appURL, defaultAvatar string, log *zap.Logger) *Broker {
	b := &Broker{
		calls:         calls,
		rooms:         provider,
		tokens:        tokens,
		identities:    identities,
		appURL:        strings.TrimRight(appURL, "/"),
		defaultAvatar: defaultAvatar,
		log:           log,
	}
	calls.OnDelete(b.forget)
	return b
}

// authorizeCall allows only the integration that created call.
func authorizeCall(call *Call, integration *Integration) error {
	if integration == nil || call.IntegrationID != integration.ID {
		return errForbidden("This integration does not own the call")
	}
	return nil
}

func (b *Broker) withDefaults(p ParticipantData) ParticipantData {
	if p.Nickname == "" {
		p.Nickname = defaultNickname
	}
	if p.AvatarURL == "" {
		p.AvatarURL = b.defaultAvatar
	}
	return p
}

func (b *Broker) callURL(callID string, q url.Values) string {
	return fmt.Sprintf("%s/calls/%s?%s", b.appURL, url.PathEscape(callID), q.Encode())
}

// IssueAuthURL mints a one-time token for call and returns the front-end URL
// carrying it. Only the hash of the token is stored.
func (b *Broker) IssueAuthURL(ctx context.Context, call *Call, integration *Integration, p ParticipantData) (string, error) {
	if err := authorizeCall(call, integration); err != nil {
		return "", err
	}
	token, err := genToken(32)
	if err != nil {
		return "", err
	}
	value, err := json.Marshal(b.withDefaults(p))
	if err != nil {
		return "", err
	}
	if err := b.tokens.HSet(ctx, call.ID, hashSecret(token), string(value)); err != nil {
		return "", fmt.Errorf("store call token: %w", err)
	}
	if call.ExpiresAt != nil {
		if err := b.tokens.ExpireAt(ctx, call.ID, *call.ExpiresAt); err != nil {
			return "", fmt.Errorf("expire call tokens: %w", err)
		}
	}
	b.log.Info("call token issued", zap.String("call", call.ID), zap.String("integration", integration.ID))
	return b.callURL(call.ID, url.Values{"auth_token": {token}}), nil
}

func decodeParticipant(raw string) (*ParticipantData, error) {
	var p ParticipantData
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode participant data: %w", err)
	}
	return &p, nil
}

// TokenData returns the data attached to token without consuming it.
func (b *Broker) TokenData(ctx context.Context, call *Call, token string) (*ParticipantData, error) {
	if token == "" {
		return nil, errNotFound("Invalid token")
	}
	raw, err := b.tokens.HGet(ctx, call.ID, hashSecret(token))
	if errors.Is(err, ephemeral.ErrMiss) {
		return nil, errNotFound("Invalid token")
	}
	if err != nil {
		return nil, err
	}
	return decodeParticipant(raw)
}

// Redeem consumes token and returns a grant for a new participant identity.
// The token is spent even when the room turns out to be gone or full.
func (b *Broker) Redeem(ctx context.Context, call *Call, token string, p ParticipantData) (*Grant, error) {
	if token == "" {
		return nil, errNotFound("Invalid token")
	}
	raw, err := b.tokens.HTake(ctx, call.ID, hashSecret(token))
	if errors.Is(err, ephemeral.ErrMiss) {
		return nil, errNotFound("Invalid token")
	}
	if err != nil {
		return nil, err
	}
	issued, err := decodeParticipant(raw)
	if err != nil {
		return nil, err
	}

	room, err := b.calls.Room(ctx, call)
	if err != nil {
		return nil, err
	}
	// advisory; the provider enforces the limit at join time
	if room.Participants >= roomCapacity {
		return nil, errCallFull()
	}

	if p.AvatarURL == "" {
		p.AvatarURL = issued.AvatarURL
	}
	p = b.withDefaults(p)

	identity := uuid.NewString()
	if j, ok := b.rooms.(joiner); ok {
		if err := j.Join(room.ID, identity); err != nil {
			if errors.Is(err, rooms.ErrRoomFull) {
				return nil, errCallFull()
			}
			return nil, errUpstream(err)
		}
	}
	grant, err := b.rooms.Grant(identity, room.ID)
	if err != nil {
		return nil, fmt.Errorf("mint grant: %w", err)
	}

	value, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if err := b.identities.Set(ctx, identity, string(value), 0); err != nil {
		// cosmetic data; the grant is still valid
		b.log.Warn("recording participant identity", zap.String("call", call.ID), zap.Error(err))
	}
	b.log.Info("call token redeemed", zap.String("call", call.ID), zap.String("identity", identity))
	return &Grant{Token: grant, Identity: identity, RoomID: room.ID}, nil
}

// ResolveIdentity never fails; unknown identities get placeholder data.
func (b *Broker) ResolveIdentity(ctx context.Context, identity string) ParticipantData {
	fallback := ParticipantData{Nickname: identity, AvatarURL: b.defaultAvatar}
	if identity == "" {
		return fallback
	}
	raw, err := b.identities.Get(ctx, identity)
	if err != nil {
		if !errors.Is(err, ephemeral.ErrMiss) {
			b.log.Warn("resolving identity", zap.Error(err))
		}
		return fallback
	}
	p, err := decodeParticipant(raw)
	if err != nil {
		return fallback
	}
	return *p
}

// ErrorURL sends a participant back to the call page with an error to show.
func (b *Broker) ErrorURL(call *Call, integration *Integration, code, description string) (string, error) {
	if err := authorizeCall(call, integration); err != nil {
		return "", err
	}
	if code == "" {
		code = "Unknown error"
	}
	q := url.Values{"error": {code}}
	if description != "" {
		q.Set("error_description", description)
	}
	return b.callURL(call.ID, q), nil
}

func (b *Broker) forget(ctx context.Context, callID string) {
	if _, err := b.tokens.Delete(ctx, callID); err != nil {
		b.log.Warn("dropping call tokens", zap.String("call", callID), zap.Error(err))
	}
}
