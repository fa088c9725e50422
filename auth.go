package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/telescope/internal/ephemeral"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func genToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashSecret is the one-way function used for credential secrets and
// one-time tokens. It must stay deterministic so hashes can be looked up.
func hashSecret(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// newClientCredentials returns a fresh credential row and its raw secret.
func newClientCredentials(integrationID string) (*IntegrationCredentials, string, error) {
	id, err := genToken(8)
	if err != nil {
		return nil, "", err
	}
	secret, err := genToken(32)
	if err != nil {
		return nil, "", err
	}
	return &IntegrationCredentials{
		ID:            id,
		IntegrationID: integrationID,
		SecretHash:    hashSecret(secret),
		CreatedAt:     time.Now().UTC(),
	}, secret, nil
}

// parseBasicAuth decodes "<scheme> base64(clientId:clientSecret)". Only the
// first colon separates the id, the secret may contain more.
func parseBasicAuth(header string) (clientID, secret string, ok bool) {
	_, encoded, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", false
	}
	clientID, secret, ok = strings.Cut(string(raw), ":")
	if !ok || clientID == "" || secret == "" {
		return "", "", false
	}
	return clientID, secret, true
}

// bearerToken returns the value after "Bearer ".
func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// schemeValue returns whatever follows the first space, ignoring the scheme.
// One-time call tokens are sent as "token <raw>" by the web app and as
// "Bearer <raw>" by integrations; both are accepted.
func schemeValue(header string) string {
	_, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

var errInvalidCredentials = errUnauthorized("Invalid credentials")

// CredentialStore verifies integration client credentials.
type CredentialStore struct {
	db DB
}

func NewCredentialStore(db DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// Verify resolves the integration, with its owner, that issued clientID. An
// unknown id and a wrong secret are indistinguishable to the caller.
func (s *CredentialStore) Verify(ctx context.Context, clientID, secret string) (*Integration, error) {
	creds, err := s.db.GetCredentials(ctx, clientID)
	if err != nil {
		return nil, err
	}
	// hash regardless so unknown ids cost the same
	hash := hashSecret(secret)
	if creds == nil || subtle.ConstantTimeCompare([]byte(creds.SecretHash), []byte(hash)) != 1 {
		return nil, errInvalidCredentials
	}
	if err := s.db.IncrementCredentialUses(ctx, creds.ID); err != nil {
		return nil, err
	}
	integration, err := s.db.GetIntegration(ctx, creds.IntegrationID)
	if err != nil {
		return nil, err
	}
	if integration == nil {
		return nil, errInvalidCredentials
	}
	owner, err := s.db.GetDeveloper(ctx, integration.OwnerID)
	if err != nil {
		return nil, err
	}
	integration.Owner = owner
	return integration, nil
}

// SessionIssuer signs developer session tokens. Only the most recently issued
// token per developer is accepted.
type SessionIssuer struct {
	db       DB
	sessions ephemeral.Keyspace
	secret   []byte
	ttl      time.Duration
}

func NewSessionIssuer(db DB, sessions ephemeral.Keyspace, secret string, ttl time.Duration) *SessionIssuer {
	return &SessionIssuer{db: db, sessions: sessions, secret: []byte(secret), ttl: ttl}
}

func (s *SessionIssuer) Issue(ctx context.Context, developerID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   developerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	if err := s.sessions.Set(ctx, developerID, token, s.ttl); err != nil {
		return "", fmt.Errorf("record session: %w", err)
	}
	return token, nil
}

// Verify checks the signature, that the developer still exists and that raw is
// the active session.
func (s *SessionIssuer) Verify(ctx context.Context, raw string) (*Developer, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || claims.Subject == "" {
		return nil, errUnauthorized("Invalid token")
	}
	dev, err := s.db.GetDeveloper(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, errUnauthorized("Invalid token")
	}
	active, err := s.sessions.Get(ctx, dev.ID)
	if errors.Is(err, ephemeral.ErrMiss) {
		return nil, errUnauthorized("Session expired")
	}
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(active), []byte(raw)) != 1 {
		return nil, errUnauthorized("Session revoked")
	}
	return dev, nil
}

func (s *SessionIssuer) Revoke(ctx context.Context, developerID string) error {
	_, err := s.sessions.Delete(ctx, developerID)
	return err
}

// StateGuard issues single-use OAuth state values.
type StateGuard struct {
	states ephemeral.Keyspace
	ttl    time.Duration
}

func NewStateGuard(states ephemeral.Keyspace, ttl time.Duration) *StateGuard {
	return &StateGuard{states: states, ttl: ttl}
}

func (g *StateGuard) Issue(ctx context.Context) (string, error) {
	state, err := genToken(16)
	if err != nil {
		return "", err
	}
	if err := g.states.Set(ctx, state, "1", g.ttl); err != nil {
		return "", err
	}
	return state, nil
}

// Consume reports whether state was issued and not yet consumed.
func (g *StateGuard) Consume(ctx context.Context, state string) (bool, error) {
	if state == "" {
		return false, nil
	}
	_, err := g.states.Take(ctx, state)
	if errors.Is(err, ephemeral.ErrMiss) {
		return false, nil
	}
	return err == nil, err
}
