package main

import (
	"encoding/json"
	"time"
)

// Developer owns integrations and signs in through GitHub.
type Developer struct {
	ID        string    `json:"id"`
	GithubID  string    `json:"githubId"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatarUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// Integration is a third-party system allowed to create calls.
type Integration struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	BaseURL    string    `json:"baseUrl"`
	AddURL     string    `json:"addUrl"`
	Key        string    `json:"key,omitempty"`
	OwnerID    string    `json:"ownerId"`
	IsVerified bool      `json:"isVerified"`
	CreatedAt  time.Time `json:"createdAt"`

	Owner       *Developer                `json:"owner,omitempty"`
	Credentials []*IntegrationCredentials `json:"credentials,omitempty"`
}

// Public strips the fields only the owner may see.
func (in *Integration) Public() *Integration {
	out := *in
	out.Key = ""
	out.Owner = nil
	out.Credentials = nil
	return &out
}

// IntegrationCredentials is a client id and the hash of its secret.
type IntegrationCredentials struct {
	ID            string    `json:"id"`
	IntegrationID string    `json:"integrationId"`
	SecretHash    string    `json:"-"`
	Uses          int64     `json:"uses"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Call binds two integration-side identities to one provider room.
type Call struct {
	ID              string          `json:"id"`
	FromID          string          `json:"fromId"`
	ToID            string          `json:"toId"`
	IntegrationID   string          `json:"integrationId"`
	IntegrationData json.RawMessage `json:"integrationData"`
	RoomID          string          `json:"roomId"`
	ExpiresAt       *time.Time      `json:"expiresAt"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Expired reports whether the call outlived its explicit expiry.
func (c *Call) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// ParticipantData is the display identity attached to a one-time token and,
// after redemption, to a room participant.
type ParticipantData struct {
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatarUrl"`
}

// Grant admits one participant to the call's room.
type Grant struct {
	Token    string `json:"grant"`
	Identity string `json:"identity"`
	RoomID   string `json:"roomId"`
}
