package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	cfg "github.com/example/telescope/internal/config"
	"github.com/example/telescope/internal/ephemeral"
	"github.com/example/telescope/internal/rooms"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testAvatar = "https://avatar.test/default.png"

type testEnv struct {
	app   *App
	db    *MemDB
	rooms *rooms.Memory
	redis *miniredis.Miniredis
	store *ephemeral.Store
	srv   *httptest.Server
}

func testConfig() *cfg.Config {
	return &cfg.Config{
		Port:               "0",
		Env:                "test",
		AppURL:             "http://app.test",
		JwtSecret:          "test-secret",
		JwtTTL:             time.Hour,
		StateTTL:           time.Minute,
		RoomTimeout:        time.Second,
		GrantTTL:           time.Hour,
		DefaultAvatarURL:   testAvatar,
		RateLimitPerMinute: 1000,
		GithubClientID:     "gh-client",
		GithubClientSecret: "gh-secret",
		GithubOAuthURL:     "http://github.invalid",
		GithubAPIURL:       "http://api.github.invalid",
	}
}

func newTestStore(t *testing.T) (*ephemeral.Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	store := ephemeral.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func newTestEnv(t *testing.T, tweak ...func(*cfg.Config)) *testEnv {
	c := testConfig()
	for _, fn := range tweak {
		fn(c)
	}
	store, mr := newTestStore(t)
	db := NewMemoryDB()
	provider := rooms.NewMemory(c.JwtSecret, c.GrantTTL)
	app := NewApp(c, db, store, provider, zaptest.NewLogger(t))
	srv := httptest.NewServer(app.Router())
	t.Cleanup(srv.Close)
	return &testEnv{app: app, db: db, rooms: provider, redis: mr, store: store, srv: srv}
}

type testIntegration struct {
	*Integration
	clientID string
	secret   string
}

func (ti *testIntegration) basicAuth() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(ti.clientID+":"+ti.secret))
}

// seedIntegration creates a developer, an integration and one credential pair.
func (e *testEnv) seedIntegration(t *testing.T, githubID, id string) *testIntegration {
	ctx := context.Background()
	dev, err := e.db.UpsertDeveloper(ctx, &Developer{GithubID: githubID, Email: githubID + "@example.com", Username: "dev" + githubID, Name: "Dev"})
	require.NoError(t, err)
	in := &Integration{ID: id, Name: id, BaseURL: "https://" + id + ".example", AddURL: "https://" + id + ".example/add", Key: "key-" + id, OwnerID: dev.ID}
	require.NoError(t, e.db.CreateIntegration(ctx, in))
	creds, secret, err := newClientCredentials(in.ID)
	require.NoError(t, err)
	require.NoError(t, e.db.CreateCredentials(ctx, creds))
	return &testIntegration{Integration: in, clientID: creds.ID, secret: secret}
}

type apiResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *apiResponse) decode(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Body, v), string(r.Body))
}

func (r *apiResponse) apiError(t *testing.T) APIError {
	t.Helper()
	var e APIError
	r.decode(t, &e)
	return e
}

// do sends a request without following redirects.
func (e *testEnv) do(t *testing.T, method, path, auth string, body interface{}) *apiResponse {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return &apiResponse{Status: resp.StatusCode, Header: resp.Header, Body: out.Bytes()}
}
