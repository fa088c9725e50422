package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegrationAuthOptional(t *testing.T) {
	env := newTestEnv(t)
	ti := env.seedIntegration(t, "1", "bot-aaaaaa")

	var seen *Integration
	h := env.app.IntegrationAuth(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = integrationFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	for name, tc := range map[string]struct {
		header string
		want   string
	}{
		"no header":   {"", ""},
		"bad secret":  {basic(ti.clientID + ":nope"), ""},
		"valid":       {ti.basicAuth(), ti.ID},
		"not base64":  {"Basic ???", ""},
		"other token": {"Bearer abc", ""},
	} {
		t.Run(name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code)
			if tc.want == "" {
				assert.Nil(t, seen)
			} else {
				require.NotNil(t, seen)
				assert.Equal(t, tc.want, seen.ID)
			}
		})
	}
}

func TestDevAuthModes(t *testing.T) {
	env := newTestEnv(t)
	dev, err := env.db.UpsertDeveloper(context.Background(), &Developer{GithubID: "5", Email: "e@example.com", Username: "e", Name: "E"})
	require.NoError(t, err)
	token, err := env.app.sessions.Issue(context.Background(), dev.ID)
	require.NoError(t, err)

	var seen *Developer
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = developerFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	required := env.app.DevAuth(true)(next)
	optional := env.app.DevAuth(false)(next)

	serve := func(h http.Handler, header string) int {
		seen = nil
		req := httptest.NewRequest("GET", "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(required, ""))
	assert.Equal(t, http.StatusUnauthorized, serve(required, "Bearer junk"))
	assert.Equal(t, http.StatusOK, serve(required, "Bearer "+token))
	require.NotNil(t, seen)
	assert.Equal(t, dev.ID, seen.ID)

	assert.Equal(t, http.StatusOK, serve(optional, "Bearer junk"))
	assert.Nil(t, seen)
	assert.Equal(t, http.StatusOK, serve(optional, ""))
	assert.Nil(t, seen)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)
	h := env.app.CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("OPTIONS", "/integrations/calls/x/tokendata", nil)
	req.Header.Set("Origin", "http://app.test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://app.test", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "http://evil.test")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiterPerKey(t *testing.T) {
	rl := NewRateLimiter(1)
	assert.True(t, rl.getLimiter("a").Allow())
	assert.False(t, rl.getLimiter("a").Allow())
	assert.True(t, rl.getLimiter("b").Allow())
}

func TestWriteAPIErrorHidesInternals(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.app.writeAPIError(rec, httptest.NewRequest("GET", "/", nil), assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
	assert.Contains(t, rec.Body.String(), `"error_description"`)
}
