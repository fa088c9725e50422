package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTwilio struct {
	rooms        map[string]string // sid -> status
	participants map[string]int
	lastForm     map[string]string
}

func (f *fakeTwilio) handler(t *testing.T) http.Handler {
	r := mux.NewRouter()
	writeJSON := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "SKkey" || pass != "secret" {
				writeJSON(w, http.StatusUnauthorized, twilioError{Code: 20003, Message: "Authenticate", Status: 401})
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.HandleFunc("/v1/Rooms", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.lastForm = map[string]string{}
		for k := range r.PostForm {
			f.lastForm[k] = r.PostForm.Get(k)
		}
		f.rooms["RMnew"] = statusInProgress
		writeJSON(w, http.StatusCreated, twilioRoom{SID: "RMnew", UniqueName: r.PostForm.Get("UniqueName"), Status: statusInProgress})
	}).Methods("POST")
	r.HandleFunc("/v1/Rooms/{sid}", func(w http.ResponseWriter, r *http.Request) {
		sid := mux.Vars(r)["sid"]
		status, ok := f.rooms[sid]
		if !ok {
			writeJSON(w, http.StatusNotFound, twilioError{Code: 20404, Message: "not found", Status: 404})
			return
		}
		writeJSON(w, http.StatusOK, twilioRoom{SID: sid, UniqueName: "call", Status: status})
	}).Methods("GET")
	r.HandleFunc("/v1/Rooms/{sid}", func(w http.ResponseWriter, r *http.Request) {
		sid := mux.Vars(r)["sid"]
		if _, ok := f.rooms[sid]; !ok {
			writeJSON(w, http.StatusNotFound, twilioError{Code: 20404, Message: "not found", Status: 404})
			return
		}
		f.rooms[sid] = "completed"
		writeJSON(w, http.StatusOK, twilioRoom{SID: sid, Status: "completed"})
	}).Methods("POST")
	r.HandleFunc("/v1/Rooms/{sid}/Participants", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "connected", r.URL.Query().Get("Status"))
		var out twilioParticipants
		for i := 0; i < f.participants[mux.Vars(r)["sid"]]; i++ {
			out.Participants = append(out.Participants, struct {
				SID      string `json:"sid"`
				Identity string `json:"identity"`
				Status   string `json:"status"`
			}{SID: "PA", Status: "connected"})
		}
		writeJSON(w, http.StatusOK, out)
	}).Methods("GET")
	return r
}

func newTestTwilio(t *testing.T, f *fakeTwilio) *Twilio {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewTwilio(TwilioConfig{
		AccountSID: "ACacct",
		APIKeySID:  "SKkey",
		APISecret:  "secret",
		BaseURL:    srv.URL,
		Timeout:    time.Second,
	})
}

func TestTwilioCreateRoom(t *testing.T) {
	f := &fakeTwilio{rooms: map[string]string{}}
	tw := newTestTwilio(t, f)

	room, err := tw.CreateRoom(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, "RMnew", room.ID)
	assert.Equal(t, "call-1", room.Name)
	assert.Equal(t, "call-1", f.lastForm["UniqueName"])
	assert.Equal(t, "go", f.lastForm["Type"])
	assert.Equal(t, "2", f.lastForm["MaxParticipants"])
}

func TestTwilioFetchRoom(t *testing.T) {
	f := &fakeTwilio{
		rooms:        map[string]string{"RMlive": statusInProgress, "RMdone": "completed"},
		participants: map[string]int{"RMlive": 2},
	}
	tw := newTestTwilio(t, f)
	ctx := context.Background()

	room, err := tw.FetchRoom(ctx, "RMlive")
	require.NoError(t, err)
	assert.Equal(t, 2, room.Participants)

	_, err = tw.FetchRoom(ctx, "RMdone")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = tw.FetchRoom(ctx, "RMmissing")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestTwilioCompleteRoom(t *testing.T) {
	f := &fakeTwilio{rooms: map[string]string{"RMlive": statusInProgress}}
	tw := newTestTwilio(t, f)
	ctx := context.Background()

	require.NoError(t, tw.CompleteRoom(ctx, "RMlive"))
	assert.Equal(t, "completed", f.rooms["RMlive"])
	require.NoError(t, tw.CompleteRoom(ctx, "RMmissing"))
}

func TestTwilioUpstreamError(t *testing.T) {
	f := &fakeTwilio{rooms: map[string]string{}}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	tw := NewTwilio(TwilioConfig{APIKeySID: "SKkey", APISecret: "wrong", BaseURL: srv.URL})

	_, err := tw.CreateRoom(context.Background(), "call-1")
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusUnauthorized, upErr.Status)
	assert.Equal(t, 20003, upErr.Code)
}

func TestTwilioTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	tw := NewTwilio(TwilioConfig{APIKeySID: "SKkey", APISecret: "secret", BaseURL: srv.URL, Timeout: 50 * time.Millisecond})

	_, err := tw.FetchRoom(context.Background(), "RMslow")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRoomNotFound)
}

func TestTwilioGrant(t *testing.T) {
	tw := NewTwilio(TwilioConfig{AccountSID: "ACacct", APIKeySID: "SKkey", APISecret: "secret", GrantTTL: time.Hour})

	raw, err := tw.Grant("identity-1", "RMroom")
	require.NoError(t, err)

	token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) { return []byte("secret"), nil })
	require.NoError(t, err)
	assert.Equal(t, "twilio-fpa;v=1", token.Header["cty"])

	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "SKkey", claims["iss"])
	assert.Equal(t, "ACacct", claims["sub"])
	grants := claims["grants"].(map[string]interface{})
	assert.Equal(t, "identity-1", grants["identity"])
	assert.Equal(t, "RMroom", grants["video"].(map[string]interface{})["room"])
}
