package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

type createCallRequest struct {
	FromID    string          `json:"fromId" validate:"required,max=255"`
	ToID      string          `json:"toId" validate:"required,max=255"`
	Data      json.RawMessage `json:"data"`
	ExpiresAt *time.Time      `json:"expiresAt"`
}

type participantRequest struct {
	Nickname  string `json:"nickname" validate:"omitempty,max=64"`
	AvatarURL string `json:"avatarUrl" validate:"omitempty,url"`
}

type redeemRequest struct {
	Nickname  string `json:"nickname" validate:"required,max=64"`
	AvatarURL string `json:"avatarUrl" validate:"omitempty,url"`
}

type errorForwardRequest struct {
	Error            string `json:"error" validate:"max=255"`
	ErrorDescription string `json:"error_description" validate:"max=1024"`
}

// loadCall resolves {id} through the call manager, so stale calls 404.
func (a *App) loadCall(w http.ResponseWriter, r *http.Request) (*Call, bool) {
	call, err := a.calls.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeAPIError(w, r, err)
		return nil, false
	}
	return call, true
}

func (a *App) HandleCreateCall(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[createCallRequest](r, false)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if len(body.Data) > 0 && !json.Valid(body.Data) {
		a.writeAPIError(w, r, errMalformed("data must be valid JSON"))
		return
	}

	call, err := a.calls.Create(r.Context(), integrationFrom(r.Context()), CallInput{
		FromID:    body.FromID,
		ToID:      body.ToID,
		Data:      body.Data,
		ExpiresAt: body.ExpiresAt,
	})
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"call": call})
}

func (a *App) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	call, ok := a.loadCall(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"call": call})
}

func (a *App) HandleDeleteCall(w http.ResponseWriter, r *http.Request) {
	call, ok := a.loadCall(w, r)
	if !ok {
		return
	}
	if err := authorizeCall(call, integrationFrom(r.Context())); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if err := a.calls.Delete(r.Context(), call); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCallAuth takes participant data from the query on GET and from the
// JSON body on POST.
func (a *App) HandleCallAuth(w http.ResponseWriter, r *http.Request) {
	var body participantRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		body = participantRequest{Nickname: q.Get("nickname"), AvatarURL: q.Get("avatarUrl")}
		if err := validateValue(body, "Invalid query"); err != nil {
			a.writeAPIError(w, r, err)
			return
		}
	} else {
		var err error
		if body, err = decodeBody[participantRequest](r, true); err != nil {
			a.writeAPIError(w, r, err)
			return
		}
	}

	call, ok := a.loadCall(w, r)
	if !ok {
		return
	}
	url, err := a.broker.IssueAuthURL(r.Context(), call, integrationFrom(r.Context()), ParticipantData{
		Nickname:  body.Nickname,
		AvatarURL: body.AvatarURL,
	})
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"url": url})
}

func (a *App) HandleTokenData(w http.ResponseWriter, r *http.Request) {
	call, ok := a.loadCall(w, r)
	if !ok {
		return
	}
	data, err := a.broker.TokenData(r.Context(), call, schemeValue(r.Header.Get("Authorization")))
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

func (a *App) HandleCallToken(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[redeemRequest](r, false)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	call, ok := a.loadCall(w, r)
	if !ok {
		return
	}
	grant, err := a.broker.Redeem(r.Context(), call, schemeValue(r.Header.Get("Authorization")), ParticipantData{
		Nickname:  body.Nickname,
		AvatarURL: body.AvatarURL,
	})
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// HandleCallError accepts the error from the query, or from a JSON body on
// methods that carry one.
func (a *App) HandleCallError(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	body := errorForwardRequest{Error: q.Get("error"), ErrorDescription: q.Get("error_description")}
	if body.Error == "" && r.Method != http.MethodGet && r.Method != http.MethodHead {
		var err error
		if body, err = decodeBody[errorForwardRequest](r, true); err != nil {
			a.writeAPIError(w, r, err)
			return
		}
	}
	if err := validateValue(body, "Invalid request"); err != nil {
		a.writeAPIError(w, r, err)
		return
	}

	call, ok := a.loadCall(w, r)
	if !ok {
		return
	}
	url, err := a.broker.ErrorURL(call, integrationFrom(r.Context()), body.Error, body.ErrorDescription)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"url": url})
}

func (a *App) HandleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.broker.ResolveIdentity(r.Context(), r.URL.Query().Get("identity")))
}
