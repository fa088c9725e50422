package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/go-github/v74/github"
	"github.com/gorilla/mux"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const githubEmailScope = "user:email"

type integrationRequest struct {
	Name    string `json:"name" validate:"required,max=255"`
	BaseURL string `json:"baseUrl" validate:"required,http_url"`
	AddURL  string `json:"addUrl" validate:"required,http_url"`
}

type githubCallbackQuery struct {
	State string `validate:"required"`
	Code  string `validate:"required"`
}

func newGithubOAuth(clientID, clientSecret, oauthURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   oauthURL + "/login/oauth/authorize",
			TokenURL:  oauthURL + "/login/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{githubEmailScope},
	}
}

func (a *App) githubClient(ctx context.Context, token *oauth2.Token) (*github.Client, error) {
	client := github.NewClient(a.oauth.Client(ctx, token))
	base, err := url.Parse(strings.TrimRight(a.cfg.GithubAPIURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid GITHUB_API_URL: %w", err)
	}
	client.BaseURL = base
	return client, nil
}

func hasScope(token *oauth2.Token, want string) bool {
	granted, _ := token.Extra("scope").(string)
	for _, s := range strings.FieldsFunc(granted, func(r rune) bool { return r == ',' || r == ' ' }) {
		if s == want {
			return true
		}
	}
	return false
}

// githubDeveloper loads the signed-in GitHub user. The profile email may be
// private, in which case the primary verified address is used.
func (a *App) githubDeveloper(ctx context.Context, token *oauth2.Token) (*Developer, error) {
	client, err := a.githubClient(ctx, token)
	if err != nil {
		return nil, err
	}
	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return nil, errUpstream(err)
	}
	email := user.GetEmail()
	if email == "" {
		emails, _, err := client.Users.ListEmails(ctx, &github.ListOptions{PerPage: 100})
		if err != nil {
			return nil, errUpstream(err)
		}
		for _, e := range emails {
			if e.GetPrimary() && e.GetVerified() {
				email = e.GetEmail()
				break
			}
		}
	}
	if email == "" {
		return nil, errInvalid("Invalid account", "The GitHub account has no verified primary email")
	}
	name := user.GetName()
	if name == "" {
		name = user.GetLogin()
	}
	return &Developer{
		GithubID:  strconv.FormatInt(user.GetID(), 10),
		Email:     email,
		Username:  user.GetLogin(),
		Name:      name,
		AvatarURL: user.GetAvatarURL(),
	}, nil
}

func (a *App) HandleGithubConnect(w http.ResponseWriter, r *http.Request) {
	state, err := a.states.Issue(r.Context())
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	http.Redirect(w, r, a.oauth.AuthCodeURL(state), http.StatusFound)
}

func (a *App) HandleGithubCallback(w http.ResponseWriter, r *http.Request) {
	q := githubCallbackQuery{State: r.URL.Query().Get("state"), Code: r.URL.Query().Get("code")}
	if err := validateValue(q, "Invalid query"); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	ok, err := a.states.Consume(r.Context(), q.State)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if !ok {
		a.writeAPIError(w, r, errInvalid("Invalid state", "The login attempt expired, please try again"))
		return
	}

	token, err := a.oauth.Exchange(r.Context(), q.Code)
	if err != nil {
		a.log.Warn("github code exchange failed", zap.Error(err))
		a.writeAPIError(w, r, errUnauthorized("GitHub authorization failed"))
		return
	}
	if !hasScope(token, githubEmailScope) {
		a.writeAPIError(w, r, errInvalid("Invalid scope", "The "+githubEmailScope+" scope is required"))
		return
	}

	profile, err := a.githubDeveloper(r.Context(), token)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	dev, err := a.DB.UpsertDeveloper(r.Context(), profile)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	session, err := a.sessions.Issue(r.Context(), dev.ID)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	a.log.Info("developer signed in", zap.String("developer", dev.ID))
	http.Redirect(w, r, a.cfg.AppURL+"/developers/auth?"+url.Values{"token": {session}}.Encode(), http.StatusFound)
}

func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"dev": developerFrom(r.Context())})
}

func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Revoke(r.Context(), developerFrom(r.Context()).ID); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteMe removes the developer together with everything they own.
func (a *App) HandleDeleteMe(w http.ResponseWriter, r *http.Request) {
	dev := developerFrom(r.Context())
	owned, err := a.DB.ListIntegrationsByOwner(r.Context(), dev.ID)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	for _, in := range owned {
		if err := a.calls.DeleteForIntegration(r.Context(), in.ID); err != nil {
			a.writeAPIError(w, r, err)
			return
		}
	}
	if err := a.DB.DeleteDeveloper(r.Context(), dev.ID); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if err := a.sessions.Revoke(r.Context(), dev.ID); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	a.log.Info("developer deleted", zap.String("developer", dev.ID))
	w.WriteHeader(http.StatusNoContent)
}

// ownedIntegration loads {id} and checks it belongs to the signed-in developer.
func (a *App) ownedIntegration(w http.ResponseWriter, r *http.Request) (*Integration, bool) {
	integration, err := a.DB.GetIntegration(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeAPIError(w, r, err)
		return nil, false
	}
	if integration == nil {
		a.writeAPIError(w, r, errNotFound("Integration not found"))
		return nil, false
	}
	if integration.OwnerID != developerFrom(r.Context()).ID {
		a.writeAPIError(w, r, errForbidden("You do not own this integration"))
		return nil, false
	}
	return integration, true
}

func (a *App) withCredentials(ctx context.Context, in *Integration) error {
	creds, err := a.DB.ListCredentials(ctx, in.ID)
	if err != nil {
		return err
	}
	in.Credentials = creds
	return nil
}

func (a *App) HandleListIntegrations(w http.ResponseWriter, r *http.Request) {
	list, err := a.DB.ListIntegrationsByOwner(r.Context(), developerFrom(r.Context()).ID)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	for _, in := range list {
		if err := a.withCredentials(r.Context(), in); err != nil {
			a.writeAPIError(w, r, err)
			return
		}
	}
	if list == nil {
		list = []*Integration{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"integrations": list})
}

func (a *App) HandleGetIntegration(w http.ResponseWriter, r *http.Request) {
	integration, ok := a.ownedIntegration(w, r)
	if !ok {
		return
	}
	if err := a.withCredentials(r.Context(), integration); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"integration": integration})
}

// integrationID derives "<slug>-<6 hex>" from the display name.
func integrationID(name string) (string, error) {
	base := slug.Make(name)
	if base == "" {
		base = "integration"
	}
	if len(base) > 48 {
		base = strings.Trim(base[:48], "-")
	}
	suffix, err := genToken(3)
	if err != nil {
		return "", err
	}
	return base + "-" + suffix, nil
}

func (a *App) HandleCreateIntegration(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[integrationRequest](r, false)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	key, err := genToken(32)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	integration := &Integration{
		Name:    body.Name,
		BaseURL: body.BaseURL,
		AddURL:  body.AddURL,
		Key:     key,
		OwnerID: developerFrom(r.Context()).ID,
	}
	// a colliding random suffix is unlikely; retry a few times before giving up
	for attempt := 0; attempt < 3; attempt++ {
		if integration.ID, err = integrationID(body.Name); err != nil {
			break
		}
		if err = a.DB.CreateIntegration(r.Context(), integration); !errors.Is(err, errDuplicate) {
			break
		}
	}
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	integration.Credentials = []*IntegrationCredentials{}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"integration": integration})
}

func (a *App) HandleUpdateIntegration(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[integrationRequest](r, false)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	integration, ok := a.ownedIntegration(w, r)
	if !ok {
		return
	}
	integration.Name, integration.BaseURL, integration.AddURL = body.Name, body.BaseURL, body.AddURL
	if err := a.DB.UpdateIntegration(r.Context(), integration); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = errNotFound("Integration not found")
		}
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"integration": integration})
}

func (a *App) HandleDeleteIntegration(w http.ResponseWriter, r *http.Request) {
	integration, ok := a.ownedIntegration(w, r)
	if !ok {
		return
	}
	if err := a.calls.DeleteForIntegration(r.Context(), integration.ID); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if err := a.DB.DeleteIntegration(r.Context(), integration.ID); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"integration": integration})
}

// HandleCreateCredentials returns the raw secret. It is never retrievable again.
func (a *App) HandleCreateCredentials(w http.ResponseWriter, r *http.Request) {
	integration, ok := a.ownedIntegration(w, r)
	if !ok {
		return
	}
	creds, secret, err := newClientCredentials(integration.ID)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if err := a.DB.CreateCredentials(r.Context(), creds); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	a.log.Info("credentials created", zap.String("integration", integration.ID), zap.String("client", creds.ID))
	writeJSON(w, http.StatusOK, map[string]interface{}{"credentials": creds, "secret": secret})
}

func (a *App) HandleDeleteCredentials(w http.ResponseWriter, r *http.Request) {
	integration, ok := a.ownedIntegration(w, r)
	if !ok {
		return
	}
	creds, err := a.DB.GetCredentials(r.Context(), mux.Vars(r)["credentialId"])
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if creds == nil {
		a.writeAPIError(w, r, errNotFound("Credentials not found"))
		return
	}
	if creds.IntegrationID != integration.ID {
		a.writeAPIError(w, r, errForbidden("These credentials belong to another integration"))
		return
	}
	if err := a.DB.DeleteCredentials(r.Context(), creds.ID); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"credentials": creds})
}

func (a *App) HandlePublicIntegrations(w http.ResponseWriter, r *http.Request) {
	list, err := a.DB.ListVerifiedIntegrations(r.Context())
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	out := make([]*Integration, 0, len(list))
	for _, in := range list {
		out = append(out, in.Public())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"integrations": out})
}

func (a *App) HandlePublicIntegration(w http.ResponseWriter, r *http.Request) {
	integration, err := a.DB.GetIntegration(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if integration == nil || !integration.IsVerified {
		a.writeAPIError(w, r, errNotFound("Integration not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"integration": integration.Public()})
}
