package rooms

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
)

// TwilioConfig holds the credentials of a Twilio API key.
type TwilioConfig struct {
	AccountSID string
	APIKeySID  string
	APISecret  string
	BaseURL    string
	RoomType   string
	Timeout    time.Duration
	GrantTTL   time.Duration
}

// Twilio talks to the Twilio Video REST API.
type Twilio struct {
	http *resty.Client
	cfg  TwilioConfig
	now  func() time.Time
}

type twilioRoom struct {
	SID        string `json:"sid"`
	UniqueName string `json:"unique_name"`
	Status     string `json:"status"`
}

type twilioParticipants struct {
	Participants []struct {
		SID      string `json:"sid"`
		Identity string `json:"identity"`
		Status   string `json:"status"`
	} `json:"participants"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

const statusInProgress = "in-progress"

func NewTwilio(cfg TwilioConfig) *Twilio {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://video.twilio.com"
	}
	if cfg.RoomType == "" {
		cfg.RoomType = "go"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.GrantTTL == 0 {
		cfg.GrantTTL = time.Hour
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetBasicAuth(cfg.APIKeySID, cfg.APISecret).
		SetHeader("Accept", "application/json")
	return &Twilio{http: client, cfg: cfg, now: time.Now}
}

func upstream(op string, resp *resty.Response) error {
	e, _ := resp.Error().(*twilioError)
	if e == nil {
		e = &twilioError{Message: http.StatusText(resp.StatusCode())}
	}
	return &UpstreamError{Op: op, Status: resp.StatusCode(), Code: e.Code, Message: e.Message}
}

func (t *Twilio) CreateRoom(ctx context.Context, name string) (*Room, error) {
	resp, err := t.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"UniqueName":      name,
			"Type":            t.cfg.RoomType,
			"MaxParticipants": "2",
		}).
		SetResult(&twilioRoom{}).
		SetError(&twilioError{}).
		Post("/v1/Rooms")
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	if resp.IsError() {
		return nil, upstream("create room", resp)
	}
	r := resp.Result().(*twilioRoom)
	return &Room{ID: r.SID, Name: r.UniqueName, Status: r.Status}, nil
}

func (t *Twilio) FetchRoom(ctx context.Context, id string) (*Room, error) {
	resp, err := t.http.R().
		SetContext(ctx).
		SetPathParam("sid", id).
		SetResult(&twilioRoom{}).
		SetError(&twilioError{}).
		Get("/v1/Rooms/{sid}")
	if err != nil {
		return nil, fmt.Errorf("fetch room: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrRoomNotFound
	}
	if resp.IsError() {
		return nil, upstream("fetch room", resp)
	}
	r := resp.Result().(*twilioRoom)
	if r.Status != statusInProgress {
		return nil, ErrRoomNotFound
	}

	resp, err = t.http.R().
		SetContext(ctx).
		SetPathParam("sid", id).
		SetQueryParams(map[string]string{"Status": "connected", "PageSize": "50"}).
		SetResult(&twilioParticipants{}).
		SetError(&twilioError{}).
		Get("/v1/Rooms/{sid}/Participants")
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrRoomNotFound
	}
	if resp.IsError() {
		return nil, upstream("list participants", resp)
	}
	p := resp.Result().(*twilioParticipants)
	return &Room{ID: r.SID, Name: r.UniqueName, Status: r.Status, Participants: len(p.Participants)}, nil
}

func (t *Twilio) CompleteRoom(ctx context.Context, id string) error {
	resp, err := t.http.R().
		SetContext(ctx).
		SetPathParam("sid", id).
		SetFormData(map[string]string{"Status": "completed"}).
		SetError(&twilioError{}).
		Post("/v1/Rooms/{sid}")
	if err != nil {
		return fmt.Errorf("complete room: %w", err)
	}
	// 404 and 400 (already completed) both mean there is nothing left to end
	if resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusBadRequest {
		return nil
	}
	if resp.IsError() {
		return upstream("complete room", resp)
	}
	return nil
}

// Grant builds a Twilio access token carrying a video grant.
func (t *Twilio) Grant(identity, roomID string) (string, error) {
	now := t.now()
	claims := jwt.MapClaims{
		"jti": t.cfg.APIKeySID + "-" + strconv.FormatInt(now.Unix(), 10),
		"iss": t.cfg.APIKeySID,
		"sub": t.cfg.AccountSID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(t.cfg.GrantTTL).Unix(),
		"grants": map[string]interface{}{
			"identity": identity,
			"video":    map[string]string{"room": roomID},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["cty"] = "twilio-fpa;v=1"
	return token.SignedString([]byte(t.cfg.APISecret))
}
