package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// validationMessage renders field errors as "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: failed '%s=%s'", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: failed '%s'", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func validateValue[T any](v T, code string) error {
	if err := validate.Struct(v); err != nil {
		return errInvalid(code, validationMessage(err))
	}
	return nil
}

// decodeBody reads and validates a JSON body. With optional set an empty body
// yields the zero value.
func decodeBody[T any](r *http.Request, optional bool) (T, error) {
	var body T
	if r.Body == nil {
		if optional {
			return body, nil
		}
		return body, errMalformed("Request body is required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return body, nil
		}
		return body, errMalformed("Request body must be valid JSON")
	}
	if err := validateValue(body, "Invalid body"); err != nil {
		return body, err
	}
	return body, nil
}

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// HandleReady pings both stores.
func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ready := true
	if p, ok := a.DB.(interface{ ping() bool }); ok && !p.ping() {
		ready = false
	}
	if a.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.pinger.Ping(ctx); err != nil {
			ready = false
		}
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"ready": ready})
}
