package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"briefgate/auth"
)

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the error taxonomy. Only the description reaches
// the client; details and causes are logged. Internal failures are redacted
// outside dev mode.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *auth.Error
	if !errors.As(err, &e) {
		e = auth.NewInternalError("internal server error", err)
	}

	attrs := []any{
		"request_id", RequestIDFromContext(r.Context()),
		"path", r.URL.Path,
		"error", string(e.Kind),
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	if e.Cause != nil {
		attrs = append(attrs, "cause", e.Cause.Error())
	}

	description := e.Description
	switch e.Kind {
	case auth.KindInternal:
		a.Logger.Error("request failed", attrs...)
		if !a.Config.Server.DevMode {
			description = "internal server error"
		}
	case auth.KindAuthentication:
		a.Logger.Debug("request rejected", attrs...)
		w.Header().Set("WWW-Authenticate", a.bearerChallenge())
	default:
		a.Logger.Debug("request rejected", attrs...)
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSONStatus(w, e.Status(), errorBody{Error: string(e.Kind), Description: description})
}

func (a *App) bearerChallenge() string {
	return fmt.Sprintf(`Bearer realm="briefgate", resource_metadata="%s/.well-known/oauth-protected-resource"`, a.Config.Issuer())
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
