package server

import (
	"errors"
	"io"
	"net/http"

	"briefgate/auth"
	"briefgate/session"
)

const (
	sessionHeader = "Mcp-Session-Id"
	maxMCPBody    = 4 << 20
)

// handleMCPPost routes one protocol message to its session, creating the
// session on first contact from an authenticated connection.
func (a *App) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMCPBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONStatus(w, http.StatusRequestEntityTooLarge, errorBody{Error: string(auth.KindInvalidRequest), Description: "message too large"})
			return
		}
		a.writeError(w, r, auth.NewInvalidRequestError("unreadable request body"))
		return
	}
	if len(body) == 0 {
		a.writeError(w, r, auth.NewInvalidRequestError("empty message"))
		return
	}

	s, created, err := a.Mux.Open(r.Context(), connIDFromContext(r.Context()),
		r.Header.Get(sessionHeader), extractBearerToken(r.Header.Get("Authorization")))
	if err != nil {
		a.writeMCPError(w, r, err)
		return
	}
	w.Header().Set(sessionHeader, s.ID)
	if created {
		a.Logger.Debug("session opened over http", "session_id", s.ID, "request_id", RequestIDFromContext(r.Context()))
	}

	resp := a.Mux.Dispatch(r.Context(), s, body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, resp)
}

// handleMCPStream attaches a server-sent event stream to an existing session.
func (a *App) handleMCPStream(w http.ResponseWriter, r *http.Request) {
	s, err := a.Mux.Lookup(r.Header.Get(sessionHeader))
	if err != nil {
		a.writeMCPError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, r, auth.NewInternalError("streaming unsupported", nil))
		return
	}
	if nt, ok := s.Transport().(*session.NetworkTransport); ok && nt.Streaming() {
		writeJSONStatus(w, http.StatusConflict, errorBody{Error: string(auth.KindInvalidRequest), Description: "a stream is already attached to this session"})
		return
	}

	w.Header().Set(sessionHeader, s.ID)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := a.Mux.Stream(r.Context(), s, w, flusher.Flush); err != nil && !errors.Is(err, session.ErrStreamActive) {
		a.Logger.Debug("stream ended", "session_id", s.ID, "error", err)
	}
}

func (a *App) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.Mux.Terminate(r.Header.Get(sessionHeader)); err != nil {
		a.writeMCPError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) writeMCPError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, session.ErrShuttingDown) {
		w.Header().Set("Retry-After", "5")
		writeJSONStatus(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Description: "server is shutting down"})
		return
	}
	a.writeError(w, r, err)
}
