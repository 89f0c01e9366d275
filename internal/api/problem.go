package api

import (
	"errors"
	"log/slog"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/hyperengineering/livesync/internal/oplog"
	"github.com/hyperengineering/livesync/internal/state"
	"github.com/hyperengineering/livesync/pkg/patch"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusUnauthorized:          {"https://livesync.dev/errors/unauthorized", "Unauthorized"},
	http.StatusBadRequest:            {"https://livesync.dev/errors/bad-request", "Bad Request"},
	http.StatusNotFound:              {"https://livesync.dev/errors/not-found", "Not Found"},
	http.StatusConflict:              {"https://livesync.dev/errors/conflict", "Conflict"},
	http.StatusRequestEntityTooLarge: {"https://livesync.dev/errors/too-large", "Request Entity Too Large"},
	http.StatusTooManyRequests:       {"https://livesync.dev/errors/rate-limit", "Too Many Requests"},
	http.StatusInternalServerError:   {"https://livesync.dev/errors/internal-error", "Internal Server Error"},
	http.StatusServiceUnavailable:    {"https://livesync.dev/errors/service-unavailable", "Service Unavailable"},
}

func newProblem(r *http.Request, status int, detail string) Problem {
	pt, ok := problemTypes[status]
	if !ok {
		pt = problemType{
			typeURI: "https://livesync.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}
	return Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemBody(w, status, newProblem(r, status, detail))
}

// ReconnectProblem extends Problem with the id of the failed reconnect.
type ReconnectProblem struct {
	Problem
	ReconnectID string `json:"reconnectId"`
}

// WriteReconnectProblem writes a problem response that carries the
// reconnect id the client sent.
func WriteReconnectProblem(w http.ResponseWriter, r *http.Request, status int, detail, reconnectID string) {
	writeProblemBody(w, status, ReconnectProblem{
		Problem:     newProblem(r, status, detail),
		ReconnectID: reconnectID,
	})
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapStoreError converts domain errors to Problem Details responses.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Entity not found")
	case errors.Is(err, state.ErrInvalidKey):
		WriteProblem(w, r, http.StatusBadRequest, "Entity type and id are required; entity type must not contain ':'")
	case errors.Is(err, patch.ErrInvalidPath), errors.Is(err, patch.ErrUnknownOp):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, oplog.ErrVersionConflict):
		WriteProblem(w, r, http.StatusConflict, "Concurrent modification")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
