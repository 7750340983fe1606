// Package httpapi serves the stateless JSON endpoints used by clients that
// keep the conversation themselves.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/tutor"
)

const maxBodyBytes = 1 << 20

// Replier generates tutor turns.
type Replier interface {
	Reply(ctx context.Context, req tutor.Request) (*tutor.Reply, error)
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// API holds the handlers' collaborators.
type API struct {
	replier  Replier
	catalogs tutor.CatalogSource
	logger   zerolog.Logger
}

func New(replier Replier, catalogs tutor.CatalogSource) *API {
	return &API{
		replier:  replier,
		catalogs: catalogs,
		logger:   observability.Component("httpapi"),
	}
}

// Register mounts the endpoints on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/chat", a.Chat)
	mux.HandleFunc("/api/catalog", a.Catalog)
}

// Chat proxies one tutor turn: POST {history, language, difficulty,
// partner, topic} returns {reply, feedback?}.
func (a *API) Chat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
		return
	}

	var req tutor.Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body.", Details: err.Error()})
		return
	}

	reply, err := a.replier.Reply(r.Context(), req)
	if err != nil {
		a.logger.Error().Err(err).Str("partner", req.Partner).Msg("Error in tutor reply")
		details := err.Error()
		if !errors.Is(err, tutor.ErrUpstream) {
			details = "An unknown error occurred"
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to get response from AI.", Details: details})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// Catalog returns the languages, difficulties, partners and topics on offer.
func (a *API) Catalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, a.catalogs.Catalog())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
