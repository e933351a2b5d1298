package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/auth"
	"live-quiz-service/internal/domain"
)

// APIHandler serves the small REST surface around the socket protocol.
type APIHandler struct {
	service  *app.GameService
	identity IdentityResolver
}

func NewAPIHandler(service *app.GameService, identity IdentityResolver) *APIHandler {
	return &APIHandler{service: service, identity: identity}
}

// Routes registers every HTTP endpoint of the service on mux.
func Routes(mux *http.ServeMux, api *APIHandler, ws *WSHandler) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /api/games", api.CreateGame)
	mux.HandleFunc("GET /api/games/{code}/access", api.ValidateAccess)
	mux.HandleFunc("/ws", ws.ServeWS)
}

func (h *APIHandler) CreateGame(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req app.CreateGameRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, domain.ErrValidation)
		return
	}
	instance, err := h.service.CreateGame(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, domain.ErrNotAuthorized) {
			log.Printf("api: create game by %s (%s) not authorized", id.UserID, id.Role)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, instance)
}

// ValidateAccess answers GET /api/games/{code}/access?page=lobby.
func (h *APIHandler) ValidateAccess(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	code := domain.NormalizeAccessCode(r.PathValue("code"))
	page := app.Page(r.URL.Query().Get("page"))
	res, err := h.service.ValidatePageAccess(r.Context(), id, code, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) authenticate(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	id, err := h.identity.Resolve(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		writeError(w, domain.ErrNotAuthorized)
		return domain.Identity{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	status := http.StatusBadRequest
	message := err.Error()
	switch code {
	case domain.CodeNotAuthorized:
		status, message = http.StatusForbidden, "not authorized"
	case domain.CodeSessionNotFound, domain.CodeTemplateNotFound:
		status = http.StatusNotFound
	case domain.CodeInternal:
		log.Printf("api: %v", err)
		status, message = http.StatusInternalServerError, "internal error"
	}
	writeJSON(w, status, app.ErrorPayload{Code: code, Message: message})
}
