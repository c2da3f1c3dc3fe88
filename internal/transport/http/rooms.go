package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"liveroom/internal/app"
	"liveroom/internal/domain"
	"liveroom/internal/logger"
	"liveroom/internal/protocol"
)

const maxCreateBody = 1 << 20

// RoomsHandler serves room creation and lookup.
type RoomsHandler struct {
	coord    *app.Coordinator
	identity app.IdentityGateway
	log      *slog.Logger
}

func NewRoomsHandler(coord *app.Coordinator, identity app.IdentityGateway, log *slog.Logger) *RoomsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RoomsHandler{coord: coord, identity: identity, log: log}
}

type createRoomResponse struct {
	RoomID          string            `json:"roomId"`
	Code            string            `json:"code"`
	Status          domain.RoomStatus `json:"status"`
	ControllerToken string            `json:"controllerToken"`
}

// POST /rooms
func (h *RoomsHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), h.log)
	token := bearerToken(r)
	if token == "" || h.identity == nil {
		writeError(w, domain.ErrUnauthenticated)
		return
	}
	id, err := h.identity.ResolveIdentity(r.Context(), app.IdentityClaim{Token: token})
	if err != nil {
		writeError(w, domain.ErrUnauthenticated)
		return
	}
	if id.Role != domain.RoleController {
		writeError(w, domain.ErrNotController)
		return
	}

	var cfg domain.RoomConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeError(w, domain.Validation("invalid room config"))
		return
	}

	room, err := h.coord.CreateRoom(r.Context(), id.StableID, cfg)
	if err != nil {
		if domain.AsError(err).Kind == domain.KindInternal {
			log.Error("create room", slog.Any("err", err))
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createRoomResponse{
		RoomID:          room.ID,
		Code:            room.JoinCode,
		Status:          room.Status,
		ControllerToken: token,
	})
}

// GET /rooms/{code}
func (h *RoomsHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	view, err := h.coord.Summary(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a coded error with the controller-facing message.
func writeError(w http.ResponseWriter, err error) {
	e := domain.AsError(err)
	writeJSON(w, statusFor(e), protocol.ErrorData{Code: e.Code, Message: e.MessageFor(domain.RoleController)})
}

func statusFor(e *domain.Error) int {
	switch {
	case errors.Is(e, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case e.Kind == domain.KindValidation:
		return http.StatusBadRequest
	case e.Kind == domain.KindPermission:
		return http.StatusForbidden
	case e.Kind == domain.KindNotFound:
		return http.StatusNotFound
	case e.Kind == domain.KindState:
		return http.StatusConflict
	case e.Kind == domain.KindResourceExhausted:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
