// Package handler exposes the sync engine over HTTP: a websocket endpoint
// for live editing sessions and a read API for consumers that only need
// current values and change replay.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"rosterd/internal/sync/hub"
	"rosterd/internal/sync/manager"
	"rosterd/internal/sync/models"
	"rosterd/internal/sync/protocol"
	"rosterd/pkg/platform/sentinel"
	platformstrings "rosterd/pkg/platform/strings"
)

// StateService is the slice of the state manager the handler depends on.
type StateService interface {
	UpdateEntity(ctx context.Context, entityID string, proposed models.FieldMap, baseVersion int64, origin string) (*models.StateChange, error)
	GetEntity(ctx context.Context, entityID string) (*models.Entity, error)
	GetChangesSince(ctx context.Context, entityID string, version int64) ([]*models.StateChange, error)
}

// maxMessageSize bounds inbound frames. The largest legitimate message is
// an update's field map, which stays far below this.
const maxMessageSize = 256 * 1024

// Handler wires sync endpoints to the state manager and the hub.
type Handler struct {
	service  StateService
	hub      *hub.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New constructs a sync handler with its dependencies.
func New(service StateService, h *hub.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		hub:     h,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Register mounts sync endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/sync/ws", h.HandleWS)
	r.Get("/v1/entities/{entityID}", h.HandleGetEntity)
	r.Get("/v1/entities/{entityID}/changes", h.HandleGetChanges)
}

// HandleWS upgrades the connection and runs the client's read loop until
// disconnect. All outbound traffic flows through the hub's per-client
// queue; this goroutine only reads.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	client := h.hub.Register(&wsConn{conn: conn})
	if err := h.hub.Send(client.ID, protocol.EncodeWelcome(client.ID)); err != nil {
		h.hub.Unregister(client.ID)
		return
	}

	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// Broken pipe or client-side close: clean up this client only.
			h.hub.Unregister(client.ID)
			return
		}
		h.hub.Touch(client.ID)

		msg, err := protocol.ParseInbound(data)
		if err != nil {
			h.logger.Info("dropping malformed message",
				"client_id", client.ID,
				"error", err,
			)
			continue
		}
		h.dispatch(ctx, client.ID, msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, clientID string, msg *protocol.Inbound) {
	switch msg.Type {
	case protocol.TypeUpdate:
		h.handleUpdate(ctx, clientID, msg)
	case protocol.TypeSubscribe:
		h.handleSubscribe(ctx, clientID, msg)
	case protocol.TypePing:
		_ = h.hub.Send(clientID, protocol.EncodePong(msg.SentAt, time.Now()))
	}
}

// handleUpdate submits the edit; on success the committed delta reaches the
// client through the ordinary broadcast path, so only failures are answered
// directly.
func (h *Handler) handleUpdate(ctx context.Context, clientID string, msg *protocol.Inbound) {
	_, err := h.service.UpdateEntity(ctx, msg.EntityID, msg.Fields, msg.BaseVersion, clientID)
	if err == nil {
		return
	}

	var rejected *manager.RejectedError
	switch {
	case errors.As(err, &rejected):
		_ = h.hub.Send(clientID, protocol.EncodeRejected(
			msg.EntityID, rejected.Reason, rejected.DroppedFields, rejected.Current))
	case errors.Is(err, sentinel.ErrNotFound):
		_ = h.hub.Send(clientID, protocol.EncodeRejected(
			msg.EntityID, "unknown_entity", nil, &models.Entity{ID: msg.EntityID}))
	default:
		h.logger.Error("update failed",
			"client_id", clientID,
			"entity_id", msg.EntityID,
			"error", err,
		)
	}
}

// handleSubscribe adds subscriptions and answers with a snapshot of the
// current values so the client can re-base immediately.
func (h *Handler) handleSubscribe(ctx context.Context, clientID string, msg *protocol.Inbound) {
	entityIDs := platformstrings.DedupeAndTrim(msg.EntityIDs)
	if len(entityIDs) == 0 {
		return
	}
	if err := h.hub.Subscribe(clientID, entityIDs); err != nil {
		return
	}

	entities := make([]*models.Entity, 0, len(entityIDs))
	for _, id := range entityIDs {
		e, err := h.service.GetEntity(ctx, id)
		if err != nil {
			continue // not created yet; the client will see it via broadcast
		}
		entities = append(entities, e)
	}
	_ = h.hub.Send(clientID, protocol.EncodeSnapshot(entities))
}

// entityResponse is the read API shape for a single entity.
type entityResponse struct {
	EntityID string          `json:"entityId"`
	Fields   models.FieldMap `json:"fields"`
	Version  int64           `json:"version"`
}

// changeResponse is the read API shape for one committed change.
type changeResponse struct {
	EntityID        string          `json:"entityId"`
	PreviousVersion int64           `json:"previousVersion"`
	Version         int64           `json:"version"`
	FieldDeltas     models.FieldMap `json:"fieldDeltas"`
	Origin          string          `json:"origin"`
	Timestamp       time.Time       `json:"timestamp"`
	Resolution      string          `json:"resolution"`
}

// HandleGetEntity handles GET /v1/entities/{entityID}.
func (h *Handler) HandleGetEntity(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	e, err := h.service.GetEntity(r.Context(), entityID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			writeError(w, http.StatusNotFound, "entity not found")
			return
		}
		h.logger.Error("get entity failed", "entity_id", entityID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, entityResponse{
		EntityID: e.ID,
		Fields:   e.Fields,
		Version:  e.Version,
	})
}

// HandleGetChanges handles GET /v1/entities/{entityID}/changes?since=N.
func (h *Handler) HandleGetChanges(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = parsed
	}

	changes, err := h.service.GetChangesSince(r.Context(), entityID, since)
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			writeError(w, http.StatusNotFound, "entity not found")
		case errors.Is(err, sentinel.ErrHistoryTruncated):
			// Changes before the warm-start snapshot are not held; the
			// client must re-base from the current entity value.
			writeError(w, http.StatusGone, "history truncated, fetch the entity and re-base")
		default:
			h.logger.Error("get changes failed", "entity_id", entityID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	out := make([]changeResponse, 0, len(changes))
	for _, c := range changes {
		out = append(out, changeResponse{
			EntityID:        c.EntityID,
			PreviousVersion: c.PreviousVersion,
			Version:         c.NewVersion,
			FieldDeltas:     c.FieldDeltas,
			Origin:          c.Origin,
			Timestamp:       c.Timestamp,
			Resolution:      string(c.Resolution),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
