package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"

	"fleetgate.org/internal/auth"
	"fleetgate.org/internal/notify"
)

// editPermissions maps entity kinds to the permission required to emit a
// change for them.
var editPermissions = map[string]auth.Permission{
	notify.KindMission: auth.PermEditPlanning,
	notify.KindRoute:   auth.PermManageRoutes,
	notify.KindDriver:  auth.PermManageDrivers,
	notify.KindFinance: auth.PermManageFinance,
}

type emitChangeRequest struct {
	Kind     string `json:"kind"`
	EntityID string `json:"entity_id"`
	Op       string `json:"op"`
}

func (req emitChangeRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Kind, validation.Required),
		validation.Field(&req.EntityID, validation.Required, validation.Length(1, 128)),
		validation.Field(&req.Op, validation.Required, validation.In("created", "updated", "deleted")),
	)
}

// handleEmitChange lets entity-owning collaborators publish a change event.
// Publishing is fire-and-forget: the response means the sequence number was
// assigned, not that every subscriber saw it.
func (a *API) handleEmitChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req emitChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, ok := editPermissions[req.Kind]
	if !ok {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown entity kind %q", req.Kind))
		return
	}
	if !a.ensurePermission(w, r, perm) {
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	evt := a.notifier.Publish(req.Kind, req.EntityID, notify.Operation(req.Op), claims.Identity)
	writeJSON(w, http.StatusAccepted, map[string]any{"seq": evt.Seq})
}

// Stream serves the live change feed over Server-Sent Events. The client
// passes the last sequence number it has seen; events retained in the ring
// are replayed first. A client too far behind gets a resync response and must
// re-fetch instead of relying on incremental events.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	since, err := sinceParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := a.notifier.Subscribe(claims.Identity, claims.Role, claims.SystemAdmin, since)
	if err != nil {
		if errors.Is(err, notify.ErrResync) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"resync":   true,
				"last_seq": a.notifier.LastSeq(),
			})
			return
		}
		writeError(w, r, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer conn.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	a.notifier.Publish(notify.KindPresence, claims.Identity, notify.OpCreated, claims.Identity)
	defer a.notifier.Publish(notify.KindPresence, claims.Identity, notify.OpDeleted, claims.Identity)

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-conn.Events():
			if !open {
				if conn.ResyncRequired() {
					_, _ = w.Write([]byte("event: resync\ndata: {}\n\n"))
					flusher.Flush()
				}
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", evt.Seq, payload)
			flusher.Flush()
		}
	}
}

// sinceParam reads the resume point from the query string or, as SSE
// reconnects do, from the Last-Event-ID header.
func sinceParam(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("since must be a non-negative integer")
	}
	return since, nil
}
