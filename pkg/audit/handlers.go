package audit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/solaius/credential-registry/pkg/sentinel"
)

// Router creates a chi.Router serving the audit trail read API.
func Router(store *Store) chi.Router {
	r := chi.NewRouter()
	r.Get("/events", ListEventsHandler(store))
	r.Get("/events/{eventId}", GetEventHandler(store))
	return r
}

// ListEventsHandler handles GET /events
// Query params: personId, actor, useCase, outcome, pageSize, pageToken
func ListEventsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := Filter{
			PersonID: q.Get("personId"),
			Actor:    q.Get("actor"),
			UseCase:  q.Get("useCase"),
			Outcome:  q.Get("outcome"),
		}

		pageSize := 20
		if ps := q.Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}

		events, nextToken, total, err := store.ListFiltered(r.Context(), filter, pageSize, q.Get("pageToken"))
		if err != nil {
			if sentinel.KindOf(err) == sentinel.KindValidation {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list audit events: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"events":        events,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// GetEventHandler handles GET /events/{eventId}
func GetEventHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "eventId")
		ev, err := store.GetByID(r.Context(), eventID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get audit event: %v", err))
			return
		}
		if ev == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("audit event %q not found", eventID))
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
