package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/rowhook/dispatch"
	"github.com/maxpert/rowhook/notify"
	"github.com/rs/zerolog/log"
)

// AdminHandlers exposes the coordinator's listeners and transactions
type AdminHandlers struct {
	coordinator *dispatch.Coordinator
	nodeID      uint64
	hub         *notify.Hub
}

const (
	defaultSignalWait = 30 * time.Second
	maxSignalWait     = 2 * time.Minute
)

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(coordinator *dispatch.Coordinator, nodeID uint64) *AdminHandlers {
	return &AdminHandlers{
		coordinator: coordinator,
		nodeID:      nodeID,
	}
}

type listenerInfo struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Variant  string `json:"variant"`
	Filtered bool   `json:"filtered"`
}

func (h *AdminHandlers) handleListListeners(w http.ResponseWriter, r *http.Request) {
	entries := h.coordinator.Registry().Entries()
	out := make([]listenerInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, listenerInfo{
			ID:       e.ID,
			Name:     e.Name(),
			Variant:  e.Variant.String(),
			Filtered: e.Filter != nil,
		})
	}
	writeJSONResponse(w, out)
}

func (h *AdminHandlers) handleRemoveListener(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "listenerID"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid listener id")
		return
	}

	if !h.coordinator.Registry().Remove(id) {
		writeErrorResponse(w, http.StatusNotFound, "listener not found")
		return
	}

	log.Info().Uint64("listener_id", id).Msg("Listener removed via admin API")
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandlers) handleTransactions(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"node_id": h.nodeID,
		"active":  h.coordinator.ActiveTransactions(),
	})
}

// WithHub enables the commit signal long-poll endpoint
func (h *AdminHandlers) WithHub(hub *notify.Hub) *AdminHandlers {
	h.hub = hub
	return h
}

// handleSignals waits for the next commit signal. Query parameters:
// table (comma separated, optional) and wait (duration, default 30s).
// Responds 204 when nothing committed before the wait elapsed.
func (h *AdminHandlers) handleSignals(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeErrorResponse(w, http.StatusNotFound, "signals are not enabled")
		return
	}

	wait := defaultSignalWait
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeErrorResponse(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		wait = min(d, maxSignalWait)
	}

	var filter notify.Filter
	if v := r.URL.Query().Get("table"); v != "" {
		filter.Tables = strings.Split(v, ",")
	}

	signals, cancel := h.hub.Subscribe(filter)
	defer cancel()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case sig, ok := <-signals:
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSONResponse(w, sig)
	case <-timer.C:
		w.WriteHeader(http.StatusNoContent)
	case <-r.Context().Done():
	}
}

// writeJSONResponse writes a JSON response wrapped in a data envelope
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
