package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"site_id": s.opts.SiteID,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"tanks":   s.cache.Len(),
	}
	if s.stats != nil {
		body["poller"] = s.stats.Stats()
	}
	if s.broker != nil {
		body["broker_connected"] = s.broker.Connected()
	}
	if s.hub != nil {
		body["live_clients"] = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.All())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	tank := mux.Vars(r)["tank"]
	snap, ok := s.cache.Get(tank)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tank "+tank)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTanks(w http.ResponseWriter, r *http.Request) {
	ids, err := s.loader.TankIDs()
	if err != nil {
		s.logger.Error("[API] tank listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tanks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tanks":   ids,
		"enabled": s.loader.EnableMap(),
	})
}

func (s *Server) handleGetEnabled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.loader.EnableMap())
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object of tank id to boolean")
		return
	}

	// Values must be booleans, nothing else. A truthy string silently
	// enabling a tank is exactly the bug this rejects.
	m := make(map[string]bool, len(raw))
	for tank, v := range raw {
		b, ok := v.(bool)
		if !ok {
			writeError(w, http.StatusBadRequest, "tank "+tank+": value must be true or false")
			return
		}
		m[tank] = b
	}

	if err := s.loader.SetEnableMap(m); err != nil {
		s.logger.Error("[API] enable map update failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist enable map")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCO2(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.loader.CO2())
}
