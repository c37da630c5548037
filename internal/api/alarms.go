package api

import (
	"encoding/json"
	"net/http"

	"github.com/mokuloa/aquagate/internal/alarm"
)

func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.alarms.GetThresholds())
}

func (s *Server) handleSetThresholds(w http.ResponseWriter, r *http.Request) {
	var payload alarm.ThresholdsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed thresholds payload")
		return
	}

	cfg, err := s.alarms.SetThresholds(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
