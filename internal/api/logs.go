package api

import (
	"net/http"
	"time"
)

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	files, err := s.logs.ListFiles()
	if err != nil {
		s.logger.Error("[API] log listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list log files")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

func (s *Server) handleDownloadLog(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("file")
	if name == "" {
		writeError(w, http.StatusBadRequest, "file parameter is required")
		return
	}

	path, err := s.logs.ResolveDownload(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such log file")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeFile(w, r, path)
}

func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tank := q.Get("tank")
	field := q.Get("field")
	if tank == "" || field == "" {
		writeError(w, http.StatusBadRequest, "tank and field parameters are required")
		return
	}

	// Default window: the trailing 24 hours.
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
	}

	points, err := s.logs.Query(tank, q.Get("family"), field, from, to)
	if err != nil {
		s.logger.Error("[API] log query failed", "tank", tank, "field", field, "error", err)
		writeError(w, http.StatusInternalServerError, "log query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tank":   tank,
		"field":  field,
		"points": points,
	})
}
