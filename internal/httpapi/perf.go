package httpapi

import "net/http"

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotLatency())
}

// handleSweep runs one sweep pass synchronously.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "sweep scheduler not configured")
		return
	}
	report, err := s.sweeper.RunOnce(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "sweep_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}
