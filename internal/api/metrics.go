package api

import "net/http"

// handleMetrics serves the Prometheus exposition for this server's
// private registry.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.WSClients(s.hub.ClientCount())
	s.metrics.Handler().ServeHTTP(w, r)
}
