package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/foundry-core/internal/telemetry"
)

// handleListRobots returns the caller's company's robots ordered by id.
//
// Query parameters:
//   - alarm: only robots in this alarm state (normal, warning, critical)
//   - online: "true" or "false" to filter on connection status
func (s *Server) handleListRobots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	alarm := strings.ToLower(q.Get("alarm"))
	switch telemetry.AlarmStatus(alarm) {
	case "", telemetry.AlarmNormal, telemetry.AlarmWarning, telemetry.AlarmCritical:
	default:
		writeBadRequest(w, "alarm must be normal, warning or critical")
		return
	}
	online := q.Get("online")
	if online != "" && online != "true" && online != "false" {
		writeBadRequest(w, "online must be true or false")
		return
	}

	states := s.robots.ListCompany(claimsFrom(r.Context()).CompanyID)
	out := make([]telemetry.RobotState, 0, len(states))
	for _, st := range states {
		if alarm != "" && string(st.AlarmStatus) != alarm {
			continue
		}
		if online != "" && st.Online() != (online == "true") {
			continue
		}
		out = append(out, st)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"robots": out,
		"count":  len(out),
	})
}

// handleGetRobot returns one robot's derived state. Robots of another
// company are reported as not found.
func (s *Server) handleGetRobot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.robots.GetCompany(claimsFrom(r.Context()).CompanyID, id)
	if !ok {
		writeNotFound(w, "robot not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
