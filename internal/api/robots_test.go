package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/nerrad567/foundry-core/internal/auth"
	"github.com/nerrad567/foundry-core/internal/telemetry"
)

// feedRobots runs samples for company-001 through a real ingestor into the
// fixture's store and restores one robot from a snapshot, which comes back
// offline. G-1 belongs to another company.
func feedRobots(t *testing.T, f *fixture) {
	t.Helper()

	ing := telemetry.NewIngestor(telemetry.Config{
		Workers:        2,
		QueueSize:      16,
		Thresholds:     telemetry.DefaultThresholds(),
		DefaultCompany: "company-001",
		Now:            f.clock.Now,
	}, f.robots)
	if err := ing.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, p := range []string{
		`{"robot_id":"R-1","status_text":"RUNNING","temperature":45,"cycle_time":20,"power_consumption":220}`,
		`{"robot_id":"R-2","status_text":"RUNNING","temperature":85,"cycle_time":25}`,
		`{"robot_id":"R-3","status_text":"ERROR"}`,
	} {
		if err := ing.Ingest(context.Background(), []byte(p)); err != nil {
			t.Fatalf("Ingest(%s) error = %v", p, err)
		}
	}
	ing.Stop()

	f.robots.Restore([]telemetry.RobotState{{
		RobotID:     "R-9",
		CompanyID:   "company-001",
		StatusText:  "IDLE",
		Health:      95,
		AlarmStatus: telemetry.AlarmNormal,
	}, {
		RobotID:     "G-1",
		CompanyID:   "globex",
		StatusText:  "RUNNING",
		Health:      100,
		AlarmStatus: telemetry.AlarmNormal,
	}})
}

type robotList struct {
	Robots []telemetry.RobotState `json:"robots"`
	Count  int                    `json:"count"`
}

func TestListRobots(t *testing.T) {
	f := newFixture(t)
	feedRobots(t, f)
	token := f.tokenFor(f.operator)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"R-1", "R-2", "R-3", "R-9"}},
		{"?alarm=critical", []string{"R-2", "R-3"}},
		{"?alarm=NORMAL", []string{"R-1", "R-9"}},
		{"?online=false", []string{"R-9"}},
		{"?online=true&alarm=normal", []string{"R-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := f.do(request{path: "/api/v1/robots" + tt.query, token: token})
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
			}
			got := decode[robotList](t, w)
			if got.Count != len(tt.want) || len(got.Robots) != len(tt.want) {
				t.Fatalf("robots = %+v, want %v", got.Robots, tt.want)
			}
			for i, id := range tt.want {
				if got.Robots[i].RobotID != id {
					t.Errorf("robots[%d] = %s, want %s", i, got.Robots[i].RobotID, id)
				}
			}
		})
	}
}

func TestListRobots_Empty(t *testing.T) {
	f := newFixture(t)

	w := f.do(request{path: "/api/v1/robots", token: f.tokenFor(f.operator)})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got := decode[map[string]any](t, w)
	if robots, ok := got["robots"].([]any); !ok || len(robots) != 0 {
		t.Errorf("robots = %v, want empty array", got["robots"])
	}
}

func TestListRobots_BadFilter(t *testing.T) {
	f := newFixture(t)
	token := f.tokenFor(f.operator)

	for _, q := range []string{"?alarm=panic", "?online=maybe"} {
		w := f.do(request{path: "/api/v1/robots" + q, token: token})
		assertError(t, w, http.StatusBadRequest, ErrCodeBadRequest)
	}
}

func TestGetRobot(t *testing.T) {
	f := newFixture(t)
	feedRobots(t, f)
	token := f.tokenFor(f.operator)

	w := f.do(request{path: "/api/v1/robots/R-2", token: token})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	st := decode[telemetry.RobotState](t, w)
	if st.AlarmStatus != telemetry.AlarmCritical {
		t.Errorf("AlarmStatus = %s, want critical", st.AlarmStatus)
	}
	if !st.Online() {
		t.Error("ingested robot should be online")
	}
	if st.Health < 0 || st.Health > 100 || st.Utilization < 0 || st.Utilization > 100 {
		t.Errorf("health/utilization out of range: %v / %v", st.Health, st.Utilization)
	}

	w = f.do(request{path: "/api/v1/robots/R-404", token: token})
	assertError(t, w, http.StatusNotFound, ErrCodeNotFound)
}

func TestRobots_CompanyIsolation(t *testing.T) {
	f := newFixture(t)
	feedRobots(t, f)
	other := f.seedUserIn("lee", auth.RoleOperator, "globex")
	token := f.tokenFor(other)

	w := f.do(request{path: "/api/v1/robots", token: token})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	got := decode[robotList](t, w)
	if got.Count != 1 || got.Robots[0].RobotID != "G-1" || got.Robots[0].CompanyID != "globex" {
		t.Errorf("robots = %+v, want only G-1", got.Robots)
	}

	w = f.do(request{path: "/api/v1/robots/R-2", token: token})
	assertError(t, w, http.StatusNotFound, ErrCodeNotFound)

	w = f.do(request{path: "/api/v1/robots/G-1", token: f.tokenFor(f.operator)})
	assertError(t, w, http.StatusNotFound, ErrCodeNotFound)
}
