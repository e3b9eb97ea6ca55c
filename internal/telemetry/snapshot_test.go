package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nerrad567/foundry-core/internal/infrastructure/config"
	"github.com/nerrad567/foundry-core/internal/infrastructure/database"
	_ "github.com/nerrad567/foundry-core/migrations" // registers the schema
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "telemetry.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db.DB
}

func TestSQLiteSnapshotRepository_RoundTrip(t *testing.T) {
	repo := NewSQLiteSnapshotRepository(testDB(t))
	ctx := context.Background()

	s := sample("RUNNING", f(72.5), f(0), nil)
	s.Timestamp = received.Add(-time.Second).UnixMilli()
	first := Reconcile(nil, s, received, DefaultThresholds())
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	second := Reconcile(&first, sample("RUNNING", nil, f(0), f(450)), received.Add(time.Second), DefaultThresholds())
	if err := repo.Save(ctx, second); err != nil {
		t.Fatalf("Save() upsert error = %v", err)
	}
	idle := Reconcile(nil, Sample{RobotID: "R-0", CompanyID: "acme", StatusText: "IDLE"}, received, DefaultThresholds())
	if err := repo.Save(ctx, idle); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	all, err := repo.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(all) != 2 || all[0].RobotID != "R-0" || all[1].RobotID != "R-1" {
		t.Fatalf("LoadAll() = %+v", all)
	}

	got := all[1]
	if got.SampleCount != 2 || got.ZeroCycleStreak != 2 || got.TempExcursions != 1 {
		t.Errorf("counters = samples %d streak %d excursions %d", got.SampleCount, got.ZeroCycleStreak, got.TempExcursions)
	}
	if *got.Temperature != 72.5 || *got.CycleTime != 0 || *got.PowerConsumption != 450 {
		t.Errorf("readings = %v %v %v", *got.Temperature, *got.CycleTime, *got.PowerConsumption)
	}
	if got.AlarmStatus != second.AlarmStatus || got.Health != second.Health || !got.Online() {
		t.Errorf("derived = %s %v online=%v", got.AlarmStatus, got.Health, got.Online())
	}
	if !got.LastSeenAt.Equal(second.LastSeenAt) || !got.UpdatedAt.Equal(second.UpdatedAt) || !got.LastSampleAt.IsZero() {
		t.Errorf("times = sample %v seen %v updated %v", got.LastSampleAt, got.LastSeenAt, got.UpdatedAt)
	}
	if all[0].CompanyID != "acme" || got.CompanyID != "" {
		t.Errorf("companies = %q %q, want acme and none", all[0].CompanyID, got.CompanyID)
	}
	if all[0].Temperature != nil || all[0].CycleTime != nil {
		t.Errorf("absent readings loaded as %v %v", all[0].Temperature, all[0].CycleTime)
	}
}

func TestSQLiteSnapshotRepository_SaveError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO robot_states").WillReturnError(errors.New("disk I/O error"))

	repo := NewSQLiteSnapshotRepository(db)
	err = repo.Save(context.Background(), RobotState{RobotID: "R-1", ConnectionStatus: Online})
	if err == nil {
		t.Fatal("Save() expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLiteSnapshotRepository_LoadError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT robot_id").WillReturnError(sql.ErrConnDone)

	if _, err := NewSQLiteSnapshotRepository(db).LoadAll(context.Background()); !errors.Is(err, sql.ErrConnDone) {
		t.Errorf("LoadAll() error = %v, want ErrConnDone", err)
	}
}

type memorySnapshots struct {
	mu     sync.Mutex
	saved  map[string]RobotState
	failOn string
}

func (m *memorySnapshots) Save(_ context.Context, st RobotState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.RobotID == m.failOn {
		return errors.New("write failed")
	}
	if m.saved == nil {
		m.saved = make(map[string]RobotState)
	}
	m.saved[st.RobotID] = st
	return nil
}

func (m *memorySnapshots) LoadAll(context.Context) ([]RobotState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RobotState, 0, len(m.saved))
	for _, st := range m.saved {
		out = append(out, st)
	}
	return out, nil
}

func TestSnapshotter_FlushesOnCancel(t *testing.T) {
	repo := &memorySnapshots{failOn: "R-bad"}
	snap := NewSnapshotter(repo, 8, nil)

	for _, id := range []string{"R-1", "R-bad", "R-2"} {
		snap.RobotStateChanged(RobotState{RobotID: id, ConnectionStatus: Online})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap.Run(ctx)

	if len(repo.saved) != 2 {
		t.Errorf("saved %d snapshots, want 2", len(repo.saved))
	}
}

func TestSnapshotter_DropsWhenFull(t *testing.T) {
	log := &warnLogger{}
	snap := NewSnapshotter(&memorySnapshots{}, 1, log)

	snap.RobotStateChanged(RobotState{RobotID: "R-1"})
	snap.RobotStateChanged(RobotState{RobotID: "R-2"})

	if log.warns != 1 {
		t.Errorf("warns = %d, want 1", log.warns)
	}
}

func TestRestoreSnapshots(t *testing.T) {
	repo := &memorySnapshots{}
	ctx := context.Background()
	for _, id := range []string{"R-1", "R-2"} {
		st := Reconcile(nil, Sample{RobotID: id, StatusText: "RUNNING", CycleTime: f(20)}, received, DefaultThresholds())
		if err := repo.Save(ctx, st); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	store := NewStore()
	n, err := RestoreSnapshots(ctx, repo, store)
	if err != nil || n != 2 {
		t.Fatalf("RestoreSnapshots() = %d, %v", n, err)
	}
	for _, st := range store.List() {
		if st.Online() || st.CycleCount != 1 {
			t.Errorf("%s restored as %+v", st.RobotID, st)
		}
	}
}
