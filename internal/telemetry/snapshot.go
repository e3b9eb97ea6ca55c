package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SnapshotRepository persists the latest state of each robot so a restart
// does not lose counters and last-known readings.
type SnapshotRepository interface {
	Save(ctx context.Context, st RobotState) error
	LoadAll(ctx context.Context) ([]RobotState, error)
}

// SQLiteSnapshotRepository stores snapshots in the robot_states table.
type SQLiteSnapshotRepository struct {
	db *sql.DB
}

// NewSQLiteSnapshotRepository wraps an open database handle.
func NewSQLiteSnapshotRepository(db *sql.DB) *SQLiteSnapshotRepository {
	return &SQLiteSnapshotRepository{db: db}
}

// Save upserts st.
func (r *SQLiteSnapshotRepository) Save(ctx context.Context, st RobotState) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO robot_states (
			robot_id, company_id, status_text, temperature, cycle_time, power_consumption,
			health, utilization, alarm, online,
			sample_count, cycle_count, zero_cycle_streak, temp_excursions,
			sample_at, last_seen_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(robot_id) DO UPDATE SET
			company_id = excluded.company_id,
			status_text = excluded.status_text,
			temperature = excluded.temperature,
			cycle_time = excluded.cycle_time,
			power_consumption = excluded.power_consumption,
			health = excluded.health,
			utilization = excluded.utilization,
			alarm = excluded.alarm,
			online = excluded.online,
			sample_count = excluded.sample_count,
			cycle_count = excluded.cycle_count,
			zero_cycle_streak = excluded.zero_cycle_streak,
			temp_excursions = excluded.temp_excursions,
			sample_at = excluded.sample_at,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at`,
		st.RobotID, st.CompanyID, st.StatusText,
		nullFloat(st.Temperature), nullFloat(st.CycleTime), nullFloat(st.PowerConsumption),
		st.Health, st.Utilization, string(st.AlarmStatus), boolToInt(st.Online()),
		st.SampleCount, st.CycleCount, st.ZeroCycleStreak, st.TempExcursions,
		nullTime(st.LastSampleAt), formatTime(st.LastSeenAt), formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving robot state %s: %w", st.RobotID, err)
	}
	return nil
}

// LoadAll returns every stored snapshot ordered by robot id.
func (r *SQLiteSnapshotRepository) LoadAll(ctx context.Context) ([]RobotState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT robot_id, company_id, status_text, temperature, cycle_time, power_consumption,
		       health, utilization, alarm, online,
		       sample_count, cycle_count, zero_cycle_streak, temp_excursions,
		       sample_at, last_seen_at, updated_at
		FROM robot_states ORDER BY robot_id`)
	if err != nil {
		return nil, fmt.Errorf("querying robot states: %w", err)
	}
	defer rows.Close()

	var out []RobotState
	for rows.Next() {
		var (
			st                  RobotState
			temp, cycle, power  sql.NullFloat64
			alarm               string
			online              int
			sampleAt            sql.NullString
			lastSeen, updatedAt string
		)
		if err := rows.Scan(&st.RobotID, &st.CompanyID, &st.StatusText, &temp, &cycle, &power,
			&st.Health, &st.Utilization, &alarm, &online,
			&st.SampleCount, &st.CycleCount, &st.ZeroCycleStreak, &st.TempExcursions,
			&sampleAt, &lastSeen, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning robot state: %w", err)
		}
		st.Temperature = floatPtr(temp)
		st.CycleTime = floatPtr(cycle)
		st.PowerConsumption = floatPtr(power)
		st.AlarmStatus = AlarmStatus(alarm)
		st.ConnectionStatus = Offline
		if online != 0 {
			st.ConnectionStatus = Online
		}
		if sampleAt.Valid {
			st.LastSampleAt, _ = time.Parse(time.RFC3339Nano, sampleAt.String) //nolint:errcheck // written by Save
		}
		st.LastSeenAt, _ = time.Parse(time.RFC3339Nano, lastSeen) //nolint:errcheck // written by Save
		st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt) //nolint:errcheck // written by Save
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating robot states: %w", err)
	}
	return out, nil
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Snapshotter is an Observer that persists states in the background. When
// its queue is full the newest state is dropped; the next change for that
// robot overwrites the row anyway.
type Snapshotter struct {
	repo    SnapshotRepository
	queue   chan RobotState
	logger  Logger
	timeout time.Duration
}

// NewSnapshotter creates a snapshotter with a queue of size buffer.
func NewSnapshotter(repo SnapshotRepository, buffer int, logger Logger) *Snapshotter {
	if buffer < 1 {
		buffer = 256
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Snapshotter{
		repo:    repo,
		queue:   make(chan RobotState, buffer),
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// RobotStateChanged implements Observer. It never blocks.
func (s *Snapshotter) RobotStateChanged(st RobotState) {
	select {
	case s.queue <- st:
	default:
		s.logger.Warn("robot snapshot queue full, dropping", "robot_id", st.RobotID)
	}
}

// Run writes queued snapshots until ctx is cancelled, then flushes what is
// left.
func (s *Snapshotter) Run(ctx context.Context) {
	for {
		select {
		case st := <-s.queue:
			s.save(st)
		case <-ctx.Done():
			for {
				select {
				case st := <-s.queue:
					s.save(st)
				default:
					return
				}
			}
		}
	}
}

func (s *Snapshotter) save(st RobotState) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.repo.Save(ctx, st); err != nil {
		s.logger.Warn("robot snapshot failed", "robot_id", st.RobotID, "error", err)
	}
}

// RestoreSnapshots loads every persisted state into store as offline and
// returns how many were restored.
func RestoreSnapshots(ctx context.Context, repo SnapshotRepository, store *Store) (int, error) {
	states, err := repo.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	return store.Restore(states), nil
}
