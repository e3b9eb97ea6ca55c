// Package audit records security-relevant HTTP traffic in the
// security_events table and serves it back to administrators.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Filter controls which events List returns.
type Filter struct {
	UserID    string // optional: exact user id
	Status    int    // optional: exact response status
	MinStatus int    // optional: status >= MinStatus
	Since     time.Time
	Limit     int // default 50, max 200
	Offset    int
}

// ListResult is one page of events.
type ListResult struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Repository stores audit events.
type Repository interface {
	Create(ctx context.Context, e *Event) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores events in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts e. ID and CreatedAt are filled in when empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var score any
	if e.RiskScore != nil {
		score = *e.RiskScore
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO security_events (id, occurred_at, method, path, client_ip, status, duration_ms,
		                              user_id, request_id, user_agent, risk_score, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CreatedAt.UTC().Format(time.RFC3339Nano), e.Method, e.Path, e.ClientIP,
		e.Status, e.DurationMs,
		nullableString(e.UserID), nullableString(e.RequestID), nullableString(e.UserAgent),
		score, nullableString(e.Reason),
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

// nullableString returns nil for empty strings so nullable TEXT columns
// stay NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns events matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) { //nolint:gocognit // WHERE assembly from filter fields
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var (
		conditions []string
		args       []any
	)
	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != 0 {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.MinStatus != 0 {
		conditions = append(conditions, "status >= ?")
		args = append(args, filter.MinStatus)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "occurred_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM security_events %s", where) //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting security events: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		`SELECT id, occurred_at, method, path, client_ip, status, duration_ms,
		        user_id, request_id, user_agent, risk_score, reason
		 FROM security_events %s ORDER BY occurred_at DESC, id DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e                                    Event
			occurred                             string
			userID, requestID, userAgent, reason sql.NullString
			score                                sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &occurred, &e.Method, &e.Path, &e.ClientIP, &e.Status, &e.DurationMs,
			&userID, &requestID, &userAgent, &score, &reason); err != nil {
			return nil, fmt.Errorf("scanning security event: %w", err)
		}
		e.UserID = userID.String
		e.RequestID = requestID.String
		e.UserAgent = userAgent.String
		e.Reason = reason.String
		if score.Valid {
			v := int(score.Int64)
			e.RiskScore = &v
		}
		t, err := time.Parse(time.RFC3339Nano, occurred)
		if err != nil {
			return nil, fmt.Errorf("parsing security event timestamp %q: %w", occurred, err)
		}
		e.CreatedAt = t
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating security events: %w", err)
	}

	return &ListResult{Events: events, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}
