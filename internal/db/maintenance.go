package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Maintenance email gates
const (
	GateAnnouncement = "announcement"
	GateReminder     = "reminder"
	GateCompletion   = "completion"
)

var gateColumns = map[string]string{
	GateAnnouncement: "announcement_sent",
	GateReminder:     "reminder_sent",
	GateCompletion:   "completion_sent",
}

const maintenanceColumns = `
	id, title, description, start_time, end_time, announcement_sent, reminder_sent,
	completion_sent, cancelled, status, created_at, updated_at
`

func scanMaintenance(row pgx.Row) (*MaintenanceWindow, error) {
	var m MaintenanceWindow
	err := row.Scan(
		&m.ID, &m.Title, &m.Description, &m.StartTime, &m.EndTime, &m.AnnouncementSent, &m.ReminderSent,
		&m.CompletionSent, &m.Cancelled, &m.Status, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMaintenance schedules a window.
func (r *Repository) CreateMaintenance(ctx context.Context, m *MaintenanceWindow) error {
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO maintenance_windows (title, description, start_time, end_time)
		VALUES ($1, $2, $3, $4)
		RETURNING id, status, created_at, updated_at`,
		m.Title, m.Description, m.StartTime, m.EndTime,
	).Scan(&m.ID, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert maintenance window: %w", err)
	}
	return nil
}

// CancelMaintenance cancels a window that has not completed.
func (r *Repository) CancelMaintenance(ctx context.Context, id int64) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE maintenance_windows
		SET cancelled = TRUE, status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status IN ('scheduled', 'active')`, id)
	if err != nil {
		return fmt.Errorf("cancel maintenance window: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("maintenance window %d: %w", id, ErrNotFound)
	}
	return nil
}

// OpenMaintenance lists windows that still have work: scheduled or active and not cancelled.
func (r *Repository) OpenMaintenance(ctx context.Context) ([]*MaintenanceWindow, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT `+maintenanceColumns+` FROM maintenance_windows
		WHERE cancelled = FALSE AND status IN ('scheduled', 'active')
		ORDER BY start_time`)
	if err != nil {
		return nil, fmt.Errorf("query maintenance windows: %w", err)
	}
	defer rows.Close()

	var out []*MaintenanceWindow
	for rows.Next() {
		m, err := scanMaintenance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan maintenance window: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ActiveMaintenance returns the window covering now, or nil.
func (r *Repository) ActiveMaintenance(ctx context.Context, now time.Time) (*MaintenanceWindow, error) {
	m, err := scanMaintenance(r.db.Pool().QueryRow(ctx, `SELECT `+maintenanceColumns+` FROM maintenance_windows
		WHERE cancelled = FALSE AND status IN ('scheduled', 'active')
			AND start_time <= $1 AND end_time > $1
		ORDER BY start_time
		LIMIT 1`, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active maintenance: %w", err)
	}
	return m, nil
}

// ClaimMaintenanceGate flips a one-shot email gate. It returns true exactly once per gate.
func (r *Repository) ClaimMaintenanceGate(ctx context.Context, id int64, gate string) (bool, error) {
	col, ok := gateColumns[gate]
	if !ok {
		return false, fmt.Errorf("unknown maintenance gate %q", gate)
	}

	query := fmt.Sprintf(`
		UPDATE maintenance_windows SET %[1]s = TRUE, updated_at = NOW()
		WHERE id = $1 AND %[1]s = FALSE AND cancelled = FALSE
		RETURNING id`, col)

	var got int64
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim maintenance gate %s: %w", gate, err)
	}
	return true, nil
}

// SetMaintenanceStatus moves a window to status when it is currently in from.
func (r *Repository) SetMaintenanceStatus(ctx context.Context, id int64, status string, from ...string) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE maintenance_windows SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3) AND cancelled = FALSE`, status, id, from)
	if err != nil {
		return false, fmt.Errorf("update maintenance status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}
