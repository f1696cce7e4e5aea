package caseload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caseload/caseload/internal/platform/sqlitedb"
)

// -- User Repository (sqlite) --

type userRepoSQLite struct {
	db *sqlitedb.DB
}

func NewUserRepoSQLite(d *sqlitedb.DB) UserRepository {
	return &userRepoSQLite{db: d}
}

func (r *userRepoSQLite) GetInClinic(ctx context.Context, id, clinicID int64) (*User, error) {
	var u User
	err := r.db.Conn(ctx).QueryRowContext(ctx, `
		SELECT id, clinic_id, email, full_name, role
		FROM users WHERE id = ? AND clinic_id = ?`, id, clinicID).
		Scan(&u.ID, &u.ClinicID, &u.Email, &u.FullName, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepoSQLite) Delete(ctx context.Context, id, clinicID int64) (int64, error) {
	res, err := r.db.Conn(ctx).ExecContext(ctx, `DELETE FROM users WHERE id = ? AND clinic_id = ?`, id, clinicID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *userRepoSQLite) DeleteAncillary(ctx context.Context, target CleanupTarget, userID int64) (int64, error) {
	if !identRe.MatchString(target.Table) || !identRe.MatchString(target.Column) {
		return 0, fmt.Errorf("invalid cleanup target %q", target)
	}
	q := fmt.Sprintf(`DELETE FROM "%s" WHERE "%s" = ?`, target.Table, target.Column)
	res, err := r.db.Conn(ctx).ExecContext(ctx, q, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// -- Assignment Repository (sqlite) --

type assignmentRepoSQLite struct {
	db *sqlitedb.DB
}

func NewAssignmentRepoSQLite(d *sqlitedb.DB) AssignmentRepository {
	return &assignmentRepoSQLite{db: d}
}

func (r *assignmentRepoSQLite) SummaryRows(ctx context.Context, therapistID, clinicID int64) ([]SummaryRow, error) {
	rows, err := r.db.Conn(ctx).QueryContext(ctx, `
		SELECT p.id, p.first_name, p.last_name, a.id, pg.id, pg.name, a.status, COUNT(pr.id)
		FROM assignments a
		JOIN patients p ON p.id = a.patient_id
		JOIN programs pg ON pg.id = a.program_id
		LEFT JOIN progress_records pr ON pr.assignment_id = a.id
		WHERE a.therapist_id = ? AND p.clinic_id = ?
		GROUP BY p.id, p.first_name, p.last_name, a.id, pg.id, pg.name, a.status
		ORDER BY p.last_name, p.first_name, p.id, pg.name, a.id`, therapistID, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var s SummaryRow
		if err := rows.Scan(&s.PatientID, &s.PatientFirstName, &s.PatientLastName,
			&s.AssignmentID, &s.ProgramID, &s.ProgramName, &s.Status, &s.SessionCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *assignmentRepoSQLite) GetOwned(ctx context.Context, id, therapistID, clinicID int64) (*Assignment, error) {
	var (
		a          Assignment
		prompt     sql.NullString
		assignedAt string
	)
	err := r.db.Conn(ctx).QueryRowContext(ctx, `
		SELECT a.id, a.patient_id, a.program_id, a.therapist_id, a.status, a.current_prompt_level, a.assigned_at
		FROM assignments a
		JOIN patients p ON p.id = a.patient_id
		WHERE a.id = ? AND a.therapist_id = ? AND p.clinic_id = ?`, id, therapistID, clinicID).
		Scan(&a.ID, &a.PatientID, &a.ProgramID, &a.TherapistID, &a.Status, &prompt, &assignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if prompt.Valid {
		a.CurrentPromptLevel = &prompt.String
	}
	a.AssignedAt, err = parseSQLiteTime(assignedAt)
	if err != nil {
		return nil, fmt.Errorf("parse assigned_at of assignment %d: %w", a.ID, err)
	}
	return &a, nil
}

// sqliteTimeLayouts are the text forms SQLite's date functions and
// CURRENT_TIMESTAMP produce, plus the RFC 3339 form written by Create.
var sqliteTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	time.DateOnly,
}

// parseSQLiteTime parses a stored timestamp. Values without a zone are UTC.
func parseSQLiteTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

func (r *assignmentRepoSQLite) Create(ctx context.Context, a *Assignment) error {
	res, err := r.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO assignments (patient_id, program_id, therapist_id, status, current_prompt_level, assigned_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.PatientID, a.ProgramID, a.TherapistID, a.Status, a.CurrentPromptLevel,
		a.AssignedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (r *assignmentRepoSQLite) RepointProgress(ctx context.Context, fromAssignmentID, toAssignmentID int64) (int64, error) {
	res, err := r.db.Conn(ctx).ExecContext(ctx,
		`UPDATE progress_records SET assignment_id = ? WHERE assignment_id = ?`, toAssignmentID, fromAssignmentID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *assignmentRepoSQLite) Delete(ctx context.Context, id int64) error {
	_, err := r.db.Conn(ctx).ExecContext(ctx, `DELETE FROM assignments WHERE id = ?`, id)
	return err
}

func (r *assignmentRepoSQLite) CountByTherapist(ctx context.Context, therapistID int64) (int, error) {
	var n int
	err := r.db.Conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM assignments WHERE therapist_id = ?`, therapistID).Scan(&n)
	return n, err
}
