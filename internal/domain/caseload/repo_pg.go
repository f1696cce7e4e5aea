package caseload

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caseload/caseload/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func pgConn(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// -- User Repository --

type userRepoPG struct {
	pool *pgxpool.Pool
}

func NewUserRepoPG(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{pool: pool}
}

func (r *userRepoPG) conn(ctx context.Context) querier {
	return pgConn(ctx, r.pool)
}

func (r *userRepoPG) GetInClinic(ctx context.Context, id, clinicID int64) (*User, error) {
	var u User
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, clinic_id, email, full_name, role
		FROM users WHERE id = $1 AND clinic_id = $2`, id, clinicID).
		Scan(&u.ID, &u.ClinicID, &u.Email, &u.FullName, &u.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepoPG) Delete(ctx context.Context, id, clinicID int64) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM users WHERE id = $1 AND clinic_id = $2`, id, clinicID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *userRepoPG) DeleteAncillary(ctx context.Context, target CleanupTarget, userID int64) (int64, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`,
		pgx.Identifier{target.Table}.Sanitize(), pgx.Identifier{target.Column}.Sanitize())
	tag, err := r.conn(ctx).Exec(ctx, q, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// -- Assignment Repository --

type assignmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewAssignmentRepoPG(pool *pgxpool.Pool) AssignmentRepository {
	return &assignmentRepoPG{pool: pool}
}

func (r *assignmentRepoPG) conn(ctx context.Context) querier {
	return pgConn(ctx, r.pool)
}

func (r *assignmentRepoPG) SummaryRows(ctx context.Context, therapistID, clinicID int64) ([]SummaryRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT p.id, p.first_name, p.last_name, a.id, pg.id, pg.name, a.status, COUNT(pr.id)
		FROM assignments a
		JOIN patients p ON p.id = a.patient_id
		JOIN programs pg ON pg.id = a.program_id
		LEFT JOIN progress_records pr ON pr.assignment_id = a.id
		WHERE a.therapist_id = $1 AND p.clinic_id = $2
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

func (r *assignmentRepoPG) GetOwned(ctx context.Context, id, therapistID, clinicID int64) (*Assignment, error) {
	var a Assignment
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT a.id, a.patient_id, a.program_id, a.therapist_id, a.status, a.current_prompt_level, a.assigned_at
		FROM assignments a
		JOIN patients p ON p.id = a.patient_id
		WHERE a.id = $1 AND a.therapist_id = $2 AND p.clinic_id = $3`, id, therapistID, clinicID).
		Scan(&a.ID, &a.PatientID, &a.ProgramID, &a.TherapistID, &a.Status, &a.CurrentPromptLevel, &a.AssignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *assignmentRepoPG) Create(ctx context.Context, a *Assignment) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO assignments (patient_id, program_id, therapist_id, status, current_prompt_level, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		a.PatientID, a.ProgramID, a.TherapistID, a.Status, a.CurrentPromptLevel, a.AssignedAt,
	).Scan(&a.ID)
}

func (r *assignmentRepoPG) RepointProgress(ctx context.Context, fromAssignmentID, toAssignmentID int64) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE progress_records SET assignment_id = $2 WHERE assignment_id = $1`, fromAssignmentID, toAssignmentID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *assignmentRepoPG) Delete(ctx context.Context, id int64) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM assignments WHERE id = $1`, id)
	return err
}

func (r *assignmentRepoPG) CountByTherapist(ctx context.Context, therapistID int64) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM assignments WHERE therapist_id = $1`, therapistID).Scan(&n)
	return n, err
}
