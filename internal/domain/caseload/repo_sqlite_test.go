package caseload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/caseload/caseload/internal/platform/sqlitedb"
	"github.com/caseload/caseload/migrations"
)

func openSQLite(t *testing.T) *sqlitedb.DB {
	t.Helper()
	d, err := sqlitedb.Open(context.Background(), filepath.Join(t.TempDir(), "caseload.db"), migrations.SQLite())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func mustExec(t *testing.T, d *sqlitedb.DB, q string, args ...interface{}) {
	t.Helper()
	if _, err := d.Exec(q, args...); err != nil {
		t.Fatalf("exec %q: %v", q, err)
	}
}

// seedSQLite mirrors seedScenario: clinic 1 with therapists 12 and 15,
// assignment 100 (patient 5, program 9) owned by 12 with three progress rows.
func seedSQLite(t *testing.T, d *sqlitedb.DB) {
	t.Helper()
	mustExec(t, d, `INSERT INTO clinics (id, name) VALUES (1, 'North'), (2, 'South')`)
	mustExec(t, d, `INSERT INTO users (id, clinic_id, email, full_name, role) VALUES
		(12, 1, 'a@example.com', 'Alex Reed', 'therapist'),
		(15, 1, 'b@example.com', 'Blair Hale', 'therapist'),
		(20, 1, 'c@example.com', 'Casey Admin', 'admin'),
		(21, 2, 'd@example.com', 'Dana Far', 'therapist')`)
	mustExec(t, d, `INSERT INTO patients (id, clinic_id, first_name, last_name) VALUES
		(5, 1, 'Ava', 'Stone'), (6, 1, 'Ben', 'Young'), (7, 2, 'Cal', 'Other')`)
	mustExec(t, d, `INSERT INTO programs (id, clinic_id, name) VALUES (9, 1, 'Manding'), (10, 1, 'Tacting')`)
	mustExec(t, d, `INSERT INTO assignments (id, patient_id, program_id, therapist_id, status, current_prompt_level, assigned_at)
		VALUES (100, 5, 9, 12, 'active', 'gestural', '2024-03-01T09:00:00Z')`)
	for i := 1; i <= 3; i++ {
		mustExec(t, d, `INSERT INTO progress_records (assignment_id, session_date, score, created_by) VALUES (100, ?, ?, 12)`,
			fmt.Sprintf("2024-03-0%d", i+1), float64(60+i*10))
	}
}

func newSQLiteService(t *testing.T, cleanup ...CleanupTarget) (*Service, *sqlitedb.DB) {
	d := openSQLite(t)
	seedSQLite(t, d)
	return NewService(NewUserRepoSQLite(d), NewAssignmentRepoSQLite(d), sqlitedb.NewTransactor(d), cleanup), d
}

func queryInt(t *testing.T, d *sqlitedb.DB, q string, args ...interface{}) int {
	t.Helper()
	var n int
	if err := d.QueryRow(q, args...).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return n
}

func TestSQLite_Summary(t *testing.T) {
	svc, d := newSQLiteService(t)
	mustExec(t, d, `INSERT INTO assignments (id, patient_id, program_id, therapist_id, assigned_at)
		VALUES (101, 6, 10, 12, '2024-04-01T00:00:00Z'), (102, 7, 9, 12, '2024-04-01T00:00:00Z')`)

	sum, err := svc.AssignmentSummary(context.Background(), 12, 1)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Totals != (Totals{Patients: 2, Programs: 2, Sessions: 3}) {
		t.Errorf("unexpected totals %+v", sum.Totals)
	}
	if sum.Patients[0].PatientName != "Ava Stone" || sum.Patients[0].Programs[0].SessionCount != 3 {
		t.Errorf("unexpected first patient %+v", sum.Patients[0])
	}
	if sum.Patients[1].Programs[0].Status != "active" || sum.Patients[1].Programs[0].SessionCount != 0 {
		t.Errorf("unexpected second patient %+v", sum.Patients[1])
	}
}

func TestSQLite_TransferScenario(t *testing.T) {
	svc, d := newSQLiteService(t)
	ctx := context.Background()

	res, err := svc.TransferAssignments(ctx, 1, 12, []TransferItem{{AssignmentID: 100, ToTherapistID: 15}})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.TransferredCount != 1 || len(res.Details) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	det := res.Details[0]
	if det.OldAssignmentID != 100 || det.PatientID != 5 || det.ProgramID != 9 || det.ToTherapistID != 15 || det.SessionsTransferred != 3 {
		t.Errorf("unexpected detail %+v", det)
	}

	if n := queryInt(t, d, `SELECT COUNT(*) FROM assignments WHERE id = 100`); n != 0 {
		t.Error("old assignment still present")
	}
	if n := queryInt(t, d, `SELECT COUNT(*) FROM progress_records WHERE assignment_id = ?`, det.NewAssignmentID); n != 3 {
		t.Errorf("expected 3 progress rows on new assignment, got %d", n)
	}
	if n := queryInt(t, d, `SELECT COUNT(*) FROM progress_records`); n != 3 {
		t.Errorf("progress rows duplicated: %d", n)
	}
	if n := queryInt(t, d, `SELECT COUNT(*) FROM progress_records WHERE created_by = 12`); n != 3 {
		t.Error("created_by should still name the original therapist")
	}

	a, err := NewAssignmentRepoSQLite(d).GetOwned(ctx, det.NewAssignmentID, 15, 1)
	if err != nil {
		t.Fatalf("get new assignment: %v", err)
	}
	if !a.AssignedAt.Equal(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("assigned_at not preserved: %v", a.AssignedAt)
	}
	if a.CurrentPromptLevel == nil || *a.CurrentPromptLevel != "gestural" || a.Status != "active" {
		t.Errorf("fields not copied: %+v", a)
	}
}

func TestSQLite_TransferSoftMisses(t *testing.T) {
	svc, d := newSQLiteService(t)

	res, err := svc.TransferAssignments(context.Background(), 1, 15, []TransferItem{
		{AssignmentID: 100, ToTherapistID: 20}, // owned by 12, not 15
		{AssignmentID: 404, ToTherapistID: 12},
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.TransferredCount != 0 {
		t.Errorf("expected no transfers, got %+v", res)
	}
	if n := queryInt(t, d, `SELECT COUNT(*) FROM assignments WHERE id = 100 AND therapist_id = 12`); n != 1 {
		t.Error("assignment 100 should be untouched")
	}
}

func TestSQLite_TransferToSameOrNonTherapist(t *testing.T) {
	for _, to := range []int64{12, 20} {
		svc, d := newSQLiteService(t)

		res, err := svc.TransferAssignments(context.Background(), 1, 12, []TransferItem{{AssignmentID: 100, ToTherapistID: to}})
		if err != nil {
			t.Fatalf("transfer to %d: %v", to, err)
		}
		if res.TransferredCount != 1 {
			t.Fatalf("transfer to %d: expected 1 applied, got %+v", to, res)
		}
		if n := queryInt(t, d, `SELECT COUNT(*) FROM assignments WHERE id = 100`); n != 0 {
			t.Errorf("transfer to %d: old assignment still exists", to)
		}
		newID := res.Details[0].NewAssignmentID
		if n := queryInt(t, d, `SELECT COUNT(*) FROM progress_records WHERE assignment_id = ?`, newID); n != 3 {
			t.Errorf("transfer to %d: expected 3 progress rows moved, got %d", to, n)
		}
	}
}

func TestSQLite_TransferUnknownDestinationRollsBack(t *testing.T) {
	svc, d := newSQLiteService(t)
	mustExec(t, d, `INSERT INTO assignments (id, patient_id, program_id, therapist_id, assigned_at)
		VALUES (101, 6, 10, 12, '2024-04-01T00:00:00Z')`)

	_, err := svc.TransferAssignments(context.Background(), 1, 12, []TransferItem{
		{AssignmentID: 100, ToTherapistID: 15},
		{AssignmentID: 101, ToTherapistID: 21}, // therapist of clinic 2
	})
	if !errors.Is(err, ErrUnknownDestination) {
		t.Fatalf("expected ErrUnknownDestination, got %v", err)
	}
	if n := queryInt(t, d, `SELECT COUNT(*) FROM assignments WHERE therapist_id = 12`); n != 2 {
		t.Errorf("expected both assignments back with therapist 12, got %d", n)
	}
	if n := queryInt(t, d, `SELECT COUNT(*) FROM progress_records WHERE assignment_id = 100`); n != 3 {
		t.Errorf("progress rows of the applied entry not restored, got %d", n)
	}
}

func TestSQLite_TransferCurrentTimestampRows(t *testing.T) {
	svc, d := newSQLiteService(t)
	mustExec(t, d, `INSERT INTO assignments (id, patient_id, program_id, therapist_id, assigned_at)
		VALUES (101, 6, 10, 12, CURRENT_TIMESTAMP)`)
	mustExec(t, d, `INSERT INTO assignments (id, patient_id, program_id, therapist_id, assigned_at)
		VALUES (102, 5, 10, 12, '2024-05-02 08:30:15.250')`)

	res, err := svc.TransferAssignments(context.Background(), 1, 12, []TransferItem{
		{AssignmentID: 100, ToTherapistID: 15},
		{AssignmentID: 101, ToTherapistID: 15},
		{AssignmentID: 102, ToTherapistID: 15},
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.TransferredCount != 3 {
		t.Fatalf("expected 3 transfers, got %+v", res)
	}

	var got string
	if err := d.QueryRow(`SELECT assigned_at FROM assignments WHERE id = ?`, res.Details[2].NewAssignmentID).Scan(&got); err != nil {
		t.Fatal(err)
	}
	at, err := parseSQLiteTime(got)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 5, 2, 8, 30, 15, 250000000, time.UTC); !at.Equal(want) {
		t.Errorf("assigned_at = %v, want %v", at, want)
	}
}

func TestParseSQLiteTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, v := range []string{
		"2024-03-01T09:00:00Z",
		"2024-03-01T10:00:00+01:00",
		"2024-03-01 09:00:00",
		"2024-03-01T09:00:00",
		"2024-03-01 09:00:00.000",
		"2024-03-01 09:00",
	} {
		got, err := parseSQLiteTime(v)
		if err != nil {
			t.Errorf("%q: %v", v, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("%q: got %v, want %v", v, got, want)
		}
	}
	if _, err := parseSQLiteTime("yesterday"); err == nil {
		t.Error("expected error for unparseable value")
	}
}

func TestSQLite_TransferWrongClinic(t *testing.T) {
	svc, _ := newSQLiteService(t)

	res, err := svc.TransferAssignments(context.Background(), 2, 12, []TransferItem{{AssignmentID: 100, ToTherapistID: 21}})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.TransferredCount != 0 {
		t.Error("an assignment of another clinic must not be transferred")
	}
}

// failingAssignments fails RepointProgress on the given call.
type failingAssignments struct {
	AssignmentRepository
	failOn int
	calls  int
}

func (f *failingAssignments) RepointProgress(ctx context.Context, from, to int64) (int64, error) {
	f.calls++
	if f.calls == f.failOn {
		return 0, errors.New("disk I/O error")
	}
	return f.AssignmentRepository.RepointProgress(ctx, from, to)
}

func TestSQLite_TransferRollsBackEverything(t *testing.T) {
	d := openSQLite(t)
	seedSQLite(t, d)
	mustExec(t, d, `INSERT INTO assignments (id, patient_id, program_id, therapist_id, assigned_at)
		VALUES (101, 6, 10, 12, '2024-04-01T00:00:00Z')`)
	mustExec(t, d, `INSERT INTO progress_records (assignment_id, session_date) VALUES (101, '2024-04-02')`)

	repo := &failingAssignments{AssignmentRepository: NewAssignmentRepoSQLite(d), failOn: 2}
	svc := NewService(NewUserRepoSQLite(d), repo, sqlitedb.NewTransactor(d), nil)

	_, err := svc.TransferAssignments(context.Background(), 1, 12, []TransferItem{
		{AssignmentID: 100, ToTherapistID: 15},
		{AssignmentID: 101, ToTherapistID: 15},
	})
	if err == nil {
		t.Fatal("expected error")
	}

	if n := queryInt(t, d, `SELECT COUNT(*) FROM assignments`); n != 2 {
		t.Errorf("expected 2 assignments after rollback, got %d", n)
	}
	if n := queryInt(t, d, `SELECT COUNT(*) FROM assignments WHERE therapist_id = 12`); n != 2 {
		t.Errorf("expected both assignments back with therapist 12, got %d", n)
	}
	if n := queryInt(t, d, `SELECT COUNT(*) FROM progress_records WHERE assignment_id = 100`); n != 3 {
		t.Errorf("progress rows of the applied entry not restored, got %d", n)
	}
}

func TestSQLite_DeleteUser(t *testing.T) {
	svc, d := newSQLiteService(t,
		CleanupTarget{Table: "no_such_table", Column: "user_id"},
		CleanupTarget{Table: "chat_messages", Column: "sender_id"},
	)
	ctx := context.Background()
	mustExec(t, d, `INSERT INTO chat_messages (clinic_id, sender_id, body) VALUES (1, 15, 'hi'), (1, 12, 'hello')`)

	_, err := svc.DeleteUser(ctx, 12, 1)
	var active *ActiveAssignmentsError
	if !errors.As(err, &active) || active.Count != 1 {
		t.Fatalf("expected ActiveAssignmentsError{1}, got %v", err)
	}
	if n := queryInt(t, d, `SELECT COUNT(*) FROM chat_messages WHERE sender_id = 12`); n != 1 {
		t.Error("blocked deletion must not clean up")
	}

	n, err := svc.DeleteUser(ctx, 15, 1)
	if err != nil || n != 1 {
		t.Fatalf("expected 1, nil; got %d, %v", n, err)
	}
	if c := queryInt(t, d, `SELECT COUNT(*) FROM chat_messages WHERE sender_id = 15`); c != 0 {
		t.Error("chat messages not cleaned up")
	}
	if c := queryInt(t, d, `SELECT COUNT(*) FROM users WHERE id = 15`); c != 0 {
		t.Error("user not deleted")
	}

	n, err = svc.DeleteUser(ctx, 15, 1)
	if err != nil || n != 0 {
		t.Errorf("second delete: expected 0, nil; got %d, %v", n, err)
	}
	n, err = svc.DeleteUser(ctx, 21, 1)
	if err != nil || n != 0 {
		t.Errorf("other clinic: expected 0, nil; got %d, %v", n, err)
	}
}

func TestSQLite_TransferThenDelete(t *testing.T) {
	svc, d := newSQLiteService(t)
	ctx := context.Background()

	if _, err := svc.TransferAssignments(ctx, 1, 12, []TransferItem{{AssignmentID: 100, ToTherapistID: 15}}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	n, err := svc.DeleteUser(ctx, 12, 1)
	if err != nil || n != 1 {
		t.Fatalf("expected 1, nil; got %d, %v", n, err)
	}
	if c := queryInt(t, d, `SELECT COUNT(*) FROM progress_records WHERE created_by = 12`); c != 3 {
		t.Error("history must survive deletion of the original therapist")
	}
}

func TestSQLite_DeleteAncillaryRejectsBadIdentifier(t *testing.T) {
	d := openSQLite(t)
	_, err := NewUserRepoSQLite(d).DeleteAncillary(context.Background(), CleanupTarget{Table: `x"; DROP TABLE users; --`, Column: "id"}, 1)
	if err == nil {
		t.Error("expected error for invalid identifier")
	}
}
