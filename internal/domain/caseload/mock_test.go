package caseload

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// memStore backs the mock repositories. memTx snapshots it on entry and
// restores the snapshot when fn fails, so rollback is observable.
type memStore struct {
	users       map[int64]*User
	patients    map[int64]memPatient
	programs    map[int64]string
	assignments map[int64]*Assignment
	progress    map[int64]*ProgressRecord
	ancillary   map[string]map[int64]int
	nextID      int64

	failOn map[string]int
	counts map[string]int
	calls  []string
	inTx   bool
}

type memPatient struct {
	clinicID  int64
	firstName string
	lastName  string
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[int64]*User),
		patients:    make(map[int64]memPatient),
		programs:    make(map[int64]string),
		assignments: make(map[int64]*Assignment),
		progress:    make(map[int64]*ProgressRecord),
		ancillary:   make(map[string]map[int64]int),
		nextID:      1000,
		failOn:      make(map[string]int),
		counts:      make(map[string]int),
	}
}

func (s *memStore) call(op string) error {
	s.calls = append(s.calls, op)
	s.counts[op]++
	if n, ok := s.failOn[op]; ok && s.counts[op] == n {
		return fmt.Errorf("%s: connection reset", op)
	}
	return nil
}

func (s *memStore) addUser(id, clinicID int64, role string) {
	s.users[id] = &User{ID: id, ClinicID: clinicID, Email: fmt.Sprintf("u%d@example.com", id), Role: role}
}

func (s *memStore) addPatient(id, clinicID int64, first, last string) {
	s.patients[id] = memPatient{clinicID: clinicID, firstName: first, lastName: last}
}

func (s *memStore) addAssignment(id, patientID, programID, therapistID int64) *Assignment {
	level := "verbal"
	a := &Assignment{
		ID:                 id,
		PatientID:          patientID,
		ProgramID:          programID,
		TherapistID:        therapistID,
		Status:             "active",
		CurrentPromptLevel: &level,
		AssignedAt:         time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	s.assignments[id] = a
	return a
}

func (s *memStore) addProgress(assignmentID int64, n int) {
	for i := 0; i < n; i++ {
		s.nextID++
		s.progress[s.nextID] = &ProgressRecord{ID: s.nextID, AssignmentID: assignmentID}
	}
}

func (s *memStore) progressFor(assignmentID int64) int {
	n := 0
	for _, p := range s.progress {
		if p.AssignmentID == assignmentID {
			n++
		}
	}
	return n
}

type memSnapshot struct {
	users       map[int64]User
	assignments map[int64]Assignment
	progress    map[int64]ProgressRecord
	nextID      int64
}

func (s *memStore) snapshot() memSnapshot {
	snap := memSnapshot{
		users:       make(map[int64]User, len(s.users)),
		assignments: make(map[int64]Assignment, len(s.assignments)),
		progress:    make(map[int64]ProgressRecord, len(s.progress)),
		nextID:      s.nextID,
	}
	for k, v := range s.users {
		snap.users[k] = *v
	}
	for k, v := range s.assignments {
		snap.assignments[k] = *v
	}
	for k, v := range s.progress {
		snap.progress[k] = *v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.users = make(map[int64]*User, len(snap.users))
	for k, v := range snap.users {
		v := v
		s.users[k] = &v
	}
	s.assignments = make(map[int64]*Assignment, len(snap.assignments))
	for k, v := range snap.assignments {
		v := v
		s.assignments[k] = &v
	}
	s.progress = make(map[int64]*ProgressRecord, len(snap.progress))
	for k, v := range snap.progress {
		v := v
		s.progress[k] = &v
	}
	s.nextID = snap.nextID
}

// -- Mock Transactor --

type memTx struct {
	s       *memStore
	commits int
	rolls   int
}

func (t *memTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.s.calls = append(t.s.calls, "InTx")
	snap := t.s.snapshot()
	t.s.inTx = true
	defer func() { t.s.inTx = false }()
	if err := fn(ctx); err != nil {
		t.s.restore(snap)
		t.rolls++
		return err
	}
	t.commits++
	return nil
}

// -- Mock User Repository --

type memUsers struct{ s *memStore }

func (m *memUsers) GetInClinic(_ context.Context, id, clinicID int64) (*User, error) {
	if err := m.s.call("GetUser"); err != nil {
		return nil, err
	}
	u, ok := m.s.users[id]
	if !ok || u.ClinicID != clinicID {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) Delete(_ context.Context, id, clinicID int64) (int64, error) {
	if err := m.s.call("DeleteUser"); err != nil {
		return 0, err
	}
	u, ok := m.s.users[id]
	if !ok || u.ClinicID != clinicID {
		return 0, nil
	}
	delete(m.s.users, id)
	return 1, nil
}

func (m *memUsers) DeleteAncillary(_ context.Context, target CleanupTarget, userID int64) (int64, error) {
	op := "DeleteAncillary"
	if m.s.inTx {
		op += "(tx)"
	}
	if err := m.s.call(op); err != nil {
		return 0, err
	}
	rows, ok := m.s.ancillary[target.Table]
	if !ok {
		return 0, fmt.Errorf("relation %q does not exist", target.Table)
	}
	n := rows[userID]
	delete(rows, userID)
	return int64(n), nil
}

// -- Mock Assignment Repository --

type memAssignments struct{ s *memStore }

func (m *memAssignments) SummaryRows(_ context.Context, therapistID, clinicID int64) ([]SummaryRow, error) {
	if err := m.s.call("SummaryRows"); err != nil {
		return nil, err
	}
	var out []SummaryRow
	for _, a := range m.s.assignments {
		p, ok := m.s.patients[a.PatientID]
		if a.TherapistID != therapistID || !ok || p.clinicID != clinicID {
			continue
		}
		out = append(out, SummaryRow{
			PatientID:        a.PatientID,
			PatientFirstName: p.firstName,
			PatientLastName:  p.lastName,
			AssignmentID:     a.ID,
			ProgramID:        a.ProgramID,
			ProgramName:      m.s.programs[a.ProgramID],
			Status:           a.Status,
			SessionCount:     m.s.progressFor(a.ID),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := strings.Compare(out[i].PatientLastName, out[j].PatientLastName); c != 0 {
			return c < 0
		}
		return out[i].AssignmentID < out[j].AssignmentID
	})
	return out, nil
}

func (m *memAssignments) GetOwned(_ context.Context, id, therapistID, clinicID int64) (*Assignment, error) {
	if err := m.s.call("GetOwned"); err != nil {
		return nil, err
	}
	a, ok := m.s.assignments[id]
	if !ok || a.TherapistID != therapistID || m.s.patients[a.PatientID].clinicID != clinicID {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAssignments) Create(_ context.Context, a *Assignment) error {
	if err := m.s.call("CreateAssignment"); err != nil {
		return err
	}
	m.s.nextID++
	a.ID = m.s.nextID
	cp := *a
	m.s.assignments[a.ID] = &cp
	return nil
}

func (m *memAssignments) RepointProgress(_ context.Context, from, to int64) (int64, error) {
	if err := m.s.call("RepointProgress"); err != nil {
		return 0, err
	}
	var n int64
	for _, p := range m.s.progress {
		if p.AssignmentID == from {
			p.AssignmentID = to
			n++
		}
	}
	return n, nil
}

func (m *memAssignments) Delete(_ context.Context, id int64) error {
	if err := m.s.call("DeleteAssignment"); err != nil {
		return err
	}
	delete(m.s.assignments, id)
	return nil
}

func (m *memAssignments) CountByTherapist(_ context.Context, therapistID int64) (int, error) {
	if err := m.s.call("CountByTherapist"); err != nil {
		return 0, err
	}
	n := 0
	for _, a := range m.s.assignments {
		if a.TherapistID == therapistID {
			n++
		}
	}
	return n, nil
}

func newTestService(cleanup ...CleanupTarget) (*Service, *memStore, *memTx) {
	s := newMemStore()
	tx := &memTx{s: s}
	return NewService(&memUsers{s}, &memAssignments{s}, tx, cleanup), s, tx
}
