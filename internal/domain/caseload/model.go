package caseload

import (
	"errors"
	"fmt"
	"time"
)

const RoleTherapist = "therapist"

var (
	ErrNotFound          = errors.New("not found")
	ErrActiveAssignments = errors.New("therapist has active assignments")
	ErrEmptyTransferList = errors.New("transfer list is empty")

	// ErrUnknownDestination fails a transfer whose destination user does not
	// exist in the clinic. The whole batch is rolled back.
	ErrUnknownDestination = errors.New("destination user not found in clinic")
)

// ActiveAssignmentsError blocks deletion of a therapist who still owns
// assignments. It matches ErrActiveAssignments with errors.Is.
type ActiveAssignmentsError struct {
	Count int
}

func (e *ActiveAssignmentsError) Error() string {
	return fmt.Sprintf("therapist has %d active assignment(s); transfer them before deleting", e.Count)
}

func (e *ActiveAssignmentsError) Is(target error) bool {
	return target == ErrActiveAssignments
}

type User struct {
	ID       int64  `json:"id"`
	ClinicID int64  `json:"clinic_id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

// Assignment links a patient and program to the therapist who owns them.
// Ownership changes replace the row; TherapistID is never updated in place.
type Assignment struct {
	ID                 int64     `json:"id"`
	PatientID          int64     `json:"patient_id"`
	ProgramID          int64     `json:"program_id"`
	TherapistID        int64     `json:"therapist_id"`
	Status             string    `json:"status"`
	CurrentPromptLevel *string   `json:"current_prompt_level,omitempty"`
	AssignedAt         time.Time `json:"assigned_at"`
}

type ProgressRecord struct {
	ID           int64     `json:"id"`
	AssignmentID int64     `json:"assignment_id"`
	SessionDate  time.Time `json:"session_date"`
	Score        *float64  `json:"score,omitempty"`
	PromptLevel  *string   `json:"prompt_level,omitempty"`
	Notes        *string   `json:"notes,omitempty"`
	CreatedBy    *int64    `json:"created_by,omitempty"`
}

// SummaryRow is one assignment of the summary join, already counted.
type SummaryRow struct {
	PatientID        int64
	PatientFirstName string
	PatientLastName  string
	AssignmentID     int64
	ProgramID        int64
	ProgramName      string
	Status           string
	SessionCount     int
}

type ProgramSummary struct {
	AssignmentID int64  `json:"assignment_id"`
	ProgramID    int64  `json:"program_id"`
	ProgramName  string `json:"program_name"`
	Status       string `json:"status"`
	SessionCount int    `json:"session_count"`
}

type PatientSummary struct {
	PatientID   int64            `json:"patient_id"`
	PatientName string           `json:"patient_name"`
	Programs    []ProgramSummary `json:"programs"`
}

type Totals struct {
	Patients int `json:"patients"`
	Programs int `json:"programs"`
	Sessions int `json:"sessions"`
}

type Summary struct {
	TherapistID int64            `json:"therapist_id"`
	ClinicID    int64            `json:"clinic_id"`
	Patients    []PatientSummary `json:"patients"`
	Totals      Totals           `json:"totals"`
}

type TransferItem struct {
	AssignmentID  int64 `json:"assignment_id"`
	ToTherapistID int64 `json:"to_therapist_id"`
}

type TransferRequest struct {
	TransferList []TransferItem `json:"transferList"`
}

type TransferDetail struct {
	OldAssignmentID     int64 `json:"old_assignment_id"`
	NewAssignmentID     int64 `json:"new_assignment_id"`
	PatientID           int64 `json:"patient_id"`
	ProgramID           int64 `json:"program_id"`
	ToTherapistID       int64 `json:"to_therapist_id"`
	SessionsTransferred int64 `json:"sessions_transferred"`
}

type TransferResult struct {
	Success          bool             `json:"success"`
	TransferredCount int              `json:"transferred_count"`
	Details          []TransferDetail `json:"details"`
}

// Outcome tags what happened to one transfer entry.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// ItemOutcome is the result of processing a single TransferItem. Detail is
// set for OutcomeApplied, Reason for OutcomeSkipped and Err for OutcomeFailed.
type ItemOutcome struct {
	Item    TransferItem
	Outcome Outcome
	Reason  string
	Detail  *TransferDetail
	Err     error
}
