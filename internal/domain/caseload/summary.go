package caseload

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AssignmentSummary groups a therapist's current assignments by patient,
// limited to patients of clinicID. It never mutates.
func (s *Service) AssignmentSummary(ctx context.Context, therapistID, clinicID int64) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "caseload.AssignmentSummary", trace.WithAttributes(
		attribute.Int64("therapist.id", therapistID),
		attribute.Int64("clinic.id", clinicID),
	))
	defer span.End()

	rows, err := s.assignments.SummaryRows(ctx, therapistID, clinicID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("assignment summary: %w", err)
	}
	return buildSummary(therapistID, clinicID, rows), nil
}

// buildSummary keeps the row order of the first appearance of each patient.
func buildSummary(therapistID, clinicID int64, rows []SummaryRow) *Summary {
	sum := &Summary{
		TherapistID: therapistID,
		ClinicID:    clinicID,
		Patients:    []PatientSummary{},
	}
	index := make(map[int64]int)
	for _, r := range rows {
		i, ok := index[r.PatientID]
		if !ok {
			i = len(sum.Patients)
			index[r.PatientID] = i
			sum.Patients = append(sum.Patients, PatientSummary{
				PatientID:   r.PatientID,
				PatientName: strings.TrimSpace(r.PatientFirstName + " " + r.PatientLastName),
				Programs:    []ProgramSummary{},
			})
		}
		sum.Patients[i].Programs = append(sum.Patients[i].Programs, ProgramSummary{
			AssignmentID: r.AssignmentID,
			ProgramID:    r.ProgramID,
			ProgramName:  r.ProgramName,
			Status:       r.Status,
			SessionCount: r.SessionCount,
		})
		sum.Totals.Programs++
		sum.Totals.Sessions += r.SessionCount
	}
	sum.Totals.Patients = len(sum.Patients)
	return sum
}
