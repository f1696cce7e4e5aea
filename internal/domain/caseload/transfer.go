package caseload

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TransferAssignments moves each listed assignment owned by fromTherapistID,
// with its full progress history, to the entry's destination therapist. The
// whole list runs in one transaction: entries the source therapist does not
// own are skipped, and any failed entry, including one whose destination is
// not a user of the clinic, rolls back every entry already applied.
func (s *Service) TransferAssignments(ctx context.Context, clinicID, fromTherapistID int64, items []TransferItem) (*TransferResult, error) {
	if len(items) == 0 {
		return nil, ErrEmptyTransferList
	}

	ctx, span := tracer.Start(ctx, "caseload.TransferAssignments", trace.WithAttributes(
		attribute.Int64("clinic.id", clinicID),
		attribute.Int64("therapist.from", fromTherapistID),
		attribute.Int("transfer.items", len(items)),
	))
	defer span.End()

	var outcomes []ItemOutcome
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		outcomes = outcomes[:0]
		for _, item := range items {
			out := s.transferOne(ctx, clinicID, fromTherapistID, item)
			outcomes = append(outcomes, out)
			if out.Outcome == OutcomeFailed {
				return out.Err
			}
		}
		return nil
	})

	m := getMetrics()
	if err != nil {
		m.transferItems.WithLabelValues(OutcomeFailed.String()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error().Err(err).
			Int64("clinic_id", clinicID).
			Int64("from_therapist_id", fromTherapistID).
			Int("processed", len(outcomes)).
			Msg("assignment transfer rolled back")
		return nil, fmt.Errorf("transfer assignments: %w", err)
	}

	result := &TransferResult{Success: true, Details: []TransferDetail{}}
	var sessions int64
	for _, out := range outcomes {
		m.transferItems.WithLabelValues(out.Outcome.String()).Inc()
		switch out.Outcome {
		case OutcomeApplied:
			result.Details = append(result.Details, *out.Detail)
			sessions += out.Detail.SessionsTransferred
		case OutcomeSkipped:
			s.logger.Debug().
				Int64("assignment_id", out.Item.AssignmentID).
				Int64("to_therapist_id", out.Item.ToTherapistID).
				Str("reason", out.Reason).
				Msg("transfer entry skipped")
		}
	}
	result.TransferredCount = len(result.Details)
	m.sessionsTransferred.Add(float64(sessions))

	span.SetAttributes(
		attribute.Int("transfer.applied", result.TransferredCount),
		attribute.Int64("transfer.sessions", sessions),
	)
	s.logger.Info().
		Int64("clinic_id", clinicID).
		Int64("from_therapist_id", fromTherapistID).
		Int("requested", len(items)).
		Int("transferred", result.TransferredCount).
		Int64("sessions", sessions).
		Msg("assignments transferred")
	return result, nil
}

func (s *Service) transferOne(ctx context.Context, clinicID, from int64, item TransferItem) ItemOutcome {
	skip := func(reason string) ItemOutcome {
		return ItemOutcome{Item: item, Outcome: OutcomeSkipped, Reason: reason}
	}
	fail := func(err error) ItemOutcome {
		return ItemOutcome{Item: item, Outcome: OutcomeFailed, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	old, err := s.assignments.GetOwned(ctx, item.AssignmentID, from, clinicID)
	if errors.Is(err, ErrNotFound) {
		return skip("assignment not owned by source therapist")
	}
	if err != nil {
		return fail(fmt.Errorf("look up assignment %d: %w", item.AssignmentID, err))
	}

	dest, err := s.users.GetInClinic(ctx, item.ToTherapistID, clinicID)
	if errors.Is(err, ErrNotFound) {
		return fail(fmt.Errorf("transfer assignment %d to user %d: %w", item.AssignmentID, item.ToTherapistID, ErrUnknownDestination))
	}
	if err != nil {
		return fail(fmt.Errorf("look up therapist %d: %w", item.ToTherapistID, err))
	}

	next := &Assignment{
		PatientID:          old.PatientID,
		ProgramID:          old.ProgramID,
		TherapistID:        dest.ID,
		Status:             old.Status,
		CurrentPromptLevel: old.CurrentPromptLevel,
		AssignedAt:         old.AssignedAt,
	}
	if err := s.assignments.Create(ctx, next); err != nil {
		return fail(fmt.Errorf("create assignment for therapist %d: %w", dest.ID, err))
	}
	moved, err := s.assignments.RepointProgress(ctx, old.ID, next.ID)
	if err != nil {
		return fail(fmt.Errorf("move progress records of assignment %d: %w", old.ID, err))
	}
	if err := s.assignments.Delete(ctx, old.ID); err != nil {
		return fail(fmt.Errorf("delete assignment %d: %w", old.ID, err))
	}

	return ItemOutcome{
		Item:    item,
		Outcome: OutcomeApplied,
		Detail: &TransferDetail{
			OldAssignmentID:     old.ID,
			NewAssignmentID:     next.ID,
			PatientID:           old.PatientID,
			ProgramID:           old.ProgramID,
			ToTherapistID:       dest.ID,
			SessionsTransferred: moved,
		},
	}
}
