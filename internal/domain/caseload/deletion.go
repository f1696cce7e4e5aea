package caseload

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DeleteUser removes a user account from clinicID and returns the number of
// rows deleted. An unknown user yields 0 and no error. A therapist who still
// owns assignments yields *ActiveAssignmentsError and nothing is changed.
//
// Ancillary rows are cleared first, outside any transaction, and failures
// there are ignored. The user row is then deleted in its own transaction.
func (s *Service) DeleteUser(ctx context.Context, userID, clinicID int64) (int64, error) {
	ctx, span := tracer.Start(ctx, "caseload.DeleteUser", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.Int64("clinic.id", clinicID),
	))
	defer span.End()
	m := getMetrics()

	fail := func(err error) (int64, error) {
		m.deletions.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	u, err := s.users.GetInClinic(ctx, userID, clinicID)
	if errors.Is(err, ErrNotFound) {
		m.deletions.WithLabelValues("not_found").Inc()
		return 0, nil
	}
	if err != nil {
		return fail(fmt.Errorf("look up user %d: %w", userID, err))
	}

	if u.Role == RoleTherapist {
		n, err := s.assignments.CountByTherapist(ctx, u.ID)
		if err != nil {
			return fail(fmt.Errorf("count assignments of therapist %d: %w", u.ID, err))
		}
		if n > 0 {
			m.deletions.WithLabelValues("blocked").Inc()
			s.logger.Warn().
				Int64("user_id", u.ID).
				Int64("clinic_id", clinicID).
				Int("assignments", n).
				Msg("deletion blocked by active assignments")
			return 0, &ActiveAssignmentsError{Count: n}
		}
	}

	s.cleanupAncillary(ctx, u.ID)

	var deleted int64
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		n, err := s.users.Delete(ctx, u.ID, clinicID)
		deleted = n
		return err
	})
	if err != nil {
		return fail(fmt.Errorf("delete user %d: %w", u.ID, err))
	}

	if deleted == 0 {
		m.deletions.WithLabelValues("not_found").Inc()
	} else {
		m.deletions.WithLabelValues("deleted").Inc()
		s.logger.Info().Int64("user_id", u.ID).Int64("clinic_id", clinicID).Msg("user deleted")
	}
	return deleted, nil
}

func (s *Service) cleanupAncillary(ctx context.Context, userID int64) {
	for _, target := range s.cleanup {
		n, err := s.users.DeleteAncillary(ctx, target, userID)
		if err != nil {
			getMetrics().cleanupFailures.WithLabelValues(target.Table).Inc()
			s.logger.Debug().Err(err).
				Str("target", target.String()).
				Int64("user_id", userID).
				Msg("ancillary cleanup failed")
			continue
		}
		if n > 0 {
			s.logger.Debug().Str("target", target.String()).Int64("rows", n).Msg("ancillary rows cleared")
		}
	}
}
