package caseload

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/caseload/caseload/internal/domain/caseload")

// Service implements the assignment summary, the assignment transfer and the
// guarded account deletion for therapists.
type Service struct {
	users       UserRepository
	assignments AssignmentRepository
	tx          Transactor
	cleanup     []CleanupTarget
	logger      zerolog.Logger
}

func NewService(users UserRepository, assignments AssignmentRepository, tx Transactor, cleanup []CleanupTarget) *Service {
	return &Service{
		users:       users,
		assignments: assignments,
		tx:          tx,
		cleanup:     cleanup,
		logger:      zerolog.Nop(),
	}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "caseload").Logger()
}
