package caseload

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

type UserRepository interface {
	// GetInClinic returns ErrNotFound when the user is absent or belongs to
	// another clinic.
	GetInClinic(ctx context.Context, id, clinicID int64) (*User, error)
	Delete(ctx context.Context, id, clinicID int64) (int64, error)
	DeleteAncillary(ctx context.Context, target CleanupTarget, userID int64) (int64, error)
}

type AssignmentRepository interface {
	SummaryRows(ctx context.Context, therapistID, clinicID int64) ([]SummaryRow, error)
	// GetOwned returns ErrNotFound unless the assignment belongs to
	// therapistID and its patient to clinicID.
	GetOwned(ctx context.Context, id, therapistID, clinicID int64) (*Assignment, error)
	Create(ctx context.Context, a *Assignment) error
	RepointProgress(ctx context.Context, fromAssignmentID, toAssignmentID int64) (int64, error)
	Delete(ctx context.Context, id int64) error
	CountByTherapist(ctx context.Context, therapistID int64) (int, error)
}

// Transactor runs fn inside one transaction carried by the context passed to
// fn. A non-nil error from fn rolls the whole transaction back.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CleanupTarget names a table and the column holding a user id that is
// cleared before the user row is deleted.
type CleanupTarget struct {
	Table  string
	Column string
}

func (t CleanupTarget) String() string {
	return t.Table + ":" + t.Column
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ParseCleanupTargets parses a comma separated list of table:column pairs.
func ParseCleanupTargets(s string) ([]CleanupTarget, error) {
	var targets []CleanupTarget
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		table, column, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("cleanup target %q: expected table:column", part)
		}
		if !identRe.MatchString(table) || !identRe.MatchString(column) {
			return nil, fmt.Errorf("cleanup target %q: invalid identifier", part)
		}
		targets = append(targets, CleanupTarget{Table: table, Column: column})
	}
	return targets, nil
}
