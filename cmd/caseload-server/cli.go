package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/caseload/caseload/internal/config"
	"github.com/caseload/caseload/internal/domain/caseload"
)

// Operator commands run the caseload operations directly against the
// configured store and print the result as JSON.

func summaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print a therapist's assignments grouped by program and patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetInt64("clinic")
			therapist, _ := cmd.Flags().GetInt64("therapist")
			return withService(cmd, func(ctx context.Context, svc *caseload.Service) error {
				sum, err := svc.AssignmentSummary(ctx, therapist, clinic)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
	cmd.Flags().Int64("clinic", 0, "Clinic id")
	cmd.Flags().Int64("therapist", 0, "Therapist user id")
	cmd.MarkFlagRequired("clinic")
	cmd.MarkFlagRequired("therapist")
	return cmd
}

func transferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "transfer",
		Short:   "Move assignments and their progress history to other therapists",
		Example: "  caseload-server transfer --clinic 3 --from 12 --item 101:15 --item 102:16",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetInt64("clinic")
			from, _ := cmd.Flags().GetInt64("from")
			raw, _ := cmd.Flags().GetStringArray("item")
			items, err := parseTransferItems(raw)
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, svc *caseload.Service) error {
				res, err := svc.TransferAssignments(ctx, clinic, from, items)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().Int64("clinic", 0, "Clinic id")
	cmd.Flags().Int64("from", 0, "Therapist currently owning the assignments")
	cmd.Flags().StringArray("item", nil, "assignment_id:to_therapist_id, repeatable")
	cmd.MarkFlagRequired("clinic")
	cmd.MarkFlagRequired("from")
	return cmd
}

func deleteUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-user",
		Short: "Delete a user; therapists must have no assignments left",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetInt64("clinic")
			user, _ := cmd.Flags().GetInt64("user")
			return withService(cmd, func(ctx context.Context, svc *caseload.Service) error {
				n, err := svc.DeleteUser(ctx, user, clinic)
				var active *caseload.ActiveAssignmentsError
				if errors.As(err, &active) {
					printJSON(cmd.OutOrStdout(), map[string]interface{}{
						"error":            active.Error(),
						"requiresTransfer": true,
						"assignmentCount":  active.Count,
					})
					return err
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"deleted":       n > 0,
					"rows_affected": n,
				})
			})
		},
	}
	cmd.Flags().Int64("clinic", 0, "Clinic id")
	cmd.Flags().Int64("user", 0, "User id")
	cmd.MarkFlagRequired("clinic")
	cmd.MarkFlagRequired("user")
	return cmd
}

func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *caseload.Service) error) error {
	return withStore(cmd.Context(), func(ctx context.Context, cfg *config.Config, st *store) error {
		logger := zerolog.New(cmd.ErrOrStderr()).Level(cfg.Level()).With().Timestamp().Logger()
		svc, err := newService(st, cfg, logger)
		if err != nil {
			return err
		}
		return fn(ctx, svc)
	})
}

func parseTransferItems(raw []string) ([]caseload.TransferItem, error) {
	items := make([]caseload.TransferItem, 0, len(raw))
	for _, r := range raw {
		a, b, ok := strings.Cut(r, ":")
		if !ok {
			return nil, fmt.Errorf("item %q: expected assignment_id:to_therapist_id", r)
		}
		assignmentID, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("item %q: invalid assignment id", r)
		}
		to, err := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("item %q: invalid therapist id", r)
		}
		items = append(items, caseload.TransferItem{AssignmentID: assignmentID, ToTherapistID: to})
	}
	return items, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
