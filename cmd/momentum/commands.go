package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/momentum/internal/client/syncengine"
	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newUpsertCommand() *cobra.Command {
	var assignments []string
	cmd := &cobra.Command{
		Use:   "upsert <kind> [id]",
		Short: "Create or update an entity offline; id is minted when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := entities.ParseKind(args[0])
			if err != nil {
				return err
			}
			fields, err := parseAssignments(assignments)
			if err != nil {
				return err
			}
			return withDevice(cmd.Context(), func(ctx context.Context, runtime *deviceRuntime) error {
				if len(args) == 1 {
					id, entry, err := runtime.log.Create(ctx, kind, fields)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "queued #%d %s\n", entry.Sequence, entities.Key(kind, id))
					return nil
				}
				id, err := entities.NewEntityID(args[1])
				if err != nil {
					return err
				}
				entry, err := runtime.log.Upsert(ctx, kind, id, fields)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued #%d %s\n", entry.Sequence, entry.Record.Key())
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&assignments, "set", nil, "Field assignment name=value (JSON values accepted; null clears)")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Soft-delete an entity offline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := entities.ParseKind(args[0])
			if err != nil {
				return err
			}
			id, err := entities.NewEntityID(args[1])
			if err != nil {
				return err
			}
			return withDevice(cmd.Context(), func(ctx context.Context, runtime *deviceRuntime) error {
				entry, err := runtime.log.Delete(ctx, kind, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued #%d delete %s\n", entry.Sequence, entry.Record.Key())
				return nil
			})
		},
	}
}

func newListCommand() *cobra.Command {
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "Print the local projection of one kind as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := entities.ParseKind(args[0])
			if err != nil {
				return err
			}
			return withDevice(cmd.Context(), func(ctx context.Context, runtime *deviceRuntime) error {
				states, err := runtime.log.List(ctx, kind, includeDeleted)
				if err != nil {
					return err
				}
				if states == nil {
					states = []entities.State{}
				}
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(states)
			})
		},
	}
	cmd.Flags().BoolVar(&includeDeleted, "all", false, "Include soft-deleted entities")
	return cmd
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push queued edits and pull remote changes once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), func(ctx context.Context, runtime *deviceRuntime) error {
				report, err := runtime.engine.Sync(ctx)
				printReport(cmd, report)
				var rejectedErr *syncengine.PushRejectedError
				if errors.As(err, &rejectedErr) {
					printRejected(cmd, rejectedErr.Rejected)
				}
				return err
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	var checkDrift bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue, cursor and rejected edits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), func(ctx context.Context, runtime *deviceRuntime) error {
				pending, err := runtime.log.Pending(ctx)
				if err != nil {
					return err
				}
				cursor, err := runtime.store.Cursor(ctx)
				if err != nil {
					return err
				}
				rejected, err := runtime.log.Rejected(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "device:   %s\n", runtime.log.Device())
				fmt.Fprintf(out, "pending:  %d\n", pending)
				fmt.Fprintf(out, "rejected: %d\n", len(rejected))
				fmt.Fprintf(out, "cursor:   %s\n", cursor)
				for _, entry := range rejected {
					fmt.Fprintf(out, "  #%d %s %s: %s\n", entry.Sequence, entry.Record.Op, entry.Record.Key(), entry.RejectReason)
				}
				if !checkDrift {
					return nil
				}
				drift, err := runtime.engine.CheckDrift(ctx)
				if err != nil {
					return err
				}
				switch {
				case !drift.Checked:
					fmt.Fprintln(out, "drift:    not checked (pending edits or behind server)")
				case drift.Drifted():
					fmt.Fprintf(out, "drift:    %v differ from server; run resync\n", drift.Mismatched)
				default:
					fmt.Fprintln(out, "drift:    in sync")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&checkDrift, "drift", false, "Compare the local projection with the server")
	return cmd
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <sequence>",
		Short: "Re-queue a rejected edit for the next sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sequence, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sequence %q: %w", args[0], err)
			}
			return withDevice(cmd.Context(), func(ctx context.Context, runtime *deviceRuntime) error {
				if err := runtime.log.Retry(ctx, sequence); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "re-queued #%d\n", sequence)
				return nil
			})
		},
	}
}

func newResyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Rebuild the local projection from the server and replay queued edits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), func(ctx context.Context, runtime *deviceRuntime) error {
				report, err := runtime.engine.Resync(ctx)
				printReport(cmd, report)
				return err
			})
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync in the background until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			onRejected := func(rejected []syncengine.RejectedMutation) {
				printRejected(cmd, rejected)
			}
			runtime, err := openDevice(signalCtx, onRejected)
			if err != nil {
				return err
			}
			defer runtime.Close()

			go func() {
				if err := runtime.engine.Follow(signalCtx, runtime.transport); err != nil && signalCtx.Err() == nil {
					runtime.logger.Warn("change notifications unavailable", zap.Error(err))
				}
			}()
			err = runtime.engine.Run(signalCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func withDevice(ctx context.Context, run func(ctx context.Context, runtime *deviceRuntime) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runtime, err := openDevice(ctx, nil)
	if err != nil {
		return err
	}
	defer runtime.Close()
	return run(ctx, runtime)
}

// parseAssignments reads name=value pairs. Values that parse as JSON keep
// their JSON type; anything else is taken as a string.
func parseAssignments(assignments []string) (map[string]any, error) {
	fields := make(map[string]any, len(assignments))
	for _, assignment := range assignments {
		name, raw, found := strings.Cut(assignment, "=")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			return nil, fmt.Errorf("invalid assignment %q, expected name=value", assignment)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		fields[name] = value
	}
	return fields, nil
}

func printReport(cmd *cobra.Command, report syncengine.Report) {
	fmt.Fprintf(cmd.OutOrStdout(), "pushed %d (discarded %d), pulled %d, rejected %d, resynced %t, cursor %s\n",
		report.Pushed, report.Discarded, report.Pulled, len(report.Rejected), report.Resynced, report.Cursor)
}

func printRejected(cmd *cobra.Command, rejected []syncengine.RejectedMutation) {
	for _, entry := range rejected {
		fmt.Fprintf(cmd.ErrOrStderr(), "rejected #%d %s: %s (retry with: momentum retry %d)\n",
			entry.Entry.Sequence, entry.Entry.Record.Key(), entry.Reason, entry.Entry.Sequence)
	}
}

