package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/haul/internal/output"
	"github.com/tanq16/haul/internal/registry"
	"github.com/tanq16/haul/internal/types"
)

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume [ID...]",
		Short: "Resume paused, failed or queued downloads (all of them when no ID is given)",
		Run: func(cmd *cobra.Command, args []string) {
			exitOnError(withRegistry(func(ctx context.Context, reg *registry.Registry) error {
				ids, err := lookupAll(reg, args)
				if err != nil {
					return err
				}
				if len(args) == 0 {
					for _, rec := range reg.List() {
						switch rec.Status {
						case types.StatusPaused, types.StatusError, types.StatusWaiting:
							ids = append(ids, rec.ID)
						}
					}
				}
				if len(ids) == 0 {
					output.PrintInfo("Nothing to resume")
					return nil
				}
				return runTasks(ctx, reg, ids)
			}))
		},
	}
	return cmd
}

func newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a download and delete its partial data",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			exitOnError(withTask(args[0], func(reg *registry.Registry, id string) error {
				if err := reg.Cancel(id); err != nil {
					return err
				}
				output.PrintSuccess(fmt.Sprintf("Cancelled %s", id))
				return nil
			}))
		},
	}
	return cmd
}

func newRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remove ID",
		Aliases: []string{"rm"},
		Short:   "Forget a download; unfinished data is deleted, finished files are kept",
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			exitOnError(withTask(args[0], func(reg *registry.Registry, id string) error {
				if err := reg.Remove(id); err != nil {
					return err
				}
				output.PrintSuccess(fmt.Sprintf("Removed %s", id))
				return nil
			}))
		},
	}
	return cmd
}

func newRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry ID",
		Short: "Clear a failed download's error and run it again",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			exitOnError(withRegistry(func(ctx context.Context, reg *registry.Registry) error {
				id, err := reg.Lookup(args[0])
				if err != nil {
					return err
				}
				if err := reg.Retry(id); err != nil {
					return fmt.Errorf("%s: only failed downloads can be retried: %w", id, err)
				}
				return runTasks(ctx, reg, []string{id})
			}))
		},
	}
	return cmd
}

func newUpdateURLCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-url ID URL",
		Short: "Point a download at a new URL, keeping what was already fetched",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			exitOnError(withTask(args[0], func(reg *registry.Registry, id string) error {
				if err := reg.UpdateURL(id, args[1]); err != nil {
					return err
				}
				output.PrintSuccess(fmt.Sprintf("Updated URL for %s", id))
				return nil
			}))
		},
	}
	return cmd
}

func withTask(ref string, fn func(reg *registry.Registry, id string) error) error {
	return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
		id, err := reg.Lookup(ref)
		if err != nil {
			return fmt.Errorf("%s: %w", ref, err)
		}
		return fn(reg, id)
	})
}

func lookupAll(reg *registry.Registry, refs []string) ([]string, error) {
	var ids []string
	var errs []error
	for _, ref := range refs {
		id, err := reg.Lookup(ref)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ref, err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}
