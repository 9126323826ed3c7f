package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/haul/internal/output"
	"github.com/tanq16/haul/internal/registry"
)

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list [ID]",
		Aliases: []string{"ls"},
		Short:   "Show recorded downloads, or the details of one",
		Args:    cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			exitOnError(withRegistry(func(ctx context.Context, reg *registry.Registry) error {
				if len(args) == 1 {
					id, err := reg.Lookup(args[0])
					if err != nil {
						return err
					}
					rec, err := reg.Get(id)
					if err != nil {
						return err
					}
					output.PrintRecord(os.Stdout, rec)
					return nil
				}
				records := reg.List()
				if len(records) == 0 {
					output.PrintInfo("No downloads recorded")
					return nil
				}
				fmt.Println(output.RecordsTable(records))
				return nil
			}))
		},
	}
	return cmd
}
