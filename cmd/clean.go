package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tanq16/haul/internal/output"
	"github.com/tanq16/haul/internal/registry"
	"github.com/tanq16/haul/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [path]",
		Short: "Remove chunk directories no recorded download still needs",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dir := cfg.DownloadDir
			if len(args) > 0 {
				dir = args[0]
			}
			exitOnError(withRegistry(func(ctx context.Context, reg *registry.Registry) error {
				inUse := make(map[string]bool)
				for _, rec := range reg.List() {
					if !rec.Status.IsTerminal() && rec.FilePath != "" {
						inUse[absPath(rec.ChunkDir())] = true
					}
				}
				removed, err := utils.CleanChunkDirs(dir, func(p string) bool { return inUse[absPath(p)] })
				for _, p := range removed {
					output.PrintDebug(fmt.Sprintf("Removed %s", p))
				}
				if err != nil {
					return err
				}
				output.PrintSuccess(fmt.Sprintf("Cleaned %d chunk directories", len(removed)))
				return nil
			}))
		},
	}
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
