package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tanq16/haul/internal/output"
	"github.com/tanq16/haul/internal/registry"
	"github.com/tanq16/haul/internal/utils"
)

func newAddCmd() *cobra.Command {
	var outputPath string
	var saveDir string
	var queueOnly bool

	cmd := &cobra.Command{
		Use:   "add URL... [--output NAME] [--dir DIR]",
		Short: "Add HTTP, HTTPS or S3 downloads and run them",
		Long: `Add one or more downloads and run them until they finish.

Examples:
  haul add https://example.com/file.iso
  haul add https://example.com/a.zip -o b.zip -d ~/Downloads
  haul add --queue https://example.com/later.tar.gz`,
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			reqs, err := buildRequests(args, outputPath, saveDir)
			exitOnError(err)
			exitOnError(addAndRun(reqs, queueOnly))
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file name or path (single URL only)")
	cmd.Flags().StringVarP(&saveDir, "dir", "d", "", "Directory to save into")
	cmd.Flags().BoolVar(&queueOnly, "queue", false, "Only record the downloads; start them later with resume")
	return cmd
}

func buildRequests(links []string, outputPath, saveDir string) ([]registry.AddRequest, error) {
	if outputPath != "" && len(links) > 1 {
		return nil, errors.New("--output can only be used with a single URL")
	}
	dir, name := splitOutputPath(outputPath)
	if saveDir != "" {
		dir = filepath.Join(saveDir, dir)
	}
	var taskHeaders map[string]string
	if len(headers) > 0 {
		taskHeaders = utils.ParseHeaderArgs(headers)
	}
	reqs := make([]registry.AddRequest, 0, len(links))
	for _, link := range links {
		reqs = append(reqs, registry.AddRequest{URL: link, SavePath: dir, Filename: name, Headers: taskHeaders})
	}
	return reqs, nil
}

// splitOutputPath turns "dir/name" into its parts; a trailing separator
// means a directory with the file name left to inference.
func splitOutputPath(p string) (dir, name string) {
	if p == "" {
		return "", ""
	}
	if strings.HasSuffix(p, "/") || strings.HasSuffix(p, string(filepath.Separator)) {
		return filepath.Clean(p), ""
	}
	dir = filepath.Dir(p)
	if dir == "." {
		dir = ""
	}
	return dir, filepath.Base(p)
}

// addAndRun records every request and, unless queueOnly, runs the accepted
// ones through the scheduler. Rejected URLs are reported and skipped.
func addAndRun(reqs []registry.AddRequest, queueOnly bool) error {
	if queueOnly {
		cfg.AutoStart = false
	}
	return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
		ids := make([]string, 0, len(reqs))
		for _, req := range reqs {
			rec, err := reg.Add(req)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: skipping %s: %v\n", req.URL, err)
				continue
			}
			ids = append(ids, rec.ID)
			if queueOnly {
				output.PrintPending(fmt.Sprintf("Queued %s %s", rec.ID, req.URL))
			}
		}
		if len(ids) == 0 {
			return errors.New("no valid downloads to add")
		}
		if queueOnly {
			return nil
		}
		return runTasks(ctx, reg, ids)
	})
}
