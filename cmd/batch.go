package cmd

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tanq16/haul/internal/registry"
	"gopkg.in/yaml.v3"
)

type BatchEntry struct {
	OutputPath string `yaml:"op,omitempty"`
	Link       string `yaml:"link"`
}

// BatchFile groups entries by source type, as an alternative to a flat list.
type BatchFile map[string][]BatchEntry

func newBatchCmd() *cobra.Command {
	var saveDir string
	var queueOnly bool

	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Add multiple downloads from a YAML file",
		Long: `Add multiple downloads from a YAML file, either a flat list:

  - link: https://example.com/a.zip
    op: downloads/a.zip
  - link: s3://bucket/b.tar

or grouped by type:

  http:
    - link: https://example.com/a.zip
  s3:
    - link: bucket/b.tar`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			entries, err := readBatchFile(args[0])
			exitOnError(err)
			reqs := buildRequestsFromBatch(entries, saveDir)
			if len(reqs) == 0 {
				fmt.Fprintf(os.Stderr, "No valid entries found in the batch file\n")
				os.Exit(1)
			}
			exitOnError(addAndRun(reqs, queueOnly))
		},
	}

	cmd.Flags().StringVarP(&saveDir, "dir", "d", "", "Directory to save into")
	cmd.Flags().BoolVar(&queueOnly, "queue", false, "Only record the downloads; start them later with resume")
	return cmd
}

func readBatchFile(path string) ([]BatchEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var entries []BatchEntry
	if err := yaml.Unmarshal(data, &entries); err == nil {
		return entries, nil
	}
	var batchFile BatchFile
	if err := yaml.Unmarshal(data, &batchFile); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}
	for _, jobType := range slices.Sorted(maps.Keys(batchFile)) {
		scheme := normalizeJobType(jobType)
		if scheme == "" {
			fmt.Fprintf(os.Stderr, "Warning: Unknown job type '%s', skipping...\n", jobType)
			continue
		}
		for _, entry := range batchFile[jobType] {
			if scheme == "s3" && entry.Link != "" && !strings.Contains(entry.Link, "://") {
				entry.Link = "s3://" + entry.Link
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func buildRequestsFromBatch(entries []BatchEntry, saveDir string) []registry.AddRequest {
	var reqs []registry.AddRequest
	for _, entry := range entries {
		if entry.Link == "" {
			fmt.Fprintf(os.Stderr, "Warning: Empty link found, skipping...\n")
			continue
		}
		built, err := buildRequests([]string{entry.Link}, entry.OutputPath, saveDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping %s: %v\n", entry.Link, err)
			continue
		}
		reqs = append(reqs, built...)
	}
	return reqs
}

func normalizeJobType(jobType string) string {
	typeMap := map[string]string{
		"http":  "http",
		"https": "http",
		"s3":    "s3",
		"aws":   "s3",
	}
	return typeMap[jobType]
}
