package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

func newS3Cmd() *cobra.Command {
	var outputPath string
	var saveDir string
	var profile string

	cmd := &cobra.Command{
		Use:   "s3 [BUCKET/KEY or s3://BUCKET/KEY]",
		Short: "Download objects from AWS S3",
		Long: `Download objects from AWS S3 through presigned URLs.

Examples:
  haul s3 mybucket/path/to/file.zip
  haul s3 s3://mybucket/path/to/file.zip -o local.zip
  haul s3 mybucket/file.zip --profile myprofile`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			link := args[0]
			if !strings.HasPrefix(link, "s3://") {
				link = "s3://" + strings.TrimPrefix(link, "/")
			}
			if profile != "" {
				cfg.AWSProfile = profile
			}
			reqs, err := buildRequests([]string{link}, outputPath, saveDir)
			exitOnError(err)
			exitOnError(addAndRun(reqs, false))
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file name or path")
	cmd.Flags().StringVarP(&saveDir, "dir", "d", "", "Directory to save into")
	cmd.Flags().StringVar(&profile, "profile", "", "AWS profile to presign with")
	return cmd
}
