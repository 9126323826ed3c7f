package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/haul/internal/config"
	"github.com/tanq16/haul/internal/output"
	"github.com/tanq16/haul/internal/registry"
	"github.com/tanq16/haul/internal/resolver"
	"github.com/tanq16/haul/internal/scheduler"
	"github.com/tanq16/haul/internal/utils"
)

var (
	configPath  string
	statePath   string
	connections int
	timeout     time.Duration
	userAgent   string
	proxyURL    string
	headers     []string
	workers     int
	debug       bool

	cfg     config.Config
	logFile *os.File
)

var HaulVersion = "dev"

var errDownloadsFailed = errors.New("encountered failed download(s)")

var rootCmd = &cobra.Command{
	Use:               "haul [URL...]",
	Short:             "Haul is a resumable multi-connection download manager",
	Version:           HaulVersion,
	Args:              cobra.ArbitraryArgs,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			cmd.Help()
			return
		}
		reqs, err := buildRequests(args, rootOutput, rootDir)
		exitOnError(err)
		exitOnError(addAndRun(reqs, false))
	},
}

var (
	rootOutput string
	rootDir    string
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.haul/config.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "Path to the download state file")
	rootCmd.PersistentFlags().IntVarP(&connections, "connections", "c", utils.DefaultConnections, "Number of connections per download (max 8)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", utils.DefaultRequestTimeout, "Connection timeout (eg. 5s, 10m)")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", "", "User agent (\"randomize\" picks a browser agent)")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.PersistentFlags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers for added downloads (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 4, "Number of downloads to run at once")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.Flags().StringVarP(&rootOutput, "output", "o", "", "Output file name (inferred when not provided)")
	rootCmd.Flags().StringVarP(&rootDir, "dir", "d", "", "Directory to save into")

	rootCmd.AddCommand(newAddCmd())
	rootCmd.AddCommand(newS3Cmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newRemoveCmd())
	rootCmd.AddCommand(newRetryCmd())
	rootCmd.AddCommand(newUpdateURLCmd())
	rootCmd.AddCommand(newCleanCmd())
}

// loadConfig layers defaults, the config file, HAUL_* variables and flags,
// then points the logger at the state directory.
func loadConfig(cmd *cobra.Command, args []string) error {
	cfg = config.Default()
	if configPath == "" {
		if candidate := filepath.Join(config.DefaultStateDir(), "config.yaml"); utils.FileExists(candidate) {
			configPath = candidate
		}
	}
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("state") {
		cfg.StateFile = statePath
	}
	if flags.Changed("connections") {
		cfg.MaxConnections = connections
	}
	if flags.Changed("timeout") {
		cfg.HTTP.Timeout = timeout
	}
	if flags.Changed("user-agent") {
		cfg.HTTP.UserAgent = userAgent
	}
	if flags.Changed("proxy") {
		cfg.HTTP.ProxyURL = proxyURL
	}
	if flags.Changed("workers") {
		cfg.Workers = workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	stateDir := filepath.Dir(cfg.StateFile)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(stateDir, utils.LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		utils.InitLogger(debug, nil)
	} else {
		logFile = f
		utils.InitLogger(debug, f)
	}
	log := utils.GetLogger("cli")
	log.Debug().Str("command", cmd.Name()).Str("state", cfg.StateFile).Msg("Configuration loaded")
	return nil
}

// withRegistry opens the registry for the duration of fn. SIGINT and SIGTERM
// cancel ctx, which pauses whatever is running before the state is saved.
func withRegistry(fn func(ctx context.Context, reg *registry.Registry) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	reg, err := registry.New(ctx, registry.Options{
		Store:       registry.NewFileStore(cfg.StateFile),
		Client:      utils.NewHTTPClient(cfg.HTTPClientConfig()),
		Resolver:    resolver.New(cfg.AWSProfile),
		Settings:    cfg.Settings(),
		DownloadDir: cfg.DownloadDir,
	})
	if err != nil {
		return fmt.Errorf("open download state: %w", err)
	}
	err = fn(ctx, reg)
	return errors.Join(err, reg.Close())
}

func runTasks(ctx context.Context, reg *registry.Registry, ids []string) error {
	if err := scheduler.Run(ctx, reg, ids, cfg.Workers, os.Stdout); err != nil {
		log := utils.GetLogger("cli")
		log.Debug().Err(err).Msg("Run finished with failures")
		return errDownloadsFailed
	}
	return nil
}

func exitOnError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, errDownloadsFailed) {
		output.PrintError("Encountered failed download(s)")
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	if logFile != nil {
		logFile.Close()
	}
	os.Exit(1)
}
