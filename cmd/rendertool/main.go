package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"

	"github.com/spf13/cobra"

	"render-queue/internal/bootstrap"
	"render-queue/internal/config"
	"render-queue/internal/log"
)

var (
	configPath string // actual config file used
	cfg        config.Config
	logger     *slog.Logger
	logCloser  io.Closer

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+config.DefaultPath())
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initRendertool
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	}

	rootCmd.AddCommand(guiCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("rendertool failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "rendertool",
	Short:        "Queue and render Blender projects",
	SilenceUsage: true,
	RunE:         doGUI,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("rendertool: version info not available")
			return
		}

		fmt.Printf("config:     %s\n", configPath)
		fmt.Printf("rendertool: %s\n", info.Main.Version)
		fmt.Printf("go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:       %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:      %s\n", s.Value)
			}
		}
	},
}

func initRendertool(cmd *cobra.Command, _ []string) error {
	configPath = config.DefaultPath()
	if envConfig, ok := os.LookupEnv("RENDERTOOLCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	}

	store := config.NewFileStore(configPath)
	var err error
	cfg, err = store.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
		if err := store.Save(cfg); err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		cfg.Verbose = true
	}

	logger, logCloser, err = log.NewFile(cfg.LogFile, cfg.Verbose)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Debug("rendertool run", "configPath", configPath)
	return nil
}

// openApp builds the application for one command and attaches command
// attributes to every log record made through ctx.
func openApp(cmd *cobra.Command) (context.Context, *bootstrap.App, error) {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("rendertool",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	))
	app, err := bootstrap.New(ctx, cfg, logger, nil)
	if err != nil {
		return nil, nil, err
	}
	return ctx, app, nil
}
