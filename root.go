package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudsync-go/internal/config"
	"github.com/tonimelisma/cloudsync-go/internal/docstore"
	"github.com/tonimelisma/cloudsync-go/internal/engine"
	"github.com/tonimelisma/cloudsync-go/internal/kvstore"
	"github.com/tonimelisma/cloudsync-go/internal/provider"
	"github.com/tonimelisma/cloudsync-go/internal/provider/gdrive"
	"github.com/tonimelisma/cloudsync-go/internal/token"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cloudsync",
		Short:   "Cloud document sync client",
		Long:    "Keeps a local document consistent with one remote copy in a cloud file provider.",
		Version: version,
		// Silence Cobra's default error/usage printing; we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newConnectCmd())
	cmd.AddCommand(newDisconnectCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newClearErrorCmd())

	return cmd
}

// buildLogger creates an slog.Logger from the config baseline with CLI flag
// overrides. Text output on a TTY, JSON otherwise, unless the config pins a
// format.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.Logging.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	// CLI flags override config (highest priority).
	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	format := cfg.Logging.LogFormat
	if format == "auto" {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		} else {
			format = "json"
		}
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// appContext bundles everything a command needs.
type appContext struct {
	cfg    *config.Config
	logger *slog.Logger
	kv     kvstore.Store
	engine *engine.Engine
}

// close releases the state database.
func (a *appContext) close() {
	if err := a.kv.Close(); err != nil {
		a.logger.Warn("closing state database", slog.String("error", err.Error()))
	}
}

// newAppContext loads configuration, opens the state database, and wires the
// engine with its provider registry. Every command goes through here.
func newAppContext() (*appContext, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}

	logger := buildLogger(cfg)

	kv, err := kvstore.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, err
	}

	tokens := token.NewManager(kv, logger)

	registry := provider.NewRegistry(logger)
	registry.Register(gdrive.ProviderID, func() provider.Provider {
		return gdrive.New(gdrive.Options{
			ClientID:     cfg.Provider.ClientID,
			SyncFileName: cfg.Provider.SyncFileName,
			OpenURL:      openBrowser,
		}, tokens, logger)
	})

	docs := docstore.NewFileStore(cfg.Storage.DocumentPath, logger)

	eng := engine.New(engine.Options{
		Registry: registry,
		Tokens:   tokens,
		Docs:     docs,
		KV:       kv,
		Logger:   logger,
	})

	return &appContext{cfg: cfg, logger: logger, kv: kv, engine: eng}, nil
}

// openBrowser launches the default browser for the given URL.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}

// statusf prints user-facing output unless --quiet is set.
func statusf(format string, args ...any) {
	if flagQuiet {
		return
	}

	fmt.Fprintf(os.Stdout, format, args...)
}
