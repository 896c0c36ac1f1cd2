// Package cli implements the sessiongate command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"sessiongate/cmd/internal/app"
)

type rootFlags struct {
	store      string
	sqlitePath string
	logLevel   string
}

// NewRootCmd builds the sessiongate command tree.
func NewRootCmd() *cobra.Command {
	var rf rootFlags

	cmd := &cobra.Command{
		Use:           "sessiongate",
		Short:         "Concurrent device session arbitration",
		Long:          "sessiongate caps how many devices an account may be signed in on and arbitrates conflicts when the cap is reached.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&rf.store, "store", "", "override SG_STORE (memory|postgres|redis|sqlite)")
	pf.StringVar(&rf.sqlitePath, "sqlite-path", "", "override SG_SQLITE_PATH")
	pf.StringVar(&rf.logLevel, "log-level", "", "override SG_LOG_LEVEL")

	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(&rf),
		newSessionsCmd(&rf),
		newWatchCmd(&rf),
	)
	return cmd
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Serve(cmd.Context())
		},
	}
}

// loadConfig reads env config and applies flag overrides.
func (rf *rootFlags) loadConfig() (app.Config, error) {
	cfg, err := app.ConfigFromEnv()
	if err != nil {
		return app.Config{}, err
	}
	if rf.store != "" {
		cfg.Store = rf.store
	}
	if rf.sqlitePath != "" {
		cfg.SQLitePath = rf.sqlitePath
	}
	if rf.logLevel != "" {
		cfg.LogLevel = rf.logLevel
	}
	if err := app.ValidateConfig(cfg); err != nil {
		return app.Config{}, err
	}
	return cfg, nil
}

// toolLogger logs to stderr so command output stays parseable.
func (rf *rootFlags) toolLogger(cmd *cobra.Command, cfg app.Config) *slog.Logger {
	return app.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
}

func openBackend(cmd *cobra.Command, rf *rootFlags, migrate bool) (*app.Backend, app.Config, error) {
	cfg, err := rf.loadConfig()
	if err != nil {
		return nil, app.Config{}, err
	}
	b, err := app.OpenBackend(cmd.Context(), cfg, rf.toolLogger(cmd, cfg), migrate)
	if err != nil {
		return nil, app.Config{}, err
	}
	return b, cfg, nil
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
