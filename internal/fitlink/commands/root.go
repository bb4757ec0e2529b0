// Package commands implements the fitlink CLI.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/fitlink/internal/fitlink/app"
	"github.com/aussiebroadwan/fitlink/pkg/connect"
)

// Exit codes.
const (
	ExitOK               = 0
	ExitError            = 1
	ExitNotAuthenticated = 3
)

// ConfigLoader loads the base configuration before flags are applied.
type ConfigLoader func(path string) (app.Config, error)

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigFile string
	Profile    string
	Store      string
	LogFormat  string
	Verbose    bool
	JSON       bool
}

type contextKey string

const appKey contextKey = "app"

func withApp(ctx context.Context, a *app.Application) context.Context {
	return context.WithValue(ctx, appKey, a)
}

// appFrom retrieves the application stored by the root command.
func appFrom(ctx context.Context) *app.Application {
	a, _ := ctx.Value(appKey).(*app.Application)
	return a
}

func mustApp(cmd *cobra.Command) (*app.Application, error) {
	a := appFrom(cmd.Context())
	if a == nil {
		return nil, errors.New("app not initialized")
	}
	return a, nil
}

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd(load ConfigLoader) *cobra.Command {
	var flags GlobalFlags

	cmd := &cobra.Command{
		Use:           "fitlink",
		Short:         "Sign in to Garmin Connect and call its API",
		Long:          "fitlink signs in through Garmin SSO, keeps the OAuth tokens fresh and makes authenticated API requests.",
		Version:       app.BuildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip setup for help and version commands
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}

			cfg, err := load(flags.ConfigFile)
			if err != nil {
				return err
			}
			if err := applyFlags(&cfg, flags); err != nil {
				return err
			}

			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			cmd.SetContext(a.Context(withApp(cmd.Context(), a)))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.ConfigFile, "config", "c", "", "Config file (default $FITLINK_CONFIG)")
	cmd.PersistentFlags().StringVarP(&flags.Profile, "profile", "p", "", "Account profile")
	cmd.PersistentFlags().StringVar(&flags.Store, "store", "", "Token store: memory, sqlite or keyring")
	cmd.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "Log format: text or json")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "Log HTTP requests and token activity")
	cmd.PersistentFlags().BoolVarP(&flags.JSON, "json", "j", false, "Output as JSON")

	cmd.AddCommand(
		newLoginCmd(),
		newLogoutCmd(),
		newStatusCmd(&flags),
		newRefreshCmd(),
		newExportCmd(),
		newImportCmd(),
		newGetCmd(),
		newPostCmd(),
		newDeleteCmd(),
		newWatchCmd(),
		newHistoryCmd(&flags),
	)

	return cmd
}

func applyFlags(cfg *app.Config, flags GlobalFlags) error {
	if flags.Profile != "" {
		cfg.Profile = flags.Profile
	}
	if flags.Store != "" {
		cfg.Store.Driver = flags.Store
	}
	if flags.LogFormat != "" {
		cfg.LogFormat = flags.LogFormat
	}
	if flags.Verbose {
		cfg.LogLevel = "debug"
	}
	return cfg.Validate()
}

// Run executes the CLI with args and closes the application afterwards.
func Run(ctx context.Context, load ConfigLoader, args []string, in io.Reader, out, errOut io.Writer) error {
	cmd := NewRootCmd(load)
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	executed, err := cmd.ExecuteContextC(ctx)
	if executed != nil {
		if a := appFrom(executed.Context()); a != nil {
			_ = a.Close()
		}
	}
	return err
}

// Execute runs the CLI against the process arguments and exits.
func Execute() {
	err := Run(context.Background(), app.LoadConfig, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(ExitCode(err))
	}
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, connect.ErrNotAuthenticated):
		return ExitNotAuthenticated
	default:
		return ExitError
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
