package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"regserv/pkg/telemetry"
	"regserv/services/web/internal/config"
)

// interruptedCode is the exit status after SIGINT or SIGTERM.
const interruptedCode = 9

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	os.Exit(1)
}

type cli struct {
	verbose bool
	cfg     config.Config
	logger  zerolog.Logger
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(envconfig.OsLookuper())
}

// newRootCommandWith reads configuration through lookuper. Operator
// credentials are only demanded by the commands that talk to the ircd.
func newRootCommandWith(lookuper envconfig.Lookuper) *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:           "regservctl",
		Short:         "Administer regserv accounts and registry snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			cfg, err := config.Read(cmd.Context(), lookuper)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			c.cfg = cfg
			level := zerolog.WarnLevel
			if c.verbose {
				level = zerolog.DebugLevel
			}
			c.logger = telemetry.NewLogger(os.Stderr, "regservctl").Level(level)
			return nil
		},
	}
	cmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Log collaborator activity to stderr")

	cmd.AddCommand(c.newIRCAccountCommand())
	cmd.AddCommand(c.newLoungeAccountCommand())
	cmd.AddCommand(c.newSnapshotCommand())
	return cmd
}

// interrupted maps a cancelled command context to the interrupt exit status.
func interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &exitError{code: interruptedCode, err: fmt.Errorf("interrupted: %w", err)}
	}
	return err
}
