package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"regserv/services/directory"
	"regserv/services/web/internal/app"
)

type accountFlags struct {
	nickname string
	password string
}

func (f *accountFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.nickname, "nickname", "", "Account nickname (default $USER_NICKNAME)")
	cmd.Flags().StringVar(&f.password, "password", "", "Account password (default $USER_PASSWORD, then a terminal prompt)")
}

// resolve fills in the nickname and password from USER_NICKNAME and
// USER_PASSWORD when the flags were omitted, then prompts on the terminal.
func (f *accountFlags) resolve(cmd *cobra.Command) (string, string, error) {
	nickname := f.nickname
	if nickname == "" {
		nickname = strings.TrimSpace(os.Getenv("USER_NICKNAME"))
	}
	if nickname == "" {
		return "", "", errors.New("--nickname or USER_NICKNAME is required")
	}

	if f.password != "" {
		return nickname, f.password, nil
	}
	if password := os.Getenv("USER_PASSWORD"); password != "" {
		return nickname, password, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", "", errors.New("--password or USER_PASSWORD is required when stdin is not a terminal")
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Password for %s: ", nickname)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimSpace(string(raw))
	if password == "" {
		return "", "", errors.New("password is required")
	}
	return nickname, password, nil
}

func (c *cli) newIRCAccountCommand() *cobra.Command {
	var flags accountFlags
	cmd := &cobra.Command{
		Use:   "irc-account",
		Short: "Register or update an IRC account directly",
		Long: "Runs the operator conversation against the configured ircd. The exit status is the\n" +
			"failing stage (1 authorize, 2 authenticate, 3 elevate, 4 register) or 9 when interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.cfg.RequireOperator(); err != nil {
				return err
			}
			nickname, password, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			dir, err := app.Directory(c.cfg, c.logger)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := dir.Register(ctx, nickname, password); err != nil {
				if ctx.Err() != nil {
					return interrupted(ctx, err)
				}
				var stageErr *directory.StageError
				if errors.As(err, &stageErr) {
					return &exitError{code: stageErr.Code(), err: err}
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered or updated %s on %s\n", nickname, dir.Addr())
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func (c *cli) newLoungeAccountCommand() *cobra.Command {
	var flags accountFlags
	cmd := &cobra.Command{
		Use:   "lounge-account",
		Short: "Create or reset a Lounge web client user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			nickname, password, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			cfg := c.cfg
			cfg.Lounge.Enabled = true
			accounts, err := app.Lounge(cfg, c.logger)
			if err != nil {
				return err
			}

			result, err := accounts.Provision(cmd.Context(), nickname, password)
			if err != nil {
				return interrupted(cmd.Context(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", result, nickname)
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}
