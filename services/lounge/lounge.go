package lounge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"regserv/pkg/proc"
)

// DefaultTimeout bounds each CLI invocation.
const DefaultTimeout = 30 * time.Second

// Result says what Provision did.
type Result int

const (
	Failed Result = iota
	Created
	Updated
)

func (r Result) String() string {
	switch r {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "failed"
	}
}

// ErrMissingUser is returned when the user file is still absent after "add".
var ErrMissingUser = errors.New("lounge: user was not created")

// Config describes how to reach The Lounge CLI and its data directory.
type Config struct {
	// Command is the CLI prefix, e.g. docker exec --user node:node -i thelounge thelounge.
	Command []string
	DataDir string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Accounts keeps web client users in step with directory accounts.
type Accounts struct {
	command []string
	dataDir string
	timeout time.Duration
	logger  zerolog.Logger
}

// DockerCommand is the CLI prefix for a Lounge running in the "thelounge" container.
func DockerCommand(uid, gid string) []string {
	return []string{"docker", "exec", "--user", uid + ":" + gid, "-i", "thelounge", "thelounge"}
}

// New validates cfg.
func New(cfg Config) (*Accounts, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("lounge command is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("lounge data directory is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Accounts{
		command: append([]string(nil), cfg.Command...),
		dataDir: cfg.DataDir,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}, nil
}

// Provision creates the user when its file is missing, then sets the password.
func (a *Accounts) Provision(ctx context.Context, nickname, password string) (Result, error) {
	if nickname == "" || strings.ContainsAny(nickname, `/\`) || nickname != filepath.Base(nickname) {
		return Failed, fmt.Errorf("lounge: invalid nickname %q", nickname)
	}
	if password == "" || strings.ContainsAny(password, "\r\n") {
		return Failed, errors.New("lounge: invalid password")
	}
	logger := a.logger.With().Str("nickname", nickname).Logger()

	exists, err := a.userExists(nickname)
	if err != nil {
		return Failed, err
	}

	result := Updated
	if !exists {
		logger.Info().Msg("creating lounge user")
		// add prompts for the password, then whether to save logs to disk.
		if err := a.run(ctx, "add", nickname, password+"\nyes\n"); err != nil {
			return Failed, err
		}
		if exists, err = a.userExists(nickname); err != nil {
			return Failed, err
		}
		if !exists {
			return Failed, ErrMissingUser
		}
		result = Created
	}

	logger.Info().Msg("updating lounge password")
	if err := a.run(ctx, "reset", nickname, password+"\n"); err != nil {
		return Failed, err
	}
	return result, nil
}

// UserFile is where The Lounge stores nickname.
func (a *Accounts) UserFile(nickname string) string {
	return filepath.Join(a.dataDir, "users", nickname+".json")
}

func (a *Accounts) userExists(nickname string) (bool, error) {
	_, err := os.Stat(a.UserFile(nickname))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("lounge: stat user file: %w", err)
}

func (a *Accounts) run(ctx context.Context, verb, nickname, stdin string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	argv := append(append([]string(nil), a.command...), verb, nickname)
	if _, err := proc.Run(ctx, proc.Command{Argv: argv, Stdin: strings.NewReader(stdin)}); err != nil {
		return fmt.Errorf("lounge %s: %w", verb, err)
	}
	return nil
}
