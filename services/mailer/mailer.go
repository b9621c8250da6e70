package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"regserv/pkg/proc"
)

// DefaultTimeout bounds one mail transfer.
const DefaultTimeout = 30 * time.Second

// Config describes the mail transfer agent invocation. "--" and the recipient are appended to
// Command.
type Config struct {
	Command []string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Sender hands composed messages to a sendmail-compatible program such as msmtp.
type Sender struct {
	command []string
	timeout time.Duration
	logger  zerolog.Logger
}

// New validates cfg.
func New(cfg Config) (*Sender, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("mail command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Sender{
		command: append([]string(nil), cfg.Command...),
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}, nil
}

// MsmtpCommand builds the argv for msmtp with an optional configuration file.
func MsmtpCommand(binary, configPath string) []string {
	argv := proc.Split(binary)
	if configPath != "" {
		argv = append(argv, "-C", configPath)
	}
	return argv
}

// Send delivers msg. A non-zero exit from the transfer agent is returned as *proc.Error.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if err := checkHeader(msg.To); err != nil {
		return err
	}
	if err := checkHeader(msg.Subject); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// "--" ends option parsing so an address can never be read as a flag.
	argv := append(append([]string(nil), s.command...), "--", msg.To)
	start := time.Now()
	if _, err := proc.Run(ctx, proc.Command{Argv: argv, Stdin: strings.NewReader(msg.String())}); err != nil {
		s.logger.Error().Err(err).Str("to", msg.To).Msg("mail transfer failed")
		return err
	}
	s.logger.Info().Str("to", msg.To).Dur("duration", time.Since(start)).Msg("mail sent")
	return nil
}

func checkHeader(v string) error {
	if strings.ContainsAny(v, "\r\n") {
		return fmt.Errorf("mail header contains a line break: %q", v)
	}
	return nil
}
