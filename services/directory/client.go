package directory

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultStageTimeout bounds how long each stage waits for its confirmation.
const DefaultStageTimeout = 10 * time.Second

const (
	maxLineBytes = 64 * 1024
	quitTimeout  = 2 * time.Second
)

var tracer = otel.Tracer("regserv/services/directory")

// DialFunc opens the transport to the directory.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config holds the operator credentials and transport settings for a Client.
type Config struct {
	Addr             string
	Operator         string
	OperatorPassword string
	StageTimeout     time.Duration
	// Profile defaults to DefaultProfile when nil.
	Profile *Profile
	// TLS wraps the connection when set.
	TLS    *tls.Config
	Dial   DialFunc
	Logger zerolog.Logger
}

// Client provisions accounts on the directory by acting as a privileged operator.
type Client struct {
	addr         string
	operator     string
	operatorPass string
	timeout      time.Duration
	profile      Profile
	tls          *tls.Config
	dial         DialFunc
	logger       zerolog.Logger
}

// New validates cfg. Missing operator credentials are a configuration error.
func New(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("directory address is required")
	}
	if cfg.Operator == "" || cfg.OperatorPassword == "" {
		return nil, errors.New("operator nickname and password are required")
	}
	profile := DefaultProfile()
	if cfg.Profile != nil {
		profile = *cfg.Profile
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("directory profile: %w", err)
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: cfg.StageTimeout}
		cfg.Dial = d.DialContext
	}

	return &Client{
		addr:         cfg.Addr,
		operator:     cfg.Operator,
		operatorPass: cfg.OperatorPassword,
		timeout:      cfg.StageTimeout,
		profile:      profile,
		tls:          cfg.TLS,
		dial:         cfg.Dial,
		logger:       cfg.Logger,
	}, nil
}

// Addr returns the directory address.
func (c *Client) Addr() string { return c.addr }

// Register creates nickname if needed and sets its password. It returns nil only after every
// stage saw its confirmation; otherwise the error is a *StageError naming the failed stage.
// The connection is closed when ctx ends.
func (c *Client) Register(ctx context.Context, nickname, password string) error {
	if err := checkArgument("nickname", nickname); err != nil {
		return err
	}
	if err := checkArgument("password", password); err != nil {
		return err
	}

	attempt := uuid.NewString()
	ctx, span := tracer.Start(ctx, "directory.Register", trace.WithAttributes(
		attribute.String("regserv.attempt", attempt),
		attribute.String("regserv.nickname", nickname),
		attribute.String("net.peer.name", c.addr),
	))
	defer span.End()

	logger := c.logger.With().Str("attempt", attempt).Str("nickname", nickname).Logger()

	if err := c.converse(ctx, logger, span, nickname, password); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().Err(err).Msg("directory provisioning failed")
		return err
	}
	span.SetStatus(codes.Ok, "")
	logger.Info().Msg("directory account ready")
	return nil
}

func (c *Client) converse(ctx context.Context, logger zerolog.Logger, span trace.Span, nickname, password string) error {
	logger.Info().Str("addr", c.addr).Msg("connecting to directory")
	conn, err := c.connect(ctx)
	if err != nil {
		return &StageError{Stage: StageConnect, Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s := &session{
		conn:    conn,
		scanner: bufio.NewScanner(conn),
		writer:  bufio.NewWriter(conn),
		timeout: c.timeout,
	}
	s.scanner.Buffer(make([]byte, 4096), maxLineBytes)

	replacer := strings.NewReplacer(
		PlaceholderOperatorPassword, c.operatorPass,
		PlaceholderOperator, c.operator,
		PlaceholderNickname, nickname,
		PlaceholderPassword, password,
	)

	var failure error
	for _, stage := range gatedStages {
		logger.Debug().Stringer("stage", stage).Msg("directory stage started")
		if err := s.gate(ctx, c.profile.step(stage).expand(replacer)); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			failure = &StageError{Stage: stage, Err: err}
			break
		}
		span.AddEvent("stage confirmed", trace.WithAttributes(attribute.String("regserv.stage", stage.String())))
	}

	s.disconnect(ctx, replacer.Replace(c.profile.Quit), failure)
	return failure
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(dialCtx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	if c.tls == nil {
		return conn, nil
	}
	cfg := c.tls.Clone()
	if cfg.ServerName == "" {
		host, _, _ := net.SplitHostPort(c.addr)
		cfg.ServerName = host
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

type session struct {
	conn    net.Conn
	scanner *bufio.Scanner
	writer  *bufio.Writer
	timeout time.Duration
}

// gate sends the step's commands and reads until every expect group matched, the stream ends,
// or the stage deadline passes.
func (s *session) gate(ctx context.Context, step Step) error {
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	for _, line := range step.Send {
		if err := s.send(line); err != nil {
			return err
		}
	}
	if err := s.flush(); err != nil {
		return err
	}

	matched := make([]bool, len(step.Expect))
	remaining := len(step.Expect)
	for remaining > 0 {
		if !s.scanner.Scan() {
			return classify(s.scanner.Err())
		}
		line := s.scanner.Text()

		if token, ok := pingToken(line); ok {
			if err := s.send("PONG " + token); err != nil {
				return err
			}
			if err := s.flush(); err != nil {
				return err
			}
			continue
		}

		for i, group := range step.Expect {
			if !matched[i] && containsAny(line, group) {
				matched[i] = true
				remaining--
			}
		}
	}
	return nil
}

func (s *session) send(line string) error {
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		return classify(err)
	}
	return nil
}

func (s *session) flush() error {
	if err := s.writer.Flush(); err != nil {
		return classify(err)
	}
	return nil
}

// disconnect says goodbye when the peer is still responsive, then closes the connection.
func (s *session) disconnect(ctx context.Context, quit string, failure error) {
	defer s.conn.Close()
	if ctx.Err() != nil || quit == "" || errors.Is(failure, ErrTimeout) {
		return
	}
	_ = s.conn.SetDeadline(time.Now().Add(quitTimeout))
	if s.send(quit) == nil {
		_ = s.flush()
	}
}

func classify(err error) error {
	if err == nil {
		return ErrClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, err)
}

func pingToken(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "PING ")
	if !ok {
		return "", false
	}
	return rest, true
}

func containsAny(line string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

func checkArgument(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgument, name)
	}
	for _, r := range value {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %s may not contain spaces or control characters", ErrInvalidArgument, name)
		}
	}
	return nil
}
