package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"regserv/pkg/proc"
	"regserv/pkg/render"
	"regserv/services/directory"
	"regserv/services/lounge"
	"regserv/services/mailer"
	"regserv/services/registry"
)

// Provisioner creates or updates a directory account.
type Provisioner interface {
	Register(ctx context.Context, nickname, password string) error
}

// AccountStore mirrors the account into the web chat client.
type AccountStore interface {
	Provision(ctx context.Context, nickname, password string) (lounge.Result, error)
}

// Mailer delivers composed messages.
type Mailer interface {
	Send(ctx context.Context, msg mailer.Message) error
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Registry  *registry.Registry
	Directory Provisioner
	// Accounts is optional; registrations skip the web client account when nil.
	Accounts AccountStore
	Mailer   Mailer
	// Events is optional.
	Events  Publisher
	Metrics *Metrics

	BaseURL string
	Network string
	ChatURL string
	Now     func() time.Time
	Logger  zerolog.Logger
}

// Service turns link requests and registration submissions into page outcomes.
type Service struct {
	registry  *registry.Registry
	directory Provisioner
	accounts  AccountStore
	mail      Mailer
	events    Publisher
	metrics   *Metrics

	baseURL string
	network string
	chatURL string
	now     func() time.Time
	logger  zerolog.Logger
}

// Outcome is what a request resolved to: the page to render, its data and an HTTP status.
// Err carries the underlying failure for logging.
type Outcome struct {
	Page   string
	Status int
	View   render.Page
	Err    error
}

// New validates cfg.
func New(cfg Config) (*Service, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("directory is required")
	}
	if cfg.Mailer == nil {
		return nil, errors.New("mailer is required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		registry:  cfg.Registry,
		directory: cfg.Directory,
		accounts:  cfg.Accounts,
		mail:      cfg.Mailer,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		network:   cfg.Network,
		chatURL:   cfg.ChatURL,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}, nil
}

// Ready reports whether the registry snapshot has been loaded.
func (s *Service) Ready() bool { return s.registry.Loaded() }

// Landing is the page shown without a token.
func (s *Service) Landing() Outcome {
	return s.page(render.PageIndex, http.StatusOK, render.Page{})
}

// Show resolves a confirmation link.
func (s *Service) Show(ctx context.Context, tokenID string) Outcome {
	if tokenID == "" {
		return s.Landing()
	}
	tok, err := s.registry.Lookup(ctx, tokenID)
	if err != nil {
		return s.tokenFailure(err)
	}

	view := render.Page{Email: tok.Email, Token: tok.ID}
	if id, ok := s.registry.Identity(tok.Email); ok {
		view.Nicknames = id.Nicknames
	}
	return s.page(render.PageRegister, http.StatusOK, view)
}

// RequestLink rate-limits email, mails it a registration link and records the issue.
func (s *Service) RequestLink(ctx context.Context, email string) Outcome {
	email = strings.TrimSpace(email)
	logger := s.logger.With().Str("email", email).Logger()

	if err := validateEmail(email); err != nil {
		s.metrics.LinkRequests.WithLabelValues("invalid").Inc()
		return s.failure(http.StatusBadRequest, "Invalid Registration Email",
			"The email you used is invalid. Please return to the registration page to try again.", err)
	}

	link, err := s.registry.IssueLink(ctx, email)
	switch {
	case errors.Is(err, registry.ErrRateLimited), errors.Is(err, registry.ErrConflict):
		s.metrics.LinkRequests.WithLabelValues("rate_limited").Inc()
		return s.failure(http.StatusTooManyRequests, "Already Sent Registration Link",
			"A registration link has already been sent. Please check your mailbox for the link.", err)
	case err != nil:
		s.metrics.LinkRequests.WithLabelValues("store_failed").Inc()
		logger.Error().Err(err).Msg("issue link")
		return s.storeFailure("Unable to Send Registration Link", err)
	}

	msg := mailer.ComposeLink(mailer.Link{
		To:       email,
		Network:  s.network,
		BaseURL:  s.baseURL,
		Token:    link.Token.ID,
		Validity: s.registry.TTL(),
	})
	if err := s.mail.Send(ctx, msg); err != nil {
		s.metrics.LinkRequests.WithLabelValues("mail_failed").Inc()
		if rerr := s.registry.RevokeLink(context.WithoutCancel(ctx), link); rerr != nil {
			logger.Error().Err(rerr).Msg("revoke undelivered link")
		}
		out := s.failure(http.StatusBadGateway, "Unable to Send Registration Link",
			"We were unable to send a registration link to", &CollaboratorError{Collaborator: CollaboratorMail, Err: err})
		out.View.Email = email
		out.View.Detail = collaboratorDetail(err)
		return out
	}

	s.metrics.LinkRequests.WithLabelValues("sent").Inc()
	logger.Info().Msg("registration link sent")
	s.publish(ctx, linkSentTopic, Event{Email: email})

	return s.page(render.PageSuccess, http.StatusOK, render.Page{
		Summary:     "Registration Link Sent",
		Description: fmt.Sprintf("A registration link that expires within %s was sent to", mailer.HumanDuration(s.registry.TTL())),
		Email:       email,
	})
}

// Register provisions nickname with password for the identity behind tokenID. The token is
// consumed only when every collaborator succeeded and the result was checkpointed.
func (s *Service) Register(ctx context.Context, tokenID, nickname, password string) Outcome {
	tok, err := s.registry.Lookup(ctx, tokenID)
	if err != nil {
		s.countRegistration(tokenResult(err))
		return s.tokenFailure(err)
	}

	nickname = strings.TrimSpace(nickname)
	if err := validatePassword(password); err != nil {
		s.countRegistration("invalid_input")
		return s.failure(http.StatusBadRequest, "Invalid Registration Password",
			"You must enter in a valid password without spaces. Please try again.", err)
	}
	if err := validateNickname(nickname); err != nil {
		s.countRegistration("invalid_input")
		return s.failure(http.StatusBadRequest, "Invalid Nickname",
			"Nicknames start with a letter, contain only letters, digits and []\\`_^{|}- and are at most 30 characters long.", err)
	}

	logger := s.logger.With().Str("email", tok.Email).Str("nickname", nickname).Logger()

	claim, err := s.registry.BeginClaim(ctx, tokenID, nickname)
	switch {
	case errors.Is(err, registry.ErrClaimed):
		s.countRegistration("claimed")
		return s.failure(http.StatusConflict, "Claimed Account",
			"The nickname you are trying to register or update is associated with another email address. "+
				"Please register another nickname or use the appropriate email address.", err)
	case errors.Is(err, registry.ErrInProgress):
		s.countRegistration("in_progress")
		return s.failure(http.StatusConflict, "Registration In Progress",
			"This link is already being used to register an account. Please wait a moment and reload the page.", err)
	case err != nil:
		s.countRegistration(tokenResult(err))
		return s.tokenFailure(err)
	}

	if out, ok := s.provision(ctx, logger, claim, nickname, password); !ok {
		s.registry.AbortClaim(claim)
		return out
	}

	// The directory account already exists, so the claim is recorded even if the client left.
	if err := s.registry.CompleteClaim(context.WithoutCancel(ctx), claim); err != nil {
		s.countRegistration("store_failed")
		logger.Error().Err(err).Msg("record registration")
		return s.storeFailure("Unable to Save Registration", err)
	}

	s.countRegistration("ok")
	logger.Info().Msg("account registered")
	return s.page(render.PageSuccess, http.StatusOK, render.Page{
		Summary:     "Account Registered or Updated",
		Description: fmt.Sprintf("Congratulations! We have updated the account information for %s.", nickname),
		Nickname:    nickname,
		ChatURL:     s.chatURL,
	})
}

func (s *Service) provision(ctx context.Context, logger zerolog.Logger, claim *registry.Claim, nickname, password string) (Outcome, bool) {
	start := time.Now()
	err := s.directory.Register(ctx, nickname, password)
	if err != nil {
		s.metrics.Provisioning.WithLabelValues("directory", "failed").Observe(time.Since(start).Seconds())
		stage := "unknown"
		var stageErr *directory.StageError
		if errors.As(err, &stageErr) {
			stage = stageErr.Stage.String()
			s.countRegistration("directory_stage_" + strconv.Itoa(stageErr.Code()))
		} else {
			s.countRegistration("directory_failed")
		}
		s.publish(ctx, accountFailedTopic, Event{Email: claim.Email, Nickname: nickname, Stage: stage, Error: err.Error()})

		description := "There was a problem registering or updating the IRC account:"
		if stageErr != nil && stageErr.Timeout() {
			description = "The IRC server did not answer in time while registering or updating the account:"
		}
		out := s.failure(http.StatusBadGateway, "Unable to Register or Update IRC Account", description, err)
		out.View.Detail = err.Error()
		return out, false
	}
	s.metrics.Provisioning.WithLabelValues("directory", "ok").Observe(time.Since(start).Seconds())

	loungeResult := ""
	if s.accounts != nil {
		start = time.Now()
		result, err := s.accounts.Provision(ctx, nickname, password)
		s.metrics.Provisioning.WithLabelValues(CollaboratorLounge, result.String()).Observe(time.Since(start).Seconds())
		if err != nil {
			s.countRegistration("lounge_failed")
			s.publish(ctx, accountFailedTopic, Event{Email: claim.Email, Nickname: nickname, Stage: CollaboratorLounge, Error: err.Error()})
			out := s.failure(http.StatusBadGateway, "Unable to Register or Update Lounge Account",
				"There was a problem registering or updating the Lounge account:",
				&CollaboratorError{Collaborator: CollaboratorLounge, Err: err})
			out.View.Detail = collaboratorDetail(err)
			return out, false
		}
		loungeResult = result.String()
		logger.Info().Str("lounge", loungeResult).Msg("lounge account ready")
	}

	s.publish(ctx, accountProvisionedTopic, Event{Email: claim.Email, Nickname: nickname, Lounge: loungeResult})
	return Outcome{}, true
}

func (s *Service) tokenFailure(err error) Outcome {
	switch {
	case errors.Is(err, registry.ErrExpired):
		return s.failure(http.StatusGone, "Expired Registration Link",
			"The link you used has expired. Please return to the registration page to send a new link.", err)
	case errors.Is(err, registry.ErrMalformed):
		return s.failure(http.StatusBadRequest, "Malformed Registration Link",
			"The link you used is malformed or does not have an associated email. Please return to the registration page to try again.", err)
	case errors.Is(err, registry.ErrNotFound):
		return s.failure(http.StatusNotFound, "Invalid Registration Link",
			"The link you used is invalid. Please return to the registration page to send a new link.", err)
	default:
		return s.storeFailure("Unable to Check Registration Link", err)
	}
}

func (s *Service) storeFailure(summary string, err error) Outcome {
	return s.failure(http.StatusInternalServerError, summary,
		"The registration database could not be updated. Please try again later.",
		&CollaboratorError{Collaborator: CollaboratorStore, Err: err})
}

func (s *Service) failure(status int, summary, description string, err error) Outcome {
	return s.page(render.PageError, status, render.Page{Summary: summary, Description: description}).withErr(err)
}

func (s *Service) page(name string, status int, view render.Page) Outcome {
	view.Network = s.network
	return Outcome{Page: name, Status: status, View: view}
}

func (o Outcome) withErr(err error) Outcome {
	o.Err = err
	return o
}

func (s *Service) countRegistration(result string) {
	s.metrics.Registrations.WithLabelValues(result).Inc()
}

func tokenResult(err error) string {
	switch {
	case errors.Is(err, registry.ErrExpired):
		return "expired"
	case errors.Is(err, registry.ErrMalformed):
		return "malformed"
	case errors.Is(err, registry.ErrNotFound):
		return "invalid_token"
	default:
		return "store_failed"
	}
}

// collaboratorDetail prefers the child process output over the bare exit status.
func collaboratorDetail(err error) string {
	var procErr *proc.Error
	if errors.As(err, &procErr) && procErr.Output != "" {
		return procErr.Error() + "\n" + procErr.Output
	}
	return err.Error()
}
