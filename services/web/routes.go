package web

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"regserv/pkg/render"
)

const (
	maxFormBytes   = 64 * 1024
	requestTimeout = 2 * time.Minute
)

// RouterOptions configures Router.
type RouterOptions struct {
	Service  *Service
	Renderer *render.Engine
	// Telemetry wraps the whole router when set.
	Telemetry func(http.Handler) http.Handler
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// FormRate caps POSTs per client IP per minute; zero disables the limit.
	FormRate       int
	AllowedOrigins []string
	Logger         zerolog.Logger
}

type handlers struct {
	svc      *Service
	renderer *render.Engine
	logger   zerolog.Logger
}

// Router builds the HTTP router for the registration pages plus health, readiness and metrics.
func Router(opts RouterOptions) (http.Handler, error) {
	if opts.Service == nil {
		return nil, errors.New("service is required")
	}
	if opts.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	h := &handlers{svc: opts.Service, renderer: opts.Renderer, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         int((10 * time.Minute).Seconds()),
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !h.svc.Ready() {
			http.Error(w, "registry not loaded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Get("/", h.handleLanding)
	r.Get("/{token}", h.handleShow)

	r.Group(func(r chi.Router) {
		if opts.FormRate > 0 {
			r.Use(httprate.LimitByIP(opts.FormRate, time.Minute))
		}
		r.Post("/email", h.handleRequestLink)
		r.Post("/{token}", h.handleRegister)
	})

	var handler http.Handler = r
	if opts.Telemetry != nil {
		handler = opts.Telemetry(handler)
	}
	return handler, nil
}

func (h *handlers) handleLanding(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, h.svc.Landing())
}

func (h *handlers) handleShow(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.svc.Show(r.Context(), chi.URLParam(r, "token")))
}

func (h *handlers) handleRequestLink(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	h.respond(w, h.svc.RequestLink(r.Context(), r.PostFormValue("email")))
}

func (h *handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	out := h.svc.Register(r.Context(),
		chi.URLParam(r, "token"),
		r.PostFormValue("nickname"),
		r.PostFormValue("password"),
	)
	h.respond(w, out)
}

func (h *handlers) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.respond(w, h.svc.failure(http.StatusBadRequest, "Invalid Request",
			"The form could not be read. Please return to the registration page to try again.", err))
		return false
	}
	return true
}

func (h *handlers) respond(w http.ResponseWriter, out Outcome) {
	if out.Err != nil {
		event := h.logger.Info()
		if out.Status >= http.StatusInternalServerError {
			event = h.logger.Error()
		}
		event.Err(out.Err).Int("status", out.Status).Str("summary", out.View.Summary).Msg("request failed")
	}

	var buf bytes.Buffer
	if err := h.renderer.Execute(&buf, out.Page, out.View); err != nil {
		h.logger.Error().Err(err).Str("page", out.Page).Msg("render page")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(out.Status)
	_, _ = buf.WriteTo(w)
}
