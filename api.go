package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/coopwatch/coop_exporter/internal/actuator"
	"github.com/coopwatch/coop_exporter/internal/coopapi"
	"github.com/coopwatch/coop_exporter/internal/monitor"
)

type toggler interface {
	Toggle(ctx context.Context, d actuator.Device) (bool, error)
	State() actuator.State
}

type authenticator interface {
	Login(ctx context.Context, email, password string) error
	Logout()
}

type apiHandler struct {
	monitor snapshotter
	toggler toggler
	auth    authenticator
	session sessionView
	logger  log.Logger
}

type stateResponse struct {
	monitor.View
	Actuators actuator.State `json:"actuators"`
	Session   bool           `json:"session"`
}

type toggleResponse struct {
	Device actuator.Device `json:"device"`
	On     bool            `json:"on"`
	Error  string          `json:"error,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newRouter(a *apiHandler, feed http.Handler, metrics http.Handler, logger log.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(accessLog(logger))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
             <head><title>Coop Exporter</title></head>
             <body>
             <h1>Coop Exporter</h1>
             <p><a href="/metrics">Metrics</a></p>
             <p><a href="/api/state">State</a></p>
             </body>
             </html>`))
	})
	r.Method(http.MethodGet, "/metrics", metrics)
	r.Method(http.MethodGet, "/ws", feed)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", a.state)
		r.Post("/actuators/{device}/toggle", a.toggle)
		r.Post("/session", a.login)
		r.Delete("/session", a.logout)
	})
	return r
}

func accessLog(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			level.Debug(logger).Log("msg", "http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
		})
	}
}

func (a *apiHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Warn(a.logger).Log("msg", "failed to write response", "err", err)
	}
}

func (a *apiHandler) state(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, stateResponse{
		View:      a.monitor.Snapshot().View(),
		Actuators: a.toggler.State(),
		Session:   a.session.Active(),
	})
}

func (a *apiHandler) toggle(w http.ResponseWriter, r *http.Request) {
	dev, err := actuator.ParseDevice(chi.URLParam(r, "device"))
	if err != nil {
		a.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}

	on, err := a.toggler.Toggle(r.Context(), dev)
	if err != nil {
		a.writeJSON(w, http.StatusBadGateway, toggleResponse{Device: dev, On: on, Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, toggleResponse{Device: dev, On: on})
}

func (a *apiHandler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	err := a.auth.Login(r.Context(), req.Email, req.Password)
	var loginErr *coopapi.LoginError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, coopapi.ErrMissingCredentials):
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &loginErr):
		a.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: loginErr.Message})
	default:
		level.Error(a.logger).Log("msg", "login request failed", "err", err)
		a.writeJSON(w, http.StatusBadGateway, errorResponse{Error: "unable to reach the coop API"})
	}
}

func (a *apiHandler) logout(w http.ResponseWriter, r *http.Request) {
	a.auth.Logout()
	w.WriteHeader(http.StatusNoContent)
}
