// Package httpapi exposes the administrative operations over HTTP/JSON.
//
//	GET    /healthz
//	GET    /api/sources[?all=1]
//	POST   /api/sources          {"name","url","kind"}
//	DELETE /api/sources/{name}
//	POST   /api/fetch
//	GET    /api/stats
//	GET    /api/schedule
//	GET    /api/audit[?limit=N]
//	GET    /debug/pprof/*        (when Config.Pprof is set)
//
// When a token is configured every /api and /debug route requires
// "Authorization: Bearer <token>".
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"newsbot/internal/admin"
	"newsbot/internal/dispatcher"
	"newsbot/internal/registry"
	"newsbot/internal/scheduler"
	"newsbot/internal/storage"
	logx "newsbot/pkg/logx"
)

type Config struct {
	Addr  string
	Token string
	Pprof bool
}

// Scheduler exposes timer state for GET /api/schedule.
type Scheduler interface {
	Snapshot() scheduler.Snapshot
}

type Server struct {
	cfg   Config
	svc   *admin.Service
	sched Scheduler
	log   logx.Logger
	srv   *http.Server
}

type Option func(*Server)

// WithSchedule enables GET /api/schedule.
func WithSchedule(s Scheduler) Option {
	return func(srv *Server) { srv.sched = s }
}

func New(cfg Config, svc *admin.Service, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, svc: svc, log: log.With(logx.String("comp", "httpapi"))}
	for _, o := range opts {
		o(s)
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler; useful with httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.handle(s.listSources))
			r.Post("/", s.handle(s.addSource))
			r.Delete("/{name}", s.handle(s.removeSource))
		})
		r.Post("/fetch", s.handle(s.fetch))
		r.Get("/stats", s.handle(s.stats))
		r.Get("/audit", s.handle(s.audit))
		if s.sched != nil {
			r.Get("/schedule", func(w http.ResponseWriter, _ *http.Request) {
				respondJSON(w, http.StatusOK, s.sched.Snapshot())
			})
		}
	})

	if s.cfg.Pprof {
		r.Group(func(r chi.Router) {
			r.Use(s.auth)
			r.Mount("/debug", middleware.Profiler())
		})
	}
	return r
}

// Start listens on the configured address and serves until ctx is done or
// Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.cfg.Token != ""))
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(sctx)
	}()
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(s.cfg.Token)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.String("rid", middleware.GetReqID(r.Context())),
			logx.Duration("dur", time.Since(start)),
		}
		if ww.Status() >= 500 {
			s.log.Warn("http request failed", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	})
}

// httpError carries a status code and a public message.
type httpError struct {
	code int
	msg  string
	err  error
}

func (e *httpError) Error() string { return e.msg }
func (e *httpError) Unwrap() error { return e.err }

func badRequest(msg string) error { return &httpError{code: http.StatusBadRequest, msg: msg} }

type appHandler func(w http.ResponseWriter, r *http.Request) error

// handle maps handler errors to JSON error responses.
func (s *Server) handle(h appHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		var he *httpError
		if errors.As(err, &he) {
			respondError(w, he.code, he.msg)
			return
		}
		code := statusFor(err)
		if code >= 500 {
			s.log.Error("http handler failed", logx.String("path", r.URL.Path), logx.Err(err))
		}
		respondError(w, code, admin.Reason(err))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrAlreadyExists), errors.Is(err, dispatcher.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidKind), errors.Is(err, registry.ErrMissingField),
		errors.Is(err, registry.ErrInvalidHandle):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatcher.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func actor(r *http.Request) admin.Actor {
	return admin.Actor{Username: r.RemoteAddr, Surface: admin.SurfaceHTTP}
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) error {
	all := r.URL.Query().Get("all")
	list, err := s.svc.Sources(r.Context(), all == "1" || all == "true")
	if err != nil {
		return err
	}
	respondJSON(w, http.StatusOK, list)
	return nil
}

type addSourceRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

func (s *Server) addSource(w http.ResponseWriter, r *http.Request) error {
	var req addSourceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return badRequest("invalid request payload: " + err.Error())
	}
	src, err := s.svc.AddSource(r.Context(), actor(r), req.Name, req.URL, req.Kind)
	if err != nil {
		return err
	}
	respondJSON(w, http.StatusCreated, src)
	return nil
}

func (s *Server) removeSource(w http.ResponseWriter, r *http.Request) error {
	if err := s.svc.RemoveSource(r.Context(), actor(r), chi.URLParam(r, "name")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) error {
	res, err := s.svc.Fetch(r.Context(), actor(r), dispatcher.TriggerAPI)
	if err != nil {
		return err
	}
	respondJSON(w, http.StatusOK, res)
	return nil
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) error {
	v, err := s.svc.Stats(r.Context())
	if err != nil {
		return err
	}
	respondJSON(w, http.StatusOK, v)
	return nil
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) error {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return badRequest("limit must be a positive integer")
		}
		limit = n
	}
	entries, err := s.svc.Audit(r.Context(), limit)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	b, err := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal error"}`))
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
