// Package control is the outside surface of the daemon: a JSON HTTP API with a
// server-sent event stream, and the same operations as MCP tools. Both call
// the scheduler through shared kit endpoints.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/hazyhaar/tabrefresh/contentwatch"
	"github.com/hazyhaar/tabrefresh/events"
	"github.com/hazyhaar/tabrefresh/kit"
	"github.com/hazyhaar/tabrefresh/notify"
	"github.com/hazyhaar/tabrefresh/observability"
	"github.com/hazyhaar/tabrefresh/scheduler"
	"github.com/hazyhaar/tabrefresh/session"
	"github.com/hazyhaar/tabrefresh/urlfilter"
)

// Scheduler is the part of *scheduler.Scheduler the control surface drives.
type Scheduler interface {
	Sessions() []scheduler.View
	GetSessionSettings(ctx context.Context, id string) (*session.Session, error)
	Toggle(ctx context.Context, id, url string, settings session.Settings) error
	UpdateSettings(ctx context.Context, id, url string, settings session.Settings) error
	NotifySelectorPicked(ctx context.Context, id, url, selector string, value *float64) error
	ReportValue(ctx context.Context, id string, value float64) (contentwatch.Verdict, error)
	OnNavigated(ctx context.Context, id, url string)
	OnTabRemoved(ctx context.Context, id string)
	StopAlert()
}

// Tabs opens and closes backend tabs.
type Tabs interface {
	Open(ctx context.Context, url string) (string, error)
	Close(ctx context.Context, id string) error
	List(ctx context.Context) ([]scheduler.TabInfo, error)
}

// StatusReader reports the last notification delivery.
type StatusReader interface {
	LastStatus(ctx context.Context) (*notify.Status, error)
}

// HistoryReader reads persisted events.
type HistoryReader interface {
	Recent(ctx context.Context, q observability.Query) ([]events.Event, error)
}

// Subscriber feeds the event stream.
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Config wires a Server. Only Scheduler is required; a missing dependency
// turns its routes into 501.
type Config struct {
	Scheduler   Scheduler
	Tabs        Tabs
	Status      StatusReader
	History     HistoryReader
	Events      Subscriber
	Filter      *urlfilter.Filter
	FilterStore urlfilter.KV

	// TokenHash is a bcrypt hash of the bearer token. Empty disables auth.
	TokenHash string
	// RateLimit is requests per minute per client IP. Zero disables it.
	RateLimit int
	// Ping is the keep-alive interval of the event stream.
	Ping   time.Duration
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Ping <= 0 {
		c.Ping = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

var (
	errBadRequest = errors.New("bad request")
	errNotFound   = errors.New("not found")
	errNoBackend  = errors.New("not available in this configuration")
)

// Server serves the control API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	ops    operations
}

// New builds a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Scheduler == nil {
		return nil, errors.New("control: scheduler is required")
	}
	cfg.defaults()
	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.ops = s.buildOperations()
	return s, nil
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(limitBody(maxBody))
	r.Use(requestContext)
	if s.cfg.RateLimit > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RateLimit, time.Minute))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": len(s.cfg.Scheduler.Sessions()),
		})
	})

	r.Group(func(r chi.Router) {
		if s.cfg.TokenHash != "" {
			r.Use(bearerAuth(s.cfg.TokenHash))
		}

		r.Route("/tabs", func(r chi.Router) {
			r.Get("/", s.serve(s.ops.listTabs, noBody))
			r.Post("/", s.serve(s.ops.openTab, decodeBody[openTabRequest]))
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.serve(s.ops.getSettings, pathID))
				r.Delete("/", s.serve(s.ops.closeTab, pathID))
				r.Post("/toggle", s.serve(s.ops.toggle, decodeTab[settingsRequest]))
				r.Put("/settings", s.serve(s.ops.updateSettings, decodeTab[settingsRequest]))
				r.Post("/selector", s.serve(s.ops.pickSelector, decodeTab[selectorRequest]))
				r.Post("/value", s.serve(s.ops.reportValue, decodeTab[valueRequest]))
				r.Post("/navigated", s.serve(s.ops.navigated, decodeTab[navigatedRequest]))
			})
		})

		r.Post("/alert/stop", s.serve(s.ops.stopAlert, noBody))
		r.Get("/notifications/status", s.handleNotifyStatus)
		r.Get("/filters", s.serve(s.ops.getFilters, noBody))
		r.Put("/filters", s.serve(s.ops.setFilters, decodeBody[urlfilter.Lists]))
		r.Get("/events", s.handleEvents)
		r.Get("/history", s.handleHistory)
	})
	return r
}

// decoder turns an HTTP request into an endpoint request.
type decoder func(r *http.Request) (any, error)

// serve adapts an endpoint to an HTTP handler.
func (s *Server) serve(ep kit.Endpoint, dec decoder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := dec(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := ep(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleNotifyStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Status == nil {
		writeError(w, http.StatusNotImplemented, errNoBackend)
		return
	}
	st, err := s.cfg.Status.LastStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"last": st})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotImplemented, errNoBackend)
		return
	}
	q := observability.Query{
		SessionID: r.URL.Query().Get("session_id"),
		Kind:      events.Kind(r.URL.Query().Get("kind")),
		Limit:     queryInt(r, "limit", 100),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		q.Since = t
	}
	evs, err := s.cfg.History.Recent(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// requestContext records the chi request id and remote address as the kit
// caller logged by endpoint middleware.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithCaller(r.Context(), kit.Caller{
			Transport:  "http",
			RequestID:  middleware.GetReqID(r.Context()),
			RemoteAddr: r.RemoteAddr,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, scheduler.ErrInvalidSettings),
		errors.Is(err, scheduler.ErrMissingTab):
		return http.StatusBadRequest
	case errors.Is(err, errNotFound),
		errors.Is(err, session.ErrNoSession),
		errors.Is(err, session.ErrTabGone):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrNotWatching):
		return http.StatusConflict
	case errors.Is(err, errNoBackend):
		return http.StatusNotImplemented
	case errors.Is(err, session.ErrTabUnreachable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
