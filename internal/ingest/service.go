// Package ingest is the relay's inbound HTTP API: CMS change notifications,
// operator syncs, and retry/token administration.
package ingest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/bus_relay/internal/auth"
	"github.com/austindbirch/bus_relay/internal/bus"
	"github.com/austindbirch/bus_relay/internal/dispatch"
	"github.com/austindbirch/bus_relay/internal/logging"
	"github.com/austindbirch/bus_relay/internal/retry"
	"github.com/austindbirch/bus_relay/internal/tracing"
	"github.com/austindbirch/bus_relay/internal/trigger"

	"go.opentelemetry.io/otel/attribute"
)

const maxBodyBytes = 4 << 20

// Trigger turns change notifications into dispatch decisions.
type Trigger interface {
	Handle(ctx context.Context, ev trigger.ContentChangeEvent) (trigger.Decision, error)
}

// Dispatcher runs operator syncs.
type Dispatcher interface {
	Resolve(ctx context.Context, kind bus.Kind, id int64) (int64, error)
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

type RetryLister interface {
	List(ctx context.Context, limit int) ([]retry.Entry, error)
	Count(ctx context.Context) (int, error)
}

type TokenFlusher interface {
	Flush(ctx context.Context) error
}

type Deps struct {
	Trigger    Trigger
	Dispatcher Dispatcher
	Retries    RetryLister
	Tokens     TokenFlusher
	// Auth wraps every route; nil leaves the API open.
	Auth    func(http.Handler) http.Handler
	Health  http.Handler
	Metrics prometheus.Gatherer
	Logger  *logging.Logger
}

type Server struct {
	deps   Deps
	logger *logging.Logger
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.New("ingest")
	}
	if d.Metrics == nil {
		d.Metrics = prometheus.DefaultGatherer
	}
	return &Server{deps: d, logger: d.Logger}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	if s.deps.Auth != nil {
		r.Use(s.deps.Auth)
	}

	if s.deps.Health != nil {
		r.Method(http.MethodGet, "/healthz", s.deps.Health)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Metrics, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/content-events", s.contentEvent)
		r.Post("/sync/{kind}/{id}", s.sync)
		r.Get("/retries", s.listRetries)
		r.Delete("/token", s.flushToken)
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set(middleware.RequestIDHeader, middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.WithContext(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Info("request")
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// contentEvent accepts one CMS change notification. Delivery problems never
// fail the request; they are handled by the retry schedule.
func (s *Server) contentEvent(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "ingest.content_event")
	defer span.End()

	var ev trigger.ContentChangeEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("kind", string(ev.Kind)),
		attribute.String("action", string(ev.Action)),
		attribute.Int64("entity_id", ev.ID),
	)
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := s.deps.Trigger.Handle(ctx, ev)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithEntity(ev.ID).WithField("kind", string(ev.Kind)).WithError(err).
			Error("content change not handled")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	span.SetAttributes(attribute.String("decision", d.Decision))
	writeJSON(w, http.StatusAccepted, d)
}

type syncBody struct {
	Action bus.Action `json:"action"`
}

// sync re-sends one entity on operator request. The action defaults to
// updated and can be given as ?action= or a JSON body.
func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind, err := bus.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	action := bus.Action(r.URL.Query().Get("action"))
	if action == "" && r.ContentLength > 0 {
		var body syncBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		action = body.Action
	}
	if action == "" {
		action = bus.ActionUpdated
	}
	et, err := bus.EventFor(kind, action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err = s.deps.Dispatcher.Resolve(ctx, kind, id)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	caller := "anonymous"
	if c, ok := auth.CallerFromContext(ctx); ok {
		caller = c
	}
	s.logger.WithContext(ctx).WithEvent(string(et)).WithEntity(id).WithField("caller", caller).Info("manual sync requested")

	res, err := s.deps.Dispatcher.Dispatch(ctx, dispatch.Request{EventType: et, EntityID: id, Mode: dispatch.ModeManual})
	switch {
	case errors.Is(err, dispatch.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "BUS endpoint or credentials are not configured")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if res.Outcome != dispatch.OutcomeSuccess {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

type retriesResponse struct {
	Total   int           `json:"total"`
	Entries []retry.Entry `json:"entries"`
}

func (s *Server) listRetries(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 1000)
	}
	entries, err := s.deps.Retries.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.deps.Retries.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []retry.Entry{}
	}
	writeJSON(w, http.StatusOK, retriesResponse{Total: total, Entries: entries})
}

func (s *Server) flushToken(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tokens.Flush(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.WithContext(r.Context()).Info("BUS token flushed on request")
	w.WriteHeader(http.StatusNoContent)
}
