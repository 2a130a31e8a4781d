// Package api exposes courier over HTTP: task submission, bookkeeping
// lookups, the WebSocket gateway, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/btouchard/courier/internal/broker"
	"github.com/btouchard/courier/internal/store"
	"github.com/btouchard/courier/internal/task"
)

// TaskSubmitter publishes task messages. *task.Submitter satisfies it.
// Defined at the consumer side per Go convention.
type TaskSubmitter interface {
	Submit(ctx context.Context, kind, userID string, payload json.RawMessage) (*task.Message, error)
	Kinds() []string
}

// ResultWaiter opens a private result stream for a user. *broker.Waiter satisfies it.
type ResultWaiter interface {
	Subscribe(ctx context.Context, userID string) (*broker.Subscription, error)
}

// TaskReader reads task bookkeeping.
type TaskReader interface {
	GetTask(id string) (*store.TaskRecord, error)
	ListTasks(f store.TaskFilter) ([]store.TaskRecord, error)
}

// ProgressReader reads the latest stored progress of a request.
type ProgressReader interface {
	GetProgress(requestID string) (*store.ProgressRecord, error)
}

// BrokerStatus reports broker reachability. *broker.Publisher satisfies it.
type BrokerStatus interface {
	Available() bool
}

// DatabaseStatus reports whether bookkeeping storage is reachable.
// *store.SQLiteStore satisfies it.
type DatabaseStatus interface {
	Ping() error
}

// ConnectionCounter reports live connections. *hub.Registry satisfies it.
type ConnectionCounter interface {
	Len() int
}

// Deps holds everything the router serves. Nil optional fields disable
// the routes that need them.
type Deps struct {
	Submitter   TaskSubmitter
	Waiter      ResultWaiter
	Tasks       TaskReader
	Progress    ProgressReader
	Gateway     http.Handler
	Broker      BrokerStatus
	Database    DatabaseStatus
	Connections ConnectionCounter
	Metrics     http.Handler
	MetricsPath string
	Version     string
	Logger      *slog.Logger
}

// NewRouter builds the HTTP handler tree.
func NewRouter(d *Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", Health(d.Broker, d.Database, d.Connections, d.Version))

	if d.Gateway != nil {
		r.Handle("/ws", d.Gateway)
	}

	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, d.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		if d.Submitter != nil {
			r.Post("/tasks/{kind}", SubmitTask(d.Submitter, d.Waiter, logger))
			r.Get("/kinds", ListKinds(d.Submitter))
		}
		if d.Tasks != nil {
			r.Get("/tasks", ListTasks(d.Tasks))
			r.Get("/status/{taskID}", GetTask(d.Tasks))
		}
		if d.Progress != nil {
			r.Get("/progress/{requestID}", GetProgress(d.Progress))
		}
	})

	return r
}

// requestLogger logs one line per request. The wrapped writer keeps
// http.Hijacker so WebSocket upgrades pass through.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
				"http_request_id", middleware.GetReqID(r.Context()))
		})
	}
}
