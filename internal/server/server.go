// Package server hosts the tools over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/leapstack-labs/leapgate/internal/metrics"
	"github.com/leapstack-labs/leapgate/internal/tools"
	"github.com/leapstack-labs/leapgate/pkg/core"
	"golang.org/x/sync/errgroup"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// maxBodyBytes bounds a tool call's JSON arguments.
const maxBodyBytes = 1 << 20

const shutdownTimeout = 5 * time.Second

// Config holds configuration for the server.
type Config struct {
	Addr    string
	Tools   *tools.Registry
	Metrics *metrics.Metrics

	// Background tasks run for the lifetime of Serve. The first error
	// stops the server.
	Background []func(ctx context.Context) error

	Logger *slog.Logger
}

// Server serves tool calls.
type Server struct {
	addr       string
	tools      *tools.Registry
	metrics    *metrics.Metrics
	background []func(ctx context.Context) error
	logger     *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		addr:       addr,
		tools:      cfg.Tools,
		metrics:    cfg.Metrics,
		background: cfg.Background,
		logger:     logger,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		s.logRequests,
		middleware.Recoverer,
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/v1/tools", s.listTools)
	r.Post("/v1/tools/{tool}", s.callTool)
	return r
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.logger.Info("starting tool server", slog.String("addr", ln.Addr().String()))

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	for _, task := range s.background {
		eg.Go(func() error {
			return task(egctx)
		})
	}

	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		s.logger.Debug("shutting down tool server")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// ===== Handlers =====

func (s *Server) listTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.tools.List()})
}

func (s *Server) callTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "tool")
	if !s.tools.Has(name) {
		writeError(w, core.NewToolError(core.CodeInvalidRequest, "unknown tool %q", name), http.StatusNotFound)
		return
	}

	args, err := decodeBody(w, r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}

	out, err := s.tools.Call(r.Context(), name, args)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()

	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, core.NewToolError(core.CodeInvalidRequest, "malformed JSON arguments: %v", err).WithCause(err)
	}
	if dec.More() {
		return nil, core.NewToolError(core.CodeInvalidRequest, "request body must hold a single JSON object")
	}
	return args, nil
}

// statusFor maps an error code to an HTTP status.
func statusFor(code core.ErrorCode) int {
	switch code {
	case core.CodeInvalidRequest, core.CodeInvalidParameters, core.CodeMissingParamsContract, core.CodeInvalidPipeline:
		return http.StatusBadRequest
	case core.CodeCatalogNotAllowed:
		return http.StatusForbidden
	case core.CodeDatasetNotFound:
		return http.StatusNotFound
	case core.CodeSchemaMetadataRequired:
		return http.StatusUnprocessableEntity
	case core.CodeProcedureFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error, status int) {
	env := tools.Envelope(err)
	if status == 0 {
		status = statusFor(env.Error.Code)
	}
	writeJSON(w, status, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// logRequests logs one line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}
