package controlserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/prodo-dev/plz/internal/controlapi"
	"github.com/prodo-dev/plz/internal/controller"
	"github.com/prodo-dev/plz/internal/endpoint"
	"github.com/prodo-dev/plz/internal/metrics"
	"github.com/prodo-dev/plz/internal/paths"
	"github.com/prodo-dev/plz/internal/plzerr"
	"github.com/prodo-dev/plz/internal/tlsconfig"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"
	"tailscale.com/tsnet"
)

// TLSOptions holds explicit TLS paths for the server.
type TLSOptions struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

type Options struct {
	Logger  *log.Logger
	Metrics *metrics.Metrics
	// RunRateLimit bounds run, rerun and snapshot requests per second. Zero
	// disables limiting.
	RunRateLimit float64
	RunRateBurst int
}

type Server struct {
	ctl     *controller.Controller
	logger  *log.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
}

const requestIDHeader = "X-Request-Id"

func New(ctl *controller.Controller, opts Options) *Server {
	s := &Server{ctl: ctl, logger: opts.Logger, metrics: opts.Metrics}
	if opts.RunRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RunRateLimit), max(opts.RunRateBurst, 1))
	}
	return s
}

type tsnetServer interface {
	Listen(network, addr string) (net.Listener, error)
	Close() error
}

var newTSNetServer = func(ep endpoint.Endpoint, stateDir string, tsLogf func(format string, args ...any)) tsnetServer {
	return &tsnet.Server{
		Dir:      stateDir,
		Hostname: ep.TSNetHostname,
		Logf:     tsLogf,
	}
}

func tsnetLogf(logger *log.Logger) func(format string, args ...any) {
	if logger == nil {
		return nil
	}
	tsLogger := logger.With("subsystem", "tsnet")
	return func(format string, args ...any) {
		msg := strings.TrimSpace(fmt.Sprintf(format, args...))
		if msg == "" {
			return
		}
		tsLogger.Debug(msg)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", s.ping)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.Handle("POST /executions", s.limited(s.runExecution))
	mux.Handle("POST /commands", s.limited(s.runExecution))
	mux.Handle("POST /executions/rerun", s.limited(s.rerunExecution))
	mux.HandleFunc("GET /executions/list", s.listExecutions)
	mux.HandleFunc("GET /executions/history", s.history)
	mux.HandleFunc("POST /executions/harvest", s.harvest)
	// describe/{id} shares its shape with {id}/{action}; executionAction
	// tells them apart.
	mux.HandleFunc("GET /executions/{id}/{action}", s.executionAction)
	mux.HandleFunc("GET /executions/{id}/output/files", s.outputFiles)
	mux.HandleFunc("DELETE /executions/{id}", s.deleteExecution)

	mux.HandleFunc("POST /instances/kill", s.killInstances)
	mux.Handle("POST /snapshots", s.limited(s.buildSnapshot))
	mux.HandleFunc("GET /users/{user}/last_execution_id", s.lastExecutionID)

	return h2c.NewHandler(s.observe(mux), &http2.Server{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

type requestIDKey struct{}

// observe tags every request with an id, then logs and measures it once
// the handler returns.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		took := time.Since(start)
		s.metrics.ObserveHTTP(route, rec.status, took)
		if s.logger != nil {
			s.logger.Debug("request", "request_id", requestID, "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", took)
		}
	})
}

func (s *Server) limited(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, controlapi.ErrorResponse{Error: "too many requests; retry later", Kind: "rate_limited"})
			return
		}
		h(w, r)
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor maps an error to the HTTP status of its response.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch plzerr.KindOf(err) {
	case plzerr.KindNotFound:
		return http.StatusNotFound
	case plzerr.KindValidation:
		return http.StatusBadRequest
	case plzerr.KindConflict:
		if plzerr.CodeOf(err) == plzerr.CodeExecutionAlreadyHarvested {
			return http.StatusExpectationFailed
		}
		return http.StatusConflict
	case plzerr.KindCapacity:
		return http.StatusServiceUnavailable
	case plzerr.KindPartialFailure:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if s.logger != nil {
		if status >= http.StatusInternalServerError {
			s.logger.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "status", status, "error", err)
		} else {
			s.logger.Debug("request rejected", "request_id", requestID(r.Context()), "path", r.URL.Path, "status", status, "error", err)
		}
	}
	if status == 499 {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, controlapi.ErrorResponse{
		Error:    err.Error(),
		Kind:     string(plzerr.KindOf(err)),
		Code:     plzerr.CodeOf(err),
		Failures: plzerr.FailuresOf(err),
	})
}

func Serve(ctx context.Context, ep endpoint.Endpoint, handler http.Handler, logger *log.Logger, tlsOpts *TLSOptions) error {
	listener, cleanup, err := listen(ep, logger, tlsOpts)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer func() {
			_ = cleanup()
		}()
	}
	defer listener.Close()
	if logger != nil {
		logger.Info("serving plz control API", "endpoint", ep.Address, "scheme", ep.Scheme, "base_url", ep.BaseURL)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if ep.Scheme == "https" {
		if err := http2.ConfigureServer(httpServer, nil); err != nil {
			return fmt.Errorf("configure HTTP/2 for TLS: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if ep.Scheme == "unix" {
			_ = os.Remove(ep.Address)
		}
		if logger != nil {
			logger.Info("control API shutdown complete", "endpoint", ep.Address)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if logger != nil {
			logger.Error("control API serve failed", "error", err)
		}
		return err
	}
}

func listen(ep endpoint.Endpoint, logger *log.Logger, tlsOpts *TLSOptions) (net.Listener, func() error, error) {
	switch ep.Scheme {
	case "unix":
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
			return nil, nil, err
		}
		if err := os.Remove(ep.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, err
		}
		listener, err := net.Listen("unix", ep.Address)
		if err != nil {
			return nil, nil, err
		}
		if err := os.Chmod(ep.Address, 0o600); err != nil {
			_ = listener.Close()
			return nil, nil, err
		}
		return listener, nil, nil

	case "tsnet":
		stateDir, err := paths.TSNetStateDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve tsnet state directory: %w", err)
		}
		if err := os.MkdirAll(stateDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create tsnet state directory: %w", err)
		}
		server := newTSNetServer(ep, stateDir, tsnetLogf(logger))
		listener, err := server.Listen("tcp", ep.Address)
		if err != nil {
			_ = server.Close()
			return nil, nil, fmt.Errorf("start tsnet listener for %q: %w", ep.Address, err)
		}
		return listener, server.Close, nil

	case "tssvc":
		listener, err := net.Listen("tcp", ep.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("start tailscale service listener for %q: %w", ep.Address, err)
		}
		setupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		serviceURL, err := configureTailscaleService(setupCtx, ep, listener.Addr().String())
		if err != nil {
			_ = listener.Close()
			return nil, nil, err
		}
		if logger != nil {
			logger.Info("advertised tailscale service", "service", ep.TSServiceName, "url", serviceURL)
		}
		return listener, nil, nil

	case "https":
		var opts tlsconfig.Options
		if tlsOpts != nil {
			opts = tlsconfig.Options{
				CertPath: tlsOpts.CertPath,
				KeyPath:  tlsOpts.KeyPath,
				CAPath:   tlsOpts.CAPath,
			}
		}
		tlsCfg, err := tlsconfig.ResolveServer(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve server TLS config: %w", err)
		}
		if tlsCfg == nil {
			return nil, nil, errors.New("https listen endpoint requires TLS certificates (run `plz tls init` or provide --tls-cert/--tls-key)")
		}
		listener, err := tls.Listen("tcp", hostPort(ep.Address), tlsCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("start TLS listener for %q: %w", ep.Address, err)
		}
		return listener, nil, nil

	case "http":
		listener, err := net.Listen("tcp", hostPort(ep.Address))
		return listener, nil, err
	}

	return nil, nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
}

func hostPort(addr string) string {
	for _, prefix := range []string{"https://", "http://"} {
		addr = strings.TrimPrefix(addr, prefix)
	}
	return strings.TrimRight(addr, "/")
}
