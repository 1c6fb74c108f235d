package server

import (
	"EscrowAudit/internal/core"
	"EscrowAudit/internal/observability"
	"EscrowAudit/internal/persistence"
	"EscrowAudit/internal/projection"
	"EscrowAudit/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// RunLister reads stored report runs. Optional.
type RunLister interface {
	ListRuns(ctx context.Context, issuance uint64, limit int) ([]persistence.RunSummary, error)
}

// Deps holds everything the servers need.
type Deps struct {
	Audit          *query.AuditService
	Runs           RunLister
	HealthChecker  *observability.HealthChecker
	Metrics        *observability.Metrics
	Gatherer       prometheus.Gatherer
	Logger         zerolog.Logger
	RequestTimeout time.Duration
}

// Server serves gRPC health/reflection and the HTTP/JSON report API. The
// HTTP routes live on a grpc-gateway ServeMux so they share its path
// templating with any gateway-registered services.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	handler      http.Handler
	deps         Deps
}

func New(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	if deps.HealthChecker == nil {
		deps.HealthChecker = observability.NewHealthChecker()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	grpcServer := grpc.NewServer()

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		deps:         deps,
	}

	mux := runtime.NewServeMux()
	routes := []struct {
		pattern string
		handler runtime.HandlerFunc
	}{
		{"/v1/issuances/{issuance_id}/audit", s.instrument("audit", s.handleAudit)},
		{"/v1/issuances/{issuance_id}/obligations", s.instrument("obligations", s.handleObligations)},
		{"/v1/issuances/{issuance_id}/balances", s.instrument("balances", s.handleBalances)},
		{"/v1/issuances/{issuance_id}/runs", s.instrument("runs", s.handleRuns)},
	}
	for _, r := range routes {
		if err := mux.HandlePath(http.MethodGet, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register %s: %w", r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
	httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	httpMux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	httpMux.Handle("/", mux)
	s.handler = httpMux

	return s, nil
}

// Handler returns the HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetServing flips both the gRPC health status and HTTP readiness.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
	s.deps.HealthChecker.SetReady(serving)
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.deps.Logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.deps.Logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.deps.Logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.deps.Logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// Handlers
// ============================================================================

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		if s.deps.RequestTimeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), s.deps.RequestTimeout)
			defer cancel()
			r = r.WithContext(ctx)
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r, params)

		if m := s.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(sw.status)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
		s.deps.Logger.Debug().
			Str("endpoint", endpoint).
			Int("status", sw.status).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	issuance, ok := parseIssuance(w, params)
	if !ok {
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		report, _, err := s.deps.Audit.Report(r.Context(), issuance, "")
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		if err := projection.NewCSVSink(w, nil).WriteReport(r.Context(), report); err != nil {
			s.deps.Logger.Warn().Err(err).Msg("write csv response")
		}
		return
	}

	resp, err := s.deps.Audit.Audit(r.Context(), issuance)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleObligations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	issuance, ok := parseIssuance(w, params)
	if !ok {
		return
	}
	resp, err := s.deps.Audit.Obligations(r.Context(), issuance)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	issuance, ok := parseIssuance(w, params)
	if !ok {
		return
	}
	resp, err := s.deps.Audit.Balances(r.Context(), issuance)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request, params map[string]string) {
	issuance, ok := parseIssuance(w, params)
	if !ok {
		return
	}
	if s.deps.Runs == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "report persistence is not configured"})
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	runs, err := s.deps.Runs.ListRuns(r.Context(), issuance, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []persistence.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// ============================================================================
// Helpers
// ============================================================================

type errorBody struct {
	Error string `json:"error"`
}

func parseIssuance(w http.ResponseWriter, params map[string]string) (uint64, bool) {
	issuance, err := strconv.ParseUint(params["issuance_id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "issuance_id must be an unsigned integer"})
		return 0, false
	}
	return issuance, true
}

// statusFor maps replay and source failures onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, query.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrOutOfOrder), errors.Is(err, core.ErrMalformedEvent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.deps.Logger.Error().Err(err).Int("status", code).Msg("request failed")
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
