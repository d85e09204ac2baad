package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"PerpRecon/internal/core"
	"PerpRecon/internal/ingestion"
	"PerpRecon/internal/observability"
	"PerpRecon/internal/persistence"
	"PerpRecon/internal/query"

	"github.com/goccy/go-json"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const maxPlacementBody = 64 << 10

// Reader answers the PNL queries.
type Reader interface {
	GetPnL(ctx context.Context, userID string) (*query.PnLResponse, error)
	GetPositions(ctx context.Context, userID, status string) (*query.PositionsResponse, error)
	GetBalances(ctx context.Context, userID string) ([]query.BalanceResponse, error)
}

// AuditReader returns recent audit records of a user.
type AuditReader interface {
	RecentAudit(ctx context.Context, userID string, limit int) ([]persistence.AuditRow, error)
}

// UserLister names the users with a running pipeline.
type UserLister interface {
	Users() []string
}

// Deps holds everything the HTTP surface serves. Reader and Placer are
// required; the rest may be nil.
type Deps struct {
	Reader   Reader
	Placer   ingestion.Placer
	Users    UserLister
	Audit    AuditReader
	Health   *observability.HealthChecker
	Gatherer prometheus.Gatherer
	GRPCAddr string
	Logger   zerolog.Logger
}

// HTTPServer serves the JSON API through a grpc-gateway ServeMux.
type HTTPServer struct {
	httpServer *http.Server
	mux        *runtime.ServeMux
	conn       *grpc.ClientConn
	deps       Deps
	logger     zerolog.Logger
}

// NewHTTPServer registers every route. When GRPCAddr is set the gRPC health
// service is also exposed at /v1/health/grpc.
func NewHTTPServer(addr string, deps Deps) (*HTTPServer, error) {
	s := &HTTPServer{deps: deps, logger: deps.Logger}

	// User ids look like "<address>/<subaccount>"; clients send the slash
	// as %2F and it is decoded in the path parameter.
	opts := []runtime.ServeMuxOption{runtime.WithUnescapingMode(runtime.UnescapingModeAllCharacters)}
	if deps.GRPCAddr != "" {
		conn, err := grpc.NewClient(deps.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, err
		}
		s.conn = conn
		opts = append(opts, runtime.WithHealthEndpointAt(healthpb.NewHealthClient(conn), "/v1/health/grpc"))
	}
	s.mux = runtime.NewServeMux(opts...)

	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{http.MethodGet, "/healthz", s.adapt(s.liveness)},
		{http.MethodGet, "/readyz", s.adapt(s.readiness)},
		{http.MethodGet, "/v1/health/subscriptions", s.adapt(s.subscriptions)},
		{http.MethodGet, "/v1/health/breakers", s.adapt(s.breakers)},
		{http.MethodGet, "/metrics", s.adapt(s.metrics)},
		{http.MethodGet, "/v1/users", s.listUsers},
		{http.MethodGet, "/v1/users/{user_id}/pnl", s.getPnL},
		{http.MethodGet, "/v1/users/{user_id}/positions", s.getPositions},
		{http.MethodGet, "/v1/users/{user_id}/balances", s.getBalances},
		{http.MethodGet, "/v1/users/{user_id}/audit", s.getAudit},
		{http.MethodPost, "/v1/users/{user_id}/placements", s.postPlacement},
	}
	for _, r := range routes {
		if err := s.mux.HandlePath(r.method, r.path, r.h); err != nil {
			return nil, err
		}
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler exposes the mux for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.mux
}

// Start serves HTTP until ctx is cancelled.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		if s.conn != nil {
			s.conn.Close()
		}
	}()

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) adapt(h http.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		h(w, r)
	}
}

func (s *HTTPServer) liveness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		return
	}
	s.deps.Health.LivenessHandler(w, r)
}

func (s *HTTPServer) readiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	s.deps.Health.ReadinessHandler(w, r)
}

func (s *HTTPServer) subscriptions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeError(w, http.StatusNotFound, "health surface not configured")
		return
	}
	s.deps.Health.SubscriptionsHandler(w, r)
}

func (s *HTTPServer) breakers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeError(w, http.StatusNotFound, "health surface not configured")
		return
	}
	s.deps.Health.BreakersHandler(w, r)
}

func (s *HTTPServer) metrics(w http.ResponseWriter, r *http.Request) {
	g := s.deps.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	promhttp.HandlerFor(g, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *HTTPServer) listUsers(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	users := []string{}
	if s.deps.Users != nil {
		users = append(users, s.deps.Users.Users()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) getPnL(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.deps.Reader.GetPnL(r.Context(), params["user_id"])
	if err != nil {
		s.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) getPositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.deps.Reader.GetPositions(r.Context(), params["user_id"], r.URL.Query().Get("status"))
	if err != nil {
		s.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) getBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	balances, err := s.deps.Reader.GetBalances(r.Context(), params["user_id"])
	if err != nil {
		s.queryError(w, err)
		return
	}
	if balances == nil {
		balances = []query.BalanceResponse{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": params["user_id"], "balances": balances})
}

func (s *HTTPServer) getAudit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.deps.Audit == nil {
		writeError(w, http.StatusNotFound, "audit log not configured")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	rows, err := s.deps.Audit.RecentAudit(r.Context(), params["user_id"], limit)
	if err != nil {
		s.queryError(w, err)
		return
	}
	if rows == nil {
		rows = []persistence.AuditRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": params["user_id"], "audit": rows})
}

func (s *HTTPServer) postPlacement(w http.ResponseWriter, r *http.Request, params map[string]string) {
	userID := params["user_id"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPlacementBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ack, err := ingestion.DecodePlacementFor(userID, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch err := s.deps.Placer.Place(userID, ack); {
	case errors.Is(err, core.ErrNoPipeline):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrPlacementQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"user_id": userID, "order_id": ack.OrderID})
	}
}

func (s *HTTPServer) queryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, query.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
