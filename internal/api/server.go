// Package api serves the orchestrator over HTTP. Responses use the same
// envelope as the CLI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/execution"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/logger"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/model"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/observability"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/out"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/tools"
)

const maxBodyBytes = 1 << 20

// Service is the subset of execution.Service the API calls.
type Service interface {
	StartExecution(ctx context.Context, plan execution.Plan) (execution.ExecutionState, error)
	PlanAndStart(ctx context.Context, intent string) (execution.ExecutionState, error)
	ConfirmFunding(ctx context.Context, executionID string, claim execution.FundingClaim) (execution.ExecutionState, error)
	GetExecutionState(ctx context.Context, executionID string) (execution.ExecutionState, error)
	ListExecutions(ctx context.Context, filter execution.ListFilter) ([]execution.ExecutionState, error)
	Operator() string
	Balances(ctx context.Context) (map[string]*big.Int, error)
}

type ToolLister interface {
	Describe() []tools.Descriptor
}

type Config struct {
	Service Service
	Tools   ToolLister
	Assets  id.Assets
	// Metrics is optional. Without it /metrics is not served.
	Metrics *observability.Metrics
}

type Server struct {
	svc     Service
	tools   ToolLister
	assets  id.Assets
	metrics *observability.Metrics
	log     *slog.Logger

	router http.Handler
}

func New(cfg Config) *Server {
	s := &Server{
		svc:     cfg.Service,
		tools:   cfg.Tools,
		assets:  cfg.Assets,
		metrics: cfg.Metrics,
		log:     logger.Named("api"),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLog)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.With(s.observe("executions_create")).Post("/executions", s.CreateExecution)
		v1.With(s.observe("executions_list")).Get("/executions", s.ListExecutions)
		v1.With(s.observe("executions_get")).Get("/executions/{id}", s.GetExecution)
		v1.With(s.observe("executions_fund")).Post("/executions/{id}/funding", s.ConfirmFunding)
		v1.With(s.observe("tools")).Get("/tools", s.ListTools)
		v1.With(s.observe("operator")).Get("/operator", s.GetOperator)
	})
	return r
}

func (s *Server) observe(route string) func(http.Handler) http.Handler {
	if s.metrics == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.metrics.Middleware(route)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, "healthz", map[string]string{"status": "ok"})
}

type createRequest struct {
	Plan   *execution.Plan `json:"plan,omitempty"`
	Intent string          `json:"intent,omitempty"`
}

// CreateExecution accepts either a plan or an intent for the planner.
func (s *Server) CreateExecution(w http.ResponseWriter, r *http.Request) {
	const command = "execution start"
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, command, err)
		return
	}
	hasIntent := strings.TrimSpace(req.Intent) != ""
	if (req.Plan == nil) == !hasIntent {
		s.fail(w, r, command, clierr.New(clierr.CodeUsage, "provide exactly one of plan or intent"))
		return
	}

	var (
		state execution.ExecutionState
		err   error
	)
	if req.Plan != nil {
		state, err = s.svc.StartExecution(r.Context(), *req.Plan)
	} else {
		state, err = s.svc.PlanAndStart(r.Context(), req.Intent)
	}
	if err != nil {
		s.fail(w, r, command, err)
		return
	}
	s.respond(w, r, http.StatusCreated, command, createResponse{
		ExecutionState: state,
		DepositAddress: s.svc.Operator(),
	})
}

type createResponse struct {
	execution.ExecutionState
	DepositAddress string `json:"deposit_address"`
}

type fundingRequest struct {
	TxRef  string `json:"tx_ref"`
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount,omitempty"`
}

func (s *Server) ConfirmFunding(w http.ResponseWriter, r *http.Request) {
	const command = "execution fund"
	var req fundingRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, command, err)
		return
	}
	if strings.TrimSpace(req.TxRef) == "" {
		s.fail(w, r, command, clierr.New(clierr.CodeUsage, "tx_ref is required"))
		return
	}
	state, err := s.svc.ConfirmFunding(r.Context(), chi.URLParam(r, "id"), execution.FundingClaim{
		TxRef:  strings.TrimSpace(req.TxRef),
		Asset:  req.Asset,
		Amount: req.Amount,
	})
	if err != nil {
		s.fail(w, r, command, err)
		return
	}
	s.respond(w, r, http.StatusAccepted, command, state)
}

func (s *Server) GetExecution(w http.ResponseWriter, r *http.Request) {
	const command = "execution status"
	state, err := s.svc.GetExecutionState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, command, err)
		return
	}
	s.respond(w, r, http.StatusOK, command, state)
}

func (s *Server) ListExecutions(w http.ResponseWriter, r *http.Request) {
	const command = "execution list"
	filter, err := parseListFilter(r)
	if err != nil {
		s.fail(w, r, command, err)
		return
	}
	states, err := s.svc.ListExecutions(r.Context(), filter)
	if err != nil {
		s.fail(w, r, command, err)
		return
	}
	if states == nil {
		states = []execution.ExecutionState{}
	}
	s.respond(w, r, http.StatusOK, command, states)
}

func parseListFilter(r *http.Request) (execution.ListFilter, error) {
	q := r.URL.Query()
	filter := execution.ListFilter{Outcome: execution.Outcome(strings.TrimSpace(q.Get("outcome")))}
	if v := q.Get("incomplete"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, clierr.New(clierr.CodeUsage, "incomplete must be a boolean")
		}
		filter.Incomplete = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, clierr.New(clierr.CodeUsage, "limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	return filter, nil
}

func (s *Server) ListTools(w http.ResponseWriter, r *http.Request) {
	descriptors := []tools.Descriptor{}
	if s.tools != nil {
		descriptors = append(descriptors, s.tools.Describe()...)
	}
	s.respond(w, r, http.StatusOK, "tools list", descriptors)
}

type operatorResponse struct {
	Address  string              `json:"address"`
	Balances []model.BalanceView `json:"balances"`
}

func (s *Server) GetOperator(w http.ResponseWriter, r *http.Request) {
	const command = "operator"
	balances, err := s.svc.Balances(r.Context())
	if err != nil {
		s.fail(w, r, command, clierr.Wrap(clierr.CodeUnavailable, "read operating balances", err))
		return
	}
	s.respond(w, r, http.StatusOK, command, operatorResponse{
		Address:  s.svc.Operator(),
		Balances: out.BalanceViews(s.assets, balances),
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return clierr.New(clierr.CodeUsage, "request body is required")
		}
		return clierr.Wrap(clierr.CodeUsage, "invalid request body", err)
	}
	return nil
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, command string, data any) {
	writeJSON(w, status, out.Success(command, chimw.GetReqID(r.Context()), data, nil))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, command string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			slog.String("command", command),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, out.Failure(command, chimw.GetReqID(r.Context()), err))
}

// StatusFor maps error codes onto HTTP statuses.
func StatusFor(err error) int {
	switch clierr.CodeOf(err) {
	case clierr.CodeUsage, clierr.CodeValidation:
		return http.StatusBadRequest
	case clierr.CodeAuth:
		return http.StatusUnauthorized
	case clierr.CodeBlocked:
		return http.StatusForbidden
	case clierr.CodeNotFound:
		return http.StatusNotFound
	case clierr.CodeConflict:
		return http.StatusConflict
	case clierr.CodeFundingNotConfirmed:
		return http.StatusUnprocessableEntity
	case clierr.CodeRateLimited:
		return http.StatusTooManyRequests
	case clierr.CodeUnsupported:
		return http.StatusNotImplemented
	case clierr.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body model.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
