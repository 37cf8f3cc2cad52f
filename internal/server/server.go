package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mlevins/cleargate/internal/approval"
	"github.com/mlevins/cleargate/internal/audit"
	"github.com/mlevins/cleargate/internal/enforce"
	"github.com/mlevins/cleargate/internal/engine"
	"github.com/mlevins/cleargate/internal/identity"
	"github.com/mlevins/cleargate/internal/policy"
	"github.com/mlevins/cleargate/internal/store"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr             string
	PolicyPath       string
	AuditLogPath     string
	DBPath           string
	ApprovalTTL      time.Duration
	ReputationMaxAge time.Duration
	SweepInterval    time.Duration
}

// Server wires the governance engine, approval service, and audit sink
// behind the HTTP API.
type Server struct {
	cfg       Config
	policies  *policy.Store
	engine    *engine.Engine
	approvals *approval.Service
	store     store.Store
	resolver  identity.Resolver
	auditLog  *audit.Log
	router    *mux.Router
	httpSrv   *http.Server
	logger    *slog.Logger
}

// New creates a Server with loaded policy, durable store, and audit log.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var set *policy.Set
	var err error
	if cfg.PolicyPath != "" {
		set, err = policy.Load(cfg.PolicyPath)
	} else {
		set, err = policy.Parse([]byte(policy.DefaultConfigYAML()))
	}
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	policies := policy.NewStore(set)

	var st store.Store
	if cfg.DBPath != "" {
		st, err = store.OpenSQLite(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	} else {
		st = store.NewMemory()
	}

	var sink audit.Sink
	var auditLog *audit.Log
	if cfg.AuditLogPath != "" {
		auditLog, err = audit.Open(cfg.AuditLogPath)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		sink = audit.NewBestEffort(auditLog, 3, 50*time.Millisecond, logger)
	}

	s := &Server{
		cfg:       cfg,
		policies:  policies,
		engine:    engine.New(policies, st, sink, cfg.ReputationMaxAge, logger),
		approvals: approval.NewService(st, sink, cfg.ApprovalTTL),
		store:     st,
		resolver:  identity.HeaderResolver{},
		auditLog:  auditLog,
		router:    mux.NewRouter(),
		logger:    logger,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.HandleFunc("/governance/decide", s.handleDecide).Methods(http.MethodPost)
	s.router.HandleFunc("/governance/approvals/request", s.handleApprovalRequest).Methods(http.MethodPost)
	s.router.HandleFunc("/governance/approvals/confirm", s.handleApprovalConfirm).Methods(http.MethodPost)
	s.router.HandleFunc("/governance/decisions/{decision_id}", s.handleGetDecision).Methods(http.MethodGet)

	// Reloading policy is itself a governed action, run through the same
	// enforcement contract every protected operation uses.
	s.router.Handle("/governance/policy/reload",
		enforce.Middleware(s.engine, s.resolver, "policy.reload", http.HandlerFunc(s.handlePolicyReload))).
		Methods(http.MethodPost)

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Router exposes the handler tree. For tests.
func (s *Server) Router() http.Handler { return s.router }

// Run serves HTTP until ctx is cancelled, with the advisory approval
// sweeper and the policy file watcher running alongside.
func (s *Server) Run(ctx context.Context) error {
	sweep := s.cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	go s.approvals.RunSweeper(ctx, sweep)

	if s.cfg.PolicyPath != "" {
		reloader, err := NewReloader(s, []string{s.cfg.PolicyPath})
		if err != nil {
			s.logger.Warn("hot-reload disabled", "err", err)
		} else {
			go reloader.Run(ctx)
		}
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	s.logger.Info("cleargate listening", "addr", s.cfg.Addr, "policy_version", s.policies.Version())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Close cleans up resources.
func (s *Server) Close() error {
	if s.auditLog != nil {
		if err := s.auditLog.Close(); err != nil {
			s.store.Close()
			return err
		}
	}
	return s.store.Close()
}
