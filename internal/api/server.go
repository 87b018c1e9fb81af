package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"AgentPay-Chain/internal/activity"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/saga"
	"AgentPay-Chain/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Executor 是 API 依赖的付费执行能力。
type Executor interface {
	Execute(ctx context.Context, req saga.Request) (*saga.Response, error)
	Agent(ctx context.Context, agentID uint64) (*ledger.AgentProfile, error)
	Challenge(ctx context.Context, agentID uint64, reason string) (payment.Challenge, error)
}

// Server 负责暴露 REST 接口，供外部付费调用智能体并查询执行记录。
type Server struct {
	addr          string
	executor      Executor
	store         activity.Store
	operatorToken string
	production    bool
	decimals      int
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithOperatorToken 设置运维接口的 Bearer 令牌，为空时运维接口不可用。
func WithOperatorToken(token string) Option {
	return func(s *Server) { s.operatorToken = token }
}

// WithProduction 控制是否隐藏错误细节。
func WithProduction(production bool) Option {
	return func(s *Server) { s.production = production }
}

// WithDecimals 设置价格展示使用的小数位。
func WithDecimals(decimals int) Option {
	return func(s *Server) {
		if decimals > 0 {
			s.decimals = decimals
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, executor Executor, store activity.Store, opts ...Option) *Server {
	s := &Server{addr: addr, executor: executor, store: store, decimals: payment.USDCDecimals}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Router 返回注册了全部路由的处理器。
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(observe)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/agents/{id:[0-9]+}", s.handleAgent).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id:[0-9]+}/challenge", s.handleChallenge).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id:[0-9]+}/execute", s.handleExecute).Methods(http.MethodPost)
	v1.HandleFunc("/executions", s.handleListExecutions).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id:[0-9]+}", s.handleExecution).Methods(http.MethodGet)
	v1.HandleFunc("/payments", s.handleListPayments).Methods(http.MethodGet)
	v1.HandleFunc("/payments/{hash}", s.handlePayment).Methods(http.MethodGet)
	v1.HandleFunc("/payments/{hash}/resolve", s.requireOperator(s.handleResolvePayment)).Methods(http.MethodPost)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Router()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", "address", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe 按路由模板记录请求指标。
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(started))
	})
}
