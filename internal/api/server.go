package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	xerrors "ParallelSigner-Chain/internal/errors"
	"ParallelSigner-Chain/internal/observability/metrics"
	"ParallelSigner-Chain/internal/signer"
)

// Server 负责暴露 REST 接口，供外部系统提交请求和查询进度。
type Server struct {
	addr    string
	service *signer.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *signer.Service) *Server {
	return &Server{addr: addr, service: service}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/requests", instrument("requests", s.handleRequests))
	mux.HandleFunc("/api/v1/chains", instrument("chains", s.handleChains))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

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

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleListRequests(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// SubmitRequest 是提交接口的请求体。
type SubmitRequest struct {
	ChainID  int64            `json:"chain_id"`
	Requests []signer.TxInput `json:"requests"`
}

// SubmitResponse 是提交接口的响应体。
type SubmitResponse struct {
	SubmissionID string  `json:"submission_id"`
	RequestIDs   []int64 `json:"request_ids"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.ChainID == 0 || len(req.Requests) == 0 {
		http.Error(w, "chain_id 与 requests 不能为空", http.StatusBadRequest)
		return
	}

	ids, submissionID, err := s.service.Submit(r.Context(), req.ChainID, req.Requests)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(SubmitResponse{SubmissionID: submissionID, RequestIDs: ids})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	chainID, err := strconv.ParseInt(query.Get("chain_id"), 10, 64)
	if err != nil || chainID == 0 {
		http.Error(w, "缺少有效的 chain_id", http.StatusBadRequest)
		return
	}
	var fromID int64
	if raw := query.Get("from_id"); raw != "" {
		if parsed, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil && parsed > 0 {
			fromID = parsed
		}
	}
	limit := 50
	if raw := query.Get("limit"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil && parsed > 0 {
			limit = parsed
		}
	}

	requests, err := s.service.Requests(r.Context(), chainID, fromID, limit)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(requests)
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.service == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]int64{"chain_ids": s.service.ChainIDs()})
}

func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// statusRecorder 拦截 WriteHeader 以便统计响应码。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为处理函数记录请求量与耗时指标。
func instrument(handler string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(recorder, r)
		metrics.ObserveHTTPRequest(handler, r.Method, recorder.status, time.Since(start))
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
