package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"SoundAsleep/internal/eventloop"
	"SoundAsleep/internal/impedance"
	"SoundAsleep/internal/logger"
	"SoundAsleep/internal/metrics"
	"SoundAsleep/internal/session"
	"SoundAsleep/internal/stream"
)

// Controller HTTP 接口依赖的会话操作
type Controller interface {
	ID() string
	Running() bool
	Uptime() time.Duration
	CurrentSamples() []stream.Sample
	SamplesSince(seq uint64) []stream.Sample
	CurrentImpedances() []impedance.Reading
	CurrentEvents() []session.EventRecord
	CurrentConfig() session.Config
	Summary() session.Summary
	AckStats() session.AckStats
	PendingAcks() int

	Pair() error
	Calibrate() (int, error)
	TriggerTestBurst() (session.AckID, error)
	SetStimulation(enabled bool) error
	SetDemoMode(enabled bool) error
	SetThreshold(z int) (int, error)
	SetVolume(db int) (int, error)
	SetAlgorithm(a session.Algorithm) error
}

// APIResponse 统一响应结构
type APIResponse struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Config 服务器配置
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Option 选项
type Option func(*APIServer)

// WithLogger 设置日志器
func WithLogger(l *slog.Logger) Option {
	return func(s *APIServer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics 挂载 /metrics 并统计请求，updateGauges 在每次抓取前调用
func WithMetrics(m *metrics.Metrics, updateGauges func()) Option {
	return func(s *APIServer) {
		s.metrics = m
		s.updateGauges = updateGauges
	}
}

// WithFeed 挂载渲染端 websocket 推送
func WithFeed(h http.Handler) Option {
	return func(s *APIServer) {
		s.feed = h
	}
}

// APIServer 会话的 HTTP 接口
type APIServer struct {
	router *mux.Router
	server *http.Server
	ctrl   Controller
	logger *slog.Logger

	metrics      *metrics.Metrics
	updateGauges func()
	feed         http.Handler

	requestCount atomic.Int64
	errorCount   atomic.Int64
	startTime    time.Time
}

// NewAPIServer 创建 HTTP 服务器
func NewAPIServer(cfg Config, ctrl Controller, opts ...Option) *APIServer {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	s := &APIServer{
		router:    mux.NewRouter(),
		ctrl:      ctrl,
		logger:    slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(logger.RequestLogger(s.logger))
	s.router.Use(s.countingMiddleware)
	if s.metrics != nil {
		s.router.Use(s.metrics.Middleware)
		s.router.Handle("/metrics", s.metrics.Handler(s.updateGauges)).Methods("GET")
	}
	if s.feed != nil {
		s.router.Handle("/ws", s.feed)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// 快照
	api.HandleFunc("/samples", s.samplesHandler).Methods("GET")
	api.HandleFunc("/impedances", s.impedancesHandler).Methods("GET")
	api.HandleFunc("/events", s.eventsHandler).Methods("GET")
	api.HandleFunc("/config", s.configHandler).Methods("GET")
	api.HandleFunc("/summary", s.summaryHandler).Methods("GET")
	api.HandleFunc("/health", s.healthHandler).Methods("GET")

	// 操作
	api.HandleFunc("/pair", s.pairHandler).Methods("POST")
	api.HandleFunc("/calibrate", s.calibrateHandler).Methods("POST")
	api.HandleFunc("/test-burst", s.testBurstHandler).Methods("POST")
	api.HandleFunc("/stimulation", s.toggleHandler(s.ctrl.SetStimulation)).Methods("PUT")
	api.HandleFunc("/demo-mode", s.toggleHandler(s.ctrl.SetDemoMode)).Methods("PUT")
	api.HandleFunc("/threshold", s.levelHandler(s.ctrl.SetThreshold)).Methods("PUT")
	api.HandleFunc("/volume", s.levelHandler(s.ctrl.SetVolume)).Methods("PUT")
	api.HandleFunc("/algorithm", s.algorithmHandler).Methods("PUT")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeErrorResponse(w, http.StatusNotFound, "not_found", "Route not found")
	})
}

// Handler 带 CORS 的根 handler，测试用
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) countingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		next.ServeHTTP(w, r)
	})
}

func (s *APIServer) samplesHandler(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")
	if since == "" {
		s.writeSuccessResponse(w, s.ctrl.CurrentSamples())
		return
	}
	seq, err := strconv.ParseUint(since, 10, 64)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "since must be a sequence number")
		return
	}
	samples := s.ctrl.SamplesSince(seq)
	if samples == nil {
		samples = []stream.Sample{}
	}
	s.writeSuccessResponse(w, samples)
}

func (s *APIServer) impedancesHandler(w http.ResponseWriter, r *http.Request) {
	readings := s.ctrl.CurrentImpedances()
	type channel struct {
		impedance.Reading
		Grade string `json:"grade"`
	}
	out := make([]channel, len(readings))
	for i, rd := range readings {
		out[i] = channel{Reading: rd, Grade: string(impedance.GradeOf(rd.Value))}
	}
	s.writeSuccessResponse(w, out)
}

func (s *APIServer) eventsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, s.ctrl.CurrentEvents())
}

func (s *APIServer) configHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, s.ctrl.CurrentConfig())
}

func (s *APIServer) summaryHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, s.ctrl.Summary())
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !s.ctrl.Running() {
		status = "stopped"
	}
	s.writeSuccessResponse(w, map[string]any{
		"status":         status,
		"session_id":     s.ctrl.ID(),
		"session_uptime": s.ctrl.Uptime().Seconds(),
		"pending_acks":   s.ctrl.PendingAcks(),
		"acks":           s.ctrl.AckStats(),
		"server":         s.Stats(),
	})
}

func (s *APIServer) pairHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Pair(); err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.writeSuccessResponse(w, map[string]string{"pairing": s.ctrl.CurrentConfig().Pairing.String()})
}

func (s *APIServer) calibrateHandler(w http.ResponseWriter, r *http.Request) {
	ms, err := s.ctrl.Calibrate()
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.writeSuccessResponse(w, map[string]int{"latency_estimate_ms": ms})
}

func (s *APIServer) testBurstHandler(w http.ResponseWriter, r *http.Request) {
	id, err := s.ctrl.TriggerTestBurst()
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.writeSuccessResponse(w, map[string]any{
		"ack_id":     uint64(id),
		"fire_in_ms": s.ctrl.CurrentConfig().LatencyEstimateMS,
	})
}

func (s *APIServer) toggleHandler(set func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Request body must contain enabled")
			return
		}
		if err := set(*req.Enabled); err != nil {
			s.writeControllerError(w, err)
			return
		}
		s.writeSuccessResponse(w, map[string]bool{"enabled": *req.Enabled})
	}
}

// levelHandler 阈值和音量，越界值被钳制，响应里带实际生效的值
func (s *APIServer) levelHandler(set func(int) (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Value *int `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Request body must contain an integer value")
			return
		}
		applied, err := set(*req.Value)
		if err != nil {
			s.writeControllerError(w, err)
			return
		}
		s.writeSuccessResponse(w, map[string]any{
			"requested": *req.Value,
			"applied":   applied,
			"clamped":   applied != *req.Value,
		})
	}
}

func (s *APIServer) algorithmHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Algorithm string `json:"algorithm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	a, err := session.ParseAlgorithm(req.Algorithm)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	if err := s.ctrl.SetAlgorithm(a); err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.writeSuccessResponse(w, map[string]string{"algorithm": a.String()})
}

// writeControllerError 把会话错误映射为 HTTP 状态码
func (s *APIServer) writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotPaired):
		s.writeErrorResponse(w, http.StatusConflict, "not_paired", err.Error())
	case errors.Is(err, session.ErrInvalidAlgorithm):
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_algorithm", err.Error())
	case errors.Is(err, session.ErrInvalidDelay):
		s.writeErrorResponse(w, http.StatusUnprocessableEntity, "invalid_latency", err.Error())
	case errors.Is(err, session.ErrSessionStopped), errors.Is(err, eventloop.ErrLoopClosed):
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "session_stopped", err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, data any) {
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.errorCount.Add(1)
	s.writeJSONResponse(w, statusCode, APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

// Start 启动服务器，正常关闭时返回 nil
func (s *APIServer) Start() error {
	s.logger.Info("starting HTTP API server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown 停止服务器
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping HTTP API server")
	return s.server.Shutdown(ctx)
}

// Addr 监听地址
func (s *APIServer) Addr() string {
	return s.server.Addr
}

// Stats 服务器统计信息
func (s *APIServer) Stats() map[string]any {
	return map[string]any{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"total_requests": s.requestCount.Load(),
		"error_count":    s.errorCount.Load(),
	}
}
