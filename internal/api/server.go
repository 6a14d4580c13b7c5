// 本文件用于控制台 HTTP API 的路由 中间件与统一错误返回
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"quote-intake/internal/kb"
	"quote-intake/internal/logger"
	"quote-intake/internal/metrics"
	"quote-intake/internal/models"
	"quote-intake/internal/quotation"
	"quote-intake/internal/ratelimit"
	"quote-intake/internal/store"
	"quote-intake/internal/sysinfo"
	"quote-intake/internal/worker"
	"quote-intake/internal/workflow"
)

// Workflow 控制台读取与操作员动作 由 workflow.Coordinator 实现
type Workflow interface {
	ListRequests(ctx context.Context, status string, limit int) ([]models.QuotationRequest, error)
	GetRequestDetail(ctx context.Context, id string) (workflow.RequestDetail, error)
	MarkReadyForHuman(ctx context.Context, requestID, operator string) (*models.QuotationRequest, error)
	MarkQuoted(ctx context.Context, requestID, operator string) (*models.QuotationRequest, error)
	ListRFQs(ctx context.Context, status string, limit int) ([]models.ExternalQuotation, error)
	ApplyProviderResponse(ctx context.Context, update workflow.ProviderUpdate) (workflow.ProviderResult, error)
	StaleReport(ctx context.Context, now time.Time) (workflow.StaleReport, error)
}

// AuditReader 审计与统计查询 由 store.SQLiteStore 实现
type AuditReader interface {
	ListAuditLogs(ctx context.Context, filter store.AuditFilter) ([]models.AuditEntry, error)
	CountRequestsByStatus(ctx context.Context) (map[models.RequestStatus]int, error)
}

// Deps 可选依赖为空时对应接口返回 503
type Deps struct {
	Workflow  Workflow
	Audit     AuditReader
	KB        *kb.Service
	Retriever *kb.Retriever
	Metrics   *metrics.Collector
	System    *sysinfo.Collector
	Queue     func() worker.Stats
	Limits    func() []ratelimit.Stats
	Settings  Settings
}

// Server 包装 HTTP 服务
type Server struct {
	httpServer *http.Server
}

type handler struct {
	cfg  *models.Config
	deps Deps
	now  func() time.Time
}

// NewServer 构建控制台 API
func NewServer(cfg *models.Config, deps Deps) *Server {
	return &Server{httpServer: &http.Server{
		Addr:         cfg.APIBind,
		Handler:      NewHandler(cfg, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}}
}

// NewHandler 返回带中间件的路由 便于测试直接使用
func NewHandler(cfg *models.Config, deps Deps) http.Handler {
	h := &handler{cfg: cfg, deps: deps, now: time.Now}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/requests", h.listRequests)
	mux.HandleFunc("GET /api/requests/{id}", h.requestDetail)
	mux.HandleFunc("POST /api/requests/{id}/ready", h.markReady)
	mux.HandleFunc("POST /api/requests/{id}/quoted", h.markQuoted)
	mux.HandleFunc("GET /api/rfqs", h.listRFQs)
	mux.HandleFunc("GET /api/rfqs/stale", h.staleRFQs)
	mux.HandleFunc("POST /api/rfqs/{id}/response", h.providerResponse)
	mux.HandleFunc("GET /api/audit", h.auditLogs)
	mux.HandleFunc("GET /api/kb/documents", h.kbDocuments)
	mux.HandleFunc("POST /api/kb/documents", h.kbCreateDocument)
	mux.HandleFunc("GET /api/kb/documents/{id}", h.kbDocumentByID)
	mux.HandleFunc("POST /api/kb/documents/{id}/verify", h.kbVerifyDocument)
	mux.HandleFunc("GET /api/kb/search", h.kbSearch)
	mux.HandleFunc("GET /api/config/runtime", h.runtimeSettings)
	mux.HandleFunc("POST /api/config/runtime", h.updateRuntimeSettings)
	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("GET /metrics", h.prometheusMetrics)
	return withCORS(cfg, withAPIAuth(cfg, mux))
}

// Start 异步启动
func (s *Server) Start() {
	go func() {
		logger.Info("API 服务监听 %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API 服务异常退出: %v", err)
		}
	}()
}

// Shutdown 优雅停止
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (h *handler) prometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if h.deps.Metrics == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "metrics disabled"})
		return
	}
	h.deps.Metrics.Handler().ServeHTTP(w, r)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"ok": true, "time": h.now().UTC()}
	if h.deps.Queue != nil {
		payload["inbox"] = h.deps.Queue()
	}
	if h.deps.Limits != nil {
		payload["limiters"] = h.deps.Limits()
	}
	if h.deps.Audit != nil {
		counts, err := h.deps.Audit.CountRequestsByStatus(r.Context())
		if err != nil {
			payload["ok"] = false
			payload["storeError"] = err.Error()
		} else {
			payload["requests"] = counts
		}
	}
	if h.deps.System != nil {
		payload["system"] = h.deps.System.Snapshot(r.Context())
	}
	status := http.StatusOK
	if ok, _ := payload["ok"].(bool); !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 按错误类别映射状态码
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case models.IsValidation(err), errors.Is(err, kb.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound), errors.Is(err, kb.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, quotation.ErrInvalidTransition), errors.Is(err, models.ErrConflict), errors.Is(err, kb.ErrImmutable):
		status = http.StatusConflict
	case models.IsExternal(err):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		logger.Error("API 内部错误: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errEmptyBody = models.NewValidationError("body", "is empty")

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return models.NewValidationError("body", "invalid payload: "+err.Error())
	}
	return nil
}

func parsePositiveInt(raw string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// operatorFrom 请求头优先 其次请求体
func operatorFrom(r *http.Request, fallback string) string {
	if op := strings.TrimSpace(r.Header.Get("X-Operator")); op != "" {
		return op
	}
	return strings.TrimSpace(fallback)
}

// withAPIAuth 令牌为空 为占位符或显式关闭时不校验 健康检查与指标始终放行
func withAPIAuth(cfg *models.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := configuredToken(cfg)
		if token == "" || r.Method == http.MethodOptions || r.URL.Path == "/api/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func configuredToken(cfg *models.Config) string {
	if cfg == nil {
		return ""
	}
	if disabled, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv("API_AUTH_DISABLED"))); disabled {
		return ""
	}
	token := strings.TrimSpace(cfg.APIAuthToken)
	if strings.HasPrefix(token, "${") && strings.HasSuffix(token, "}") {
		return ""
	}
	return token
}

// withCORS 显式白名单优先 未配置时无鉴权放行任意来源 有鉴权只放行本机与同主机来源
func withCORS(cfg *models.Config, next http.Handler) http.Handler {
	allowList := parseOrigins(cfg)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !originAllowed(cfg, allowList, origin, r.Host) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseOrigins(cfg *models.Config) map[string]struct{} {
	out := map[string]struct{}{}
	if cfg == nil {
		return out
	}
	for _, item := range strings.Split(cfg.APICORSOrigins, ",") {
		if item = strings.TrimRight(strings.TrimSpace(item), "/"); item != "" {
			out[item] = struct{}{}
		}
	}
	return out
}

func originAllowed(cfg *models.Config, allowList map[string]struct{}, origin, host string) bool {
	if len(allowList) > 0 {
		if _, ok := allowList["*"]; ok {
			return true
		}
		_, ok := allowList[strings.TrimRight(origin, "/")]
		return ok
	}
	if configuredToken(cfg) == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return false
	}
	originHost := u.Hostname()
	if isLoopbackHost(originHost) {
		return true
	}
	reqHost := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		reqHost = h
	}
	return strings.EqualFold(originHost, reqHost)
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
