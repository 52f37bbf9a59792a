package handler

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rate-guard/internal/domain"
	"rate-guard/internal/logger"
	"rate-guard/internal/middleware"
)

// Duração padrão de bloqueio manual quando o operador não informa uma
const defaultManualBlockHours = 24

// Handlers contém os handlers da API
type Handlers struct {
	service   domain.RateLimiter
	storage   domain.CounterStore
	logger    domain.Logger
	startTime time.Time
}

// NewHandlers cria uma nova instância dos handlers
func NewHandlers(service domain.RateLimiter, storage domain.CounterStore, logger domain.Logger) *Handlers {
	return &Handlers{
		service:   service,
		storage:   storage,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetupRoutes configura as rotas da API
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	// Middleware de rate limiting para rotas protegidas
	rateLimiterMiddleware := middleware.NewRateLimiterMiddleware(h.service, h.logger)

	// Rotas públicas (sem rate limiting)
	router.GET("/health", h.HealthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Rotas protegidas por rate limiting
	api := router.Group("/api")
	api.Use(rateLimiterMiddleware)
	{
		api.GET("/events", h.EventListHandler)
		api.GET("/events/:id", h.EventDetailHandler)
		api.POST("/events/:id/register", h.EventRegisterHandler)
		api.POST("/auth/login", h.LoginHandler)
	}

	// Smoke checks de deploy passam pelo pipeline completo mas carregam a
	// flag de bypass, então nunca consomem cota de clientes
	internal := router.Group("/api/internal", middleware.MarkBypass(), rateLimiterMiddleware)
	{
		internal.GET("/ping", h.PingHandler)
	}

	// Rotas administrativas (sem rate limiting)
	admin := router.Group("/admin")
	{
		admin.GET("/status", h.AdminStatusHandler)
		admin.POST("/reset", h.AdminResetHandler)
		admin.POST("/block", h.AdminBlockHandler)
		admin.POST("/unblock", h.AdminUnblockHandler)
	}
}

// HealthHandler implementa health check com verificação do storage
func (h *Handlers) HealthHandler(c *gin.Context) {
	ctx := c.Request.Context()

	status := "healthy"
	httpStatus := http.StatusOK
	storageStatus := "up"

	if err := h.storage.Health(ctx); err != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
		storageStatus = "down"

		h.logger.WithContext(ctx).Error("Storage health check failed", err, map[string]interface{}{
			"client_ip": middleware.GetClientIP(c),
		})
	}

	uptime := time.Since(h.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(httpStatus, gin.H{
		"status":         status,
		"service":        "Rate Guard API",
		"storage":        storageStatus,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime":         uptime.String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"system": gin.H{
			"go_version":   runtime.Version(),
			"goroutines":   runtime.NumGoroutine(),
			"memory_alloc": formatBytes(m.Alloc),
			"memory_sys":   formatBytes(m.Sys),
			"gc_runs":      m.NumGC,
		},
	})
}

// PingHandler responde aos smoke checks internos
func (h *Handlers) PingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":   "pong",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// EventListHandler implementa a listagem de eventos protegida por rate limiting
func (h *Handlers) EventListHandler(c *gin.Context) {
	ctx := c.Request.Context()
	log := h.logger.WithContext(ctx)

	clientIP := middleware.GetClientIP(c)

	log.Debug("Event list endpoint accessed", map[string]interface{}{
		"client_ip": clientIP,
		"path":      c.Request.URL.Path,
	})

	c.JSON(http.StatusOK, gin.H{
		"events": []gin.H{
			{"id": "evt-001", "title": "Semana de Integração", "capacity": 300},
			{"id": "evt-002", "title": "Maratona de Programação", "capacity": 120},
			{"id": "evt-003", "title": "Feira de Estágios", "capacity": 500},
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// EventDetailHandler implementa a consulta de um evento específico
func (h *Handlers) EventDetailHandler(c *gin.Context) {
	eventID := c.Param("id")

	c.JSON(http.StatusOK, gin.H{
		"id":        eventID,
		"title":     "Semana de Integração",
		"capacity":  300,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// EventRegisterHandler implementa a inscrição em um evento
func (h *Handlers) EventRegisterHandler(c *gin.Context) {
	ctx := c.Request.Context()
	log := h.logger.WithContext(ctx)

	eventID := c.Param("id")
	registrationID := uuid.New().String()

	log.Info("Event registration created", map[string]interface{}{
		"event_id":        eventID,
		"registration_id": registrationID,
		"client_ip":       middleware.GetClientIP(c),
	})

	c.JSON(http.StatusCreated, gin.H{
		"registration_id": registrationID,
		"event_id":        eventID,
		"status":          "confirmed",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

// LoginRequest representa o corpo da requisição de login
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Credenciais de demonstração; a autenticação real vive no serviço upstream
var demoCredentials = map[string]string{
	"demo": "demo123",
}

// LoginHandler implementa um login de demonstração. Respostas 401 alimentam
// a política de contagem de falhas da rota de autenticação
func (h *Handlers) LoginHandler(c *gin.Context) {
	ctx := c.Request.Context()
	log := h.logger.WithContext(ctx)

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}

	password, exists := demoCredentials[req.Username]
	if !exists || password != req.Password {
		log.Info("Login attempt rejected", map[string]interface{}{
			"username":  logger.MaskIdentifier(req.Username),
			"client_ip": middleware.GetClientIP(c),
		})

		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_credentials",
			"message": "username or password is incorrect",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      uuid.New().String(),
		"expires_in": 3600,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// AdminStatusHandler implementa a consulta administrativa de contadores
func (h *Handlers) AdminStatusHandler(c *gin.Context) {
	ctx := c.Request.Context()

	policyName := strings.TrimSpace(c.Query("policy"))
	ip := strings.TrimSpace(c.Query("ip"))
	userID := strings.TrimSpace(c.Query("user"))
	role := strings.TrimSpace(c.Query("role"))
	route := strings.TrimSpace(c.Query("route"))

	if h.logger != nil {
		log := h.logger.WithContext(ctx)
		log.Debug("Admin status endpoint accessed", map[string]interface{}{
			"policy": policyName,
			"ip":     ip,
			"user":   logger.MaskIdentifier(userID),
		})
	}

	// Validação de parâmetros
	if policyName == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "policy parameter is required",
		})
		return
	}

	if ip == "" && userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "either ip or user parameter is required",
		})
		return
	}

	identity := domain.Identity{
		UserID: userID,
		Role:   role,
		IP:     ip,
		Route:  route,
	}

	status, err := h.service.Status(ctx, identity, policyName)
	if err != nil {
		if errors.Is(err, domain.ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "policy_not_found",
				"message": "no policy registered under this name",
			})
			return
		}

		if h.logger != nil {
			log := h.logger.WithContext(ctx)
			log.Error("Failed to get rate limiter status", err, map[string]interface{}{
				"policy": policyName,
				"ip":     ip,
				"user":   logger.MaskIdentifier(userID),
			})
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to retrieve rate limiter status",
		})
		return
	}

	response := gin.H{
		"policy":     status.PolicyName,
		"key":        status.Key,
		"current":    status.Count,
		"limit":      status.Limit,
		"remaining":  status.Remaining,
		"reset_time": status.ResetTime.Unix(),
		"is_blocked": status.Blocked,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}

	if status.BlockedUntil != nil {
		response["blocked_until"] = status.BlockedUntil.Unix()
		response["block_reason"] = status.BlockReason
	}

	c.JSON(http.StatusOK, response)
}

// AdminResetRequest representa o corpo da requisição para reset
type AdminResetRequest struct {
	Policy string `json:"policy" binding:"required"`
	IP     string `json:"ip"`
	User   string `json:"user"`
	Role   string `json:"role"`
	Route  string `json:"route"`
}

// AdminResetHandler implementa o reset administrativo de um contador
func (h *Handlers) AdminResetHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req AdminResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}

	req.IP = strings.TrimSpace(req.IP)
	req.User = strings.TrimSpace(req.User)

	if req.IP == "" && req.User == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "either ip or user field is required",
		})
		return
	}

	if h.logger != nil {
		log := h.logger.WithContext(ctx)
		log.Info("Admin reset endpoint accessed", map[string]interface{}{
			"policy": req.Policy,
			"ip":     req.IP,
			"user":   logger.MaskIdentifier(req.User),
		})
	}

	identity := domain.Identity{
		UserID: req.User,
		Role:   req.Role,
		IP:     req.IP,
		Route:  req.Route,
	}

	if err := h.service.Reset(ctx, identity, req.Policy); err != nil {
		if errors.Is(err, domain.ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "policy_not_found",
				"message": "no policy registered under this name",
			})
			return
		}

		if h.logger != nil {
			log := h.logger.WithContext(ctx)
			log.Error("Failed to reset rate limiter", err, map[string]interface{}{
				"policy": req.Policy,
			})
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to reset rate limiter",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"message":   "Rate limiter reset successfully",
		"policy":    req.Policy,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// AdminBlockRequest representa o corpo da requisição de bloqueio manual
type AdminBlockRequest struct {
	IP            string `json:"ip" binding:"required"`
	Reason        string `json:"reason"`
	DurationHours int    `json:"durationHours"`
}

// AdminBlockHandler implementa o bloqueio manual de um IP
func (h *Handlers) AdminBlockHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req AdminBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}

	req.IP = strings.TrimSpace(req.IP)
	if req.DurationHours <= 0 {
		req.DurationHours = defaultManualBlockHours
	}
	duration := time.Duration(req.DurationHours) * time.Hour

	if err := h.service.BlockIP(ctx, req.IP, req.Reason, duration); err != nil {
		if h.logger != nil {
			log := h.logger.WithContext(ctx)
			log.Error("Failed to block IP", err, map[string]interface{}{
				"ip": req.IP,
			})
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to block IP",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"message":    "IP blocked successfully",
		"ip":         req.IP,
		"expires_at": time.Now().Add(duration).UTC().Format(time.RFC3339),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// AdminUnblockRequest representa o corpo da requisição de desbloqueio
type AdminUnblockRequest struct {
	IP string `json:"ip" binding:"required"`
}

// AdminUnblockHandler implementa o desbloqueio manual de um IP
func (h *Handlers) AdminUnblockHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req AdminUnblockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}

	req.IP = strings.TrimSpace(req.IP)

	if err := h.service.UnblockIP(ctx, req.IP); err != nil {
		if h.logger != nil {
			log := h.logger.WithContext(ctx)
			log.Error("Failed to unblock IP", err, map[string]interface{}{
				"ip": req.IP,
			})
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to unblock IP",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"message":   "IP unblocked successfully",
		"ip":        req.IP,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// formatBytes formata bytes em formato legível
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return strconv.FormatUint(bytes, 10) + " B"
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return strconv.FormatFloat(float64(bytes)/float64(div), 'f', 1, 64) + " " + "KMGTPE"[exp:exp+1] + "B"
}
