package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"rate-guard/internal/domain"
	"rate-guard/internal/logger"
	"rate-guard/internal/service"
)

// Papel atribuído a requisições sem usuário resolvido
const anonymousRole = "anonymous"

// RateLimiterMiddleware traduz decisões do serviço de rate limiting em
// respostas HTTP. Toda a lógica de decisão vive no serviço
type RateLimiterMiddleware struct {
	service domain.RateLimiter
	logger  domain.Logger
}

// NewRateLimiterMiddleware cria uma nova instância do middleware
func NewRateLimiterMiddleware(
	service domain.RateLimiter,
	logger domain.Logger,
) gin.HandlerFunc {
	middleware := &RateLimiterMiddleware{
		service: service,
		logger:  logger,
	}

	return middleware.Handle
}

// Handle é o handler principal do middleware
func (m *RateLimiterMiddleware) Handle(c *gin.Context) {
	// Criar contexto com timeout para operações
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	// Gerar Request ID se não existir
	requestID := m.getRequestID(c)

	// Extrair a identidade da requisição
	identity := m.extractIdentity(c)

	// Adicionar informações ao contexto
	ctx = logger.ContextWithRequestInfo(ctx, requestID, identity.IP, identity.UserID, identity.Role, c.GetHeader("User-Agent"))

	// Obter logger com contexto
	log := m.logger.WithContext(ctx)

	log.Debug("Rate limiter middleware initiated", map[string]interface{}{
		"client_ip":  identity.IP,
		"role":       identity.Role,
		"route":      identity.Route,
		"method":     c.Request.Method,
		"request_id": requestID,
	})

	// Verificar rate limit usando o service
	decision := m.service.Check(ctx, identity)

	// Conclui a decisão exatamente uma vez, mesmo com panic no handler ou
	// desconexão do cliente. Contexto próprio: a contagem adiada precisa
	// alcançar o storage depois que o contexto da requisição for cancelado
	defer func() {
		completionCtx, completionCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer completionCancel()
		decision.Complete(completionCtx, c.Writer.Status())
	}()

	// Adicionar headers informativos de rate limiting
	m.setRateLimitHeaders(c, decision)

	// Verificar se a requisição foi permitida
	if !decision.Allowed {
		log.Info("Request rate limited", map[string]interface{}{
			"client_ip":  identity.IP,
			"route":      identity.Route,
			"policy":     decision.PolicyName,
			"reason":     string(decision.Reason),
			"limit":      decision.Limit,
			"request_id": requestID,
		})

		m.denyRequest(c, decision)
		return
	}

	// Requisição permitida - continuar pipeline
	log.Debug("Request allowed by rate limiter", map[string]interface{}{
		"client_ip":  identity.IP,
		"policy":     decision.PolicyName,
		"reason":     string(decision.Reason),
		"limit":      decision.Limit,
		"remaining":  decision.Remaining,
		"request_id": requestID,
	})

	c.Next()
}

// denyRequest escreve a resposta 429 distinguindo bloqueio de cota excedida
func (m *RateLimiterMiddleware) denyRequest(c *gin.Context, decision domain.Decision) {
	details := gin.H{
		"reason": string(decision.Reason),
	}
	if decision.PolicyName != "" {
		details["policy"] = decision.PolicyName
	}
	if decision.Limit > 0 {
		details["limit"] = decision.Limit
		details["remaining"] = decision.Remaining
		details["reset_time"] = decision.ResetTime.Unix()
	}
	if decision.RetryAfter > 0 {
		details["retry_after"] = int(decision.RetryAfter.Seconds())
	}

	errorCode := "rate_limit_exceeded"
	message := "you have reached the maximum number of requests or actions allowed within a certain time frame"
	if decision.Reason == domain.ReasonBlocked {
		errorCode = "ip_blocked"
		message = "your address is temporarily blocked due to repeated rate limit violations"
	}

	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":   errorCode,
		"message": message,
		"details": details,
	})
	c.Abort()
}

// extractIdentity monta a identidade da requisição a partir dos headers
// resolvidos pela camada de autenticação e do template da rota
func (m *RateLimiterMiddleware) extractIdentity(c *gin.Context) domain.Identity {
	// O template da rota mantém a cardinalidade das chaves estável;
	// rotas sem template (NoRoute) usam o caminho bruto
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}

	role := strings.TrimSpace(c.GetHeader("X-User-Role"))
	if role == "" {
		role = anonymousRole
	}

	return domain.Identity{
		UserID: strings.TrimSpace(c.GetHeader("X-User-ID")),
		Role:   role,
		IP:     m.extractClientIP(c),
		Route:  route,
	}
}

// extractClientIP extrai o IP do cliente considerando proxies e load balancers
func (m *RateLimiterMiddleware) extractClientIP(c *gin.Context) string {
	// Prioridade: X-Forwarded-For > X-Real-IP > RemoteAddr

	// X-Forwarded-For pode conter múltiplos IPs separados por vírgula
	// O primeiro é o IP original do cliente
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			clientIP := strings.TrimSpace(ips[0])
			if clientIP != "" {
				return clientIP
			}
		}
	}

	// X-Real-IP é usado por alguns proxies
	if xri := c.GetHeader("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fallback para RemoteAddr (remove porta se presente)
	if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		return host
	}

	// Se net.SplitHostPort falhar, retorna RemoteAddr como está
	return c.Request.RemoteAddr
}

// setRateLimitHeaders define headers informativos de rate limiting
func (m *RateLimiterMiddleware) setRateLimitHeaders(c *gin.Context, decision domain.Decision) {
	if decision.PolicyName != "" {
		c.Header("X-RateLimit-Policy", decision.PolicyName)
	}

	if decision.Limit > 0 {
		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetTime.Unix(), 10))
	}

	// Adicionar Retry-After para requisições negadas
	if !decision.Allowed && decision.RetryAfter > 0 {
		retryAfter := int(decision.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
	}
}

// getRequestID obtém ou gera um Request ID para tracking
func (m *RateLimiterMiddleware) getRequestID(c *gin.Context) string {
	// Verifica se já existe no header
	if requestID := c.GetHeader("X-Request-ID"); requestID != "" {
		return requestID
	}

	// Gera novo UUID
	requestID := uuid.New().String()
	c.Header("X-Request-ID", requestID)
	return requestID
}

// MarkBypass marca as requisições da rota para pular o rate limiting.
// Deve ser registrado antes do RateLimiterMiddleware na cadeia; destinado
// a endpoints internos (smoke checks de deploy), nunca a entrada do cliente
func MarkBypass() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := service.WithBypassFlag(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// GetClientIP é uma função utilitária exportada para uso externo
func GetClientIP(c *gin.Context) string {
	middleware := &RateLimiterMiddleware{}
	return middleware.extractClientIP(c)
}
