package logger

import (
	"context"
	"os"
	"strings"

	"rate-guard/internal/domain"

	"github.com/sirupsen/logrus"
)

// StructuredLogger implementa a interface domain.Logger
type StructuredLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// contextKey define chaves para contexto
type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	IPKey        contextKey = "ip"
	UserIDKey    contextKey = "user_id"
	RoleKey      contextKey = "role"
	UserAgentKey contextKey = "user_agent"
)

// NewLogger cria uma nova instância do logger estruturado
func NewLogger(level, format string) domain.Logger {
	logger := logrus.New()

	// Configura o nível de log
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Configura o formato de saída
	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "function",
			},
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	// Define saída
	logger.SetOutput(os.Stdout)

	return &StructuredLogger{
		logger: logger,
		fields: make(logrus.Fields),
	}
}

// Debug registra uma mensagem de debug
func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.DebugLevel, msg, fields)
}

// Info registra uma mensagem informativa
func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.InfoLevel, msg, fields)
}

// Warn registra uma mensagem de warning
func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.WarnLevel, msg, fields)
}

// Error registra uma mensagem de erro
func (l *StructuredLogger) Error(msg string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.logWithFields(logrus.ErrorLevel, msg, fields)
}

// WithContext cria um novo logger com contexto da requisição
func (l *StructuredLogger) WithContext(ctx context.Context) domain.Logger {
	contextFields := l.extractContextFields(ctx)

	// Mescla campos do contexto com campos existentes
	mergedFields := make(logrus.Fields)
	for k, v := range l.fields {
		mergedFields[k] = v
	}
	for k, v := range contextFields {
		mergedFields[k] = v
	}

	return &StructuredLogger{
		logger: l.logger,
		fields: mergedFields,
	}
}

// WithFields cria um novo logger com campos fixos adicionais
func (l *StructuredLogger) WithFields(fields map[string]interface{}) domain.Logger {
	newFields := make(logrus.Fields)

	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &StructuredLogger{
		logger: l.logger,
		fields: newFields,
	}
}

// logWithFields registra uma mensagem com campos específicos
func (l *StructuredLogger) logWithFields(level logrus.Level, msg string, fields map[string]interface{}) {
	// Mescla todos os campos
	allFields := make(logrus.Fields)

	// Adiciona campos do logger
	for k, v := range l.fields {
		allFields[k] = v
	}

	// Adiciona campos da mensagem
	if fields != nil {
		for k, v := range fields {
			allFields[k] = v
		}
	}

	// Adiciona informações do subsistema
	l.addSubsystemFields(allFields)

	// Log da mensagem
	l.logger.WithFields(allFields).Log(level, msg)
}

// extractContextFields extrai campos relevantes do contexto
func (l *StructuredLogger) extractContextFields(ctx context.Context) logrus.Fields {
	fields := make(logrus.Fields)

	if ctx == nil {
		return fields
	}

	// Extrai request ID
	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		fields["request_id"] = requestID
	}

	// Extrai IP
	if ip := ctx.Value(IPKey); ip != nil {
		fields["ip"] = ip
	}

	// Extrai user ID mascarado por segurança
	if userID := ctx.Value(UserIDKey); userID != nil {
		if userStr, ok := userID.(string); ok && len(userStr) > 0 {
			fields["user_id"] = MaskIdentifier(userStr)
		}
	}

	// Extrai papel
	if role := ctx.Value(RoleKey); role != nil {
		fields["role"] = role
	}

	// Extrai user agent
	if userAgent := ctx.Value(UserAgentKey); userAgent != nil {
		fields["user_agent"] = userAgent
	}

	return fields
}

// addSubsystemFields adiciona campos fixos do subsistema
func (l *StructuredLogger) addSubsystemFields(fields logrus.Fields) {
	fields["component"] = "rate_guard"

	if version := os.Getenv("APP_VERSION"); version != "" {
		fields["version"] = version
	}
}

// MaskIdentifier mascara identificadores sensíveis nos logs, mantendo
// apenas os primeiros 8 caracteres
func MaskIdentifier(value string) string {
	if len(value) > 8 {
		return value[:8] + "***"
	}
	return value + "***"
}

// ContextWithRequestInfo adiciona informações da requisição ao contexto
func ContextWithRequestInfo(ctx context.Context, requestID, ip, userID, role, userAgent string) context.Context {
	ctx = context.WithValue(ctx, RequestIDKey, requestID)
	ctx = context.WithValue(ctx, IPKey, ip)
	if userID != "" {
		ctx = context.WithValue(ctx, UserIDKey, userID)
	}
	if role != "" {
		ctx = context.WithValue(ctx, RoleKey, role)
	}
	ctx = context.WithValue(ctx, UserAgentKey, userAgent)
	return ctx
}

// GetRequestID extrai o request ID do contexto
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
