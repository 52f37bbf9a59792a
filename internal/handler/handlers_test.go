package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"rate-guard/internal/domain"
	"rate-guard/internal/storage"
)

// MockRateLimiter é um mock do serviço de rate limiting para testes
type MockRateLimiter struct {
	mock.Mock
}

func (m *MockRateLimiter) Check(ctx context.Context, identity domain.Identity) domain.Decision {
	args := m.Called(ctx, identity)
	return args.Get(0).(domain.Decision)
}

func (m *MockRateLimiter) Status(ctx context.Context, identity domain.Identity, policyName string) (*domain.PolicyStatus, error) {
	args := m.Called(ctx, identity, policyName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PolicyStatus), args.Error(1)
}

func (m *MockRateLimiter) Reset(ctx context.Context, identity domain.Identity, policyName string) error {
	args := m.Called(ctx, identity, policyName)
	return args.Error(0)
}

func (m *MockRateLimiter) BlockIP(ctx context.Context, ip, reason string, duration time.Duration) error {
	args := m.Called(ctx, ip, reason, duration)
	return args.Error(0)
}

func (m *MockRateLimiter) UnblockIP(ctx context.Context, ip string) error {
	args := m.Called(ctx, ip)
	return args.Error(0)
}

// MockLogger é um mock do Logger para testes
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debug(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Info(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Warn(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Error(msg string, err error, fields map[string]interface{}) {
	m.Called(msg, err, fields)
}

func (m *MockLogger) WithContext(ctx context.Context) domain.Logger {
	args := m.Called(ctx)
	return args.Get(0).(domain.Logger)
}

// newMockLogger cria um logger de teste com todas as expectativas armadas
func newMockLogger() *MockLogger {
	mockLogger := new(MockLogger)
	mockLogger.On("WithContext", mock.Anything).Return(mockLogger)
	mockLogger.On("Debug", mock.AnythingOfType("string"), mock.Anything).Maybe()
	mockLogger.On("Info", mock.AnythingOfType("string"), mock.Anything).Maybe()
	mockLogger.On("Warn", mock.AnythingOfType("string"), mock.Anything).Maybe()
	mockLogger.On("Error", mock.AnythingOfType("string"), mock.Anything, mock.Anything).Maybe()
	return mockLogger
}

// unhealthyStorage simula um storage indisponível no health check
type unhealthyStorage struct {
	domain.CounterStore
}

func (unhealthyStorage) Health(ctx context.Context) error {
	return assert.AnError
}

// setupTestRouter cria um router com todas as rotas configuradas
func setupTestRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h.SetupRoutes(router)
	return router
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// TestHealthHandler testa o endpoint de health check
func TestHealthHandler(t *testing.T) {
	// Arrange
	memStorage := storage.NewMemoryStorage(nil)
	defer memStorage.Close()

	handlers := NewHandlers(nil, memStorage, newMockLogger())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", handlers.HealthHandler)

	// Act
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "healthy", response["status"])
	assert.Equal(t, "Rate Guard API", response["service"])
	assert.Equal(t, "up", response["storage"])
	assert.NotEmpty(t, response["timestamp"])
	assert.Contains(t, response, "uptime")
	assert.Contains(t, response, "system")
}

// TestHealthHandler_StorageDown testa o health check com storage indisponível
func TestHealthHandler_StorageDown(t *testing.T) {
	// Arrange
	handlers := NewHandlers(nil, unhealthyStorage{}, newMockLogger())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", handlers.HealthHandler)

	// Act
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "degraded", response["status"])
	assert.Equal(t, "down", response["storage"])
}

// TestPingHandler testa o endpoint interno de smoke check
func TestPingHandler(t *testing.T) {
	// Arrange
	handlers := NewHandlers(nil, nil, newMockLogger())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/internal/ping", handlers.PingHandler)

	// Act
	req := httptest.NewRequest("GET", "/api/internal/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")
}

// TestEventListHandler testa a listagem de eventos
func TestEventListHandler(t *testing.T) {
	// Arrange
	handlers := NewHandlers(nil, nil, newMockLogger())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/events", handlers.EventListHandler)

	// Act
	req := httptest.NewRequest("GET", "/api/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)

	events, ok := response["events"].([]interface{})
	assert.True(t, ok)
	assert.Len(t, events, 3)
}

// TestEventRegisterHandler testa a inscrição em eventos
func TestEventRegisterHandler(t *testing.T) {
	// Arrange
	handlers := NewHandlers(nil, nil, newMockLogger())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/events/:id/register", handlers.EventRegisterHandler)

	// Act
	req := httptest.NewRequest("POST", "/api/events/evt-002/register", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusCreated, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "evt-002", response["event_id"])
	assert.Equal(t, "confirmed", response["status"])
	assert.NotEmpty(t, response["registration_id"])
}

// TestLoginHandler testa o endpoint de login de demonstração
func TestLoginHandler(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "Should authenticate valid credentials",
			body:           `{"username": "demo", "password": "demo123"}`,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Should reject wrong password",
			body:           `{"username": "demo", "password": "wrong"}`,
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "invalid_credentials",
		},
		{
			name:           "Should reject unknown user",
			body:           `{"username": "ghost", "password": "demo123"}`,
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "invalid_credentials",
		},
		{
			name:           "Should reject invalid body",
			body:           `{"username": "demo"}`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			handlers := NewHandlers(nil, nil, newMockLogger())

			gin.SetMode(gin.TestMode)
			router := gin.New()
			router.POST("/api/auth/login", handlers.LoginHandler)

			// Act
			req := httptest.NewRequest("POST", "/api/auth/login", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			// Assert
			assert.Equal(t, tt.expectedStatus, w.Code)

			var response map[string]interface{}
			err := json.Unmarshal(w.Body.Bytes(), &response)
			assert.NoError(t, err)

			if tt.expectedError != "" {
				assert.Equal(t, tt.expectedError, response["error"])
				return
			}

			assert.NotEmpty(t, response["token"])
			assert.Equal(t, float64(3600), response["expires_in"])
		})
	}
}

// TestAdminStatusHandler testa o endpoint de status administrativo
func TestAdminStatusHandler(t *testing.T) {
	tests := []struct {
		name           string
		queryParams    string
		mockSetup      func(*MockRateLimiter)
		expectedStatus int
		expectedFields []string
	}{
		{
			name:        "Should return status for IP identity",
			queryParams: "?policy=event_browse&ip=192.168.1.1",
			mockSetup: func(service *MockRateLimiter) {
				status := &domain.PolicyStatus{
					PolicyName: "event_browse",
					Key:        "rate:browse:ip:192.168.1.1:api_events",
					Count:      5,
					Limit:      120,
					Remaining:  115,
					ResetTime:  time.Now().Add(30 * time.Second),
				}
				service.On("Status", mock.Anything, domain.Identity{IP: "192.168.1.1"}, "event_browse").Return(status, nil)
			},
			expectedStatus: http.StatusOK,
			expectedFields: []string{"policy", "key", "current", "limit", "remaining", "reset_time", "is_blocked"},
		},
		{
			name:        "Should return status for user identity with role",
			queryParams: "?policy=event_registration&user=usr-42&role=student",
			mockSetup: func(service *MockRateLimiter) {
				status := &domain.PolicyStatus{
					PolicyName: "event_registration",
					Key:        "rate:registration:user:usr-42:api_events_id_register",
					Count:      99,
					Limit:      100,
					Remaining:  1,
					ResetTime:  time.Now().Add(10 * time.Second),
				}
				service.On("Status", mock.Anything, domain.Identity{UserID: "usr-42", Role: "student"}, "event_registration").Return(status, nil)
			},
			expectedStatus: http.StatusOK,
			expectedFields: []string{"policy", "key", "current", "limit", "remaining", "reset_time", "is_blocked"},
		},
		{
			name:        "Should include block details for blocked identity",
			queryParams: "?policy=event_browse&ip=192.168.1.66",
			mockSetup: func(service *MockRateLimiter) {
				status := &domain.PolicyStatus{
					PolicyName:   "event_browse",
					Key:          "rate:browse:ip:192.168.1.66:api_events",
					Count:        0,
					Limit:        120,
					Remaining:    120,
					Blocked:      true,
					BlockedUntil: timePtr(time.Now().Add(12 * time.Hour)),
					BlockReason:  domain.BlockReasonAuto,
				}
				service.On("Status", mock.Anything, domain.Identity{IP: "192.168.1.66"}, "event_browse").Return(status, nil)
			},
			expectedStatus: http.StatusOK,
			expectedFields: []string{"policy", "is_blocked", "blocked_until", "block_reason"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			mockService := new(MockRateLimiter)
			tt.mockSetup(mockService)

			handlers := NewHandlers(mockService, nil, newMockLogger())
			router := setupTestRouter(handlers)

			// Act
			req := httptest.NewRequest("GET", "/admin/status"+tt.queryParams, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			// Assert
			assert.Equal(t, tt.expectedStatus, w.Code)

			var response map[string]interface{}
			err := json.Unmarshal(w.Body.Bytes(), &response)
			assert.NoError(t, err)

			for _, field := range tt.expectedFields {
				assert.Contains(t, response, field)
			}

			mockService.AssertExpectations(t)
		})
	}
}

// TestAdminStatusHandler_ValidationErrors testa validação de parâmetros
func TestAdminStatusHandler_ValidationErrors(t *testing.T) {
	tests := []struct {
		name           string
		queryParams    string
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "Should require policy parameter",
			queryParams:    "?ip=192.168.1.1",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "policy parameter is required",
		},
		{
			name:           "Should require ip or user parameter",
			queryParams:    "?policy=event_browse",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "either ip or user parameter is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			mockService := new(MockRateLimiter)

			handlers := NewHandlers(mockService, nil, newMockLogger())
			router := setupTestRouter(handlers)

			// Act
			req := httptest.NewRequest("GET", "/admin/status"+tt.queryParams, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			// Assert
			assert.Equal(t, tt.expectedStatus, w.Code)

			var response map[string]interface{}
			err := json.Unmarshal(w.Body.Bytes(), &response)
			assert.NoError(t, err)
			assert.Equal(t, "validation_error", response["error"])
			assert.Contains(t, response["message"], tt.expectedError)
		})
	}
}

// TestAdminStatusHandler_PolicyNotFound testa consulta de política inexistente
func TestAdminStatusHandler_PolicyNotFound(t *testing.T) {
	// Arrange
	mockService := new(MockRateLimiter)
	mockService.On("Status", mock.Anything, mock.Anything, "ghost_policy").Return(nil, domain.ErrPolicyNotFound)

	handlers := NewHandlers(mockService, nil, newMockLogger())
	router := setupTestRouter(handlers)

	// Act
	req := httptest.NewRequest("GET", "/admin/status?policy=ghost_policy&ip=192.168.1.1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "policy_not_found")

	mockService.AssertExpectations(t)
}

// TestAdminResetHandler testa o endpoint de reset administrativo
func TestAdminResetHandler(t *testing.T) {
	// Arrange
	mockService := new(MockRateLimiter)
	mockService.On("Reset", mock.Anything, domain.Identity{IP: "192.168.1.1", Route: "/api/events"}, "event_browse").Return(nil)

	handlers := NewHandlers(mockService, nil, newMockLogger())
	router := setupTestRouter(handlers)

	body := `{"policy": "event_browse", "ip": "192.168.1.1", "route": "/api/events"}`

	// Act
	req := httptest.NewRequest("POST", "/admin/reset", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "success", response["status"])
	assert.Equal(t, "event_browse", response["policy"])

	mockService.AssertExpectations(t)
}

// TestAdminBlockHandler testa o bloqueio manual de IP
func TestAdminBlockHandler(t *testing.T) {
	tests := []struct {
		name             string
		body             string
		expectedReason   string
		expectedDuration time.Duration
	}{
		{
			name:             "Should block with explicit duration",
			body:             `{"ip": "203.0.113.40", "reason": "suspicious_activity", "durationHours": 12}`,
			expectedReason:   "suspicious_activity",
			expectedDuration: 12 * time.Hour,
		},
		{
			name:             "Should default to 24 hour duration",
			body:             `{"ip": "203.0.113.40"}`,
			expectedReason:   "",
			expectedDuration: 24 * time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			mockService := new(MockRateLimiter)
			mockService.On("BlockIP", mock.Anything, "203.0.113.40", tt.expectedReason, tt.expectedDuration).Return(nil)

			handlers := NewHandlers(mockService, nil, newMockLogger())
			router := setupTestRouter(handlers)

			// Act
			req := httptest.NewRequest("POST", "/admin/block", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			// Assert
			assert.Equal(t, http.StatusOK, w.Code)

			var response map[string]interface{}
			err := json.Unmarshal(w.Body.Bytes(), &response)
			assert.NoError(t, err)
			assert.Equal(t, "success", response["status"])
			assert.Equal(t, "203.0.113.40", response["ip"])
			assert.NotEmpty(t, response["expires_at"])

			mockService.AssertExpectations(t)
		})
	}
}

// TestAdminUnblockHandler testa o desbloqueio manual de IP
func TestAdminUnblockHandler(t *testing.T) {
	// Arrange
	mockService := new(MockRateLimiter)
	mockService.On("UnblockIP", mock.Anything, "203.0.113.40").Return(nil)

	handlers := NewHandlers(mockService, nil, newMockLogger())
	router := setupTestRouter(handlers)

	// Act
	req := httptest.NewRequest("POST", "/admin/unblock", bytes.NewBufferString(`{"ip": "203.0.113.40"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "success", response["status"])

	mockService.AssertExpectations(t)
}

// TestMetricsHandler testa a exposição de métricas Prometheus
func TestMetricsHandler(t *testing.T) {
	// Arrange
	mockService := new(MockRateLimiter)
	handlers := NewHandlers(mockService, nil, newMockLogger())
	router := setupTestRouter(handlers)

	// Act
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
}
