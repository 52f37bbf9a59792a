package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"rate-guard/internal/domain"
	"rate-guard/internal/metrics"
)

func newTestCollector(store domain.CounterStore) *GarbageCollector {
	policies := []domain.PolicyConfig{{
		Name:          "browse",
		KeyPrefix:     "rate:browse",
		Routes:        []string{"/api/events"},
		WindowSeconds: 60,
		MaxRequests:   100,
		FailMode:      domain.FailOpen,
		CountMode:     domain.CountAll,
	}}

	return NewGarbageCollector(
		store,
		policies,
		24*time.Hour,
		time.Hour,
		1000,
		metrics.New(prometheus.NewRegistry()),
		newQuietLogger(),
	)
}

// TestGarbageCollector_Sweep_RepairsOrphansOnce testa que chaves sem TTL
// recebem a janela da política e que a varredura seguinte não as toca
func TestGarbageCollector_Sweep_RepairsOrphansOnce(t *testing.T) {
	// Arrange
	mockStorage := new(MockStorage)
	gc := newTestCollector(mockStorage)
	ctx := context.Background()

	orphan := "rate:browse:ip:203.0.113.1:api_events"
	healthy := "rate:browse:ip:203.0.113.2:api_events"
	orphanViolation := "violation:ip:203.0.113.1"

	mockStorage.On("ScanPrefix", ctx, "rate:browse").
		Return([]string{orphan, healthy}, nil).Twice()
	mockStorage.On("ScanPrefix", ctx, "violation").
		Return([]string{orphanViolation}, nil).Twice()

	// Primeira varredura encontra os órfãos, a segunda os vê com TTL
	mockStorage.On("TTL", ctx, orphan).Return(domain.NoTTL, nil).Once()
	mockStorage.On("TTL", ctx, orphan).Return(60*time.Second, nil).Once()
	mockStorage.On("TTL", ctx, healthy).Return(30*time.Second, nil).Twice()
	mockStorage.On("TTL", ctx, orphanViolation).Return(domain.NoTTL, nil).Once()
	mockStorage.On("TTL", ctx, orphanViolation).Return(24*time.Hour, nil).Once()

	mockStorage.On("Expire", ctx, orphan, 60*time.Second).Return(nil).Once()
	mockStorage.On("Expire", ctx, orphanViolation, 24*time.Hour).Return(nil).Once()

	// Act
	firstPass := gc.Sweep(ctx)
	secondPass := gc.Sweep(ctx)

	// Assert
	assert.Equal(t, 2, firstPass)
	assert.Equal(t, 0, secondPass)
	mockStorage.AssertExpectations(t)
	mockStorage.AssertNumberOfCalls(t, "Expire", 2)
}

// TestGarbageCollector_Sweep_SkipsVanishedKeys testa que chaves expiradas
// entre o scan e a consulta de TTL são ignoradas
func TestGarbageCollector_Sweep_SkipsVanishedKeys(t *testing.T) {
	// Arrange
	mockStorage := new(MockStorage)
	gc := newTestCollector(mockStorage)
	ctx := context.Background()

	vanished := "rate:browse:ip:203.0.113.3:api_events"

	mockStorage.On("ScanPrefix", ctx, "rate:browse").Return([]string{vanished}, nil).Once()
	mockStorage.On("ScanPrefix", ctx, "violation").Return([]string{}, nil).Once()
	mockStorage.On("TTL", ctx, vanished).Return(time.Duration(0), domain.ErrKeyNotFound).Once()

	// Act
	repaired := gc.Sweep(ctx)

	// Assert
	assert.Equal(t, 0, repaired)
	mockStorage.AssertExpectations(t)
	mockStorage.AssertNotCalled(t, "Expire", mock.Anything, mock.Anything, mock.Anything)
}

// TestGarbageCollector_Sweep_ContinuesAfterScanFailure testa que a falha em
// um prefixo não interrompe a varredura dos demais
func TestGarbageCollector_Sweep_ContinuesAfterScanFailure(t *testing.T) {
	// Arrange
	mockStorage := new(MockStorage)
	gc := newTestCollector(mockStorage)
	ctx := context.Background()

	orphanViolation := "violation:ip:203.0.113.4"

	mockStorage.On("ScanPrefix", ctx, "rate:browse").
		Return(nil, domain.ErrStoreUnavailable).Once()
	mockStorage.On("ScanPrefix", ctx, "violation").
		Return([]string{orphanViolation}, nil).Once()
	mockStorage.On("TTL", ctx, orphanViolation).Return(domain.NoTTL, nil).Once()
	mockStorage.On("Expire", ctx, orphanViolation, 24*time.Hour).Return(nil).Once()

	// Act
	repaired := gc.Sweep(ctx)

	// Assert
	assert.Equal(t, 1, repaired)
	mockStorage.AssertExpectations(t)
}

// TestGarbageCollector_Run_StopsOnCancel testa o encerramento pelo contexto
func TestGarbageCollector_Run_StopsOnCancel(t *testing.T) {
	// Arrange
	mockStorage := new(MockStorage)
	gc := newTestCollector(mockStorage)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		gc.Run(ctx)
		close(done)
	}()

	// Act
	cancel()

	// Assert
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("garbage collector did not stop after context cancellation")
	}
}
