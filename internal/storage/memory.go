package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"rate-guard/internal/domain"
)

// counterEntry representa um contador em memória com expiração explícita.
// expiresAt zero indica contador sem TTL atribuído
type counterEntry struct {
	count     int
	expiresAt time.Time
}

func (e *counterEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// blockRecord representa um bloqueio de IP em memória
type blockRecord struct {
	reason    string
	expiresAt time.Time
}

// MemoryStorage implementa a interface domain.CounterStore usando memória.
// Útil para desenvolvimento e testes; não compartilha estado entre processos
type MemoryStorage struct {
	counters map[string]*counterEntry
	blocks   map[string]blockRecord
	mutex    sync.RWMutex
	logger   domain.Logger
}

// NewMemoryStorage cria uma nova instância do MemoryStorage
func NewMemoryStorage(logger domain.Logger) *MemoryStorage {
	storage := &MemoryStorage{
		counters: make(map[string]*counterEntry),
		blocks:   make(map[string]blockRecord),
		logger:   logger,
	}

	// Inicia goroutine de limpeza
	go storage.cleanup()

	if logger != nil {
		logger.Info("Memory storage initialized", nil)
	}

	return storage
}

// IncrementAndGet incrementa o contador da chave e retorna o novo valor e o
// TTL restante. Criação, incremento e atribuição de TTL acontecem na mesma
// seção crítica, espelhando o script atômico do backend Redis
func (m *MemoryStorage) IncrementAndGet(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()

	entry, exists := m.counters[key]
	if exists && entry.expired(now) {
		delete(m.counters, key)
		exists = false
	}

	if !exists {
		entry = &counterEntry{count: 0, expiresAt: now.Add(window)}
		m.counters[key] = entry
	}

	// Contadores pré-existentes sem TTL recebem a janela da política
	if entry.expiresAt.IsZero() {
		entry.expiresAt = now.Add(window)
	}

	entry.count++

	m.logStorageOperation("INCREMENT", key, true, time.Since(start).Seconds()*1000, nil)
	return entry.count, entry.expiresAt.Sub(now), nil
}

// Peek retorna o valor atual do contador e o TTL restante sem modificá-los.
// Chave inexistente ou expirada equivale a contador zerado
func (m *MemoryStorage) Peek(ctx context.Context, key string) (int, time.Duration, error) {
	start := time.Now()

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	now := time.Now()

	entry, exists := m.counters[key]
	if !exists || entry.expired(now) {
		m.logStorageOperation("PEEK", key, true, time.Since(start).Seconds()*1000, nil)
		return 0, 0, nil
	}

	ttl := time.Duration(0)
	if !entry.expiresAt.IsZero() {
		ttl = entry.expiresAt.Sub(now)
	}

	m.logStorageOperation("PEEK", key, true, time.Since(start).Seconds()*1000, nil)
	return entry.count, ttl, nil
}

// Delete remove uma chave do armazenamento
func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.counters, key)

	m.logStorageOperation("DELETE", key, true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// TTL retorna o tempo de vida restante de uma chave; NoTTL indica chave sem
// expiração e ErrKeyNotFound chave inexistente ou já expirada
func (m *MemoryStorage) TTL(ctx context.Context, key string) (time.Duration, error) {
	start := time.Now()

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	now := time.Now()

	entry, exists := m.counters[key]
	if !exists || entry.expired(now) {
		m.logStorageOperation("TTL", key, true, time.Since(start).Seconds()*1000, nil)
		return 0, domain.ErrKeyNotFound
	}

	m.logStorageOperation("TTL", key, true, time.Since(start).Seconds()*1000, nil)

	if entry.expiresAt.IsZero() {
		return domain.NoTTL, nil
	}
	return entry.expiresAt.Sub(now), nil
}

// Expire atribui um TTL a uma chave existente
func (m *MemoryStorage) Expire(ctx context.Context, key string, ttl time.Duration) error {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()

	entry, exists := m.counters[key]
	if !exists || entry.expired(now) {
		m.logStorageOperation("EXPIRE", key, true, time.Since(start).Seconds()*1000, nil)
		return domain.ErrKeyNotFound
	}

	entry.expiresAt = now.Add(ttl)

	m.logStorageOperation("EXPIRE", key, true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// ScanPrefix lista as chaves que começam com o prefixo, ignorando expiradas
func (m *MemoryStorage) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	now := time.Now()

	var keys []string
	for key, entry := range m.counters {
		if strings.HasPrefix(key, prefix) && !entry.expired(now) {
			keys = append(keys, key)
		}
	}

	m.logStorageOperation("SCAN", prefix, true, time.Since(start).Seconds()*1000, nil)
	return keys, nil
}

// SetBlock registra um bloqueio de IP com motivo e duração
func (m *MemoryStorage) SetBlock(ctx context.Context, ip, reason string, duration time.Duration) error {
	start := time.Now()
	key := blockKey(ip)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.blocks[key] = blockRecord{
		reason:    reason,
		expiresAt: time.Now().Add(duration),
	}

	m.logStorageOperation("SET_BLOCK", key, true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// GetBlock consulta o bloqueio ativo de um IP; nil indica IP não bloqueado
func (m *MemoryStorage) GetBlock(ctx context.Context, ip string) (*domain.BlockEntry, error) {
	start := time.Now()
	key := blockKey(ip)

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	record, exists := m.blocks[key]
	if !exists || time.Now().After(record.expiresAt) {
		m.logStorageOperation("GET_BLOCK", key, true, time.Since(start).Seconds()*1000, nil)
		return nil, nil
	}

	m.logStorageOperation("GET_BLOCK", key, true, time.Since(start).Seconds()*1000, nil)
	return &domain.BlockEntry{
		IP:        ip,
		Reason:    record.reason,
		ExpiresAt: record.expiresAt,
	}, nil
}

// DeleteBlock remove o bloqueio ativo de um IP
func (m *MemoryStorage) DeleteBlock(ctx context.Context, ip string) error {
	start := time.Now()
	key := blockKey(ip)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.blocks, key)

	m.logStorageOperation("DELETE_BLOCK", key, true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// Health verifica se o storage está saudável
func (m *MemoryStorage) Health(ctx context.Context) error {
	start := time.Now()

	m.mutex.RLock()
	countersSize := len(m.counters)
	blocksSize := len(m.blocks)
	m.mutex.RUnlock()

	if m.logger != nil {
		m.logger.Debug("Memory storage health check", map[string]interface{}{
			"counter_entries": countersSize,
			"block_entries":   blocksSize,
		})
	}

	m.logStorageOperation("HEALTH", "check", true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// Close fecha o storage (limpa os dados em memória)
func (m *MemoryStorage) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.counters = make(map[string]*counterEntry)
	m.blocks = make(map[string]blockRecord)

	if m.logger != nil {
		m.logger.Info("Memory storage closed", nil)
	}
	return nil
}

// cleanup remove entradas expiradas periodicamente
func (m *MemoryStorage) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		m.cleanupExpiredEntries()
	}
}

// cleanupExpiredEntries remove contadores e bloqueios expirados
func (m *MemoryStorage) cleanupExpiredEntries() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()
	removedCounters := 0
	removedBlocks := 0

	for key, entry := range m.counters {
		if entry.expired(now) {
			delete(m.counters, key)
			removedCounters++
		}
	}

	for key, record := range m.blocks {
		if now.After(record.expiresAt) {
			delete(m.blocks, key)
			removedBlocks++
		}
	}

	if (removedCounters > 0 || removedBlocks > 0) && m.logger != nil {
		m.logger.Debug("Memory storage cleanup completed", map[string]interface{}{
			"removed_counters": removedCounters,
			"removed_blocks":   removedBlocks,
		})
	}
}

// GetStats retorna estatísticas do storage em memória
func (m *MemoryStorage) GetStats() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return map[string]interface{}{
		"counter_entries": len(m.counters),
		"block_entries":   len(m.blocks),
		"type":            "memory",
	}
}

// logStorageOperation registra operações de storage
func (m *MemoryStorage) logStorageOperation(operation, key string, success bool, latency float64, err error) {
	if m.logger == nil {
		return
	}

	if success {
		m.logger.Debug("Storage operation completed", map[string]interface{}{
			"operation": operation,
			"key":       key,
			"latency":   latency,
		})
	} else {
		m.logger.Error("Storage operation failed", err, map[string]interface{}{
			"operation": operation,
			"key":       key,
			"latency":   latency,
		})
	}
}
