package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"rate-guard/internal/domain"

	"github.com/go-redis/redis/v8"
)

// RedisStorage implementa a interface domain.CounterStore usando Redis
type RedisStorage struct {
	client redis.Cmdable
	logger domain.Logger
}

// NewRedisStorage cria uma nova instância do RedisStorage
func NewRedisStorage(host, port, password string, db int, logger domain.Logger) (*RedisStorage, error) {
	// Configura cliente Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,

		// Configurações de performance
		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	// Testa a conexão
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established", map[string]interface{}{
		"host": host,
		"port": port,
		"db":   db,
	})

	return &RedisStorage{
		client: rdb,
		logger: logger,
	}, nil
}

// IncrementAndGet incrementa o contador da chave e retorna o novo valor e o
// TTL restante. O TTL é atribuído na transição 0->1 dentro do mesmo script,
// eliminando a janela de corrida entre incremento e expiração
func (r *RedisStorage) IncrementAndGet(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	start := time.Now()

	// Script Lua para operação atômica
	script := `
		local key = KEYS[1]
		local window = tonumber(ARGV[1])

		local count = redis.call('INCR', key)
		if count == 1 then
			redis.call('PEXPIRE', key, window)
		end

		-- Chaves pré-existentes sem TTL recebem a janela da política
		local ttl = redis.call('PTTL', key)
		if ttl < 0 then
			redis.call('PEXPIRE', key, window)
			ttl = window
		end

		return {count, ttl}
	`

	result, err := r.client.Eval(ctx, script, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		r.logStorageOperation("INCREMENT", key, false, time.Since(start).Seconds()*1000, err)
		return 0, 0, domain.WrapStoreError(fmt.Sprintf("increment key %s", key), err)
	}

	// Parse do resultado
	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		err := fmt.Errorf("invalid result format")
		r.logStorageOperation("INCREMENT", key, false, time.Since(start).Seconds()*1000, err)
		return 0, 0, domain.WrapStoreError(fmt.Sprintf("increment key %s", key), err)
	}

	count, err := strconv.Atoi(fmt.Sprint(resultSlice[0]))
	if err != nil {
		r.logStorageOperation("INCREMENT", key, false, time.Since(start).Seconds()*1000, err)
		return 0, 0, domain.WrapStoreError(fmt.Sprintf("increment key %s", key), err)
	}

	ttlMs, err := strconv.ParseInt(fmt.Sprint(resultSlice[1]), 10, 64)
	if err != nil {
		r.logStorageOperation("INCREMENT", key, false, time.Since(start).Seconds()*1000, err)
		return 0, 0, domain.WrapStoreError(fmt.Sprintf("increment key %s", key), err)
	}

	r.logStorageOperation("INCREMENT", key, true, time.Since(start).Seconds()*1000, nil)
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

// Peek retorna o valor atual do contador e o TTL restante sem modificá-los.
// Chave inexistente equivale a contador zerado
func (r *RedisStorage) Peek(ctx context.Context, key string) (int, time.Duration, error) {
	start := time.Now()

	value, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			r.logStorageOperation("PEEK", key, true, time.Since(start).Seconds()*1000, nil)
			return 0, 0, nil
		}
		r.logStorageOperation("PEEK", key, false, time.Since(start).Seconds()*1000, err)
		return 0, 0, domain.WrapStoreError(fmt.Sprintf("peek key %s", key), err)
	}

	count, err := strconv.Atoi(value)
	if err != nil {
		r.logStorageOperation("PEEK", key, false, time.Since(start).Seconds()*1000, err)
		return 0, 0, domain.WrapStoreError(fmt.Sprintf("peek key %s", key), err)
	}

	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		r.logStorageOperation("PEEK", key, false, time.Since(start).Seconds()*1000, err)
		return 0, 0, domain.WrapStoreError(fmt.Sprintf("peek key %s", key), err)
	}
	if ttl < 0 {
		ttl = 0
	}

	r.logStorageOperation("PEEK", key, true, time.Since(start).Seconds()*1000, nil)
	return count, ttl, nil
}

// Delete remove uma chave do armazenamento
func (r *RedisStorage) Delete(ctx context.Context, key string) error {
	start := time.Now()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.logStorageOperation("DELETE", key, false, time.Since(start).Seconds()*1000, err)
		return domain.WrapStoreError(fmt.Sprintf("delete key %s", key), err)
	}

	r.logStorageOperation("DELETE", key, true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// TTL retorna o tempo de vida restante de uma chave. PTTL devolve -2 para
// chave inexistente e -1 para chave sem expiração
func (r *RedisStorage) TTL(ctx context.Context, key string) (time.Duration, error) {
	start := time.Now()

	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		r.logStorageOperation("TTL", key, false, time.Since(start).Seconds()*1000, err)
		return 0, domain.WrapStoreError(fmt.Sprintf("ttl key %s", key), err)
	}

	r.logStorageOperation("TTL", key, true, time.Since(start).Seconds()*1000, nil)

	// go-redis preserva as respostas especiais do PTTL: -2 chave inexistente,
	// -1 chave sem expiração
	switch ttl {
	case -2:
		return 0, domain.ErrKeyNotFound
	case domain.NoTTL:
		return domain.NoTTL, nil
	default:
		return ttl, nil
	}
}

// Expire atribui um TTL a uma chave existente
func (r *RedisStorage) Expire(ctx context.Context, key string, ttl time.Duration) error {
	start := time.Now()

	ok, err := r.client.PExpire(ctx, key, ttl).Result()
	if err != nil {
		r.logStorageOperation("EXPIRE", key, false, time.Since(start).Seconds()*1000, err)
		return domain.WrapStoreError(fmt.Sprintf("expire key %s", key), err)
	}
	if !ok {
		r.logStorageOperation("EXPIRE", key, true, time.Since(start).Seconds()*1000, nil)
		return domain.ErrKeyNotFound
	}

	r.logStorageOperation("EXPIRE", key, true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// ScanPrefix lista as chaves que começam com o prefixo usando cursores SCAN,
// sem bloquear o Redis com KEYS
func (r *RedisStorage) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()

	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			r.logStorageOperation("SCAN", prefix, false, time.Since(start).Seconds()*1000, err)
			return nil, domain.WrapStoreError(fmt.Sprintf("scan prefix %s", prefix), err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	r.logStorageOperation("SCAN", prefix, true, time.Since(start).Seconds()*1000, nil)
	return keys, nil
}

// SetBlock registra um bloqueio de IP com motivo e duração
func (r *RedisStorage) SetBlock(ctx context.Context, ip, reason string, duration time.Duration) error {
	start := time.Now()
	key := blockKey(ip)

	entry := domain.BlockEntry{
		IP:        ip,
		Reason:    reason,
		ExpiresAt: time.Now().Add(duration),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		r.logStorageOperation("SET_BLOCK", key, false, time.Since(start).Seconds()*1000, err)
		return fmt.Errorf("failed to marshal block entry for ip %s: %w", ip, err)
	}

	if err := r.client.Set(ctx, key, data, duration).Err(); err != nil {
		r.logStorageOperation("SET_BLOCK", key, false, time.Since(start).Seconds()*1000, err)
		return domain.WrapStoreError(fmt.Sprintf("set block %s", key), err)
	}

	r.logStorageOperation("SET_BLOCK", key, true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// GetBlock consulta o bloqueio ativo de um IP; nil indica IP não bloqueado
func (r *RedisStorage) GetBlock(ctx context.Context, ip string) (*domain.BlockEntry, error) {
	start := time.Now()
	key := blockKey(ip)

	result, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			r.logStorageOperation("GET_BLOCK", key, true, time.Since(start).Seconds()*1000, nil)
			return nil, nil
		}
		r.logStorageOperation("GET_BLOCK", key, false, time.Since(start).Seconds()*1000, err)
		return nil, domain.WrapStoreError(fmt.Sprintf("get block %s", key), err)
	}

	var entry domain.BlockEntry
	if err := json.Unmarshal([]byte(result), &entry); err != nil {
		r.logStorageOperation("GET_BLOCK", key, false, time.Since(start).Seconds()*1000, err)
		return nil, fmt.Errorf("failed to unmarshal block entry for ip %s: %w", ip, err)
	}

	r.logStorageOperation("GET_BLOCK", key, true, time.Since(start).Seconds()*1000, nil)
	return &entry, nil
}

// DeleteBlock remove o bloqueio ativo de um IP
func (r *RedisStorage) DeleteBlock(ctx context.Context, ip string) error {
	start := time.Now()
	key := blockKey(ip)

	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.logStorageOperation("DELETE_BLOCK", key, false, time.Since(start).Seconds()*1000, err)
		return domain.WrapStoreError(fmt.Sprintf("delete block %s", key), err)
	}

	r.logStorageOperation("DELETE_BLOCK", key, true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// Health verifica se o storage está saudável
func (r *RedisStorage) Health(ctx context.Context) error {
	start := time.Now()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.logStorageOperation("HEALTH", "ping", false, time.Since(start).Seconds()*1000, err)
		return domain.WrapStoreError("health check", err)
	}

	r.logStorageOperation("HEALTH", "ping", true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// Close fecha a conexão com o storage
func (r *RedisStorage) Close() error {
	if client, ok := r.client.(*redis.Client); ok {
		if err := client.Close(); err != nil {
			r.logger.Error("Failed to close Redis connection", err, nil)
			return err
		}
		r.logger.Info("Redis connection closed", nil)
	}
	return nil
}

// logStorageOperation registra operações de storage
func (r *RedisStorage) logStorageOperation(operation, key string, success bool, latency float64, err error) {
	if r.logger != nil {
		if success {
			r.logger.Debug("Storage operation completed", map[string]interface{}{
				"operation": operation,
				"key":       key,
				"latency":   latency,
			})
		} else {
			r.logger.Error("Storage operation failed", err, map[string]interface{}{
				"operation": operation,
				"key":       key,
				"latency":   latency,
			})
		}
	}
}
