package domain

import (
	"context"
	"time"
)

// NoTTL indica uma chave existente sem expiração atribuída
const NoTTL time.Duration = -1

// CounterStore define a interface para o armazenamento compartilhado de
// contadores, bloqueios e violações. Implementa o Strategy Pattern para
// permitir backends intercambiáveis (Redis, memória)
type CounterStore interface {
	// IncrementAndGet incrementa o contador da chave e retorna o novo valor
	// e o TTL restante. O TTL é atribuído somente na transição 0->1, na
	// mesma operação atômica do incremento
	IncrementAndGet(ctx context.Context, key string, window time.Duration) (int, time.Duration, error)

	// Peek retorna o valor atual do contador e o TTL restante sem modificá-los
	Peek(ctx context.Context, key string) (int, time.Duration, error)

	// Delete remove uma chave do armazenamento
	Delete(ctx context.Context, key string) error

	// TTL retorna o tempo de vida restante de uma chave; NoTTL indica chave
	// sem expiração e ErrKeyNotFound chave inexistente
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Expire atribui um TTL a uma chave existente
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ScanPrefix lista as chaves do subsistema que começam com o prefixo
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// SetBlock registra um bloqueio de IP com motivo e duração
	SetBlock(ctx context.Context, ip, reason string, duration time.Duration) error

	// GetBlock consulta o bloqueio ativo de um IP; nil indica IP não bloqueado
	GetBlock(ctx context.Context, ip string) (*BlockEntry, error)

	// DeleteBlock remove o bloqueio ativo de um IP
	DeleteBlock(ctx context.Context, ip string) error

	// Health verifica se o storage está saudável
	Health(ctx context.Context) error

	// Close fecha a conexão com o storage
	Close() error
}

// RateLimiter define a interface do serviço de rate limiting e mitigação
// de abuso, consumida pelo middleware HTTP e pelos endpoints administrativos
type RateLimiter interface {
	// Check executa o fluxo completo de decisão para uma identidade:
	// bypass, block list, concorrência, política e modificador adaptativo.
	// Indisponibilidade do storage é resolvida pelo fail mode da política
	Check(ctx context.Context, identity Identity) Decision

	// Status retorna o estado atual de uma identidade em uma política
	Status(ctx context.Context, identity Identity, policyName string) (*PolicyStatus, error)

	// Reset limpa os contadores de uma identidade em uma política
	Reset(ctx context.Context, identity Identity, policyName string) error

	// BlockIP registra um bloqueio manual de IP
	BlockIP(ctx context.Context, ip, reason string, duration time.Duration) error

	// UnblockIP remove um bloqueio de IP
	UnblockIP(ctx context.Context, ip string) error
}

// Logger define a interface para logging estruturado
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	WithContext(ctx context.Context) Logger
}
