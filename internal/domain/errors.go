package domain

import (
	"errors"
	"fmt"
)

// Erros sentinela do subsistema
var (
	// ErrStoreUnavailable indica falha de comunicação com o armazenamento
	// compartilhado; o fail mode da política decide o destino da requisição
	ErrStoreUnavailable = errors.New("counter store unavailable")

	// ErrKeyNotFound indica que a chave não existe no armazenamento
	ErrKeyNotFound = errors.New("key not found")

	// ErrPolicyNotFound indica que a política solicitada não está registrada
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrInvalidConfig indica configuração inválida detectada na inicialização
	ErrInvalidConfig = errors.New("invalid rate limiter configuration")
)

// WrapStoreError marca uma falha de infraestrutura como indisponibilidade do
// storage, preservando a operação e a causa original na mensagem
func WrapStoreError(operation string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, operation, err)
}

// IsStoreUnavailable indica se o erro representa indisponibilidade do storage
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsKeyNotFound indica se o erro representa chave inexistente
func IsKeyNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
