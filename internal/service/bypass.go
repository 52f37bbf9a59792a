package service

import (
	"context"

	"rate-guard/internal/domain"
)

// Regras de bypass, na ordem de avaliação
const (
	BypassRulePrivilegedRole = "privileged_role"
	BypassRuleTrustedIP      = "trusted_ip"
	BypassRuleRequestFlag    = "request_flag"
)

// bypassFlagKey marca no contexto requisições isentas de rate limiting
type bypassFlagKey struct{}

// WithBypassFlag marca o contexto da requisição para pular o rate limiting.
// Usado por middlewares anteriores na cadeia (health checks internos, por
// exemplo), nunca por entrada do cliente
func WithBypassFlag(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassFlagKey{}, true)
}

// HasBypassFlag verifica se o contexto carrega a marca de bypass
func HasBypassFlag(ctx context.Context) bool {
	flag, ok := ctx.Value(bypassFlagKey{}).(bool)
	return ok && flag
}

// BypassResolver decide se uma identidade está isenta de rate limiting.
// Avaliado antes de qualquer mutação de contadores
type BypassResolver struct {
	privilegedRoles map[string]bool
	trustedIPs      map[string]bool
}

// NewBypassResolver cria uma nova instância do BypassResolver
func NewBypassResolver(privilegedRoles, trustedIPs []string) *BypassResolver {
	roles := make(map[string]bool, len(privilegedRoles))
	for _, role := range privilegedRoles {
		roles[role] = true
	}

	ips := make(map[string]bool, len(trustedIPs))
	for _, ip := range trustedIPs {
		ips[ip] = true
	}

	return &BypassResolver{
		privilegedRoles: roles,
		trustedIPs:      ips,
	}
}

// Resolve avalia as regras de bypass na ordem: papel privilegiado, IP
// confiável e flag de requisição. Retorna a regra aplicada quando alguma
// delas isenta a identidade
func (b *BypassResolver) Resolve(ctx context.Context, identity domain.Identity) (string, bool) {
	if b.privilegedRoles[identity.Role] {
		return BypassRulePrivilegedRole, true
	}
	if b.trustedIPs[identity.IP] {
		return BypassRuleTrustedIP, true
	}
	if HasBypassFlag(ctx) {
		return BypassRuleRequestFlag, true
	}
	return "", false
}
