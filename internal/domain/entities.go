package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DecisionReason identifica o motivo de uma decisão do rate limiter
type DecisionReason string

const (
	ReasonAllowed             DecisionReason = "allowed"
	ReasonQuotaExceeded       DecisionReason = "quota_exceeded"
	ReasonConcurrencyExceeded DecisionReason = "concurrency_exceeded"
	ReasonBlocked             DecisionReason = "blocked"
	ReasonBypassed            DecisionReason = "bypassed"
	ReasonSkipped             DecisionReason = "skipped"
	ReasonFailOpen            DecisionReason = "fail_open"
	ReasonFailClosed          DecisionReason = "fail_closed"
)

// FailMode define o comportamento de uma política quando o storage está indisponível
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// CountMode define quais respostas contam para a cota de uma política
type CountMode string

const (
	CountAll       CountMode = "all"
	CountFailures  CountMode = "failures"
	CountSuccesses CountMode = "successes"
)

// Motivos de bloqueio registrados na block list
const (
	BlockReasonAuto   = "auto_blocked"
	BlockReasonManual = "manual_block"
)

// Identity representa a identidade de uma requisição para fins de rate limiting.
// UserID vazio indica requisição anônima, contabilizada por IP
type Identity struct {
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role"`
	IP     string `json:"ip"`
	Route  string `json:"route"`
}

// Authenticated indica se a identidade possui um usuário resolvido
func (i Identity) Authenticated() bool {
	return i.UserID != ""
}

// Component retorna o componente de identidade usado nas chaves de contador:
// usuários autenticados contam por usuário, anônimos por IP
func (i Identity) Component() string {
	if i.Authenticated() {
		return "user:" + i.UserID
	}
	return "ip:" + i.IP
}

// PolicyConfig define uma política de rate limiting carregada na inicialização.
// Imutável após a validação; Routes determina a resolução (primeira política
// registrada que cobre a rota vence, "*" serve de catch-all)
type PolicyConfig struct {
	Name          string         `json:"name"`
	KeyPrefix     string         `json:"keyPrefix"`
	Routes        []string       `json:"routes"`
	WindowSeconds int            `json:"windowSeconds"`
	MaxRequests   int            `json:"maxRequests"`
	RoleQuotas    map[string]int `json:"roleQuotas,omitempty"`
	SkipRoles     []string       `json:"skipRoles,omitempty"`
	Adaptive      bool           `json:"adaptive"`
	FailMode      FailMode       `json:"failMode"`
	CountMode     CountMode      `json:"countMode"`
}

// Window retorna a janela da política como duração
func (p PolicyConfig) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// QuotaFor resolve a cota base para um papel; papéis desconhecidos recebem
// o limite padrão, que é o mais restritivo
func (p PolicyConfig) QuotaFor(role string) int {
	if quota, ok := p.RoleQuotas[role]; ok {
		return quota
	}
	return p.MaxRequests
}

// ShouldSkip indica se a política isenta a identidade (papéis em SkipRoles)
func (p PolicyConfig) ShouldSkip(identity Identity) bool {
	for _, role := range p.SkipRoles {
		if role == identity.Role {
			return true
		}
	}
	return false
}

// AppliesTo indica se a política cobre a rota informada
func (p PolicyConfig) AppliesTo(route string) bool {
	for _, r := range p.Routes {
		if r == route || r == "*" {
			return true
		}
	}
	return false
}

// Normalize aplica os padrões dos campos opcionais da política
func (p *PolicyConfig) Normalize() {
	if p.FailMode == "" {
		p.FailMode = FailOpen
	}
	if p.CountMode == "" {
		p.CountMode = CountAll
	}
	if len(p.Routes) == 0 {
		p.Routes = []string{"*"}
	}
}

// ValidatePolicies valida uma tabela de políticas. Nomes ou prefixos
// duplicados e cotas não positivas são erros de configuração
func ValidatePolicies(policies []PolicyConfig) error {
	names := make(map[string]bool)
	prefixes := make(map[string]bool)

	for _, policy := range policies {
		if policy.Name == "" {
			return fmt.Errorf("%w: policy name cannot be empty", ErrInvalidConfig)
		}
		if names[policy.Name] {
			return fmt.Errorf("%w: duplicate policy name %s", ErrInvalidConfig, policy.Name)
		}
		names[policy.Name] = true

		if policy.KeyPrefix == "" {
			return fmt.Errorf("%w: policy %s must define a key prefix", ErrInvalidConfig, policy.Name)
		}
		if strings.ContainsAny(policy.KeyPrefix, " \t") {
			return fmt.Errorf("%w: policy %s key prefix cannot contain spaces", ErrInvalidConfig, policy.Name)
		}
		if prefixes[policy.KeyPrefix] {
			return fmt.Errorf("%w: duplicate key prefix %s", ErrInvalidConfig, policy.KeyPrefix)
		}
		prefixes[policy.KeyPrefix] = true

		if policy.WindowSeconds <= 0 {
			return fmt.Errorf("%w: policy %s window must be greater than 0", ErrInvalidConfig, policy.Name)
		}
		if policy.MaxRequests <= 0 {
			return fmt.Errorf("%w: policy %s max requests must be greater than 0", ErrInvalidConfig, policy.Name)
		}

		for role, quota := range policy.RoleQuotas {
			if quota <= 0 {
				return fmt.Errorf("%w: policy %s quota for role %s must be greater than 0", ErrInvalidConfig, policy.Name, role)
			}
		}

		if policy.FailMode != FailOpen && policy.FailMode != FailClosed {
			return fmt.Errorf("%w: policy %s has invalid fail mode %s", ErrInvalidConfig, policy.Name, policy.FailMode)
		}

		switch policy.CountMode {
		case CountAll, CountFailures, CountSuccesses:
		default:
			return fmt.Errorf("%w: policy %s has invalid count mode %s", ErrInvalidConfig, policy.Name, policy.CountMode)
		}
	}

	return nil
}

// Decision representa o resultado de uma verificação de rate limit.
// Negações são valores de decisão, nunca erros
type Decision struct {
	Allowed    bool           `json:"allowed"`
	Reason     DecisionReason `json:"reason"`
	PolicyName string         `json:"policyName,omitempty"`
	Limit      int            `json:"limit,omitempty"`
	Remaining  int            `json:"remaining,omitempty"`
	RetryAfter time.Duration  `json:"retryAfter,omitempty"`
	ResetTime  time.Time      `json:"resetTime,omitempty"`

	// OnComplete, quando presente, deve ser invocado exatamente uma vez
	// após a conclusão da requisição com o status HTTP final. Libera a
	// vaga de concorrência e aplica contagens adiadas
	OnComplete func(ctx context.Context, statusCode int) `json:"-"`
}

// Complete invoca o hook de conclusão quando presente
func (d *Decision) Complete(ctx context.Context, statusCode int) {
	if d.OnComplete != nil {
		d.OnComplete(ctx, statusCode)
	}
}

// PolicyStatus representa o estado atual de uma identidade em uma política
type PolicyStatus struct {
	PolicyName   string     `json:"policyName"`
	Key          string     `json:"key"`
	Count        int        `json:"count"`
	Limit        int        `json:"limit"`
	Remaining    int        `json:"remaining"`
	ResetTime    time.Time  `json:"resetTime"`
	Blocked      bool       `json:"blocked"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
	BlockReason  string     `json:"blockReason,omitempty"`
}

// BlockEntry representa um bloqueio ativo de IP na block list
type BlockEntry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SecurityEventKind identifica o tipo de evento de segurança emitido
type SecurityEventKind string

const (
	EventViolation SecurityEventKind = "violation"
	EventAutoBlock SecurityEventKind = "auto_block"
	EventBypass    SecurityEventKind = "bypass"
)

// SecurityEvent representa um evento de segurança do subsistema,
// registrado no log estruturado e contabilizado nas métricas
type SecurityEvent struct {
	Kind       SecurityEventKind `json:"kind"`
	Identity   Identity          `json:"identity"`
	PolicyName string            `json:"policyName,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}
