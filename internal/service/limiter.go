package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rate-guard/internal/domain"
	"rate-guard/internal/metrics"
)

// RateLimiterService implementa a lógica de decisão do rate limiting e da
// mitigação de abuso. Separada do middleware HTTP, que apenas extrai a
// identidade e traduz decisões em respostas
type RateLimiterService struct {
	storage     domain.CounterStore
	policies    []domain.PolicyConfig
	adaptive    *AdaptiveModifier
	concurrency *ConcurrencyLimiter
	bypass      *BypassResolver
	violations  *ViolationTracker
	collectors  *metrics.Metrics
	logger      domain.Logger
}

// Options agrupa os parâmetros de construção do serviço
type Options struct {
	Policies               []domain.PolicyConfig
	PrivilegedRoles        []string
	TrustedIPs             []string
	MaxConcurrentRequests  int
	IPViolationThreshold   int
	UserViolationThreshold int
	ViolationWindow        time.Duration
	AutoBlockDuration      time.Duration
	PeakHours              []int
	BusinessStartHour      int
	BusinessEndHour        int
}

// NewRateLimiterService cria uma nova instância do serviço. A tabela de
// políticas e os demais parâmetros são validados aqui; configuração
// inválida impede a construção
func NewRateLimiterService(
	storage domain.CounterStore,
	opts Options,
	collectors *metrics.Metrics,
	logger domain.Logger,
) (*RateLimiterService, error) {
	policies := make([]domain.PolicyConfig, len(opts.Policies))
	copy(policies, opts.Policies)
	for i := range policies {
		policies[i].Normalize()
	}

	if err := domain.ValidatePolicies(policies); err != nil {
		return nil, err
	}

	if opts.MaxConcurrentRequests <= 0 {
		return nil, fmt.Errorf("%w: max concurrent requests must be greater than 0", domain.ErrInvalidConfig)
	}
	if opts.IPViolationThreshold <= 0 || opts.UserViolationThreshold <= 0 {
		return nil, fmt.Errorf("%w: violation thresholds must be greater than 0", domain.ErrInvalidConfig)
	}
	if opts.ViolationWindow <= 0 || opts.AutoBlockDuration <= 0 {
		return nil, fmt.Errorf("%w: violation window and auto block duration must be greater than 0", domain.ErrInvalidConfig)
	}
	if opts.BusinessStartHour < 0 || opts.BusinessEndHour > 24 || opts.BusinessStartHour >= opts.BusinessEndHour {
		return nil, fmt.Errorf("%w: business hours must satisfy 0 <= start < end <= 24", domain.ErrInvalidConfig)
	}

	return &RateLimiterService{
		storage:     storage,
		policies:    policies,
		adaptive:    NewAdaptiveModifier(opts.PeakHours, opts.BusinessStartHour, opts.BusinessEndHour),
		concurrency: NewConcurrencyLimiter(opts.MaxConcurrentRequests),
		bypass:      NewBypassResolver(opts.PrivilegedRoles, opts.TrustedIPs),
		violations: NewViolationTracker(
			storage,
			opts.IPViolationThreshold,
			opts.UserViolationThreshold,
			opts.ViolationWindow,
			opts.AutoBlockDuration,
			collectors,
			logger,
		),
		collectors: collectors,
		logger:     logger,
	}, nil
}

// Check executa o fluxo completo de decisão para uma identidade:
// bypass, block list, concorrência, resolução de política e cota
func (s *RateLimiterService) Check(ctx context.Context, identity domain.Identity) domain.Decision {
	start := time.Now()
	decision := s.evaluate(ctx, identity)
	s.observe(decision, time.Since(start))
	return decision
}

// evaluate percorre os estágios da decisão na ordem do fluxo de controle
func (s *RateLimiterService) evaluate(ctx context.Context, identity domain.Identity) domain.Decision {
	log := s.logger.WithContext(ctx)

	// Bypass é avaliado antes de qualquer mutação de estado
	if rule, ok := s.bypass.Resolve(ctx, identity); ok {
		s.collectors.BypassTotal.WithLabelValues(rule).Inc()
		emitSecurityEvent(ctx, s.logger, domain.SecurityEvent{
			Kind:       domain.EventBypass,
			Identity:   identity,
			Detail:     rule,
			OccurredAt: time.Now(),
		})
		return domain.Decision{Allowed: true, Reason: domain.ReasonBypassed}
	}

	// Identidades bloqueadas não acumulam contadores nem violações
	entry, err := s.storage.GetBlock(ctx, identity.IP)
	if err != nil {
		s.collectors.StoreErrorsTotal.WithLabelValues("get_block").Inc()
		log.Error("Failed to check block list", err, map[string]interface{}{
			"ip": identity.IP,
		})
		// Sem resposta da block list, o destino da requisição fica com o
		// fail mode da política, avaliado adiante
	} else if entry != nil {
		log.Info("Request denied by block list", map[string]interface{}{
			"ip":            identity.IP,
			"reason":        entry.Reason,
			"blocked_until": entry.ExpiresAt,
		})
		return domain.Decision{
			Allowed:    false,
			Reason:     domain.ReasonBlocked,
			RetryAfter: time.Until(entry.ExpiresAt),
			ResetTime:  entry.ExpiresAt,
		}
	}

	// Reserva a vaga de concorrência, devolvida na conclusão da requisição
	release, ok := s.concurrency.Acquire(identity.Component())
	if !ok {
		log.Warn("Concurrency limit reached", map[string]interface{}{
			"identity": identity.Component(),
			"route":    identity.Route,
		})
		s.violations.RecordDenial(ctx, identity, "concurrency")
		return domain.Decision{Allowed: false, Reason: domain.ReasonConcurrencyExceeded}
	}
	s.collectors.InFlightRequests.Inc()
	releaseSlot := func() {
		release()
		s.collectors.InFlightRequests.Dec()
	}

	// Primeira política registrada que cobre a rota vence
	policy := s.resolvePolicy(identity.Route)
	if policy == nil {
		return domain.Decision{
			Allowed:    true,
			Reason:     domain.ReasonSkipped,
			OnComplete: completionHook(releaseSlot, nil),
		}
	}

	if policy.ShouldSkip(identity) {
		log.Debug("Policy skip predicate matched", map[string]interface{}{
			"policy": policy.Name,
			"role":   identity.Role,
		})
		return domain.Decision{
			Allowed:    true,
			Reason:     domain.ReasonSkipped,
			PolicyName: policy.Name,
			OnComplete: completionHook(releaseSlot, nil),
		}
	}

	return s.enforceQuota(ctx, identity, *policy, releaseSlot)
}

// enforceQuota aplica a cota da política sobre o contador da identidade
func (s *RateLimiterService) enforceQuota(
	ctx context.Context,
	identity domain.Identity,
	policy domain.PolicyConfig,
	releaseSlot func(),
) domain.Decision {
	log := s.logger.WithContext(ctx)

	limit := policy.QuotaFor(identity.Role)
	if policy.Adaptive {
		limit = s.adaptive.EffectiveQuota(limit)
	}

	key := counterKey(policy, identity, s.adaptive.KeySuffix())

	if policy.CountMode == domain.CountAll {
		count, ttl, err := s.storage.IncrementAndGet(ctx, key, policy.Window())
		if err != nil {
			return s.storeFailure(ctx, policy, err, releaseSlot)
		}

		if count > limit {
			log.Info("Rate limit exceeded", map[string]interface{}{
				"policy": policy.Name,
				"key":    key,
				"count":  count,
				"limit":  limit,
			})
			s.violations.RecordDenial(ctx, identity, policy.Name)
			return domain.Decision{
				Allowed:    false,
				Reason:     domain.ReasonQuotaExceeded,
				PolicyName: policy.Name,
				Limit:      limit,
				Remaining:  0,
				RetryAfter: ttl,
				ResetTime:  time.Now().Add(ttl),
				OnComplete: completionHook(releaseSlot, nil),
			}
		}

		log.Debug("Request allowed", map[string]interface{}{
			"policy":    policy.Name,
			"key":       key,
			"count":     count,
			"limit":     limit,
			"remaining": limit - count,
		})
		return domain.Decision{
			Allowed:    true,
			Reason:     domain.ReasonAllowed,
			PolicyName: policy.Name,
			Limit:      limit,
			Remaining:  limit - count,
			ResetTime:  time.Now().Add(ttl),
			OnComplete: completionHook(releaseSlot, nil),
		}
	}

	// Modos adiados: o veredito usa o contador atual e o incremento só
	// acontece na conclusão da requisição, quando o resultado casa com o
	// modo de contagem
	count, ttl, err := s.storage.Peek(ctx, key)
	if err != nil {
		return s.storeFailure(ctx, policy, err, releaseSlot)
	}

	resetAfter := ttl
	if resetAfter <= 0 {
		resetAfter = policy.Window()
	}

	if count >= limit {
		log.Info("Rate limit exceeded", map[string]interface{}{
			"policy":     policy.Name,
			"key":        key,
			"count":      count,
			"limit":      limit,
			"count_mode": string(policy.CountMode),
		})
		s.violations.RecordDenial(ctx, identity, policy.Name)
		return domain.Decision{
			Allowed:    false,
			Reason:     domain.ReasonQuotaExceeded,
			PolicyName: policy.Name,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: resetAfter,
			ResetTime:  time.Now().Add(resetAfter),
			OnComplete: completionHook(releaseSlot, nil),
		}
	}

	countMode := policy.CountMode
	window := policy.Window()
	deferred := func(ctx context.Context, statusCode int) {
		if !shouldCount(countMode, statusCode) {
			return
		}
		if _, _, err := s.storage.IncrementAndGet(ctx, key, window); err != nil {
			s.collectors.StoreErrorsTotal.WithLabelValues("deferred_increment").Inc()
			s.logger.Error("Failed to apply deferred increment", err, map[string]interface{}{
				"policy": policy.Name,
				"key":    key,
			})
		}
	}

	return domain.Decision{
		Allowed:    true,
		Reason:     domain.ReasonAllowed,
		PolicyName: policy.Name,
		Limit:      limit,
		Remaining:  limit - count,
		ResetTime:  time.Now().Add(resetAfter),
		OnComplete: completionHook(releaseSlot, deferred),
	}
}

// storeFailure converte indisponibilidade do storage na decisão ditada
// pelo fail mode da política. O erro nunca chega ao handler
func (s *RateLimiterService) storeFailure(
	ctx context.Context,
	policy domain.PolicyConfig,
	err error,
	releaseSlot func(),
) domain.Decision {
	s.collectors.StoreErrorsTotal.WithLabelValues("check").Inc()
	s.logger.WithContext(ctx).Error("Counter store unavailable during check", err, map[string]interface{}{
		"policy":    policy.Name,
		"fail_mode": string(policy.FailMode),
	})

	if policy.FailMode == domain.FailClosed {
		return domain.Decision{
			Allowed:    false,
			Reason:     domain.ReasonFailClosed,
			PolicyName: policy.Name,
			RetryAfter: policy.Window(),
			ResetTime:  time.Now().Add(policy.Window()),
			OnComplete: completionHook(releaseSlot, nil),
		}
	}

	return domain.Decision{
		Allowed:    true,
		Reason:     domain.ReasonFailOpen,
		PolicyName: policy.Name,
		OnComplete: completionHook(releaseSlot, nil),
	}
}

// Status retorna o estado atual de uma identidade em uma política
func (s *RateLimiterService) Status(ctx context.Context, identity domain.Identity, policyName string) (*domain.PolicyStatus, error) {
	policy := s.findPolicy(policyName)
	if policy == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, policyName)
	}

	limit := policy.QuotaFor(identity.Role)
	if policy.Adaptive {
		limit = s.adaptive.EffectiveQuota(limit)
	}

	key := counterKey(*policy, identity, s.adaptive.KeySuffix())
	count, ttl, err := s.storage.Peek(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read counter: %w", err)
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	status := &domain.PolicyStatus{
		PolicyName: policy.Name,
		Key:        key,
		Count:      count,
		Limit:      limit,
		Remaining:  remaining,
		ResetTime:  time.Now().Add(ttl),
	}

	entry, err := s.storage.GetBlock(ctx, identity.IP)
	if err != nil {
		return nil, fmt.Errorf("failed to check block list: %w", err)
	}
	if entry != nil {
		status.Blocked = true
		status.BlockedUntil = &entry.ExpiresAt
		status.BlockReason = entry.Reason
	}

	return status, nil
}

// Reset limpa o contador de uma identidade em uma política
func (s *RateLimiterService) Reset(ctx context.Context, identity domain.Identity, policyName string) error {
	policy := s.findPolicy(policyName)
	if policy == nil {
		return fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, policyName)
	}

	key := counterKey(*policy, identity, s.adaptive.KeySuffix())
	if err := s.storage.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to reset key: %w", err)
	}

	s.logger.Info("Rate limit reset", map[string]interface{}{
		"policy": policy.Name,
		"key":    key,
	})
	return nil
}

// BlockIP registra um bloqueio manual de IP na block list
func (s *RateLimiterService) BlockIP(ctx context.Context, ip, reason string, duration time.Duration) error {
	if reason == "" {
		reason = domain.BlockReasonManual
	}

	if err := s.storage.SetBlock(ctx, ip, reason, duration); err != nil {
		return fmt.Errorf("failed to block ip: %w", err)
	}

	s.logger.Warn("IP manually blocked", map[string]interface{}{
		"ip":       ip,
		"reason":   reason,
		"duration": duration.String(),
	})
	return nil
}

// UnblockIP remove um bloqueio de IP da block list
func (s *RateLimiterService) UnblockIP(ctx context.Context, ip string) error {
	if err := s.storage.DeleteBlock(ctx, ip); err != nil {
		return fmt.Errorf("failed to unblock ip: %w", err)
	}

	s.logger.Info("IP unblocked", map[string]interface{}{
		"ip": ip,
	})
	return nil
}

// resolvePolicy retorna a primeira política registrada que cobre a rota
func (s *RateLimiterService) resolvePolicy(route string) *domain.PolicyConfig {
	for i := range s.policies {
		if s.policies[i].AppliesTo(route) {
			return &s.policies[i]
		}
	}
	return nil
}

// findPolicy retorna a política registrada com o nome informado
func (s *RateLimiterService) findPolicy(name string) *domain.PolicyConfig {
	for i := range s.policies {
		if s.policies[i].Name == name {
			return &s.policies[i]
		}
	}
	return nil
}

// observe contabiliza a decisão nas métricas
func (s *RateLimiterService) observe(decision domain.Decision, elapsed time.Duration) {
	policyLabel := decision.PolicyName
	if policyLabel == "" {
		policyLabel = "none"
	}
	s.collectors.DecisionsTotal.WithLabelValues(policyLabel, string(decision.Reason)).Inc()
	s.collectors.CheckDuration.Observe(elapsed.Seconds())
}

// completionHook compõe a liberação da vaga de concorrência com a contagem
// adiada, garantindo execução única mesmo com chamadas repetidas
func completionHook(releaseSlot func(), onFinish func(ctx context.Context, statusCode int)) func(ctx context.Context, statusCode int) {
	var once sync.Once
	return func(ctx context.Context, statusCode int) {
		once.Do(func() {
			if onFinish != nil {
				onFinish(ctx, statusCode)
			}
			if releaseSlot != nil {
				releaseSlot()
			}
		})
	}
}

// shouldCount decide se a resposta conta para a cota no modo configurado
func shouldCount(mode domain.CountMode, statusCode int) bool {
	switch mode {
	case domain.CountFailures:
		return statusCode >= 400
	case domain.CountSuccesses:
		return statusCode < 400
	default:
		return true
	}
}

// maskIdentifier mascara identificadores sensíveis para logs de segurança
func maskIdentifier(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 8 {
		return value + "***"
	}
	return value[:8] + "***"
}
