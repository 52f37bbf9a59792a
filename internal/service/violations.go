package service

import (
	"context"
	"time"

	"rate-guard/internal/domain"
	"rate-guard/internal/metrics"
)

// ViolationTracker mantém contadores móveis de violações por IP e por
// usuário. IPs que cruzam o limiar entram na block list automaticamente;
// usuários que cruzam o seu limiar geram apenas sinal de segurança,
// nunca bloqueio de conta
type ViolationTracker struct {
	storage       domain.CounterStore
	ipThreshold   int
	userThreshold int
	window        time.Duration
	blockDuration time.Duration
	collectors    *metrics.Metrics
	logger        domain.Logger
}

// NewViolationTracker cria uma nova instância do ViolationTracker
func NewViolationTracker(
	storage domain.CounterStore,
	ipThreshold, userThreshold int,
	window, blockDuration time.Duration,
	collectors *metrics.Metrics,
	logger domain.Logger,
) *ViolationTracker {
	return &ViolationTracker{
		storage:       storage,
		ipThreshold:   ipThreshold,
		userThreshold: userThreshold,
		window:        window,
		blockDuration: blockDuration,
		collectors:    collectors,
		logger:        logger,
	}
}

// RecordDenial registra uma negação nos contadores de violação e aplica o
// bloqueio automático quando o IP cruza o limiar. Falhas de rastreamento
// são registradas e engolidas; nunca alteram a decisão da requisição
func (v *ViolationTracker) RecordDenial(ctx context.Context, identity domain.Identity, policyName string) {
	log := v.logger.WithContext(ctx)

	emitSecurityEvent(ctx, v.logger, domain.SecurityEvent{
		Kind:       domain.EventViolation,
		Identity:   identity,
		PolicyName: policyName,
		OccurredAt: time.Now(),
	})

	ipCount, _, err := v.storage.IncrementAndGet(ctx, violationKey("ip", identity.IP), v.window)
	if err != nil {
		v.collectors.StoreErrorsTotal.WithLabelValues("violation_ip").Inc()
		log.Error("Failed to record ip violation", err, map[string]interface{}{
			"ip":     identity.IP,
			"policy": policyName,
		})
	} else {
		v.collectors.ViolationsTotal.WithLabelValues("ip").Inc()
		// O incremento atômico garante que exatamente uma requisição
		// observa a contagem igual ao limiar
		if ipCount == v.ipThreshold {
			v.autoBlock(ctx, identity, policyName)
		}
	}

	if !identity.Authenticated() {
		return
	}

	userCount, _, err := v.storage.IncrementAndGet(ctx, violationKey("user", identity.UserID), v.window)
	if err != nil {
		v.collectors.StoreErrorsTotal.WithLabelValues("violation_user").Inc()
		log.Error("Failed to record user violation", err, map[string]interface{}{
			"user_id": maskIdentifier(identity.UserID),
			"policy":  policyName,
		})
		return
	}

	v.collectors.ViolationsTotal.WithLabelValues("user").Inc()
	if userCount == v.userThreshold {
		// Limiar de usuário gera sinal para o time de segurança; contas
		// não são bloqueadas automaticamente
		log.Warn("User violation threshold crossed", map[string]interface{}{
			"user_id":   maskIdentifier(identity.UserID),
			"role":      identity.Role,
			"policy":    policyName,
			"count":     userCount,
			"threshold": v.userThreshold,
		})
	}
}

// autoBlock insere o IP na block list com o motivo padrão de bloqueio
// automático e emite o evento de segurança correspondente
func (v *ViolationTracker) autoBlock(ctx context.Context, identity domain.Identity, policyName string) {
	log := v.logger.WithContext(ctx)

	if err := v.storage.SetBlock(ctx, identity.IP, domain.BlockReasonAuto, v.blockDuration); err != nil {
		v.collectors.StoreErrorsTotal.WithLabelValues("auto_block").Inc()
		log.Error("Failed to auto block ip", err, map[string]interface{}{
			"ip":     identity.IP,
			"policy": policyName,
		})
		return
	}

	v.collectors.AutoBlocksTotal.Inc()
	emitSecurityEvent(ctx, v.logger, domain.SecurityEvent{
		Kind:       domain.EventAutoBlock,
		Identity:   identity,
		PolicyName: policyName,
		Detail:     domain.BlockReasonAuto,
		OccurredAt: time.Now(),
	})
}

// emitSecurityEvent registra um evento de segurança no log estruturado.
// Bypass é ruído operacional e sai em debug; violações e bloqueios em warn
func emitSecurityEvent(ctx context.Context, logger domain.Logger, event domain.SecurityEvent) {
	fields := map[string]interface{}{
		"event":  string(event.Kind),
		"ip":     event.Identity.IP,
		"route":  event.Identity.Route,
		"role":   event.Identity.Role,
		"policy": event.PolicyName,
	}
	if event.Identity.Authenticated() {
		fields["user_id"] = maskIdentifier(event.Identity.UserID)
	}
	if event.Detail != "" {
		fields["detail"] = event.Detail
	}

	log := logger.WithContext(ctx)
	if event.Kind == domain.EventBypass {
		log.Debug("Security event recorded", fields)
		return
	}
	log.Warn("Security event recorded", fields)
}
