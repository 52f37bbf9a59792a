package service

import (
	"context"
	"time"

	"rate-guard/internal/domain"
	"rate-guard/internal/metrics"

	"golang.org/x/time/rate"
)

// GarbageCollector varre periodicamente as chaves do subsistema e atribui
// TTL a contadores órfãos (sem expiração). Chaves com TTL válido nunca são
// tocadas, o que torna a varredura idempotente e segura para rodar em
// várias instâncias sem coordenação
type GarbageCollector struct {
	storage      domain.CounterStore
	prefixTTLs   map[string]time.Duration
	violationTTL time.Duration
	interval     time.Duration
	pacer        *rate.Limiter
	collectors   *metrics.Metrics
	logger       domain.Logger
}

// NewGarbageCollector cria uma nova instância do GarbageCollector. O TTL
// padrão de cada prefixo é a janela da política dona; chaves de violação
// recebem a janela de violação
func NewGarbageCollector(
	storage domain.CounterStore,
	policies []domain.PolicyConfig,
	violationTTL time.Duration,
	interval time.Duration,
	scanRate int,
	collectors *metrics.Metrics,
	logger domain.Logger,
) *GarbageCollector {
	prefixTTLs := make(map[string]time.Duration, len(policies))
	for _, policy := range policies {
		prefixTTLs[policy.KeyPrefix] = policy.Window()
	}

	return &GarbageCollector{
		storage:      storage,
		prefixTTLs:   prefixTTLs,
		violationTTL: violationTTL,
		interval:     interval,
		pacer:        rate.NewLimiter(rate.Limit(scanRate), scanRate),
		collectors:   collectors,
		logger:       logger,
	}
}

// Run executa varreduras no intervalo configurado até o cancelamento do
// contexto. Deve rodar em uma goroutine própria
func (g *GarbageCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.logger.Info("Garbage collector started", map[string]interface{}{
		"interval": g.interval.String(),
		"prefixes": len(g.prefixTTLs) + 1,
	})

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Garbage collector stopped", nil)
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep varre todos os prefixos uma vez e retorna o número de chaves
// reparadas. Falhas de storage são registradas e engolidas; a próxima
// varredura tenta de novo
func (g *GarbageCollector) Sweep(ctx context.Context) int {
	start := time.Now()
	repaired := 0

	for prefix, ttl := range g.prefixTTLs {
		repaired += g.sweepPrefix(ctx, prefix, ttl)
	}
	repaired += g.sweepPrefix(ctx, violationKeyPrefix, g.violationTTL)

	g.collectors.GCSweepsTotal.Inc()
	g.collectors.GCKeysRepaired.Add(float64(repaired))

	g.logger.Info("Garbage collector sweep completed", map[string]interface{}{
		"repaired":   repaired,
		"elapsed_ms": time.Since(start).Seconds() * 1000,
	})

	return repaired
}

// sweepPrefix varre um prefixo e atribui o TTL padrão a chaves sem expiração
func (g *GarbageCollector) sweepPrefix(ctx context.Context, prefix string, defaultTTL time.Duration) int {
	keys, err := g.storage.ScanPrefix(ctx, prefix)
	if err != nil {
		g.collectors.StoreErrorsTotal.WithLabelValues("gc_scan").Inc()
		g.logger.Error("Garbage collector scan failed", err, map[string]interface{}{
			"prefix": prefix,
		})
		return 0
	}

	repaired := 0
	for _, key := range keys {
		// Espaça as operações para não saturar o storage compartilhado
		if err := g.pacer.Wait(ctx); err != nil {
			return repaired
		}

		ttl, err := g.storage.TTL(ctx, key)
		if err != nil {
			if domain.IsKeyNotFound(err) {
				// Chave expirou entre o scan e a consulta
				continue
			}
			g.collectors.StoreErrorsTotal.WithLabelValues("gc_ttl").Inc()
			g.logger.Error("Garbage collector ttl lookup failed", err, map[string]interface{}{
				"key": key,
			})
			continue
		}

		if ttl != domain.NoTTL {
			continue
		}

		if err := g.storage.Expire(ctx, key, defaultTTL); err != nil {
			if domain.IsKeyNotFound(err) {
				continue
			}
			g.collectors.StoreErrorsTotal.WithLabelValues("gc_expire").Inc()
			g.logger.Error("Garbage collector expire failed", err, map[string]interface{}{
				"key": key,
			})
			continue
		}

		repaired++
		g.logger.Debug("Orphaned key repaired", map[string]interface{}{
			"key": key,
			"ttl": defaultTTL.String(),
		})
	}

	return repaired
}
