package service

import (
	"fmt"
	"math"
	"time"
)

// Multiplicadores aplicados sobre a cota base conforme a hora do dia
const (
	peakMultiplier     = 1.5
	businessMultiplier = 1.2
	offHoursMultiplier = 0.8
)

// AdaptiveModifier calcula o multiplicador de cota conforme a hora do dia:
// horas de pico recebem 1.5, horário comercial 1.2 e madrugada 0.8
type AdaptiveModifier struct {
	peakHours     map[int]bool
	businessStart int
	businessEnd   int
	now           func() time.Time
}

// NewAdaptiveModifier cria uma nova instância do AdaptiveModifier
func NewAdaptiveModifier(peakHours []int, businessStart, businessEnd int) *AdaptiveModifier {
	peak := make(map[int]bool, len(peakHours))
	for _, hour := range peakHours {
		peak[hour] = true
	}

	return &AdaptiveModifier{
		peakHours:     peak,
		businessStart: businessStart,
		businessEnd:   businessEnd,
		now:           time.Now,
	}
}

// Multiplier retorna o multiplicador vigente para a hora atual.
// Horas de pico têm precedência sobre o horário comercial
func (a *AdaptiveModifier) Multiplier() float64 {
	hour := a.now().Hour()

	if a.peakHours[hour] {
		return peakMultiplier
	}
	if hour >= a.businessStart && hour < a.businessEnd {
		return businessMultiplier
	}
	return offHoursMultiplier
}

// EffectiveQuota aplica o multiplicador vigente sobre a cota base,
// arredondando para baixo
func (a *AdaptiveModifier) EffectiveQuota(baseQuota int) int {
	return int(math.Floor(float64(baseQuota) * a.Multiplier()))
}

// KeySuffix retorna o sufixo de hora usado nas chaves de políticas
// adaptativas, no formato h00..h23
func (a *AdaptiveModifier) KeySuffix() string {
	return fmt.Sprintf("h%02d", a.now().Hour())
}
