package service

import (
	"sync"
)

// ConcurrencyLimiter limita o número de requisições simultâneas por
// identidade dentro do processo. O estado é deliberadamente local: cada
// instância da aplicação aplica o seu próprio teto
type ConcurrencyLimiter struct {
	max      int
	inflight map[string]int
	mutex    sync.Mutex
}

// NewConcurrencyLimiter cria uma nova instância do ConcurrencyLimiter
func NewConcurrencyLimiter(max int) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{
		max:      max,
		inflight: make(map[string]int),
	}
}

// Acquire reserva uma vaga de concorrência para a identidade. Retorna false
// sem nenhum efeito colateral quando o teto foi atingido. A função release
// devolvida pode ser chamada mais de uma vez; apenas a primeira chamada
// decrementa o contador
func (c *ConcurrencyLimiter) Acquire(identityKey string) (release func(), ok bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.inflight[identityKey] >= c.max {
		return nil, false
	}
	c.inflight[identityKey]++

	var once sync.Once
	return func() {
		once.Do(func() {
			c.release(identityKey)
		})
	}, true
}

// release decrementa o contador da identidade, removendo entradas zeradas
func (c *ConcurrencyLimiter) release(identityKey string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if count := c.inflight[identityKey]; count <= 1 {
		delete(c.inflight, identityKey)
	} else {
		c.inflight[identityKey] = count - 1
	}
}

// InFlight retorna o número de requisições em andamento para a identidade
func (c *ConcurrencyLimiter) InFlight(identityKey string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.inflight[identityKey]
}

// TotalInFlight retorna o total de requisições em andamento no processo
func (c *ConcurrencyLimiter) TotalInFlight() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	total := 0
	for _, count := range c.inflight {
		total += count
	}
	return total
}
