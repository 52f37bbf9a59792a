package service

import (
	"strings"

	"rate-guard/internal/domain"
)

// Prefixo das chaves de violação, compartilhado por todas as políticas
const violationKeyPrefix = "violation"

// counterKey constrói a chave de contador no formato
// {prefix}:{identity}:{route}. Políticas adaptativas recebem o sufixo de
// hora para que a cota reinicie na virada da hora
func counterKey(policy domain.PolicyConfig, identity domain.Identity, hourSuffix string) string {
	key := policy.KeyPrefix + ":" + identity.Component() + ":" + routeComponent(identity.Route)
	if policy.Adaptive && hourSuffix != "" {
		key += ":" + hourSuffix
	}
	return key
}

// violationKey constrói a chave de violação para um escopo (ip ou user)
func violationKey(scope, identifier string) string {
	return violationKeyPrefix + ":" + scope + ":" + identifier
}

// routeComponent normaliza o template de rota para uso em chaves,
// mantendo a cardinalidade estável (template, nunca a URL bruta)
func routeComponent(route string) string {
	if route == "" {
		return "unknown"
	}

	route = strings.Trim(route, "/")
	route = strings.ReplaceAll(route, "/", "_")
	route = strings.ReplaceAll(route, ":", "")
	if route == "" {
		return "root"
	}
	return route
}
