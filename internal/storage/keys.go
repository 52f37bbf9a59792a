package storage

// Prefixo das chaves de bloqueio na block list compartilhada
const blockKeyPrefix = "block:ip:"

// blockKey constrói a chave de bloqueio para um IP
func blockKey(ip string) string {
	return blockKeyPrefix + ip
}
