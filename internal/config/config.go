package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"rate-guard/internal/domain"

	"github.com/joho/godotenv"
)

// Config representa todas as configurações da aplicação
type Config struct {
	// Storage Configuration
	StorageType   string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Default Policy Configuration (fallback quando não há policies.json)
	DefaultMaxRequests   int
	DefaultWindowSeconds int

	// Bypass Configuration
	PrivilegedRoles []string
	TrustedIPs      []string

	// Concurrency Configuration
	MaxConcurrentRequests int

	// Violation Tracking Configuration
	IPViolationThreshold   int
	UserViolationThreshold int
	ViolationWindowHours   int
	AutoBlockHours         int

	// Adaptive Policy Configuration
	PeakHours         []int
	BusinessStartHour int
	BusinessEndHour   int

	// Garbage Collector Configuration
	GCIntervalHours int
	GCScanRate      int

	// Server Configuration
	ServerPort string
	GinMode    string

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// Policy Configuration File
	PolicyConfigFile string
	Policies         []domain.PolicyConfig
}

// PoliciesFile representa a estrutura do arquivo policies.json
type PoliciesFile struct {
	Policies []domain.PolicyConfig `json:"policies"`
}

// ConfigLoader carrega e valida as configurações da aplicação
type ConfigLoader struct {
	config *Config
}

// NewConfigLoader cria uma nova instância do ConfigLoader
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadConfig carrega as configurações do .env e o arquivo de políticas.
// Configuração inválida interrompe a inicialização
func (c *ConfigLoader) LoadConfig() (*Config, error) {
	// Carrega o arquivo .env se existir
	if err := godotenv.Load(); err != nil {
		// Se não encontrar .env, continua com variáveis do sistema
		fmt.Println("Warning: .env file not found, using system environment variables")
	}

	// Carrega configurações do ambiente
	config, err := c.loadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	c.config = config

	// Carrega a tabela de políticas
	policies, err := c.LoadPolicies()
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	config.Policies = policies

	return config, nil
}

// LoadPolicies carrega a tabela de políticas do arquivo JSON. Na ausência do
// arquivo, cria uma política catch-all a partir dos limites padrão do ambiente
func (c *ConfigLoader) LoadPolicies() ([]domain.PolicyConfig, error) {
	policyFile := c.getPolicyConfigFile()

	// Verifica se o arquivo existe
	if _, err := os.Stat(policyFile); os.IsNotExist(err) {
		fmt.Printf("Warning: Policy config file %s not found, using environment defaults\n", policyFile)
		return c.defaultPolicies(), nil
	}

	// Lê o arquivo
	data, err := os.ReadFile(policyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy config file: %w", err)
	}

	// Parse do JSON
	var policiesFile PoliciesFile
	if err := json.Unmarshal(data, &policiesFile); err != nil {
		return nil, fmt.Errorf("failed to parse policy config file: %w", err)
	}

	policies := policiesFile.Policies
	for i := range policies {
		policies[i].Normalize()
	}

	if err := domain.ValidatePolicies(policies); err != nil {
		return nil, err
	}

	return policies, nil
}

// Reload recarrega todas as configurações
func (c *ConfigLoader) Reload() error {
	_, err := c.LoadConfig()
	return err
}

// GetConfig retorna a configuração atual
func (c *ConfigLoader) GetConfig() *Config {
	return c.config
}

// defaultPolicies constrói a política catch-all usada na ausência de policies.json
func (c *ConfigLoader) defaultPolicies() []domain.PolicyConfig {
	// Espelha os padrões do ambiente quando chamado antes de LoadConfig
	maxRequests := 100
	windowSeconds := 60
	if c.config != nil {
		maxRequests = c.config.DefaultMaxRequests
		windowSeconds = c.config.DefaultWindowSeconds
	}

	policy := domain.PolicyConfig{
		Name:          "default",
		KeyPrefix:     "rate:default",
		Routes:        []string{"*"},
		WindowSeconds: windowSeconds,
		MaxRequests:   maxRequests,
	}
	policy.Normalize()
	return []domain.PolicyConfig{policy}
}

// loadFromEnv carrega configurações das variáveis de ambiente
func (c *ConfigLoader) loadFromEnv() (*Config, error) {
	config := &Config{
		// Storage defaults
		StorageType:   getEnvWithDefault("STORAGE_TYPE", "redis"),
		RedisHost:     getEnvWithDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvWithDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvWithDefault("REDIS_PASSWORD", ""),

		// Bypass defaults
		PrivilegedRoles: parseCSV(getEnvWithDefault("PRIVILEGED_ROLES", "system,monitoring")),
		TrustedIPs:      parseCSV(getEnvWithDefault("TRUSTED_IPS", "")),

		// Server defaults
		ServerPort: getEnvWithDefault("SERVER_PORT", "8080"),
		GinMode:    getEnvWithDefault("GIN_MODE", "debug"),

		// Logging defaults
		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "json"),

		// Policy config file
		PolicyConfigFile: getEnvWithDefault("POLICY_CONFIG_FILE", "internal/config/policies.json"),
	}

	// Parse dos valores numéricos
	intVars := []struct {
		name     string
		fallback string
		target   *int
	}{
		{"REDIS_DB", "0", &config.RedisDB},
		{"DEFAULT_MAX_REQUESTS", "100", &config.DefaultMaxRequests},
		{"DEFAULT_WINDOW_SECONDS", "60", &config.DefaultWindowSeconds},
		{"MAX_CONCURRENT_REQUESTS", "10", &config.MaxConcurrentRequests},
		{"IP_VIOLATION_THRESHOLD", "50", &config.IPViolationThreshold},
		{"USER_VIOLATION_THRESHOLD", "20", &config.UserViolationThreshold},
		{"VIOLATION_WINDOW_HOURS", "24", &config.ViolationWindowHours},
		{"AUTO_BLOCK_HOURS", "24", &config.AutoBlockHours},
		{"BUSINESS_START_HOUR", "8", &config.BusinessStartHour},
		{"BUSINESS_END_HOUR", "18", &config.BusinessEndHour},
		{"GC_INTERVAL_HOURS", "6", &config.GCIntervalHours},
		{"GC_SCAN_RATE", "100", &config.GCScanRate},
	}

	for _, v := range intVars {
		value, err := strconv.Atoi(getEnvWithDefault(v.name, v.fallback))
		if err != nil {
			return nil, fmt.Errorf("invalid %s value: %w", v.name, err)
		}
		*v.target = value
	}

	// Parse das horas de pico
	peakHours, err := parseHours(getEnvWithDefault("PEAK_HOURS", "12,13,19,20"))
	if err != nil {
		return nil, fmt.Errorf("invalid PEAK_HOURS value: %w", err)
	}
	config.PeakHours = peakHours

	// Valida configurações obrigatórias
	if err := c.validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateConfig valida se as configurações são válidas
func (c *ConfigLoader) validateConfig(config *Config) error {
	if config.StorageType != "redis" && config.StorageType != "memory" {
		return fmt.Errorf("%w: STORAGE_TYPE must be redis or memory", domain.ErrInvalidConfig)
	}

	if config.DefaultMaxRequests <= 0 {
		return fmt.Errorf("%w: DEFAULT_MAX_REQUESTS must be greater than 0", domain.ErrInvalidConfig)
	}

	if config.DefaultWindowSeconds <= 0 {
		return fmt.Errorf("%w: DEFAULT_WINDOW_SECONDS must be greater than 0", domain.ErrInvalidConfig)
	}

	if config.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("%w: MAX_CONCURRENT_REQUESTS must be greater than 0", domain.ErrInvalidConfig)
	}

	if config.IPViolationThreshold <= 0 || config.UserViolationThreshold <= 0 {
		return fmt.Errorf("%w: violation thresholds must be greater than 0", domain.ErrInvalidConfig)
	}

	if config.ViolationWindowHours <= 0 || config.AutoBlockHours <= 0 {
		return fmt.Errorf("%w: violation window and auto block duration must be greater than 0", domain.ErrInvalidConfig)
	}

	if config.BusinessStartHour < 0 || config.BusinessEndHour > 24 || config.BusinessStartHour >= config.BusinessEndHour {
		return fmt.Errorf("%w: business hours must satisfy 0 <= start < end <= 24", domain.ErrInvalidConfig)
	}

	for _, hour := range config.PeakHours {
		if hour < 0 || hour > 23 {
			return fmt.Errorf("%w: peak hours must be between 0 and 23", domain.ErrInvalidConfig)
		}
	}

	if config.GCIntervalHours <= 0 {
		return fmt.Errorf("%w: GC_INTERVAL_HOURS must be greater than 0", domain.ErrInvalidConfig)
	}

	if config.GCScanRate <= 0 {
		return fmt.Errorf("%w: GC_SCAN_RATE must be greater than 0", domain.ErrInvalidConfig)
	}

	if config.RedisDB < 0 || config.RedisDB > 15 {
		return fmt.Errorf("%w: REDIS_DB must be between 0 and 15", domain.ErrInvalidConfig)
	}

	return nil
}

// getPolicyConfigFile retorna o caminho do arquivo de políticas
func (c *ConfigLoader) getPolicyConfigFile() string {
	if c.config != nil && c.config.PolicyConfigFile != "" {
		return c.config.PolicyConfigFile
	}
	return getEnvWithDefault("POLICY_CONFIG_FILE", "internal/config/policies.json")
}

// getEnvWithDefault retorna o valor da variável de ambiente ou um valor padrão
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseCSV converte uma lista separada por vírgulas em slice, descartando vazios
func parseCSV(value string) []string {
	if value == "" {
		return nil
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

// parseHours converte uma lista de horas separadas por vírgulas em slice de int
func parseHours(value string) ([]int, error) {
	var hours []int
	for _, item := range parseCSV(value) {
		hour, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("invalid hour %q: %w", item, err)
		}
		hours = append(hours, hour)
	}
	return hours, nil
}
