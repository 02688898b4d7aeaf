package core

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the environment-derived configuration for the engine. Field
// defaults are production-safe; every value can be overridden through the
// environment surface documented in the README.
type Settings struct {
	// Config file paths
	LLMConfigPath        string
	DatasourceConfigPath string
	PoliciesConfigPath   string
	SecretsConfigPath    string
	VectorStoreAddr      string

	// Storage
	SchemaStoreBackend     string // memory | postgres
	SchemaStorePath        string
	SchemaStoreDSN         string
	SchemaStoreMaxVersions int
	ArtifactBackend        string // fs | memory
	ArtifactBaseURI        string
	ArtifactPathTemplate   string

	// Execution
	GlobalTimeout      time.Duration
	SandboxExecWorkers int
	SandboxIndexWorkers int

	// Behavior
	SchemaVersionMismatchPolicy string // warn | fail | ignore
	SQLAgentMaxRetries          int
	SQLAgentRetryBaseDelay      time.Duration
	SQLAgentRetryMaxDelay       time.Duration
	SQLAgentRetryJitter         bool
	LogicalValidatorStrictCols  bool
	TenantID                    string

	// Limits
	DefaultRowLimit           int
	DefaultMaxBytes           int64
	DefaultStatementTimeoutMS int

	// Routing
	RouterL1Threshold float64
	RouterL2Threshold float64

	// Observability
	ObservabilityExporter string // none | console | otlp
	OTLPEndpoint          string
	AuditLogPath          string
	AuditSink             string // file | kafka
	AuditKafkaBrokers     []string
	AuditKafkaTopic       string
	LogLevel              string
	LogFormat             string

	// HTTP
	HTTPAddr string
}

// LoadSettings reads the full environment surface with defaults.
func LoadSettings() *Settings {
	return &Settings{
		LLMConfigPath:        GetEnvStr("LLM_CONFIG", ""),
		DatasourceConfigPath: GetEnvStr("DATASOURCE_CONFIG", ""),
		PoliciesConfigPath:   GetEnvStr("POLICIES_CONFIG", ""),
		SecretsConfigPath:    GetEnvStr("SECRETS_CONFIG", ""),
		VectorStoreAddr:      GetEnvStr("VECTOR_STORE", GetEnvStr("VECTOR_REDIS_ADDR", "localhost:6379")),

		SchemaStoreBackend:     GetEnvStr("SCHEMA_STORE_BACKEND", "memory"),
		SchemaStorePath:        GetEnvStr("SCHEMA_STORE_PATH", ""),
		SchemaStoreDSN:         GetEnvStr("SCHEMA_STORE_DSN", ""),
		SchemaStoreMaxVersions: GetEnvInt("SCHEMA_STORE_MAX_VERSIONS", 10),
		ArtifactBackend:        GetEnvStr("RESULT_ARTIFACT_BACKEND", "fs"),
		ArtifactBaseURI:        GetEnvStr("RESULT_ARTIFACT_BASE_URI", os.TempDir()+"/nl2sql-artifacts"),
		ArtifactPathTemplate:   GetEnvStr("RESULT_ARTIFACT_PATH_TEMPLATE", "{tenant}/{request}/{subgraph}/{node}/{schema_version}/part-00000.{ext}"),

		GlobalTimeout:       GetEnvDuration("GLOBAL_TIMEOUT_SEC", 120*time.Second),
		SandboxExecWorkers:  GetEnvInt("SANDBOX_EXEC_WORKERS", 4),
		SandboxIndexWorkers: GetEnvInt("SANDBOX_INDEX_WORKERS", 2),

		SchemaVersionMismatchPolicy: GetEnvStr("SCHEMA_VERSION_MISMATCH_POLICY", "warn"),
		SQLAgentMaxRetries:          GetEnvInt("SQL_AGENT_MAX_RETRIES", 3),
		SQLAgentRetryBaseDelay:      GetEnvDuration("SQL_AGENT_RETRY_BASE_DELAY_SEC", 500*time.Millisecond),
		SQLAgentRetryMaxDelay:       GetEnvDuration("SQL_AGENT_RETRY_MAX_DELAY_SEC", 10*time.Second),
		SQLAgentRetryJitter:         GetEnvBool("SQL_AGENT_RETRY_JITTER_DELAY_SEC", true),
		LogicalValidatorStrictCols:  GetEnvBool("LOGICAL_VALIDATOR_STRICT_COLUMNS", true),
		TenantID:                    GetEnvStr("TENANT_ID", "default"),

		DefaultRowLimit:           GetEnvInt("DEFAULT_ROW_LIMIT", 1000),
		DefaultMaxBytes:           GetEnvInt64("DEFAULT_MAX_BYTES", 32<<20),
		DefaultStatementTimeoutMS: GetEnvInt("DEFAULT_STATEMENT_TIMEOUT_MS", 30000),

		RouterL1Threshold: GetEnvFloat("ROUTER_L1_THRESHOLD", 0.78),
		RouterL2Threshold: GetEnvFloat("ROUTER_L2_THRESHOLD", 0.60),

		ObservabilityExporter: GetEnvStr("OBSERVABILITY_EXPORTER", "none"),
		OTLPEndpoint:          GetEnvStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		AuditLogPath:          GetEnvStr("AUDIT_LOG_PATH", os.TempDir()+"/nl2sql-audit.jsonl"),
		AuditSink:             GetEnvStr("AUDIT_SINK", "file"),
		AuditKafkaBrokers:     splitNonEmpty(GetEnvStr("AUDIT_KAFKA_BROKERS", ""), ","),
		AuditKafkaTopic:       GetEnvStr("AUDIT_KAFKA_TOPIC", "nl2sql-audit"),
		LogLevel:              GetEnvStr("NL2SQL_LOG_LEVEL", "INFO"),
		LogFormat:             GetEnvStr("NL2SQL_LOG_FORMAT", ""),

		HTTPAddr: GetEnvStr("HTTP_ADDR", ":8080"),
	}
}

// Validate checks the settings for values that cannot work at runtime.
func (s *Settings) Validate() error {
	switch s.SchemaVersionMismatchPolicy {
	case "warn", "fail", "ignore":
	default:
		return fmt.Errorf("%w: SCHEMA_VERSION_MISMATCH_POLICY=%q", ErrInvalidConfiguration, s.SchemaVersionMismatchPolicy)
	}
	switch s.ObservabilityExporter {
	case "none", "console", "otlp":
	default:
		return fmt.Errorf("%w: OBSERVABILITY_EXPORTER=%q", ErrInvalidConfiguration, s.ObservabilityExporter)
	}
	if s.SchemaStoreBackend == "postgres" && s.SchemaStoreDSN == "" {
		return fmt.Errorf("%w: SCHEMA_STORE_DSN required for postgres backend", ErrMissingConfiguration)
	}
	if s.AuditSink == "kafka" && len(s.AuditKafkaBrokers) == 0 {
		return fmt.Errorf("%w: AUDIT_KAFKA_BROKERS required for kafka audit sink", ErrMissingConfiguration)
	}
	if s.SandboxExecWorkers < 1 || s.SandboxIndexWorkers < 1 {
		return fmt.Errorf("%w: sandbox worker counts must be >= 1", ErrInvalidConfiguration)
	}
	if s.RouterL1Threshold < s.RouterL2Threshold {
		return fmt.Errorf("%w: ROUTER_L1_THRESHOLD must be >= ROUTER_L2_THRESHOLD", ErrInvalidConfiguration)
	}
	return nil
}

// Map returns the settings as a flat map for the management surface.
// Secrets never appear here: settings hold paths and endpoints only.
func (s *Settings) Map() map[string]interface{} {
	return map[string]interface{}{
		"llm_config":                     s.LLMConfigPath,
		"datasource_config":              s.DatasourceConfigPath,
		"policies_config":                s.PoliciesConfigPath,
		"secrets_config":                 s.SecretsConfigPath,
		"vector_store":                   s.VectorStoreAddr,
		"schema_store_backend":           s.SchemaStoreBackend,
		"schema_store_max_versions":      s.SchemaStoreMaxVersions,
		"result_artifact_backend":        s.ArtifactBackend,
		"result_artifact_base_uri":       s.ArtifactBaseURI,
		"result_artifact_path_template":  s.ArtifactPathTemplate,
		"global_timeout_sec":             s.GlobalTimeout.Seconds(),
		"sandbox_exec_workers":           s.SandboxExecWorkers,
		"sandbox_index_workers":          s.SandboxIndexWorkers,
		"schema_version_mismatch_policy": s.SchemaVersionMismatchPolicy,
		"sql_agent_max_retries":          s.SQLAgentMaxRetries,
		"logical_validator_strict_columns": s.LogicalValidatorStrictCols,
		"tenant_id":                      s.TenantID,
		"default_row_limit":              s.DefaultRowLimit,
		"default_max_bytes":              s.DefaultMaxBytes,
		"default_statement_timeout_ms":   s.DefaultStatementTimeoutMS,
		"router_l1_threshold":            s.RouterL1Threshold,
		"router_l2_threshold":            s.RouterL2Threshold,
		"observability_exporter":         s.ObservabilityExporter,
		"audit_log_path":                 s.AuditLogPath,
		"audit_sink":                     s.AuditSink,
		"http_addr":                      s.HTTPAddr,
	}
}

// Environment getters. Unset or malformed values fall back to defaults so
// a bad deployment env degrades instead of crashing at startup.

// GetEnvStr returns a string environment variable value or a default.
func GetEnvStr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt returns an int environment variable value or a default.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvInt64 returns an int64 environment variable value or a default.
func GetEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

// GetEnvFloat returns a float64 environment variable value or a default.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

// GetEnvBool returns a bool environment variable value or a default.
// Accepts "true", "1", "yes" / "false", "0", "no" (case-insensitive).
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// GetEnvDuration reads a value expressed in whole seconds (the *_SEC
// convention of the configuration surface) or a Go duration string.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Secret value interpolation.
//
// Config files may reference secrets as ${env:NAME} or ${provider-id:key}.
// Resolution happens once at load time; resolved values stay in memory and
// are stripped before any config is echoed back through the API.

var secretRefPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_-]+):([^}]+)\}`)

// SecretProvider resolves a key to a secret value.
type SecretProvider interface {
	ID() string
	Resolve(key string) (string, error)
}

// EnvSecretProvider resolves ${env:NAME} references.
type EnvSecretProvider struct{}

func (EnvSecretProvider) ID() string { return "env" }

func (EnvSecretProvider) Resolve(key string) (string, error) {
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: environment variable %q not set", ErrMissingConfiguration, key)
}

// StaticSecretProvider resolves references from an in-memory map, loaded
// from the secrets config file.
type StaticSecretProvider struct {
	ProviderID string
	Values     map[string]string
}

func (p *StaticSecretProvider) ID() string { return p.ProviderID }

func (p *StaticSecretProvider) Resolve(key string) (string, error) {
	if v, ok := p.Values[key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: secret %q not found in provider %q", ErrMissingConfiguration, key, p.ProviderID)
}

// SecretResolver expands ${provider:key} references in config values.
type SecretResolver struct {
	providers map[string]SecretProvider
}

// NewSecretResolver builds a resolver with the env provider installed.
func NewSecretResolver(extra ...SecretProvider) *SecretResolver {
	r := &SecretResolver{providers: map[string]SecretProvider{"env": EnvSecretProvider{}}}
	for _, p := range extra {
		r.providers[p.ID()] = p
	}
	return r
}

// Expand resolves every secret reference in value. A value without
// references is returned unchanged.
func (r *SecretResolver) Expand(value string) (string, error) {
	var firstErr error
	expanded := secretRefPattern.ReplaceAllStringFunc(value, func(match string) string {
		groups := secretRefPattern.FindStringSubmatch(match)
		provider, ok := r.providers[groups[1]]
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: unknown secret provider %q", ErrInvalidConfiguration, groups[1])
			}
			return match
		}
		resolved, err := provider.Resolve(groups[2])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return resolved
	})
	return expanded, firstErr
}

// SecretsFile is the on-disk secrets config format.
type SecretsFile struct {
	Version   int `yaml:"version"`
	Providers []struct {
		ID     string            `yaml:"id"`
		Type   string            `yaml:"type"`
		Values map[string]string `yaml:"values,omitempty"`
	} `yaml:"providers"`
}

// LoadSecretResolver builds a resolver from a secrets config file. An
// empty path yields a resolver with only the env provider.
func LoadSecretResolver(path string) (*SecretResolver, error) {
	if path == "" {
		return NewSecretResolver(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secrets config: %w", err)
	}
	var file SecretsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing secrets config: %w", err)
	}
	var extra []SecretProvider
	for _, p := range file.Providers {
		if p.Type != "static" || p.ID == "env" {
			continue
		}
		extra = append(extra, &StaticSecretProvider{ProviderID: p.ID, Values: p.Values})
	}
	return NewSecretResolver(extra...), nil
}
