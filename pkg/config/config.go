package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the PHI audit core
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Audit logger configuration
	Audit AuditConfig `mapstructure:"audit"`

	// Encryption configuration
	Encryption EncryptionConfig `mapstructure:"encryption"`

	// Access policy configuration
	Policy PolicyConfig `mapstructure:"policy"`

	// Compliance monitor configuration
	Monitor MonitorConfig `mapstructure:"monitor"`

	// JWT configuration
	JWT JWTConfig `mapstructure:"jwt"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// AuditConfig holds immutable audit logger configuration
type AuditConfig struct {
	// AppendTimeout bounds a single append including storage round trips, in milliseconds
	AppendTimeout int `mapstructure:"append_timeout"`
	// MaxAppendRetries bounds transparent retries on append conflicts
	MaxAppendRetries int `mapstructure:"max_append_retries"`
	// ReplayBatchSize is the page size used when streaming events out of the store
	ReplayBatchSize int `mapstructure:"replay_batch_size"`
}

// EncryptionConfig holds PHI encryption configuration
type EncryptionConfig struct {
	// MasterSecrets maps key version to the KDF input secret for that version.
	// Old versions stay resident so previously encrypted fields remain readable.
	MasterSecrets map[string]string `mapstructure:"master_secrets"`
	// CurrentKeyVersion is the version used for all new encryptions
	CurrentKeyVersion int `mapstructure:"current_key_version"`
	// KDFIterations is the PBKDF2 iteration count; values below 100000 are rejected
	KDFIterations int `mapstructure:"kdf_iterations"`
	// MaxPlaintextBytes bounds a single field value
	MaxPlaintextBytes int `mapstructure:"max_plaintext_bytes"`
	// KeyCacheSize bounds the derived-key cache
	KeyCacheSize int `mapstructure:"key_cache_size"`
}

// PolicyConfig holds minimum-necessary access policy configuration
type PolicyConfig struct {
	// AuthorizedRoles lists roles permitted to touch PHI at all
	AuthorizedRoles []string `mapstructure:"authorized_roles"`
	// ConsentExemptPurposes lists purposes that do not require patient consent
	ConsentExemptPurposes []string `mapstructure:"consent_exempt_purposes"`
	// MinimumNecessary maps role -> purpose -> allowed field names
	MinimumNecessary map[string]map[string][]string `mapstructure:"minimum_necessary"`
	// FilterDown grants the authorized subset instead of denying the whole
	// request when some fields fall outside the minimum-necessary set
	FilterDown bool `mapstructure:"filter_down"`
}

// MonitorConfig holds compliance monitor thresholds
type MonitorConfig struct {
	FailedLoginThreshold int           `mapstructure:"failed_login_threshold"`
	FailedLoginWindow    time.Duration `mapstructure:"failed_login_window"`
	PHIAccessThreshold   int           `mapstructure:"phi_access_threshold"`
	PHIAccessWindow      time.Duration `mapstructure:"phi_access_window"`
	ExportBytesThreshold int64         `mapstructure:"export_bytes_threshold"`
	ExportBytesWindow    time.Duration `mapstructure:"export_bytes_window"`
	CounterTTL           time.Duration `mapstructure:"counter_ttl"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval"`
	// AfterHoursAlerts flags PHI access outside business hours (UTC)
	AfterHoursAlerts   bool `mapstructure:"after_hours_alerts"`
	BusinessHoursStart int  `mapstructure:"business_hours_start"`
	BusinessHoursEnd   int  `mapstructure:"business_hours_end"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey string `mapstructure:"secret_key"`
	Issuer    string `mapstructure:"issuer"`
}

// MonitoringConfig holds metrics configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`
}

// Known role and purpose names; unknown entries in policy tables fail at load
var (
	KnownRoles = []string{
		"patient", "nurse", "physician", "lab_technician",
		"receptionist", "compliance_officer", "administrator",
	}
	KnownPurposes = []string{
		"treatment", "payment", "healthcare_operations",
		"research", "public_health", "legal_requirement",
	}
)

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/phi-core")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideWithEnv(&config)

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "phicore")
	viper.SetDefault("database.user", "phicore")
	viper.SetDefault("database.ssl_mode", "require")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 300)

	// Audit defaults
	viper.SetDefault("audit.append_timeout", 2000)
	viper.SetDefault("audit.max_append_retries", 3)
	viper.SetDefault("audit.replay_batch_size", 500)

	// Encryption defaults
	viper.SetDefault("encryption.current_key_version", 1)
	viper.SetDefault("encryption.kdf_iterations", 100000)
	viper.SetDefault("encryption.max_plaintext_bytes", 1<<20)
	viper.SetDefault("encryption.key_cache_size", 1024)

	// Policy defaults
	viper.SetDefault("policy.authorized_roles", []string{
		"physician", "nurse", "lab_technician", "receptionist",
		"compliance_officer", "administrator",
	})
	viper.SetDefault("policy.consent_exempt_purposes", []string{
		"treatment", "public_health", "legal_requirement",
	})
	viper.SetDefault("policy.minimum_necessary", DefaultMinimumNecessary())
	viper.SetDefault("policy.filter_down", false)

	// Monitor defaults
	viper.SetDefault("monitor.failed_login_threshold", 5)
	viper.SetDefault("monitor.failed_login_window", "15m")
	viper.SetDefault("monitor.phi_access_threshold", 50)
	viper.SetDefault("monitor.phi_access_window", "10m")
	viper.SetDefault("monitor.export_bytes_threshold", 104857600) // 100 MiB
	viper.SetDefault("monitor.export_bytes_window", "1h")
	viper.SetDefault("monitor.counter_ttl", "24h")
	viper.SetDefault("monitor.cleanup_interval", "10m")
	viper.SetDefault("monitor.after_hours_alerts", true)
	viper.SetDefault("monitor.business_hours_start", 7)
	viper.SetDefault("monitor.business_hours_end", 19)

	// JWT defaults
	viper.SetDefault("jwt.issuer", "phi-core")

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")
	viper.SetDefault("monitoring.health_path", "/health")

	// Logging defaults
	viper.SetDefault("log_level", "info")
}

// DefaultMinimumNecessary returns the built-in role/purpose field grants.
// Deployments narrow or widen these through configuration; the shipped
// table reflects the minimum-necessary posture for a hospital deployment.
func DefaultMinimumNecessary() map[string]map[string][]string {
	return map[string]map[string][]string{
		"physician": {
			"treatment": {
				"name", "dob", "ssn", "address", "phone", "email",
				"diagnosis", "medications", "lab_results",
			},
			"research":          {"dob", "diagnosis", "medications", "lab_results"},
			"public_health":     {"dob", "diagnosis"},
			"legal_requirement": {"name", "dob", "ssn", "diagnosis", "medications", "lab_results"},
		},
		"nurse": {
			"treatment": {"name", "dob", "phone", "diagnosis", "medications", "lab_results"},
		},
		"lab_technician": {
			"treatment": {"name", "dob", "lab_results"},
		},
		"receptionist": {
			"payment":               {"name", "dob", "address", "phone", "email", "insurance_id"},
			"healthcare_operations": {"name", "phone", "email"},
		},
		"compliance_officer": {
			"healthcare_operations": {"name", "dob", "diagnosis", "medications", "lab_results"},
			"legal_requirement":     {"name", "dob", "ssn", "diagnosis", "medications", "lab_results"},
		},
		"administrator": {
			"healthcare_operations": {"name", "dob"},
		},
	}
}

// overrideWithEnv overrides configuration with environment variables
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if jwtSecret := os.Getenv("JWT_SECRET_KEY"); jwtSecret != "" {
		config.JWT.SecretKey = jwtSecret
	}

	if masterSecret := os.Getenv("PHI_MASTER_SECRET"); masterSecret != "" {
		if config.Encryption.MasterSecrets == nil {
			config.Encryption.MasterSecrets = make(map[string]string)
		}
		config.Encryption.MasterSecrets[strconv.Itoa(config.Encryption.CurrentKeyVersion)] = masterSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// Validate validates the configuration. Policy tables are checked eagerly so
// unknown roles or purposes fail at load time rather than at request time.
func Validate(config *Config) error {
	if config.JWT.SecretKey == "" {
		return fmt.Errorf("JWT secret key is required")
	}

	if config.Database.Password == "" {
		return fmt.Errorf("database password is required")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Encryption.KDFIterations < 100000 {
		return fmt.Errorf("kdf_iterations must be at least 100000, got %d", config.Encryption.KDFIterations)
	}

	if config.Encryption.CurrentKeyVersion < 1 {
		return fmt.Errorf("current_key_version must be positive, got %d", config.Encryption.CurrentKeyVersion)
	}

	current := strconv.Itoa(config.Encryption.CurrentKeyVersion)
	if _, ok := config.Encryption.MasterSecrets[current]; !ok {
		return fmt.Errorf("master secret for current key version %s is required", current)
	}

	if config.Audit.AppendTimeout <= 0 {
		return fmt.Errorf("audit append_timeout must be positive")
	}

	roles := make(map[string]bool, len(KnownRoles))
	for _, r := range KnownRoles {
		roles[r] = true
	}
	purposes := make(map[string]bool, len(KnownPurposes))
	for _, p := range KnownPurposes {
		purposes[p] = true
	}

	for _, r := range config.Policy.AuthorizedRoles {
		if !roles[r] {
			return fmt.Errorf("unknown role %q in policy.authorized_roles", r)
		}
	}

	for _, p := range config.Policy.ConsentExemptPurposes {
		if !purposes[p] {
			return fmt.Errorf("unknown purpose %q in policy.consent_exempt_purposes", p)
		}
	}

	for role, byPurpose := range config.Policy.MinimumNecessary {
		if !roles[role] {
			return fmt.Errorf("unknown role %q in policy.minimum_necessary", role)
		}
		for purpose := range byPurpose {
			if !purposes[purpose] {
				return fmt.Errorf("unknown purpose %q for role %q in policy.minimum_necessary", purpose, role)
			}
		}
	}

	return nil
}
