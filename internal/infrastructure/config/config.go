package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Foundry Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Risk      RiskConfig      `yaml:"risk"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SiteConfig identifies the factory site this instance serves.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// URI returns the broker address in tcp:// or ssl:// form.
func (b MQTTBrokerConfig) URI() string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a reverse proxy that sets them.
	TrustProxy bool `yaml:"trust_proxy"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Seed      SeedConfig      `yaml:"seed"`
}

// JWTConfig contains token signing settings. TTLs are in seconds.
type JWTConfig struct {
	Secret          string         `yaml:"secret"`
	SecretFile      string         `yaml:"secret_file"`
	Issuer          string         `yaml:"issuer"`
	AccessTokenTTL  int            `yaml:"access_token_ttl"`
	RefreshTokenTTL int            `yaml:"refresh_token_ttl"`
	Rotation        RotationConfig `yaml:"rotation"`
}

// RotationConfig controls what happens to outstanding tokens when the
// signing secret changes.
type RotationConfig struct {
	// Policy is "grace" (old keys verify until GracePeriod passes) or
	// "revoke" (old keys are dropped immediately).
	Policy string `yaml:"policy"`

	// GracePeriod in seconds. Zero means the refresh token TTL.
	GracePeriod int `yaml:"grace_period"`

	// Interval in seconds between scheduled rotations. Zero disables them.
	Interval int `yaml:"interval"`
}

// RateLimitConfig contains per-client rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	LoginPerMinute    int  `yaml:"login_per_minute"`
	Burst             int  `yaml:"burst"`
}

// SeedConfig controls the first-boot administrator account.
type SeedConfig struct {
	AdminUsername string `yaml:"admin_username"`
	CompanyID     string `yaml:"company_id"`
}

// RiskConfig contains risk scoring weights and decision thresholds.
type RiskConfig struct {
	BlockThreshold    int         `yaml:"block_threshold"`
	RestrictThreshold int         `yaml:"restrict_threshold"`
	Weights           RiskWeights `yaml:"weights"`
	UnusualHourStart  int         `yaml:"unusual_hour_start"`
	UnusualHourEnd    int         `yaml:"unusual_hour_end"`
	HistoryWindow     int         `yaml:"history_window"`
	MaxDistinctIPs    int         `yaml:"max_distinct_ips"`
}

// RiskWeights are the additive contributions of each anomalous signal.
type RiskWeights struct {
	NewIP              int `yaml:"new_ip"`
	MissingIP          int `yaml:"missing_ip"`
	NewDevice          int `yaml:"new_device"`
	MissingDevice      int `yaml:"missing_device"`
	MissingUserAgent   int `yaml:"missing_user_agent"`
	AutomatedAgent     int `yaml:"automated_agent"`
	UnusualHour        int `yaml:"unusual_hour"`
	Weekend            int `yaml:"weekend"`
	PriorRestriction   int `yaml:"prior_restriction"`
	IPChurn            int `yaml:"ip_churn"`
	HistoryUnavailable int `yaml:"history_unavailable"`
}

// TelemetryConfig contains robot telemetry ingestion settings.
type TelemetryConfig struct {
	Topic           string              `yaml:"topic"`
	StateTopic      string              `yaml:"state_topic"`
	Workers         int                 `yaml:"workers"`
	QueueSize       int                 `yaml:"queue_size"`
	MessageTimeout  int                 `yaml:"message_timeout_ms"`
	StalenessWindow int                 `yaml:"staleness_window"`
	SweepInterval   int                 `yaml:"sweep_interval"`
	Thresholds      TelemetryThresholds `yaml:"thresholds"`

	// CompanySegment is the 1-based topic level holding the owning company,
	// e.g. 2 for factory/{company}/robot. Zero disables it.
	CompanySegment int `yaml:"company_segment"`
	// DefaultCompany owns robots whose topic carries no company.
	DefaultCompany string `yaml:"default_company"`
}

// TelemetryThresholds are the limits used to derive alarm, health and utilization.
type TelemetryThresholds struct {
	CriticalTemperature float64 `yaml:"critical_temperature"`
	WarningTemperature  float64 `yaml:"warning_temperature"`
	LowTemperature      float64 `yaml:"low_temperature"`
	StalledSamples      int     `yaml:"stalled_samples"`
	MaxPower            float64 `yaml:"max_power"`
	MinPower            float64 `yaml:"min_power"`
	IdealCycleTime      float64 `yaml:"ideal_cycle_time"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FOUNDRY_SECTION_KEY
// For example: FOUNDRY_DATABASE_PATH, FOUNDRY_JWT_SECRET
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config populated with production defaults.
func Defaults() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Foundry",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/foundry.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "robot-backend",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer:          "foundry-dashboard",
				AccessTokenTTL:  86400,
				RefreshTokenTTL: 604800,
				Rotation: RotationConfig{
					Policy: "grace",
				},
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 100,
				LoginPerMinute:    5,
				Burst:             20,
			},
			Seed: SeedConfig{
				AdminUsername: "admin",
				CompanyID:     "company-001",
			},
		},
		Risk: RiskConfig{
			BlockThreshold:    75,
			RestrictThreshold: 25,
			Weights: RiskWeights{
				NewIP:              20,
				MissingIP:          20,
				NewDevice:          25,
				MissingDevice:      25,
				MissingUserAgent:   20,
				AutomatedAgent:     15,
				UnusualHour:        10,
				Weekend:            5,
				PriorRestriction:   10,
				IPChurn:            15,
				HistoryUnavailable: 10,
			},
			UnusualHourStart: 23,
			UnusualHourEnd:   6,
			HistoryWindow:    86400,
			MaxDistinctIPs:   3,
		},
		Telemetry: TelemetryConfig{
			Topic:           "robot/data",
			StateTopic:      "foundry/robot",
			Workers:         8,
			QueueSize:       256,
			MessageTimeout:  500,
			StalenessWindow: 300,
			SweepInterval:   30,
			DefaultCompany:  "company-001",
			Thresholds: TelemetryThresholds{
				CriticalTemperature: 80,
				WarningTemperature:  60,
				LowTemperature:      10,
				StalledSamples:      3,
				MaxPower:            500,
				MinPower:            50,
				IdealCycleTime:      20,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FOUNDRY_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("FOUNDRY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("FOUNDRY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FOUNDRY_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("FOUNDRY_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.Broker.ClientID = v
	}
	if v := os.Getenv("FOUNDRY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FOUNDRY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("FOUNDRY_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("FOUNDRY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("FOUNDRY_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("FOUNDRY_JWT_SECRET_FILE"); v != "" {
		cfg.Security.JWT.SecretFile = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error { //nolint:gocognit,gocyclo // flat list of independent checks
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("site.timezone %q is not a valid IANA zone", c.Site.Timezone))
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// A forged token grants access to every robot on the floor, so the
	// secret is mandatory unless it is read from a file at startup.
	const minJWTSecretLength = 32
	jwt := c.Security.JWT
	switch {
	case jwt.Secret == "" && jwt.SecretFile == "":
		errs = append(errs, "security.jwt.secret is required (set FOUNDRY_JWT_SECRET or security.jwt.secret_file)")
	case jwt.Secret != "" && len(jwt.Secret) < minJWTSecretLength:
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}
	if jwt.AccessTokenTTL <= 0 {
		errs = append(errs, "security.jwt.access_token_ttl must be positive")
	}
	if jwt.RefreshTokenTTL <= jwt.AccessTokenTTL {
		errs = append(errs, "security.jwt.refresh_token_ttl must exceed access_token_ttl")
	}
	if jwt.Rotation.Policy != "grace" && jwt.Rotation.Policy != "revoke" {
		errs = append(errs, "security.jwt.rotation.policy must be \"grace\" or \"revoke\"")
	}
	if jwt.Rotation.GracePeriod < 0 || jwt.Rotation.Interval < 0 {
		errs = append(errs, "security.jwt.rotation durations must not be negative")
	}

	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RequestsPerMinute <= 0 || c.Security.RateLimit.LoginPerMinute <= 0) {
		errs = append(errs, "security.rate_limit limits must be positive when enabled")
	}

	if c.Risk.RestrictThreshold < 0 || c.Risk.RestrictThreshold >= c.Risk.BlockThreshold || c.Risk.BlockThreshold > 100 {
		errs = append(errs, "risk thresholds must satisfy 0 <= restrict_threshold < block_threshold <= 100")
	}
	if w := c.Risk.Weights; w.NewIP < 0 || w.MissingIP < 0 || w.NewDevice < 0 || w.MissingDevice < 0 ||
		w.MissingUserAgent < 0 || w.AutomatedAgent < 0 || w.UnusualHour < 0 || w.Weekend < 0 ||
		w.PriorRestriction < 0 || w.IPChurn < 0 || w.HistoryUnavailable < 0 {
		errs = append(errs, "risk.weights must not be negative")
	}
	if !validHour(c.Risk.UnusualHourStart) || !validHour(c.Risk.UnusualHourEnd) {
		errs = append(errs, "risk.unusual_hour_start and unusual_hour_end must be 0-23")
	}

	if c.Telemetry.Topic == "" {
		errs = append(errs, "telemetry.topic is required")
	}
	if c.Telemetry.Workers < 1 {
		errs = append(errs, "telemetry.workers must be at least 1")
	}
	if c.Telemetry.QueueSize < 1 {
		errs = append(errs, "telemetry.queue_size must be at least 1")
	}
	if c.Telemetry.StalenessWindow <= 0 {
		errs = append(errs, "telemetry.staleness_window must be positive")
	}
	if c.Telemetry.Thresholds.WarningTemperature >= c.Telemetry.Thresholds.CriticalTemperature {
		errs = append(errs, "telemetry.thresholds.warning_temperature must be below critical_temperature")
	}
	if c.Telemetry.CompanySegment < 0 {
		errs = append(errs, "telemetry.company_segment must not be negative")
	}
	if c.Telemetry.CompanySegment == 0 && c.Telemetry.DefaultCompany == "" {
		errs = append(errs, "telemetry.default_company is required when company_segment is 0")
	}
	if c.Telemetry.Thresholds.StalledSamples < 1 {
		errs = append(errs, "telemetry.thresholds.stalled_samples must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func validHour(h int) bool {
	return h >= 0 && h <= 23
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// AccessTTL returns the access token lifetime.
func (j JWTConfig) AccessTTL() time.Duration {
	return time.Duration(j.AccessTokenTTL) * time.Second
}

// RefreshTTL returns the refresh token lifetime.
func (j JWTConfig) RefreshTTL() time.Duration {
	return time.Duration(j.RefreshTokenTTL) * time.Second
}

// Grace returns how long rotated keys remain valid for verification.
func (j JWTConfig) Grace() time.Duration {
	if j.Rotation.GracePeriod == 0 {
		return j.RefreshTTL()
	}
	return time.Duration(j.Rotation.GracePeriod) * time.Second
}

// Staleness returns the offline cutoff as a Duration.
func (t TelemetryConfig) Staleness() time.Duration {
	return time.Duration(t.StalenessWindow) * time.Second
}

// Timeout returns the per-message enqueue deadline.
func (t TelemetryConfig) Timeout() time.Duration {
	return time.Duration(t.MessageTimeout) * time.Millisecond
}

// Location returns the site time zone, falling back to UTC.
func (s SiteConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
