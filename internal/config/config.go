// Package config loads and validates the YAML configuration shared by the
// gateway and the export API. Environment variables override file values, so
// containerized deployments can run without a config file at all.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/exportworks/excel-export/internal/constant"
)

// Environment names accepted in Config.Env.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Duration wraps time.Duration so YAML values can be written as "15m" or "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration shared by both services. The gateway only
// reads the app-side fields and the export API only the api-side ones, but a
// single file can drive both processes.
type Config struct {
	// APIPort is the TCP port the export API listens on.
	APIPort int `yaml:"api-port"`

	// AppPort is the TCP port the public gateway listens on.
	AppPort int `yaml:"app-port"`

	// APIHost is the hostname the gateway uses to reach the export API.
	APIHost string `yaml:"api-host"`

	// Env selects runtime behavior; one of development, production, test.
	// Error responses carry stack traces only in development.
	Env string `yaml:"env"`

	// Debug enables debug-level logging and Gin debug mode.
	Debug bool `yaml:"debug"`

	// LoggingToFile mirrors log output into logs/main.log with rotation.
	LoggingToFile bool `yaml:"logging-to-file"`

	// CORSOrigin is the single origin allowed to call the gateway from a
	// browser.
	CORSOrigin string `yaml:"cors-origin"`

	// ProxyURL routes the gateway's upstream requests through a proxy
	// (socks5://, http://, or https://); empty means a direct connection.
	ProxyURL string `yaml:"proxy-url"`

	// StatsPath is the bolt database file recording export statistics; empty
	// disables persistence.
	StatsPath string `yaml:"stats-path"`

	// Database holds the PostgreSQL settings used by the export API.
	Database DatabaseConfig `yaml:"database"`

	// JWT holds the service token settings shared by both services.
	JWT JWTConfig `yaml:"jwt"`
}

// DatabaseConfig describes the PostgreSQL server and pool tuning.
type DatabaseConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `yaml:"host"`

	// Port is the PostgreSQL server port.
	Port int `yaml:"port"`

	// User and Password authenticate the export API against the server.
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// Name is the database to connect to.
	Name string `yaml:"name"`

	// MaxConns and MinConns bound the connection pool size.
	MaxConns int32 `yaml:"max-conns"`
	MinConns int32 `yaml:"min-conns"`

	// IdleTimeout closes pooled connections idle longer than this.
	IdleTimeout Duration `yaml:"idle-timeout"`

	// ConnectTimeout bounds the initial connection handshake.
	ConnectTimeout Duration `yaml:"connect-timeout"`

	// QueryTimeout bounds export query startup, from pool acquisition to the
	// first row. Row streaming itself is not subject to it.
	QueryTimeout Duration `yaml:"query-timeout"`

	// DrainTimeout bounds graceful pool shutdown.
	DrainTimeout Duration `yaml:"drain-timeout"`
}

// JWTConfig describes the service tokens minted by the gateway and verified
// by the export API.
type JWTConfig struct {
	// Secret signs service tokens. Required, at least 32 bytes.
	Secret string `yaml:"secret"`

	// ExpiresIn is the minted token lifetime.
	ExpiresIn Duration `yaml:"expires-in"`
}

func defaultConfig() *Config {
	return &Config{
		APIPort:    3001,
		AppPort:    3000,
		APIHost:    "localhost",
		Env:        EnvDevelopment,
		CORSOrigin: "*",
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			User:           "postgres",
			Name:           "export",
			MaxConns:       10,
			MinConns:       0,
			IdleTimeout:    Duration(30 * time.Second),
			ConnectTimeout: Duration(15 * time.Second),
			QueryTimeout:   Duration(30 * time.Second),
			DrainTimeout:   Duration(30 * time.Second),
		},
		JWT: JWTConfig{
			ExpiresIn: Duration(constant.DefaultTokenTTL),
		},
	}
}

// LoadConfig reads the YAML file at path, applies environment overrides, and
// validates the result. A missing file is not an error; defaults plus
// environment variables describe a complete configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// environment-only configuration
	default:
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.Name, "DB_NAME")
	setInt(&cfg.APIPort, "API_PORT")
	setInt(&cfg.AppPort, "APP_PORT")
	setString(&cfg.APIHost, "API_HOST")
	if env, ok := lookupFirst("APP_ENV", "NODE_ENV"); ok {
		cfg.Env = env
	}
	setString(&cfg.CORSOrigin, "CORS_ORIGIN")
	setString(&cfg.JWT.Secret, "JWT_SECRET")
	setDuration(&cfg.JWT.ExpiresIn, "JWT_EXPIRES_IN")
	setString(&cfg.ProxyURL, "PROXY_URL")
	setString(&cfg.StatsPath, "STATS_PATH")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("config: ignoring non-integer %s=%q", key, v)
		return
	}
	*dst = n
}

func setDuration(dst *Duration, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		log.Warnf("config: ignoring invalid duration %s=%q", key, v)
		return
	}
	*dst = Duration(parsed)
}

func lookupFirst(keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures. It returns the first problem found.
func (c *Config) Validate() error {
	if c.Env != EnvDevelopment && c.Env != EnvProduction && c.Env != EnvTest {
		return fmt.Errorf("config: env must be development, production, or test; got %q", c.Env)
	}
	if len(c.JWT.Secret) < constant.MinTokenSecretLength {
		return fmt.Errorf("config: jwt secret must be at least %d bytes", constant.MinTokenSecretLength)
	}
	if c.JWT.ExpiresIn <= 0 {
		return fmt.Errorf("config: jwt expires-in must be positive")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("config: api-port %d out of range", c.APIPort)
	}
	if c.AppPort <= 0 || c.AppPort > 65535 {
		return fmt.Errorf("config: app-port %d out of range", c.AppPort)
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("config: database port %d out of range", c.Database.Port)
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("config: database max-conns must be positive")
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("config: database min-conns must be between 0 and max-conns")
	}
	return nil
}

// IsDevelopment reports whether error responses should carry stack traces.
func (c *Config) IsDevelopment() bool { return c.Env == EnvDevelopment }

// APIBaseURL is the root URL the gateway uses to reach the export API.
func (c *Config) APIBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.APIHost, c.APIPort)
}

// ConnString renders the pgx pool connection string for the database
// settings. URL form keeps credentials with special characters intact.
func (d *DatabaseConfig) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	q := u.Query()
	q.Set("pool_max_conns", strconv.Itoa(int(d.MaxConns)))
	if d.MinConns > 0 {
		q.Set("pool_min_conns", strconv.Itoa(int(d.MinConns)))
	}
	q.Set("pool_max_conn_idle_time", d.IdleTimeout.Std().String())
	q.Set("connect_timeout", strconv.Itoa(int(d.ConnectTimeout.Std().Seconds())))
	u.RawQuery = q.Encode()
	return u.String()
}
