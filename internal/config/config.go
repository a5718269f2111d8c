// Package config loads the monitor service configuration from an optional YAML
// file, a .env file and environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"hydrotwin-backend/internal/baseline"
	"hydrotwin-backend/internal/bus"
	"hydrotwin-backend/internal/detect"
	"hydrotwin-backend/internal/pattern"
	"hydrotwin-backend/internal/security"
	"hydrotwin-backend/internal/sqlstore"
	"hydrotwin-backend/internal/storage"
	"hydrotwin-backend/internal/telemetry"
)

type HTTPConfig struct {
	Port           string        `yaml:"port"`
	AdminPort      string        `yaml:"adminPort"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// StorageConfig selects the backend: "memory", "postgres" (pgx pool on
// DatabaseURL) or "sql" (database/sql with one of the SQL dialects).
type StorageConfig struct {
	Driver      string                    `yaml:"driver"`
	DatabaseURL string                    `yaml:"databaseUrl"`
	SQL         sqlstore.ConnectionConfig `yaml:"sql"`

	// MemoryRetention caps rows kept per network by the memory driver.
	MemoryRetention int `yaml:"memoryRetention"`
}

type BusConfig struct {
	NATSURL string         `yaml:"natsUrl"`
	MQTT    bus.MQTTConfig `yaml:"mqtt"`
	// Cooldown suppresses repeated anomaly events per sensor and severity.
	Cooldown time.Duration `yaml:"cooldown"`
}

type MonitoringConfig struct {
	Seed           uint64        `yaml:"seed"`
	MinInterval    time.Duration `yaml:"minInterval"`
	MaxInterval    time.Duration `yaml:"maxInterval"`
	PersistTimeout time.Duration `yaml:"persistTimeout"`
	MaxQueryRange  time.Duration `yaml:"maxQueryRange"`
	MaxResultSize  int           `yaml:"maxResultSize"`
	Networks       []string      `yaml:"networks"`
}

type Config struct {
	HTTP       HTTPConfig            `yaml:"http"`
	Storage    StorageConfig         `yaml:"storage"`
	Bus        BusConfig             `yaml:"bus"`
	Solver     baseline.SolverConfig `yaml:"solver"`
	Pattern    pattern.Config        `yaml:"pattern"`
	Model      telemetry.Model       `yaml:"model"`
	Thresholds detect.Thresholds     `yaml:"thresholds"`
	Monitoring MonitoringConfig      `yaml:"monitoring"`
}

func Default() Config {
	limits := security.DefaultLimits()
	return Config{
		HTTP:    HTTPConfig{Port: "8090", AdminPort: "8091", RequestTimeout: 30 * time.Second},
		Storage: StorageConfig{Driver: "memory", MemoryRetention: storage.DefaultRetention},
		Bus: BusConfig{
			MQTT:     bus.MQTTConfig{ClientID: "hydrotwin-monitor", TopicPrefix: "hydrotwin", QoS: 1},
			Cooldown: 5 * time.Minute,
		},
		Solver:     baseline.SolverConfig{Type: "file", Dir: "baselines"},
		Pattern:    pattern.DefaultConfig(),
		Model:      telemetry.DefaultModel(),
		Thresholds: detect.DefaultThresholds(),
		Monitoring: MonitoringConfig{
			MinInterval:    limits.MinInterval,
			MaxInterval:    limits.MaxInterval,
			PersistTimeout: limits.PersistTimeout,
			MaxQueryRange:  limits.MaxQueryRange,
			MaxResultSize:  limits.MaxResultSize,
		},
	}
}

// Load reads .env (if present), then the YAML file at CONFIG_PATH (if set),
// then applies environment overrides and validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile is Load without the environment: defaults overlaid with one file.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.HTTP.Port = getenv("HTTP_PORT", c.HTTP.Port)
	c.HTTP.AdminPort = getenv("ADMIN_PORT", c.HTTP.AdminPort)
	c.Storage.Driver = getenv("STORAGE_DRIVER", c.Storage.Driver)
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Storage.DatabaseURL = url
		if os.Getenv("STORAGE_DRIVER") == "" {
			c.Storage.Driver = "postgres"
		}
	}
	c.Bus.NATSURL = getenv("NATS_URL", c.Bus.NATSURL)
	c.Bus.MQTT.Broker = getenv("MQTT_BROKER", c.Bus.MQTT.Broker)
	c.Bus.MQTT.Username = getenv("MQTT_USERNAME", c.Bus.MQTT.Username)
	c.Bus.MQTT.Password = getenv("MQTT_PASSWORD", c.Bus.MQTT.Password)
	c.Solver.Type = getenv("SOLVER_TYPE", c.Solver.Type)
	c.Solver.Endpoint = getenv("SOLVER_ENDPOINT", c.Solver.Endpoint)
	c.Solver.Dir = getenv("BASELINE_DIR", c.Solver.Dir)
	if networks := splitCSV(os.Getenv("ALLOWLIST_NETWORKS")); len(networks) > 0 {
		c.Monitoring.Networks = networks
	}

	var errs []error
	seconds := func(key string, target *time.Duration) {
		n, err := getenvInt(key, int(target.Seconds()))
		if err != nil {
			errs = append(errs, err)
			return
		}
		*target = time.Duration(n) * time.Second
	}
	seconds("PERSIST_TIMEOUT_SECONDS", &c.Monitoring.PersistTimeout)
	seconds("ANOMALY_COOLDOWN_SECONDS", &c.Bus.Cooldown)
	seconds("REQUEST_TIMEOUT_SECONDS", &c.HTTP.RequestTimeout)
	if raw := os.Getenv("MONITOR_SEED"); raw != "" {
		seed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MONITOR_SEED: %w", err))
		} else {
			c.Monitoring.Seed = seed
		}
	}
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return errors.New("storage: postgres driver requires databaseUrl")
		}
	case "sql":
		if c.Storage.SQL.Type == "" {
			return errors.New("storage: sql driver requires sql.type")
		}
	default:
		return fmt.Errorf("storage: unsupported driver %q", c.Storage.Driver)
	}
	if _, err := pattern.New(c.Pattern); err != nil {
		return fmt.Errorf("pattern: %w", err)
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	m := c.Monitoring
	if m.MinInterval <= 0 || m.MaxInterval < m.MinInterval {
		return errors.New("monitoring: interval bounds are invalid")
	}
	if m.PersistTimeout <= 0 {
		return errors.New("monitoring: persistTimeout must be positive")
	}
	for _, id := range m.Networks {
		if !security.IsSafeIdentifier(id) {
			return fmt.Errorf("monitoring: invalid network id %q", id)
		}
	}
	return nil
}

func (c Config) Limits() security.Limits {
	return security.Limits{
		MinInterval:    c.Monitoring.MinInterval,
		MaxInterval:    c.Monitoring.MaxInterval,
		PersistTimeout: c.Monitoring.PersistTimeout,
		MaxQueryRange:  c.Monitoring.MaxQueryRange,
		MaxResultSize:  c.Monitoring.MaxResultSize,
	}
}

func (c Config) Allowlist() security.Allowlist {
	return security.Allowlist{Networks: c.Monitoring.Networks}
}

func getenv(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
