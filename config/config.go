package config

import (
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Defaults mirror the lab's docker-compose layout: the primary on 5432, the
// standby on 5433, and the exporter publishing on 9188.
const (
	DefaultPrimaryHost  = "localhost"
	DefaultPrimaryPort  = "5432"
	DefaultStandbyHost  = "localhost"
	DefaultStandbyPort  = "5433"
	DefaultDatabase     = "testdb"
	DefaultUser         = "postgres"
	DefaultSslmode      = "disable"
	DefaultListenPort   = 9188
	DefaultPollInterval = 15 * time.Second
	DefaultTimeout      = 5 * time.Second
	DefaultProbeTable   = "test_data"
)

type EndpointConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Sslmode  string `yaml:"sslmode"`
}

type Config struct {
	Primary EndpointConfig `yaml:"primary"`
	Standby EndpointConfig `yaml:"standby"`

	// ListenPort is the TCP port the scrape endpoint binds to.
	ListenPort int `yaml:"listen_port"`

	// PollInterval is how often a full collection cycle runs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ConnectTimeout bounds each connection attempt; QueryTimeout bounds
	// the queries one collector issues in a cycle.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`

	// ProbeTable is the table whose row count is compared between primary
	// and standby by the consistency check.
	ProbeTable string `yaml:"probe_table"`
}

// Load resolves configuration once at startup: defaults first, then the
// environment, then the optional YAML file at path. An empty path means
// env-only, which is how the exporter runs inside the lab compose file.
func Load(path string) (*Config, error) {
	c := fromEnv()

	if path != "" {
		bytes, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(bytes, c); err != nil {
			return nil, errors.Wrap(err, "parse config file")
		}
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func fromEnv() *Config {
	db := envOr("POSTGRES_DB", DefaultDatabase)
	user := envOr("POSTGRES_USER", DefaultUser)
	password := os.Getenv("POSTGRES_PASSWORD")

	return &Config{
		Primary: EndpointConfig{
			Host:     envOr("PRIMARY_HOST", DefaultPrimaryHost),
			Port:     envOr("PRIMARY_PORT", DefaultPrimaryPort),
			Database: db,
			User:     user,
			Password: password,
			Sslmode:  DefaultSslmode,
		},
		Standby: EndpointConfig{
			Host:     envOr("STANDBY_HOST", DefaultStandbyHost),
			Port:     envOr("STANDBY_PORT", DefaultStandbyPort),
			Database: db,
			User:     user,
			Password: password,
			Sslmode:  DefaultSslmode,
		},
		ListenPort:     envIntOr("EXPORTER_PORT", DefaultListenPort),
		PollInterval:   DefaultPollInterval,
		ConnectTimeout: DefaultTimeout,
		QueryTimeout:   DefaultTimeout,
		ProbeTable:     DefaultProbeTable,
	}
}

func (c *Config) validate() error {
	for _, ep := range []struct {
		name string
		cfg  EndpointConfig
	}{
		{"primary", c.Primary},
		{"standby", c.Standby},
	} {
		if ep.cfg.Host == "" {
			return errors.Errorf("%s: host is required", ep.name)
		}
		if ep.cfg.Port == "" {
			return errors.Errorf("%s: port is required", ep.name)
		}
		if ep.cfg.Database == "" {
			return errors.Errorf("%s: database is required", ep.name)
		}
		if ep.cfg.User == "" {
			return errors.Errorf("%s: user is required", ep.name)
		}
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return errors.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect_timeout must be positive")
	}
	if c.QueryTimeout <= 0 {
		return errors.New("query_timeout must be positive")
	}
	if c.ProbeTable == "" {
		return errors.New("probe_table is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
