package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"transferd/internal/credentials"
	"transferd/internal/proxy/accelerated"
	"transferd/internal/proxy/drive"
	"transferd/internal/proxy/managed"
	"transferd/internal/proxy/objectstore"
	"transferd/internal/proxy/posix"
	"transferd/internal/queue"
	"transferd/internal/task"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TRANSFERD_"

// Config represents the server configuration
type Config struct {
	ServerID          string                      `yaml:"server_id"`
	LogLevel          string                      `yaml:"log_level"`
	Repository        Repository                  `yaml:"repository"`
	Scheduler         Scheduler                   `yaml:"scheduler"`
	Pools             map[task.Protocol]int       `yaml:"pools"`
	Staleness         map[task.Kind]time.Duration `yaml:"staleness"`
	DefaultStaleness  time.Duration               `yaml:"default_staleness"`
	MaxRetries        int                         `yaml:"max_retries"`
	RetryBackoff      time.Duration               `yaml:"retry_backoff"`
	CallTimeout       time.Duration               `yaml:"call_timeout"`
	URLExpiry         time.Duration               `yaml:"url_expiry"`
	ProgressThreshold int64                       `yaml:"progress_threshold"`
	ProgressInterval  time.Duration               `yaml:"progress_interval"`
	Dispatch          queue.Config                `yaml:"dispatch"`
	RecoverAnyServer  bool                        `yaml:"recover_any_server"`
	ArchiveBase       string                      `yaml:"archive_base"`
	HTTP              HTTP                        `yaml:"http"`
	Notify            Notify                      `yaml:"notify"`
	Credentials       Credentials                 `yaml:"credentials"`
	Backends          Backends                    `yaml:"backends"`
}

// Repository selects the task store
type Repository struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Scheduler holds cron schedules keyed by job name
type Scheduler struct {
	Default string            `yaml:"default"`
	Jobs    map[string]string `yaml:"jobs"`
}

// HTTP configures the API listener
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Notify configures operator alerts
type Notify struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Credentials selects where account secrets come from
type Credentials struct {
	Provider string                             `yaml:"provider"`
	Region   string                             `yaml:"region"`
	Prefix   string                             `yaml:"prefix"`
	CacheTTL time.Duration                      `yaml:"cache_ttl"`
	Accounts map[string]credentials.Credentials `yaml:"accounts"`
}

// Backends configures each transfer protocol
type Backends struct {
	ObjectStore     objectstore.Config `yaml:"object_store"`
	ManagedEndpoint managed.Config     `yaml:"managed_endpoint"`
	Accelerated     accelerated.Config `yaml:"accelerated"`
	Drive           drive.Config       `yaml:"drive"`
	Posix           posix.Config       `yaml:"posix"`
}

// Repository drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Credential providers
const (
	ProviderStatic         = "static"
	ProviderSecretsManager = "secretsmanager"
)

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Repository: Repository{
			Driver: DriverSQLite,
			DSN:    "./transferd.db",
		},
		Scheduler: Scheduler{
			Default: "@every 30s",
			Jobs:    map[string]string{},
		},
		Pools:             map[task.Protocol]int{},
		Staleness:         map[task.Kind]time.Duration{},
		DefaultStaleness:  24 * time.Hour,
		MaxRetries:        3,
		RetryBackoff:      5 * time.Second,
		CallTimeout:       2 * time.Minute,
		URLExpiry:         24 * time.Hour,
		ProgressThreshold: 10 * 1024 * 1024,
		ProgressInterval:  30 * time.Second,
		Dispatch: queue.Config{
			Enabled:      true,
			Backend:      queue.BackendLocal,
			Delay:        30 * time.Second,
			Buffer:       1024,
			PollInterval: time.Second,
			Concurrency:  8,
		},
		ArchiveBase: "/var/lib/transferd/archive",
		HTTP:        HTTP{Addr: ":8080"},
		Notify:      Notify{Timeout: 10 * time.Second},
		Credentials: Credentials{
			Provider: ProviderStatic,
			CacheTTL: 5 * time.Minute,
			Accounts: map[string]credentials.Credentials{},
		},
	}
}

// Load loads configuration from file, environment and command line flags,
// in increasing order of precedence. envFile names a dotenv file whose
// variables are added to the environment; an empty name tries ./.env.
func Load(configFile, envFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadDotenv(envFile); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	if err := loadFromEnv(cfg, os.Environ()); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if cfg.ServerID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("server_id is not set and hostname is unavailable: %w", err)
		}
		cfg.ServerID = host
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func loadDotenv(envFile string) error {
	if envFile == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		envFile = ".env"
	}
	return godotenv.Load(envFile)
}

// credentialFields maps an env suffix to the credential field it sets
var credentialFields = map[string]func(c *credentials.Credentials, v string){
	"ACCESS_KEY":    func(c *credentials.Credentials, v string) { c.AccessKey = v },
	"SECRET_KEY":    func(c *credentials.Credentials, v string) { c.SecretKey = v },
	"SESSION_TOKEN": func(c *credentials.Credentials, v string) { c.SessionToken = v },
	"CLIENT_ID":     func(c *credentials.Credentials, v string) { c.ClientID = v },
	"CLIENT_SECRET": func(c *credentials.Credentials, v string) { c.ClientSecret = v },
	"REFRESH_TOKEN": func(c *credentials.Credentials, v string) { c.RefreshToken = v },
	"TOKEN":         func(c *credentials.Credentials, v string) { c.Token = v },
	"USERNAME":      func(c *credentials.Credentials, v string) { c.Username = v },
}

// loadFromEnv applies TRANSFERD_* variables. Account secrets use
// TRANSFERD_ACCOUNT_<REF>_<FIELD>, for example
// TRANSFERD_ACCOUNT_DEFAULT_SECRET_KEY.
func loadFromEnv(cfg *Config, environ []string) error {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, EnvPrefix)

		switch name {
		case "SERVER_ID":
			cfg.ServerID = value
		case "LOG_LEVEL":
			cfg.LogLevel = value
		case "DB_DRIVER":
			cfg.Repository.Driver = value
		case "DB_DSN":
			cfg.Repository.DSN = value
		case "HTTP_ADDR":
			cfg.HTTP.Addr = value
		case "ARCHIVE_BASE":
			cfg.ArchiveBase = value
		case "WEBHOOK_URL":
			cfg.Notify.WebhookURL = value
		case "AWS_REGION":
			cfg.Credentials.Region = value
		default:
			if strings.HasPrefix(name, "ACCOUNT_") {
				if err := setAccountField(cfg, strings.TrimPrefix(name, "ACCOUNT_"), value); err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
			}
		}
	}
	return nil
}

func setAccountField(cfg *Config, rest, value string) error {
	// REFRESH_TOKEN also ends in _TOKEN, so the longest matching field wins
	field := ""
	for suffix := range credentialFields {
		if strings.HasSuffix(rest, "_"+suffix) && len(suffix) > len(field) {
			field = suffix
		}
	}
	ref := strings.ToLower(strings.TrimSuffix(rest, "_"+field))
	if field == "" || ref == "" {
		return fmt.Errorf("expected %sACCOUNT_<REF>_<FIELD>", EnvPrefix)
	}

	if cfg.Credentials.Accounts == nil {
		cfg.Credentials.Accounts = map[string]credentials.Credentials{}
	}
	c := cfg.Credentials.Accounts[ref]
	credentialFields[field](&c, value)
	cfg.Credentials.Accounts[ref] = c
	return nil
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("server-id") {
		cfg.ServerID, _ = flags.GetString("server-id")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("db-driver") {
		cfg.Repository.Driver, _ = flags.GetString("db-driver")
	}
	if flags.Changed("db-dsn") {
		cfg.Repository.DSN, _ = flags.GetString("db-dsn")
	}
	if flags.Changed("http-addr") {
		cfg.HTTP.Addr, _ = flags.GetString("http-addr")
	}
	if flags.Changed("archive-base") {
		cfg.ArchiveBase, _ = flags.GetString("archive-base")
	}
	if flags.Changed("max-retries") {
		cfg.MaxRetries, _ = flags.GetInt("max-retries")
	}
	if flags.Changed("recover-any-server") {
		cfg.RecoverAnyServer, _ = flags.GetBool("recover-any-server")
	}
	if flags.Changed("dispatch") {
		cfg.Dispatch.Enabled, _ = flags.GetBool("dispatch")
	}
	if flags.Changed("dispatch-backend") {
		cfg.Dispatch.Backend, _ = flags.GetString("dispatch-backend")
	}

	return nil
}

func (c *Config) validate() error {
	switch c.Repository.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Repository.DSN == "" {
			return fmt.Errorf("repository dsn is required for driver %s", c.Repository.Driver)
		}
	default:
		return fmt.Errorf("unknown repository driver %q", c.Repository.Driver)
	}

	for protocol, size := range c.Pools {
		if !protocol.Valid() {
			return fmt.Errorf("pool configured for unknown protocol %q", protocol)
		}
		if size <= 0 {
			return fmt.Errorf("pool size for %s must be positive", protocol)
		}
	}
	for kind, d := range c.Staleness {
		if !kind.Valid() {
			return fmt.Errorf("staleness configured for unknown kind %q", kind)
		}
		if d <= 0 {
			return fmt.Errorf("staleness for %s must be positive", kind)
		}
	}
	if c.DefaultStaleness <= 0 {
		return fmt.Errorf("default staleness must be positive")
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}
	if c.ProgressThreshold <= 0 {
		return fmt.Errorf("progress threshold must be positive")
	}

	if c.Dispatch.Delay < 0 {
		return fmt.Errorf("dispatch delay must not be negative")
	}
	if c.Dispatch.Enabled {
		switch c.Dispatch.Backend {
		case "", queue.BackendLocal:
		case queue.BackendSQL:
			if c.Repository.Driver == DriverMemory {
				return fmt.Errorf("sql dispatch backend requires a sql repository")
			}
		default:
			return fmt.Errorf("unknown dispatch backend %q", c.Dispatch.Backend)
		}
	}

	switch c.Credentials.Provider {
	case "", ProviderStatic, ProviderSecretsManager:
	default:
		return fmt.Errorf("unknown credentials provider %q", c.Credentials.Provider)
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http addr is required")
	}

	return nil
}
