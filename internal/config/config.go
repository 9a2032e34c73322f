package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full pipeline configuration. It is loaded once and
// injected into every stage at construction.
type Config struct {
	Dataset    DatasetConfig    `yaml:"dataset"`
	Provider   ProviderConfig   `yaml:"provider"`
	Storage    StorageConfig    `yaml:"storage"`
	Wait       WaitConfig       `yaml:"wait"`
	Warehouse  WarehouseConfig  `yaml:"warehouse"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Events     EventsConfig     `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
	Perf       PerfConfig       `yaml:"perf"`
}

type DatasetConfig struct {
	Prefix     string `yaml:"prefix"`      // key prefix, e.g. "redfin_data"
	StagingDir string `yaml:"staging_dir"` // local directory for raw artifacts
}

type ProviderConfig struct {
	URL             string            `yaml:"url"`
	Query           map[string]string `yaml:"query"`
	APIKey          string            `yaml:"api_key"`
	APIHost         string            `yaml:"api_host"`
	CredentialsFile string            `yaml:"credentials_file"`
	KeyHeader       string            `yaml:"key_header"`
	HostHeader      string            `yaml:"host_header"`
	Timeout         time.Duration     `yaml:"timeout"`
	RetryAttempts   int               `yaml:"retry_attempts"`
	RetryDelay      time.Duration     `yaml:"retry_delay"`
}

type StorageConfig struct {
	Backend           string        `yaml:"backend"`
	Region            string        `yaml:"region"`
	Endpoint          string        `yaml:"endpoint"`
	LocalDir          string        `yaml:"local_dir"`
	AccessKey         string        `yaml:"access_key"`
	SecretKey         string        `yaml:"secret_key"`
	UseSSL            bool          `yaml:"use_ssl"`
	RawBucket         string        `yaml:"raw_bucket"`
	TransformedBucket string        `yaml:"transformed_bucket"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
}

type WaitConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type WarehouseConfig struct {
	DSN              string        `yaml:"dsn"`
	Schema           string        `yaml:"schema"`
	Table            string        `yaml:"table"`
	IAMRole          string        `yaml:"iam_role"`
	Region           string        `yaml:"region"`
	Delimiter        string        `yaml:"delimiter"`
	IgnoreHeader     int           `yaml:"ignore_header"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	Dedup            bool          `yaml:"dedup"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Pipeline    string `yaml:"pipeline"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type EventsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	BackupDir string `yaml:"backup_dir"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type PerfConfig struct {
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
}

// Default returns the configuration the pipeline runs with when nothing
// is overridden. The warehouse IAM role has no default and must be set.
func Default() Config {
	return Config{
		Dataset: DatasetConfig{
			Prefix:     "redfin_data",
			StagingDir: "./data",
		},
		Provider: ProviderConfig{
			URL:           "https://redfin-com-data.p.rapidapi.com/properties/search-rent",
			Query:         map[string]string{"regionId": "6_13410"},
			KeyHeader:     "x-rapidapi-key",
			HostHeader:    "x-rapidapi-host",
			Timeout:       30 * time.Second,
			RetryAttempts: 2,
			RetryDelay:    5 * time.Second,
		},
		Storage: StorageConfig{
			Backend:           "s3",
			Region:            "us-east-1",
			RawBucket:         "redfinraw-data",
			TransformedBucket: "transformed-redfin-data",
			RetryAttempts:     2,
			RetryDelay:        5 * time.Second,
		},
		Wait: WaitConfig{
			PollInterval: 60 * time.Second,
			Timeout:      3600 * time.Second,
		},
		Warehouse: WarehouseConfig{
			Schema:           "public",
			Table:            "Realtordata",
			Region:           "us-east-1",
			Delimiter:        ",",
			IgnoreHeader:     1,
			RetryAttempts:    5,
			RetryBackoff:     2 * time.Minute,
			ExecutionTimeout: 10 * time.Minute,
			Dedup:            true,
		},
		Catalog: CatalogConfig{
			Pipeline: "realtor_etl",
		},
		Checkpoint: CheckpointConfig{
			Dir: "./state",
		},
		Events: EventsConfig{
			BackupDir: "./events",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Perf: PerfConfig{
			MaxConcurrentRuns: 1,
		},
	}
}

// Load builds the configuration: defaults, then the optional YAML file at
// path, then environment variables. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		// A query in the file replaces the default map; yaml.v3 would
		// otherwise add its keys to it.
		defaultQuery := cfg.Provider.Query
		cfg.Provider.Query = nil
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if cfg.Provider.Query == nil {
			cfg.Provider.Query = defaultQuery
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.Provider.CredentialsFile != "" {
		if err := loadCredentials(&cfg.Provider); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load that exits the process on error.
func MustLoad(path string) Config {
	log.Println("[config] loading")

	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("parse %s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("parse %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("parse %s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("DATASET_PREFIX", &cfg.Dataset.Prefix)
	str("STAGING_DIR", &cfg.Dataset.StagingDir)

	str("PROVIDER_URL", &cfg.Provider.URL)
	if v := os.Getenv("PROVIDER_QUERY"); v != "" {
		q, err := parseQuery(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse PROVIDER_QUERY: %w", err))
		} else {
			cfg.Provider.Query = q
		}
	}
	str("PROVIDER_API_KEY", &cfg.Provider.APIKey)
	str("PROVIDER_API_HOST", &cfg.Provider.APIHost)
	str("PROVIDER_CREDENTIALS_FILE", &cfg.Provider.CredentialsFile)
	str("PROVIDER_KEY_HEADER", &cfg.Provider.KeyHeader)
	str("PROVIDER_HOST_HEADER", &cfg.Provider.HostHeader)
	dur("PROVIDER_TIMEOUT", &cfg.Provider.Timeout)
	num("EXTRACT_RETRY_ATTEMPTS", &cfg.Provider.RetryAttempts)
	dur("EXTRACT_RETRY_DELAY", &cfg.Provider.RetryDelay)

	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("STORAGE_REGION", &cfg.Storage.Region)
	str("STORAGE_ENDPOINT", &cfg.Storage.Endpoint)
	str("STORAGE_LOCAL_DIR", &cfg.Storage.LocalDir)
	str("MINIO_ACCESS_KEY", &cfg.Storage.AccessKey)
	str("MINIO_SECRET_KEY", &cfg.Storage.SecretKey)
	flag("MINIO_USE_SSL", &cfg.Storage.UseSSL)
	str("RAW_BUCKET", &cfg.Storage.RawBucket)
	str("TRANSFORMED_BUCKET", &cfg.Storage.TransformedBucket)
	num("UPLOAD_RETRY_ATTEMPTS", &cfg.Storage.RetryAttempts)
	dur("UPLOAD_RETRY_DELAY", &cfg.Storage.RetryDelay)

	dur("WAIT_POLL_INTERVAL", &cfg.Wait.PollInterval)
	dur("WAIT_TIMEOUT", &cfg.Wait.Timeout)

	str("WAREHOUSE_DSN", &cfg.Warehouse.DSN)
	str("WAREHOUSE_SCHEMA", &cfg.Warehouse.Schema)
	str("WAREHOUSE_TABLE", &cfg.Warehouse.Table)
	str("LOAD_IAM_ROLE", &cfg.Warehouse.IAMRole)
	str("LOAD_REGION", &cfg.Warehouse.Region)
	str("LOAD_DELIMITER", &cfg.Warehouse.Delimiter)
	num("LOAD_IGNORE_HEADER", &cfg.Warehouse.IgnoreHeader)
	num("LOAD_RETRY_ATTEMPTS", &cfg.Warehouse.RetryAttempts)
	dur("LOAD_RETRY_BACKOFF", &cfg.Warehouse.RetryBackoff)
	dur("LOAD_EXECUTION_TIMEOUT", &cfg.Warehouse.ExecutionTimeout)
	flag("LOAD_DEDUP", &cfg.Warehouse.Dedup)

	str("CATALOG_DSN", &cfg.Catalog.PostgresDSN)
	str("CATALOG_PIPELINE", &cfg.Catalog.Pipeline)

	flag("CHECKPOINT_ENABLED", &cfg.Checkpoint.Enabled)
	str("CHECKPOINT_DIR", &cfg.Checkpoint.Dir)

	flag("EVENTS_ENABLED", &cfg.Events.Enabled)
	str("EVENTS_ENDPOINT", &cfg.Events.Endpoint)
	str("EVENTS_DIR", &cfg.Events.BackupDir)

	flag("METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("METRICS_ADDR", &cfg.Metrics.Address)

	str("LOG_FORMAT", &cfg.Logging.Format)
	str("LOG_LEVEL", &cfg.Logging.Level)

	num("MAX_CONCURRENT_RUNS", &cfg.Perf.MaxConcurrentRuns)

	return errors.Join(errs...)
}

func parseQuery(raw string) (map[string]string, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, err
	}
	q := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			q[k] = v[0]
		}
	}
	return q, nil
}

// loadCredentials reads the provider credential document, a JSON object
// keyed by header name.
func loadCredentials(p *ProviderConfig) error {
	data, err := os.ReadFile(p.CredentialsFile)
	if err != nil {
		return fmt.Errorf("read credentials file: %w", err)
	}
	var creds map[string]string
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("parse credentials file: %w", err)
	}
	if v, ok := creds[p.KeyHeader]; ok && p.APIKey == "" {
		p.APIKey = v
	}
	if v, ok := creds[p.HostHeader]; ok && p.APIHost == "" {
		p.APIHost = v
	}
	return nil
}

// Validate checks the configuration for values no stage can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Dataset.Prefix == "" {
		errs = append(errs, errors.New("DATASET_PREFIX is required"))
	}
	if c.Dataset.StagingDir == "" {
		errs = append(errs, errors.New("STAGING_DIR is required"))
	}
	if c.Provider.URL == "" {
		errs = append(errs, errors.New("PROVIDER_URL is required"))
	} else if u, err := url.Parse(c.Provider.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("PROVIDER_URL is not an absolute URL: %q", c.Provider.URL))
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, errors.New("PROVIDER_TIMEOUT must be positive"))
	}
	if c.Provider.RetryAttempts < 1 {
		errs = append(errs, errors.New("EXTRACT_RETRY_ATTEMPTS must be >= 1"))
	}
	if c.Storage.RawBucket == "" || c.Storage.TransformedBucket == "" {
		errs = append(errs, errors.New("RAW_BUCKET and TRANSFORMED_BUCKET are required"))
	}
	if c.Storage.RetryAttempts < 1 {
		errs = append(errs, errors.New("UPLOAD_RETRY_ATTEMPTS must be >= 1"))
	}
	if c.Wait.PollInterval <= 0 {
		errs = append(errs, errors.New("WAIT_POLL_INTERVAL must be positive"))
	}
	if c.Wait.Timeout < c.Wait.PollInterval {
		errs = append(errs, errors.New("WAIT_TIMEOUT must be >= WAIT_POLL_INTERVAL"))
	}
	if c.Warehouse.Schema == "" || c.Warehouse.Table == "" {
		errs = append(errs, errors.New("WAREHOUSE_SCHEMA and WAREHOUSE_TABLE are required"))
	}
	if c.Warehouse.IAMRole == "" {
		errs = append(errs, errors.New("LOAD_IAM_ROLE is required"))
	}
	if len(c.Warehouse.Delimiter) != 1 {
		errs = append(errs, errors.New("LOAD_DELIMITER must be a single character"))
	}
	if c.Warehouse.IgnoreHeader < 0 {
		errs = append(errs, errors.New("LOAD_IGNORE_HEADER must be >= 0"))
	}
	if c.Warehouse.RetryAttempts < 1 {
		errs = append(errs, errors.New("LOAD_RETRY_ATTEMPTS must be >= 1"))
	}
	if c.Warehouse.RetryBackoff < 0 {
		errs = append(errs, errors.New("LOAD_RETRY_BACKOFF must be >= 0"))
	}
	if c.Warehouse.ExecutionTimeout <= 0 {
		errs = append(errs, errors.New("LOAD_EXECUTION_TIMEOUT must be positive"))
	}
	if c.Perf.MaxConcurrentRuns < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_RUNS must be >= 1"))
	}
	return errors.Join(errs...)
}
