package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	StorageDriver  string `yaml:"storage_driver"`
	DatabaseURL    string `yaml:"database_url"`
	SQLitePath     string `yaml:"sqlite_path"`
	SQLitePoolSize int    `yaml:"sqlite_pool_size"`
	APIPort        string `yaml:"api_port"`

	FileStoreDir    string `yaml:"file_store_dir"`
	FileCompression string `yaml:"file_compression"`

	NumImportWorkers   int `yaml:"num_import_workers"`
	ImportQueueSize    int `yaml:"import_queue_size"`
	ResultsChannelSize int `yaml:"results_channel_size"`
	DBBatchSize        int `yaml:"db_batch_size"`

	CommitMaxAttempts int           `yaml:"commit_max_attempts"`
	CommitBaseDelay   time.Duration `yaml:"commit_base_delay"`
	CommitMaxDelay    time.Duration `yaml:"commit_max_delay"`
	ImportLeaseTTL    time.Duration `yaml:"import_lease_ttl"`

	RiskLimit string `yaml:"risk_limit"`
	Gamma     string `yaml:"gamma"`
}

func defaults() *Config {
	return &Config{
		StorageDriver:      DriverSQLite,
		SQLitePath:         "rla.db",
		SQLitePoolSize:     4,
		APIPort:            "8080",
		FileStoreDir:       "uploads",
		FileCompression:    "zstd",
		NumImportWorkers:   2,
		ImportQueueSize:    8,
		ResultsChannelSize: 5000,
		DBBatchSize:        1000,
		CommitMaxAttempts:  15,
		CommitBaseDelay:    50 * time.Millisecond,
		CommitMaxDelay:     5 * time.Second,
		ImportLeaseTTL:     30 * time.Minute,
		RiskLimit:          "0.05",
		Gamma:              "1.03905",
	}
}

// New loads the configuration named by RLA_CONFIG, if any, and applies the environment on top.
func New() (*Config, error) {
	return Load(os.Getenv("RLA_CONFIG"))
}

// Load reads defaults, then the YAML file at path when path is not empty, then the environment.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	cfg.StorageDriver = getEnvAsString("STORAGE_DRIVER", cfg.StorageDriver)
	cfg.DatabaseURL = getEnvAsString("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = getEnvAsString("SQLITE_PATH", cfg.SQLitePath)
	cfg.APIPort = getEnvAsString("API_PORT", cfg.APIPort)
	cfg.FileStoreDir = getEnvAsString("FILE_STORE_DIR", cfg.FileStoreDir)
	cfg.FileCompression = getEnvAsString("FILE_COMPRESSION", cfg.FileCompression)
	cfg.RiskLimit = getEnvAsString("RISK_LIMIT", cfg.RiskLimit)
	cfg.Gamma = getEnvAsString("GAMMA", cfg.Gamma)

	var err error
	if cfg.SQLitePoolSize, err = getEnvAsInt("SQLITE_POOL_SIZE", cfg.SQLitePoolSize); err != nil {
		return err
	}
	if cfg.NumImportWorkers, err = getEnvAsInt("NUM_IMPORT_WORKERS", cfg.NumImportWorkers); err != nil {
		return err
	}
	if cfg.ImportQueueSize, err = getEnvAsInt("IMPORT_QUEUE_SIZE", cfg.ImportQueueSize); err != nil {
		return err
	}
	if cfg.ResultsChannelSize, err = getEnvAsInt("RESULTS_CHANNEL_SIZE", cfg.ResultsChannelSize); err != nil {
		return err
	}
	if cfg.DBBatchSize, err = getEnvAsInt("DB_BATCH_SIZE", cfg.DBBatchSize); err != nil {
		return err
	}
	if cfg.CommitMaxAttempts, err = getEnvAsInt("COMMIT_MAX_ATTEMPTS", cfg.CommitMaxAttempts); err != nil {
		return err
	}
	if cfg.CommitBaseDelay, err = getEnvAsDuration("COMMIT_BASE_DELAY", cfg.CommitBaseDelay); err != nil {
		return err
	}
	if cfg.CommitMaxDelay, err = getEnvAsDuration("COMMIT_MAX_DELAY", cfg.CommitMaxDelay); err != nil {
		return err
	}
	if cfg.ImportLeaseTTL, err = getEnvAsDuration("IMPORT_LEASE_TTL", cfg.ImportLeaseTTL); err != nil {
		return err
	}
	return nil
}

func (cfg *Config) Validate() error {
	switch cfg.StorageDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s driver", DriverPostgres)
		}
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the %s driver", DriverSQLite)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	switch cfg.FileCompression {
	case "zstd", "lz4", "none":
	default:
		return fmt.Errorf("unknown file compression %q", cfg.FileCompression)
	}

	if cfg.NumImportWorkers < 1 {
		return fmt.Errorf("num_import_workers must be at least 1, got %d", cfg.NumImportWorkers)
	}
	if cfg.ImportQueueSize < 0 {
		return fmt.Errorf("import_queue_size must not be negative, got %d", cfg.ImportQueueSize)
	}
	if cfg.DBBatchSize < 1 {
		return fmt.Errorf("db_batch_size must be at least 1, got %d", cfg.DBBatchSize)
	}
	if cfg.CommitMaxAttempts < 1 {
		return fmt.Errorf("commit_max_attempts must be at least 1, got %d", cfg.CommitMaxAttempts)
	}
	if cfg.CommitBaseDelay <= 0 || cfg.CommitMaxDelay < cfg.CommitBaseDelay {
		return fmt.Errorf("commit delays must satisfy 0 < base (%s) <= max (%s)", cfg.CommitBaseDelay, cfg.CommitMaxDelay)
	}
	return nil
}

func getEnvAsString(key string, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: expected an integer, got '%s'", key, valueStr)
	}

	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: expected a duration, got '%s'", key, valueStr)
	}

	return value, nil
}
