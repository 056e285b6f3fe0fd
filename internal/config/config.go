package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration parses from yaml as either a Go duration string ("30s") or a
// bare number of seconds, matching how deployments historically set these.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asNum float64
	if err := value.Decode(&asNum); err == nil {
		*d = Duration(asNum * float64(time.Second))
		return nil
	}
	var asStr string
	if err := value.Decode(&asStr); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(asStr)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asStr, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Ledger struct {
		RPCURL          string `yaml:"rpcUrl"`
		WSURL           string `yaml:"wsUrl"`
		AttestorAddress string `yaml:"attestorAddress"`
		SchemaUID       string `yaml:"schemaUid"`
		// Backfill is how many blocks behind head a fresh deployment
		// starts from when no checkpoint exists yet.
		Backfill uint64 `yaml:"backfill"`
	} `yaml:"ledger"`

	IPFS struct {
		APIURL        string   `yaml:"apiUrl"`
		FetchTimeout  Duration `yaml:"fetchTimeout"`
		MaxBundleSize int64    `yaml:"maxBundleSize"`
		// Pin retains verified bundles on the node.
		Pin bool `yaml:"pin"`
	} `yaml:"ipfs"`

	Database struct {
		Driver   string `yaml:"driver"` // postgres | mysql
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
	} `yaml:"database"`

	Indexer struct {
		PollInterval Duration `yaml:"pollInterval"`
		Window       uint64   `yaml:"window"`
		MaxRetries   int      `yaml:"maxRetries"`
		RetryDelay   Duration `yaml:"retryDelay"`
	} `yaml:"indexer"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Archive struct {
		Enabled    bool   `yaml:"enabled"`
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"archive"`

	Triage struct {
		APIKey string `yaml:"apiKey"`
		Model  string `yaml:"model"`
	} `yaml:"triage"`

	Development bool `yaml:"development"`
}

// Load reads the yaml file, then lets environment variables override the
// file values. A .env file next to the process is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.IPFS.APIURL = "http://127.0.0.1:5001"
	cfg.IPFS.FetchTimeout = Duration(30 * time.Second)
	cfg.IPFS.MaxBundleSize = 100 * 1024 * 1024
	cfg.Database.Driver = "postgres"
	cfg.Database.Port = 5432
	cfg.Database.SSLMode = "disable"
	cfg.Indexer.PollInterval = Duration(10 * time.Second)
	cfg.Indexer.Window = 100
	cfg.Indexer.MaxRetries = 3
	cfg.Indexer.RetryDelay = Duration(time.Second)
	cfg.Ledger.Backfill = 1000
	cfg.Server.Port = 8080
	return cfg
}

func (c *Config) applyEnv() {
	setStr(&c.Ledger.RPCURL, "RPC_URL")
	setStr(&c.Ledger.WSURL, "WS_URL")
	setStr(&c.Ledger.AttestorAddress, "ATTESTOR_ADDRESS")
	setStr(&c.Ledger.SchemaUID, "SCHEMA_UID_SCAN_SUBMISSION")
	setUint(&c.Ledger.Backfill, "INDEXER_BACKFILL")

	setStr(&c.IPFS.APIURL, "IPFS_API")
	setSeconds(&c.IPFS.FetchTimeout, "BUNDLE_TIMEOUT")
	setInt64(&c.IPFS.MaxBundleSize, "MAX_BUNDLE_SIZE")
	setBool(&c.IPFS.Pin, "IPFS_PIN")

	setStr(&c.Database.Driver, "DB_DRIVER")
	setStr(&c.Database.Host, "DB_HOST")
	setInt(&c.Database.Port, "DB_PORT")
	setStr(&c.Database.User, "DB_USER")
	setStr(&c.Database.Password, "DB_PASSWORD")
	setStr(&c.Database.Name, "DB_NAME")

	setSeconds(&c.Indexer.PollInterval, "INDEXER_POLL_INTERVAL")
	setUint(&c.Indexer.Window, "INDEXER_BATCH_SIZE")
	setInt(&c.Indexer.MaxRetries, "INDEXER_MAX_RETRIES")
	setSeconds(&c.Indexer.RetryDelay, "INDEXER_RETRY_DELAY")

	setInt(&c.Server.Port, "SERVER_PORT")
	setStr(&c.Triage.APIKey, "OPENAI_API_KEY")
}

func (c *Config) validate() error {
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger rpcUrl is required")
	}
	if c.Ledger.AttestorAddress == "" {
		return fmt.Errorf("ledger attestorAddress is required")
	}
	if c.Ledger.SchemaUID == "" {
		return fmt.Errorf("ledger schemaUid is required")
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		return fmt.Errorf("database host and name are required")
	}
	switch c.Database.Driver {
	case "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Indexer.Window == 0 {
		return fmt.Errorf("indexer window must be positive")
	}
	return nil
}

// PostgresDSN builds a lib/pq connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// MySQLDSN builds a go-sql-driver DSN.
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

func (c *Config) DSN() string {
	if c.Database.Driver == "mysql" {
		return c.MySQLDSN()
	}
	return c.PostgresDSN()
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setUint(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

// setSeconds accepts either a bare number of seconds or a Go duration string.
func setSeconds(dst *Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = Duration(n * float64(time.Second))
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = Duration(d)
	}
}
