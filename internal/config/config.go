// Package config provides functionality for managing configuration options
// for the vault server using command-line flags, a JSON or YAML config file
// and environment variables.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atinyakov/GophVault/internal/storage"
)

// Storage backends.
const (
	StorageLocal  = "local"
	StorageMemory = "memory"
	StorageS3     = "s3"
	StorageSFTP   = "sftp"
)

// Lock backends.
const (
	LockMemory   = "memory"
	LockRedis    = "redis"
	LockPostgres = "postgres"
)

// StorageOptions selects and configures the file backend.
type StorageOptions struct {
	// Backend is one of local, memory, s3 or sftp.
	Backend string `json:"backend" yaml:"backend"`
	// Path is the root directory of the local backend.
	Path string `json:"path" yaml:"path"`
	// BasePath is the directory under the backend root holding all vaults.
	BasePath string `json:"base_path" yaml:"base_path"`
	// S3 configures the s3 backend.
	S3 storage.S3Config `json:"s3" yaml:"s3"`
	// SFTP configures the sftp backend.
	SFTP storage.SFTPConfig `json:"sftp" yaml:"sftp"`
}

// LockOptions selects and configures the vault lock backend.
type LockOptions struct {
	// Backend is one of memory, redis or postgres.
	Backend string `json:"backend" yaml:"backend"`
	// RedisAddr is the host:port of the redis backend.
	RedisAddr string `json:"redis_addr" yaml:"redis_addr"`
	// LeaseMS is the lock lease in milliseconds.
	LeaseMS int64 `json:"lease_ms" yaml:"lease_ms"`
	// Retries is the number of extra acquisition attempts.
	Retries int `json:"retries" yaml:"retries"`
	// DelayMS is the pause between attempts in milliseconds.
	DelayMS int64 `json:"delay_ms" yaml:"delay_ms"`
}

// Lease returns the configured lease as a duration.
func (o LockOptions) Lease() time.Duration { return time.Duration(o.LeaseMS) * time.Millisecond }

// Delay returns the configured retry delay as a duration.
func (o LockOptions) Delay() time.Duration { return time.Duration(o.DelayMS) * time.Millisecond }

// Options holds the configuration values for the server.
type Options struct {
	// Port defines the server's listening address (ip:port).
	Port string `json:"address" yaml:"address"`

	// DatabaseDSN holds the registry database connection string.
	DatabaseDSN string `json:"database_dsn" yaml:"database_dsn"`

	// Config is the path to the config file.
	Config string `json:"-" yaml:"-"`

	// LogLevel is the zap level name.
	LogLevel string `json:"log_level" yaml:"log_level"`

	// KeyringDir holds the wallets of registered users.
	KeyringDir string `json:"keyring_dir" yaml:"keyring_dir"`

	// CertDir holds ca.crt, ca.key, server.crt and server.key.
	CertDir string `json:"cert_dir" yaml:"cert_dir"`

	// RetentionHours is how long destroyed vault records are kept.
	RetentionHours int `json:"retention_hours" yaml:"retention_hours"`

	Storage StorageOptions `json:"storage" yaml:"storage"`
	Lock    LockOptions    `json:"lock" yaml:"lock"`
}

func defaults() *Options {
	return &Options{
		Port:           "localhost:8080",
		Config:         "config.json",
		LogLevel:       "info",
		KeyringDir:     "keyring",
		CertDir:        "certs",
		RetentionHours: 24 * 7,
		Storage:        StorageOptions{Backend: StorageLocal, Path: "data", BasePath: "vaults"},
		Lock:           LockOptions{Backend: LockMemory, LeaseMS: 5000, Retries: 10, DelayMS: 200},
	}
}

func registerFlags(fs *flag.FlagSet, o *Options) {
	fs.StringVar(&o.Port, "a", o.Port, "run on ip:port server")
	fs.StringVar(&o.DatabaseDSN, "d", o.DatabaseDSN, "db address")
	fs.StringVar(&o.Config, "config", o.Config, "path to config file")
	fs.StringVar(&o.Config, "c", o.Config, "path to config file (shorthand)")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "log level")
	fs.StringVar(&o.KeyringDir, "keyring", o.KeyringDir, "wallet keyring directory")
	fs.StringVar(&o.CertDir, "certs", o.CertDir, "TLS certificate directory")
	fs.StringVar(&o.Storage.Backend, "storage", o.Storage.Backend, "storage backend: local, memory, s3, sftp")
	fs.StringVar(&o.Storage.Path, "storage-path", o.Storage.Path, "local storage root")
	fs.StringVar(&o.Lock.Backend, "lock", o.Lock.Backend, "lock backend: memory, redis, postgres")
	fs.StringVar(&o.Lock.RedisAddr, "redis", o.Lock.RedisAddr, "redis address")
}

// Load builds the options from args, then the config file, then the
// environment. Later sources override earlier ones.
func Load(args []string, getenv func(string) string) (*Options, error) {
	options := defaults()
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	registerFlags(fs, options)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath := getenv("CONFIG"); configPath != "" {
		options.Config = configPath
	}

	if options.Config != "" {
		if _, err := os.Stat(options.Config); err == nil {
			data, err := os.ReadFile(options.Config)
			if err != nil {
				return nil, fmt.Errorf("error while reading config file: %w", err)
			}
			if err := decodeFile(options.Config, data, options); err != nil {
				return nil, fmt.Errorf("error while parsing config file: %w", err)
			}
		}
	}

	overrides := map[string]*string{
		"SERVER_ADDRESS":  &options.Port,
		"DATABASE_DSN":    &options.DatabaseDSN,
		"REDIS_ADDR":      &options.Lock.RedisAddr,
		"LOCK_BACKEND":    &options.Lock.Backend,
		"STORAGE_BACKEND": &options.Storage.Backend,
		"STORAGE_PATH":    &options.Storage.Path,
		"LOG_LEVEL":       &options.LogLevel,
	}
	for name, dst := range overrides {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	if err := options.Validate(); err != nil {
		return nil, err
	}
	return options, nil
}

func decodeFile(path string, data []byte, o *Options) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, o)
	default:
		return json.Unmarshal(data, o)
	}
}

// Validate checks backend names and their required settings.
func (o *Options) Validate() error {
	switch o.Storage.Backend {
	case StorageLocal:
		if o.Storage.Path == "" {
			return errors.New("local storage requires a path")
		}
	case StorageMemory, StorageS3, StorageSFTP:
	default:
		return fmt.Errorf("unknown storage backend %q", o.Storage.Backend)
	}

	switch o.Lock.Backend {
	case LockMemory:
	case LockRedis:
		if o.Lock.RedisAddr == "" {
			return errors.New("redis lock requires an address")
		}
	case LockPostgres:
		if o.DatabaseDSN == "" {
			return errors.New("postgres lock requires a database DSN")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", o.Lock.Backend)
	}
	return nil
}

// Parse loads the options from the process arguments and environment,
// exiting on error.
func Parse() *Options {
	options, err := Load(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return options
}
