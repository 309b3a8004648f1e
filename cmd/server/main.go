// Package main initializes and starts the GophVault HTTPS server,
// setting up configuration, logging, the vault registry, storage, locking,
// services, handlers, and TLS.
package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	nethttp "net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/atinyakov/GophVault/internal/certgen"
	"github.com/atinyakov/GophVault/internal/clock"
	"github.com/atinyakov/GophVault/internal/config"
	"github.com/atinyakov/GophVault/internal/crypto"
	"github.com/atinyakov/GophVault/internal/db"
	"github.com/atinyakov/GophVault/internal/lock"
	"github.com/atinyakov/GophVault/internal/logger"
	"github.com/atinyakov/GophVault/internal/repository"
	"github.com/atinyakov/GophVault/internal/server/handler/http"
	"github.com/atinyakov/GophVault/internal/service"
	"github.com/atinyakov/GophVault/internal/storage"
	"github.com/atinyakov/GophVault/internal/vault"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

// newDriver builds the vault storage backend. The returned func releases
// its connection, if any.
func newDriver(opts config.StorageOptions) (storage.Driver, func(), error) {
	switch opts.Backend {
	case config.StorageMemory:
		return storage.NewMemoryDriver(), func() {}, nil
	case config.StorageS3:
		d, err := storage.NewS3Driver(opts.S3)
		return d, func() {}, err
	case config.StorageSFTP:
		d, err := storage.DialSFTP(opts.SFTP)
		if err != nil {
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	default:
		d, err := storage.NewLocalDriver(opts.Path)
		return d, func() {}, err
	}
}

// newLockBackend builds the backend shared by request and file locks.
func newLockBackend(opts config.LockOptions, pg *sql.DB, clk clock.Clock) (lock.Backend, func()) {
	switch opts.Backend {
	case config.LockRedis:
		rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		return lock.NewRedisBackend(rdb), func() { _ = rdb.Close() }
	case config.LockPostgres:
		return repository.NewPostgresLockBackend(pg), func() {}
	default:
		return lock.NewMemoryBackend(clk), func() {}
	}
}

func main() {
	// Parse command-line, file and environment configuration.
	options := config.Parse()
	addr := options.Port

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		log.Log.Fatal("failed to init logger", zap.Error(err))
	}
	zapLogger := log.Log

	// Initialize the PostgreSQL registry.
	postgresDB, err := db.InitPostgres(options.DatabaseDSN)
	if err != nil {
		zapLogger.Fatal("cannot init database", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db.StartSoftDeleteCleaner(ctx, postgresDB,
		time.Hour,
		time.Duration(options.RetentionHours)*time.Hour,
		zapLogger,
	)
	db.StartExpiredLockCleaner(ctx, postgresDB, time.Minute, zapLogger)

	// Storage and locking shared by every vault.
	driver, closeDriver, err := newDriver(options.Storage)
	if err != nil {
		zapLogger.Fatal("cannot init storage", zap.String("backend", options.Storage.Backend), zap.Error(err))
	}
	defer closeDriver()

	clk := clock.Real()
	backend, closeBackend := newLockBackend(options.Lock, postgresDB, clk)
	defer closeBackend()
	locker := lock.NewService(backend, lock.Options{
		Retries: options.Lock.Retries,
		Delay:   options.Lock.Delay(),
		Jitter:  options.Lock.Delay() / 2,
		Clock:   clk,
		Logger:  zapLogger,
	})

	// Repositories, wallets and services.
	userRepo := repository.NewPostgresUserRepository(postgresDB)
	vaultRepo := repository.NewPostgresVaultRepository(postgresDB)
	keyring := crypto.NewKeyring(options.KeyringDir)

	authService := service.NewAuthService(userRepo, keyring)
	vaultService := service.NewVaultService(vaultRepo, userRepo, keyring, vault.Options{
		BasePath:  options.Storage.BasePath,
		Driver:    driver,
		Locker:    locker,
		LockLease: options.Lock.Lease(),
		Clock:     clk,
		Logger:    zapLogger,
	})

	// Create HTTP handlers and the router.
	authHandler := &http.AuthHandler{AuthService: authService, CertDir: options.CertDir}
	vaultHandler := &http.VaultHandler{Service: vaultService, Logger: zapLogger}
	router := http.NewRouter(authHandler, vaultHandler, zapLogger)

	// Load server TLS certificate and key.
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(options.CertDir, certgen.ServerCertFile),
		filepath.Join(options.CertDir, certgen.ServerKeyFile),
	)
	if err != nil {
		zapLogger.Fatal("failed to load server TLS cert/key", zap.Error(err))
	}

	// Load and append CA certificate for client cert verification.
	caCert, err := os.ReadFile(filepath.Join(options.CertDir, certgen.CACertFile))
	if err != nil {
		zapLogger.Fatal("failed to read CA cert", zap.Error(err))
	}
	caCertPool := x509.NewCertPool()
	if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
		zapLogger.Fatal("failed to append CA cert to pool")
	}

	// Registration has no client certificate yet; every other route is
	// rejected by CertAuth without one.
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    caCertPool,
		MinVersion:   tls.VersionTLS12,
	}

	server := &nethttp.Server{
		Addr:              addr,
		Handler:           router,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	zapLogger.Info("starting HTTPS server",
		zap.String("addr", addr),
		zap.String("storage", options.Storage.Backend),
		zap.String("lock", options.Lock.Backend),
	)
	if err := server.ListenAndServeTLS("", ""); err != nil {
		zapLogger.Fatal("failed to start HTTPS server", zap.Error(err))
	}
}
