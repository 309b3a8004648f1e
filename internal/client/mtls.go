// Package client is the mutual-TLS API client of the vault server, used by
// the vaultctl remote commands.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/atinyakov/GophVault/internal/models"
)

// Files written by Register.
const (
	CertFile = "client.crt"
	KeyFile  = "client.key"
)

func caPool(caPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA cert")
	}
	return pool, nil
}

// Register asks the server at baseURL for a wallet and client certificate
// for login, trusting only the CA at caPath. The certificate and key are
// saved under outDir.
func Register(ctx context.Context, baseURL, login, caPath, outDir string) (*models.RegisterResponse, error) {
	pool, err := caPool(caPath)
	if err != nil {
		return nil, err
	}
	hc := &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}},
		Timeout:   10 * time.Second,
	}

	var out models.RegisterResponse
	if err := New(hc, baseURL).do(ctx, http.MethodPost, "/api/register", models.RegisterRequest{Login: login}, &out); err != nil {
		return nil, fmt.Errorf("register failed: %w", err)
	}

	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", outDir, err)
	}
	if err := os.WriteFile(filepath.Join(outDir, CertFile), []byte(out.Cert), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", CertFile, err)
	}
	if err := os.WriteFile(filepath.Join(outDir, KeyFile), []byte(out.Key), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", KeyFile, err)
	}
	return &out, nil
}

// LoadClientCertificate builds an HTTP client presenting the certificate
// pair and trusting the CA.
func LoadClientCertificate(certFile, keyFile, caFile string) (*http.Client, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert/key: %w", err)
	}
	pool, err := caPool(caFile)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
		},
	}
	return &http.Client{Transport: transport, Timeout: 10 * time.Second}, nil
}

// APIError is a non-2xx server response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
