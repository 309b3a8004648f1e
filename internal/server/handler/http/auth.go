// Package http provides the HTTP handlers of the vault server: wallet
// registration, certificate login and the vault API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/atinyakov/GophVault/internal/certgen"
	"github.com/atinyakov/GophVault/internal/models"
	"github.com/atinyakov/GophVault/internal/service"
)

// AuthService defines the authentication operations required by the
// HTTP handlers.
type AuthService interface {
	// UserExists checks whether a user with the given login exists.
	UserExists(context.Context, string) (bool, error)
	// RegisterUser creates a custodial wallet for login and returns its
	// public key.
	RegisterUser(context.Context, string) (string, error)
}

// AuthHandler handles HTTP requests for registration and login.
type AuthHandler struct {
	// AuthService performs the underlying authentication operations.
	AuthService AuthService
	// CertDir holds the CA used to sign client certificates.
	CertDir string
}

// Register creates a wallet for a new login and returns a client
// certificate whose CN is the login, with the wallet public key.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Login == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	exists, err := h.AuthService.UserExists(r.Context(), req.Login)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if exists {
		http.Error(w, "user already exists", http.StatusConflict)
		return
	}

	caCert, caKey, err := certgen.LoadCACredentials(
		filepath.Join(h.CertDir, certgen.CACertFile),
		filepath.Join(h.CertDir, certgen.CAKeyFile),
	)
	if err != nil {
		http.Error(w, "failed to load CA", http.StatusInternalServerError)
		return
	}

	certPEM, keyPEM, err := certgen.GenerateUserCertificate(req.Login, caCert, caKey)
	if err != nil {
		http.Error(w, "failed to generate certificate", http.StatusInternalServerError)
		return
	}

	pub, err := h.AuthService.RegisterUser(r.Context(), req.Login)
	if errors.Is(err, service.ErrUserExists) {
		http.Error(w, "user already exists", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "failed to save user", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, models.RegisterResponse{
		Cert:      string(certPEM),
		Key:       string(keyPEM),
		PublicKey: pub,
	})
}

// Login confirms that the client certificate belongs to a registered
// wallet.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}

	login := r.TLS.PeerCertificates[0].Subject.CommonName

	exists, err := h.AuthService.UserExists(r.Context(), login)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "user not found", http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"user":   login,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
