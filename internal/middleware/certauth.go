// Package middleware provides HTTP middlewares for wallet authentication
// and request logging.
package middleware

import (
	"context"
	"net/http"
)

type ctxKey string

const walletKey ctxKey = "wallet"

// RegisterPath is reachable without a client certificate.
const RegisterPath = "/api/register"

// CertAuth enforces mutual TLS authentication. The client certificate CN
// names the caller's wallet and is stored in the request context. The
// registration endpoint is excluded so new wallets can obtain a
// certificate.
func CertAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == RegisterPath {
			next.ServeHTTP(w, r)
			return
		}
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "no client certificate provided", http.StatusUnauthorized)
			return
		}
		cert := r.TLS.PeerCertificates[0]
		if cert.Subject.CommonName == "" {
			http.Error(w, "client certificate has no common name", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithWallet(r.Context(), cert.Subject.CommonName)))
	})
}

// WithWallet returns a context carrying the wallet login.
func WithWallet(ctx context.Context, login string) context.Context {
	return context.WithValue(ctx, walletKey, login)
}

// GetWalletFromContext returns the authenticated wallet login, or an empty
// string.
func GetWalletFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(walletKey).(string); ok {
		return s
	}
	return ""
}
