package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/atinyakov/GophVault/internal/middleware"
)

// NewRouter builds the vault API.
//
// Routes:
//
//	POST   /api/register                          → authHandler.Register
//	POST   /api/login                             → authHandler.Login
//	GET    /api/vaults                            → list own vaults
//	POST   /api/vaults                            → create vault
//	DELETE /api/vaults/{id}                       → destroy vault
//	GET    /api/vaults/{id}/containers            → container names
//	PUT    /api/vaults/{id}/containers/{name}     → set, append or set key
//	GET    /api/vaults/{id}/containers/{name}     → decrypted content
//	GET    /api/vaults/{id}/containers/{name}/files
//	GET    /api/vaults/{id}/history               → ledger replay
//	GET    /api/vaults/{id}/verify                → integrity check
//	POST   /api/vaults/{id}/roles                 → create role
//	POST   /api/vaults/{id}/roles/{role}/grants   → grant role
//
// Middleware chain (applied in order):
//  1. AllowContentType("application/json")
//  2. WithRequestLogging(logger)
//  3. CertAuth
func NewRouter(
	authHandler *AuthHandler,
	vaultHandler *VaultHandler,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.AllowContentType("application/json"))
	r.Use(middleware.WithRequestLogging(logger))
	r.Use(middleware.CertAuth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)

		r.Route("/vaults", func(r chi.Router) {
			r.Get("/", vaultHandler.ListVaults)
			r.Post("/", vaultHandler.CreateVault)

			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", vaultHandler.DeleteVault)
				r.Get("/containers", vaultHandler.ListContainers)
				r.Put("/containers/{name}", vaultHandler.PutContent)
				r.Get("/containers/{name}", vaultHandler.GetContent)
				r.Get("/containers/{name}/files", vaultHandler.ListFiles)
				r.Get("/history", vaultHandler.History)
				r.Get("/verify", vaultHandler.Verify)
				r.Post("/roles", vaultHandler.CreateRole)
				r.Post("/roles/{role}/grants", vaultHandler.Grant)
			})
		})
	})

	return r
}
