package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/atinyakov/GophVault/internal/lock"
	"github.com/atinyakov/GophVault/internal/middleware"
	"github.com/atinyakov/GophVault/internal/models"
	"github.com/atinyakov/GophVault/internal/service"
	"github.com/atinyakov/GophVault/internal/storage"
	"github.com/atinyakov/GophVault/internal/vault"
)

// VaultService defines the vault operations required by the handlers.
type VaultService interface {
	CreateVault(ctx context.Context, login, kind string) (string, error)
	ListVaults(ctx context.Context, login string) ([]models.VaultRecord, error)
	ContainerNames(ctx context.Context, login, id string) ([]string, error)
	PutContent(ctx context.Context, login, id, name string, req models.PutContentRequest) error
	GetContent(ctx context.Context, login, id, name, key string) (*models.ContentResponse, error)
	ListFiles(ctx context.Context, login, id, name string) ([]string, error)
	History(ctx context.Context, login, id string, q service.HistoryQuery) (*models.HistoryResponse, error)
	Verify(ctx context.Context, login, id string) (bool, error)
	CreateRole(ctx context.Context, login, id, role string) (bool, error)
	Grant(ctx context.Context, login, id, role string, req models.GrantRequest) (bool, error)
	DeleteVault(ctx context.Context, login, id string) error
}

// VaultHandler serves the vault API for the authenticated wallet.
type VaultHandler struct {
	Service VaultService
	Logger  *zap.Logger
}

// statusFor maps service and vault errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrForbidden), errors.Is(err, vault.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, service.ErrVaultNotFound),
		errors.Is(err, vault.ErrNotFound),
		errors.Is(err, vault.ErrNoData),
		errors.Is(err, vault.ErrNoSuchFile):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, vault.ErrContentEmpty),
		errors.Is(err, vault.ErrNameRequired),
		errors.Is(err, vault.ErrInvalidKey),
		errors.Is(err, vault.ErrInvalidLink),
		errors.Is(err, vault.ErrUnknownRole),
		errors.Is(err, vault.ErrUnknownContainerType),
		errors.Is(err, vault.ErrWrongContainerType),
		errors.Is(err, vault.ErrReservedContainer),
		errors.Is(err, vault.ErrWrongVaultType),
		errors.Is(err, storage.ErrParameter):
		return http.StatusBadRequest
	case errors.Is(err, lock.ErrNotAcquired), errors.Is(err, lock.ErrLeaseLost):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *VaultHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("vault request failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func wallet(r *http.Request) string {
	return middleware.GetWalletFromContext(r.Context())
}

// CreateVault handles POST /api/vaults.
func (h *VaultHandler) CreateVault(w http.ResponseWriter, r *http.Request) {
	var req models.CreateVaultRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	id, err := h.Service.CreateVault(r.Context(), wallet(r), req.Kind)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.CreateVaultResponse{ID: id})
}

// ListVaults handles GET /api/vaults.
func (h *VaultHandler) ListVaults(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Service.ListVaults(r.Context(), wallet(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.VaultRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// DeleteVault handles DELETE /api/vaults/{id}.
func (h *VaultHandler) DeleteVault(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteVault(r.Context(), wallet(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListContainers handles GET /api/vaults/{id}/containers.
func (h *VaultHandler) ListContainers(w http.ResponseWriter, r *http.Request) {
	names, err := h.Service.ContainerNames(r.Context(), wallet(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

// PutContent handles PUT /api/vaults/{id}/containers/{name}.
func (h *VaultHandler) PutContent(w http.ResponseWriter, r *http.Request) {
	var req models.PutContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	err := h.Service.PutContent(r.Context(), wallet(r), chi.URLParam(r, "id"), chi.URLParam(r, "name"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetContent handles GET /api/vaults/{id}/containers/{name}?key=.
func (h *VaultHandler) GetContent(w http.ResponseWriter, r *http.Request) {
	out, err := h.Service.GetContent(r.Context(), wallet(r), chi.URLParam(r, "id"), chi.URLParam(r, "name"), r.URL.Query().Get("key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ListFiles handles GET /api/vaults/{id}/containers/{name}/files.
func (h *VaultHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.Service.ListFiles(r.Context(), wallet(r), chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.FilesResponse{Files: files})
}

// History handles GET /api/vaults/{id}/history with optional container,
// key and either index or date (RFC 3339) query parameters.
func (h *VaultHandler) History(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := service.HistoryQuery{Container: query.Get("container"), Key: query.Get("key")}
	if s := query.Get("index"); s != "" {
		idx, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			http.Error(w, "invalid index", http.StatusBadRequest)
			return
		}
		q.Index = idx
	}
	if s := query.Get("date"); s != "" {
		date, err := time.Parse(time.RFC3339, s)
		if err != nil {
			http.Error(w, "invalid date", http.StatusBadRequest)
			return
		}
		q.Date = &date
	}

	out, err := h.Service.History(r.Context(), wallet(r), chi.URLParam(r, "id"), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Verify handles GET /api/vaults/{id}/verify.
func (h *VaultHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Service.Verify(r.Context(), wallet(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.VerifyResponse{Verified: ok})
}

// CreateRole handles POST /api/vaults/{id}/roles.
func (h *VaultHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req models.RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	created, err := h.Service.CreateRole(r.Context(), wallet(r), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]bool{"created": created})
}

// Grant handles POST /api/vaults/{id}/roles/{role}/grants.
func (h *VaultHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req models.GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	granted, err := h.Service.Grant(r.Context(), wallet(r), chi.URLParam(r, "id"), chi.URLParam(r, "role"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.GrantResponse{Granted: granted})
}
