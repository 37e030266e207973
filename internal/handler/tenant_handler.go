package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tipline-service/internal/access"
	"tipline-service/internal/errs"
	"tipline-service/internal/model"
	"tipline-service/internal/service"
	"tipline-service/internal/util"
)

// TenantHandler exposes tenant administration. Every route requires a
// platform-operator session; tenant staff and submitters have no business here.
type TenantHandler struct {
	tenants  *service.TenantService
	operator access.OperatorSessionProvider
	logger   *zap.Logger
}

func NewTenantHandler(tenants *service.TenantService, operator access.OperatorSessionProvider, logger *zap.Logger) *TenantHandler {
	return &TenantHandler{
		tenants:  tenants,
		operator: operator,
		logger:   logger,
	}
}

func (h *TenantHandler) RegisterRoutes(router chi.Router) {
	router.Route("/tenants", func(r chi.Router) {
		r.Use(h.requireOperator)
		r.Post("/", h.CreateTenant)
		r.Get("/{tenantID}", h.GetTenant)
		r.Post("/{tenantID}/data-key", h.GenerateDataKey)
		r.Put("/{tenantID}/admission-policy", h.UpdateAdmissionPolicy)
		r.Put("/{tenantID}/lifecycle", h.SetLifecycle)
	})
}

// requireOperator rejects any request without a valid operator session.
func (h *TenantHandler) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := h.operator.OperatorSession(r.Context(), r)
		if err != nil {
			respondWithError(w, http.StatusServiceUnavailable, err, "Operator session check failed")
			return
		}
		if session == nil {
			respondWithError(w, http.StatusForbidden, errs.ErrUnauthorized, "Operator session required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createTenantRequest struct {
	Name string `json:"name"`
}

func (h *TenantHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	tenant, err := h.tenants.CreateTenant(r.Context(), req.Name)
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to create tenant")
		return
	}

	respondWithJSON(w, http.StatusCreated, successResponse(tenant, "Tenant created"))
	h.logger.Info("Tenant created via HTTP", util.String("tenant_id", tenant.TenantID))
}

func (h *TenantHandler) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.tenants.GetTenant(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to get tenant")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(tenant, "Tenant retrieved"))
}

type dataKeyResponse struct {
	TenantID string `json:"tenant_id"`
	DataKey  string `json:"data_key"`
}

// GenerateDataKey provisions the tenant's one and only data key. The raw key
// appears in this response and nowhere else; repeat calls get 409.
func (h *TenantHandler) GenerateDataKey(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	rawKey, err := h.tenants.GenerateDataKey(r.Context(), tenantID)
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to generate data key")
		return
	}

	respondWithJSON(w, http.StatusCreated, successResponse(dataKeyResponse{
		TenantID: tenantID,
		DataKey:  rawKey,
	}, "Data key generated. Store it now; it will not be shown again."))
	h.logger.Info("Tenant data key provisioned", util.String("tenant_id", tenantID))
}

type admissionPolicyRequest struct {
	GeoPolicy   model.GeoPolicy  `json:"geo_policy"`
	IPBlocklist []string         `json:"ip_blocklist"`
	RatePolicy  model.RatePolicy `json:"rate_policy"`
}

func (h *TenantHandler) UpdateAdmissionPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req admissionPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.tenants.UpdateAdmissionPolicy(r.Context(), tenantID, req.GeoPolicy, req.IPBlocklist, req.RatePolicy); err != nil {
		respondWithError(w, statusForError(err), err, "Failed to update admission policy")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Admission policy updated"))
}

type lifecycleRequest struct {
	Active        bool       `json:"active"`
	ServiceEndsAt *time.Time `json:"service_ends_at,omitempty"`
}

func (h *TenantHandler) SetLifecycle(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	var endsAt time.Time
	if req.ServiceEndsAt != nil {
		endsAt = req.ServiceEndsAt.UTC()
	}

	if err := h.tenants.SetLifecycle(r.Context(), tenantID, req.Active, endsAt); err != nil {
		respondWithError(w, statusForError(err), err, "Failed to update tenant lifecycle")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Tenant lifecycle updated"))
}
