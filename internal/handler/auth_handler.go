package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tipline-service/internal/audit"
	"tipline-service/internal/errs"
	"tipline-service/internal/gate"
	"tipline-service/internal/model"
	"tipline-service/internal/otp"
	"tipline-service/internal/util"
)

// AuthHandler exposes the step-up passcode flow. Issue and verify are subject
// scoped; the subject is whatever identity the caller is stepping up.
type AuthHandler struct {
	otp      *otp.Service
	recorder *audit.Recorder
	hasher   sourceHasher
	logger   *zap.Logger
}

func NewAuthHandler(otpSvc *otp.Service, recorder *audit.Recorder, hasher sourceHasher, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		otp:      otpSvc,
		recorder: recorder,
		hasher:   hasher,
		logger:   logger,
	}
}

func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth/otp", func(r chi.Router) {
		r.Post("/request", h.RequestCode)
		r.Post("/verify", h.VerifyCode)
	})
}

type requestCodeRequest struct {
	SubjectID string `json:"subject_id"`
	TenantID  string `json:"tenant_id"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Channel   string `json:"channel"`
}

type requestCodeResponse struct {
	ChannelsAttempted []string          `json:"channels_attempted"`
	ChannelsSucceeded []string          `json:"channels_succeeded"`
	ChannelFailures   map[string]string `json:"channel_failures,omitempty"`
	ExpiresAt         time.Time         `json:"expires_at"`
}

func (h *AuthHandler) RequestCode(w http.ResponseWriter, r *http.Request) {
	var req requestCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.SubjectID == "" {
		respondWithError(w, http.StatusBadRequest, errs.ErrMalformedInput, "subject_id is required")
		return
	}

	channel := otp.Channel(req.Channel)
	if channel == "" {
		channel = otp.ChannelBoth
	}

	result, err := h.otp.Issue(r.Context(), req.SubjectID, otp.DeliveryTargets{
		Email: req.Email,
		Phone: req.Phone,
	}, channel)
	if err != nil {
		status := statusForError(err)
		if errors.Is(err, otp.ErrNoDeliveryChannel) {
			status = http.StatusBadRequest
		}
		respondWithError(w, status, err, "Failed to issue verification code")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(requestCodeResponse{
		ChannelsAttempted: result.ChannelsAttempted,
		ChannelsSucceeded: result.ChannelsSucceeded,
		ChannelFailures:   result.ChannelFailures,
		ExpiresAt:         result.ExpiresAt,
	}, "Verification code sent"))
}

type verifyCodeRequest struct {
	SubjectID string `json:"subject_id"`
	TenantID  string `json:"tenant_id"`
	Code      string `json:"code"`
	Consume   *bool  `json:"consume,omitempty"`
}

type verifyCodeResponse struct {
	Valid bool `json:"valid"`
}

// VerifyCode checks a presented code. By default the code is consumed; pass
// consume=false for a pre-check that leaves the code live.
func (h *AuthHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	consume := true
	if req.Consume != nil {
		consume = *req.Consume
	}

	valid, err := h.otp.Validate(r.Context(), req.SubjectID, req.Code, consume)
	if err != nil {
		h.recordVerify(r, req.TenantID, false, "ERROR")
		respondWithError(w, statusForError(err), err, "Failed to verify code")
		return
	}

	reason := ""
	if !valid {
		reason = "CODE_MISMATCH"
	}
	h.recordVerify(r, req.TenantID, valid, reason)

	respondWithJSON(w, http.StatusOK, successResponse(verifyCodeResponse{Valid: valid}, "Verification completed"))
	h.logger.Info("Verification code checked",
		util.String("subject_id", req.SubjectID),
		util.Bool("valid", valid),
		util.Bool("consumed", consume && valid),
	)
}

func (h *AuthHandler) recordVerify(r *http.Request, tenantID string, success bool, reason string) {
	if h.recorder == nil || tenantID == "" {
		return
	}
	h.recorder.Record(r.Context(), &model.AccessAttempt{
		TenantID:   tenantID,
		SourceHash: h.hasher.SourceHash(gate.RequestInfoFromHTTP(r).ClientIP()),
		Kind:       model.AttemptKindOTPVerify,
		Success:    success,
		Reason:     reason,
	})
}
