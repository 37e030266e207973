package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tipline-service/internal/access"
	"tipline-service/internal/audit"
	"tipline-service/internal/gate"
	"tipline-service/internal/model"
	"tipline-service/internal/service"
	"tipline-service/internal/util"
)

// SubmissionHandler exposes the anonymous intake and the arbitrated
// submission-scoped operations.
type SubmissionHandler struct {
	submissions *service.SubmissionService
	arbiter     *access.Arbiter
	recorder    *audit.Recorder
	hasher      sourceHasher
	logger      *zap.Logger
}

type sourceHasher interface {
	SourceHash(identifier string) string
}

func NewSubmissionHandler(
	submissions *service.SubmissionService,
	arbiter *access.Arbiter,
	recorder *audit.Recorder,
	hasher sourceHasher,
	logger *zap.Logger,
) *SubmissionHandler {
	return &SubmissionHandler{
		submissions: submissions,
		arbiter:     arbiter,
		recorder:    recorder,
		hasher:      hasher,
		logger:      logger,
	}
}

func (h *SubmissionHandler) RegisterRoutes(router chi.Router) {
	router.Route("/submissions", func(r chi.Router) {
		r.Post("/", h.CreateSubmission)
		r.Post("/{submissionID}/check", h.CheckAccess)
		r.Get("/{submissionID}", h.GetSubmission)
		r.Put("/{submissionID}/fields/{fieldName}", h.WriteField)
		r.Get("/{submissionID}/history", h.GetHistory)
	})
}

type createSubmissionRequest struct {
	TenantID string            `json:"tenant_id"`
	Password string            `json:"password"`
	Fields   map[string]string `json:"fields"`
}

// CreateSubmission is the anonymous intake endpoint. Admission is gated per
// tenant policy; no credentials are required or wanted here.
func (h *SubmissionHandler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req createSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.submissions.Create(ctx, req.TenantID, gate.RequestInfoFromHTTP(r), req.Password, req.Fields)
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to create submission")
		return
	}

	respondWithJSON(w, http.StatusCreated, successResponse(result, "Submission created"))
	h.logger.Info("Submission created via HTTP",
		util.String("submission_id", result.SubmissionID),
		util.Duration("duration", time.Since(startTime)),
	)
}

type checkAccessRequest struct {
	Password string `json:"password"`
}

type checkAccessResponse struct {
	AccessToken string `json:"access_token"`
}

// CheckAccess lets a returning submitter trade the receipt password for a
// fresh access token once the one from creation has expired. Like intake it
// takes no credentials beyond the password itself.
func (h *SubmissionHandler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	submissionID := chi.URLParam(r, "submissionID")

	var req checkAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	accessToken, err := h.submissions.Reauthenticate(ctx, submissionID, gate.RequestInfoFromHTTP(r), req.Password)
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to check submission access")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(checkAccessResponse{
		AccessToken: accessToken,
	}, "Access confirmed"))
}

// submissionView never echoes the submission number; the receipt is shown
// exactly once, at creation.
type submissionView struct {
	SubmissionID string               `json:"submission_id"`
	TenantID     string               `json:"tenant_id"`
	Fields       []service.FieldValue `json:"fields"`
	Role         model.Role           `json:"role"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

func (h *SubmissionHandler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	submissionID := chi.URLParam(r, "submissionID")

	grant, ok := h.authorize(w, r, submissionID)
	if !ok {
		return
	}

	sub, err := h.submissions.Get(ctx, submissionID)
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to get submission")
		return
	}

	fields, err := h.submissions.ReadFields(ctx, submissionID)
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to read submission fields")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(submissionView{
		SubmissionID: sub.SubmissionID,
		TenantID:     sub.TenantID,
		Fields:       fields,
		Role:         grant.Role,
		CreatedAt:    sub.CreatedAt,
		UpdatedAt:    sub.UpdatedAt,
	}, "Submission retrieved"))
}

type writeFieldRequest struct {
	Value string `json:"value"`
}

func (h *SubmissionHandler) WriteField(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	submissionID := chi.URLParam(r, "submissionID")
	fieldName := chi.URLParam(r, "fieldName")

	grant, ok := h.authorize(w, r, submissionID)
	if !ok {
		return
	}

	var req writeFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.submissions.WriteField(ctx, submissionID, fieldName, req.Value, grant.Role); err != nil {
		respondWithError(w, statusForError(err), err, "Failed to write field")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Field updated"))
}

func (h *SubmissionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	submissionID := chi.URLParam(r, "submissionID")

	if _, ok := h.authorize(w, r, submissionID); !ok {
		return
	}

	history, err := h.submissions.History(ctx, submissionID)
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to get edit history")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(history, "Edit history retrieved"))
}

// authorize runs the arbiter for a submission-scoped request and records the
// outcome in the attempt ledger. On failure it writes the error response.
func (h *SubmissionHandler) authorize(w http.ResponseWriter, r *http.Request, submissionID string) (*access.Grant, bool) {
	grant, err := h.arbiter.Authorize(r.Context(), r, submissionID, bearerToken(r))

	tenantID := ""
	if grant != nil {
		tenantID = grant.TenantID
	}
	h.recordAuthorize(r, tenantID, err == nil)

	if err != nil {
		respondWithError(w, statusForError(err), err, "Authorization failed")
		return nil, false
	}
	return grant, true
}

func (h *SubmissionHandler) recordAuthorize(r *http.Request, tenantID string, success bool) {
	if h.recorder == nil || tenantID == "" {
		return
	}
	reason := ""
	if !success {
		reason = "UNAUTHORIZED"
	}
	h.recorder.Record(r.Context(), &model.AccessAttempt{
		TenantID:   tenantID,
		SourceHash: h.hasher.SourceHash(gate.RequestInfoFromHTTP(r).ClientIP()),
		Kind:       model.AttemptKindAuthorize,
		Success:    success,
		Reason:     reason,
	})
}

// bearerToken pulls the submitter token from the Authorization header or,
// for clients that cannot set headers, the access_token query parameter.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	return r.URL.Query().Get("access_token")
}
