/**
 * @description
 * This file contains the HTTP handlers for the vault-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as
 * the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http, strconv: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - github.com/go-playground/validator/v10: Request payload validation.
 * - internal/app, internal/domain, internal/store: Service logic, models, errors.
 * - pkg/tokenclient: Treasury error mapping.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/learn-tg/vault-service/internal/app"
	"github.com/learn-tg/vault-service/internal/domain"
	"github.com/learn-tg/vault-service/internal/store"
	"github.com/learn-tg/vault-service/pkg/tokenclient"
)

// VaultHandlers holds the application service that handlers will use.
type VaultHandlers struct {
	service           *app.Service
	limiter           *app.RedisRateLimiter
	validate          *validator.Validate
	claimLimitPerMin  int
	submitLimitPerMin int
}

// NewVaultHandlers creates a new instance of VaultHandlers.
func NewVaultHandlers(service *app.Service, limiter *app.RedisRateLimiter, claimLimitPerMin, submitLimitPerMin int) *VaultHandlers {
	return &VaultHandlers{
		service:           service,
		limiter:           limiter,
		validate:          validator.New(),
		claimLimitPerMin:  claimLimitPerMin,
		submitLimitPerMin: submitLimitPerMin,
	}
}

// VersionHandler reports the ledger logic revision the service implements.
func (h *VaultHandlers) VersionHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]int{"version": domain.ContractVersion})
}

// CreateVaultHandler handles owner-only vault creation.
func (h *VaultHandlers) CreateVaultHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateVaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}

	vault, err := h.service.CreateVault(r.Context(), req.CourseID, req.AmountPerGuide)
	if err != nil {
		h.writeServiceError(w, "create_vault", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, vault)
}

// GetVaultHandler returns the vault for a course.
func (h *VaultHandlers) GetVaultHandler(w http.ResponseWriter, r *http.Request) {
	courseID, ok := h.parseIDParam(w, r, "courseId")
	if !ok {
		return
	}

	vault, err := h.service.GetVault(r.Context(), courseID)
	if err != nil {
		h.writeServiceError(w, "get_vault", err)
		return
	}
	h.writeJSON(w, http.StatusOK, vault)
}

// DepositHandler handles donor deposits into a course vault. The donor is the
// authenticated wallet.
func (h *VaultHandlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	donor, ok := WalletFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get wallet address from context")
		return
	}
	courseID, ok := h.parseIDParam(w, r, "courseId")
	if !ok {
		return
	}

	var req domain.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	asset, ok := domain.ParseAsset(req.Asset)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "Unknown asset")
		return
	}

	if err := h.service.Deposit(r.Context(), courseID, donor, asset, req.Amount); err != nil {
		h.writeServiceError(w, "deposit", err)
		return
	}
	log.Printf("level=info component=api endpoint=deposit outcome=accepted course_id=%d donor=%s asset=%s amount=%d", courseID, donor, asset, req.Amount)
	h.writeJSON(w, http.StatusCreated, map[string]string{"status": "credited"})
}

// SubmitGuideResultHandler is the grading oracle endpoint: the web backend
// reports a graded guide for a student.
func (h *VaultHandlers) SubmitGuideResultHandler(w http.ResponseWriter, r *http.Request) {
	courseID, ok := h.parseIDParam(w, r, "courseId")
	if !ok {
		return
	}
	guideNumber, ok := h.parseIDParam(w, r, "guideNumber")
	if !ok {
		return
	}

	var req domain.SubmitGuideResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}

	if !h.consumeRateLimit(w, r, "submit", req.Student, h.submitLimitPerMin) {
		return
	}

	result, err := h.service.SubmitGuideResult(r.Context(), courseID, guideNumber, req.Student, req.IsPerfect, req.ProfileScore)
	if err != nil {
		h.writeServiceError(w, "submit_guide_result", err)
		return
	}
	log.Printf("level=info component=api endpoint=submit_guide_result outcome=%s course_id=%d guide=%d student=%s", result.Outcome, courseID, guideNumber, req.Student)
	h.writeJSON(w, http.StatusOK, result)
}

// ClaimScholarshipHandler settles a prepared scholarship to the authenticated
// student's wallet.
func (h *VaultHandlers) ClaimScholarshipHandler(w http.ResponseWriter, r *http.Request) {
	student, ok := WalletFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get wallet address from context")
		return
	}
	courseID, ok := h.parseIDParam(w, r, "courseId")
	if !ok {
		return
	}
	guideNumber, ok := h.parseIDParam(w, r, "guideNumber")
	if !ok {
		return
	}

	if !h.consumeRateLimit(w, r, "claim", student, h.claimLimitPerMin) {
		return
	}

	amount, err := h.service.ClaimScholarship(r.Context(), courseID, guideNumber, student)
	if err != nil {
		h.writeServiceError(w, "claim_scholarship", err)
		return
	}
	log.Printf("level=info component=api endpoint=claim_scholarship outcome=paid course_id=%d guide=%d student=%s amount=%d", courseID, guideNumber, student, amount)
	h.writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

// CanSubmitHandler reports whether the cooldown allows a new submission.
func (h *VaultHandlers) CanSubmitHandler(w http.ResponseWriter, r *http.Request) {
	courseID, ok := h.parseIDParam(w, r, "courseId")
	if !ok {
		return
	}
	student := domain.NormalizeAddress(chi.URLParam(r, "address"))
	if !domain.IsValidAddress(student) {
		h.writeError(w, http.StatusBadRequest, "Invalid wallet address")
		return
	}

	canSubmit, nextAt, err := h.service.StudentCanSubmit(r.Context(), courseID, student)
	if err != nil {
		h.writeServiceError(w, "can_submit", err)
		return
	}
	resp := map[string]interface{}{"can_submit": canSubmit}
	if !canSubmit {
		resp["next_submission_at"] = nextAt.UTC()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GuideStatusHandler returns the combined per-(course, guide, student) view.
func (h *VaultHandlers) GuideStatusHandler(w http.ResponseWriter, r *http.Request) {
	courseID, ok := h.parseIDParam(w, r, "courseId")
	if !ok {
		return
	}
	guideNumber, ok := h.parseIDParam(w, r, "guideNumber")
	if !ok {
		return
	}
	student := chi.URLParam(r, "address")

	status, err := h.service.StudentGuideStatus(r.Context(), courseID, guideNumber, student)
	if err != nil {
		h.writeServiceError(w, "guide_status", err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// TreasuryBalanceHandler reports treasury holdings per asset.
func (h *VaultHandlers) TreasuryBalanceHandler(w http.ResponseWriter, r *http.Request) {
	balances, err := h.service.TreasuryBalances(r.Context())
	if err != nil {
		h.writeServiceError(w, "treasury_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, balances)
}

// WithdrawHandler handles owner emergency withdrawals.
func (h *VaultHandlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	asset, ok := domain.ParseAsset(req.Asset)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "Unknown asset")
		return
	}

	if err := h.service.EmergencyWithdraw(r.Context(), asset, req.Amount); err != nil {
		h.writeServiceError(w, "withdraw", err)
		return
	}
	log.Printf("level=info component=api endpoint=withdraw outcome=accepted asset=%s amount=%d", asset, req.Amount)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

// SetGuidePaidHandler is the migration override for payout records.
func (h *VaultHandlers) SetGuidePaidHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.SetGuidePaidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	if err := h.service.SetGuidePaid(r.Context(), req.CourseID, req.GuideNumber, req.Student, req.Amount); err != nil {
		h.writeServiceError(w, "set_guide_paid", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// SetVaultBalanceHandler is the migration override for vault balances.
func (h *VaultHandlers) SetVaultBalanceHandler(w http.ResponseWriter, r *http.Request) {
	courseID, ok := h.parseIDParam(w, r, "courseId")
	if !ok {
		return
	}

	var req domain.SetVaultBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	if err := h.service.SetVaultBalance(r.Context(), courseID, req.NewBalance); err != nil {
		h.writeServiceError(w, "set_vault_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *VaultHandlers) parseIDParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name))
		return 0, false
	}
	return id, true
}

// consumeRateLimit applies the fixed-window limiter and writes a 429 with
// Retry-After when the subject is over its per-minute budget.
func (h *VaultHandlers) consumeRateLimit(w http.ResponseWriter, r *http.Request, scope, subject string, limit int) bool {
	if h.limiter == nil || limit <= 0 {
		return true
	}
	allowed, retryAfter, err := h.limiter.Allow(r.Context(), scope, subject, limit, time.Minute)
	if err != nil {
		// Limiter outages must not block scholarship traffic.
		log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
		return true
	}
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
		return false
	}
	return true
}

func (h *VaultHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidCourseID),
		errors.Is(err, app.ErrInvalidAmountPerGuide),
		errors.Is(err, app.ErrInvalidDepositAmount),
		errors.Is(err, app.ErrInvalidAsset),
		errors.Is(err, app.ErrInvalidParams),
		errors.Is(err, app.ErrScoreOutOfRange),
		errors.Is(err, app.ErrInvalidWithdrawAmount),
		errors.Is(err, app.ErrNonPositiveBalance):
		h.writeError(w, http.StatusBadRequest, capitalizeError(err))
	case errors.Is(err, store.ErrVaultNotFound),
		errors.Is(err, store.ErrNoPendingScholarship):
		h.writeError(w, http.StatusNotFound, capitalizeError(err))
	case errors.Is(err, store.ErrVaultExists):
		h.writeError(w, http.StatusConflict, capitalizeError(err))
	case errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, tokenclient.ErrTransferRejected):
		h.writeError(w, http.StatusPaymentRequired, capitalizeError(err))
	case errors.Is(err, app.ErrInCooldown):
		h.writeError(w, http.StatusTooManyRequests, capitalizeError(err))
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"unhandled service error\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// capitalizeError turns a sentinel message into a user-facing sentence.
func capitalizeError(err error) string {
	msg := err.Error()
	if msg == "" {
		return msg
	}
	if msg[0] >= 'a' && msg[0] <= 'z' {
		return string(msg[0]-'a'+'A') + msg[1:]
	}
	return msg
}

// writeJSON is a helper for writing JSON responses.
func (h *VaultHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *VaultHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
