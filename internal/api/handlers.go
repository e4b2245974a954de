/**
 * @description
 * HTTP handlers for the settlement service. Handlers decode requests, call the
 * application services and map domain errors onto status codes. Error details
 * stay in the logs; callers only see a stable code and message.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain, internal/store: services, models and errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/leasehold/settlement-service/internal/app"
	"github.com/leasehold/settlement-service/internal/domain"
	"github.com/leasehold/settlement-service/internal/store"
)

const genericErrorMessage = "payment could not be processed, try again"

// SettlementService is the orchestrator surface used by the HTTP layer.
type SettlementService interface {
	InitiateSplitPayment(ctx context.Context, paymentID, ownerID uuid.UUID) (*domain.ClientConfirmationHandle, error)
	Refund(ctx context.Context, paymentID uuid.UUID, amount *decimal.Decimal, reason domain.RefundReason) (*domain.RefundResult, error)
	ReconcileSuccess(ctx context.Context, event domain.SettlementEvent) (domain.ReconcileOutcome, error)
	ReconcileFailure(ctx context.Context, event domain.SettlementEvent) (domain.ReconcileOutcome, error)
	ReconcileExternalRefund(ctx context.Context, event domain.PlatformEvent) (domain.ReconcileOutcome, error)
}

// AccountService is the connected account registry surface used by the HTTP layer.
type AccountService interface {
	CreateAccount(ctx context.Context, ownerID uuid.UUID, accountType domain.AccountType, email string) (*domain.ConnectedAccount, bool, error)
	BeginOnboarding(ctx context.Context, accountID uuid.UUID, refreshURL, returnURL string) (*domain.OnboardingLink, error)
	RefreshStatus(ctx context.Context, accountID uuid.UUID) (*domain.ConnectedAccount, error)
	RefreshByExternalID(ctx context.Context, externalAccountID string) (*domain.ConnectedAccount, error)
	Disable(ctx context.Context, accountID uuid.UUID, reason string) (*domain.ConnectedAccount, error)
	Enable(ctx context.Context, accountID uuid.UUID) (*domain.ConnectedAccount, error)
	GetAccountStatus(ctx context.Context, ownerID uuid.UUID) (*domain.ConnectedAccount, error)
	OwnerForSubject(ctx context.Context, subject string) (*domain.Owner, error)
	CreateLoginLink(ctx context.Context, ownerID uuid.UUID) (*domain.LoginLink, error)
	GetBalance(ctx context.Context, ownerID uuid.UUID) (*domain.AccountBalance, error)
	CreatePayout(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, requestID string) (*domain.Payout, error)
	ListPayouts(ctx context.Context, ownerID uuid.UUID, limit int) ([]domain.Payout, error)
}

// FeeService is the fee resolver surface used by the HTTP layer.
type FeeService interface {
	Calculate(ctx context.Context, amount decimal.Decimal, ownerID uuid.UUID, propertyID *uuid.UUID) (*domain.FeeCalculation, error)
	CreateSchedule(ctx context.Context, schedule domain.FeeSchedule) (*domain.FeeSchedule, error)
	ListSchedules(ctx context.Context) ([]domain.FeeSchedule, error)
	DeactivateSchedule(ctx context.Context, scheduleID uuid.UUID) (*domain.FeeSchedule, error)
}

// PendingSweeper runs the pending payment sweep on demand.
type PendingSweeper interface {
	SweepPendingPayments(ctx context.Context) (app.SweepResult, error)
}

// Handler holds the application services that handlers interact with.
type Handler struct {
	settlements SettlementService
	accounts    AccountService
	fees        FeeService
	sweeper     PendingSweeper
	logger      *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(settlements SettlementService, accounts AccountService, fees FeeService, sweeper PendingSweeper, logger *slog.Logger) *Handler {
	return &Handler{
		settlements: settlements,
		accounts:    accounts,
		fees:        fees,
		sweeper:     sweeper,
		logger:      logger,
	}
}

type calculateFeeRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	OwnerID    uuid.UUID       `json:"owner_id"`
	PropertyID *uuid.UUID      `json:"property_id,omitempty"`
}

type initiateRequest struct {
	OwnerID uuid.UUID `json:"owner_id"`
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Reason string           `json:"reason"`
}

type createAccountRequest struct {
	AccountType string `json:"account_type"`
	Email       string `json:"email"`
}

type onboardingRequest struct {
	RefreshURL string `json:"refresh_url"`
	ReturnURL  string `json:"return_url"`
}

type disableRequest struct {
	Reason string `json:"reason"`
}

type payoutRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	RequestID string          `json:"request_id"`
}

type accountResponse struct {
	Account *domain.ConnectedAccount `json:"account"`
	Created bool                     `json:"created"`
}

func (h *Handler) handleCalculateFee(w http.ResponseWriter, r *http.Request) {
	var req calculateFeeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.OwnerID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "owner_id is required")
		return
	}

	calc, err := h.fees.Calculate(r.Context(), req.Amount, req.OwnerID, req.PropertyID)
	if err != nil {
		h.writeServiceError(w, r, err, "owner_id", req.OwnerID)
		return
	}
	respondWithJSON(w, http.StatusOK, calc)
}

func (h *Handler) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := uuidParam(w, r, "paymentID")
	if !ok {
		return
	}
	var req initiateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.OwnerID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "owner_id is required")
		return
	}

	handle, err := h.settlements.InitiateSplitPayment(r.Context(), paymentID, req.OwnerID)
	if err != nil {
		h.writeServiceError(w, r, err, "payment_id", paymentID, "owner_id", req.OwnerID)
		return
	}
	respondWithJSON(w, http.StatusOK, handle)
}

func (h *Handler) handleRefundPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := uuidParam(w, r, "paymentID")
	if !ok {
		return
	}
	var req refundRequest
	if !h.decode(w, r, &req) {
		return
	}
	reason, err := domain.ParseRefundReason(req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err, "payment_id", paymentID)
		return
	}

	result, err := h.settlements.Refund(r.Context(), paymentID, req.Amount, reason)
	if err != nil {
		h.writeServiceError(w, r, err, "payment_id", paymentID)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetOwnerAccount(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := uuidParam(w, r, "ownerID")
	if !ok {
		return
	}
	account, err := h.accounts.GetAccountStatus(r.Context(), ownerID)
	if err != nil {
		h.writeServiceError(w, r, err, "owner_id", ownerID)
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

func (h *Handler) handleCreateOwnerAccount(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := uuidParam(w, r, "ownerID")
	if !ok {
		return
	}
	var req createAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.createAccount(w, r, ownerID, req)
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID, req createAccountRequest) {
	if req.AccountType == "" {
		req.AccountType = string(domain.AccountTypeIndividual)
	}
	accountType, err := domain.ParseAccountType(req.AccountType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	account, created, err := h.accounts.CreateAccount(r.Context(), ownerID, accountType, req.Email)
	if err != nil {
		h.writeServiceError(w, r, err, "owner_id", ownerID)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondWithJSON(w, status, accountResponse{Account: account, Created: created})
}

func (h *Handler) handleBeginOnboarding(w http.ResponseWriter, r *http.Request) {
	accountID, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}
	var req onboardingRequest
	if !h.decode(w, r, &req) {
		return
	}

	link, err := h.accounts.BeginOnboarding(r.Context(), accountID, req.RefreshURL, req.ReturnURL)
	if err != nil {
		h.writeServiceError(w, r, err, "account_id", accountID)
		return
	}
	respondWithJSON(w, http.StatusOK, link)
}

func (h *Handler) handleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}
	account, err := h.accounts.RefreshStatus(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, r, err, "account_id", accountID)
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

func (h *Handler) handleDisableAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}
	var req disableRequest
	if !h.decode(w, r, &req) {
		return
	}
	account, err := h.accounts.Disable(r.Context(), accountID, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err, "account_id", accountID)
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

func (h *Handler) handleEnableAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}
	account, err := h.accounts.Enable(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, r, err, "account_id", accountID)
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

func (h *Handler) handleListFeeSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.fees.ListSchedules(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if schedules == nil {
		schedules = []domain.FeeSchedule{}
	}
	respondWithJSON(w, http.StatusOK, schedules)
}

func (h *Handler) handleCreateFeeSchedule(w http.ResponseWriter, r *http.Request) {
	var schedule domain.FeeSchedule
	if !h.decode(w, r, &schedule) {
		return
	}
	created, err := h.fees.CreateSchedule(r.Context(), schedule)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleDeactivateFeeSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID, ok := uuidParam(w, r, "scheduleID")
	if !ok {
		return
	}
	schedule, err := h.fees.DeactivateSchedule(r.Context(), scheduleID)
	if err != nil {
		h.writeServiceError(w, r, err, "schedule_id", scheduleID)
		return
	}
	respondWithJSON(w, http.StatusOK, schedule)
}

func (h *Handler) handleSweepPending(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.SweepPendingPayments(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// currentOwner resolves the authenticated subject to its owner record.
func (h *Handler) currentOwner(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return uuid.Nil, false
	}
	owner, err := h.accounts.OwnerForSubject(r.Context(), subject)
	if err != nil {
		if errors.Is(err, store.ErrOwnerNotFound) {
			writeError(w, http.StatusForbidden, "owner_not_found", "no owner profile for this user")
			return uuid.Nil, false
		}
		h.writeServiceError(w, r, err, "subject", subject)
		return uuid.Nil, false
	}
	return owner.ID, true
}

func (h *Handler) handleMyAccount(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.currentOwner(w, r)
	if !ok {
		return
	}
	account, err := h.accounts.GetAccountStatus(r.Context(), ownerID)
	if err != nil {
		h.writeServiceError(w, r, err, "owner_id", ownerID)
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

func (h *Handler) handleMyOnboarding(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.currentOwner(w, r)
	if !ok {
		return
	}
	var req createAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.AccountType == "" {
		req.AccountType = string(domain.AccountTypeIndividual)
	}
	accountType, err := domain.ParseAccountType(req.AccountType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	account, _, err := h.accounts.CreateAccount(r.Context(), ownerID, accountType, req.Email)
	if err != nil {
		h.writeServiceError(w, r, err, "owner_id", ownerID)
		return
	}
	link, err := h.accounts.BeginOnboarding(r.Context(), account.ID, "", "")
	if err != nil {
		h.writeServiceError(w, r, err, "owner_id", ownerID, "account_id", account.ID)
		return
	}
	respondWithJSON(w, http.StatusOK, link)
}

func (h *Handler) handleMyLoginLink(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.currentOwner(w, r)
	if !ok {
		return
	}
	link, err := h.accounts.CreateLoginLink(r.Context(), ownerID)
	if err != nil {
		h.writeServiceError(w, r, err, "owner_id", ownerID)
		return
	}
	respondWithJSON(w, http.StatusOK, link)
}

func (h *Handler) handleMyBalance(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.currentOwner(w, r)
	if !ok {
		return
	}
	balance, err := h.accounts.GetBalance(r.Context(), ownerID)
	if err != nil {
		h.writeServiceError(w, r, err, "owner_id", ownerID)
		return
	}
	respondWithJSON(w, http.StatusOK, balance)
}

func (h *Handler) handleMyPayouts(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.currentOwner(w, r)
	if !ok {
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 100 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}

	payouts, err := h.accounts.ListPayouts(r.Context(), ownerID, limit)
	if err != nil {
		h.writeServiceError(w, r, err, "owner_id", ownerID)
		return
	}
	if payouts == nil {
		payouts = []domain.Payout{}
	}
	respondWithJSON(w, http.StatusOK, payouts)
}

func (h *Handler) handleMyCreatePayout(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.currentOwner(w, r)
	if !ok {
		return
	}
	var req payoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}

	payout, err := h.accounts.CreatePayout(r.Context(), ownerID, req.Amount, req.RequestID)
	if err != nil {
		h.writeServiceError(w, r, err, "owner_id", ownerID)
		return
	}
	respondWithJSON(w, http.StatusCreated, payout)
}

// decode reads an optional JSON body. An empty body leaves v untouched.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
	return false
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid "+strings.TrimSuffix(name, "ID")+" id")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps a service error onto a response. attrs are logged with the error.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, attrs ...any) {
	status, code, message := classifyError(err)

	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
	}

	logAttrs := append([]any{"method", r.Method, "path", r.URL.Path, "status", status, "error", err}, attrs...)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", logAttrs...)
	} else {
		h.logger.Warn("request rejected", logAttrs...)
	}
	writeError(w, status, code, message)
}

// classifyError returns the status, stable code and caller-facing message for err.
func classifyError(err error) (int, string, string) {
	var (
		rateErr       *app.RateLimitError
		validationErr *app.ValidationError
		platformErr   *domain.ExternalPlatformError
	)

	switch {
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, "rate_limited", "too many attempts, try again later"
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, "invalid_request", validationErr.Message
	case errors.Is(err, domain.ErrInvalidRefundReason):
		return http.StatusBadRequest, "invalid_refund_reason", "refund reason is not supported"
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount", domain.ErrInvalidAmount.Error()
	case errors.Is(err, domain.ErrRefundExceedsAmount):
		return http.StatusBadRequest, "refund_exceeds_amount", domain.ErrRefundExceedsAmount.Error()
	case errors.Is(err, domain.ErrAccountNotEligible):
		return http.StatusUnprocessableEntity, "account_not_eligible", domain.ErrAccountNotEligible.Error()
	case errors.Is(err, domain.ErrFeeExceedsAmount):
		return http.StatusUnprocessableEntity, "fee_exceeds_amount", domain.ErrFeeExceedsAmount.Error()
	case errors.Is(err, domain.ErrAlreadyReversed):
		return http.StatusConflict, "already_reversed", domain.ErrAlreadyReversed.Error()
	case errors.Is(err, domain.ErrIllegalTransition):
		return http.StatusConflict, "illegal_transition", "the account cannot make this change in its current status"
	case errors.Is(err, store.ErrPaymentStateConflict), errors.Is(err, store.ErrExternalRefConflict):
		return http.StatusConflict, "payment_state_conflict", store.ErrPaymentStateConflict.Error()
	case errors.Is(err, app.ErrOwnerMismatch):
		return http.StatusConflict, "owner_mismatch", app.ErrOwnerMismatch.Error()
	case errors.Is(err, store.ErrPaymentNotFound):
		return http.StatusNotFound, "payment_not_found", store.ErrPaymentNotFound.Error()
	case errors.Is(err, store.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found", store.ErrAccountNotFound.Error()
	case errors.Is(err, store.ErrOwnerNotFound):
		return http.StatusNotFound, "owner_not_found", store.ErrOwnerNotFound.Error()
	case errors.Is(err, store.ErrTransferNotFound):
		return http.StatusNotFound, "transfer_not_found", store.ErrTransferNotFound.Error()
	case errors.Is(err, store.ErrFeeScheduleNotFound):
		return http.StatusNotFound, "fee_schedule_not_found", store.ErrFeeScheduleNotFound.Error()
	case errors.As(err, &platformErr):
		return http.StatusBadGateway, "payment_platform_error", genericErrorMessage
	}
	return http.StatusInternalServerError, "internal_error", genericErrorMessage
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, errorResponse{Error: code, Message: message})
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
