package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/leasehold/settlement-service/internal/app"
	"github.com/leasehold/settlement-service/internal/domain"
	"github.com/leasehold/settlement-service/internal/store"
)

const testInternalKey = "internal-secret"

type settlementServiceStub struct {
	initiateErr    error
	refundErr      error
	reconcileErr   error
	outcome        domain.ReconcileOutcome
	initiateCalls  int
	refundCalls    int
	successCalls   int
	failureCalls   int
	refundEvents   int
	lastEvent      domain.SettlementEvent
	lastRefundType domain.RefundReason
}

func (s *settlementServiceStub) InitiateSplitPayment(ctx context.Context, paymentID, ownerID uuid.UUID) (*domain.ClientConfirmationHandle, error) {
	s.initiateCalls++
	if s.initiateErr != nil {
		return nil, s.initiateErr
	}
	return &domain.ClientConfirmationHandle{PaymentID: paymentID, ExternalTransactionID: "pi_1", ClientSecret: "pi_1_secret", Status: "requires_payment_method"}, nil
}

func (s *settlementServiceStub) Refund(ctx context.Context, paymentID uuid.UUID, amount *decimal.Decimal, reason domain.RefundReason) (*domain.RefundResult, error) {
	s.refundCalls++
	s.lastRefundType = reason
	if s.refundErr != nil {
		return nil, s.refundErr
	}
	return &domain.RefundResult{PaymentID: paymentID.String(), TransferStatus: domain.TransferStatusReversed, ReversalID: "re_1"}, nil
}

func (s *settlementServiceStub) ReconcileSuccess(ctx context.Context, event domain.SettlementEvent) (domain.ReconcileOutcome, error) {
	s.successCalls++
	s.lastEvent = event
	return s.result()
}

func (s *settlementServiceStub) ReconcileFailure(ctx context.Context, event domain.SettlementEvent) (domain.ReconcileOutcome, error) {
	s.failureCalls++
	s.lastEvent = event
	return s.result()
}

func (s *settlementServiceStub) ReconcileExternalRefund(ctx context.Context, event domain.PlatformEvent) (domain.ReconcileOutcome, error) {
	s.refundEvents++
	return s.result()
}

func (s *settlementServiceStub) result() (domain.ReconcileOutcome, error) {
	if s.reconcileErr != nil {
		return "", s.reconcileErr
	}
	if s.outcome == "" {
		return domain.OutcomeApplied, nil
	}
	return s.outcome, nil
}

type accountServiceStub struct {
	owner        *domain.Owner
	account      *domain.ConnectedAccount
	created      bool
	err          error
	refreshErr   error
	refreshCalls int
	payoutLimit  int
	payoutReqID  string
}

func (s *accountServiceStub) CreateAccount(ctx context.Context, ownerID uuid.UUID, accountType domain.AccountType, email string) (*domain.ConnectedAccount, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	return s.account, s.created, nil
}

func (s *accountServiceStub) BeginOnboarding(ctx context.Context, accountID uuid.UUID, refreshURL, returnURL string) (*domain.OnboardingLink, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.OnboardingLink{URL: "https://connect.example.test/setup", ExpiresAt: time.Now().Add(5 * time.Minute)}, nil
}

func (s *accountServiceStub) RefreshStatus(ctx context.Context, accountID uuid.UUID) (*domain.ConnectedAccount, error) {
	s.refreshCalls++
	return s.account, s.refreshErr
}

func (s *accountServiceStub) RefreshByExternalID(ctx context.Context, externalAccountID string) (*domain.ConnectedAccount, error) {
	s.refreshCalls++
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return s.account, nil
}

func (s *accountServiceStub) Disable(ctx context.Context, accountID uuid.UUID, reason string) (*domain.ConnectedAccount, error) {
	return s.account, s.err
}

func (s *accountServiceStub) Enable(ctx context.Context, accountID uuid.UUID) (*domain.ConnectedAccount, error) {
	return s.account, s.err
}

func (s *accountServiceStub) GetAccountStatus(ctx context.Context, ownerID uuid.UUID) (*domain.ConnectedAccount, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.account, nil
}

func (s *accountServiceStub) OwnerForSubject(ctx context.Context, subject string) (*domain.Owner, error) {
	if s.owner == nil || s.owner.AuthSubject != subject {
		return nil, store.ErrOwnerNotFound
	}
	return s.owner, nil
}

func (s *accountServiceStub) CreateLoginLink(ctx context.Context, ownerID uuid.UUID) (*domain.LoginLink, error) {
	return &domain.LoginLink{URL: "https://connect.example.test/login"}, s.err
}

func (s *accountServiceStub) GetBalance(ctx context.Context, ownerID uuid.UUID) (*domain.AccountBalance, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.AccountBalance{Available: []domain.BalanceAmount{{Amount: decimal.RequireFromString("12.34"), Currency: "eur"}}}, nil
}

func (s *accountServiceStub) CreatePayout(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, requestID string) (*domain.Payout, error) {
	s.payoutReqID = requestID
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Payout{ID: "po_1", Amount: amount, Currency: "eur", Status: "pending"}, nil
}

func (s *accountServiceStub) ListPayouts(ctx context.Context, ownerID uuid.UUID, limit int) ([]domain.Payout, error) {
	s.payoutLimit = limit
	return nil, s.err
}

type feeServiceStub struct {
	err error
}

func (s *feeServiceStub) Calculate(ctx context.Context, amount decimal.Decimal, ownerID uuid.UUID, propertyID *uuid.UUID) (*domain.FeeCalculation, error) {
	if s.err != nil {
		return nil, s.err
	}
	fee := decimal.RequireFromString("30.50")
	return &domain.FeeCalculation{Gross: amount, PlatformFee: fee, Net: amount.Sub(fee), Currency: "eur"}, nil
}

func (s *feeServiceStub) CreateSchedule(ctx context.Context, schedule domain.FeeSchedule) (*domain.FeeSchedule, error) {
	if s.err != nil {
		return nil, s.err
	}
	schedule.ID = uuid.New()
	return &schedule, nil
}

func (s *feeServiceStub) ListSchedules(ctx context.Context) ([]domain.FeeSchedule, error) {
	return nil, s.err
}

func (s *feeServiceStub) DeactivateSchedule(ctx context.Context, scheduleID uuid.UUID) (*domain.FeeSchedule, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.FeeSchedule{ID: scheduleID}, nil
}

type sweeperStub struct {
	result app.SweepResult
}

func (s *sweeperStub) SweepPendingPayments(ctx context.Context) (app.SweepResult, error) {
	return s.result, nil
}

type apiFixture struct {
	settlements *settlementServiceStub
	accounts    *accountServiceStub
	fees        *feeServiceStub
	handler     *Handler
	router      http.Handler
}

func newAPIFixture() *apiFixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &apiFixture{
		settlements: &settlementServiceStub{},
		accounts:    &accountServiceStub{account: &domain.ConnectedAccount{ID: uuid.New(), Status: domain.AccountStatusActive}},
		fees:        &feeServiceStub{},
	}
	f.handler = NewHandler(f.settlements, f.accounts, f.fees, &sweeperStub{result: app.SweepResult{Evaluated: 2, Applied: 1, Skipped: 1}}, logger)
	webhooks := NewWebhookHandler(&verifierStub{}, f.settlements, f.accounts, nil, logger)
	f.router = NewRouter(f.handler, webhooks, JWTOptions{}, testInternalKey)
	return f
}

func (f *apiFixture) internalRequest(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

type verifierStub struct {
	event *domain.PlatformEvent
	err   error
}

func (v *verifierStub) VerifyWebhook(payload []byte, signature string) (*domain.PlatformEvent, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.event, nil
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON error body, got %q", rec.Body.String())
	}
	return body
}

func TestInternalRoutesRequireAPIKey(t *testing.T) {
	f := newAPIFixture()

	req := httptest.NewRequest(http.MethodGet, "/internal/settlements/fee-schedules", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/internal/settlements/fee-schedules", nil)
	req.Header.Set("X-Internal-API-Key", "wrong")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}

	rec = f.internalRequest(http.MethodGet, "/internal/settlements/fee-schedules", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
}

func TestInitiatePayment(t *testing.T) {
	f := newAPIFixture()
	paymentID := uuid.New()

	rec := f.internalRequest(http.MethodPost, "/internal/settlements/payments/"+paymentID.String()+"/initiate", fmt.Sprintf(`{"owner_id":%q}`, uuid.NewString()))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var handle domain.ClientConfirmationHandle
	if err := json.Unmarshal(rec.Body.Bytes(), &handle); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if handle.PaymentID != paymentID || handle.ClientSecret == "" {
		t.Fatalf("unexpected handle: %+v", handle)
	}
}

func TestInitiatePayment_Validation(t *testing.T) {
	f := newAPIFixture()

	rec := f.internalRequest(http.MethodPost, "/internal/settlements/payments/not-a-uuid/initiate", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad payment id, got %d", rec.Code)
	}
	rec = f.internalRequest(http.MethodPost, "/internal/settlements/payments/"+uuid.NewString()+"/initiate", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without owner id, got %d", rec.Code)
	}
	rec = f.internalRequest(http.MethodPost, "/internal/settlements/payments/"+uuid.NewString()+"/initiate", `{"owner_id":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
	if f.settlements.initiateCalls != 0 {
		t.Fatal("expected service not to be called")
	}
}

func TestInitiatePayment_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not eligible", fmt.Errorf("%w: owner x", domain.ErrAccountNotEligible), http.StatusUnprocessableEntity, "account_not_eligible"},
		{"fee exceeds", fmt.Errorf("%w: fee 5", domain.ErrFeeExceedsAmount), http.StatusUnprocessableEntity, "fee_exceeds_amount"},
		{"platform", fmt.Errorf("initiate: %w", &domain.ExternalPlatformError{Op: "create payment intent", Code: "card_declined", HTTPStatus: 402}), http.StatusBadGateway, "payment_platform_error"},
		{"payment missing", store.ErrPaymentNotFound, http.StatusNotFound, "payment_not_found"},
		{"owner mismatch", fmt.Errorf("%w: payment x", app.ErrOwnerMismatch), http.StatusConflict, "owner_mismatch"},
		{"not pending", fmt.Errorf("%w: payment x is completed", store.ErrPaymentStateConflict), http.StatusConflict, "payment_state_conflict"},
		{"ledger", &domain.LedgerInvariantError{PaymentID: "p", Reason: "mismatch"}, http.StatusInternalServerError, "internal_error"},
		{"unexpected", errors.New("connection reset by peer"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture()
			f.settlements.initiateErr = tt.err

			rec := f.internalRequest(http.MethodPost, "/internal/settlements/payments/"+uuid.NewString()+"/initiate", fmt.Sprintf(`{"owner_id":%q}`, uuid.NewString()))
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			body := decodeError(t, rec)
			if body.Error != tt.wantCode {
				t.Fatalf("expected code %s, got %s", tt.wantCode, body.Error)
			}
			if rec.Code >= 500 && body.Message != genericErrorMessage {
				t.Fatalf("expected generic message, got %q", body.Message)
			}
			if strings.Contains(rec.Body.String(), "connection reset") || strings.Contains(rec.Body.String(), "card_declined") {
				t.Fatalf("expected internal details to stay out of the response, got %s", rec.Body.String())
			}
		})
	}
}

func TestInitiatePayment_RateLimited(t *testing.T) {
	f := newAPIFixture()
	f.settlements.initiateErr = &app.RateLimitError{RetryAfterSeconds: 17}

	rec := f.internalRequest(http.MethodPost, "/internal/settlements/payments/"+uuid.NewString()+"/initiate", fmt.Sprintf(`{"owner_id":%q}`, uuid.NewString()))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "17" {
		t.Fatalf("expected Retry-After 17, got %q", got)
	}
}

func TestRefundPayment(t *testing.T) {
	f := newAPIFixture()
	path := "/internal/settlements/payments/" + uuid.NewString() + "/refund"

	rec := f.internalRequest(http.MethodPost, path, `{"reason":"because"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown reason, got %d", rec.Code)
	}
	if f.settlements.refundCalls != 0 {
		t.Fatal("expected service not to be called for an unknown reason")
	}

	rec = f.internalRequest(http.MethodPost, path, `{"reason":"lease_terminated","amount":"250.00"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.settlements.lastRefundType != domain.RefundReasonLeaseTerminated {
		t.Fatalf("expected lease_terminated, got %s", f.settlements.lastRefundType)
	}

	f.settlements.refundErr = domain.ErrAlreadyReversed
	rec = f.internalRequest(http.MethodPost, path, `{"reason":"lease_terminated"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a second refund, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != "already_reversed" {
		t.Fatalf("expected already_reversed, got %s", body.Error)
	}

	f.settlements.refundErr = fmt.Errorf("%w: 1000.01 > 1000.00", domain.ErrRefundExceedsAmount)
	rec = f.internalRequest(http.MethodPost, path, `{"reason":"overpayment","amount":"1000.01"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an excessive refund, got %d", rec.Code)
	}
}

func TestCreateOwnerAccount(t *testing.T) {
	f := newAPIFixture()
	path := "/internal/settlements/owners/" + uuid.NewString() + "/account"

	f.accounts.created = true
	rec := f.internalRequest(http.MethodPost, path, `{"account_type":"company","email":"owner@example.test"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	f.accounts.created = false
	rec = f.internalRequest(http.MethodPost, path, `{"account_type":"company"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for an existing account, got %d", rec.Code)
	}

	rec = f.internalRequest(http.MethodPost, path, `{"account_type":"partnership"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unsupported account type, got %d", rec.Code)
	}
}

func TestBeginOnboarding_IllegalTransition(t *testing.T) {
	f := newAPIFixture()
	f.accounts.err = fmt.Errorf("%w: rejected -> onboarding_started", domain.ErrIllegalTransition)

	rec := f.internalRequest(http.MethodPost, "/internal/settlements/accounts/"+uuid.NewString()+"/onboarding", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestCalculateFee(t *testing.T) {
	f := newAPIFixture()

	rec := f.internalRequest(http.MethodPost, "/internal/settlements/fees/calculate", fmt.Sprintf(`{"amount":"1000","owner_id":%q}`, uuid.NewString()))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var calc domain.FeeCalculation
	if err := json.Unmarshal(rec.Body.Bytes(), &calc); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !calc.Net.Equal(decimal.RequireFromString("969.50")) {
		t.Fatalf("expected net 969.50, got %s", calc.Net)
	}

	f.fees.err = domain.ErrInvalidAmount
	rec = f.internalRequest(http.MethodPost, "/internal/settlements/fees/calculate", fmt.Sprintf(`{"amount":"0","owner_id":%q}`, uuid.NewString()))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateFeeSchedule_ValidationError(t *testing.T) {
	f := newAPIFixture()
	f.fees.err = &app.ValidationError{Message: "percentage schedules need a positive rate"}

	rec := f.internalRequest(http.MethodPost, "/internal/settlements/fee-schedules", `{"name":"x","fee_type":"percentage"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Message != "percentage schedules need a positive rate" {
		t.Fatalf("expected validation message, got %q", body.Message)
	}
}

func TestSweepPending(t *testing.T) {
	f := newAPIFixture()

	rec := f.internalRequest(http.MethodPost, "/internal/settlements/sweep/pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var result app.SweepResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.Evaluated != 2 || result.Applied != 1 {
		t.Fatalf("unexpected sweep result: %+v", result)
	}
}

func withSubject(req *http.Request, subject string) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), subjectContextKey, subject))
}

func TestMyRoutes_ResolveOwnerFromSubject(t *testing.T) {
	f := newAPIFixture()
	f.accounts.owner = &domain.Owner{ID: uuid.New(), AuthSubject: "user_1"}

	rec := httptest.NewRecorder()
	f.handler.handleMyBalance(rec, withSubject(httptest.NewRequest(http.MethodGet, "/settlements/me/balance", nil), "user_1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.handler.handleMyBalance(rec, withSubject(httptest.NewRequest(http.MethodGet, "/settlements/me/balance", nil), "user_unknown"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a subject without owner profile, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.handler.handleMyBalance(rec, httptest.NewRequest(http.MethodGet, "/settlements/me/balance", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without subject, got %d", rec.Code)
	}
}

func TestMyPayouts(t *testing.T) {
	f := newAPIFixture()
	f.accounts.owner = &domain.Owner{ID: uuid.New(), AuthSubject: "user_1"}

	rec := httptest.NewRecorder()
	f.handler.handleMyPayouts(rec, withSubject(httptest.NewRequest(http.MethodGet, "/settlements/me/payouts?limit=500", nil), "user_1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an out of range limit, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.handler.handleMyPayouts(rec, withSubject(httptest.NewRequest(http.MethodGet, "/settlements/me/payouts?limit=5", nil), "user_1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if f.accounts.payoutLimit != 5 {
		t.Fatalf("expected limit 5, got %d", f.accounts.payoutLimit)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}

	req := withSubject(httptest.NewRequest(http.MethodPost, "/settlements/me/payouts", strings.NewReader(`{"amount":"10.00"}`)), "user_1")
	req.Header.Set("Idempotency-Key", "req-42")
	rec = httptest.NewRecorder()
	f.handler.handleMyCreatePayout(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if f.accounts.payoutReqID != "req-42" {
		t.Fatalf("expected request id from Idempotency-Key header, got %q", f.accounts.payoutReqID)
	}
}
