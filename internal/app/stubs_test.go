package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/leasehold/settlement-service/internal/domain"
	"github.com/leasehold/settlement-service/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryRepo keeps every repository in memory with the same conflict rules as the Postgres store.
type memoryRepo struct {
	mu        sync.Mutex
	owners    map[uuid.UUID]domain.Owner
	accounts  map[uuid.UUID]domain.ConnectedAccount
	payments  map[uuid.UUID]domain.Payment
	transfers map[uuid.UUID]domain.Transfer
	schedules []domain.FeeSchedule

	recordCalls int
	flagged     map[uuid.UUID]string

	// flagBeforeRecord flags the payment just before RecordSettlement takes its lock,
	// like a concurrent manual review would.
	flagBeforeRecord bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		owners:    map[uuid.UUID]domain.Owner{},
		accounts:  map[uuid.UUID]domain.ConnectedAccount{},
		payments:  map[uuid.UUID]domain.Payment{},
		transfers: map[uuid.UUID]domain.Transfer{},
		flagged:   map[uuid.UUID]string{},
	}
}

func (m *memoryRepo) GetOwner(ctx context.Context, ownerID uuid.UUID) (*domain.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[ownerID]
	if !ok {
		return nil, store.ErrOwnerNotFound
	}
	return &owner, nil
}

func (m *memoryRepo) FindOwnerByAuthSubject(ctx context.Context, subject string) (*domain.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, owner := range m.owners {
		if owner.AuthSubject == subject {
			o := owner
			return &o, nil
		}
	}
	return nil, store.ErrOwnerNotFound
}

func (m *memoryRepo) GetAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.ConnectedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return &account, nil
}

func (m *memoryRepo) GetAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.ConnectedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, account := range m.accounts {
		if account.OwnerID == ownerID {
			a := account
			return &a, nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (m *memoryRepo) GetAccountByExternalID(ctx context.Context, externalID string) (*domain.ConnectedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, account := range m.accounts {
		if account.ExternalAccountID == externalID {
			a := account
			return &a, nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (m *memoryRepo) CreateAccount(ctx context.Context, account *domain.ConnectedAccount) (*domain.ConnectedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.OwnerID == account.OwnerID {
			e := existing
			return &e, store.ErrAccountAlreadyExists
		}
	}
	created := *account
	created.ID = uuid.New()
	created.CreatedAt = time.Now().UTC()
	created.UpdatedAt = created.CreatedAt
	m.accounts[created.ID] = created
	return &created, nil
}

func (m *memoryRepo) UpdateAccount(ctx context.Context, account *domain.ConnectedAccount) (*domain.ConnectedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.ID]; !ok {
		return nil, store.ErrAccountNotFound
	}
	updated := *account
	updated.UpdatedAt = time.Now().UTC()
	m.accounts[updated.ID] = updated
	return &updated, nil
}

func (m *memoryRepo) ListAccountsByStatus(ctx context.Context, statuses []domain.AccountStatus, limit int) ([]domain.ConnectedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ConnectedAccount
	for _, account := range m.accounts {
		for _, status := range statuses {
			if account.Status == status {
				out = append(out, account)
				break
			}
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memoryRepo) ListActiveFeeSchedules(ctx context.Context) ([]domain.FeeSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.FeeSchedule
	for _, schedule := range m.schedules {
		if schedule.IsActive {
			out = append(out, schedule)
		}
	}
	return out, nil
}

func (m *memoryRepo) ListFeeSchedules(ctx context.Context) ([]domain.FeeSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.FeeSchedule(nil), m.schedules...), nil
}

func (m *memoryRepo) GetFeeSchedule(ctx context.Context, scheduleID uuid.UUID) (*domain.FeeSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, schedule := range m.schedules {
		if schedule.ID == scheduleID {
			s := schedule
			return &s, nil
		}
	}
	return nil, store.ErrFeeScheduleNotFound
}

func (m *memoryRepo) CreateFeeSchedule(ctx context.Context, schedule *domain.FeeSchedule) (*domain.FeeSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := *schedule
	created.ID = uuid.New()
	created.CreatedAt = time.Now().UTC()
	m.schedules = append(m.schedules, created)
	return &created, nil
}

func (m *memoryRepo) DeactivateFeeSchedule(ctx context.Context, scheduleID uuid.UUID) (*domain.FeeSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.schedules {
		if m.schedules[i].ID == scheduleID {
			m.schedules[i].IsActive = false
			s := m.schedules[i]
			return &s, nil
		}
	}
	return nil, store.ErrFeeScheduleNotFound
}

func (m *memoryRepo) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[paymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	return &payment, nil
}

func (m *memoryRepo) GetPaymentByExternalRef(ctx context.Context, externalRef string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, payment := range m.payments {
		if payment.ExternalTransactionRef != nil && *payment.ExternalTransactionRef == externalRef {
			p := payment
			return &p, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func (m *memoryRepo) AttachSettlement(ctx context.Context, attachment domain.SettlementAttachment) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[attachment.PaymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	if payment.Status != domain.PaymentStatusPending {
		return nil, store.ErrPaymentStateConflict
	}
	if payment.ExternalTransactionRef != nil && *payment.ExternalTransactionRef != attachment.ExternalTransactionRef {
		return nil, store.ErrExternalRefConflict
	}
	ref := attachment.ExternalTransactionRef
	account := attachment.ConnectedAccountRef
	fee := attachment.PlatformFee
	net := attachment.TransferAmount
	owner := attachment.OwnerID
	payment.ExternalTransactionRef = &ref
	payment.ConnectedAccountRef = &account
	payment.PlatformFee = &fee
	payment.TransferAmount = &net
	payment.FeeScheduleID = attachment.FeeScheduleID
	payment.OwnerID = &owner
	m.payments[payment.ID] = payment
	return &payment, nil
}

func (m *memoryRepo) MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, externalRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[paymentID]
	if !ok {
		return false, store.ErrPaymentNotFound
	}
	if payment.Status != domain.PaymentStatusPending {
		return false, nil
	}
	payment.Status = domain.PaymentStatusFailed
	m.payments[paymentID] = payment
	return true, nil
}

func (m *memoryRepo) FlagPayment(ctx context.Context, paymentID uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[paymentID]
	if !ok {
		return store.ErrPaymentNotFound
	}
	payment.Status = domain.PaymentStatusFlagged
	payment.FlagReason = &reason
	m.payments[paymentID] = payment
	m.flagged[paymentID] = reason
	return nil
}

func (m *memoryRepo) ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Payment
	for _, payment := range m.payments {
		if payment.Status == domain.PaymentStatusPending && payment.ExternalTransactionRef != nil && !payment.UpdatedAt.After(olderThan) {
			out = append(out, payment)
		}
	}
	return out, nil
}

func (m *memoryRepo) GetTransferByPaymentID(ctx context.Context, paymentID uuid.UUID) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, transfer := range m.transfers {
		if transfer.PaymentID == paymentID {
			t := transfer
			return &t, nil
		}
	}
	return nil, store.ErrTransferNotFound
}

func (m *memoryRepo) RecordSettlement(ctx context.Context, transfer domain.Transfer) (*domain.Transfer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordCalls++
	if m.flagBeforeRecord {
		payment := m.payments[transfer.PaymentID]
		payment.Status = domain.PaymentStatusFlagged
		m.payments[payment.ID] = payment
	}
	if m.payments[transfer.PaymentID].Status == domain.PaymentStatusFlagged {
		return nil, false, store.ErrPaymentStateConflict
	}
	for _, existing := range m.transfers {
		if existing.IdempotencyKey == transfer.IdempotencyKey {
			e := existing
			return &e, false, nil
		}
		if existing.PaymentID == transfer.PaymentID {
			return nil, false, &domain.LedgerInvariantError{
				PaymentID:      transfer.PaymentID.String(),
				IdempotencyKey: transfer.IdempotencyKey,
				Reason:         "payment already has a transfer under another key",
			}
		}
	}
	payment := m.payments[transfer.PaymentID]
	payment.Status = domain.PaymentStatusCompleted
	payment.TransferCompleted = true
	m.payments[payment.ID] = payment

	created := transfer
	created.ID = uuid.New()
	created.CreatedAt = time.Now().UTC()
	m.transfers[created.ID] = created
	return &created, true, nil
}

func (m *memoryRepo) MarkTransferReversed(ctx context.Context, transferID uuid.UUID, reversal domain.Reversal) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	transfer, ok := m.transfers[transferID]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	if err := domain.TransitionTransfer(transfer.Status, domain.TransferStatusReversed); err != nil {
		return nil, err
	}
	reversalID := reversal.ReversalID
	reason := reversal.Reason
	amount := reversal.Amount
	reversedAt := reversal.ReversedAt
	transfer.Status = domain.TransferStatusReversed
	transfer.ReversalID = &reversalID
	transfer.ReversalReason = &reason
	transfer.ReversedAmount = &amount
	transfer.ReversedAt = &reversedAt
	m.transfers[transferID] = transfer

	payment := m.payments[transfer.PaymentID]
	payment.Status = domain.PaymentStatusRefunded
	m.payments[payment.ID] = payment
	return &transfer, nil
}

func (m *memoryRepo) AmendExternalReversal(ctx context.Context, transferID uuid.UUID, reversal domain.Reversal) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	transfer, ok := m.transfers[transferID]
	if !ok || transfer.Status != domain.TransferStatusReversed ||
		transfer.ReversalReason == nil || *transfer.ReversalReason != domain.RefundReasonExternal {
		return nil, domain.ErrAlreadyReversed
	}
	reversalID := reversal.ReversalID
	reason := reversal.Reason
	amount := reversal.Amount
	transfer.ReversalID = &reversalID
	transfer.ReversalReason = &reason
	transfer.ReversedAmount = &amount
	m.transfers[transferID] = transfer
	return &transfer, nil
}

// platformStub emulates the payment platform, including idempotent creates.
type platformStub struct {
	mu            sync.Mutex
	accounts      map[string]domain.PlatformAccount
	payments      map[string]domain.PlatformPayment
	intentsByKey  map[string]string
	refundsByKey  map[string]domain.PlatformRefund
	chargeRefunds map[string]domain.PlatformRefund
	createCalls   int
	refundCalls   int
	lastSplit     domain.SplitPaymentRequest
	lastRefund    domain.RefundRequest
	createErr     error
	getAccountErr error
}

func newPlatformStub() *platformStub {
	return &platformStub{
		accounts:      map[string]domain.PlatformAccount{},
		payments:      map[string]domain.PlatformPayment{},
		intentsByKey:  map[string]string{},
		refundsByKey:  map[string]domain.PlatformRefund{},
		chargeRefunds: map[string]domain.PlatformRefund{},
	}
}

func (p *platformStub) CreateConnectedAccount(ctx context.Context, req domain.CreateAccountRequest) (*domain.PlatformAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	account := domain.PlatformAccount{ExternalID: "acct_" + req.OwnerID[:8], Email: req.Email, Currency: req.Currency}
	p.accounts[account.ExternalID] = account
	return &account, nil
}

func (p *platformStub) CreateOnboardingLink(ctx context.Context, externalAccountID, refreshURL, returnURL string) (*domain.OnboardingLink, error) {
	return &domain.OnboardingLink{URL: "https://connect.example.test/setup/" + externalAccountID, ExpiresAt: time.Now().Add(5 * time.Minute)}, nil
}

func (p *platformStub) GetAccount(ctx context.Context, externalAccountID string) (*domain.PlatformAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getAccountErr != nil {
		return nil, p.getAccountErr
	}
	account, ok := p.accounts[externalAccountID]
	if !ok {
		return nil, &domain.ExternalPlatformError{Op: "get account", HTTPStatus: 404, Message: "no such account"}
	}
	return &account, nil
}

func (p *platformStub) CreateSplitPayment(ctx context.Context, req domain.SplitPaymentRequest) (*domain.PlatformPayment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	p.lastSplit = req
	if p.createErr != nil {
		return nil, p.createErr
	}
	if id, ok := p.intentsByKey[req.IdempotencyKey]; ok {
		payment := p.payments[id]
		return &payment, nil
	}
	id := fmt.Sprintf("pi_%d", len(p.payments)+1)
	payment := domain.PlatformPayment{
		ID:                  id,
		Status:              domain.PlatformPaymentRequiresPaymentMethod,
		AmountMinor:         req.AmountMinor,
		Currency:            req.Currency,
		ApplicationFeeMinor: req.ApplicationFeeMinor,
		DestinationAccount:  req.DestinationAccount,
		ClientSecret:        id + "_secret",
		Metadata:            req.Metadata,
	}
	p.payments[id] = payment
	p.intentsByKey[req.IdempotencyKey] = id
	return &payment, nil
}

func (p *platformStub) GetPayment(ctx context.Context, externalTransactionID string) (*domain.PlatformPayment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	payment, ok := p.payments[externalTransactionID]
	if !ok {
		return nil, &domain.ExternalPlatformError{Op: "get payment", HTTPStatus: 404, Message: "no such payment_intent"}
	}
	return &payment, nil
}

func (p *platformStub) CreateRefund(ctx context.Context, req domain.RefundRequest) (*domain.PlatformRefund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refundCalls++
	p.lastRefund = req
	if refund, ok := p.refundsByKey[req.IdempotencyKey]; ok {
		return &refund, nil
	}
	payment := p.payments[req.ExternalTransactionID]
	amount := payment.AmountMinor
	if req.AmountMinor != nil {
		amount = *req.AmountMinor
	}
	refund := domain.PlatformRefund{ID: fmt.Sprintf("re_%d", len(p.refundsByKey)+1), Status: "succeeded", AmountMinor: amount}
	p.refundsByKey[req.IdempotencyKey] = refund
	if payment.ChargeID != "" {
		p.chargeRefunds[payment.ChargeID] = refund
	}
	return &refund, nil
}

func (p *platformStub) LatestRefund(ctx context.Context, chargeID string) (*domain.PlatformRefund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	refund, ok := p.chargeRefunds[chargeID]
	if !ok {
		return nil, fmt.Errorf("%w: charge %s", domain.ErrRefundNotFound, chargeID)
	}
	return &refund, nil
}

func (p *platformStub) CreateLoginLink(ctx context.Context, externalAccountID string) (*domain.LoginLink, error) {
	return &domain.LoginLink{URL: "https://connect.example.test/login/" + externalAccountID, CreatedAt: time.Now()}, nil
}

func (p *platformStub) GetBalance(ctx context.Context, externalAccountID string) (*domain.AccountBalance, error) {
	return &domain.AccountBalance{Available: []domain.BalanceAmount{{Amount: decimal.RequireFromString("12.34"), Currency: "usd"}}}, nil
}

func (p *platformStub) CreatePayout(ctx context.Context, req domain.PayoutRequest) (*domain.Payout, error) {
	return &domain.Payout{ID: "po_1", Amount: domain.FromMinorUnits(req.AmountMinor), Currency: req.Currency, Status: "pending"}, nil
}

func (p *platformStub) ListPayouts(ctx context.Context, externalAccountID string, limit int) ([]domain.Payout, error) {
	return []domain.Payout{{ID: "po_1", Currency: "usd", Status: "paid"}}, nil
}

// succeed moves a platform payment to succeeded with the given processing fee.
func (p *platformStub) succeed(id string, processingFeeMinor int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	payment := p.payments[id]
	payment.Status = domain.PlatformPaymentSucceeded
	payment.AmountReceivedMinor = payment.AmountMinor
	payment.ProcessingFeeMinor = &processingFeeMinor
	payment.ChargeID = "ch_" + id
	payment.TransferID = "tr_" + id
	p.payments[id] = payment
}

func (p *platformStub) mutate(id string, fn func(*domain.PlatformPayment)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	payment := p.payments[id]
	fn(&payment)
	p.payments[id] = payment
}

type publishedEvent struct {
	routingKey string
	body       any
}

type publisherStub struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *publisherStub) Publish(ctx context.Context, routingKey string, body any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{routingKey: routingKey, body: body})
	return nil
}

func (p *publisherStub) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, event := range p.events {
		if event.routingKey == routingKey {
			n++
		}
	}
	return n
}

// settlementFixture wires the four components over in-memory stubs.
type settlementFixture struct {
	repo         *memoryRepo
	platform     *platformStub
	publisher    *publisherStub
	fees         *FeeResolver
	accounts     *AccountRegistry
	ledger       *TransferLedger
	orchestrator *Orchestrator
	ownerID      uuid.UUID
}

func newSettlementFixture() *settlementFixture {
	repo := newMemoryRepo()
	platform := newPlatformStub()
	publisher := &publisherStub{}
	logger := discardLogger()

	fees := NewFeeResolver(repo, repo, FeeSettings{
		DefaultPercent:  decimal.NewFromInt(3),
		DefaultFixed:    decimal.RequireFromString("0.50"),
		ExternalPercent: decimal.RequireFromString("2.9"),
		ExternalFixed:   decimal.RequireFromString("0.30"),
		Currency:        "usd",
	}, logger)
	accounts := NewAccountRegistry(repo, platform, publisher, AccountSettings{
		Country:    "US",
		Currency:   "usd",
		RefreshURL: "https://app.example.test/onboarding/refresh",
		ReturnURL:  "https://app.example.test/onboarding/return",
	}, logger)
	ledger := NewTransferLedger(repo, repo, publisher, logger)
	orchestrator := NewOrchestrator(repo, accounts, fees, ledger, platform, publisher, "usd", logger)

	ownerID := uuid.New()
	repo.owners[ownerID] = domain.Owner{ID: ownerID, OwnerType: "individual", Email: "owner@example.test", AuthSubject: "user_owner"}

	return &settlementFixture{
		repo:         repo,
		platform:     platform,
		publisher:    publisher,
		fees:         fees,
		accounts:     accounts,
		ledger:       ledger,
		orchestrator: orchestrator,
		ownerID:      ownerID,
	}
}

// activeAccount stores an onboarded account for the fixture owner.
func (f *settlementFixture) activeAccount() domain.ConnectedAccount {
	account := domain.ConnectedAccount{
		ID:                uuid.New(),
		OwnerID:           f.ownerID,
		ExternalAccountID: "acct_active",
		Status:            domain.AccountStatusActive,
		ChargesEnabled:    true,
		PayoutsEnabled:    true,
		DetailsSubmitted:  true,
		IsActive:          true,
		Currency:          "usd",
	}
	account.RecomputeCapabilities()
	f.repo.accounts[account.ID] = account
	f.platform.accounts[account.ExternalAccountID] = domain.PlatformAccount{
		ExternalID:       account.ExternalAccountID,
		ChargesEnabled:   true,
		PayoutsEnabled:   true,
		DetailsSubmitted: true,
	}
	return account
}

func (f *settlementFixture) pendingPayment(amount string) domain.Payment {
	ownerID := f.ownerID
	payment := domain.Payment{
		ID:        uuid.New(),
		OwnerID:   &ownerID,
		Amount:    decimal.RequireFromString(amount),
		Currency:  "usd",
		Status:    domain.PaymentStatusPending,
		Reference: "RENT-2026-10",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	}
	f.repo.payments[payment.ID] = payment
	return payment
}

// initiateAndSucceed runs a payment through initiation and marks it succeeded on the platform.
func (f *settlementFixture) initiateAndSucceed(amount string, processingFeeMinor int64) (domain.Payment, *domain.ClientConfirmationHandle, domain.SettlementEvent, error) {
	payment := f.pendingPayment(amount)
	handle, err := f.orchestrator.InitiateSplitPayment(context.Background(), payment.ID, f.ownerID)
	if err != nil {
		return payment, nil, domain.SettlementEvent{}, err
	}
	f.platform.succeed(handle.ExternalTransactionID, processingFeeMinor)
	event := domain.SettlementEvent{
		EventID:               "evt_" + handle.ExternalTransactionID,
		EventType:             domain.EventPaymentSucceeded,
		ExternalTransactionID: handle.ExternalTransactionID,
		Metadata:              map[string]string{domain.MetadataPaymentID: payment.ID.String()},
	}
	return payment, handle, event, nil
}
