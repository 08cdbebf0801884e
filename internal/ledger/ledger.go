package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/starktol/vtu-platform/internal/model"
	"github.com/starktol/vtu-platform/internal/repo"
)

// ErrInvalidAmount means non-positive amount passed.
var ErrInvalidAmount = errors.New("amount must be positive")

// ErrUnknownReference means no transaction carries the given payment reference.
var ErrUnknownReference = errors.New("unknown payment reference")

// ErrNotRefundable means refund was requested for a non-completed transaction.
var ErrNotRefundable = errors.New("transaction is not refundable")

// Outcome is the resolved result of a transaction, as extracted from a
// provider response or webhook payload.
type Outcome struct {
	Status       model.TxStatus
	ErrorMessage string
	Metadata     map[string]interface{}
}

// Service owns Wallet.Balance. Every mutation goes through Apply, which
// updates balance and transaction status in a single store transaction.
type Service struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewService returns the wallet ledger.
func NewService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *Service {
	return &Service{repo: r, log: logger}
}

// NewReference mints a payment reference. Generated once per logical
// operation, before any external call, and never regenerated on retry.
func NewReference() string { return uuid.NewString() }

// InitiateCredit creates a pending credit transaction and returns its
// reference. The balance is untouched until reconciliation resolves it.
func (s *Service) InitiateCredit(ctx context.Context, userID uint64, amt decimal.Decimal, txType model.TxType, metadata map[string]interface{}) (*model.Transaction, error) {
	if amt.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if !txType.Credit() {
		return nil, errors.New("credit requires a credit transaction type")
	}
	var out *model.Transaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.walletForUpdate(ctx, tx, userID, true)
		if err != nil {
			return err
		}
		t := &model.Transaction{
			UserID: userID, Type: txType, Amount: amt,
			Status:           model.StatusPending,
			PaymentReference: NewReference(),
			BalanceBefore:    w.Balance, BalanceAfter: w.Balance,
			Metadata: encodeMetadata(metadata),
		}
		inserted, existing, err := s.repo.CreateTransaction(ctx, tx, t)
		if err != nil {
			return err
		}
		if !inserted {
			out = existing
			return nil
		}
		out = t
		return nil
	})
	return out, err
}

// Reserve creates a pending debit transaction only if the balance covers the
// amount. Insufficient funds fail fast and no row is written.
func (s *Service) Reserve(ctx context.Context, userID uint64, amt decimal.Decimal, txType model.TxType, metadata map[string]interface{}) (*model.Transaction, error) {
	if amt.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if txType.Credit() {
		return nil, errors.New("reserve requires a debit transaction type")
	}
	var out *model.Transaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.walletForUpdate(ctx, tx, userID, false)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repo.ErrInsufficientFunds
			}
			return err
		}
		if w.Balance.LessThan(amt) {
			return repo.ErrInsufficientFunds
		}
		t := &model.Transaction{
			UserID: userID, Type: txType, Amount: amt,
			Status:           model.StatusPending,
			PaymentReference: NewReference(),
			BalanceBefore:    w.Balance, BalanceAfter: w.Balance,
			Metadata: encodeMetadata(metadata),
		}
		inserted, existing, err := s.repo.CreateTransaction(ctx, tx, t)
		if err != nil {
			return err
		}
		if !inserted {
			out = existing
			return nil
		}
		out = t
		return nil
	})
	return out, err
}

// Apply resolves the referenced transaction to a terminal status and, on
// completion, mutates the wallet balance. Balance update and status update
// happen in one store transaction. Calling Apply on an already-terminal
// transaction is an idempotent no-op returning the existing row.
func (s *Service) Apply(ctx context.Context, reference string, out Outcome) (*model.Transaction, error) {
	var result *model.Transaction
	mutated := false
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.repo.GetTransactionByReferenceForUpdate(ctx, tx, reference)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrUnknownReference
			}
			return err
		}
		if t.Status.Terminal() {
			// replay: the row's BalanceAfter is a historical snapshot, so it
			// must not touch the cache
			result = t
			return nil
		}
		if err := s.applyLocked(ctx, tx, t, out); err != nil {
			return err
		}
		result = t
		mutated = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if mutated {
		s.refreshCache(ctx, result)
	}
	return result, nil
}

// CreditNow writes an immediately-completed credit (commission, referral
// bonus) in a single store transaction.
func (s *Service) CreditNow(ctx context.Context, userID uint64, amt decimal.Decimal, txType model.TxType, correlationID string, metadata map[string]interface{}) (*model.Transaction, error) {
	if amt.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if !txType.Credit() {
		return nil, errors.New("credit requires a credit transaction type")
	}
	var result *model.Transaction
	mutated := false
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.walletForUpdate(ctx, tx, userID, true)
		if err != nil {
			return err
		}
		t := &model.Transaction{
			UserID: userID, Type: txType, Amount: amt,
			Status:           model.StatusPending,
			PaymentReference: NewReference(),
			BalanceBefore:    w.Balance, BalanceAfter: w.Balance,
			Metadata: encodeMetadata(metadata),
		}
		if correlationID != "" {
			t.CorrelationID = &correlationID
		}
		inserted, existing, err := s.repo.CreateTransaction(ctx, tx, t)
		if err != nil {
			return err
		}
		if !inserted {
			result = existing
			return nil
		}
		if err := s.applyLocked(ctx, tx, t, Outcome{Status: model.StatusCompleted}); err != nil {
			return err
		}
		result = t
		mutated = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if mutated {
		s.refreshCache(ctx, result)
	}
	return result, nil
}

// Transfer moves money between users as two linked transactions sharing a
// correlation id but with distinct references. Wallets lock in deterministic
// order to avoid deadlocks.
func (s *Service) Transfer(ctx context.Context, fromID, toID uint64, amt decimal.Decimal) (*model.Transaction, *model.Transaction, error) {
	if amt.LessThanOrEqual(decimal.Zero) {
		return nil, nil, ErrInvalidAmount
	}
	if fromID == toID {
		return nil, nil, errors.New("cannot transfer to self")
	}
	correlation := uuid.NewString()
	var txOut, txIn *model.Transaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		firstID, secondID := fromID, toID
		if secondID < firstID {
			firstID, secondID = secondID, firstID
		}
		w1, err := s.walletForUpdate(ctx, tx, firstID, true)
		if err != nil {
			return err
		}
		w2, err := s.walletForUpdate(ctx, tx, secondID, true)
		if err != nil {
			return err
		}
		wFrom, wTo := w1, w2
		if firstID != fromID {
			wFrom, wTo = w2, w1
		}
		if wFrom.Balance.LessThan(amt) {
			return repo.ErrInsufficientFunds
		}

		now := time.Now()
		newFrom := wFrom.Balance.Sub(amt)
		newTo := wTo.Balance.Add(amt)

		txOut = &model.Transaction{
			UserID: fromID, Type: model.TxTransferOut, Amount: amt,
			Status: model.StatusCompleted, PaymentReference: NewReference(),
			BalanceBefore: wFrom.Balance, BalanceAfter: newFrom,
			CorrelationID: &correlation, Metadata: "{}", ProcessedAt: &now,
		}
		txIn = &model.Transaction{
			UserID: toID, Type: model.TxTransferIn, Amount: amt,
			Status: model.StatusCompleted, PaymentReference: NewReference(),
			BalanceBefore: wTo.Balance, BalanceAfter: newTo,
			CorrelationID: &correlation, Metadata: "{}", ProcessedAt: &now,
		}
		if inserted, _, err := s.repo.CreateTransaction(ctx, tx, txOut); err != nil || !inserted {
			return firstNonNil(err, errors.New("duplicate transfer reference"))
		}
		if inserted, _, err := s.repo.CreateTransaction(ctx, tx, txIn); err != nil || !inserted {
			return firstNonNil(err, errors.New("duplicate transfer reference"))
		}

		fromVersion, toVersion := wFrom.Version, wTo.Version
		wFrom.Balance = newFrom
		wFrom.TotalWithdrawals = wFrom.TotalWithdrawals.Add(amt)
		wTo.Balance = newTo
		wTo.TotalDeposits = wTo.TotalDeposits.Add(amt)
		if err := s.repo.UpdateWallet(ctx, tx, wFrom, fromVersion); err != nil {
			return err
		}
		if err := s.repo.UpdateWallet(ctx, tx, wTo, toVersion); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"from": fromID, "to": toID, "amount": amt, "correlation_id": correlation,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: fromID,
			EventType: model.EventWalletDebited, Payload: string(payload),
		}
		return s.repo.CreateOutboxEvent(ctx, tx, evt)
	})
	if err != nil {
		return nil, nil, err
	}
	s.refreshCache(ctx, txOut)
	s.refreshCache(ctx, txIn)
	return txOut, txIn, nil
}

// Refund reverses a completed transaction's balance effect. It is the one
// sanctioned compensating action past a terminal state.
func (s *Service) Refund(ctx context.Context, reference, reason string) (*model.Transaction, error) {
	var result *model.Transaction
	var newBal decimal.Decimal
	refunded := false
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.repo.GetTransactionByReferenceForUpdate(ctx, tx, reference)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrUnknownReference
			}
			return err
		}
		if t.Status == model.StatusRefunded {
			result = t
			return nil
		}
		if !t.Status.CanTransition(model.StatusRefunded) {
			return ErrNotRefundable
		}
		w, err := s.walletForUpdate(ctx, tx, t.UserID, false)
		if err != nil {
			return err
		}
		version := w.Version
		if t.Type.Credit() {
			w.Balance = w.Balance.Sub(t.Amount)
		} else {
			w.Balance = w.Balance.Add(t.Amount)
		}
		if err := s.repo.UpdateWallet(ctx, tx, w, version); err != nil {
			return err
		}
		now := time.Now()
		t.Status = model.StatusRefunded
		t.ErrorMessage = reason
		t.ProcessedAt = &now
		if err := s.repo.UpdateTransaction(ctx, tx, t); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"user_id": t.UserID, "reference": reference, "amount": t.Amount, "balance": w.Balance,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: t.UserID,
			EventType: model.EventWalletCredited, Payload: string(payload),
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		result = t
		newBal = w.Balance
		refunded = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if refunded {
		if err := s.repo.CacheBalance(ctx, result.UserID, newBal); err != nil {
			s.log.Warnw("cache balance", "user_id", result.UserID, "err", err)
		}
	}
	return result, nil
}

// GetBalance returns current wallet balance, cache-aside through redis.
func (s *Service) GetBalance(ctx context.Context, userID uint64) (decimal.Decimal, error) {
	bal, err := s.repo.GetCachedBalance(ctx, userID)
	if err == nil {
		return bal, nil
	}
	w, err := s.repo.GetWallet(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := s.repo.CacheBalance(ctx, userID, w.Balance); err != nil {
		s.log.Warnw("cache balance", "user_id", userID, "err", err)
	}
	return w.Balance, nil
}

// GetTransactionStatus looks up a transaction by reference.
func (s *Service) GetTransactionStatus(ctx context.Context, reference string) (*model.Transaction, error) {
	t, err := s.repo.GetTransactionByReference(ctx, reference)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUnknownReference
	}
	return t, err
}

// History fetches recent transactions for a user.
func (s *Service) History(ctx context.Context, userID uint64, limit int, since time.Time) ([]model.Transaction, error) {
	return s.repo.ListTransactions(ctx, userID, limit, since)
}

// applyLocked finishes a non-terminal transaction whose row is already locked
// in tx. Completed outcomes mutate the balance; every other terminal outcome
// leaves it untouched.
func (s *Service) applyLocked(ctx context.Context, tx *gorm.DB, t *model.Transaction, out Outcome) error {
	if t.Status == model.StatusPending {
		t.Status = model.StatusProcessing
	}
	if !t.Status.CanTransition(out.Status) {
		return errors.New("invalid status transition")
	}

	now := time.Now()
	t.Metadata = mergeMetadata(t.Metadata, out.Metadata)
	t.ErrorMessage = out.ErrorMessage
	t.ProcessedAt = &now

	if out.Status != model.StatusCompleted {
		t.Status = out.Status
		t.BalanceAfter = t.BalanceBefore
		if err := s.repo.UpdateTransaction(ctx, tx, t); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"user_id": t.UserID, "reference": t.PaymentReference,
			"status": t.Status, "error": t.ErrorMessage,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: t.UserID,
			EventType: model.EventTransactionFailed, Payload: string(payload),
		}
		return s.repo.CreateOutboxEvent(ctx, tx, evt)
	}

	w, err := s.walletForUpdate(ctx, tx, t.UserID, t.Type.Credit())
	if err != nil {
		return err
	}
	version := w.Version
	t.BalanceBefore = w.Balance
	eventType := model.EventWalletCredited
	if t.Type.Credit() {
		w.Balance = w.Balance.Add(t.Amount)
		w.TotalDeposits = w.TotalDeposits.Add(t.Amount)
	} else {
		if w.Balance.LessThan(t.Amount) {
			return repo.ErrInsufficientFunds
		}
		w.Balance = w.Balance.Sub(t.Amount)
		w.TotalWithdrawals = w.TotalWithdrawals.Add(t.Amount)
		eventType = model.EventWalletDebited
	}
	t.Status = model.StatusCompleted
	t.BalanceAfter = w.Balance

	if err := s.repo.UpdateWallet(ctx, tx, w, version); err != nil {
		return err
	}
	if err := s.repo.UpdateTransaction(ctx, tx, t); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"user_id": t.UserID, "reference": t.PaymentReference,
		"type": t.Type, "amount": t.Amount, "balance": w.Balance,
	})
	evt := &model.OutboxEvent{
		Aggregate: "Wallet", AggregateID: t.UserID,
		EventType: eventType, Payload: string(payload),
	}
	return s.repo.CreateOutboxEvent(ctx, tx, evt)
}

// walletForUpdate locks the wallet row, optionally creating it for credits.
func (s *Service) walletForUpdate(ctx context.Context, tx *gorm.DB, userID uint64, createMissing bool) (*model.Wallet, error) {
	w, err := s.repo.GetWalletForUpdate(ctx, tx, userID)
	if err == nil {
		return w, nil
	}
	if createMissing && errors.Is(err, gorm.ErrRecordNotFound) {
		w = &model.Wallet{UserID: userID, Balance: decimal.Zero}
		if err := s.repo.CreateWallet(ctx, tx, w); err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, err
}

// refreshCache is best-effort; cache failures never abort a mutation. Only
// completed transactions carry a balance snapshot worth caching.
func (s *Service) refreshCache(ctx context.Context, t *model.Transaction) {
	if t == nil || t.Status != model.StatusCompleted {
		return
	}
	if err := s.repo.CacheBalance(ctx, t.UserID, t.BalanceAfter); err != nil {
		s.log.Warnw("cache balance", "user_id", t.UserID, "err", err)
	}
}

func encodeMetadata(m map[string]interface{}) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func mergeMetadata(existing string, extra map[string]interface{}) string {
	if len(extra) == 0 {
		return existing
	}
	merged := map[string]interface{}{}
	_ = json.Unmarshal([]byte(existing), &merged)
	for k, v := range extra {
		merged[k] = v
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return existing
	}
	return string(b)
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
