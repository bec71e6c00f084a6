// Package wallet is the driver ledger: spendable balance, per-ride fund locks
// and an append-only transaction history.
//
// Balance is the spendable part of a wallet. Lock moves an amount out of
// Balance into a LockEntry; Release moves it back and records a credit.
// Available therefore equals Balance and can never go negative.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/example/ride-escrow/internal/apperr"
	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/observability"
	"github.com/example/ride-escrow/internal/storage"
)

const (
	MethodLockRelease = "lock_release"
	MethodRecharge    = "recharge"
	MethodWithdrawal  = "withdrawal"

	defaultRecent = 20
)

var hundred = decimal.NewFromInt(100)

// RequiredLock is percent of amount rounded to whole currency units.
func RequiredLock(amount decimal.Decimal, percent float64) decimal.Decimal {
	return amount.Mul(decimal.NewFromFloat(percent)).Div(hundred).Round(0)
}

type Ledger struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewLedger(store storage.Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logging.OrDefault(logger), now: time.Now}
}

func newID() string { return ulid.Make().String() }

func record(op string, err error) {
	result := "ok"
	if err != nil {
		result = apperr.KindOf(err).String()
	}
	observability.WalletOps.WithLabelValues(op, result).Inc()
}

// EnsureWallet provisions an empty wallet and reports whether it had to.
func (l *Ledger) EnsureWallet(ctx context.Context, driverID string) (bool, error) {
	created, err := l.store.Wallets().Ensure(ctx, driverID, l.now().UTC())
	if err != nil {
		return false, apperr.Internal(fmt.Errorf("ensure wallet %s: %w", driverID, err))
	}
	if created {
		l.logger.Info("wallet provisioned", "driver_id", driverID)
	}
	return created, nil
}

// Lock earmarks amount against rideID inside the caller's transaction.
func Lock(ctx context.Context, tx storage.Repos, driverID, rideID string, amount decimal.Decimal, at time.Time) (lock *models.LockEntry, err error) {
	defer func() { record("lock", err) }()

	w, err := tx.Wallets().Get(ctx, driverID, true)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("wallet")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if avail := w.Available(); avail.LessThan(amount) {
		return nil, insufficient(amount, avail)
	}
	ok, err := tx.Wallets().Adjust(ctx, driverID, storage.BalanceDelta{Balance: amount.Neg(), At: at})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !ok {
		return nil, insufficient(amount, w.Available())
	}
	entry := models.LockEntry{ID: newID(), DriverID: driverID, RideID: rideID, Amount: amount, LockedAt: at}
	if err := tx.Wallets().AddLock(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperr.ErrAlreadyClaimed.Withf("ride %s already holds a fund lock", rideID)
		}
		return nil, apperr.Internal(err)
	}
	return &entry, nil
}

func insufficient(required, available decimal.Decimal) error {
	return apperr.ErrInsufficientFunds.
		With("required", required).
		With("available", available).
		With("shortfall", required.Sub(available))
}

// Release returns the unreleased lock for rideID to the balance and records
// the credit, inside the caller's transaction.
func Release(ctx context.Context, tx storage.Repos, driverID, rideID string, at time.Time) (lock *models.LockEntry, err error) {
	defer func() { record("release", err) }()

	lock, err = tx.Wallets().ReleaseLock(ctx, driverID, rideID, at)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.ErrLockNotFound.With("ride_id", rideID)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if _, err := tx.Wallets().Adjust(ctx, driverID, storage.BalanceDelta{Balance: lock.Amount, At: at}); err != nil {
		return nil, apperr.Internal(err)
	}
	err = tx.Wallets().AppendTransaction(ctx, models.Transaction{
		ID:          newID(),
		DriverID:    driverID,
		Type:        models.TxCredit,
		Amount:      lock.Amount,
		Status:      models.TxCompleted,
		Method:      MethodLockRelease,
		Description: "fund lock released for ride " + rideID,
		RideID:      rideID,
		CreatedAt:   at,
		CompletedAt: &at,
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return lock, nil
}

// Entry describes a standalone balance movement.
type Entry struct {
	Amount      decimal.Decimal
	Method      string
	Description string
	RideID      string
	ExternalRef string
}

func (e Entry) validate() error {
	if !e.Amount.IsPositive() {
		return apperr.Validation("amount must be positive")
	}
	return nil
}

func (l *Ledger) Credit(ctx context.Context, driverID string, e Entry) (*models.Transaction, error) {
	t, err := l.apply(ctx, driverID, models.TxCredit, e, storage.BalanceDelta{Balance: e.Amount})
	record("credit", err)
	return t, err
}

func (l *Ledger) Debit(ctx context.Context, driverID string, e Entry) (*models.Transaction, error) {
	t, err := l.apply(ctx, driverID, models.TxDebit, e, storage.BalanceDelta{Balance: e.Amount.Neg()})
	record("debit", err)
	return t, err
}

// Withdraw debits and counts the amount towards total withdrawals.
func (l *Ledger) Withdraw(ctx context.Context, driverID string, amount decimal.Decimal) (*models.Transaction, error) {
	e := Entry{Amount: amount, Method: MethodWithdrawal, Description: "withdrawal to bank"}
	t, err := l.apply(ctx, driverID, models.TxDebit, e, storage.BalanceDelta{Balance: amount.Neg(), Withdrawals: amount})
	record("withdraw", err)
	return t, err
}

// CapturePayment credits a captured gateway payment once per external ref.
// A repeated ref fails with ErrDuplicatePayment and leaves the wallet as is.
func (l *Ledger) CapturePayment(ctx context.Context, driverID string, amount decimal.Decimal, externalRef string) (*models.Transaction, error) {
	if externalRef == "" {
		return nil, apperr.Validation("external reference is required")
	}
	e := Entry{Amount: amount, Method: MethodRecharge, Description: "wallet recharge", ExternalRef: externalRef}
	t, err := l.apply(ctx, driverID, models.TxCredit, e, storage.BalanceDelta{Balance: amount})
	record("capture", err)
	return t, err
}

func (l *Ledger) apply(ctx context.Context, driverID string, typ models.TxType, e Entry, d storage.BalanceDelta) (*models.Transaction, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	now := l.now().UTC()
	d.At = now
	t := models.Transaction{
		ID:          newID(),
		DriverID:    driverID,
		Type:        typ,
		Amount:      e.Amount,
		Status:      models.TxCompleted,
		Method:      e.Method,
		Description: e.Description,
		RideID:      e.RideID,
		ExternalRef: e.ExternalRef,
		CreatedAt:   now,
		CompletedAt: &now,
	}

	var available decimal.Decimal
	err := l.store.InTx(ctx, func(ctx context.Context, tx storage.Repos) error {
		if _, err := tx.Wallets().Ensure(ctx, driverID, now); err != nil {
			return apperr.Internal(err)
		}
		w, err := tx.Wallets().Get(ctx, driverID, true)
		if err != nil {
			return apperr.Internal(err)
		}
		available = w.Available()
		if err := tx.Wallets().AppendTransaction(ctx, t); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return apperr.ErrDuplicatePayment.With("external_ref", e.ExternalRef)
			}
			return apperr.Internal(err)
		}
		ok, err := tx.Wallets().Adjust(ctx, driverID, d)
		if err != nil {
			return apperr.Internal(err)
		}
		if !ok {
			return insufficient(e.Amount, available)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrInsufficientFunds) {
			l.recordFailure(ctx, t, err)
		}
		return nil, err
	}
	return &t, nil
}

// recordFailure keeps a failed row for a refused debit so the driver can see
// the attempt in their history.
func (l *Ledger) recordFailure(ctx context.Context, t models.Transaction, cause error) {
	t.ID = newID()
	t.Status = models.TxFailed
	t.CompletedAt = nil
	t.ExternalRef = ""
	t.FailureReason = apperr.From(cause).Message
	if err := l.store.Wallets().AppendTransaction(ctx, t); err != nil {
		l.logger.Error("record failed transaction", "driver_id", t.DriverID, "err", err)
	}
}

// Available is the amount free for new locks; zero for unknown drivers.
func (l *Ledger) Available(ctx context.Context, driverID string) (decimal.Decimal, error) {
	w, err := l.store.Wallets().Get(ctx, driverID, false)
	if errors.Is(err, storage.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, apperr.Internal(err)
	}
	return w.Available(), nil
}

type Details struct {
	DriverID           string               `json:"driver_id"`
	Balance            decimal.Decimal      `json:"balance"`
	AvailableBalance   decimal.Decimal      `json:"available_balance"`
	LockedAmount       decimal.Decimal      `json:"locked_amount"`
	LedgerBalance      decimal.Decimal      `json:"ledger_balance"`
	TotalEarnings      decimal.Decimal      `json:"total_earnings"`
	TotalWithdrawals   decimal.Decimal      `json:"total_withdrawals"`
	PendingSettlement  decimal.Decimal      `json:"pending_settlement"`
	Locks              []models.LockEntry   `json:"locks"`
	RecentTransactions []models.Transaction `json:"recent_transactions"`
}

// Details provisions the wallet on first read so new drivers see zeros.
func (l *Ledger) Details(ctx context.Context, driverID string, recent int) (*Details, error) {
	if recent <= 0 {
		recent = defaultRecent
	}
	if _, err := l.EnsureWallet(ctx, driverID); err != nil {
		return nil, err
	}
	w, err := l.store.Wallets().Get(ctx, driverID, false)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	txs, err := l.store.Wallets().RecentTransactions(ctx, driverID, recent)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	return &Details{
		DriverID:           w.DriverID,
		Balance:            w.Balance,
		AvailableBalance:   w.Available(),
		LockedAmount:       w.Locked(),
		LedgerBalance:      w.LedgerBalance(),
		TotalEarnings:      w.TotalEarnings,
		TotalWithdrawals:   w.TotalWithdrawals,
		PendingSettlement:  w.PendingSettlement,
		Locks:              w.Locks,
		RecentTransactions: txs,
	}, nil
}
