package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LockEntry earmarks part of a wallet against a single ride.
type LockEntry struct {
	ID         string          `json:"id"`
	DriverID   string          `json:"driver_id"`
	RideID     string          `json:"ride_id"`
	Amount     decimal.Decimal `json:"amount"`
	Released   bool            `json:"released"`
	LockedAt   time.Time       `json:"locked_at"`
	ReleasedAt *time.Time      `json:"released_at,omitempty"`
}

// Wallet holds a driver's funds. Balance is the spendable part: taking a lock
// moves the amount out of Balance and into the lock entry, releasing it moves
// it back. Locks only carries unreleased entries.
type Wallet struct {
	DriverID          string          `json:"driver_id"`
	Balance           decimal.Decimal `json:"balance"`
	Locks             []LockEntry     `json:"locks"`
	TotalEarnings     decimal.Decimal `json:"total_earnings"`
	TotalWithdrawals  decimal.Decimal `json:"total_withdrawals"`
	PendingSettlement decimal.Decimal `json:"pending_settlement"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (w *Wallet) Locked() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range w.Locks {
		if !l.Released {
			sum = sum.Add(l.Amount)
		}
	}
	return sum
}

// LedgerBalance is everything the driver owns, escrowed or not.
func (w *Wallet) LedgerBalance() decimal.Decimal {
	return w.Balance.Add(w.Locked())
}

// Available is LedgerBalance minus unreleased locks.
func (w *Wallet) Available() decimal.Decimal {
	return w.LedgerBalance().Sub(w.Locked())
}

type TxType string

const (
	TxCredit TxType = "credit"
	TxDebit  TxType = "debit"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

type Transaction struct {
	ID            string          `json:"id"`
	DriverID      string          `json:"driver_id"`
	Type          TxType          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Status        TxStatus        `json:"status"`
	Method        string          `json:"method"`
	Description   string          `json:"description"`
	RideID        string          `json:"ride_id,omitempty"`
	ExternalRef   string          `json:"external_ref,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}
