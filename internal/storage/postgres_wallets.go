package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/example/ride-escrow/internal/models"
)

type walletRow struct {
	DriverID          string          `db:"driver_id"`
	Balance           decimal.Decimal `db:"balance"`
	TotalEarnings     decimal.Decimal `db:"total_earnings"`
	TotalWithdrawals  decimal.Decimal `db:"total_withdrawals"`
	PendingSettlement decimal.Decimal `db:"pending_settlement"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

type lockRow struct {
	ID         string          `db:"id"`
	DriverID   string          `db:"driver_id"`
	RideID     string          `db:"ride_id"`
	Amount     decimal.Decimal `db:"amount"`
	Released   bool            `db:"released"`
	LockedAt   time.Time       `db:"locked_at"`
	ReleasedAt *time.Time      `db:"released_at"`
}

func (l lockRow) model() models.LockEntry {
	return models.LockEntry{
		ID:         l.ID,
		DriverID:   l.DriverID,
		RideID:     l.RideID,
		Amount:     l.Amount,
		Released:   l.Released,
		LockedAt:   l.LockedAt,
		ReleasedAt: l.ReleasedAt,
	}
}

type txRow struct {
	ID            string          `db:"id"`
	DriverID      string          `db:"driver_id"`
	Type          string          `db:"type"`
	Amount        decimal.Decimal `db:"amount"`
	Status        string          `db:"status"`
	Method        string          `db:"method"`
	Description   string          `db:"description"`
	RideID        string          `db:"ride_id"`
	ExternalRef   sql.NullString  `db:"external_ref"`
	FailureReason string          `db:"failure_reason"`
	CreatedAt     time.Time       `db:"created_at"`
	CompletedAt   *time.Time      `db:"completed_at"`
}

type pgWallets struct {
	q sqlx.ExtContext
}

func (r pgWallets) Ensure(ctx context.Context, driverID string, at time.Time) (bool, error) {
	return execAffected(ctx, r.q, `INSERT INTO wallets (driver_id, created_at, updated_at)
		VALUES ($1, $2, $2) ON CONFLICT (driver_id) DO NOTHING`, driverID, at)
}

func (r pgWallets) Get(ctx context.Context, driverID string, forUpdate bool) (*models.Wallet, error) {
	query := `SELECT * FROM wallets WHERE driver_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var w walletRow
	if err := sqlx.GetContext(ctx, r.q, &w, query, driverID); err != nil {
		return nil, mapErr(err)
	}
	var locks []lockRow
	if err := sqlx.SelectContext(ctx, r.q, &locks, `SELECT * FROM wallet_locks
		WHERE driver_id = $1 AND NOT released ORDER BY locked_at`, driverID); err != nil {
		return nil, mapErr(err)
	}
	out := &models.Wallet{
		DriverID:          w.DriverID,
		Balance:           w.Balance,
		Locks:             make([]models.LockEntry, 0, len(locks)),
		TotalEarnings:     w.TotalEarnings,
		TotalWithdrawals:  w.TotalWithdrawals,
		PendingSettlement: w.PendingSettlement,
		CreatedAt:         w.CreatedAt,
		UpdatedAt:         w.UpdatedAt,
	}
	for _, l := range locks {
		out.Locks = append(out.Locks, l.model())
	}
	return out, nil
}

func (r pgWallets) Adjust(ctx context.Context, driverID string, d BalanceDelta) (bool, error) {
	ok, err := execAffected(ctx, r.q, `UPDATE wallets SET
			balance = balance + $2,
			total_earnings = total_earnings + $3,
			total_withdrawals = total_withdrawals + $4,
			pending_settlement = pending_settlement + $5,
			updated_at = $6
		WHERE driver_id = $1 AND balance + $2 >= 0`,
		driverID, d.Balance, d.Earnings, d.Withdrawals, d.PendingSettlement, d.At)
	if err != nil || ok {
		return ok, err
	}
	var exists bool
	if err := sqlx.GetContext(ctx, r.q, &exists, `SELECT EXISTS (SELECT 1 FROM wallets WHERE driver_id = $1)`, driverID); err != nil {
		return false, mapErr(err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (r pgWallets) AddLock(ctx context.Context, l models.LockEntry) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO wallet_locks (id, driver_id, ride_id, amount, released, locked_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)`, l.ID, l.DriverID, l.RideID, l.Amount, l.LockedAt)
	return mapErr(err)
}

func (r pgWallets) ReleaseLock(ctx context.Context, driverID, rideID string, at time.Time) (*models.LockEntry, error) {
	var row lockRow
	err := sqlx.GetContext(ctx, r.q, &row, `UPDATE wallet_locks
		SET released = TRUE, released_at = $3
		WHERE driver_id = $1 AND ride_id = $2 AND NOT released
		RETURNING *`, driverID, rideID, at)
	if err != nil {
		return nil, mapErr(err)
	}
	l := row.model()
	return &l, nil
}

func (r pgWallets) ActiveLock(ctx context.Context, rideID string) (*models.LockEntry, error) {
	var row lockRow
	if err := sqlx.GetContext(ctx, r.q, &row, `SELECT * FROM wallet_locks
		WHERE ride_id = $1 AND NOT released`, rideID); err != nil {
		return nil, mapErr(err)
	}
	l := row.model()
	return &l, nil
}

func (r pgWallets) AppendTransaction(ctx context.Context, t models.Transaction) error {
	ref := sql.NullString{String: t.ExternalRef, Valid: t.ExternalRef != ""}
	_, err := r.q.ExecContext(ctx, `INSERT INTO wallet_transactions (
			id, driver_id, type, amount, status, method, description, ride_id,
			external_ref, failure_reason, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.DriverID, string(t.Type), t.Amount, string(t.Status), t.Method, t.Description,
		t.RideID, ref, t.FailureReason, t.CreatedAt, t.CompletedAt)
	return mapErr(err)
}

func (r pgWallets) RecentTransactions(ctx context.Context, driverID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = defaultScanLimit
	}
	var rows []txRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, `SELECT * FROM wallet_transactions
		WHERE driver_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, driverID, limit); err != nil {
		return nil, mapErr(err)
	}
	out := make([]models.Transaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.Transaction{
			ID:            row.ID,
			DriverID:      row.DriverID,
			Type:          models.TxType(row.Type),
			Amount:        row.Amount,
			Status:        models.TxStatus(row.Status),
			Method:        row.Method,
			Description:   row.Description,
			RideID:        row.RideID,
			ExternalRef:   row.ExternalRef.String,
			FailureReason: row.FailureReason,
			CreatedAt:     row.CreatedAt,
			CompletedAt:   row.CompletedAt,
		})
	}
	return out, nil
}
