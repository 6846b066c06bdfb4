package repo

import (
	"context"
	"fmt"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/sqlinline"
)

// LedgerPG implements domain.CreditLedger on top of Postgres. Atomicity of
// TryDebit comes from the single guarded UPDATE in sqlinline.QTryDebit.
type LedgerPG struct {
	sql infra.SQLExecutor
}

// NewLedger creates a credit ledger backed by PostgreSQL.
func NewLedger(sql infra.SQLExecutor) *LedgerPG {
	return &LedgerPG{sql: sql}
}

func (l *LedgerPG) TryDebit(ctx context.Context, userID string, amount int) (bool, int, error) {
	if amount <= 0 {
		return false, 0, fmt.Errorf("ledger: debit amount must be positive, got %d", amount)
	}
	row := l.sql.QueryRow(ctx, sqlinline.QTryDebit, userID, amount)
	var balance int
	if err := row.Scan(&balance); err != nil {
		if infra.IsNoRows(err) {
			// Balance did not cover the amount (or no such user); nothing changed.
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("ledger: debit: %w", err)
	}
	return true, balance, nil
}

func (l *LedgerPG) Credit(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("ledger: credit amount must be positive, got %d", amount)
	}
	row := l.sql.QueryRow(ctx, sqlinline.QCredit, userID, amount)
	var balance int
	if err := row.Scan(&balance); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("ledger: credit: %w", err)
	}
	return balance, nil
}

func (l *LedgerPG) RefundOnce(ctx context.Context, generationID string) (bool, error) {
	tag, err := l.sql.Exec(ctx, sqlinline.QRefundGeneration, generationID)
	if err != nil {
		return false, fmt.Errorf("ledger: refund once: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *LedgerPG) InFlightCount(ctx context.Context, userID string) (int, error) {
	row := l.sql.QueryRow(ctx, sqlinline.QInFlightCount, userID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("ledger: in-flight count: %w", err)
	}
	return count, nil
}

func (l *LedgerPG) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := l.sql.QueryRow(ctx, sqlinline.QSelectUserByID, userID)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.Tier, &u.Credits, &u.TotalCreditsUsed, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("ledger: get user: %w", err)
	}
	return &u, nil
}

var _ domain.CreditLedger = (*LedgerPG)(nil)
