package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/reelsmith/reelsmith/store"
)

func (d *DB) UpsertCreditEntry(ctx context.Context, upsert *store.CreditEntry) error {
	stmt := `INSERT INTO credit_entry (reservation_id, user_id, job_id, amount, state, created_ts, settled_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reservation_id)
		DO UPDATE SET state = EXCLUDED.state, settled_ts = EXCLUDED.settled_ts`
	if _, err := d.db.ExecContext(ctx, stmt,
		upsert.ReservationID, upsert.UserID, upsert.JobID, upsert.Amount, upsert.State, upsert.CreatedTs, upsert.SettledTs); err != nil {
		return fmt.Errorf("failed to upsert credit_entry: %w", err)
	}
	return nil
}

func (d *DB) ListCreditEntries(ctx context.Context, find *store.FindCreditEntry) ([]*store.CreditEntry, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.JobID != nil {
		where, args = append(where, "job_id = "+placeholder(len(args)+1)), append(args, *find.JobID)
	}
	if find.State != nil {
		where, args = append(where, "state = "+placeholder(len(args)+1)), append(args, *find.State)
	}

	query := `SELECT reservation_id, user_id, job_id, amount, state, created_ts, settled_ts FROM credit_entry WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_ts DESC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit_entries: %w", err)
	}
	defer rows.Close()

	list := make([]*store.CreditEntry, 0)
	for rows.Next() {
		e := &store.CreditEntry{}
		if err := rows.Scan(&e.ReservationID, &e.UserID, &e.JobID, &e.Amount, &e.State, &e.CreatedTs, &e.SettledTs); err != nil {
			return nil, fmt.Errorf("failed to scan credit_entry: %w", err)
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credit_entries: %w", err)
	}
	return list, nil
}

func (d *DB) UpsertUserAccount(ctx context.Context, upsert *store.UserAccount) error {
	stmt := `INSERT INTO user_account (user_id, balance, updated_ts)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET balance = EXCLUDED.balance, updated_ts = EXCLUDED.updated_ts`
	if _, err := d.db.ExecContext(ctx, stmt, upsert.UserID, upsert.Balance, upsert.UpdatedTs); err != nil {
		return fmt.Errorf("failed to upsert user_account: %w", err)
	}
	return nil
}

func (d *DB) GetUserAccount(ctx context.Context, userID string) (*store.UserAccount, error) {
	stmt := `SELECT user_id, balance, updated_ts FROM user_account WHERE user_id = $1`
	account := &store.UserAccount{}
	err := d.db.QueryRowContext(ctx, stmt, userID).Scan(&account.UserID, &account.Balance, &account.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user_account: %w", err)
	}
	return account, nil
}
