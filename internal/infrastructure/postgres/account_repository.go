package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"finlink/internal/domain/account"
)

// AccountRepository implements the account.Repository interface for PostgreSQL
type AccountRepository struct {
	db *DB
}

var _ account.Repository = (*AccountRepository)(nil)

// NewAccountRepository creates a new PostgreSQL account repository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `a.id, a.institution_link_id, l.client_user_id, a.name, a.official_name, a.type, a.subtype, a.mask,
		       a.current_balance, a.available_balance, a.currency, a.error_flag, a.error_code,
		       a.created_at, a.updated_at`

// Upsert creates or refreshes an account based on its ID
func (r *AccountRepository) Upsert(ctx context.Context, params account.UpsertParams) (*account.Account, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	query := `
		WITH upserted AS (
			INSERT INTO accounts (
				id, institution_link_id, name, official_name, type, subtype, mask,
				current_balance, available_balance, currency, error_flag, error_code
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id)
			DO UPDATE SET
				institution_link_id = EXCLUDED.institution_link_id,
				name = EXCLUDED.name,
				official_name = EXCLUDED.official_name,
				type = EXCLUDED.type,
				subtype = EXCLUDED.subtype,
				mask = EXCLUDED.mask,
				current_balance = EXCLUDED.current_balance,
				available_balance = EXCLUDED.available_balance,
				currency = EXCLUDED.currency,
				error_flag = EXCLUDED.error_flag,
				error_code = EXCLUDED.error_code,
				updated_at = now()
			RETURNING *
		)
		SELECT ` + accountColumns + `
		FROM upserted a
		JOIN institution_links l ON l.id = a.institution_link_id
	`

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query,
		params.ID, params.LinkID, params.Name, nullStringPtr(params.OfficialName), params.Type,
		nullStringPtr(params.Subtype), nullStringPtr(params.Mask),
		params.CurrentBalance, params.AvailableBalance, params.Currency,
		params.ErrorFlag, nullStringPtr(params.ErrorCode),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert account: %w", err)
	}
	return acc, nil
}

// GetByID retrieves an account by its ID
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*account.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts a
		JOIN institution_links l ON l.id = a.institution_link_id
		WHERE a.id = $1
	`

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// ListByLinkID retrieves the accounts of one institution link
func (r *AccountRepository) ListByLinkID(ctx context.Context, linkID string) ([]*account.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts a
		JOIN institution_links l ON l.id = a.institution_link_id
		WHERE a.institution_link_id = $1
		ORDER BY a.name, a.id
	`

	rows, err := r.db.QueryContext(ctx, query, linkID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]*account.Account, 0)
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// ListByClientUserID retrieves the user's accounts on links that are not
// revoked, with the institution name for display.
func (r *AccountRepository) ListByClientUserID(ctx context.Context, clientUserID string) ([]*account.AccountWithLink, error) {
	query := `
		SELECT ` + accountColumns + `, l.institution_name, l.status
		FROM accounts a
		JOIN institution_links l ON l.id = a.institution_link_id
		WHERE l.client_user_id = $1 AND l.status <> 'REVOKED'
		ORDER BY l.institution_name, a.name, a.id
	`

	rows, err := r.db.QueryContext(ctx, query, clientUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]*account.AccountWithLink, 0)
	for rows.Next() {
		var row accountRow
		var awl account.AccountWithLink
		if err := rows.Scan(append(row.dest(), &awl.InstitutionName, &awl.LinkStatus)...); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		awl.Account = row.account()
		accounts = append(accounts, &awl)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// accountRow holds the nullable columns of an account while scanning.
type accountRow struct {
	acc          account.Account
	officialName sql.NullString
	subtype      sql.NullString
	mask         sql.NullString
	errorCode    sql.NullString
}

func (r *accountRow) dest() []any {
	return []any{
		&r.acc.ID, &r.acc.LinkID, &r.acc.ClientUserID, &r.acc.Name, &r.officialName, &r.acc.Type,
		&r.subtype, &r.mask, &r.acc.CurrentBalance, &r.acc.AvailableBalance, &r.acc.Currency,
		&r.acc.ErrorFlag, &r.errorCode, &r.acc.CreatedAt, &r.acc.UpdatedAt,
	}
}

func (r *accountRow) account() account.Account {
	acc := r.acc
	acc.OfficialName = stringPtr(r.officialName)
	acc.Subtype = stringPtr(r.subtype)
	acc.Mask = stringPtr(r.mask)
	acc.ErrorCode = stringPtr(r.errorCode)
	return acc
}

func scanAccount(row rowScanner) (*account.Account, error) {
	var r accountRow
	if err := row.Scan(r.dest()...); err != nil {
		return nil, err
	}
	acc := r.account()
	return &acc, nil
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}
