package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"finlink/internal/domain/link"
	"finlink/internal/domain/transaction"
)

type TransactionRepository struct {
	db *DB
}

var _ transaction.Repository = (*TransactionRepository)(nil)

func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `t.id, t.account_id, t.date, t.description, t.amount, t.category, t.source, t.pending,
		       t.created_at, t.updated_at`

// ApplyDelta applies one sync page and advances the link cursor in a single
// transaction. The link row is locked first so two writers for the same link
// serialize, and the cursor is compared before anything is written.
func (r *TransactionRepository) ApplyDelta(ctx context.Context, delta transaction.Delta) (*transaction.DeltaResult, error) {
	result := &transaction.DeltaResult{
		Added:    []*transaction.Transaction{},
		Modified: []*transaction.Transaction{},
		Removed:  []string{},
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var stored sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT last_sync_cursor FROM institution_links WHERE id = $1 FOR UPDATE`, delta.LinkID,
		).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return link.ErrLinkNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock institution link: %w", err)
		}
		if !cursorMatches(stored, delta.PrevCursor) {
			return transaction.ErrCursorConflict
		}

		if len(delta.Removed) > 0 {
			removed, err := removeAggregator(ctx, tx, delta.LinkID, delta.Removed)
			if err != nil {
				return fmt.Errorf("failed to remove transactions: %w", err)
			}
			result.Removed = removed
		}

		if len(delta.Modified) > 0 {
			written, err := writeEach(ctx, tx, `
				INSERT INTO transactions AS t (id, account_id, date, description, amount, category, source, pending)
				VALUES ($1, $2, $3, $4, $5, $6, 'aggregator', $7)
				ON CONFLICT (id)
				DO UPDATE SET
					account_id = EXCLUDED.account_id,
					date = EXCLUDED.date,
					description = EXCLUDED.description,
					amount = EXCLUDED.amount,
					category = EXCLUDED.category,
					pending = EXCLUDED.pending,
					updated_at = now()
				WHERE t.source = 'aggregator'
				RETURNING `+transactionColumns, delta.Modified)
			if err != nil {
				return fmt.Errorf("failed to modify transactions: %w", err)
			}
			result.Modified = written
		}

		if len(delta.Added) > 0 {
			written, err := writeEach(ctx, tx, `
				INSERT INTO transactions AS t (id, account_id, date, description, amount, category, source, pending)
				VALUES ($1, $2, $3, $4, $5, $6, 'aggregator', $7)
				ON CONFLICT (id) DO NOTHING
				RETURNING `+transactionColumns, delta.Added)
			if err != nil {
				return fmt.Errorf("failed to add transactions: %w", err)
			}
			result.Added = written
			result.Replayed = len(delta.Added) - len(written)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE institution_links SET last_sync_cursor = $2, updated_at = now() WHERE id = $1`,
			delta.LinkID, delta.NextCursor,
		); err != nil {
			return fmt.Errorf("failed to advance sync cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// removeAggregator deletes the link's aggregator rows among ids and returns
// the ids that were present.
func removeAggregator(ctx context.Context, tx *sql.Tx, linkID string, ids []string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		DELETE FROM transactions
		WHERE id = ANY($1)
		  AND source = 'aggregator'
		  AND account_id IN (SELECT id FROM accounts WHERE institution_link_id = $2)
		RETURNING id
	`, pq.Array(ids), linkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	removed := make([]string, 0, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		removed = append(removed, id)
	}
	return removed, rows.Err()
}

// writeEach runs query once per transaction with a prepared statement and
// returns the rows it wrote. A statement that returns no row (a conflict
// that was skipped) contributes nothing.
func writeEach(ctx context.Context, tx *sql.Tx, query string, txs []transaction.UpsertParams) ([]*transaction.Transaction, error) {
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	written := make([]*transaction.Transaction, 0, len(txs))
	for _, p := range txs {
		row, err := scanTransaction(stmt.QueryRowContext(ctx,
			p.ID, p.AccountID, p.Date, p.Description, p.Amount, nullStringPtr(p.Category), p.Pending,
		))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", p.ID, err)
		}
		written = append(written, row)
	}
	return written, nil
}

func cursorMatches(stored sql.NullString, expected *string) bool {
	if expected == nil {
		return !stored.Valid
	}
	return stored.Valid && stored.String == *expected
}

func (r *TransactionRepository) Create(ctx context.Context, params transaction.CreateParams) (*transaction.Transaction, error) {
	query := `
		INSERT INTO transactions AS t (id, account_id, date, description, amount, category, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + transactionColumns

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query,
		params.ID, params.AccountID, params.Date, params.Description, params.Amount,
		nullStringPtr(params.Category), params.Source,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return tx, nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*transaction.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions t WHERE t.id = $1`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transaction.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (r *TransactionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	return requireAffected(result, transaction.ErrTransactionNotFound)
}

// List returns the user's transactions on non-revoked links, newest first.
func (r *TransactionRepository) List(ctx context.Context, filter transaction.ListFilter) ([]*transaction.Transaction, error) {
	var (
		where = []string{"l.client_user_id = $1", "l.status <> 'REVOKED'"}
		args  = []any{filter.ClientUserID}
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.AccountID != "" {
		add("t.account_id = $%d", filter.AccountID)
	}
	if filter.From != nil {
		add("t.date >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("t.date <= $%d", *filter.To)
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions t
		JOIN accounts a ON a.id = t.account_id
		JOIN institution_links l ON l.id = a.institution_link_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY t.date DESC, t.created_at DESC, t.id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	transactions := make([]*transaction.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return transactions, nil
}

func scanTransaction(row rowScanner) (*transaction.Transaction, error) {
	var tx transaction.Transaction
	var category sql.NullString

	if err := row.Scan(
		&tx.ID, &tx.AccountID, &tx.Date, &tx.Description, &tx.Amount, &category,
		&tx.Source, &tx.Pending, &tx.CreatedAt, &tx.UpdatedAt,
	); err != nil {
		return nil, err
	}
	tx.Category = stringPtr(category)
	return &tx, nil
}
