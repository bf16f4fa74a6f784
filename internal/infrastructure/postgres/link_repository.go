package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"finlink/internal/domain/link"
)

// CredentialCipher seals access credentials at rest.
type CredentialCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// LinkRepository implements the link.Repository interface for PostgreSQL
type LinkRepository struct {
	db     *DB
	cipher CredentialCipher
}

var _ link.Repository = (*LinkRepository)(nil)

// NewLinkRepository creates a new PostgreSQL institution link repository
func NewLinkRepository(db *DB, cipher CredentialCipher) *LinkRepository {
	return &LinkRepository{db: db, cipher: cipher}
}

const linkColumns = `id, client_user_id, item_id, institution_id, institution_name, access_credential,
		       last_sync_cursor, status, error_code, created_at, updated_at`

// rowScanner is satisfied by *sql.Rows and tracedRow.
type rowScanner interface {
	Scan(dest ...any) error
}

// Upsert inserts a link or refreshes the one with the same item id. A
// refreshed REVOKED link starts over with a full sync.
func (r *LinkRepository) Upsert(ctx context.Context, params link.UpsertParams) (*link.InstitutionLink, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	sealed, err := r.cipher.Encrypt(params.AccessCredential)
	if err != nil {
		return nil, fmt.Errorf("failed to seal access credential: %w", err)
	}

	query := `
		INSERT INTO institution_links (id, client_user_id, item_id, institution_id, institution_name, access_credential, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'ACTIVE')
		ON CONFLICT (item_id)
		DO UPDATE SET
			institution_id = EXCLUDED.institution_id,
			institution_name = EXCLUDED.institution_name,
			access_credential = EXCLUDED.access_credential,
			last_sync_cursor = CASE
				WHEN institution_links.status = 'REVOKED' THEN NULL
				ELSE institution_links.last_sync_cursor
			END,
			status = 'ACTIVE',
			error_code = NULL,
			updated_at = now()
		RETURNING ` + linkColumns

	l, err := r.scanLink(r.db.QueryRowContext(ctx, query,
		params.ID, params.ClientUserID, params.ItemID, params.InstitutionID, params.InstitutionName, sealed,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert institution link: %w", err)
	}
	return l, nil
}

func (r *LinkRepository) GetByID(ctx context.Context, id string) (*link.InstitutionLink, error) {
	query := `SELECT ` + linkColumns + ` FROM institution_links WHERE id = $1`

	l, err := r.scanLink(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, link.ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get institution link: %w", err)
	}
	return l, nil
}

func (r *LinkRepository) ListByClientUserID(ctx context.Context, clientUserID string) ([]*link.InstitutionLink, error) {
	query := `SELECT ` + linkColumns + `
		FROM institution_links
		WHERE client_user_id = $1
		ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, clientUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list institution links: %w", err)
	}
	defer rows.Close()

	links := make([]*link.InstitutionLink, 0)
	for rows.Next() {
		l, err := r.scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan institution link: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating institution links: %w", err)
	}
	return links, nil
}

func (r *LinkRepository) UpdateStatus(ctx context.Context, id string, status link.Status, errorCode *string) error {
	query := `
		UPDATE institution_links
		SET status = $2, error_code = $3, updated_at = now()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, string(status), nullStringPtr(errorCode))
	if err != nil {
		return fmt.Errorf("failed to update institution link status: %w", err)
	}
	return requireAffected(result, link.ErrLinkNotFound)
}

// Revoke drops the link's credential and cursor, marks it REVOKED and
// deletes its accounts and transactions in one transaction.
func (r *LinkRepository) Revoke(ctx context.Context, id string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM transactions
			WHERE account_id IN (SELECT id FROM accounts WHERE institution_link_id = $1)
		`, id); err != nil {
			return fmt.Errorf("failed to delete link transactions: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE institution_link_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete link accounts: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE institution_links
			SET status = 'REVOKED', access_credential = '', last_sync_cursor = NULL,
			    error_code = NULL, updated_at = now()
			WHERE id = $1
		`, id)
		if err != nil {
			return fmt.Errorf("failed to revoke institution link: %w", err)
		}
		return requireAffected(result, link.ErrLinkNotFound)
	})
}

func (r *LinkRepository) scanLink(row rowScanner) (*link.InstitutionLink, error) {
	var l link.InstitutionLink
	var sealed, status string
	var cursor, errorCode sql.NullString

	if err := row.Scan(
		&l.ID, &l.ClientUserID, &l.ItemID, &l.InstitutionID, &l.InstitutionName, &sealed,
		&cursor, &status, &errorCode, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if sealed != "" {
		credential, err := r.cipher.Decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to open access credential for link %s: %w", l.ID, err)
		}
		l.AccessCredential = credential
	}
	l.Status = link.Status(status)
	if cursor.Valid {
		l.LastSyncCursor = &cursor.String
	}
	if errorCode.Valid {
		l.ErrorCode = &errorCode.String
	}
	return &l, nil
}

func requireAffected(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
