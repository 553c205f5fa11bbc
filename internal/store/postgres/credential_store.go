package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/crossfolio/internal/crypto"
	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// CredentialStore implements domain.CredentialStore using PostgreSQL. Every
// secret field is sealed with the vault before it reaches the database and
// opened on the way out; plaintext credentials never leave the process.
type CredentialStore struct {
	pool  *pgxpool.Pool
	vault *crypto.Vault
}

// NewCredentialStore creates a CredentialStore backed by the given pool and
// sealing vault.
func NewCredentialStore(pool *pgxpool.Pool, vault *crypto.Vault) *CredentialStore {
	return &CredentialStore{pool: pool, vault: vault}
}

// Put upserts credentials for one user/exchange pair.
func (s *CredentialStore) Put(ctx context.Context, userID, exchange string, creds domain.Credentials) error {
	apiKey, err := s.vault.Seal(creds.APIKey)
	if err != nil {
		return fmt.Errorf("postgres: seal api key %s/%s: %w", userID, exchange, err)
	}
	apiSecret, err := s.vault.Seal(creds.APISecret)
	if err != nil {
		return fmt.Errorf("postgres: seal api secret %s/%s: %w", userID, exchange, err)
	}
	var passphrase []byte
	if creds.Passphrase != "" {
		if passphrase, err = s.vault.Seal(creds.Passphrase); err != nil {
			return fmt.Errorf("postgres: seal passphrase %s/%s: %w", userID, exchange, err)
		}
	}

	const query = `
		INSERT INTO credentials (user_id, exchange, api_key, api_secret, passphrase, sandbox, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id, exchange) DO UPDATE SET
			api_key    = EXCLUDED.api_key,
			api_secret = EXCLUDED.api_secret,
			passphrase = EXCLUDED.passphrase,
			sandbox    = EXCLUDED.sandbox,
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, userID, exchange, apiKey, apiSecret, passphrase, creds.Sandbox); err != nil {
		return fmt.Errorf("postgres: put credentials %s/%s: %w", userID, exchange, err)
	}
	return nil
}

// Get returns the credentials for one user/exchange pair, or
// domain.ErrNotFound.
func (s *CredentialStore) Get(ctx context.Context, userID, exchange string) (domain.Credentials, error) {
	const query = `
		SELECT api_key, api_secret, passphrase, sandbox
		FROM credentials WHERE user_id = $1 AND exchange = $2`

	var apiKey, apiSecret, passphrase []byte
	var sandbox bool
	err := s.pool.QueryRow(ctx, query, userID, exchange).Scan(&apiKey, &apiSecret, &passphrase, &sandbox)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Credentials{}, domain.ErrNotFound
		}
		return domain.Credentials{}, fmt.Errorf("postgres: get credentials %s/%s: %w", userID, exchange, err)
	}

	creds := domain.Credentials{Sandbox: sandbox}
	if creds.APIKey, err = s.vault.Open(apiKey); err != nil {
		return domain.Credentials{}, fmt.Errorf("postgres: open api key %s/%s: %w", userID, exchange, err)
	}
	if creds.APISecret, err = s.vault.Open(apiSecret); err != nil {
		return domain.Credentials{}, fmt.Errorf("postgres: open api secret %s/%s: %w", userID, exchange, err)
	}
	if len(passphrase) > 0 {
		if creds.Passphrase, err = s.vault.Open(passphrase); err != nil {
			return domain.Credentials{}, fmt.Errorf("postgres: open passphrase %s/%s: %w", userID, exchange, err)
		}
	}
	return creds, nil
}

// Delete removes the credentials for one user/exchange pair.
func (s *CredentialStore) Delete(ctx context.Context, userID, exchange string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM credentials WHERE user_id = $1 AND exchange = $2`, userID, exchange)
	if err != nil {
		return fmt.Errorf("postgres: delete credentials %s/%s: %w", userID, exchange, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListExchanges returns the exchanges with stored credentials for userID.
func (s *CredentialStore) ListExchanges(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT exchange FROM credentials WHERE user_id = $1 ORDER BY exchange`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list credential exchanges %s: %w", userID, err)
	}
	defer rows.Close()

	var exchanges []string
	for rows.Next() {
		var exchange string
		if err := rows.Scan(&exchange); err != nil {
			return nil, fmt.Errorf("postgres: scan credential exchange: %w", err)
		}
		exchanges = append(exchanges, exchange)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list credential exchanges %s: %w", userID, err)
	}
	return exchanges, nil
}

// Compile-time interface check.
var _ domain.CredentialStore = (*CredentialStore)(nil)
