package tokenization

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gwdb "github.com/r3e-network/acquiring-gateway/internal/platform/db"
	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
)

// PostgresStore is the production Store implementation, backed by the
// card_tokens table (migrations/000003).
type PostgresStore struct {
	base gwdb.BaseStore
}

func NewPostgresStore(base gwdb.BaseStore) *PostgresStore {
	return &PostgresStore{base: base}
}

type tokenRow struct {
	Token        string    `db:"token"`
	PANHash      string    `db:"pan_hash"`
	EncryptedPAN []byte    `db:"encrypted_pan"`
	Nonce        []byte    `db:"nonce"`
	KeyVersion   int       `db:"key_version"`
	Brand        string    `db:"brand"`
	LastFour     string    `db:"last_four"`
	Active       bool      `db:"active"`
	CreatedAt    time.Time `db:"created_at"`
	ExpiresAt    time.Time `db:"expires_at"`
}

func (r *tokenRow) toRecord() *TokenRecord {
	return &TokenRecord{
		Token: r.Token, PANHash: r.PANHash, EncryptedPAN: r.EncryptedPAN, Nonce: r.Nonce,
		KeyVersion: r.KeyVersion, Brand: r.Brand, LastFour: r.LastFour, Active: r.Active,
		CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt,
	}
}

func (s *PostgresStore) FindByHash(ctx context.Context, panHash string) (*TokenRecord, bool, error) {
	var row tokenRow
	err := s.base.Querier(ctx).GetContext(ctx, &row, `SELECT * FROM card_tokens WHERE pan_hash = $1`, panHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, gwerrors.Internal("find token by hash failed", err)
	}
	return row.toRecord(), true, nil
}

func (s *PostgresStore) FindByToken(ctx context.Context, token string) (*TokenRecord, bool, error) {
	var row tokenRow
	err := s.base.Querier(ctx).GetContext(ctx, &row, `SELECT * FROM card_tokens WHERE token = $1`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, gwerrors.Internal("find token failed", err)
	}
	return row.toRecord(), true, nil
}

const upsertTokenSQL = `
INSERT INTO card_tokens (token, pan_hash, encrypted_pan, nonce, key_version, brand, last_four, active, created_at, expires_at)
VALUES (:token, :pan_hash, :encrypted_pan, :nonce, :key_version, :brand, :last_four, :active, :created_at, :expires_at)
ON CONFLICT (token) DO UPDATE SET active = EXCLUDED.active`

func (s *PostgresStore) Save(ctx context.Context, rec *TokenRecord) error {
	row := tokenRow{
		Token: rec.Token, PANHash: rec.PANHash, EncryptedPAN: rec.EncryptedPAN, Nonce: rec.Nonce,
		KeyVersion: rec.KeyVersion, Brand: rec.Brand, LastFour: rec.LastFour, Active: rec.Active,
		CreatedAt: rec.CreatedAt, ExpiresAt: rec.ExpiresAt,
	}
	stmt, err := s.base.DB.PrepareNamedContext(ctx, upsertTokenSQL)
	if err != nil {
		return gwerrors.Internal("prepare token upsert failed", err)
	}
	defer stmt.Close()
	if _, err := stmt.ExecContext(ctx, row); err != nil {
		return gwerrors.Internal("token upsert failed", err)
	}
	return nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, token string) error {
	_, err := s.base.DB.ExecContext(ctx, `UPDATE card_tokens SET active = false WHERE token = $1`, token)
	if err != nil {
		return gwerrors.Internal("token deactivate failed", err)
	}
	return nil
}
