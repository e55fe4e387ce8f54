package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oidc-authserver/storage"
)

// ============================================================
// RecordStore Implementation: authorization codes
// ============================================================

// SaveAuthorizationCode stores a fresh code under its hash
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.observer.Start(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	hash := storage.HashToken(code.Code)
	payload := code.Clone()
	payload.Code = ""
	payload.Consumed = false
	data, err := storage.SealJSON(s.encryptor, payload, "authorization_codes:"+hash)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO authorization_codes (code_hash, grant_id, client_id, data, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		hash, code.GrantID, code.ClientID, data, code.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert authorization code: %w", err)
	}
	return nil
}

// GetAuthorizationCode returns the code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.observer.Start(ctx, "get_authorization_code")
	defer func() { done(err) }()

	hash := storage.HashToken(code)
	var data []byte
	var consumedAt sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT data, consumed_at FROM authorization_codes WHERE code_hash = ?`, hash,
	).Scan(&data, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query authorization code: %w", err)
	}
	return s.decodeCode(hash, code, data, consumedAt)
}

// ConsumeAuthorizationCode marks a code consumed with a single conditional
// UPDATE; only the caller whose statement changes the row wins.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.observer.Start(ctx, "consume_authorization_code")
	defer func() { done(err) }()

	hash := storage.HashToken(code)
	now := s.now().UnixMilli()

	var data []byte
	var consumedAt sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`UPDATE authorization_codes SET consumed_at = ?
		 WHERE code_hash = ? AND consumed_at IS NULL AND expires_at + ? >= ?
		 RETURNING data, consumed_at`,
		now, hash, graceMillis(), now,
	).Scan(&data, &consumedAt)
	if err == nil {
		return s.decodeCode(hash, code, data, consumedAt)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	// The update matched nothing: find out why.
	var expiresAt int64
	err = s.db.QueryRowContext(ctx,
		`SELECT data, consumed_at, expires_at FROM authorization_codes WHERE code_hash = ?`, hash,
	).Scan(&data, &consumedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query authorization code: %w", err)
	}
	if consumedAt.Valid {
		authCode, decodeErr := s.decodeCode(hash, code, data, consumedAt)
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrAuthorizationCodeUsed, decodeErr)
		}
		return authCode, storage.ErrAuthorizationCodeUsed
	}
	return nil, storage.ErrAuthorizationCodeExpired
}

func (s *Store) decodeCode(hash, value string, data []byte, consumedAt sql.NullInt64) (*storage.AuthorizationCode, error) {
	var authCode storage.AuthorizationCode
	if err := storage.OpenJSON(s.encryptor, data, "authorization_codes:"+hash, &authCode); err != nil {
		return nil, err
	}
	authCode.Code = value
	if consumedAt.Valid {
		authCode.Consumed = true
		authCode.ConsumedAt = time.UnixMilli(consumedAt.Int64)
	}
	return &authCode, nil
}

// ============================================================
// RecordStore Implementation: tokens
// ============================================================

// SaveToken inserts or replaces a token record
func (s *Store) SaveToken(ctx context.Context, record *storage.TokenRecord) (err error) {
	ctx, done := s.observer.Start(ctx, "save_token")
	defer func() { done(err) }()

	if record == nil || record.Key == "" {
		return fmt.Errorf("token record key is required")
	}

	payload := record.Clone()
	payload.Revoked = false
	payload.RevokedAt = time.Time{}
	data, err := storage.SealJSON(s.encryptor, payload, "tokens:"+record.Key)
	if err != nil {
		return err
	}

	var revokedAt sql.NullInt64
	if record.Revoked {
		revokedAt = sql.NullInt64{Int64: record.RevokedAt.UnixMilli(), Valid: true}
	}

	// A token saved into a revoked lineage is stored revoked.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tokens (token_hash, id, type, grant_id, client_id, data, expires_at, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?,
		   COALESCE(?, (SELECT revoked_at FROM revoked_grants WHERE grant_id = ? AND grant_id != '')))
		 ON CONFLICT (token_hash) DO UPDATE SET
		   id = excluded.id, type = excluded.type, grant_id = excluded.grant_id,
		   client_id = excluded.client_id, data = excluded.data,
		   expires_at = excluded.expires_at, revoked_at = excluded.revoked_at`,
		record.Key, record.ID, string(record.Type), record.GrantID, record.ClientID,
		data, record.ExpiresAt.UnixMilli(), revokedAt, record.GrantID)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// GetToken looks a token up by value
func (s *Store) GetToken(ctx context.Context, value string) (_ *storage.TokenRecord, err error) {
	ctx, done := s.observer.Start(ctx, "get_token")
	defer func() { done(err) }()

	hash := storage.HashToken(value)
	var data []byte
	var expiresAt int64
	var revokedAt sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT data, expires_at, revoked_at FROM tokens WHERE token_hash = ?`, hash,
	).Scan(&data, &expiresAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query token: %w", err)
	}
	if s.now().UnixMilli() > expiresAt+graceMillis() {
		return nil, storage.ErrTokenExpired
	}
	return s.decodeToken(hash, data, revokedAt)
}

// RevokeToken revokes a token; refresh tokens take their lineage with them
func (s *Store) RevokeToken(ctx context.Context, value string) (_ int, err error) {
	ctx, done := s.observer.Start(ctx, "revoke_token")
	defer func() { done(err) }()

	hash := storage.HashToken(value)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var typ, grantID string
	err = tx.QueryRowContext(ctx, `SELECT type, grant_id FROM tokens WHERE token_hash = ?`, hash).Scan(&typ, &grantID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrTokenNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query token: %w", err)
	}

	now := s.now().UnixMilli()
	var res sql.Result
	if storage.TokenType(typ) == storage.TokenTypeRefresh && grantID != "" {
		res, err = revokeLineage(ctx, tx, grantID, now)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`, now, hash)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit revocation: %w", err)
	}
	return int(n), nil
}

// RevokeGrant revokes every token of a lineage
func (s *Store) RevokeGrant(ctx context.Context, grantID string) (_ int, err error) {
	ctx, done := s.observer.Start(ctx, "revoke_grant")
	defer func() { done(err) }()

	if grantID == "" {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := revokeLineage(ctx, tx, grantID, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grant: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit revocation: %w", err)
	}

	if n > 0 {
		s.logger.Info("revoked token lineage", "grant_id", grantID, "tokens_revoked", n)
	}
	return int(n), nil
}

// revokeLineage marks grantID revoked and revokes its live tokens. The
// result counts the tokens.
func revokeLineage(ctx context.Context, tx *sql.Tx, grantID string, now int64) (sql.Result, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO revoked_grants (grant_id, revoked_at) VALUES (?, ?)`, grantID, now); err != nil {
		return nil, err
	}
	return tx.ExecContext(ctx,
		`UPDATE tokens SET revoked_at = ? WHERE grant_id = ? AND revoked_at IS NULL`, now, grantID)
}

// RotateRefreshToken revokes an active refresh token with a conditional
// UPDATE; a token that was already revoked is reported as reuse.
func (s *Store) RotateRefreshToken(ctx context.Context, value string) (_ *storage.TokenRecord, err error) {
	ctx, done := s.observer.Start(ctx, "rotate_refresh_token")
	defer func() { done(err) }()

	hash := storage.HashToken(value)
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var data []byte
	var revokedAt sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`UPDATE tokens SET revoked_at = ?
		 WHERE token_hash = ? AND type = ? AND revoked_at IS NULL AND expires_at + ? >= ?
		 RETURNING data, revoked_at`,
		now, hash, string(storage.TokenTypeRefresh), graceMillis(), now,
	).Scan(&data, &revokedAt)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit rotation: %w", err)
		}
		return s.decodeToken(hash, data, revokedAt)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	var typ string
	var expiresAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT type, data, expires_at, revoked_at FROM tokens WHERE token_hash = ?`, hash,
	).Scan(&typ, &data, &expiresAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && storage.TokenType(typ) != storage.TokenTypeRefresh) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query refresh token: %w", err)
	}
	if now > expiresAt+graceMillis() {
		return nil, storage.ErrTokenExpired
	}

	record, decodeErr := s.decodeToken(hash, data, revokedAt)
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrTokenRevoked, decodeErr)
	}
	return record, storage.ErrTokenRevoked
}

func (s *Store) decodeToken(hash string, data []byte, revokedAt sql.NullInt64) (*storage.TokenRecord, error) {
	var record storage.TokenRecord
	if err := storage.OpenJSON(s.encryptor, data, "tokens:"+hash, &record); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		record.Revoked = true
		record.RevokedAt = time.UnixMilli(revokedAt.Int64)
	}
	return &record, nil
}
