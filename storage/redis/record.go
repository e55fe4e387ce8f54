package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/storage"
)

var (
	graceMillis     = strconv.FormatInt(security.DefaultClockSkewGracePeriod.Milliseconds(), 10)
	retentionMillis = strconv.FormatInt(storage.RevokedGrantRetention.Milliseconds(), 10)
)

func (s *Store) nowMillis() string {
	return strconv.FormatInt(s.now().UnixMilli(), 10)
}

// ============================================================
// RecordStore Implementation: authorization codes
// ============================================================

// SaveAuthorizationCode stores a fresh code under its hash with native TTL.
// A code that is already past expiry is not stored.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.observer.Start(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	ttl := s.ttlFor(code.ExpiresAt)
	if ttl <= 0 {
		s.logger.Debug("skipping already expired authorization code", "client_id", code.ClientID)
		return nil
	}

	hash := storage.HashToken(code.Code)
	key := s.codeKey(hash)
	payload := code.Clone()
	payload.Code = ""
	data, err := storage.SealJSON(s.encryptor, payload, key)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"data", data,
			"consumed", "0",
			"expires_at", code.ExpiresAt.UnixMilli(),
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// GetAuthorizationCode returns the code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.observer.Start(ctx, "get_authorization_code")
	defer func() { done(err) }()

	key := s.codeKey(storage.HashToken(code))
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	var consumedAt int64
	if fields["consumed"] == "1" {
		consumedAt, _ = strconv.ParseInt(fields["consumed_at"], 10, 64)
	}
	return s.decodeCode(key, code, fields["data"], fields["consumed"] == "1", consumedAt)
}

// ConsumeAuthorizationCode atomically marks a code consumed via Lua.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.observer.Start(ctx, "consume_authorization_code")
	defer func() { done(err) }()

	key := s.codeKey(storage.HashToken(code))
	res, err := consumeCodeScript.Run(ctx, s.client, []string{key}, s.nowMillis(), graceMillis).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	status, data, at, err := scriptReply(res)
	if err != nil {
		return nil, err
	}

	switch status {
	case "NOT_FOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case "EXPIRED":
		return nil, storage.ErrAuthorizationCodeExpired
	case "USED":
		authCode, err := s.decodeCode(key, code, data, true, at)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrAuthorizationCodeUsed, err)
		}
		return authCode, storage.ErrAuthorizationCodeUsed
	case "OK":
		s.logger.Debug("consumed authorization code", "code_prefix", util.SafeTruncate(code, tokenIDLogLength))
		return s.decodeCode(key, code, data, true, at)
	default:
		return nil, fmt.Errorf("unexpected consume status %q", status)
	}
}

func (s *Store) decodeCode(key, value, data string, consumed bool, consumedAt int64) (*storage.AuthorizationCode, error) {
	var authCode storage.AuthorizationCode
	if err := storage.OpenJSON(s.encryptor, []byte(data), key, &authCode); err != nil {
		return nil, err
	}
	authCode.Code = value
	authCode.Consumed = consumed
	if consumed && consumedAt > 0 {
		authCode.ConsumedAt = time.UnixMilli(consumedAt)
	}
	return &authCode, nil
}

// ============================================================
// RecordStore Implementation: tokens
// ============================================================

// SaveToken stores a token record and indexes it under its lineage
func (s *Store) SaveToken(ctx context.Context, record *storage.TokenRecord) (err error) {
	ctx, done := s.observer.Start(ctx, "save_token")
	defer func() { done(err) }()

	if record == nil || record.Key == "" {
		return fmt.Errorf("token record key is required")
	}

	ttl := s.ttlFor(record.ExpiresAt)
	if ttl <= 0 {
		s.logger.Debug("skipping already expired token", "client_id", record.ClientID)
		return nil
	}

	key := s.tokenKey(record.Key)
	data, err := storage.SealJSON(s.encryptor, record, key)
	if err != nil {
		return err
	}

	revoked, revokedAt := "0", int64(0)
	if record.Revoked {
		revoked, revokedAt = "1", record.RevokedAt.UnixMilli()
	}

	err = saveTokenScript.Run(ctx, s.client,
		[]string{key, s.grantKey(record.GrantID), s.revokedGrantKey(record.GrantID)},
		data,
		string(record.Type),
		record.GrantID,
		record.ExpiresAt.UnixMilli(),
		ttl.Milliseconds(),
		record.Key,
		revoked,
		revokedAt,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// GetToken looks a token up by value
func (s *Store) GetToken(ctx context.Context, value string) (_ *storage.TokenRecord, err error) {
	ctx, done := s.observer.Start(ctx, "get_token")
	defer func() { done(err) }()

	key := s.tokenKey(storage.HashToken(value))
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrTokenNotFound
	}

	var revokedAt int64
	if fields["revoked"] == "1" {
		revokedAt, _ = strconv.ParseInt(fields["revoked_at"], 10, 64)
	}
	record, err := s.decodeToken(key, fields["data"], fields["revoked"] == "1", revokedAt)
	if err != nil {
		return nil, err
	}
	if security.IsExpiredAt(record.ExpiresAt, s.now(), security.DefaultClockSkewGracePeriod) {
		return nil, storage.ErrTokenExpired
	}
	return record, nil
}

// RevokeToken revokes a token; refresh tokens take their lineage with them
func (s *Store) RevokeToken(ctx context.Context, value string) (_ int, err error) {
	ctx, done := s.observer.Start(ctx, "revoke_token")
	defer func() { done(err) }()

	key := s.tokenKey(storage.HashToken(value))
	n, err := revokeTokenScript.Run(ctx, s.client, []string{key},
		s.nowMillis(), s.tokenKeyPrefix(), s.grantKeyPrefix(), retentionMillis).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token: %w", err)
	}
	if n < 0 {
		return 0, storage.ErrTokenNotFound
	}
	return n, nil
}

// RevokeGrant revokes every token of a lineage
func (s *Store) RevokeGrant(ctx context.Context, grantID string) (_ int, err error) {
	ctx, done := s.observer.Start(ctx, "revoke_grant")
	defer func() { done(err) }()

	if grantID == "" {
		return 0, nil
	}
	n, err := revokeGrantScript.Run(ctx, s.client, []string{s.grantKey(grantID)},
		s.nowMillis(), s.tokenKeyPrefix(), retentionMillis).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grant: %w", err)
	}
	if n > 0 {
		s.logger.Info("revoked token lineage", "grant_id", grantID, "tokens_revoked", n)
	}
	return n, nil
}

// RotateRefreshToken atomically revokes an active refresh token via Lua.
func (s *Store) RotateRefreshToken(ctx context.Context, value string) (_ *storage.TokenRecord, err error) {
	ctx, done := s.observer.Start(ctx, "rotate_refresh_token")
	defer func() { done(err) }()

	key := s.tokenKey(storage.HashToken(value))
	res, err := rotateRefreshScript.Run(ctx, s.client, []string{key}, s.nowMillis(), graceMillis).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	status, data, at, err := scriptReply(res)
	if err != nil {
		return nil, err
	}

	switch status {
	case "NOT_FOUND":
		return nil, storage.ErrTokenNotFound
	case "EXPIRED":
		return nil, storage.ErrTokenExpired
	case "REVOKED":
		record, err := s.decodeToken(key, data, true, at)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrTokenRevoked, err)
		}
		return record, storage.ErrTokenRevoked
	case "OK":
		return s.decodeToken(key, data, true, at)
	default:
		return nil, fmt.Errorf("unexpected rotate status %q", status)
	}
}

func (s *Store) decodeToken(key, data string, revoked bool, revokedAt int64) (*storage.TokenRecord, error) {
	var record storage.TokenRecord
	if err := storage.OpenJSON(s.encryptor, []byte(data), key, &record); err != nil {
		return nil, err
	}
	record.Revoked = revoked
	if revoked && revokedAt > 0 {
		record.RevokedAt = time.UnixMilli(revokedAt)
	}
	return &record, nil
}
