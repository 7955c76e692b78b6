// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package portal

import (
	stdctx "context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/verisite/portal/internal/platform/apperr"
	"github.com/verisite/portal/internal/platform/constants"
)

// # Redis Repositories

// RedisActivationRepository implements [ActivationRepository] using Redis.
//
// Two keys exist per outstanding code: hash→userID for redemption and
// userID→hash for revocation, both expiring together.
type RedisActivationRepository struct {
	client *redis.Client
}

// NewActivationRepository creates a Redis-backed [ActivationRepository].
func NewActivationRepository(client *redis.Client) *RedisActivationRepository {
	return &RedisActivationRepository{client: client}
}

func activationKey(codeHash string) string {
	return constants.RedisPrefixActivation + codeHash
}

func activationUserKey(userID string) string {
	return constants.RedisPrefixActivation + "user:" + userID
}

/*
Save stores an activation code hash with its TTL, replacing any code
previously issued to the same user.

Parameters:
  - ctx: Request context.
  - codeHash: SHA-256 hex of the plaintext code; the plaintext never
    reaches storage.
  - userID: The account the code activates.
  - ttl: Redemption window.

Returns:
  - error: Execution errors.
*/
func (repository *RedisActivationRepository) Save(ctx stdctx.Context, codeHash, userID string, ttl time.Duration) error {
	// Drop a superseded code first so only the latest mail works.
	if err := repository.Revoke(ctx, userID); err != nil {
		return err
	}

	pipe := repository.client.TxPipeline()
	pipe.Set(ctx, activationKey(codeHash), userID, ttl)
	pipe.Set(ctx, activationUserKey(userID), codeHash, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis_activation_save_failed: %w", err)
	}
	return nil
}

/*
Consume atomically redeems a code.

Description: GETDEL guarantees one redemption per code even under concurrent
submission. Returns apperr.NotFound when the code is unknown or expired; the
caller decides how much of that to reveal.
*/
func (repository *RedisActivationRepository) Consume(ctx stdctx.Context, codeHash string) (string, error) {
	userID, err := repository.client.GetDel(ctx, activationKey(codeHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", apperr.NotFound("Activation code")
		}
		return "", fmt.Errorf("redis_activation_consume_failed: %w", err)
	}

	if err := repository.client.Del(ctx, activationUserKey(userID)).Err(); err != nil {
		return "", fmt.Errorf("redis_activation_cleanup_failed: %w", err)
	}
	return userID, nil
}

// Revoke drops any outstanding code for the user. Revoking a user with no
// outstanding code is a no-op.
func (repository *RedisActivationRepository) Revoke(ctx stdctx.Context, userID string) error {
	codeHash, err := repository.client.Get(ctx, activationUserKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("redis_activation_revoke_lookup_failed: %w", err)
	}

	if err := repository.client.Del(ctx, activationKey(codeHash), activationUserKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis_activation_revoke_failed: %w", err)
	}
	return nil
}

// RedisCooldownRepository implements [CooldownRepository] using Redis.
type RedisCooldownRepository struct {
	client *redis.Client
}

// NewCooldownRepository creates a Redis-backed [CooldownRepository].
func NewCooldownRepository(client *redis.Client) *RedisCooldownRepository {
	return &RedisCooldownRepository{client: client}
}

/*
Start marks the address as recently mailed.

Description: SETNX with TTL makes check-and-set atomic: the first caller in
the window wins and may send, every other caller inside it is throttled.

Returns:
  - bool: true when the caller may send mail, false during cooldown.
  - error: Connectivity errors.
*/
func (repository *RedisCooldownRepository) Start(ctx stdctx.Context, email string, window time.Duration) (bool, error) {
	key := constants.RedisPrefixMailCooldown + email

	allowed, err := repository.client.SetNX(ctx, key, "1", window).Result()
	if err != nil {
		return false, fmt.Errorf("redis_mail_cooldown_failed: %w", err)
	}
	return allowed, nil
}
