package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/repository"
	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/redis/go-redis/v9"
)

var ErrDedupTTLInvalid = errors.New("dedup ttl must be positive")

// DedupStore is an atomic put-if-absent with expiry.
// At most one live claim exists per key; a claim becomes claimable again once its ttl elapses.
type DedupStore interface {
	Claim(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error)
	// Release drops the claim only if ownerToken still holds it
	Release(ctx context.Context, key, ownerToken string) error
}

// InboundDedupKey is the dedup key of an inbound provider event
func InboundDedupKey(eventID string) string {
	return "inbound:" + eventID
}

// RedisDedupStore claims keys with SET NX PX
type RedisDedupStore struct {
	rc     *redis.Client
	prefix string
}

// releaseScript deletes the key only when it still carries the caller's token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisDedupStore(rc *redis.Client, prefix string) *RedisDedupStore {
	return &RedisDedupStore{rc: rc, prefix: prefix}
}

func (s *RedisDedupStore) key(key string) string {
	return s.prefix + "dedup:" + key
}

func (s *RedisDedupStore) Claim(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrDedupTTLInvalid
	}
	ok, err := s.rc.SetNX(ctx, s.key(key), ownerToken, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim dedup key %q: %w", key, err)
	}
	return ok, nil
}

func (s *RedisDedupStore) Release(ctx context.Context, key, ownerToken string) error {
	if err := releaseScript.Run(ctx, s.rc, []string{s.key(key)}, ownerToken).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release dedup key %q: %w", key, err)
	}
	return nil
}

// PostgresDedupStore claims keys with a conditional upsert on dedup_records
type PostgresDedupStore struct {
	repo repository.DedupRecordRepository
	now  func() time.Time
}

func NewPostgresDedupStore(repo repository.DedupRecordRepository) *PostgresDedupStore {
	return &PostgresDedupStore{repo: repo, now: utils.UTCNow}
}

func (s *PostgresDedupStore) Claim(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrDedupTTLInvalid
	}
	now := s.now()
	return s.repo.Claim(ctx, &models.DedupRecord{
		Key:        key,
		OwnerToken: ownerToken,
		ClaimedAt:  now,
		ExpiresAt:  now.Add(ttl),
	})
}

func (s *PostgresDedupStore) Release(ctx context.Context, key, ownerToken string) error {
	_, err := s.repo.Release(ctx, key, ownerToken)
	return err
}

// Sweep deletes expired records; Redis expires keys by itself so only this backend needs it
func (s *PostgresDedupStore) Sweep(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.now())
}
