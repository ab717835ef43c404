package game

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyIdem = "idem:"

// IdempotencyStore replays the stored confirmation for a retried placement
// instead of running the saga again. Records are short-lived: they only
// need to outlive the client's retry window.
type IdempotencyStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewIdempotencyStore(rdb *redis.Client, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &IdempotencyStore{rdb: rdb, ttl: ttl}
}

// Fingerprint identifies a placement attempt. Two requests with the same
// fingerprint are the same bet as far as retries are concerned; roundScope
// is the target round id, or "pending" when the bet is being queued.
func Fingerprint(gameCode, userID, agentID, roundScope string, amount int64, selection string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s|%d|%s",
		gameCode, userID, agentID, roundScope, amount, selection))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the stored confirmation for a fingerprint, if any.
func (s *IdempotencyStore) Lookup(ctx context.Context, gameCode, fingerprint string) (*PlaceBetResult, bool, error) {
	payload, err := s.rdb.Get(ctx, redisKeyIdem+gameCode+":"+fingerprint).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var res PlaceBetResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return nil, false, err
	}
	return &res, true, nil
}

// Store keeps the first confirmation for a fingerprint; later writes for
// the same fingerprint are ignored so retries always see the original.
func (s *IdempotencyStore) Store(ctx context.Context, gameCode, fingerprint string, res *PlaceBetResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return s.rdb.SetNX(ctx, redisKeyIdem+gameCode+":"+fingerprint, payload, s.ttl).Err()
}
