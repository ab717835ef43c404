package game

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeySeedPool = "seedpool:"   // set of contributed client seeds per game
	redisKeyUserSeed = "seeds:user:" // per-user contribution record
)

// SeedStore collects player-contributed entropy. Contributions are
// one-shot: the pool is drained into the client seed of the next round
// that opens, so every contributor can find their seed in the round's
// published inputs.
type SeedStore struct {
	rdb *redis.Client
}

func NewSeedStore(rdb *redis.Client) *SeedStore {
	return &SeedStore{rdb: rdb}
}

// Contribution is a player's current client seed entry.
type Contribution struct {
	ClientSeed string    `json:"client_seed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SetClientSeed records the player's seed and enters it into the game's
// pool. An empty seed gets a server-generated one.
func (s *SeedStore) SetClientSeed(ctx context.Context, gameCode, userID, seed string) (Contribution, error) {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		seed = GenerateSeed()
	}
	if len(seed) > 64 {
		seed = seed[:64]
	}
	c := Contribution{ClientSeed: seed, UpdatedAt: time.Now().UTC()}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, redisKeyUserSeed+userID,
		"client_seed", c.ClientSeed,
		"updated_at", c.UpdatedAt.Format(time.RFC3339))
	pipe.SAdd(ctx, redisKeySeedPool+gameCode, seed)
	pipe.Expire(ctx, redisKeySeedPool+gameCode, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return Contribution{}, err
	}
	return c, nil
}

// Get returns the player's current contribution record, if any.
func (s *SeedStore) Get(ctx context.Context, userID string) (Contribution, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, redisKeyUserSeed+userID).Result()
	if err != nil {
		return Contribution{}, false, err
	}
	seed, ok := vals["client_seed"]
	if !ok {
		return Contribution{}, false, nil
	}
	c := Contribution{ClientSeed: seed}
	if ts, err := time.Parse(time.RFC3339, vals["updated_at"]); err == nil {
		c.UpdatedAt = ts
	}
	return c, true, nil
}

// NextRoundSeed drains the pool and folds the contributions into one
// deterministic client seed. With no contributions the seed is
// server-generated.
func (s *SeedStore) NextRoundSeed(ctx context.Context, gameCode string) (string, error) {
	var members *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members = pipe.SMembers(ctx, redisKeySeedPool+gameCode)
		pipe.Del(ctx, redisKeySeedPool+gameCode)
		return nil
	})
	if err != nil {
		return "", err
	}
	seeds := members.Val()
	if len(seeds) == 0 {
		return GenerateSeed(), nil
	}
	sort.Strings(seeds)
	sum := sha256.Sum256([]byte(strings.Join(seeds, ":")))
	return hex.EncodeToString(sum[:]), nil
}
