package game

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPending      = "pending:"
	redisKeyPendingDrain = "pending:drain:"
)

// PendingBetQueue holds bets accepted while the round could not admit
// them. The wallet debit has already happened by the time a bet lands
// here; the queue only parks it until the next round opens. Entries are
// TTL-bounded so an orphaned queue (game never reopens) stays refundable
// by support instead of lingering forever.
type PendingBetQueue struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewPendingBetQueue(rdb *redis.Client, ttl time.Duration) *PendingBetQueue {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PendingBetQueue{rdb: rdb, ttl: ttl}
}

// Enqueue parks a bet for the next round. The slot guard applies here the
// same way it does on live rounds: one pending bet per user selection.
func (q *PendingBetQueue) Enqueue(ctx context.Context, pb *PendingBet) error {
	payload, err := json.Marshal(pb)
	if err != nil {
		return err
	}
	key := redisKeyPending + pb.Bet.GameCode
	ok, err := q.rdb.HSetNX(ctx, key, pb.Bet.SlotKey(), payload).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicateBetSlot
	}
	q.rdb.Expire(ctx, key, q.ttl)
	return nil
}

// Get returns the pending bet for a slot, if one exists.
func (q *PendingBetQueue) Get(ctx context.Context, gameCode, slotKey string) (*PendingBet, error) {
	payload, err := q.rdb.HGet(ctx, redisKeyPending+gameCode, slotKey).Result()
	if err == redis.Nil {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, err
	}
	var pb PendingBet
	if err := json.Unmarshal([]byte(payload), &pb); err != nil {
		return nil, err
	}
	return &pb, nil
}

// Remove deletes one pending bet, returning it so the caller can refund
// the debit that already happened.
func (q *PendingBetQueue) Remove(ctx context.Context, gameCode, slotKey string) (*PendingBet, error) {
	pb, err := q.Get(ctx, gameCode, slotKey)
	if err != nil {
		return nil, err
	}
	n, err := q.rdb.HDel(ctx, redisKeyPending+gameCode, slotKey).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// lost the race with a drain or another cancel
		return nil, ErrPendingNotFound
	}
	return pb, nil
}

// DequeueAll atomically drains the queue for replay into a new round. The
// hash is renamed to a scratch key first so bets arriving mid-drain land
// in the fresh queue rather than being lost or replayed twice.
func (q *PendingBetQueue) DequeueAll(ctx context.Context, gameCode string) ([]PendingBet, error) {
	key := redisKeyPending + gameCode
	drainKey := redisKeyPendingDrain + gameCode

	err := q.rdb.Rename(ctx, key, drainKey).Err()
	if err == redis.Nil || isRedisNoSuchKey(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fields, err := q.rdb.HGetAll(ctx, drainKey).Result()
	if err != nil {
		return nil, err
	}
	q.rdb.Del(ctx, drainKey)

	bets := make([]PendingBet, 0, len(fields))
	for _, payload := range fields {
		var pb PendingBet
		if err := json.Unmarshal([]byte(payload), &pb); err != nil {
			continue
		}
		bets = append(bets, pb)
	}
	return bets, nil
}

// Len reports how many bets are waiting.
func (q *PendingBetQueue) Len(ctx context.Context, gameCode string) (int64, error) {
	return q.rdb.HLen(ctx, redisKeyPending+gameCode).Result()
}

// RENAME on a missing key errors with "no such key" rather than redis.Nil.
func isRedisNoSuchKey(err error) bool {
	return err != nil && err.Error() == "ERR no such key"
}
