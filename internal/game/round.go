package game

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyRoundSeq    = "round:seq:"
	redisKeyRoundDoc    = "round:current:"
	redisKeyRoundStatus = "round:status:"
	redisKeyRoundBets   = "round:bets:"
	redisKeyRoundAgg    = "round:agg:"
	redisKeyRoundCashed = "round:cashed:"

	roundKeyTTL = time.Hour
)

// admission is atomic: the round must still be in the exact WAITING state
// the caller saw, and the slot must be free. Aggregates move in the same
// script so they can never drift from the bet hash.
var admitBetScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return "CLOSED"
end
if redis.call("HSETNX", KEYS[2], ARGV[2], ARGV[3]) == 0 then
	return "DUP"
end
redis.call("HINCRBY", KEYS[3], "bets:" .. ARGV[4], 1)
redis.call("HINCRBY", KEYS[3], "amount:" .. ARGV[4], ARGV[5])
redis.call("EXPIRE", KEYS[2], ARGV[6])
redis.call("EXPIRE", KEYS[3], ARGV[6])
return "OK"`)

// RoundStore keeps the authoritative round state in redis so that every
// instance sees the same round and a newly elected leader can pick up
// where a dead one stopped. Lifecycle fields are written only by the
// leader; bet admission is atomic and runs on whichever instance took the
// request.
type RoundStore struct {
	rdb *redis.Client
}

func NewRoundStore(rdb *redis.Client) *RoundStore {
	return &RoundStore{rdb: rdb}
}

// NextRoundID draws the next id from the per-game sequence. Round ids
// double as the fairness nonce.
func (s *RoundStore) NextRoundID(ctx context.Context, gameCode string) (int64, error) {
	return s.rdb.Incr(ctx, redisKeyRoundSeq+gameCode).Result()
}

func statusValue(status RoundStatus, roundID int64) string {
	return fmt.Sprintf("%s:%d", status, roundID)
}

// SaveRound persists the full round document (hidden fields included) and
// keeps the plain status key, which the admission script checks, in sync.
func (s *RoundStore) SaveRound(ctx context.Context, r *Round) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, redisKeyRoundDoc+r.GameCode, doc, roundKeyTTL)
	pipe.Set(ctx, redisKeyRoundStatus+r.GameCode, statusValue(r.Status, r.ID), roundKeyTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Current returns the latest round snapshot, nil when no round exists yet.
func (s *RoundStore) Current(ctx context.Context, gameCode string) (*Round, error) {
	doc, err := s.rdb.Get(ctx, redisKeyRoundDoc+gameCode).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Round
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// AdmitBet records a bet into its round if, at script time, the round is
// still the WAITING round the bet was built against and the user's slot is
// free. Returns ErrBettingClosed or ErrDuplicateBetSlot otherwise.
func (s *RoundStore) AdmitBet(ctx context.Context, b *Bet) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	res, err := admitBetScript.Run(ctx, s.rdb,
		[]string{
			redisKeyRoundStatus + b.GameCode,
			redisKeyRoundBets + b.GameCode,
			redisKeyRoundAgg + b.GameCode,
		},
		statusValue(RoundWaiting, b.RoundID),
		b.SlotKey(),
		payload,
		b.Selection,
		b.Amount,
		int(roundKeyTTL.Seconds()),
	).Text()
	if err != nil {
		return err
	}
	switch res {
	case "OK":
		return nil
	case "DUP":
		return ErrDuplicateBetSlot
	default:
		return ErrBettingClosed
	}
}

// GetBet fetches one bet by its slot.
func (s *RoundStore) GetBet(ctx context.Context, gameCode, slotKey string) (*Bet, error) {
	payload, err := s.rdb.HGet(ctx, redisKeyRoundBets+gameCode, slotKey).Result()
	if err == redis.Nil {
		return nil, ErrBetNotFound
	}
	if err != nil {
		return nil, err
	}
	var b Bet
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBet rewrites a bet's stored copy. Display state only; money truth
// lives in the ledger.
func (s *RoundStore) UpdateBet(ctx context.Context, b *Bet) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, redisKeyRoundBets+b.GameCode, b.SlotKey(), payload).Err()
}

// Bets returns every bet in the current round, oldest first.
func (s *RoundStore) Bets(ctx context.Context, gameCode string) ([]Bet, error) {
	fields, err := s.rdb.HGetAll(ctx, redisKeyRoundBets+gameCode).Result()
	if err != nil {
		return nil, err
	}
	bets := make([]Bet, 0, len(fields))
	for _, payload := range fields {
		var b Bet
		if err := json.Unmarshal([]byte(payload), &b); err != nil {
			continue
		}
		bets = append(bets, b)
	}
	sort.Slice(bets, func(i, j int) bool { return bets[i].PlacedAt.Before(bets[j].PlacedAt) })
	return bets, nil
}

// ClaimCashout marks a slot as cashed out, exactly once. The first caller
// gets true and owns the payout; everyone after gets false.
func (s *RoundStore) ClaimCashout(ctx context.Context, gameCode, slotKey string) (bool, error) {
	n, err := s.rdb.SAdd(ctx, redisKeyRoundCashed+gameCode, slotKey).Result()
	if err != nil {
		return false, err
	}
	s.rdb.Expire(ctx, redisKeyRoundCashed+gameCode, roundKeyTTL)
	return n == 1, nil
}

// ReleaseCashoutClaim undoes a claim whose payout could not be delivered,
// so the bet settles normally at round end.
func (s *RoundStore) ReleaseCashoutClaim(ctx context.Context, gameCode, slotKey string) error {
	return s.rdb.SRem(ctx, redisKeyRoundCashed+gameCode, slotKey).Err()
}

// CashedOut reports whether a slot already claimed its cash-out.
func (s *RoundStore) CashedOut(ctx context.Context, gameCode, slotKey string) (bool, error) {
	return s.rdb.SIsMember(ctx, redisKeyRoundCashed+gameCode, slotKey).Result()
}

// SelectionAgg is the per-selection bet tally broadcast with the bet list.
type SelectionAgg struct {
	Selection string `json:"selection"`
	Bets      int64  `json:"bets"`
	Amount    int64  `json:"amount_cents"`
}

// Aggregates returns the per-selection tallies, sorted by selection.
func (s *RoundStore) Aggregates(ctx context.Context, gameCode string) ([]SelectionAgg, error) {
	fields, err := s.rdb.HGetAll(ctx, redisKeyRoundAgg+gameCode).Result()
	if err != nil {
		return nil, err
	}
	bySel := make(map[string]*SelectionAgg)
	get := func(sel string) *SelectionAgg {
		if a, ok := bySel[sel]; ok {
			return a
		}
		a := &SelectionAgg{Selection: sel}
		bySel[sel] = a
		return a
	}
	for field, val := range fields {
		var n int64
		fmt.Sscanf(val, "%d", &n)
		switch {
		case len(field) > 5 && field[:5] == "bets:":
			get(field[5:]).Bets = n
		case len(field) > 7 && field[:7] == "amount:":
			get(field[7:]).Amount = n
		}
	}
	aggs := make([]SelectionAgg, 0, len(bySel))
	for _, a := range bySel {
		aggs = append(aggs, *a)
	}
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].Selection < aggs[j].Selection })
	return aggs, nil
}

// ClearRound drops the per-round working keys. Called by the leader right
// before it opens the next round; the round document itself is simply
// overwritten.
func (s *RoundStore) ClearRound(ctx context.Context, gameCode string) error {
	return s.rdb.Del(ctx,
		redisKeyRoundBets+gameCode,
		redisKeyRoundAgg+gameCode,
		redisKeyRoundCashed+gameCode,
	).Err()
}
