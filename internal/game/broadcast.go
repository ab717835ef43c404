package game

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

const broadcastChannelPrefix = "broadcast:"

// Client-facing event types.
const (
	EventRoundState     = "round_state_changed"
	EventCoeffTick      = "coeff_tick"
	EventBetListUpdated = "bet_list_updated"
	EventBalanceChanged = "balance_changed"
	EventCashout        = "cashout_result"
)

// Event is the broadcast envelope. UserID targets a single player's
// connections; empty means everyone watching the game.
type Event struct {
	Type     string `json:"type"`
	GameCode string `json:"game_code"`
	UserID   string `json:"user_id,omitempty"`
	Data     any    `json:"data,omitempty"`
}

type BetListData struct {
	RoundID    int64          `json:"round_id"`
	Aggregates []SelectionAgg `json:"aggregates"`
}

// TickData is the lightweight per-tick payload for continuous games; the
// full round document only travels on state changes.
type TickData struct {
	RoundID int64   `json:"round_id"`
	Coeff   float64 `json:"coeff"`
}

type BalanceData struct {
	Currency string `json:"currency"`
	Balance  string `json:"balance"`
}

type CashoutData struct {
	PlayerGameID string  `json:"player_game_id"`
	UserID       string  `json:"user_id"`
	Selection    string  `json:"selection"`
	Coeff        float64 `json:"coeff"`
	WinAmount    string  `json:"win_amount"`
}

type Broadcaster interface {
	Publish(ctx context.Context, ev Event) error
}

// RedisBroadcaster fans events out through pub/sub so every instance's
// hub delivers them to its own clients, not just the leader's.
type RedisBroadcaster struct {
	rdb *redis.Client
}

func NewRedisBroadcaster(rdb *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{rdb: rdb}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, broadcastChannelPrefix+ev.GameCode, payload).Err()
}
