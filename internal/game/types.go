package game

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Round lifecycle. Transitions are driven only by the leader's scheduler:
// WAITING (bets accepted, outcome fixed but hidden) -> ACTIVE (bet list
// frozen, outcome progressively revealed) -> RESOLVED (outcome and server
// seed public, bets settled) -> cleared -> next WAITING.
type RoundStatus string

const (
	RoundWaiting  RoundStatus = "WAITING"
	RoundActive   RoundStatus = "ACTIVE"
	RoundResolved RoundStatus = "RESOLVED"
)

// Bet settlement state. A bet leaves PLACED exactly once.
type BetStatus string

const (
	BetPlaced   BetStatus = "PLACED"
	BetWon      BetStatus = "WON"
	BetLost     BetStatus = "LOST"
	BetRefunded BetStatus = "REFUNDED"
)

const (
	GameCrash = "crash"
	GameWheel = "wheel"
)

var (
	ErrBetTooSmall      = errors.New("bet amount below minimum")
	ErrBetTooLarge      = errors.New("bet amount above maximum")
	ErrInvalidSelection = errors.New("invalid selection")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrBettingClosed    = errors.New("betting is closed")
	ErrDuplicateBetSlot = errors.New("a live bet already occupies this selection")
	ErrWalletRejected   = errors.New("wallet rejected the transaction")
	// ErrBetPlacementFailed is returned after a successful debit could not be
	// recorded; a compensating refund has been attempted.
	ErrBetPlacementFailed = errors.New("bet placement failed")
	ErrAlreadySettled     = errors.New("bet already settled")
	ErrBetNotFound        = errors.New("bet not found")
	ErrRoundNotActive     = errors.New("round is not active")
	ErrRoundNotResolved   = errors.New("round is not resolved yet")
	ErrNoRound            = errors.New("no round in progress")
	ErrPendingNotFound    = errors.New("no pending bet for this selection")
	ErrCashoutUnsupported = errors.New("game does not support cash-out")
	// ErrNotLeader guards every round mutation behind a live leader token.
	ErrNotLeader = errors.New("instance does not hold the leader lease")
)

// Outcome is the game result fixed at round creation. Crash rounds fill
// Coeff; wheel rounds fill Sector and Color.
type Outcome struct {
	Coeff  float64 `json:"coeff,omitempty"`
	Sector int     `json:"sector"`
	Color  string  `json:"color,omitempty"`
}

// Round is the authoritative document for one shared game event. The full
// struct (hidden fields included) lives in the replicated snapshot so a
// newly elected leader can take over mid-round; what clients see goes
// through Public.
type Round struct {
	ID               int64       `json:"id"`
	CorrelationID    string      `json:"correlation_id"`
	GameCode         string      `json:"game_code"`
	Status           RoundStatus `json:"status"`
	Outcome          Outcome     `json:"outcome"`
	ServerSeed       string      `json:"server_seed"`
	HashedServerSeed string      `json:"hashed_server_seed"`
	ClientSeed       string      `json:"client_seed"`
	Nonce            int64       `json:"nonce"`
	// CurrentCoeff is how far the crash curve has been revealed; it trails
	// the fixed Outcome.Coeff and is what cash-outs settle against.
	CurrentCoeff     float64   `json:"current_coeff"`
	CreatedAt        time.Time `json:"created_at"`
	ActivatedAt      time.Time `json:"activated_at,omitempty"`
	ResolvedAt       time.Time `json:"resolved_at,omitempty"`
	NextTransitionAt time.Time `json:"next_transition_at"`
	// Voided marks a round force-closed by a recovering leader; its open
	// bets were refunded rather than settled.
	Voided bool `json:"voided,omitempty"`
	// Settled flips once the resolution sweep has completed, so a leader
	// elected mid-pause knows whether settlement still needs to run.
	Settled bool `json:"settled,omitempty"`
}

// PublicRound is the client-visible projection of a Round. Hidden fields
// stay empty until the status makes them revealable.
type PublicRound struct {
	ID               int64       `json:"round_id"`
	GameCode         string      `json:"game_code"`
	Status           RoundStatus `json:"status"`
	HashedServerSeed string      `json:"hashed_server_seed"`
	ClientSeed       string      `json:"client_seed"`
	Nonce            int64       `json:"nonce"`
	CurrentCoeff     float64     `json:"current_coeff,omitempty"`
	Outcome          *Outcome    `json:"outcome,omitempty"`
	ServerSeed       string      `json:"server_seed,omitempty"`
	NextChangeInMs   int64       `json:"next_change_in_ms"`
	Voided           bool        `json:"voided,omitempty"`
}

// Public redacts the round for broadcast. The server seed and the fixed
// outcome become visible only once the round is RESOLVED.
func (r *Round) Public(now time.Time) PublicRound {
	p := PublicRound{
		ID:               r.ID,
		GameCode:         r.GameCode,
		Status:           r.Status,
		HashedServerSeed: r.HashedServerSeed,
		ClientSeed:       r.ClientSeed,
		Nonce:            r.Nonce,
		NextChangeInMs:   int64(math.Max(0, r.NextTransitionAt.Sub(now).Seconds()*1000)),
		Voided:           r.Voided,
	}
	if r.GameCode == GameCrash && r.Status != RoundWaiting {
		p.CurrentCoeff = r.CurrentCoeff
	}
	if r.Status == RoundResolved {
		out := r.Outcome
		p.Outcome = &out
		p.ServerSeed = r.ServerSeed
	}
	return p
}

// Bet is one player's wager inside a round. Amounts are minor units
// (cents); the wire representation is a two-decimal string.
type Bet struct {
	PlayerGameID string    `json:"player_game_id"`
	UserID       string    `json:"user_id"`
	AgentID      string    `json:"agent_id"`
	GameCode     string    `json:"game_code"`
	RoundID      int64     `json:"round_id"`
	Selection    string    `json:"selection"`
	Amount       int64     `json:"amount_cents"`
	Currency     string    `json:"currency"`
	AutoCashout  float64   `json:"auto_cashout,omitempty"`
	PlatformTxID string    `json:"platform_tx_id"`
	CashedOutAt  float64   `json:"cashed_out_at,omitempty"`
	WinAmount    int64     `json:"win_amount_cents"`
	Status       BetStatus `json:"status"`
	PlacedAt     time.Time `json:"placed_at"`
}

// SlotKey identifies the selection slot a user occupies within a round.
// One live bet per slot per user.
func (b *Bet) SlotKey() string {
	return b.UserID + ":" + b.Selection
}

// PendingBet is a bet accepted (and already debited) while the round could
// not admit it; it is replayed into the next round.
type PendingBet struct {
	Bet        Bet       `json:"bet"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// PlaceBetRequest is the placement payload shared by the REST and
// websocket surfaces. Identity fields come from headers, not the body.
type PlaceBetRequest struct {
	UserID      string  `json:"-"`
	AgentID     string  `json:"-"`
	GameCode    string  `json:"-"`
	Amount      string  `json:"amount"`
	Currency    string  `json:"currency"`
	Selection   string  `json:"selection"`
	AutoCashout float64 `json:"auto_cashout,omitempty"`
}

// PlaceBetResult is what a successful placement (or an idempotent replay
// of one) returns to the client.
type PlaceBetResult struct {
	PlayerGameID string `json:"player_game_id"`
	RoundID      int64  `json:"round_id,omitempty"`
	Pending      bool   `json:"pending,omitempty"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Selection    string `json:"selection"`
	Balance      string `json:"balance,omitempty"`
}

// CashoutResult reports a mid-round cash-out.
type CashoutResult struct {
	PlayerGameID string  `json:"player_game_id"`
	Coeff        float64 `json:"coeff"`
	WinAmount    string  `json:"win_amount"`
	Balance      string  `json:"balance,omitempty"`
}

// CancelResult reports a cancelled pending bet and its refund.
type CancelResult struct {
	PlayerGameID string `json:"player_game_id"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Balance      string `json:"balance,omitempty"`
}

// FormatAmount renders minor units as a fixed-point decimal string with
// two places, the only representation that crosses the wallet and client
// wire.
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// ParseAmount converts a decimal string into minor units. At most two
// fractional digits are accepted; anything else is ErrInvalidAmount.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	neg := false
	if s[0] == '+' || s[0] == '-' {
		neg = s[0] == '-'
		s = s[1:]
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return 0, ErrInvalidAmount
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, ErrInvalidAmount
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return cents, nil
}

// RoundCoeff truncates a multiplier to two decimal places, the precision
// every payout computation and wallet call uses. The epsilon keeps values
// that are exactly representable in decimal (1.15, 1.91) from flooring a
// cent low.
func RoundCoeff(c float64) float64 {
	return math.Floor(c*100+1e-9) / 100
}

// WinAmount computes the payout in minor units for a stake and a
// two-decimal coefficient.
func WinAmount(amountCents int64, coeff float64) int64 {
	return int64(math.Round(float64(amountCents) * RoundCoeff(coeff)))
}
