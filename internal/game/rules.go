package game

import (
	"math"
	"time"
)

const (
	MinCoeff         = 1.00
	MaxCoeff         = 1000000.00
	DefaultHouseEdge = 0.01 // 1%
)

// Rules describes one game's fixed parameters and its outcome mapping.
// The saga, scheduler and settlement engine are generic over it.
type Rules interface {
	Code() string
	BettingWindow() time.Duration
	// Pause is the gap between a round resolving and the next one opening.
	Pause() time.Duration
	SupportsCashout() bool
	// Selections lists the valid bet selections in display order.
	Selections() []string
	// ValidateBet rejects malformed selections and out-of-bounds stakes.
	ValidateBet(selection string, amount int64) error
	// Derive fixes the outcome for a seed triple. Deterministic.
	Derive(serverSeed, clientSeed string, nonce int64) Outcome
	// Verify recomputes the outcome and compares it against a claimed one.
	Verify(serverSeed, clientSeed string, nonce int64, out Outcome) bool
	// RunDuration is how long the reveal phase lasts once the outcome is
	// fixed. For continuous games it is computable up front because the
	// curve is deterministic.
	RunDuration(out Outcome) time.Duration
	// PayoutCoeff is the resolve-time multiplier for a bet that is still
	// open when the round ends. Zero means the stake is lost.
	PayoutCoeff(out Outcome, b *Bet) float64
}

// Curve is implemented by continuous games whose coefficient is revealed
// tick by tick while the round runs.
type Curve interface {
	TickEvery() time.Duration
	CoeffAt(elapsed time.Duration) float64
}

// CrashRules: a multiplier grows from 1.00 until the hidden crash point;
// players cash out any time before it. Selections "1" and "2" are the two
// independent bet panels.
type CrashRules struct {
	Betting time.Duration
	Tick    time.Duration
	Break   time.Duration
	MinBet  int64
	MaxBet  int64
	Edge    float64
	Ceiling float64
}

func DefaultCrashRules() CrashRules {
	return CrashRules{
		Betting: 5 * time.Second,
		Tick:    100 * time.Millisecond,
		Break:   3 * time.Second,
		MinBet:  100,
		MaxBet:  1000000,
		Edge:    DefaultHouseEdge,
		Ceiling: MaxCoeff,
	}
}

func (r CrashRules) Code() string                 { return GameCrash }
func (r CrashRules) BettingWindow() time.Duration { return r.Betting }
func (r CrashRules) Pause() time.Duration         { return r.Break }
func (r CrashRules) SupportsCashout() bool        { return true }
func (r CrashRules) Selections() []string         { return []string{"1", "2"} }
func (r CrashRules) TickEvery() time.Duration     { return r.Tick }

func (r CrashRules) ValidateBet(selection string, amount int64) error {
	if selection != "1" && selection != "2" {
		return ErrInvalidSelection
	}
	if amount < r.MinBet {
		return ErrBetTooSmall
	}
	if amount > r.MaxBet {
		return ErrBetTooLarge
	}
	return nil
}

// Derive maps the digest to a crash point with an exponential distribution:
// a slice of the probability mass crashes instantly at 1.00, the rest
// follows (1-edge)/(1-r) so higher multipliers are rarer.
func (r CrashRules) Derive(serverSeed, clientSeed string, nonce int64) Outcome {
	rFloat := DeriveFloat(serverSeed, clientSeed, nonce)
	if rFloat < r.Edge {
		return Outcome{Coeff: MinCoeff}
	}
	coeff := RoundCoeff((1.0 - r.Edge) / (1.0 - rFloat))
	if coeff < MinCoeff {
		coeff = MinCoeff
	}
	if coeff > r.Ceiling {
		coeff = r.Ceiling
	}
	return Outcome{Coeff: coeff}
}

func (r CrashRules) Verify(serverSeed, clientSeed string, nonce int64, out Outcome) bool {
	got := r.Derive(serverSeed, clientSeed, nonce)
	return math.Abs(got.Coeff-out.Coeff) < 0.01
}

// CoeffAt computes the revealed multiplier after a run time.
func (r CrashRules) CoeffAt(elapsed time.Duration) float64 {
	e := elapsed.Seconds()
	return RoundCoeff(1.0 + e/1.5 + e*e*0.005)
}

// RunDuration inverts the growth curve so the moment of the crash is known
// as soon as the outcome is fixed.
func (r CrashRules) RunDuration(out Outcome) time.Duration {
	const a, b = 0.005, 1.0 / 1.5
	c := out.Coeff - 1.0
	if c <= 0 {
		return 0
	}
	e := (-b + math.Sqrt(b*b+4*a*c)) / (2 * a)
	return time.Duration(e * float64(time.Second))
}

// PayoutCoeff settles bets still open at the crash. Only a bet whose
// auto cash-out target sat below the crash point wins; it is paid at the
// target, the multiplier the player asked for.
func (r CrashRules) PayoutCoeff(out Outcome, b *Bet) float64 {
	if b.AutoCashout >= MinCoeff+0.01 && b.AutoCashout < out.Coeff {
		return RoundCoeff(b.AutoCashout)
	}
	return 0
}

// WheelRules: fifteen sectors, one green zero, seven red odds, seven black
// evens. Red and black pay 2.00x, green pays 14.00x.
type WheelRules struct {
	Betting time.Duration
	Spin    time.Duration
	Break   time.Duration
	MinBet  int64
	MaxBet  int64
}

const WheelSectors = 15

var wheelPayouts = map[string]float64{
	"red":   2.00,
	"black": 2.00,
	"green": 14.00,
}

func DefaultWheelRules() WheelRules {
	return WheelRules{
		Betting: 15 * time.Second,
		Spin:    5 * time.Second,
		Break:   3 * time.Second,
		MinBet:  100,
		MaxBet:  1000000,
	}
}

// WheelColor maps a sector index to its color.
func WheelColor(sector int) string {
	switch {
	case sector == 0:
		return "green"
	case sector%2 == 1:
		return "red"
	default:
		return "black"
	}
}

func (r WheelRules) Code() string                 { return GameWheel }
func (r WheelRules) BettingWindow() time.Duration { return r.Betting }
func (r WheelRules) Pause() time.Duration         { return r.Break }
func (r WheelRules) SupportsCashout() bool        { return false }
func (r WheelRules) Selections() []string         { return []string{"red", "black", "green"} }

func (r WheelRules) ValidateBet(selection string, amount int64) error {
	if _, ok := wheelPayouts[selection]; !ok {
		return ErrInvalidSelection
	}
	if amount < r.MinBet {
		return ErrBetTooSmall
	}
	if amount > r.MaxBet {
		return ErrBetTooLarge
	}
	return nil
}

func (r WheelRules) Derive(serverSeed, clientSeed string, nonce int64) Outcome {
	sector := int(DeriveUint64(serverSeed, clientSeed, nonce) % WheelSectors)
	return Outcome{Sector: sector, Color: WheelColor(sector)}
}

func (r WheelRules) Verify(serverSeed, clientSeed string, nonce int64, out Outcome) bool {
	return r.Derive(serverSeed, clientSeed, nonce).Sector == out.Sector
}

func (r WheelRules) RunDuration(out Outcome) time.Duration { return r.Spin }

func (r WheelRules) PayoutCoeff(out Outcome, b *Bet) float64 {
	if b.Selection == out.Color {
		return wheelPayouts[b.Selection]
	}
	return 0
}
