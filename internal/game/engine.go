package game

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/games-vector/vector-games-v2-sub001/internal/events"
	"github.com/games-vector/vector-games-v2-sub001/internal/ledger"
	"github.com/games-vector/vector-games-v2-sub001/internal/wallet"
)

// Deps bundles everything one game's components share. One Deps value
// wires a saga, a settlement engine and a scheduler to the same stores.
type Deps struct {
	Rules   Rules
	Lease   *LeaderLease
	Rounds  *RoundStore
	Pending *PendingBetQueue
	Idem    *IdempotencyStore
	Seeds   *SeedStore
	Wallet  wallet.Gateway
	Ledger  ledger.BetLedger
	Bus     Broadcaster
	Feed    events.Publisher
	Log     *zap.Logger
}

// Engine is one game: its rules, its bet saga, its settlement engine and
// the scheduler competing to drive its rounds. The HTTP and websocket
// layers only ever talk to an Engine.
type Engine struct {
	rules     Rules
	saga      *BetSaga
	settle    *SettlementEngine
	scheduler *RoundScheduler
	rounds    roundStore
	pending   pendingQueue
	seeds     *SeedStore
	wallet    wallet.Gateway
	ledger    ledger.BetLedger
	log       *zap.Logger

	cancel context.CancelFunc
}

func NewEngine(d Deps) *Engine {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	saga := NewBetSaga(d)
	settle := NewSettlementEngine(d)
	e := &Engine{
		rules:     d.Rules,
		saga:      saga,
		settle:    settle,
		scheduler: NewRoundScheduler(d, saga, settle),
		rounds:    d.Rounds,
		seeds:     d.Seeds,
		wallet:    d.Wallet,
		ledger:    d.Ledger,
		log:       d.Log,
	}
	if d.Pending != nil {
		e.pending = d.Pending
	}
	return e
}

func (e *Engine) Code() string          { return e.rules.Code() }
func (e *Engine) SupportsCashout() bool { return e.rules.SupportsCashout() }

// Start launches the scheduler's election loop in its own goroutine.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.scheduler.Run(runCtx)
	e.log.Info("game engine started", zap.String("game", e.rules.Code()))
}

// Stop cancels the scheduler and waits until it has surrendered the lease
// (or ctx gives up waiting).
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	select {
	case <-e.scheduler.Done():
		e.log.Info("game engine stopped", zap.String("game", e.rules.Code()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) PlaceBet(ctx context.Context, req PlaceBetRequest) (*PlaceBetResult, error) {
	req.GameCode = e.rules.Code()
	return e.saga.PlaceBet(ctx, req)
}

func (e *Engine) CashOut(ctx context.Context, userID, playerGameID string) (*CashoutResult, error) {
	return e.settle.CashOut(ctx, userID, playerGameID)
}

func (e *Engine) CancelPending(ctx context.Context, userID, selection string) (*CancelResult, error) {
	return e.saga.CancelPending(ctx, userID, selection)
}

// StateSnapshot is the read model a client needs to draw the table:
// the public round plus per-selection totals and the caller's own bets.
type StateSnapshot struct {
	Round      *PublicRound   `json:"round"`
	Aggregates []SelectionAgg `json:"aggregates"`
	MyBets     []Bet          `json:"my_bets,omitempty"`
	MyPending  []PendingBet   `json:"my_pending,omitempty"`
}

// State assembles the snapshot. userID may be empty for an anonymous
// spectator; their own bets are simply omitted.
func (e *Engine) State(ctx context.Context, userID string) (*StateSnapshot, error) {
	snap := &StateSnapshot{}
	round, err := e.rounds.Current(ctx, e.rules.Code())
	if err != nil {
		return nil, err
	}
	if round != nil {
		pub := round.Public(time.Now())
		snap.Round = &pub

		aggs, err := e.rounds.Aggregates(ctx, e.rules.Code())
		if err != nil {
			return nil, err
		}
		snap.Aggregates = aggs

		if userID != "" {
			bets, err := e.rounds.Bets(ctx, e.rules.Code())
			if err != nil {
				return nil, err
			}
			for _, b := range bets {
				if b.UserID == userID {
					snap.MyBets = append(snap.MyBets, b)
				}
			}
		}
	}
	// queued bets exist precisely when no round is accepting, so this
	// lookup does not depend on a round being present
	if userID != "" && e.pending != nil {
		for _, sel := range e.rules.Selections() {
			if pb, err := e.pending.Get(ctx, e.rules.Code(), userID+":"+sel); err == nil {
				snap.MyPending = append(snap.MyPending, *pb)
			}
		}
	}
	return snap, nil
}

// SeedInfo is the fairness view for one player: their pooled client seed
// contribution, if any, alongside the commitment of the round in play.
type SeedInfo struct {
	ClientSeed       string     `json:"client_seed,omitempty"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
	RoundID          int64      `json:"round_id,omitempty"`
	HashedServerSeed string     `json:"hashed_server_seed,omitempty"`
	RoundClientSeed  string     `json:"round_client_seed,omitempty"`
	Nonce            int64      `json:"nonce,omitempty"`
}

func (e *Engine) SeedInfo(ctx context.Context, userID string) (*SeedInfo, error) {
	info := &SeedInfo{}
	contrib, found, err := e.seeds.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if found {
		info.ClientSeed = contrib.ClientSeed
		info.UpdatedAt = &contrib.UpdatedAt
	}
	round, err := e.rounds.Current(ctx, e.rules.Code())
	if err != nil {
		return nil, err
	}
	if round != nil {
		info.RoundID = round.ID
		info.HashedServerSeed = round.HashedServerSeed
		info.RoundClientSeed = round.ClientSeed
		info.Nonce = round.Nonce
	}
	return info, nil
}

// SetClientSeed records the player's seed for the pool the next round
// drains. Empty input gets a random seed.
func (e *Engine) SetClientSeed(ctx context.Context, userID, seed string) (Contribution, error) {
	return e.seeds.SetClientSeed(ctx, e.rules.Code(), userID, seed)
}

// RoundSummary is the public round history entry. Seeds stay hidden until
// the round they signed is resolved.
type RoundSummary struct {
	RoundID          int64           `json:"round_id"`
	Status           string          `json:"status"`
	HashedServerSeed string          `json:"hashed_server_seed"`
	ClientSeed       string          `json:"client_seed"`
	Nonce            int64           `json:"nonce"`
	ServerSeed       string          `json:"server_seed,omitempty"`
	Outcome          json.RawMessage `json:"outcome,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
}

func (e *Engine) RoundHistory(ctx context.Context, limit int) ([]RoundSummary, error) {
	records, err := e.ledger.ListRounds(ctx, e.rules.Code(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]RoundSummary, 0, len(records))
	for i := range records {
		out = append(out, roundSummary(&records[i]))
	}
	return out, nil
}

func roundSummary(r *ledger.RoundRecord) RoundSummary {
	s := RoundSummary{
		RoundID:          r.ID,
		Status:           r.Status,
		HashedServerSeed: r.HashedServerSeed,
		ClientSeed:       r.ClientSeed,
		Nonce:            r.Nonce,
		CreatedAt:        r.CreatedAt,
	}
	if r.Status == string(RoundResolved) {
		s.ServerSeed = r.ServerSeed
		s.Outcome = r.Outcome
	}
	if r.ResolvedAt.Valid {
		t := r.ResolvedAt.Time
		s.ResolvedAt = &t
	}
	return s
}

// BetHistoryItem is one row of a player's bet history.
type BetHistoryItem struct {
	PlayerGameID string     `json:"player_game_id"`
	RoundID      int64      `json:"round_id,omitempty"`
	Selection    string     `json:"selection"`
	Amount       string     `json:"amount"`
	Currency     string     `json:"currency"`
	AutoCashout  float64    `json:"auto_cashout,omitempty"`
	Status       string     `json:"status"`
	WinAmount    string     `json:"win_amount,omitempty"`
	CashedOutAt  float64    `json:"cashed_out_at,omitempty"`
	PlacedAt     time.Time  `json:"placed_at"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
}

func (e *Engine) UserBets(ctx context.Context, userID string, limit int) ([]BetHistoryItem, error) {
	records, err := e.ledger.ListUserBets(ctx, e.rules.Code(), userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]BetHistoryItem, 0, len(records))
	for i := range records {
		r := &records[i]
		item := BetHistoryItem{
			PlayerGameID: r.PlayerGameID,
			RoundID:      r.RoundID,
			Selection:    r.Selection,
			Amount:       FormatAmount(r.AmountCents),
			Currency:     r.Currency,
			AutoCashout:  r.AutoCashout,
			Status:       r.Status,
			CashedOutAt:  r.CashedOutAt,
			PlacedAt:     r.PlacedAt,
		}
		if r.WinCents > 0 {
			item.WinAmount = FormatAmount(r.WinCents)
		}
		if r.SettledAt.Valid {
			t := r.SettledAt.Time
			item.SettledAt = &t
		}
		out = append(out, item)
	}
	return out, nil
}

// VerifyResult is the provable-fairness check for a resolved round: the
// revealed seeds, the recomputed outcome and whether everything matches.
type VerifyResult struct {
	RoundID          int64   `json:"round_id"`
	Valid            bool    `json:"valid"`
	ServerSeed       string  `json:"server_seed"`
	HashedServerSeed string  `json:"hashed_server_seed"`
	ClientSeed       string  `json:"client_seed"`
	Nonce            int64   `json:"nonce"`
	Outcome          Outcome `json:"outcome"`
}

// VerifyRound recomputes a resolved round's outcome from its revealed
// seeds and checks both the commitment and the recorded result.
func (e *Engine) VerifyRound(ctx context.Context, roundID int64) (*VerifyResult, error) {
	record, err := e.ledger.GetRound(ctx, e.rules.Code(), roundID)
	if err != nil {
		return nil, err
	}
	if record.Status != string(RoundResolved) {
		return nil, ErrRoundNotResolved
	}

	derived := e.rules.Derive(record.ServerSeed, record.ClientSeed, record.Nonce)
	valid := HashCommitment(record.ServerSeed) == record.HashedServerSeed
	if valid && len(record.Outcome) > 0 {
		var stored Outcome
		if err := json.Unmarshal(record.Outcome, &stored); err == nil {
			valid = e.rules.Verify(record.ServerSeed, record.ClientSeed, record.Nonce, stored)
		}
	}

	return &VerifyResult{
		RoundID:          record.ID,
		Valid:            valid,
		ServerSeed:       record.ServerSeed,
		HashedServerSeed: record.HashedServerSeed,
		ClientSeed:       record.ClientSeed,
		Nonce:            record.Nonce,
		Outcome:          derived,
	}, nil
}

// Balance proxies the wallet's balance lookup for the session endpoints.
func (e *Engine) Balance(ctx context.Context, agentID, userID string) (*wallet.Balance, error) {
	return e.wallet.GetBalance(ctx, agentID, userID)
}

// Registry holds the engines this instance serves, keyed by game code.
type Registry struct {
	engines map[string]*Engine
	log     *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{engines: make(map[string]*Engine), log: log}
}

func (r *Registry) Register(e *Engine) {
	r.engines[e.Code()] = e
}

func (r *Registry) Get(code string) (*Engine, bool) {
	e, ok := r.engines[code]
	return e, ok
}

// Codes lists the registered games in stable order.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.engines))
	for code := range r.engines {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func (r *Registry) StartAll(ctx context.Context) {
	for _, code := range r.Codes() {
		r.engines[code].Start(ctx)
	}
}

func (r *Registry) StopAll(ctx context.Context) {
	for _, code := range r.Codes() {
		if err := r.engines[code].Stop(ctx); err != nil {
			r.log.Warn("engine stop timed out",
				zap.String("game", code), zap.Error(err))
		}
	}
}
