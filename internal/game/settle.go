package game

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/games-vector/vector-games-v2-sub001/internal/events"
	"github.com/games-vector/vector-games-v2-sub001/internal/ledger"
	"github.com/games-vector/vector-games-v2-sub001/internal/metrics"
	"github.com/games-vector/vector-games-v2-sub001/internal/wallet"
)

// SettlementEngine turns outcomes into money movements: mid-round
// cash-outs while a crash round runs, and the batch resolution of every
// still-open bet when a round ends. Each bet leaves PLACED exactly once;
// the ledger's conditional flip is the guard, the redis claim set the
// fast path.
type SettlementEngine struct {
	rules  Rules
	rounds roundStore
	wallet wallet.Gateway
	ledger ledger.BetLedger
	bus    Broadcaster
	feed   events.Publisher
	log    *zap.Logger
}

func NewSettlementEngine(d Deps) *SettlementEngine {
	return &SettlementEngine{
		rules:  d.Rules,
		rounds: d.Rounds,
		wallet: d.Wallet,
		ledger: d.Ledger,
		bus:    d.Bus,
		feed:   d.Feed,
		log:    d.Log,
	}
}

type fairnessProof struct {
	ServerSeed       string `json:"server_seed,omitempty"`
	HashedServerSeed string `json:"hashed_server_seed"`
	ClientSeed       string `json:"client_seed"`
	Nonce            int64  `json:"nonce"`
}

// CashOut settles one bet at the coefficient revealed so far. Permitted
// only while the round is ACTIVE and only for games that support it.
func (e *SettlementEngine) CashOut(ctx context.Context, userID, playerGameID string) (*CashoutResult, error) {
	if !e.rules.SupportsCashout() {
		return nil, ErrCashoutUnsupported
	}
	round, err := e.rounds.Current(ctx, e.rules.Code())
	if err != nil {
		return nil, err
	}
	if round == nil {
		return nil, ErrNoRound
	}
	if round.Status != RoundActive {
		return nil, ErrRoundNotActive
	}

	bets, err := e.rounds.Bets(ctx, e.rules.Code())
	if err != nil {
		return nil, err
	}
	var bet *Bet
	for i := range bets {
		if bets[i].PlayerGameID == playerGameID && bets[i].UserID == userID {
			bet = &bets[i]
			break
		}
	}
	if bet == nil {
		return nil, ErrBetNotFound
	}
	if bet.Status != BetPlaced {
		return nil, ErrAlreadySettled
	}

	coeff := RoundCoeff(round.CurrentCoeff)
	if coeff < MinCoeff {
		coeff = MinCoeff
	}
	res, err := e.cashOutBet(ctx, round, bet, coeff)
	if err == nil {
		metrics.Cashouts.WithLabelValues(bet.GameCode, "manual").Inc()
	}
	return res, err
}

// cashOutBet is shared by player cash-outs and the scheduler's
// auto-cashout sweep. The redis claim makes the payout exactly-once even
// when a player and their auto target race.
func (e *SettlementEngine) cashOutBet(ctx context.Context, round *Round, bet *Bet, coeff float64) (*CashoutResult, error) {
	claimed, err := e.rounds.ClaimCashout(ctx, bet.GameCode, bet.SlotKey())
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrAlreadySettled
	}

	win := WinAmount(bet.Amount, coeff)
	proof, _ := json.Marshal(fairnessProof{
		HashedServerSeed: round.HashedServerSeed,
		ClientSeed:       round.ClientSeed,
		Nonce:            round.Nonce,
	})
	now := time.Now().UTC()

	err = e.ledger.RecordSettlement(ctx, bet.GameCode, bet.PlatformTxID, ledger.Settlement{
		Status:      string(BetWon),
		WinCents:    win,
		CashedOutAt: coeff,
		Proof:       proof,
		SettledAt:   now,
	})
	switch {
	case errors.Is(err, ledger.ErrAlreadySettled):
		return nil, ErrAlreadySettled
	case err != nil:
		// let the round-end pass settle it instead
		if rerr := e.rounds.ReleaseCashoutClaim(ctx, bet.GameCode, bet.SlotKey()); rerr != nil {
			e.log.Warn("cashout claim release failed",
				zap.String("platform_tx_id", bet.PlatformTxID), zap.Error(rerr))
		}
		return nil, err
	}

	credit, err := e.wallet.SettleBet(ctx, wallet.SettleBetRequest{
		AgentID:      bet.AgentID,
		UserID:       bet.UserID,
		PlatformTxID: bet.PlatformTxID,
		WinAmount:    FormatAmount(win),
		RoundID:      round.ID,
		BetAmount:    FormatAmount(bet.Amount),
		GameCode:     bet.GameCode,
	})
	if err == nil && credit.Status != wallet.StatusOK {
		err = errors.New("settle status " + credit.Status)
	}
	if err != nil {
		// the ledger already says WON; pay-out needs an operator
		metrics.ManualInterventions.WithLabelValues(bet.GameCode).Inc()
		e.log.Error("MANUAL INTERVENTION REQUIRED: cashout credit failed after settlement recorded",
			zap.Bool("manual_intervention_required", true),
			zap.String("platform_tx_id", bet.PlatformTxID),
			zap.String("user_id", bet.UserID),
			zap.Int64("win_cents", win),
			zap.Error(err))
	}

	bet.Status = BetWon
	bet.CashedOutAt = coeff
	bet.WinAmount = win
	if uerr := e.rounds.UpdateBet(ctx, bet); uerr != nil {
		e.log.Warn("cashout bet snapshot update failed", zap.Error(uerr))
	}
	metrics.BetsSettled.WithLabelValues(bet.GameCode, string(BetWon)).Inc()

	e.log.Info("bet cashed out",
		zap.String("game", bet.GameCode),
		zap.Int64("round_id", round.ID),
		zap.String("user_id", bet.UserID),
		zap.Float64("coeff", coeff),
		zap.Int64("win_cents", win))

	e.publish(ctx, Event{Type: EventCashout, GameCode: bet.GameCode, Data: CashoutData{
		PlayerGameID: bet.PlayerGameID,
		UserID:       bet.UserID,
		Selection:    bet.Selection,
		Coeff:        coeff,
		WinAmount:    FormatAmount(win),
	}})
	if credit.Balance != "" {
		e.publish(ctx, Event{Type: EventBalanceChanged, GameCode: bet.GameCode, UserID: bet.UserID,
			Data: BalanceData{Currency: bet.Currency, Balance: credit.Balance}})
	}
	e.publishFeed(ctx, round, bet, coeff, now)

	return &CashoutResult{
		PlayerGameID: bet.PlayerGameID,
		Coeff:        coeff,
		WinAmount:    FormatAmount(win),
		Balance:      credit.Balance,
	}, nil
}

// AutoCashOut sweeps the open bets whose target the revealed coefficient
// has reached, paying each at its own target. Bets already claimed are
// skipped silently.
func (e *SettlementEngine) AutoCashOut(ctx context.Context, round *Round, coeff float64) {
	bets, err := e.rounds.Bets(ctx, round.GameCode)
	if err != nil {
		return
	}
	for i := range bets {
		bet := &bets[i]
		if bet.Status != BetPlaced || bet.AutoCashout <= 0 || coeff < bet.AutoCashout {
			continue
		}
		payAt := RoundCoeff(bet.AutoCashout)
		switch _, err := e.cashOutBet(ctx, round, bet, payAt); {
		case err == nil:
			metrics.Cashouts.WithLabelValues(bet.GameCode, "auto").Inc()
		case !errors.Is(err, ErrAlreadySettled):
			e.log.Warn("auto cashout failed",
				zap.String("platform_tx_id", bet.PlatformTxID), zap.Error(err))
		}
	}
}

// ResolveRound settles every bet still open when the outcome goes public.
// Individual failures never abort the batch.
func (e *SettlementEngine) ResolveRound(ctx context.Context, round *Round) error {
	bets, err := e.rounds.Bets(ctx, round.GameCode)
	if err != nil {
		return err
	}
	outcome, _ := json.Marshal(round.Outcome)
	proof, _ := json.Marshal(fairnessProof{
		ServerSeed:       round.ServerSeed,
		HashedServerSeed: round.HashedServerSeed,
		ClientSeed:       round.ClientSeed,
		Nonce:            round.Nonce,
	})
	now := time.Now().UTC()

	var feed []events.SettlementEvent
	won, lost := 0, 0
	for i := range bets {
		bet := &bets[i]
		if bet.Status != BetPlaced {
			continue
		}
		if cashed, err := e.rounds.CashedOut(ctx, round.GameCode, bet.SlotKey()); err == nil && cashed {
			continue // paid mid-round, settlement already recorded
		}

		coeff := e.rules.PayoutCoeff(round.Outcome, bet)
		win := int64(0)
		status := BetLost
		if coeff > 0 {
			win = WinAmount(bet.Amount, coeff)
			status = BetWon
		}

		err := e.ledger.RecordSettlement(ctx, bet.GameCode, bet.PlatformTxID, ledger.Settlement{
			Status:      string(status),
			WinCents:    win,
			CashedOutAt: coeff,
			Outcome:     outcome,
			Proof:       proof,
			SettledAt:   now,
		})
		switch {
		case errors.Is(err, ledger.ErrAlreadySettled):
			e.log.Info("settlement skipped, bet already settled",
				zap.String("platform_tx_id", bet.PlatformTxID))
			continue
		case err != nil:
			e.log.Error("settlement record failed",
				zap.String("platform_tx_id", bet.PlatformTxID), zap.Error(err))
			continue
		}

		credit, err := e.wallet.SettleBet(ctx, wallet.SettleBetRequest{
			AgentID:      bet.AgentID,
			UserID:       bet.UserID,
			PlatformTxID: bet.PlatformTxID,
			WinAmount:    FormatAmount(win),
			RoundID:      round.ID,
			BetAmount:    FormatAmount(bet.Amount),
			GameCode:     bet.GameCode,
		})
		if err == nil && credit.Status != wallet.StatusOK {
			err = errors.New("settle status " + credit.Status)
		}
		if err != nil {
			if win > 0 {
				metrics.ManualInterventions.WithLabelValues(bet.GameCode).Inc()
				e.log.Error("MANUAL INTERVENTION REQUIRED: settlement credit failed after record",
					zap.Bool("manual_intervention_required", true),
					zap.String("platform_tx_id", bet.PlatformTxID),
					zap.String("user_id", bet.UserID),
					zap.Int64("win_cents", win),
					zap.Error(err))
			} else {
				e.log.Warn("zero-win settle call failed",
					zap.String("platform_tx_id", bet.PlatformTxID), zap.Error(err))
			}
		} else if win > 0 && credit.Balance != "" {
			e.publish(ctx, Event{Type: EventBalanceChanged, GameCode: bet.GameCode, UserID: bet.UserID,
				Data: BalanceData{Currency: bet.Currency, Balance: credit.Balance}})
		}

		bet.Status = status
		bet.WinAmount = win
		bet.CashedOutAt = coeff
		if uerr := e.rounds.UpdateBet(ctx, bet); uerr != nil {
			e.log.Warn("settled bet snapshot update failed", zap.Error(uerr))
		}
		metrics.BetsSettled.WithLabelValues(bet.GameCode, string(status)).Inc()

		if status == BetWon {
			won++
		} else {
			lost++
		}
		feed = append(feed, events.SettlementEvent{
			GameCode:     bet.GameCode,
			RoundID:      round.ID,
			PlayerGameID: bet.PlayerGameID,
			PlatformTxID: bet.PlatformTxID,
			UserID:       bet.UserID,
			AgentID:      bet.AgentID,
			Status:       string(status),
			AmountCents:  bet.Amount,
			WinCents:     win,
			Coeff:        coeff,
			SettledAt:    now,
		})
	}

	if len(feed) > 0 {
		if err := e.feed.PublishSettlements(ctx, feed...); err != nil {
			e.log.Warn("settlement feed publish failed", zap.Error(err))
		}
	}
	e.log.Info("round settled",
		zap.String("game", round.GameCode),
		zap.Int64("round_id", round.ID),
		zap.Int("won", won),
		zap.Int("lost", lost))
	return nil
}

// RefundOpenBets voids every bet still open in a round a dead leader left
// behind. The flip to REFUNDED uses the same conditional guard as a
// settlement, so a bet that did settle keeps its result.
func (e *SettlementEngine) RefundOpenBets(ctx context.Context, round *Round) int {
	bets, err := e.rounds.Bets(ctx, round.GameCode)
	if err != nil {
		e.log.Warn("refund sweep could not load bets", zap.Error(err))
		return 0
	}
	now := time.Now().UTC()
	refunded := 0
	for i := range bets {
		bet := &bets[i]
		if bet.Status != BetPlaced {
			continue
		}
		err := e.ledger.RecordSettlement(ctx, bet.GameCode, bet.PlatformTxID, ledger.Settlement{
			Status:    string(BetRefunded),
			SettledAt: now,
		})
		switch {
		case errors.Is(err, ledger.ErrAlreadySettled):
			continue
		case err != nil:
			e.log.Error("refund record failed",
				zap.String("platform_tx_id", bet.PlatformTxID), zap.Error(err))
			continue
		}

		ref, err := e.wallet.RefundBet(ctx, wallet.RefundRequest{
			AgentID: bet.AgentID,
			UserID:  bet.UserID,
			Transactions: []wallet.RefundTransaction{{
				PlatformTxID: bet.PlatformTxID,
				Amount:       FormatAmount(bet.Amount),
				RoundID:      round.ID,
			}},
		})
		if err == nil && ref.Status != wallet.StatusOK {
			err = errors.New("refund status " + ref.Status)
		}
		if err != nil {
			metrics.ManualInterventions.WithLabelValues(bet.GameCode).Inc()
			e.log.Error("MANUAL INTERVENTION REQUIRED: void refund failed",
				zap.Bool("manual_intervention_required", true),
				zap.String("platform_tx_id", bet.PlatformTxID),
				zap.String("user_id", bet.UserID),
				zap.Int64("amount_cents", bet.Amount),
				zap.Error(err))
			continue
		}

		bet.Status = BetRefunded
		if uerr := e.rounds.UpdateBet(ctx, bet); uerr != nil {
			e.log.Warn("refunded bet snapshot update failed", zap.Error(uerr))
		}
		metrics.BetsSettled.WithLabelValues(bet.GameCode, string(BetRefunded)).Inc()
		refunded++
	}
	return refunded
}

func (e *SettlementEngine) publish(ctx context.Context, ev Event) {
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.log.Warn("broadcast publish failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

func (e *SettlementEngine) publishFeed(ctx context.Context, round *Round, bet *Bet, coeff float64, at time.Time) {
	err := e.feed.PublishSettlements(ctx, events.SettlementEvent{
		GameCode:     bet.GameCode,
		RoundID:      round.ID,
		PlayerGameID: bet.PlayerGameID,
		PlatformTxID: bet.PlatformTxID,
		UserID:       bet.UserID,
		AgentID:      bet.AgentID,
		Status:       string(BetWon),
		AmountCents:  bet.Amount,
		WinCents:     bet.WinAmount,
		Coeff:        coeff,
		SettledAt:    at,
	})
	if err != nil {
		e.log.Warn("settlement feed publish failed", zap.Error(err))
	}
}
