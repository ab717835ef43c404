package game

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/games-vector/vector-games-v2-sub001/internal/ledger"
	"github.com/games-vector/vector-games-v2-sub001/internal/metrics"
	"github.com/games-vector/vector-games-v2-sub001/internal/wallet"
)

// Consumer-side views of the redis stores. The concrete types satisfy
// them; tests substitute in-memory fakes.
type roundStore interface {
	NextRoundID(ctx context.Context, gameCode string) (int64, error)
	SaveRound(ctx context.Context, r *Round) error
	Current(ctx context.Context, gameCode string) (*Round, error)
	AdmitBet(ctx context.Context, b *Bet) error
	GetBet(ctx context.Context, gameCode, slotKey string) (*Bet, error)
	UpdateBet(ctx context.Context, b *Bet) error
	Bets(ctx context.Context, gameCode string) ([]Bet, error)
	ClaimCashout(ctx context.Context, gameCode, slotKey string) (bool, error)
	ReleaseCashoutClaim(ctx context.Context, gameCode, slotKey string) error
	CashedOut(ctx context.Context, gameCode, slotKey string) (bool, error)
	Aggregates(ctx context.Context, gameCode string) ([]SelectionAgg, error)
	ClearRound(ctx context.Context, gameCode string) error
}

type pendingQueue interface {
	Enqueue(ctx context.Context, pb *PendingBet) error
	Get(ctx context.Context, gameCode, slotKey string) (*PendingBet, error)
	Remove(ctx context.Context, gameCode, slotKey string) (*PendingBet, error)
	DequeueAll(ctx context.Context, gameCode string) ([]PendingBet, error)
}

type idemStore interface {
	Lookup(ctx context.Context, gameCode, fingerprint string) (*PlaceBetResult, bool, error)
	Store(ctx context.Context, gameCode, fingerprint string, res *PlaceBetResult) error
}

var (
	_ roundStore   = (*RoundStore)(nil)
	_ pendingQueue = (*PendingBetQueue)(nil)
	_ idemStore    = (*IdempotencyStore)(nil)
)

// BetSaga runs the placement sequence: validate, dedupe, debit, record,
// register. Each step is a commit point; a failure after the debit
// triggers the compensating refund instead of leaving money in limbo.
type BetSaga struct {
	rules   Rules
	rounds  roundStore
	pending pendingQueue
	idem    idemStore
	wallet  wallet.Gateway
	ledger  ledger.BetLedger
	bus     Broadcaster
	log     *zap.Logger
}

func NewBetSaga(d Deps) *BetSaga {
	return &BetSaga{
		rules:   d.Rules,
		rounds:  d.Rounds,
		pending: d.Pending,
		idem:    d.Idem,
		wallet:  d.Wallet,
		ledger:  d.Ledger,
		bus:     d.Bus,
		log:     d.Log,
	}
}

// PlaceBet accepts a wager for the current WAITING round, or queues it for
// the next round when no round is accepting. Retried requests with the
// same discriminator replay the stored confirmation and never re-debit.
func (s *BetSaga) PlaceBet(ctx context.Context, req PlaceBetRequest) (*PlaceBetResult, error) {
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		return nil, s.reject("validation", err)
	}
	if err := s.rules.ValidateBet(req.Selection, amount); err != nil {
		return nil, s.reject("validation", err)
	}
	if req.AutoCashout != 0 {
		if !s.rules.SupportsCashout() {
			return nil, s.reject("validation", ErrCashoutUnsupported)
		}
		if req.AutoCashout < MinCoeff+0.01 {
			return nil, s.reject("validation", ErrInvalidAmount)
		}
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	round, err := s.rounds.Current(ctx, s.rules.Code())
	if err != nil {
		return nil, err
	}
	live := round != nil && round.Status == RoundWaiting
	roundScope := "pending"
	var roundID int64
	if live {
		roundID = round.ID
		roundScope = strconv.FormatInt(roundID, 10)
	}

	fp := Fingerprint(s.rules.Code(), req.UserID, req.AgentID, roundScope, amount, req.Selection)
	prev, found, err := s.idem.Lookup(ctx, s.rules.Code(), fp)
	if err != nil {
		s.log.Warn("idempotency lookup failed", zap.Error(err))
	}
	if found {
		return prev, nil
	}

	// cheap duplicate checks before any money moves; the atomic guards at
	// admission remain the authority
	slot := req.UserID + ":" + req.Selection
	if live {
		if _, err := s.rounds.GetBet(ctx, s.rules.Code(), slot); err == nil {
			return nil, s.reject("duplicate", ErrDuplicateBetSlot)
		}
	}
	if _, err := s.pending.Get(ctx, s.rules.Code(), slot); err == nil {
		return nil, s.reject("duplicate", ErrDuplicateBetSlot)
	}

	bet := &Bet{
		PlayerGameID: uuid.NewString(),
		UserID:       req.UserID,
		AgentID:      req.AgentID,
		GameCode:     s.rules.Code(),
		RoundID:      roundID,
		Selection:    req.Selection,
		Amount:       amount,
		Currency:     req.Currency,
		AutoCashout:  req.AutoCashout,
		PlatformTxID: uuid.NewString(),
		Status:       BetPlaced,
		PlacedAt:     time.Now().UTC(),
	}

	// commit point: the debit
	debit, err := s.wallet.PlaceBet(ctx, wallet.PlaceBetRequest{
		AgentID:      bet.AgentID,
		UserID:       bet.UserID,
		Amount:       FormatAmount(amount),
		RoundID:      roundID,
		PlatformTxID: bet.PlatformTxID,
		Currency:     bet.Currency,
		GameCode:     bet.GameCode,
	})
	if err != nil {
		return nil, s.reject("wallet", fmt.Errorf("%w: %v", ErrWalletRejected, err))
	}
	if debit.Status != wallet.StatusOK {
		return nil, s.reject("wallet", fmt.Errorf("%w: status %s", ErrWalletRejected, debit.Status))
	}

	// commit point: the durable record
	if err := s.ledger.CreatePlacement(ctx, betRecord(bet)); err != nil {
		s.refundDebit(ctx, bet, err)
		return nil, s.reject("persistence", ErrBetPlacementFailed)
	}

	// commit point: round entry, or the queue when the round closed under us
	queued := !live
	if live {
		switch err := s.rounds.AdmitBet(ctx, bet); {
		case err == nil:
		case errors.Is(err, ErrBettingClosed):
			queued = true
		case errors.Is(err, ErrDuplicateBetSlot):
			s.refundDebit(ctx, bet, err)
			s.markRefunded(ctx, bet)
			return nil, s.reject("duplicate", ErrDuplicateBetSlot)
		default:
			s.refundDebit(ctx, bet, err)
			s.markRefunded(ctx, bet)
			return nil, s.reject("persistence", ErrBetPlacementFailed)
		}
	}
	if queued {
		bet.RoundID = 0
		pb := &PendingBet{Bet: *bet, EnqueuedAt: time.Now().UTC()}
		if err := s.pending.Enqueue(ctx, pb); err != nil {
			s.refundDebit(ctx, bet, err)
			s.markRefunded(ctx, bet)
			if errors.Is(err, ErrDuplicateBetSlot) {
				return nil, s.reject("duplicate", ErrDuplicateBetSlot)
			}
			return nil, s.reject("persistence", ErrBetPlacementFailed)
		}
		if roundID != 0 {
			// recorded against a round it never joined
			if err := s.ledger.AssignRound(ctx, bet.GameCode, bet.PlatformTxID, 0); err != nil {
				s.log.Warn("pending bet round reset failed",
					zap.String("platform_tx_id", bet.PlatformTxID), zap.Error(err))
			}
		}
	}

	res := &PlaceBetResult{
		PlayerGameID: bet.PlayerGameID,
		RoundID:      bet.RoundID,
		Pending:      queued,
		Amount:       FormatAmount(amount),
		Currency:     bet.Currency,
		Selection:    bet.Selection,
		Balance:      debit.Balance,
	}
	if err := s.idem.Store(ctx, s.rules.Code(), fp, res); err != nil {
		s.log.Warn("idempotency store failed", zap.Error(err))
	}

	metrics.BetsPlaced.WithLabelValues(bet.GameCode).Inc()
	s.log.Info("bet placed",
		zap.String("game", bet.GameCode),
		zap.String("user_id", bet.UserID),
		zap.Int64("round_id", bet.RoundID),
		zap.String("selection", bet.Selection),
		zap.Int64("amount_cents", bet.Amount),
		zap.Bool("pending", queued))

	if !queued {
		s.announceBetList(ctx, bet.GameCode, bet.RoundID)
	}
	s.announceBalance(ctx, bet.UserID, bet.Currency, debit.Balance)
	return res, nil
}

// CancelPending withdraws a queued bet and reverses its debit. The entry
// is removed before the refund so a concurrent replay cannot also admit it.
func (s *BetSaga) CancelPending(ctx context.Context, userID, selection string) (*CancelResult, error) {
	slot := userID + ":" + selection
	pb, err := s.pending.Remove(ctx, s.rules.Code(), slot)
	if err != nil {
		return nil, err
	}
	bet := pb.Bet
	s.refundDebit(ctx, &bet, nil)
	s.markRefunded(ctx, &bet)

	res := &CancelResult{
		PlayerGameID: bet.PlayerGameID,
		Amount:       FormatAmount(bet.Amount),
		Currency:     bet.Currency,
	}
	if bal, err := s.wallet.GetBalance(ctx, bet.AgentID, bet.UserID); err == nil {
		res.Balance = bal.Balance
		s.announceBalance(ctx, bet.UserID, bal.Currency, bal.Balance)
	}
	return res, nil
}

// ReplayPending drains the queue into a freshly opened round. The debit
// already happened for every entry, so replay only re-admits and re-tags;
// an entry that cannot enter is refunded, never retried, and never aborts
// the rest of the batch.
func (s *BetSaga) ReplayPending(ctx context.Context, round *Round) int {
	pbs, err := s.pending.DequeueAll(ctx, round.GameCode)
	if err != nil {
		s.log.Warn("pending drain failed", zap.String("game", round.GameCode), zap.Error(err))
		return 0
	}
	admitted := 0
	for i := range pbs {
		bet := pbs[i].Bet
		bet.RoundID = round.ID
		if err := s.rounds.AdmitBet(ctx, &bet); err != nil {
			s.log.Warn("pending bet replay rejected",
				zap.String("platform_tx_id", bet.PlatformTxID),
				zap.Int64("round_id", round.ID),
				zap.Error(err))
			s.refundDebit(ctx, &bet, err)
			s.markRefunded(ctx, &bet)
			continue
		}
		if err := s.ledger.AssignRound(ctx, bet.GameCode, bet.PlatformTxID, round.ID); err != nil {
			// the bet is in the round; settlement still finds the row by tx id
			s.log.Warn("replayed bet round assignment failed",
				zap.String("platform_tx_id", bet.PlatformTxID), zap.Error(err))
		}
		admitted++
	}
	if admitted > 0 {
		s.announceBetList(ctx, round.GameCode, round.ID)
	}
	return admitted
}

func (s *BetSaga) reject(reason string, err error) error {
	metrics.BetsRejected.WithLabelValues(s.rules.Code(), reason).Inc()
	return err
}

// refundDebit is the compensating transaction: the wallet took the stake
// but the bet could not be kept. A refund that itself fails is the one
// state requiring a human, and is logged accordingly.
func (s *BetSaga) refundDebit(ctx context.Context, bet *Bet, cause error) {
	ref, err := s.wallet.RefundBet(ctx, wallet.RefundRequest{
		AgentID: bet.AgentID,
		UserID:  bet.UserID,
		Transactions: []wallet.RefundTransaction{{
			PlatformTxID: bet.PlatformTxID,
			Amount:       FormatAmount(bet.Amount),
			RoundID:      bet.RoundID,
		}},
	})
	if err == nil && ref.Status != wallet.StatusOK {
		err = fmt.Errorf("refund status %s", ref.Status)
	}
	if err != nil {
		metrics.ManualInterventions.WithLabelValues(bet.GameCode).Inc()
		s.log.Error("MANUAL INTERVENTION REQUIRED: refund failed after placement failure",
			zap.Bool("manual_intervention_required", true),
			zap.String("game", bet.GameCode),
			zap.String("platform_tx_id", bet.PlatformTxID),
			zap.String("user_id", bet.UserID),
			zap.Int64("amount_cents", bet.Amount),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

func (s *BetSaga) markRefunded(ctx context.Context, bet *Bet) {
	if err := s.ledger.UpdateStatus(ctx, bet.GameCode, bet.PlatformTxID, string(BetRefunded)); err != nil {
		s.log.Warn("refund status update failed",
			zap.String("platform_tx_id", bet.PlatformTxID), zap.Error(err))
	}
}

func (s *BetSaga) announceBetList(ctx context.Context, gameCode string, roundID int64) {
	aggs, err := s.rounds.Aggregates(ctx, gameCode)
	if err != nil {
		return
	}
	s.publish(ctx, Event{
		Type:     EventBetListUpdated,
		GameCode: gameCode,
		Data:     BetListData{RoundID: roundID, Aggregates: aggs},
	})
}

func (s *BetSaga) announceBalance(ctx context.Context, userID, currency, balance string) {
	if balance == "" {
		return
	}
	s.publish(ctx, Event{
		Type:     EventBalanceChanged,
		GameCode: s.rules.Code(),
		UserID:   userID,
		Data:     BalanceData{Currency: currency, Balance: balance},
	})
}

func (s *BetSaga) publish(ctx context.Context, ev Event) {
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.Warn("broadcast publish failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

func betRecord(b *Bet) *ledger.BetRecord {
	return &ledger.BetRecord{
		PlayerGameID: b.PlayerGameID,
		PlatformTxID: b.PlatformTxID,
		UserID:       b.UserID,
		AgentID:      b.AgentID,
		GameCode:     b.GameCode,
		RoundID:      b.RoundID,
		Selection:    b.Selection,
		AmountCents:  b.Amount,
		Currency:     b.Currency,
		AutoCashout:  b.AutoCashout,
		Status:       string(BetPlaced),
		PlacedAt:     b.PlacedAt,
	}
}
