package game

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/games-vector/vector-games-v2-sub001/internal/events"
	"github.com/games-vector/vector-games-v2-sub001/internal/ledger"
	"github.com/games-vector/vector-games-v2-sub001/internal/metrics"
)

// seedSource hands the scheduler the pooled client seed for the round it
// is about to open.
type seedSource interface {
	NextRoundSeed(ctx context.Context, gameCode string) (string, error)
}

var _ seedSource = (*SeedStore)(nil)

const (
	// transitionRetry is the backoff between attempts when a round
	// transition fails while we still hold leadership.
	transitionRetry = time.Second
	// minStaleGrace is the floor on how long a round may sit past its
	// transition deadline before a new leader declares it abandoned.
	minStaleGrace = 10 * time.Second
)

// RoundScheduler drives the WAITING -> ACTIVE -> RESOLVED cycle for one
// game. Every instance runs one, but only the lease holder actually
// transitions rounds; the rest keep polling for the lease. All round
// mutations go through save, which refuses to write once the leader token
// has expired.
type RoundScheduler struct {
	rules  Rules
	lease  *LeaderLease
	rounds roundStore
	seeds  seedSource
	saga   *BetSaga
	settle *SettlementEngine
	ledger ledger.BetLedger
	bus    Broadcaster
	feed   events.Publisher
	log    *zap.Logger

	done chan struct{}
}

func NewRoundScheduler(d Deps, saga *BetSaga, settle *SettlementEngine) *RoundScheduler {
	return &RoundScheduler{
		rules:  d.Rules,
		lease:  d.Lease,
		rounds: d.Rounds,
		seeds:  d.Seeds,
		saga:   saga,
		settle: settle,
		ledger: d.Ledger,
		bus:    d.Bus,
		feed:   d.Feed,
		log:    d.Log,
		done:   make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, alternating between campaigning for
// the lease and leading. Call it once, in its own goroutine.
func (sch *RoundScheduler) Run(ctx context.Context) {
	defer close(sch.done)
	poll := sch.lease.TTL() / 3
	for {
		leader, err := sch.lease.TryAcquire(ctx)
		if err != nil && ctx.Err() == nil {
			sch.log.Warn("lease acquire failed",
				zap.String("game", sch.rules.Code()), zap.Error(err))
		}
		if leader != nil {
			sch.lead(ctx, leader)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}

// Done closes once Run has returned and the lease was surrendered.
func (sch *RoundScheduler) Done() <-chan struct{} { return sch.done }

// lead holds leadership: a renewal goroutine keeps the token alive while
// drive runs the round cycle. Whichever stops first stops the other, and
// a healthy exit hands the lease back instead of letting it expire.
func (sch *RoundScheduler) lead(ctx context.Context, leader *Leader) {
	log := sch.log.With(
		zap.String("game", sch.rules.Code()),
		zap.String("instance", leader.InstanceID()))
	log.Info("round leadership acquired")
	metrics.Leader.WithLabelValues(sch.rules.Code()).Set(1)
	defer metrics.Leader.WithLabelValues(sch.rules.Code()).Set(0)

	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		t := time.NewTicker(sch.lease.TTL() / 2)
		defer t.Stop()
		for {
			select {
			case <-leadCtx.Done():
				return
			case <-t.C:
			}
			err := leader.Renew(leadCtx)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrLeadershipLost) || !leader.Valid(time.Now()) {
				if leadCtx.Err() == nil {
					log.Warn("round leadership lost", zap.Error(err))
				}
				cancel()
				return
			}
			// transient renewal error; the token is still inside its
			// deadline, so keep leading and retry at the next tick
			log.Warn("lease renewal error", zap.Error(err))
		}
	}()

	sch.drive(leadCtx, leader)
	cancel()
	<-renewDone

	if leader.Valid(time.Now()) {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := leader.Release(releaseCtx); err != nil {
			log.Warn("lease release failed", zap.Error(err))
		}
		releaseCancel()
	}
	log.Info("round leadership ended")
}

// drive repeats step until leadership or the context ends. A failed
// transition is retried after a fixed backoff; the state re-read at the
// top of each step makes retries safe.
func (sch *RoundScheduler) drive(ctx context.Context, leader *Leader) {
	for ctx.Err() == nil && leader.Check() == nil {
		err := sch.step(ctx, leader)
		if err == nil {
			continue
		}
		if ctx.Err() != nil || errors.Is(err, ErrNotLeader) || errors.Is(err, ErrLeadershipLost) {
			return
		}
		sch.log.Warn("round transition failed, retrying",
			zap.String("game", sch.rules.Code()), zap.Error(err))
		sch.sleep(ctx, transitionRetry)
	}
}

// step reads the authoritative round state and performs the one transition
// it calls for. A fresh WAITING or ACTIVE round found here is one a
// previous leader left mid-flight, and is resumed, not restarted.
func (sch *RoundScheduler) step(ctx context.Context, leader *Leader) error {
	round, err := sch.rounds.Current(ctx, sch.rules.Code())
	if err != nil {
		return err
	}
	switch {
	case round == nil:
		return sch.openRound(ctx, leader)
	case sch.stale(round, time.Now()):
		return sch.forceClose(ctx, leader, round)
	case round.Status == RoundWaiting:
		sch.sleepUntil(ctx, round.NextTransitionAt)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return sch.activate(ctx, leader, round)
	case round.Status == RoundActive:
		return sch.runActive(ctx, leader, round)
	default:
		return sch.finishResolved(ctx, leader, round)
	}
}

// stale reports a round abandoned by a dead leader: still WAITING or
// ACTIVE well past the moment it should have transitioned.
func (sch *RoundScheduler) stale(round *Round, now time.Time) bool {
	if round.Status == RoundResolved {
		return false
	}
	return now.After(round.NextTransitionAt.Add(sch.grace()))
}

func (sch *RoundScheduler) grace() time.Duration {
	g := sch.rules.BettingWindow() + sch.rules.Pause()
	if g < minStaleGrace {
		g = minStaleGrace
	}
	return g
}

// openRound seals the next round: fresh server seed, pooled client seed,
// outcome derived and committed to before a single bet is taken.
func (sch *RoundScheduler) openRound(ctx context.Context, leader *Leader) error {
	if err := leader.Check(); err != nil {
		return err
	}
	code := sch.rules.Code()
	if err := sch.rounds.ClearRound(ctx, code); err != nil {
		return err
	}
	id, err := sch.rounds.NextRoundID(ctx, code)
	if err != nil {
		return err
	}
	clientSeed, err := sch.seeds.NextRoundSeed(ctx, code)
	if err != nil {
		return err
	}
	serverSeed := GenerateSeed()

	now := time.Now().UTC()
	round := &Round{
		ID:               id,
		CorrelationID:    uuid.NewString(),
		GameCode:         code,
		Status:           RoundWaiting,
		Outcome:          sch.rules.Derive(serverSeed, clientSeed, id),
		ServerSeed:       serverSeed,
		HashedServerSeed: HashCommitment(serverSeed),
		ClientSeed:       clientSeed,
		Nonce:            id,
		CurrentCoeff:     MinCoeff,
		CreatedAt:        now,
		NextTransitionAt: now.Add(sch.rules.BettingWindow()),
	}

	if err := sch.ledger.InsertRound(ctx, &ledger.RoundRecord{
		ID:               round.ID,
		GameCode:         code,
		CorrelationID:    round.CorrelationID,
		ServerSeed:       round.ServerSeed,
		HashedServerSeed: round.HashedServerSeed,
		ClientSeed:       round.ClientSeed,
		Nonce:            round.Nonce,
		Status:           string(RoundWaiting),
		CreatedAt:        now,
	}); err != nil {
		return err
	}
	if err := sch.save(ctx, leader, round); err != nil {
		return err
	}

	replayed := sch.saga.ReplayPending(ctx, round)
	sch.log.Info("round opened",
		zap.String("game", code),
		zap.Int64("round_id", id),
		zap.String("commitment", round.HashedServerSeed),
		zap.Int("replayed_bets", replayed))

	sch.announceState(ctx, round)
	sch.publishRoundFeed(ctx, round, nil)
	return nil
}

func (sch *RoundScheduler) activate(ctx context.Context, leader *Leader, round *Round) error {
	now := time.Now().UTC()
	round.Status = RoundActive
	round.ActivatedAt = now
	round.NextTransitionAt = now.Add(sch.rules.RunDuration(round.Outcome))
	if err := sch.save(ctx, leader, round); err != nil {
		return err
	}
	sch.log.Info("round active",
		zap.String("game", round.GameCode), zap.Int64("round_id", round.ID))
	sch.announceState(ctx, round)
	return nil
}

func (sch *RoundScheduler) runActive(ctx context.Context, leader *Leader, round *Round) error {
	if curve, ok := sch.rules.(Curve); ok {
		return sch.runCurve(ctx, leader, round, curve)
	}
	sch.sleepUntil(ctx, round.NextTransitionAt)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return sch.resolve(ctx, leader, round)
}

// runCurve reveals the coefficient tick by tick. The bust check runs
// before the auto-cashout sweep, so a target the curve never strictly
// passed does not pay; those bets fall through to the resolve-time payout
// rule. Elapsed time is measured from ActivatedAt, which lets a new leader
// rejoin the curve mid-round at the right height.
func (sch *RoundScheduler) runCurve(ctx context.Context, leader *Leader, round *Round, curve Curve) error {
	ticker := time.NewTicker(curve.TickEvery())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		coeff := curve.CoeffAt(time.Since(round.ActivatedAt))
		if coeff >= round.Outcome.Coeff {
			return sch.resolve(ctx, leader, round)
		}
		round.CurrentCoeff = coeff
		if err := sch.save(ctx, leader, round); err != nil {
			return err
		}
		sch.publish(ctx, Event{Type: EventCoeffTick, GameCode: round.GameCode,
			Data: TickData{RoundID: round.ID, Coeff: coeff}})
		sch.settle.AutoCashOut(ctx, round, coeff)
	}
}

func (sch *RoundScheduler) resolve(ctx context.Context, leader *Leader, round *Round) error {
	now := time.Now().UTC()
	round.Status = RoundResolved
	if _, ok := sch.rules.(Curve); ok {
		round.CurrentCoeff = round.Outcome.Coeff
	}
	round.ResolvedAt = now
	round.NextTransitionAt = now.Add(sch.rules.Pause())
	round.Settled = false
	if err := sch.save(ctx, leader, round); err != nil {
		return err
	}
	sch.log.Info("round resolved",
		zap.String("game", round.GameCode),
		zap.Int64("round_id", round.ID),
		zap.Any("outcome", round.Outcome))
	metrics.Rounds.WithLabelValues(round.GameCode, "resolved").Inc()
	sch.announceState(ctx, round)
	return sch.finishResolved(ctx, leader, round)
}

// finishResolved completes whatever a RESOLVED round still owes: the
// settlement sweep if it has not run yet, then the pause, then the next
// round. Keeping the sweep here means a leader elected mid-pause finishes
// a predecessor's settlement before anything else happens.
func (sch *RoundScheduler) finishResolved(ctx context.Context, leader *Leader, round *Round) error {
	if !round.Settled {
		if err := sch.completeSettlement(ctx, leader, round); err != nil {
			return err
		}
	}
	sch.sleepUntil(ctx, round.NextTransitionAt)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return sch.openRound(ctx, leader)
}

func (sch *RoundScheduler) completeSettlement(ctx context.Context, leader *Leader, round *Round) error {
	if err := leader.Check(); err != nil {
		return err
	}
	if err := sch.settle.ResolveRound(ctx, round); err != nil {
		return err
	}
	outcome, _ := json.Marshal(round.Outcome)
	err := sch.ledger.ResolveRound(ctx, round.GameCode, round.ID, outcome, round.ServerSeed, round.ResolvedAt)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	round.Settled = true
	if err := sch.save(ctx, leader, round); err != nil {
		return err
	}
	sch.publishRoundFeed(ctx, round, outcome)
	return nil
}

// forceClose voids a round a dead leader abandoned. Open bets are
// refunded, never settled against an outcome nobody watched play out.
func (sch *RoundScheduler) forceClose(ctx context.Context, leader *Leader, round *Round) error {
	if err := leader.Check(); err != nil {
		return err
	}
	sch.log.Warn("force-closing stale round",
		zap.String("game", round.GameCode),
		zap.Int64("round_id", round.ID),
		zap.String("status", string(round.Status)),
		zap.Duration("overdue", time.Since(round.NextTransitionAt)))

	refunded := sch.settle.RefundOpenBets(ctx, round)

	now := time.Now().UTC()
	round.Status = RoundResolved
	round.Voided = true
	round.Settled = true
	round.ResolvedAt = now
	round.NextTransitionAt = now.Add(sch.rules.Pause())
	if err := sch.save(ctx, leader, round); err != nil {
		return err
	}

	outcome, _ := json.Marshal(round.Outcome)
	err := sch.ledger.ResolveRound(ctx, round.GameCode, round.ID, outcome, round.ServerSeed, now)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		sch.log.Warn("void round audit update failed",
			zap.Int64("round_id", round.ID), zap.Error(err))
	}

	metrics.Rounds.WithLabelValues(round.GameCode, "voided").Inc()
	sch.log.Info("stale round voided",
		zap.Int64("round_id", round.ID), zap.Int("refunded_bets", refunded))
	sch.announceState(ctx, round)
	sch.publishRoundFeed(ctx, round, outcome)
	return nil
}

// save is the single write path for round documents. It refuses to write
// once the leader token has expired, which is what keeps two instances
// from both driving the same game.
func (sch *RoundScheduler) save(ctx context.Context, leader *Leader, round *Round) error {
	if err := leader.Check(); err != nil {
		return err
	}
	return sch.rounds.SaveRound(ctx, round)
}

func (sch *RoundScheduler) announceState(ctx context.Context, round *Round) {
	pub := round.Public(time.Now())
	sch.publish(ctx, Event{Type: EventRoundState, GameCode: round.GameCode, Data: pub})
}

func (sch *RoundScheduler) publish(ctx context.Context, ev Event) {
	if err := sch.bus.Publish(ctx, ev); err != nil {
		sch.log.Warn("broadcast publish failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

func (sch *RoundScheduler) publishRoundFeed(ctx context.Context, round *Round, outcome []byte) {
	status := string(round.Status)
	if round.Voided {
		status = "VOIDED"
	}
	err := sch.feed.PublishRound(ctx, events.RoundEvent{
		GameCode:      round.GameCode,
		RoundID:       round.ID,
		CorrelationID: round.CorrelationID,
		Status:        status,
		Outcome:       outcome,
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		sch.log.Warn("round feed publish failed",
			zap.Int64("round_id", round.ID), zap.Error(err))
	}
}

func (sch *RoundScheduler) sleepUntil(ctx context.Context, t time.Time) {
	if d := time.Until(t); d > 0 {
		sch.sleep(ctx, d)
	}
}

func (sch *RoundScheduler) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
