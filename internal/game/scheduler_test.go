package game

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/games-vector/vector-games-v2-sub001/internal/ledger"
)

// fastCrashRules keeps the scheduler loops in the millisecond range.
func fastCrashRules() CrashRules {
	return CrashRules{
		Betting: 10 * time.Millisecond,
		Tick:    time.Millisecond,
		Break:   time.Millisecond,
		MinBet:  100,
		MaxBet:  1000000,
		Edge:    0.01,
		Ceiling: MaxCoeff,
	}
}

func newTestScheduler(rules Rules, fr *fakeRounds, fp *fakePending, fw *fakeWallet, fl *fakeLedger, fb *fakeBus, ff *fakeFeed) *RoundScheduler {
	return &RoundScheduler{
		rules:  rules,
		rounds: fr,
		seeds:  &fakeSeeds{},
		saga:   newTestSaga(rules, fr, fp, newFakeIdem(), fw, fl, fb),
		settle: newTestSettle(rules, fr, fw, fl, fb, ff),
		ledger: fl,
		bus:    fb,
		feed:   ff,
		log:    zap.NewNop(),
		done:   make(chan struct{}),
	}
}

func TestSchedulerStale(t *testing.T) {
	sch := &RoundScheduler{rules: DefaultCrashRules()} // grace floors at 10s
	now := time.Now()

	tests := []struct {
		name   string
		status RoundStatus
		overBy time.Duration
		want   bool
	}{
		{name: "Waiting on schedule", status: RoundWaiting, overBy: -time.Second, want: false},
		{name: "Waiting inside grace", status: RoundWaiting, overBy: 9 * time.Second, want: false},
		{name: "Waiting past grace", status: RoundWaiting, overBy: 11 * time.Second, want: true},
		{name: "Active past grace", status: RoundActive, overBy: 11 * time.Second, want: true},
		{name: "Resolved is never stale", status: RoundResolved, overBy: time.Hour, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Round{Status: tt.status, NextTransitionAt: now.Add(-tt.overBy)}
			if got := sch.stale(r, now); got != tt.want {
				t.Errorf("stale() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSchedulerGrace(t *testing.T) {
	crash := &RoundScheduler{rules: DefaultCrashRules()}
	if got := crash.grace(); got != 10*time.Second {
		t.Errorf("crash grace = %v, want the 10s floor", got)
	}
	wheel := &RoundScheduler{rules: DefaultWheelRules()}
	if got := wheel.grace(); got != 18*time.Second {
		t.Errorf("wheel grace = %v, want betting+pause = 18s", got)
	}
}

func TestOpenRound(t *testing.T) {
	rules := DefaultCrashRules()
	fr := newFakeRounds()
	fp := newFakePending()
	fw := &fakeWallet{}
	fl := newFakeLedger()
	fb := &fakeBus{}
	ff := &fakeFeed{}
	sch := newTestScheduler(rules, fr, fp, fw, fl, fb, ff)

	// a bet queued before any round existed; the open must replay it
	queued := Bet{
		PlayerGameID: "pg-q", PlatformTxID: "tx-q", UserID: "u9", AgentID: "a",
		GameCode: GameCrash, Selection: "1", Amount: 500, Currency: "USD",
		Status: BetPlaced, PlacedAt: time.Now().UTC(),
	}
	fp.items[queued.SlotKey()] = PendingBet{Bet: queued, EnqueuedAt: time.Now().UTC()}
	fl.bets[queued.PlatformTxID] = &ledger.BetRecord{
		PlatformTxID: queued.PlatformTxID, UserID: queued.UserID,
		GameCode: GameCrash, Status: string(BetPlaced), PlacedAt: queued.PlacedAt,
	}

	if err := sch.openRound(context.Background(), testLeader(GameCrash)); err != nil {
		t.Fatalf("openRound() error = %v", err)
	}

	round := fr.round
	if round == nil {
		t.Fatal("no round saved")
	}
	if round.Status != RoundWaiting || round.ID != 1 || round.Nonce != 1 {
		t.Errorf("round = %+v", round)
	}
	if round.HashedServerSeed != HashCommitment(round.ServerSeed) {
		t.Error("commitment does not match the server seed")
	}
	want := rules.Derive(round.ServerSeed, round.ClientSeed, round.ID)
	if round.Outcome != want {
		t.Errorf("outcome = %+v, want %+v (sealed at open)", round.Outcome, want)
	}
	if fr.cleared != 1 {
		t.Errorf("ClearRound calls = %d, want 1", fr.cleared)
	}

	if rec, ok := fl.rounds[1]; !ok || rec.ServerSeed != round.ServerSeed {
		t.Error("round audit row missing or without the server seed")
	}

	b, err := fr.GetBet(context.Background(), GameCrash, "u9:1")
	if err != nil || b.RoundID != 1 {
		t.Errorf("queued bet not replayed into the round: %+v, err %v", b, err)
	}
	if got := fl.record("tx-q"); got.RoundID != 1 {
		t.Errorf("replayed bet round tag = %d, want 1", got.RoundID)
	}

	if got := fb.byType(EventRoundState); len(got) != 1 {
		t.Errorf("round_state events = %d, want 1", len(got))
	}
	if len(ff.rounds) != 1 || ff.rounds[0].Status != string(RoundWaiting) {
		t.Errorf("round feed = %+v, want one WAITING event", ff.rounds)
	}
}

func TestOpenRound_NotLeader(t *testing.T) {
	fr := newFakeRounds()
	sch := newTestScheduler(DefaultCrashRules(), fr, newFakePending(), &fakeWallet{}, newFakeLedger(), &fakeBus{}, &fakeFeed{})

	expired := &Leader{lease: &LeaderLease{gameCode: GameCrash, instanceID: "test", ttl: time.Minute}}
	if err := sch.openRound(context.Background(), expired); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("openRound() error = %v, want ErrNotLeader", err)
	}
	if fr.round != nil || fr.cleared != 0 {
		t.Error("an expired leader must not touch round state")
	}
}

func TestForceClose(t *testing.T) {
	fr := newFakeRounds()
	fw := &fakeWallet{}
	fl := newFakeLedger()
	ff := &fakeFeed{}
	sch := newTestScheduler(DefaultCrashRules(), fr, newFakePending(), fw, fl, &fakeBus{}, ff)

	round := activeRound(5, GameCrash, 1.40)
	round.NextTransitionAt = time.Now().Add(-time.Minute)
	fr.round = round
	bet := seedBet(fr, fl, GameCrash, "u1", "1", 1000, 0)
	fl.rounds[5] = &ledger.RoundRecord{ID: 5, GameCode: GameCrash, Status: string(RoundWaiting)}

	if err := sch.forceClose(context.Background(), testLeader(GameCrash), round); err != nil {
		t.Fatalf("forceClose() error = %v", err)
	}

	saved := fr.round
	if saved.Status != RoundResolved || !saved.Voided || !saved.Settled {
		t.Errorf("saved round = %+v, want RESOLVED, voided and settled", saved)
	}
	if fw.refundCount() != 1 {
		t.Errorf("refunds = %d, want 1", fw.refundCount())
	}
	if rec := fl.record(bet.PlatformTxID); rec.Status != string(BetRefunded) {
		t.Errorf("bet status = %s, want REFUNDED", rec.Status)
	}
	if len(ff.rounds) != 1 || ff.rounds[0].Status != "VOIDED" {
		t.Errorf("round feed = %+v, want one VOIDED event", ff.rounds)
	}
	if fl.rounds[5].Status != "RESOLVED" {
		t.Error("audit row not closed")
	}
}

func TestCompleteSettlement(t *testing.T) {
	fr := newFakeRounds()
	fw := &fakeWallet{}
	fl := newFakeLedger()
	ff := &fakeFeed{}
	sch := newTestScheduler(DefaultCrashRules(), fr, newFakePending(), fw, fl, &fakeBus{}, ff)

	round := activeRound(3, GameCrash, 1.37)
	round.Status = RoundResolved
	round.ServerSeed = "revealed"
	round.Outcome = Outcome{Coeff: 1.37}
	round.ResolvedAt = time.Now().UTC()
	fr.round = round
	bet := seedBet(fr, fl, GameCrash, "u1", "1", 1000, 0)
	fl.rounds[3] = &ledger.RoundRecord{ID: 3, GameCode: GameCrash, Status: string(RoundWaiting)}

	if err := sch.completeSettlement(context.Background(), testLeader(GameCrash), round); err != nil {
		t.Fatalf("completeSettlement() error = %v", err)
	}

	if !fr.round.Settled {
		t.Error("round must be marked settled after the sweep")
	}
	if rec := fl.record(bet.PlatformTxID); rec.Status != string(BetLost) {
		t.Errorf("bet status = %s, want LOST", rec.Status)
	}
	if fl.rounds[3].Status != "RESOLVED" || fl.rounds[3].ServerSeed != "revealed" {
		t.Errorf("audit row = %+v, want RESOLVED with the revealed seed", fl.rounds[3])
	}
	if len(ff.rounds) != 1 || ff.rounds[0].Status != string(RoundResolved) {
		t.Errorf("round feed = %+v, want one RESOLVED event", ff.rounds)
	}
}

func TestStep_OpensWhenNoRound(t *testing.T) {
	fr := newFakeRounds()
	sch := newTestScheduler(DefaultCrashRules(), fr, newFakePending(), &fakeWallet{}, newFakeLedger(), &fakeBus{}, &fakeFeed{})

	if err := sch.step(context.Background(), testLeader(GameCrash)); err != nil {
		t.Fatalf("step() error = %v", err)
	}
	if fr.round == nil || fr.round.Status != RoundWaiting {
		t.Errorf("round = %+v, want a fresh WAITING round", fr.round)
	}
}

func TestStep_ForceClosesStaleRound(t *testing.T) {
	fr := newFakeRounds()
	fl := newFakeLedger()
	sch := newTestScheduler(DefaultCrashRules(), fr, newFakePending(), &fakeWallet{}, fl, &fakeBus{}, &fakeFeed{})

	round := activeRound(4, GameCrash, 1.10)
	round.NextTransitionAt = time.Now().Add(-time.Minute)
	fr.round = round

	if err := sch.step(context.Background(), testLeader(GameCrash)); err != nil {
		t.Fatalf("step() error = %v", err)
	}
	if !fr.round.Voided {
		t.Error("a stale round must be voided, not resumed")
	}
}

func TestStep_FinishesPredecessorSettlement(t *testing.T) {
	// A leader elected mid-pause finds a RESOLVED round whose settlement
	// never ran. It must settle first, then open the next round.
	fr := newFakeRounds()
	fw := &fakeWallet{}
	fl := newFakeLedger()
	ff := &fakeFeed{}
	sch := newTestScheduler(fastCrashRules(), fr, newFakePending(), fw, fl, &fakeBus{}, ff)

	fr.seq = 1
	round := activeRound(1, GameCrash, 1.37)
	round.Status = RoundResolved
	round.ServerSeed = "revealed"
	round.Outcome = Outcome{Coeff: 1.37}
	round.ResolvedAt = time.Now().UTC().Add(-time.Second)
	round.NextTransitionAt = time.Now().UTC().Add(-time.Second)
	fr.round = round
	bet := seedBet(fr, fl, GameCrash, "u1", "1", 1000, 0)

	if err := sch.step(context.Background(), testLeader(GameCrash)); err != nil {
		t.Fatalf("step() error = %v", err)
	}

	if rec := fl.record(bet.PlatformTxID); rec.Status != string(BetLost) {
		t.Errorf("inherited bet status = %s, want LOST", rec.Status)
	}
	if fr.round.ID != 2 || fr.round.Status != RoundWaiting {
		t.Errorf("round = %+v, want the next WAITING round", fr.round)
	}
	if len(fr.bets) != 0 {
		t.Error("the new round must start with a clean bet list")
	}
}

func TestRunActive_CrashRound(t *testing.T) {
	rules := fastCrashRules()
	fr := newFakeRounds()
	fw := &fakeWallet{}
	fl := newFakeLedger()
	fb := &fakeBus{}
	ff := &fakeFeed{}
	sch := newTestScheduler(rules, fr, newFakePending(), fw, fl, fb, ff)

	fr.seq = 1
	now := time.Now().UTC()
	round := &Round{
		ID: 1, GameCode: GameCrash, Status: RoundActive,
		HashedServerSeed: "commitment", ClientSeed: "pool", Nonce: 1,
		Outcome:      Outcome{Coeff: 1.05},
		CurrentCoeff: MinCoeff,
		CreatedAt:    now, ActivatedAt: now,
		NextTransitionAt: now.Add(rules.RunDuration(Outcome{Coeff: 1.05})),
	}
	fr.round = round
	auto := seedBet(fr, fl, GameCrash, "u1", "1", 1000, 1.02)
	rider := seedBet(fr, fl, GameCrash, "u2", "1", 1000, 0)

	if err := sch.runActive(context.Background(), testLeader(GameCrash), round); err != nil {
		t.Fatalf("runActive() error = %v", err)
	}

	// the run crashed at 1.05, settled everything and opened the next round
	if rec := fl.record(auto.PlatformTxID); rec.Status != string(BetWon) || rec.CashedOutAt != 1.02 || rec.WinCents != 1020 {
		t.Errorf("auto bet = %+v, want WON 1020 at its 1.02 target", rec)
	}
	if rec := fl.record(rider.PlatformTxID); rec.Status != string(BetLost) {
		t.Errorf("rider bet = %+v, want LOST", rec)
	}
	if fr.round.ID != 2 || fr.round.Status != RoundWaiting {
		t.Errorf("round = %+v, want the next WAITING round", fr.round)
	}
	if len(fw.settles) == 0 {
		t.Error("no wallet settlements recorded")
	}
}
