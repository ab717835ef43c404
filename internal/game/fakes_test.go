package game

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/games-vector/vector-games-v2-sub001/internal/events"
	"github.com/games-vector/vector-games-v2-sub001/internal/ledger"
	"github.com/games-vector/vector-games-v2-sub001/internal/wallet"
)

// In-memory doubles for the redis stores, the wallet gateway and the
// ledger. They model the semantics the sagas rely on: slot occupancy,
// atomic admission against the WAITING round, the conditional PLACED
// flip, the exactly-once cashout claim.

type fakeRounds struct {
	mu      sync.Mutex
	seq     int64
	round   *Round
	bets    map[string]Bet
	claims  map[string]bool
	cleared int

	admitErr error
	saveErr  error
}

func newFakeRounds() *fakeRounds {
	return &fakeRounds{bets: map[string]Bet{}, claims: map[string]bool{}}
}

func (f *fakeRounds) NextRoundID(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.seq, nil
}

func (f *fakeRounds) SaveRound(_ context.Context, r *Round) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	cp := *r
	f.round = &cp
	return nil
}

func (f *fakeRounds) Current(context.Context, string) (*Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.round == nil {
		return nil, nil
	}
	cp := *f.round
	return &cp, nil
}

func (f *fakeRounds) AdmitBet(_ context.Context, b *Bet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.admitErr != nil {
		return f.admitErr
	}
	if f.round == nil || f.round.Status != RoundWaiting || f.round.ID != b.RoundID {
		return ErrBettingClosed
	}
	if _, dup := f.bets[b.SlotKey()]; dup {
		return ErrDuplicateBetSlot
	}
	f.bets[b.SlotKey()] = *b
	return nil
}

func (f *fakeRounds) GetBet(_ context.Context, _, slotKey string) (*Bet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bets[slotKey]
	if !ok {
		return nil, ErrBetNotFound
	}
	cp := b
	return &cp, nil
}

func (f *fakeRounds) UpdateBet(_ context.Context, b *Bet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bets[b.SlotKey()] = *b
	return nil
}

func (f *fakeRounds) Bets(context.Context, string) ([]Bet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Bet, 0, len(f.bets))
	for _, b := range f.bets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out, nil
}

func (f *fakeRounds) ClaimCashout(_ context.Context, _, slotKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claims[slotKey] {
		return false, nil
	}
	f.claims[slotKey] = true
	return true, nil
}

func (f *fakeRounds) ReleaseCashoutClaim(_ context.Context, _, slotKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claims, slotKey)
	return nil
}

func (f *fakeRounds) CashedOut(_ context.Context, _, slotKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claims[slotKey], nil
}

func (f *fakeRounds) Aggregates(context.Context, string) ([]SelectionAgg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bySel := map[string]*SelectionAgg{}
	for _, b := range f.bets {
		a, ok := bySel[b.Selection]
		if !ok {
			a = &SelectionAgg{Selection: b.Selection}
			bySel[b.Selection] = a
		}
		a.Bets++
		a.Amount += b.Amount
	}
	out := make([]SelectionAgg, 0, len(bySel))
	for _, a := range bySel {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Selection < out[j].Selection })
	return out, nil
}

func (f *fakeRounds) ClearRound(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bets = map[string]Bet{}
	f.claims = map[string]bool{}
	f.cleared++
	return nil
}

type fakePending struct {
	mu         sync.Mutex
	items      map[string]PendingBet
	enqueueErr error
}

func newFakePending() *fakePending {
	return &fakePending{items: map[string]PendingBet{}}
}

func (f *fakePending) Enqueue(_ context.Context, pb *PendingBet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	key := pb.Bet.SlotKey()
	if _, dup := f.items[key]; dup {
		return ErrDuplicateBetSlot
	}
	f.items[key] = *pb
	return nil
}

func (f *fakePending) Get(_ context.Context, _, slotKey string) (*PendingBet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pb, ok := f.items[slotKey]
	if !ok {
		return nil, ErrPendingNotFound
	}
	cp := pb
	return &cp, nil
}

func (f *fakePending) Remove(_ context.Context, _, slotKey string) (*PendingBet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pb, ok := f.items[slotKey]
	if !ok {
		return nil, ErrPendingNotFound
	}
	delete(f.items, slotKey)
	return &pb, nil
}

func (f *fakePending) DequeueAll(context.Context, string) ([]PendingBet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PendingBet, 0, len(f.items))
	for _, pb := range f.items {
		out = append(out, pb)
	}
	f.items = map[string]PendingBet{}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

type fakeIdem struct {
	mu      sync.Mutex
	records map[string]PlaceBetResult
}

func newFakeIdem() *fakeIdem {
	return &fakeIdem{records: map[string]PlaceBetResult{}}
}

func (f *fakeIdem) Lookup(_ context.Context, _, fingerprint string) (*PlaceBetResult, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.records[fingerprint]
	if !ok {
		return nil, false, nil
	}
	cp := res
	return &cp, true, nil
}

func (f *fakeIdem) Store(_ context.Context, _, fingerprint string, res *PlaceBetResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[fingerprint] = *res
	return nil
}

// fakeWallet records every call. Empty status fields mean success; a
// scripted status or error makes the corresponding operation fail.
type fakeWallet struct {
	mu           sync.Mutex
	placeErr     error
	placeStatus  string
	settleErr    error
	settleStatus string
	refundErr    error
	refundStatus string
	balance      string

	places  []wallet.PlaceBetRequest
	settles []wallet.SettleBetRequest
	refunds []wallet.RefundRequest
}

func statusOr(s string) string {
	if s == "" {
		return wallet.StatusOK
	}
	return s
}

func (f *fakeWallet) PlaceBet(_ context.Context, req wallet.PlaceBetRequest) (wallet.PlaceBetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return wallet.PlaceBetResponse{}, f.placeErr
	}
	f.places = append(f.places, req)
	return wallet.PlaceBetResponse{Status: statusOr(f.placeStatus), Balance: f.balance}, nil
}

func (f *fakeWallet) SettleBet(_ context.Context, req wallet.SettleBetRequest) (wallet.SettleBetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleErr != nil {
		return wallet.SettleBetResponse{}, f.settleErr
	}
	f.settles = append(f.settles, req)
	return wallet.SettleBetResponse{Status: statusOr(f.settleStatus), Balance: f.balance}, nil
}

func (f *fakeWallet) RefundBet(_ context.Context, req wallet.RefundRequest) (wallet.RefundResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return wallet.RefundResponse{}, f.refundErr
	}
	f.refunds = append(f.refunds, req)
	return wallet.RefundResponse{Status: statusOr(f.refundStatus)}, nil
}

func (f *fakeWallet) GetBalance(context.Context, string, string) (wallet.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return wallet.Balance{Balance: f.balance, Currency: "USD"}, nil
}

func (f *fakeWallet) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.places)
}

func (f *fakeWallet) refundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refunds)
}

type fakeLedger struct {
	mu        sync.Mutex
	bets      map[string]*ledger.BetRecord
	rounds    map[int64]*ledger.RoundRecord
	createErr error
	settleErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{bets: map[string]*ledger.BetRecord{}, rounds: map[int64]*ledger.RoundRecord{}}
}

func (f *fakeLedger) CreatePlacement(_ context.Context, b *ledger.BetRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, dup := f.bets[b.PlatformTxID]; dup {
		return ledger.ErrDuplicateTx
	}
	cp := *b
	cp.ID = int64(len(f.bets) + 1)
	f.bets[b.PlatformTxID] = &cp
	return nil
}

func (f *fakeLedger) AssignRound(_ context.Context, _, platformTxID string, roundID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bets[platformTxID]
	if !ok {
		return ledger.ErrNotFound
	}
	b.RoundID = roundID
	return nil
}

func (f *fakeLedger) RecordSettlement(_ context.Context, _, platformTxID string, s ledger.Settlement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleErr != nil {
		return f.settleErr
	}
	b, ok := f.bets[platformTxID]
	if !ok {
		return ledger.ErrNotFound
	}
	if b.Status != string(BetPlaced) {
		return ledger.ErrAlreadySettled
	}
	b.Status = s.Status
	b.WinCents = s.WinCents
	b.CashedOutAt = s.CashedOutAt
	b.Outcome = s.Outcome
	b.Proof = s.Proof
	b.SettledAt.Time, b.SettledAt.Valid = s.SettledAt, true
	return nil
}

func (f *fakeLedger) UpdateStatus(_ context.Context, _, platformTxID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bets[platformTxID]
	if !ok {
		return ledger.ErrNotFound
	}
	b.Status = status
	return nil
}

func (f *fakeLedger) GetByExternalTxID(_ context.Context, _, platformTxID string) (*ledger.BetRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bets[platformTxID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeLedger) ListUserBets(_ context.Context, _, userID string, limit int) ([]ledger.BetRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.BetRecord
	for _, b := range f.bets {
		if b.UserID == userID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.After(out[j].PlacedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeLedger) InsertRound(_ context.Context, r *ledger.RoundRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.rounds[r.ID] = &cp
	return nil
}

func (f *fakeLedger) ResolveRound(_ context.Context, _ string, roundID int64, outcome []byte, serverSeed string, resolvedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rounds[roundID]
	if !ok {
		return ledger.ErrNotFound
	}
	r.Status = "RESOLVED"
	r.Outcome = outcome
	r.ServerSeed = serverSeed
	r.ResolvedAt.Time, r.ResolvedAt.Valid = resolvedAt, true
	return nil
}

func (f *fakeLedger) GetRound(_ context.Context, _ string, roundID int64) (*ledger.RoundRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rounds[roundID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeLedger) ListRounds(_ context.Context, _ string, limit int) ([]ledger.RoundRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.RoundRecord
	for _, r := range f.rounds {
		if r.Status == "RESOLVED" {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeLedger) record(platformTxID string) *ledger.BetRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bets[platformTxID]
}

type fakeBus struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeBus) Publish(_ context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeBus) byType(t string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeFeed struct {
	mu          sync.Mutex
	settlements []events.SettlementEvent
	rounds      []events.RoundEvent
}

func (f *fakeFeed) PublishSettlements(_ context.Context, evs ...events.SettlementEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settlements = append(f.settlements, evs...)
	return nil
}

func (f *fakeFeed) PublishRound(_ context.Context, ev events.RoundEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rounds = append(f.rounds, ev)
	return nil
}

func (f *fakeFeed) Close() error { return nil }

type fakeSeeds struct {
	seed string
}

func (f *fakeSeeds) NextRoundSeed(context.Context, string) (string, error) {
	if f.seed == "" {
		return "pool_seed", nil
	}
	return f.seed, nil
}

// testLeader mints a token that passes Check without a live lease.
func testLeader(gameCode string) *Leader {
	l := &Leader{lease: &LeaderLease{gameCode: gameCode, instanceID: "test", ttl: time.Minute}}
	l.deadline.Store(time.Now().Add(time.Minute).UnixNano())
	return l
}

func newTestSaga(rules Rules, fr *fakeRounds, fp *fakePending, fi *fakeIdem, fw *fakeWallet, fl *fakeLedger, fb *fakeBus) *BetSaga {
	return &BetSaga{
		rules:   rules,
		rounds:  fr,
		pending: fp,
		idem:    fi,
		wallet:  fw,
		ledger:  fl,
		bus:     fb,
		log:     zap.NewNop(),
	}
}

func newTestSettle(rules Rules, fr *fakeRounds, fw *fakeWallet, fl *fakeLedger, fb *fakeBus, ff *fakeFeed) *SettlementEngine {
	return &SettlementEngine{
		rules:  rules,
		rounds: fr,
		wallet: fw,
		ledger: fl,
		bus:    fb,
		feed:   ff,
		log:    zap.NewNop(),
	}
}
