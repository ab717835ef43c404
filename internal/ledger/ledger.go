// Package ledger persists bets and rounds. It is the durable record the
// saga and settlement engine write through; redis only ever holds the
// working copy.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("ledger: not found")
	ErrAlreadySettled = errors.New("ledger: bet already settled")
	ErrDuplicateTx    = errors.New("ledger: duplicate platform tx id")
)

// BetRecord is one bet row. RoundID 0 marks a bet still waiting for a
// round (queued); the replay assigns the real round id.
type BetRecord struct {
	ID           int64
	PlayerGameID string
	PlatformTxID string
	UserID       string
	AgentID      string
	GameCode     string
	RoundID      int64
	Selection    string
	AmountCents  int64
	Currency     string
	AutoCashout  float64
	Status       string
	WinCents     int64
	CashedOutAt  float64
	Outcome      []byte
	Proof        []byte
	PlacedAt     time.Time
	SettledAt    sql.NullTime
}

// Settlement carries everything RecordSettlement writes alongside the
// status flip.
type Settlement struct {
	Status      string
	WinCents    int64
	CashedOutAt float64
	Outcome     []byte
	Proof       []byte
	SettledAt   time.Time
}

// RoundRecord is the audit row for one round.
type RoundRecord struct {
	ID               int64
	GameCode         string
	CorrelationID    string
	ServerSeed       string
	HashedServerSeed string
	ClientSeed       string
	Nonce            int64
	Outcome          []byte
	Status           string
	CreatedAt        time.Time
	ResolvedAt       sql.NullTime
}

// BetLedger is the persistence contract the game engine consumes.
type BetLedger interface {
	CreatePlacement(ctx context.Context, b *BetRecord) error
	AssignRound(ctx context.Context, gameCode, platformTxID string, roundID int64) error
	RecordSettlement(ctx context.Context, gameCode, platformTxID string, s Settlement) error
	UpdateStatus(ctx context.Context, gameCode, platformTxID, status string) error
	GetByExternalTxID(ctx context.Context, gameCode, platformTxID string) (*BetRecord, error)
	ListUserBets(ctx context.Context, gameCode, userID string, limit int) ([]BetRecord, error)
	InsertRound(ctx context.Context, r *RoundRecord) error
	ResolveRound(ctx context.Context, gameCode string, roundID int64, outcome []byte, serverSeed string, resolvedAt time.Time) error
	GetRound(ctx context.Context, gameCode string, roundID int64) (*RoundRecord, error)
	ListRounds(ctx context.Context, gameCode string, limit int) ([]RoundRecord, error)
}

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

const betColumns = `id, player_game_id, platform_tx_id, user_id, agent_id, game_code, round_id,
	selection, amount_cents, currency, auto_cashout, status, win_cents, cashed_out_at,
	outcome, fairness_proof, placed_at, settled_at`

func (p *Postgres) CreatePlacement(ctx context.Context, b *BetRecord) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO bets (player_game_id, platform_tx_id, user_id, agent_id, game_code, round_id,
			selection, amount_cents, currency, auto_cashout, status, placed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (game_code, platform_tx_id) DO NOTHING
		RETURNING id`,
		b.PlayerGameID, b.PlatformTxID, b.UserID, b.AgentID, b.GameCode, b.RoundID,
		b.Selection, b.AmountCents, b.Currency, b.AutoCashout, b.Status, b.PlacedAt,
	).Scan(&b.ID)
	if err == sql.ErrNoRows {
		return ErrDuplicateTx
	}
	return err
}

func (p *Postgres) AssignRound(ctx context.Context, gameCode, platformTxID string, roundID int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE bets SET round_id=$1 WHERE game_code=$2 AND platform_tx_id=$3`,
		roundID, gameCode, platformTxID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSettlement flips PLACED to a terminal status exactly once. A bet
// already out of PLACED is reported as ErrAlreadySettled so a retrying
// caller knows to skip the credit.
func (p *Postgres) RecordSettlement(ctx context.Context, gameCode, platformTxID string, s Settlement) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bets SET status=$1, win_cents=$2, cashed_out_at=$3, outcome=$4,
			fairness_proof=$5, settled_at=$6
		WHERE game_code=$7 AND platform_tx_id=$8 AND status='PLACED'`,
		s.Status, s.WinCents, s.CashedOutAt, s.Outcome, s.Proof, s.SettledAt,
		gameCode, platformTxID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	if _, err := p.GetByExternalTxID(ctx, gameCode, platformTxID); err != nil {
		return err
	}
	return ErrAlreadySettled
}

func (p *Postgres) UpdateStatus(ctx context.Context, gameCode, platformTxID, status string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE bets SET status=$1 WHERE game_code=$2 AND platform_tx_id=$3`,
		status, gameCode, platformTxID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetByExternalTxID(ctx context.Context, gameCode, platformTxID string) (*BetRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+betColumns+` FROM bets WHERE game_code=$1 AND platform_tx_id=$2`,
		gameCode, platformTxID)
	return scanBet(row)
}

func (p *Postgres) ListUserBets(ctx context.Context, gameCode, userID string, limit int) ([]BetRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+betColumns+` FROM bets
		 WHERE game_code=$1 AND user_id=$2 ORDER BY placed_at DESC LIMIT $3`,
		gameCode, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []BetRecord
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func (p *Postgres) InsertRound(ctx context.Context, r *RoundRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO game_rounds (id, game_code, correlation_id, server_seed, hashed_server_seed,
			client_seed, nonce, outcome, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (game_code, id) DO NOTHING`,
		r.ID, r.GameCode, r.CorrelationID, r.ServerSeed, r.HashedServerSeed,
		r.ClientSeed, r.Nonce, r.Outcome, r.Status, r.CreatedAt)
	return err
}

func (p *Postgres) ResolveRound(ctx context.Context, gameCode string, roundID int64, outcome []byte, serverSeed string, resolvedAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE game_rounds SET status='RESOLVED', outcome=$1, server_seed=$2, resolved_at=$3
		WHERE game_code=$4 AND id=$5`,
		outcome, serverSeed, resolvedAt, gameCode, roundID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetRound(ctx context.Context, gameCode string, roundID int64) (*RoundRecord, error) {
	return scanRound(p.db.QueryRowContext(ctx, `
		SELECT id, game_code, correlation_id, server_seed, hashed_server_seed, client_seed,
			nonce, outcome, status, created_at, resolved_at
		FROM game_rounds WHERE game_code=$1 AND id=$2`, gameCode, roundID))
}

func (p *Postgres) ListRounds(ctx context.Context, gameCode string, limit int) ([]RoundRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, game_code, correlation_id, server_seed, hashed_server_seed, client_seed,
			nonce, outcome, status, created_at, resolved_at
		FROM game_rounds WHERE game_code=$1 AND status='RESOLVED'
		ORDER BY id DESC LIMIT $2`, gameCode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []RoundRecord
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, *r)
	}
	return rounds, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBet(row scanner) (*BetRecord, error) {
	var b BetRecord
	err := row.Scan(&b.ID, &b.PlayerGameID, &b.PlatformTxID, &b.UserID, &b.AgentID,
		&b.GameCode, &b.RoundID, &b.Selection, &b.AmountCents, &b.Currency,
		&b.AutoCashout, &b.Status, &b.WinCents, &b.CashedOutAt,
		&b.Outcome, &b.Proof, &b.PlacedAt, &b.SettledAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func scanRound(row scanner) (*RoundRecord, error) {
	var r RoundRecord
	err := row.Scan(&r.ID, &r.GameCode, &r.CorrelationID, &r.ServerSeed, &r.HashedServerSeed,
		&r.ClientSeed, &r.Nonce, &r.Outcome, &r.Status, &r.CreatedAt, &r.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
