// Package wallet is the client for the platform wallet gateway, the one
// source of balance truth. Every call carries a platform transaction id so
// the gateway can deduplicate on its side as well.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/games-vector/vector-games-v2-sub001/internal/metrics"
)

// StatusOK is the gateway's success code. Any other status is a hard
// rejection: no money moved.
const StatusOK = "0000"

type PlaceBetRequest struct {
	AgentID      string `json:"agent_id"`
	UserID       string `json:"user_id"`
	Amount       string `json:"amount"`
	RoundID      int64  `json:"round_id"`
	PlatformTxID string `json:"platform_tx_id"`
	Currency     string `json:"currency"`
	GameCode     string `json:"game_code"`
}

type PlaceBetResponse struct {
	Status    string `json:"status"`
	Balance   string `json:"balance"`
	BalanceTs int64  `json:"balance_ts"`
}

type SettleBetRequest struct {
	AgentID      string `json:"agent_id"`
	UserID       string `json:"user_id"`
	PlatformTxID string `json:"platform_tx_id"`
	WinAmount    string `json:"win_amount"`
	RoundID      int64  `json:"round_id"`
	BetAmount    string `json:"bet_amount"`
	GameCode     string `json:"game_code"`
}

type SettleBetResponse struct {
	Status  string `json:"status"`
	Balance string `json:"balance"`
}

// RefundTransaction echoes the original placement's platform tx id so the
// gateway can match and deduplicate the reversal.
type RefundTransaction struct {
	PlatformTxID string `json:"platform_tx_id"`
	Amount       string `json:"amount"`
	RoundID      int64  `json:"round_id"`
}

type RefundRequest struct {
	AgentID      string              `json:"agent_id"`
	UserID       string              `json:"user_id"`
	Transactions []RefundTransaction `json:"transactions"`
}

type RefundResponse struct {
	Status string `json:"status"`
}

type Balance struct {
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
}

// Gateway is what the bet saga and settlement engine consume. The HTTP
// client below is the production implementation; tests substitute fakes.
type Gateway interface {
	PlaceBet(ctx context.Context, req PlaceBetRequest) (PlaceBetResponse, error)
	SettleBet(ctx context.Context, req SettleBetRequest) (SettleBetResponse, error)
	RefundBet(ctx context.Context, req RefundRequest) (RefundResponse, error)
	GetBalance(ctx context.Context, agentID, userID string) (Balance, error)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New builds a client with a bounded timeout. A wallet call that times out
// is treated by callers as failed-and-compensable, never blindly retried.
func New(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		BaseURL: base,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) PlaceBet(ctx context.Context, req PlaceBetRequest) (PlaceBetResponse, error) {
	var out PlaceBetResponse
	err := c.post(ctx, "place_bet", "/wallet/place-bet", req, &out)
	return out, err
}

func (c *Client) SettleBet(ctx context.Context, req SettleBetRequest) (SettleBetResponse, error) {
	var out SettleBetResponse
	err := c.post(ctx, "settle_bet", "/wallet/settle-bet", req, &out)
	return out, err
}

func (c *Client) RefundBet(ctx context.Context, req RefundRequest) (RefundResponse, error) {
	var out RefundResponse
	err := c.post(ctx, "refund_bet", "/wallet/refund-bet", req, &out)
	return out, err
}

func (c *Client) GetBalance(ctx context.Context, agentID, userID string) (Balance, error) {
	var out Balance
	q := url.Values{"agent_id": {agentID}, "user_id": {userID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/wallet/balance?"+q.Encode(), nil)
	if err != nil {
		return out, err
	}
	res, err := c.do("balance", req)
	if err != nil {
		return out, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return out, fmt.Errorf("wallet balance http %d", res.StatusCode)
	}
	return out, json.NewDecoder(res.Body).Decode(&out)
}

func (c *Client) post(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.do(op, req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("wallet %s http %d", path, res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *Client) do(op string, req *http.Request) (*http.Response, error) {
	start := time.Now()
	res, err := c.HTTP.Do(req)
	metrics.WalletLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.WalletRequests.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	metrics.WalletRequests.WithLabelValues(op, strconv.Itoa(res.StatusCode)).Inc()
	return res, nil
}
