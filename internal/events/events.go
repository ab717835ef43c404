// Package events publishes settlement and round facts to kafka for
// downstream consumers (risk, CRM, bet feeds). Publishing is best-effort
// from the engine's point of view: a broker outage must never block a
// settlement.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type SettlementEvent struct {
	GameCode     string    `json:"game_code"`
	RoundID      int64     `json:"round_id"`
	PlayerGameID string    `json:"player_game_id"`
	PlatformTxID string    `json:"platform_tx_id"`
	UserID       string    `json:"user_id"`
	AgentID      string    `json:"agent_id"`
	Status       string    `json:"status"`
	AmountCents  int64     `json:"amount_cents"`
	WinCents     int64     `json:"win_cents"`
	Coeff        float64   `json:"coeff,omitempty"`
	SettledAt    time.Time `json:"settled_at"`
}

type RoundEvent struct {
	GameCode      string          `json:"game_code"`
	RoundID       int64           `json:"round_id"`
	CorrelationID string          `json:"correlation_id"`
	Status        string          `json:"status"`
	Outcome       json.RawMessage `json:"outcome,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

type Publisher interface {
	PublishSettlements(ctx context.Context, evs ...SettlementEvent) error
	PublishRound(ctx context.Context, ev RoundEvent) error
	Close() error
}

type KafkaPublisher struct {
	settlements *kafka.Writer
	rounds      *kafka.Writer
}

// NewKafkaPublisher takes a comma-separated broker list.
func NewKafkaPublisher(brokers, settlementsTopic, roundsTopic string) *KafkaPublisher {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		}
	}
	return &KafkaPublisher{
		settlements: newWriter(settlementsTopic),
		rounds:      newWriter(roundsTopic),
	}
}

// PublishSettlements keys messages by user so one player's settlements
// stay ordered.
func (p *KafkaPublisher) PublishSettlements(ctx context.Context, evs ...SettlementEvent) error {
	if len(evs) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(evs))
	for _, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.UserID),
			Value: payload,
			Time:  ev.SettledAt,
		})
	}
	return p.settlements.WriteMessages(ctx, msgs...)
}

func (p *KafkaPublisher) PublishRound(ctx context.Context, ev RoundEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rounds.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.GameCode),
		Value: payload,
		Time:  ev.OccurredAt,
	})
}

func (p *KafkaPublisher) Close() error {
	err := p.settlements.Close()
	if cerr := p.rounds.Close(); err == nil {
		err = cerr
	}
	return err
}

// NopPublisher keeps the engine running without a broker (local dev,
// tests).
type NopPublisher struct{}

func (NopPublisher) PublishSettlements(context.Context, ...SettlementEvent) error { return nil }
func (NopPublisher) PublishRound(context.Context, RoundEvent) error               { return nil }
func (NopPublisher) Close() error                                                 { return nil }
