/**
 * @description
 * This package provides a producer for publishing vault ledger events to
 * RabbitMQ. Every event the on-chain contract emitted (vault created, deposit,
 * scholarship prepared/claimed, admin overrides) is published on a durable topic
 * exchange so the web backend and notification pipeline can react without
 * polling the ledger.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// EventsExchange is the topic exchange all vault ledger events are published on.
const EventsExchange = "learntg.events"

// Routing keys for vault ledger events.
const (
	RouteVaultCreated           = "vault.created"
	RouteVaultDeposit           = "vault.deposit"
	RouteVaultBalanceSet        = "vault.balance_set"
	RouteEmergencyWithdrawal    = "vault.emergency_withdrawal"
	RouteScholarshipPrepared    = "scholarship.prepared"
	RouteScholarshipAlreadyPaid = "scholarship.already_paid"
	RouteScholarshipClaimed     = "scholarship.claimed"
)

// VaultCreatedEvent mirrors the contract's VaultCreated event.
type VaultCreatedEvent struct {
	CourseID       int64     `json:"course_id"`
	AmountPerGuide int64     `json:"amount_per_guide"`
	Timestamp      time.Time `json:"timestamp"`
}

// DepositEvent mirrors the contract's Deposit event. Amount is the gross
// deposited amount, not the vault-credited share.
type DepositEvent struct {
	CourseID  int64     `json:"course_id"`
	Asset     string    `json:"asset"`
	Amount    int64     `json:"amount"`
	Donor     string    `json:"donor"`
	Timestamp time.Time `json:"timestamp"`
}

// ScholarshipPreparedEvent mirrors the contract's ScholarshipPrepared event.
type ScholarshipPreparedEvent struct {
	CourseID       int64     `json:"course_id"`
	GuideNumber    int64     `json:"guide_number"`
	Student        string    `json:"student"`
	AmountPerGuide int64     `json:"amount_per_guide"`
	ActualAmount   int64     `json:"actual_amount"`
	ProfileScore   int       `json:"profile_score"`
	Timestamp      time.Time `json:"timestamp"`
}

// ScholarshipAlreadyPaidEvent mirrors the contract's ScholarshipAlreadyPaid event.
type ScholarshipAlreadyPaidEvent struct {
	CourseID    int64     `json:"course_id"`
	GuideNumber int64     `json:"guide_number"`
	Student     string    `json:"student"`
	Timestamp   time.Time `json:"timestamp"`
}

// ScholarshipClaimedEvent mirrors the contract's ScholarshipClaimed event.
// Reference is the treasury transfer reference for this claim attempt; the
// settlement worker echoes it on any asynchronous failure report.
type ScholarshipClaimedEvent struct {
	CourseID    int64     `json:"course_id"`
	GuideNumber int64     `json:"guide_number"`
	Student     string    `json:"student"`
	Amount      int64     `json:"amount"`
	Reference   string    `json:"reference"`
	Timestamp   time.Time `json:"timestamp"`
}

// VaultBalanceSetEvent mirrors the contract's VaultBalanceSet event.
type VaultBalanceSetEvent struct {
	CourseID   int64     `json:"course_id"`
	NewBalance int64     `json:"new_balance"`
	Timestamp  time.Time `json:"timestamp"`
}

// EmergencyWithdrawalEvent mirrors the contract's EmergencyWithdrawal event.
type EmergencyWithdrawalEvent struct {
	Asset     string    `json:"asset"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		if p.conn == nil {
			return err
		}
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return chErr
		}
		p.channel = ch
		if err2 := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err2 != nil {
			return err2
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	publishing := amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        jsonBody,
	}

	err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr == nil {
					if err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
