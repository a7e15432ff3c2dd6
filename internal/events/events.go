// Package events carries subscriber lifecycle events from the store to
// the CRM sync worker over a Redis list. Making the events explicit
// keeps the core pipeline free of any CRM knowledge: the store publishes
// and forgets, the sync worker drains at its own pace.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue is the Redis list holding pending subscriber events.
const Queue = "emailer:subscriber-events"

// Event types.
const (
	TypeSubscriberChanged = "subscriber_changed"
	TypeSubscriberDeleted = "subscriber_deleted"
)

// Event is one subscriber lifecycle notification. Deleted events carry
// the email hash and list ids captured before the row went away, since
// the subscriber can no longer be looked up.
type Event struct {
	Type         string      `json:"type"`
	SubscriberID uuid.UUID   `json:"subscriber_id,omitempty"`
	EmailHash    string      `json:"email_hash,omitempty"`
	ListIDs      []uuid.UUID `json:"list_ids,omitempty"`
	OccurredAt   time.Time   `json:"occurred_at"`
}

// Publisher pushes events onto the queue. It satisfies
// emailer.EventPublisher.
type Publisher struct {
	client *redis.Client
}

// NewPublisher creates a publisher.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// SubscriberChanged enqueues a change notification. Event publication is
// best-effort: a Redis outage must not fail the store write that
// triggered it, so errors are logged and dropped (the crm-sync job's
// unsynced-subscriber scan catches anything missed).
func (p *Publisher) SubscriberChanged(ctx context.Context, subscriberID uuid.UUID) {
	p.push(ctx, Event{
		Type:         TypeSubscriberChanged,
		SubscriberID: subscriberID,
		OccurredAt:   time.Now(),
	})
}

// SubscriberDeleted enqueues a deletion notification.
func (p *Publisher) SubscriberDeleted(ctx context.Context, emailHash string, listIDs []uuid.UUID) {
	p.push(ctx, Event{
		Type:       TypeSubscriberDeleted,
		EmailHash:  emailHash,
		ListIDs:    listIDs,
		OccurredAt: time.Now(),
	})
}

func (p *Publisher) push(ctx context.Context, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("[Events] marshal %s: %v", evt.Type, err)
		return
	}
	if err := p.client.RPush(ctx, Queue, data).Err(); err != nil {
		log.Printf("[Events] publish %s: %v", evt.Type, err)
	}
}

// Consumer drains the queue.
type Consumer struct {
	client *redis.Client
}

// NewConsumer creates a consumer.
func NewConsumer(client *redis.Client) *Consumer {
	return &Consumer{client: client}
}

// Next pops the oldest pending event, blocking up to timeout. Returns
// nil with no error when the queue stayed empty.
func (c *Consumer) Next(ctx context.Context, timeout time.Duration) (*Event, error) {
	vals, err := c.client.BLPop(ctx, timeout, Queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPop returns [key, value]
	var evt Event
	if err := json.Unmarshal([]byte(vals[1]), &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}
