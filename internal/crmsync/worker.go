// Package crmsync reconciles subscriber state with an external
// email-marketing service. The wire protocol lives behind the Client
// interface; this package only decides who needs syncing and when.
package crmsync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/bulk-emailer/internal/emailer"
	"github.com/ignite/bulk-emailer/internal/events"
)

// Member is the subscriber state mirrored to the CRM.
type Member struct {
	EmailHash string // md5 of the lowercased email, the CRM's member key
	Email     string
	FirstName string
	LastName  string
}

// Client talks to the external CRM API for one list's credentials.
type Client interface {
	// UpsertMember creates or updates a list member keyed by email hash.
	UpsertMember(ctx context.Context, list *emailer.MailingList, member Member) error
	// Unsubscribe marks a member unsubscribed, keyed by email hash.
	Unsubscribe(ctx context.Context, list *emailer.MailingList, emailHash string) error
}

// Store is the persistence surface the worker needs.
type Store interface {
	GetSubscriber(ctx context.Context, subID uuid.UUID) (*emailer.Subscriber, error)
	GetList(ctx context.Context, listID uuid.UUID) (*emailer.MailingList, error)
	ListIDsForSubscriber(ctx context.Context, subscriberID uuid.UUID) ([]uuid.UUID, error)
	MarkSubscriberSynced(ctx context.Context, subscriberID uuid.UUID) error
	UnsyncedSubscribers(ctx context.Context, limit int) ([]*emailer.Subscriber, error)
}

// Worker consumes subscriber events and reconciles CRM state.
type Worker struct {
	store    Store
	consumer *events.Consumer
	client   Client
}

// NewWorker creates a sync worker.
func NewWorker(store Store, consumer *events.Consumer, client Client) *Worker {
	return &Worker{store: store, consumer: consumer, client: client}
}

// Run drains events until ctx is cancelled. It first sweeps subscribers
// already flagged unsynced, then blocks on the queue; the sweep makes
// the worker self-healing after missed events.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.SyncPending(ctx); err != nil {
		log.Printf("[CRMSync] initial sweep: %v", err)
	}

	for {
		evt, err := w.consumer.Next(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("consume event: %w", err)
		}
		if evt == nil {
			continue
		}
		if err := w.handle(ctx, evt); err != nil {
			log.Printf("[CRMSync] %s: %v", evt.Type, err)
		}
	}
}

// SyncPending reconciles every subscriber currently flagged unsynced.
func (w *Worker) SyncPending(ctx context.Context) error {
	subs, err := w.store.UnsyncedSubscribers(ctx, 500)
	if err != nil {
		return fmt.Errorf("load unsynced: %w", err)
	}
	for _, sub := range subs {
		if err := w.syncSubscriber(ctx, sub); err != nil {
			log.Printf("[CRMSync] subscriber %s: %v", sub.ID, err)
		}
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, evt *events.Event) error {
	switch evt.Type {
	case events.TypeSubscriberChanged:
		sub, err := w.store.GetSubscriber(ctx, evt.SubscriberID)
		if err != nil {
			return err
		}
		if sub == nil {
			// Deleted since the event was queued; the deletion event
			// will follow.
			return nil
		}
		return w.syncSubscriber(ctx, sub)
	case events.TypeSubscriberDeleted:
		return w.unsubscribe(ctx, evt.EmailHash, evt.ListIDs)
	default:
		return fmt.Errorf("unknown event type %q", evt.Type)
	}
}

// syncSubscriber upserts the subscriber on every sync-enabled list they
// belong to, then marks them synced.
func (w *Worker) syncSubscriber(ctx context.Context, sub *emailer.Subscriber) error {
	listIDs, err := w.store.ListIDsForSubscriber(ctx, sub.ID)
	if err != nil {
		return err
	}

	member := Member{
		EmailHash: emailer.HashEmail(sub.CRMEmail),
		Email:     sub.Email,
		FirstName: sub.FirstName,
		LastName:  sub.LastName,
	}

	for _, listID := range listIDs {
		list, err := w.store.GetList(ctx, listID)
		if err != nil {
			return err
		}
		if list == nil || !list.CRMSync {
			continue
		}
		if err := w.client.UpsertMember(ctx, list, member); err != nil {
			return fmt.Errorf("upsert on list %s: %w", list.ID, err)
		}
	}

	return w.store.MarkSubscriberSynced(ctx, sub.ID)
}

// unsubscribe marks the deleted subscriber unsubscribed on every
// sync-enabled list they belonged to.
func (w *Worker) unsubscribe(ctx context.Context, emailHash string, listIDs []uuid.UUID) error {
	for _, listID := range listIDs {
		list, err := w.store.GetList(ctx, listID)
		if err != nil {
			return err
		}
		if list == nil || !list.CRMSync {
			continue
		}
		if err := w.client.Unsubscribe(ctx, list, emailHash); err != nil {
			return fmt.Errorf("unsubscribe on list %s: %w", list.ID, err)
		}
	}
	return nil
}
