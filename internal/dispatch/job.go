// Package dispatch implements the bulk-email dispatch job: one eligible
// mail item per run, fanned out to every subscriber of its list, with a
// tracker recording the send.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/bulk-emailer/internal/emailer"
	"github.com/ignite/bulk-emailer/internal/pkg/distlock"
	"github.com/ignite/bulk-emailer/internal/pkg/logger"
)

// Store is the persistence surface the dispatch job needs.
type Store interface {
	GetLists(ctx context.Context) ([]*emailer.MailingList, error)
	NextSendable(ctx context.Context, listID uuid.UUID) (*emailer.MailItem, error)
	ClaimMailItem(ctx context.Context, itemID uuid.UUID) (bool, error)
	CreateTracker(ctx context.Context, tracker *emailer.Tracker) error
	GetSubscribersForList(ctx context.Context, listID uuid.UUID) ([]*emailer.Subscriber, error)
	FinalizeMailItem(ctx context.Context, itemID uuid.UUID, historyEntry string) error
	FinalizeTracker(ctx context.Context, trackerID uuid.UUID, sendComplete time.Time, numberSent int) error
}

// Options tunes one dispatch job.
type Options struct {
	BaseURL      string // public site base, e.g. "https://example.com"
	TrackingPath string // beacon URL segment, e.g. "opened"
	FromName     string
	FromAddress  string
	ReplyAddress string
	SendTimeout  time.Duration // per-subscriber deadline
	JobTimeout   time.Duration // whole-run deadline
}

// Result summarizes one dispatch run.
type Result struct {
	ItemID    uuid.UUID
	TrackerID uuid.UUID
	ListName  string
	Attempted int
	Delivered int
	Failed    []string // subscriber emails whose send failed
}

// Job sends the next eligible mail item.
type Job struct {
	store    Store
	sender   Sender
	renderer *Renderer
	lock     distlock.DistLock // optional, may be nil
	opts     Options
	now      func() time.Time
}

// NewJob creates a dispatch job. lock may be nil; the conditional claim
// in the store still prevents double-sends without it, the lock just
// avoids wasted work when runs overlap.
func NewJob(store Store, sender Sender, renderer *Renderer, lock distlock.DistLock, opts Options) *Job {
	if opts.SendTimeout == 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.JobTimeout == 0 {
		opts.JobTimeout = 15 * time.Minute
	}
	return &Job{
		store:    store,
		sender:   sender,
		renderer: renderer,
		lock:     lock,
		opts:     opts,
		now:      time.Now,
	}
}

// Run executes one dispatch pass. A nil result with nil error means
// nothing was eligible.
func (j *Job) Run(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, j.opts.JobTimeout)
	defer cancel()

	if j.lock != nil {
		acquired, err := j.lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("dispatch lock: %w", err)
		}
		if !acquired {
			log.Println("[Dispatch] Another run holds the lock, skipping")
			return nil, nil
		}
		defer j.lock.Release(ctx)
	}

	item, list, err := j.pick(ctx)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}

	// Claim before any rendering or network I/O. Losing the claim means
	// a concurrent run owns the item now; treat as a clean no-op.
	claimed, err := j.store.ClaimMailItem(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("claim item %s: %w", item.ID, err)
	}
	if !claimed {
		log.Printf("[Dispatch] Item %s claimed by another run", item.ID)
		return nil, nil
	}

	return j.send(ctx, item, list)
}

// pick walks lists in priority order and returns the first list's
// oldest-updated sendable item.
func (j *Job) pick(ctx context.Context) (*emailer.MailItem, *emailer.MailingList, error) {
	lists, err := j.store.GetLists(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load lists: %w", err)
	}
	for _, list := range lists {
		item, err := j.store.NextSendable(ctx, list.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("scan list %s: %w", list.ID, err)
		}
		if item != nil {
			return item, list, nil
		}
	}
	return nil, nil, nil
}

func (j *Job) send(ctx context.Context, item *emailer.MailItem, list *emailer.MailingList) (*Result, error) {
	tracker := &emailer.Tracker{
		Subject:  item.EmailSubject(),
		ListName: list.Name,
	}
	if err := j.store.CreateTracker(ctx, tracker); err != nil {
		return nil, fmt.Errorf("create tracker: %w", err)
	}

	subscribers, err := j.store.GetSubscribersForList(ctx, list.ID)
	if err != nil {
		return nil, fmt.Errorf("load subscribers: %w", err)
	}

	result := &Result{
		ItemID:    item.ID,
		TrackerID: tracker.ID,
		ListName:  list.Name,
	}

	for _, sub := range subscribers {
		if err := ctx.Err(); err != nil {
			// Job deadline hit mid-fan-out: finalize with the partial
			// count rather than leave the item stuck in sending.
			logger.Error("dispatch aborted mid-run",
				"item_id", item.ID.String(),
				"list_id", list.ID.String(),
				"attempted", result.Attempted,
				"delivered", result.Delivered,
			)
			j.finalize(context.WithoutCancel(ctx), item, list, tracker, result)
			return result, err
		}

		result.Attempted++
		if err := j.sendOne(ctx, item, list, tracker, sub); err != nil {
			// A single recipient failure must not stop delivery to the
			// rest. Record it and keep going.
			result.Failed = append(result.Failed, sub.Email)
			logger.Error("send failed",
				"item_id", item.ID.String(),
				"tracker_id", tracker.ID.String(),
				"subscriber_email", sub.Email,
				"error", err.Error(),
			)
			continue
		}
		result.Delivered++
	}

	if err := j.finalize(ctx, item, list, tracker, result); err != nil {
		return result, err
	}

	log.Printf("[Dispatch] Sent item %s to list %q: %d delivered, %d failed",
		item.ID, list.Name, result.Delivered, len(result.Failed))
	return result, nil
}

func (j *Job) sendOne(ctx context.Context, item *emailer.MailItem, list *emailer.MailingList, tracker *emailer.Tracker, sub *emailer.Subscriber) error {
	rc := &RenderContext{
		Item:       item,
		List:       list,
		Subscriber: sub,
		BaseURL:    j.opts.BaseURL,
		TrackingPixelURL: fmt.Sprintf("%s/%s/%s/%s.png",
			j.opts.BaseURL, j.opts.TrackingPath, tracker.ID, sub.SubscriberKey),
		ManageURL:      fmt.Sprintf("%s/subscriptions/%s/", j.opts.BaseURL, sub.SubscriberKey),
		UnsubscribeURL: fmt.Sprintf("%s/unsubscribe/%s/%s/", j.opts.BaseURL, list.Slug, sub.SubscriberKey),
	}

	text, html, err := j.renderer.Render(rc)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	msg := &Message{
		Subject:     item.EmailSubject(),
		TextBody:    text,
		HTMLBody:    html,
		FromName:    j.opts.FromName,
		FromAddress: j.opts.FromAddress,
		ReplyTo:     j.opts.ReplyAddress,
		To:          sub.ToAddress(),
	}

	sendCtx, cancel := context.WithTimeout(ctx, j.opts.SendTimeout)
	defer cancel()
	return j.sender.Send(sendCtx, msg)
}

// finalize releases the item, prepends its history entry and stamps the
// tracker with the completion time and accurate delivered count.
func (j *Job) finalize(ctx context.Context, item *emailer.MailItem, list *emailer.MailingList, tracker *emailer.Tracker, result *Result) error {
	sendComplete := j.now()

	entry := fmt.Sprintf("<ul><li>Completed: %s<ul><li>Sent to: %s</li></ul></li></ul>",
		sendComplete.Format("Jan. 2, 2006, 3:04 PM"), list.Name)
	if err := j.store.FinalizeMailItem(ctx, item.ID, entry); err != nil {
		return fmt.Errorf("finalize item %s: %w", item.ID, err)
	}

	if err := j.store.FinalizeTracker(ctx, tracker.ID, sendComplete, result.Delivered); err != nil {
		return fmt.Errorf("finalize tracker %s: %w", tracker.ID, err)
	}
	return nil
}
