package emailer

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventPublisher receives subscriber lifecycle events so the CRM sync
// worker can reconcile external list membership. A nil publisher disables
// event emission; store operations never fail because of it.
type EventPublisher interface {
	SubscriberChanged(ctx context.Context, subscriberID uuid.UUID)
	SubscriberDeleted(ctx context.Context, emailHash string, listIDs []uuid.UUID)
}

// HashEmail produces the md5 hex digest CRM APIs use as a member key.
func HashEmail(email string) string {
	h := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(h[:])
}

// Store provides database operations for emailer entities.
type Store struct {
	db     *sql.DB
	events EventPublisher

	// ItemRetentionDays sets the deletion date of new mail items to
	// now + N days. Zero disables automatic expiry.
	ItemRetentionDays int
}

// NewStore creates a store. publisher may be nil.
func NewStore(db *sql.DB, publisher EventPublisher) *Store {
	return &Store{db: db, events: publisher}
}

// DB exposes the underlying handle for advisory locks and migrations.
func (s *Store) DB() *sql.DB { return s.db }

// ---------------------------------------------------------------------------
// Mailing lists
// ---------------------------------------------------------------------------

// CreateList inserts a list. Slug is derived from the name and the secret
// key is generated here, once.
func (s *Store) CreateList(ctx context.Context, list *MailingList) error {
	list.ID = uuid.New()
	list.Slug = Slugify(list.Name)
	if list.SecretKey == "" {
		list.SecretKey = NewSecretKey()
	}
	if list.EmailDirectory == "" {
		list.EmailDirectory = DefaultEmailDirectory
	}
	list.CreatedAt = time.Now()
	list.UpdatedAt = list.CreatedAt

	query := `INSERT INTO emailer_lists (id, name, slug, descriptive_text, publicly_visible,
		use_pages, email_directory, sort_order, secret_key, crm_sync, crm_user, crm_api_key,
		crm_list_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.db.ExecContext(ctx, query, list.ID, list.Name, list.Slug, list.DescriptiveText,
		list.PubliclyVisible, list.UsePages, list.EmailDirectory, list.SortOrder, list.SecretKey,
		list.CRMSync, list.CRMUser, list.CRMAPIKey, list.CRMListID, list.CreatedAt, list.UpdatedAt)
	return err
}

// UpdateList saves list fields, recomputing the slug from the name. The
// secret key is deliberately not touched.
func (s *Store) UpdateList(ctx context.Context, list *MailingList) error {
	list.Slug = Slugify(list.Name)
	list.UpdatedAt = time.Now()

	query := `UPDATE emailer_lists SET name = $2, slug = $3, descriptive_text = $4,
		publicly_visible = $5, use_pages = $6, email_directory = $7, sort_order = $8,
		crm_sync = $9, crm_user = $10, crm_api_key = $11, crm_list_id = $12, updated_at = $13
		WHERE id = $1`

	_, err := s.db.ExecContext(ctx, query, list.ID, list.Name, list.Slug, list.DescriptiveText,
		list.PubliclyVisible, list.UsePages, list.EmailDirectory, list.SortOrder,
		list.CRMSync, list.CRMUser, list.CRMAPIKey, list.CRMListID, list.UpdatedAt)
	return err
}

const listColumns = `id, name, slug, descriptive_text, publicly_visible, use_pages,
	email_directory, sort_order, secret_key, crm_sync, crm_user, crm_api_key, crm_list_id,
	created_at, updated_at`

func scanList(row interface{ Scan(...interface{}) error }) (*MailingList, error) {
	list := &MailingList{}
	err := row.Scan(&list.ID, &list.Name, &list.Slug, &list.DescriptiveText,
		&list.PubliclyVisible, &list.UsePages, &list.EmailDirectory, &list.SortOrder,
		&list.SecretKey, &list.CRMSync, &list.CRMUser, &list.CRMAPIKey, &list.CRMListID,
		&list.CreatedAt, &list.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return list, nil
}

// GetList retrieves a list by ID.
func (s *Store) GetList(ctx context.Context, listID uuid.UUID) (*MailingList, error) {
	query := `SELECT ` + listColumns + ` FROM emailer_lists WHERE id = $1`
	list, err := scanList(s.db.QueryRowContext(ctx, query, listID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return list, err
}

// GetLists returns all lists in dispatch priority order (ascending
// sort_order; name breaks ties so the order is stable).
func (s *Store) GetLists(ctx context.Context) ([]*MailingList, error) {
	query := `SELECT ` + listColumns + ` FROM emailer_lists ORDER BY sort_order, name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lists []*MailingList
	for rows.Next() {
		list, err := scanList(rows)
		if err != nil {
			return nil, err
		}
		lists = append(lists, list)
	}
	return lists, rows.Err()
}

// DeleteList removes a list. Items pointing at it keep existing with a
// null list reference (ON DELETE SET NULL); memberships cascade.
func (s *Store) DeleteList(ctx context.Context, listID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM emailer_lists WHERE id = $1`, listID)
	return err
}

// ---------------------------------------------------------------------------
// Subscribers
// ---------------------------------------------------------------------------

// CreateSubscriber inserts a subscriber, normalizing the email to
// lowercase, filling name defaults and generating the access key.
func (s *Store) CreateSubscriber(ctx context.Context, sub *Subscriber) error {
	sub.ID = uuid.New()
	sub.Email = strings.ToLower(strings.TrimSpace(sub.Email))
	if sub.FirstName == "" {
		sub.FirstName = DefaultFirstName
	}
	if sub.LastName == "" {
		sub.LastName = DefaultLastName
	}
	sub.SubscriberKey = NewSubscriberKey()
	if sub.CRMEmail == "" {
		sub.CRMEmail = sub.Email
	}
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt

	query := `INSERT INTO emailer_subscribers (id, email, first_name, last_name,
		subscriber_key, crm_email, crm_synced, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query, sub.ID, sub.Email, sub.FirstName, sub.LastName,
		sub.SubscriberKey, sub.CRMEmail, sub.CRMSynced, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return err
	}
	if s.events != nil {
		s.events.SubscriberChanged(ctx, sub.ID)
	}
	return nil
}

// UpdateSubscriber saves subscriber fields. The access key is regenerated
// on every save so it can never end up empty, the email is normalized,
// and changing any identity field clears the synced flag so the CRM
// worker picks the subscriber up again.
func (s *Store) UpdateSubscriber(ctx context.Context, sub *Subscriber) error {
	sub.Email = strings.ToLower(strings.TrimSpace(sub.Email))
	sub.SubscriberKey = NewSubscriberKey()
	if sub.CRMEmail == "" {
		sub.CRMEmail = sub.Email
	}
	sub.UpdatedAt = time.Now()

	query := `UPDATE emailer_subscribers SET
		crm_synced = crm_synced AND first_name = $3 AND last_name = $4 AND email = $2,
		email = $2, first_name = $3, last_name = $4, subscriber_key = $5,
		crm_email = $6, updated_at = $7
		WHERE id = $1`

	_, err := s.db.ExecContext(ctx, query, sub.ID, sub.Email, sub.FirstName, sub.LastName,
		sub.SubscriberKey, sub.CRMEmail, sub.UpdatedAt)
	if err != nil {
		return err
	}
	if s.events != nil {
		s.events.SubscriberChanged(ctx, sub.ID)
	}
	return nil
}

const subscriberColumns = `id, email, first_name, last_name, subscriber_key, crm_email,
	crm_synced, created_at, updated_at`

func scanSubscriber(row interface{ Scan(...interface{}) error }) (*Subscriber, error) {
	sub := &Subscriber{}
	err := row.Scan(&sub.ID, &sub.Email, &sub.FirstName, &sub.LastName, &sub.SubscriberKey,
		&sub.CRMEmail, &sub.CRMSynced, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubscriber retrieves a subscriber by ID.
func (s *Store) GetSubscriber(ctx context.Context, subID uuid.UUID) (*Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM emailer_subscribers WHERE id = $1`
	sub, err := scanSubscriber(s.db.QueryRowContext(ctx, query, subID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// GetSubscriberByEmail retrieves a subscriber by normalized email.
func (s *Store) GetSubscriberByEmail(ctx context.Context, email string) (*Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM emailer_subscribers WHERE email = $1`
	sub, err := scanSubscriber(s.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// GetSubscribersForList returns every member of a list. Iteration order
// within a dispatch run is unspecified; id ordering keeps reruns stable.
func (s *Store) GetSubscribersForList(ctx context.Context, listID uuid.UUID) ([]*Subscriber, error) {
	query := `SELECT s.id, s.email, s.first_name, s.last_name, s.subscriber_key, s.crm_email,
		s.crm_synced, s.created_at, s.updated_at
		FROM emailer_subscribers s
		JOIN emailer_memberships m ON m.subscriber_id = s.id
		WHERE m.list_id = $1
		ORDER BY s.id`

	rows, err := s.db.QueryContext(ctx, query, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// AddMembership subscribes a subscriber to a list. Re-adding an existing
// membership is a no-op. Membership changes mark the subscriber for CRM
// re-sync.
func (s *Store) AddMembership(ctx context.Context, listID, subscriberID uuid.UUID) error {
	query := `INSERT INTO emailer_memberships (list_id, subscriber_id, created_at)
		VALUES ($1, $2, $3) ON CONFLICT (list_id, subscriber_id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query, listID, subscriberID, time.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return s.markUnsynced(ctx, subscriberID)
	}
	return nil
}

// RemoveMembership unsubscribes a subscriber from a list.
func (s *Store) RemoveMembership(ctx context.Context, listID, subscriberID uuid.UUID) error {
	query := `DELETE FROM emailer_memberships WHERE list_id = $1 AND subscriber_id = $2`
	res, err := s.db.ExecContext(ctx, query, listID, subscriberID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return s.markUnsynced(ctx, subscriberID)
	}
	return nil
}

func (s *Store) markUnsynced(ctx context.Context, subscriberID uuid.UUID) error {
	query := `UPDATE emailer_subscribers SET crm_synced = FALSE, updated_at = $2 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, subscriberID, time.Now()); err != nil {
		return err
	}
	if s.events != nil {
		s.events.SubscriberChanged(ctx, subscriberID)
	}
	return nil
}

// ListIDsForSubscriber returns the ids of lists the subscriber belongs to.
func (s *Store) ListIDsForSubscriber(ctx context.Context, subscriberID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT list_id FROM emailer_memberships WHERE subscriber_id = $1`
	rows, err := s.db.QueryContext(ctx, query, subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSubscriber removes a subscriber, emitting a deletion event with
// the CRM hash and list ids so the sync worker can unsubscribe the
// external member.
func (s *Store) DeleteSubscriber(ctx context.Context, subscriberID uuid.UUID) error {
	sub, err := s.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	listIDs, err := s.ListIDsForSubscriber(ctx, subscriberID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM emailer_subscribers WHERE id = $1`, subscriberID); err != nil {
		return err
	}
	if s.events != nil {
		s.events.SubscriberDeleted(ctx, HashEmail(sub.CRMEmail), listIDs)
	}
	return nil
}

// MarkSubscriberSynced records a successful CRM reconciliation.
func (s *Store) MarkSubscriberSynced(ctx context.Context, subscriberID uuid.UUID) error {
	query := `UPDATE emailer_subscribers SET crm_synced = TRUE, updated_at = $2 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, subscriberID, time.Now())
	return err
}

// UnsyncedSubscribers returns subscribers awaiting CRM reconciliation.
func (s *Store) UnsyncedSubscribers(ctx context.Context, limit int) ([]*Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM emailer_subscribers
		WHERE crm_synced = FALSE ORDER BY updated_at LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ---------------------------------------------------------------------------
// Mail items
// ---------------------------------------------------------------------------

// CreateMailItem inserts an item, computing the deletion date from the
// configured retention window when one is set.
func (s *Store) CreateMailItem(ctx context.Context, item *MailItem) error {
	item.ID = uuid.New()
	if item.PublicationDate.IsZero() {
		item.PublicationDate = time.Now()
	}
	if item.DeletionDate == nil && s.ItemRetentionDays > 0 {
		d := time.Now().AddDate(0, 0, s.ItemRetentionDays)
		item.DeletionDate = &d
	}
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt

	query := `INSERT INTO emailer_items (id, list_id, headline, body_text, update_text,
		publication_date, deletion_date, published, is_updated, sendable, sending, sent,
		send_history, update_published_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := s.db.ExecContext(ctx, query, item.ID, item.ListID, item.Headline, item.BodyText,
		item.UpdateText, item.PublicationDate, item.DeletionDate, item.Published, item.IsUpdated,
		item.Sendable, item.Sending, item.Sent, item.SendHistory, item.UpdatePublishedAt,
		item.CreatedAt, item.UpdatedAt)
	return err
}

// UpdateMailItem saves item fields. updated_at bumps on every save (it
// orders the per-list send queue, so an edited item moves to the back);
// update_published_at moves only when the update text actually changes.
// The SET expressions read the pre-update row, so the comparison sees the
// old update_text.
func (s *Store) UpdateMailItem(ctx context.Context, item *MailItem) error {
	item.UpdatedAt = time.Now()

	query := `UPDATE emailer_items SET
		update_published_at = CASE WHEN update_text IS DISTINCT FROM $5 THEN $14 ELSE update_published_at END,
		list_id = $2, headline = $3, body_text = $4, update_text = $5,
		publication_date = $6, deletion_date = $7, published = $8, is_updated = $9,
		sendable = $10, sending = $11, sent = $12, send_history = $13, updated_at = $14
		WHERE id = $1`

	_, err := s.db.ExecContext(ctx, query, item.ID, item.ListID, item.Headline, item.BodyText,
		item.UpdateText, item.PublicationDate, item.DeletionDate, item.Published, item.IsUpdated,
		item.Sendable, item.Sending, item.Sent, item.SendHistory, item.UpdatedAt)
	return err
}

const itemColumns = `id, list_id, headline, body_text, update_text, publication_date,
	deletion_date, published, is_updated, sendable, sending, sent, send_history,
	update_published_at, created_at, updated_at`

func scanItem(row interface{ Scan(...interface{}) error }) (*MailItem, error) {
	item := &MailItem{}
	err := row.Scan(&item.ID, &item.ListID, &item.Headline, &item.BodyText, &item.UpdateText,
		&item.PublicationDate, &item.DeletionDate, &item.Published, &item.IsUpdated,
		&item.Sendable, &item.Sending, &item.Sent, &item.SendHistory, &item.UpdatePublishedAt,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// GetMailItem retrieves an item by ID.
func (s *Store) GetMailItem(ctx context.Context, itemID uuid.UUID) (*MailItem, error) {
	query := `SELECT ` + itemColumns + ` FROM emailer_items WHERE id = $1`
	item, err := scanItem(s.db.QueryRowContext(ctx, query, itemID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// NextSendable returns the sendable item for a list that has waited
// longest since its last edit, or nil when the list queue is empty.
func (s *Store) NextSendable(ctx context.Context, listID uuid.UUID) (*MailItem, error) {
	query := `SELECT ` + itemColumns + ` FROM emailer_items
		WHERE list_id = $1 AND sendable = TRUE ORDER BY updated_at LIMIT 1`
	item, err := scanItem(s.db.QueryRowContext(ctx, query, listID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// ClaimMailItem atomically takes an item off the send queue. The
// conditional write is what prevents two concurrent dispatch runs from
// both picking the same item: only one UPDATE can see sendable = TRUE.
func (s *Store) ClaimMailItem(ctx context.Context, itemID uuid.UUID) (bool, error) {
	query := `UPDATE emailer_items SET sendable = FALSE, sending = TRUE, updated_at = $2
		WHERE id = $1 AND sendable = TRUE`
	res, err := s.db.ExecContext(ctx, query, itemID, time.Now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinalizeMailItem releases the sending flag after a completed run,
// marks the item sent, and prepends the history entry.
func (s *Store) FinalizeMailItem(ctx context.Context, itemID uuid.UUID, historyEntry string) error {
	query := `UPDATE emailer_items SET sending = FALSE, sent = TRUE,
		send_history = $2 || send_history, updated_at = $3
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, itemID, historyEntry, time.Now())
	return err
}

// DeleteExpiredItems removes items whose deletion date is on or before
// the given day. Returns the number deleted.
func (s *Store) DeleteExpiredItems(ctx context.Context, today time.Time) (int64, error) {
	query := `DELETE FROM emailer_items WHERE deletion_date IS NOT NULL AND deletion_date <= $1`
	res, err := s.db.ExecContext(ctx, query, today)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteStaleSubscribers removes subscribers with no memberships created
// before the cutoff. The grace period keeps in-flight double opt-ins
// alive. Returns the number deleted.
func (s *Store) DeleteStaleSubscribers(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM emailer_subscribers
		WHERE created_at <= $1
		AND NOT EXISTS (
			SELECT 1 FROM emailer_memberships m WHERE m.subscriber_id = emailer_subscribers.id
		)`
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Trackers
// ---------------------------------------------------------------------------

// CreateTracker records the start of a send with subject and list-name
// snapshots, so later list renames cannot corrupt historical stats.
func (s *Store) CreateTracker(ctx context.Context, tracker *Tracker) error {
	tracker.ID = uuid.New()
	if tracker.Ledger == nil {
		tracker.Ledger = Ledger{}
	}
	tracker.CreatedAt = time.Now()
	tracker.UpdatedAt = tracker.CreatedAt

	query := `INSERT INTO emailer_trackers (id, subject, list_name, send_complete,
		number_sent, ledger, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query, tracker.ID, tracker.Subject, tracker.ListName,
		tracker.SendComplete, tracker.NumberSent, tracker.Ledger, tracker.CreatedAt,
		tracker.UpdatedAt)
	return err
}

const trackerColumns = `id, subject, list_name, send_complete, number_sent, ledger,
	created_at, updated_at`

func scanTracker(row interface{ Scan(...interface{}) error }) (*Tracker, error) {
	tracker := &Tracker{}
	err := row.Scan(&tracker.ID, &tracker.Subject, &tracker.ListName, &tracker.SendComplete,
		&tracker.NumberSent, &tracker.Ledger, &tracker.CreatedAt, &tracker.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return tracker, nil
}

// GetTracker retrieves a tracker by ID.
func (s *Store) GetTracker(ctx context.Context, trackerID uuid.UUID) (*Tracker, error) {
	query := `SELECT ` + trackerColumns + ` FROM emailer_trackers WHERE id = $1`
	tracker, err := scanTracker(s.db.QueryRowContext(ctx, query, trackerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tracker, err
}

// GetTrackers returns every tracker, oldest send first.
func (s *Store) GetTrackers(ctx context.Context) ([]*Tracker, error) {
	query := `SELECT ` + trackerColumns + ` FROM emailer_trackers ORDER BY send_complete`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trackers []*Tracker
	for rows.Next() {
		tracker, err := scanTracker(rows)
		if err != nil {
			return nil, err
		}
		trackers = append(trackers, tracker)
	}
	return trackers, rows.Err()
}

// FinalizeTracker records the completion time and delivered count.
func (s *Store) FinalizeTracker(ctx context.Context, trackerID uuid.UUID, sendComplete time.Time, numberSent int) error {
	query := `UPDATE emailer_trackers SET send_complete = $2, number_sent = $3, updated_at = $4
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, trackerID, sendComplete, numberSent, time.Now())
	return err
}

// SaveTrackerLedger persists the mutated open ledger.
func (s *Store) SaveTrackerLedger(ctx context.Context, trackerID uuid.UUID, ledger Ledger) error {
	query := `UPDATE emailer_trackers SET ledger = $2, updated_at = $3 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, trackerID, ledger, time.Now())
	return err
}

// DeleteTracker removes a tracker; stat attachments cascade.
func (s *Store) DeleteTracker(ctx context.Context, trackerID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM emailer_trackers WHERE id = $1`, trackerID)
	return err
}

// ---------------------------------------------------------------------------
// Monthly stats
// ---------------------------------------------------------------------------

// GetOrCreateMonthlyStat fetches the stat row for (year, month), creating
// an empty one if this is the first rollup of the month.
func (s *Store) GetOrCreateMonthlyStat(ctx context.Context, year, month int) (*MonthlyStat, error) {
	query := `SELECT id, year, month, stat_data, created_at, updated_at
		FROM emailer_monthly_stats WHERE year = $1 AND month = $2`

	stat := &MonthlyStat{}
	err := s.db.QueryRowContext(ctx, query, year, month).Scan(
		&stat.ID, &stat.Year, &stat.Month, &stat.StatData, &stat.CreatedAt, &stat.UpdatedAt)
	if err == nil {
		return stat, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	stat = &MonthlyStat{
		ID:        uuid.New(),
		Year:      year,
		Month:     month,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	insert := `INSERT INTO emailer_monthly_stats (id, year, month, stat_data, created_at, updated_at)
		VALUES ($1, $2, $3, '', $4, $5)`
	if _, err := s.db.ExecContext(ctx, insert, stat.ID, stat.Year, stat.Month, stat.CreatedAt, stat.UpdatedAt); err != nil {
		return nil, err
	}
	return stat, nil
}

// IsTrackerAttached reports whether a tracker already belongs to any
// monthly stat, in either the current or older set. Attachment happens at
// most once per tracker; attached trackers are never re-evaluated.
func (s *Store) IsTrackerAttached(ctx context.Context, trackerID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (
			SELECT 1 FROM emailer_stat_current WHERE tracker_id = $1
		) OR EXISTS (
			SELECT 1 FROM emailer_stat_older WHERE tracker_id = $1
		)`
	var attached bool
	err := s.db.QueryRowContext(ctx, query, trackerID).Scan(&attached)
	return attached, err
}

// AttachTracker links a tracker to a monthly stat's current or older set.
func (s *Store) AttachTracker(ctx context.Context, statID, trackerID uuid.UUID, current bool) error {
	table := "emailer_stat_older"
	if current {
		table = "emailer_stat_current"
	}
	query := fmt.Sprintf(`INSERT INTO %s (stat_id, tracker_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, table)
	_, err := s.db.ExecContext(ctx, query, statID, trackerID)
	return err
}

// AttachedTrackers returns one of a stat's tracker sets, oldest send
// first so repeat renders walk them in a stable order.
func (s *Store) AttachedTrackers(ctx context.Context, statID uuid.UUID, current bool) ([]*Tracker, error) {
	table := "emailer_stat_older"
	if current {
		table = "emailer_stat_current"
	}
	query := fmt.Sprintf(`SELECT t.id, t.subject, t.list_name, t.send_complete, t.number_sent,
		t.ledger, t.created_at, t.updated_at
		FROM emailer_trackers t
		JOIN %s a ON a.tracker_id = t.id
		WHERE a.stat_id = $1
		ORDER BY t.send_complete, t.id`, table)

	rows, err := s.db.QueryContext(ctx, query, statID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trackers []*Tracker
	for rows.Next() {
		tracker, err := scanTracker(rows)
		if err != nil {
			return nil, err
		}
		trackers = append(trackers, tracker)
	}
	return trackers, rows.Err()
}

// SaveStatData overwrites a stat's rendered table fragment.
func (s *Store) SaveStatData(ctx context.Context, statID uuid.UUID, statData string) error {
	query := `UPDATE emailer_monthly_stats SET stat_data = $2, updated_at = $3 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, statID, statData, time.Now())
	return err
}

// DeleteExpiredStats removes monthly stats at least the given number of
// whole calendar months old. Returns the number deleted.
func (s *Store) DeleteExpiredStats(ctx context.Context, now time.Time, monthsSaved int) (int64, error) {
	query := `DELETE FROM emailer_monthly_stats
		WHERE ($1 - (year * 12 + month)) >= $2`
	res, err := s.db.ExecContext(ctx, query, now.Year()*12+int(now.Month()), monthsSaved)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
