// Package emailer holds the core entities and raw-SQL store for the
// bulk-email pipeline: mailing lists, subscribers, mail items, send
// trackers and monthly stats.
package emailer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Subscriber name defaults applied when a signup form leaves them blank.
const (
	DefaultFirstName = "Anonymous"
	DefaultLastName  = "Subscriber"
)

// DefaultEmailDirectory is the template directory a new list starts with.
const DefaultEmailDirectory = "templates/emails"

// MailingList is a named subscription list. Slug is recomputed from Name
// on every save; SecretKey is generated once and stable thereafter.
type MailingList struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Slug            string    `json:"slug" db:"slug"`
	DescriptiveText string    `json:"descriptive_text" db:"descriptive_text"`
	PubliclyVisible bool      `json:"publicly_visible" db:"publicly_visible"`
	UsePages        bool      `json:"use_pages" db:"use_pages"`
	EmailDirectory  string    `json:"email_directory" db:"email_directory"`
	SortOrder       int       `json:"sort_order" db:"sort_order"`
	SecretKey       string    `json:"-" db:"secret_key"`

	// External CRM sync settings. The wire protocol lives behind the
	// crmsync package's client interface.
	CRMSync   bool   `json:"crm_sync" db:"crm_sync"`
	CRMUser   string `json:"-" db:"crm_user"`
	CRMAPIKey string `json:"-" db:"crm_api_key"`
	CRMListID string `json:"crm_list_id" db:"crm_list_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Subscriber is a recipient. Email is stored lowercase and SubscriberKey
// is a 64-char random key regenerated on every save; it is never empty
// after a successful save.
type Subscriber struct {
	ID            uuid.UUID `json:"id" db:"id"`
	Email         string    `json:"email" db:"email"`
	FirstName     string    `json:"first_name" db:"first_name"`
	LastName      string    `json:"last_name" db:"last_name"`
	SubscriberKey string    `json:"-" db:"subscriber_key"`
	CRMEmail      string    `json:"crm_email" db:"crm_email"`
	CRMSynced     bool      `json:"crm_synced" db:"crm_synced"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// DisplayName renders the envelope-friendly recipient name.
func (s *Subscriber) DisplayName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// ToAddress formats the RFC 5322 destination address.
func (s *Subscriber) ToAddress() string {
	return fmt.Sprintf("%q <%s>", s.DisplayName(), s.Email)
}

// MailItem is one bulk-email content object. The sendable/sending/sent
// flags drive the dispatch state machine: sendable items are queued,
// sending marks an in-flight run, sent records that at least one send
// completed. UpdatedAt bumps on every save and orders the per-list queue;
// UpdatePublishedAt moves only when UpdateText actually changes.
type MailItem struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	ListID           *uuid.UUID `json:"list_id" db:"list_id"`
	Headline         string     `json:"headline" db:"headline"`
	BodyText         string     `json:"body_text" db:"body_text"`
	UpdateText       string     `json:"update_text" db:"update_text"`
	PublicationDate  time.Time  `json:"publication_date" db:"publication_date"`
	DeletionDate     *time.Time `json:"deletion_date" db:"deletion_date"`
	Published        bool       `json:"published" db:"published"`
	IsUpdated        bool       `json:"is_updated" db:"is_updated"`
	Sendable         bool       `json:"sendable" db:"sendable"`
	Sending          bool       `json:"sending" db:"sending"`
	Sent             bool       `json:"sent" db:"sent"`
	SendHistory      string     `json:"send_history" db:"send_history"`
	UpdatePublishedAt *time.Time `json:"update_published_at" db:"update_published_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// EmailSubject is the subject line used for sends and tracker snapshots.
func (m *MailItem) EmailSubject() string {
	if m.IsUpdated {
		return "Updated: " + m.Headline
	}
	return m.Headline
}

// ShortHeadline truncates long headlines for logs and listings.
func (m *MailItem) ShortHeadline() string {
	if len(m.Headline) > 30 {
		return m.Headline[:27] + "..."
	}
	return m.Headline
}

// Tracker is the per-send record. Subject and ListName are snapshots
// taken at send time so later list renames do not corrupt history.
// Ledger maps subscriber key to the [year, month] of the first open.
type Tracker struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Subject      string    `json:"subject" db:"subject"`
	ListName     string    `json:"list_name" db:"list_name"`
	SendComplete time.Time `json:"send_complete" db:"send_complete"`
	NumberSent   int       `json:"number_sent" db:"number_sent"`
	Ledger       Ledger    `json:"ledger" db:"ledger"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// SendCompleteString is the human-readable completion timestamp used in
// stat rows and send history.
func (t *Tracker) SendCompleteString() string {
	return t.SendComplete.Format("Jan. 2, 2006, 3:04 PM")
}

// AgeInMonths is the whole-month distance from SendComplete to now,
// computed at calendar-month granularity rather than exact days.
func (t *Tracker) AgeInMonths(now time.Time) int {
	return (now.Year()*12 + int(now.Month())) -
		(t.SendComplete.Year()*12 + int(t.SendComplete.Month()))
}

// MonthlyStat caches one month's rendered stats table. CurrentTrackers
// were sent within the month; OlderTrackers were sent earlier but first
// opened during it. A tracker belongs to at most one stat, in one set.
type MonthlyStat struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Year      int       `json:"year" db:"year"`
	Month     int       `json:"month" db:"month"`
	StatData  string    `json:"stat_data" db:"stat_data"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// MonthAndYear renders e.g. "September 2026" for display.
func (ms *MonthlyStat) MonthAndYear() string {
	return fmt.Sprintf("%s %d", time.Month(ms.Month).String(), ms.Year)
}
