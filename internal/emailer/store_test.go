package emailer

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewStore(db, nil), mock, func() { db.Close() }
}

func TestCreateSubscriberNormalizes(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO emailer_subscribers").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sub := &Subscriber{Email: "  User@Example.COM "}
	if err := store.CreateSubscriber(context.Background(), sub); err != nil {
		t.Fatalf("CreateSubscriber() error: %v", err)
	}

	if sub.Email != "user@example.com" {
		t.Errorf("email = %q, want lowercase", sub.Email)
	}
	if sub.FirstName != DefaultFirstName || sub.LastName != DefaultLastName {
		t.Errorf("name defaults not applied: %q %q", sub.FirstName, sub.LastName)
	}
	if len(sub.SubscriberKey) != SubscriberKeyLength {
		t.Errorf("subscriber key length = %d, want %d", len(sub.SubscriberKey), SubscriberKeyLength)
	}
	if sub.CRMEmail != "user@example.com" {
		t.Errorf("crm email = %q, want mirror of email", sub.CRMEmail)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateSubscriberRegeneratesKey(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE emailer_subscribers SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sub := &Subscriber{
		ID:            uuid.New(),
		Email:         "user@example.com",
		FirstName:     "Jamie",
		LastName:      "Doe",
		SubscriberKey: "old-key",
		CRMEmail:      "user@example.com",
	}
	if err := store.UpdateSubscriber(context.Background(), sub); err != nil {
		t.Fatalf("UpdateSubscriber() error: %v", err)
	}

	if sub.SubscriberKey == "old-key" || sub.SubscriberKey == "" {
		t.Error("subscriber key should be regenerated on every save")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateListDerivesSlug(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO emailer_lists").
		WillReturnResult(sqlmock.NewResult(0, 1))

	list := &MailingList{Name: "Weekly Digest"}
	if err := store.CreateList(context.Background(), list); err != nil {
		t.Fatalf("CreateList() error: %v", err)
	}

	if list.Slug != "weekly-digest" {
		t.Errorf("slug = %q, want weekly-digest", list.Slug)
	}
	if list.SecretKey == "" {
		t.Error("secret key should be generated on create")
	}
	if list.EmailDirectory != DefaultEmailDirectory {
		t.Errorf("email directory = %q, want default", list.EmailDirectory)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClaimMailItem(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	itemID := uuid.New()

	// First claim wins
	mock.ExpectExec("UPDATE emailer_items SET sendable = FALSE, sending = TRUE").
		WillReturnResult(sqlmock.NewResult(0, 1))
	claimed, err := store.ClaimMailItem(context.Background(), itemID)
	if err != nil {
		t.Fatalf("ClaimMailItem() error: %v", err)
	}
	if !claimed {
		t.Error("first claim should succeed")
	}

	// A concurrent run already flipped sendable: zero rows affected
	mock.ExpectExec("UPDATE emailer_items SET sendable = FALSE, sending = TRUE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	claimed, err = store.ClaimMailItem(context.Background(), itemID)
	if err != nil {
		t.Fatalf("ClaimMailItem() error: %v", err)
	}
	if claimed {
		t.Error("lost claim should report false")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestNextSendableEmptyQueue(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM emailer_items").
		WillReturnError(sql.ErrNoRows)

	item, err := store.NextSendable(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("NextSendable() error: %v", err)
	}
	if item != nil {
		t.Error("empty queue should return nil, nil")
	}
}

func TestDeleteStaleSubscribers(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	cutoff := time.Now().Add(-24 * time.Hour)
	mock.ExpectExec("DELETE FROM emailer_subscribers").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.DeleteStaleSubscribers(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteStaleSubscribers() error: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}
}

func TestDeleteExpiredStatsMonthMath(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM emailer_monthly_stats").
		WithArgs(2026*12+9, 12).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := store.DeleteExpiredStats(context.Background(), now, 12)
	if err != nil {
		t.Fatalf("DeleteExpiredStats() error: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAddMembershipIdempotent(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	listID, subID := uuid.New(), uuid.New()

	// Existing membership: ON CONFLICT DO NOTHING affects zero rows and
	// must not trigger a re-sync.
	mock.ExpectExec("INSERT INTO emailer_memberships").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.AddMembership(context.Background(), listID, subID); err != nil {
		t.Fatalf("AddMembership() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAddMembershipMarksUnsynced(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	listID, subID := uuid.New(), uuid.New()

	mock.ExpectExec("INSERT INTO emailer_memberships").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE emailer_subscribers SET crm_synced = FALSE").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.AddMembership(context.Background(), listID, subID); err != nil {
		t.Fatalf("AddMembership() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
