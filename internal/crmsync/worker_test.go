package crmsync

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/ignite/bulk-emailer/internal/emailer"
)

type fakeSyncStore struct {
	subscribers map[uuid.UUID]*emailer.Subscriber
	lists       map[uuid.UUID]*emailer.MailingList
	memberships map[uuid.UUID][]uuid.UUID // subscriber -> lists
	unsynced    []*emailer.Subscriber
	synced      []uuid.UUID
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{
		subscribers: make(map[uuid.UUID]*emailer.Subscriber),
		lists:       make(map[uuid.UUID]*emailer.MailingList),
		memberships: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (f *fakeSyncStore) GetSubscriber(ctx context.Context, subID uuid.UUID) (*emailer.Subscriber, error) {
	return f.subscribers[subID], nil
}

func (f *fakeSyncStore) GetList(ctx context.Context, listID uuid.UUID) (*emailer.MailingList, error) {
	return f.lists[listID], nil
}

func (f *fakeSyncStore) ListIDsForSubscriber(ctx context.Context, subscriberID uuid.UUID) ([]uuid.UUID, error) {
	return f.memberships[subscriberID], nil
}

func (f *fakeSyncStore) MarkSubscriberSynced(ctx context.Context, subscriberID uuid.UUID) error {
	f.synced = append(f.synced, subscriberID)
	return nil
}

func (f *fakeSyncStore) UnsyncedSubscribers(ctx context.Context, limit int) ([]*emailer.Subscriber, error) {
	return f.unsynced, nil
}

type fakeClient struct {
	upserts       []Member
	upsertedLists []uuid.UUID
	unsubscribed  []string
}

func (f *fakeClient) UpsertMember(ctx context.Context, list *emailer.MailingList, member Member) error {
	f.upserts = append(f.upserts, member)
	f.upsertedLists = append(f.upsertedLists, list.ID)
	return nil
}

func (f *fakeClient) Unsubscribe(ctx context.Context, list *emailer.MailingList, emailHash string) error {
	f.unsubscribed = append(f.unsubscribed, emailHash)
	return nil
}

func syncList(name string, syncEnabled bool) *emailer.MailingList {
	return &emailer.MailingList{ID: uuid.New(), Name: name, CRMSync: syncEnabled}
}

func TestSyncPendingUpsertsOnSyncEnabledListsOnly(t *testing.T) {
	store := newFakeSyncStore()
	enabled := syncList("Synced List", true)
	disabled := syncList("Local Only", false)
	store.lists[enabled.ID] = enabled
	store.lists[disabled.ID] = disabled

	sub := &emailer.Subscriber{
		ID:        uuid.New(),
		Email:     "jamie@example.com",
		CRMEmail:  "jamie@example.com",
		FirstName: "Jamie",
		LastName:  "Doe",
	}
	store.subscribers[sub.ID] = sub
	store.memberships[sub.ID] = []uuid.UUID{enabled.ID, disabled.ID}
	store.unsynced = []*emailer.Subscriber{sub}

	client := &fakeClient{}
	worker := NewWorker(store, nil, client)
	if err := worker.SyncPending(context.Background()); err != nil {
		t.Fatalf("SyncPending() error: %v", err)
	}

	if len(client.upserts) != 1 {
		t.Fatalf("upserted %d members, want 1", len(client.upserts))
	}
	if client.upsertedLists[0] != enabled.ID {
		t.Error("upsert went to the wrong list")
	}
	member := client.upserts[0]
	if member.EmailHash != emailer.HashEmail("jamie@example.com") {
		t.Errorf("member hash = %q, want hash of the crm email", member.EmailHash)
	}
	if member.FirstName != "Jamie" || member.LastName != "Doe" {
		t.Errorf("member names = %q %q", member.FirstName, member.LastName)
	}
	if len(store.synced) != 1 || store.synced[0] != sub.ID {
		t.Error("subscriber should be marked synced after the upsert")
	}
}

func TestSyncPendingNoMembershipsStillMarksSynced(t *testing.T) {
	store := newFakeSyncStore()
	sub := &emailer.Subscriber{ID: uuid.New(), Email: "solo@example.com", CRMEmail: "solo@example.com"}
	store.subscribers[sub.ID] = sub
	store.unsynced = []*emailer.Subscriber{sub}

	client := &fakeClient{}
	worker := NewWorker(store, nil, client)
	if err := worker.SyncPending(context.Background()); err != nil {
		t.Fatalf("SyncPending() error: %v", err)
	}

	if len(client.upserts) != 0 {
		t.Error("no memberships means no upserts")
	}
	if len(store.synced) != 1 {
		t.Error("subscriber should still be marked synced")
	}
}

func TestUnsubscribeUsesCapturedLists(t *testing.T) {
	store := newFakeSyncStore()
	enabled := syncList("Synced List", true)
	disabled := syncList("Local Only", false)
	store.lists[enabled.ID] = enabled
	store.lists[disabled.ID] = disabled

	client := &fakeClient{}
	worker := NewWorker(store, nil, client)

	hash := emailer.HashEmail("gone@example.com")
	err := worker.unsubscribe(context.Background(), hash, []uuid.UUID{enabled.ID, disabled.ID})
	if err != nil {
		t.Fatalf("unsubscribe error: %v", err)
	}

	if len(client.unsubscribed) != 1 || client.unsubscribed[0] != hash {
		t.Errorf("unsubscribed = %v, want one call with %q", client.unsubscribed, hash)
	}
}
