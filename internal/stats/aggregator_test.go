package stats

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/bulk-emailer/internal/emailer"
)

type fakeStatStore struct {
	stat     *emailer.MonthlyStat
	trackers []*emailer.Tracker

	deleted   map[uuid.UUID]bool
	attached  map[uuid.UUID]bool // tracker -> current
	savedData string
	attachN   int
}

func newFakeStatStore(year, month int) *fakeStatStore {
	return &fakeStatStore{
		stat:     &emailer.MonthlyStat{ID: uuid.New(), Year: year, Month: month},
		deleted:  make(map[uuid.UUID]bool),
		attached: make(map[uuid.UUID]bool),
	}
}

func (f *fakeStatStore) GetOrCreateMonthlyStat(ctx context.Context, year, month int) (*emailer.MonthlyStat, error) {
	return f.stat, nil
}

func (f *fakeStatStore) GetTrackers(ctx context.Context) ([]*emailer.Tracker, error) {
	var alive []*emailer.Tracker
	for _, tr := range f.trackers {
		if !f.deleted[tr.ID] {
			alive = append(alive, tr)
		}
	}
	return alive, nil
}

func (f *fakeStatStore) DeleteTracker(ctx context.Context, trackerID uuid.UUID) error {
	f.deleted[trackerID] = true
	return nil
}

func (f *fakeStatStore) IsTrackerAttached(ctx context.Context, trackerID uuid.UUID) (bool, error) {
	_, ok := f.attached[trackerID]
	return ok, nil
}

func (f *fakeStatStore) AttachTracker(ctx context.Context, statID, trackerID uuid.UUID, current bool) error {
	f.attached[trackerID] = current
	f.attachN++
	return nil
}

func (f *fakeStatStore) AttachedTrackers(ctx context.Context, statID uuid.UUID, current bool) ([]*emailer.Tracker, error) {
	var out []*emailer.Tracker
	for _, tr := range f.trackers {
		if isCurrent, ok := f.attached[tr.ID]; ok && isCurrent == current && !f.deleted[tr.ID] {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (f *fakeStatStore) SaveStatData(ctx context.Context, statID uuid.UUID, statData string) error {
	f.savedData = statData
	return nil
}

var statsNow = time.Date(2026, time.September, 15, 12, 0, 0, 0, time.UTC)

func newTestAggregator(store Store) *Aggregator {
	a := NewAggregator(store, 3)
	a.now = func() time.Time { return statsNow }
	return a
}

func tracker(subject, listName string, sent time.Time, numberSent int, ledger emailer.Ledger) *emailer.Tracker {
	return &emailer.Tracker{
		ID:           uuid.New(),
		Subject:      subject,
		ListName:     listName,
		SendComplete: sent,
		NumberSent:   numberSent,
		Ledger:       ledger,
	}
}

func openedBy(keys ...string) emailer.Ledger {
	l := emailer.Ledger{}
	for _, k := range keys {
		l.Record(k, statsNow.Year(), int(statsNow.Month()))
	}
	return l
}

func TestRunExpiresTrackersAtWindowBoundary(t *testing.T) {
	store := newFakeStatStore(2026, 9)
	threeMonths := tracker("Old Send", "Weekly Digest",
		time.Date(2026, time.June, 30, 0, 0, 0, 0, time.UTC), 50, emailer.Ledger{})
	twoMonths := tracker("Recent Send", "Weekly Digest",
		time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC), 50, emailer.Ledger{})
	store.trackers = []*emailer.Tracker{threeMonths, twoMonths}

	if err := newTestAggregator(store).Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if !store.deleted[threeMonths.ID] {
		t.Error("tracker exactly three whole months old should be purged")
	}
	if store.deleted[twoMonths.ID] {
		t.Error("tracker two whole months old should survive")
	}
}

func TestRunAttachesCurrentAndOlder(t *testing.T) {
	store := newFakeStatStore(2026, 9)
	sentThisMonth := tracker("September Issue", "Weekly Digest",
		statsNow.Add(-48*time.Hour), 100, openedBy("k1", "k2"))
	sentLastMonth := tracker("August Issue", "Weekly Digest",
		time.Date(2026, time.August, 20, 0, 0, 0, 0, time.UTC), 80, openedBy("k3"))
	neverOpened := tracker("Unopened Issue", "Weekly Digest",
		statsNow.Add(-24*time.Hour), 60, emailer.Ledger{})
	store.trackers = []*emailer.Tracker{sentThisMonth, sentLastMonth, neverOpened}

	if err := newTestAggregator(store).Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if current, ok := store.attached[sentThisMonth.ID]; !ok || !current {
		t.Error("tracker sent this month should attach to the current set")
	}
	if current, ok := store.attached[sentLastMonth.ID]; !ok || current {
		t.Error("tracker sent last month with an open this month should attach to the older set")
	}
	if _, ok := store.attached[neverOpened.ID]; ok {
		t.Error("tracker with an empty ledger should not attach")
	}
}

func TestRunAttachIsAtMostOnce(t *testing.T) {
	store := newFakeStatStore(2026, 9)
	tr := tracker("September Issue", "Weekly Digest", statsNow.Add(-time.Hour), 100, openedBy("k1"))
	store.trackers = []*emailer.Tracker{tr}
	agg := newTestAggregator(store)

	if err := agg.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if err := agg.Run(context.Background()); err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if store.attachN != 1 {
		t.Errorf("AttachTracker was called %d times, want once", store.attachN)
	}
}

func TestRunRendersGroupsInOrder(t *testing.T) {
	store := newFakeStatStore(2026, 9)
	store.trackers = []*emailer.Tracker{
		tracker("Zeta News", "Zeta List", statsNow.Add(-time.Hour), 40, openedBy("k1")),
		tracker("Alpha News", "Alpha List", statsNow.Add(-2*time.Hour), 30, openedBy("k2")),
		tracker("Late Opens", "Alpha List",
			time.Date(2026, time.August, 10, 0, 0, 0, 0, time.UTC), 20, openedBy("k3")),
	}

	if err := newTestAggregator(store).Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	alpha := strings.Index(store.savedData, "<td>Alpha List</td>")
	zeta := strings.Index(store.savedData, "<td>Zeta List</td>")
	older := strings.Index(store.savedData, "<td>Older emails</td>")
	if alpha < 0 || zeta < 0 || older < 0 {
		t.Fatalf("missing group headers in: %s", store.savedData)
	}
	if !(alpha < zeta && zeta < older) {
		t.Errorf("group order wrong: alpha=%d zeta=%d older=%d", alpha, zeta, older)
	}
}

func TestRunRowOrderAndMarkup(t *testing.T) {
	store := newFakeStatStore(2026, 9)
	big := tracker("Popular Issue", "Weekly Digest", statsNow.Add(-time.Hour), 2000, openedBy("k1", "k2", "k3"))
	small := tracker("Quiet Issue", "Weekly Digest", statsNow.Add(-2*time.Hour), 1500, openedBy("k4"))
	store.trackers = []*emailer.Tracker{small, big}

	if err := newTestAggregator(store).Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	data := store.savedData

	popular := strings.Index(data, "Popular Issue")
	quiet := strings.Index(data, "Quiet Issue")
	if !(popular >= 0 && quiet >= 0 && popular < quiet) {
		t.Error("rows should be ordered by opens descending")
	}
	if !strings.Contains(data, `<tr id="emailer_row_odd"><td id="emailer_numerical">1.</td>`) {
		t.Error("first row should use the odd row id")
	}
	if !strings.Contains(data, `<tr id="emailer_row_even"><td id="emailer_numerical">2.</td>`) {
		t.Error("second row should use the even row id")
	}
	if !strings.Contains(data, "2,000") || !strings.Contains(data, "1,500") {
		t.Error("sent counts should use comma grouping")
	}
	if !strings.Contains(data, "Totals:") {
		t.Error("group should end with a totals row")
	}
	// 4 opens of 3,500 sent
	if !strings.Contains(data, "0.1%") {
		t.Errorf("totals rate missing from: %s", data)
	}
}

func TestRunRenderIsDeterministic(t *testing.T) {
	store := newFakeStatStore(2026, 9)
	store.trackers = []*emailer.Tracker{
		tracker("Issue A", "Weekly Digest", statsNow.Add(-time.Hour), 100, openedBy("k1")),
		tracker("Issue B", "Weekly Digest", statsNow.Add(-2*time.Hour), 100, openedBy("k2")),
	}
	agg := newTestAggregator(store)

	if err := agg.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	first := store.savedData
	if err := agg.Run(context.Background()); err != nil {
		t.Fatalf("second Run() error: %v", err)
	}

	if store.savedData != first {
		t.Error("re-running without new activity should reproduce the table byte for byte")
	}
}
