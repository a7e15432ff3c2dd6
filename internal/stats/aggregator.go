// Package stats rolls trackers up into monthly stat tables and enforces
// tracker retention.
package stats

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/bulk-emailer/internal/emailer"
)

// Store is the persistence surface the aggregator needs.
type Store interface {
	GetOrCreateMonthlyStat(ctx context.Context, year, month int) (*emailer.MonthlyStat, error)
	GetTrackers(ctx context.Context) ([]*emailer.Tracker, error)
	DeleteTracker(ctx context.Context, trackerID uuid.UUID) error
	IsTrackerAttached(ctx context.Context, trackerID uuid.UUID) (bool, error)
	AttachTracker(ctx context.Context, statID, trackerID uuid.UUID, current bool) error
	AttachedTrackers(ctx context.Context, statID uuid.UUID, current bool) ([]*emailer.Tracker, error)
	SaveStatData(ctx context.Context, statID uuid.UUID, statData string) error
}

// olderGroupName is the synthetic group for trackers sent in earlier
// months whose opens landed in the current one.
const olderGroupName = "Older emails"

// Aggregator maintains the current month's stat row.
type Aggregator struct {
	store Store

	// TrackingMonths is the tracker retention window; trackers whose
	// send completed at least this many whole calendar months ago are
	// purged at the start of each run.
	TrackingMonths int

	now func() time.Time
}

// NewAggregator creates an aggregator with the given retention window.
func NewAggregator(store Store, trackingMonths int) *Aggregator {
	if trackingMonths <= 0 {
		trackingMonths = 3
	}
	return &Aggregator{store: store, TrackingMonths: trackingMonths, now: time.Now}
}

// Run performs one rollup: expire old trackers, attach newly eligible
// ones to the current month, and regenerate the month's table from its
// attached trackers. Attachment is at-most-once per tracker; the table
// itself is rebuilt from scratch every run.
func (a *Aggregator) Run(ctx context.Context) error {
	now := a.now()
	year, month := now.Year(), int(now.Month())

	stat, err := a.store.GetOrCreateMonthlyStat(ctx, year, month)
	if err != nil {
		return fmt.Errorf("monthly stat %d-%02d: %w", year, month, err)
	}

	trackers, err := a.store.GetTrackers(ctx)
	if err != nil {
		return fmt.Errorf("load trackers: %w", err)
	}

	expired := 0
	for _, tracker := range trackers {
		if tracker.AgeInMonths(now) >= a.TrackingMonths {
			if err := a.store.DeleteTracker(ctx, tracker.ID); err != nil {
				return fmt.Errorf("delete tracker %s: %w", tracker.ID, err)
			}
			expired++
			continue
		}
		if err := a.attach(ctx, stat, tracker, year, month); err != nil {
			return err
		}
	}

	statData, err := a.render(ctx, stat, year, month)
	if err != nil {
		return err
	}
	if err := a.store.SaveStatData(ctx, stat.ID, statData); err != nil {
		return fmt.Errorf("save stat data: %w", err)
	}

	if expired > 0 {
		log.Printf("[Stats] Expired %d trackers past the %d-month window", expired, a.TrackingMonths)
	}
	return nil
}

// attach links a tracker to the month's stat the first time one of its
// recorded opens falls in the current month. Once attached anywhere a
// tracker is never re-evaluated.
func (a *Aggregator) attach(ctx context.Context, stat *emailer.MonthlyStat, tracker *emailer.Tracker, year, month int) error {
	if len(tracker.Ledger) == 0 {
		return nil
	}
	attached, err := a.store.IsTrackerAttached(ctx, tracker.ID)
	if err != nil {
		return fmt.Errorf("attachment check %s: %w", tracker.ID, err)
	}
	if attached {
		return nil
	}
	if !tracker.Ledger.HasEntryIn(year, month) {
		return nil
	}

	current := tracker.SendComplete.Year() == year && int(tracker.SendComplete.Month()) == month
	if err := a.store.AttachTracker(ctx, stat.ID, tracker.ID, current); err != nil {
		return fmt.Errorf("attach tracker %s: %w", tracker.ID, err)
	}
	return nil
}

// statRecord is one tracker's row data. Ordering is by the whole record,
// descending: opens first, then sent, then subject, then the formatted
// date string.
type statRecord struct {
	opens   int
	sent    int
	subject string
	date    string
}

func (r statRecord) less(other statRecord) bool {
	if r.opens != other.opens {
		return r.opens < other.opens
	}
	if r.sent != other.sent {
		return r.sent < other.sent
	}
	if r.subject != other.subject {
		return r.subject < other.subject
	}
	return r.date < other.date
}

// render rebuilds the whole stat table fragment from the month's
// attached trackers. Given identical inputs the output is byte-identical,
// so re-running the aggregator without new activity is harmless.
func (a *Aggregator) render(ctx context.Context, stat *emailer.MonthlyStat, year, month int) (string, error) {
	currentTrackers, err := a.store.AttachedTrackers(ctx, stat.ID, true)
	if err != nil {
		return "", fmt.Errorf("current trackers: %w", err)
	}
	olderTrackers, err := a.store.AttachedTrackers(ctx, stat.ID, false)
	if err != nil {
		return "", fmt.Errorf("older trackers: %w", err)
	}

	var groupNames []string
	seen := map[string]bool{}
	for _, tracker := range currentTrackers {
		if !seen[tracker.ListName] {
			seen[tracker.ListName] = true
			groupNames = append(groupNames, tracker.ListName)
		}
	}
	sort.Strings(groupNames)
	if len(olderTrackers) > 0 {
		groupNames = append(groupNames, olderGroupName)
	}

	var b strings.Builder
	for _, name := range groupNames {
		var group []*emailer.Tracker
		if name == olderGroupName {
			group = olderTrackers
		} else {
			for _, tracker := range currentTrackers {
				if tracker.ListName == name {
					group = append(group, tracker)
				}
			}
		}
		renderGroup(&b, name, group, year, month)
	}
	return b.String(), nil
}

func renderGroup(b *strings.Builder, name string, trackers []*emailer.Tracker, year, month int) {
	fmt.Fprintf(b, `<tr id="emailer_title_row">`+
		`<td>&nbsp;</td>`+
		`<td>%s</td>`+
		`<td id="emailer_numerical">Sent</td>`+
		`<td id="emailer_numerical">Opens</td>`+
		`<td></td>`+
		`</tr>`, name)

	var records []statRecord
	for _, tracker := range trackers {
		if len(tracker.Ledger) == 0 {
			continue
		}
		records = append(records, statRecord{
			opens:   tracker.Ledger.OpensIn(year, month),
			sent:    tracker.NumberSent,
			subject: tracker.Subject,
			date:    tracker.SendCompleteString(),
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[j].less(records[i]) })

	sentTally, openTally := 0, 0
	for i, rec := range records {
		rowID := "emailer_row_even"
		if i%2 == 0 {
			rowID = "emailer_row_odd"
		}
		fmt.Fprintf(b, `<tr id="%s">`+
			`<td id="emailer_numerical">%d.</td>`+
			`<td>%s<br>%s</td>`+
			`<td id="emailer_numerical">%s</td>`+
			`<td id="emailer_numerical">%s</td>`+
			`<td id="emailer_numerical">%s</td>`+
			`</tr>`,
			rowID, i+1, rec.subject, rec.date,
			formatCount(rec.sent), formatCount(rec.opens), formatRate(rec.opens, rec.sent))
		sentTally += rec.sent
		openTally += rec.opens
	}

	fmt.Fprintf(b, `<tr id="emailer_title_row">`+
		`<td><br><br></td>`+
		`<td id="emailer_numerical">Totals:<br><br></td>`+
		`<td id="emailer_numerical">%s<br><br></td>`+
		`<td id="emailer_numerical">%s<br><br></td>`+
		`<td id="emailer_numerical">%s<br><br></td>`+
		`</tr>`,
		formatCount(sentTally), formatCount(openTally), formatRate(openTally, sentTally))
}
