package emailer

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Ledger is a tracker's open-event record: subscriber key to the
// [year, month] in which that subscriber first opened the email. A key
// appears at most once; only the first-ever open per subscriber is kept,
// regardless of which month later opens fall in.
type Ledger map[string]OpenStamp

// OpenStamp is the calendar month of a recorded open.
type OpenStamp struct {
	Year  int
	Month int
}

// MarshalJSON keeps the wire form as a two-element array so the stored
// blob stays compatible with the historical {"key": [year, month]} shape.
func (o OpenStamp) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{o.Year, o.Month})
}

// UnmarshalJSON validates the stored pair on read. A malformed entry is a
// data-integrity error and must fail the caller loudly rather than be
// silently miscounted.
func (o *OpenStamp) UnmarshalJSON(data []byte) error {
	var pair []int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("open stamp: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("open stamp: expected [year, month], got %d elements", len(pair))
	}
	year, month := pair[0], pair[1]
	if year < 1970 || year > 9999 {
		return fmt.Errorf("open stamp: year %d out of range", year)
	}
	if month < 1 || month > 12 {
		return fmt.Errorf("open stamp: month %d out of range", month)
	}
	o.Year, o.Month = year, month
	return nil
}

// Record stores the first open for key. Returns true if the ledger
// changed; a second open by the same subscriber is a no-op even in a
// later month.
func (l Ledger) Record(key string, year, month int) bool {
	if _, ok := l[key]; ok {
		return false
	}
	l[key] = OpenStamp{Year: year, Month: month}
	return true
}

// OpensIn counts entries stamped with the given calendar month.
func (l Ledger) OpensIn(year, month int) int {
	opens := 0
	for _, stamp := range l {
		if stamp.Year == year && stamp.Month == month {
			opens++
		}
	}
	return opens
}

// HasEntryIn reports whether any entry is stamped with the given month.
func (l Ledger) HasEntryIn(year, month int) bool {
	for _, stamp := range l {
		if stamp.Year == year && stamp.Month == month {
			return true
		}
	}
	return false
}

// Value serializes the ledger for a TEXT/JSONB column. An empty ledger is
// stored as an empty string, matching the column default.
func (l Ledger) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan parses and validates the stored ledger blob.
func (l *Ledger) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*l = Ledger{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("ledger: cannot scan %T", value)
	}
	if len(raw) == 0 {
		*l = Ledger{}
		return nil
	}
	parsed := Ledger{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("ledger: malformed json: %w", err)
	}
	*l = parsed
	return nil
}
