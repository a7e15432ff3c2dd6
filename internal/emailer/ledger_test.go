package emailer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerRecordFirstOpenOnly(t *testing.T) {
	ledger := Ledger{}

	if !ledger.Record("key-a", 2026, 9) {
		t.Fatal("first open should mutate the ledger")
	}
	if ledger.Record("key-a", 2026, 9) {
		t.Error("repeat open in the same month should be a no-op")
	}
	// A later-month reopen is also ignored: only the first-ever open per
	// subscriber is kept.
	if ledger.Record("key-a", 2026, 10) {
		t.Error("reopen in a later month should be a no-op")
	}

	assert.Equal(t, OpenStamp{Year: 2026, Month: 9}, ledger["key-a"])
	assert.Len(t, ledger, 1)
}

func TestLedgerOpensIn(t *testing.T) {
	ledger := Ledger{
		"a": {Year: 2026, Month: 9},
		"b": {Year: 2026, Month: 9},
		"c": {Year: 2026, Month: 8},
	}

	assert.Equal(t, 2, ledger.OpensIn(2026, 9))
	assert.Equal(t, 1, ledger.OpensIn(2026, 8))
	assert.Equal(t, 0, ledger.OpensIn(2025, 9))
	assert.True(t, ledger.HasEntryIn(2026, 8))
	assert.False(t, ledger.HasEntryIn(2026, 7))
}

func TestLedgerScanRoundTrip(t *testing.T) {
	ledger := Ledger{"key-a": {Year: 2026, Month: 9}, "key-b": {Year: 2025, Month: 12}}

	value, err := ledger.Value()
	require.NoError(t, err)

	var parsed Ledger
	require.NoError(t, parsed.Scan(value))
	assert.Equal(t, ledger, parsed)
}

func TestLedgerScanEmpty(t *testing.T) {
	var ledger Ledger
	require.NoError(t, ledger.Scan(""))
	assert.NotNil(t, ledger)
	assert.Empty(t, ledger)

	var fromNil Ledger
	require.NoError(t, fromNil.Scan(nil))
	assert.Empty(t, fromNil)
}

func TestLedgerScanRejectsMalformedData(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "{broken"},
		{"wrong arity", `{"key": [2026]}`},
		{"month out of range", `{"key": [2026, 13]}`},
		{"month zero", `{"key": [2026, 0]}`},
		{"year out of range", `{"key": [12, 6]}`},
		{"wrong element type", `{"key": ["2026", "9"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ledger Ledger
			if err := ledger.Scan(tt.raw); err == nil {
				t.Errorf("Scan(%q) should fail", tt.raw)
			}
		})
	}
}

func TestLedgerEmptyValueIsEmptyString(t *testing.T) {
	value, err := Ledger{}.Value()
	require.NoError(t, err)
	assert.Equal(t, "", value)
}
