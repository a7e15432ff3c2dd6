package stats

import "testing"

func TestFormatCount(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "0"},
		{7, "7"},
		{999, "999"},
		{1000, "1,000"},
		{25873, "25,873"},
		{1234567, "1,234,567"},
		{-4200, "-4,200"},
	}
	for _, tt := range tests {
		if got := formatCount(tt.n); got != tt.want {
			t.Errorf("formatCount(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFormatRate(t *testing.T) {
	tests := []struct {
		name  string
		opens int
		sent  int
		want  string
	}{
		{"zero opens", 0, 100, "0%"},
		{"zero sent", 5, 0, "0%"},
		{"both zero", 0, 0, "0%"},
		{"three quarters", 3, 4, "75.0%"},
		{"one third rounds", 1, 3, "33.3%"},
		{"two thirds rounds", 2, 3, "66.7%"},
		{"full", 10, 10, "100.0%"},
		{"over full", 12, 10, "120.0%"},
	}
	for _, tt := range tests {
		if got := formatRate(tt.opens, tt.sent); got != tt.want {
			t.Errorf("%s: formatRate(%d, %d) = %q, want %q", tt.name, tt.opens, tt.sent, got, tt.want)
		}
	}
}
