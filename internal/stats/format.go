package stats

import (
	"fmt"
	"strconv"
	"strings"
)

// formatCount renders an integer with thousands separators: 1234567
// becomes "1,234,567".
func formatCount(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, digit := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(digit)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

// formatRate renders an open rate as a percentage with one decimal
// place. When either operand is zero the literal "0%" is produced, not
// "0.0%": downstream consumers depend on that exact string.
func formatRate(opens, sent int) string {
	if opens == 0 || sent == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.1f%%", float64(opens)/float64(sent)*100)
}
