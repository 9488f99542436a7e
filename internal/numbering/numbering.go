// Package numbering derives human-readable approval numbers of the form AP-<year>-<seq>.
package numbering

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

var numberPattern = regexp.MustCompile(`^AP-(\d{4})-(\d+)$`)

// Sequencer hands out the next sequence for a year. floor is the highest sequence already
// in use; implementations must never return a value at or below it.
type Sequencer interface {
	Next(ctx context.Context, year, floor int) (int, error)
}

// Format renders a sequence zero-padded to three digits.
func Format(year, seq int) string {
	return fmt.Sprintf("AP-%d-%03d", year, seq)
}

// Parse splits a number into year and sequence.
func Parse(number string) (year, seq int, ok bool) {
	m := numberPattern.FindStringSubmatch(number)
	if m == nil {
		return 0, 0, false
	}
	year, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return year, seq, true
}

// MaxSeq returns the largest sequence among numbers issued for year.
func MaxSeq(numbers []string, year int) int {
	max := 0
	for _, n := range numbers {
		y, seq, ok := Parse(n)
		if !ok || y != year {
			continue
		}
		if seq > max {
			max = seq
		}
	}
	return max
}

// Scan is the advisory allocation: one past the largest number seen for the year.
// It is only safe with a single writer; Sequencer implementations serialize it.
func Scan(numbers []string, year int) string {
	return Format(year, MaxSeq(numbers, year)+1)
}
