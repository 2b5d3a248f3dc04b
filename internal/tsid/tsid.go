// Package tsid allocates strictly monotonic 14-digit timestamps for
// migration filenames.
package tsid

import (
	"fmt"
	"time"
)

// Layout is the Go reference-time layout for a 14-digit UTC timestamp.
const Layout = "20060102150405"

// Next computes the next timestamp given the last one persisted in a shared
// ledger and the current time. It is pure: callers own persisting newLast.
//
// If now's formatted timestamp is strictly greater than last, it is used
// directly. Otherwise last is lexicographically incremented by one, which
// also covers clock regression and multiple allocations within one second.
func Next(last string, now time.Time) (ts string, newLast string) {
	candidate := now.UTC().Format(Layout)
	if last == "" || candidate > last {
		return candidate, candidate
	}
	incremented := lexIncrement(last)
	return incremented, incremented
}

// lexIncrement parses a 14-digit decimal string as a big integer, adds one,
// and formats it back to a (at-least) 14-digit string. Done digit-by-digit
// with manual carry propagation rather than math/big since the width is
// fixed and small.
func lexIncrement(s string) string {
	digits := []byte(s)
	carry := byte(1)
	for i := len(digits) - 1; i >= 0 && carry > 0; i-- {
		d := digits[i] - '0' + carry
		digits[i] = d%10 + '0'
		carry = d / 10
	}
	if carry > 0 {
		return fmt.Sprintf("%d%s", carry, string(digits))
	}
	return string(digits)
}
