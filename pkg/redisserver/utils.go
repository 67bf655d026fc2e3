package redisserver

import (
	"fmt"
	"strconv"
	"strings"
)

// humanizeBytes converts bytes to a human-readable string
func humanizeBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	var value float64
	var unit string

	switch {
	case bytes >= GB:
		value = float64(bytes) / GB
		unit = "GB"
	case bytes >= MB:
		value = float64(bytes) / MB
		unit = "MB"
	case bytes >= KB:
		value = float64(bytes) / KB
		unit = "KB"
	default:
		return strconv.FormatUint(bytes, 10) + "B"
	}

	return fmt.Sprintf("%.2f%s", value, unit)
}

// clampRange resolves Redis style inclusive indexes, where negative values
// count from the end, against a sequence of length n.
func clampRange(start, stop, n int) (int, int, bool) {
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if start >= n || start > stop {
		return 0, 0, false
	}
	return start, stop, true
}

func byteRange(v []byte, start, end int) []byte {
	start, end, ok := clampRange(start, end, len(v))
	if !ok {
		return []byte{}
	}
	return v[start : end+1]
}

// bound is one end of a score range; "(" marks it exclusive.
type bound struct {
	value     float64
	exclusive bool
}

func parseBound(s string) (bound, error) {
	var b bound
	if strings.HasPrefix(s, "(") {
		b.exclusive = true
		s = s[1:]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return b, err
	}
	b.value = v
	return b, nil
}

// below reports whether score is at or past a lower bound.
func (b bound) below(score float64) bool {
	return b.value < score || (!b.exclusive && b.value == score)
}

// above reports whether score is at or before an upper bound.
func (b bound) above(score float64) bool {
	return score < b.value || (!b.exclusive && score == b.value)
}

func memberNames(members []scored) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.member
	}
	return out
}
